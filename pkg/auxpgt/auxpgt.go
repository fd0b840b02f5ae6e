// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package auxpgt builds Gen12 AUX page tables.
//
// An AUX table maps 64 KiB blocks of a compressed main surface to the 256
// byte blocks of its compression control surface (CCS). The table has three
// levels, all allocated from one GEM buffer with the outermost table at
// offset 0. Entries pointing at child tables are GPU addresses inside that
// buffer and are relocated like any other pointer in a batch; leaf entries
// hold the CCS address directly.
package auxpgt

import (
	"fmt"
	"sort"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/bits"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/hostarch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
)

const (
	// MainBlockSize is the main surface range mapped by one leaf entry.
	MainBlockSize = 64 << 10

	// CCSBlockSize is the CCS range a leaf entry points at.
	CCSBlockSize = 256

	// addressWidth is the width of GPU addresses in table entries.
	addressWidth = 48

	entrySize = hostarch.QwordSize
)

// Level identifies a table level, from the leaf L1 up to L3.
type Level int

const (
	L1 Level = iota
	L2
	L3

	numLevels = 3
)

// String implements fmt.Stringer.
func (l Level) String() string {
	return fmt.Sprintf("L%d", int(l)+1)
}

// levelDesc describes the tables of one level.
type levelDesc struct {
	// idxShift and idxBits select the address bits indexing a table.
	idxShift int
	idxBits  int

	// ptrShift is the lowest pointer bit of an entry.
	ptrShift int

	// tableSize is the size of one table in bytes. Tables are aligned to
	// their size.
	tableSize uint64
}

var levels = [numLevels]levelDesc{
	L1: {idxShift: 16, idxBits: 8, ptrShift: 8, tableSize: 8 << 10},
	L2: {idxShift: 24, idxBits: 12, ptrShift: 13, tableSize: 32 << 10},
	L3: {idxShift: 36, idxBits: 12, ptrShift: 15, tableSize: 32 << 10},
}

// maxAlign is the alignment of the table buffer.
const maxAlign = 32 << 10

// index returns the index of the entry covering addr in a table of level l.
func (l Level) index(addr uint64) uint64 {
	d := &levels[l]
	return bits.Field64(addr, d.idxShift+d.idxBits-1, d.idxShift)
}

// ptrMask returns the pointer bits of an entry of level l.
func (l Level) ptrMask() uint64 {
	return bits.FieldMask64(addressWidth-1, levels[l].ptrShift)
}

// coverage returns the address bits covered by one table of level l.
func (l Level) coverage() int {
	d := &levels[l]
	return d.idxShift + d.idxBits
}

// Plane is one main surface of a buffer and its CCS.
type Plane struct {
	// Offset and Size locate the main surface in the buffer.
	Offset uint64
	Size   uint64

	// Stride is the main surface pitch. It must be a multiple of 512.
	Stride uint32

	// CCSOffset is the offset of the CCS in the buffer.
	CCSOffset uint64

	// CCSStride is the CCS pitch, Stride/512*64.
	CCSStride uint32
}

// Surface is a compressed buffer participating in a submission.
type Surface struct {
	// Handle is the GEM handle of the buffer.
	Handle uint32

	// Size is the size of the whole buffer.
	Size uint64

	Tiling TileMode
	Format Format

	// Planes holds one plane, or two for semi-planar YUV. The first plane
	// must start at offset 0.
	Planes []Plane
}

// end returns the end of the last plane relative to the buffer.
func (s *Surface) end() uint64 {
	var end uint64
	for i := range s.Planes {
		if e := s.Planes[i].Offset + s.Planes[i].Size; e > end {
			end = e
		}
	}
	return end
}

// ccsSize returns the size of the CCS of plane p.
func (p *Plane) ccsSize() uint64 {
	return bits.AlignUp(p.Size, MainBlockSize) / MainBlockSize * CCSBlockSize
}

// check panics if s cannot be mapped at addr.
func (s *Surface) check(addr uint64) {
	if len(s.Planes) == 0 || len(s.Planes) > 2 || s.Planes[0].Offset != 0 {
		panic(fmt.Sprintf("surface %d: bad planes %+v", s.Handle, s.Planes))
	}
	if addr%MainBlockSize != 0 {
		panic(fmt.Sprintf("surface %d at %#x is not aligned to %#x", s.Handle, addr, MainBlockSize))
	}
	for i := range s.Planes {
		p := &s.Planes[i]
		if p.Offset%MainBlockSize != 0 {
			panic(fmt.Sprintf("surface %d plane %d: offset %#x is not aligned to %#x", s.Handle, i, p.Offset, MainBlockSize))
		}
		if p.Size == 0 || p.Offset+p.Size > s.Size || p.CCSOffset+p.ccsSize() > s.Size {
			panic(fmt.Sprintf("surface %d plane %d: %+v does not fit in %#x bytes", s.Handle, i, *p, s.Size))
		}
	}
}

// Driver is the subset of batch.Driver used to manage the table buffer.
type Driver interface {
	CreateBuffer(size uint64) (uint32, error)
	WriteBuffer(handle uint32, offset uint64, data []byte) error
	CloseBuffer(handle uint32) error
}

// Table is a built AUX table.
type Table struct {
	handle uint32
	size   uint64

	// addr is the table buffer address the entries were built for.
	addr uint64

	// pinned records the surface addresses the leaf entries were built for.
	pinned map[uint32]uint64
}

// Handle returns the GEM handle of the table buffer.
func (t *Table) Handle() uint32 { return t.handle }

// Size returns the size of the table buffer.
func (t *Table) Size() uint64 { return t.size }

// Address returns the table buffer address used while building.
func (t *Table) Address() uint64 { return t.addr }

// levelInfo is the allocation state of one level.
type levelInfo struct {
	count uint64
	base  uint64
	next  uint64
}

// builder holds the state of one Build call.
type builder struct {
	b      *batch.Batch
	handle uint32
	addr   uint64
	mem    []byte
	info   [numLevels]levelInfo
	size   uint64
}

// tableCount returns the number of tables covering 2^shift aligned ranges
// needed for surfaces. Ranges of adjacent surfaces that share an aligned
// block are counted once.
func tableCount(shift int, surfaces []Surface, addrs []uint64) uint64 {
	var count, end uint64
	block := uint64(1) << shift
	for i := range surfaces {
		start := bits.AlignDown(addrs[i], block)
		if start < end {
			start = end
		}
		end = bits.AlignUp(addrs[i]+surfaces[i].end(), block)
		if end < start {
			panic(fmt.Sprintf("surface %d range [%#x, %#x) wraps", surfaces[i].Handle, start, end))
		}
		count += (end - start) >> shift
	}
	return count
}

// layout assigns each level its region of the table buffer, outermost first.
func (bd *builder) layout(surfaces []Surface, addrs []uint64) {
	bd.size = 0
	for l := L3; l >= L1; l-- {
		li := &bd.info[l]
		li.base = bits.AlignUp(bd.size, levels[l].tableSize)
		li.next = li.base
		li.count = tableCount(l.coverage(), surfaces, addrs)
		bd.size = li.base + li.count*levels[l].tableSize
	}
}

// alloc returns the offset of a new table of level l.
func (bd *builder) alloc(l Level) uint64 {
	li := &bd.info[l]
	table := li.next
	li.next += levels[l].tableSize
	if li.next > li.base+li.count*levels[l].tableSize {
		panic(fmt.Sprintf("out of %v tables: %d allocated", l, li.count))
	}
	return table
}

func (bd *builder) entry(off uint64) uint64 {
	return hostarch.ByteOrder.Uint64(bd.mem[off:])
}

func (bd *builder) setEntry(off, v uint64) {
	hostarch.ByteOrder.PutUint64(bd.mem[off:], v)
}

// child returns the offset of the child table of the level l table at parent
// that covers addr, allocating it if needed.
func (bd *builder) child(parent uint64, l Level, addr uint64) uint64 {
	off := parent + l.index(addr)*entrySize
	if e := bd.entry(off); e != 0 {
		return (e & l.ptrMask()) - bd.addr
	}

	table := bd.alloc(l - 1)
	if (bd.addr+table)&^l.ptrMask() != 0 {
		panic(fmt.Sprintf("%v table at %#x does not fit a %v entry", l-1, bd.addr+table, l))
	}
	pte := table | lxFlags()
	if pte > 1<<31-1 {
		panic(fmt.Sprintf("%v entry delta %#x overflows", l, pte))
	}
	bd.setEntry(off, bd.addr+pte)
	bd.b.AddRelocTo(bd.handle, bd.handle, 0, 0, uint32(pte), off, bd.addr)
	return table
}

// setLeaf points the L1 entry of table covering addr at ccs.
func (bd *builder) setLeaf(table, addr, ccs, flags uint64) {
	if ccs&^L1.ptrMask() != 0 {
		panic(fmt.Sprintf("CCS address %#x does not fit an L1 entry", ccs))
	}
	bd.setEntry(table+L1.index(addr)*entrySize, ccs|flags)
}

func (bd *builder) populatePlane(top uint64, s *Surface, base uint64, plane int) {
	p := &s.Planes[plane]
	if p.Stride%512 != 0 {
		panic(fmt.Sprintf("surface %d plane %d: stride %d is not a multiple of 512", s.Handle, plane, p.Stride))
	}
	if want := p.Stride / 512 * 64; p.CCSStride != want {
		panic(fmt.Sprintf("surface %d plane %d: CCS stride %d, want %d", s.Handle, plane, p.CCSStride, want))
	}

	flags := l1Flags(s, plane)
	addr := base + p.Offset
	end := addr + p.Size
	ccs := base + p.CCSOffset
	for ; addr < end; addr, ccs = addr+MainBlockSize, ccs+CCSBlockSize {
		table := top
		for l := L3; l > L1; l-- {
			table = bd.child(table, l, addr)
		}
		bd.setLeaf(table, addr, ccs, flags)
	}
}

// Prepare adds surfaces to b, aligned for mapping, and returns them sorted
// by address as Build requires. A surface already tracked at an address that
// is not block aligned panics.
func Prepare(b *batch.Batch, surfaces []Surface) []Surface {
	sorted := append([]Surface(nil), surfaces...)
	for i := range sorted {
		b.AddAlignedObject(sorted[i].Handle, batch.UnassignedAddress, MainBlockSize, true)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		ai, _ := b.ObjectAddress(sorted[i].Handle)
		aj, _ := b.ObjectAddress(sorted[j].Handle)
		return ai < aj
	})
	return sorted
}

// Build creates an AUX table mapping surfaces and adds it to b. Surfaces must
// already be tracked by b, sorted by address and must not overlap.
func Build(b *batch.Batch, drv Driver, surfaces []Surface) (*Table, error) {
	if len(surfaces) == 0 {
		panic("building an AUX table without surfaces")
	}
	if b.Gen() < 12 {
		panic(fmt.Sprintf("AUX tables need gen 12, batch is gen %d", b.Gen()))
	}
	if b.EnforceRelocs() {
		panic("AUX table leaf entries need known surface addresses")
	}

	addrs := make([]uint64, len(surfaces))
	pinned := make(map[uint32]uint64, len(surfaces))
	for i := range surfaces {
		s := &surfaces[i]
		addr, ok := b.ObjectAddress(s.Handle)
		if !ok {
			panic(fmt.Sprintf("surface %d is not tracked by batch %d", s.Handle, b.Handle()))
		}
		s.check(addr)
		if i > 0 {
			prev := &surfaces[i-1]
			if end := addrs[i-1] + prev.Size; addr < end {
				panic(fmt.Sprintf("surface %d at %#x overlaps or precedes surface %d ending at %#x",
					s.Handle, addr, prev.Handle, end))
			}
			// Leaf entries map whole main blocks.
			if end := bits.AlignUp(addrs[i-1]+prev.end(), MainBlockSize); bits.AlignDown(addr, MainBlockSize) < end {
				panic(fmt.Sprintf("surface %d at %#x shares a main block with surface %d ending at %#x",
					s.Handle, addr, prev.Handle, end))
			}
		}
		addrs[i] = addr
		pinned[s.Handle] = addr
	}

	bd := &builder{b: b}
	bd.layout(surfaces, addrs)

	handle, err := drv.CreateBuffer(bd.size)
	if err != nil {
		return nil, fmt.Errorf("creating AUX table of %d bytes: %w", bd.size, err)
	}
	bd.handle = handle
	bd.addr = b.AddAlignedObject(handle, batch.UnassignedAddress, maxAlign, false).Address()
	bd.mem = make([]byte, bd.size)

	top := bd.alloc(L3)
	if top != 0 {
		panic(fmt.Sprintf("top level table at %#x", top))
	}
	for i := range surfaces {
		for plane := range surfaces[i].Planes {
			bd.populatePlane(top, &surfaces[i], addrs[i], plane)
		}
	}

	if err := drv.WriteBuffer(handle, 0, bd.mem); err != nil {
		b.RemoveObject(handle)
		drv.CloseBuffer(handle)
		return nil, fmt.Errorf("writing AUX table %d: %w", handle, err)
	}
	log.Debugf("auxpgt: table %d at %#x, %d bytes, L3/L2/L1 tables %d/%d/%d",
		handle, bd.addr, bd.size, bd.info[L3].count, bd.info[L2].count, bd.info[L1].count)
	return &Table{handle: handle, size: bd.size, addr: bd.addr, pinned: pinned}, nil
}

// Release checks that neither t nor its surfaces were moved by the kernel,
// then removes t from b and closes its buffer.
func (t *Table) Release(b *batch.Batch, drv Driver) error {
	for h, want := range t.pinned {
		if got, _ := b.ObjectAddress(h); got != want {
			panic(fmt.Sprintf("surface %d moved from %#x to %#x", h, want, got))
		}
	}
	if got, _ := b.ObjectAddress(t.handle); got != t.addr {
		panic(fmt.Sprintf("AUX table %d moved from %#x to %#x", t.handle, t.addr, got))
	}
	b.RemoveObject(t.handle)
	if err := drv.CloseBuffer(t.handle); err != nil {
		return fmt.Errorf("closing AUX table %d: %w", t.handle, err)
	}
	return nil
}
