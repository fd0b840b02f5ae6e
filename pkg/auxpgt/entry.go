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

package auxpgt

import (
	"fmt"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/bits"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/hostarch"
)

// Entry bits.
const (
	entryValid = 1 << 0

	tileModeHi, tileModeLo = 53, 52
	depthHi, depthLo       = 56, 54
	ycrBit                 = 57
	formatHi, formatLo     = 63, 58
)

// TileMode is the tiling of a main surface as encoded in leaf entries.
type TileMode uint8

const (
	TileModeLinear TileMode = 0
	TileModeY      TileMode = 1
)

// Format is the pixel format of a compressed surface.
type Format int

const (
	// FormatARGB8 is any 32bpp RGB format. It is the default.
	FormatARGB8 Format = iota
	FormatNV12
	FormatP010
	FormatP012
	FormatP016
)

// Hardware format codes.
const (
	auxFormatP010   = 0x07
	auxFormatP016   = 0x08
	auxFormatARGB8B = 0x0A
	auxFormatNV12   = 0x0F
)

// code returns the hardware format and depth codes of f.
func (f Format) code() (format, depth uint64) {
	switch f {
	case FormatARGB8:
		return auxFormatARGB8B, 5
	case FormatNV12:
		return auxFormatNV12, 4
	case FormatP010:
		return auxFormatP010, 1
	case FormatP012:
		return auxFormatP016, 2
	case FormatP016:
		return auxFormatP016, 3
	default:
		panic(fmt.Sprintf("unknown AUX format %d", f))
	}
}

// IsYUV returns true for the semi-planar YUV formats.
func (f Format) IsYUV() bool {
	return f != FormatARGB8
}

// l1Flags returns the leaf entry flags of a plane of s.
func l1Flags(s *Surface, plane int) uint64 {
	format, depth := s.Format.code()
	e := uint64(entryValid)
	e = bits.SetField64(e, tileModeHi, tileModeLo, uint64(s.Tiling))
	e = bits.SetField64(e, depthHi, depthLo, depth)
	e = bits.SetField64(e, formatHi, formatLo, format)
	if s.Format.IsYUV() && plane > 0 {
		e |= 1 << ycrBit
	}
	return e
}

// lxFlags returns the flags of entries pointing at tables.
func lxFlags() uint64 {
	return entryValid
}

// Entry is a decoded table entry.
type Entry struct {
	Valid bool

	// Address is the child table address for L3 and L2 entries and the CCS
	// address for L1 entries.
	Address uint64

	// The remaining fields are only set for L1 entries.
	TileMode TileMode
	Depth    uint8
	YCr      bool
	Format   uint8
}

// Decode decodes entry e of a level l table.
func Decode(l Level, e uint64) Entry {
	d := Entry{
		Valid:   e&entryValid != 0,
		Address: e & l.ptrMask(),
	}
	if l == L1 {
		d.TileMode = TileMode(bits.Field64(e, tileModeHi, tileModeLo))
		d.Depth = uint8(bits.Field64(e, depthHi, depthLo))
		d.YCr = bits.IsOn64(e, 1<<ycrBit)
		d.Format = uint8(bits.Field64(e, formatHi, formatLo))
	}
	return d
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	if !e.Valid {
		return "invalid"
	}
	return fmt.Sprintf("addr %#x tile %d depth %d ycr %t format %#x", e.Address, e.TileMode, e.Depth, e.YCr, e.Format)
}

// Lookup walks the table contents mem down to the L1 entry mapping the main
// surface address addr. It returns false if an entry on the way is not
// valid.
func (t *Table) Lookup(mem []byte, addr uint64) (Entry, bool) {
	if uint64(len(mem)) < t.size {
		panic(fmt.Sprintf("AUX table contents of %d bytes, want %d", len(mem), t.size))
	}
	var table uint64
	for l := L3; ; l-- {
		off := table + l.index(addr)*entrySize
		e := Decode(l, hostarch.ByteOrder.Uint64(mem[off:]))
		if !e.Valid {
			return e, false
		}
		if l == L1 {
			return e, true
		}
		if e.Address < t.addr || e.Address-t.addr >= t.size {
			panic(fmt.Sprintf("%v entry for %#x points at %#x outside table [%#x, %#x)", l, addr, e.Address, t.addr, t.addr+t.size))
		}
		table = e.Address - t.addr
	}
}
