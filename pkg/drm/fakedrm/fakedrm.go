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

// Package fakedrm is an in-process stand-in for the i915 kernel driver.
//
// Buffers are byte slices. Submissions bind every object to an address (the
// proposed one if it is free), write the bound addresses back, and apply
// relocations whose presumed address is stale, as the kernel does. Commands
// are not executed. Each submission gets an eventfd-backed fence that is
// either signaled immediately or left for the test to signal.
package fakedrm

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/i915"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/bits"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/eventfd"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/hostarch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
)

// firstAddress is where the fake starts placing objects it has to move.
const firstAddress = 1 << 20

type buffer struct {
	data []byte

	// addr is the bound address, valid if bound.
	addr  uint64
	bound bool
}

// Submission records one accepted Execbuffer call.
type Submission struct {
	// Objects is the object list as returned to the caller.
	Objects []i915.GemExecObject2

	// Relocs is the number of relocation entries submitted.
	Relocs int

	// Applied is the number of relocations that were written.
	Applied int

	BatchLen uint32
	Flags    uint64
	Context  uint32

	// Batch is a copy of the batch buffer contents after relocation.
	Batch []byte

	ev       eventfd.Eventfd
	hasFence bool
}

// Device is a fake i915 device. It is safe for concurrent use.
type Device struct {
	// gen selects the relocation width.
	gen int

	mu sync.Mutex

	// autoComplete signals fences at submission.
	autoComplete bool

	nextHandle uint32
	buffers    map[uint32]*buffer
	nextAddr   uint64
	gttSize    uint64

	submissions []*Submission

	// failNext is returned by the next Execbuffer, if set.
	failNext error
}

var _ batch.Driver = (*Device)(nil)

// New returns a fake device of generation gen with a 48-bit address space.
// Fences are signaled at submission; see SetAutoComplete.
func New(gen int) *Device {
	return &Device{
		gen:          gen,
		autoComplete: true,
		nextHandle:   1,
		buffers:      make(map[uint32]*buffer),
		nextAddr:     firstAddress,
		gttSize:      1 << 48,
	}
}

// Options returns batch options matching the device.
func (d *Device) Options() batch.Options {
	return batch.Options{
		Gen:       d.gen,
		GTTSize:   d.gttSize,
		FullPPGTT: true,
	}
}

// SetAutoComplete selects whether fences are signaled at submission. When
// off, use Signal.
func (d *Device) SetAutoComplete(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.autoComplete = v
}

// FailNextExec makes the next Execbuffer fail with err.
func (d *Device) FailNextExec(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = err
}

// CreateBuffer implements batch.Driver.CreateBuffer.
func (d *Device) CreateBuffer(size uint64) (uint32, error) {
	if size == 0 {
		return 0, unix.EINVAL
	}
	size, ok := hostarch.PageRoundUp(size)
	if !ok {
		return 0, unix.E2BIG
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	h := d.nextHandle
	d.nextHandle++
	d.buffers[h] = &buffer{data: make([]byte, size)}
	return h, nil
}

// WriteBuffer implements batch.Driver.WriteBuffer.
func (d *Device) WriteBuffer(handle uint32, offset uint64, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[handle]
	if !ok {
		return unix.ENOENT
	}
	if offset+uint64(len(data)) > uint64(len(buf.data)) {
		return unix.EINVAL
	}
	copy(buf.data[offset:], data)
	return nil
}

// ReadBuffer returns a copy of size bytes of handle at offset.
func (d *Device) ReadBuffer(handle uint32, offset, size uint64) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[handle]
	if !ok {
		return nil, unix.ENOENT
	}
	if offset+size > uint64(len(buf.data)) {
		return nil, unix.EINVAL
	}
	return append([]byte(nil), buf.data[offset:offset+size]...), nil
}

// CloseBuffer implements batch.Driver.CloseBuffer.
func (d *Device) CloseBuffer(handle uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.buffers[handle]; !ok {
		return unix.ENOENT
	}
	delete(d.buffers, handle)
	return nil
}

// BufferCount returns the number of open buffers.
func (d *Device) BufferCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffers)
}

// Address returns the bound address of handle.
func (d *Device) Address(handle uint32) (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	buf, ok := d.buffers[handle]
	if !ok || !buf.bound {
		return 0, false
	}
	return buf.addr, true
}

// Submissions returns the accepted submissions so far.
func (d *Device) Submissions() []*Submission {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*Submission(nil), d.submissions...)
}

// Signal completes the fence of submission i.
func (d *Device) Signal(i int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.submissions) {
		return fmt.Errorf("no submission %d", i)
	}
	s := d.submissions[i]
	if !s.hasFence {
		return fmt.Errorf("submission %d has no fence", i)
	}
	return s.ev.Notify()
}

// Close releases all fence sources. Outstanding fences never signal after
// this.
func (d *Device) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.submissions {
		if s.hasFence {
			s.ev.Close()
			s.hasFence = false
		}
	}
}

// overlaps returns true if [addr, addr+size) intersects a bound buffer other
// than self.
func (d *Device) overlaps(self *buffer, addr, size uint64) bool {
	for _, buf := range d.buffers {
		if buf == self || !buf.bound {
			continue
		}
		if addr < buf.addr+uint64(len(buf.data)) && buf.addr < addr+size {
			return true
		}
	}
	return false
}

// bind gives buf an address aligned to align, trying hint first.
func (d *Device) bind(buf *buffer, hint, flags, align uint64) {
	size := uint64(len(buf.data))
	if align < hostarch.PageSize {
		align = hostarch.PageSize
	}
	limit := d.gttSize
	if flags&i915.EXEC_OBJECT_SUPPORTS_48B_ADDRESS == 0 {
		limit = 1 << 32
	}
	if buf.bound && buf.addr+size <= limit && buf.addr%align == 0 {
		return
	}
	if hint != 0 && hint%align == 0 && hint+size <= limit && !d.overlaps(buf, hint, size) {
		buf.addr, buf.bound = hint, true
		return
	}
	d.nextAddr = bits.AlignUp(d.nextAddr, align)
	for d.overlaps(buf, d.nextAddr, size) {
		d.nextAddr += align
	}
	buf.addr, buf.bound = d.nextAddr, true
	d.nextAddr += size
}

// relocate applies the relocations of one object and returns how many were
// written.
func (d *Device) relocate(buf *buffer, relocs []i915.GemRelocationEntry) (int, error) {
	width := uint64(hostarch.DwordSize)
	if d.gen >= 8 {
		width = hostarch.QwordSize
	}
	applied := 0
	for i := range relocs {
		r := &relocs[i]
		target := d.buffers[r.TargetHandle]
		if r.PresumedOffset == target.addr {
			continue
		}
		if r.Offset+width > uint64(len(buf.data)) || r.Offset%hostarch.DwordSize != 0 {
			return applied, unix.EINVAL
		}
		v := target.addr + uint64(int64(int32(r.Delta)))
		if width == hostarch.QwordSize {
			hostarch.ByteOrder.PutUint64(buf.data[r.Offset:], v)
		} else {
			hostarch.ByteOrder.PutUint32(buf.data[r.Offset:], uint32(v))
		}
		r.PresumedOffset = target.addr
		applied++
	}
	return applied, nil
}

// Execbuffer implements batch.Driver.Execbuffer.
func (d *Device) Execbuffer(eb *batch.Execbuf) (batch.Fence, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.failNext; err != nil {
		d.failNext = nil
		return nil, err
	}
	if len(eb.Objects) == 0 || len(eb.Objects) != len(eb.Relocs) {
		return nil, unix.EINVAL
	}
	if eb.Flags&i915.I915_EXEC_BATCH_FIRST == 0 {
		return nil, unix.EINVAL
	}
	bufs := make([]*buffer, len(eb.Objects))
	seen := make(map[uint32]bool, len(eb.Objects))
	for i := range eb.Objects {
		h := eb.Objects[i].Handle
		buf, ok := d.buffers[h]
		if !ok {
			return nil, unix.ENOENT
		}
		if seen[h] {
			return nil, unix.EINVAL
		}
		seen[h] = true
		bufs[i] = buf
	}
	for i := range eb.Relocs {
		for _, r := range eb.Relocs[i] {
			if !seen[r.TargetHandle] {
				return nil, unix.ENOENT
			}
		}
	}
	if uint64(eb.BatchLen) > uint64(len(bufs[0].data)) {
		return nil, unix.EINVAL
	}

	for i := range eb.Objects {
		d.bind(bufs[i], eb.Objects[i].Offset, eb.Objects[i].Flags, eb.Objects[i].Alignment)
		eb.Objects[i].Offset = bufs[i].addr
	}
	s := &Submission{
		BatchLen: eb.BatchLen,
		Flags:    eb.Flags,
		Context:  eb.Context,
	}
	for i := range eb.Relocs {
		n, err := d.relocate(bufs[i], eb.Relocs[i])
		s.Applied += n
		s.Relocs += len(eb.Relocs[i])
		if err != nil {
			return nil, err
		}
	}
	s.Objects = append([]i915.GemExecObject2(nil), eb.Objects...)
	s.Batch = append([]byte(nil), bufs[0].data...)

	var fence batch.Fence
	if eb.Flags&i915.I915_EXEC_FENCE_OUT != 0 {
		ev, err := eventfd.Create()
		if err != nil {
			return nil, err
		}
		f, err := newFence(ev)
		if err != nil {
			ev.Close()
			return nil, err
		}
		s.ev, s.hasFence = ev, true
		if d.autoComplete {
			ev.Notify()
		}
		fence = f
	}
	d.submissions = append(d.submissions, s)
	log.Debugf("fakedrm: submission %d: %d objects, %d/%d relocations applied", len(d.submissions)-1, len(eb.Objects), s.Applied, s.Relocs)
	return fence, nil
}

// MergeFences implements batch.Driver.MergeFences.
func (d *Device) MergeFences(a, b batch.Fence) (batch.Fence, error) {
	fa, ok := a.(*Fence)
	if !ok {
		return nil, fmt.Errorf("cannot merge %T", a)
	}
	fb, ok := b.(*Fence)
	if !ok {
		return nil, fmt.Errorf("cannot merge %T", b)
	}
	return merge(fa, fb)
}
