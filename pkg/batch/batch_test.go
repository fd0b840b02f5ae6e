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

package batch_test

import (
	"errors"
	"fmt"
	mrand "math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/i915"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/drm/fakedrm"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/hostarch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/rand"
)

const (
	rd = i915.I915_GEM_DOMAIN_RENDER
	wd = i915.I915_GEM_DOMAIN_RENDER
)

func newBatch(t *testing.T, gen int, mod func(*batch.Options)) (*batch.Batch, *fakedrm.Device) {
	t.Helper()
	dev := fakedrm.New(gen)
	t.Cleanup(dev.Close)
	opts := dev.Options()
	opts.Seed = 0x1234
	if mod != nil {
		mod(&opts)
	}
	b, err := batch.New(dev, 4*hostarch.PageSize, opts)
	if err != nil {
		t.Fatalf("batch.New(): %v", err)
	}
	return b, dev
}

func buffer(t *testing.T, dev *fakedrm.Device) uint32 {
	t.Helper()
	h, err := dev.CreateBuffer(hostarch.PageSize)
	if err != nil {
		t.Fatalf("CreateBuffer(): %v", err)
	}
	return h
}

func mustPanic(t *testing.T, name string, f func()) {
	t.Helper()
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("%s: did not panic", name)
		}
	}()
	f()
}

func TestNew(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	if got, want := b.Size(), uint32(4*hostarch.PageSize); got != want {
		t.Errorf("Size(): got %d, want %d", got, want)
	}
	if !b.Supports48b() {
		t.Errorf("Supports48b(): got false, want true")
	}
	objs := b.Objects()
	if len(objs) != 1 || objs[0].Handle() != b.Handle() {
		t.Fatalf("Objects(): got %v, want only the batch buffer %d", objs, b.Handle())
	}
	if dev.BufferCount() != 1 {
		t.Errorf("BufferCount(): got %d, want 1", dev.BufferCount())
	}

	// Sizes are rounded up to a page.
	small, err := batch.New(dev, 100, dev.Options())
	if err != nil {
		t.Fatalf("batch.New(100): %v", err)
	}
	if got := small.Size(); got != hostarch.PageSize {
		t.Errorf("Size() of a 100 byte batch: got %d, want %d", got, hostarch.PageSize)
	}
}

func TestGTTSize(t *testing.T) {
	for _, tc := range []struct {
		gtt     uint64
		full    bool
		want    uint64
		want48b bool
	}{
		{gtt: 1 << 48, full: true, want: 1 << 48, want48b: true},
		{gtt: 1 << 48, full: false, want: 1 << 47, want48b: true},
		{gtt: 1 << 32, full: true, want: 1 << 32, want48b: false},
		{gtt: 1 << 33, full: false, want: 1 << 32, want48b: false},
		{gtt: 0, full: true, want: batch.DefaultGTTSize, want48b: false},
	} {
		b, _ := newBatch(t, 12, func(o *batch.Options) {
			o.GTTSize = tc.gtt
			o.FullPPGTT = tc.full
		})
		if got := b.GTTSize(); got != tc.want {
			t.Errorf("GTTSize(%#x, full %t): got %#x, want %#x", tc.gtt, tc.full, got, tc.want)
		}
		if got := b.Supports48b(); got != tc.want48b {
			t.Errorf("Supports48b(%#x, full %t): got %t, want %t", tc.gtt, tc.full, got, tc.want48b)
		}
	}
}

func TestProposeAddress(t *testing.T) {
	b, _ := newBatch(t, 12, nil)

	// New already drew one address for the batch buffer.
	ref := rand.NewHarsPetruska(0x1234)
	ref.Uint64()
	for i := 0; i < 100; i++ {
		want := ((ref.Uint64() + 256<<10) & (b.GTTSize() - 1)) &^ (hostarch.PageSize - 1)
		got := b.ProposeAddress()
		if got != want {
			t.Fatalf("ProposeAddress() #%d: got %#x, want %#x", i, got, want)
		}
		if got%hostarch.PageSize != 0 || got >= b.GTTSize() {
			t.Fatalf("ProposeAddress() #%d: %#x is unaligned or outside the GTT", i, got)
		}
	}

	enforced, _ := newBatch(t, 12, func(o *batch.Options) { o.EnforceRelocs = true })
	for i := 0; i < 10; i++ {
		if got := enforced.ProposeAddress(); got != 0 {
			t.Errorf("ProposeAddress() with relocations enforced: got %#x, want 0", got)
		}
	}
}

func TestAddObjectIdempotent(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	r := mrand.New(mrand.NewSource(1))

	for n := 0; n < 20; n++ {
		h := buffer(t, dev)
		first := b.AddObject(h, batch.UnassignedAddress, false)
		addr := first.Address()
		wantFlags := first.Flags()
		for i := 0; i < 10; i++ {
			write := r.Intn(2) == 0
			var proposed uint64
			if r.Intn(2) == 0 {
				proposed = uint64(r.Intn(1<<20)) * hostarch.PageSize
			} else {
				proposed = batch.UnassignedAddress
			}
			o := b.AddObject(h, proposed, write)
			if o != first {
				t.Fatalf("AddObject(%d) #%d: got a new entry", h, i)
			}
			if o.Address() != addr {
				t.Fatalf("AddObject(%d) #%d: address moved from %#x to %#x", h, i, addr, o.Address())
			}
			if write {
				wantFlags |= i915.EXEC_OBJECT_WRITE
			}
			if r.Intn(4) == 0 {
				b.SetObjectFence(h)
				wantFlags |= i915.EXEC_OBJECT_NEEDS_FENCE
			}
			if got := o.Flags(); got != wantFlags {
				t.Fatalf("AddObject(%d) #%d: got flags %#x, want %#x", h, i, got, wantFlags)
			}
		}
		if got, ok := b.ObjectAddress(h); !ok || got != addr {
			t.Errorf("ObjectAddress(%d): got (%#x, %t), want (%#x, true)", h, got, ok, addr)
		}
	}
	if got, want := b.ObjectCount(), 21; got != want {
		t.Errorf("ObjectCount(): got %d, want %d", got, want)
	}
}

func TestAddObjectFlags(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	h := buffer(t, dev)

	o := b.AddObject(h, 0x123000, false)
	if o.Address() != 0x123000 {
		t.Errorf("Address(): got %#x, want %#x", o.Address(), 0x123000)
	}
	if o.IsWrite() || o.NeedsFence() {
		t.Errorf("new read-only object: got write %t, fence %t", o.IsWrite(), o.NeedsFence())
	}
	if o.Flags()&i915.EXEC_OBJECT_SUPPORTS_48B_ADDRESS == 0 {
		t.Errorf("Flags(): got %#x, want SUPPORTS_48B_ADDRESS set", o.Flags())
	}
	b.AddObject(h, batch.UnassignedAddress, true)
	if !o.IsWrite() {
		t.Errorf("IsWrite() after write upsert: got false")
	}
	b.AddObject(h, batch.UnassignedAddress, false)
	if !o.IsWrite() {
		t.Errorf("IsWrite() after read upsert: got false, want sticky true")
	}

	if b.SetObjectFence(12345) {
		t.Errorf("SetObjectFence(unknown): got true, want false")
	}
	if !b.SetObjectFlag(h, i915.EXEC_OBJECT_CAPTURE) || o.Flags()&i915.EXEC_OBJECT_CAPTURE == 0 {
		t.Errorf("SetObjectFlag(CAPTURE): flags %#x", o.Flags())
	}

	b32, dev32 := newBatch(t, 12, func(o *batch.Options) { o.GTTSize = 1 << 32 })
	o32 := b32.AddObject(buffer(t, dev32), batch.UnassignedAddress, false)
	if o32.Flags()&i915.EXEC_OBJECT_SUPPORTS_48B_ADDRESS != 0 {
		t.Errorf("Flags() on a 32-bit GTT: got %#x, want SUPPORTS_48B_ADDRESS clear", o32.Flags())
	}
}

func TestRemoveObject(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	h1, h2 := buffer(t, dev), buffer(t, dev)
	b.AddObject(h1, batch.UnassignedAddress, false)
	b.AddObject(h2, batch.UnassignedAddress, false)

	if b.RemoveObject(b.Handle()) {
		t.Errorf("RemoveObject(batch buffer): got true, want false")
	}
	if !b.RemoveObject(h1) {
		t.Errorf("RemoveObject(%d): got false, want true", h1)
	}
	if b.RemoveObject(h1) {
		t.Errorf("second RemoveObject(%d): got true, want false", h1)
	}
	var got []uint32
	for _, o := range b.Objects() {
		got = append(got, o.Handle())
	}
	if diff := cmp.Diff([]uint32{b.Handle(), h2}, got); diff != "" {
		t.Errorf("Objects() mismatch (-want +got):\n%s", diff)
	}
	if _, ok := b.ObjectAddress(h1); ok {
		t.Errorf("ObjectAddress(%d) after removal: found", h1)
	}
}

func TestRelocAddressMatchesLookup(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	handles := []uint32{buffer(t, dev), buffer(t, dev), buffer(t, dev)}

	returned := make(map[uint32]uint64)
	for i := 0; i < 30; i++ {
		h := handles[i%len(handles)]
		var addr uint64
		switch i % 3 {
		case 0:
			addr = b.EmitReloc(h, rd, 0, uint32(i*0x40), batch.UnassignedAddress)
		case 1:
			_, off := b.Alloc(8, 8)
			addr = b.OffsetReloc(h, rd, wd, off, batch.UnassignedAddress)
		case 2:
			addr = b.EmitRelocFenced(h, rd, 0, 0, batch.UnassignedAddress)
		}
		if prev, ok := returned[h]; ok && prev != addr {
			t.Fatalf("reloc #%d to %d: got %#x, earlier %#x", i, h, addr, prev)
		}
		returned[h] = addr
		if got, _ := b.ObjectAddress(h); got != addr {
			t.Fatalf("reloc #%d: returned %#x, ObjectAddress(%d) = %#x", i, addr, h, got)
		}
	}
	if got := b.RelocCount(); got != 30 {
		t.Errorf("RelocCount(): got %d, want 30", got)
	}

	b.EmitBBEnd()
	if err := b.Exec(b.Offset(), 0, true); err != nil {
		t.Fatalf("Exec(): %v", err)
	}
	for h, addr := range returned {
		if got, _ := b.ObjectAddress(h); got != addr {
			t.Errorf("ObjectAddress(%d) after Exec(): got %#x, want %#x", h, got, addr)
		}
		if bound, _ := dev.Address(h); bound != addr {
			t.Errorf("device address of %d: got %#x, want %#x", h, bound, addr)
		}
	}
	// The proposals were honoured, so the kernel had nothing to patch.
	if s := dev.Submissions()[0]; s.Relocs != 30 || s.Applied != 0 {
		t.Errorf("submission: got %d relocs, %d applied; want 30, 0", s.Relocs, s.Applied)
	}
	if !b.Object(handles[2]).NeedsFence() {
		t.Errorf("EmitRelocFenced target: NeedsFence() = false")
	}
}

func TestEmitReloc(t *testing.T) {
	for _, gen := range []int{7, 8, 12} {
		t.Run(fmt.Sprintf("gen%d", gen), func(t *testing.T) {
			b, dev := newBatch(t, gen, nil)
			h := buffer(t, dev)
			target := uint64(0x1_2345_6000)
			if gen < 8 {
				target = 0x2345_6000
			}
			b.AddObject(h, target, false)

			b.Emit(i915.MI_NOOP)
			addr := b.EmitReloc(h, rd, wd, 0x80, batch.UnassignedAddress)
			if addr != target {
				t.Fatalf("EmitReloc(): got %#x, want %#x", addr, target)
			}

			wantCursor := uint32(12)
			if gen < 8 {
				wantCursor = 8
			}
			if got := b.Offset(); got != wantCursor {
				t.Errorf("Offset(): got %d, want %d", got, wantCursor)
			}
			if got := b.Uint32At(4); got != 0x23456080 {
				t.Errorf("low dword: got %#x, want %#x", got, 0x23456080)
			}
			if gen >= 8 {
				if got := b.Uint32At(8); got != 1 {
					t.Errorf("high dword: got %#x, want 1", got)
				}
			}

			want := []i915.GemRelocationEntry{{
				TargetHandle:   h,
				Delta:          0x80,
				Offset:         4,
				PresumedOffset: target,
				ReadDomains:    rd,
				WriteDomain:    wd,
			}}
			if diff := cmp.Diff(want, b.Relocations(b.Handle())); diff != "" {
				t.Errorf("Relocations() mismatch (-want +got):\n%s", diff)
			}
			if !b.Object(h).IsWrite() {
				t.Errorf("target with a write domain: IsWrite() = false")
			}
		})
	}
}

func TestNegativeDelta(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	h := buffer(t, dev)
	b.AddObject(h, 0x100000, false)
	b.EmitReloc(h, rd, 0, uint32(0xfffffff0), batch.UnassignedAddress) // -16
	if got := b.Uint32At(0); got != 0xffff0 {
		t.Errorf("low dword: got %#x, want %#x", got, 0xffff0)
	}
	if got := b.Uint32At(4); got != 0 {
		t.Errorf("high dword: got %#x, want 0", got)
	}
}

func TestAddressTooWide(t *testing.T) {
	b, dev := newBatch(t, 7, nil)
	h := buffer(t, dev)
	b.AddObject(h, 0xffff_f000, false)
	mustPanic(t, "EmitReloc() past 4 GiB on gen 7", func() { b.EmitReloc(h, rd, 0, 0x1000, batch.UnassignedAddress) })
	mustPanic(t, "PutAddressAt() past 4 GiB on gen 7", func() { b.PutAddressAt(0, 1<<32) })

	// Negative deltas that stay in range are fine.
	b.SetOffset(0)
	b.EmitReloc(h, rd, 0, uint32(0xfffffff0), batch.UnassignedAddress) // -16
	if got := b.Uint32At(0); got != 0xffff_eff0 {
		t.Errorf("EmitReloc(): got %#x, want %#x", got, 0xffff_eff0)
	}
}

func TestOffsetRelocWithDelta(t *testing.T) {
	for _, gen := range []int{6, 9} {
		t.Run(fmt.Sprintf("gen%d", gen), func(t *testing.T) {
			b, dev := newBatch(t, gen, nil)
			h := buffer(t, dev)
			b.AddObject(h, 0x40_0000, false)

			// Reserve the field first, fill it in once the address is known.
			b.Emit(i915.MI_NOOP)
			field := b.Offset()
			b.Emit(0)
			if gen >= 8 {
				b.Emit(0)
			}
			addr := b.OffsetRelocWithDelta(h, rd, 0, 0x40, field, batch.UnassignedAddress)
			b.PutAddressAt(field, addr+0x40)
			end := b.EmitBBEnd()
			if err := b.Exec(end, 0, true); err != nil {
				t.Fatalf("Exec(): %v", err)
			}

			want := []i915.GemRelocationEntry{{
				TargetHandle:   h,
				Delta:          0x40,
				Offset:         uint64(field),
				PresumedOffset: 0x40_0000,
				ReadDomains:    rd,
			}}
			if diff := cmp.Diff(want, b.Relocations(b.Handle())); diff != "" {
				t.Errorf("Relocations() mismatch (-want +got):\n%s", diff)
			}
			devAddr, _ := dev.Address(h)
			got := hostarch.ByteOrder.Uint32(dev.Submissions()[0].Batch[field:])
			if want := uint32(devAddr + 0x40); got != want {
				t.Errorf("submitted field: got %#x, want %#x", got, want)
			}
		})
	}
}

func TestRelocTo(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	table, surf := buffer(t, dev), buffer(t, dev)
	mustPanic(t, "AddRelocTo(untracked)", func() {
		b.AddRelocTo(table, surf, rd, 0, 0, 0, batch.UnassignedAddress)
	})

	b.AddObject(table, batch.UnassignedAddress, false)
	addr := b.AddRelocTo(table, surf, rd, 0, 3, 0x100, batch.UnassignedAddress)
	if got, _ := b.ObjectAddress(surf); got != addr {
		t.Errorf("AddRelocTo(): got %#x, ObjectAddress() %#x", addr, got)
	}
	if n := len(b.Relocations(table)); n != 1 {
		t.Errorf("Relocations(table): got %d entries, want 1", n)
	}
	// Relocations outside the batch are not limited by its written range.
	if err := b.Exec(b.EmitBBEnd(), 0, true); err != nil {
		t.Fatalf("Exec(): %v", err)
	}
}

func TestEnforceRelocs(t *testing.T) {
	b, dev := newBatch(t, 12, func(o *batch.Options) { o.EnforceRelocs = true })
	h := buffer(t, dev)
	if got := b.EmitReloc(h, rd, 0, 4, batch.UnassignedAddress); got != 0 {
		t.Errorf("EmitReloc(): got %#x, want 0", got)
	}
	r := b.Relocations(b.Handle())
	if len(r) != 1 || r[0].PresumedOffset != batch.UnassignedAddress {
		t.Fatalf("Relocations(): got %+v, want one with presumed offset %#x", r, batch.UnassignedAddress)
	}
	end := b.EmitBBEnd()
	if err := b.Exec(end, i915.I915_EXEC_NO_RELOC, true); err != nil {
		t.Fatalf("Exec(): %v", err)
	}

	s := dev.Submissions()[0]
	if s.Flags&i915.I915_EXEC_NO_RELOC != 0 {
		t.Errorf("submitted flags %#x: NO_RELOC not cleared", s.Flags)
	}
	if s.Applied != 1 {
		t.Errorf("applied relocations: got %d, want 1", s.Applied)
	}
	bound, _ := dev.Address(h)
	if got, _ := b.ObjectAddress(h); got != bound {
		t.Errorf("ObjectAddress() after Exec(): got %#x, want kernel address %#x", got, bound)
	}
	if got, want := hostarch.ByteOrder.Uint64(s.Batch[0:]), bound+4; got != want {
		t.Errorf("patched batch: got %#x, want %#x", got, want)
	}
}

func TestExecFlagsAndUpload(t *testing.T) {
	b, dev := newBatch(t, 12, func(o *batch.Options) { o.Context = 3 })
	b.Emit(i915.MI_NOOP)
	end := b.EmitBBEnd()
	if end != 8 {
		t.Fatalf("EmitBBEnd(): got %d, want 8", end)
	}
	if err := b.Exec(end, i915.I915_EXEC_RENDER, false); err != nil {
		t.Fatalf("Exec(): %v", err)
	}
	s := dev.Submissions()[0]
	want := uint64(i915.I915_EXEC_RENDER | i915.I915_EXEC_BATCH_FIRST | i915.I915_EXEC_FENCE_OUT)
	if s.Flags != want {
		t.Errorf("submitted flags: got %#x, want %#x", s.Flags, want)
	}
	if s.Context != 3 || s.BatchLen != 8 {
		t.Errorf("submitted context %d, len %d; want 3, 8", s.Context, s.BatchLen)
	}
	if got := hostarch.ByteOrder.Uint32(s.Batch[4:]); got != i915.MI_BATCH_BUFFER_END {
		t.Errorf("uploaded batch dword 1: got %#x, want MI_BATCH_BUFFER_END", got)
	}
	if b.PendingFence() == nil {
		t.Errorf("PendingFence() after Exec(): got nil")
	}
	if err := b.Sync(); err != nil {
		t.Fatalf("Sync(): %v", err)
	}
	if b.PendingFence() != nil {
		t.Errorf("PendingFence() after Sync(): got non-nil")
	}
	// Sync without a fence is a no-op.
	if err := b.Sync(); err != nil {
		t.Errorf("second Sync(): %v", err)
	}
}

func TestDebugSyncs(t *testing.T) {
	b, _ := newBatch(t, 12, func(o *batch.Options) { o.Debug = true })
	end := b.EmitBBEnd()
	if err := b.Exec(end, 0, false); err != nil {
		t.Fatalf("Exec(): %v", err)
	}
	if b.PendingFence() != nil {
		t.Errorf("PendingFence() after a debug Exec(): got non-nil")
	}
}

func TestFenceMerge(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	dev.SetAutoComplete(false)

	end := b.EmitBBEnd()
	for i := 0; i < 2; i++ {
		if err := b.Exec(end, 0, false); err != nil {
			t.Fatalf("Exec() #%d: %v", i, err)
		}
	}
	f := b.PendingFence()
	if ok, _ := f.Ready(); ok {
		t.Fatalf("merged fence ready before completion")
	}
	if err := dev.Signal(0); err != nil {
		t.Fatalf("Signal(0): %v", err)
	}
	if ok, _ := f.Ready(); ok {
		t.Fatalf("merged fence ready with the second submission pending")
	}
	if err := dev.Signal(1); err != nil {
		t.Fatalf("Signal(1): %v", err)
	}
	if ok, err := f.Ready(); !ok || err != nil {
		t.Fatalf("merged fence after both completed: got (%t, %v), want (true, nil)", ok, err)
	}
	if err := b.Sync(); err != nil {
		t.Errorf("Sync(): %v", err)
	}
}

func TestFenceMergeOrderIndependent(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	dev.SetAutoComplete(false)
	end := b.EmitBBEnd()
	for i := 0; i < 3; i++ {
		if err := b.Exec(end, 0, false); err != nil {
			t.Fatalf("Exec() #%d: %v", i, err)
		}
	}
	for _, i := range []int{2, 0} {
		dev.Signal(i)
		if ok, _ := b.PendingFence().Ready(); ok {
			t.Fatalf("fence ready after signaling %d", i)
		}
	}
	dev.Signal(1)
	if ok, _ := b.PendingFence().Ready(); !ok {
		t.Errorf("fence not ready after signaling all submissions")
	}
}

// logLines collects messages passed to Logf.
type logLines struct {
	t     *testing.T
	lines []string
}

func (l *logLines) Logf(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	l.t.Log(msg)
	l.lines = append(l.lines, msg)
}

// captureLog routes the global logger through a TestEmitter for the rest of
// the test.
func captureLog(t *testing.T) *logLines {
	l := &logLines{t: t}
	log.SetTarget(&log.TestEmitter{TestLogger: l})
	t.Cleanup(func() {
		log.SetTarget(log.GoogleEmitter{Writer: &log.Writer{Next: os.Stderr}})
	})
	return l
}

func TestExecFailure(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	logs := captureLog(t)
	h := buffer(t, dev)
	b.EmitReloc(h, rd, 0, 0, batch.UnassignedAddress)
	end := b.EmitBBEnd()

	dev.FailNextExec(unix.EINVAL)
	err := b.Exec(end, 0, false)
	var execErr *batch.ExecError
	if !errors.As(err, &execErr) {
		t.Fatalf("Exec(): got %v, want *ExecError", err)
	}
	if !errors.Is(err, unix.EINVAL) {
		t.Errorf("Exec(): got %v, want EINVAL", err)
	}
	if execErr.Objects != 2 || execErr.Relocs != 1 {
		t.Errorf("ExecError: got %d objects, %d relocs; want 2, 1", execErr.Objects, execErr.Relocs)
	}
	// The rejected submission is dumped, target included.
	dump := strings.Join(logs.lines, "\n")
	if !strings.Contains(dump, "execbuf: batch_len") || !strings.Contains(dump, fmt.Sprintf("target %d,", h)) {
		t.Errorf("failed Exec() logged %q, want an execbuf dump", logs.lines)
	}
	// Nothing was consumed; the batch can be resubmitted.
	if b.RelocCount() != 1 || b.PendingFence() != nil {
		t.Errorf("after failed Exec(): %d relocs, fence %v", b.RelocCount(), b.PendingFence())
	}
	if err := b.Exec(end, 0, true); err != nil {
		t.Errorf("resubmission: %v", err)
	}

	dev.FailNextExec(unix.EIO)
	mustPanic(t, "MustExec()", func() { b.MustExec(end, 0, false) })
}

func TestResetWithoutPurgeNeedsNoRelocs(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	handles := []uint32{buffer(t, dev), buffer(t, dev)}
	for _, h := range handles {
		b.EmitReloc(h, rd, wd, 0, batch.UnassignedAddress)
	}
	end := b.EmitBBEnd()
	if err := b.Exec(end, 0, true); err != nil {
		t.Fatalf("Exec(): %v", err)
	}
	addrs := make(map[uint32]uint64)
	for _, h := range handles {
		addrs[h], _ = b.ObjectAddress(h)
	}
	batchHandle := b.Handle()

	if err := b.Reset(false); err != nil {
		t.Fatalf("Reset(false): %v", err)
	}
	if got := b.RelocCount(); got != 0 {
		t.Fatalf("RelocCount() after Reset(false): got %d, want 0", got)
	}
	if b.Offset() != 0 || b.Handle() != batchHandle {
		t.Errorf("after Reset(false): offset %d, handle %d; want 0, %d", b.Offset(), b.Handle(), batchHandle)
	}

	for _, h := range handles {
		o := b.AddObject(h, addrs[h], true)
		if o.Address() != addrs[h] {
			t.Fatalf("AddObject(%d) after reset: got %#x, want %#x", h, o.Address(), addrs[h])
		}
		b.EmitQword(o.Address())
	}
	end = b.EmitBBEnd()
	if err := b.Exec(end, i915.I915_EXEC_NO_RELOC, true); err != nil {
		t.Fatalf("second Exec(): %v", err)
	}
	if s := dev.Submissions()[1]; s.Relocs != 0 {
		t.Errorf("second submission: got %d relocations, want 0", s.Relocs)
	}
	for _, h := range handles {
		if got, _ := dev.Address(h); got != addrs[h] {
			t.Errorf("device address of %d: got %#x, want %#x", h, got, addrs[h])
		}
	}
}

func TestResetPurge(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	h := buffer(t, dev)
	b.EmitReloc(h, rd, 0, 0, batch.UnassignedAddress)
	old := b.Handle()

	// A second reference blocks purging.
	b.Ref()
	if err := b.Reset(true); err != nil {
		t.Fatalf("Reset(true): %v", err)
	}
	if b.Handle() != old || b.ObjectCount() != 2 {
		t.Errorf("referenced Reset(true): handle %d, %d objects; want %d, 2", b.Handle(), b.ObjectCount(), old)
	}
	if b.RelocCount() != 0 {
		t.Errorf("referenced Reset(true): %d relocations, want 0", b.RelocCount())
	}
	b.Unref()

	b.Emit(0xdeadbeef)
	if err := b.Reset(true); err != nil {
		t.Fatalf("Reset(true): %v", err)
	}
	if b.Handle() == old {
		t.Errorf("Reset(true): handle not recreated")
	}
	if b.ObjectCount() != 1 || b.Objects()[0].Handle() != b.Handle() {
		t.Errorf("Reset(true): got objects %v, want only the new batch buffer", b.Objects())
	}
	if _, ok := b.ObjectAddress(h); ok {
		t.Errorf("Reset(true): %d still tracked", h)
	}
	if got := b.Uint32At(0); got != 0 || b.Offset() != 0 || b.HighWater() != 0 {
		t.Errorf("Reset(true): dword 0 %#x, offset %d, high water %d; want all zero", got, b.Offset(), b.HighWater())
	}
	// The old batch buffer was closed, the target buffer and the new batch
	// buffer remain.
	if got := dev.BufferCount(); got != 2 {
		t.Errorf("BufferCount(): got %d, want 2", got)
	}
}

// createFailer fails CreateBuffer with err when err is set.
type createFailer struct {
	*fakedrm.Device
	err error
}

func (c *createFailer) CreateBuffer(size uint64) (uint32, error) {
	if c.err != nil {
		return 0, c.err
	}
	return c.Device.CreateBuffer(size)
}

func TestResetPurgeCreateFails(t *testing.T) {
	dev := fakedrm.New(12)
	t.Cleanup(dev.Close)
	drv := &createFailer{Device: dev}
	b, err := batch.New(drv, hostarch.PageSize, dev.Options())
	if err != nil {
		t.Fatalf("batch.New(): %v", err)
	}
	h := buffer(t, dev)
	b.EmitReloc(h, rd, 0, 0, batch.UnassignedAddress)
	old := b.Handle()

	drv.err = unix.ENOMEM
	if err := b.Reset(true); !errors.Is(err, unix.ENOMEM) {
		t.Fatalf("Reset(true): got %v, want ENOMEM", err)
	}
	if b.Handle() != old || b.ObjectCount() != 2 || b.RelocCount() != 1 || b.Offset() == 0 {
		t.Errorf("after failed Reset(true): handle %d (was %d), %d objects, %d relocs, offset %d",
			b.Handle(), old, b.ObjectCount(), b.RelocCount(), b.Offset())
	}
	if _, err := dev.ReadBuffer(old, 0, hostarch.PageSize); err != nil {
		t.Errorf("batch buffer closed by failed Reset(true): %v", err)
	}

	drv.err = nil
	if err := b.Reset(true); err != nil {
		t.Fatalf("Reset(true): %v", err)
	}
	if b.Handle() == old {
		t.Errorf("Reset(true) kept handle %d", old)
	}
	if _, err := dev.ReadBuffer(old, 0, hostarch.PageSize); err == nil {
		t.Errorf("old batch buffer %d still open", old)
	}
	b.Destroy()
	if _, err := dev.ReadBuffer(b.Handle(), 0, hostarch.PageSize); err == nil {
		t.Errorf("batch buffer %d open after Destroy()", b.Handle())
	}
}

func TestRelocStorageGrowth(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	h := buffer(t, dev)
	if got := b.RelocCapacity(b.Handle()); got != 0 {
		t.Fatalf("initial capacity: got %d, want 0", got)
	}
	for i := 0; i < 129; i++ {
		_, off := b.Alloc(8, 8)
		b.OffsetReloc(h, rd, 0, off, batch.UnassignedAddress)
	}
	if got := b.RelocCapacity(b.Handle()); got != 256 {
		t.Errorf("capacity after 129 relocations: got %d, want 256", got)
	}
	b.Reset(false)
	if got := b.RelocCapacity(b.Handle()); got != 256 {
		t.Errorf("capacity after Reset(false): got %d, want 256 kept", got)
	}
}

func TestCapacity(t *testing.T) {
	b, _ := newBatch(t, 12, nil)
	size := b.Size()

	b.SetOffset(size - 4)
	b.Emit(1)
	mustPanic(t, "Emit() at capacity", func() { b.Emit(2) })

	b.Reset(false)
	b.SetOffset(size - 4)
	mustPanic(t, "EmitQword() with 4 bytes left", func() { b.EmitQword(1) })
	if got := b.Offset(); got != size-4 {
		t.Errorf("Offset() after failed EmitQword(): got %#x, want %#x", got, size-4)
	}

	b.Reset(false)
	mustPanic(t, "Alloc(size+1)", func() { b.Alloc(size+1, 4) })
	mustPanic(t, "SetOffset(size+4)", func() { b.SetOffset(size + 4) })
	mustPanic(t, "CopyData(odd)", func() { b.CopyData([]byte{1, 2, 3}, 4) })
	mustPanic(t, "Align(3)", func() { b.Align(3) })

	b.SetOffset(size - 1)
	mustPanic(t, "Align() past the end", func() { b.Align(2 * size) })

	// Exactly filling the buffer is fine.
	b.Reset(false)
	p, off := b.Alloc(size, 64)
	if len(p) != int(size) || off != 0 || b.Offset() != size {
		t.Errorf("Alloc(size): got %d bytes at %d, cursor %d", len(p), off, b.Offset())
	}
}

func TestAllocAndCopy(t *testing.T) {
	b, _ := newBatch(t, 12, nil)
	b.Emit(1)
	p, off := b.Alloc(16, 64)
	if off != 64 || len(p) != 16 {
		t.Fatalf("Alloc(16, 64): got %d bytes at %d, want 16 at 64", len(p), off)
	}
	for i := range p {
		if p[i] != 0 {
			t.Fatalf("Alloc(): byte %d not zeroed", i)
		}
	}
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	off = b.CopyData(data, 32)
	if off != 96 {
		t.Errorf("CopyData(): got offset %d, want 96", off)
	}
	if diff := cmp.Diff(data, b.Bytes()[off:off+8]); diff != "" {
		t.Errorf("CopyData() mismatch (-want +got):\n%s", diff)
	}
	if got := b.Align(4096); got != 4096 {
		t.Errorf("Align(4096): got %d, want 4096", got)
	}
}

func TestPatchSiteOutsideWrittenRange(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	h := buffer(t, dev)
	b.Emit(0)
	b.OffsetReloc(h, rd, 0, 0x800, batch.UnassignedAddress)
	mustPanic(t, "Exec() with a relocation past the written range", func() { b.Exec(b.Offset(), 0, false) })

	// Moving the cursor past the site makes it valid.
	b.SetOffset(0x808)
	if err := b.Exec(4, 0, true); err != nil {
		t.Errorf("Exec(): %v", err)
	}
}

func TestRelocToRemovedObjectPanics(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	h := buffer(t, dev)
	b.EmitReloc(h, rd, 0, 0, batch.UnassignedAddress)
	b.RemoveObject(h)
	mustPanic(t, "Exec() with a relocation to a removed object", func() { b.Exec(b.Offset(), 0, false) })
}

func TestFlush(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	if err := b.FlushRender(); err != nil {
		t.Fatalf("FlushRender() on an empty batch: %v", err)
	}
	if n := len(dev.Submissions()); n != 0 {
		t.Fatalf("empty flush submitted %d batches", n)
	}

	h := buffer(t, dev)
	b.EmitReloc(h, rd, 0, 0, batch.UnassignedAddress)
	if err := b.FlushBlit(); err != nil {
		t.Fatalf("FlushBlit(): %v", err)
	}
	subs := dev.Submissions()
	if len(subs) != 1 {
		t.Fatalf("FlushBlit(): got %d submissions, want 1", len(subs))
	}
	if ring := subs[0].Flags & i915.I915_EXEC_RING_MASK; ring != i915.I915_EXEC_BLT {
		t.Errorf("FlushBlit() ring: got %d, want %d", ring, i915.I915_EXEC_BLT)
	}
	if subs[0].BatchLen != 16 {
		t.Errorf("FlushBlit() length: got %d, want 16", subs[0].BatchLen)
	}
	if b.Offset() != 0 || b.RelocCount() != 0 || b.ObjectCount() != 2 {
		t.Errorf("after flush: offset %d, %d relocs, %d objects; want 0, 0, 2", b.Offset(), b.RelocCount(), b.ObjectCount())
	}

	b.Emit(i915.MI_NOOP)
	if err := b.FlushRender(); err != nil {
		t.Fatalf("FlushRender(): %v", err)
	}
	if ring := dev.Submissions()[1].Flags & i915.I915_EXEC_RING_MASK; ring != i915.I915_EXEC_RENDER {
		t.Errorf("FlushRender() ring: got %d, want %d", ring, i915.I915_EXEC_RENDER)
	}
}

func TestDestroy(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	end := b.EmitBBEnd()
	dev.SetAutoComplete(false)
	if err := b.Exec(end, 0, false); err != nil {
		t.Fatalf("Exec(): %v", err)
	}

	b.Ref()
	mustPanic(t, "Destroy() with two references", b.Destroy)
	b.Unref()
	b.Destroy()
	if got := dev.BufferCount(); got != 0 {
		t.Errorf("BufferCount() after Destroy(): got %d, want 0", got)
	}
	mustPanic(t, "Unref() after Destroy()", b.Unref)
}

func TestDump(t *testing.T) {
	b, _ := newBatch(t, 12, nil)
	b.Emit(0xcafef00d)
	b.DumpExecbuf()

	path := filepath.Join(t.TempDir(), "batch.bin")
	if err := b.Dump(path); err != nil {
		t.Fatalf("Dump(): %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(): %v", err)
	}
	if len(data) != int(b.Size()) || hostarch.ByteOrder.Uint32(data) != 0xcafef00d {
		t.Errorf("Dump(): got %d bytes starting %x", len(data), data[:4])
	}
}

func TestSetObjectAlignment(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	h := buffer(t, dev)
	b.AddObject(h, 0x120000, false)
	if !b.SetObjectAlignment(h, 0x10000) {
		t.Fatalf("SetObjectAlignment(): got false")
	}
	if got := b.Object(h).Address(); got != 0x120000 {
		t.Errorf("Address() after alignment: got %#x, want %#x", got, 0x120000)
	}
	if b.SetObjectAlignment(4321, 0x1000) {
		t.Errorf("SetObjectAlignment(unknown): got true")
	}
	mustPanic(t, "SetObjectAlignment(3)", func() { b.SetObjectAlignment(h, 3) })

	// An address already handed out is never moved to satisfy alignment.
	h2 := buffer(t, dev)
	b.AddObject(h2, 0x1003000, false)
	got := b.EmitReloc(h2, rd, 0, 0, batch.UnassignedAddress)
	mustPanic(t, "SetObjectAlignment() of a misaligned address", func() { b.SetObjectAlignment(h2, 0x10000) })
	if addr, _ := b.ObjectAddress(h2); addr != got {
		t.Errorf("ObjectAddress() after failed alignment: got %#x, want %#x", addr, got)
	}

	b.EmitReloc(h, rd, 0, 0, batch.UnassignedAddress)
	if err := b.Exec(b.EmitBBEnd(), 0, true); err != nil {
		t.Fatalf("Exec(): %v", err)
	}
	if s := dev.Submissions()[0]; s.Objects[1].Alignment != 0x10000 {
		t.Errorf("submitted alignment: got %#x, want %#x", s.Objects[1].Alignment, 0x10000)
	}
	if got, _ := dev.Address(h); got != 0x120000 {
		t.Errorf("device address: got %#x, want %#x", got, 0x120000)
	}
}

func TestAddAlignedObject(t *testing.T) {
	b, dev := newBatch(t, 12, nil)
	for i := 0; i < 16; i++ {
		h := buffer(t, dev)
		o := b.AddAlignedObject(h, batch.UnassignedAddress, 0x10000, true)
		if o.Address()%0x10000 != 0 || o.Alignment() != 0x10000 || !o.IsWrite() {
			t.Fatalf("AddAlignedObject(%d): got address %#x, alignment %#x, write %t", h, o.Address(), o.Alignment(), o.IsWrite())
		}
		if got := b.AddAlignedObject(h, batch.UnassignedAddress, 0x1000, false); got != o || got.Alignment() != 0x10000 {
			t.Errorf("AddAlignedObject(%d) again: got alignment %#x, want %#x", h, got.Alignment(), 0x10000)
		}
	}

	h := buffer(t, dev)
	mustPanic(t, "AddAlignedObject() with a misaligned address", func() { b.AddAlignedObject(h, 0x1003000, 0x10000, false) })
	mustPanic(t, "AddAlignedObject() with alignment 3", func() { b.AddAlignedObject(h, batch.UnassignedAddress, 3, false) })
}
