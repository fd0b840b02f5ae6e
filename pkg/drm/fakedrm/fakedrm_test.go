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

package fakedrm

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/i915"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/hostarch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/syncfile"
)

func mustCreate(t *testing.T, d *Device, size uint64) uint32 {
	t.Helper()
	h, err := d.CreateBuffer(size)
	if err != nil {
		t.Fatalf("CreateBuffer(%d): %v", size, err)
	}
	return h
}

func execbuf(objs []i915.GemExecObject2, relocs [][]i915.GemRelocationEntry) *batch.Execbuf {
	return &batch.Execbuf{
		Objects:  objs,
		Relocs:   relocs,
		BatchLen: 8,
		Flags:    i915.I915_EXEC_BATCH_FIRST | i915.I915_EXEC_FENCE_OUT,
	}
}

func TestRelocationWidth(t *testing.T) {
	for _, tc := range []struct {
		gen  int
		want []byte
	}{
		// Target bound at 0x1_0000_2000, delta 0x10.
		{gen: 9, want: []byte{0x10, 0x20, 0, 0, 1, 0, 0, 0, 0xff}},
		{gen: 7, want: []byte{0x10, 0x20, 0, 0, 0xff, 0xff, 0xff, 0xff, 0xff}},
	} {
		d := New(tc.gen)
		defer d.Close()
		bb := mustCreate(t, d, hostarch.PageSize)
		target := mustCreate(t, d, hostarch.PageSize)
		fill := make([]byte, 16)
		for i := range fill {
			fill[i] = 0xff
		}
		if err := d.WriteBuffer(bb, 0, fill); err != nil {
			t.Fatalf("WriteBuffer(): %v", err)
		}

		eb := execbuf(
			[]i915.GemExecObject2{
				{Handle: bb},
				{Handle: target, Offset: 0x100002000, Flags: i915.EXEC_OBJECT_SUPPORTS_48B_ADDRESS},
			},
			[][]i915.GemRelocationEntry{
				{{TargetHandle: target, Delta: 0x10, Offset: 0, PresumedOffset: batch.UnassignedAddress}},
				nil,
			},
		)
		f, err := d.Execbuffer(eb)
		if err != nil {
			t.Fatalf("gen %d: Execbuffer(): %v", tc.gen, err)
		}
		f.Close()

		got, err := d.ReadBuffer(bb, 0, uint64(len(tc.want)))
		if err != nil {
			t.Fatalf("ReadBuffer(): %v", err)
		}
		if string(got) != string(tc.want) {
			t.Errorf("gen %d: patched batch: got %x, want %x", tc.gen, got, tc.want)
		}
		if eb.Objects[1].Offset != 0x100002000 {
			t.Errorf("gen %d: target offset: got %#x, want %#x", tc.gen, eb.Objects[1].Offset, 0x100002000)
		}
		if got := eb.Relocs[0][0].PresumedOffset; got != 0x100002000 {
			t.Errorf("gen %d: presumed offset after exec: got %#x, want %#x", tc.gen, got, 0x100002000)
		}
	}
}

func TestRelocationSkippedWhenPresumedMatches(t *testing.T) {
	d := New(12)
	defer d.Close()
	bb := mustCreate(t, d, hostarch.PageSize)
	target := mustCreate(t, d, hostarch.PageSize)

	eb := execbuf(
		[]i915.GemExecObject2{{Handle: bb}, {Handle: target, Offset: 0x40000, Flags: i915.EXEC_OBJECT_SUPPORTS_48B_ADDRESS}},
		[][]i915.GemRelocationEntry{{{TargetHandle: target, Offset: 8, PresumedOffset: 0x40000}}, nil},
	)
	if _, err := d.Execbuffer(eb); err != nil {
		t.Fatalf("Execbuffer(): %v", err)
	}
	s := d.Submissions()[0]
	if s.Relocs != 1 || s.Applied != 0 {
		t.Errorf("submission: got %d relocs, %d applied, want 1, 0", s.Relocs, s.Applied)
	}
}

func TestBindMovesOverlappingHint(t *testing.T) {
	d := New(12)
	defer d.Close()
	a := mustCreate(t, d, 2*hostarch.PageSize)
	b := mustCreate(t, d, hostarch.PageSize)

	eb := execbuf(
		[]i915.GemExecObject2{
			{Handle: a, Offset: 0x80000, Flags: i915.EXEC_OBJECT_SUPPORTS_48B_ADDRESS},
			{Handle: b, Offset: 0x81000, Flags: i915.EXEC_OBJECT_SUPPORTS_48B_ADDRESS},
		},
		[][]i915.GemRelocationEntry{nil, nil},
	)
	if _, err := d.Execbuffer(eb); err != nil {
		t.Fatalf("Execbuffer(): %v", err)
	}
	if got := eb.Objects[0].Offset; got != 0x80000 {
		t.Errorf("first object: got %#x, want hint %#x", got, 0x80000)
	}
	if got := eb.Objects[1].Offset; got >= 0x80000 && got < 0x82000 {
		t.Errorf("second object: got %#x, overlapping the first one", got)
	}

	// Bound objects stay put whatever the next hint says.
	eb.Objects[0].Offset = 0x200000
	if _, err := d.Execbuffer(eb); err != nil {
		t.Fatalf("Execbuffer(): %v", err)
	}
	if got := eb.Objects[0].Offset; got != 0x80000 {
		t.Errorf("rebound object: got %#x, want %#x", got, 0x80000)
	}
}

func TestBindRespects32BitLimit(t *testing.T) {
	d := New(12)
	defer d.Close()
	bb := mustCreate(t, d, hostarch.PageSize)
	eb := execbuf([]i915.GemExecObject2{{Handle: bb, Offset: 0x200000000}}, [][]i915.GemRelocationEntry{nil})
	if _, err := d.Execbuffer(eb); err != nil {
		t.Fatalf("Execbuffer(): %v", err)
	}
	if got := eb.Objects[0].Offset; got >= 1<<32 {
		t.Errorf("object without 48b support bound at %#x", got)
	}
}

func TestExecErrors(t *testing.T) {
	d := New(12)
	defer d.Close()
	bb := mustCreate(t, d, hostarch.PageSize)

	unknown := execbuf([]i915.GemExecObject2{{Handle: bb}, {Handle: 99}}, [][]i915.GemRelocationEntry{nil, nil})
	if _, err := d.Execbuffer(unknown); !errors.Is(err, unix.ENOENT) {
		t.Errorf("Execbuffer(unknown handle): got %v, want ENOENT", err)
	}

	badTarget := execbuf([]i915.GemExecObject2{{Handle: bb}}, [][]i915.GemRelocationEntry{{{TargetHandle: 42}}})
	if _, err := d.Execbuffer(badTarget); !errors.Is(err, unix.ENOENT) {
		t.Errorf("Execbuffer(unknown reloc target): got %v, want ENOENT", err)
	}

	d.FailNextExec(unix.EIO)
	ok := execbuf([]i915.GemExecObject2{{Handle: bb}}, [][]i915.GemRelocationEntry{nil})
	if _, err := d.Execbuffer(ok); !errors.Is(err, unix.EIO) {
		t.Errorf("Execbuffer() after FailNextExec: got %v, want EIO", err)
	}
	if _, err := d.Execbuffer(ok); err != nil {
		t.Errorf("Execbuffer() after failure: got %v, want nil", err)
	}
	if n := len(d.Submissions()); n != 1 {
		t.Errorf("Submissions(): got %d, want 1", n)
	}
}

func TestMergedFence(t *testing.T) {
	d := New(12)
	defer d.Close()
	d.SetAutoComplete(false)
	bb := mustCreate(t, d, hostarch.PageSize)

	submit := func() batch.Fence {
		f, err := d.Execbuffer(execbuf([]i915.GemExecObject2{{Handle: bb}}, [][]i915.GemRelocationEntry{nil}))
		if err != nil {
			t.Fatalf("Execbuffer(): %v", err)
		}
		return f
	}
	a, b := submit(), submit()
	m, err := d.MergeFences(a, b)
	if err != nil {
		t.Fatalf("MergeFences(): %v", err)
	}
	a.Close()
	b.Close()
	defer m.Close()

	if ok, _ := m.Ready(); ok {
		t.Fatalf("merged fence ready before any signal")
	}
	if err := m.Wait(0); !syncfile.IsTimeout(err) {
		t.Fatalf("Wait(0): got %v, want timeout", err)
	}
	d.Signal(1)
	if ok, _ := m.Ready(); ok {
		t.Fatalf("merged fence ready with one input pending")
	}
	d.Signal(0)
	if ok, err := m.Ready(); !ok || err != nil {
		t.Fatalf("Ready() after both signals: got (%t, %v), want (true, nil)", ok, err)
	}
	if err := m.Wait(-1); err != nil {
		t.Errorf("Wait(-1): %v", err)
	}
}

func TestCloseBuffer(t *testing.T) {
	d := New(12)
	h := mustCreate(t, d, 1)
	if err := d.CloseBuffer(h); err != nil {
		t.Fatalf("CloseBuffer(): %v", err)
	}
	if err := d.CloseBuffer(h); !errors.Is(err, unix.ENOENT) {
		t.Errorf("second CloseBuffer(): got %v, want ENOENT", err)
	}
	if n := d.BufferCount(); n != 0 {
		t.Errorf("BufferCount(): got %d, want 0", n)
	}
}
