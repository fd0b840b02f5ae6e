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

package batch

import (
	"fmt"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/i915"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
)

// Execbuf is one submission as handed to a Driver.
type Execbuf struct {
	// Objects is the object list. Objects[0] is the batch buffer.
	Objects []i915.GemExecObject2

	// Relocs[i] holds the relocations of Objects[i]. The Driver fills in
	// Objects[i].RelocsPtr and RelocationCount from it.
	Relocs [][]i915.GemRelocationEntry

	// BatchLen is the length of the command stream in bytes.
	BatchLen uint32

	// Flags are I915_EXEC_* flags.
	Flags uint64

	// Context is the GEM context id.
	Context uint32
}

// ExecError is returned when the kernel rejects a submission.
type ExecError struct {
	// Err is the driver error, usually a unix.Errno.
	Err error

	// Objects and Relocs count what was submitted.
	Objects int
	Relocs  int
}

// Error implements error.Error.
func (e *ExecError) Error() string {
	return fmt.Sprintf("execbuffer2 with %d objects and %d relocations failed: %v", e.Objects, e.Relocs, e.Err)
}

// Unwrap returns the driver error.
func (e *ExecError) Unwrap() error {
	return e.Err
}

// Exec submits [0, endOffset) of the batch on the default context. See
// ExecWithContext.
func (b *Batch) Exec(endOffset uint32, flags uint64, wait bool) error {
	return b.ExecWithContext(endOffset, b.opts.Context, flags, wait)
}

// MustExec is Exec that panics on failure.
func (b *Batch) MustExec(endOffset uint32, flags uint64, wait bool) {
	if err := b.Exec(endOffset, flags, wait); err != nil {
		panic(fmt.Sprintf("batch %d: %v", b.handle, err))
	}
}

// ExecWithContext uploads the staging buffer and submits the first endOffset
// bytes of it, with every tracked object and its relocations, on GEM context
// ctx.
//
// The output fence is merged into the batch's pending fence. If wait is set,
// or the batch is in debug mode, ExecWithContext also waits for the pending
// fence. Addresses chosen by the kernel are written back into the index.
//
// A rejected submission returns an *ExecError and dumps the submission at
// Warning level. The batch state is left as it was.
func (b *Batch) ExecWithContext(endOffset, ctx uint32, flags uint64, wait bool) error {
	if endOffset > b.Size() {
		panic(fmt.Sprintf("batch end %#x beyond size %#x", endOffset, b.Size()))
	}
	b.checkRelocs()

	if err := b.drv.WriteBuffer(b.handle, 0, b.buf); err != nil {
		return fmt.Errorf("uploading batch %d: %w", b.handle, err)
	}

	eb := b.execbuf(endOffset, ctx, flags)
	fence, err := b.drv.Execbuffer(eb)
	if err != nil {
		b.dumpExecbuf(log.Warningf, eb)
		return &ExecError{Err: err, Objects: len(eb.Objects), Relocs: b.RelocCount()}
	}
	log.Debugf("batch: handle %d submitted %d bytes, %d objects, %d relocations, flags %#x", b.handle, endOffset, len(eb.Objects), b.RelocCount(), eb.Flags)

	b.updateOffsets(eb)
	mergeErr := b.addFence(fence)

	if wait || b.opts.Debug {
		if err := b.Sync(); err != nil {
			return fmt.Errorf("waiting for batch %d: %w", b.handle, err)
		}
	}
	if b.opts.Debug {
		b.dumpExecbuf(log.Infof, eb)
	}
	return mergeErr
}

// checkRelocs panics if a relocation targets an object missing from the
// index, or if a batch relocation lies outside the written part of the batch.
func (b *Batch) checkRelocs() {
	size := b.addrSize()
	for _, o := range b.order {
		for _, r := range o.relocs.entries {
			if b.lookup(r.TargetHandle) == nil {
				panic(fmt.Sprintf("relocation at %#x in %d targets untracked object %d", r.Offset, o.handle, r.TargetHandle))
			}
			if o.handle == b.handle && r.Offset+uint64(size) > uint64(b.highWater) {
				panic(fmt.Sprintf("batch relocation at %#x outside written range [0, %#x)", r.Offset, b.highWater))
			}
		}
	}
}

func (b *Batch) execbuf(endOffset, ctx uint32, flags uint64) *Execbuf {
	eb := &Execbuf{
		Objects:  make([]i915.GemExecObject2, len(b.order)),
		Relocs:   make([][]i915.GemRelocationEntry, len(b.order)),
		BatchLen: endOffset,
		Flags:    flags | i915.I915_EXEC_BATCH_FIRST | i915.I915_EXEC_FENCE_OUT,
		Context:  ctx,
	}
	if b.opts.EnforceRelocs {
		eb.Flags &^= i915.I915_EXEC_NO_RELOC
	}
	for i, o := range b.order {
		eb.Objects[i] = i915.GemExecObject2{
			Handle:    o.handle,
			Offset:    o.offset,
			Flags:     o.flags,
			Alignment: o.alignment,
		}
		eb.Relocs[i] = o.relocs.entries
	}
	return eb
}

func (b *Batch) updateOffsets(eb *Execbuf) {
	for i, o := range b.order {
		if o.offset != eb.Objects[i].Offset {
			log.Debugf("batch: handle %d moved from %#x to %#x", o.handle, o.offset, eb.Objects[i].Offset)
		}
		o.offset = eb.Objects[i].Offset
	}
}

// addFence makes fence part of the pending fence.
//
// If merging fails the old fence is waited for instead, so that the pending
// fence still covers all submitted work.
func (b *Batch) addFence(fence Fence) error {
	if fence == nil {
		return nil
	}
	if b.fence == nil {
		b.fence = fence
		return nil
	}
	merged, err := b.drv.MergeFences(b.fence, fence)
	if err != nil {
		werr := b.fence.Wait(-1)
		b.fence.Close()
		b.fence = fence
		if werr != nil {
			return fmt.Errorf("merging fences: %v; waiting for the older one: %w", err, werr)
		}
		return nil
	}
	b.fence.Close()
	fence.Close()
	b.fence = merged
	return nil
}

// PendingFence returns the pending fence, or nil. The batch keeps ownership.
func (b *Batch) PendingFence() Fence {
	return b.fence
}

// Sync waits for all submitted work. On success the pending fence is
// released.
func (b *Batch) Sync() error {
	if b.fence == nil {
		return nil
	}
	if err := b.fence.Wait(-1); err != nil {
		return err
	}
	b.fence.Close()
	b.fence = nil
	return nil
}

// Reset drops all relocations and rewinds and clears the staging buffer.
//
// With purge, the object index is dropped too and the staging buffer gets a
// new GEM handle, unless the batch is referenced elsewhere. Without purge,
// tracked objects keep their addresses so that later submissions referencing
// them need no relocations. If a purge cannot create the new handle, the
// batch is left unchanged.
func (b *Batch) Reset(purge bool) error {
	if purge && b.refs > 1 {
		log.Warningf("batch: cannot purge objects of batch %d with %d references", b.handle, b.refs)
		purge = false
	}

	if purge {
		// The old buffer and index stay intact if no replacement can be made.
		handle, err := b.drv.CreateBuffer(uint64(len(b.buf)))
		if err != nil {
			return fmt.Errorf("recreating batch buffer: %w", err)
		}
		if err := b.drv.CloseBuffer(b.handle); err != nil {
			log.Warningf("batch: closing handle %d: %v", b.handle, err)
		}
		b.objects.Clear(false)
		b.order = b.order[:0]
		b.handle = handle
		b.AddObject(handle, UnassignedAddress, false)
	}

	b.relocsReset()

	clear(b.buf)
	b.cur = 0
	b.highWater = 0
	return nil
}

// Flush terminates and submits the command stream on ring and context ctx,
// then resets the batch without purging. An empty batch is not submitted.
func (b *Batch) Flush(ctx uint32, ring uint64) error {
	if b.cur == 0 {
		return nil
	}
	end := b.EmitBBEnd()
	if err := b.ExecWithContext(end, ctx, ring, false); err != nil {
		return err
	}
	return b.Reset(false)
}

// FlushRender flushes to the render ring.
func (b *Batch) FlushRender() error {
	return b.Flush(b.opts.Context, i915.I915_EXEC_RENDER)
}

// FlushBlit flushes to the blitter ring, or the default ring on hardware
// without one.
func (b *Batch) FlushBlit() error {
	ring := uint64(i915.I915_EXEC_DEFAULT)
	if b.opts.Gen >= 6 {
		ring = i915.I915_EXEC_BLT
	}
	return b.Flush(b.opts.Context, ring)
}
