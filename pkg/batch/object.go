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
	"github.com/ideak/intel-gpu-tools-sub002/pkg/bits"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
)

// Object is a GEM object tracked by a Batch.
type Object struct {
	handle uint32
	offset uint64
	flags  uint64

	// alignment is the required address alignment, or 0 for a page.
	alignment uint64

	// relocs are patches applied by the kernel inside this object.
	relocs relocList
}

func objectLess(a, b *Object) bool {
	return a.handle < b.handle
}

// Handle returns the GEM handle.
func (o *Object) Handle() uint32 { return o.handle }

// Address returns the assigned GPU address.
func (o *Object) Address() uint64 { return o.offset }

// Alignment returns the placement alignment required of the object, or 0.
func (o *Object) Alignment() uint64 { return o.alignment }

// Flags returns the EXEC_OBJECT_* flags.
func (o *Object) Flags() uint64 { return o.flags }

// IsWrite returns true if the GPU writes to the object.
func (o *Object) IsWrite() bool { return o.flags&i915.EXEC_OBJECT_WRITE != 0 }

// NeedsFence returns true if the object needs a fence register.
func (o *Object) NeedsFence() bool { return o.flags&i915.EXEC_OBJECT_NEEDS_FENCE != 0 }

func (o *Object) String() string {
	return fmt.Sprintf("handle %d addr %#x flags %#x relocs %d", o.handle, o.offset, o.flags, o.relocs.len())
}

func (b *Batch) lookup(handle uint32) *Object {
	o, ok := b.objects.Get(&Object{handle: handle})
	if !ok {
		return nil
	}
	return o
}

// AddObject adds handle to the object index, or returns the entry already
// tracking it.
//
// A new entry takes address, or a proposed address if address is
// UnassignedAddress. An existing entry keeps its address unless it is still
// unassigned. write is sticky: once an object is marked as written it stays
// so until the index is purged.
func (b *Batch) AddObject(handle uint32, address uint64, write bool) *Object {
	return b.AddAlignedObject(handle, address, 0, write)
}

// AddAlignedObject is AddObject for an object the kernel must place at a
// multiple of align, a power of two. A proposed address is rounded down to
// align before it is recorded. Zero means no constraint beyond the page.
//
// It panics if the address the object ends up with is not aligned, since
// callers may already have written that address.
func (b *Batch) AddAlignedObject(handle uint32, address, align uint64, write bool) *Object {
	if align != 0 && !bits.IsPowerOfTwo64(align) {
		panic(fmt.Sprintf("object alignment %#x is not a power of two", align))
	}
	o := b.lookup(handle)
	if o == nil {
		o = &Object{handle: handle, offset: UnassignedAddress}
		b.objects.ReplaceOrInsert(o)
		b.order = append(b.order, o)
	}
	if o.offset == UnassignedAddress {
		if address == UnassignedAddress {
			address = b.ProposeAddress()
			if align != 0 {
				address = bits.AlignDown(address, align)
			}
		}
		o.offset = address
	}
	if align != 0 {
		b.requireAlignment(o, align)
	}
	if write {
		o.flags |= i915.EXEC_OBJECT_WRITE
	}
	if b.supports48b {
		o.flags |= i915.EXEC_OBJECT_SUPPORTS_48B_ADDRESS
	}
	return o
}

// requireAlignment raises the alignment of o to align. The address of o is
// never changed here.
func (b *Batch) requireAlignment(o *Object, align uint64) {
	if !b.opts.EnforceRelocs && o.offset%align != 0 {
		panic(fmt.Sprintf("object %d at %#x does not meet alignment %#x", o.handle, o.offset, align))
	}
	if align > o.alignment {
		o.alignment = align
	}
}

// ObjectAddress returns the address of a tracked object.
func (b *Batch) ObjectAddress(handle uint32) (uint64, bool) {
	o := b.lookup(handle)
	if o == nil {
		return 0, false
	}
	return o.offset, true
}

// Object returns the entry for handle, or nil.
func (b *Batch) Object(handle uint32) *Object {
	return b.lookup(handle)
}

// SetObjectFlag ORs flag into a tracked object's flags. It returns false if
// the handle is unknown.
func (b *Batch) SetObjectFlag(handle uint32, flag uint64) bool {
	o := b.lookup(handle)
	if o == nil {
		log.Warningf("batch: no object with handle %d to set flag %#x on", handle, flag)
		return false
	}
	o.flags |= flag
	return true
}

// SetObjectAlignment requires the kernel to place a tracked object at a
// multiple of align, which must be a power of two. It panics if the object's
// address is already assigned and not aligned; use AddAlignedObject to get an
// aligned proposal. It returns false if the handle was never added.
func (b *Batch) SetObjectAlignment(handle uint32, align uint64) bool {
	if !bits.IsPowerOfTwo64(align) {
		panic(fmt.Sprintf("object alignment %#x is not a power of two", align))
	}
	o := b.lookup(handle)
	if o == nil {
		log.Warningf("batch: no object with handle %d to align", handle)
		return false
	}
	b.requireAlignment(o, align)
	return true
}

// SetObjectFence marks a tracked object as needing a fence register. It
// returns false if the handle was never added.
func (b *Batch) SetObjectFence(handle uint32) bool {
	return b.SetObjectFlag(handle, i915.EXEC_OBJECT_NEEDS_FENCE)
}

// RemoveObject drops handle from the index. The batch buffer itself cannot be
// removed.
func (b *Batch) RemoveObject(handle uint32) bool {
	if handle == b.handle {
		log.Warningf("batch: refusing to remove the batch buffer %d", handle)
		return false
	}
	o, ok := b.objects.Delete(&Object{handle: handle})
	if !ok {
		return false
	}
	for i, other := range b.order {
		if other == o {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true
}

// Objects returns the tracked objects in submission order. The first one is
// the batch buffer.
func (b *Batch) Objects() []*Object {
	return append([]*Object(nil), b.order...)
}

// ObjectCount returns the number of tracked objects.
func (b *Batch) ObjectCount() int {
	return b.objects.Len()
}
