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
)

// initialRelocs is the number of entries first allocated for a list: one page.
const initialRelocs = 4096 / i915.SizeofGemRelocationEntry

// relocList is a grow-only list of relocation entries. Its storage is kept
// across resets.
type relocList struct {
	entries []i915.GemRelocationEntry
}

func (l *relocList) add(r i915.GemRelocationEntry) {
	if len(l.entries) == cap(l.entries) {
		n := 2 * cap(l.entries)
		if n == 0 {
			n = initialRelocs
		}
		grown := make([]i915.GemRelocationEntry, len(l.entries), n)
		copy(grown, l.entries)
		l.entries = grown
	}
	l.entries = append(l.entries, r)
}

func (l *relocList) reset() {
	l.entries = l.entries[:0]
}

func (l *relocList) len() int {
	return len(l.entries)
}

// relocValue is the value the kernel writes for a relocation: the target
// address plus delta, with delta taken as signed.
func relocValue(address uint64, delta uint32) uint64 {
	return address + uint64(int64(int32(delta)))
}

// AddRelocTo records that the kernel must write handle's address plus delta
// at byte offset of the tracked object to. handle is added to the index with
// presumed as its proposed address (UnassignedAddress to let the batch pick
// one) and is marked written if writeDomain is non-zero.
//
// It returns handle's address, which the caller is expected to have written
// at the patch site already or to write now.
func (b *Batch) AddRelocTo(to, handle, readDomains, writeDomain, delta uint32, offset, presumed uint64) uint64 {
	container := b.lookup(to)
	if container == nil {
		panic(fmt.Sprintf("relocation in untracked object %d", to))
	}
	target := b.AddObject(handle, presumed, writeDomain != 0)

	r := i915.GemRelocationEntry{
		TargetHandle:   handle,
		Delta:          delta,
		Offset:         offset,
		PresumedOffset: target.offset,
		ReadDomains:    readDomains,
		WriteDomain:    writeDomain,
	}
	if b.opts.EnforceRelocs {
		r.PresumedOffset = UnassignedAddress
	}
	container.relocs.add(r)
	return target.offset
}

// AddReloc is AddRelocTo with the batch buffer as the patched object.
func (b *Batch) AddReloc(handle, readDomains, writeDomain, delta uint32, offset, presumed uint64) uint64 {
	return b.AddRelocTo(b.handle, handle, readDomains, writeDomain, delta, offset, presumed)
}

// EmitReloc writes handle's address plus delta at the cursor and records a
// relocation for it. The address takes two dwords from gen 8 on, one before;
// a value that does not fit one dword panics.
func (b *Batch) EmitReloc(handle, readDomains, writeDomain, delta uint32, presumed uint64) uint64 {
	address := b.AddReloc(handle, readDomains, writeDomain, delta, uint64(b.cur), presumed)
	b.emitAddress(relocValue(address, delta))
	return address
}

// EmitRelocFenced is EmitReloc that also marks handle as needing a fence.
func (b *Batch) EmitRelocFenced(handle, readDomains, writeDomain, delta uint32, presumed uint64) uint64 {
	address := b.EmitReloc(handle, readDomains, writeDomain, delta, presumed)
	b.SetObjectFence(handle)
	return address
}

// OffsetReloc records a relocation at an already placed field of the batch
// and returns handle's address. The caller writes the field.
func (b *Batch) OffsetReloc(handle, readDomains, writeDomain, offset uint32, presumed uint64) uint64 {
	return b.AddReloc(handle, readDomains, writeDomain, 0, uint64(offset), presumed)
}

// OffsetRelocWithDelta is OffsetReloc with a delta.
func (b *Batch) OffsetRelocWithDelta(handle, readDomains, writeDomain, delta, offset uint32, presumed uint64) uint64 {
	return b.AddReloc(handle, readDomains, writeDomain, delta, uint64(offset), presumed)
}

// Relocations returns a copy of the relocations recorded in object handle.
func (b *Batch) Relocations(handle uint32) []i915.GemRelocationEntry {
	o := b.lookup(handle)
	if o == nil {
		return nil
	}
	return append([]i915.GemRelocationEntry(nil), o.relocs.entries...)
}

// RelocCount returns the number of pending relocations over all objects.
func (b *Batch) RelocCount() int {
	n := 0
	for _, o := range b.order {
		n += o.relocs.len()
	}
	return n
}

// relocCapacity returns the allocated relocation storage of handle.
func (b *Batch) relocCapacity(handle uint32) int {
	o := b.lookup(handle)
	if o == nil {
		return 0
	}
	return cap(o.relocs.entries)
}

func (b *Batch) relocsReset() {
	for _, o := range b.order {
		o.relocs.reset()
	}
}
