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
	"github.com/ideak/intel-gpu-tools-sub002/pkg/hostarch"
)

// Offset returns the cursor.
func (b *Batch) Offset() uint32 {
	return b.cur
}

// SetOffset moves the cursor. Callers place state above the command stream
// this way and come back to continue emitting.
func (b *Batch) SetOffset(offset uint32) {
	if offset > b.Size() {
		panic(fmt.Sprintf("batch offset %#x beyond size %#x", offset, b.Size()))
	}
	b.setCursor(offset)
}

func (b *Batch) setCursor(offset uint32) {
	b.cur = offset
	if offset > b.highWater {
		b.highWater = offset
	}
}

// reserve checks that size more bytes fit at offset.
func (b *Batch) reserve(offset, size uint32) {
	if uint64(offset)+uint64(size) > uint64(len(b.buf)) {
		panic(fmt.Sprintf("batch overflow: %d bytes at %#x, size %#x", size, offset, len(b.buf)))
	}
}

// Align rounds the cursor up to a multiple of align and returns it.
func (b *Batch) Align(align uint32) uint32 {
	if !bits.IsPowerOfTwo64(uint64(align)) {
		panic(fmt.Sprintf("alignment %d is not a power of two", align))
	}
	off := uint64(bits.AlignUp(uint64(b.cur), uint64(align)))
	if off > uint64(len(b.buf)) {
		panic(fmt.Sprintf("batch overflow: aligning %#x to %d, size %#x", b.cur, align, len(b.buf)))
	}
	b.setCursor(uint32(off))
	return b.cur
}

// Alloc aligns the cursor, reserves size zeroed bytes there and returns them
// and their offset.
func (b *Batch) Alloc(size, align uint32) ([]byte, uint32) {
	off := b.Align(align)
	b.reserve(off, size)
	p := b.buf[off : off+size]
	clear(p)
	b.setCursor(off + size)
	return p, off
}

// Emit appends a dword at the cursor.
func (b *Batch) Emit(dword uint32) {
	b.reserve(b.cur, hostarch.DwordSize)
	hostarch.ByteOrder.PutUint32(b.buf[b.cur:], dword)
	b.setCursor(b.cur + hostarch.DwordSize)
}

// EmitQword appends a qword as two dwords, low half first.
func (b *Batch) EmitQword(v uint64) {
	b.reserve(b.cur, hostarch.QwordSize)
	b.Emit(uint32(v))
	b.Emit(uint32(v >> 32))
}

// CopyData copies data into a new allocation and returns its offset. The
// length of data must be a multiple of 4.
func (b *Batch) CopyData(data []byte, align uint32) uint32 {
	if len(data)%hostarch.DwordSize != 0 {
		panic(fmt.Sprintf("copying %d bytes, not a multiple of %d", len(data), hostarch.DwordSize))
	}
	if uint64(len(data)) > uint64(len(b.buf)) {
		panic(fmt.Sprintf("batch overflow: copying %d bytes, size %#x", len(data), len(b.buf)))
	}
	p, off := b.Alloc(uint32(len(data)), align)
	copy(p, data)
	return off
}

// EmitBBEnd terminates the command stream with MI_BATCH_BUFFER_END, pads the
// cursor to a qword and returns it.
func (b *Batch) EmitBBEnd() uint32 {
	b.Emit(i915.MI_BATCH_BUFFER_END)
	return b.Align(8)
}

// Bytes returns the whole staging buffer. Writes through it are submitted.
func (b *Batch) Bytes() []byte {
	return b.buf
}

// Uint32At reads the dword at offset.
func (b *Batch) Uint32At(offset uint32) uint32 {
	b.reserve(offset, hostarch.DwordSize)
	return hostarch.ByteOrder.Uint32(b.buf[offset:])
}

// PutAddressAt writes an address at offset in the width the generation uses,
// without moving the cursor. An address that does not fit the field panics.
func (b *Batch) PutAddressAt(offset uint32, v uint64) {
	size := b.addrSize()
	b.reserve(offset, size)
	if size == hostarch.DwordSize && v>>32 != 0 {
		panic(fmt.Sprintf("address %#x at %#x does not fit in a dword on gen %d", v, offset, b.opts.Gen))
	}
	hostarch.ByteOrder.PutUint32(b.buf[offset:], uint32(v))
	if size == hostarch.QwordSize {
		hostarch.ByteOrder.PutUint32(b.buf[offset+4:], uint32(v>>32))
	}
}

// emitAddress appends an address at the cursor.
func (b *Batch) emitAddress(v uint64) {
	off := b.cur
	b.PutAddressAt(off, v)
	b.setCursor(off + b.addrSize())
}
