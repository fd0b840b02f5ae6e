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

// Package batch builds GPU batch buffers for the i915 GEM interface.
//
// A Batch is a bump-allocated staging buffer of command words plus the list
// of GEM objects the commands reference. Referenced objects are given GPU
// virtual addresses up front (randomized hints, or zero when the kernel must
// relocate everything), and address-dependent fields in the buffer are
// recorded as relocations. Exec hands all of it to the kernel through a
// Driver and keeps the returned completion fence.
//
// A Batch is not safe for concurrent use. Independent Batches may be used from
// different goroutines as long as they don't share GEM handles.
//
// Lock order: none; the package takes no locks.
package batch

import (
	"fmt"
	"time"

	"github.com/google/btree"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/bits"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/hostarch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/rand"
)

// UnassignedAddress marks an object whose address is still to be chosen.
const UnassignedAddress = ^uint64(0)

// DefaultGTTSize is the address space size assumed when Options.GTTSize is 0.
const DefaultGTTSize = uint64(1) << 32

// Fence is a completion handle for submitted work.
type Fence interface {
	// Ready polls the fence without blocking.
	Ready() (bool, error)

	// Wait blocks until the fence signals or timeout expires. A negative
	// timeout blocks forever.
	Wait(timeout time.Duration) error

	// Close releases the fence.
	Close() error
}

// Driver is the kernel interface a Batch submits through.
type Driver interface {
	// CreateBuffer creates a GEM buffer of the given size.
	CreateBuffer(size uint64) (uint32, error)

	// WriteBuffer copies data into the buffer at offset.
	WriteBuffer(handle uint32, offset uint64, data []byte) error

	// CloseBuffer releases the handle.
	CloseBuffer(handle uint32) error

	// Execbuffer submits eb and returns its output fence. On return,
	// eb.Objects[i].Offset holds the address the kernel used for object i.
	Execbuffer(eb *Execbuf) (Fence, error)

	// MergeFences returns a fence that signals once both a and b have. a and b
	// remain owned by the caller.
	MergeFences(a, b Fence) (Fence, error)
}

// Options configures a Batch.
type Options struct {
	// Gen is the hardware generation. From gen 8 on, addresses in commands
	// are two dwords wide.
	Gen int

	// GTTSize is the size of the GPU address space, as reported by the
	// context. DefaultGTTSize is used when zero.
	GTTSize uint64

	// FullPPGTT is true if the device has a full per-process GTT. Without it
	// only the lower half of the GTT is used.
	FullPPGTT bool

	// Context is the GEM context to submit on.
	Context uint32

	// Seed seeds the address generator. A random seed is used when zero.
	Seed uint32

	// EnforceRelocs disables address proposals: all objects start at address
	// 0 and every relocation is presumed stale.
	EnforceRelocs bool

	// Debug makes every Exec synchronous and dumps each submission.
	Debug bool
}

// Batch is a batch buffer with its object index and relocations.
type Batch struct {
	drv  Driver
	opts Options

	// handle backs buf on the device.
	handle uint32

	// buf is the staging buffer. Its length is the batch capacity.
	buf []byte

	// cur is the write cursor.
	cur uint32

	// highWater is the largest cursor value since the last reset. Batch
	// relocations must lie below it.
	highWater uint32

	gttSize     uint64
	supports48b bool
	rng         *rand.HarsPetruska

	// objects indexes tracked objects by handle; order is the submission
	// order, with the batch buffer itself first.
	objects *btree.BTreeG[*Object]
	order   []*Object

	// fence is the pending completion fence, or nil.
	fence Fence

	refs int
}

// New creates a Batch with a staging buffer of at least size bytes, rounded up
// to a page.
func New(drv Driver, size uint32, opts Options) (*Batch, error) {
	if size == 0 {
		panic("batch size must be non-zero")
	}
	size = bits.AlignUp32(size, hostarch.PageSize)
	if opts.Gen == 0 {
		panic("batch generation must be set")
	}

	gtt := opts.GTTSize
	if gtt == 0 {
		gtt = DefaultGTTSize
	}
	if !opts.FullPPGTT {
		gtt /= 2
	}
	if !bits.IsPowerOfTwo64(gtt) {
		panic(fmt.Sprintf("GTT size %#x is not a power of two", gtt))
	}

	seed := opts.Seed
	if seed == 0 {
		s, err := rand.Seed()
		if err != nil {
			return nil, fmt.Errorf("seeding address generator: %w", err)
		}
		seed = s
	}

	handle, err := drv.CreateBuffer(uint64(size))
	if err != nil {
		return nil, fmt.Errorf("creating batch buffer of %d bytes: %w", size, err)
	}

	b := &Batch{
		drv:         drv,
		opts:        opts,
		handle:      handle,
		buf:         make([]byte, size),
		gttSize:     gtt,
		supports48b: (gtt-1)>>32 != 0,
		rng:         rand.NewHarsPetruska(seed),
		objects:     btree.NewG[*Object](2, objectLess),
		refs:        1,
	}
	b.AddObject(handle, UnassignedAddress, false)
	log.Debugf("batch: created handle %d, %d bytes, gen %d, gtt %#x, 48b %t", handle, size, opts.Gen, gtt, b.supports48b)
	return b, nil
}

// Handle returns the GEM handle backing the staging buffer.
func (b *Batch) Handle() uint32 {
	return b.handle
}

// Gen returns the hardware generation.
func (b *Batch) Gen() int {
	return b.opts.Gen
}

// Size returns the staging buffer capacity.
func (b *Batch) Size() uint32 {
	return uint32(len(b.buf))
}

// GTTSize returns the usable GPU address space size.
func (b *Batch) GTTSize() uint64 {
	return b.gttSize
}

// Supports48b returns true if objects may be placed above 4 GiB.
func (b *Batch) Supports48b() bool {
	return b.supports48b
}

// EnforceRelocs returns Options.EnforceRelocs.
func (b *Batch) EnforceRelocs() bool {
	return b.opts.EnforceRelocs
}

// Context returns the default GEM context.
func (b *Batch) Context() uint32 {
	return b.opts.Context
}

// addrSize is the width of an address in the command stream.
func (b *Batch) addrSize() uint32 {
	if b.opts.Gen >= 8 {
		return hostarch.QwordSize
	}
	return hostarch.DwordSize
}

// Ref takes an additional reference. While more than one reference is held,
// Reset will not purge the object index.
func (b *Batch) Ref() {
	b.refs++
}

// Unref drops a reference and releases the batch when the last one goes.
func (b *Batch) Unref() {
	if b.refs <= 0 {
		panic("batch refcount is 0")
	}
	b.refs--
	if b.refs == 0 {
		b.release()
	}
}

// Destroy releases the batch. The caller must hold the only reference.
func (b *Batch) Destroy() {
	if b.refs != 1 {
		panic(fmt.Sprintf("destroying batch %d with %d references", b.handle, b.refs))
	}
	b.Unref()
}

func (b *Batch) release() {
	if err := b.drv.CloseBuffer(b.handle); err != nil {
		log.Warningf("batch: closing handle %d: %v", b.handle, err)
	}
	if b.fence != nil {
		b.fence.Close()
		b.fence = nil
	}
	b.relocsReset()
	b.objects.Clear(false)
	b.order = nil
	b.buf = nil
}
