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

// Package drm implements batch.Driver on an i915 DRM device node.
package drm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/i915"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/fd"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/log"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/syncfile"
)

// DefaultPath is the first render node.
const DefaultPath = "/dev/dri/renderD128"

// Device is an open i915 device.
type Device struct {
	file *fd.FD
	path string
}

var _ batch.Driver = (*Device)(nil)

// Open opens the DRM device node at path.
func Open(path string) (*Device, error) {
	f, err := fd.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	d := &Device{file: f, path: path}
	if _, err := d.ChipsetID(); err != nil {
		d.Close()
		return nil, fmt.Errorf("%q is not an i915 device: %w", path, err)
	}
	return d, nil
}

// Close closes the device.
func (d *Device) Close() error {
	return d.file.Close()
}

// Path returns the device node path.
func (d *Device) Path() string {
	return d.path
}

// FD returns the device file descriptor. The Device retains ownership.
func (d *Device) FD() int {
	return d.file.FD()
}

// GetParam queries an I915_PARAM_* value.
func (d *Device) GetParam(param int32) (int32, error) {
	v, err := d.getparam(param)
	if err != nil {
		return 0, fmt.Errorf("I915_GETPARAM(%d): %w", param, err)
	}
	return v, nil
}

// ChipsetID returns the PCI device id.
func (d *Device) ChipsetID() (uint16, error) {
	v, err := d.GetParam(i915.I915_PARAM_CHIPSET_ID)
	return uint16(v), err
}

// HasFullPPGTT returns true if every context has its own full address space.
func (d *Device) HasFullPPGTT() (bool, error) {
	v, err := d.GetParam(i915.I915_PARAM_HAS_ALIASING_PPGTT)
	return v >= i915.I915_GEM_PPGTT_FULL, err
}

// HasExecFence returns true if the submission call can return out fences.
func (d *Device) HasExecFence() (bool, error) {
	v, err := d.GetParam(i915.I915_PARAM_HAS_EXEC_FENCE)
	if errors.Is(err, unix.EINVAL) {
		return false, nil
	}
	return v > 0, err
}

// GTTSize returns the address space size of context ctx.
func (d *Device) GTTSize(ctx uint32) (uint64, error) {
	v, err := d.contextGetParam(ctx, i915.I915_CONTEXT_PARAM_GTT_SIZE)
	if err != nil {
		return 0, fmt.Errorf("CONTEXT_GETPARAM(%d, GTT_SIZE): %w", ctx, err)
	}
	return v, nil
}

// BatchOptions fills in the device-derived fields of opts for context
// opts.Context: GTTSize and FullPPGTT.
func (d *Device) BatchOptions(opts batch.Options) (batch.Options, error) {
	full, err := d.HasFullPPGTT()
	if err != nil {
		return opts, err
	}
	gtt, err := d.GTTSize(opts.Context)
	if err != nil {
		return opts, err
	}
	opts.FullPPGTT = full
	opts.GTTSize = gtt
	return opts, nil
}

// CreateBuffer implements batch.Driver.CreateBuffer.
func (d *Device) CreateBuffer(size uint64) (uint32, error) {
	h, err := d.gemCreate(size)
	if err != nil {
		return 0, fmt.Errorf("GEM_CREATE(%d): %w", size, err)
	}
	return h, nil
}

// WriteBuffer implements batch.Driver.WriteBuffer.
func (d *Device) WriteBuffer(handle uint32, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := d.gemPwrite(handle, offset, data); err != nil {
		return fmt.Errorf("GEM_PWRITE(%d, %#x, %d): %w", handle, offset, len(data), err)
	}
	return nil
}

// CloseBuffer implements batch.Driver.CloseBuffer.
func (d *Device) CloseBuffer(handle uint32) error {
	if err := d.gemClose(handle); err != nil {
		return fmt.Errorf("GEM_CLOSE(%d): %w", handle, err)
	}
	return nil
}

// Execbuffer implements batch.Driver.Execbuffer.
func (d *Device) Execbuffer(eb *batch.Execbuf) (batch.Fence, error) {
	if len(eb.Objects) == 0 || len(eb.Objects) != len(eb.Relocs) {
		panic(fmt.Sprintf("malformed execbuf: %d objects, %d relocation lists", len(eb.Objects), len(eb.Relocs)))
	}
	out, err := d.execbuffer2(eb)
	if err != nil {
		return nil, err
	}
	if out < 0 {
		return nil, nil
	}
	return syncfile.New(int(out)), nil
}

// MergeFences implements batch.Driver.MergeFences.
func (d *Device) MergeFences(a, b batch.Fence) (batch.Fence, error) {
	fa, ok := a.(*syncfile.Fence)
	if !ok {
		return nil, fmt.Errorf("cannot merge %T", a)
	}
	fb, ok := b.(*syncfile.Fence)
	if !ok {
		return nil, fmt.Errorf("cannot merge %T", b)
	}
	return syncfile.Merge(fa, fb)
}

// Mapping is a CPU mapping of a GEM buffer.
type Mapping struct {
	data []byte
}

// Bytes returns the mapped memory.
func (m *Mapping) Bytes() []byte {
	return m.data
}

// Unmap removes the mapping.
func (m *Mapping) Unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// Map maps size bytes of handle with the given I915_MMAP_OFFSET_* caching
// mode.
func (d *Device) Map(handle uint32, size uint64, mode uint64) (*Mapping, error) {
	off, err := d.gemMmapOffset(handle, mode)
	if err != nil {
		return nil, fmt.Errorf("GEM_MMAP_OFFSET(%d, %d): %w", handle, mode, err)
	}
	data, err := unix.Mmap(d.FD(), int64(off), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap(%d, %#x, %d): %w", handle, off, size, err)
	}
	log.Debugf("drm: mapped handle %d (%d bytes, mode %d)", handle, size, mode)
	return &Mapping{data: data}, nil
}

// ReadBuffer copies size bytes of handle at offset through a write-combined
// mapping.
func (d *Device) ReadBuffer(handle uint32, offset, size uint64) ([]byte, error) {
	m, err := d.Map(handle, offset+size, i915.I915_MMAP_OFFSET_WC)
	if err != nil {
		return nil, err
	}
	defer m.Unmap()
	return append([]byte(nil), m.Bytes()[offset:offset+size]...), nil
}
