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

package drm

import (
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/i915"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
)

// ioctl issues a DRM ioctl, restarting it like drmIoctl() does.
func (d *Device) ioctl(cmd uint32, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.FD()), uintptr(cmd), uintptr(arg))
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		if errno != 0 {
			return errno
		}
		return nil
	}
}

func (d *Device) getparam(param int32) (int32, error) {
	var value int32
	gp := i915.Getparam{
		Param: param,
		Value: uint64(uintptr(unsafe.Pointer(&value))),
	}
	err := d.ioctl(i915.DRM_IOCTL_I915_GETPARAM, unsafe.Pointer(&gp))
	runtime.KeepAlive(&value)
	return value, err
}

func (d *Device) contextGetParam(ctx uint32, param uint64) (uint64, error) {
	p := i915.GemContextParam{CtxID: ctx, Param: param}
	err := d.ioctl(i915.DRM_IOCTL_I915_GEM_CONTEXT_GETPARAM, unsafe.Pointer(&p))
	return p.Value, err
}

func (d *Device) gemCreate(size uint64) (uint32, error) {
	c := i915.GemCreate{Size: size}
	err := d.ioctl(i915.DRM_IOCTL_I915_GEM_CREATE, unsafe.Pointer(&c))
	return c.Handle, err
}

func (d *Device) gemPwrite(handle uint32, offset uint64, data []byte) error {
	pw := i915.GemPwrite{
		Handle:  handle,
		Offset:  offset,
		Size:    uint64(len(data)),
		DataPtr: uint64(uintptr(unsafe.Pointer(&data[0]))),
	}
	err := d.ioctl(i915.DRM_IOCTL_I915_GEM_PWRITE, unsafe.Pointer(&pw))
	runtime.KeepAlive(data)
	return err
}

func (d *Device) gemClose(handle uint32) error {
	c := i915.GemClose{Handle: handle}
	return d.ioctl(i915.DRM_IOCTL_GEM_CLOSE, unsafe.Pointer(&c))
}

func (d *Device) gemMmapOffset(handle uint32, mode uint64) (uint64, error) {
	m := i915.GemMmapOffset{Handle: handle, Flags: mode}
	err := d.ioctl(i915.DRM_IOCTL_I915_GEM_MMAP_OFFSET, unsafe.Pointer(&m))
	return m.Offset, err
}

// execbuffer2 submits eb and returns the out fence fd, or -1 if none was
// requested. Kernel-updated offsets land in eb.Objects.
func (d *Device) execbuffer2(eb *batch.Execbuf) (int32, error) {
	for i := range eb.Objects {
		o := &eb.Objects[i]
		o.RelocationCount = uint32(len(eb.Relocs[i]))
		o.RelocsPtr = 0
		if len(eb.Relocs[i]) > 0 {
			o.RelocsPtr = uint64(uintptr(unsafe.Pointer(&eb.Relocs[i][0])))
		}
	}
	raw := i915.GemExecbuffer2{
		BuffersPtr:  uint64(uintptr(unsafe.Pointer(&eb.Objects[0]))),
		BufferCount: uint32(len(eb.Objects)),
		BatchLen:    eb.BatchLen,
		Flags:       eb.Flags,
		Rsvd1:       uint64(eb.Context),
	}
	err := d.ioctl(i915.DRM_IOCTL_I915_GEM_EXECBUFFER2_WR, unsafe.Pointer(&raw))
	runtime.KeepAlive(eb)
	if err != nil {
		return -1, err
	}
	if eb.Flags&i915.I915_EXEC_FENCE_OUT == 0 {
		return -1, nil
	}
	return raw.OutFence(), nil
}
