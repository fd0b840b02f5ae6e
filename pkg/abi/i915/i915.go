// Copyright 2025 The gVisor Authors.
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

// Package i915 contains constants and types needed to interface with the
// Intel i915 DRM kernel driver, from include/uapi/drm/drm.h and
// include/uapi/drm/i915_drm.h.
package i915

import (
	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/linux"
)

// DRM_IOCTL_BASE is the ioctl type of all DRM requests.
const DRM_IOCTL_BASE = uint32('d')

// DRM_COMMAND_BASE is the first driver-private ioctl number.
const DRM_COMMAND_BASE = 0x40

// Core DRM ioctl numbers, IOC_NR part only.
const (
	DRM_GEM_CLOSE = 0x09
)

// i915-private ioctl numbers, relative to DRM_COMMAND_BASE.
const (
	DRM_I915_GETPARAM             = 0x06
	DRM_I915_GEM_CREATE           = 0x1b
	DRM_I915_GEM_PWRITE           = 0x1d
	DRM_I915_GEM_MMAP_OFFSET      = 0x24
	DRM_I915_GEM_EXECBUFFER2      = 0x29
	DRM_I915_GEM_CONTEXT_GETPARAM = 0x34
)

// Full ioctl requests.
var (
	DRM_IOCTL_GEM_CLOSE                 = linux.IOW(DRM_IOCTL_BASE, DRM_GEM_CLOSE, SizeofGemClose)
	DRM_IOCTL_I915_GETPARAM             = linux.IOWR(DRM_IOCTL_BASE, DRM_COMMAND_BASE+DRM_I915_GETPARAM, SizeofGetparam)
	DRM_IOCTL_I915_GEM_CREATE           = linux.IOWR(DRM_IOCTL_BASE, DRM_COMMAND_BASE+DRM_I915_GEM_CREATE, SizeofGemCreate)
	DRM_IOCTL_I915_GEM_PWRITE           = linux.IOW(DRM_IOCTL_BASE, DRM_COMMAND_BASE+DRM_I915_GEM_PWRITE, SizeofGemPwrite)
	DRM_IOCTL_I915_GEM_MMAP_OFFSET      = linux.IOWR(DRM_IOCTL_BASE, DRM_COMMAND_BASE+DRM_I915_GEM_MMAP_OFFSET, SizeofGemMmapOffset)
	DRM_IOCTL_I915_GEM_EXECBUFFER2_WR   = linux.IOWR(DRM_IOCTL_BASE, DRM_COMMAND_BASE+DRM_I915_GEM_EXECBUFFER2, SizeofGemExecbuffer2)
	DRM_IOCTL_I915_GEM_CONTEXT_GETPARAM = linux.IOWR(DRM_IOCTL_BASE, DRM_COMMAND_BASE+DRM_I915_GEM_CONTEXT_GETPARAM, SizeofGemContextParam)
)

// Parameters for DRM_I915_GETPARAM.
const (
	I915_PARAM_CHIPSET_ID           = 4
	I915_PARAM_HAS_ALIASING_PPGTT   = 18
	I915_PARAM_HAS_EXEC_SOFTPIN     = 37
	I915_PARAM_HAS_EXEC_FENCE       = 44
	I915_PARAM_HAS_EXEC_BATCH_FIRST = 48
)

// Values of I915_PARAM_HAS_ALIASING_PPGTT.
const (
	I915_GEM_PPGTT_NONE     = 0
	I915_GEM_PPGTT_ALIASING = 1
	I915_GEM_PPGTT_FULL     = 2
)

// Parameters for DRM_I915_GEM_CONTEXT_GETPARAM.
const (
	I915_CONTEXT_PARAM_GTT_SIZE = 0x3
)

// Getparam is drm_i915_getparam_t.
type Getparam struct {
	Param int32
	_     uint32
	Value uint64 // int __user *
}

// SizeofGetparam is the size of Getparam in bytes.
const SizeofGetparam = 16

// GemContextParam is struct drm_i915_gem_context_param.
type GemContextParam struct {
	CtxID uint32
	Size  uint32
	Param uint64
	Value uint64
}

// SizeofGemContextParam is the size of GemContextParam in bytes.
const SizeofGemContextParam = 24
