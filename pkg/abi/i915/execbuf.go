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

package i915

// GemExecObject2 is struct drm_i915_gem_exec_object2.
type GemExecObject2 struct {
	Handle          uint32
	RelocationCount uint32
	RelocsPtr       uint64
	Alignment       uint64
	// Offset is the proposed address on input and the address the object was
	// bound at on return.
	Offset uint64
	Flags  uint64
	Rsvd1  uint64
	Rsvd2  uint64
}

// SizeofGemExecObject2 is the size of GemExecObject2 in bytes.
const SizeofGemExecObject2 = 56

// Flags for GemExecObject2.Flags.
const (
	EXEC_OBJECT_NEEDS_FENCE          = 1 << 0
	EXEC_OBJECT_NEEDS_GTT            = 1 << 1
	EXEC_OBJECT_WRITE                = 1 << 2
	EXEC_OBJECT_SUPPORTS_48B_ADDRESS = 1 << 3
	EXEC_OBJECT_PINNED               = 1 << 4
	EXEC_OBJECT_PAD_TO_SIZE          = 1 << 5
	EXEC_OBJECT_ASYNC                = 1 << 6
	EXEC_OBJECT_CAPTURE              = 1 << 7
)

// GemRelocationEntry is struct drm_i915_gem_relocation_entry.
type GemRelocationEntry struct {
	TargetHandle   uint32
	Delta          uint32
	Offset         uint64
	PresumedOffset uint64
	ReadDomains    uint32
	WriteDomain    uint32
}

// SizeofGemRelocationEntry is the size of GemRelocationEntry in bytes.
const SizeofGemRelocationEntry = 32

// Memory domains for GemRelocationEntry.ReadDomains and WriteDomain.
const (
	I915_GEM_DOMAIN_CPU         = 0x00000001
	I915_GEM_DOMAIN_RENDER      = 0x00000002
	I915_GEM_DOMAIN_SAMPLER     = 0x00000004
	I915_GEM_DOMAIN_COMMAND     = 0x00000008
	I915_GEM_DOMAIN_INSTRUCTION = 0x00000010
	I915_GEM_DOMAIN_VERTEX      = 0x00000020
	I915_GEM_DOMAIN_GTT         = 0x00000040
	I915_GEM_DOMAIN_WC          = 0x00000080
)

// GemExecbuffer2 is struct drm_i915_gem_execbuffer2.
type GemExecbuffer2 struct {
	BuffersPtr       uint64
	BufferCount      uint32
	BatchStartOffset uint32
	BatchLen         uint32
	DR1              uint32
	DR4              uint32
	NumCliprects     uint32
	CliprectsPtr     uint64
	Flags            uint64
	Rsvd1            uint64 // context id
	Rsvd2            uint64 // in/out fence fds
}

// SizeofGemExecbuffer2 is the size of GemExecbuffer2 in bytes.
const SizeofGemExecbuffer2 = 64

// Flags for GemExecbuffer2.Flags.
const (
	I915_EXEC_RING_MASK = 0x3f
	I915_EXEC_DEFAULT   = 0 << 0
	I915_EXEC_RENDER    = 1 << 0
	I915_EXEC_BSD       = 2 << 0
	I915_EXEC_BLT       = 3 << 0
	I915_EXEC_VEBOX     = 4 << 0

	I915_EXEC_NO_RELOC    = 1 << 11
	I915_EXEC_HANDLE_LUT  = 1 << 12
	I915_EXEC_FENCE_IN    = 1 << 16
	I915_EXEC_FENCE_OUT   = 1 << 17
	I915_EXEC_BATCH_FIRST = 1 << 18
)

// OutFence returns the output fence fd stored in the upper half of Rsvd2 by
// DRM_IOCTL_I915_GEM_EXECBUFFER2_WR.
func (eb *GemExecbuffer2) OutFence() int32 {
	return int32(eb.Rsvd2 >> 32)
}
