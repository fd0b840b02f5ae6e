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

// GemClose is struct drm_gem_close.
type GemClose struct {
	Handle uint32
	_      uint32
}

// SizeofGemClose is the size of GemClose in bytes.
const SizeofGemClose = 8

// GemCreate is struct drm_i915_gem_create.
type GemCreate struct {
	// Size is the requested size; on return it holds the rounded-up size.
	Size   uint64
	Handle uint32
	_      uint32
}

// SizeofGemCreate is the size of GemCreate in bytes.
const SizeofGemCreate = 16

// GemPwrite is struct drm_i915_gem_pwrite.
type GemPwrite struct {
	Handle  uint32
	_       uint32
	Offset  uint64
	Size    uint64
	DataPtr uint64
}

// SizeofGemPwrite is the size of GemPwrite in bytes.
const SizeofGemPwrite = 32

// GemMmapOffset is struct drm_i915_gem_mmap_offset.
type GemMmapOffset struct {
	Handle     uint32
	_          uint32
	Offset     uint64
	Flags      uint64
	Extensions uint64
}

// SizeofGemMmapOffset is the size of GemMmapOffset in bytes.
const SizeofGemMmapOffset = 32

// Flags for GemMmapOffset.Flags.
const (
	I915_MMAP_OFFSET_GTT   = 0
	I915_MMAP_OFFSET_WC    = 1
	I915_MMAP_OFFSET_WB    = 2
	I915_MMAP_OFFSET_UC    = 3
	I915_MMAP_OFFSET_FIXED = 4
)
