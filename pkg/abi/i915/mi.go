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

// MIInstr encodes the header of a memory interface command with the given
// opcode and dword length bias.
func MIInstr(opcode, flags uint32) uint32 {
	return opcode<<23 | flags
}

// Memory interface commands, from drivers/gpu/drm/i915/gt/intel_gpu_commands.h.
var (
	MI_NOOP                   = MIInstr(0x00, 0)
	MI_BATCH_BUFFER_END       = MIInstr(0x0a, 0)
	MI_LOAD_REGISTER_IMM      = MIInstr(0x22, 1)
	MI_LOAD_REGISTER_MEM_GEN8 = MIInstr(0x29, 2)
)

// MI_MMIO_REMAP_ENABLE_GEN12 makes register offsets in MI_LOAD_REGISTER_*
// relative to the engine executing the batch.
const MI_MMIO_REMAP_ENABLE_GEN12 = 1 << 17

// AUX table base address registers.
const (
	GEN12_GFX_AUX_TABLE_BASE_ADDR   = 0x4200
	GEN12_VEBOX_AUX_TABLE_BASE_ADDR = 0x4230
)
