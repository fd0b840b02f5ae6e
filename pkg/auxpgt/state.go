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

package auxpgt

import (
	"github.com/ideak/intel-gpu-tools-sub002/pkg/abi/i915"
	"github.com/ideak/intel-gpu-tools-sub002/pkg/batch"
)

// CreateState stores the address of t at the batch cursor, aligned to a
// qword, and returns its offset for use by EmitState. It returns 0 if t is
// nil.
func CreateState(b *batch.Batch, t *Table) uint32 {
	if t == nil {
		return 0
	}
	off := b.Align(8)
	addr := b.OffsetReloc(t.handle, 0, 0, off, t.addr)
	b.EmitQword(addr)
	return off
}

// EmitState loads the AUX table base address register of the render or the
// video enhancement engine from the batch at offset state. A zero state
// emits nothing.
func EmitState(b *batch.Batch, state uint32, render bool) {
	if state == 0 {
		return
	}
	reg := uint32(i915.GEN12_VEBOX_AUX_TABLE_BASE_ADDR)
	if render {
		reg = i915.GEN12_GFX_AUX_TABLE_BASE_ADDR
	}
	for i := uint32(0); i < 2; i++ {
		b.Emit(i915.MI_LOAD_REGISTER_MEM_GEN8 | i915.MI_MMIO_REMAP_ENABLE_GEN12)
		b.Emit(reg + 4*i)
		b.EmitReloc(b.Handle(), 0, 0, state+4*i, batch.UnassignedAddress)
	}
}
