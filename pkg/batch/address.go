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
	"github.com/ideak/intel-gpu-tools-sub002/pkg/hostarch"
)

// reservedLow is kept clear at the bottom of the address space so that
// negative relocation deltas don't wrap.
const reservedLow = 256 << 10

// ProposeAddress returns an address hint for a new object.
//
// With relocations enforced it always returns 0 and leaves placement to the
// kernel. Otherwise it returns the next page-aligned value of the batch's
// address generator above the reserved low region, wrapped to the GTT.
// Proposals are not checked for collisions; the kernel moves objects that
// overlap.
func (b *Batch) ProposeAddress() uint64 {
	if b.opts.EnforceRelocs {
		return 0
	}
	addr := b.rng.Uint64()
	addr += reservedLow
	addr &= b.gttSize - 1
	return hostarch.PageRoundDown(addr)
}
