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

package rand

import "math/bits"

// HarsPetruska is the f54_1 variant of the Hars-Petruska 32-bit generator.
// It is not cryptographically secure; its only use is producing cheap,
// reproducible address hints from a seed.
//
// The zero value is a valid generator seeded with 0.
type HarsPetruska struct {
	state uint32
}

// NewHarsPetruska returns a generator with the given seed.
func NewHarsPetruska(seed uint32) *HarsPetruska {
	return &HarsPetruska{state: seed}
}

// State returns the current generator state. A generator created with
// NewHarsPetruska(g.State()) produces the same stream as g.
func (g *HarsPetruska) State() uint32 {
	return g.state
}

// Uint32 advances the generator and returns the new state.
func (g *HarsPetruska) Uint32() uint32 {
	s := g.state
	g.state = (s ^ bits.RotateLeft32(s, 5) ^ bits.RotateLeft32(s, 24)) + 0x37798849
	return g.state
}

// Uint64 combines two consecutive 32-bit outputs, the first one in the high
// half.
func (g *HarsPetruska) Uint64() uint64 {
	v := uint64(g.Uint32()) << 32
	return v | uint64(g.Uint32())
}
