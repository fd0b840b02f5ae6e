// Copyright 2019 The gVisor Authors.
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

// Package hostarch contains host and device arch-specific constants shared by
// the CPU and the GPU.
package hostarch

import (
	"encoding/binary"
)

const (
	// PageShift is the binary log of the system and GTT page size.
	PageShift = 12

	// PageSize is the system and GTT page size.
	PageSize = 1 << PageShift

	// DwordSize is the size of one command stream word.
	DwordSize = 4

	// QwordSize is the size of a 64-bit address as written into
	// commands and tables.
	QwordSize = 8
)

// ByteOrder is the native byte order of both the host and the GPU.
var ByteOrder = binary.LittleEndian

// PageRoundDown returns v rounded down to the nearest page boundary.
func PageRoundDown(v uint64) uint64 {
	return v &^ (PageSize - 1)
}

// PageRoundUp returns v rounded up to the nearest page boundary. ok is true
// iff rounding up did not wrap around.
func PageRoundUp(v uint64) (addr uint64, ok bool) {
	addr = PageRoundDown(v + PageSize - 1)
	ok = addr >= v
	return
}
