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

package bits

// AlignUp rounds a length up to an alignment. align must be a power of 2.
func AlignUp(length uint64, align uint64) uint64 {
	return (length + align - 1) & ^(align - 1)
}

// AlignDown rounds a length down to an alignment. align must be a power of 2.
func AlignDown(length uint64, align uint64) uint64 {
	return length & ^(align - 1)
}

// IsAligned returns true if v is a multiple of align. align must be a power
// of 2.
func IsAligned(v uint64, align uint64) bool {
	return v&(align-1) == 0
}

// AlignUp32 is AlignUp for uint32 quantities.
func AlignUp32(length uint32, align uint32) uint32 {
	return (length + align - 1) & ^(align - 1)
}
