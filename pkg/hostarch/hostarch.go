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

// Package hostarch contains host arch address operations for user memory.
package hostarch

const (
	// PageShift is the binary log of the default page size.
	PageShift = 12

	// PageSize is the default page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of the default huge page size.
	HugePageShift = 21

	// HugePageSize is the default huge page size.
	HugePageSize = 1 << HugePageShift
)

// IsPowerOfTwo returns true if v is a non-zero power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// RoundUpTo returns v rounded up to a multiple of align. ok is false if the
// result would overflow.
//
// Precondition: align is a power of two.
func RoundUpTo(v, align uint64) (r uint64, ok bool) {
	r = (v + align - 1) &^ (align - 1)
	return r, r >= v
}

// RoundDownTo returns v rounded down to a multiple of align.
//
// Precondition: align is a power of two.
func RoundDownTo(v, align uint64) uint64 {
	return v &^ (align - 1)
}

// OffsetIn returns the offset of v within its align-sized block.
//
// Precondition: align is a power of two.
func OffsetIn(v, align uint64) uint64 {
	return v & (align - 1)
}
