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

package hostarch

import "fmt"

// Addr represents a user virtual address.
type Addr uintptr

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow the range of Addr.
//
// Note: This function is usually used to get the end of an address range
// defined by its start address and length. Since the resulting end is
// exclusive, end == 0 is technically valid, and corresponds to a range that
// extends to the end of the address space, but ok will be false. This isn't
// expected to ever come up in practice.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	// The second half of the following check is needed in case uintptr is
	// smaller than 64 bits.
	ok = end >= v && length <= uint64(^Addr(0))
	return
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// HugeRoundDown returns the address rounded down to the nearest huge page
// boundary.
func (v Addr) HugeRoundDown() Addr {
	return v & ^Addr(HugePageSize-1)
}

// HugeRoundUp returns the address rounded up to the nearest huge page boundary.
// ok is true iff rounding up did not wrap around.
func (v Addr) HugeRoundUp() (addr Addr, ok bool) {
	addr = Addr(v + HugePageSize - 1).HugeRoundDown()
	ok = addr >= v
	return
}

// RoundDownTo returns the address rounded down to a multiple of align.
//
// Precondition: align is a power of two.
func (v Addr) RoundDownTo(align uint64) Addr {
	return Addr(RoundDownTo(uint64(v), align))
}

// RoundUpTo returns the address rounded up to a multiple of align. ok is true
// iff rounding up did not wrap around.
//
// Precondition: align is a power of two.
func (v Addr) RoundUpTo(align uint64) (Addr, bool) {
	r, ok := RoundUpTo(uint64(v), align)
	return Addr(r), ok
}

// OffsetIn returns the offset of v within its align-sized block.
//
// Precondition: align is a power of two.
func (v Addr) OffsetIn(align uint64) uint64 {
	return OffsetIn(uint64(v), align)
}

// IsAlignedTo returns true if v is a multiple of align.
//
// Precondition: align is a power of two.
func (v Addr) IsAlignedTo(align uint64) bool {
	return v.OffsetIn(align) == 0
}

// IsPageAligned returns true if v is aligned to the default page size.
func (v Addr) IsPageAligned() bool {
	return v.IsAlignedTo(PageSize)
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return v.OffsetIn(PageSize)
}

// ToRange returns [v, v+length). ok is false if v+length overflows.
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uintptr(v))
}
