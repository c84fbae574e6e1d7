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

// An AddrRange represents the half-open range [Start, End) of addresses.
//
// A range with Start > End is malformed; all predicates below treat it as
// empty.
type AddrRange struct {
	Start Addr
	End   Addr
}

// WellFormed returns true if ar.Start <= ar.End.
func (ar AddrRange) WellFormed() bool {
	return ar.Start <= ar.End
}

// Length returns the length of the range.
//
// Precondition: ar.WellFormed().
func (ar AddrRange) Length() uint64 {
	return uint64(ar.End - ar.Start)
}

// Empty returns true if the range contains no addresses.
func (ar AddrRange) Empty() bool {
	return ar.Start >= ar.End
}

// Contains returns true if ar contains addr.
func (ar AddrRange) Contains(addr Addr) bool {
	return ar.Start <= addr && addr < ar.End
}

// IsSupersetOf returns true if ar entirely contains other, including when
// other is an empty range whose start lies within [ar.Start, ar.End].
func (ar AddrRange) IsSupersetOf(other AddrRange) bool {
	if !ar.WellFormed() || !other.WellFormed() {
		return false
	}
	return ar.Start <= other.Start && other.End <= ar.End
}

// Overlaps returns true if ar and other share at least one address.
func (ar AddrRange) Overlaps(other AddrRange) bool {
	return ar.Start < other.End && other.Start < ar.End
}

// Intersect returns the intersection of ar and other, which is empty if they
// do not overlap.
func (ar AddrRange) Intersect(other AddrRange) AddrRange {
	if ar.Start < other.Start {
		ar.Start = other.Start
	}
	if ar.End > other.End {
		ar.End = other.End
	}
	if ar.End < ar.Start {
		ar.End = ar.Start
	}
	return ar
}

// IsAlignedTo returns true if both ends of ar are multiples of align.
//
// Precondition: align is a power of two.
func (ar AddrRange) IsAlignedTo(align uint64) bool {
	return ar.Start.IsAlignedTo(align) && ar.End.IsAlignedTo(align)
}

// IsPageAligned returns true if both ends of ar are page aligned.
func (ar AddrRange) IsPageAligned() bool {
	return ar.IsAlignedTo(PageSize)
}

// String implements fmt.Stringer.String.
func (ar AddrRange) String() string {
	return fmt.Sprintf("[%#x, %#x)", uintptr(ar.Start), uintptr(ar.End))
}
