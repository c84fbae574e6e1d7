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

package umm

import (
	"fmt"

	"github.com/andrewth/dune/pkg/hostarch"
)

// Default layout parameters.
const (
	DefaultBase          = hostarch.Addr(0x200000000000)
	DefaultCeilingOffset = 64 << 30
	DefaultRegionLimit   = 64 << 30
	DefaultStackSize     = 8 << 20
)

// Layout is the fixed address space policy of a sandbox instance.
//
// The heap grows upward from Base. The general region, used for mappings
// and stacks, grows downward from Base+CeilingOffset. The heap and the
// general region together never reach RegionLimit bytes.
type Layout struct {
	// Base is the address where the heap begins.
	Base hostarch.Addr

	// CeilingOffset is the offset above Base of the top of the general
	// region.
	CeilingOffset uint64

	// RegionLimit bounds the bytes committed to the heap and the general
	// region together.
	RegionLimit uint64

	// PageSize is the ordinary page granularity.
	PageSize uint64

	// HugePageSize is the huge page granularity.
	HugePageSize uint64

	// StackSize is the size of a stack reservation, guard page included.
	StackSize uint64

	// HugePages routes large anonymous mappings without an address to huge
	// page backed placement.
	HugePages bool

	// HugeHeap rounds the heap to the huge page granularity and backs it
	// with huge pages.
	HugeHeap bool

	// Authorized lists ranges outside [Base, Base+CeilingOffset) that the
	// guest may also reference, e.g. its loaded image.
	Authorized []hostarch.AddrRange
}

// DefaultLayout returns the default layout.
func DefaultLayout() Layout {
	return Layout{
		Base:          DefaultBase,
		CeilingOffset: DefaultCeilingOffset,
		RegionLimit:   DefaultRegionLimit,
		PageSize:      hostarch.PageSize,
		HugePageSize:  hostarch.HugePageSize,
		StackSize:     DefaultStackSize,
		HugePages:     true,
	}
}

// Region returns the range managed by the allocator.
func (l *Layout) Region() hostarch.AddrRange {
	return hostarch.AddrRange{Start: l.Base, End: l.Base + hostarch.Addr(l.CeilingOffset)}
}

// Validate checks that the layout is usable.
func (l *Layout) Validate() error {
	if !hostarch.IsPowerOfTwo(l.PageSize) || l.PageSize%hostarch.PageSize != 0 {
		return fmt.Errorf("page size %#x must be a power of two multiple of %#x", l.PageSize, hostarch.PageSize)
	}
	if !hostarch.IsPowerOfTwo(l.HugePageSize) || l.HugePageSize%l.PageSize != 0 || l.HugePageSize <= l.PageSize {
		return fmt.Errorf("huge page size %#x must be a power of two multiple of the page size %#x", l.HugePageSize, l.PageSize)
	}
	if (l.HugePages || l.HugeHeap) && l.HugePageSize%hostarch.HugePageSize != 0 {
		return fmt.Errorf("huge page size %#x must be a multiple of %#x", l.HugePageSize, hostarch.HugePageSize)
	}
	if l.Base == 0 || !l.Base.IsAlignedTo(l.PageSize) {
		return fmt.Errorf("base %v must be non-zero and aligned to %#x", l.Base, l.PageSize)
	}
	if l.CeilingOffset == 0 || l.CeilingOffset%l.PageSize != 0 {
		return fmt.Errorf("ceiling offset %#x must be a non-zero multiple of %#x", l.CeilingOffset, l.PageSize)
	}
	if _, ok := l.Base.AddLength(l.CeilingOffset); !ok {
		return fmt.Errorf("base %v plus ceiling offset %#x overflows", l.Base, l.CeilingOffset)
	}
	if l.RegionLimit == 0 || l.RegionLimit > l.CeilingOffset {
		return fmt.Errorf("region limit %#x must be non-zero and at most the ceiling offset %#x", l.RegionLimit, l.CeilingOffset)
	}
	if l.StackSize <= l.PageSize || l.StackSize%l.PageSize != 0 {
		return fmt.Errorf("stack size %#x must be a multiple of %#x larger than one page", l.StackSize, l.PageSize)
	}
	if l.HugeHeap && !l.Base.IsAlignedTo(l.HugePageSize) {
		return fmt.Errorf("base %v must be aligned to %#x for a huge heap", l.Base, l.HugePageSize)
	}
	for _, ar := range l.Authorized {
		if !ar.WellFormed() || ar.Empty() {
			return fmt.Errorf("authorized range %v is malformed", ar)
		}
	}
	return nil
}

// Authorizes returns true if the guest may reference all of ar.
func (l *Layout) Authorizes(ar hostarch.AddrRange) bool {
	if !ar.WellFormed() {
		return false
	}
	if l.Region().IsSupersetOf(ar) {
		return true
	}
	for _, a := range l.Authorized {
		if a.IsSupersetOf(ar) {
			return true
		}
	}
	return false
}
