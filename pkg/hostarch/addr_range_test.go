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

import (
	"math"
	"testing"
)

func TestRoundUpTo(t *testing.T) {
	for _, test := range []struct {
		v     uint64
		align uint64
		want  uint64
		ok    bool
	}{
		{0, PageSize, 0, true},
		{1, PageSize, PageSize, true},
		{10000, PageSize, 12288, true},
		{PageSize, PageSize, PageSize, true},
		{PageSize + 1, HugePageSize, HugePageSize, true},
		{math.MaxUint64, PageSize, 0, false},
	} {
		got, ok := RoundUpTo(test.v, test.align)
		if got != test.want || ok != test.ok {
			t.Errorf("RoundUpTo(%#x, %#x) = (%#x, %v), want (%#x, %v)", test.v, test.align, got, ok, test.want, test.ok)
		}
	}
}

func TestAddrRounding(t *testing.T) {
	v := Addr(0x201234)
	if got, want := v.RoundDown(), Addr(0x201000); got != want {
		t.Errorf("RoundDown got %v want %v", got, want)
	}
	if got, ok := v.RoundUp(); !ok || got != 0x202000 {
		t.Errorf("RoundUp got (%v, %v) want (0x202000, true)", got, ok)
	}
	if got, want := v.HugeRoundDown(), Addr(0x200000); got != want {
		t.Errorf("HugeRoundDown got %v want %v", got, want)
	}
	if got, ok := v.HugeRoundUp(); !ok || got != 0x400000 {
		t.Errorf("HugeRoundUp got (%v, %v) want (0x400000, true)", got, ok)
	}
	if got, want := v.OffsetIn(HugePageSize), uint64(0x1234); got != want {
		t.Errorf("OffsetIn got %#x want %#x", got, want)
	}
	if _, ok := Addr(^uintptr(0)).RoundUp(); ok {
		t.Errorf("RoundUp of the last address should overflow")
	}
}

func TestToRangeOverflow(t *testing.T) {
	if _, ok := Addr(^uintptr(0) - PageSize + 1).ToRange(2 * PageSize); ok {
		t.Errorf("ToRange past the end of the address space succeeded")
	}
	ar, ok := Addr(0x1000).ToRange(0x2000)
	if !ok || ar != (AddrRange{0x1000, 0x3000}) {
		t.Errorf("ToRange got (%v, %v) want ([0x1000, 0x3000), true)", ar, ok)
	}
}

func TestAddrRangePredicates(t *testing.T) {
	outer := AddrRange{0x10000, 0x20000}
	for _, test := range []struct {
		name     string
		other    AddrRange
		superset bool
		overlaps bool
	}{
		{"inside", AddrRange{0x11000, 0x12000}, true, true},
		{"equal", outer, true, true},
		{"empty at end", AddrRange{0x20000, 0x20000}, true, false},
		{"straddles start", AddrRange{0xf000, 0x11000}, false, true},
		{"straddles end", AddrRange{0x1f000, 0x21000}, false, true},
		{"adjacent below", AddrRange{0xf000, 0x10000}, false, false},
		{"adjacent above", AddrRange{0x20000, 0x21000}, false, false},
		{"malformed", AddrRange{0x12000, 0x11000}, false, false},
	} {
		t.Run(test.name, func(t *testing.T) {
			if got := outer.IsSupersetOf(test.other); got != test.superset {
				t.Errorf("%v.IsSupersetOf(%v) = %v, want %v", outer, test.other, got, test.superset)
			}
			if got := outer.Overlaps(test.other); got != test.overlaps {
				t.Errorf("%v.Overlaps(%v) = %v, want %v", outer, test.other, got, test.overlaps)
			}
		})
	}
}

func TestAddrRangeContains(t *testing.T) {
	ar := AddrRange{0x1000, 0x2000}
	if !ar.Contains(0x1000) || !ar.Contains(0x1fff) {
		t.Errorf("%v should contain its first and last byte", ar)
	}
	if ar.Contains(0x2000) || ar.Contains(0xfff) {
		t.Errorf("%v should not contain addresses outside it", ar)
	}
}

func TestAddrRangeIntersect(t *testing.T) {
	a := AddrRange{0x1000, 0x4000}
	if got, want := a.Intersect(AddrRange{0x3000, 0x8000}), (AddrRange{0x3000, 0x4000}); got != want {
		t.Errorf("Intersect got %v want %v", got, want)
	}
	if got := a.Intersect(AddrRange{0x5000, 0x6000}); !got.Empty() {
		t.Errorf("Intersect of disjoint ranges got %v, want empty", got)
	}
}

func TestAddrRangeIsAlignedTo(t *testing.T) {
	if !(AddrRange{0x200000, 0x600000}).IsAlignedTo(HugePageSize) {
		t.Errorf("huge aligned range reported unaligned")
	}
	if (AddrRange{0x200000, 0x201000}).IsAlignedTo(HugePageSize) {
		t.Errorf("page aligned range reported huge aligned")
	}
	if !(AddrRange{0x200000, 0x201000}).IsPageAligned() {
		t.Errorf("page aligned range reported unaligned")
	}
}

func TestAccessTypeProt(t *testing.T) {
	for _, at := range []AccessType{NoAccess, Read, ReadWrite, AnyAccess, {Execute: true}} {
		if got := AccessTypeFromProt(at.Prot()); got != at {
			t.Errorf("AccessTypeFromProt(%v.Prot()) = %v", at, got)
		}
	}
	if got := Write.Effective(); got != ReadWrite {
		t.Errorf("Write.Effective() = %v, want %v", got, ReadWrite)
	}
	if got := NoAccess.Effective(); got != NoAccess {
		t.Errorf("NoAccess.Effective() = %v, want %v", got, NoAccess)
	}
	if got := ReadWrite.String(); got != "rw-" {
		t.Errorf("String got %q want %q", got, "rw-")
	}
}
