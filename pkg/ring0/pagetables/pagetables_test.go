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

package pagetables

import (
	"testing"

	"github.com/andrewth/dune/pkg/errors/linuxerr"
	"github.com/andrewth/dune/pkg/hostarch"
)

type mapping struct {
	start  uintptr
	length uintptr
	addr   uintptr
	opts   MapOpts
}

type checkVisitor struct {
	expected []mapping // Input.
	current  int       // Temporary.
	found    []mapping // Output.
	failed   string    // Output.
}

func (v *checkVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	v.found = append(v.found, mapping{
		start:  start,
		length: align + 1,
		addr:   pte.Address(),
		opts:   pte.Opts(),
	})
	if v.failed != "" {
		// Don't keep looking for errors.
		return false
	}

	if v.current >= len(v.expected) {
		v.failed = "more mappings than expected"
	} else if v.expected[v.current].start != start {
		v.failed = "start didn't match expected"
	} else if v.expected[v.current].length != (align + 1) {
		v.failed = "end didn't match expected"
	} else if v.expected[v.current].addr != pte.Address() {
		v.failed = "address didn't match expected"
	} else if v.expected[v.current].opts != pte.Opts() {
		v.failed = "opts didn't match"
	}
	v.current++
	return true
}

func (*checkVisitor) requiresAlloc() bool { return false }

func (*checkVisitor) requiresSplit() bool { return false }

func checkMappings(t *testing.T, pt *PageTables, m []mapping) {
	// Iterate over all the mappings.
	w := Walker{
		pageTables: pt,
		visitor: &checkVisitor{
			expected: m,
		},
	}
	w.iterateRange(0, lowerTop)

	// Were we expected additional mappings?
	if w.visitor.(*checkVisitor).failed == "" && w.visitor.(*checkVisitor).current != len(w.visitor.(*checkVisitor).expected) {
		w.visitor.(*checkVisitor).failed = "insufficient mappings found"
	}

	// Emit a meaningful error message on failure.
	if w.visitor.(*checkVisitor).failed != "" {
		t.Errorf("%s; got %#v, wanted %#v", w.visitor.(*checkVisitor).failed, w.visitor.(*checkVisitor).found, w.visitor.(*checkVisitor).expected)
	}
}

var (
	rw     = MapOpts{AccessType: hostarch.ReadWrite, User: true}
	r      = MapOpts{AccessType: hostarch.Read, User: true}
	rwHuge = MapOpts{AccessType: hostarch.ReadWrite, User: true, Huge: true}
	none   = MapOpts{User: true}
)

func mustMap(t *testing.T, pt *PageTables, addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) {
	t.Helper()
	if _, err := pt.Map(addr, length, opts, physical); err != nil {
		t.Fatalf("Map(%#x, %#x) failed: %v", addr, length, err)
	}
}

func TestUnmap(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map and unmap one entry.
	mustMap(t, pt, 0x400000, pteSize, rw, pteSize*42)
	if ok, err := pt.Unmap(0x400000, pteSize); !ok || err != nil {
		t.Errorf("Unmap got (%v, %v), want (true, nil)", ok, err)
	}

	checkMappings(t, pt, nil)
}

func TestReadOnly(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map one entry.
	mustMap(t, pt, 0x400000, pteSize, r, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, r},
	})
}

func TestReadWrite(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map one entry.
	mustMap(t, pt, 0x400000, pteSize, rw, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, rw},
	})
}

func TestSerialEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map two sequential entries.
	mustMap(t, pt, 0x400000, pteSize, rw, pteSize*42)
	mustMap(t, pt, 0x401000, pteSize, rw, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, rw},
		{0x401000, pteSize, pteSize * 47, rw},
	})
}

func TestSpanningEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Span a pgd with two pages.
	mustMap(t, pt, 0x00007efffffff000, 2*pteSize, r, pteSize*42)

	checkMappings(t, pt, []mapping{
		{0x00007efffffff000, pteSize, pteSize * 42, r},
		{0x00007f0000000000, pteSize, pteSize * 43, r},
	})
}

func TestSparseEntries(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map two entries in different pgds.
	mustMap(t, pt, 0x400000, pteSize, rw, pteSize*42)
	mustMap(t, pt, 0x00007f0000000000, pteSize, r, pteSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, rw},
		{0x00007f0000000000, pteSize, pteSize * 47, r},
	})
}

func Test2MAnd4K(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a small page and a huge page.
	mustMap(t, pt, 0x400000, pteSize, rw, pteSize*42)
	mustMap(t, pt, 0x00007f0000000000, pmdSize, rwHuge, pmdSize*47)

	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, rw},
		{0x00007f0000000000, pmdSize, pmdSize * 47, rwHuge},
	})
}

func TestHugeRequiresOpt(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Without Huge the range is installed as small pages.
	mustMap(t, pt, 0x00007f0000000000, pmdSize, rw, pmdSize*47)
	_, opts, ok := pt.Lookup(0x00007f0000000000)
	if !ok || opts.Huge {
		t.Errorf("Lookup got (opts=%v, ok=%v), want small page", opts, ok)
	}
}

func TestHugeUnalignedPhysical(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// A physical address that is not 2MiB aligned falls back to small
	// pages.
	mustMap(t, pt, 0x00007f0000000000, pmdSize, rwHuge, pmdSize*47+pteSize)
	phys, opts, ok := pt.Lookup(0x00007f0000000000 + 3*pteSize)
	if !ok || opts.Huge || phys != pmdSize*47+4*pteSize {
		t.Errorf("Lookup got (%#x, %v, %v), want (%#x, small, true)", phys, opts, ok, pmdSize*47+4*pteSize)
	}
}

func TestSplit2MPage(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	// Map a huge page and knock out the middle.
	mustMap(t, pt, 0x00007f0000000000, pmdSize, rwHuge, pmdSize*42)
	pt.Unmap(hostarch.Addr(0x00007f0000000000+pteSize), pmdSize-(2*pteSize))

	checkMappings(t, pt, []mapping{
		{0x00007f0000000000, pteSize, pmdSize * 42, rw},
		{0x00007f0000000000 + pmdSize - pteSize, pteSize, pmdSize*42 + pmdSize - pteSize, rw},
	})
}

func TestProtect(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	mustMap(t, pt, 0x400000, 3*pteSize, rw, pteSize*42)
	covered, err := pt.Protect(0x401000, 4*pteSize, none)
	if err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	if covered != 2*pteSize {
		t.Errorf("Protect covered %#x, want %#x", covered, 2*pteSize)
	}

	// Entries without access still translate.
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 42, rw},
		{0x401000, pteSize, pteSize * 43, none},
		{0x402000, pteSize, pteSize * 44, none},
	})
}

func TestProtectSplitsHuge(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	mustMap(t, pt, 0x00007f0000000000, pmdSize, rwHuge, pmdSize*42)
	if _, err := pt.Protect(0x00007f0000000000, pteSize, r); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	_, opts, _ := pt.Lookup(0x00007f0000000000)
	if opts != r {
		t.Errorf("first page opts = %v, want %v", opts, r)
	}
	_, opts, _ = pt.Lookup(0x00007f0000000000 + pteSize)
	if opts != rw {
		t.Errorf("second page opts = %v, want %v", opts, rw)
	}
}

func TestLookup(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	mustMap(t, pt, 0x00007f0000000000, pmdSize, rwHuge, pmdSize*42)
	phys, opts, ok := pt.Lookup(0x00007f0000000000 + 0x12345)
	if !ok || phys != pmdSize*42+0x12345 || opts != rwHuge {
		t.Errorf("Lookup got (%#x, %v, %v), want (%#x, %v, true)", phys, opts, ok, pmdSize*42+0x12345, rwHuge)
	}
	if _, _, ok := pt.Lookup(0x400000); ok {
		t.Errorf("Lookup of unmapped address succeeded")
	}
}

func TestReplace(t *testing.T) {
	pt := New(NewRuntimeAllocator())

	mustMap(t, pt, 0x400000, pteSize, rw, pteSize*42)
	prev, err := pt.Map(0x400000, pteSize, r, pteSize*43)
	if err != nil || !prev {
		t.Errorf("Map got (%v, %v), want (true, nil)", prev, err)
	}
	checkMappings(t, pt, []mapping{
		{0x400000, pteSize, pteSize * 43, r},
	})
}

func TestTablesFreed(t *testing.T) {
	a := NewRuntimeAllocator()
	pt := New(a)

	mustMap(t, pt, 0x400000, 2*pteSize, rw, pteSize*42)
	if got := a.Live(); got != 4 {
		t.Errorf("Live() = %d after map, want 4", got)
	}
	pt.Unmap(0x400000, pteSize)
	if got := a.Live(); got != 4 {
		t.Errorf("Live() = %d after partial unmap, want 4", got)
	}
	pt.Unmap(0x401000, pteSize)
	if got := a.Live(); got != 1 {
		t.Errorf("Live() = %d after full unmap, want 1", got)
	}
}

func TestInvalidRanges(t *testing.T) {
	pt := New(NewRuntimeAllocator())
	for _, tc := range []struct {
		name     string
		addr     hostarch.Addr
		length   uintptr
		physical uintptr
	}{
		{"zero length", 0x400000, 0, 0},
		{"unaligned addr", 0x400001, pteSize, 0},
		{"unaligned length", 0x400000, pteSize + 1, 0},
		{"unaligned physical", 0x400000, pteSize, 1},
		{"beyond top", lowerTop + 1, pteSize, 0},
		{"overflow", hostarch.Addr(^uintptr(0) &^ (pteSize - 1)), 2 * pteSize, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := pt.Map(tc.addr, tc.length, rw, tc.physical); !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("Map got err %v, want EINVAL", err)
			}
		})
	}
}
