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

// Package hostmmtest provides an in-memory hostmm.Memory for tests and for
// dry runs of the sandbox tooling.
package hostmmtest

import (
	"fmt"
	"sync"

	"github.com/google/btree"

	"github.com/andrewth/dune/pkg/errors/linuxerr"
	"github.com/andrewth/dune/pkg/hostarch"
	"github.com/andrewth/dune/pkg/hostmm"
)

// Operations that can be counted and failed.
const (
	OpMap     = "map"
	OpUnmap   = "unmap"
	OpProtect = "protect"
)

// firstFrame is the first physical frame handed out.
const firstFrame = 0x100000000

// Page is one populated page of the fake address space.
type Page struct {
	// Addr is the page address.
	Addr hostarch.Addr

	// Access is the page protection.
	Access hostarch.AccessType

	// Huge is set for pages of a huge mapping.
	Huge bool

	// Shared is set for MAP_SHARED pages.
	Shared bool

	// FD is the backing file, or -1 for anonymous memory.
	FD int

	// Offset is the file offset of the page.
	Offset uint64

	// Physical is the frame backing the page.
	Physical uintptr
}

func pageLess(a, b Page) bool {
	return a.Addr < b.Addr
}

// Host is a fake host address space. It is safe for concurrent use.
type Host struct {
	// HugeTLB makes huge mappings behave like hugetlbfs mappings: unmapping
	// or protecting a range that splits a huge page fails with EINVAL.
	HugeTLB bool

	// Scatter gives every page a frame that is not adjacent to the frame of
	// the previous page.
	Scatter bool

	mu       sync.Mutex
	pages    *btree.BTreeG[Page]
	next     uintptr
	calls    map[string]int
	failures map[string][]error
}

var _ hostmm.Memory = (*Host)(nil)
var _ hostmm.Translator = (*Host)(nil)

// New returns an empty fake host.
func New() *Host {
	return &Host{
		pages:    btree.NewG(2, pageLess),
		next:     firstFrame,
		calls:    make(map[string]int),
		failures: make(map[string][]error),
	}
}

// FailNext makes the next call of op fail with err without side effects.
// Multiple failures queue up in order.
func (h *Host) FailNext(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[op] = append(h.failures[op], err)
}

// Calls returns the number of times op was invoked, including injected
// failures.
func (h *Host) Calls(op string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[op]
}

// begin counts a call and returns a pending injected failure.
//
// Preconditions: h.mu is locked.
func (h *Host) begin(op string) error {
	h.calls[op]++
	if q := h.failures[op]; len(q) > 0 {
		h.failures[op] = q[1:]
		return q[0]
	}
	return nil
}

func checkRange(ar hostarch.AddrRange) error {
	if !ar.WellFormed() || ar.Empty() || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}
	return nil
}

// forEach calls fn for each page in ar.
//
// Preconditions: h.mu is locked.
func (h *Host) forEach(ar hostarch.AddrRange, fn func(p Page) bool) {
	h.pages.AscendRange(Page{Addr: ar.Start}, Page{Addr: ar.End}, fn)
}

// splitsHuge returns true if ar partially covers a huge page.
//
// Preconditions: h.mu is locked.
func (h *Host) splitsHuge(ar hostarch.AddrRange) bool {
	if !h.HugeTLB {
		return false
	}
	split := false
	check := func(a hostarch.Addr) {
		if a.IsAlignedTo(hostarch.HugePageSize) {
			return
		}
		if p, ok := h.pages.Get(Page{Addr: a.RoundDown()}); ok && p.Huge {
			split = true
		}
	}
	check(ar.Start)
	check(ar.End)
	return split
}

func (h *Host) mapPages(ar hostarch.AddrRange, at hostarch.AccessType, fd int, offset uint64, opts hostmm.MapOpts) error {
	if err := checkRange(ar); err != nil {
		return err
	}
	if opts.Huge && !ar.IsAlignedTo(hostarch.HugePageSize) {
		return linuxerr.EINVAL
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(OpMap); err != nil {
		return err
	}
	if !opts.Replace {
		occupied := false
		h.forEach(ar, func(Page) bool {
			occupied = true
			return false
		})
		if occupied {
			return linuxerr.EEXIST
		}
	}
	if opts.Huge {
		if next, ok := hostarch.Addr(h.next).HugeRoundUp(); ok {
			h.next = uintptr(next)
		}
	}
	for addr := ar.Start; addr < ar.End; addr += hostarch.PageSize {
		p := Page{
			Addr:     addr,
			Access:   at,
			Huge:     opts.Huge,
			Shared:   opts.Shared,
			FD:       fd,
			Physical: h.next,
		}
		if fd >= 0 {
			p.Offset = offset + uint64(addr-ar.Start)
		}
		h.pages.ReplaceOrInsert(p)
		h.next += hostarch.PageSize
		if h.Scatter {
			h.next += hostarch.PageSize
		}
	}
	return nil
}

// MapAnonymous implements hostmm.Memory.MapAnonymous.
func (h *Host) MapAnonymous(ar hostarch.AddrRange, at hostarch.AccessType, opts hostmm.MapOpts) error {
	return h.mapPages(ar, at, -1, 0, opts)
}

// MapFile implements hostmm.Memory.MapFile.
func (h *Host) MapFile(ar hostarch.AddrRange, at hostarch.AccessType, fd int, offset uint64, opts hostmm.MapOpts) error {
	if fd < 0 || offset&(hostarch.PageSize-1) != 0 {
		return linuxerr.EINVAL
	}
	return h.mapPages(ar, at, fd, offset, opts)
}

// Unmap implements hostmm.Memory.Unmap.
func (h *Host) Unmap(ar hostarch.AddrRange) error {
	if err := checkRange(ar); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(OpUnmap); err != nil {
		return err
	}
	if h.splitsHuge(ar) {
		return linuxerr.EINVAL
	}
	var doomed []Page
	h.forEach(ar, func(p Page) bool {
		doomed = append(doomed, p)
		return true
	})
	for _, p := range doomed {
		h.pages.Delete(p)
	}
	return nil
}

// Protect implements hostmm.Memory.Protect.
func (h *Host) Protect(ar hostarch.AddrRange, at hostarch.AccessType) error {
	if err := checkRange(ar); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.begin(OpProtect); err != nil {
		return err
	}
	if h.splitsHuge(ar) {
		return linuxerr.EINVAL
	}
	var found []Page
	h.forEach(ar, func(p Page) bool {
		found = append(found, p)
		return true
	})
	if uint64(len(found))*hostarch.PageSize != ar.Length() {
		return linuxerr.ENOMEM
	}
	for _, p := range found {
		p.Access = at
		h.pages.ReplaceOrInsert(p)
	}
	return nil
}

// TranslateToPhysical implements hostmm.Translator.TranslateToPhysical.
func (h *Host) TranslateToPhysical(addr hostarch.Addr) (physical, length uintptr, ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	first, ok := h.pages.Get(Page{Addr: addr.RoundDown()})
	if !ok {
		return 0, 0, false
	}
	offset := uintptr(addr.PageOffset())
	length = hostarch.PageSize - offset
	expect := first
	h.pages.AscendGreaterOrEqual(Page{Addr: first.Addr + hostarch.PageSize}, func(p Page) bool {
		if p.Addr != expect.Addr+hostarch.PageSize || p.Physical != expect.Physical+hostarch.PageSize {
			return false
		}
		length += hostarch.PageSize
		expect = p
		return true
	})
	return first.Physical + offset, length, true
}

// Lookup returns the page containing addr.
func (h *Host) Lookup(addr hostarch.Addr) (Page, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pages.Get(Page{Addr: addr.RoundDown()})
}

// Len returns the number of populated pages.
func (h *Host) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pages.Len()
}

// Snapshot returns all populated pages in address order.
func (h *Host) Snapshot() []Page {
	h.mu.Lock()
	defer h.mu.Unlock()
	pages := make([]Page, 0, h.pages.Len())
	h.pages.Ascend(func(p Page) bool {
		pages = append(pages, p)
		return true
	})
	return pages
}

// String implements fmt.Stringer.
func (p Page) String() string {
	kind := "anon"
	if p.FD >= 0 {
		kind = fmt.Sprintf("fd %d+%#x", p.FD, p.Offset)
	}
	return fmt.Sprintf("%v %v %s phys=%#x huge=%v", p.Addr, p.Access, kind, p.Physical, p.Huge)
}
