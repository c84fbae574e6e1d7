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

// Package pagetables provides a software model of a four-level x86-64 page
// table, used as the shadow translation structure of a sandbox.
//
// The tables translate virtual addresses to physical frames handed out by
// the host. Leaves are 4KiB entries or 2MiB super entries.
package pagetables

import (
	"sync"

	"github.com/andrewth/dune/pkg/errors/linuxerr"
	"github.com/andrewth/dune/pkg/hostarch"
)

// PageTables is a set of page tables.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	// mu protects root and every table below it.
	mu sync.Mutex

	// root is the top-level table.
	root *PTEs
}

// New returns new PageTables.
func New(a Allocator) *PageTables {
	p := new(PageTables)
	p.Init(a)
	return p
}

// Init initializes a set of PageTables.
func (p *PageTables) Init(allocator Allocator) {
	p.Allocator = allocator
	p.root = p.Allocator.NewPTEs()
}

// Root returns the physical address of the top-level table.
func (p *PageTables) Root() uintptr {
	return p.Allocator.PhysicalFor(p.root)
}

// checkRange validates a range and returns its exclusive end.
func checkRange(addr hostarch.Addr, length uintptr) (uintptr, error) {
	if length == 0 || !addr.IsPageAligned() || length&(pteSize-1) != 0 {
		return 0, linuxerr.EINVAL
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || uintptr(end)-1 > lowerTop {
		return 0, linuxerr.EINVAL
	}
	return uintptr(end), nil
}

// mapVisitor is used for map.
type mapVisitor struct {
	target   uintptr // Input.
	physical uintptr // Input.
	opts     MapOpts // Input.
	prev     bool    // Output.
}

// visit is used for map.
func (v *mapVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	p := v.physical + (start - v.target)
	if pte.Valid() && (pte.Address() != p || pte.Opts() != v.opts) {
		v.prev = true
	}
	if align != pteSize-1 && (!v.opts.Huge || p&align != 0) {
		// We will install entries at a smaller granularity if we don't
		// install a valid entry here, however we must zap any existing
		// entry to ensure this happens.
		pte.Clear()
		return true
	}
	opts := v.opts
	opts.Huge = align != pteSize-1
	pte.Set(p, opts)
	return true
}

func (*mapVisitor) requiresAlloc() bool { return true }
func (*mapVisitor) requiresSplit() bool { return true }

// Map installs a mapping with the given physical address.
//
// Any existing translation in the range is replaced. The return value
// indicates whether a different translation was replaced.
//
// Precondition: addr, length and physical must be page-aligned and the range
// must not extend past the top of the lower half.
func (p *PageTables) Map(addr hostarch.Addr, length uintptr, opts MapOpts, physical uintptr) (bool, error) {
	end, err := checkRange(addr, length)
	if err != nil {
		return false, err
	}
	if physical&(pteSize-1) != 0 || uint64(physical)&^addrMask != 0 {
		return false, linuxerr.EINVAL
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v := mapVisitor{
		target:   uintptr(addr),
		physical: physical,
		opts:     opts,
	}
	w := Walker{pageTables: p, visitor: &v}
	w.iterateRange(uintptr(addr), end)
	return v.prev, nil
}

// unmapVisitor is used for unmap.
type unmapVisitor struct {
	count int
}

func (*unmapVisitor) requiresAlloc() bool { return false }
func (*unmapVisitor) requiresSplit() bool { return true }

// visit unmaps the given entry.
func (v *unmapVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	pte.Clear()
	v.count++
	return true
}

// Unmap unmaps the given range.
//
// True is returned iff there was a previous mapping in the range.
func (p *PageTables) Unmap(addr hostarch.Addr, length uintptr) (bool, error) {
	end, err := checkRange(addr, length)
	if err != nil {
		return false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var v unmapVisitor
	w := Walker{pageTables: p, visitor: &v}
	w.iterateRange(uintptr(addr), end)
	p.Allocator.Recycle()
	return v.count > 0, nil
}

// protectVisitor is used for protect.
type protectVisitor struct {
	opts    MapOpts // Input.
	covered uintptr // Output.
}

func (*protectVisitor) requiresAlloc() bool { return false }
func (*protectVisitor) requiresSplit() bool { return true }

// visit changes the options of the given entry, keeping its translation.
func (v *protectVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	opts := v.opts
	opts.Huge = pte.IsSuper()
	pte.Set(pte.Address(), opts)
	v.covered += align + 1
	return true
}

// Protect changes the options of every translation in the range. Unpopulated
// parts of the range are left alone; the number of bytes whose options were
// changed is returned.
func (p *PageTables) Protect(addr hostarch.Addr, length uintptr, opts MapOpts) (uintptr, error) {
	end, err := checkRange(addr, length)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	v := protectVisitor{opts: opts}
	w := Walker{pageTables: p, visitor: &v}
	w.iterateRange(uintptr(addr), end)
	return v.covered, nil
}

// lookupVisitor is used for lookup.
type lookupVisitor struct {
	target   uintptr // Input & Output.
	physical uintptr // Output.
	size     uintptr // Output.
	opts     MapOpts // Output.
}

// visit matches the given address.
func (v *lookupVisitor) visit(start uintptr, pte *PTE, align uintptr) bool {
	if !pte.Valid() {
		return true
	}
	v.target = start
	v.physical = pte.Address()
	v.size = align + 1
	v.opts = pte.Opts()
	return false
}

func (*lookupVisitor) requiresAlloc() bool { return false }
func (*lookupVisitor) requiresSplit() bool { return false }

// Lookup returns the physical address for the given virtual address, the
// options of its translation and whether a translation exists.
func (p *PageTables) Lookup(addr hostarch.Addr) (physical uintptr, opts MapOpts, ok bool) {
	if uintptr(addr) > lowerTop {
		return 0, MapOpts{}, false
	}
	mask := uintptr(pteSize - 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	v := lookupVisitor{target: uintptr(addr) &^ mask}
	w := Walker{pageTables: p, visitor: &v}
	w.iterateRange(uintptr(addr)&^mask, uintptr(addr)&^mask+pteSize)
	if v.size == 0 {
		return 0, MapOpts{}, false
	}
	offset := uintptr(addr) - v.target
	return v.physical + offset, v.opts, true
}
