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
	"fmt"

	"github.com/andrewth/dune/pkg/hostarch"
)

// Shifts and sizes of the four levels of an x86-64 style table.
const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteMask = 0x1ff << pteShift
	pmdMask = 0x1ff << pmdShift
	pudMask = 0x1ff << pudShift
	pgdMask = 0x1ff << pgdShift

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift

	entriesPerPage = 512

	// lowerTop is the highest translatable address.
	lowerTop = 0x00007fffffffffff
)

// Bits in page table entries.
const (
	present        = 0x001
	writable       = 0x002
	user           = 0x004
	accessed       = 0x020
	dirty          = 0x040
	super          = 0x080
	executeDisable = 1 << 63
	optionMask     = executeDisable | 0xfff

	// mapped is a software bit marking a populated leaf whose access type
	// grants nothing. Such entries translate but are not present.
	mapped = 0x200

	addrMask = 0x000ffffffffff000
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// User indicates the page is a user page.
	User bool

	// Huge indicates the mapping may use 2MiB entries where both the
	// virtual and physical addresses permit it.
	Huge bool
}

// String implements fmt.Stringer.
func (m MapOpts) String() string {
	s := m.AccessType.String()
	if m.User {
		s += " user"
	}
	if m.Huge {
		s += " huge"
	}
	return s
}

// PTE is a page table entry.
type PTE uint64

// Clear clears this PTE, including super page information.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is populated.
func (p *PTE) Valid() bool {
	return *p&(present|mapped) != 0
}

// Opts returns the PTE options.
//
// These are the leaf options; a table entry has no meaningful options.
func (p *PTE) Opts() MapOpts {
	v := *p
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&present != 0 && v&executeDisable == 0,
		},
		User: v&user != 0,
		Huge: v&super != 0,
	}
}

// SetSuper sets this page as a super page.
//
// This should be called before Set.
func (p *PTE) SetSuper() {
	if p.Valid() {
		*p |= super
	} else {
		*p = super
	}
}

// IsSuper returns true iff this page is a super page.
func (p *PTE) IsSuper() bool {
	return *p&super != 0
}

// Set sets this PTE value. The super bit is preserved.
//
// A write grant implies a read grant, as on the hardware.
func (p *PTE) Set(addr uintptr, opts MapOpts) {
	v := (uint64(addr) &^ optionMask) | mapped | accessed
	if opts.AccessType.Any() {
		v |= present
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.User {
		v |= user
	}
	if p.IsSuper() {
		v |= super
	}
	*p = PTE(v)
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. This is used explicitly for breaking super pages.
func (p *PTE) setPageTable(pt *PageTables, ptes *PTEs) {
	addr := pt.Allocator.PhysicalFor(ptes)
	if addr&^optionMask != addr {
		// This should never happen.
		panic(fmt.Sprintf("unaligned physical address: %v", addr))
	}
	*p = PTE(uint64(addr) | present | user | writable | accessed | dirty)
}

// Address extracts the address. This should only be used if Valid returns
// true.
func (p *PTE) Address() uintptr {
	return uintptr(*p & addrMask)
}

// PTEs is a collection of entries.
type PTEs [entriesPerPage]PTE
