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
	"github.com/andrewth/dune/pkg/hostarch"
	"github.com/andrewth/dune/pkg/ring0/pagetables"
)

// Perm is the permission encoding of shadow page table entries.
type Perm uint8

// Permission bits.
const (
	// PermR grants reads.
	PermR Perm = 1 << iota

	// PermW grants writes.
	PermW

	// PermX grants instruction fetches.
	PermX

	// PermU marks the page as accessible from guest user mode.
	PermU

	// PermBig requests a huge page backed entry.
	PermBig
)

// PermFromAccess translates a requested access type into shadow permissions.
// Guest memory is never supervisor-only, so PermU is always set.
func PermFromAccess(at hostarch.AccessType, huge bool) Perm {
	p := PermU
	if at.Read {
		p |= PermR
	}
	if at.Write {
		p |= PermW
	}
	if at.Execute {
		p |= PermX
	}
	if huge {
		p |= PermBig
	}
	return p
}

// PermFromProt is PermFromAccess for raw PROT_* bits.
func PermFromProt(prot int, huge bool) Perm {
	return PermFromAccess(hostarch.AccessTypeFromProt(prot), huge)
}

// AccessType returns the access granted by p.
func (p Perm) AccessType() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    p&PermR != 0,
		Write:   p&PermW != 0,
		Execute: p&PermX != 0,
	}
}

// MapOpts returns the page table options for p.
func (p Perm) MapOpts() pagetables.MapOpts {
	return pagetables.MapOpts{
		AccessType: p.AccessType(),
		User:       p&PermU != 0,
		Huge:       p&PermBig != 0,
	}
}

// String implements fmt.Stringer.
func (p Perm) String() string {
	b := []byte("----")
	if p&PermR != 0 {
		b[0] = 'r'
	}
	if p&PermW != 0 {
		b[1] = 'w'
	}
	if p&PermX != 0 {
		b[2] = 'x'
	}
	if p&PermU != 0 {
		b[3] = 'u'
	}
	if p&PermBig != 0 {
		b = append(b, 'B')
	}
	return string(b)
}
