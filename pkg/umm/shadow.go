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
	"github.com/andrewth/dune/pkg/errors/linuxerr"
	"github.com/andrewth/dune/pkg/hostarch"
	"github.com/andrewth/dune/pkg/ring0/pagetables"
)

// Shadow is the guest's shadow page table, the translation structure the
// isolated execution mode consults.
type Shadow interface {
	// Map installs translations of ar to the physically contiguous memory
	// starting at physical, replacing any existing translations.
	Map(ar hostarch.AddrRange, physical uintptr, perm Perm) error

	// Unmap removes translations in ar.
	Unmap(ar hostarch.AddrRange) error

	// Protect changes the permissions of every translation in ar. All of ar
	// must be translated.
	Protect(ar hostarch.AddrRange, perm Perm) error
}

// PageTablesShadow is a Shadow backed by page tables.
type PageTablesShadow struct {
	// PageTables is the guest root. It is owned by the caller.
	PageTables *pagetables.PageTables
}

var _ Shadow = PageTablesShadow{}

// NewPageTablesShadow returns a Shadow over fresh page tables.
func NewPageTablesShadow() PageTablesShadow {
	return PageTablesShadow{PageTables: pagetables.New(pagetables.NewRuntimeAllocator())}
}

// Map implements Shadow.Map.
func (s PageTablesShadow) Map(ar hostarch.AddrRange, physical uintptr, perm Perm) error {
	_, err := s.PageTables.Map(ar.Start, uintptr(ar.Length()), perm.MapOpts(), physical)
	return err
}

// Unmap implements Shadow.Unmap.
func (s PageTablesShadow) Unmap(ar hostarch.AddrRange) error {
	_, err := s.PageTables.Unmap(ar.Start, uintptr(ar.Length()))
	return err
}

// Protect implements Shadow.Protect.
func (s PageTablesShadow) Protect(ar hostarch.AddrRange, perm Perm) error {
	covered, err := s.PageTables.Protect(ar.Start, uintptr(ar.Length()), perm.MapOpts())
	if err != nil {
		return err
	}
	if uint64(covered) != ar.Length() {
		return linuxerr.EFAULT
	}
	return nil
}
