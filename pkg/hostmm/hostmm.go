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

// Package hostmm provides tools for interacting with the host Linux kernel's
// virtual memory management subsystem on behalf of a sandbox.
//
// Every operation places memory at an exact address. The caller decides
// where memory goes; the host only backs it.
package hostmm

import (
	"time"

	"github.com/andrewth/dune/pkg/hostarch"
)

// MapOpts are options for host mappings.
type MapOpts struct {
	// Huge requests 2MiB pages for the mapping. The range must be huge page
	// aligned.
	Huge bool

	// Replace permits the mapping to replace existing host mappings in the
	// range. Without it, a mapping over an occupied range fails with
	// EEXIST.
	Replace bool

	// Shared maps the memory MAP_SHARED rather than MAP_PRIVATE.
	Shared bool
}

// Memory is the set of host operations performed on behalf of a sandbox.
type Memory interface {
	// MapAnonymous maps zero-filled memory at exactly ar.
	MapAnonymous(ar hostarch.AddrRange, at hostarch.AccessType, opts MapOpts) error

	// MapFile maps the file referred to by fd, starting at offset, at
	// exactly ar.
	MapFile(ar hostarch.AddrRange, at hostarch.AccessType, fd int, offset uint64, opts MapOpts) error

	// Unmap removes host mappings in ar. Unmapping an unpopulated range
	// succeeds.
	Unmap(ar hostarch.AddrRange) error

	// Protect changes the access of existing host mappings in ar.
	Protect(ar hostarch.AddrRange, at hostarch.AccessType) error
}

// Translator turns addresses of host mappings into the physical addresses
// installed in shadow page tables.
type Translator interface {
	// TranslateToPhysical returns the physical address for addr and the
	// length of the physically contiguous run starting there. ok is false
	// if addr has no translation.
	TranslateToPhysical(addr hostarch.Addr) (physical, length uintptr, ok bool)
}

// OffsetTranslator translates by adding a constant offset, which is how
// guest physical memory relates to host virtual memory when the sandbox
// identity-maps its memory region.
type OffsetTranslator struct {
	// Offset is added to every address.
	Offset uintptr

	// Limit is the first address without a translation. Zero means no
	// limit.
	Limit hostarch.Addr
}

// TranslateToPhysical implements Translator.TranslateToPhysical.
func (o OffsetTranslator) TranslateToPhysical(addr hostarch.Addr) (physical, length uintptr, ok bool) {
	limit := o.Limit
	if limit == 0 {
		limit = hostarch.Addr(^uintptr(0) &^ (hostarch.PageSize - 1))
	}
	if addr >= limit {
		return 0, 0, false
	}
	return uintptr(addr) + o.Offset, uintptr(limit - addr), true
}

// Retry policy for transient host failures.
const (
	defaultRetries    = 3
	defaultRetryDelay = time.Millisecond
)
