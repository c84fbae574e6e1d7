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
	"github.com/andrewth/dune/pkg/hostmm"
	"github.com/andrewth/dune/pkg/log"
)

// MMapOpts describes a single mmap request.
type MMapOpts struct {
	// Addr is the requested address. Zero lets the MemoryManager choose.
	Addr hostarch.Addr

	// Length is the length of the mapping. It is rounded up to the page
	// size.
	Length uint64

	// Perms is the access applied to the mapping.
	Perms hostarch.AccessType

	// Fixed requires the mapping to be placed exactly at Addr. Without
	// Fixed a non-zero Addr is only a hint.
	Fixed bool

	// Unmap permits a Fixed mapping to replace existing mappings. If Unmap
	// is true, Fixed must be true.
	Unmap bool

	// Anonymous selects zero-filled memory. Otherwise the mapping is backed
	// by FD at Offset.
	Anonymous bool

	// FD is the backing file of a file-backed mapping.
	FD int

	// Offset is the file offset of a file-backed mapping. It must be page
	// aligned.
	Offset uint64

	// Shared selects a shared rather than private mapping.
	Shared bool

	// Huge requests huge page backing for an anonymous mapping placed by
	// the MemoryManager, regardless of its length.
	Huge bool
}

// Brk implements the semantics of Linux's brk(2). A zero addr reports the
// current boundary.
func (mm *MemoryManager) Brk(addr hostarch.Addr) (hostarch.Addr, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	ret, err := mm.brkLocked(addr)
	record(opBrk, err)
	return ret, err
}

// Preconditions: mm.mu is locked.
func (mm *MemoryManager) brkLocked(addr hostarch.Addr) (hostarch.Addr, error) {
	if addr == 0 {
		return mm.brk, nil
	}
	if addr < mm.layout.Base {
		return 0, errorf(opBrk, InvalidArgument, hostarch.AddrRange{})
	}

	granularity := mm.layout.PageSize
	if mm.layout.HugeHeap {
		granularity = mm.layout.HugePageSize
	}
	newLen, ok := hostarch.RoundUpTo(uint64(addr-mm.layout.Base), granularity)
	if !ok || !mm.spaceLeft(newLen, mm.mappedLen) {
		return 0, errorf(opBrk, OutOfAddressSpace, hostarch.AddrRange{})
	}

	base := mm.layout.Base
	switch {
	case newLen > mm.heapLen:
		ar := hostarch.AddrRange{Start: base + hostarch.Addr(mm.heapLen), End: base + hostarch.Addr(newLen)}
		log.Debugf("brk: growing heap by %v", ar)
		if err := mm.establishLocked(opBrk, ar, hostarch.ReadWrite, anonymous, hostmm.MapOpts{Huge: mm.layout.HugeHeap}); err != nil {
			return 0, err
		}
	case newLen < mm.heapLen:
		ar := hostarch.AddrRange{Start: base + hostarch.Addr(newLen), End: base + hostarch.Addr(mm.heapLen)}
		log.Debugf("brk: shrinking heap by %v", ar)
		if err := mm.unmapLocked(opBrk, ar); err != nil {
			return 0, err
		}
	}
	mm.heapLen = newLen
	mm.brk = addr
	return addr, nil
}

// MMap establishes a memory mapping and returns its address.
func (mm *MemoryManager) MMap(opts MMapOpts) (hostarch.Addr, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	addr, err := mm.mmapLocked(opts)
	record(opMMap, err)
	return addr, err
}

// Preconditions: mm.mu is locked.
func (mm *MemoryManager) mmapLocked(opts MMapOpts) (hostarch.Addr, error) {
	if opts.Length == 0 || (opts.Unmap && !opts.Fixed) {
		return 0, errorf(opMMap, InvalidArgument, hostarch.AddrRange{})
	}
	b := anonymous
	if !opts.Anonymous {
		if opts.FD < 0 || opts.Offset%mm.layout.PageSize != 0 {
			return 0, errorf(opMMap, InvalidArgument, hostarch.AddrRange{})
		}
		b = backing{fd: opts.FD, offset: opts.Offset}
	}
	length, ok := hostarch.RoundUpTo(opts.Length, mm.layout.PageSize)
	if !ok {
		return 0, errorf(opMMap, OutOfAddressSpace, hostarch.AddrRange{})
	}
	hostOpts := hostmm.MapOpts{Shared: opts.Shared}

	if opts.Fixed {
		if !opts.Addr.IsAlignedTo(mm.layout.PageSize) {
			return 0, errorf(opMMap, InvalidArgument, hostarch.AddrRange{})
		}
		ar, err := mm.checkRange(opMMap, opts.Addr, length)
		if err != nil {
			return 0, err
		}
		hostOpts.Replace = opts.Unmap
		if err := mm.establishLocked(opMMap, ar, opts.Perms, b, hostOpts); err != nil {
			return 0, err
		}
		return ar.Start, nil
	}

	if opts.Addr != 0 {
		hint := opts.Addr.RoundDownTo(mm.layout.PageSize)
		if ar, ok := hint.ToRange(length); ok && mm.layout.Authorizes(ar) && !mm.reservedLocked(ar) {
			err := mm.establishLocked(opMMap, ar, opts.Perms, b, hostOpts)
			if err == nil {
				return ar.Start, nil
			}
			if e, ok := err.(*Error); !ok || e.Kind != HostMappingFailed || !linuxerr.Equals(linuxerr.EEXIST, e.Err) {
				return 0, err
			}
			log.Debugf("mmap: hint %v is occupied", ar)
		}
	}

	if mm.layout.HugePages && opts.Anonymous && (length >= mm.layout.HugePageSize || opts.Huge) {
		return mm.mapHugeLocked(opts, length, hostOpts)
	}

	if !mm.spaceLeft(mm.heapLen, mm.mappedLen+length) || mm.mappedLen+length < length {
		return 0, errorf(opMMap, OutOfAddressSpace, hostarch.AddrRange{})
	}
	top := mm.topLocked()
	ar := hostarch.AddrRange{Start: top - hostarch.Addr(length), End: top}
	if err := mm.establishLocked(opMMap, ar, opts.Perms, b, hostOpts); err != nil {
		return 0, err
	}
	mm.mappedLen += length
	return ar.Start, nil
}

// mapHugeLocked places an anonymous mapping in the huge page zone: below the
// current top of the general region, with the top itself rounded down to
// the huge page size so the mapping is huge page aligned.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) mapHugeLocked(opts MMapOpts, length uint64, hostOpts hostmm.MapOpts) (hostarch.Addr, error) {
	hugeLen, ok := hostarch.RoundUpTo(length, mm.layout.HugePageSize)
	top := mm.topLocked()
	fullLen := hugeLen + hostarch.OffsetIn(uint64(top), mm.layout.HugePageSize)
	if !ok || fullLen < hugeLen || mm.mappedLen+fullLen < fullLen || !mm.spaceLeft(mm.heapLen, mm.mappedLen+fullLen) {
		return 0, errorf(opMMap, OutOfAddressSpace, hostarch.AddrRange{})
	}
	start := top - hostarch.Addr(fullLen)
	ar := hostarch.AddrRange{Start: start, End: start + hostarch.Addr(hugeLen)}
	log.Debugf("mmap: huge page mapping of %#x bytes at %v", length, ar)
	hostOpts.Huge = true
	if err := mm.establishLocked(opMMap, ar, opts.Perms, anonymous, hostOpts); err != nil {
		return 0, err
	}
	mm.mappedLen += fullLen
	hugeMappingsMetric.Increment()
	return ar.Start, nil
}

// MUnmap implements the semantics of Linux's munmap(2).
//
// If the host refuses to unmap the exact range, which happens when it
// splits a huge page, the unmap is retried with the length rounded up to
// the huge page size, provided the guest may reference the larger range.
// The general region does not reclaim unmapped ranges.
func (mm *MemoryManager) MUnmap(addr hostarch.Addr, length uint64) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	err := mm.munmapLocked(addr, length)
	record(opMUnmap, err)
	return err
}

// Preconditions: mm.mu is locked.
func (mm *MemoryManager) munmapLocked(addr hostarch.Addr, length uint64) error {
	if length == 0 || !addr.IsAlignedTo(mm.layout.PageSize) {
		return errorf(opMUnmap, InvalidArgument, hostarch.AddrRange{})
	}
	rlength, ok := hostarch.RoundUpTo(length, mm.layout.PageSize)
	if !ok {
		return errorf(opMUnmap, InvalidArgument, hostarch.AddrRange{})
	}
	ar, err := mm.checkRange(opMUnmap, addr, rlength)
	if err != nil {
		return err
	}

	if err := mm.host.Unmap(ar); err != nil {
		hugeLen, ok := hostarch.RoundUpTo(length, mm.layout.HugePageSize)
		huge, ok2 := addr.ToRange(hugeLen)
		if !ok || !ok2 || hugeLen == rlength || !mm.layout.Authorizes(huge) {
			return &Error{Op: opMUnmap, Kind: HostMappingFailed, Range: ar, Err: err}
		}
		hugeRetriesMetric.Increment()
		log.Warningf("munmap: host refused %v (%v), retrying as huge range %v", ar, err, huge)
		if err := mm.host.Unmap(huge); err != nil {
			return &Error{Op: opMUnmap, Kind: HostMappingFailed, Range: huge, Err: err}
		}
		ar = huge
	}
	return mm.unmapShadowLocked(opMUnmap, ar)
}

// MProtect implements the semantics of Linux's mprotect(2).
//
// The host mapping is changed first. If the shadow page tables cannot
// follow, the two views are irreconcilable and MProtect panics with an
// *InconsistencyError.
func (mm *MemoryManager) MProtect(addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	err := mm.mprotectLocked(addr, length, perms)
	record(opMProtect, err)
	return err
}

// Preconditions: mm.mu is locked.
func (mm *MemoryManager) mprotectLocked(addr hostarch.Addr, length uint64, perms hostarch.AccessType) error {
	if !addr.IsAlignedTo(mm.layout.PageSize) {
		return errorf(opMProtect, InvalidArgument, hostarch.AddrRange{})
	}
	rlength, ok := hostarch.RoundUpTo(length, mm.layout.PageSize)
	if !ok {
		return errorf(opMProtect, OutOfAddressSpace, hostarch.AddrRange{})
	}
	// An empty range is still checked: addr must lie in authorized memory.
	ar, err := mm.checkRange(opMProtect, addr, rlength)
	if err != nil {
		return err
	}
	if ar.Length() == 0 {
		return nil
	}

	if err := mm.host.Protect(ar, perms); err != nil {
		return &Error{Op: opMProtect, Kind: HostMappingFailed, Range: ar, Err: err}
	}
	if err := mm.shadow.Protect(ar, PermFromAccess(perms, false)); err != nil {
		log.Warningf("mprotect: shadow page tables diverged from host over %v: %v", ar, err)
		panic(&InconsistencyError{Op: opMProtect, Range: ar, Err: err})
	}
	return nil
}

// AllocStack reserves a stack of Layout.StackSize bytes directly below the
// top of the general region and returns the top of the stack, the exclusive
// end of its mapped part. The lowest page of the reservation is left
// unmapped as a guard page.
func (mm *MemoryManager) AllocStack() (hostarch.Addr, error) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	top, err := mm.allocStackLocked()
	record(opStack, err)
	return top, err
}

// Preconditions: mm.mu is locked.
func (mm *MemoryManager) allocStackLocked() (hostarch.Addr, error) {
	size := mm.layout.StackSize
	if mm.mappedLen+size < size || !mm.spaceLeft(mm.heapLen, mm.mappedLen+size) {
		return 0, errorf(opStack, OutOfAddressSpace, hostarch.AddrRange{})
	}
	top := mm.topLocked()
	ar := hostarch.AddrRange{Start: top - hostarch.Addr(size-mm.layout.PageSize), End: top}
	if err := mm.establishLocked(opStack, ar, hostarch.ReadWrite, anonymous, hostmm.MapOpts{}); err != nil {
		return 0, err
	}
	mm.mappedLen += size
	log.Debugf("stack: %v with guard page at %v", ar, ar.Start-hostarch.Addr(mm.layout.PageSize))
	return top, nil
}
