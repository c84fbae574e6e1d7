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

// Package umm manages the address space of an untrusted guest running in a
// sandbox.
//
// A MemoryManager emulates brk, mmap, munmap and mprotect, and sets up guest
// stacks. Every change is applied twice: to the host mappings of the
// supervising process, which back guest memory, and to the guest's shadow
// page tables, which the isolated execution mode consults. A range is mapped
// in one view iff it is mapped in the other.
//
// Guest supplied addresses are checked against the layout before any state
// is touched. Addresses chosen by the MemoryManager come from two regions of
// the layout: the heap, which grows upward from Layout.Base, and the
// general region, which grows downward from Layout.Base+Layout.CeilingOffset.
// Ranges freed from the general region are not reused.
package umm

import (
	"fmt"
	"sync"
	"time"

	"github.com/andrewth/dune/pkg/cleanup"
	"github.com/andrewth/dune/pkg/errors/linuxerr"
	"github.com/andrewth/dune/pkg/hostarch"
	"github.com/andrewth/dune/pkg/hostmm"
	"github.com/andrewth/dune/pkg/log"
)

// escapeLogInterval bounds how often denied ranges are logged.
const escapeLogInterval = time.Second

// MemoryManager implements memory management for one sandbox instance.
type MemoryManager struct {
	// layout is immutable.
	layout Layout

	host       hostmm.Memory
	translator hostmm.Translator
	shadow     Shadow

	// escapeLog reports denied guest ranges.
	escapeLog log.Logger

	// mu serializes all operations. Every operation reads and updates both
	// counters, so there is no finer granularity.
	mu sync.Mutex

	// heapLen is the length of the heap, a multiple of the heap
	// granularity.
	//
	// heapLen is protected by mu.
	heapLen uint64

	// mappedLen is the number of bytes consumed from the top of the general
	// region. It never decreases.
	//
	// mappedLen is protected by mu.
	mappedLen uint64

	// brk is the last boundary accepted by Brk.
	//
	// brk is protected by mu.
	brk hostarch.Addr
}

// New returns a MemoryManager that places guest memory according to layout.
// host backs guest memory, translator yields the physical addresses of host
// memory, and shadow receives the mirrored translations.
func New(layout Layout, host hostmm.Memory, translator hostmm.Translator, shadow Shadow) (*MemoryManager, error) {
	if err := layout.Validate(); err != nil {
		return nil, fmt.Errorf("invalid layout: %w", err)
	}
	if host == nil || translator == nil || shadow == nil {
		return nil, fmt.Errorf("host, translator and shadow are required")
	}
	layout.Authorized = append([]hostarch.AddrRange(nil), layout.Authorized...)
	mm := &MemoryManager{
		layout:     layout,
		host:       host,
		translator: translator,
		shadow:     shadow,
		escapeLog:  log.BasicRateLimitedLogger(escapeLogInterval),
		brk:        layout.Base,
	}
	log.Debugf("New memory manager: region %v, limit %#x, huge pages %v, huge heap %v",
		layout.Region(), layout.RegionLimit, layout.HugePages, layout.HugeHeap)
	return mm, nil
}

// Layout returns the layout of mm.
func (mm *MemoryManager) Layout() Layout {
	l := mm.layout
	l.Authorized = append([]hostarch.AddrRange(nil), l.Authorized...)
	return l
}

// Usage is a snapshot of the allocator state.
type Usage struct {
	// Brk is the current heap boundary.
	Brk hostarch.Addr

	// HeapLen is the length of the heap.
	HeapLen uint64

	// MappedLen is the number of bytes consumed from the general region.
	MappedLen uint64

	// Top is the current top of the general region.
	Top hostarch.Addr
}

// Usage returns a snapshot of the allocator state.
func (mm *MemoryManager) Usage() Usage {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	return Usage{
		Brk:       mm.brk,
		HeapLen:   mm.heapLen,
		MappedLen: mm.mappedLen,
		Top:       mm.topLocked(),
	}
}

// topLocked returns the current top of the general region.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) topLocked() hostarch.Addr {
	return mm.layout.Base + hostarch.Addr(mm.layout.CeilingOffset-mm.mappedLen)
}

// spaceLeft returns true if a heap of heapLen bytes and a general region of
// mappedLen bytes fit within the region limit.
func (mm *MemoryManager) spaceLeft(heapLen, mappedLen uint64) bool {
	total := heapLen + mappedLen
	return total >= heapLen && total < mm.layout.RegionLimit
}

// reservedLocked returns true if ar overlaps room the heap or the general
// region may still grow into. Placing a hint there would make later heap
// growth or allocator placements collide with it.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) reservedLocked(ar hostarch.AddrRange) bool {
	limit := hostarch.Addr(mm.layout.RegionLimit)
	heap := hostarch.AddrRange{Start: mm.layout.Base, End: mm.layout.Base + limit}
	general := hostarch.AddrRange{Start: mm.layout.Region().End - limit, End: mm.topLocked()}
	return ar.Overlaps(heap) || ar.Overlaps(general)
}

// checkRange returns the range [addr, addr+length) if the guest may
// reference all of it, and a PermissionDenied error otherwise. It must be
// called before any state is changed on behalf of a guest supplied address.
func (mm *MemoryManager) checkRange(op string, addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	ar, ok := addr.ToRange(length)
	if !ok || !mm.layout.Authorizes(ar) {
		deniedEscapesMetric.Increment()
		mm.escapeLog.Warningf("%s: denied guest range %v+%#x outside authorized memory", op, addr, length)
		return hostarch.AddrRange{}, errorf(op, PermissionDenied, ar)
	}
	return ar, nil
}

// backing describes what a new mapping is backed by.
type backing struct {
	anonymous bool
	fd        int
	offset    uint64
}

var anonymous = backing{anonymous: true, fd: -1}

// establishLocked maps ar on the host and mirrors it into the shadow page
// tables. On failure neither view maps ar: the host mapping is removed again
// and so are the shadow translations installed so far.
//
// Preconditions: mm.mu is locked. ar is page aligned, and huge page aligned
// if opts.Huge.
func (mm *MemoryManager) establishLocked(op string, ar hostarch.AddrRange, at hostarch.AccessType, b backing, opts hostmm.MapOpts) error {
	var err error
	if b.anonymous {
		err = mm.host.MapAnonymous(ar, at, opts)
	} else {
		err = mm.host.MapFile(ar, at, b.fd, b.offset, opts)
	}
	if err != nil {
		return &Error{Op: op, Kind: HostMappingFailed, Range: ar, Err: err}
	}

	cu := cleanup.Make(func() {
		rollbacksMetric.Increment()
		log.Warningf("%s: rolling back host mapping of %v", op, ar)
		if err := mm.host.Unmap(ar); err != nil {
			log.Warningf("%s: failed to remove host mapping of %v: %v", op, ar, err)
		}
		if err := mm.shadow.Unmap(ar); err != nil {
			log.Warningf("%s: failed to remove shadow translations of %v: %v", op, ar, err)
		}
	})
	defer cu.Clean()

	perm := PermFromAccess(at, opts.Huge)
	for addr := ar.Start; addr < ar.End; {
		physical, length, ok := mm.translator.TranslateToPhysical(addr)
		end := addr + hostarch.Addr(length)
		if end > ar.End || end < addr {
			end = ar.End
		}
		end = end.RoundDown()
		if !ok || end <= addr {
			return &Error{Op: op, Kind: ShadowMappingFailed, Range: ar, Err: linuxerr.EFAULT}
		}
		chunk := hostarch.AddrRange{Start: addr, End: end}
		if err := mm.shadow.Map(chunk, physical, perm); err != nil {
			return &Error{Op: op, Kind: ShadowMappingFailed, Range: ar, Err: err}
		}
		addr = end
	}

	cu.Release()
	log.Debugf("%s: mapped %v %v", op, ar, perm)
	return nil
}

// unmapLocked removes ar from both views.
//
// Preconditions: mm.mu is locked.
func (mm *MemoryManager) unmapLocked(op string, ar hostarch.AddrRange) error {
	if err := mm.host.Unmap(ar); err != nil {
		return &Error{Op: op, Kind: HostMappingFailed, Range: ar, Err: err}
	}
	return mm.unmapShadowLocked(op, ar)
}

// unmapShadowLocked removes ar from the shadow page tables only.
//
// Preconditions: mm.mu is locked. ar is already unmapped on the host.
func (mm *MemoryManager) unmapShadowLocked(op string, ar hostarch.AddrRange) error {
	if err := mm.shadow.Unmap(ar); err != nil {
		log.Warningf("%s: host unmapped %v but shadow unmap failed: %v", op, ar, err)
		return &Error{Op: op, Kind: ShadowMappingFailed, Range: ar, Err: err}
	}
	return nil
}
