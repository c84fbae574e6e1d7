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

//go:build linux
// +build linux

package hostmm

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/sys/unix"

	"github.com/andrewth/dune/pkg/errors/linuxerr"
	"github.com/andrewth/dune/pkg/hostarch"
	"github.com/andrewth/dune/pkg/log"
)

// Host performs operations on the memory of the calling process.
type Host struct {
	// HugeTLB backs huge mappings with MAP_HUGETLB. Otherwise huge mappings
	// are regular mappings advised with MADV_HUGEPAGE.
	HugeTLB bool

	// Retries is the number of times an EAGAIN or EINTR from the host is
	// retried. Zero selects a small default.
	Retries uint64

	// RetryDelay is the delay between retries. Zero selects a small
	// default.
	RetryDelay time.Duration
}

var _ Memory = (*Host)(nil)

// retry runs fn until it succeeds, fails permanently or the retry budget is
// spent. Only EAGAIN and EINTR are retried.
func (h *Host) retry(fn func() unix.Errno) error {
	retries, delay := h.Retries, h.RetryDelay
	if retries == 0 {
		retries = defaultRetries
	}
	if delay == 0 {
		delay = defaultRetryDelay
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(delay), retries)
	return backoff.Retry(func() error {
		errno := fn()
		switch errno {
		case 0:
			return nil
		case unix.EAGAIN, unix.EINTR:
			return linuxerr.FromHost(errno)
		default:
			return backoff.Permanent(linuxerr.FromHost(errno))
		}
	}, b)
}

func (h *Host) mmap(ar hostarch.AddrRange, at hostarch.AccessType, flags int, fd int, offset uint64, opts MapOpts) error {
	if !ar.WellFormed() || ar.Empty() || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}
	if opts.Huge && !ar.IsAlignedTo(hostarch.HugePageSize) {
		return linuxerr.EINVAL
	}
	if opts.Shared {
		flags |= unix.MAP_SHARED
	} else {
		flags |= unix.MAP_PRIVATE
	}
	if opts.Replace {
		flags |= unix.MAP_FIXED
	} else {
		flags |= unix.MAP_FIXED_NOREPLACE
	}
	if opts.Huge && h.HugeTLB {
		flags |= unix.MAP_HUGETLB
	}

	var got uintptr
	err := h.retry(func() unix.Errno {
		addr, _, errno := unix.Syscall6(
			unix.SYS_MMAP,
			uintptr(ar.Start),
			uintptr(ar.Length()),
			uintptr(at.Prot()),
			uintptr(flags),
			uintptr(fd),
			uintptr(offset))
		got = addr
		return errno
	})
	if err != nil {
		return err
	}
	if got != uintptr(ar.Start) {
		// Kernels predating MAP_FIXED_NOREPLACE treat the address as a
		// hint. Undo the misplaced mapping.
		if _, _, errno := unix.Syscall(unix.SYS_MUNMAP, got, uintptr(ar.Length()), 0); errno != 0 {
			panic(fmt.Sprintf("failed to unmap misplaced mapping at %#x: %v", got, errno))
		}
		return linuxerr.EEXIST
	}
	if opts.Huge && !h.HugeTLB {
		if _, _, errno := unix.Syscall(unix.SYS_MADVISE, uintptr(ar.Start), uintptr(ar.Length()), unix.MADV_HUGEPAGE); errno != 0 {
			log.Debugf("MADV_HUGEPAGE on %v failed: %v", ar, errno)
		}
	}
	return nil
}

// MapAnonymous implements Memory.MapAnonymous.
func (h *Host) MapAnonymous(ar hostarch.AddrRange, at hostarch.AccessType, opts MapOpts) error {
	return h.mmap(ar, at, unix.MAP_ANONYMOUS, -1, 0, opts)
}

// MapFile implements Memory.MapFile.
func (h *Host) MapFile(ar hostarch.AddrRange, at hostarch.AccessType, fd int, offset uint64, opts MapOpts) error {
	if fd < 0 || offset&(hostarch.PageSize-1) != 0 {
		return linuxerr.EINVAL
	}
	return h.mmap(ar, at, 0, fd, offset, opts)
}

// Unmap implements Memory.Unmap.
func (h *Host) Unmap(ar hostarch.AddrRange) error {
	if !ar.WellFormed() || ar.Empty() || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}
	return h.retry(func() unix.Errno {
		_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(ar.Start), uintptr(ar.Length()), 0)
		return errno
	})
}

// Protect implements Memory.Protect.
func (h *Host) Protect(ar hostarch.AddrRange, at hostarch.AccessType) error {
	if !ar.WellFormed() || ar.Empty() || !ar.IsPageAligned() {
		return linuxerr.EINVAL
	}
	return h.retry(func() unix.Errno {
		_, _, errno := unix.Syscall(unix.SYS_MPROTECT, uintptr(ar.Start), uintptr(ar.Length()), uintptr(at.Prot()))
		return errno
	})
}
