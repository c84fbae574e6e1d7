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
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/andrewth/dune/pkg/errors/linuxerr"
	"github.com/andrewth/dune/pkg/hostarch"
)

// Kind classifies a failed memory operation.
type Kind int

// Error kinds.
const (
	// OutOfAddressSpace means the request would exhaust the region limit.
	OutOfAddressSpace Kind = iota + 1

	// InvalidArgument means the request was malformed.
	InvalidArgument

	// PermissionDenied means a guest supplied range lies outside memory the
	// guest may reference.
	PermissionDenied

	// HostMappingFailed means the host refused a map, unmap or protect.
	HostMappingFailed

	// ShadowMappingFailed means the shadow page tables could not be
	// updated after the host was.
	ShadowMappingFailed
)

var kindNames = map[Kind]string{
	OutOfAddressSpace:   "out of address space",
	InvalidArgument:     "invalid argument",
	PermissionDenied:    "permission denied",
	HostMappingFailed:   "host mapping failed",
	ShadowMappingFailed: "shadow mapping failed",
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// metricName is the field value used for k in failure metrics.
func (k Kind) metricName() string {
	switch k {
	case OutOfAddressSpace:
		return "no_space"
	case InvalidArgument:
		return "invalid"
	case PermissionDenied:
		return "denied"
	case HostMappingFailed:
		return "host"
	case ShadowMappingFailed:
		return "shadow"
	default:
		return "unknown"
	}
}

// Error is returned by every failed MemoryManager operation.
type Error struct {
	// Op is the failed operation, e.g. "mmap".
	Op string

	// Kind classifies the failure.
	Kind Kind

	// Range is the affected range, if one was computed.
	Range hostarch.AddrRange

	// Err is the underlying errno error.
	Err error
}

// Error implements error.Error.
func (e *Error) Error() string {
	if e.Range.Empty() {
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %v: %v: %v", e.Op, e.Range, e.Kind, e.Err)
}

// Unwrap returns the underlying errno error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Errno returns the errno reported to the guest for e.
func (e *Error) Errno() unix.Errno {
	if errno, ok := linuxerr.ErrnoOf(e.Err); ok {
		return errno
	}
	switch e.Kind {
	case InvalidArgument:
		return unix.EINVAL
	case PermissionDenied:
		return unix.EACCES
	default:
		return unix.ENOMEM
	}
}

// errorf builds an *Error whose underlying error is the sentinel for kind.
func errorf(op string, kind Kind, ar hostarch.AddrRange) *Error {
	var err error
	switch kind {
	case InvalidArgument:
		err = linuxerr.EINVAL
	case PermissionDenied:
		err = linuxerr.EACCES
	default:
		err = linuxerr.ENOMEM
	}
	return &Error{Op: op, Kind: kind, Range: ar, Err: err}
}

// InconsistencyError is the panic value raised when the host and shadow views
// of guest memory can no longer be reconciled. The sandbox instance must not
// continue after it.
type InconsistencyError struct {
	// Op is the operation that desynchronized the views.
	Op string

	// Range is the affected range.
	Range hostarch.AddrRange

	// Err is the shadow page table error.
	Err error
}

// Error implements error.Error.
func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("%s %v: host changed but shadow update failed: %v", e.Op, e.Range, e.Err)
}

// Errno returns the errno to report for err under the syscall ABI.
func Errno(err error) unix.Errno {
	if e, ok := err.(interface{ Errno() unix.Errno }); ok {
		return e.Errno()
	}
	if errno, ok := linuxerr.ErrnoOf(err); ok {
		return errno
	}
	return unix.EINVAL
}

// SyscallReturn converts a result into the syscall ABI: val on success and a
// negated errno on failure.
func SyscallReturn(val uintptr, err error) uintptr {
	if err == nil {
		return val
	}
	return uintptr(-int(Errno(err)))
}
