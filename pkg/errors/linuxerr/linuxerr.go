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

// Package linuxerr contains syscall error codes exported as an error interface
// pointers. This allows for fast comparison and return operations comperable
// to unix.Errno constants.
package linuxerr

import (
	goerrors "errors"

	"github.com/andrewth/dune/pkg/errors"
	"golang.org/x/sys/unix"
)

// The following errors are semantically identical to Errno of type
// unix.Errno. However, since the types are distinct (these are
// *errors.Error), they are not directly comparable. The Errno method returns
// an Errno number such that the error can be compared to unix.Errno (e.g.
// EPERM.Errno() == unix.EPERM is true). Converting unix.Errno to the errors
// should be done via FromHost.
var (
	EPERM  = errors.New(unix.EPERM, "operation not permitted")
	EINTR  = errors.New(unix.EINTR, "interrupted system call")
	EBADF  = errors.New(unix.EBADF, "bad file number")
	EAGAIN = errors.New(unix.EAGAIN, "try again")
	ENOMEM = errors.New(unix.ENOMEM, "out of memory")
	EACCES = errors.New(unix.EACCES, "permission denied")
	EFAULT = errors.New(unix.EFAULT, "bad address")
	EEXIST = errors.New(unix.EEXIST, "file exists")
	ENODEV = errors.New(unix.ENODEV, "no such device")
	EINVAL = errors.New(unix.EINVAL, "invalid argument")
	ENOSYS = errors.New(unix.ENOSYS, "invalid system call number")
)

var errorTable = func() map[unix.Errno]*errors.Error {
	m := make(map[unix.Errno]*errors.Error)
	for _, e := range []*errors.Error{EPERM, EINTR, EBADF, EAGAIN, ENOMEM, EACCES, EFAULT, EEXIST, ENODEV, EINVAL, ENOSYS} {
		m[e.Errno()] = e
	}
	return m
}()

// FromHost translates a unix.Errno returned by the host into the matching
// *errors.Error. Errnos without a named sentinel are wrapped in a new
// *errors.Error carrying the host's message.
func FromHost(err unix.Errno) *errors.Error {
	if e, ok := errorTable[err]; ok {
		return e
	}
	return errors.New(err, err.Error())
}

// ErrnoOf extracts the errno carried by err, which may be an *errors.Error, a
// unix.Errno, or any error wrapping one of them. ok is false if err carries
// no errno.
func ErrnoOf(err error) (errno unix.Errno, ok bool) {
	if err == nil {
		return 0, false
	}
	var e *errors.Error
	if goerrors.As(err, &e) {
		return e.Errno(), true
	}
	if goerrors.As(err, &errno) {
		return errno, true
	}
	return 0, false
}

// Equals compares a linuxerr to a given error. It also matches errors that
// wrap e, and unix.Errno values with the same number.
func Equals(e *errors.Error, err error) bool {
	if e == nil || err == nil {
		return e == nil && err == nil
	}
	errno, ok := ErrnoOf(err)
	return ok && errno == e.Errno()
}
