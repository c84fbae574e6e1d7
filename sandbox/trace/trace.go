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

// Package trace defines the format of guest memory system call traces
// replayed by the sandbox tool.
//
// A trace is a YAML (or JSON) document:
//
//	ops:
//	- op: mmap
//	  length: 0x2000
//	  prot: rw
//	  flags: [private, anonymous]
//	  expect: ok
//	- op: munmap
//	  addr: 0x1000
//	  length: 0x1000
//	  expect: EACCES
package trace

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"
)

// Operation names.
const (
	OpBrk      = "brk"
	OpMMap     = "mmap"
	OpMUnmap   = "munmap"
	OpMProtect = "mprotect"
	OpStack    = "stack"
)

// ExpectOK matches any successful result.
const ExpectOK = "ok"

// maxErrno is the largest errno encoded in a syscall return value.
const maxErrno = 4095

var mapFlags = map[string]int{
	"private":         unix.MAP_PRIVATE,
	"shared":          unix.MAP_SHARED,
	"anonymous":       unix.MAP_ANONYMOUS,
	"fixed":           unix.MAP_FIXED,
	"fixed_noreplace": unix.MAP_FIXED_NOREPLACE,
	"hugetlb":         unix.MAP_HUGETLB,
}

// Trace is a sequence of guest operations.
type Trace struct {
	Ops []Op `yaml:"ops"`
}

// Op is a single guest operation.
type Op struct {
	// Op is one of brk, mmap, munmap, mprotect and stack.
	Op string `yaml:"op"`

	Addr   uint64 `yaml:"addr,omitempty"`
	Length uint64 `yaml:"length,omitempty"`

	// Prot is a combination of r, w and x. Empty or "none" is PROT_NONE.
	Prot string `yaml:"prot,omitempty"`

	// Flags are mmap flags by name: private, shared, anonymous, fixed,
	// fixed_noreplace and hugetlb.
	Flags []string `yaml:"flags,omitempty"`

	// FD is the mmap file descriptor. It defaults to -1.
	FD *int `yaml:"fd,omitempty"`

	Offset uint64 `yaml:"offset,omitempty"`

	// Expect is "ok", an errno name such as EACCES, or empty for no check.
	Expect string `yaml:"expect,omitempty"`
}

// Load reads the trace at path.
func Load(path string) (*Trace, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("trace %q: %w", path, err)
	}
	return t, nil
}

// Parse decodes and validates a trace.
func Parse(r io.Reader) (*Trace, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var t Trace
	if err := dec.Decode(&t); err != nil && err != io.EOF {
		return nil, err
	}
	for i := range t.Ops {
		if err := t.Ops[i].Validate(); err != nil {
			return nil, fmt.Errorf("op %d: %w", i, err)
		}
	}
	return &t, nil
}

// Validate checks that o is well formed.
func (o *Op) Validate() error {
	switch o.Op {
	case OpBrk, OpMMap, OpMUnmap, OpMProtect, OpStack:
	default:
		return fmt.Errorf("unknown op %q", o.Op)
	}
	if _, err := o.ProtBits(); err != nil {
		return err
	}
	if _, err := o.FlagBits(); err != nil {
		return err
	}
	if o.Expect != "" && o.Expect != ExpectOK && unix.ErrnoValue(o.Expect) == 0 {
		return fmt.Errorf("unknown errno %q", o.Expect)
	}
	return nil
}

// ProtBits returns the PROT_* bits of o.
func (o *Op) ProtBits() (int, error) {
	if o.Prot == "" || o.Prot == "none" {
		return unix.PROT_NONE, nil
	}
	prot := 0
	for _, c := range o.Prot {
		switch c {
		case 'r':
			prot |= unix.PROT_READ
		case 'w':
			prot |= unix.PROT_WRITE
		case 'x':
			prot |= unix.PROT_EXEC
		case '-':
		default:
			return 0, fmt.Errorf("invalid protection %q", o.Prot)
		}
	}
	return prot, nil
}

// FlagBits returns the MAP_* bits of o.
func (o *Op) FlagBits() (int, error) {
	flags := 0
	for _, name := range o.Flags {
		f, ok := mapFlags[strings.ToLower(name)]
		if !ok {
			return 0, fmt.Errorf("unknown mmap flag %q", name)
		}
		flags |= f
	}
	return flags, nil
}

// Syscall returns the system call number and argument registers of o. ok is
// false for operations that are not system calls.
func (o *Op) Syscall() (sysno uintptr, args [6]uintptr, ok bool) {
	prot, _ := o.ProtBits()
	flags, _ := o.FlagBits()
	fd := -1
	if o.FD != nil {
		fd = *o.FD
	}
	switch o.Op {
	case OpBrk:
		return unix.SYS_BRK, [6]uintptr{uintptr(o.Addr)}, true
	case OpMMap:
		return unix.SYS_MMAP, [6]uintptr{uintptr(o.Addr), uintptr(o.Length), uintptr(prot), uintptr(flags), uintptr(fd), uintptr(o.Offset)}, true
	case OpMUnmap:
		return unix.SYS_MUNMAP, [6]uintptr{uintptr(o.Addr), uintptr(o.Length)}, true
	case OpMProtect:
		return unix.SYS_MPROTECT, [6]uintptr{uintptr(o.Addr), uintptr(o.Length), uintptr(prot)}, true
	default:
		return 0, [6]uintptr{}, false
	}
}

// Errno returns the errno encoded in a system call return value, or 0 for
// a successful result.
func Errno(ret uintptr) unix.Errno {
	if ret > ^uintptr(maxErrno) {
		return unix.Errno(-int(ret))
	}
	return 0
}

// FormatResult formats a system call return value.
func FormatResult(ret uintptr) string {
	if errno := Errno(ret); errno != 0 {
		return fmt.Sprintf("-%s", unix.ErrnoName(errno))
	}
	return fmt.Sprintf("%#x", ret)
}

// Check returns an error if ret does not satisfy o.Expect.
func (o *Op) Check(ret uintptr) error {
	errno := Errno(ret)
	switch o.Expect {
	case "":
		return nil
	case ExpectOK:
		if errno != 0 {
			return fmt.Errorf("%s: got %s, want success", o.Op, FormatResult(ret))
		}
	default:
		if want := unix.ErrnoValue(o.Expect); errno != want {
			return fmt.Errorf("%s: got %s, want -%s", o.Op, FormatResult(ret), o.Expect)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (o Op) String() string {
	switch o.Op {
	case OpBrk:
		return fmt.Sprintf("brk(%#x)", o.Addr)
	case OpMMap:
		fd := -1
		if o.FD != nil {
			fd = *o.FD
		}
		return fmt.Sprintf("mmap(%#x, %#x, %q, %v, %d, %#x)", o.Addr, o.Length, o.Prot, o.Flags, fd, o.Offset)
	case OpMUnmap:
		return fmt.Sprintf("munmap(%#x, %#x)", o.Addr, o.Length)
	case OpMProtect:
		return fmt.Sprintf("mprotect(%#x, %#x, %q)", o.Addr, o.Length, o.Prot)
	default:
		return o.Op + "()"
	}
}
