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
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sys/unix"

	"github.com/andrewth/dune/pkg/errors/linuxerr"
	"github.com/andrewth/dune/pkg/hostarch"
)

func TestMMapOptsFromSyscall(t *testing.T) {
	for _, tc := range []struct {
		name  string
		addr  uintptr
		prot  int
		flags int
		fd    int
		want  MMapOpts
	}{
		{
			name:  "anonymous private",
			prot:  unix.PROT_READ | unix.PROT_WRITE,
			flags: unix.MAP_PRIVATE | unix.MAP_ANONYMOUS,
			fd:    -1,
			want:  MMapOpts{Length: 4096, Perms: hostarch.ReadWrite, Anonymous: true, FD: -1},
		},
		{
			name:  "fixed replaces",
			addr:  0x10000,
			prot:  unix.PROT_READ,
			flags: unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED,
			fd:    -1,
			want:  MMapOpts{Addr: 0x10000, Length: 4096, Perms: hostarch.Read, Fixed: true, Unmap: true, Anonymous: true, FD: -1},
		},
		{
			name:  "fixed noreplace",
			addr:  0x10000,
			prot:  unix.PROT_READ,
			flags: unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_FIXED_NOREPLACE,
			fd:    -1,
			want:  MMapOpts{Addr: 0x10000, Length: 4096, Perms: hostarch.Read, Fixed: true, Anonymous: true, FD: -1},
		},
		{
			name:  "shared file",
			prot:  unix.PROT_READ | unix.PROT_EXEC,
			flags: unix.MAP_SHARED,
			fd:    3,
			want:  MMapOpts{Length: 4096, Perms: hostarch.AccessType{Read: true, Execute: true}, FD: 3, Shared: true},
		},
		{
			name:  "hugetlb",
			prot:  unix.PROT_READ,
			flags: unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_HUGETLB,
			fd:    -1,
			want:  MMapOpts{Length: 4096, Perms: hostarch.Read, Anonymous: true, FD: -1, Huge: true},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MMapOptsFromSyscall(tc.addr, 4096, tc.prot, tc.flags, tc.fd, 0)
			if err != nil {
				t.Fatalf("MMapOptsFromSyscall failed: %v", err)
			}
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("opts mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestMMapOptsFromSyscallInvalid(t *testing.T) {
	for _, tc := range []struct {
		name  string
		prot  int
		flags int
	}{
		{"neither shared nor private", unix.PROT_READ, unix.MAP_ANONYMOUS},
		{"both shared and private", unix.PROT_READ, unix.MAP_ANONYMOUS | unix.MAP_SHARED | unix.MAP_PRIVATE},
		{"unknown prot", unix.PROT_READ | unix.PROT_GROWSDOWN, unix.MAP_ANONYMOUS | unix.MAP_PRIVATE},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := MMapOptsFromSyscall(0, 4096, tc.prot, tc.flags, -1, 0)
			if !linuxerr.Equals(linuxerr.EINVAL, err) {
				t.Errorf("got %v, want EINVAL", err)
			}
		})
	}
}

func TestSyscallReturn(t *testing.T) {
	if got := SyscallReturn(0x1000, nil); got != 0x1000 {
		t.Errorf("SyscallReturn(0x1000, nil) = %#x", got)
	}
	err := errorf(opMMap, PermissionDenied, hostarch.AddrRange{})
	if got, want := SyscallReturn(0, err), errnoRet(unix.EACCES); got != want {
		t.Errorf("SyscallReturn(EACCES) = %#x, want %#x", got, want)
	}
	if got, want := SyscallReturn(0, linuxerr.EEXIST), errnoRet(unix.EEXIST); got != want {
		t.Errorf("SyscallReturn(EEXIST) = %#x, want %#x", got, want)
	}
}

func errnoRet(errno unix.Errno) uintptr {
	return uintptr(-int(errno))
}

func TestSyscallDispatch(t *testing.T) {
	h := newHarness(t, smallLayout())
	mm := h.mm

	if ret, ok := mm.Syscall(unix.SYS_BRK, [6]uintptr{0}); !ok || ret != uintptr(testBase) {
		t.Errorf("brk(0) = (%#x, %v), want (%#x, true)", ret, ok, testBase)
	}
	if ret, _ := mm.Syscall(unix.SYS_BRK, [6]uintptr{uintptr(testBase) - 1}); ret != errnoRet(unix.EINVAL) {
		t.Errorf("brk(base-1) = %#x, want -EINVAL", ret)
	}
	if ret, _ := mm.Syscall(unix.SYS_BRK, [6]uintptr{uintptr(testBase) + 2*hostarch.PageSize}); ret != uintptr(testBase)+2*hostarch.PageSize {
		t.Errorf("brk(base+8192) = %#x", ret)
	}

	minusOne := ^uintptr(0)
	mmapArgs := [6]uintptr{0, 8192, unix.PROT_READ | unix.PROT_WRITE, unix.MAP_PRIVATE | unix.MAP_ANONYMOUS, minusOne, 0}
	addr, ok := mm.Syscall(unix.SYS_MMAP, mmapArgs)
	if !ok || addr != uintptr(testBase)+4*mib-8192 {
		t.Fatalf("mmap = (%#x, %v), want (%#x, true)", addr, ok, uintptr(testBase)+4*mib-8192)
	}
	if p, ok := h.host.Lookup(hostarch.Addr(addr)); !ok || p.FD != -1 {
		t.Errorf("fd register decoded as %d, want -1", p.FD)
	}

	if ret, _ := mm.Syscall(unix.SYS_MPROTECT, [6]uintptr{addr, 4096, unix.PROT_READ}); ret != 0 {
		t.Errorf("mprotect = %#x, want 0", ret)
	}
	if ret, _ := mm.Syscall(unix.SYS_MPROTECT, [6]uintptr{0x1000, 4096, unix.PROT_READ}); ret != errnoRet(unix.EACCES) {
		t.Errorf("mprotect outside = %#x, want -EACCES", ret)
	}
	if ret, _ := mm.Syscall(unix.SYS_MPROTECT, [6]uintptr{addr, 4096, unix.PROT_GROWSDOWN}); ret != errnoRet(unix.EINVAL) {
		t.Errorf("mprotect with bad prot = %#x, want -EINVAL", ret)
	}
	if ret, _ := mm.Syscall(unix.SYS_MUNMAP, [6]uintptr{addr, 8192}); ret != 0 {
		t.Errorf("munmap = %#x, want 0", ret)
	}
	if ret, _ := mm.Syscall(unix.SYS_MUNMAP, [6]uintptr{0x1000, 4096}); ret != errnoRet(unix.EACCES) {
		t.Errorf("munmap outside = %#x, want -EACCES", ret)
	}
	if ret, _ := mm.Syscall(unix.SYS_MMAP, [6]uintptr{0, 4096, unix.PROT_READ, unix.MAP_ANONYMOUS, minusOne, 0}); ret != errnoRet(unix.EINVAL) {
		t.Errorf("mmap without sharing mode = %#x, want -EINVAL", ret)
	}

	if _, ok := mm.Syscall(unix.SYS_READ, [6]uintptr{}); ok {
		t.Errorf("read handled by memory manager")
	}

	top := mm.SysAllocStack()
	if top <= uintptr(testBase) || top > uintptr(testBase)+4*mib || !hostarch.Addr(top).IsPageAligned() {
		t.Errorf("SysAllocStack() = %#x", top)
	}
	h.checkRegion(t)
}
