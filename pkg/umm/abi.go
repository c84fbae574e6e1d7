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
	"golang.org/x/sys/unix"

	"github.com/andrewth/dune/pkg/hostarch"
)

// protMask is the set of PROT_* bits the guest may request.
const protMask = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

// MMapOptsFromSyscall decodes the arguments of mmap(2).
func MMapOptsFromSyscall(addr, length uintptr, prot, flags, fd int, offset uint64) (MMapOpts, error) {
	if prot&^protMask != 0 {
		return MMapOpts{}, errorf(opMMap, InvalidArgument, hostarch.AddrRange{})
	}
	private := flags&unix.MAP_PRIVATE != 0
	shared := flags&unix.MAP_SHARED != 0

	// Require exactly one of MAP_PRIVATE and MAP_SHARED.
	if private == shared {
		return MMapOpts{}, errorf(opMMap, InvalidArgument, hostarch.AddrRange{})
	}

	noReplace := flags&unix.MAP_FIXED_NOREPLACE != 0
	fixed := flags&unix.MAP_FIXED != 0 || noReplace
	return MMapOpts{
		Addr:      hostarch.Addr(addr),
		Length:    uint64(length),
		Perms:     hostarch.AccessTypeFromProt(prot),
		Fixed:     fixed,
		Unmap:     fixed && !noReplace,
		Anonymous: flags&unix.MAP_ANONYMOUS != 0,
		FD:        fd,
		Offset:    offset,
		Shared:    shared,
		Huge:      flags&unix.MAP_HUGETLB != 0,
	}, nil
}

// SysBrk is brk(2) under the syscall ABI.
func (mm *MemoryManager) SysBrk(addr uintptr) uintptr {
	ret, err := mm.Brk(hostarch.Addr(addr))
	return SyscallReturn(uintptr(ret), err)
}

// SysMmap is mmap(2) under the syscall ABI.
func (mm *MemoryManager) SysMmap(addr, length uintptr, prot, flags, fd int, offset uint64) uintptr {
	opts, err := MMapOptsFromSyscall(addr, length, prot, flags, fd, offset)
	if err != nil {
		record(opMMap, err)
		return SyscallReturn(0, err)
	}
	ret, err := mm.MMap(opts)
	return SyscallReturn(uintptr(ret), err)
}

// SysMunmap is munmap(2) under the syscall ABI.
func (mm *MemoryManager) SysMunmap(addr, length uintptr) uintptr {
	return SyscallReturn(0, mm.MUnmap(hostarch.Addr(addr), uint64(length)))
}

// SysMprotect is mprotect(2) under the syscall ABI.
func (mm *MemoryManager) SysMprotect(addr, length uintptr, prot int) uintptr {
	if prot&^protMask != 0 {
		err := errorf(opMProtect, InvalidArgument, hostarch.AddrRange{})
		record(opMProtect, err)
		return SyscallReturn(0, err)
	}
	return SyscallReturn(0, mm.MProtect(hostarch.Addr(addr), uint64(length), hostarch.AccessTypeFromProt(prot)))
}

// SysAllocStack allocates a guest stack and returns its top, or a negated
// errno.
func (mm *MemoryManager) SysAllocStack() uintptr {
	top, err := mm.AllocStack()
	return SyscallReturn(uintptr(top), err)
}

// Syscall handles the memory management system calls of the guest. args are
// the raw argument registers. handled is false for other system calls.
func (mm *MemoryManager) Syscall(sysno uintptr, args [6]uintptr) (ret uintptr, handled bool) {
	switch sysno {
	case unix.SYS_BRK:
		return mm.SysBrk(args[0]), true
	case unix.SYS_MMAP:
		return mm.SysMmap(args[0], args[1], int(int32(args[2])), int(int32(args[3])), int(int32(args[4])), uint64(args[5])), true
	case unix.SYS_MUNMAP:
		return mm.SysMunmap(args[0], args[1]), true
	case unix.SYS_MPROTECT:
		return mm.SysMprotect(args[0], args[1], int(int32(args[2]))), true
	default:
		return 0, false
	}
}
