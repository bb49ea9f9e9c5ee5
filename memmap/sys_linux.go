// Copyright The DexRT Authors
// SPDX-License-Identifier: Apache-2.0

package memmap // import "github.com/dexvm/dexrt/memmap"

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mmap wraps the raw syscall: the unix package's Mmap helper hides the
// address hint, which the placement logic needs.
func mmap(addr, length uintptr, prot, flags, fd int, offset int64) (uintptr, error) {
	r, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, length,
		uintptr(prot), uintptr(flags), uintptr(fd), uintptr(offset))
	if errno != 0 {
		return 0, errno
	}
	return r, nil
}

func munmap(addr, length uintptr) error {
	_, _, errno := unix.Syscall(unix.SYS_MUNMAP, addr, length, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// pageIsMapped probes one page with msync: ENOMEM answers "unmapped".
// Flags stay zero so the probe never schedules a writeback.
func pageIsMapped(addr uintptr) bool {
	_, _, errno := unix.Syscall(unix.SYS_MSYNC,
		PageAlignDown(addr), pageSize, 0)
	return errno != unix.ENOMEM
}

func unsafeSlice(addr uintptr, length int) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), length)
}
