//go:build linux

package storage

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mincore fills vec with per-page residency for b via the raw syscall;
// golang.org/x/sys/unix exports only the SYS_MINCORE number, not a wrapper.
func mincore(b, vec []byte) error {
	if len(b) == 0 {
		return nil
	}
	_, _, errno := unix.Syscall(
		unix.SYS_MINCORE,
		uintptr(unsafe.Pointer(&b[0])),
		uintptr(len(b)),
		uintptr(unsafe.Pointer(&vec[0])),
	)
	if errno != 0 {
		return errno
	}
	return nil
}
