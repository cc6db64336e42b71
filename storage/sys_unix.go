//go:build !windows

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

func adviseWindow(w *Window, advice Advice) error {
	var a int
	switch advice {
	case AdviseWillneed:
		a = unix.MADV_WILLNEED
	case AdviseDontneed:
		a = unix.MADV_DONTNEED
	case AdviseRandom:
		a = unix.MADV_RANDOM
	default:
		a = unix.MADV_NORMAL
	}
	return unix.Madvise(w.mm, a)
}

// incoreLength reports how many bytes from off within the window's data are
// backed by resident pages.
func incoreLength(w *Window, off int64) int64 {
	pageSize := int64(os.Getpagesize())
	vec := make([]byte, (int64(len(w.mm))+pageSize-1)/pageSize)
	if mincore(w.mm, vec) != nil {
		// Can't tell; claim residency so hashing proceeds and faults pages in.
		return int64(w.Len()) - off
	}
	// Page index of the first byte we care about, within the mapping.
	first := (int64(w.padding) + off) / pageSize
	resident := int64(0)
	for i := first; i < int64(len(vec)); i++ {
		if vec[i]&1 == 0 {
			break
		}
		resident += pageSize
	}
	if resident == 0 {
		return 0
	}
	// Trim the lead-in to the probe offset and the tail past the data.
	resident -= (int64(w.padding) + off) - first*pageSize
	if rem := int64(w.Len()) - off; resident > rem {
		resident = rem
	}
	return resident
}

func syncWindow(w *Window, wait bool) error {
	flags := unix.MS_ASYNC
	if wait {
		flags = unix.MS_SYNC
	}
	return unix.Msync(w.mm, flags)
}

// FreeDiskSpace reports the bytes available on the volume holding path, or
// -1 if that cannot be determined.
func FreeDiskSpace(path string) int64 {
	var st unix.Statfs_t
	if unix.Statfs(path, &st) != nil {
		return -1
	}
	return int64(st.Bavail) * int64(st.Bsize)
}
