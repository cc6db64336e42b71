//go:build windows

package storage

// No madvise or mincore on Windows. Claim full residency so hashing proceeds
// and faults pages in as it goes.

func adviseWindow(w *Window, advice Advice) error {
	return nil
}

func incoreLength(w *Window, off int64) int64 {
	return int64(w.Len()) - off
}

func syncWindow(w *Window, wait bool) error {
	return w.mm.Flush()
}

func FreeDiskSpace(path string) int64 {
	return -1
}
