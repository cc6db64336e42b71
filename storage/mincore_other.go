//go:build !linux && !windows

package storage

import "errors"

// No mincore wrapper here; the error makes incoreLength claim full residency
// so hashing proceeds and faults pages in.
func mincore(b, vec []byte) error {
	return errors.New("mincore not supported on this platform")
}
