package storage

import (
	"fmt"
	"io"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/edsrzf/mmap-go"
)

type Advice int

const (
	AdviseNormal Advice = iota
	AdviseWillneed
	AdviseDontneed
	AdviseRandom
)

// A contiguous run of piece bytes backed by one memory-mapped file region.
// The mapping is page-aligned at the file offset; data is the byte-accurate
// slice within it.
type Window struct {
	file       *PoolFile
	mm         mmap.MMap
	data       []byte
	fileOffset int64 // offset of data[0] within the file
	padding    int   // offset of data[0] within mm
}

func (w *Window) Len() int {
	return len(w.data)
}

func (w *Window) Bytes() []byte {
	return w.data
}

func (w *Window) File() *PoolFile {
	return w.file
}

func (w *Window) FileOffset() int64 {
	return w.fileOffset
}

// A piece mapped into memory as one or more windows, one per file it spans.
type Chunk struct {
	index    int
	length   int64
	writable bool
	windows  []Window
}

func (me *Chunk) Index() int {
	return me.index
}

func (me *Chunk) Length() int64 {
	return me.length
}

func (me *Chunk) Writable() bool {
	return me.writable
}

func (me *Chunk) Windows() []Window {
	return me.windows
}

// At resolves a byte offset within the piece to a window and an offset within
// it.
func (me *Chunk) At(off int64) (wi int, windowOff int64) {
	panicif.True(off < 0 || off >= me.length)
	for i := range me.windows {
		n := int64(me.windows[i].Len())
		if off < n {
			return i, off
		}
		off -= n
	}
	panic("chunk windows shorter than chunk length")
}

func (me *Chunk) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off > me.length {
		return 0, fmt.Errorf("read at %d in %d byte chunk", off, me.length)
	}
	for _, w := range me.windows {
		wn := int64(w.Len())
		if off >= wn {
			off -= wn
			continue
		}
		c := copy(p[n:], w.data[off:])
		n += c
		off = 0
		if n == len(p) {
			return
		}
	}
	if n < len(p) {
		err = io.EOF
	}
	return
}

func (me *Chunk) WriteAt(p []byte, off int64) (n int, err error) {
	if !me.writable {
		return 0, fmt.Errorf("chunk %d not mapped writable", me.index)
	}
	if off < 0 || off+int64(len(p)) > me.length {
		return 0, fmt.Errorf("write [%d,%d) outside %d byte chunk", off, off+int64(len(p)), me.length)
	}
	for _, w := range me.windows {
		wn := int64(w.Len())
		if off >= wn {
			off -= wn
			continue
		}
		c := copy(w.data[off:], p[n:])
		n += c
		off = 0
		if n == len(p) {
			return
		}
	}
	panicif.NotEq(n, len(p))
	return
}

// Advise forwards madvise to every window.
func (me *Chunk) Advise(advice Advice) (err error) {
	for i := range me.windows {
		if e := adviseWindow(&me.windows[i], advice); e != nil && err == nil {
			err = e
		}
	}
	return
}

// IncoreLength returns the largest resident prefix from off, in bytes. Used
// to decide whether hashing can proceed without faulting.
func (me *Chunk) IncoreLength(off int64) (n int64) {
	for i := range me.windows {
		w := &me.windows[i]
		wn := int64(w.Len())
		if off >= wn {
			off -= wn
			continue
		}
		in := incoreLength(w, off)
		n += in
		if in < wn-off {
			return
		}
		off = 0
	}
	return
}

// Sync flushes dirty pages of every window, synchronously if wait is set.
func (me *Chunk) Sync(wait bool) (err error) {
	for i := range me.windows {
		if e := syncWindow(&me.windows[i], wait); e != nil && err == nil {
			err = e
		}
	}
	return
}

// Close unmaps all windows and releases their file pins. The chunk must not
// be used afterwards.
func (me *Chunk) Close() (err error) {
	for i := range me.windows {
		w := &me.windows[i]
		if w.mm != nil {
			if e := w.mm.Unmap(); e != nil && err == nil {
				err = e
			}
			w.mm = nil
			w.data = nil
		}
		if w.file != nil {
			w.file.dropMapping()
			w.file = nil
		}
	}
	me.windows = nil
	return
}
