package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Hard floor for the pool size, so a piece spanning several files can always
// hold all of them open at once.
const minFilePoolSize = 4

// FilePool is a bounded set of open files ordered by last touch. On overflow
// the least-recently-touched file without active mappings is closed. Safe for
// use from the network and disk threads.
type FilePool struct {
	mu    sync.Mutex
	max   int
	files map[string]*PoolFile
}

type PoolFile struct {
	pool *FilePool
	path string

	f           *os.File
	lastTouched time.Time
	mappings    int
}

func NewFilePool(maxSize int) *FilePool {
	if maxSize < minFilePoolSize {
		maxSize = minFilePoolSize
	}
	return &FilePool{
		max:   maxSize,
		files: make(map[string]*PoolFile),
	}
}

// Open returns the pooled file for path pinned for a mapping, opening and
// growing it to size on first use. The pin holds the file open until the
// caller's mapping is released with dropMapping.
func (me *FilePool) Open(path string, size int64) (*PoolFile, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if pf, ok := me.files[path]; ok {
		pf.lastTouched = time.Now()
		pf.mappings++
		return pf, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return nil, fmt.Errorf("making directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o666)
	if err != nil {
		return nil, err
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() < size {
		// Overmapping a short file faults on access.
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("growing %q: %w", path, err)
		}
	}
	pf := &PoolFile{
		pool:        me,
		path:        path,
		f:           f,
		lastTouched: time.Now(),
		mappings:    1,
	}
	me.files[path] = pf
	me.evictLocked()
	return pf, nil
}

// Len returns the number of open files.
func (me *FilePool) Len() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return len(me.files)
}

func (me *FilePool) evictLocked() {
	for len(me.files) > me.max {
		var victim *PoolFile
		for _, pf := range me.files {
			if pf.mappings > 0 {
				continue
			}
			if victim == nil || pf.lastTouched.Before(victim.lastTouched) {
				victim = pf
			}
		}
		if victim == nil {
			// Everything open is mapped. Overshoot until mappings release.
			return
		}
		victim.f.Close()
		delete(me.files, victim.path)
	}
}

// Close closes all unmapped files. Files with live mappings stay open and are
// closed as their mappings release.
func (me *FilePool) Close() (err error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for path, pf := range me.files {
		if pf.mappings > 0 {
			continue
		}
		if cerr := pf.f.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(me.files, path)
	}
	return
}

func (pf *PoolFile) File() *os.File {
	return pf.f
}

func (pf *PoolFile) Path() string {
	return pf.path
}

func (pf *PoolFile) dropMapping() {
	pf.pool.mu.Lock()
	defer pf.pool.mu.Unlock()
	pf.mappings--
	if pf.mappings < 0 {
		panic("file mapping count went negative")
	}
	pf.pool.evictLocked()
}
