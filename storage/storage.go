package storage

import (
	"fmt"
	"os"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/edsrzf/mmap-go"
)

type Prot int

const (
	ReadOnly Prot = iota
	ReadWrite
)

// One file of the torrent, in torrent order.
type FileSpec struct {
	Path string
	Size int64
}

// ChunkStorage maps piece indices to windowed views over the file set. Files
// are opened through the shared pool; each window is mmapped at its
// page-aligned file offset with byte-accurate trim at both ends.
type ChunkStorage struct {
	pool        *FilePool
	files       []FileSpec
	offsets     []int64 // start offset of each file within the torrent
	pieceLength int64
	totalLength int64
}

func NewChunkStorage(pool *FilePool, files []FileSpec, pieceLength int64) (*ChunkStorage, error) {
	if pieceLength <= 0 {
		return nil, fmt.Errorf("piece length %d", pieceLength)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files")
	}
	me := &ChunkStorage{
		pool:        pool,
		files:       files,
		offsets:     make([]int64, len(files)),
		pieceLength: pieceLength,
	}
	for i, f := range files {
		if f.Size < 0 {
			return nil, fmt.Errorf("file %q has negative size", f.Path)
		}
		me.offsets[i] = me.totalLength
		me.totalLength += f.Size
	}
	return me, nil
}

func (me *ChunkStorage) NumPieces() int {
	return int((me.totalLength + me.pieceLength - 1) / me.pieceLength)
}

func (me *ChunkStorage) TotalLength() int64 {
	return me.totalLength
}

// PieceLength returns the length of the given piece; the last piece may be
// short.
func (me *ChunkStorage) PieceLength(index int) int64 {
	begin := int64(index) * me.pieceLength
	if begin+me.pieceLength > me.totalLength {
		return me.totalLength - begin
	}
	return me.pieceLength
}

// Map mmaps the piece at index, one window per file it spans.
func (me *ChunkStorage) Map(index int, prot Prot) (c *Chunk, err error) {
	if index < 0 || index >= me.NumPieces() {
		return nil, fmt.Errorf("piece %d of %d", index, me.NumPieces())
	}
	begin := int64(index) * me.pieceLength
	end := begin + me.PieceLength(index)
	c = &Chunk{
		index:    index,
		length:   end - begin,
		writable: prot == ReadWrite,
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()
	for i, f := range me.files {
		fileBegin := me.offsets[i]
		fileEnd := fileBegin + f.Size
		if fileEnd <= begin || fileBegin >= end {
			continue
		}
		lo := max64(begin, fileBegin) - fileBegin
		hi := min64(end, fileEnd) - fileBegin
		w, werr := me.mapWindow(f, lo, hi-lo, prot)
		if werr != nil {
			return nil, fmt.Errorf("piece %d file %q: %w", index, f.Path, werr)
		}
		c.windows = append(c.windows, w)
	}
	return c, nil
}

func (me *ChunkStorage) mapWindow(f FileSpec, off, length int64, prot Prot) (w Window, err error) {
	pf, err := me.pool.Open(f.Path, f.Size)
	if err != nil {
		return
	}
	defer func() {
		if err != nil {
			pf.dropMapping()
		}
	}()
	pageSize := int64(os.Getpagesize())
	aligned := off &^ (pageSize - 1)
	padding := off - aligned
	mapLen := padding + length
	mmProt := mmap.RDONLY
	if prot == ReadWrite {
		mmProt = mmap.RDWR
	}
	mm, err := mmap.MapRegion(pf.File(), int(mapLen), mmProt, 0, aligned)
	if err != nil {
		return w, fmt.Errorf("mapping [%d,%d): %w", aligned, aligned+mapLen, err)
	}
	panicif.NotEq(int64(len(mm)), mapLen)
	return Window{
		file:       pf,
		mm:         mm,
		data:       mm[padding:][:length],
		fileOffset: off,
		padding:    int(padding),
	}, nil
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
