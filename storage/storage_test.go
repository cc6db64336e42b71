package storage

import (
	"bytes"
	"crypto/rand"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStorage(t *testing.T, files []FileSpec, pieceLength int64) *ChunkStorage {
	pool := NewFilePool(8)
	t.Cleanup(func() { pool.Close() })
	cs, err := NewChunkStorage(pool, files, pieceLength)
	require.NoError(t, err)
	return cs
}

func TestChunkSpansFileBoundary(t *testing.T) {
	dir := t.TempDir()
	cs := testStorage(t, []FileSpec{
		{filepath.Join(dir, "a"), 10 << 10},
		{filepath.Join(dir, "b"), 10 << 10},
	}, 16<<10)
	require.Equal(t, 2, cs.NumPieces())
	assert.EqualValues(t, 16<<10, cs.PieceLength(0))
	assert.EqualValues(t, 4<<10, cs.PieceLength(1))

	c, err := cs.Map(0, ReadWrite)
	require.NoError(t, err)
	defer c.Close()
	require.Len(t, c.Windows(), 2)
	assert.Equal(t, 10<<10, c.Windows()[0].Len())
	assert.Equal(t, 6<<10, c.Windows()[1].Len())
	assert.EqualValues(t, 0, c.Windows()[0].FileOffset())
	assert.EqualValues(t, 0, c.Windows()[1].FileOffset())

	wi, off := c.At(10<<10 + 5)
	assert.Equal(t, 1, wi)
	assert.EqualValues(t, 5, off)
}

func TestChunkReadWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cs := testStorage(t, []FileSpec{
		{filepath.Join(dir, "a"), 10 << 10},
		{filepath.Join(dir, "b"), 10 << 10},
	}, 16<<10)

	data := make([]byte, 16<<10)
	rand.Read(data)

	c, err := cs.Map(0, ReadWrite)
	require.NoError(t, err)
	n, err := c.WriteAt(data, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	require.NoError(t, c.Sync(true))
	require.NoError(t, c.Close())

	// Concatenation of window bytes equals the file bytes in range.
	c, err = cs.Map(0, ReadOnly)
	require.NoError(t, err)
	defer c.Close()
	var got []byte
	for _, w := range c.Windows() {
		got = append(got, w.Bytes()...)
	}
	assert.True(t, bytes.Equal(data, got))

	back := make([]byte, len(data))
	n, err = c.ReadAt(back, 0)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	assert.True(t, bytes.Equal(data, back))

	_, err = c.WriteAt([]byte{0}, 0)
	assert.Error(t, err, "write through read-only mapping")
}

func TestLastPieceShort(t *testing.T) {
	dir := t.TempDir()
	cs := testStorage(t, []FileSpec{
		{filepath.Join(dir, "a"), 20 << 10},
	}, 16<<10)
	c, err := cs.Map(1, ReadWrite)
	require.NoError(t, err)
	defer c.Close()
	assert.EqualValues(t, 4<<10, c.Length())
	_, err = c.WriteAt(make([]byte, 5<<10), 0)
	assert.Error(t, err, "write past the short last piece")
}

func TestIncoreAfterTouch(t *testing.T) {
	dir := t.TempDir()
	cs := testStorage(t, []FileSpec{{filepath.Join(dir, "a"), 64 << 10}}, 64<<10)
	c, err := cs.Map(0, ReadWrite)
	require.NoError(t, err)
	defer c.Close()
	_, err = c.WriteAt(make([]byte, 64<<10), 0)
	require.NoError(t, err)
	// Just written, so the pages are resident.
	assert.EqualValues(t, 64<<10, c.IncoreLength(0))
	assert.EqualValues(t, 64<<10-5, c.IncoreLength(5))
}

func TestFilePoolEviction(t *testing.T) {
	dir := t.TempDir()
	pool := NewFilePool(4)
	defer pool.Close()
	var pinned *PoolFile
	for i := 0; i < 8; i++ {
		pf, err := pool.Open(filepath.Join(dir, string(rune('a'+i))), 1<<10)
		require.NoError(t, err)
		if i == 0 {
			pinned = pf
		} else {
			pf.dropMapping()
		}
	}
	// Bounded despite 8 opens, and the mapped file survived eviction.
	assert.LessOrEqual(t, pool.Len(), 4)
	pool.mu.Lock()
	_, stillOpen := pool.files[pinned.Path()]
	pool.mu.Unlock()
	assert.True(t, stillOpen)
	pinned.dropMapping()
}

func TestFilePoolFloor(t *testing.T) {
	pool := NewFilePool(1)
	defer pool.Close()
	assert.Equal(t, minFilePoolSize, pool.max)
}
