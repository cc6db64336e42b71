package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChunkList(t *testing.T, numChunks int, chunkSize int64) (*ChunkList, *ChunkStorage) {
	dir := t.TempDir()
	cs := testStorage(t, []FileSpec{
		{filepath.Join(dir, "data"), int64(numChunks) * chunkSize},
	}, chunkSize)
	cl := NewChunkList(numChunks, chunkSize, ChunkListOpts{
		CreateChunk: cs.Map,
	})
	t.Cleanup(func() { cl.Close() })
	return cl, cs
}

func TestChunkListPinRelease(t *testing.T) {
	cl, _ := testChunkList(t, 4, 16<<10)

	h, err := cl.Get(0, GetWritable)
	require.NoError(t, err)
	require.NotNil(t, h.Chunk())
	assert.Equal(t, nodePinned, h.node.state)
	assert.Equal(t, 1, h.node.refCount)

	// Second pin shares the mapping.
	h2, err := cl.Get(0, 0)
	require.NoError(t, err)
	assert.Same(t, h.Chunk(), h2.Chunk())
	assert.Equal(t, 2, h.node.refCount)

	cl.Release(h2, 0)
	cl.Release(h, ReleaseSync)
	assert.Equal(t, 0, h.node.refCount)
	assert.True(t, h.node.dirty)
	assert.Equal(t, nodeQueued, h.node.state)
	assert.Equal(t, 1, cl.QueueSize())
}

func TestChunkListDoubleReleasePanics(t *testing.T) {
	cl, _ := testChunkList(t, 1, 16<<10)
	h, err := cl.Get(0, 0)
	require.NoError(t, err)
	cl.Release(h, 0)
	assert.Panics(t, func() { cl.Release(h, 0) })
}

func TestSyncChunks(t *testing.T) {
	cl, _ := testChunkList(t, 4, 16<<10)

	for _, i := range []int{0, 2, 3} {
		h, err := cl.Get(i, GetWritable)
		require.NoError(t, err)
		_, err = h.Chunk().WriteAt(make([]byte, 16<<10), 0)
		require.NoError(t, err)
		cl.Release(h, ReleaseSync)
	}
	require.Equal(t, 3, cl.QueueSize())

	failed := cl.SyncChunks(SyncAll | SyncForce)
	assert.Equal(t, 0, failed)
	assert.Equal(t, 0, cl.QueueSize())
	for i := range cl.nodes {
		assert.False(t, cl.nodes[i].dirty, "chunk %d", i)
		assert.Equal(t, nodeInactive, cl.nodes[i].state)
	}
}

func TestSyncSkipsPinned(t *testing.T) {
	cl, _ := testChunkList(t, 2, 16<<10)

	h, err := cl.Get(0, GetWritable)
	require.NoError(t, err)
	cl.MarkWritten(h)
	// Queue it by cycling a second writable pin.
	h2, err := cl.Get(0, GetWritable)
	require.NoError(t, err)
	cl.Release(h2, ReleaseSync)
	require.Equal(t, 0, cl.QueueSize(), "still pinned, not queueable")

	cl.Release(h, ReleaseSync)
	require.Equal(t, 1, cl.QueueSize())
	assert.Equal(t, 0, cl.SyncChunks(SyncAll|SyncForce))
}

func TestSyncUseTimeoutSkipsFresh(t *testing.T) {
	cl, _ := testChunkList(t, 2, 16<<10)
	h, err := cl.Get(1, GetWritable)
	require.NoError(t, err)
	cl.Release(h, ReleaseSync)

	// Freshly released, a timeout-driven pass leaves it queued.
	cl.SyncChunks(SyncUseTimeout)
	assert.Equal(t, 1, cl.QueueSize())

	cl.SyncChunks(SyncAll | SyncForce)
	assert.Equal(t, 0, cl.QueueSize())
}

func TestLowDiskRejectsWritablePin(t *testing.T) {
	dir := t.TempDir()
	cs := testStorage(t, []FileSpec{
		{filepath.Join(dir, "data"), 2 * 16 << 10},
	}, 16<<10)
	free := int64(1 << 10)
	cl := NewChunkList(2, 16<<10, ChunkListOpts{
		CreateChunk:   cs.Map,
		FreeDiskspace: func() int64 { return free },
	})
	t.Cleanup(func() { cl.Close() })

	_, err := cl.Get(0, GetWritable|GetDontLog)
	require.Error(t, err)

	// Read-only pins don't care, and unknown free space passes.
	h, err := cl.Get(0, 0)
	require.NoError(t, err)
	cl.Release(h, 0)
	free = -1
	h, err = cl.Get(1, GetWritable)
	require.NoError(t, err)
	cl.Release(h, 0)
}

func TestResizeRejectedWhilePinned(t *testing.T) {
	cl, _ := testChunkList(t, 4, 16<<10)
	h, err := cl.Get(3, 0)
	require.NoError(t, err)
	assert.Error(t, cl.Resize(2))
	cl.Release(h, 0)
	assert.NoError(t, cl.Resize(2))
	assert.Equal(t, 2, cl.NumChunks())
	assert.NoError(t, cl.Resize(4))
	assert.Equal(t, 4, cl.NumChunks())
}

func TestPartitionOptimizeSkipsDistant(t *testing.T) {
	cl := &ChunkList{chunkSize: 16 << 10}
	nodes := []*ChunkNode{{index: 600}, {index: 0}, {index: 1}, {index: 2}}
	got := cl.partitionOptimize(nodes, 8<<20, false)
	var idx []int
	for _, n := range got {
		idx = append(idx, n.index)
	}
	// Sorted and the far-away node dropped from the run.
	assert.Equal(t, []int{0, 1, 2}, idx)

	got = cl.partitionOptimize(nodes, 8<<20, true)
	assert.Len(t, got, 4, "dontSkip keeps everything")
}
