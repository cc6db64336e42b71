package delegator

import (
	"testing"

	"github.com/RoaringBitmap/roaring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A scripted piece-selection oracle.
type oracle struct {
	high, normal []uint32
}

func (me *oracle) find(have *roaring.Bitmap, high bool) (uint32, bool) {
	q := &me.normal
	if high {
		q = &me.high
	}
	for i, index := range *q {
		if have.Contains(index) {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return index, true
		}
	}
	return 0, false
}

func newTestDelegator(o *oracle) *Delegator {
	return New(Opts{
		FindPiece:   o.find,
		PieceLength: func(index uint32) uint32 { return 64 << 10 },
		BlockSize:   16 << 10,
	})
}

func haveAll(n uint32) *roaring.Bitmap {
	bm := roaring.New()
	bm.AddRange(0, uint64(n))
	return bm
}

func TestDelegateOpensNormalPiece(t *testing.T) {
	d := newTestDelegator(&oracle{normal: []uint32{3}})
	tr := d.Delegate("a", haveAll(8), false, -1)
	require.NotNil(t, tr)
	assert.Equal(t, 3, tr.Block().List().Index())
	assert.Equal(t, 0, tr.Block().Index())
	assert.Equal(t, PriorityNormal, tr.Block().List().Priority())
	assert.Equal(t, 4, tr.Block().List().NumBlocks())
}

func TestAffinityWins(t *testing.T) {
	d := newTestDelegator(&oracle{normal: []uint32{3, 5}})
	tr := d.Delegate("a", haveAll(8), false, -1)
	require.NotNil(t, tr)

	// Second peer with affinity to piece 3 stays on it rather than opening 5.
	tr2 := d.Delegate("b", haveAll(8), false, 3)
	require.NotNil(t, tr2)
	assert.Equal(t, 3, tr2.Block().List().Index())
	assert.Equal(t, 1, tr2.Block().Index(), "next unrequested block")
}

func TestHighPriorityBeforeNormal(t *testing.T) {
	d := newTestDelegator(&oracle{high: []uint32{7}, normal: []uint32{1}})
	tr := d.Delegate("a", haveAll(8), false, -1)
	require.NotNil(t, tr)
	assert.Equal(t, 7, tr.Block().List().Index())
	assert.Equal(t, PriorityHigh, tr.Block().List().Priority())
}

func TestSeederFastPath(t *testing.T) {
	d := newTestDelegator(&oracle{normal: []uint32{1, 2}})
	trSeeder := d.Delegate("s", haveAll(8), true, -1)
	require.NotNil(t, trSeeder)
	assert.True(t, trSeeder.Block().List().BySeeder())

	// Another seeder continues the seeder-originated piece.
	trSeeder2 := d.Delegate("s2", haveAll(8), true, -1)
	require.NotNil(t, trSeeder2)
	assert.Equal(t, trSeeder.Block().List(), trSeeder2.Block().List())
}

func TestDelegatePieceSkipsActiveBlocks(t *testing.T) {
	d := newTestDelegator(&oracle{normal: []uint32{0}})
	have := haveAll(1)

	a := d.Delegate("a", have, false, -1)
	b := d.Delegate("b", have, false, 0)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.NotEqual(t, a.Block().Index(), b.Block().Index())

	// Fill the remaining blocks, then stall a. Its block becomes the only
	// delegatable one again, but never back to a itself.
	require.NotNil(t, d.Delegate("c", have, false, 0))
	require.NotNil(t, d.Delegate("d", have, false, 0))
	d.Stall(a)
	assert.Nil(t, d.Delegate("a", have, false, 0))
	e := d.Delegate("e", have, false, 0)
	require.NotNil(t, e)
	assert.Equal(t, a.Block().Index(), e.Block().Index())
}

func TestAggressiveDuplication(t *testing.T) {
	d := newTestDelegator(&oracle{normal: []uint32{0}})
	have := haveAll(1)

	// Four peers take the piece's four blocks.
	for _, p := range []PeerKey{"a", "b", "c", "d"} {
		require.NotNil(t, d.Delegate(p, have, false, -1))
	}
	// Without aggressive mode, nothing left.
	assert.Nil(t, d.Delegate("e", have, false, -1))

	d.SetAggressive(true)
	tr := d.Delegate("e", have, false, -1)
	require.NotNil(t, tr)
	assert.Equal(t, 2, tr.Block().SizeAll(), "duplicated the least-overlapped block")
}

func TestCompleteCommitsSingleWriter(t *testing.T) {
	d := newTestDelegator(&oracle{normal: []uint32{0}})
	have := haveAll(1)

	a := d.Delegate("a", have, false, -1)
	d.SetAggressive(true)
	for _, p := range []PeerKey{"b", "c", "d"} {
		require.NotNil(t, d.Delegate(p, have, false, -1))
	}
	// Duplicate a's block.
	dup := d.Delegate("e", have, false, 0)
	require.NotNil(t, dup)
	require.Equal(t, a.Block(), dup.Block())

	cancelled, done := d.Complete(a)
	assert.False(t, done)
	require.Len(t, cancelled, 1)
	assert.Equal(t, PeerKey("e"), cancelled[0].Peer())
	assert.Equal(t, PeerKey("a"), a.Block().Writer())
	assert.Panics(t, func() { d.Complete(dup) }, "only one finished writer per block")

	bl := d.FindList(0)
	writers := bl.Writers()
	require.Len(t, writers, 1)
	assert.Equal(t, PeerKey("a"), writers[a.Block().Index()])
}

func TestStallPeerOnDisconnect(t *testing.T) {
	d := newTestDelegator(&oracle{normal: []uint32{0}})
	have := haveAll(1)
	a := d.Delegate("a", have, false, -1)
	b := d.Delegate("a", have, false, 0)
	require.NotNil(t, a)
	require.NotNil(t, b)

	d.StallPeer("a")
	assert.True(t, a.Stalled())
	assert.True(t, b.Stalled())
	// Entries survive as stalled, not lost.
	assert.Equal(t, 1, a.Block().SizeAll())
	assert.Equal(t, 0, a.Block().SizeNotStalled())
}

func TestLastBlockShort(t *testing.T) {
	d := New(Opts{
		FindPiece:   (&oracle{normal: []uint32{0}}).find,
		PieceLength: func(index uint32) uint32 { return 40 << 10 },
		BlockSize:   16 << 10,
	})
	tr := d.Delegate("a", haveAll(1), false, -1)
	require.NotNil(t, tr)
	bl := tr.Block().List()
	require.Equal(t, 3, bl.NumBlocks())
	assert.EqualValues(t, 16<<10, bl.Block(0).Length())
	assert.EqualValues(t, 8<<10, bl.Block(2).Length())
}
