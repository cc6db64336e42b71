package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func idWithPrefix(b byte, rest byte) (id ID) {
	id[0] = b
	for i := 1; i < 20; i++ {
		id[i] = rest
	}
	return
}

func testAddr(i int) netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, byte(i >> 8), byte(i)}), 6881)
}

func TestTableStartsWithOneBucket(t *testing.T) {
	tbl := NewTable(RandomID())
	assert.Equal(t, 1, tbl.NumBuckets())
	assert.Equal(t, 0, tbl.NumNodes())
}

func TestBucketsPartitionIDSpace(t *testing.T) {
	tbl := NewTable(idWithPrefix(0x00, 0x01))
	// Insert many nodes to force splits of our own bucket.
	for i := 0; i < 64; i++ {
		id := RandomID()
		if !tbl.WantNode(id) {
			continue
		}
		tbl.AddNode(NewNode(id, testAddr(i)))
	}
	assert.Greater(t, tbl.NumBuckets(), 1)

	// Buckets must cover the space contiguously without overlap, each ≤ 8.
	var prevHi ID
	first := true
	tbl.ForEachBucket(func(b *Bucket) bool {
		assert.LessOrEqual(t, b.Len(), BucketSize)
		if first {
			assert.True(t, b.Lo().IsZero())
			first = false
		} else {
			expectLo := prevHi
			incr(&expectLo)
			assert.Equal(t, expectLo, b.Lo(), "gap or overlap between buckets")
		}
		prevHi = b.Hi()
		for _, n := range b.Nodes() {
			assert.True(t, b.Contains(n.ID()), "node outside its bucket")
		}
		return true
	})
	allOnes := ID{}
	for i := range allOnes {
		allOnes[i] = 0xff
	}
	assert.Equal(t, allOnes, prevHi)
}

func TestOnlyOwnBucketSplits(t *testing.T) {
	own := idWithPrefix(0x00, 0x00)
	tbl := NewTable(own)
	// Fill the far half (ids starting 0x80..) well past bucket size. After
	// the first split the far bucket may not split again.
	for i := 0; i < 32; i++ {
		id := RandomID()
		id[0] |= 0x80
		if tbl.WantNode(id) {
			tbl.AddNode(NewNode(id, testAddr(i)))
		}
	}
	far := tbl.FindBucket(idWithPrefix(0xff, 0x00))
	assert.LessOrEqual(t, far.Len(), BucketSize)
	assert.False(t, far.Contains(own))
}

func TestFullForeignBucketEvictsBadFirst(t *testing.T) {
	own := idWithPrefix(0x00, 0x00)
	tbl := NewTable(own)
	tbl.now = func() time.Time { return time.Unix(1e9, 0) }

	// Split once so the 0x80.. bucket no longer holds our id.
	seed := idWithPrefix(0x80, 0x00)
	tbl.AddNode(NewNode(seed, testAddr(999)))
	for i := 0; i < BucketSize; i++ {
		id := idWithPrefix(0x80, byte(i+1))
		n := NewNode(id, testAddr(i))
		n.Replied(tbl.now())
		if tbl.WantNode(id) {
			tbl.AddNode(n)
		}
	}
	b := tbl.FindBucket(idWithPrefix(0x80, 0x02))
	require.Equal(t, BucketSize, b.Len())
	require.False(t, b.Contains(own))

	// All good: the new node parks as replacement and we get a ping target
	// only if someone is questionable; here nobody is, so no ping either.
	fresh := NewNode(idWithPrefix(0x81, 0x01), testAddr(100))
	added, ping := tbl.AddNode(fresh)
	assert.False(t, added)
	assert.Nil(t, ping)

	// Turn one bad; the next insert evicts it.
	b.Nodes()[0].Invalid()
	fresh2 := NewNode(idWithPrefix(0x81, 0x02), testAddr(101))
	added, _ = tbl.AddNode(fresh2)
	assert.True(t, added)
	assert.Equal(t, BucketSize, b.Len())
}

func TestNodeStatus(t *testing.T) {
	now := time.Unix(1e9, 0)
	n := NewNode(RandomID(), testAddr(1))
	assert.Equal(t, StatusBad, n.Status(now), "never replied")

	n.Replied(now)
	assert.Equal(t, StatusGood, n.Status(now))
	assert.Equal(t, StatusGood, n.Status(now.Add(goodInterval)))
	assert.Equal(t, StatusQuestionable, n.Status(now.Add(goodInterval+time.Second)))

	for i := 0; i < maxFailedReplies; i++ {
		n.Inactive()
	}
	assert.Equal(t, StatusBad, n.Status(now))
}

func TestClosestNodesOrdered(t *testing.T) {
	tbl := NewTable(RandomID())
	target := RandomID()
	for i := 0; i < 30; i++ {
		id := RandomID()
		if tbl.WantNode(id) {
			tbl.AddNode(NewNode(id, testAddr(i)))
		}
	}
	closest := tbl.ClosestNodes(target, BucketSize)
	for i := 1; i < len(closest); i++ {
		assert.False(t, target.Closer(closest[i].ID(), closest[i-1].ID()),
			"closest nodes out of distance order")
	}
}

func TestMidpoint(t *testing.T) {
	var lo ID
	hi := ID{}
	for i := range hi {
		hi[i] = 0xff
	}
	mid := midpoint(lo, hi)
	assert.Equal(t, byte(0x7f), mid[0])
	for i := 1; i < 20; i++ {
		assert.Equal(t, byte(0xff), mid[i])
	}
}

func TestShortHash(t *testing.T) {
	var id ID
	copy(id[8:16], []byte{1, 2, 3, 4, 5, 6, 7, 8})
	assert.EqualValues(t, 0x0102030405060708, id.ShortHash())
}
