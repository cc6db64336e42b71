package dht

import (
	"net/netip"
	"time"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/google/btree"
)

// Nodes per bucket.
const BucketSize = 8

// A contiguous range [lo, hi] of the id space holding up to 8 nodes. Keyed
// in the table by its inclusive upper bound.
type Bucket struct {
	lo, hi ID
	nodes  []*Node
	// A candidate waiting for a slot, remembered when the bucket was full
	// with no bad node to evict.
	replacement *Node
	lastChanged time.Time
}

func (me *Bucket) Lo() ID        { return me.lo }
func (me *Bucket) Hi() ID        { return me.hi }
func (me *Bucket) Len() int      { return len(me.nodes) }
func (me *Bucket) Nodes() []*Node { return me.nodes }
func (me *Bucket) LastChanged() time.Time { return me.lastChanged }

func (me *Bucket) Contains(id ID) bool {
	return id.Cmp(me.lo) >= 0 && id.Cmp(me.hi) <= 0
}

func (me *Bucket) find(id ID) *Node {
	for _, n := range me.nodes {
		if n.id == id {
			return n
		}
	}
	return nil
}

func (me *Bucket) remove(n *Node) {
	for i, q := range me.nodes {
		if q == n {
			me.nodes = append(me.nodes[:i], me.nodes[i+1:]...)
			return
		}
	}
}

// Table is the Kademlia routing table: an ordered set of buckets partitioning
// [0, 2^160) without overlap. Only the bucket containing our own id splits.
type Table struct {
	ownID   ID
	buckets *btree.BTreeG[*Bucket]
	count   int
	now     func() time.Time
}

func NewTable(ownID ID) *Table {
	me := &Table{
		ownID: ownID,
		buckets: btree.NewG(2, func(a, b *Bucket) bool {
			return a.hi.Less(b.hi)
		}),
		now: time.Now,
	}
	var lo ID
	hi := ID{}
	for i := range hi {
		hi[i] = 0xff
	}
	me.buckets.ReplaceOrInsert(&Bucket{lo: lo, hi: hi, lastChanged: me.now()})
	return me
}

func (me *Table) OwnID() ID {
	return me.ownID
}

// NumNodes is the table population, ourselves excluded.
func (me *Table) NumNodes() int {
	return me.count
}

func (me *Table) NumBuckets() int {
	return me.buckets.Len()
}

// FindBucket locates the bucket covering id in logarithmic time.
func (me *Table) FindBucket(id ID) (found *Bucket) {
	me.buckets.AscendGreaterOrEqual(&Bucket{hi: id}, func(b *Bucket) bool {
		found = b
		return false
	})
	panicif.Nil(found)
	panicif.False(found.Contains(id))
	return
}

func (me *Table) GetNode(id ID) *Node {
	return me.FindBucket(id).find(id)
}

// FindNodeByAddr searches all buckets for a node at the address, ignoring the
// port. Linear.
func (me *Table) FindNodeByAddr(addr netip.Addr) (found *Node) {
	me.ForEachNode(func(n *Node) bool {
		if n.addr.Addr() == addr {
			found = n
			return false
		}
		return true
	})
	return
}

func (me *Table) ForEachBucket(fn func(b *Bucket) bool) {
	me.buckets.Ascend(fn)
}

func (me *Table) ForEachNode(fn func(n *Node) bool) {
	me.buckets.Ascend(func(b *Bucket) bool {
		for _, n := range b.nodes {
			if !fn(n) {
				return false
			}
		}
		return true
	})
}

// WantNode reports whether a fresh node of this id could enter the table:
// unseen, and its bucket has space, a bad node, or can split.
func (me *Table) WantNode(id ID) bool {
	if id == me.ownID {
		return false
	}
	b := me.FindBucket(id)
	if b.find(id) != nil {
		return false
	}
	if len(b.nodes) < BucketSize || b.Contains(me.ownID) {
		return true
	}
	now := me.now()
	for _, n := range b.nodes {
		if n.Status(now) == StatusBad {
			return true
		}
	}
	return false
}

// AddNode inserts a fresh node. If its bucket is full: split if the bucket
// holds our own id, else evict a bad node, else remember the candidate and
// return the questionable head for the caller to ping. Returns whether the
// node entered the table.
func (me *Table) AddNode(node *Node) (added bool, ping *Node) {
	panicif.True(node.id == me.ownID)
	b := me.FindBucket(node.id)
	if b.find(node.id) != nil {
		return false, nil
	}
	for len(b.nodes) >= BucketSize {
		if b.Contains(me.ownID) {
			b = me.split(b, node.id)
			continue
		}
		if bad := me.findBad(b); bad != nil {
			b.remove(bad)
			me.count--
			break
		}
		// Hardened (BEP 42) candidates displace plain ones in the
		// replacement slot, never the other way around.
		if cur := b.replacement; cur == nil ||
			IDIsSecure(node.id, node.addr.Addr()) ||
			!IDIsSecure(cur.id, cur.addr.Addr()) {
			b.replacement = node
		}
		return false, me.questionableHead(b)
	}
	b.nodes = append(b.nodes, node)
	b.lastChanged = me.now()
	me.count++
	return true, nil
}

// RemoveNode drops the node, promoting the bucket's remembered replacement
// if one is waiting.
func (me *Table) RemoveNode(node *Node) {
	b := me.FindBucket(node.id)
	if b.find(node.id) == nil {
		return
	}
	b.remove(node)
	me.count--
	if r := b.replacement; r != nil && b.Contains(r.id) {
		b.replacement = nil
		me.AddNode(r)
	}
}

// ClosestNodes returns up to n nodes ordered by XOR distance to target.
func (me *Table) ClosestNodes(target ID, n int) (out []*Node) {
	me.ForEachNode(func(node *Node) bool {
		out = append(out, node)
		return true
	})
	sortByDistance(target, out)
	if len(out) > n {
		out = out[:n]
	}
	return
}

// split divides the bucket at the median of its range and reinserts its
// nodes; returns the half covering id.
func (me *Table) split(b *Bucket, id ID) *Bucket {
	mid := midpoint(b.lo, b.hi)
	lower := &Bucket{lo: b.lo, hi: mid, lastChanged: me.now()}
	var upperLo ID = mid
	incr(&upperLo)
	upper := &Bucket{lo: upperLo, hi: b.hi, lastChanged: me.now()}
	for _, n := range b.nodes {
		if lower.Contains(n.id) {
			lower.nodes = append(lower.nodes, n)
		} else {
			upper.nodes = append(upper.nodes, n)
		}
	}
	if r := b.replacement; r != nil {
		if lower.Contains(r.id) {
			lower.replacement = r
		} else {
			upper.replacement = r
		}
	}
	me.buckets.Delete(b)
	me.buckets.ReplaceOrInsert(lower)
	me.buckets.ReplaceOrInsert(upper)
	if lower.Contains(id) {
		return lower
	}
	return upper
}

func (me *Table) findBad(b *Bucket) *Node {
	now := me.now()
	for _, n := range b.nodes {
		if n.Status(now) == StatusBad {
			return n
		}
	}
	return nil
}

func (me *Table) questionableHead(b *Bucket) *Node {
	now := me.now()
	var oldest *Node
	for _, n := range b.nodes {
		if n.Status(now) != StatusQuestionable {
			continue
		}
		if oldest == nil || n.lastReplied.Before(oldest.lastReplied) {
			oldest = n
		}
	}
	return oldest
}

func sortByDistance(target ID, nodes []*Node) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && target.Closer(nodes[j].id, nodes[j-1].id); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}

// midpoint of the inclusive range, i.e. (lo+hi)/2 over 160 bits.
func midpoint(lo, hi ID) (mid ID) {
	carry := 0
	var sum [21]byte
	for i := 19; i >= 0; i-- {
		v := int(lo[i]) + int(hi[i]) + carry
		sum[i+1] = byte(v)
		carry = v >> 8
	}
	sum[0] = byte(carry)
	// Shift right one bit.
	for i := 0; i < 20; i++ {
		mid[i] = sum[i]<<7 | sum[i+1]>>1
	}
	return
}

func incr(id *ID) {
	for i := 19; i >= 0; i-- {
		id[i]++
		if id[i] != 0 {
			return
		}
	}
}
