// Package delegator chooses the next block to request for a peer, honoring
// affinity, priority, rarity (via the piece-selection oracle) and aggressive
// duplication.
package delegator

import (
	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/missinggo/v2/panicif"
)

// No more than 4 concurrent requests per block in aggressive mode.
const maxAggressiveOverlap = 4

type Opts struct {
	// The piece-selection oracle: the next piece this peer should open at the
	// given priority, or false if none.
	FindPiece func(have *roaring.Bitmap, high bool) (index uint32, ok bool)
	// Length of the given piece; the last piece may be short.
	PieceLength func(index uint32) uint32
	BlockSize   uint32
}

type Delegator struct {
	opts       Opts
	transfers  []*BlockList // open pieces, oldest first
	aggressive bool
}

func New(opts Opts) *Delegator {
	panicif.Nil(opts.FindPiece)
	panicif.Nil(opts.PieceLength)
	if opts.BlockSize == 0 {
		opts.BlockSize = 1 << 14
	}
	return &Delegator{opts: opts}
}

func (me *Delegator) SetAggressive(v bool) {
	me.aggressive = v
}

func (me *Delegator) Lists() []*BlockList {
	return me.transfers
}

func (me *Delegator) FindList(index int) *BlockList {
	for _, bl := range me.transfers {
		if bl.index == index {
			return bl
		}
	}
	return nil
}

// Delegate picks the next block for the peer and registers a transfer on it.
// Affinity is the piece the peer last worked on, or -1.
func (me *Delegator) Delegate(peer PeerKey, have *roaring.Bitmap, seeder bool, affinity int) *Transfer {
	// Stay on the piece this peer was already downloading so we don't open
	// new pieces while its chunk is in progress.
	if affinity >= 0 {
		for _, bl := range me.transfers {
			if bl.index != affinity {
				continue
			}
			if b := me.delegatePiece(bl, peer); b != nil {
				return b.insert(peer)
			}
		}
	}

	if seeder {
		if b := me.delegateSeeder(peer, have); b != nil {
			return b.insert(peer)
		}
	}

	// High priority pieces already in progress.
	if b := me.delegatePriority(PriorityHigh, peer, have); b != nil {
		return b.insert(peer)
	}
	if b := me.newList(peer, have, seeder, true); b != nil {
		return b.insert(peer)
	}

	// Normal priority.
	if b := me.delegatePriority(PriorityNormal, peer, have); b != nil {
		return b.insert(peer)
	}
	if b := me.newList(peer, have, seeder, false); b != nil {
		return b.insert(peer)
	}

	if !me.aggressive {
		return nil
	}

	// Aggressive mode: duplicate a block that is already being transferred,
	// preferring the least-overlapped one.
	overlapped := maxAggressiveOverlap + 1
	var target *Block
	for _, bl := range me.transfers {
		if !have.Contains(uint32(bl.index)) || bl.priority == PriorityOff {
			continue
		}
		if b := me.delegateAggressive(bl, &overlapped, peer); b != nil {
			target = b
		}
		if overlapped == 0 {
			break
		}
	}
	if target == nil {
		return nil
	}
	return target.insert(peer)
}

func (me *Delegator) delegateSeeder(peer PeerKey, have *roaring.Bitmap) *Block {
	for _, bl := range me.transfers {
		if !bl.bySeeder {
			continue
		}
		if b := me.delegatePiece(bl, peer); b != nil {
			return b
		}
	}
	if b := me.newList(peer, have, true, true); b != nil {
		return b
	}
	return me.newList(peer, have, true, false)
}

func (me *Delegator) delegatePriority(p Priority, peer PeerKey, have *roaring.Bitmap) *Block {
	for _, bl := range me.transfers {
		if bl.priority != p || !have.Contains(uint32(bl.index)) {
			continue
		}
		if b := me.delegatePiece(bl, peer); b != nil {
			return b
		}
	}
	return nil
}

// newList asks the oracle for a fresh piece and opens its block list.
func (me *Delegator) newList(peer PeerKey, have *roaring.Bitmap, seeder, high bool) *Block {
	index, ok := me.opts.FindPiece(have, high)
	if !ok {
		return nil
	}
	bl := newBlockList(int(index), me.opts.PieceLength(index), me.opts.BlockSize)
	bl.bySeeder = seeder
	if high {
		bl.priority = PriorityHigh
	}
	me.transfers = append(me.transfers, bl)
	return &bl.blocks[0]
}

// delegatePiece returns the first unfinished, unstalled block with no
// requests, else the first unfinished block this peer hasn't been asked for.
func (me *Delegator) delegatePiece(bl *BlockList, peer PeerKey) *Block {
	var fallback *Block
	for i := range bl.blocks {
		b := &bl.blocks[i]
		if b.finished || !b.IsStalled() {
			continue
		}
		if b.SizeAll() == 0 {
			// No one is downloading this, assign.
			return b
		}
		// Stalled but we really want this piece finished. Keep the first so
		// blocks aren't queued in reverse.
		if fallback == nil && b.Find(peer) == nil {
			fallback = b
		}
	}
	return fallback
}

// delegateAggressive tracks minimum overlap across calls via overlapped,
// preferring blocks with the fewest concurrent non-stalled requests.
func (me *Delegator) delegateAggressive(bl *BlockList, overlapped *int, peer PeerKey) *Block {
	var p *Block
	for i := range bl.blocks {
		if *overlapped == 0 {
			break
		}
		b := &bl.blocks[i]
		if !b.finished && b.notStalled < *overlapped && b.Find(peer) == nil {
			p = b
			*overlapped = b.notStalled
		}
	}
	return p
}

// Stall marks the transfer inactive after a request timeout. The block entry
// survives; the bytes may still arrive.
func (me *Delegator) Stall(t *Transfer) {
	if t.stalled {
		return
	}
	t.stalled = true
	t.block.notStalled--
	panicif.True(t.block.notStalled < 0)
}

// Cancel removes the transfer entirely, e.g. on peer disconnect after the
// request was also cancelled on the wire.
func (me *Delegator) Cancel(t *Transfer) {
	t.block.remove(t)
}

// StallPeer stalls every transfer held by the peer, the disconnect path:
// block entries become stalled, not lost.
func (me *Delegator) StallPeer(peer PeerKey) {
	for _, bl := range me.transfers {
		for i := range bl.blocks {
			if t := bl.blocks[i].Find(peer); t != nil {
				me.Stall(t)
			}
		}
	}
}

// Complete commits the transfer's bytes as the block's authoritative content.
// Sibling transfers are dropped. Returns the finished transfers of other
// peers whose requests should now be cancelled on the wire, and whether the
// whole piece is complete.
func (me *Delegator) Complete(t *Transfer) (cancelled []*Transfer, pieceDone bool) {
	b := t.block
	// At most one finished writer per block.
	panicif.True(b.finished)
	b.finished = true
	b.writer = t.peer
	for _, other := range b.transfers {
		if other != t {
			cancelled = append(cancelled, other)
		}
	}
	b.transfers = nil
	b.notStalled = 0
	b.parent.finished++
	return cancelled, b.parent.AllFinished()
}

// Drop closes the piece's block list, after a hash result either way.
func (me *Delegator) Drop(index int) {
	for i, bl := range me.transfers {
		if bl.index == index {
			me.transfers = append(me.transfers[:i], me.transfers[i+1:]...)
			return
		}
	}
}
