package delegator

import (
	"github.com/anacrolix/missinggo/v2/panicif"
)

type Priority int

const (
	PriorityOff Priority = iota
	PriorityNormal
	PriorityHigh
)

// Identifies a peer across its connections; the engine uses the normalized
// address key.
type PeerKey string

// One outstanding (or stalled) request for a block by one peer.
type Transfer struct {
	block   *Block
	peer    PeerKey
	stalled bool
}

func (me *Transfer) Block() *Block {
	return me.block
}

func (me *Transfer) Peer() PeerKey {
	return me.peer
}

func (me *Transfer) Stalled() bool {
	return me.stalled
}

// A request-sized sub-range of a piece.
type Block struct {
	parent     *BlockList
	index      int
	begin      uint32
	length     uint32
	transfers  []*Transfer
	notStalled int
	finished   bool
	writer     PeerKey // authoritative writer once finished
}

func (me *Block) Index() int        { return me.index }
func (me *Block) Begin() uint32     { return me.begin }
func (me *Block) Length() uint32    { return me.length }
func (me *Block) Finished() bool    { return me.finished }
func (me *Block) Writer() PeerKey   { return me.writer }
func (me *Block) List() *BlockList  { return me.parent }
func (me *Block) SizeAll() int      { return len(me.transfers) }
func (me *Block) SizeNotStalled() int { return me.notStalled }

// Stalled is true when no active request is outstanding; the block is then
// fair game for re-delegation.
func (me *Block) IsStalled() bool {
	return me.notStalled == 0
}

func (me *Block) Find(peer PeerKey) *Transfer {
	for _, t := range me.transfers {
		if t.peer == peer {
			return t
		}
	}
	return nil
}

func (me *Block) insert(peer PeerKey) *Transfer {
	panicif.True(me.finished)
	panicif.True(me.Find(peer) != nil)
	t := &Transfer{block: me, peer: peer}
	me.transfers = append(me.transfers, t)
	me.notStalled++
	return t
}

func (me *Block) remove(t *Transfer) {
	for i, q := range me.transfers {
		if q == t {
			me.transfers = append(me.transfers[:i], me.transfers[i+1:]...)
			if !t.stalled {
				me.notStalled--
			}
			return
		}
	}
	panic("transfer not on its block")
}

// The per-piece set of blocks being downloaded.
type BlockList struct {
	index    int // piece index
	priority Priority
	bySeeder bool
	blocks   []Block
	finished int
}

func newBlockList(index int, pieceLength, blockSize uint32) *BlockList {
	panicif.True(pieceLength == 0)
	bl := &BlockList{
		index:    index,
		priority: PriorityNormal,
	}
	numBlocks := int((pieceLength + blockSize - 1) / blockSize)
	bl.blocks = make([]Block, numBlocks)
	for i := range bl.blocks {
		begin := uint32(i) * blockSize
		length := blockSize
		if begin+length > pieceLength {
			length = pieceLength - begin
		}
		bl.blocks[i] = Block{parent: bl, index: i, begin: begin, length: length}
	}
	return bl
}

func (me *BlockList) Index() int            { return me.index }
func (me *BlockList) Priority() Priority    { return me.priority }
func (me *BlockList) SetPriority(p Priority) { me.priority = p }
func (me *BlockList) BySeeder() bool        { return me.bySeeder }
func (me *BlockList) NumBlocks() int        { return len(me.blocks) }
func (me *BlockList) NumFinished() int      { return me.finished }

func (me *BlockList) Block(i int) *Block {
	return &me.blocks[i]
}

func (me *BlockList) AllFinished() bool {
	return me.finished == len(me.blocks)
}

// BlockAt returns the block containing the given byte offset, matching an
// incoming piece message's begin field. Misaligned offsets return nil.
func (me *BlockList) BlockAt(begin uint32) *Block {
	for i := range me.blocks {
		if me.blocks[i].begin == begin {
			return &me.blocks[i]
		}
	}
	return nil
}

// Writers returns the committed writer of every finished block.
func (me *BlockList) Writers() map[int]PeerKey {
	out := make(map[int]PeerKey, me.finished)
	for i := range me.blocks {
		if me.blocks[i].finished {
			out[i] = me.blocks[i].writer
		}
	}
	return out
}
