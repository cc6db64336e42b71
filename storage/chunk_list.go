package storage

import (
	"fmt"
	"sort"
	stdsync "sync"
	"time"

	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
)

type GetFlags int

const (
	GetWritable GetFlags = 1 << iota
	// May wait for a node that is being synced.
	GetBlocking
	// Fail with ErrWouldBlock rather than wait.
	GetNonblock
	GetDontLog
)

type SyncFlags int

const (
	SyncAll SyncFlags = 1 << iota
	SyncForce
	// msync synchronously rather than queueing writeback.
	SyncSafe
	// Leave mappings in place after flushing.
	SyncSloppy
	// Only sync nodes that have sat dirty for a while.
	SyncUseTimeout
	SyncIgnoreError
)

type ReleaseFlags int

const (
	// Queue the node for writeback if it goes idle dirty.
	ReleaseSync ReleaseFlags = 1 << iota
)

var ErrWouldBlock = fmt.Errorf("would block")

type nodeState int

const (
	nodeInactive nodeState = iota
	nodePinned
	nodeQueued
	nodeSyncing
)

// How long a node must sit in the sync queue before a timeout-driven sync
// picks it up.
const syncTimeout = 10 * time.Second

// Nodes further apart than this on disk are skipped by an optimizing sync
// pass, measured in bytes between piece starts.
const syncMaxDistance = 8 << 20

type ChunkListOpts struct {
	// Creates the mapping on first pin.
	CreateChunk func(index int, prot Prot) (*Chunk, error)
	// Human-readable storage failures. May be nil.
	StorageError func(msg string)
	// Free bytes on the backing volume, for pre-write checks. May be nil;
	// a negative return means unknown and passes the check.
	FreeDiskspace func() int64
	Logger        log.Logger
}

// One piece's bookkeeping. The mapping exists only while the node is pinned,
// queued or syncing.
type ChunkNode struct {
	index       int
	refCount    int
	readers     int
	writers     int
	chunk       *Chunk
	dirty       bool
	lastTouched time.Time
	state       nodeState
}

func (me *ChunkNode) Index() int { return me.index }
func (me *ChunkNode) Dirty() bool { return me.dirty }

// A pinned chunk. Valid until released.
type ChunkHandle struct {
	list     *ChunkList
	node     *ChunkNode
	writable bool
	released bool
}

func (me *ChunkHandle) Chunk() *Chunk { return me.node.chunk }
func (me *ChunkHandle) Index() int    { return me.node.index }
func (me *ChunkHandle) Writable() bool { return me.writable }

// ChunkList owns the chunk nodes of one torrent and orders their writeback.
type ChunkList struct {
	mu   sync.Mutex
	cond *stdsync.Cond

	opts      ChunkListOpts
	chunkSize int64
	nodes     []ChunkNode
	queue     []*ChunkNode
}

func NewChunkList(numChunks int, chunkSize int64, opts ChunkListOpts) *ChunkList {
	panicif.Nil(opts.CreateChunk)
	if opts.Logger.IsZero() {
		opts.Logger = log.Default
	}
	me := &ChunkList{
		opts:      opts,
		chunkSize: chunkSize,
		nodes:     make([]ChunkNode, numChunks),
	}
	for i := range me.nodes {
		me.nodes[i].index = i
	}
	me.cond = stdsync.NewCond(&me.mu)
	return me
}

func (me *ChunkList) NumChunks() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return len(me.nodes)
}

func (me *ChunkList) QueueSize() int {
	me.mu.Lock()
	defer me.mu.Unlock()
	return len(me.queue)
}

// Get pins the node at index, creating the mapping on first use. A writable
// pin on a node mapped read-only remaps it writable.
func (me *ChunkList) Get(index int, flags GetFlags) (*ChunkHandle, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if index < 0 || index >= len(me.nodes) {
		return nil, fmt.Errorf("chunk %d of %d", index, len(me.nodes))
	}
	n := &me.nodes[index]
	for n.state == nodeSyncing {
		if flags&GetNonblock != 0 {
			return nil, ErrWouldBlock
		}
		if flags&GetBlocking == 0 {
			return nil, ErrWouldBlock
		}
		me.cond.Wait()
	}
	writable := flags&GetWritable != 0
	if n.chunk != nil && writable && !n.chunk.Writable() {
		// Remap for writing. Only possible with no other users.
		if n.refCount > 0 {
			return nil, fmt.Errorf("chunk %d pinned read-only", index)
		}
		me.closeNodeChunk(n)
	}
	if n.chunk == nil {
		prot := ReadOnly
		if writable {
			prot = ReadWrite
			if fn := me.opts.FreeDiskspace; fn != nil {
				if free := fn(); free >= 0 && free < me.chunkSize {
					return nil, fmt.Errorf("low disk space: %d bytes free", free)
				}
			}
		}
		c, err := me.opts.CreateChunk(index, prot)
		if err != nil {
			if flags&GetDontLog == 0 {
				me.opts.Logger.Levelf(log.Warning, "creating chunk %d: %v", index, err)
			}
			return nil, err
		}
		n.chunk = c
	}
	n.refCount++
	if writable {
		n.writers++
	} else {
		n.readers++
	}
	n.lastTouched = time.Now()
	me.unqueue(n)
	n.state = nodePinned
	return &ChunkHandle{list: me, node: n, writable: writable}, nil
}

// Release drops the pin. With ReleaseSync, a node going idle dirty is queued
// for writeback; otherwise it stays mapped for the next user.
func (me *ChunkList) Release(h *ChunkHandle, flags ReleaseFlags) {
	me.mu.Lock()
	defer me.mu.Unlock()
	panicif.True(h.released)
	h.released = true
	n := h.node
	panicif.True(n.refCount <= 0)
	n.refCount--
	if h.writable {
		n.writers--
		n.dirty = true
	} else {
		n.readers--
	}
	n.lastTouched = time.Now()
	if n.refCount > 0 {
		return
	}
	if n.dirty && flags&ReleaseSync != 0 {
		me.enqueue(n)
	} else {
		n.state = nodeInactive
	}
}

// MarkWritten records that the handle's bytes changed, without waiting for
// release. Lets a sync pass see partial writes.
func (me *ChunkList) MarkWritten(h *ChunkHandle) {
	me.mu.Lock()
	defer me.mu.Unlock()
	panicif.False(h.writable)
	h.node.dirty = true
}

// SyncChunks flushes queued nodes. Returns the number of failed syncs;
// failures also go to the storage-error callback unless SyncIgnoreError.
func (me *ChunkList) SyncChunks(flags SyncFlags) (failed int) {
	me.mu.Lock()
	work := me.collectSyncWork(flags)
	for _, n := range work {
		n.state = nodeSyncing
	}
	me.mu.Unlock()

	for _, n := range work {
		err := n.chunk.Sync(flags&SyncSafe != 0)
		me.mu.Lock()
		if err != nil {
			failed++
			if flags&SyncIgnoreError == 0 && me.opts.StorageError != nil {
				me.opts.StorageError(fmt.Sprintf("sync failed on chunk %d: %v", n.index, err))
			}
			me.enqueue(n)
		} else {
			n.dirty = false
			if flags&SyncSloppy == 0 && n.refCount == 0 {
				me.closeNodeChunk(n)
			}
			n.state = nodeInactive
		}
		me.mu.Unlock()
	}
	me.mu.Lock()
	me.cond.Broadcast()
	me.mu.Unlock()
	return
}

// collectSyncWork picks queued nodes to flush, sorted by disk position so
// adjacent writes coalesce. Nodes far from the run are skipped unless forced.
func (me *ChunkList) collectSyncWork(flags SyncFlags) (work []*ChunkNode) {
	now := time.Now()
	dontSkip := flags&(SyncAll|SyncForce) != 0
	candidates := make([]*ChunkNode, 0, len(me.queue))
	for _, n := range me.queue {
		if n.refCount > 0 {
			// Still pinned by a writer; next time.
			continue
		}
		if flags&SyncUseTimeout != 0 && !dontSkip && now.Sub(n.lastTouched) < syncTimeout {
			continue
		}
		candidates = append(candidates, n)
	}
	work = me.partitionOptimize(candidates, syncMaxDistance, dontSkip)
	remaining := me.queue[:0]
	selected := make(map[*ChunkNode]bool, len(work))
	for _, n := range work {
		selected[n] = true
	}
	for _, n := range me.queue {
		if !selected[n] {
			remaining = append(remaining, n)
		}
	}
	me.queue = remaining
	return
}

// partitionOptimize orders candidates by byte position and drops nodes whose
// gap from the preceding selection exceeds maxDistance, keeping the sync pass
// to one mostly-sequential sweep.
func (me *ChunkList) partitionOptimize(candidates []*ChunkNode, maxDistance int64, dontSkip bool) []*ChunkNode {
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].index < candidates[j].index
	})
	if dontSkip || len(candidates) == 0 {
		return candidates
	}
	out := candidates[:1]
	for _, n := range candidates[1:] {
		prev := out[len(out)-1]
		if int64(n.index-prev.index)*me.chunkSize > maxDistance {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Resize grows or shrinks the node set. Shrinking is rejected while any
// handle is outstanding.
func (me *ChunkList) Resize(numChunks int) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	if numChunks < len(me.nodes) {
		for i := range me.nodes {
			if me.nodes[i].refCount > 0 || me.nodes[i].state != nodeInactive {
				return fmt.Errorf("resize to %d chunks with chunk %d busy", numChunks, i)
			}
		}
		for i := numChunks; i < len(me.nodes); i++ {
			me.closeNodeChunk(&me.nodes[i])
		}
		me.nodes = me.nodes[:numChunks]
		return nil
	}
	for i := len(me.nodes); i < numChunks; i++ {
		me.nodes = append(me.nodes, ChunkNode{index: i})
	}
	return nil
}

// Close flushes everything and unmaps. Errors if any handle is outstanding.
func (me *ChunkList) Close() error {
	me.SyncChunks(SyncAll | SyncForce | SyncSafe | SyncIgnoreError)
	me.mu.Lock()
	defer me.mu.Unlock()
	for i := range me.nodes {
		n := &me.nodes[i]
		if n.refCount > 0 {
			return fmt.Errorf("chunk %d still pinned", i)
		}
		me.closeNodeChunk(n)
		n.state = nodeInactive
	}
	me.queue = nil
	return nil
}

func (me *ChunkList) enqueue(n *ChunkNode) {
	for _, q := range me.queue {
		if q == n {
			n.state = nodeQueued
			return
		}
	}
	me.queue = append(me.queue, n)
	n.state = nodeQueued
}

func (me *ChunkList) unqueue(n *ChunkNode) {
	for i, q := range me.queue {
		if q == n {
			me.queue = append(me.queue[:i], me.queue[i+1:]...)
			return
		}
	}
}

func (me *ChunkList) closeNodeChunk(n *ChunkNode) {
	if n.chunk == nil {
		return
	}
	if err := n.chunk.Close(); err != nil && me.opts.StorageError != nil {
		me.opts.StorageError(fmt.Sprintf("closing chunk %d: %v", n.index, err))
	}
	n.chunk = nil
}
