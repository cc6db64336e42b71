// Package hashqueue feeds pieces to a SHA-1 worker and returns digests to
// the submitter in submission order.
package hashqueue

import (
	"crypto/sha1"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"

	"github.com/rotorlib/rotor/storage"
)

// Called with the handle and its 20-byte digest when hashing completes. A nil
// digest means the work was cancelled.
type DoneFunc func(h *storage.ChunkHandle, digest []byte)

// Bytes of upcoming work to advise willneed ahead of the piece being hashed,
// so a small number of chunks stay resident in front of the worker.
const willneedBudget = 8 << 20

// Poll interval while waiting out an in-flight hash during cancellation.
const cancelPollInterval = 100 * time.Microsecond

type node struct {
	owner  any
	handle *storage.ChunkHandle
	done   DoneFunc
}

type Opts struct {
	// Invoked (from the worker) when completions are ready; the owner loop
	// should respond by calling Work.
	HasWork func()
	Logger  log.Logger
}

// Queue owns the submission list and the completion map. PushBack, Remove and
// Work are called from the owning loop; the worker goroutine only touches its
// inbox and the completion map.
type Queue struct {
	opts Opts

	mu    sync.Mutex
	nodes []*node // submission order

	inboxMu   sync.Mutex
	inboxCond chansync.BroadcastCond
	inbox     []*node

	doneMu sync.Mutex
	done   map[*node][20]byte

	closed chansync.SetOnce
}

func New(opts Opts) *Queue {
	if opts.Logger.IsZero() {
		opts.Logger = log.Default
	}
	me := &Queue{
		opts: opts,
		done: make(map[*node][20]byte),
	}
	go me.worker()
	return me
}

// PushBack submits a pinned chunk for hashing on behalf of owner.
func (me *Queue) PushBack(h *storage.ChunkHandle, owner any, done DoneFunc) {
	panicif.Nil(h.Chunk())
	n := &node{owner: owner, handle: h, done: done}
	me.mu.Lock()
	me.nodes = append(me.nodes, n)
	me.mu.Unlock()
	me.inboxMu.Lock()
	me.inbox = append(me.inbox, n)
	me.inboxMu.Unlock()
	me.inboxCond.Broadcast()
}

func (me *Queue) Has(owner any) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	for _, n := range me.nodes {
		if n.owner == owner {
			return true
		}
	}
	return false
}

func (me *Queue) HasIndex(owner any, index int) bool {
	me.mu.Lock()
	defer me.mu.Unlock()
	for _, n := range me.nodes {
		if n.owner == owner && n.handle.Index() == index {
			return true
		}
	}
	return false
}

// Remove cancels all work for owner. Entries the worker has not started are
// dropped immediately; for an in-flight entry we wait (brief polls) until the
// worker flushes its result, then consume it silently. Every cancelled
// entry's callback runs with a nil digest.
func (me *Queue) Remove(owner any) {
	me.mu.Lock()
	var cancelled []*node
	kept := me.nodes[:0]
	for _, n := range me.nodes {
		if n.owner == owner {
			cancelled = append(cancelled, n)
		} else {
			kept = append(kept, n)
		}
	}
	me.nodes = kept
	me.mu.Unlock()

	for _, n := range cancelled {
		if me.removeFromInbox(n) {
			n.done(n.handle, nil)
			continue
		}
		// In flight or already done; wait for the worker to flush it.
		for {
			me.doneMu.Lock()
			_, ok := me.done[n]
			if ok {
				delete(me.done, n)
			}
			me.doneMu.Unlock()
			if ok {
				break
			}
			time.Sleep(cancelPollInterval)
		}
		n.done(n.handle, nil)
	}
}

// Work drains completions, invoking callbacks in submission order.
func (me *Queue) Work() {
	for {
		me.mu.Lock()
		var ready *node
		me.doneMu.Lock()
		for i, n := range me.nodes {
			if _, ok := me.done[n]; ok {
				ready = n
				me.nodes = append(me.nodes[:i], me.nodes[i+1:]...)
				break
			}
		}
		var digest [20]byte
		if ready != nil {
			digest = me.done[ready]
			delete(me.done, ready)
		}
		me.doneMu.Unlock()
		me.mu.Unlock()
		if ready == nil {
			return
		}
		ready.done(ready.handle, digest[:])
	}
}

func (me *Queue) Close() {
	me.closed.Set()
	me.inboxCond.Broadcast()
}

func (me *Queue) removeFromInbox(n *node) bool {
	me.inboxMu.Lock()
	defer me.inboxMu.Unlock()
	for i, q := range me.inbox {
		if q == n {
			me.inbox = append(me.inbox[:i], me.inbox[i+1:]...)
			return true
		}
	}
	return false
}

func (me *Queue) worker() {
	for {
		me.inboxMu.Lock()
		for len(me.inbox) == 0 {
			signal := me.inboxCond.Signaled()
			me.inboxMu.Unlock()
			select {
			case <-signal:
			case <-me.closed.Done():
				return
			}
			me.inboxMu.Lock()
		}
		n := me.inbox[0]
		me.inbox = me.inbox[1:]
		// Keep a little of what follows resident ahead of us.
		budget := int64(willneedBudget)
		for _, ahead := range me.inbox {
			if budget <= 0 {
				break
			}
			ahead.handle.Chunk().Advise(storage.AdviseWillneed)
			budget -= ahead.handle.Chunk().Length()
		}
		me.inboxMu.Unlock()

		me.hash(n)
		if me.opts.HasWork != nil {
			me.opts.HasWork()
		}
	}
}

func (me *Queue) hash(n *node) {
	c := n.handle.Chunk()
	c.Advise(storage.AdviseWillneed)
	h := sha1.New()
	for _, w := range c.Windows() {
		h.Write(w.Bytes())
	}
	var digest [20]byte
	h.Sum(digest[:0])
	me.doneMu.Lock()
	me.done[n] = digest
	me.doneMu.Unlock()
}
