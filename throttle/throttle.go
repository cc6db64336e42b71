// Package throttle implements token-bucket rate control shared across peers
// with weighted fair queueing. A group accrues max_rate bytes per second in
// 100 ms ticks; nodes are serviced in proportion to their recent demand.
package throttle

import (
	"time"

	"github.com/anacrolix/missinggo/v2/panicif"
	"github.com/anacrolix/sync"
)

const (
	TickInterval = 100 * time.Millisecond
	ticksPerSec  = int64(time.Second / TickInterval)
)

// A node's unused grant carries over up to this many ticks' worth of quota.
const carryoverTicks = 3

// Demand halves every tick; weights track what a node wanted lately, not
// ever.
const demandDecayShift = 1

// A peer's membership in a throttle group.
type Node struct {
	th *Throttle

	demand    int64 // bytes requested recently, decayed per tick
	allocated int64 // granted, unconsumed tokens
	rate      *Rate
}

func (me *Node) Rate() *Rate {
	return me.rate
}

// Request asks for n bytes and returns the granted amount. Unlimited groups
// grant everything and only record the rate.
func (me *Node) Request(n int64) int64 {
	panicif.True(n < 0)
	th := me.th
	th.mu.Lock()
	defer th.mu.Unlock()
	if th.maxRate == 0 {
		me.rate.Add(n)
		th.rate.Add(n)
		return n
	}
	me.demand += n
	granted := n
	if granted > me.allocated {
		granted = me.allocated
	}
	me.allocated -= granted
	if granted > 0 {
		me.rate.Add(granted)
		th.rate.Add(granted)
	}
	return granted
}

// Throttle is one token-bucket group.
type Throttle struct {
	mu      sync.Mutex
	maxRate int64 // bytes per second; 0 = unlimited
	nodes   []*Node
	rate    *Rate

	stop chan struct{}
}

func New(maxRate int64) *Throttle {
	return &Throttle{
		maxRate: maxRate,
		rate:    NewRate(),
	}
}

func (me *Throttle) MaxRate() int64 {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.maxRate
}

func (me *Throttle) SetMaxRate(v int64) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.maxRate = v
}

func (me *Throttle) IsThrottled() bool {
	return me.MaxRate() != 0
}

func (me *Throttle) Rate() *Rate {
	return me.rate
}

func (me *Throttle) AddNode() *Node {
	me.mu.Lock()
	defer me.mu.Unlock()
	n := &Node{th: me, rate: NewRate()}
	me.nodes = append(me.nodes, n)
	return n
}

func (me *Throttle) RemoveNode(n *Node) {
	me.mu.Lock()
	defer me.mu.Unlock()
	for i, q := range me.nodes {
		if q == n {
			me.nodes = append(me.nodes[:i], me.nodes[i+1:]...)
			return
		}
	}
}

// Tick accrues one interval's quota and distributes it across nodes weighted
// by recent demand. Call every 100 ms, or let Start drive it.
func (me *Throttle) Tick() {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.maxRate == 0 || len(me.nodes) == 0 {
		return
	}
	quota := me.maxRate / ticksPerSec
	cap_ := quota * carryoverTicks

	var totalWeight int64
	for _, n := range me.nodes {
		if w := me.weight(n); w > 0 {
			totalWeight += w
		}
	}
	if totalWeight == 0 {
		return
	}
	distributed := int64(0)
	for _, n := range me.nodes {
		w := me.weight(n)
		if w == 0 {
			continue
		}
		share := quota * w / totalWeight
		n.allocated += share
		if n.allocated > cap_ {
			n.allocated = cap_
		}
		distributed += share
	}
	// Integer-division crumbs go to the hungriest node.
	if rem := quota - distributed; rem > 0 {
		var best *Node
		for _, n := range me.nodes {
			if best == nil || n.demand > best.demand {
				best = n
			}
		}
		if best.allocated += rem; best.allocated > cap_ {
			best.allocated = cap_
		}
	}
	for _, n := range me.nodes {
		n.demand >>= demandDecayShift
	}
}

// weight is the node's claim on this tick's quota. A node that asked for
// nothing lately but holds no carryover still gets a trickle so it can start.
func (me *Throttle) weight(n *Node) int64 {
	if n.demand > 0 {
		return n.demand
	}
	if n.allocated == 0 {
		return 1
	}
	return 0
}

// Start drives Tick on the 100 ms cadence until Stop.
func (me *Throttle) Start() {
	me.mu.Lock()
	if me.stop != nil {
		me.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	me.stop = stop
	me.mu.Unlock()
	go func() {
		t := time.NewTicker(TickInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				me.Tick()
			case <-stop:
				return
			}
		}
	}()
}

func (me *Throttle) Stop() {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.stop != nil {
		close(me.stop)
		me.stop = nil
	}
}
