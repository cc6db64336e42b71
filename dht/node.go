package dht

import (
	"net/netip"
	"time"
)

const (
	// A node that replied within this window is good.
	goodInterval = 15 * time.Minute
	// Queries with no reply before a node is bad.
	maxFailedReplies = 5
	// Nodes silent longer than this get dropped during maintenance.
	removeNodeTimeout = 4 * time.Hour
)

type NodeStatus int

const (
	// Never replied, or failed too often.
	StatusBad NodeStatus = iota
	// Replied once ever but silent lately.
	StatusQuestionable
	StatusGood
)

func (s NodeStatus) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusQuestionable:
		return "questionable"
	default:
		return "bad"
	}
}

// A routing table entry.
type Node struct {
	id   ID
	addr netip.AddrPort

	lastQueried   time.Time
	lastReplied   time.Time
	repliedOnce   bool
	failedReplies int
}

func NewNode(id ID, addr netip.AddrPort) *Node {
	return &Node{id: id, addr: addr}
}

func (me *Node) ID() ID                { return me.id }
func (me *Node) Addr() netip.AddrPort  { return me.addr }
func (me *Node) LastReplied() time.Time { return me.lastReplied }

func (me *Node) Status(now time.Time) NodeStatus {
	if me.failedReplies >= maxFailedReplies {
		return StatusBad
	}
	if !me.repliedOnce {
		return StatusBad
	}
	if now.Sub(me.lastReplied) <= goodInterval {
		return StatusGood
	}
	return StatusQuestionable
}

func (me *Node) Queried(now time.Time) {
	me.lastQueried = now
}

func (me *Node) Replied(now time.Time) {
	me.lastReplied = now
	me.repliedOnce = true
	me.failedReplies = 0
}

// Inactive records a query that went unanswered.
func (me *Node) Inactive() {
	me.failedReplies++
}

// Invalid marks the node bad immediately, for a wrong-id reply.
func (me *Node) Invalid() {
	me.failedReplies = maxFailedReplies
	me.repliedOnce = false
}
