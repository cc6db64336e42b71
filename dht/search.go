package dht

import (
	"net/netip"
)

// Parallelism of iterative lookups.
const searchAlpha = 3

// Size of the best-known set.
const searchBreadth = BucketSize

type searchNode struct {
	info    NodeInfo
	queried bool
	replied bool
	token   string // get_peers reply token, authorizes announce
}

// Search is the state of an iterative find_node / get_peers lookup: a
// best-known set of 8 nodes sorted by XOR distance to the target. At each
// step the closest α unqueried nodes are queried in parallel; the search
// ends when the closest 8 have all been queried or replied.
type Search struct {
	target   ID
	getPeers bool

	best []*searchNode

	// Peers found (get_peers only).
	peers []netip.AddrPort

	// Called with found peers as they arrive.
	OnPeers func(peers []netip.AddrPort)
	// Called when the search exhausts; nodes with tokens are the announce
	// targets.
	OnDone func(s *Search)
}

func NewSearch(target ID, getPeers bool) *Search {
	return &Search{target: target, getPeers: getPeers}
}

func (me *Search) Target() ID {
	return me.target
}

func (me *Search) Peers() []netip.AddrPort {
	return me.peers
}

// AddCandidates merges nodes into the best set, keeping the closest 8.
func (me *Search) AddCandidates(nodes ...NodeInfo) {
	for _, info := range nodes {
		if me.findByAddr(info.Addr) != nil {
			continue
		}
		me.best = append(me.best, &searchNode{info: info})
	}
	sortSearchNodes(me.target, me.best)
	if len(me.best) > searchBreadth {
		me.best = me.best[:searchBreadth]
	}
}

// NextQueries returns up to α unqueried closest nodes, marking them queried.
func (me *Search) NextQueries() (out []NodeInfo) {
	for _, n := range me.best {
		if len(out) >= searchAlpha {
			break
		}
		if n.queried {
			continue
		}
		n.queried = true
		out = append(out, n.info)
	}
	return
}

// Replied records a reply from the node, with any peers and token it
// returned.
func (me *Search) Replied(from netip.AddrPort, token string, peers []netip.AddrPort) {
	if n := me.findByAddr(from); n != nil {
		n.replied = true
		n.token = token
	}
	if len(peers) > 0 {
		me.peers = append(me.peers, peers...)
		if me.OnPeers != nil {
			me.OnPeers(peers)
		}
	}
}

// Failed removes a node that didn't answer so the search can widen past it.
func (me *Search) Failed(from netip.AddrPort) {
	for i, n := range me.best {
		if n.info.Addr == from {
			me.best = append(me.best[:i], me.best[i+1:]...)
			return
		}
	}
}

// Finished is true when every node in the best set has been queried.
func (me *Search) Finished() bool {
	for _, n := range me.best {
		if !n.queried {
			return false
		}
	}
	return true
}

// AnnounceTargets are replied nodes holding tokens, for announce_peer.
func (me *Search) AnnounceTargets() (out []*searchNode) {
	for _, n := range me.best {
		if n.replied && n.token != "" {
			out = append(out, n)
		}
	}
	return
}

func (me *Search) findByAddr(addr netip.AddrPort) *searchNode {
	for _, n := range me.best {
		if n.info.Addr == addr {
			return n
		}
	}
	return nil
}

func sortSearchNodes(target ID, nodes []*searchNode) {
	for i := 1; i < len(nodes); i++ {
		for j := i; j > 0 && target.Closer(nodes[j].info.ID, nodes[j-1].info.ID); j-- {
			nodes[j], nodes[j-1] = nodes[j-1], nodes[j]
		}
	}
}
