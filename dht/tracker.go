package dht

import (
	"net/netip"
	"time"
)

// Peers that haven't reannounced within this are forgotten.
const peerAnnounceTimeout = 30 * time.Minute

// Cap on peers returned for a single get_peers.
const maxTrackedPeersReturned = 32

type trackedPeer struct {
	addr netip.AddrPort
	seen time.Time
}

// Tracker stores peers announced to us, per info-hash.
type Tracker struct {
	swarms map[ID][]trackedPeer
	now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		swarms: make(map[ID][]trackedPeer),
		now:    time.Now,
	}
}

func (me *Tracker) Announce(infoHash ID, addr netip.AddrPort) {
	sw := me.swarms[infoHash]
	for i := range sw {
		if sw[i].addr == addr {
			sw[i].seen = me.now()
			return
		}
	}
	me.swarms[infoHash] = append(sw, trackedPeer{addr: addr, seen: me.now()})
}

func (me *Tracker) Peers(infoHash ID) (out []netip.AddrPort) {
	for _, p := range me.swarms[infoHash] {
		if len(out) >= maxTrackedPeersReturned {
			break
		}
		out = append(out, p.addr)
	}
	return
}

func (me *Tracker) HasPeers(infoHash ID) bool {
	return len(me.swarms[infoHash]) > 0
}

// Expire drops peers past the announce timeout, and empty swarms with them.
func (me *Tracker) Expire() {
	cutoff := me.now().Add(-peerAnnounceTimeout)
	for ih, sw := range me.swarms {
		kept := sw[:0]
		for _, p := range sw {
			if p.seen.After(cutoff) {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(me.swarms, ih)
		} else {
			me.swarms[ih] = kept
		}
	}
}
