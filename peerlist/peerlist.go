// Package peerlist is the candidate pool and connection admission policy:
// one PeerInfo per sighted address, a bounded available-list for dialing, and
// idle-peer culling.
package peerlist

import (
	"net/netip"
	"sort"
	"time"

	"github.com/anacrolix/multiless"
)

type InsertFlags int

const (
	// Push the address into the available-list for dialing.
	AddressAvailable InsertFlags = 1 << iota
)

type ConnectFlags int

const (
	ConnectIncoming ConnectFlags = 1 << iota
	// Don't reject an address we connected to only recently.
	ConnectFilterRecent
)

type DisconnectFlags int

const (
	// Re-queue the address for future dialing.
	DisconnectAvailable DisconnectFlags = 1 << iota
	// The connection failed before getting anywhere.
	DisconnectQuick
	DisconnectSetTime
)

type CullFlags int

const (
	CullOld CullFlags = 1 << iota
	// Keep peers that ever moved payload bytes.
	CullKeepInteresting
)

const (
	maxConnectionsPerHost = 2
	// Dialing an address we tried in the last minute is a waste.
	recentConnectionWindow = time.Minute
	// CullOld removes peers idle beyond this.
	cullIdleThreshold = 30 * time.Minute
)

// PeerList is a multimap from normalized address key to PeerInfo. Several
// infos may share a host (different ports).
type PeerList struct {
	peers     map[string][]*PeerInfo
	hostConns map[string]int
	available *AvailableList
}

func New() *PeerList {
	return &PeerList{
		peers:     make(map[string][]*PeerInfo),
		hostConns: make(map[string]int),
		available: newAvailableList(),
	}
}

func (me *PeerList) Len() int {
	n := 0
	for _, ps := range me.peers {
		n += len(ps)
	}
	return n
}

func (me *PeerList) AvailableList() *AvailableList {
	return me.available
}

// InsertAddress adopts or updates the info for the address.
func (me *PeerList) InsertAddress(addr netip.AddrPort, flags InsertFlags) *PeerInfo {
	key := addrKey(addr)
	for _, p := range me.peers[key] {
		if p.addr == addr {
			if flags&AddressAvailable != 0 && !p.connected && me.available.WantMore() {
				me.available.PushBackUnique(addr)
			}
			return p
		}
	}
	p := &PeerInfo{addr: addr, listed: time.Now()}
	me.peers[key] = append(me.peers[key], p)
	if flags&AddressAvailable != 0 && me.available.WantMore() {
		me.available.PushBackUnique(addr)
	}
	return p
}

// Find returns the info for the exact address, or nil.
func (me *PeerList) Find(addr netip.AddrPort) *PeerInfo {
	for _, p := range me.peers[addrKey(addr)] {
		if p.addr == addr {
			return p
		}
	}
	return nil
}

// Connected returns a peer info ready to own a connection, or nil if the
// per-host cap would be exceeded or admission is otherwise refused.
func (me *PeerList) Connected(addr netip.AddrPort, flags ConnectFlags) *PeerInfo {
	host := hostKey(addr)
	if me.hostConns[host] >= maxConnectionsPerHost {
		return nil
	}
	p := me.InsertAddress(addr, 0)
	if p.connected {
		return nil
	}
	if flags&ConnectFilterRecent != 0 &&
		!p.lastConnection.IsZero() &&
		time.Since(p.lastConnection) < recentConnectionWindow {
		return nil
	}
	p.connected = true
	p.incoming = flags&ConnectIncoming != 0
	p.lastConnection = time.Now()
	me.hostConns[host]++
	me.available.Erase(addr)
	return p
}

// Disconnected records the end of the peer's connection.
func (me *PeerList) Disconnected(p *PeerInfo, flags DisconnectFlags) {
	if !p.connected {
		return
	}
	p.connected = false
	host := hostKey(p.addr)
	if me.hostConns[host]--; me.hostConns[host] <= 0 {
		delete(me.hostConns, host)
	}
	if flags&DisconnectSetTime != 0 {
		p.lastConnection = time.Now()
	}
	if flags&DisconnectQuick != 0 {
		p.failedCounter++
	}
	if flags&DisconnectAvailable != 0 {
		me.available.PushBackUnique(p.addr)
	}
}

// Cull removes idle peers, least interesting and longest idle first. Returns
// how many were removed.
func (me *PeerList) Cull(flags CullFlags) (removed int) {
	if flags&CullOld == 0 {
		return 0
	}
	cutoff := time.Now().Add(-cullIdleThreshold)
	var victims []*PeerInfo
	for _, ps := range me.peers {
		for _, p := range ps {
			if p.connected {
				continue
			}
			last := p.lastConnection
			if last.IsZero() {
				last = p.listed
			}
			if !last.Before(cutoff) {
				continue
			}
			if flags&CullKeepInteresting != 0 && p.transferCounter > 0 {
				continue
			}
			victims = append(victims, p)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		a, b := victims[i], victims[j]
		return multiless.New().
			Bool(a.transferCounter > 0, b.transferCounter > 0).
			Int64(a.lastConnection.UnixNano(), b.lastConnection.UnixNano()).
			Less()
	})
	for _, p := range victims {
		me.remove(p)
		removed++
	}
	return
}

func (me *PeerList) remove(p *PeerInfo) {
	key := addrKey(p.addr)
	ps := me.peers[key]
	for i, q := range ps {
		if q == p {
			ps = append(ps[:i], ps[i+1:]...)
			break
		}
	}
	if len(ps) == 0 {
		delete(me.peers, key)
	} else {
		me.peers[key] = ps
	}
	me.available.Erase(p.addr)
}
