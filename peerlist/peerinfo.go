package peerlist

import (
	"net/netip"
	"time"
)

// Stable identity for a peer address, surviving across connections. Created
// on first sighting; destroyed only when the list culls it.
type PeerInfo struct {
	addr netip.AddrPort

	id    [20]byte
	idSet bool

	// The port the peer listens on, which may differ from the source port of
	// an incoming connection.
	listenPort uint16

	connected bool
	incoming  bool

	lastConnection  time.Time
	lastHandshake   time.Time
	listed          time.Time // when the address first entered the list
	failedCounter   int
	transferCounter int64 // payload bytes ever exchanged

	// Encryption preference learned from previous connections.
	PreferEncryption bool
}

func (me *PeerInfo) Addr() netip.AddrPort {
	return me.addr
}

func (me *PeerInfo) Key() string {
	return addrKey(me.addr)
}

func (me *PeerInfo) Id() (id [20]byte, ok bool) {
	return me.id, me.idSet
}

func (me *PeerInfo) SetId(id [20]byte) {
	me.id = id
	me.idSet = true
}

func (me *PeerInfo) ListenPort() uint16 {
	if me.listenPort != 0 {
		return me.listenPort
	}
	return me.addr.Port()
}

func (me *PeerInfo) SetListenPort(port uint16) {
	me.listenPort = port
}

func (me *PeerInfo) Connected() bool {
	return me.connected
}

func (me *PeerInfo) LastConnection() time.Time {
	return me.lastConnection
}

func (me *PeerInfo) FailedCounter() int {
	return me.failedCounter
}

func (me *PeerInfo) AddFailed() {
	me.failedCounter++
}

func (me *PeerInfo) TransferCounter() int64 {
	return me.transferCounter
}

func (me *PeerInfo) AddTransfer(n int64) {
	me.transferCounter += n
}

// The normalized address key: address family, address bytes, port.
func addrKey(addr netip.AddrPort) string {
	a := addr.Addr().Unmap()
	b := make([]byte, 0, 1+16+2)
	if a.Is4() {
		b = append(b, 4)
	} else {
		b = append(b, 6)
	}
	b = append(b, a.AsSlice()...)
	b = append(b, byte(addr.Port()>>8), byte(addr.Port()))
	return string(b)
}

// hostKey ignores the port, for per-host connection caps.
func hostKey(addr netip.AddrPort) string {
	return addr.Addr().Unmap().String()
}
