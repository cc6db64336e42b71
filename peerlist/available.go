package peerlist

import (
	"math/rand"
	"net/netip"
)

const defaultAvailableMax = 1000

// AvailableList holds candidate addresses for dialing. The size limit is
// fuzzy; WantMore turns off once it's reached.
type AvailableList struct {
	addrs   []netip.AddrPort
	maxSize int
}

func newAvailableList() *AvailableList {
	return &AvailableList{maxSize: defaultAvailableMax}
}

func (me *AvailableList) Len() int {
	return len(me.addrs)
}

func (me *AvailableList) MaxSize() int {
	return me.maxSize
}

func (me *AvailableList) SetMaxSize(n int) {
	me.maxSize = n
}

func (me *AvailableList) WantMore() bool {
	return len(me.addrs) <= me.maxSize
}

// PopRandom removes and returns a uniformly chosen candidate.
func (me *AvailableList) PopRandom() (addr netip.AddrPort, ok bool) {
	if len(me.addrs) == 0 {
		return
	}
	i := rand.Intn(len(me.addrs))
	addr = me.addrs[i]
	me.addrs[i] = me.addrs[len(me.addrs)-1]
	me.addrs = me.addrs[:len(me.addrs)-1]
	return addr, true
}

// PushBackUnique appends unless the address is already listed.
func (me *AvailableList) PushBackUnique(addr netip.AddrPort) {
	for _, a := range me.addrs {
		if a == addr {
			return
		}
	}
	me.addrs = append(me.addrs, addr)
}

func (me *AvailableList) Erase(addr netip.AddrPort) {
	for i, a := range me.addrs {
		if a == addr {
			me.addrs[i] = me.addrs[len(me.addrs)-1]
			me.addrs = me.addrs[:len(me.addrs)-1]
			return
		}
	}
}

func (me *AvailableList) Clear() {
	me.addrs = me.addrs[:0]
}
