package dht

import (
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTrackerAnnounceAndPeers(t *testing.T) {
	tr := NewTracker()
	ih := RandomID()
	assert.False(t, tr.HasPeers(ih))

	a := netip.MustParseAddrPort("1.2.3.4:6881")
	tr.Announce(ih, a)
	tr.Announce(ih, a) // reannounce is idempotent
	assert.True(t, tr.HasPeers(ih))
	assert.Equal(t, []netip.AddrPort{a}, tr.Peers(ih))
}

func TestTrackerReturnCap(t *testing.T) {
	tr := NewTracker()
	ih := RandomID()
	for i := 0; i < maxTrackedPeersReturned+10; i++ {
		tr.Announce(ih, netip.MustParseAddrPort(fmt.Sprintf("10.0.0.%d:6881", i+1)))
	}
	assert.Len(t, tr.Peers(ih), maxTrackedPeersReturned)
}

func TestTrackerExpire(t *testing.T) {
	tr := NewTracker()
	base := time.Unix(1e9, 0)
	now := base
	tr.now = func() time.Time { return now }

	ih := RandomID()
	old := netip.MustParseAddrPort("1.1.1.1:1")
	fresh := netip.MustParseAddrPort("2.2.2.2:2")
	tr.Announce(ih, old)
	now = base.Add(20 * time.Minute)
	tr.Announce(ih, fresh)

	now = base.Add(31 * time.Minute)
	tr.Expire()
	assert.Equal(t, []netip.AddrPort{fresh}, tr.Peers(ih))

	now = base.Add(2 * time.Hour)
	tr.Expire()
	assert.False(t, tr.HasPeers(ih))
	assert.Empty(t, tr.swarms, "empty swarms must be deleted")
}
