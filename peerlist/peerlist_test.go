package peerlist

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ap(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func TestInsertAddressAdopts(t *testing.T) {
	pl := New()
	a := pl.InsertAddress(ap("10.0.0.1:6881"), AddressAvailable)
	b := pl.InsertAddress(ap("10.0.0.1:6881"), 0)
	assert.Same(t, a, b)
	assert.Equal(t, 1, pl.Len())
	assert.Equal(t, 1, pl.AvailableList().Len())

	// Same host, different port is a distinct peer.
	pl.InsertAddress(ap("10.0.0.1:6882"), 0)
	assert.Equal(t, 2, pl.Len())
}

func TestInsertAddressRespectsAvailableCap(t *testing.T) {
	pl := New()
	pl.AvailableList().SetMaxSize(2)
	for i := 1; i <= 10; i++ {
		pl.InsertAddress(netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), 6881), AddressAvailable)
	}
	assert.Equal(t, 10, pl.Len(), "infos are still tracked past the cap")
	// The fuzzy limit admits addresses until the list exceeds the max.
	assert.Equal(t, 3, pl.AvailableList().Len())
}

func TestPerHostConnectionCap(t *testing.T) {
	pl := New()
	require.NotNil(t, pl.Connected(ap("10.0.0.1:6881"), 0))
	require.NotNil(t, pl.Connected(ap("10.0.0.1:6882"), 0))
	assert.Nil(t, pl.Connected(ap("10.0.0.1:6883"), 0), "per-host cap")
	assert.NotNil(t, pl.Connected(ap("10.0.0.2:6881"), 0), "other hosts unaffected")
}

func TestConnectedTwiceRefused(t *testing.T) {
	pl := New()
	p := pl.Connected(ap("10.0.0.1:6881"), ConnectIncoming)
	require.NotNil(t, p)
	assert.True(t, p.Connected())
	assert.Nil(t, pl.Connected(ap("10.0.0.1:6881"), 0))
}

func TestDisconnectedRequeues(t *testing.T) {
	pl := New()
	p := pl.Connected(ap("10.0.0.1:6881"), 0)
	require.NotNil(t, p)
	pl.Disconnected(p, DisconnectAvailable|DisconnectSetTime)
	assert.False(t, p.Connected())
	assert.Equal(t, 1, pl.AvailableList().Len())

	// The slot freed up.
	require.NotNil(t, pl.Connected(ap("10.0.0.1:6882"), 0))
	require.NotNil(t, pl.Connected(ap("10.0.0.1:6883"), 0))
}

func TestDisconnectQuickCountsFailure(t *testing.T) {
	pl := New()
	p := pl.Connected(ap("10.0.0.1:6881"), 0)
	require.NotNil(t, p)
	pl.Disconnected(p, DisconnectQuick)
	assert.Equal(t, 1, p.FailedCounter())
}

func TestCullOld(t *testing.T) {
	pl := New()
	old := pl.InsertAddress(ap("10.0.0.1:6881"), 0)
	old.listed = time.Now().Add(-time.Hour)
	interesting := pl.InsertAddress(ap("10.0.0.2:6881"), 0)
	interesting.listed = time.Now().Add(-time.Hour)
	interesting.AddTransfer(1 << 20)
	fresh := pl.InsertAddress(ap("10.0.0.3:6881"), 0)

	removed := pl.Cull(CullOld | CullKeepInteresting)
	assert.Equal(t, 1, removed)
	assert.Nil(t, pl.Find(old.Addr()))
	assert.NotNil(t, pl.Find(interesting.Addr()))
	assert.NotNil(t, pl.Find(fresh.Addr()))

	// Without keep-interesting, the old transferring peer goes too.
	removed = pl.Cull(CullOld)
	assert.Equal(t, 1, removed)
	assert.Nil(t, pl.Find(interesting.Addr()))
}

func TestAvailableListPopRandomUnique(t *testing.T) {
	al := newAvailableList()
	for i := 0; i < 10; i++ {
		al.PushBackUnique(ap("10.0.0.1:6881"))
	}
	assert.Equal(t, 1, al.Len())
	for i := 2; i <= 10; i++ {
		al.PushBackUnique(netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i)}), 6881))
	}
	require.Equal(t, 10, al.Len())

	seen := make(map[netip.AddrPort]bool)
	for i := 0; i < 10; i++ {
		addr, ok := al.PopRandom()
		require.True(t, ok)
		assert.False(t, seen[addr])
		seen[addr] = true
	}
	_, ok := al.PopRandom()
	assert.False(t, ok)
}

func TestAvailableWantMore(t *testing.T) {
	al := newAvailableList()
	al.SetMaxSize(2)
	assert.True(t, al.WantMore())
	al.PushBackUnique(ap("10.0.0.1:6881"))
	al.PushBackUnique(ap("10.0.0.2:6881"))
	assert.True(t, al.WantMore(), "fuzzy limit, <= max")
	al.PushBackUnique(ap("10.0.0.3:6881"))
	assert.False(t, al.WantMore())
}
