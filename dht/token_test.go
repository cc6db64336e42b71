package dht

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenAcceptWindow(t *testing.T) {
	base := time.Unix(1e9, 0)
	now := base
	ts := newTokenStore(func() time.Time { return now })
	addr := netip.MustParseAddrPort("1.2.3.4:6881")

	tok := ts.MakeToken(addr)
	assert.Len(t, tok, TokenSize)
	assert.True(t, ts.Valid(tok, addr))

	now = base.Add(14*time.Minute + 59*time.Second)
	assert.True(t, ts.Valid(tok, addr), "still on current secret")

	now = base.Add(29*time.Minute + 59*time.Second)
	assert.True(t, ts.Valid(tok, addr), "on previous secret after one rotation")

	now = base.Add(30*time.Minute + 1*time.Second)
	assert.False(t, ts.Valid(tok, addr), "two rotations later")
}

func TestTokenBoundToAddress(t *testing.T) {
	ts := NewTokenStore()
	a := netip.MustParseAddrPort("1.2.3.4:6881")
	b := netip.MustParseAddrPort("5.6.7.8:6881")
	tok := ts.MakeToken(a)
	assert.True(t, ts.Valid(tok, a))
	assert.False(t, ts.Valid(tok, b))
}

func TestTokenIgnoresPort(t *testing.T) {
	ts := NewTokenStore()
	tok := ts.MakeToken(netip.MustParseAddrPort("1.2.3.4:6881"))
	assert.True(t, ts.Valid(tok, netip.MustParseAddrPort("1.2.3.4:51413")))
}

func TestTokenRotationCatchesUp(t *testing.T) {
	base := time.Unix(1e9, 0)
	now := base
	ts := newTokenStore(func() time.Time { return now })
	tok := ts.MakeToken(netip.MustParseAddrPort("1.2.3.4:1"))

	// A long stall rotates multiple times in one call, not just once.
	now = base.Add(3 * time.Hour)
	assert.False(t, ts.Valid(tok, netip.MustParseAddrPort("1.2.3.4:1")))
	assert.Equal(t, base.Add(12*tokenRotationInterval), ts.rotated)
}
