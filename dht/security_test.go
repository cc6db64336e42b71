package dht

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecureIDRoundTrip(t *testing.T) {
	for _, s := range []string{"1.2.3.4", "21.75.31.124", "2001:db8::1"} {
		a := netip.MustParseAddr(s)
		id := RandomID()
		SecureID(&id, a)
		assert.True(t, IDIsSecure(id, a), "for %v", a)
	}
}

func TestSecureIDBoundToAddr(t *testing.T) {
	a := netip.MustParseAddr("1.2.3.4")
	b := netip.MustParseAddr("99.88.77.66")
	id := RandomID()
	SecureID(&id, a)
	assert.True(t, IDIsSecure(id, a))
	assert.False(t, IDIsSecure(id, b))
}

func TestSecureIDPreservesLowBits(t *testing.T) {
	id := RandomID()
	low := id[2] & 7
	tail := id[3:19]
	var tailCopy [16]byte
	copy(tailCopy[:], tail)
	SecureID(&id, netip.MustParseAddr("1.2.3.4"))
	assert.Equal(t, low, id[2]&7)
	assert.Equal(t, tailCopy[:], id[3:19])
}
