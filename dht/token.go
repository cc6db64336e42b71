package dht

import (
	"crypto/rand"
	"crypto/sha1"
	"net/netip"
	"time"
)

// Announce tokens are the first 8 bytes of SHA1(secret ‖ address). Secrets
// rotate every 15 minutes and the previous one stays valid, so a token is
// accepted for 15-30 minutes after issue.
const (
	TokenSize            = 8
	tokenRotationInterval = 15 * time.Minute
)

type tokenSecret [20]byte

type TokenStore struct {
	current  tokenSecret
	previous tokenSecret
	rotated  time.Time
	now      func() time.Time
}

func NewTokenStore() *TokenStore {
	return newTokenStore(time.Now)
}

func newTokenStore(now func() time.Time) *TokenStore {
	me := &TokenStore{now: now, rotated: now()}
	rand.Read(me.current[:])
	rand.Read(me.previous[:])
	return me
}

func (me *TokenStore) rotateIfDue() {
	for me.now().Sub(me.rotated) >= tokenRotationInterval {
		me.previous = me.current
		rand.Read(me.current[:])
		me.rotated = me.rotated.Add(tokenRotationInterval)
	}
}

func tokenFor(secret tokenSecret, addr netip.AddrPort) string {
	h := sha1.New()
	h.Write(secret[:])
	a := addr.Addr().Unmap()
	b := a.AsSlice()
	h.Write(b)
	return string(h.Sum(nil)[:TokenSize])
}

// MakeToken issues a token for the remote address.
func (me *TokenStore) MakeToken(addr netip.AddrPort) string {
	me.rotateIfDue()
	return tokenFor(me.current, addr)
}

// Valid accepts tokens minted from the current or previous secret.
func (me *TokenStore) Valid(token string, addr netip.AddrPort) bool {
	me.rotateIfDue()
	return token == tokenFor(me.current, addr) || token == tokenFor(me.previous, addr)
}
