package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math/bits"
)

// A 160-bit node or info-hash identifier.
type ID [20]byte

func RandomID() (id ID) {
	rand.Read(id[:])
	return
}

func IDFromString(s string) (id ID, ok bool) {
	if len(s) != 20 {
		return
	}
	copy(id[:], s)
	return id, true
}

func (id ID) AsString() string {
	return string(id[:])
}

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

func (id ID) IsZero() bool {
	return id == ID{}
}

// ShortHash is the secondary 64-bit hash used when indexing hash tables,
// derived from bytes [8..16).
func (id ID) ShortHash() uint64 {
	return binary.BigEndian.Uint64(id[8:16])
}

func (id ID) Xor(other ID) (ret ID) {
	for i := range ret {
		ret[i] = id[i] ^ other[i]
	}
	return
}

// Cmp is bytewise comparison, treating the id as a big-endian 160-bit value.
func (id ID) Cmp(other ID) int {
	return bytes.Compare(id[:], other[:])
}

func (id ID) Less(other ID) bool {
	return id.Cmp(other) < 0
}

// LeadingZeros of the id; 160 for the zero value. The bucket depth of a
// distance.
func (id ID) LeadingZeros() int {
	n := 0
	for _, b := range id {
		z := bits.LeadingZeros8(b)
		n += z
		if z < 8 {
			break
		}
	}
	return n
}

// Closer reports whether a is closer to id than b, by XOR distance.
func (id ID) Closer(a, b ID) bool {
	return id.Xor(a).Cmp(id.Xor(b)) < 0
}

// SetBit sets bit i counting from the most significant.
func (id *ID) SetBit(i int, v bool) {
	if v {
		id[i/8] |= 0x80 >> (i % 8)
	} else {
		id[i/8] &^= 0x80 >> (i % 8)
	}
}

func (id ID) GetBit(i int) bool {
	return id[i/8]&(0x80>>(i%8)) != 0
}

// RandomIDInRange returns an id in [lo, hi), for bucket refresh.
func RandomIDInRange(lo, hi ID) ID {
	for {
		id := RandomID()
		// Narrow to the range with the common prefix of lo and the bucket
		// bound, brute force is fine at 160 bits of entropy per try only if
		// the range is large; instead clamp directly.
		if id.Cmp(lo) >= 0 && id.Cmp(hi) < 0 {
			return id
		}
		// Clamp: copy the high bits from lo so the next try lands inside.
		prefix := lo.Xor(hi).LeadingZeros()
		for i := 0; i < prefix; i++ {
			id.SetBit(i, lo.GetBit(i))
		}
		if id.Cmp(lo) >= 0 && id.Cmp(hi) < 0 {
			return id
		}
	}
}
