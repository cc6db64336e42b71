package dht

import (
	"hash/crc32"
	"net/netip"
)

// BEP 42 style secure node ids: the top bits of the id commit to a CRC32C of
// the node's masked IP. Hardened nodes are preferred when filling
// replacement slots.

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func maskForAddr(a netip.Addr) []byte {
	if a.Is4() {
		return []byte{0x03, 0x0f, 0x3f, 0xff}
	}
	return []byte{0x01, 0x03, 0x07, 0x0f, 0x1f, 0x3f, 0x7f, 0xff}
}

func crcAddr(a netip.Addr, rand uint8) uint32 {
	a = a.Unmap()
	ip := a.AsSlice()
	mask := maskForAddr(a)
	for i := range mask {
		ip[i] &= mask[i]
	}
	ip[0] |= (rand & 7) << 5
	return crc32.Checksum(ip[:len(mask)], castagnoli)
}

// SecureID makes the id secure for the address, in place.
func SecureID(id *ID, a netip.Addr) {
	crc := crcAddr(a, id[19])
	id[0] = byte(crc >> 24)
	id[1] = byte(crc >> 16)
	id[2] = byte(crc>>8&0xf8) | id[2]&7
}

// IDIsSecure reports whether the id commits to the address.
func IDIsSecure(id ID, a netip.Addr) bool {
	crc := crcAddr(a, id[19])
	return id[0] == byte(crc>>24) &&
		id[1] == byte(crc>>16) &&
		id[2]&0xf8 == byte(crc>>8&0xf8)
}
