package peer_protocol

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"

	"github.com/anacrolix/torrent/bencode"
)

// A 6-byte compact IPv4 endpoint, the unit of ut_pex added/dropped lists and
// tracker compact responses.
type CompactPeer struct {
	Addr netip.AddrPort
}

func CompactPeerFromNetAddr(ip net.IP, port int) (ret CompactPeer, ok bool) {
	a, ok := netip.AddrFromSlice(ip.To4())
	if !ok {
		return
	}
	ret.Addr = netip.AddrPortFrom(a, uint16(port))
	return ret, true
}

type CompactPeers []CompactPeer

var (
	_ bencode.Marshaler   = CompactPeers(nil)
	_ bencode.Unmarshaler = (*CompactPeers)(nil)
)

func (me CompactPeers) MarshalBencode() ([]byte, error) {
	b := make([]byte, 0, 6*len(me))
	for _, cp := range me {
		a4 := cp.Addr.Addr().As4()
		b = append(b, a4[:]...)
		b = binary.BigEndian.AppendUint16(b, cp.Addr.Port())
	}
	return bencode.Marshal(b)
}

func (me *CompactPeers) UnmarshalBencode(b []byte) (err error) {
	var raw []byte
	err = bencode.Unmarshal(b, &raw)
	if err != nil {
		return
	}
	if len(raw)%6 != 0 {
		return fmt.Errorf("compact peers: %d bytes is not a multiple of 6", len(raw))
	}
	*me = (*me)[:0]
	for i := 0; i < len(raw); i += 6 {
		var a4 [4]byte
		copy(a4[:], raw[i:])
		*me = append(*me, CompactPeer{
			Addr: netip.AddrPortFrom(netip.AddrFrom4(a4), binary.BigEndian.Uint16(raw[i+4:])),
		})
	}
	return
}

type PexPeerFlags byte

const (
	PexPrefersEncryption PexPeerFlags = 1 << iota
	PexSeedUploadOnly
	PexSupportsUtp
	PexHolepunchSupport
	PexOutgoingConn
)

func (me PexPeerFlags) Get(f PexPeerFlags) bool {
	return me&f == f
}

type PexMsg struct {
	Added      CompactPeers   `bencode:"added"`
	AddedFlags []PexPeerFlags `bencode:"added.f"`
	Dropped    CompactPeers   `bencode:"dropped"`
}

func addrIndex(v CompactPeers, a netip.AddrPort) int {
	for i := range v {
		if v[i].Addr == a {
			return i
		}
	}
	return -1
}

func (m *PexMsg) Add(addr netip.AddrPort, f PexPeerFlags) {
	if !addr.Addr().Is4() {
		return
	}
	if addrIndex(m.Added, addr) >= 0 {
		return
	}
	if i := addrIndex(m.Dropped, addr); i >= 0 {
		// On the dropped list: cancel out.
		m.Dropped = append(m.Dropped[:i], m.Dropped[i+1:]...)
		return
	}
	m.Added = append(m.Added, CompactPeer{addr})
	m.AddedFlags = append(m.AddedFlags, f)
}

func (m *PexMsg) Drop(addr netip.AddrPort) {
	if !addr.Addr().Is4() {
		return
	}
	if addrIndex(m.Dropped, addr) >= 0 {
		return
	}
	if i := addrIndex(m.Added, addr); i >= 0 {
		m.Added = append(m.Added[:i], m.Added[i+1:]...)
		m.AddedFlags = append(m.AddedFlags[:i], m.AddedFlags[i+1:]...)
		return
	}
	m.Dropped = append(m.Dropped, CompactPeer{addr})
}

// DeltaLen returns max of {added, dropped}.
func (m *PexMsg) DeltaLen() int {
	return max(len(m.Added), len(m.Dropped))
}

func (m *PexMsg) Message(pexExtendedId ExtensionNumber) Message {
	return Message{
		Type:            Extended,
		ExtendedID:      pexExtendedId,
		ExtendedPayload: bencode.MustMarshal(m),
	}
}

func LoadPexMsg(b []byte) (ret PexMsg, err error) {
	err = bencode.Unmarshal(b, &ret)
	return
}
