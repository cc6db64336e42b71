package dht

import (
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/anacrolix/torrent/bencode"
)

// KRPC query names.
const (
	QPing         = "ping"
	QFindNode     = "find_node"
	QGetPeers     = "get_peers"
	QAnnouncePeer = "announce_peer"
)

// KRPC error codes.
const (
	ErrorGeneric   = 201
	ErrorServer    = 202
	ErrorProtocol  = 203
	ErrorBadMethod = 204
)

// The bencoded KRPC dict. 20-byte ids travel as raw strings.
type Msg struct {
	T string     `bencode:"t"`
	Y string     `bencode:"y"`
	Q string     `bencode:"q,omitempty"`
	A *MsgArgs   `bencode:"a,omitempty"`
	R *Return    `bencode:"r,omitempty"`
	E *KRPCError `bencode:"e,omitempty"`
}

type MsgArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target,omitempty"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
	Token       string `bencode:"token,omitempty"`
}

type Return struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"` // concatenated 26-byte entries
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"` // 6-byte compact peers
}

// The node ID of the source of this message.
func (m Msg) SenderID() (id ID, ok bool) {
	switch m.Y {
	case "q":
		if m.A == nil {
			return
		}
		return IDFromString(m.A.ID)
	case "r":
		if m.R == nil {
			return
		}
		return IDFromString(m.R.ID)
	}
	return
}

// KRPC errors are a 2-element list of code and message.
type KRPCError struct {
	Code int
	Msg  string
}

var (
	_ bencode.Marshaler   = KRPCError{}
	_ bencode.Unmarshaler = (*KRPCError)(nil)
)

func (e KRPCError) MarshalBencode() ([]byte, error) {
	return bencode.Marshal([]any{e.Code, e.Msg})
}

func (e *KRPCError) UnmarshalBencode(b []byte) error {
	var raw []any
	if err := bencode.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) < 2 {
		return fmt.Errorf("krpc error has %d elements", len(raw))
	}
	code, ok := raw[0].(int64)
	if !ok {
		return fmt.Errorf("krpc error code is %T", raw[0])
	}
	msg, ok := raw[1].(string)
	if !ok {
		return fmt.Errorf("krpc error message is %T", raw[1])
	}
	e.Code = int(code)
	e.Msg = msg
	return nil
}

func (e *KRPCError) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Msg)
}

// A 26-byte compact node entry: 20-byte id, 4-byte IPv4, 2-byte port.
type NodeInfo struct {
	ID   ID
	Addr netip.AddrPort
}

const compactNodeInfoLen = 26

func CompactNodes(nodes []NodeInfo) string {
	b := make([]byte, 0, compactNodeInfoLen*len(nodes))
	for _, n := range nodes {
		if !n.Addr.Addr().Unmap().Is4() {
			continue
		}
		b = append(b, n.ID[:]...)
		a4 := n.Addr.Addr().Unmap().As4()
		b = append(b, a4[:]...)
		b = binary.BigEndian.AppendUint16(b, n.Addr.Port())
	}
	return string(b)
}

func ParseCompactNodes(s string) (nodes []NodeInfo, err error) {
	if len(s)%compactNodeInfoLen != 0 {
		return nil, fmt.Errorf("nodes value of %d bytes is not a multiple of %d", len(s), compactNodeInfoLen)
	}
	for i := 0; i < len(s); i += compactNodeInfoLen {
		var n NodeInfo
		copy(n.ID[:], s[i:])
		var a4 [4]byte
		copy(a4[:], s[i+20:])
		port := binary.BigEndian.Uint16([]byte(s[i+24 : i+26]))
		n.Addr = netip.AddrPortFrom(netip.AddrFrom4(a4), port)
		nodes = append(nodes, n)
	}
	return
}

// A 6-byte compact peer value.
func CompactPeer(addr netip.AddrPort) string {
	if !addr.Addr().Unmap().Is4() {
		return ""
	}
	a4 := addr.Addr().Unmap().As4()
	b := append([]byte{}, a4[:]...)
	b = binary.BigEndian.AppendUint16(b, addr.Port())
	return string(b)
}

func ParseCompactPeer(s string) (addr netip.AddrPort, err error) {
	if len(s) != 6 {
		return addr, fmt.Errorf("compact peer of %d bytes", len(s))
	}
	var a4 [4]byte
	copy(a4[:], s)
	return netip.AddrPortFrom(netip.AddrFrom4(a4), binary.BigEndian.Uint16([]byte(s[4:]))), nil
}
