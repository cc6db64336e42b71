package peer_protocol

import (
	"encoding/binary"
	"io"
)

type (
	MessageType     byte
	Integer         uint32
	ExtensionNumber byte
)

func (i *Integer) Read(r io.Reader) error {
	return binary.Read(r, binary.BigEndian, i)
}

func (i Integer) Int() int {
	return int(i)
}

func (i Integer) Uint32() uint32 {
	return uint32(i)
}

// The header of every stream, before the reserved bytes.
const Protocol = "\x13BitTorrent protocol"

const (
	Choke         MessageType = iota
	Unchoke                   // 1
	Interested                // 2
	NotInterested             // 3
	Have                      // 4
	Bitfield                  // 5
	Request                   // 6
	Piece                     // 7
	Cancel                    // 8
	Port                      // 9

	Extended MessageType = 20
)

const (
	HandshakeExtendedID ExtensionNumber = 0

	RequestMetadataExtensionMsgType = 0
	DataMetadataExtensionMsgType    = 1
	RejectMetadataExtensionMsgType  = 2
)

// Transfer unit for the piece delegator. Also the ut_metadata piece size.
const (
	DefaultBlockSize  = 1 << 14
	MetadataPieceSize = 1 << 14
)

func (mt MessageType) String() string {
	switch mt {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Extended:
		return "extended"
	default:
		return "unknown"
	}
}

// FixedPayloadLen returns the expected payload length for message types with
// fixed sizes, or -1.
func (mt MessageType) FixedPayloadLen() int {
	switch mt {
	case Choke, Unchoke, Interested, NotInterested:
		return 0
	case Have:
		return 4
	case Request, Cancel:
		return 12
	case Port:
		return 2
	default:
		return -1
	}
}

// A request or piece extent on the wire.
type RequestSpec struct {
	Index, Begin, Length Integer
}
