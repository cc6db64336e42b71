package peer_protocol

import (
	"github.com/anacrolix/torrent/bencode"
)

// Extension names we negotiate in the BEP 10 handshake.
const (
	ExtensionNamePex      = "ut_pex"
	ExtensionNameMetadata = "ut_metadata"
)

// The sub-id 0 handshake payload.
type ExtendedHandshakeMessage struct {
	M            map[string]ExtensionNumber `bencode:"m"`
	Port         int                        `bencode:"p,omitempty"`
	V            string                     `bencode:"v,omitempty"`
	Reqq         int                        `bencode:"reqq,omitempty"`
	MetadataSize int                        `bencode:"metadata_size,omitempty"`
	YourIp       bencode.Bytes              `bencode:"yourip,omitempty"`
}

// ut_metadata messages. Type 1 (data) is followed by the raw piece bytes,
// which bencode leaves trailing after the dict.
type MetadataExtensionMessage struct {
	MsgType   int `bencode:"msg_type"`
	Piece     int `bencode:"piece"`
	TotalSize int `bencode:"total_size,omitempty"`
}

func MetadataExtensionRequestMsg(eid ExtensionNumber, piece int) Message {
	return Message{
		Type:       Extended,
		ExtendedID: eid,
		ExtendedPayload: bencode.MustMarshal(MetadataExtensionMessage{
			MsgType: RequestMetadataExtensionMsgType,
			Piece:   piece,
		}),
	}
}

func MetadataExtensionDataMsg(eid ExtensionNumber, piece, totalSize int, data []byte) Message {
	payload := bencode.MustMarshal(MetadataExtensionMessage{
		MsgType:   DataMetadataExtensionMsgType,
		Piece:     piece,
		TotalSize: totalSize,
	})
	return Message{
		Type:            Extended,
		ExtendedID:      eid,
		ExtendedPayload: append(payload, data...),
	}
}

func MetadataExtensionRejectMsg(eid ExtensionNumber, piece int) Message {
	return Message{
		Type:       Extended,
		ExtendedID: eid,
		ExtendedPayload: bencode.MustMarshal(MetadataExtensionMessage{
			MsgType: RejectMetadataExtensionMsgType,
			Piece:   piece,
		}),
	}
}
