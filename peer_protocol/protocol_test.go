package peer_protocol

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anacrolix/torrent/metainfo"
)

func TestConstants(t *testing.T) {
	// BEP 3 message ids.
	assert.EqualValues(t, 4, Have)
	assert.EqualValues(t, 9, Port)
	assert.EqualValues(t, 20, Extended)
	assert.Equal(t, 20, len(Protocol))
	assert.EqualValues(t, 0x13, Protocol[0])
}

func TestRequestMessageRoundTrip(t *testing.T) {
	in := Message{Type: Request, Index: 13, Begin: 1 << 14, Length: 1<<14 - 1}
	b := in.MustMarshalBinary()
	require.Len(t, b, 4+1+12)
	var out Message
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, in, out)
}

func TestKeepaliveEncoding(t *testing.T) {
	b := Message{Keepalive: true}.MustMarshalBinary()
	assert.Equal(t, []byte{0, 0, 0, 0}, b)
	var out Message
	require.NoError(t, out.UnmarshalBinary(b))
	assert.True(t, out.Keepalive)
}

func TestDecodePieceUsesPool(t *testing.T) {
	pool := &sync.Pool{New: func() any {
		b := make([]byte, DefaultBlockSize)
		return &b
	}}
	payload := bytes.Repeat([]byte{0xa5}, 1024)
	b := Message{Type: Piece, Index: 1, Begin: 2, Piece: payload}.MustMarshalBinary()
	d := Decoder{
		R:         bufio.NewReader(bytes.NewReader(b)),
		Pool:      pool,
		MaxLength: 1 << 18,
	}
	var msg Message
	require.NoError(t, d.Decode(&msg))
	assert.EqualValues(t, Piece, msg.Type)
	assert.Equal(t, payload, msg.Piece)
	assert.EqualValues(t, DefaultBlockSize, cap(msg.Piece))
}

func TestDecodeShortRequestRejected(t *testing.T) {
	// Request with a truncated payload: length prefix of 5, type Request.
	b := []byte{0, 0, 0, 5, byte(Request), 1, 2, 3, 4}
	var msg Message
	err := msg.UnmarshalBinary(b)
	require.Error(t, err)
}

func TestDecodeShortPieceRejected(t *testing.T) {
	// Claimed length 5 can't cover the index and begin fields. The decoder
	// must fail before sizing the payload from an underflowed remainder.
	b := []byte{0, 0, 0, 5, byte(Piece), 1, 2, 3, 4}
	d := Decoder{R: bufio.NewReader(bytes.NewReader(b)), MaxLength: 1 << 18}
	var msg Message
	err := d.Decode(&msg)
	require.Error(t, err)
	assert.Nil(t, msg.Piece)
}

func TestDecodeShortExtendedRejected(t *testing.T) {
	// No room for the extension id byte.
	b := []byte{0, 0, 0, 1, byte(Extended)}
	d := Decoder{R: bufio.NewReader(bytes.NewReader(b)), MaxLength: 1 << 18}
	var msg Message
	require.Error(t, d.Decode(&msg))
	assert.Nil(t, msg.ExtendedPayload)
}

func TestDecoderCleanEOF(t *testing.T) {
	d := Decoder{R: bufio.NewReader(bytes.NewReader(nil)), MaxLength: 1}
	var msg Message
	assert.Equal(t, io.EOF, d.Decode(&msg))
}

func TestBitfieldEncoding(t *testing.T) {
	bf := []bool{true, false, false, false, false, false, false, false, true}
	b := Message{Type: Bitfield, Bitfield: bf}.MustMarshalBinary()
	assert.Equal(t, []byte{0, 0, 0, 3, byte(Bitfield), 0x80, 0x80}, b)
}

func TestHandshake(t *testing.T) {
	var ih metainfo.Hash
	copy(ih[:], "01234567890123456789")
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	var initiatorRes, receiverRes HandshakeResult
	var initiatorErr, receiverErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		initiatorRes, initiatorErr = Handshake(a, &ih, [20]byte{1}, NewPeerExtensionBytes(ExtensionBitDht, ExtensionBitLtep))
	}()
	go func() {
		defer wg.Done()
		receiverRes, receiverErr = Handshake(b, nil, [20]byte{2}, NewPeerExtensionBytes(ExtensionBitLtep))
	}()
	wg.Wait()
	require.NoError(t, initiatorErr)
	require.NoError(t, receiverErr)
	assert.Equal(t, ih, initiatorRes.Hash)
	assert.Equal(t, ih, receiverRes.Hash)
	assert.EqualValues(t, [20]byte{2}, initiatorRes.PeerID)
	assert.EqualValues(t, [20]byte{1}, receiverRes.PeerID)
	assert.True(t, receiverRes.SupportsDHT())
	assert.True(t, receiverRes.SupportsExtended())
	assert.False(t, initiatorRes.SupportsDHT())
}

func TestPexAddDropCancel(t *testing.T) {
	addr := netip.MustParseAddrPort("1.2.3.4:6881")
	var m PexMsg
	m.Add(addr, PexOutgoingConn)
	require.Len(t, m.Added, 1)
	m.Add(addr, PexOutgoingConn)
	require.Len(t, m.Added, 1)
	m.Drop(addr)
	assert.Empty(t, m.Added)
	assert.Empty(t, m.Dropped)

	m.Drop(addr)
	require.Len(t, m.Dropped, 1)
	m.Add(addr, 0)
	assert.Empty(t, m.Dropped)
	assert.Empty(t, m.Added)
}

func TestPexMessageRoundTrip(t *testing.T) {
	var m PexMsg
	m.Add(netip.MustParseAddrPort("1.2.3.4:6881"), PexPrefersEncryption)
	m.Drop(netip.MustParseAddrPort("4.3.2.1:1024"))
	msg := m.Message(2)
	out, err := LoadPexMsg(msg.ExtendedPayload)
	require.NoError(t, err)
	assert.Equal(t, m.Added, out.Added)
	assert.Equal(t, m.AddedFlags, out.AddedFlags)
	assert.Equal(t, m.Dropped, out.Dropped)
}
