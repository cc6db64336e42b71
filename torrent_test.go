package rotor

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pp "github.com/rotorlib/rotor/peer_protocol"
	"github.com/rotorlib/rotor/peerlist"
)

// dialSelf hands back a connected TCP socket with a real remote address.
func dialSelf(t *testing.T) net.Conn {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	accepted := make(chan net.Conn, 1)
	go func() {
		if c, err := l.Accept(); err == nil {
			accepted <- c
		}
	}()
	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		l.Close()
		select {
		case c := <-accepted:
			c.Close()
		default:
		}
	})
	return conn
}

// An outgoing dial whose handshaken socket is then refused by admission must
// settle the half-open count exactly once, through dialFailed.
func TestRefusedConnSettlesHalfOpenOnce(t *testing.T) {
	cl := newTestClient(t, func(cfg *ClientConfig) {
		cfg.MaxPeersPerTorrent = 0
	})
	spec := testTorrentSpec(t, "dial.dat", 16<<10, testData(t, 16<<10))
	tor, err := cl.AddTorrent(spec)
	require.NoError(t, err)

	conn := dialSelf(t)
	addr := connAddrPort(conn)
	cl.mu.Lock()
	// What openConns does before handing the address to initiateConn.
	require.NotNil(t, tor.peers.Connected(addr, 0))
	tor.halfOpen = 1
	cl.mu.Unlock()

	require.False(t, tor.addConn(conn, conn, pp.HandshakeResult{}, false))
	cl.mu.Lock()
	assert.Equal(t, 1, tor.halfOpen, "refusal leaves settlement to dialFailed")
	cl.mu.Unlock()

	tor.dialFailed(addr)
	cl.mu.Lock()
	assert.Equal(t, 0, tor.halfOpen)
	cl.mu.Unlock()
}

func TestNoDialsAfterClose(t *testing.T) {
	cl := newTestClient(t, nil)
	spec := testTorrentSpec(t, "closed.dat", 16<<10, testData(t, 16<<10))
	tor, err := cl.AddTorrent(spec)
	require.NoError(t, err)
	cl.DropTorrent(spec.InfoHash)

	cl.mu.Lock()
	tor.peers.InsertAddress(netip.MustParseAddrPort("10.0.0.1:6881"), peerlist.AddressAvailable)
	tor.openConns()
	half := tor.halfOpen
	avail := tor.peers.AvailableList().Len()
	cl.mu.Unlock()
	assert.Equal(t, 0, half)
	assert.Equal(t, 1, avail, "candidates must not be consumed during teardown")
}

// A piece that fails its hash check has its bytes wiped, so nothing stale
// survives for a later verify pass.
func TestFailedPieceCleared(t *testing.T) {
	const pieceLength = 16 << 10
	cl := newTestClient(t, nil)
	spec := testTorrentSpec(t, "clear.dat", pieceLength, testData(t, 2*pieceLength))
	tor, err := cl.AddTorrent(spec)
	require.NoError(t, err)

	garbage := testData(t, pieceLength)
	require.NoError(t, tor.writeBlock(0, 0, garbage))
	got, err := tor.readBlock(0, 0, pieceLength)
	require.NoError(t, err)
	require.True(t, bytes.Equal(garbage, got))

	tor.clearPiece(0)
	got, err = tor.readBlock(0, 0, pieceLength)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, pieceLength), got)
}
