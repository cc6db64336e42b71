package rotor

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/rotorlib/rotor/dht"
	"github.com/rotorlib/rotor/eventloop"
	"github.com/rotorlib/rotor/hashqueue"
	"github.com/rotorlib/rotor/mse"
	pp "github.com/rotorlib/rotor/peer_protocol"
	"github.com/rotorlib/rotor/storage"
	"github.com/rotorlib/rotor/throttle"
)

// Client shares a listen socket, the file pool, the hash pipeline, the event
// loop and the throttles across its torrents.
type Client struct {
	mu sync.Mutex

	config *ClientConfig
	logger log.Logger
	peerID [20]byte
	// Random per-session tracker key, BEP 3's "key" parameter.
	announceKey int32

	listener net.Listener
	dht      *dht.Server
	filePool *storage.FilePool
	loop     *eventloop.Loop
	disk     *eventloop.DiskWorker
	hashes   *hashqueue.Queue

	upThrottle   *throttle.Throttle
	downThrottle *throttle.Throttle

	torrents map[metainfo.Hash]*Torrent

	closed chansync.SetOnce
}

func NewClient(cfg *ClientConfig) (cl *Client, err error) {
	if cfg == nil {
		cfg = NewDefaultClientConfig()
	}
	if cfg.Logger.IsZero() {
		cfg.Logger = log.Default
	}
	cl = &Client{
		config:   cfg,
		logger:   cfg.Logger.WithContextText("rotor"),
		filePool: storage.NewFilePool(cfg.MaxOpenFiles),
		loop:     eventloop.New(),
		disk:     eventloop.NewDiskWorker(),
		torrents: make(map[metainfo.Hash]*Torrent),
	}
	if err = cl.initPeerID(); err != nil {
		return nil, err
	}
	var keyBytes [4]byte
	rand.Read(keyBytes[:])
	cl.announceKey = int32(binary.BigEndian.Uint32(keyBytes[:]))
	cl.listener, err = net.Listen("tcp", fmt.Sprintf(":%d", cfg.ListenPort))
	if err != nil {
		return nil, errors.Wrap(err, "listening for peers")
	}
	if cfg.Dht != DhtOff {
		if err = cl.startDht(); err != nil {
			cl.listener.Close()
			if cfg.Dht == DhtOn {
				return nil, err
			}
			// Auto mode shrugs off a missing UDP socket.
			cl.logger.Levelf(log.Warning, "dht disabled: %v", err)
		}
	}
	cl.upThrottle = throttle.New(cfg.UploadThrottleRate)
	cl.downThrottle = throttle.New(cfg.DownloadThrottleRate)
	cl.upThrottle.Start()
	cl.downThrottle.Start()
	cl.hashes = hashqueue.New(hashqueue.Opts{
		// Completions drain on the event loop, preserving submission order
		// per torrent.
		HasWork: func() { cl.loop.Post(func() { cl.hashes.Work() }) },
		Logger:  cl.logger,
	})
	go cl.loop.Run()
	go cl.acceptLoop()
	return cl, nil
}

func (cl *Client) initPeerID() error {
	if cl.config.PeerID != "" {
		if len(cl.config.PeerID) != 20 {
			return errors.Errorf("peer id is %d bytes", len(cl.config.PeerID))
		}
		copy(cl.peerID[:], cl.config.PeerID)
		return nil
	}
	n := copy(cl.peerID[:], cl.config.Bep20)
	rand.Read(cl.peerID[n:])
	return nil
}

func (cl *Client) startDht() error {
	port := cl.LocalPort()
	var id dht.ID
	if p := cl.config.DhtCachePath; p != "" {
		id = dht.CachedID(p)
	}
	s, err := dht.NewServer(dht.ServerOpts{
		ID:           id,
		Addr:         fmt.Sprintf(":%d", port),
		AnnouncePort: port,
		OnPeersFound: cl.onDhtPeers,
		Logger:       cl.logger,
	})
	if err != nil {
		return err
	}
	cl.dht = s
	if p := cl.config.DhtCachePath; p != "" {
		if c, err := dht.ReadCacheFile(p); err == nil {
			s.LoadCache(c)
		}
	}
	for _, hostport := range cl.config.DhtBootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp4", hostport)
		if err != nil {
			cl.logger.Levelf(log.Warning, "resolving dht bootstrap node %q: %v", hostport, err)
			continue
		}
		s.AddContact(addr.AddrPort())
	}
	return nil
}

func (cl *Client) PeerID() [20]byte {
	return cl.peerID
}

func (cl *Client) LocalPort() int {
	return cl.listener.Addr().(*net.TCPAddr).Port
}

func (cl *Client) DhtServer() *dht.Server {
	return cl.dht
}

// AddTorrent registers the torrent with the client and starts announcing and
// dialing for it.
func (cl *Client) AddTorrent(spec *TorrentSpec) (t *Torrent, err error) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.closed.IsSet() {
		return nil, errors.New("client closed")
	}
	if existing, ok := cl.torrents[spec.InfoHash]; ok {
		return existing, nil
	}
	t, err = newTorrent(cl, spec)
	if err != nil {
		return nil, err
	}
	cl.torrents[spec.InfoHash] = t
	t.start()
	return t, nil
}

// Torrent returns the torrent for the info-hash if the client has it.
func (cl *Client) Torrent(ih metainfo.Hash) (t *Torrent, ok bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	t, ok = cl.torrents[ih]
	return
}

func (cl *Client) DropTorrent(ih metainfo.Hash) {
	cl.mu.Lock()
	t, ok := cl.torrents[ih]
	delete(cl.torrents, ih)
	cl.mu.Unlock()
	if ok {
		t.Close()
	}
}

func (cl *Client) Close() {
	if !cl.closed.Set() {
		return
	}
	cl.listener.Close()
	cl.mu.Lock()
	torrents := make([]*Torrent, 0, len(cl.torrents))
	for _, t := range cl.torrents {
		torrents = append(torrents, t)
	}
	cl.torrents = make(map[metainfo.Hash]*Torrent)
	cl.mu.Unlock()
	for _, t := range torrents {
		t.Close()
	}
	if cl.dht != nil {
		if p := cl.config.DhtCachePath; p != "" {
			if err := dht.WriteCacheFile(p, cl.dht.SaveCache()); err != nil {
				cl.logger.Levelf(log.Warning, "saving dht cache: %v", err)
			}
		}
		cl.dht.Close()
	}
	cl.hashes.Close()
	cl.upThrottle.Stop()
	cl.downThrottle.Stop()
	cl.disk.Close()
	cl.loop.Close()
	cl.filePool.Close()
}

func (cl *Client) extensionBits() pp.PeerExtensionBits {
	bits := pp.NewPeerExtensionBytes(pp.ExtensionBitLtep)
	if cl.dht != nil {
		bits.SetBit(pp.ExtensionBitDht, true)
	}
	return bits
}

func (cl *Client) acceptLoop() {
	for {
		conn, err := cl.listener.Accept()
		if err != nil {
			if cl.closed.IsSet() {
				return
			}
			cl.logger.Levelf(log.Debug, "accepting connection: %v", err)
			continue
		}
		go cl.runReceivedConn(conn)
	}
}

// runReceivedConn takes an incoming socket through obfuscation detection and
// both handshakes, then hands it to the torrent it was for.
func (cl *Client) runReceivedConn(conn net.Conn) {
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()
	conn.SetDeadline(time.Now().Add(cl.config.HandshakeTimeout))

	rw, err := cl.receiveObfuscation(conn)
	if err != nil {
		cl.logger.Levelf(log.Debug, "obfuscation handshake from %v: %v", conn.RemoteAddr(), err)
		return
	}
	res, err := pp.Handshake(rw, nil, cl.peerID, cl.extensionBits())
	if err != nil {
		cl.logger.Levelf(log.Debug, "handshake from %v: %v", conn.RemoteAddr(), err)
		return
	}
	if res.PeerID == cl.peerID {
		// Connected to ourselves.
		return
	}
	t, ok := cl.Torrent(res.Hash)
	if !ok {
		return
	}
	conn.SetDeadline(time.Time{})
	if t.addConn(conn, rw, res, true) {
		conn = nil // the connection owns the socket now
	}
}

// receiveObfuscation sniffs the first bytes of an incoming stream: a plain
// BitTorrent header passes through, anything else is treated as an MSE
// initiator.
func (cl *Client) receiveObfuscation(conn net.Conn) (io.ReadWriter, error) {
	var header [20]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return nil, err
	}
	rw := struct {
		io.Reader
		io.Writer
	}{io.MultiReader(bytes.NewReader(header[:]), conn), conn}
	if string(header[:]) == pp.Protocol {
		return rw, nil
	}
	if cl.config.Encryption == EncryptionDisabled {
		return nil, errors.New("obfuscated connection refused")
	}
	selector := cl.config.CryptoSelector
	if selector == nil {
		selector = mse.DefaultCryptoSelector
	}
	ret, _, err := mse.ReceiveHandshake(rw, cl.torrentSecretKeys, selector)
	return ret, err
}

// The MSE SKEY candidates are the info-hashes we serve.
func (cl *Client) torrentSecretKeys(callback func(skey []byte) bool) {
	cl.mu.Lock()
	hashes := make([]metainfo.Hash, 0, len(cl.torrents))
	for ih := range cl.torrents {
		hashes = append(hashes, ih)
	}
	cl.mu.Unlock()
	for _, ih := range hashes {
		if !callback(ih[:]) {
			return
		}
	}
}

func (cl *Client) dialTimeout() time.Duration {
	d := cl.config.NominalDialTimeout
	if d < cl.config.MinDialTimeout {
		d = cl.config.MinDialTimeout
	}
	return d
}

// initiateConn dials and handshakes an outgoing connection for the torrent.
// Runs on its own goroutine.
func (cl *Client) initiateConn(t *Torrent, addr netip.AddrPort) {
	conn, err := net.DialTimeout("tcp", addr.String(), cl.dialTimeout())
	if err != nil {
		t.dialFailed(addr)
		return
	}
	if !cl.runInitiatedConn(t, conn, addr) {
		t.dialFailed(addr)
	}
}

// runInitiatedConn owns the socket; on any failure it closes whichever
// connection it currently holds.
func (cl *Client) runInitiatedConn(t *Torrent, conn net.Conn, addr netip.AddrPort) (ok bool) {
	defer func() {
		if !ok && conn != nil {
			conn.Close()
		}
	}()
	conn.SetDeadline(time.Now().Add(cl.config.HandshakeTimeout))
	rw, err := cl.initiateObfuscation(conn, t)
	if err != nil {
		// Prefer falls back to a fresh plaintext dial.
		if cl.config.Encryption != EncryptionPrefer {
			return false
		}
		conn.Close()
		conn, err = net.DialTimeout("tcp", addr.String(), cl.dialTimeout())
		if err != nil {
			conn = nil
			return false
		}
		conn.SetDeadline(time.Now().Add(cl.config.HandshakeTimeout))
		rw = conn
	}
	res, err := pp.Handshake(rw, &t.infoHash, cl.peerID, cl.extensionBits())
	if err != nil || res.Hash != t.infoHash || res.PeerID == cl.peerID {
		return false
	}
	conn.SetDeadline(time.Time{})
	return t.addConn(conn, rw, res, false)
}

func (cl *Client) initiateObfuscation(conn net.Conn, t *Torrent) (io.ReadWriter, error) {
	switch cl.config.Encryption {
	case EncryptionDisabled, EncryptionAllowIncoming:
		return conn, nil
	case EncryptionRequire:
		rw, _, err := mse.InitiateHandshake(conn, t.infoHash[:], nil, mse.CryptoMethodRC4)
		return rw, err
	default:
		rw, _, err := mse.InitiateHandshake(
			conn, t.infoHash[:], nil, mse.CryptoMethodRC4|mse.CryptoMethodPlaintext)
		return rw, err
	}
}

func (cl *Client) onDhtPeers(infoHash dht.ID, peers []netip.AddrPort) {
	t, ok := cl.Torrent(metainfo.Hash(infoHash))
	if !ok {
		return
	}
	t.AddPeers(peers)
}
