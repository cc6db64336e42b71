package rotor

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/anacrolix/torrent/bencode"

	"github.com/rotorlib/rotor/delegator"
	pp "github.com/rotorlib/rotor/peer_protocol"
	"github.com/rotorlib/rotor/peerlist"
	"github.com/rotorlib/rotor/throttle"
)

// Extension numbers we advertise in our BEP 10 handshake.
const (
	localPexID      pp.ExtensionNumber = 1
	localMetadataID pp.ExtensionNumber = 2
)

const (
	// Bitfields and extension payloads must fit; piece payloads are far
	// smaller.
	maxMessageLength = 256 << 10

	connTickInterval = 10 * time.Second
	// Keep-alive after this much write silence.
	keepAliveInterval = 2 * time.Minute
	// Drop the connection after this much read silence.
	silenceTimeout = 4 * time.Minute
	// Floor for the per-request deadline; slow links get longer.
	minRequestDeadline = 10 * time.Second

	// Incoming request queue bound. BEP 3 suggests pipelining, not flooding.
	maxPeerRequests  = 256
	maxRequestLength = 128 << 10
)

type outMsg struct {
	b []byte
	// Payload bytes subject to upload throttling. Zero for control messages.
	payload int
}

// PeerConn is one established peer connection after both handshakes. The
// reader and writer goroutines own the socket; all wire state is guarded by
// the client lock.
type PeerConn struct {
	t      *Torrent
	logger log.Logger

	conn net.Conn
	rw   io.ReadWriter // post-obfuscation stream
	addr netip.AddrPort
	key  delegator.PeerKey
	info *peerlist.PeerInfo

	peerID     [20]byte
	extensions pp.PeerExtensionBits
	incoming   bool

	upNode   *throttle.Node
	downNode *throttle.Node

	amChoking      bool
	amInterested   bool
	peerChoking    bool
	peerInterested bool
	peerHave       *roaring.Bitmap
	peerSeeder     bool
	// Set when the peer times out our requests; cleared on delivery or
	// unchoke.
	snubbed bool
	// The piece this peer last produced a block for, or -1.
	affinity int
	lastRead time.Time

	// Our outstanding block requests, by the time they went on the wire.
	requests map[*delegator.Transfer]time.Time
	// The peer's unserved requests to us.
	peerRequests map[pp.RequestSpec]struct{}

	peerExtIDs map[string]pp.ExtensionNumber
	peerReqq   int
	// Addresses this peer has been told about over ut_pex.
	pexSent map[netip.AddrPort]pp.PexPeerFlags

	wmu        sync.Mutex
	writeQueue []outMsg
	writeCond  chansync.BroadcastCond
	lastWrite  time.Time

	closed chansync.SetOnce
}

func newPeerConn(
	t *Torrent,
	conn net.Conn,
	rw io.ReadWriter,
	res pp.HandshakeResult,
	pi *peerlist.PeerInfo,
	incoming bool,
) *PeerConn {
	now := time.Now()
	return &PeerConn{
		t:            t,
		logger:       t.logger.WithContextText(pi.Addr().String()),
		conn:         conn,
		rw:           rw,
		addr:         pi.Addr(),
		key:          delegator.PeerKey(pi.Key()),
		info:         pi,
		peerID:       res.PeerID,
		extensions:   res.PeerExtensionBits,
		incoming:     incoming,
		amChoking:    true,
		peerChoking:  true,
		peerHave:     roaring.New(),
		affinity:     -1,
		lastRead:     now,
		lastWrite:    now,
		requests:     make(map[*delegator.Transfer]time.Time),
		peerRequests: make(map[pp.RequestSpec]struct{}),
		upNode:       t.cl.upThrottle.AddNode(),
		downNode:     t.cl.downThrottle.AddNode(),
	}
}

// start spins up the socket goroutines and posts our opening messages.
// Client lock held.
func (c *PeerConn) start() {
	go c.writerLoop()
	go c.readerLoop()
	if c.extensions.SupportsExtended() {
		c.sendExtendedHandshake()
	}
	if c.extensions.SupportsDHT() && c.t.cl.dht != nil {
		c.post(pp.Message{Type: pp.Port, Port: uint16(c.t.cl.LocalPort())})
	}
	if !c.t.have.IsEmpty() {
		c.post(pp.Message{Type: pp.Bitfield, Bitfield: c.t.bitfield()})
	}
	c.updateInterest()
	c.t.cl.loop.Post(func() {
		c.t.cl.loop.Schedule(connTickInterval, c.tick)
	})
}

// post marshals and queues a message for the writer goroutine. Safe under
// the client lock.
func (c *PeerConn) post(msg pp.Message) {
	payload := 0
	if !msg.Keepalive && msg.Type == pp.Piece {
		payload = len(msg.Piece)
	}
	c.postBytes(msg.MustMarshalBinary(), payload)
}

func (c *PeerConn) postBytes(b []byte, payload int) {
	c.wmu.Lock()
	c.writeQueue = append(c.writeQueue, outMsg{b, payload})
	c.wmu.Unlock()
	c.writeCond.Broadcast()
}

func (c *PeerConn) writerLoop() {
	for {
		c.wmu.Lock()
		for len(c.writeQueue) == 0 {
			signal := c.writeCond.Signaled()
			c.wmu.Unlock()
			select {
			case <-signal:
			case <-c.closed.Done():
				return
			}
			c.wmu.Lock()
		}
		m := c.writeQueue[0]
		c.writeQueue = c.writeQueue[1:]
		c.wmu.Unlock()
		if m.payload > 0 {
			c.waitUpload(m.payload)
		}
		if c.closed.IsSet() {
			return
		}
		if _, err := c.rw.Write(m.b); err != nil {
			c.closeFromErr("writing", err)
			return
		}
		c.wmu.Lock()
		c.lastWrite = time.Now()
		c.wmu.Unlock()
	}
}

// waitUpload blocks until the fair throttle and the global limiter admit n
// payload bytes. Writer goroutine only.
func (c *PeerConn) waitUpload(n int) {
	remaining := int64(n)
	for remaining > 0 && !c.closed.IsSet() {
		remaining -= c.upNode.Request(remaining)
		if remaining > 0 {
			time.Sleep(throttle.TickInterval)
		}
	}
	if limiter := c.t.cl.config.UploadRateLimiter; limiter.Limit() != rate.Inf {
		if burst := limiter.Burst(); n > burst {
			n = burst
		}
		limiter.WaitN(context.Background(), n)
	}
}

func (c *PeerConn) readerLoop() {
	d := pp.Decoder{
		R:         bufio.NewReaderSize(c.rw, 1<<16),
		MaxLength: maxMessageLength,
	}
	for {
		var msg pp.Message
		if err := d.Decode(&msg); err != nil {
			c.closeFromErr("reading", err)
			return
		}
		if err := c.handleMessage(&msg); err != nil {
			c.closeFromErr("handling "+msg.Type.String(), err)
			return
		}
		if c.closed.IsSet() {
			return
		}
	}
}

func (c *PeerConn) closeFromErr(doing string, err error) {
	cl := c.t.cl
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if c.closed.IsSet() {
		return
	}
	if err != io.EOF {
		c.logger.Levelf(log.Debug, "%s: %v", doing, err)
	}
	c.close(doing)
}

func (c *PeerConn) handleMessage(msg *pp.Message) error {
	if !msg.Keepalive && msg.Type == pp.Piece {
		return c.receivedPiece(msg)
	}
	cl := c.t.cl
	cl.mu.Lock()
	defer cl.mu.Unlock()
	c.lastRead = time.Now()
	if c.closed.IsSet() || msg.Keepalive {
		return nil
	}
	switch msg.Type {
	case pp.Choke:
		c.peerChoking = true
		// Outstanding requests won't be answered; their blocks go back to
		// the pool as stalled.
		for tr := range c.requests {
			c.t.deleg.Stall(tr)
			delete(c.requests, tr)
		}
	case pp.Unchoke:
		c.peerChoking = false
		c.snubbed = false
		c.fillRequests()
	case pp.Interested:
		c.peerInterested = true
		// Don't make fresh interest wait out the rotation interval.
		runChokeRound(c.t)
	case pp.NotInterested:
		c.peerInterested = false
		c.choke()
	case pp.Have:
		if msg.Index.Int() >= c.t.NumPieces() {
			return errors.Errorf("have for piece %d of %d", msg.Index, c.t.NumPieces())
		}
		c.peerHave.Add(msg.Index.Uint32())
		c.updateSeeder()
		c.updateInterest()
		c.fillRequests()
	case pp.Bitfield:
		if len(msg.Bitfield) < c.t.NumPieces() {
			return errors.Errorf("bitfield of %d bits, want %d", len(msg.Bitfield), c.t.NumPieces())
		}
		c.peerHave.Clear()
		for i, have := range msg.Bitfield {
			if !have {
				continue
			}
			if i >= c.t.NumPieces() {
				return errors.New("bitfield spare bits set")
			}
			c.peerHave.Add(uint32(i))
		}
		c.updateSeeder()
		c.updateInterest()
		c.fillRequests()
	case pp.Request:
		return c.handleRequest(msg)
	case pp.Cancel:
		delete(c.peerRequests, msg.RequestSpec())
	case pp.Port:
		if msg.Port != 0 {
			c.info.SetListenPort(msg.Port)
			if cl.dht != nil {
				cl.dht.AddContact(netip.AddrPortFrom(c.addr.Addr(), msg.Port))
			}
		}
	case pp.Extended:
		return c.handleExtended(msg)
	}
	return nil
}

// receivedPiece is the block delivery path. Throttling happens before the
// bytes are admitted; the disk write happens without the client lock.
func (c *PeerConn) receivedPiece(msg *pp.Message) error {
	n := len(msg.Piece)
	remaining := int64(n)
	for remaining > 0 && !c.closed.IsSet() {
		remaining -= c.downNode.Request(remaining)
		if remaining > 0 {
			time.Sleep(throttle.TickInterval)
		}
	}
	if limiter := c.t.cl.config.DownloadRateLimiter; limiter.Limit() != rate.Inf {
		b := n
		if burst := limiter.Burst(); b > burst {
			b = burst
		}
		limiter.WaitN(context.Background(), b)
	}

	cl := c.t.cl
	cl.mu.Lock()
	c.lastRead = time.Now()
	if c.closed.IsSet() {
		cl.mu.Unlock()
		return nil
	}
	tr := c.findRequest(msg.Index.Int(), msg.Begin.Uint32())
	if tr == nil {
		// Cancelled on our side, or never asked for.
		cl.mu.Unlock()
		return nil
	}
	if uint32(n) != tr.Block().Length() {
		cl.mu.Unlock()
		return errors.Errorf("piece %v+%v: %d bytes, wanted %d", msg.Index, msg.Begin, n, tr.Block().Length())
	}
	delete(c.requests, tr)
	c.affinity = tr.Block().List().Index()
	c.snubbed = false
	c.t.onUsefulData(c, n)
	cl.mu.Unlock()

	err := c.t.writeBlock(msg.Index.Int(), msg.Begin.Uint32(), msg.Piece)

	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err != nil {
		return errors.Wrap(err, "writing block")
	}
	if c.closed.IsSet() {
		return nil
	}
	if tr.Block().Finished() {
		// Another peer's copy landed while we were writing.
		c.fillRequests()
		return nil
	}
	c.t.blockCompleted(tr)
	c.fillRequests()
	return nil
}

func (c *PeerConn) findRequest(index int, begin uint32) *delegator.Transfer {
	for tr := range c.requests {
		b := tr.Block()
		if b.List().Index() == index && b.Begin() == begin {
			return tr
		}
	}
	return nil
}

func (c *PeerConn) handleRequest(msg *pp.Message) error {
	if c.amChoking {
		// Racing our choke; BEP 3 says they should treat it as dropped.
		return nil
	}
	r := msg.RequestSpec()
	if r.Index.Int() >= c.t.NumPieces() || !c.t.have.Contains(r.Index.Uint32()) {
		return errors.Errorf("request for piece %d not held", r.Index)
	}
	if r.Length == 0 || r.Length > maxRequestLength ||
		int64(r.Begin)+int64(r.Length) > c.t.storage.PieceLength(r.Index.Int()) {
		return errors.Errorf("bad request extent %v", r)
	}
	if len(c.peerRequests) >= maxPeerRequests {
		return errors.New("request queue overflow")
	}
	if _, ok := c.peerRequests[r]; ok {
		return nil
	}
	c.peerRequests[r] = struct{}{}
	c.t.cl.disk.Submit(func() { c.serveRequest(r) })
	return nil
}

// serveRequest reads the block and posts it back, unless the request was
// cancelled or choked away in the meantime. Disk worker thread.
func (c *PeerConn) serveRequest(r pp.RequestSpec) {
	cl := c.t.cl
	cl.mu.Lock()
	_, wanted := c.peerRequests[r]
	cl.mu.Unlock()
	if !wanted || c.closed.IsSet() {
		return
	}
	data, err := c.t.readBlock(r.Index.Int(), r.Begin.Uint32(), r.Length.Uint32())
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if err != nil {
		c.logger.Levelf(log.Error, "reading piece %v+%v for upload: %v", r.Index, r.Begin, err)
		c.close("read failed")
		return
	}
	if c.closed.IsSet() {
		return
	}
	if _, ok := c.peerRequests[r]; !ok {
		return
	}
	delete(c.peerRequests, r)
	c.t.uploaded += int64(len(data))
	c.info.AddTransfer(int64(len(data)))
	c.post(pp.Message{Type: pp.Piece, Index: r.Index, Begin: r.Begin, Piece: data})
}

// interesting reports whether the peer holds pieces we lack. Client lock
// held.
func (c *PeerConn) interesting() bool {
	return roaring.AndNot(c.peerHave, c.t.have).GetCardinality() > 0
}

func (c *PeerConn) updateInterest() {
	interested := c.interesting()
	if interested == c.amInterested {
		return
	}
	c.amInterested = interested
	if interested {
		c.post(pp.Message{Type: pp.Interested})
	} else {
		c.post(pp.Message{Type: pp.NotInterested})
	}
}

func (c *PeerConn) updateSeeder() {
	c.peerSeeder = c.peerHave.GetCardinality() == uint64(c.t.NumPieces())
}

func (c *PeerConn) choke() {
	if c.amChoking {
		return
	}
	c.amChoking = true
	c.post(pp.Message{Type: pp.Choke})
	// Unserved requests are implicitly dropped by the choke.
	for r := range c.peerRequests {
		delete(c.peerRequests, r)
	}
}

func (c *PeerConn) unchoke() {
	if !c.amChoking {
		return
	}
	c.amChoking = false
	c.post(pp.Message{Type: pp.Unchoke})
}

// fillRequests tops the request pipeline up from the delegator. Client lock
// held.
func (c *PeerConn) fillRequests() {
	if c.closed.IsSet() || c.peerChoking || !c.amInterested || c.snubbed {
		return
	}
	limit := c.t.cl.config.MaxOutstandingRequests
	if c.peerReqq > 0 && c.peerReqq < limit {
		limit = c.peerReqq
	}
	for len(c.requests) < limit {
		tr := c.t.deleg.Delegate(c.key, c.peerHave, c.peerSeeder, c.affinity)
		if tr == nil {
			return
		}
		b := tr.Block()
		c.requests[tr] = time.Now()
		c.post(pp.Message{
			Type:   pp.Request,
			Index:  pp.Integer(b.List().Index()),
			Begin:  pp.Integer(b.Begin()),
			Length: pp.Integer(b.Length()),
		})
	}
}

// cancelRequest retracts a wire request whose block was finished elsewhere.
// The delegator already detached the transfer. Client lock held.
func (c *PeerConn) cancelRequest(tr *delegator.Transfer) {
	if _, ok := c.requests[tr]; !ok {
		return
	}
	delete(c.requests, tr)
	b := tr.Block()
	c.post(pp.MakeCancelMessage(
		pp.Integer(b.List().Index()), pp.Integer(b.Begin()), pp.Integer(b.Length())))
}

func (c *PeerConn) sendExtendedHandshake() {
	m := map[string]pp.ExtensionNumber{
		pp.ExtensionNameMetadata: localMetadataID,
	}
	if !c.t.cl.config.DisablePEX {
		m[pp.ExtensionNamePex] = localPexID
	}
	d := pp.ExtendedHandshakeMessage{
		M:            m,
		Port:         c.t.cl.LocalPort(),
		V:            c.t.cl.config.ExtendedHandshakeClientVersion,
		Reqq:         maxPeerRequests,
		MetadataSize: len(c.t.infoBytes),
	}
	c.post(pp.Message{
		Type:            pp.Extended,
		ExtendedID:      pp.HandshakeExtendedID,
		ExtendedPayload: bencode.MustMarshal(d),
	})
}

func (c *PeerConn) pexID() pp.ExtensionNumber {
	return c.peerExtIDs[pp.ExtensionNamePex]
}

func (c *PeerConn) metadataID() pp.ExtensionNumber {
	return c.peerExtIDs[pp.ExtensionNameMetadata]
}

func (c *PeerConn) handleExtended(msg *pp.Message) error {
	cl := c.t.cl
	switch msg.ExtendedID {
	case pp.HandshakeExtendedID:
		var d pp.ExtendedHandshakeMessage
		if err := bencode.Unmarshal(msg.ExtendedPayload, &d); err != nil {
			if _, ok := err.(bencode.ErrUnusedTrailingBytes); !ok {
				return errors.Wrap(err, "extended handshake")
			}
		}
		c.peerExtIDs = d.M
		if d.Reqq > 0 {
			c.peerReqq = d.Reqq
		}
		if d.Port > 0 && d.Port < 1<<16 {
			c.info.SetListenPort(uint16(d.Port))
		}
		if c.pexID() != 0 && !cl.config.DisablePEX {
			c.sendPexUpdate(true)
		}
	case localPexID:
		if cl.config.DisablePEX {
			return nil
		}
		pex, err := pp.LoadPexMsg(msg.ExtendedPayload)
		if err != nil {
			return errors.Wrap(err, "pex")
		}
		for _, p := range pex.Added {
			c.t.peers.InsertAddress(p.Addr, peerlist.AddressAvailable)
		}
		c.t.openConns()
	case localMetadataID:
		return c.handleMetadata(msg.ExtendedPayload)
	}
	return nil
}

// handleMetadata serves ut_metadata requests from the info dict we were
// constructed with. The piece data of type 1 messages trails the bencoded
// dict.
func (c *PeerConn) handleMetadata(payload []byte) error {
	var d pp.MetadataExtensionMessage
	err := bencode.Unmarshal(payload, &d)
	if _, ok := err.(bencode.ErrUnusedTrailingBytes); err != nil && !ok {
		return errors.Wrap(err, "ut_metadata")
	}
	switch d.MsgType {
	case pp.RequestMetadataExtensionMsgType:
		eid := c.metadataID()
		if eid == 0 {
			return nil
		}
		start := d.Piece * pp.MetadataPieceSize
		if d.Piece < 0 || start >= len(c.t.infoBytes) {
			c.post(pp.MetadataExtensionRejectMsg(eid, d.Piece))
			return nil
		}
		end := start + pp.MetadataPieceSize
		if end > len(c.t.infoBytes) {
			end = len(c.t.infoBytes)
		}
		c.post(pp.MetadataExtensionDataMsg(eid, d.Piece, len(c.t.infoBytes), c.t.infoBytes[start:end]))
	case pp.DataMetadataExtensionMsgType, pp.RejectMetadataExtensionMsgType:
		// We always hold the full info dict already.
	}
	return nil
}

// sendPexUpdate posts the swarm delta since the last update, or everything
// when full. Client lock held.
func (c *PeerConn) sendPexUpdate(full bool) {
	eid := c.pexID()
	if eid == 0 || c.closed.IsSet() {
		return
	}
	cur := make(map[netip.AddrPort]pp.PexPeerFlags)
	for other := range c.t.conns {
		if other == c || other.closed.IsSet() {
			continue
		}
		a := netip.AddrPortFrom(other.addr.Addr().Unmap(), other.info.ListenPort())
		if !a.Addr().Is4() {
			continue
		}
		var f pp.PexPeerFlags
		if !other.incoming {
			f |= pp.PexOutgoingConn
		}
		cur[a] = f
	}
	if full {
		c.pexSent = nil
	}
	var m pp.PexMsg
	for a, f := range cur {
		if _, ok := c.pexSent[a]; !ok {
			m.Add(a, f)
		}
	}
	for a := range c.pexSent {
		if _, ok := cur[a]; !ok {
			m.Drop(a)
		}
	}
	if m.DeltaLen() == 0 {
		return
	}
	c.pexSent = cur
	c.post(m.Message(eid))
}

// tick runs the connection's periodic duties on the event loop: keep-alive,
// dead-peer drop, and request deadlines.
func (c *PeerConn) tick() {
	cl := c.t.cl
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if c.closed.IsSet() {
		return
	}
	now := time.Now()
	if now.Sub(c.lastRead) >= silenceTimeout {
		c.close("no traffic")
		return
	}
	c.wmu.Lock()
	idle := now.Sub(c.lastWrite) >= keepAliveInterval
	c.wmu.Unlock()
	if idle {
		c.post(pp.Message{Keepalive: true})
	}
	deadline := c.requestDeadline()
	stalled := false
	for tr, since := range c.requests {
		if now.Sub(since) < deadline {
			continue
		}
		b := tr.Block()
		c.post(pp.MakeCancelMessage(
			pp.Integer(b.List().Index()), pp.Integer(b.Begin()), pp.Integer(b.Length())))
		c.t.deleg.Stall(tr)
		delete(c.requests, tr)
		stalled = true
	}
	if stalled {
		c.snubbed = true
		// The stalled blocks are fair game for everyone else now.
		for other := range c.t.conns {
			if other != c {
				other.fillRequests()
			}
		}
	}
	cl.loop.Schedule(connTickInterval, c.tick)
}

// requestDeadline scales with the peer's observed rate so slow links aren't
// snubbed for honest work.
func (c *PeerConn) requestDeadline() time.Duration {
	outstanding := int64(len(c.requests)) * int64(pp.DefaultBlockSize)
	if r := c.downNode.Rate().Current(); r > 0 {
		if d := time.Duration(outstanding/r) * time.Second; d > minRequestDeadline {
			return d
		}
	}
	return minRequestDeadline
}

// close tears the connection down and hands its state back to the torrent.
// Client lock held. Idempotent.
func (c *PeerConn) close(reason string) {
	if !c.closed.Set() {
		return
	}
	c.logger.Levelf(log.Debug, "closing connection: %s", reason)
	for tr := range c.requests {
		delete(c.requests, tr)
	}
	// dropConn stalls whatever transfers the delegator still holds for us.
	c.t.dropConn(c)
	c.t.cl.upThrottle.RemoveNode(c.upNode)
	c.t.cl.downThrottle.RemoveNode(c.downNode)
	c.conn.Close()
	c.writeCond.Broadcast()
}
