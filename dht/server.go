package dht

import (
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"
	"github.com/anacrolix/sync"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent/bencode"
)

const (
	// Housekeeping cadence: bucket refresh, node expiry, tracked-peer expiry.
	updateInterval = 15 * time.Minute
	// A bucket with no activity for this long gets refreshed with a
	// find_node for a random id in its range.
	bucketRefreshInterval = 15 * time.Minute
	// Bootstrap completes at this many contacts in the table.
	bootstrapComplete = 256
	// Bootstrap candidate cap.
	maxBootstrapContacts = 1024
	bootstrapRetry       = time.Minute
)

type ServerStats struct {
	QueriesReceived uint32
	QueriesSent     uint32
	RepliesReceived uint32
	ErrorsReceived  uint32
}

type ServerOpts struct {
	// Zero means a fresh random id.
	ID ID
	// Used instead of listening when set; tests pass pipe-ish conns here.
	Conn net.PacketConn
	// UDP listen address, e.g. ":6881". Ignored when Conn is set.
	Addr string
	// The TCP port announced via announce_peer. Zero sends implied_port.
	AnnouncePort int
	// Peers discovered by get_peers searches.
	OnPeersFound func(infoHash ID, peers []netip.AddrPort)
	Logger       log.Logger
}

// Server speaks BEP 5 over one UDP socket: the routing table, transaction
// management, token issuance, queries in and out.
type Server struct {
	mu sync.Mutex

	opts    ServerOpts
	conn    net.PacketConn
	table   *Table
	tokens  *TokenStore
	tracker *Tracker
	txs     *transactionSet
	logger  log.Logger
	stats   ServerStats

	contacts      []netip.AddrPort
	bootstrapping bool

	closed chansync.SetOnce
}

func NewServer(opts ServerOpts) (*Server, error) {
	if opts.ID.IsZero() {
		opts.ID = RandomID()
	}
	if opts.Logger.IsZero() {
		opts.Logger = log.Default
	}
	conn := opts.Conn
	if conn == nil {
		var err error
		conn, err = net.ListenPacket("udp", opts.Addr)
		if err != nil {
			return nil, errors.Wrap(err, "dht listen")
		}
	}
	me := &Server{
		opts:    opts,
		conn:    conn,
		table:   NewTable(opts.ID),
		tokens:  NewTokenStore(),
		tracker: NewTracker(),
		txs:     newTransactionSet(),
		logger:  opts.Logger.WithContextText("dht"),
	}
	go me.reader()
	go me.timeoutLoop()
	go me.updateLoop()
	return me, nil
}

func (me *Server) ID() ID {
	return me.table.OwnID()
}

func (me *Server) Table() *Table {
	return me.table
}

func (me *Server) Addr() net.Addr {
	return me.conn.LocalAddr()
}

func (me *Server) Stats() ServerStats {
	me.mu.Lock()
	defer me.mu.Unlock()
	return me.stats
}

func (me *Server) Close() {
	if me.closed.Set() {
		me.conn.Close()
	}
}

// Ping contacts a node to see if it replies. Pass the zero ID if unknown.
func (me *Server) Ping(id ID, addr netip.AddrPort) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.sendQuery(&Transaction{
		typ:    TxPing,
		dest:   addr,
		destID: id,
	}, PrioLow)
}

// AddContact feeds a bootstrap candidate. Until bootstrap completes
// candidates accumulate and are pinged in rounds; after that the address is
// contacted directly.
func (me *Server) AddContact(addr netip.AddrPort) {
	me.mu.Lock()
	defer me.mu.Unlock()
	if me.table.NumNodes() >= bootstrapComplete {
		me.sendQuery(&Transaction{typ: TxPing, dest: addr}, PrioLow)
		return
	}
	if len(me.contacts) >= maxBootstrapContacts {
		return
	}
	for _, a := range me.contacts {
		if a == addr {
			return
		}
	}
	me.contacts = append(me.contacts, addr)
	if !me.bootstrapping {
		me.bootstrapping = true
		go me.bootstrapLoop()
	}
}

// FindNode starts an iterative lookup toward target from our closest known
// nodes.
func (me *Server) FindNode(target ID) *Search {
	me.mu.Lock()
	defer me.mu.Unlock()
	s := NewSearch(target, false)
	me.seedSearch(s)
	me.stepSearch(s)
	return s
}

// Announce looks up peers for the info-hash and, as tokens arrive, announces
// our port to the closest nodes.
func (me *Server) Announce(infoHash ID, onPeers func(peers []netip.AddrPort)) *Search {
	me.mu.Lock()
	defer me.mu.Unlock()
	s := NewSearch(infoHash, true)
	s.OnPeers = onPeers
	s.OnDone = me.announceToTargets
	me.seedSearch(s)
	me.stepSearch(s)
	return s
}

func (me *Server) seedSearch(s *Search) {
	for _, n := range me.table.ClosestNodes(s.target, searchBreadth) {
		s.AddCandidates(NodeInfo{ID: n.id, Addr: n.addr})
	}
}

// stepSearch queries the next α closest unqueried nodes, or finishes.
func (me *Server) stepSearch(s *Search) {
	if s.Finished() {
		if s.OnDone != nil {
			done := s.OnDone
			s.OnDone = nil
			done(s)
		}
		return
	}
	typ := TxFindNode
	prio := PrioLow
	if s.getPeers {
		typ = TxGetPeers
		prio = PrioHigh
	}
	for _, info := range s.NextQueries() {
		me.sendQuery(&Transaction{
			typ:    typ,
			target: s.target,
			dest:   info.Addr,
			destID: info.ID,
			search: s,
		}, prio)
	}
}

func (me *Server) announceToTargets(s *Search) {
	for _, n := range s.AnnounceTargets() {
		me.sendQuery(&Transaction{
			typ:          TxAnnouncePeer,
			target:       s.target,
			dest:         n.info.Addr,
			destID:       n.info.ID,
			token:        n.token,
			announcePort: me.opts.AnnouncePort,
		}, PrioHigh)
	}
}

// sendQuery allocates a txid (or queues on overflow) and writes the packet.
// Caller holds the lock.
func (me *Server) sendQuery(t *Transaction, priority int) {
	if me.txs.add(t, priority) == nil {
		return
	}
	me.writeQuery(t)
}

func (me *Server) writeQuery(t *Transaction) {
	t.deadline = time.Now().Add(transactionTimeout)
	t.retries = transactionRetries
	a := &MsgArgs{ID: me.table.OwnID().AsString()}
	switch t.typ {
	case TxFindNode:
		a.Target = t.target.AsString()
	case TxGetPeers:
		a.InfoHash = t.target.AsString()
	case TxAnnouncePeer:
		a.InfoHash = t.target.AsString()
		a.Token = t.token
		if t.announcePort != 0 {
			a.Port = t.announcePort
		} else {
			a.ImpliedPort = 1
		}
	}
	me.stats.QueriesSent++
	me.send(Msg{
		T: string([]byte{t.txid}),
		Y: "q",
		Q: t.typ.Query(),
		A: a,
	}, t.dest)
	if n := me.table.GetNode(t.destID); n != nil {
		n.Queried(time.Now())
	}
}

func (me *Server) send(m Msg, dest netip.AddrPort) {
	b, err := bencode.Marshal(m)
	if err != nil {
		me.logger.Levelf(log.Error, "marshalling message: %v", err)
		return
	}
	_, err = me.conn.WriteTo(b, net.UDPAddrFromAddrPort(dest))
	if err != nil && !me.closed.IsSet() {
		me.logger.Levelf(log.Debug, "writing to %v: %v", dest, err)
	}
}

func (me *Server) reader() {
	buf := make([]byte, 4096)
	for {
		n, from, err := me.conn.ReadFrom(buf)
		if err != nil {
			if me.closed.IsSet() {
				return
			}
			me.logger.Levelf(log.Debug, "read error: %v", err)
			continue
		}
		udp, ok := from.(*net.UDPAddr)
		if !ok {
			continue
		}
		me.handlePacket(buf[:n], udp.AddrPort())
	}
}

func (me *Server) handlePacket(b []byte, from netip.AddrPort) {
	var m Msg
	if err := bencode.Unmarshal(b, &m); err != nil {
		me.logger.Levelf(log.Debug, "bad packet from %v: %v", from, err)
		return
	}
	from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
	me.mu.Lock()
	defer me.mu.Unlock()
	switch m.Y {
	case "q":
		me.stats.QueriesReceived++
		me.handleQuery(m, from)
	case "r":
		me.stats.RepliesReceived++
		me.handleReply(m, from)
	case "e":
		me.stats.ErrorsReceived++
		me.handleError(m, from)
	}
}

func (me *Server) handleQuery(m Msg, from netip.AddrPort) {
	if m.A == nil {
		me.sendError(m.T, from, ErrorProtocol, "missing arguments")
		return
	}
	senderID, ok := IDFromString(m.A.ID)
	if !ok {
		me.sendError(m.T, from, ErrorProtocol, "bad id")
		return
	}
	me.noteContact(senderID, from, false)

	r := &Return{ID: me.table.OwnID().AsString()}
	switch m.Q {
	case QPing:
	case QFindNode:
		target, ok := IDFromString(m.A.Target)
		if !ok {
			me.sendError(m.T, from, ErrorProtocol, "bad target")
			return
		}
		r.Nodes = me.closestCompact(target)
	case QGetPeers:
		infoHash, ok := IDFromString(m.A.InfoHash)
		if !ok {
			me.sendError(m.T, from, ErrorProtocol, "bad info_hash")
			return
		}
		r.Token = me.tokens.MakeToken(from)
		if me.tracker.HasPeers(infoHash) {
			for _, p := range me.tracker.Peers(infoHash) {
				if v := CompactPeer(p); v != "" {
					r.Values = append(r.Values, v)
				}
			}
		} else {
			r.Nodes = me.closestCompact(infoHash)
		}
	case QAnnouncePeer:
		infoHash, ok := IDFromString(m.A.InfoHash)
		if !ok {
			me.sendError(m.T, from, ErrorProtocol, "bad info_hash")
			return
		}
		if !me.tokens.Valid(m.A.Token, from) {
			me.sendError(m.T, from, ErrorProtocol, "bad token")
			return
		}
		port := uint16(m.A.Port)
		if m.A.ImpliedPort != 0 || port == 0 {
			port = from.Port()
		}
		me.tracker.Announce(infoHash, netip.AddrPortFrom(from.Addr(), port))
	default:
		me.sendError(m.T, from, ErrorBadMethod, "unknown method")
		return
	}
	me.send(Msg{T: m.T, Y: "r", R: r}, from)
}

func (me *Server) handleReply(m Msg, from netip.AddrPort) {
	if len(m.T) != 1 || m.R == nil {
		return
	}
	t := me.txs.find(m.T[0])
	if t == nil || t.dest != from {
		return
	}
	senderID, ok := IDFromString(m.R.ID)
	if !ok {
		return
	}
	if !t.destID.IsZero() && senderID != t.destID {
		// Reply with the wrong id: mark invalid immediately.
		if n := me.table.GetNode(t.destID); n != nil {
			n.Invalid()
		}
		me.finishTransaction(t)
		return
	}
	me.noteContact(senderID, from, true)
	me.finishTransaction(t)

	if t.search != nil {
		me.searchReply(t, m, from)
	}
	if t.onReply != nil {
		t.onReply(t, &m, from)
	}
}

func (me *Server) searchReply(t *Transaction, m Msg, from netip.AddrPort) {
	s := t.search
	var peers []netip.AddrPort
	for _, v := range m.R.Values {
		if p, err := ParseCompactPeer(v); err == nil {
			peers = append(peers, p)
		}
	}
	s.Replied(from, m.R.Token, peers)
	if len(peers) > 0 && me.opts.OnPeersFound != nil {
		me.opts.OnPeersFound(s.target, peers)
	}
	if nodes, err := ParseCompactNodes(m.R.Nodes); err == nil {
		for _, info := range nodes {
			if info.ID != me.table.OwnID() {
				s.AddCandidates(info)
			}
		}
	}
	me.stepSearch(s)
}

func (me *Server) handleError(m Msg, from netip.AddrPort) {
	if len(m.T) != 1 {
		return
	}
	t := me.txs.find(m.T[0])
	if t == nil || t.dest != from {
		return
	}
	if m.E != nil {
		me.logger.Levelf(log.Debug, "error from %v: %v", from, m.E)
	}
	me.failTransaction(t)
}

func (me *Server) sendError(txid string, dest netip.AddrPort, code int, msg string) {
	me.send(Msg{T: txid, Y: "e", E: &KRPCError{Code: code, Msg: msg}}, dest)
}

// noteContact updates the routing table for a query or reply from a node.
func (me *Server) noteContact(id ID, addr netip.AddrPort, replied bool) {
	if id == me.table.OwnID() {
		return
	}
	now := time.Now()
	if n := me.table.GetNode(id); n != nil {
		if replied {
			n.Replied(now)
		}
		return
	}
	if !me.table.WantNode(id) {
		return
	}
	n := NewNode(id, addr)
	if replied {
		n.Replied(now)
	}
	added, ping := me.table.AddNode(n)
	_ = added
	if ping != nil {
		me.sendQuery(&Transaction{typ: TxPing, dest: ping.addr, destID: ping.id}, PrioLow)
	}
}

func (me *Server) closestCompact(target ID) string {
	var infos []NodeInfo
	for _, n := range me.table.ClosestNodes(target, BucketSize) {
		infos = append(infos, NodeInfo{ID: n.id, Addr: n.addr})
	}
	return CompactNodes(infos)
}

// finishTransaction retires a completed transaction and sends any queued one
// that its slot frees up.
func (me *Server) finishTransaction(t *Transaction) {
	if next := me.txs.remove(t); next != nil {
		me.writeQuery(next)
	}
}

// failTransaction records the silence against the node and informs any
// search.
func (me *Server) failTransaction(t *Transaction) {
	if n := me.table.GetNode(t.destID); n != nil {
		n.Inactive()
		if n.Status(time.Now()) == StatusBad {
			me.table.RemoveNode(n)
		}
	}
	me.finishTransaction(t)
	if t.search != nil {
		t.search.Failed(t.dest)
		me.stepSearch(t.search)
	}
	if t.onTimeout != nil {
		t.onTimeout(t)
	}
}

func (me *Server) timeoutLoop() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-me.closed.Done():
			return
		case <-ticker.C:
		}
		me.mu.Lock()
		now := time.Now()
		for _, t := range me.txs.expired(now) {
			if t.retries > 0 {
				t.retries--
				me.writeQuery(t)
				continue
			}
			me.failTransaction(t)
		}
		me.mu.Unlock()
	}
}

func (me *Server) updateLoop() {
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-me.closed.Done():
			return
		case <-ticker.C:
		}
		me.update()
	}
}

// update is the 15 minute housekeeping pass: drop long-silent nodes, refresh
// idle buckets, expire tracked peers.
func (me *Server) update() {
	me.mu.Lock()
	defer me.mu.Unlock()
	now := time.Now()
	var stale []*Node
	me.table.ForEachNode(func(n *Node) bool {
		last := n.lastReplied
		if n.lastQueried.After(last) {
			last = n.lastQueried
		}
		if now.Sub(last) > removeNodeTimeout {
			stale = append(stale, n)
		}
		return true
	})
	for _, n := range stale {
		me.table.RemoveNode(n)
	}
	me.table.ForEachBucket(func(b *Bucket) bool {
		if now.Sub(b.lastChanged) >= bucketRefreshInterval {
			me.refreshBucket(b)
		}
		return true
	})
	me.tracker.Expire()
}

// refreshBucket issues a find_node for a random id in the bucket's range.
func (me *Server) refreshBucket(b *Bucket) {
	target := RandomIDInRange(b.lo, b.hi)
	s := NewSearch(target, false)
	me.seedSearch(s)
	me.stepSearch(s)
	b.lastChanged = time.Now()
}

// bootstrapLoop pings candidate contacts until the table fills to the
// bootstrap threshold, retrying every minute.
func (me *Server) bootstrapLoop() {
	incomplete := errors.New("bootstrap incomplete")
	round := func() error {
		if me.closed.IsSet() {
			return nil
		}
		me.mu.Lock()
		defer me.mu.Unlock()
		if me.table.NumNodes() >= bootstrapComplete || len(me.contacts) == 0 {
			me.bootstrapping = false
			return nil
		}
		for _, addr := range me.contacts {
			me.sendQuery(&Transaction{typ: TxPing, dest: addr}, PrioLow)
		}
		// Walk toward our own id to populate the nearby buckets.
		s := NewSearch(me.table.OwnID(), false)
		me.seedSearch(s)
		me.stepSearch(s)
		return incomplete
	}
	backoff.Retry(round, backoff.NewConstantBackOff(bootstrapRetry))
}

func (me *Server) String() string {
	return fmt.Sprintf("dht server on %v as %v", me.conn.LocalAddr(), me.table.OwnID())
}
