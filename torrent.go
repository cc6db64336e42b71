package rotor

import (
	"bytes"
	"crypto/sha1"
	"io"
	"net"
	"net/netip"
	"path/filepath"
	"time"

	"github.com/RoaringBitmap/roaring"
	"github.com/anacrolix/chansync"
	g "github.com/anacrolix/generics"
	"github.com/anacrolix/log"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/anacrolix/torrent/metainfo"

	"github.com/rotorlib/rotor/delegator"
	"github.com/rotorlib/rotor/dht"
	pp "github.com/rotorlib/rotor/peer_protocol"
	"github.com/rotorlib/rotor/peerlist"
	"github.com/rotorlib/rotor/storage"
)

const (
	chokeInterval = 10 * time.Second
	pexInterval   = time.Minute
	cullInterval  = 10 * time.Minute
)

type TorrentSpec struct {
	InfoHash metainfo.Hash
	Info     *metainfo.Info
	// The bencoded info dict, served to peers over ut_metadata.
	InfoBytes []byte
	// Announce tiers: round-robin within a tier, failover across tiers.
	Trackers [][]string
	DhtNodes []string
	// Data directory; the client default applies when empty.
	Storage string
}

func TorrentSpecFromMetaInfo(mi *metainfo.MetaInfo) (*TorrentSpec, error) {
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return nil, errors.Wrap(err, "unmarshalling info")
	}
	spec := &TorrentSpec{
		InfoHash:  mi.HashInfoBytes(),
		Info:      &info,
		InfoBytes: mi.InfoBytes,
		Trackers:  mi.UpvertedAnnounceList(),
	}
	for _, node := range mi.Nodes {
		spec.DhtNodes = append(spec.DhtNodes, string(node))
	}
	return spec, nil
}

// Tracks a completed piece through the hash pipeline so a bad digest can be
// pinned on its writers.
type pendingHash struct {
	writers  map[int]delegator.PeerKey
	bySeeder bool
}

type Torrent struct {
	cl     *Client
	logger log.Logger

	infoHash  metainfo.Hash
	info      *metainfo.Info
	infoBytes []byte

	storage *storage.ChunkStorage
	chunks  *storage.ChunkList
	deleg   *delegator.Delegator

	have          *roaring.Bitmap
	highPriority  *roaring.Bitmap
	pendingHashes map[int]pendingHash

	peers *peerlist.PeerList
	conns map[*PeerConn]struct{}
	// Outgoing dials in flight, counted against the connection budget.
	halfOpen int

	announcers []*trackerAnnouncer

	// Counts choker rotations so every third one can go optimistic.
	chokeRounds int

	uploaded   int64
	downloaded int64

	complete chansync.SetOnce
	closed   chansync.SetOnce
}

func newTorrent(cl *Client, spec *TorrentSpec) (t *Torrent, err error) {
	if spec.Info == nil {
		return nil, errors.New("torrent spec carries no info")
	}
	t = &Torrent{
		cl:           cl,
		logger:       cl.logger.WithContextText(spec.InfoHash.HexString()[:8]),
		infoHash:     spec.InfoHash,
		info:         spec.Info,
		infoBytes:    spec.InfoBytes,
		have:         roaring.New(),
		highPriority: roaring.New(),
		peers:        peerlist.New(),
	}
	g.MakeMap(&t.pendingHashes)
	g.MakeMap(&t.conns)
	dir := spec.Storage
	if dir == "" {
		dir = cl.config.DataDir
	}
	t.storage, err = storage.NewChunkStorage(cl.filePool, t.fileSpecs(dir), spec.Info.PieceLength)
	if err != nil {
		return nil, errors.Wrap(err, "opening storage")
	}
	t.chunks = storage.NewChunkList(t.storage.NumPieces(), spec.Info.PieceLength, storage.ChunkListOpts{
		CreateChunk: t.storage.Map,
		StorageError: func(msg string) {
			t.logger.Levelf(log.Error, "storage: %s", msg)
		},
		FreeDiskspace: func() int64 { return storage.FreeDiskSpace(dir) },
		Logger:        t.logger,
	})
	t.deleg = delegator.New(delegator.Opts{
		FindPiece:   t.findPiece,
		PieceLength: func(index uint32) uint32 { return uint32(t.storage.PieceLength(int(index))) },
		BlockSize:   pp.DefaultBlockSize,
	})
	t.deleg.SetAggressive(cl.config.AggressiveDownload)
	if !cl.config.DisableTrackers {
		for _, tier := range spec.Trackers {
			if len(tier) > 0 {
				t.announcers = append(t.announcers, newTrackerAnnouncer(t, tier))
			}
		}
	}
	if cl.dht != nil {
		for _, hostport := range spec.DhtNodes {
			if addr, err := netip.ParseAddrPort(hostport); err == nil {
				cl.dht.AddContact(addr)
			}
		}
	}
	return t, nil
}

func (t *Torrent) fileSpecs(dir string) (specs []storage.FileSpec) {
	base := filepath.Join(dir, t.info.Name)
	files := t.info.UpvertedFiles()
	if len(files) == 1 && len(files[0].Path) == 0 {
		return []storage.FileSpec{{Path: base, Size: t.info.Length}}
	}
	for _, f := range files {
		specs = append(specs, storage.FileSpec{
			Path: filepath.Join(append([]string{base}, f.Path...)...),
			Size: f.Length,
		})
	}
	return
}

// start arms the recurring torrent timers and kicks off announcing. Called
// with the client lock held.
func (t *Torrent) start() {
	for _, a := range t.announcers {
		go a.run()
	}
	if t.cl.dht != nil {
		go t.dhtAnnouncer()
	}
	t.scheduleRecurring(chokeInterval, t.chokeRound)
	t.scheduleRecurring(pexInterval, t.pexRound)
	t.scheduleRecurring(cullInterval, func() {
		t.peers.Cull(peerlist.CullOld | peerlist.CullKeepInteresting)
	})
}

func (t *Torrent) scheduleRecurring(d time.Duration, fn func()) {
	var arm func()
	arm = func() {
		t.cl.loop.Schedule(d, func() {
			if t.closed.IsSet() {
				return
			}
			t.cl.mu.Lock()
			fn()
			t.cl.mu.Unlock()
			arm()
		})
	}
	// Timers belong to the loop thread.
	t.cl.loop.Post(arm)
}

func (t *Torrent) InfoHash() metainfo.Hash {
	return t.infoHash
}

func (t *Torrent) NumPieces() int {
	return t.storage.NumPieces()
}

func (t *Torrent) Length() int64 {
	return t.storage.TotalLength()
}

// Completed fires when every piece has hashed good.
func (t *Torrent) Completed() <-chan struct{} {
	return t.complete.Done()
}

func (t *Torrent) Closed() <-chan struct{} {
	return t.closed.Done()
}

func (t *Torrent) BytesCompleted() (n int64) {
	t.cl.mu.Lock()
	defer t.cl.mu.Unlock()
	t.have.Iterate(func(i uint32) bool {
		n += t.storage.PieceLength(int(i))
		return true
	})
	return
}

func (t *Torrent) bytesLeft() int64 {
	left := t.storage.TotalLength()
	t.have.Iterate(func(i uint32) bool {
		left -= t.storage.PieceLength(int(i))
		return true
	})
	return left
}

func (t *Torrent) String() string {
	return t.info.Name + " (" + humanize.Bytes(uint64(t.storage.TotalLength())) + ")"
}

// bitfield renders our owned pieces for the wire. Client lock held.
func (t *Torrent) bitfield() []bool {
	bf := make([]bool, t.storage.NumPieces())
	t.have.Iterate(func(i uint32) bool {
		bf[i] = true
		return true
	})
	return bf
}

// SetPiecePriority moves a piece between the normal and high delegation
// tiers, or disables it.
func (t *Torrent) SetPiecePriority(index int, p delegator.Priority) {
	t.cl.mu.Lock()
	defer t.cl.mu.Unlock()
	switch p {
	case delegator.PriorityHigh:
		t.highPriority.Add(uint32(index))
	default:
		t.highPriority.Remove(uint32(index))
	}
	if bl := t.deleg.FindList(index); bl != nil {
		bl.SetPriority(p)
	}
}

// The delegator's piece-selection oracle. Client lock held.
func (t *Torrent) findPiece(have *roaring.Bitmap, high bool) (index uint32, ok bool) {
	n := uint32(t.storage.NumPieces())
	for i := uint32(0); i < n; i++ {
		if t.have.Contains(i) || !have.Contains(i) {
			continue
		}
		if t.deleg.FindList(int(i)) != nil {
			continue
		}
		if _, hashing := t.pendingHashes[int(i)]; hashing {
			continue
		}
		if high != t.highPriority.Contains(i) {
			continue
		}
		return i, true
	}
	return 0, false
}

// AddPeers feeds candidate addresses into the available-list and dials if
// there is budget.
func (t *Torrent) AddPeers(addrs []netip.AddrPort) {
	t.cl.mu.Lock()
	defer t.cl.mu.Unlock()
	if t.closed.IsSet() {
		return
	}
	for _, addr := range addrs {
		t.peers.InsertAddress(addr, peerlist.AddressAvailable)
	}
	t.openConns()
}

// openConns starts dials while below the connection budget and candidates
// remain. Client lock held.
func (t *Torrent) openConns() {
	if t.closed.IsSet() {
		return
	}
	for len(t.conns)+t.halfOpen < t.cl.config.MaxEstablishedConns {
		addr, ok := t.peers.AvailableList().PopRandom()
		if !ok {
			return
		}
		pi := t.peers.Connected(addr, peerlist.ConnectFilterRecent)
		if pi == nil {
			continue
		}
		t.halfOpen++
		go t.cl.initiateConn(t, addr)
	}
}

func (t *Torrent) dialFailed(addr netip.AddrPort) {
	t.cl.mu.Lock()
	defer t.cl.mu.Unlock()
	t.halfOpen--
	if pi := t.peers.Find(addr); pi != nil {
		t.peers.Disconnected(pi, peerlist.DisconnectQuick|peerlist.DisconnectSetTime)
	}
	t.openConns()
}

// addConn adopts a handshaken socket. Returns false if the connection was
// refused, in which case the caller keeps the socket.
func (t *Torrent) addConn(conn net.Conn, rw io.ReadWriter, res pp.HandshakeResult, incoming bool) bool {
	addr := connAddrPort(conn)
	t.cl.mu.Lock()
	defer t.cl.mu.Unlock()
	if t.closed.IsSet() {
		return false
	}
	var flags peerlist.ConnectFlags
	if incoming {
		flags |= peerlist.ConnectIncoming
	}
	var pi *peerlist.PeerInfo
	if incoming {
		pi = t.peers.Connected(addr, flags)
	} else {
		// The outgoing path reserved the info before dialing.
		pi = t.peers.Find(addr)
	}
	if pi == nil {
		return false
	}
	if len(t.conns) >= t.cl.config.MaxPeersPerTorrent {
		t.peers.Disconnected(pi, peerlist.DisconnectAvailable)
		return false
	}
	if !incoming {
		// The dial is settled; refusals above leave it to dialFailed.
		t.halfOpen--
	}
	pi.SetId(res.PeerID)
	c := newPeerConn(t, conn, rw, res, pi, incoming)
	t.conns[c] = struct{}{}
	c.start()
	return true
}

// dropConn runs the disconnect path: wire requests become stalled transfers,
// the address may be re-queued for dialing. Client lock held.
func (t *Torrent) dropConn(c *PeerConn) {
	if _, ok := t.conns[c]; !ok {
		return
	}
	delete(t.conns, c)
	t.deleg.StallPeer(c.key)
	flags := peerlist.DisconnectSetTime
	if c.interesting() {
		flags |= peerlist.DisconnectAvailable
	}
	t.peers.Disconnected(c.info, flags)
	t.openConns()
}

// writeBlock commits a received block's bytes through a writable chunk pin.
// Takes the chunk list's own locks only.
func (t *Torrent) writeBlock(index int, begin uint32, data []byte) error {
	h, err := t.chunks.Get(index, storage.GetWritable|storage.GetBlocking)
	if err != nil {
		return err
	}
	_, err = h.Chunk().WriteAt(data, int64(begin))
	if err == nil {
		t.chunks.MarkWritten(h)
	}
	t.chunks.Release(h, storage.ReleaseSync)
	return err
}

// readBlock serves an upload request. Runs on the disk worker.
func (t *Torrent) readBlock(index int, begin, length uint32) ([]byte, error) {
	h, err := t.chunks.Get(index, storage.GetBlocking)
	if err != nil {
		return nil, err
	}
	data := make([]byte, length)
	_, err = h.Chunk().ReadAt(data, int64(begin))
	t.chunks.Release(h, 0)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// blockCompleted runs the bookkeeping after a block's bytes are on disk:
// cancel sibling requests on the wire, and queue the piece for hashing when
// it fills. Client lock held.
func (t *Torrent) blockCompleted(tr *delegator.Transfer) {
	index := tr.Block().List().Index()
	cancelled, pieceDone := t.deleg.Complete(tr)
	for _, other := range cancelled {
		for c := range t.conns {
			if c.key == other.Peer() {
				c.cancelRequest(other)
			}
		}
	}
	if pieceDone {
		t.queuePieceHash(index)
	}
}

// queuePieceHash snapshots the piece's writers, closes its block list and
// submits the chunk to the hash pipeline. Client lock held.
func (t *Torrent) queuePieceHash(index int) {
	bl := t.deleg.FindList(index)
	t.pendingHashes[index] = pendingHash{
		writers:  bl.Writers(),
		bySeeder: bl.BySeeder(),
	}
	t.deleg.Drop(index)
	h, err := t.chunks.Get(index, storage.GetBlocking)
	if err != nil {
		delete(t.pendingHashes, index)
		t.logger.Levelf(log.Error, "pinning piece %d for hashing: %v", index, err)
		return
	}
	t.cl.hashes.PushBack(h, t, func(h *storage.ChunkHandle, digest []byte) {
		// Runs on the event loop via the completion drain. The piece is
		// still dirty, so the release re-queues it for writeback.
		index := h.Index()
		t.chunks.Release(h, storage.ReleaseSync)
		t.cl.mu.Lock()
		defer t.cl.mu.Unlock()
		if digest == nil || t.closed.IsSet() {
			delete(t.pendingHashes, index)
			return
		}
		t.pieceHashed(index, digest)
	})
}

func (t *Torrent) pieceHash(index int) []byte {
	return []byte(t.info.Pieces[index*20 : (index+1)*20])
}

// pieceHashed settles a piece's fate after the pipeline returns its digest.
// Client lock held.
func (t *Torrent) pieceHashed(index int, digest []byte) {
	ph := t.pendingHashes[index]
	delete(t.pendingHashes, index)
	if !bytes.Equal(digest, t.pieceHash(index)) {
		t.pieceFailed(index, ph)
		return
	}
	t.have.Add(uint32(index))
	t.highPriority.Remove(uint32(index))
	for c := range t.conns {
		c.post(pp.Message{Type: pp.Have, Index: pp.Integer(index)})
		c.updateInterest()
	}
	t.cl.disk.Submit(func() {
		t.chunks.SyncChunks(storage.SyncAll)
	})
	if t.have.GetCardinality() == uint64(t.storage.NumPieces()) {
		t.complete.Set()
		for _, a := range t.announcers {
			a.completed()
		}
	}
}

// pieceFailed penalizes the writers of a piece whose hash came back wrong.
// The block list is already closed, so the piece is immediately delegatable
// again. Client lock held.
func (t *Torrent) pieceFailed(index int, ph pendingHash) {
	t.logger.Levelf(log.Warning, "piece %d failed hash check", index)
	t.clearPiece(index)
	counts := make(map[delegator.PeerKey]int, len(ph.writers))
	for _, w := range ph.writers {
		counts[w]++
	}
	total := len(ph.writers)
	for key, n := range counts {
		// A seeder-originated piece has one culprit. Otherwise ban writers
		// whose blocks dominate the failure; the rest only get a strike.
		ban := ph.bySeeder || n*2 >= total
		for c := range t.conns {
			if c.key != key {
				continue
			}
			c.info.AddFailed()
			if ban {
				c.close("wrote bad data")
			}
		}
	}
	for c := range t.conns {
		c.fillRequests()
	}
}

// clearPiece zeroes a piece's bytes so a later verify pass can't mistake the
// rejected data for progress. Done before the piece becomes delegatable again
// so fresh blocks land after the wipe.
func (t *Torrent) clearPiece(index int) {
	h, err := t.chunks.Get(index, storage.GetWritable|storage.GetBlocking)
	if err != nil {
		t.logger.Levelf(log.Error, "clearing piece %d: %v", index, err)
		return
	}
	for _, w := range h.Chunk().Windows() {
		clear(w.Bytes())
	}
	t.chunks.MarkWritten(h)
	t.chunks.Release(h, storage.ReleaseSync)
}

// onUsefulData credits received payload bytes. Client lock held.
func (t *Torrent) onUsefulData(c *PeerConn, n int) {
	t.downloaded += int64(n)
	c.info.AddTransfer(int64(n))
}

// VerifyData hashes every piece synchronously against the metainfo, marking
// matching pieces as owned. Used on resume and to seed existing data.
func (t *Torrent) VerifyData() error {
	n := t.storage.NumPieces()
	for i := 0; i < n; i++ {
		h, err := t.chunks.Get(i, storage.GetBlocking)
		if err != nil {
			return err
		}
		hasher := sha1.New()
		for _, w := range h.Chunk().Windows() {
			hasher.Write(w.Bytes())
		}
		digest := hasher.Sum(nil)
		t.chunks.Release(h, 0)
		t.cl.mu.Lock()
		if bytes.Equal(digest, t.pieceHash(i)) {
			t.have.Add(uint32(i))
		} else {
			t.have.Remove(uint32(i))
		}
		t.cl.mu.Unlock()
	}
	t.cl.mu.Lock()
	if t.have.GetCardinality() == uint64(n) {
		t.complete.Set()
	}
	t.cl.mu.Unlock()
	return nil
}

// Seeding reports whether we own every piece.
func (t *Torrent) Seeding() bool {
	t.cl.mu.Lock()
	defer t.cl.mu.Unlock()
	return t.have.GetCardinality() == uint64(t.storage.NumPieces())
}

// chokeRound is the 10 s choker rotation. Client lock held.
func (t *Torrent) chokeRound() {
	runChokeRound(t)
}

// pexRound pushes PEX updates to peers that negotiated ut_pex. Client lock
// held.
func (t *Torrent) pexRound() {
	if t.cl.config.DisablePEX {
		return
	}
	for c := range t.conns {
		c.sendPexUpdate(false)
	}
}

// connectedPeerAddrs is the PEX view of the swarm. Client lock held.
func (t *Torrent) connectedPeerAddrs(exclude *PeerConn) (out []netip.AddrPort) {
	for c := range t.conns {
		if c == exclude {
			continue
		}
		out = append(out, c.addr)
	}
	return
}

func (t *Torrent) dhtAnnouncer() {
	for {
		t.cl.dht.Announce(dht.ID(t.infoHash), func(peers []netip.AddrPort) {
			t.AddPeers(peers)
		})
		select {
		case <-t.closed.Done():
			return
		case <-time.After(15 * time.Minute):
		}
	}
}

func (t *Torrent) Close() {
	if !t.closed.Set() {
		return
	}
	for _, a := range t.announcers {
		a.stop()
	}
	t.cl.mu.Lock()
	conns := make([]*PeerConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.cl.mu.Unlock()
	for _, c := range conns {
		t.cl.mu.Lock()
		c.close("torrent closed")
		t.cl.mu.Unlock()
	}
	// Blocks until any in-flight hash for us flushes.
	t.cl.hashes.Remove(t)
	t.chunks.SyncChunks(storage.SyncAll | storage.SyncForce)
	t.chunks.Close()
}

func connAddrPort(conn net.Conn) netip.AddrPort {
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcp.AddrPort()
	}
	addr, _ := netip.ParseAddrPort(conn.RemoteAddr().String())
	return addr
}
