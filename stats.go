package rotor

import (
	"io"

	"github.com/davecgh/go-spew/spew"

	"github.com/rotorlib/rotor/dht"
)

// TorrentStats is a point-in-time snapshot for one torrent.
type TorrentStats struct {
	InfoHash       string
	PiecesHave     int
	PiecesTotal    int
	Uploaded       int64
	Downloaded     int64
	Conns          int
	HalfOpen       int
	KnownPeers     int
	AvailablePeers int
	SyncQueue      int
}

// ClientStats aggregates per-torrent snapshots with DHT counters.
type ClientStats struct {
	Torrents []TorrentStats
	Dht      dht.ServerStats
}

func (cl *Client) Stats() (s ClientStats) {
	cl.mu.Lock()
	for _, t := range cl.torrents {
		s.Torrents = append(s.Torrents, TorrentStats{
			InfoHash:       t.infoHash.HexString(),
			PiecesHave:     int(t.have.GetCardinality()),
			PiecesTotal:    t.NumPieces(),
			Uploaded:       t.uploaded,
			Downloaded:     t.downloaded,
			Conns:          len(t.conns),
			HalfOpen:       t.halfOpen,
			KnownPeers:     t.peers.Len(),
			AvailablePeers: t.peers.AvailableList().Len(),
			SyncQueue:      t.chunks.QueueSize(),
		})
	}
	cl.mu.Unlock()
	if cl.dht != nil {
		s.Dht = cl.dht.Stats()
	}
	return
}

// WriteStatus dumps a diagnostic snapshot of the client, for status pages and
// signal handlers.
func (cl *Client) WriteStatus(w io.Writer) {
	spew.Fdump(w, cl.Stats())
}
