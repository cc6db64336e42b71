package dht

import (
	"os"

	"github.com/anacrolix/torrent/bencode"
	"github.com/pkg/errors"
)

// The persisted DHT cache: nodes we'd re-contact on start, and our own id so
// it survives restarts.
type Cache struct {
	Nodes string `bencode:"nodes"` // concatenated 26-byte entries
	OwnID string `bencode:"own_id"`
}

// SaveCache snapshots the server's id and good/questionable nodes.
func (me *Server) SaveCache() Cache {
	me.mu.Lock()
	defer me.mu.Unlock()
	var infos []NodeInfo
	me.table.ForEachNode(func(n *Node) bool {
		if n.repliedOnce {
			infos = append(infos, NodeInfo{ID: n.id, Addr: n.addr})
		}
		return true
	})
	return Cache{
		Nodes: CompactNodes(infos),
		OwnID: me.table.OwnID().AsString(),
	}
}

// LoadCache feeds cached nodes back in as bootstrap contacts.
func (me *Server) LoadCache(c Cache) error {
	nodes, err := ParseCompactNodes(c.Nodes)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		me.AddContact(n.Addr)
	}
	return nil
}

func WriteCacheFile(path string, c Cache) error {
	b, err := bencode.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func ReadCacheFile(path string) (c Cache, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := bencode.Unmarshal(b, &c); err != nil {
		return c, errors.Wrap(err, "parsing dht cache")
	}
	if _, ok := IDFromString(c.OwnID); !ok {
		return c, errors.New("dht cache has bad own_id")
	}
	return c, nil
}

// CachedID returns the persisted id from a cache file, or a fresh random id
// if the file is unusable.
func CachedID(path string) ID {
	c, err := ReadCacheFile(path)
	if err != nil {
		return RandomID()
	}
	id, _ := IDFromString(c.OwnID)
	return id
}
