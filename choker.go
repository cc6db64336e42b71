package rotor

import (
	"math/rand"
	"sort"

	"github.com/anacrolix/multiless"
)

// Regular unchoke slots per torrent, before the optimistic one.
const uploadSlots = 4

// Every third rotation (30 s) one slot goes to a random interested peer so
// newcomers can prove themselves.
const optimisticEvery = 3

// runChokeRound rotates the unchoke set: the best uploaders among interested
// peers keep their slots, everyone else gets choked. Client lock held.
func runChokeRound(t *Torrent) {
	t.chokeRounds++
	optimistic := t.chokeRounds%optimisticEvery == 0

	var interested []*PeerConn
	for c := range t.conns {
		if c.closed.IsSet() || !c.peerInterested {
			continue
		}
		interested = append(interested, c)
	}
	seeding := t.have.GetCardinality() == uint64(t.storage.NumPieces())
	sort.Slice(interested, func(i, j int) bool {
		a, b := interested[i], interested[j]
		// While downloading, reciprocate peers that feed us. Seeding, favor
		// the ones draining fastest.
		var am, bm int64
		if seeding {
			am, bm = a.upNode.Rate().Current(), b.upNode.Rate().Current()
		} else {
			am, bm = a.downNode.Rate().Current(), b.downNode.Rate().Current()
		}
		return multiless.New().
			Int64(bm, am).
			Int64(b.info.TransferCounter(), a.info.TransferCounter()).
			Less()
	})

	slots := uploadSlots
	if optimistic && slots > 0 {
		slots--
	}
	unchoked := make(map[*PeerConn]bool, uploadSlots)
	for i := 0; i < len(interested) && i < slots; i++ {
		unchoked[interested[i]] = true
	}
	if optimistic {
		var rest []*PeerConn
		for _, c := range interested {
			if !unchoked[c] {
				rest = append(rest, c)
			}
		}
		if len(rest) > 0 {
			unchoked[rest[rand.Intn(len(rest))]] = true
		}
	}

	for c := range t.conns {
		if c.closed.IsSet() {
			continue
		}
		if unchoked[c] {
			c.unchoke()
		} else {
			c.choke()
		}
	}
}
