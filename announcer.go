package rotor

import (
	"context"
	"net/netip"
	"time"

	"github.com/anacrolix/chansync"
	"github.com/anacrolix/log"

	"github.com/anacrolix/torrent/tracker"
)

const (
	defaultAnnounceInterval = 30 * time.Minute
	announceRetryInterval   = 5 * time.Minute
	announceTimeout         = 15 * time.Second
)

// trackerAnnouncer works one announce tier: regular interval announces,
// rotating to the next URL in the tier on failure.
type trackerAnnouncer struct {
	t    *Torrent
	tier []string
	cur  int

	// Out-of-band event announces (completed) wake the run loop.
	events chan tracker.AnnounceEvent

	stopped chansync.SetOnce
}

func newTrackerAnnouncer(t *Torrent, tier []string) *trackerAnnouncer {
	return &trackerAnnouncer{
		t:      t,
		tier:   tier,
		events: make(chan tracker.AnnounceEvent, 1),
	}
}

func (me *trackerAnnouncer) run() {
	event := tracker.Started
	for {
		res, err := me.announce(event)
		var wait time.Duration
		if err != nil {
			me.t.logger.Levelf(log.Debug, "announcing to %q: %v", me.url(), err)
			me.cur = (me.cur + 1) % len(me.tier)
			wait = announceRetryInterval
		} else {
			event = tracker.None
			me.t.AddPeers(trackerPeerAddrs(res.Peers))
			wait = defaultAnnounceInterval
			if res.Interval > 0 {
				wait = time.Duration(res.Interval) * time.Second
			}
		}
		select {
		case <-me.stopped.Done():
			return
		case <-me.t.closed.Done():
			return
		case ev := <-me.events:
			event = ev
		case <-time.After(wait):
		}
	}
}

func (me *trackerAnnouncer) url() string {
	return me.tier[me.cur]
}

func (me *trackerAnnouncer) announce(event tracker.AnnounceEvent) (tracker.AnnounceResponse, error) {
	ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
	defer cancel()
	return tracker.Announce{
		Context:    ctx,
		TrackerUrl: me.url(),
		Request:    me.t.announceRequest(event),
		UserAgent:  me.t.cl.config.ExtendedHandshakeClientVersion,
	}.Do()
}

// completed requests an immediate Completed event announce.
func (me *trackerAnnouncer) completed() {
	select {
	case me.events <- tracker.Completed:
	default:
	}
}

// stop ends the run loop and fires a best-effort Stopped announce.
func (me *trackerAnnouncer) stop() {
	if !me.stopped.Set() {
		return
	}
	go me.announce(tracker.Stopped)
}

// announceRequest snapshots our swarm stats for a tracker request.
func (t *Torrent) announceRequest(event tracker.AnnounceEvent) tracker.AnnounceRequest {
	cl := t.cl
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return tracker.AnnounceRequest{
		Event:      event,
		NumWant:    -1,
		Port:       uint16(cl.LocalPort()),
		PeerId:     cl.peerID,
		InfoHash:   t.infoHash,
		Key:        cl.announceKey,
		Left:       t.bytesLeft(),
		Uploaded:   t.uploaded,
		Downloaded: t.downloaded,
	}
}

func trackerPeerAddrs(peers []tracker.Peer) (out []netip.AddrPort) {
	for _, p := range peers {
		a, ok := netip.AddrFromSlice(p.IP)
		if !ok {
			continue
		}
		out = append(out, netip.AddrPortFrom(a.Unmap(), uint16(p.Port)))
	}
	return
}
