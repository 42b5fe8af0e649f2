// Package presence keeps the room's attached-peer set. It is a thin
// translation layer over the transport's presence delivery: the transport
// owns the data, this package republishes changes to local subscribers
// (signaling teardown, logging) and answers snapshot queries.
package presence

import (
	"log/slog"
	"sync"

	"github.com/fableboard/roomcore/internal/wire"
)

// SubscriberFunc observes enter and leave events for remote peers. Sync
// events and the local peer's own presence are not republished.
type SubscriberFunc func(event wire.PresenceEvent, peer wire.PeerInfo)

type Tracker struct {
	log *slog.Logger

	// localPeerID is read lazily; the peer ID does not exist until the
	// signaling coordinator generated it.
	localPeerID func() string

	mu    sync.Mutex
	peers map[string]wire.PeerInfo
	subs  []SubscriberFunc
}

func NewTracker(log *slog.Logger, localPeerID func() string) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if localPeerID == nil {
		localPeerID = func() string { return "" }
	}
	return &Tracker{
		log:         log,
		localPeerID: localPeerID,
		peers:       make(map[string]wire.PeerInfo),
	}
}

// Subscribe registers an observer. Must be called before the transport
// attaches.
func (t *Tracker) Subscribe(fn SubscriberFunc) {
	t.mu.Lock()
	t.subs = append(t.subs, fn)
	t.mu.Unlock()
}

// Apply folds one transport presence event into the tracked set. Its
// signature matches the transport channel's presence callback.
func (t *Tracker) Apply(event wire.PresenceEvent, peer *wire.PeerInfo, peers []wire.PeerInfo) {
	local := t.localPeerID()

	t.mu.Lock()
	var notify []SubscriberFunc
	var subject wire.PeerInfo
	switch event {
	case wire.PresenceSync:
		t.peers = make(map[string]wire.PeerInfo, len(peers))
		for _, p := range peers {
			t.peers[p.PeerID] = p
		}
	case wire.PresenceEnter:
		if peer == nil {
			break
		}
		t.peers[peer.PeerID] = *peer
		if peer.PeerID != local {
			subject = *peer
			notify = append(notify, t.subs...)
		}
	case wire.PresenceLeave:
		if peer == nil {
			break
		}
		delete(t.peers, peer.PeerID)
		if peer.PeerID != local {
			subject = *peer
			notify = append(notify, t.subs...)
		}
	}
	t.mu.Unlock()

	for _, fn := range notify {
		fn(event, subject)
	}
	if len(notify) > 0 {
		t.log.Debug("presence change", "event", string(event), "peer", subject.PeerID)
	}
}

// Snapshot returns the current attached peers. Eventually consistent with
// actual attachment state.
func (t *Tracker) Snapshot() []wire.PeerInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]wire.PeerInfo, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// Contains reports whether a peer is currently attached.
func (t *Tracker) Contains(peerID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[peerID]
	return ok
}

// Reset clears tracked state on room leave.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.peers = make(map[string]wire.PeerInfo)
	t.mu.Unlock()
}
