package presence

import (
	"io"
	"log/slog"
	"testing"

	"github.com/fableboard/roomcore/internal/wire"
)

func newTracker(localID string) *Tracker {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewTracker(log, func() string { return localID })
}

func peerInfo(id string) wire.PeerInfo {
	return wire.PeerInfo{PeerID: id, UserID: wire.StringID("user-" + id)}
}

func TestSyncReplacesSet(t *testing.T) {
	tr := newTracker("me")
	tr.Apply(wire.PresenceEnter, &wire.PeerInfo{PeerID: "stale"}, nil)

	tr.Apply(wire.PresenceSync, nil, []wire.PeerInfo{peerInfo("me"), peerInfo("p1")})

	if tr.Contains("stale") {
		t.Fatalf("sync did not replace stale entry")
	}
	if !tr.Contains("me") || !tr.Contains("p1") {
		t.Fatalf("snapshot = %+v", tr.Snapshot())
	}
}

func TestEnterLeaveNotifiesSubscribers(t *testing.T) {
	tr := newTracker("me")

	type note struct {
		event wire.PresenceEvent
		peer  string
	}
	var notes []note
	tr.Subscribe(func(event wire.PresenceEvent, peer wire.PeerInfo) {
		notes = append(notes, note{event, peer.PeerID})
	})

	p := peerInfo("p1")
	tr.Apply(wire.PresenceEnter, &p, nil)
	tr.Apply(wire.PresenceLeave, &p, nil)

	if len(notes) != 2 {
		t.Fatalf("notes = %+v", notes)
	}
	if notes[0].event != wire.PresenceEnter || notes[0].peer != "p1" {
		t.Fatalf("first note = %+v", notes[0])
	}
	if notes[1].event != wire.PresenceLeave || notes[1].peer != "p1" {
		t.Fatalf("second note = %+v", notes[1])
	}
	if tr.Contains("p1") {
		t.Fatalf("departed peer still tracked")
	}
}

func TestLocalPeerNotRepublished(t *testing.T) {
	tr := newTracker("me")

	var notes int
	tr.Subscribe(func(wire.PresenceEvent, wire.PeerInfo) { notes++ })

	self := peerInfo("me")
	tr.Apply(wire.PresenceEnter, &self, nil)
	tr.Apply(wire.PresenceLeave, &self, nil)

	if notes != 0 {
		t.Fatalf("local peer republished %d times", notes)
	}
}

func TestSyncDoesNotNotify(t *testing.T) {
	tr := newTracker("me")
	var notes int
	tr.Subscribe(func(wire.PresenceEvent, wire.PeerInfo) { notes++ })

	tr.Apply(wire.PresenceSync, nil, []wire.PeerInfo{peerInfo("p1"), peerInfo("p2")})
	if notes != 0 {
		t.Fatalf("sync republished %d events", notes)
	}
}

func TestReset(t *testing.T) {
	tr := newTracker("me")
	p := peerInfo("p1")
	tr.Apply(wire.PresenceEnter, &p, nil)
	tr.Reset()
	if len(tr.Snapshot()) != 0 {
		t.Fatalf("reset left peers behind")
	}
}
