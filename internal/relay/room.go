package relay

import (
	"encoding/json"
	"sync"

	"github.com/fableboard/roomcore/internal/metrics"
	"github.com/fableboard/roomcore/internal/wire"
)

// Room is one named broadcast domain. All fan-out is room-wide; the relay
// never inspects targetPeerId.
type Room struct {
	hub  *Hub
	name string

	mu      sync.Mutex
	members map[string]*Member
}

func newRoom(hub *Hub, name string) *Room {
	return &Room{
		hub:     hub,
		name:    name,
		members: make(map[string]*Member),
	}
}

func (r *Room) Name() string { return r.name }

func (r *Room) memberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// Presence reports the currently attached peers.
func (r *Room) Presence() []wire.PeerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.presenceLocked()
}

func (r *Room) presenceLocked() []wire.PeerInfo {
	peers := make([]wire.PeerInfo, 0, len(r.members))
	for _, m := range r.members {
		peers = append(peers, m.info)
	}
	return peers
}

func (r *Room) attach(info wire.PeerInfo) (*Member, error) {
	r.mu.Lock()
	if _, dup := r.members[info.PeerID]; dup {
		r.mu.Unlock()
		r.hub.m.Inc(metrics.EventProtocolViolated)
		return nil, ErrPeerIDInUse
	}
	if r.hub.cfg.MaxPeersPerRoom > 0 && len(r.members) >= r.hub.cfg.MaxPeersPerRoom {
		r.mu.Unlock()
		r.hub.m.Inc(metrics.EventPeerQuotaHit)
		return nil, ErrRoomFull
	}

	member := &Member{
		room: r,
		info: info,
		send: make(chan []byte, r.hub.cfg.SendQueueDepth),
	}
	r.members[info.PeerID] = member

	// Presence ordering matters: the sync the new member receives reflects
	// the room including itself, and is enqueued before any fan-out that
	// happens after this attach.
	member.enqueue(marshalFrame(&wire.Frame{
		Op:    wire.OpPresence,
		Event: wire.PresenceSync,
		Peers: r.presenceLocked(),
	}))
	enter := marshalFrame(&wire.Frame{
		Op:    wire.OpPresence,
		Event: wire.PresenceEnter,
		Peer:  &wire.PeerInfo{PeerID: info.PeerID, UserID: info.UserID},
	})
	for _, m := range r.members {
		if m != member {
			m.enqueue(enter)
		}
	}
	r.mu.Unlock()

	return member, nil
}

// Broadcast fans an envelope out to every member, including the sender. The
// sender-side echo is intentional: receivers discard their own envelopes, and
// keeping the relay symmetric keeps it dumb.
func (r *Room) Broadcast(env *wire.Envelope) {
	r.broadcast(marshalFrame(&wire.Frame{Op: wire.OpMessage, Envelope: env}))
}

// BroadcastRaw fans out an already-encoded envelope without re-encoding.
// Used for whispers, which the relay forwards without validation.
func (r *Room) BroadcastRaw(rawEnvelope json.RawMessage) {
	// Assemble the message frame around the raw bytes.
	prefix := []byte(`{"op":"message","envelope":`)
	frame := make([]byte, 0, len(prefix)+len(rawEnvelope)+1)
	frame = append(frame, prefix...)
	frame = append(frame, rawEnvelope...)
	frame = append(frame, '}')
	r.broadcast(frame)
}

func (r *Room) broadcast(frame []byte) {
	r.mu.Lock()
	members := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.mu.Unlock()

	for _, m := range members {
		m.enqueue(frame)
	}
}

func (r *Room) detach(member *Member) {
	r.mu.Lock()
	if r.members[member.info.PeerID] != member {
		r.mu.Unlock()
		return
	}
	delete(r.members, member.info.PeerID)
	leave := marshalFrame(&wire.Frame{
		Op:    wire.OpPresence,
		Event: wire.PresenceLeave,
		Peer:  &wire.PeerInfo{PeerID: member.info.PeerID, UserID: member.info.UserID},
	})
	for _, m := range r.members {
		m.enqueue(leave)
	}
	r.mu.Unlock()

	r.hub.m.Inc(metrics.EventPeerDetached)
	r.hub.log.Info("peer detached", "room", r.name, "peer", member.info.PeerID)
	r.hub.dropIfEmpty(r)
}

func (r *Room) closeAll() {
	r.mu.Lock()
	members := make([]*Member, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.members = map[string]*Member{}
	r.mu.Unlock()

	for _, m := range members {
		m.closeSend()
	}
}

// Member is one peer's attachment to a room. The caller drains Outbound and
// writes the frames to the peer's socket; Detach tears the attachment down.
type Member struct {
	room *Room
	info wire.PeerInfo

	send chan []byte

	mu         sync.Mutex
	sendClosed bool
	overflowed bool
}

func (m *Member) Info() wire.PeerInfo { return m.info }

// Outbound is the frame stream for this member. It is closed on detach.
func (m *Member) Outbound() <-chan []byte { return m.send }

// Overflowed reports whether the member was dropped for falling behind.
func (m *Member) Overflowed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.overflowed
}

// Detach removes the member from its room and closes Outbound. Idempotent.
func (m *Member) Detach() {
	m.room.detach(m)
	m.closeSend()
}

func (m *Member) enqueue(frame []byte) {
	m.mu.Lock()
	if m.sendClosed {
		m.mu.Unlock()
		return
	}
	select {
	case m.send <- frame:
		m.mu.Unlock()
	default:
		// The peer is not draining its socket. Drop it rather than block or
		// buffer without bound; it can re-attach and presence-sync.
		m.overflowed = true
		m.mu.Unlock()
		m.room.hub.m.Inc(metrics.EventFanoutDropped)
		m.room.hub.log.Warn("detaching slow peer", "room", m.room.name, "peer", m.info.PeerID)
		go m.Detach()
	}
}

func (m *Member) closeSend() {
	m.mu.Lock()
	if !m.sendClosed {
		m.sendClosed = true
		close(m.send)
	}
	m.mu.Unlock()
}

func marshalFrame(f *wire.Frame) []byte {
	data, err := json.Marshal(f)
	if err != nil {
		// Frames are built from relay-owned values; failure here is a bug.
		panic("relay: marshal frame: " + err.Error())
	}
	return data
}
