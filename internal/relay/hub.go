package relay

import (
	"log/slog"
	"sync"

	"github.com/fableboard/roomcore/internal/metrics"
	"github.com/fableboard/roomcore/internal/wire"
)

// Hub owns the set of active rooms. Rooms are created on first attach and
// dropped once their last peer detaches.
type Hub struct {
	cfg Config
	log *slog.Logger
	m   *metrics.Metrics

	mu     sync.Mutex
	rooms  map[string]*Room
	closed bool
}

func NewHub(cfg Config, log *slog.Logger, m *metrics.Metrics) *Hub {
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}
	return &Hub{
		cfg:   cfg.WithDefaults(),
		log:   log,
		m:     m,
		rooms: make(map[string]*Room),
	}
}

func (h *Hub) Metrics() *metrics.Metrics { return h.m }

// Attach adds a peer to the named room, creating the room if needed. On
// success the new member has already been sent a presence sync and the rest
// of the room a presence enter.
func (h *Hub) Attach(roomName string, info wire.PeerInfo) (*Member, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	room, ok := h.rooms[roomName]
	if !ok {
		if h.cfg.MaxRooms > 0 && len(h.rooms) >= h.cfg.MaxRooms {
			h.m.Inc(metrics.EventRoomQuotaHit)
			h.mu.Unlock()
			return nil, ErrTooManyRooms
		}
		room = newRoom(h, roomName)
		h.rooms[roomName] = room
	}
	h.mu.Unlock()

	member, err := room.attach(info)
	if err != nil {
		h.dropIfEmpty(room)
		return nil, err
	}

	h.m.Inc(metrics.EventPeerAttached)
	h.log.Info("peer attached", "room", roomName, "peer", info.PeerID, "user", info.UserID.String())
	return member, nil
}

// RoomCount reports the number of active rooms.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// Close detaches every peer in every room. Further attaches fail with
// ErrHubClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.rooms = map[string]*Room{}
	h.mu.Unlock()

	for _, r := range rooms {
		r.closeAll()
	}
}

func (h *Hub) dropIfEmpty(room *Room) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room.memberCount() == 0 && h.rooms[room.name] == room {
		delete(h.rooms, room.name)
	}
}
