package relay

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fableboard/roomcore/internal/metrics"
	"github.com/fableboard/roomcore/internal/ratelimit"
	"github.com/fableboard/roomcore/internal/wire"
)

const wsWriteWait = 1 * time.Second

const maxRoomNameLen = 128

// WebSocketServer exposes the relay over `GET /rooms/{room}/socket`.
//
// Peers identify themselves with `peerId` and `userId` query parameters; the
// relay trusts them as-is. Access control for the surrounding application is
// out of scope here and handled by the fronting proxy.
type WebSocketServer struct {
	hub   *Hub
	cfg   Config
	log   *slog.Logger
	clock ratelimit.Clock

	upgrader websocket.Upgrader
}

func NewWebSocketServer(hub *Hub, log *slog.Logger, clock ratelimit.Clock) *WebSocketServer {
	if log == nil {
		log = slog.Default()
	}
	if clock == nil {
		clock = ratelimit.RealClock{}
	}
	return &WebSocketServer{
		hub:   hub,
		cfg:   hub.cfg,
		log:   log,
		clock: clock,
		upgrader: websocket.Upgrader{
			// Origin checks are enforced by the httpserver origin middleware.
			// Unit tests attach directly, so accept all origins here.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes mounts the room socket endpoint. Wrappers (origin policy
// and the like) apply outermost-first.
func (s *WebSocketServer) RegisterRoutes(mux *http.ServeMux, wrap ...func(http.Handler) http.Handler) {
	var h http.Handler = s
	for i := len(wrap) - 1; i >= 0; i-- {
		h = wrap[i](h)
	}
	mux.Handle("GET /rooms/{room}/socket", h)
}

func (s *WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomName := r.PathValue("room")
	if roomName == "" || len(roomName) > maxRoomNameLen {
		http.Error(w, "invalid room name", http.StatusBadRequest)
		return
	}

	q := r.URL.Query()
	peerID := q.Get("peerId")
	userID := q.Get("userId")
	if peerID == "" || userID == "" {
		http.Error(w, "peerId and userId query parameters are required", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	member, err := s.hub.Attach(roomName, wire.PeerInfo{
		PeerID: peerID,
		UserID: wire.ParseID(userID),
	})
	if err != nil {
		closeWith(conn, attachCloseCode(err), err.Error())
		_ = conn.Close()
		return
	}

	sess := &wsPeer{
		srv:    s,
		conn:   conn,
		member: member,
		limiter: ratelimit.NewTokenBucket(
			s.clock,
			int64(s.cfg.MaxFramesPerSecond),
			int64(s.cfg.MaxFramesPerSecond),
		),
	}

	go sess.writePump()
	sess.readPump()
}

func attachCloseCode(err error) int {
	switch {
	case errors.Is(err, ErrRoomFull), errors.Is(err, ErrTooManyRooms):
		return websocket.CloseTryAgainLater
	default:
		return websocket.ClosePolicyViolation
	}
}

type wsPeer struct {
	srv     *WebSocketServer
	conn    *websocket.Conn
	member  *Member
	limiter *ratelimit.TokenBucket
}

// inboundFrame is the lenient first-pass decode of a client frame: enough to
// pick the operation without validating the envelope, which whispers skip.
type inboundFrame struct {
	Op       wire.FrameOp    `json:"op"`
	Envelope json.RawMessage `json:"envelope"`
}

func (p *wsPeer) readPump() {
	defer func() {
		p.member.Detach()
		_ = p.conn.Close()
	}()

	cfg := p.srv.cfg
	p.conn.SetReadLimit(int64(cfg.MaxFrameBytes))
	resetDeadline := func() {
		_ = p.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	}
	resetDeadline()
	p.conn.SetPongHandler(func(string) error {
		resetDeadline()
		return nil
	})

	for {
		msgType, data, err := p.conn.ReadMessage()
		if err != nil {
			return
		}
		resetDeadline()

		// Rate-limit after reading so bytes already in the TCP receive buffer
		// are consumed; closing with unread data can turn into an abortive
		// close and hide the close reason from the client.
		if cfg.MaxFramesPerSecond > 0 && !p.limiter.Allow(1) {
			p.srv.hub.m.Inc(metrics.EventRateLimited)
			p.fail(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			p.fail(websocket.CloseUnsupportedData, "expected text message")
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			p.protocolViolation("malformed frame")
			return
		}

		switch frame.Op {
		case wire.OpPublish:
			parsed, err := wire.ParseFrame(data)
			if err != nil {
				p.protocolViolation("invalid publish frame: " + err.Error())
				return
			}
			if parsed.Envelope.SenderID != p.member.info.PeerID {
				p.protocolViolation("publish senderId does not match attached peer")
				return
			}
			p.srv.hub.m.Inc(metrics.EventPublishReceived)
			p.member.room.Broadcast(parsed.Envelope)
		case wire.OpWhisper:
			if len(frame.Envelope) == 0 {
				p.protocolViolation("whisper frame missing envelope")
				return
			}
			// Whispers are forwarded unprocessed: no schema validation, no
			// sender check. Receivers drop anything malformed.
			p.srv.hub.m.Inc(metrics.EventWhisperReceived)
			p.member.room.BroadcastRaw(frame.Envelope)
		default:
			p.protocolViolation("unsupported op")
			return
		}
	}
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(p.srv.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-p.member.Outbound():
			if !ok {
				reason := "detached"
				if p.member.Overflowed() {
					reason = "send queue overflow"
				}
				closeWith(p.conn, websocket.CloseGoingAway, reason)
				_ = p.conn.Close()
				return
			}
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				_ = p.conn.Close()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = p.conn.Close()
				return
			}
		}
	}
}

func (p *wsPeer) protocolViolation(reason string) {
	p.srv.hub.m.Inc(metrics.EventProtocolViolated)
	p.srv.log.Warn("relay protocol violation",
		"room", p.member.room.name,
		"peer", p.member.info.PeerID,
		"reason", reason,
	)
	p.fail(websocket.ClosePolicyViolation, reason)
}

func (p *wsPeer) fail(code int, reason string) {
	closeWith(p.conn, code, reason)
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	// WriteControl is safe to call concurrently with the write pump.
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(wsWriteWait))
}
