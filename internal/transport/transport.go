// Package transport implements the room channel the coordination core
// speaks over: a WebSocket client for the relay's room socket. The channel
// delivers every broadcast envelope to a single sink, including the local
// peer's own (the router discards those), and surfaces relay presence
// frames as callbacks plus a local snapshot.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fableboard/roomcore/internal/ratelimit"
	"github.com/fableboard/roomcore/internal/wire"
)

// TransportError wraps any failure to reach or speak to the relay.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

const (
	writeWait = 5 * time.Second

	// attachSyncWait bounds how long Attach waits for the relay's presence
	// sync frame after the dial succeeds.
	attachSyncWait = 10 * time.Second
)

type Config struct {
	// RelayURL is the relay base URL, ws:// or wss://.
	RelayURL string
	Room     string
	PeerID   string
	UserID   wire.ID

	Log   *slog.Logger
	Clock ratelimit.Clock

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// EnvelopeSink receives every envelope the relay fans out, in arrival order.
type EnvelopeSink func(wire.Envelope)

// PresenceFunc receives relay presence frames. peer is set for enter/leave,
// peers for sync.
type PresenceFunc func(event wire.PresenceEvent, peer *wire.PeerInfo, peers []wire.PeerInfo)

// Channel is a single attachment to one room. It is safe for concurrent
// use; Publish and Whisper serialize on an internal write lock.
type Channel struct {
	cfg   Config
	log   *slog.Logger
	clock ratelimit.Clock

	sink       EnvelopeSink
	onPresence PresenceFunc
	onClosed   func(error)

	mu       sync.Mutex
	conn     *websocket.Conn
	attached bool
	peers    map[string]wire.PeerInfo

	writeMu sync.Mutex

	detachOnce sync.Once
	done       chan struct{}
}

func NewChannel(cfg Config) *Channel {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = ratelimit.RealClock{}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Channel{
		cfg:   cfg,
		log:   cfg.Log.With("room", cfg.Room, "peer", cfg.PeerID),
		clock: cfg.Clock,
		peers: make(map[string]wire.PeerInfo),
		done:  make(chan struct{}),
	}
}

// OnEnvelope sets the envelope sink. Must be called before Attach.
func (c *Channel) OnEnvelope(fn EnvelopeSink) { c.sink = fn }

// OnPresence sets the presence callback. Must be called before Attach.
func (c *Channel) OnPresence(fn PresenceFunc) { c.onPresence = fn }

// OnClosed is invoked once when the read loop exits for any reason other
// than a local Detach. Must be called before Attach.
func (c *Channel) OnClosed(fn func(error)) { c.onClosed = fn }

// Attach dials the relay and blocks until the presence sync frame arrives,
// so Presence is primed before Attach returns. Attaching an already
// attached channel is a no-op.
func (c *Channel) Attach(ctx context.Context) error {
	c.mu.Lock()
	if c.attached {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	socketURL, err := c.socketURL()
	if err != nil {
		return &TransportError{Op: "attach", Err: err}
	}

	conn, resp, err := c.cfg.Dialer.DialContext(ctx, socketURL, nil)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return &TransportError{Op: "attach", Err: err}
	}

	// The relay sends presence sync as the first frame on every attach.
	_ = conn.SetReadDeadline(time.Now().Add(attachSyncWait))
	frame, err := c.readFrame(conn)
	if err != nil {
		_ = conn.Close()
		return &TransportError{Op: "attach", Err: fmt.Errorf("waiting for presence sync: %w", err)}
	}
	if frame.Op != wire.OpPresence || frame.Event != wire.PresenceSync {
		_ = conn.Close()
		return &TransportError{Op: "attach", Err: fmt.Errorf("expected presence sync, got op %q", frame.Op)}
	}
	_ = conn.SetReadDeadline(time.Time{})

	c.mu.Lock()
	c.conn = conn
	c.attached = true
	c.applyPresenceLocked(frame)
	c.mu.Unlock()

	if c.onPresence != nil {
		c.onPresence(wire.PresenceSync, nil, frame.Peers)
	}

	go c.readLoop(conn)
	return nil
}

// Publish broadcasts an envelope of the given type. target restricts
// processing to one peer; every peer still receives the bytes and the
// router on non-target peers discards them.
func (c *Channel) Publish(msgType string, data json.RawMessage, target *string) error {
	return c.send(wire.OpPublish, msgType, data, target)
}

// Whisper is a low-overhead broadcast: the relay forwards it without
// validation or accounting. Used for high-frequency signaling traffic.
func (c *Channel) Whisper(msgType string, data json.RawMessage, target *string) error {
	return c.send(wire.OpWhisper, msgType, data, target)
}

func (c *Channel) send(op wire.FrameOp, msgType string, data json.RawMessage, target *string) error {
	c.mu.Lock()
	conn := c.conn
	attached := c.attached
	c.mu.Unlock()
	if !attached {
		return &TransportError{Op: string(op), Err: fmt.Errorf("channel not attached")}
	}

	env := wire.Envelope{
		Type:         msgType,
		Data:         data,
		SenderID:     c.cfg.PeerID,
		UserID:       c.cfg.UserID,
		RoomID:       wire.ParseID(c.cfg.Room),
		TargetPeerID: target,
		Timestamp:    c.clock.Now().UnixMilli(),
	}
	frame := wire.Frame{Op: op, Envelope: &env}
	payload, err := json.Marshal(frame)
	if err != nil {
		return &TransportError{Op: string(op), Err: err}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return &TransportError{Op: string(op), Err: err}
	}
	return nil
}

// Presence returns the current attached members. Eventually consistent: a
// peer that just detached may still appear briefly.
func (c *Channel) Presence() []wire.PeerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.PeerInfo, 0, len(c.peers))
	for _, p := range c.peers {
		out = append(out, p)
	}
	return out
}

// Detach closes the channel. Best effort: never errors, safe on a channel
// that was never attached, safe to call more than once.
func (c *Channel) Detach() {
	c.detachOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.conn = nil
		c.attached = false
		c.peers = make(map[string]wire.PeerInfo)
		c.mu.Unlock()
		if conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detach")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
	})
}

func (c *Channel) socketURL() (string, error) {
	base, err := url.Parse(c.cfg.RelayURL)
	if err != nil {
		return "", err
	}
	if base.Scheme != "ws" && base.Scheme != "wss" {
		return "", fmt.Errorf("relay URL scheme must be ws or wss, got %q", base.Scheme)
	}
	if c.cfg.Room == "" || c.cfg.PeerID == "" {
		return "", fmt.Errorf("room and peer ID are required")
	}
	base.Path = "/rooms/" + url.PathEscape(c.cfg.Room) + "/socket"
	q := url.Values{}
	q.Set("peerId", c.cfg.PeerID)
	q.Set("userId", c.cfg.UserID.String())
	base.RawQuery = q.Encode()
	return base.String(), nil
}

func (c *Channel) readFrame(conn *websocket.Conn) (wire.Frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	// Strict enough for the attach handshake, where the sync frame is
	// relay-authored. The steady-state loop decodes on its own terms.
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return wire.Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	return f, nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	var loopErr error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			loopErr = err
			break
		}
		// Whispers are forwarded verbatim, so another peer controls these
		// bytes. A frame that does not decode is dropped; only the socket
		// read error ends the loop.
		var frame wire.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.log.Debug("dropping malformed frame", "err", err)
			continue
		}
		switch frame.Op {
		case wire.OpMessage:
			if frame.Envelope == nil || frame.Envelope.Validate() != nil {
				c.log.Debug("dropping malformed envelope")
				continue
			}
			if c.sink != nil {
				c.sink(*frame.Envelope)
			}
		case wire.OpPresence:
			c.mu.Lock()
			c.applyPresenceLocked(frame)
			c.mu.Unlock()
			if c.onPresence != nil {
				c.onPresence(frame.Event, frame.Peer, frame.Peers)
			}
		case wire.OpError:
			c.log.Warn("relay error frame", "code", frame.Code, "message", frame.Message)
		default:
			c.log.Debug("dropping frame with unknown op", "op", frame.Op)
		}
	}

	select {
	case <-c.done:
		// Local detach; the close error is expected.
	default:
		c.log.Info("channel closed by relay", "err", loopErr)
		c.mu.Lock()
		c.attached = false
		c.mu.Unlock()
		if c.onClosed != nil {
			c.onClosed(loopErr)
		}
	}
}

func (c *Channel) applyPresenceLocked(frame wire.Frame) {
	switch frame.Event {
	case wire.PresenceSync:
		c.peers = make(map[string]wire.PeerInfo, len(frame.Peers))
		for _, p := range frame.Peers {
			c.peers[p.PeerID] = p
		}
	case wire.PresenceEnter:
		if frame.Peer != nil {
			c.peers[frame.Peer.PeerID] = *frame.Peer
		}
	case wire.PresenceLeave:
		if frame.Peer != nil {
			delete(c.peers, frame.Peer.PeerID)
		}
	}
}
