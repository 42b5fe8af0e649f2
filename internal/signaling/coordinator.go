package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fableboard/roomcore/internal/router"
	"github.com/fableboard/roomcore/internal/webrtcpeer"
	"github.com/fableboard/roomcore/internal/wire"
)

// PeerState is the negotiation state for one remote peer.
type PeerState int

const (
	StateIdle PeerState = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnected
	StateClosed
)

func (s PeerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer-sent"
	case StateOfferReceived:
		return "offer-received"
	case StateAnswerExchanged:
		return "answer-exchanged"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const DefaultOfferTimeout = 15 * time.Second

// Transport is the slice of the room channel the coordinator publishes
// through. Offers and answers go out as validated broadcasts; ICE
// candidates as whispers.
type Transport interface {
	Publish(msgType string, data json.RawMessage, target *string) error
	Whisper(msgType string, data json.RawMessage, target *string) error
}

type Hooks struct {
	// OnPeerConnected fires when a data path to a remote peer comes up.
	OnPeerConnected func(peerID string)
	// OnPeerDisconnected fires when a previously connected peer goes away,
	// whatever the cause.
	OnPeerDisconnected func(peerID string)
	// OnParticipantJoined fires for every user-joined announcement from a
	// remote peer, before any connection attempt.
	OnParticipantJoined func(p wire.Participant)
	// OnError receives per-peer negotiation failures.
	OnError func(err *SignalingError)
}

type Config struct {
	Factory      webrtcpeer.Factory
	OfferTimeout time.Duration
	Log          *slog.Logger
	Hooks        Hooks

	// AfterFunc schedules the offer timeout; tests substitute a manual
	// trigger. Defaults to time.AfterFunc.
	AfterFunc func(d time.Duration, fn func()) *time.Timer
}

type peerSession struct {
	id            string
	state         PeerState
	conn          webrtcpeer.Conn
	remoteDescSet bool
	offerTimer    *time.Timer
}

// Coordinator runs one state machine per remote peer. All envelope handlers
// are mutex-serialized; hooks run outside the lock.
type Coordinator struct {
	cfg   Config
	log   *slog.Logger
	hooks Hooks

	mu           sync.Mutex
	transport    Transport
	peerID       string
	local        *wire.Participant
	participants map[string]wire.Participant
	peers        map[string]*peerSession
	candBuf      map[string][]wire.Candidate
	closed       bool
}

func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultOfferTimeout
	}
	if cfg.AfterFunc == nil {
		cfg.AfterFunc = time.AfterFunc
	}
	return &Coordinator{
		cfg:          cfg,
		log:          cfg.Log,
		hooks:        cfg.Hooks,
		participants: make(map[string]wire.Participant),
		peers:        make(map[string]*peerSession),
		candBuf:      make(map[string][]wire.Candidate),
	}
}

// PeerID returns the local peer ID, generating a fresh one on first use.
// Close clears it; the next session gets a new identity.
func (c *Coordinator) PeerID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerID == "" {
		c.peerID = uuid.NewString()
	}
	return c.peerID
}

// Bind attaches the coordinator to a live transport. Must happen before
// AnnounceJoin or any inbound envelope.
func (c *Coordinator) Bind(t Transport) {
	c.mu.Lock()
	c.transport = t
	c.closed = false
	c.mu.Unlock()
}

// Register installs the coordinator's handlers and payload validators.
func (c *Coordinator) Register(r *router.Router) {
	for _, msgType := range []string{
		wire.TypeRequestState, wire.TypeUserJoined, wire.TypeOffer,
		wire.TypeAnswer, wire.TypeICECandidate, wire.TypeHangup,
	} {
		r.RegisterValidator(msgType, func(env *wire.Envelope) error {
			_, err := wire.DecodePayload(env)
			return err
		})
	}
	r.RegisterHandler(wire.TypeRequestState, c.handleRequestState)
	r.RegisterHandler(wire.TypeUserJoined, c.handleUserJoined)
	r.RegisterHandler(wire.TypeOffer, c.handleOffer)
	r.RegisterHandler(wire.TypeAnswer, c.handleAnswer)
	r.RegisterHandler(wire.TypeICECandidate, c.handleCandidate)
	r.RegisterHandler(wire.TypeHangup, c.handleHangup)
}

// AnnounceJoin broadcasts request-state so peers already in the room
// re-announce themselves.
func (c *Coordinator) AnnounceJoin() error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return &SignalingError{Kind: "not-bound", Err: errNotBound}
	}
	return t.Publish(wire.TypeRequestState, nil, nil)
}

// Join announces that the local user occupied a slot and starts
// negotiations with every known joined peer.
func (c *Coordinator) Join(p wire.Participant) error {
	c.mu.Lock()
	p.PeerID = c.peerID
	c.local = &p
	t := c.transport
	var connectTo []string
	for id := range c.participants {
		if c.peers[id] == nil && c.shouldOfferLocked(id) {
			connectTo = append(connectTo, id)
		}
	}
	c.mu.Unlock()

	if t == nil {
		return &SignalingError{Kind: "not-bound", Err: errNotBound}
	}
	payload := wire.UserJoinedPayload{Participant: p}
	if err := t.Publish(wire.TypeUserJoined, wire.MustData(&payload), nil); err != nil {
		return err
	}
	for _, id := range connectTo {
		c.startOffer(id)
	}
	return nil
}

// Participants returns the remote participants announced so far.
func (c *Coordinator) Participants() []wire.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, p)
	}
	return out
}

// PeerStates reports the negotiation state per remote peer, for diagnostics.
func (c *Coordinator) PeerStates() map[string]PeerState {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]PeerState, len(c.peers))
	for id, sess := range c.peers {
		out[id] = sess.state
	}
	return out
}

// Hangup tears down the connection to one peer and tells it so.
func (c *Coordinator) Hangup(peerID, reason string) {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t != nil {
		payload := wire.HangupPayload{Reason: reason}
		if err := t.Publish(wire.TypeHangup, wire.MustData(&payload), &peerID); err != nil {
			c.log.Warn("hangup publish failed", "peer", peerID, "err", err)
		}
	}
	c.closePeer(peerID, true)
}

// PeerLeft tears down state for a departed peer. Wired to the presence
// tracker.
func (c *Coordinator) PeerLeft(peerID string) {
	c.mu.Lock()
	delete(c.participants, peerID)
	delete(c.candBuf, peerID)
	c.mu.Unlock()
	c.closePeer(peerID, true)
}

// Close cancels every in-flight negotiation and forgets the local peer
// identity. Queued whispers are not flushed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	c.peerID = ""
	c.local = nil
	c.transport = nil
	c.participants = make(map[string]wire.Participant)
	c.candBuf = make(map[string][]wire.Candidate)
	sessions := c.peers
	c.peers = make(map[string]*peerSession)
	c.mu.Unlock()

	for _, sess := range sessions {
		if sess.offerTimer != nil {
			sess.offerTimer.Stop()
		}
		if sess.conn != nil {
			_ = sess.conn.Close()
		}
	}
}

func (c *Coordinator) handleRequestState(env *wire.Envelope) {
	c.mu.Lock()
	local := c.local
	t := c.transport
	c.mu.Unlock()
	if local == nil || t == nil {
		return
	}
	// Re-announce so the late joiner can rebuild room state without a
	// central source of truth.
	payload := wire.UserJoinedPayload{Participant: *local}
	if err := t.Publish(wire.TypeUserJoined, wire.MustData(&payload), nil); err != nil {
		c.log.Warn("user-joined re-announce failed", "err", err)
	}
}

func (c *Coordinator) handleUserJoined(env *wire.Envelope) {
	payload, err := decodeAs[*wire.UserJoinedPayload](env)
	if err != nil {
		c.log.Warn("bad user-joined payload", "sender", env.SenderID, "err", err)
		return
	}
	p := payload.Participant
	if p.PeerID == "" {
		p.PeerID = env.SenderID
	}

	c.mu.Lock()
	c.participants[env.SenderID] = p
	shouldOffer := c.local != nil && c.peers[env.SenderID] == nil && c.shouldOfferLocked(env.SenderID)
	c.mu.Unlock()

	if c.hooks.OnParticipantJoined != nil {
		c.hooks.OnParticipantJoined(p)
	}
	if shouldOffer {
		c.startOffer(env.SenderID)
	}
}

// shouldOfferLocked breaks offer glare deterministically: the peer with the
// smaller ID offers, the other answers.
func (c *Coordinator) shouldOfferLocked(remoteID string) bool {
	return c.peerID != "" && c.peerID < remoteID
}

func (c *Coordinator) startOffer(remoteID string) {
	conn, err := c.cfg.Factory.NewConn()
	if err != nil {
		c.emitError(&SignalingError{Kind: ErrKindICEFailed, PeerID: remoteID, Err: err})
		return
	}

	sess := &peerSession{id: remoteID, state: StateOfferSent, conn: conn}

	c.mu.Lock()
	if c.closed || c.peers[remoteID] != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.peers[remoteID] = sess
	c.mu.Unlock()

	c.wireConn(sess)

	offer, err := conn.CreateOffer(context.Background())
	if err != nil {
		c.failPeer(remoteID, ErrKindICEFailed, err)
		return
	}
	payload := wire.OfferPayload{SDP: offer}
	if err := c.publish(wire.TypeOffer, wire.MustData(&payload), remoteID); err != nil {
		c.failPeer(remoteID, ErrKindICEFailed, err)
		return
	}

	c.mu.Lock()
	if c.peers[remoteID] == sess && sess.state == StateOfferSent {
		sess.offerTimer = c.cfg.AfterFunc(c.cfg.OfferTimeout, func() { c.offerTimedOut(remoteID, sess) })
	}
	c.mu.Unlock()
}

// offerTimedOut abandons a stale offer and re-announces request-state
// instead of retrying the same SDP.
func (c *Coordinator) offerTimedOut(remoteID string, sess *peerSession) {
	c.mu.Lock()
	stale := c.peers[remoteID] == sess && sess.state == StateOfferSent
	c.mu.Unlock()
	if !stale {
		return
	}

	c.failPeer(remoteID, ErrKindOfferTimeout, nil)
	if err := c.AnnounceJoin(); err != nil {
		c.log.Warn("request-state re-announce failed", "err", err)
	}
}

func (c *Coordinator) handleOffer(env *wire.Envelope) {
	payload, err := decodeAs[*wire.OfferPayload](env)
	if err != nil {
		c.log.Warn("bad offer payload", "sender", env.SenderID, "err", err)
		return
	}
	remoteID := env.SenderID

	c.mu.Lock()
	if existing := c.peers[remoteID]; existing != nil {
		// Glare or a replaced attempt. The tie-break says the smaller ID
		// offers; an inbound offer from a larger ID while ours is pending is
		// theirs to abandon.
		if existing.state == StateOfferSent && c.peerID < remoteID {
			c.mu.Unlock()
			c.log.Debug("ignoring offer from larger peer id during glare", "peer", remoteID)
			return
		}
		c.closePeerLocked(existing)
		delete(c.peers, remoteID)
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}

	conn, err := c.cfg.Factory.NewConn()
	if err != nil {
		c.emitError(&SignalingError{Kind: ErrKindICEFailed, PeerID: remoteID, Err: err})
		return
	}
	sess := &peerSession{id: remoteID, state: StateOfferReceived, conn: conn}

	c.mu.Lock()
	c.peers[remoteID] = sess
	c.mu.Unlock()

	c.wireConn(sess)

	answer, err := conn.AcceptOffer(context.Background(), payload.SDP)
	if err != nil {
		c.failPeer(remoteID, ErrKindICEFailed, err)
		return
	}
	ansPayload := wire.AnswerPayload{SDP: answer}
	if err := c.publish(wire.TypeAnswer, wire.MustData(&ansPayload), remoteID); err != nil {
		c.failPeer(remoteID, ErrKindICEFailed, err)
		return
	}

	c.mu.Lock()
	if c.peers[remoteID] == sess {
		sess.state = StateAnswerExchanged
		sess.remoteDescSet = true
	}
	buffered := c.takeCandidatesLocked(remoteID)
	c.mu.Unlock()

	c.applyCandidates(sess, buffered)
}

func (c *Coordinator) handleAnswer(env *wire.Envelope) {
	payload, err := decodeAs[*wire.AnswerPayload](env)
	if err != nil {
		c.log.Warn("bad answer payload", "sender", env.SenderID, "err", err)
		return
	}
	remoteID := env.SenderID

	c.mu.Lock()
	sess := c.peers[remoteID]
	if sess == nil || sess.state != StateOfferSent {
		c.mu.Unlock()
		c.log.Debug("dropping answer with no pending offer", "peer", remoteID)
		return
	}
	if sess.offerTimer != nil {
		sess.offerTimer.Stop()
		sess.offerTimer = nil
	}
	c.mu.Unlock()

	if err := sess.conn.AcceptAnswer(payload.SDP); err != nil {
		c.failPeer(remoteID, ErrKindICEFailed, err)
		return
	}

	c.mu.Lock()
	if c.peers[remoteID] == sess {
		sess.state = StateAnswerExchanged
		sess.remoteDescSet = true
	}
	buffered := c.takeCandidatesLocked(remoteID)
	c.mu.Unlock()

	c.applyCandidates(sess, buffered)
}

func (c *Coordinator) handleCandidate(env *wire.Envelope) {
	payload, err := decodeAs[*wire.ICECandidatePayload](env)
	if err != nil {
		c.log.Warn("bad ice-candidate payload", "sender", env.SenderID, "err", err)
		return
	}
	remoteID := env.SenderID

	c.mu.Lock()
	sess := c.peers[remoteID]
	// Candidates legitimately arrive before the offer or answer; buffer
	// until the remote description is in place.
	if sess == nil || !sess.remoteDescSet {
		c.candBuf[remoteID] = append(c.candBuf[remoteID], payload.Candidate)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.applyCandidates(sess, []wire.Candidate{payload.Candidate})
}

func (c *Coordinator) handleHangup(env *wire.Envelope) {
	payload, err := decodeAs[*wire.HangupPayload](env)
	if err != nil {
		c.log.Warn("bad hangup payload", "sender", env.SenderID, "err", err)
		return
	}
	c.log.Info("peer hung up", "peer", env.SenderID, "reason", payload.Reason)
	c.closePeer(env.SenderID, true)
}

func (c *Coordinator) wireConn(sess *peerSession) {
	remoteID := sess.id
	sess.conn.OnLocalCandidate(func(cand wire.Candidate) {
		payload := wire.ICECandidatePayload{Candidate: cand}
		if err := c.whisper(wire.TypeICECandidate, wire.MustData(&payload), remoteID); err != nil {
			c.log.Debug("candidate whisper failed", "peer", remoteID, "err", err)
		}
	})
	sess.conn.OnStateChange(func(state webrtcpeer.ConnState) {
		switch state {
		case webrtcpeer.StateConnected:
			c.mu.Lock()
			live := c.peers[remoteID] == sess && sess.state != StateClosed
			if live {
				sess.state = StateConnected
			}
			c.mu.Unlock()
			if live && c.hooks.OnPeerConnected != nil {
				c.hooks.OnPeerConnected(remoteID)
			}
		case webrtcpeer.StateFailed:
			c.mu.Lock()
			live := c.peers[remoteID] == sess && sess.state != StateClosed
			c.mu.Unlock()
			if live {
				c.failPeer(remoteID, ErrKindICEFailed, nil)
			}
		}
	})
}

func (c *Coordinator) applyCandidates(sess *peerSession, cands []wire.Candidate) {
	for _, cand := range cands {
		if err := sess.conn.AddRemoteCandidate(cand); err != nil {
			c.log.Warn("apply ice candidate failed", "peer", sess.id, "err", err)
		}
	}
}

func (c *Coordinator) takeCandidatesLocked(remoteID string) []wire.Candidate {
	buffered := c.candBuf[remoteID]
	delete(c.candBuf, remoteID)
	return buffered
}

// failPeer closes the peer's state machine and surfaces the error. Other
// peers' sessions are unaffected.
func (c *Coordinator) failPeer(remoteID, kind string, cause error) {
	wasConnected := c.closePeer(remoteID, false)
	c.emitError(&SignalingError{Kind: kind, PeerID: remoteID, Err: cause})
	if wasConnected && c.hooks.OnPeerDisconnected != nil {
		c.hooks.OnPeerDisconnected(remoteID)
	}
}

// closePeer transitions one peer to Closed. Reports whether the peer had a
// live connection; notify controls the OnPeerDisconnected hook.
func (c *Coordinator) closePeer(remoteID string, notify bool) bool {
	c.mu.Lock()
	sess := c.peers[remoteID]
	if sess == nil {
		c.mu.Unlock()
		return false
	}
	wasConnected := sess.state == StateConnected
	c.closePeerLocked(sess)
	delete(c.peers, remoteID)
	c.mu.Unlock()

	if notify && wasConnected && c.hooks.OnPeerDisconnected != nil {
		c.hooks.OnPeerDisconnected(remoteID)
	}
	return wasConnected
}

func (c *Coordinator) closePeerLocked(sess *peerSession) {
	sess.state = StateClosed
	if sess.offerTimer != nil {
		sess.offerTimer.Stop()
		sess.offerTimer = nil
	}
	if sess.conn != nil {
		_ = sess.conn.Close()
	}
}

func (c *Coordinator) emitError(err *SignalingError) {
	c.log.Warn("signaling failure", "kind", err.Kind, "peer", err.PeerID, "err", err.Err)
	if c.hooks.OnError != nil {
		c.hooks.OnError(err)
	}
}

func (c *Coordinator) publish(msgType string, data json.RawMessage, target string) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return errNotBound
	}
	return t.Publish(msgType, data, &target)
}

func (c *Coordinator) whisper(msgType string, data json.RawMessage, target string) error {
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return errNotBound
	}
	return t.Whisper(msgType, data, &target)
}

func decodeAs[T any](env *wire.Envelope) (T, error) {
	var zero T
	payload, err := wire.DecodePayload(env)
	if err != nil {
		return zero, err
	}
	typed, ok := payload.(T)
	if !ok {
		return zero, errUnexpectedPayload
	}
	return typed, nil
}
