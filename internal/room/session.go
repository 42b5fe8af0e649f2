// Package room is the composition root: it wires the transport channel,
// message router, presence tracker, consent orchestrator and signaling
// coordinator into one session the surrounding application drives.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/fableboard/roomcore/internal/consent"
	"github.com/fableboard/roomcore/internal/presence"
	"github.com/fableboard/roomcore/internal/roomapi"
	"github.com/fableboard/roomcore/internal/router"
	"github.com/fableboard/roomcore/internal/signaling"
	"github.com/fableboard/roomcore/internal/transport"
	"github.com/fableboard/roomcore/internal/webrtcpeer"
	"github.com/fableboard/roomcore/internal/wire"
)

// ErrConsentUnresolved gates joining: a slot cannot be taken while any
// enabled feature's consent is still pending. Fail closed.
var ErrConsentUnresolved = errors.New("room: consents not resolved")

var ErrNotEntered = errors.New("room: session not entered")

// Hooks are the lifecycle callbacks the UI layer subscribes to. All are
// optional.
type Hooks struct {
	OnJoinUIShouldEnable  func()
	OnJoinUIShouldDisable func()
	OnConsentDenied       func(feature consent.Feature)
	OnCountdownTick       func(remaining int)
	OnPeerConnected       func(peerID string)
	OnPeerDisconnected    func(peerID string)
	OnParticipantJoined   func(p wire.Participant)
	OnSignalingError      func(err *signaling.SignalingError)
}

type Config struct {
	// RelayURL is the room relay base URL (ws:// or wss://).
	RelayURL string
	// APIBaseURL is the room service base URL (http:// or https://).
	APIBaseURL string
	RoomID     string
	UserID     wire.ID

	Prompter   consent.DialogPrompter
	Redirector consent.Redirector
	Hooks      Hooks

	Log *slog.Logger

	// ICEServers configures the default peer connection factory, typically
	// fetched from the relay's /ice endpoint beforehand.
	ICEServers []webrtc.ICEServer
	// Factory overrides peer connection construction; defaults to a
	// pion-backed factory. Tests substitute fakes.
	Factory webrtcpeer.Factory
	// HTTPClient overrides the room API client's transport.
	HTTPClient *http.Client
}

// Session is one tab's membership in one room.
type Session struct {
	cfg Config
	log *slog.Logger

	api     *roomapi.Client
	coord   *signaling.Coordinator
	tracker *presence.Tracker
	router  *router.Router

	mu       sync.Mutex
	orch     *consent.Orchestrator
	channel  *transport.Channel
	snapshot roomapi.RoomSnapshot
	entered  bool
}

func NewSession(cfg Config) (*Session, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	api, err := roomapi.NewClient(cfg.APIBaseURL, cfg.RoomID, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	factory := cfg.Factory
	if factory == nil {
		factory = &webrtcpeer.PionFactory{
			API:        webrtcpeer.NewAPI(cfg.Log),
			ICEServers: cfg.ICEServers,
			Log:        cfg.Log,
		}
	}

	s := &Session{
		cfg: cfg,
		log: cfg.Log.With("room", cfg.RoomID),
		api: api,
	}

	s.coord = signaling.NewCoordinator(signaling.Config{
		Factory: factory,
		Log:     s.log,
		Hooks: signaling.Hooks{
			OnPeerConnected:     cfg.Hooks.OnPeerConnected,
			OnPeerDisconnected:  cfg.Hooks.OnPeerDisconnected,
			OnParticipantJoined: cfg.Hooks.OnParticipantJoined,
			OnError:             cfg.Hooks.OnSignalingError,
		},
	})
	s.tracker = presence.NewTracker(s.log, s.coord.PeerID)
	s.tracker.Subscribe(func(event wire.PresenceEvent, peer wire.PeerInfo) {
		if event == wire.PresenceLeave {
			s.coord.PeerLeft(peer.PeerID)
		}
	})
	s.router = router.New(s.log, s.coord.PeerID)
	s.coord.Register(s.router)

	return s, nil
}

// Enter brings the session into the room: fetch the room snapshot, run the
// initial consent checks, attach the transport and announce presence.
// A consent status failure aborts entry; joining stays blocked.
func (s *Session) Enter(ctx context.Context) error {
	s.mu.Lock()
	if s.entered {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	snapshot, err := s.api.Room(ctx)
	if err != nil {
		return fmt.Errorf("room snapshot: %w", err)
	}

	orch := consent.NewOrchestrator(consent.Config{
		API:        s.api,
		Prompter:   s.cfg.Prompter,
		Redirector: s.cfg.Redirector,
		Log:        s.log,
		Hooks: consent.Hooks{
			OnJoinUIShouldEnable:  s.cfg.Hooks.OnJoinUIShouldEnable,
			OnJoinUIShouldDisable: s.cfg.Hooks.OnJoinUIShouldDisable,
			OnConsentDenied:       s.cfg.Hooks.OnConsentDenied,
			OnCountdownTick:       s.cfg.Hooks.OnCountdownTick,
		},
	}, snapshot.FeatureConsents())
	if err := orch.CheckInitialConsentRequirements(ctx); err != nil {
		return fmt.Errorf("initial consent check: %w", err)
	}

	channel := transport.NewChannel(transport.Config{
		RelayURL: s.cfg.RelayURL,
		Room:     s.cfg.RoomID,
		PeerID:   s.coord.PeerID(),
		UserID:   s.cfg.UserID,
		Log:      s.log,
	})
	channel.OnEnvelope(func(env wire.Envelope) { s.router.Dispatch(&env) })
	channel.OnPresence(s.tracker.Apply)
	channel.OnClosed(func(err error) {
		s.log.Warn("room channel lost", "err", err)
	})

	if err := channel.Attach(ctx); err != nil {
		return err
	}
	s.coord.Bind(channel)

	s.mu.Lock()
	s.orch = orch
	s.channel = channel
	s.snapshot = snapshot
	s.entered = true
	s.mu.Unlock()

	if err := s.coord.AnnounceJoin(); err != nil {
		s.log.Warn("request-state announce failed", "err", err)
	}
	return nil
}

// Join occupies a slot. Refused until every enabled feature's consent is
// resolved; granting consent never auto-starts a feature, this is the
// explicit step that does.
func (s *Session) Join(slotID, displayName string) error {
	s.mu.Lock()
	entered := s.entered
	orch := s.orch
	s.mu.Unlock()
	if !entered {
		return ErrNotEntered
	}
	if !orch.AllConsentsResolved() {
		return ErrConsentUnresolved
	}

	p := wire.Participant{
		UserID:      s.cfg.UserID,
		DisplayName: displayName,
	}
	if slotID != "" {
		p.SlotID = &slotID
	}
	return s.coord.Join(p)
}

// HandleConsentDecision records a user's dialog decision.
func (s *Session) HandleConsentDecision(ctx context.Context, feature consent.Feature, granted bool) error {
	s.mu.Lock()
	orch := s.orch
	s.mu.Unlock()
	if orch == nil {
		return ErrNotEntered
	}
	return orch.HandleConsentDecision(ctx, feature, granted)
}

// Leave tears the session down: cancel in-flight negotiations, detach the
// channel, forget presence. Safe to call without a prior Enter.
func (s *Session) Leave() {
	s.mu.Lock()
	channel := s.channel
	s.channel = nil
	s.entered = false
	s.mu.Unlock()

	s.coord.Close()
	if channel != nil {
		channel.Detach()
	}
	s.tracker.Reset()
}

// PeerID returns the local peer ID for this session.
func (s *Session) PeerID() string { return s.coord.PeerID() }

// Presence returns the currently attached peers.
func (s *Session) Presence() []wire.PeerInfo { return s.tracker.Snapshot() }

// Participants returns the remote slot-joined participants seen so far.
func (s *Session) Participants() []wire.Participant { return s.coord.Participants() }

// Consents returns the per-feature consent records.
func (s *Session) Consents() []consent.FeatureConsent {
	s.mu.Lock()
	orch := s.orch
	s.mu.Unlock()
	if orch == nil {
		return nil
	}
	return orch.Snapshot()
}

// Snapshot returns the room configuration fetched at entry.
func (s *Session) Snapshot() roomapi.RoomSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// RouterStats exposes the message router's delivery counters.
func (s *Session) RouterStats() map[string]uint64 { return s.router.Stats() }
