// Package router dispatches inbound room envelopes to registered handlers.
//
// Every envelope passes a universal filter step before any handler runs:
// self-originated envelopes are discarded (broadcast transports echo to the
// sender), and envelopes targeted at another peer are discarded unprocessed.
// Malformed envelopes from other peers are logged and dropped; they must
// never crash the local session.
package router

import (
	"log/slog"
	"sync"

	"github.com/fableboard/roomcore/internal/metrics"
	"github.com/fableboard/roomcore/internal/wire"
)

// Stat counter names. Per-type delivery counters use the StatReceivedPrefix
// plus the envelope type.
const (
	StatReceivedPrefix       = "received."
	StatDroppedSelf          = "dropped_self"
	StatDroppedForeignTarget = "dropped_foreign_target"
	StatDroppedInvalid       = "dropped_invalid"
	StatUnhandled            = "unhandled"
)

type Handler func(env *wire.Envelope)

// Validator inspects an envelope before its handler runs. A non-nil error
// drops the envelope; it is never propagated to the dispatch caller.
type Validator func(env *wire.Envelope) error

// Router is a handler table keyed by envelope type. Last registration wins.
type Router struct {
	log *slog.Logger

	// localPeerID is read at dispatch time because the peer ID is generated
	// lazily by the signaling coordinator and cleared on detach.
	localPeerID func() string

	mu         sync.Mutex
	handlers   map[string]Handler
	validators map[string]Validator

	stats *metrics.Metrics
}

func New(log *slog.Logger, localPeerID func() string) *Router {
	if log == nil {
		log = slog.Default()
	}
	if localPeerID == nil {
		localPeerID = func() string { return "" }
	}
	return &Router{
		log:         log,
		localPeerID: localPeerID,
		handlers:    make(map[string]Handler),
		validators:  make(map[string]Validator),
		stats:       metrics.New(),
	}
}

func (r *Router) RegisterHandler(msgType string, h Handler) {
	r.mu.Lock()
	if h == nil {
		delete(r.handlers, msgType)
	} else {
		r.handlers[msgType] = h
	}
	r.mu.Unlock()
}

func (r *Router) UnregisterHandler(msgType string) {
	r.mu.Lock()
	delete(r.handlers, msgType)
	r.mu.Unlock()
}

// RegisterValidator installs a per-type validator. Types without a validator
// are accepted as-is.
func (r *Router) RegisterValidator(msgType string, v Validator) {
	r.mu.Lock()
	if v == nil {
		delete(r.validators, msgType)
	} else {
		r.validators[msgType] = v
	}
	r.mu.Unlock()
}

// Dispatch runs one envelope through the filter, validation and handler
// steps. It never returns an error: a bad envelope affects only itself.
func (r *Router) Dispatch(env *wire.Envelope) {
	if env == nil {
		return
	}

	r.stats.Inc(StatReceivedPrefix + env.Type)

	local := r.localPeerID()
	if env.SenderID == local {
		r.stats.Inc(StatDroppedSelf)
		return
	}
	if target := env.Target(); target != "" && target != local {
		r.stats.Inc(StatDroppedForeignTarget)
		return
	}

	r.mu.Lock()
	validator := r.validators[env.Type]
	handler := r.handlers[env.Type]
	r.mu.Unlock()

	if validator != nil {
		if err := validator(env); err != nil {
			r.stats.Inc(StatDroppedInvalid)
			r.log.Warn("dropping invalid envelope",
				"type", env.Type,
				"sender", env.SenderID,
				"err", err,
			)
			return
		}
	}

	if handler == nil {
		r.stats.Inc(StatUnhandled)
		r.log.Debug("unhandled envelope type", "type", env.Type, "sender", env.SenderID)
		return
	}

	handler(env)
}

// Stats returns a snapshot of the delivery counters.
func (r *Router) Stats() map[string]uint64 {
	return r.stats.Snapshot()
}

func (r *Router) ResetStats() {
	r.stats.Reset()
}
