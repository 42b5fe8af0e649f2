package metrics

import "sync"

// Event names shared between the relay server and client-side diagnostics.
const (
	EventPublishReceived  = "publish_received"
	EventWhisperReceived  = "whisper_received"
	EventFanoutDropped    = "fanout_dropped"
	EventPeerAttached     = "peer_attached"
	EventPeerDetached     = "peer_detached"
	EventRateLimited      = "rate_limited"
	EventRoomQuotaHit     = "room_quota_hit"
	EventPeerQuotaHit     = "peer_quota_hit"
	EventOriginRejected   = "origin_rejected"
	EventProtocolViolated = "protocol_violation"
)

// Metrics is a minimal, concurrency-safe counter registry.
//
// It backs the relay's /metrics endpoint and the message router's delivery
// statistics. Counters are diagnostic only; no coordination logic may depend
// on them.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		snap[k] = v
	}
	return snap
}

// Reset zeroes all counters. Used by the router's resettable delivery stats.
func (m *Metrics) Reset() {
	m.mu.Lock()
	m.m = make(map[string]uint64)
	m.mu.Unlock()
}
