package relay

import "time"

// Config carries the relay's quota and hardening knobs. The zero value is
// usable; WithDefaults fills in anything unset.
type Config struct {
	// MaxRooms bounds concurrently active rooms. 0 means unlimited.
	MaxRooms int
	// MaxPeersPerRoom bounds attached peers per room. 0 means unlimited.
	MaxPeersPerRoom int

	// MaxFrameBytes is the per-message read limit on the socket.
	MaxFrameBytes int
	// MaxFramesPerSecond rate-limits inbound frames per peer (token bucket,
	// burst equal to the rate). 0 disables the limit.
	MaxFramesPerSecond int

	// SendQueueDepth bounds the outbound fan-out queue per peer. A peer whose
	// queue overflows is detached; the room never blocks on one slow reader.
	SendQueueDepth int

	IdleTimeout  time.Duration
	PingInterval time.Duration
}

func (c Config) WithDefaults() Config {
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 64 * 1024
	}
	if c.SendQueueDepth <= 0 {
		c.SendQueueDepth = 256
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 25 * time.Second
	}
	return c
}
