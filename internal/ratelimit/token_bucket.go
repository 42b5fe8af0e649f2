package ratelimit

import (
	"sync"
	"time"
)

// One token equals 1e9 nano-tokens, so a rate of N tokens/sec refills
// exactly N nano-tokens per elapsed nanosecond. Fixed point avoids float
// rounding drift over long-lived connections.
const nanosPerToken int64 = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket rate-limits with an integer refill rate against an injected
// Clock. The relay holds one bucket per attached peer to bound inbound
// frame rates.
type TokenBucket struct {
	mu sync.Mutex

	clock    Clock
	capacity int64 // tokens
	rate     int64 // tokens/sec

	avail int64 // nano-tokens
	last  time.Time
}

func NewTokenBucket(clock Clock, capacity, rate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	return &TokenBucket{
		clock:    clock,
		capacity: max64(capacity, 0),
		rate:     max64(rate, 0),
		avail:    toNano(max64(capacity, 0)),
		last:     clock.Now(),
	}
}

// Allow consumes tokens if available. A non-positive cost always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if tokens <= 0 {
		return true
	}
	cost := toNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

// refill credits tokens for time elapsed since the last call. The caller
// holds b.mu.
func (b *TokenBucket) refill() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Clock went backwards; re-anchor without crediting anything.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.rate <= 0 || b.capacity <= 0 {
		return
	}

	capNano := toNano(b.capacity)
	need := capNano - b.avail
	if need <= 0 {
		b.avail = capNano
		return
	}

	// rate tokens/sec is rate nano-tokens/ns. Clamp before multiplying so a
	// long idle period cannot overflow.
	if nsToFill := need / b.rate; nsToFill <= 0 || elapsed >= nsToFill {
		b.avail = capNano
		return
	}
	b.avail += elapsed * b.rate
	if b.avail > capNano {
		b.avail = capNano
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanosPerToken {
		return maxInt64
	}
	return tokens * nanosPerToken
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
