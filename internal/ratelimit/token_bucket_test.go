package ratelimit

import (
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket(t *testing.T) {
	type step struct {
		advance time.Duration
		cost    int64
		want    bool
	}
	tests := []struct {
		name     string
		capacity int64
		rate     int64
		steps    []step
	}{
		{
			name:     "burst then refill",
			capacity: 5,
			rate:     5,
			steps: []step{
				{0, 5, true},                       // full burst drains the bucket
				{0, 1, false},                      // empty
				{200 * time.Millisecond, 1, true},  // 5 tokens/sec refills one per 200ms
				{100 * time.Millisecond, 1, false}, // half a token is not a token
			},
		},
		{
			name:     "refill clamps at capacity",
			capacity: 1,
			rate:     1,
			steps: []step{
				{0, 1, true},
				{10 * time.Second, 1, true}, // long idle still refills only to capacity
				{0, 1, false},
			},
		},
		{
			name:     "clock going backwards does not refill",
			capacity: 2,
			rate:     1,
			steps: []step{
				{0, 2, true},
				{-30 * time.Second, 1, false},
			},
		},
		{
			name:     "zero cost always allowed",
			capacity: 0,
			rate:     0,
			steps: []step{
				{0, 0, true},
				{0, 1, false},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clk := &fakeClock{now: time.Unix(1000, 0)}
			b := NewTokenBucket(clk, tt.capacity, tt.rate)
			for i, s := range tt.steps {
				clk.Advance(s.advance)
				if got := b.Allow(s.cost); got != s.want {
					t.Fatalf("step %d: Allow(%d) = %v, want %v", i, s.cost, got, s.want)
				}
			}
		})
	}
}

func TestTokenBucket_RealClockDefault(t *testing.T) {
	b := NewTokenBucket(nil, 3, 3)
	if !b.Allow(3) {
		t.Fatalf("expected initial burst with default clock")
	}
}
