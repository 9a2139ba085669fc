package ratelimit

import (
	"sync"
	"time"
)

// Bucket is a token bucket. Each socket owns one; bulk operations charge one
// token per row via TakeN so a batch import can't starve the room actor.
type Bucket struct {
	mu     sync.Mutex
	rate   float64
	burst  float64
	tokens float64
	last   time.Time
}

func NewBucket(rate float64, burst int) *Bucket {
	return &Bucket{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Take consumes one token, reporting whether the caller may proceed.
func (b *Bucket) Take() bool {
	return b.TakeN(1)
}

// TakeN consumes n tokens at once. Requests larger than the burst size are
// clamped to it so they remain possible after an idle period.
func (b *Bucket) TakeN(n int) bool {
	cost := float64(n)
	if cost > b.burst {
		cost = b.burst
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	b.last = now
	if b.tokens > b.burst {
		b.tokens = b.burst
	}

	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}
