package ratelimit

import (
	"sync"
	"time"
)

const nanoTokensPerToken int64 = int64(time.Second) // 1e9

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket refills at an integer rate (tokens/sec) using a provided Clock.
// The relay keeps one per signaling connection, sized so a client may burst
// one second worth of messages.
//
// Tokens are tracked as fixed-point "nano-tokens" (1 token = 1e9) so a rate of
// X tokens/sec adds X nano-tokens per elapsed nanosecond with no float
// rounding.
type TokenBucket struct {
	mu sync.Mutex

	clock Clock

	capacity int64 // nano-tokens
	fillRate int64 // tokens/sec

	available int64 // nano-tokens
	last      time.Time
}

func NewTokenBucket(clock Clock, capacityTokens, fillRate int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if fillRate < 0 {
		fillRate = 0
	}
	capacity := tokensToNano(capacityTokens)
	return &TokenBucket{
		clock:     clock,
		capacity:  capacity,
		fillRate:  fillRate,
		available: capacity,
		last:      clock.Now(),
	}
}

// NewPerSecond returns a bucket allowing a burst of perSecond tokens that
// refills at perSecond tokens/sec. perSecond <= 0 disables limiting and
// returns nil; a nil bucket allows everything.
func NewPerSecond(clock Clock, perSecond int) *TokenBucket {
	if perSecond <= 0 {
		return nil
	}
	return NewTokenBucket(clock, int64(perSecond), int64(perSecond))
}

// Allow consumes tokens if available. tokens <= 0 always succeeds.
func (b *TokenBucket) Allow(tokens int64) bool {
	if b == nil || tokens <= 0 {
		return true
	}
	cost := tokensToNano(tokens)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked()
	if b.available < cost {
		return false
	}
	b.available -= cost
	return true
}

func (b *TokenBucket) refillLocked() {
	now := b.clock.Now()
	if now.Before(b.last) {
		// Time went backwards. Move the reference point without refilling.
		b.last = now
		return
	}
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	if elapsed <= 0 || b.fillRate <= 0 || b.capacity <= 0 {
		return
	}

	need := b.capacity - b.available
	if need <= 0 {
		b.available = b.capacity
		return
	}
	// elapsed*fillRate may overflow; clamp once enough time passed to fill.
	if elapsed >= need/b.fillRate+1 {
		b.available = b.capacity
		return
	}
	b.available += elapsed * b.fillRate
	if b.available > b.capacity {
		b.available = b.capacity
	}
}

func tokensToNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoTokensPerToken {
		return maxInt64
	}
	return tokens * nanoTokensPerToken
}
