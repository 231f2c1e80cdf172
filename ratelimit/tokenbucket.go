// Package ratelimit implements a token bucket used to throttle
// per-session message posting.
package ratelimit

import (
	"sync"
	"time"

	"github.com/classpulse/chatspace/counter"
)

// Tokens are tracked in thousandths so fractional refills survive the
// integer counters.
const tokenScale = 1000

// TokenBucket refills at fillRate tokens per second up to capacity.
// The token count lives on a min-merging counter and the refill
// timestamp on a max-merging one, so two writers racing on the same
// bucket resolve to the stricter state: fewer tokens, later refill.
type TokenBucket struct {
	mu       sync.Mutex
	capacity int64 // scaled tokens
	fillRate float64
	tokens   *counter.Minimum // scaled tokens
	stamp    *counter.Maximum // unix milliseconds of the last refill

	now func() time.Time // overridable for tests
}

func NewTokenBucket(capacity, fillRate float64) *TokenBucket {
	b := &TokenBucket{
		capacity: int64(capacity * tokenScale),
		fillRate: fillRate,
		now:      time.Now,
	}
	b.tokens = counter.NewMinimum(b.capacity)
	b.stamp = counter.NewMaximum(b.now().UnixMilli())
	return b
}

// Allow consumes a token if one is available.
func (b *TokenBucket) Allow() bool {
	return b.Consume(1)
}

// Consume takes n tokens, or none at all when fewer are available.
// The count never goes negative.
func (b *TokenBucket) Consume(n float64) bool {
	need := int64(n * tokenScale)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	have := b.tokens.Value()
	if have < need {
		return false
	}
	b.tokens.Set(have - need)
	return true
}

// Tokens reports the current token count after refilling.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return float64(b.tokens.Value()) / tokenScale
}

func (b *TokenBucket) refill() {
	nowMs := b.now().UnixMilli()
	elapsed := nowMs - b.stamp.Value()
	if elapsed <= 0 {
		return
	}
	// fillRate tokens/sec is fillRate scaled tokens per millisecond
	refilled := b.tokens.Value() + int64(float64(elapsed)*b.fillRate)
	if refilled > b.capacity {
		refilled = b.capacity
	}
	b.tokens.Set(refilled)
	b.stamp.Observe(nowMs)
}
