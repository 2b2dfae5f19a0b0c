package dispatch

import (
	"context"
	"sync"
	"time"
)

// Limiter gates outbound provider calls. The dispatcher waits on it between
// consecutive recipients, never before the first or after the last.
type Limiter interface {
	Wait(ctx context.Context) error
}

// FixedInterval enforces a flat delay between consecutive calls. Two calls
// are never closer together than the interval, regardless of provider
// headroom.
type FixedInterval struct {
	Interval time.Duration
}

func (l *FixedInterval) Wait(ctx context.Context) error {
	if l.Interval <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(l.Interval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// TokenBucket allows bursts up to its capacity, refilling at a steady rate.
type TokenBucket struct {
	mu     sync.Mutex
	tokens float64
	cap    float64
	rate   float64 // tokens per second
	last   time.Time
	now    func() time.Time
}

// NewTokenBucket starts full so an idle dispatcher may burst immediately.
func NewTokenBucket(capacity int, perSecond float64) *TokenBucket {
	b := &TokenBucket{
		tokens: float64(capacity),
		cap:    float64(capacity),
		rate:   perSecond,
		now:    time.Now,
	}
	b.last = b.now()
	return b
}

func (b *TokenBucket) Wait(ctx context.Context) error {
	b.mu.Lock()
	now := b.now()
	b.tokens += now.Sub(b.last).Seconds() * b.rate
	if b.tokens > b.cap {
		b.tokens = b.cap
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		b.mu.Unlock()
		return ctx.Err()
	}

	wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
	b.tokens = 0
	b.last = now.Add(wait)
	b.mu.Unlock()

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
