// Package ratelimit meters outbound Bot API calls.
//
// A Bucket is a token bucket (golang.org/x/time/rate) plus a throttle
// backoff window fed by upstream 429 answers. A Limiter holds one bucket
// for the tenant and lazily created buckets per chat.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	// retryAfterSlack is added to an explicit retry_after so the next call
	// lands strictly after the upstream window closes.
	retryAfterSlack = 250 * time.Millisecond

	DefaultMaxBackoff     = 60 * time.Second
	DefaultThrottleWindow = 60 * time.Second
)

type Option func(*Bucket)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) {
		if now != nil {
			b.now = now
		}
	}
}

func WithMaxBackoff(d time.Duration) Option {
	return func(b *Bucket) {
		if d > 0 {
			b.maxBackoff = d
		}
	}
}

func WithThrottleWindow(d time.Duration) Option {
	return func(b *Bucket) {
		if d > 0 {
			b.window = d
		}
	}
}

// Bucket is safe for concurrent use.
type Bucket struct {
	lim      *rate.Limiter
	capacity int
	refill   float64

	mu           sync.Mutex
	now          func() time.Time
	maxBackoff   time.Duration
	window       time.Duration
	recent       []time.Time
	backoffUntil time.Time
	lastUsed     time.Time
}

// NewBucket starts full. capacity < 1 is raised to 1; refill <= 0 means
// one token per second.
func NewBucket(capacity int, refillPerSec float64, opts ...Option) *Bucket {
	if capacity < 1 {
		capacity = 1
	}
	if refillPerSec <= 0 || math.IsNaN(refillPerSec) || math.IsInf(refillPerSec, 0) {
		refillPerSec = 1
	}
	b := &Bucket{
		capacity:   capacity,
		refill:     refillPerSec,
		now:        time.Now,
		maxBackoff: DefaultMaxBackoff,
		window:     DefaultThrottleWindow,
	}
	for _, o := range opts {
		o(b)
	}
	b.lim = rate.NewLimiter(rate.Limit(refillPerSec), capacity)
	b.lastUsed = b.now()
	return b
}

func (b *Bucket) Capacity() int { return b.capacity }

// TryConsume deducts n tokens if they are available and no backoff is active.
func (b *Bucket) TryConsume(n int) bool {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastUsed = now
	if now.Before(b.backoffUntil) {
		return false
	}
	return b.lim.AllowN(now, n)
}

// TimeUntilAvailable returns 0 when TryConsume(n) would succeed now,
// otherwise the larger of the refill wait and the remaining backoff.
// Requests above capacity can never succeed and report the backoff
// plus a full refill.
func (b *Bucket) TimeUntilAvailable(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	var wait time.Duration
	if now.Before(b.backoffUntil) {
		wait = b.backoffUntil.Sub(now)
	}
	need := float64(n)
	if n > b.capacity {
		need = float64(b.capacity)
	}
	if missing := need - b.lim.TokensAt(now); missing > 0 {
		refill := time.Duration(math.Ceil(missing / b.refill * float64(time.Second)))
		if refill > wait {
			wait = refill
		}
	}
	return wait
}

// Tokens reports the tokens currently available.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.lim.TokensAt(b.now())
	if t < 0 {
		return 0
	}
	return t
}

// RecordThrottled opens a backoff window after an upstream 429 and returns
// its length. An explicit retryAfter (> 0) is honoured exactly; otherwise
// the window doubles with every throttle seen within the throttle window.
func (b *Bucket) RecordThrottled(retryAfter time.Duration) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastUsed = now
	b.expireLocked(now)
	b.recent = append(b.recent, now)

	var d time.Duration
	if retryAfter > 0 {
		d = retryAfter + retryAfterSlack
	} else {
		d = b.maxBackoff
		if k := len(b.recent); k < 32 {
			if exp := time.Duration(1<<uint(k)) * time.Second; exp < d {
				d = exp
			}
		}
	}
	if until := now.Add(d); until.After(b.backoffUntil) {
		b.backoffUntil = until
	}
	return d
}

// RecordSuccess decays the throttle history by one event.
func (b *Bucket) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	b.lastUsed = now
	b.expireLocked(now)
	if len(b.recent) > 0 {
		b.recent = b.recent[1:]
	}
}

// RecentThrottles reports the throttles still inside the window.
func (b *Bucket) RecentThrottles() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(b.now())
	return len(b.recent)
}

func (b *Bucket) BackoffUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backoffUntil
}

func (b *Bucket) idleSince(now time.Time) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.Before(b.backoffUntil) {
		return 0
	}
	return now.Sub(b.lastUsed)
}

func (b *Bucket) expireLocked(now time.Time) {
	cut := now.Add(-b.window)
	i := 0
	for i < len(b.recent) && !b.recent[i].After(cut) {
		i++
	}
	if i > 0 {
		b.recent = append(b.recent[:0], b.recent[i:]...)
	}
}
