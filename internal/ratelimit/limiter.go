package ratelimit

import (
	"context"
	"sync"
	"time"
)

type BucketConfig struct {
	Capacity     int
	RefillPerSec float64
}

// Config sizes the two scopes of one tenant.
type Config struct {
	Tenant         BucketConfig
	Chat           BucketConfig
	MaxBackoff     time.Duration
	ThrottleWindow time.Duration
	// IdleEvict drops chat buckets unused for this long (0 keeps them).
	IdleEvict time.Duration
}

// DefaultConfig matches the Bot API's published limits: about 30 messages
// per second per bot and one per second per chat.
func DefaultConfig() Config {
	return Config{
		Tenant:         BucketConfig{Capacity: 30, RefillPerSec: 30},
		Chat:           BucketConfig{Capacity: 1, RefillPerSec: 1},
		MaxBackoff:     DefaultMaxBackoff,
		ThrottleWindow: DefaultThrottleWindow,
		IdleEvict:      30 * time.Minute,
	}
}

// minWaitStep keeps Wait from spinning when another caller grabs the token
// between the availability check and the consume.
const minWaitStep = 5 * time.Millisecond

// Limiter meters one tenant: a tenant-wide bucket plus one bucket per chat.
// chatID 0 means "no chat scope".
type Limiter struct {
	cfg    Config
	now    func() time.Time
	tenant *Bucket

	mu        sync.Mutex
	chats     map[int64]*Bucket
	lastSweep time.Time
}

// New builds a Limiter. now may be nil (time.Now).
func New(cfg Config, now func() time.Time) *Limiter {
	if now == nil {
		now = time.Now
	}
	l := &Limiter{cfg: cfg, now: now, chats: make(map[int64]*Bucket)}
	l.tenant = l.newBucket(cfg.Tenant)
	l.lastSweep = now()
	return l
}

func (l *Limiter) newBucket(c BucketConfig) *Bucket {
	return NewBucket(c.Capacity, c.RefillPerSec,
		WithClock(l.now),
		WithMaxBackoff(l.cfg.MaxBackoff),
		WithThrottleWindow(l.cfg.ThrottleWindow),
	)
}

func (l *Limiter) Tenant() *Bucket { return l.tenant }

// Chat returns the bucket for chatID, creating it on first use.
// It returns nil for chatID 0.
func (l *Limiter) Chat(chatID int64) *Bucket {
	if chatID == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(l.now())
	b, ok := l.chats[chatID]
	if !ok {
		b = l.newBucket(l.cfg.Chat)
		l.chats[chatID] = b
	}
	return b
}

// Chats reports how many chat buckets are live.
func (l *Limiter) Chats() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chats)
}

// Sweep evicts chat buckets idle longer than IdleEvict and returns how many
// were dropped.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictLocked(l.now())
}

func (l *Limiter) sweepLocked(now time.Time) {
	if l.cfg.IdleEvict <= 0 || now.Sub(l.lastSweep) < l.cfg.IdleEvict/2 {
		return
	}
	l.evictLocked(now)
}

func (l *Limiter) evictLocked(now time.Time) int {
	l.lastSweep = now
	if l.cfg.IdleEvict <= 0 {
		return 0
	}
	n := 0
	for id, b := range l.chats {
		if b.idleSince(now) >= l.cfg.IdleEvict {
			delete(l.chats, id)
			n++
		}
	}
	return n
}

// TimeUntilAvailable is the longer of the two scopes' waits.
func (l *Limiter) TimeUntilAvailable(chatID int64) time.Duration {
	d := l.tenant.TimeUntilAvailable(1)
	if c := l.Chat(chatID); c != nil {
		if cd := c.TimeUntilAvailable(1); cd > d {
			d = cd
		}
	}
	return d
}

// Allow consumes one token from both scopes. A chat token spent when the
// tenant scope refuses is not refunded.
func (l *Limiter) Allow(chatID int64) bool {
	if c := l.Chat(chatID); c != nil {
		if c.TimeUntilAvailable(1) > 0 || l.tenant.TimeUntilAvailable(1) > 0 {
			return false
		}
		if !c.TryConsume(1) {
			return false
		}
	}
	return l.tenant.TryConsume(1)
}

// Wait blocks until one send to chatID is admitted or ctx ends.
func (l *Limiter) Wait(ctx context.Context, chatID int64) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.Allow(chatID) {
			return nil
		}
		d := l.TimeUntilAvailable(chatID)
		if d < minWaitStep {
			d = minWaitStep
		}
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Throttled records an upstream 429 at both scopes and returns the
// longest backoff applied.
func (l *Limiter) Throttled(chatID int64, retryAfter time.Duration) time.Duration {
	d := l.tenant.RecordThrottled(retryAfter)
	if c := l.Chat(chatID); c != nil {
		if cd := c.RecordThrottled(retryAfter); cd > d {
			d = cd
		}
	}
	return d
}

// Succeeded decays throttle history at both scopes.
func (l *Limiter) Succeeded(chatID int64) {
	l.tenant.RecordSuccess()
	if c := l.Chat(chatID); c != nil {
		c.RecordSuccess()
	}
}
