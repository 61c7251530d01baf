package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

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

func TestBucketRefill(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewBucket(3, 1, WithClock(clk.Now))

	for i := 0; i < 3; i++ {
		if !b.TryConsume(1) {
			t.Fatalf("consume %d: expected token", i)
		}
	}
	if b.TryConsume(1) {
		t.Fatalf("expected empty bucket")
	}
	if d := b.TimeUntilAvailable(1); d != time.Second {
		t.Fatalf("wait = %s, want 1s", d)
	}
	clk.Advance(500 * time.Millisecond)
	if d := b.TimeUntilAvailable(1); d != 500*time.Millisecond {
		t.Fatalf("wait = %s, want 500ms", d)
	}
	clk.Advance(500 * time.Millisecond)
	if d := b.TimeUntilAvailable(1); d != 0 {
		t.Fatalf("wait = %s, want 0", d)
	}
	if !b.TryConsume(1) {
		t.Fatalf("expected refilled token")
	}
}

func TestBucketCapsAtCapacity(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewBucket(5, 10, WithClock(clk.Now))
	clk.Advance(time.Hour)
	if got := b.Tokens(); got != 5 {
		t.Fatalf("tokens = %v, want 5", got)
	}
	if b.TryConsume(6) {
		t.Fatalf("consumed more than capacity")
	}
}

func TestBucketExplicitRetryAfter(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewBucket(10, 10, WithClock(clk.Now))

	if d := b.RecordThrottled(5 * time.Second); d != 5*time.Second+retryAfterSlack {
		t.Fatalf("backoff = %s", d)
	}
	if b.TryConsume(1) {
		t.Fatalf("consumed during backoff")
	}
	if d := b.TimeUntilAvailable(1); d != 5*time.Second+retryAfterSlack {
		t.Fatalf("wait = %s, want backoff remainder", d)
	}
	clk.Advance(5 * time.Second)
	if b.TryConsume(1) {
		t.Fatalf("consumed before slack elapsed")
	}
	clk.Advance(retryAfterSlack)
	if !b.TryConsume(1) {
		t.Fatalf("expected token after backoff")
	}
}

func TestBucketExponentialBackoff(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewBucket(1, 1, WithClock(clk.Now), WithMaxBackoff(60*time.Second))

	want := []time.Duration{2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		if d := b.RecordThrottled(0); d != w*time.Second {
			t.Fatalf("throttle %d: backoff = %s, want %ds", i, d, w)
		}
	}
}

func TestBucketThrottleWindowExpires(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewBucket(1, 1, WithClock(clk.Now), WithThrottleWindow(time.Minute))

	b.RecordThrottled(0)
	b.RecordThrottled(0)
	clk.Advance(time.Minute + time.Second)
	if n := b.RecentThrottles(); n != 0 {
		t.Fatalf("recent = %d after window, want 0", n)
	}
	if d := b.RecordThrottled(0); d != 2*time.Second {
		t.Fatalf("backoff after quiet period = %s, want 2s", d)
	}
}

func TestBucketSuccessDecays(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewBucket(1, 1, WithClock(clk.Now))

	b.RecordThrottled(0)
	b.RecordThrottled(0)
	b.RecordThrottled(0)
	b.RecordSuccess()
	if n := b.RecentThrottles(); n != 2 {
		t.Fatalf("recent = %d, want 2", n)
	}
	if d := b.RecordThrottled(0); d != 8*time.Second {
		t.Fatalf("backoff = %s, want 8s", d)
	}
}

func TestBucketBackoffDominatesTokens(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	b := NewBucket(30, 30, WithClock(clk.Now))
	b.RecordThrottled(0)
	clk.Advance(500 * time.Millisecond)
	if d := b.TimeUntilAvailable(1); d != 1500*time.Millisecond {
		t.Fatalf("wait = %s, want 1.5s", d)
	}
}

func TestBucketTokensStayBounded(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("tokens within [0, capacity] and admissions bounded by refill", prop.ForAll(
		func(capacity int, steps []int) bool {
			clk := newFakeClock()
			const refill = 2.0
			b := NewBucket(capacity, refill, WithClock(clk.Now))

			admitted := 0
			var elapsed time.Duration
			for _, ms := range steps {
				d := time.Duration(ms) * time.Millisecond
				clk.Advance(d)
				elapsed += d
				for i := 0; i < 3; i++ {
					if b.TryConsume(1) {
						admitted++
					}
				}
				tok := b.Tokens()
				if tok < 0 || tok > float64(capacity) {
					return false
				}
			}
			limit := float64(capacity) + elapsed.Seconds()*refill + 1e-9
			return float64(admitted) <= limit
		},
		gen.IntRange(1, 50),
		gen.SliceOf(gen.IntRange(0, 1500)),
	))

	properties.TestingRun(t)
}
