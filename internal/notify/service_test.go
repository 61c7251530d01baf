package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

type fakeSender struct {
	mu    sync.Mutex
	calls int
	sent  []string
	errs  []error // returned in order, then nil
}

func (f *fakeSender) SendText(_ context.Context, _ int64, text string, _ *transport.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	f.sent = append(f.sent, text)
	return len(f.sent), nil
}

func (f *fakeSender) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, append([]string(nil), f.sent...)
}

func testConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    100,
		RetryMax:      2,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func startService(t *testing.T, cfg Config, sender Sender) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop())
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitCalls(t *testing.T, f *fakeSender, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls, _ := f.snapshot(); calls >= want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	calls, _ := f.snapshot()
	t.Fatalf("sender called %d times, want %d", calls, want)
}

func TestNotifyDeliversAndDedups(t *testing.T) {
	t.Parallel()
	f := &fakeSender{}
	s := startService(t, testConfig(), f)
	ctx := context.Background()

	n := Notification{ChatID: 7, Key: "tenant-a:error", Text: "bot stopped"}
	for i := 0; i < 3; i++ {
		if err := s.Notify(ctx, n); err != nil {
			t.Fatalf("notify: %v", err)
		}
	}
	if err := s.Notify(ctx, Notification{ChatID: 7, Key: "tenant-b:error", Text: "other bot stopped"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitCalls(t, f, 2)
	time.Sleep(20 * time.Millisecond)
	if calls, sent := f.snapshot(); calls != 2 || sent[0] != "bot stopped" {
		t.Fatalf("calls=%d sent=%v", calls, sent)
	}
}

func TestNotifyRetriesTransientFailures(t *testing.T) {
	t.Parallel()
	f := &fakeSender{errs: []error{
		transport.ErrUnavailable,
		&transport.ThrottledError{RetryAfter: 10 * time.Millisecond},
	}}
	s := startService(t, testConfig(), f)
	if err := s.Notify(context.Background(), Notification{ChatID: 1, Text: "hi", Priority: 9}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitCalls(t, f, 3)
	_, sent := f.snapshot()
	if len(sent) != 1 || sent[0] != "🚨 hi" {
		t.Fatalf("sent=%v", sent)
	}
}

func TestNotifyDoesNotRetryUnauthorized(t *testing.T) {
	t.Parallel()
	f := &fakeSender{errs: []error{transport.ErrUnauthorized, transport.ErrUnauthorized}}
	s := startService(t, testConfig(), f)
	if err := s.Notify(context.Background(), Notification{ChatID: 1, Text: "hi"}); err != nil {
		t.Fatalf("notify: %v", err)
	}
	waitCalls(t, f, 1)
	time.Sleep(30 * time.Millisecond)
	if calls, _ := f.snapshot(); calls != 1 {
		t.Fatalf("unauthorized send retried: %d calls", calls)
	}
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, &fakeSender{}, logx.Nop())
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{ChatID: 1, Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled: got %v", err)
	}

	s = New(testConfig(), &fakeSender{}, logx.Nop())
	if err := s.Notify(context.Background(), Notification{ChatID: 1, Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("not started: got %v", err)
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("attempt %d: delay %s out of range", attempt, d)
		}
	}
}
