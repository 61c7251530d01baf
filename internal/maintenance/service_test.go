package maintenance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"botfleet/internal/eventbus"
	"botfleet/internal/queue"
	"botfleet/internal/storage"
	logx "botfleet/pkg/logx"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeStore records the maintenance calls it receives.
type fakeStore struct {
	queue.Store

	mu       sync.Mutex
	calls    []string
	purged   int64
	err      error
	compacts int
}

func (f *fakeStore) record(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.err
}

func (f *fakeStore) Reclaim(context.Context, time.Duration) (int64, error) {
	if err := f.record("reclaim"); err != nil {
		return 0, err
	}
	return 1, nil
}

func (f *fakeStore) Purge(_ context.Context, statuses []queue.Status, _ time.Duration) (int64, error) {
	name := "purge"
	for _, st := range statuses {
		name += ":" + string(st)
	}
	if err := f.record(name); err != nil {
		return 0, err
	}
	return f.purged, nil
}

func (f *fakeStore) Compact(context.Context) error {
	if err := f.record("compact"); err != nil {
		return err
	}
	f.mu.Lock()
	f.compacts++
	f.mu.Unlock()
	return nil
}

func (f *fakeStore) Stats(context.Context) (queue.Stats, error) {
	if err := f.record("stats"); err != nil {
		return queue.Stats{}, err
	}
	return queue.Stats{Counts: map[queue.Status]int64{queue.StatusPending: 3}}, nil
}

func (f *fakeStore) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type statsRecorder struct {
	mu   sync.Mutex
	seen []queue.Stats
}

func (r *statsRecorder) ObserveQueue(st queue.Stats) {
	r.mu.Lock()
	r.seen = append(r.seen, st)
	r.mu.Unlock()
}

func mustWindow(t *testing.T, s string) Window {
	t.Helper()
	w, err := ParseWindow(s)
	if err != nil {
		t.Fatalf("parse window %q: %v", s, err)
	}
	return w
}

func TestRunOnceStepOrder(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := &fakeStore{purged: 2}
	obs := &statsRecorder{}
	bus := eventbus.New()
	events, unsubscribe := bus.Subscribe(4, eventbus.QueueStats)
	defer unsubscribe()

	s := New(Config{Timezone: "UTC"}, f, logx.Nop(), WithClock(clock.Now), WithObserver(obs), WithBus(bus))
	rep := s.RunOnce(context.Background())

	want := []string{"reclaim", "purge:done", "purge:retry:pending", "purge:dead", "stats"}
	got := f.snapshot()
	if len(got) != len(want) {
		t.Fatalf("calls=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls=%v want %v", got, want)
		}
	}
	if rep.Reclaimed != 1 || rep.Deleted() != 6 || rep.Compacted || len(rep.Errors) != 0 {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Stats.Counts[queue.StatusPending] != 3 {
		t.Fatalf("stats not carried: %+v", rep.Stats)
	}
	if len(obs.seen) != 1 {
		t.Fatalf("observer saw %d snapshots", len(obs.seen))
	}
	select {
	case e := <-events:
		if _, ok := e.Data.(queue.Stats); !ok {
			t.Fatalf("event data %T", e.Data)
		}
	default:
		t.Fatalf("no queue stats event published")
	}
}

func TestCompactOnlyAboveThresholdInsideWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		at     time.Time
		purged int64
		want   bool
	}{
		{"inside window above threshold", time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), 10, true},
		{"outside window", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), 10, false},
		{"at threshold", time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC), 3, false},
		{"window end is exclusive", time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC), 10, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			clock := &testClock{now: tc.at}
			f := &fakeStore{purged: tc.purged}
			cfg := Config{CompactThreshold: 9, CompactWindow: mustWindow(t, "02:00-05:00"), Timezone: "UTC"}
			s := New(cfg, f, logx.Nop(), WithClock(clock.Now))
			rep := s.RunOnce(context.Background())
			if rep.Compacted != tc.want || (f.compacts == 1) != tc.want {
				t.Fatalf("compacted=%v calls=%d want %v (deleted %d)", rep.Compacted, f.compacts, tc.want, rep.Deleted())
			}
		})
	}
}

func TestFailedCycleStartsCooldown(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := &fakeStore{err: queue.Unavailable(errors.New("db down"))}
	s := New(Config{FailureCooldown: time.Minute}, f, logx.Nop(), WithClock(clock.Now))

	rep := s.RunOnce(context.Background())
	if !rep.Failed() || rep.Steps != 5 {
		t.Fatalf("expected full failure over 5 steps: %+v", rep)
	}
	if got := s.CooldownUntil(); !got.Equal(clock.Now().Add(time.Minute)) {
		t.Fatalf("cooldown until %s", got)
	}

	calls := len(f.snapshot())
	clock.Advance(30 * time.Second)
	if rep := s.RunOnce(context.Background()); rep.Skipped != "cooldown" {
		t.Fatalf("cycle inside cooldown ran: %+v", rep)
	}
	if len(f.snapshot()) != calls {
		t.Fatalf("store touched during cooldown")
	}

	f.mu.Lock()
	f.err = nil
	f.mu.Unlock()
	clock.Advance(31 * time.Second)
	if rep := s.RunOnce(context.Background()); rep.Skipped != "" || rep.Failed() {
		t.Fatalf("cycle after cooldown: %+v", rep)
	}
}

func TestPartialFailureContinues(t *testing.T) {
	t.Parallel()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f := &flakyStore{fakeStore: fakeStore{purged: 1}, failOn: "reclaim"}
	s := New(Config{}, f, logx.Nop(), WithClock(clock.Now))

	rep := s.RunOnce(context.Background())
	if rep.Failed() || len(rep.Errors) != 1 || rep.Errors["reclaim"] == nil {
		t.Fatalf("unexpected report: %+v", rep)
	}
	if rep.Deleted() != 3 {
		t.Fatalf("purges after failed reclaim did not run: %+v", rep)
	}
	if !s.CooldownUntil().IsZero() {
		t.Fatalf("partial failure must not start cooldown")
	}
}

type flakyStore struct {
	fakeStore
	failOn string
}

func (f *flakyStore) Reclaim(ctx context.Context, d time.Duration) (int64, error) {
	if f.failOn == "reclaim" {
		_ = f.record("reclaim")
		return 0, errors.New("reclaim failed")
	}
	return f.fakeStore.Reclaim(ctx, d)
}

func TestRunOnceAgainstSQLite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := &testClock{now: t0}
	st, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "jobs.db"), logx.Nop(), storage.WithClock(clock.Now))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	enqueue := func() string {
		t.Helper()
		id, err := st.Enqueue(ctx, "tenant-a", []byte(`{}`))
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		clock.Advance(time.Millisecond)
		return id
	}
	lease := func() *queue.Job {
		t.Helper()
		j, err := st.Lease(ctx, "d1", queue.LeaseFilter{})
		if err != nil || j == nil {
			t.Fatalf("lease: %v %v", j, err)
		}
		return j
	}

	stuck := enqueue()
	if j := lease(); j.ID != stuck {
		t.Fatalf("leased %s want %s", j.ID, stuck)
	}
	done := enqueue()
	if err := st.Ack(ctx, lease().ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	dead := enqueue()
	if _, err := st.Fail(ctx, lease().ID, "boom", 1, time.Minute); err != nil {
		t.Fatalf("fail: %v", err)
	}
	stale := enqueue()

	clock.Advance(200 * time.Hour)
	fresh := enqueue()

	s := New(Config{}, st, logx.Nop(), WithClock(clock.Now))
	rep := s.RunOnce(ctx)
	if len(rep.Errors) != 0 {
		t.Fatalf("errors: %v", rep.Errors)
	}
	if rep.Reclaimed != 1 || rep.PurgedDone != 1 || rep.PurgedStale != 1 || rep.PurgedDead != 1 {
		t.Fatalf("unexpected report: %+v", rep)
	}

	for _, id := range []string{done, dead, stale} {
		if _, err := st.Get(ctx, id); !errors.Is(err, queue.ErrNotFound) {
			t.Fatalf("job %s survived purge: %v", id, err)
		}
	}
	for _, id := range []string{stuck, fresh} {
		j, err := st.Get(ctx, id)
		if err != nil {
			t.Fatalf("get %s: %v", id, err)
		}
		if j.Status != queue.StatusPending {
			t.Fatalf("job %s status %s", id, j.Status)
		}
	}
	if got := rep.Stats.Counts[queue.StatusPending]; got != 2 {
		t.Fatalf("pending=%d want 2", got)
	}
}

func TestParseWindow(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		wantErr bool
		at      int // hour
		inside  bool
	}{
		{in: "02:00-05:00", at: 2, inside: true},
		{in: "02:00-05:00", at: 1, inside: false},
		{in: "22:00-04:00", at: 23, inside: true},
		{in: "22:00-04:00", at: 3, inside: true},
		{in: "22:00-04:00", at: 12, inside: false},
		{in: "", at: 12, inside: true},
		{in: "02:00", wantErr: true},
		{in: "25:00-05:00", wantErr: true},
		{in: "03:00-03:00", wantErr: true},
	}
	for _, tc := range tests {
		w, err := ParseWindow(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("%q: err=%v wantErr=%v", tc.in, err, tc.wantErr)
		}
		if tc.wantErr {
			continue
		}
		at := time.Date(2026, 1, 1, tc.at, 30, 0, 0, time.UTC)
		if got := w.Contains(at); got != tc.inside {
			t.Fatalf("%q contains %02d:30 = %v want %v", tc.in, tc.at, got, tc.inside)
		}
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	s := New(Config{Schedule: "not a schedule"}, &fakeStore{}, logx.Nop())
	if err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected schedule error")
	}
	s = New(Config{Schedule: "@every 1h"}, &fakeStore{}, logx.Nop())
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}
