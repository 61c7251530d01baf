// Package maintenance keeps the job store healthy: it returns stuck leases
// to the queue, purges finished and abandoned jobs, compacts the database
// during a quiet window and reports queue depth.
package maintenance

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"botfleet/internal/eventbus"
	"botfleet/internal/queue"
	logx "botfleet/pkg/logx"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule         = "@every 5m"
	DefaultStuckAfter       = 10 * time.Minute
	DefaultRetentionDone    = 24 * time.Hour
	DefaultRetentionStale   = 72 * time.Hour
	DefaultRetentionDead    = 168 * time.Hour
	DefaultCompactThreshold = 10000
	DefaultFailureCooldown  = 15 * time.Minute
)

type Config struct {
	Schedule         string
	StuckAfter       time.Duration
	RetentionDone    time.Duration
	RetentionStale   time.Duration
	RetentionDead    time.Duration
	CompactThreshold int64
	CompactWindow    Window
	FailureCooldown  time.Duration
	Timezone         string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Schedule) == "" {
		c.Schedule = DefaultSchedule
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = DefaultStuckAfter
	}
	if c.RetentionDone <= 0 {
		c.RetentionDone = DefaultRetentionDone
	}
	if c.RetentionStale <= 0 {
		c.RetentionStale = DefaultRetentionStale
	}
	if c.RetentionDead <= 0 {
		c.RetentionDead = DefaultRetentionDead
	}
	if c.CompactThreshold <= 0 {
		c.CompactThreshold = DefaultCompactThreshold
	}
	if c.FailureCooldown <= 0 {
		c.FailureCooldown = DefaultFailureCooldown
	}
	return c
}

// StatsObserver receives the queue snapshot taken at the end of each cycle.
type StatsObserver interface {
	ObserveQueue(st queue.Stats)
}

// Report describes one maintenance cycle.
type Report struct {
	StartedAt time.Time
	Took      time.Duration
	// Skipped is set when the cycle did not run: "running" or "cooldown".
	Skipped string

	Reclaimed   int64
	PurgedDone  int64
	PurgedStale int64
	PurgedDead  int64
	Compacted   bool
	Stats       queue.Stats

	Steps  int
	Errors map[string]error
}

// Deleted is the number of rows the purge steps removed.
func (r Report) Deleted() int64 { return r.PurgedDone + r.PurgedStale + r.PurgedDead }

// Failed reports whether every attempted step failed.
func (r Report) Failed() bool { return r.Steps > 0 && len(r.Errors) == r.Steps }

type Option func(*Service)

func WithBus(b eventbus.Bus) Option {
	return func(s *Service) {
		if b != nil {
			s.bus = b
		}
	}
}

func WithObserver(o StatsObserver) Option {
	return func(s *Service) { s.obs = o }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

type Service struct {
	cfg   Config
	store queue.Store
	log   logx.Logger
	bus   eventbus.Bus
	obs   StatsObserver
	now   func() time.Time
	loc   *time.Location

	running atomic.Bool

	mu            sync.Mutex
	cooldownUntil time.Time
	c             *cron.Cron
}

func New(cfg Config, store queue.Store, log logx.Logger, opts ...Option) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:   cfg.withDefaults(),
		store: store,
		log:   log.With(logx.String("comp", "maintenance")),
		bus:   eventbus.Nop{},
		now:   time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = s.loadLocation()
	return s
}

func (s *Service) loadLocation() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// CooldownUntil returns the end of the current failure cooldown, if any.
func (s *Service) CooldownUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cooldownUntil
}

// Start registers the cycle on the cron schedule. Overlapping runs are
// skipped. It is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	cl := cronLogger{log: s.log}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(s.cfg.Schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("maintenance: schedule %q: %w", s.cfg.Schedule, err)
	}
	c.Start()
	s.c = c
	s.log.Info("service started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("tz", s.loc.String()),
		logx.String("compact_window", s.cfg.CompactWindow.String()),
	)
	return nil
}

// Stop halts the schedule and waits for a running cycle until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("service stopped")
}

// Run starts the schedule and blocks until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.Stop(stopCtx)
	return ctx.Err()
}

// RunOnce executes one cycle. Step failures are logged and the cycle
// continues; a cycle in which every step failed starts the failure
// cooldown, and cycles inside it are skipped.
func (s *Service) RunOnce(ctx context.Context) Report {
	start := s.now()
	rep := Report{StartedAt: start, Errors: map[string]error{}}

	if !s.running.CompareAndSwap(false, true) {
		rep.Skipped = "running"
		s.log.Debug("cycle skipped; previous cycle still running")
		return rep
	}
	defer s.running.Store(false)

	if until := s.CooldownUntil(); start.Before(until) {
		rep.Skipped = "cooldown"
		s.log.Debug("cycle skipped; cooling down", logx.Time("until", until))
		return rep
	}

	cfg := s.cfg
	rep.Reclaimed = s.step(ctx, &rep, "reclaim", func(ctx context.Context) (int64, error) {
		return s.store.Reclaim(ctx, cfg.StuckAfter)
	})
	rep.PurgedDone = s.step(ctx, &rep, "purge_done", func(ctx context.Context) (int64, error) {
		return s.store.Purge(ctx, []queue.Status{queue.StatusDone}, cfg.RetentionDone)
	})
	rep.PurgedStale = s.step(ctx, &rep, "purge_stale", func(ctx context.Context) (int64, error) {
		return s.store.Purge(ctx, []queue.Status{queue.StatusRetry, queue.StatusPending}, cfg.RetentionStale)
	})
	rep.PurgedDead = s.step(ctx, &rep, "purge_dead", func(ctx context.Context) (int64, error) {
		return s.store.Purge(ctx, []queue.Status{queue.StatusDead}, cfg.RetentionDead)
	})

	if rep.Deleted() > cfg.CompactThreshold && cfg.CompactWindow.Contains(s.now().In(s.loc)) {
		s.step(ctx, &rep, "compact", func(ctx context.Context) (int64, error) {
			return 0, s.store.Compact(ctx)
		})
		_, failed := rep.Errors["compact"]
		rep.Compacted = !failed
	}

	s.step(ctx, &rep, "stats", func(ctx context.Context) (int64, error) {
		st, err := s.store.Stats(ctx)
		if err != nil {
			return 0, err
		}
		rep.Stats = st
		return st.Total(), nil
	})
	if _, failed := rep.Errors["stats"]; !failed {
		s.publishStats(rep.Stats)
	}

	rep.Took = s.now().Sub(start)
	if rep.Failed() {
		until := s.now().Add(cfg.FailureCooldown)
		s.mu.Lock()
		s.cooldownUntil = until
		s.mu.Unlock()
		s.log.Error("maintenance cycle failed; cooling down",
			logx.Int("steps", rep.Steps),
			logx.Time("until", until),
		)
		return rep
	}

	s.log.Info("maintenance cycle done",
		logx.Int64("reclaimed", rep.Reclaimed),
		logx.Int64("purged_done", rep.PurgedDone),
		logx.Int64("purged_stale", rep.PurgedStale),
		logx.Int64("purged_dead", rep.PurgedDead),
		logx.Bool("compacted", rep.Compacted),
		logx.Int("errors", len(rep.Errors)),
		logx.Duration("took", rep.Took),
	)
	return rep
}

func (s *Service) step(ctx context.Context, rep *Report, name string, fn func(context.Context) (int64, error)) int64 {
	rep.Steps++
	n, err := fn(ctx)
	if err != nil {
		rep.Errors[name] = err
		s.log.Warn("maintenance step failed", logx.String("step", name), logx.Err(err))
		return 0
	}
	if n > 0 && name != "stats" {
		s.log.Debug("maintenance step", logx.String("step", name), logx.Int64("rows", n))
	}
	return n
}

func (s *Service) publishStats(st queue.Stats) {
	fields := make([]logx.Field, 0, len(st.Counts)+1)
	for _, status := range queue.AllStatuses {
		fields = append(fields, logx.Int64(string(status), st.Counts[status]))
	}
	fields = append(fields, logx.Duration("oldest_pending", st.OldestPending))
	s.log.Info("queue stats", fields...)

	s.bus.Publish(eventbus.Event{Type: eventbus.QueueStats, Time: s.now(), Data: st})
	if s.obs != nil {
		s.obs.ObserveQueue(st)
	}
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
