package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"botfleet/internal/eventbus"
	"botfleet/internal/queue"
	"botfleet/internal/tenant"
	logx "botfleet/pkg/logx"
)

// Handler is the business-logic entry point. It must be idempotent: a job
// can be delivered more than once.
type Handler interface {
	Handle(ctx context.Context, w *Worker, job *queue.Job) error
}

type HandlerFunc func(ctx context.Context, w *Worker, job *queue.Job) error

func (f HandlerFunc) Handle(ctx context.Context, w *Worker, job *queue.Job) error {
	return f(ctx, w, job)
}

// FailureSink learns about tenants whose jobs can never succeed
// (the instance supervisor flips them to error).
type FailureSink interface {
	ReportPermanent(ctx context.Context, tenantID, reason string)
}

// Observer receives one call per finished job; outcome is done, retry or dead.
type Observer interface {
	ObserveJob(tenantID, outcome string, took time.Duration)
}

type Config struct {
	MaxAttempts    int
	RetryDelay     time.Duration
	IdlePoll       time.Duration
	StoreBackoff   time.Duration
	HandlerTimeout time.Duration
	// TenantID scopes leasing to one tenant (per-tenant worker processes).
	TenantID string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 30 * time.Second
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = 500 * time.Millisecond
	}
	if c.StoreBackoff <= 0 {
		c.StoreBackoff = 2 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = 60 * time.Second
	}
	return c
}

// settleTimeout bounds Ack/Fail after the loop context is gone, so a job
// that finished during shutdown is still recorded.
const settleTimeout = 10 * time.Second

// Loop leases one job at a time and runs it through the handler:
// idle -> lease -> resolve worker -> invoke -> ack | fail -> idle.
type Loop struct {
	ID string

	cfg      Config
	store    queue.Store
	registry *Registry
	handler  Handler
	log      logx.Logger

	waker    queue.Waker
	sink     FailureSink
	observer Observer
	bus      eventbus.Bus
}

type LoopOption func(*Loop)

func WithWaker(w queue.Waker) LoopOption        { return func(l *Loop) { l.waker = w } }
func WithFailureSink(s FailureSink) LoopOption { return func(l *Loop) { l.sink = s } }
func WithObserver(o Observer) LoopOption       { return func(l *Loop) { l.observer = o } }
func WithBus(b eventbus.Bus) LoopOption        { return func(l *Loop) { l.bus = b } }
func WithLogger(log logx.Logger) LoopOption    { return func(l *Loop) { l.log = log } }

func NewLoop(id string, cfg Config, store queue.Store, reg *Registry, h Handler, opts ...LoopOption) *Loop {
	l := &Loop{
		ID:       id,
		cfg:      cfg.withDefaults(),
		store:    store,
		registry: reg,
		handler:  h,
	}
	for _, o := range opts {
		o(l)
	}
	if l.log.IsZero() {
		l.log = logx.Nop()
	}
	l.log = l.log.With(logx.String("comp", "dispatch.loop"), logx.String("dispatcher", id))
	return l
}

// Run loops until ctx is cancelled. Store failures never end it.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("dispatch loop started")
	defer l.log.Info("dispatch loop stopped")
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		processed, err := l.Step(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Warn("lease failed; backing off", logx.Err(err), logx.Duration("backoff", l.cfg.StoreBackoff))
			sleep(ctx, l.cfg.StoreBackoff, nil)
		case !processed:
			var wake <-chan struct{}
			if l.waker != nil {
				wake = l.waker.C()
			}
			sleep(ctx, l.cfg.IdlePoll, wake)
		}
	}
}

// Step runs one iteration. It reports whether a job was processed; an error
// means the lease itself failed.
func (l *Loop) Step(ctx context.Context) (bool, error) {
	f := queue.LeaseFilter{TenantID: l.cfg.TenantID}
	if l.registry != nil {
		f.ExcludeTenants = l.registry.Paused()
	}
	job, err := l.store.Lease(ctx, l.ID, f)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	l.process(ctx, job)
	return true, nil
}

func (l *Loop) process(ctx context.Context, job *queue.Job) {
	start := time.Now()
	log := l.log.With(logx.Tenant(job.TenantID), logx.Job(job.ID), logx.Int("attempt", job.Attempts+1))

	// The job runs to completion even if the loop is shutting down.
	jobCtx := context.WithoutCancel(ctx)

	w, err := l.registry.Resolve(jobCtx, job.TenantID)
	if err != nil {
		if errors.Is(err, tenant.ErrNoCredential) && l.sink != nil {
			l.sink.ReportPermanent(jobCtx, job.TenantID, "no_token")
		}
		log.Warn("resolve worker failed", logx.Err(err), logx.Bool("no_retry", queue.IsNoRetry(err)))
		l.fail(jobCtx, log, job, err, start)
		return
	}

	if err := l.invoke(jobCtx, w, job); err != nil {
		log.Warn("handler failed", logx.Err(err))
		l.fail(jobCtx, log, job, err, start)
		return
	}

	sctx, cancel := context.WithTimeout(jobCtx, settleTimeout)
	defer cancel()
	if err := l.store.Ack(sctx, job.ID); err != nil {
		// The job stays processing and reclaim re-runs it later.
		log.Error("ack failed", logx.Err(err))
		return
	}
	log.Debug("job done", logx.Duration("took", time.Since(start)))
	l.observe(job.TenantID, string(queue.StatusDone), start)
}

// invoke calls the handler under the handler timeout and converts a panic
// into an ordinary failure.
func (l *Loop) invoke(ctx context.Context, w *Worker, job *queue.Job) (err error) {
	hctx, cancel := context.WithTimeout(ctx, l.cfg.HandlerTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("handler panicked", logx.Tenant(job.TenantID), logx.Job(job.ID),
				logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return l.handler.Handle(hctx, w, job)
}

func (l *Loop) fail(ctx context.Context, log logx.Logger, job *queue.Job, cause error, start time.Time) {
	maxAttempts := l.cfg.MaxAttempts
	if queue.IsNoRetry(cause) {
		maxAttempts = 1
	}
	delay := l.cfg.RetryDelay
	if d, ok := queue.RetryAfterHint(cause); ok && d > 0 {
		delay = d
	}

	sctx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	status, err := l.store.FailLeased(sctx, job.ID, l.ID, cause.Error(), maxAttempts, delay)
	if errors.Is(err, queue.ErrLeaseLost) {
		log.Warn("job was reclaimed while running; leaving it to its new leaser", logx.Err(cause))
		return
	}
	if err != nil {
		log.Error("fail failed", logx.Err(err))
		return
	}
	if status == queue.StatusDead {
		log.Warn("job dead", logx.String("reason", queue.TruncateReason(cause.Error())))
		if l.bus != nil {
			l.bus.Publish(eventbus.Event{Type: eventbus.JobDead, Data: map[string]string{
				"tenant": job.TenantID, "job": job.ID, "reason": queue.TruncateReason(cause.Error()),
			}})
		}
	} else {
		log.Debug("job scheduled for retry", logx.Duration("delay", delay))
	}
	l.observe(job.TenantID, string(status), start)
}

func (l *Loop) observe(tenantID, outcome string, start time.Time) {
	if l.observer != nil {
		l.observer.ObserveJob(tenantID, outcome, time.Since(start))
	}
}

func sleep(ctx context.Context, d time.Duration, wake <-chan struct{}) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	case <-wake:
	}
}
