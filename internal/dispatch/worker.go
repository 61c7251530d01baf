package dispatch

import (
	"context"
	"time"

	"botfleet/internal/queue"
	"botfleet/internal/ratelimit"
	"botfleet/internal/runtime/supervisor"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

// Worker is the in-process handle of one active tenant. Handlers receive it
// with every job; it is the only path to the tenant's upstream and limiter.
type Worker struct {
	TenantID  string
	Upstream  transport.Upstream
	Limiter   *ratelimit.Limiter
	CreatedAt time.Time

	log logx.Logger
	sup *supervisor.Supervisor
}

func newWorker(parent context.Context, tenantID string, up transport.Upstream, lim *ratelimit.Limiter, log logx.Logger, now time.Time) *Worker {
	wlog := log.With(logx.Tenant(tenantID))
	w := &Worker{
		TenantID:  tenantID,
		Upstream:  up,
		Limiter:   lim,
		CreatedAt: now,
		log:       wlog,
		sup:       supervisor.New(parent, supervisor.WithLogger(wlog)),
	}
	return w
}

func (w *Worker) Log() logx.Logger { return w.log }

// Go runs a background task owned by this worker. Tasks are restarted on
// failure and cancelled when the worker is closed.
func (w *Worker) Go(name string, fn func(ctx context.Context) error) {
	w.sup.GoRestart(name, fn, supervisor.WithRestartBackoff(time.Second, time.Minute))
}

// Send delivers text to chatID once both rate-limit scopes admit it.
// An upstream 429 opens a backoff window on the limiter and is returned
// wrapped with queue.RetryAfter so the job retries after that window.
func (w *Worker) Send(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) (int, error) {
	if err := w.Limiter.Wait(ctx, chatID); err != nil {
		return 0, err
	}
	id, err := w.Upstream.SendText(ctx, chatID, text, opt)
	if te, ok := transport.AsThrottled(err); ok {
		d := w.Limiter.Throttled(chatID, te.RetryAfter)
		w.log.Warn("upstream throttled", logx.Int64("chat", chatID), logx.Duration("backoff", d))
		return 0, queue.RetryAfter(err, d)
	}
	if err != nil {
		return 0, err
	}
	w.Limiter.Succeeded(chatID)
	return id, nil
}

// Close cancels background tasks and waits for them up to ctx. Jobs the
// worker is currently handling are not interrupted.
func (w *Worker) Close(ctx context.Context) error {
	return w.sup.Stop(ctx)
}

func (w *Worker) startHousekeeping(every time.Duration) {
	if every <= 0 {
		return
	}
	w.Go("ratelimit.sweep", func(ctx context.Context) error {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				if n := w.Limiter.Sweep(); n > 0 {
					w.log.Debug("chat buckets evicted", logx.Int("count", n))
				}
			}
		}
	})
}
