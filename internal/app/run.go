package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"botfleet/internal/config"
	"botfleet/internal/dispatch"
	"botfleet/internal/ops"
	rtsup "botfleet/internal/runtime/supervisor"
	"botfleet/internal/tenant"
	logx "botfleet/pkg/logx"
)

// start creates the process supervisor. The first fatal error of a
// supervised goroutine cancels the whole process.
func (a *App) start(ctx context.Context) *rtsup.Supervisor {
	sup := rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.mu.Lock()
	a.sup = sup
	a.mu.Unlock()

	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validateMapped(cfg)
	})
	a.startEventLog(sup)
	return sup
}

// validateMapped rejects a reload whose values the components cannot take.
func validateMapped(cfg *config.Config) error {
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	_, err := mapStorageConfig(cfg)
	add(err)
	_, err = mapDispatchConfig(cfg, "")
	add(err)
	_, err = mapRateLimitConfig(cfg)
	add(err)
	_, err = mapInstanceConfig(cfg)
	add(err)
	_, err = mapMaintenanceConfig(cfg)
	add(err)
	_, err = mapNotifyConfig(cfg)
	add(err)
	_, err = mapOpsConfig(cfg)
	add(err)
	return errors.Join(errs...)
}

func (a *App) startEventLog(sup *rtsup.Supervisor) {
	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// run starts the process supervisor, lets setup launch the mode's
// components and blocks until shutdown. A failed setup stops whatever it
// already started.
func (a *App) run(ctx context.Context, setup func(sup *rtsup.Supervisor) error) error {
	sup := a.start(ctx)
	if err := setup(sup); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.Stop(stopCtx, StopFatalError)
		return err
	}
	return a.wait(ctx, sup)
}

// Serve runs the fleet until ctx ends or a supervised component fails.
func (a *App) Serve(ctx context.Context) error {
	if a.sealer == nil {
		return fmt.Errorf("serve: %w", tenant.ErrBadSecretKey)
	}
	cfg := a.cfgm.Get()
	return a.run(ctx, func(sup *rtsup.Supervisor) error {
		c := sup.Context()
		inst, err := a.supervisor(c, modeServe)
		if err != nil {
			return err
		}
		a.syncTenants(c)

		if inProcessDispatch(cfg) {
			if err := a.startDispatch(sup, cfg, ""); err != nil {
				return err
			}
		} else {
			a.log.Info("dispatch runs in worker processes", logx.String("driver", cfg.Supervisor.Process.Driver))
		}
		a.startWaker(sup)

		sup.GoRestart("instance.monitor", inst.Monitor,
			rtsup.WithRestartBackoff(time.Second, 30*time.Second),
			rtsup.WithPublishFirstError(true),
		)
		a.startTenantSync(sup, cfg)
		sup.Go("metrics.events", func(c context.Context) error {
			return a.metrics.WatchEvents(c, a.bus)
		})

		if err := a.maint.Start(c); err != nil {
			return err
		}
		a.notif.Start(c)

		ocfg, err := mapOpsConfig(cfg)
		if err != nil {
			return err
		}
		opsSvc := ops.New(ocfg, ops.RouterDeps{
			Admin:   newAdmin(inst, a.store, "ops", a.log),
			Metrics: a.metrics,
			Health:  a.health,
			Token:   ocfg.Token,
			Log:     a.log,
		}, a.log)
		a.mu.Lock()
		a.opsSvc = opsSvc
		a.mu.Unlock()
		opsSvc.Start(c)

		a.startConfigReload(sup)
		sup.Go("config.watch", a.cfgm.Watch)

		a.log.Info("serving",
			logx.Bool("in_process_dispatch", inProcessDispatch(cfg)),
			logx.Int("dispatchers", cfg.Queue.Dispatchers),
			logx.Bool("redis_wake", a.rdb != nil),
		)
		return nil
	})
}

// Worker runs dispatch loops scoped to one tenant. It exits cleanly once
// the tenant is no longer running.
func (a *App) Worker(ctx context.Context, tenantID string) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return errors.New("worker: tenant id is required")
	}
	if a.sealer == nil {
		return fmt.Errorf("worker: %w", tenant.ErrBadSecretKey)
	}
	t, err := a.store.GetTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("worker %s: %w", tenantID, err)
	}
	if !t.Status.Active() {
		return fmt.Errorf("worker %s is %s: %w", tenantID, t.Status, ErrTenantInactive)
	}

	cfg := a.cfgm.Get()
	a.log = a.log.With(logx.Tenant(tenantID))
	err = a.run(ctx, func(sup *rtsup.Supervisor) error {
		if _, err := a.supervisor(sup.Context(), modeWorker); err != nil {
			return err
		}
		icfg, err := mapInstanceConfig(cfg)
		if err != nil {
			return err
		}
		if err := a.startDispatch(sup, cfg, tenantID); err != nil {
			return err
		}
		a.startWaker(sup)
		sup.Go("tenant.watch", func(c context.Context) error {
			return a.watchTenant(c, tenantID, icfg.MonitorInterval)
		})
		a.startConfigReload(sup)
		sup.Go("config.watch", a.cfgm.Watch)

		a.log.Info("worker started", logx.Int("dispatchers", cfg.Queue.Dispatchers))
		return nil
	})
	if errors.Is(err, ErrTenantInactive) {
		return nil
	}
	return err
}

// Maintain runs the maintenance schedule, or a single cycle when once is
// set. A single cycle in which every step failed returns an error.
func (a *App) Maintain(ctx context.Context, once bool) error {
	if once {
		defer a.Close()
		rep := a.maint.RunOnce(ctx)
		if rep.Failed() {
			return fmt.Errorf("maintenance cycle failed: %w", errors.Join(mapValues(rep.Errors)...))
		}
		return nil
	}
	return a.run(ctx, func(sup *rtsup.Supervisor) error {
		if err := a.maint.Start(sup.Context()); err != nil {
			return err
		}
		a.startConfigReload(sup)
		sup.Go("config.watch", a.cfgm.Watch)
		return nil
	})
}

func mapValues(m map[string]error) []error {
	out := make([]error, 0, len(m))
	for _, err := range m {
		out = append(out, err)
	}
	return out
}

func (a *App) startDispatch(sup *rtsup.Supervisor, cfg *config.Config, tenantID string) error {
	dcfg, err := mapDispatchConfig(cfg, tenantID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	sink := a.inst
	a.mu.Unlock()
	dispatch.StartPool(sup, cfg.Queue.Dispatchers, func(id string) *dispatch.Loop {
		return dispatch.NewLoop(id, dcfg, a.store, a.registry, a.handler,
			dispatch.WithWaker(a.waker),
			dispatch.WithFailureSink(sink),
			dispatch.WithObserver(a.metrics),
			dispatch.WithBus(a.bus),
			dispatch.WithLogger(a.log),
		)
	})
	return nil
}

// startWaker runs the Redis subscription when wake hints go over Redis.
func (a *App) startWaker(sup *rtsup.Supervisor) {
	rw, ok := a.waker.(*dispatch.RedisWaker)
	if !ok {
		return
	}
	// Wake hints are optional; a broken subscription only slows pickup.
	sup.GoRestart("dispatch.waker", rw.Run,
		rtsup.WithRestartBackoff(time.Second, time.Minute),
		rtsup.WithPublishFirstError(false),
	)
}

// syncTenants copies tenant state set by other processes into the
// registry: paused tenants are skipped by the loops, and handles of
// tenants that are errored, stopped or deleted are dropped.
func (a *App) syncTenants(ctx context.Context) {
	tenants, err := a.store.ListTenants(ctx)
	if err != nil {
		a.log.Warn("tenant sync failed", logx.Err(err))
		return
	}
	known := make(map[string]bool, len(tenants))
	for _, t := range tenants {
		known[t.ID] = true
		a.registry.SetPaused(t.ID, t.Status == tenant.StatusPaused)
		if !t.Status.Active() && a.registry.Evict(ctx, t.ID) {
			a.log.Info("dropped handle of inactive tenant", logx.Tenant(t.ID), logx.String("status", string(t.Status)))
		}
	}
	for _, id := range a.registry.Tenants() {
		if !known[id] && a.registry.Evict(ctx, id) {
			a.log.Info("dropped handle of deleted tenant", logx.Tenant(id))
		}
	}
}

func (a *App) startTenantSync(sup *rtsup.Supervisor, cfg *config.Config) {
	every, err := config.ParseDurationOrDefault("queue.idle_poll", cfg.Queue.IdlePoll, 500*time.Millisecond)
	if err != nil {
		every = 500 * time.Millisecond
	}
	every = max(every*20, 5*time.Second)
	sup.Go0("tenants.sync", func(c context.Context) {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				a.syncTenants(c)
			}
		}
	})
}

// watchTenant returns ErrTenantInactive once the tenant leaves starting or
// running; a paused tenant pauses the loops instead.
func (a *App) watchTenant(ctx context.Context, tenantID string, every time.Duration) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		tn, err := a.store.GetTenant(ctx, tenantID)
		switch {
		case errors.Is(err, tenant.ErrNotFound):
			return fmt.Errorf("tenant %s deleted: %w", tenantID, ErrTenantInactive)
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			a.log.Warn("tenant watch: load tenant", logx.Err(err))
		case tn.Status == tenant.StatusPaused:
			a.registry.SetPaused(tenantID, true)
		case !tn.Status.Active():
			return fmt.Errorf("tenant %s is %s: %w", tenantID, tn.Status, ErrTenantInactive)
		default:
			a.registry.SetPaused(tenantID, false)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// wait blocks until ctx ends or the supervisor cancels itself, then stops.
func (a *App) wait(ctx context.Context, sup *rtsup.Supervisor) error {
	select {
	case <-ctx.Done():
	case <-sup.Context().Done():
	}
	reason := StopFatalError
	if ctx.Err() != nil {
		reason = StopSignal
	}
	err := sup.Err()
	if errors.Is(err, ErrTenantInactive) {
		reason = StopTenantInactive
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	a.Stop(stopCtx, reason)
	if reason == StopSignal {
		return nil
	}
	return err
}

// Stop shuts every started component down in dependency order.
func (a *App) Stop(ctx context.Context, reason StopReason) {
	a.mu.Lock()
	sup, opsSvc := a.sup, a.opsSvc
	a.mu.Unlock()
	a.log.Info("stopping", logx.String("reason", string(reason)))

	if sup != nil {
		sup.Cancel()
	}
	if opsSvc != nil {
		stopStep(ctx, a.log, "ops", time.Second, func(c context.Context) error { opsSvc.Stop(c); return nil })
	}
	stopStep(ctx, a.log, "maintenance", 5*time.Second, func(c context.Context) error { a.maint.Stop(c); return nil })
	stopStep(ctx, a.log, "notify", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	if sup != nil {
		// Dispatch loops finish their in-flight job before returning.
		stopStep(ctx, a.log, "supervisor", 10*time.Second, sup.Wait)
	}
	a.log.Info("stopped", logx.String("reason", string(reason)))
	stopStep(ctx, a.log, "close", 5*time.Second, func(context.Context) error { a.Close(); return nil })
}
