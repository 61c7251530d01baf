// Package instance supervises the lifecycle of tenants:
//
//	starting -> running <-> paused
//	running|starting -> error
//	any -> stopped (deleted)
//
// Health-driven transitions come from HealthCheck and Monitor; the admin
// surface drives Pause, Resume and Delete. Every operation on one tenant is
// serialized by a per-tenant mutex, which is what makes Spawn idempotent.
package instance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"botfleet/internal/dispatch"
	"botfleet/internal/eventbus"
	"botfleet/internal/notify"
	"botfleet/internal/queue"
	"botfleet/internal/tenant"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

var (
	// ErrPermanent wraps a health check failure that only a new credential fixes.
	ErrPermanent = errors.New("instance: permanent tenant failure")
	// ErrInvalidTransition is returned for lifecycle edges the tenant cannot take.
	ErrInvalidTransition = errors.New("instance: invalid status transition")
	ErrBadToken          = errors.New("instance: malformed bot token")
)

type Config struct {
	MonitorInterval time.Duration
	CheckTimeout    time.Duration
	// UnitPrefix names worker processes: <prefix>-<tenant id>.
	UnitPrefix string
}

func (c Config) withDefaults() Config {
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = time.Minute
	}
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 10 * time.Second
	}
	if c.UnitPrefix == "" {
		c.UnitPrefix = "botfleet-worker"
	}
	return c
}

type Deps struct {
	Tenants     tenant.Store
	Queue       queue.Store
	Credentials tenant.Credentials
	// Sealer is needed only by Register and SetCredential.
	Sealer   *tenant.Sealer
	Registry *dispatch.Registry
	// Factory builds a throwaway upstream to detach a route when this
	// process holds no handle for the tenant. Nil skips that path.
	Factory  transport.Factory
	Runner   Runner
	Checker  Checker
	Router   Router
	Notifier notify.Notifier
	Bus      eventbus.Bus
	Log      logx.Logger
	Now      func() time.Time
}

type Supervisor struct {
	cfg Config
	d   Deps
	log logx.Logger

	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

var _ dispatch.FailureSink = (*Supervisor)(nil)

func New(cfg Config, d Deps) *Supervisor {
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Runner == nil {
		d.Runner = NopRunner{}
	}
	if d.Router == nil {
		d.Router = NopRouter{}
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Supervisor{
		cfg:   cfg.withDefaults(),
		d:     d,
		log:   d.Log.With(logx.String("comp", "instance")),
		locks: map[string]*keyLock{},
	}
}

func (s *Supervisor) lock(id string) func() {
	s.mu.Lock()
	l := s.locks[id]
	if l == nil {
		l = &keyLock{}
		s.locks[id] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.mu.Lock()
		if l.refs--; l.refs == 0 {
			delete(s.locks, id)
		}
		s.mu.Unlock()
	}
}

// ProcessName is the runner name of a tenant's worker process.
func (s *Supervisor) ProcessName(tenantID string) string {
	return s.cfg.UnitPrefix + "-" + tenantID
}

// Spawn starts the tenant's worker process unless one is already live.
func (s *Supervisor) Spawn(ctx context.Context, tenantID string) error {
	unlock := s.lock(tenantID)
	defer unlock()
	return s.spawnLocked(ctx, tenantID)
}

func (s *Supervisor) spawnLocked(ctx context.Context, tenantID string) error {
	name := s.ProcessName(tenantID)
	running, err := s.d.Runner.Running(ctx, name)
	if err != nil {
		return err
	}
	if running {
		return nil
	}
	if err := s.d.Runner.Start(ctx, name, tenantID); err != nil {
		return err
	}
	s.log.Debug("worker spawned", logx.Tenant(tenantID), logx.String("name", name))
	return nil
}

// HealthCheck validates the tenant's credential: presence, format, then the
// upstream identity call. The result is recorded on the tenant. A permanent
// reason moves the tenant to error and tears it down; a transient one leaves
// its status alone. A starting tenant that passes moves to running.
func (s *Supervisor) HealthCheck(ctx context.Context, tenantID string) (bool, Reason) {
	unlock := s.lock(tenantID)
	defer unlock()
	return s.healthCheckLocked(ctx, tenantID)
}

func (s *Supervisor) healthCheckLocked(ctx context.Context, tenantID string) (bool, Reason) {
	log := s.log.With(logx.Tenant(tenantID))
	t, err := s.d.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		log.Warn("health check: load tenant", logx.Err(err))
		return false, ReasonUnknown
	}

	reason := s.probe(ctx, tenantID)
	if err := s.d.Tenants.SetCheck(ctx, tenantID, tenant.Check{At: s.d.Now(), Reason: string(reason)}); err != nil {
		log.Warn("health check: record result", logx.Err(err))
	}

	switch {
	case reason == ReasonOK:
		if t.Status == tenant.StatusStarting {
			s.setStatus(ctx, t, tenant.StatusRunning, string(reason))
		}
		return true, reason
	case reason.Permanent():
		s.markErrorLocked(ctx, t, reason)
	default:
		log.Info("health check failed (transient)", logx.String("reason", reason.String()))
	}
	return false, reason
}

func (s *Supervisor) probe(ctx context.Context, tenantID string) Reason {
	token, err := s.d.Credentials.Credential(ctx, tenantID)
	if errors.Is(err, tenant.ErrNoCredential) {
		return ReasonNoToken
	}
	if err != nil {
		s.log.Warn("health check: open credential", logx.Tenant(tenantID), logx.Err(err))
		return ReasonUnknown
	}
	if !tenant.ValidTokenFormat(token) {
		return ReasonBadFormat
	}
	if s.d.Checker == nil {
		return ReasonOK
	}
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CheckTimeout)
	defer cancel()
	_, err = s.d.Checker.Check(cctx, token)
	return classifyCheck(err)
}

// ReportPermanent is called by dispatch loops when a tenant's jobs can never
// succeed. Repeated reports for a tenant already in error are ignored.
func (s *Supervisor) ReportPermanent(ctx context.Context, tenantID, reason string) {
	unlock := s.lock(tenantID)
	defer unlock()
	t, err := s.d.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		s.log.Warn("report permanent: load tenant", logx.Tenant(tenantID), logx.Err(err))
		return
	}
	if t.Status == tenant.StatusError || t.Status == tenant.StatusStopped {
		return
	}
	s.markErrorLocked(ctx, t, Reason(reason))
}

func (s *Supervisor) markErrorLocked(ctx context.Context, t *tenant.Tenant, reason Reason) {
	if t.Status == tenant.StatusError {
		return
	}
	s.teardownLocked(ctx, t.ID)
	if !s.setStatus(ctx, t, tenant.StatusError, reason.String()) {
		return
	}
	s.log.Warn("tenant moved to error", logx.Tenant(t.ID), logx.String("reason", reason.String()))
	err := s.d.Notifier.Notify(ctx, notify.Notification{
		ChatID:   t.OwnerChatID,
		Key:      t.ID + ":error:" + reason.String(),
		Priority: 8,
		Text:     fmt.Sprintf("Your bot %s was stopped: %s. Update the token to bring it back.", t.ID, reasonText(reason)),
	})
	if err != nil {
		s.log.Debug("owner notification dropped", logx.Tenant(t.ID), logx.Err(err))
	}
}

// teardownLocked detaches the route, stops the process and drops the
// in-process handle. In-flight jobs holding the handle finish on their own.
func (s *Supervisor) teardownLocked(ctx context.Context, tenantID string) {
	log := s.log.With(logx.Tenant(tenantID))
	var up transport.Upstream
	if s.d.Registry != nil {
		if w, ok := s.d.Registry.Get(tenantID); ok {
			up = w.Upstream
		}
	}
	if up == nil {
		// The route may have been attached by another process.
		up = s.detachUpstream(ctx, tenantID)
	}
	if up != nil {
		if err := s.d.Router.Detach(ctx, tenantID, up); err != nil {
			log.Warn("detach route", logx.Err(err))
		}
	}
	if s.d.Registry != nil {
		s.d.Registry.Evict(ctx, tenantID)
	}
	if err := s.d.Runner.Stop(ctx, s.ProcessName(tenantID)); err != nil {
		log.Warn("stop worker process", logx.Err(err))
	}
}

// detachUpstream opens the stored credential and builds an upstream used
// only to detach the route. It returns nil when no usable token exists.
func (s *Supervisor) detachUpstream(ctx context.Context, tenantID string) transport.Upstream {
	if s.d.Factory == nil || s.d.Credentials == nil {
		return nil
	}
	log := s.log.With(logx.Tenant(tenantID))
	token, err := s.d.Credentials.Credential(ctx, tenantID)
	if err != nil {
		log.Info("route not detached: credential unavailable", logx.Err(err))
		return nil
	}
	if !tenant.ValidTokenFormat(token) {
		log.Info("route not detached: stored token is malformed")
		return nil
	}
	up, err := s.d.Factory(token)
	if err != nil {
		log.Warn("route not detached: build upstream", logx.Err(err))
		return nil
	}
	return up
}

// restoreLocked rebuilds the handle, re-attaches the route and spawns the
// worker process.
func (s *Supervisor) restoreLocked(ctx context.Context, tenantID string) error {
	if s.d.Registry != nil {
		w, err := s.d.Registry.Resolve(ctx, tenantID)
		if err != nil {
			return err
		}
		if err := s.d.Router.Attach(ctx, tenantID, w.Upstream); err != nil {
			return fmt.Errorf("attach route: %w", err)
		}
	}
	return s.spawnLocked(ctx, tenantID)
}

func (s *Supervisor) setStatus(ctx context.Context, t *tenant.Tenant, to tenant.Status, reason string) bool {
	from := t.Status
	if from == to {
		return true
	}
	if !tenant.CanTransition(from, to) {
		s.log.Warn("status transition refused", logx.Tenant(t.ID),
			logx.String("from", string(from)), logx.String("to", string(to)))
		return false
	}
	if err := s.d.Tenants.SetStatus(ctx, t.ID, to); err != nil {
		s.log.Error("set status", logx.Tenant(t.ID), logx.Err(err))
		return false
	}
	t.Status = to
	s.log.Info("tenant status changed", logx.Tenant(t.ID),
		logx.String("from", string(from)), logx.String("to", string(to)), logx.String("reason", reason))
	s.d.Bus.Publish(eventbus.Event{Type: eventbus.TenantStatus, Data: eventbus.TenantStatusChange{
		TenantID: t.ID, From: string(from), To: string(to), Reason: reason,
	}})
	return true
}

// MonitorOnce runs one monitor pass over every tenant.
func (s *Supervisor) MonitorOnce(ctx context.Context) error {
	tenants, err := s.d.Tenants.ListTenants(ctx)
	if err != nil {
		return err
	}
	for _, t := range tenants {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		switch t.Status {
		case tenant.StatusError, tenant.StatusStopped, tenant.StatusPaused:
			continue
		}
		s.monitorTenant(ctx, t.ID)
	}
	return nil
}

func (s *Supervisor) monitorTenant(ctx context.Context, tenantID string) {
	unlock := s.lock(tenantID)
	defer unlock()

	_, reason := s.healthCheckLocked(ctx, tenantID)
	if reason.Permanent() {
		return
	}
	t, err := s.d.Tenants.GetTenant(ctx, tenantID)
	if err != nil || t.Status != tenant.StatusRunning {
		return
	}

	restored := s.d.Registry != nil && !s.d.Registry.Has(tenantID)
	if err := s.restoreLocked(ctx, tenantID); err != nil {
		s.log.Warn("restore failed", logx.Tenant(tenantID), logx.Err(err))
		return
	}
	if restored {
		s.log.Info("tenant restored", logx.Tenant(tenantID))
		s.d.Bus.Publish(eventbus.Event{Type: eventbus.TenantRestore, Data: tenantID})
	}
}

// Monitor runs MonitorOnce every monitor interval until ctx ends.
func (s *Supervisor) Monitor(ctx context.Context) error {
	s.log.Info("monitor started", logx.Duration("interval", s.cfg.MonitorInterval))
	t := time.NewTicker(s.cfg.MonitorInterval)
	defer t.Stop()
	for {
		if err := s.MonitorOnce(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("monitor pass failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Pause stops the tenant's process and route. Calling it again is a no-op.
func (s *Supervisor) Pause(ctx context.Context, tenantID string) error {
	unlock := s.lock(tenantID)
	defer unlock()
	t, err := s.d.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Status == tenant.StatusPaused {
		return nil
	}
	if !tenant.CanTransition(t.Status, tenant.StatusPaused) {
		return fmt.Errorf("pause %s from %s: %w", tenantID, t.Status, ErrInvalidTransition)
	}
	if s.d.Registry != nil {
		s.d.Registry.SetPaused(tenantID, true)
	}
	s.teardownLocked(ctx, tenantID)
	if !s.setStatus(ctx, t, tenant.StatusPaused, "admin") {
		return fmt.Errorf("pause %s: status not updated", tenantID)
	}
	return nil
}

// Resume brings a paused (or starting) tenant back. Resuming a running
// tenant re-ensures its process and route.
func (s *Supervisor) Resume(ctx context.Context, tenantID string) error {
	unlock := s.lock(tenantID)
	defer unlock()
	t, err := s.d.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	if t.Status != tenant.StatusRunning && !tenant.CanTransition(t.Status, tenant.StatusRunning) {
		return fmt.Errorf("resume %s from %s: %w", tenantID, t.Status, ErrInvalidTransition)
	}
	if s.d.Registry != nil {
		s.d.Registry.SetPaused(tenantID, false)
	}
	if !s.setStatus(ctx, t, tenant.StatusRunning, "admin") {
		return fmt.Errorf("resume %s: status not updated", tenantID)
	}
	// A failed restore leaves the tenant running; the monitor retries it.
	if err := s.restoreLocked(ctx, tenantID); err != nil {
		return fmt.Errorf("resume %s: %w", tenantID, err)
	}
	return nil
}

// Delete removes the tenant and everything it owns: queued jobs, the
// credential, the route, the process and the handle.
func (s *Supervisor) Delete(ctx context.Context, tenantID string) error {
	unlock := s.lock(tenantID)
	defer unlock()
	t, err := s.d.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return err
	}
	s.teardownLocked(ctx, tenantID)
	s.setStatus(ctx, t, tenant.StatusStopped, "deleted")

	n, err := s.d.Queue.PurgeTenant(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("delete %s: purge jobs: %w", tenantID, err)
	}
	if err := s.d.Tenants.SetSealedToken(ctx, tenantID, nil); err != nil {
		return fmt.Errorf("delete %s: drop credential: %w", tenantID, err)
	}
	if err := s.d.Tenants.DeleteTenant(ctx, tenantID); err != nil {
		return fmt.Errorf("delete %s: %w", tenantID, err)
	}
	if s.d.Registry != nil {
		s.d.Registry.SetPaused(tenantID, false)
	}
	s.log.Info("tenant deleted", logx.Tenant(tenantID), logx.Int64("jobs_purged", n))
	return nil
}

// TenantIDFromToken derives the tenant id from the bot id part of a token.
func TenantIDFromToken(token string) (string, error) {
	token = strings.TrimSpace(token)
	if !tenant.ValidTokenFormat(token) {
		return "", ErrBadToken
	}
	id, _, _ := strings.Cut(token, ":")
	return id, nil
}

// Register creates a tenant in starting, checks its credential and, when
// the check passes, brings it up.
func (s *Supervisor) Register(ctx context.Context, ownerChatID int64, token string) (*tenant.Tenant, error) {
	if s.d.Sealer == nil {
		return nil, tenant.ErrBadSecretKey
	}
	id, err := TenantIDFromToken(token)
	if err != nil {
		return nil, err
	}
	sealed, err := s.d.Sealer.Seal(id, strings.TrimSpace(token))
	if err != nil {
		return nil, err
	}

	unlock := s.lock(id)
	defer unlock()
	if err := s.d.Tenants.CreateTenant(ctx, tenant.Tenant{
		ID: id, OwnerChatID: ownerChatID, Status: tenant.StatusStarting, SealedToken: sealed,
	}); err != nil {
		return nil, err
	}
	s.log.Info("tenant registered", logx.Tenant(id))
	return s.bringUpLocked(ctx, id)
}

// SetCredential stores a new token for an existing tenant. A tenant in
// error goes back to starting and through a fresh health check.
func (s *Supervisor) SetCredential(ctx context.Context, tenantID, token string) (*tenant.Tenant, error) {
	if s.d.Sealer == nil {
		return nil, tenant.ErrBadSecretKey
	}
	token = strings.TrimSpace(token)
	if !tenant.ValidTokenFormat(token) {
		return nil, ErrBadToken
	}
	sealed, err := s.d.Sealer.Seal(tenantID, token)
	if err != nil {
		return nil, err
	}

	unlock := s.lock(tenantID)
	defer unlock()
	t, err := s.d.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if s.d.Registry != nil {
		// The cached handle holds a client built from the old token.
		s.d.Registry.Evict(ctx, tenantID)
	}
	if err := s.d.Tenants.SetSealedToken(ctx, tenantID, sealed); err != nil {
		return nil, err
	}
	if t.Status == tenant.StatusError {
		s.setStatus(ctx, t, tenant.StatusStarting, "credential updated")
	}
	return s.bringUpLocked(ctx, tenantID)
}

func (s *Supervisor) bringUpLocked(ctx context.Context, tenantID string) (*tenant.Tenant, error) {
	ok, reason := s.healthCheckLocked(ctx, tenantID)
	if !ok && reason.Permanent() {
		t, _ := s.d.Tenants.GetTenant(ctx, tenantID)
		return t, fmt.Errorf("tenant %s: %s: %w", tenantID, reason, ErrPermanent)
	}
	if ok {
		if err := s.restoreLocked(ctx, tenantID); err != nil {
			s.log.Warn("bring up failed; monitor will retry", logx.Tenant(tenantID), logx.Err(err))
		}
	}
	return s.d.Tenants.GetTenant(ctx, tenantID)
}
