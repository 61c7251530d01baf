package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"botfleet/internal/queue"
	"botfleet/internal/ratelimit"
	"botfleet/internal/tenant"
	"botfleet/internal/transport"
	logx "botfleet/pkg/logx"
)

var (
	// ErrTenantInactive is returned for tenants in error or stopped status.
	ErrTenantInactive = errors.New("dispatch: tenant inactive")
	// ErrTenantPaused is returned for paused tenants; their jobs wait.
	ErrTenantPaused = errors.New("dispatch: tenant paused")
)

// TenantLookup is the slice of tenant.Store the registry needs.
type TenantLookup interface {
	GetTenant(ctx context.Context, id string) (*tenant.Tenant, error)
}

type RegistryConfig struct {
	Tenants     TenantLookup
	Credentials tenant.Credentials
	Factory     transport.Factory
	Limits      ratelimit.Config
	Log         logx.Logger
	// Now is the limiter clock; nil means time.Now.
	Now func() time.Time
	// Recheck bounds how long a cached handle is trusted before the
	// tenant's status is read again. Zero means DefaultRecheck.
	Recheck time.Duration
}

// DefaultRecheck is how stale a cached handle's status may get. Another
// process may move the tenant to error or delete it in the meantime.
const DefaultRecheck = 5 * time.Second

// Registry maps tenant ids to live Worker handles.
//
// Construction and eviction for one tenant are serialized by a per-key
// mutex, so a tenant never has two handles (and two limiters) at once.
type Registry struct {
	cfg    RegistryConfig
	log    logx.Logger
	parent context.Context

	mu      sync.Mutex
	workers map[string]*Worker
	checked map[string]time.Time
	locks   map[string]*keyLock
	paused  map[string]struct{}
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// NewRegistry ties worker lifetimes to parent.
func NewRegistry(parent context.Context, cfg RegistryConfig) *Registry {
	if cfg.Log.IsZero() {
		cfg.Log = logx.Nop()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Recheck <= 0 {
		cfg.Recheck = DefaultRecheck
	}
	return &Registry{
		cfg:     cfg,
		log:     cfg.Log.With(logx.String("comp", "dispatch.registry")),
		parent:  parent,
		workers: map[string]*Worker{},
		checked: map[string]time.Time{},
		locks:   map[string]*keyLock{},
		paused:  map[string]struct{}{},
	}
}

func (r *Registry) lockKey(id string) func() {
	r.mu.Lock()
	l := r.locks[id]
	if l == nil {
		l = &keyLock{}
		r.locks[id] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, id)
		}
		r.mu.Unlock()
	}
}

func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workers[id]
	return w, ok
}

func (r *Registry) Has(id string) bool {
	_, ok := r.Get(id)
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}

// Resolve returns the tenant's handle, constructing it on a miss.
//
// Errors that can never heal by retrying (unknown tenant, missing or
// unusable credential, inactive tenant) are wrapped with queue.NoRetry.
func (r *Registry) Resolve(ctx context.Context, id string) (*Worker, error) {
	if w, ok := r.cached(ctx, id); ok {
		return w, nil
	}
	unlock := r.lockKey(id)
	defer unlock()
	if w, ok := r.Get(id); ok {
		return w, nil
	}

	t, err := r.cfg.Tenants.GetTenant(ctx, id)
	if err := statusErr(id, t, err); err != nil {
		return nil, err
	}

	token, err := r.cfg.Credentials.Credential(ctx, id)
	if errors.Is(err, tenant.ErrNoCredential) {
		return nil, queue.NoRetry(fmt.Errorf("tenant %s: %w", id, err))
	}
	if err != nil {
		return nil, err
	}
	up, err := r.cfg.Factory(token)
	if err != nil {
		return nil, queue.NoRetry(fmt.Errorf("tenant %s: build upstream: %w", id, err))
	}

	w := newWorker(r.parent, id, up, ratelimit.New(r.cfg.Limits, r.cfg.Now), r.cfg.Log, r.cfg.Now())
	w.startHousekeeping(r.cfg.Limits.IdleEvict / 2)

	r.mu.Lock()
	r.workers[id] = w
	r.checked[id] = r.cfg.Now()
	r.mu.Unlock()
	r.log.Info("worker constructed", logx.Tenant(id))
	return w, nil
}

// statusErr maps a tenant lookup onto the error Resolve returns, or nil
// when the tenant may run.
func statusErr(id string, t *tenant.Tenant, err error) error {
	if errors.Is(err, tenant.ErrNotFound) {
		return queue.NoRetry(fmt.Errorf("tenant %s: %w", id, err))
	}
	if err != nil {
		return err
	}
	switch t.Status {
	case tenant.StatusError, tenant.StatusStopped:
		return queue.NoRetry(fmt.Errorf("tenant %s is %s: %w", id, t.Status, ErrTenantInactive))
	case tenant.StatusPaused:
		return fmt.Errorf("tenant %s: %w", id, ErrTenantPaused)
	}
	return nil
}

// cached returns the tenant's handle while its status is fresh enough. A
// stale handle is revalidated; one whose tenant is no longer active is
// evicted so the slow path reports why.
func (r *Registry) cached(ctx context.Context, id string) (*Worker, bool) {
	now := r.cfg.Now()
	r.mu.Lock()
	w, ok := r.workers[id]
	fresh := ok && now.Sub(r.checked[id]) < r.cfg.Recheck
	r.mu.Unlock()
	if !ok {
		return nil, false
	}
	if fresh {
		return w, true
	}

	t, err := r.cfg.Tenants.GetTenant(ctx, id)
	switch serr := statusErr(id, t, err); {
	case serr == nil:
	case err != nil && !errors.Is(err, tenant.ErrNotFound):
		// The store is unreachable; keep trusting the handle.
		r.log.Debug("tenant recheck failed", logx.Tenant(id), logx.Err(err))
		return w, true
	default:
		r.log.Info("cached worker no longer active", logx.Tenant(id), logx.Err(serr))
		r.Evict(ctx, id)
		return nil, false
	}
	r.mu.Lock()
	if r.workers[id] == w {
		r.checked[id] = now
	}
	r.mu.Unlock()
	return w, true
}

// Evict drops and closes the tenant's handle. In-flight jobs holding the
// handle keep using it until they finish.
func (r *Registry) Evict(ctx context.Context, id string) bool {
	unlock := r.lockKey(id)
	defer unlock()

	r.mu.Lock()
	w, ok := r.workers[id]
	delete(r.workers, id)
	delete(r.checked, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	if err := w.Close(ctx); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn("worker close", logx.Tenant(id), logx.Err(err))
	}
	r.log.Info("worker evicted", logx.Tenant(id))
	return true
}

// SetPaused marks a tenant so loops skip its jobs while leasing.
func (r *Registry) SetPaused(id string, paused bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if paused {
		r.paused[id] = struct{}{}
	} else {
		delete(r.paused, id)
	}
}

// Paused lists paused tenants in a stable order.
func (r *Registry) Paused() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.paused))
	for id := range r.paused {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Tenants lists tenants with a live handle.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.workers))
	for id := range r.workers {
		out = append(out, id)
	}
	r.mu.Unlock()
	sort.Strings(out)
	return out
}

// Close evicts every handle.
func (r *Registry) Close(ctx context.Context) {
	for _, id := range r.Tenants() {
		r.Evict(ctx, id)
	}
}
