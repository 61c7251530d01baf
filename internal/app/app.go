// Package app wires the dispatch core for the process modes of the
// botfleet binary:
//
//	serve     dispatch pool, instance monitor, maintenance, ops server
//	worker    tenant-scoped dispatch loops (one process per tenant)
//	maintain  maintenance only
//
// The CLI's one-shot commands (enqueue, tenant admin) reuse the same wiring
// without starting any background work.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"botfleet/internal/config"
	"botfleet/internal/dispatch"
	"botfleet/internal/eventbus"
	"botfleet/internal/handler/echo"
	"botfleet/internal/instance"
	"botfleet/internal/maintenance"
	"botfleet/internal/notify"
	"botfleet/internal/ops"
	"botfleet/internal/queue"
	rtsup "botfleet/internal/runtime/supervisor"
	"botfleet/internal/storage"
	"botfleet/internal/tenant"
	"botfleet/internal/transport"
	"botfleet/internal/transport/telegram"
	logx "botfleet/pkg/logx"

	"github.com/redis/go-redis/v9"
)

// ErrTenantInactive ends a worker process whose tenant is no longer running.
var ErrTenantInactive = errors.New("app: tenant is not running")

type Option func(*options)

type options struct {
	handler dispatch.Handler
	environ map[string]string
	factory transport.Factory
}

// WithHandler replaces the sample echo handler.
func WithHandler(h dispatch.Handler) Option { return func(o *options) { o.handler = h } }

// WithEnvironment replaces the process environment for config overrides.
func WithEnvironment(environ map[string]string) Option {
	return func(o *options) { o.environ = environ }
}

// WithFactory replaces the Telegram upstream factory.
func WithFactory(f transport.Factory) Option { return func(o *options) { o.factory = f } }

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger
	bus  eventbus.Bus

	// root outlives every mode; worker handles hang off it.
	root       context.Context
	rootCancel context.CancelFunc

	store    storage.Store
	sealer   *tenant.Sealer
	creds    tenant.Credentials
	factory  transport.Factory
	metrics  *ops.Metrics
	registry *dispatch.Registry
	waker    queue.Waker
	rdb      *redis.Client
	notif    *notify.Service
	maint    *maintenance.Service
	handler  dispatch.Handler

	closeOnce sync.Once

	mu     sync.Mutex
	sup    *rtsup.Supervisor
	inst   *instance.Supervisor
	runner instance.Runner
	opsSvc *ops.Service
}

// New loads the config and builds every component. It starts nothing.
func New(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewManager(cfgPath, logx.Nop())
	if o.environ != nil {
		cfgm.SetEnvironment(o.environ)
	}
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logs, log := logx.NewService(mapLogConfig(cfg))
	cfgm.SetLogger(log)

	a := &App{
		cfgm:    cfgm,
		logs:    logs,
		log:     log,
		bus:     eventbus.New(),
		metrics: ops.NewMetrics(),
		handler: o.handler,
	}
	a.root, a.rootCancel = context.WithCancel(context.Background())
	if a.handler == nil {
		a.handler = echo.New("")
	}

	if err := a.build(cfg, o); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, o options) error {
	scfg, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	a.store, err = storage.Open(scfg, a.log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	if key := strings.TrimSpace(cfg.Storage.SecretKey); key != "" {
		if a.sealer, err = tenant.NewSealer(key); err != nil {
			return err
		}
		a.creds = tenant.StoreCredentials{Store: a.store, Sealer: a.sealer}
	} else {
		a.creds = lockedCredentials{}
	}

	tcfg, err := mapTelegramConfig(cfg)
	if err != nil {
		return err
	}
	a.factory = o.factory
	if a.factory == nil {
		a.factory = telegram.NewFactory(tcfg, a.log)
	}

	rlcfg, err := mapRateLimitConfig(cfg)
	if err != nil {
		return err
	}
	a.registry = dispatch.NewRegistry(a.root, dispatch.RegistryConfig{
		Tenants:     a.store,
		Credentials: a.creds,
		Factory:     a.factory,
		Limits:      rlcfg,
		Log:         a.log,
	})

	if addr := strings.TrimSpace(cfg.Redis.Addr); addr != "" {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.waker = dispatch.NewRedisWaker(a.rdb, cfg.Redis.Channel, a.log)
	} else {
		a.waker = dispatch.NewLocalWaker()
	}

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return err
	}
	var sender notify.Sender
	if tok := strings.TrimSpace(cfg.Telegram.OwnerBotToken); tok != "" {
		owner, err := telegram.New(tok, tcfg, a.log)
		if err != nil {
			return fmt.Errorf("owner bot: %w", err)
		}
		sender = owner
	}
	a.notif = notify.New(ncfg, sender, a.log)

	mcfg, err := mapMaintenanceConfig(cfg)
	if err != nil {
		return err
	}
	a.maint = maintenance.New(mcfg, a.store, a.log,
		maintenance.WithBus(a.bus),
		maintenance.WithObserver(a.metrics),
	)
	return nil
}

// lockedCredentials is used when no secret key is configured: stored
// tokens cannot be opened.
type lockedCredentials struct{}

func (lockedCredentials) Credential(context.Context, string) (string, error) {
	return "", tenant.ErrBadSecretKey
}

func (a *App) Config() *config.Config { return a.cfgm.Get() }
func (a *App) Log() logx.Logger       { return a.log }
func (a *App) Store() storage.Store   { return a.store }

// Maintenance exposes the maintenance service for one-shot runs.
func (a *App) Maintenance() *maintenance.Service { return a.maint }

// mode selects how the instance supervisor runs worker processes.
type mode int

const (
	modeAdmin mode = iota
	modeServe
	modeWorker
)

// supervisor builds the instance supervisor once, with the runner the mode
// needs.
func (a *App) supervisor(ctx context.Context, m mode) (*instance.Supervisor, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inst != nil {
		return a.inst, nil
	}
	cfg := a.cfgm.Get()
	icfg, err := mapInstanceConfig(cfg)
	if err != nil {
		return nil, err
	}
	runner, err := a.newRunner(ctx, cfg, m)
	if err != nil {
		return nil, err
	}
	var router instance.Router = instance.NopRouter{}
	if wh := cfg.Supervisor.Webhook; strings.TrimSpace(wh.BaseURL) != "" {
		router = instance.WebhookRouter{BaseURL: wh.BaseURL, SecretToken: wh.SecretToken}
	}
	a.runner = runner
	a.inst = instance.New(icfg, instance.Deps{
		Tenants:     a.store,
		Queue:       a.store,
		Credentials: a.creds,
		Sealer:      a.sealer,
		Registry:    a.registry,
		Factory:     a.factory,
		Runner:      runner,
		Checker:     instance.FactoryChecker{Factory: a.factory},
		Router:      router,
		Notifier:    a.notif,
		Bus:         a.bus,
		Log:         a.log,
	})
	return a.inst, nil
}

// newRunner picks the process runner. Only serve owns exec children; a
// systemd runner is also used by admin commands so pause and delete stop
// the unit.
func (a *App) newRunner(ctx context.Context, cfg *config.Config, m mode) (instance.Runner, error) {
	p := cfg.Supervisor.Process
	binary := strings.TrimSpace(p.Binary)
	cfgPath := strings.TrimSpace(p.ConfigPath)
	if cfgPath == "" {
		cfgPath = a.cfgm.Path()
	}
	switch strings.ToLower(strings.TrimSpace(p.Driver)) {
	case "exec":
		if m != modeServe {
			return instance.NopRunner{}, nil
		}
		return instance.NewExecRunner(binary, cfgPath, a.log), nil
	case "systemd":
		if m == modeWorker {
			return instance.NopRunner{}, nil
		}
		r, err := instance.NewSystemdRunner(ctx, binary, cfgPath, a.log)
		if err != nil && m == modeServe {
			return nil, err
		}
		if err != nil {
			a.log.Warn("systemd unavailable; worker units will not be touched", logx.Err(err))
			return instance.NopRunner{}, nil
		}
		return r, nil
	default:
		return instance.NopRunner{}, nil
	}
}

// inProcessDispatch reports whether serve runs the dispatch pool itself.
func inProcessDispatch(cfg *config.Config) bool {
	d := strings.ToLower(strings.TrimSpace(cfg.Supervisor.Process.Driver))
	return d == "" || d == "none"
}

// Admin returns the audited tenant admin surface for actor.
func (a *App) Admin(ctx context.Context, actor string) (*Admin, error) {
	sup, err := a.supervisor(ctx, modeAdmin)
	if err != nil {
		return nil, err
	}
	return newAdmin(sup, a.store, actor, a.log), nil
}

// Enqueue appends one job and wakes idle dispatchers.
func (a *App) Enqueue(ctx context.Context, tenantID string, payload []byte) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", errors.New("enqueue: tenant id is required")
	}
	id, err := a.store.Enqueue(ctx, tenantID, payload)
	if err != nil {
		return "", err
	}
	a.waker.Notify(ctx, tenantID)
	a.log.Debug("job enqueued", logx.Tenant(tenantID), logx.Job(id), logx.Int("bytes", len(payload)))
	return id, nil
}

// Close releases what New opened. Modes call it from Stop; calling it
// again is a no-op.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.registry != nil {
		a.registry.Close(ctx)
	}
	if a.rootCancel != nil {
		a.rootCancel()
	}
	a.mu.Lock()
	runner := a.runner
	a.runner = nil
	a.mu.Unlock()
	switch r := runner.(type) {
	case *instance.ExecRunner:
		r.StopAll(ctx)
	case interface{ Close() error }:
		_ = r.Close()
	}
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close", logx.Err(err))
		}
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// health reports the goroutine supervisors of this process.
func (a *App) health() map[string]rtsup.Snapshot {
	out := map[string]rtsup.Snapshot{}
	a.mu.Lock()
	sup, opsSvc := a.sup, a.opsSvc
	a.mu.Unlock()
	if sup != nil {
		out["app"] = sup.Snapshot()
	}
	if opsSvc != nil {
		if s := opsSvc.Supervisor(); s != nil {
			out["ops"] = s.Snapshot()
		}
	}
	return out
}
