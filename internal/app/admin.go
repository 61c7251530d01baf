package app

import (
	"context"
	"time"

	"botfleet/internal/instance"
	"botfleet/internal/ops"
	"botfleet/internal/storage"
	"botfleet/internal/tenant"
	logx "botfleet/pkg/logx"
)

// Admin runs tenant lifecycle actions on behalf of an operator and appends
// every action to the audit log. Audit write failures are logged only.
type Admin struct {
	sup   *instance.Supervisor
	store storage.Store
	actor string
	log   logx.Logger
	now   func() time.Time
}

var _ ops.Admin = (*Admin)(nil)

func newAdmin(sup *instance.Supervisor, store storage.Store, actor string, log logx.Logger) *Admin {
	return &Admin{
		sup:   sup,
		store: store,
		actor: actor,
		log:   log.With(logx.String("comp", "admin"), logx.String("actor", actor)),
		now:   time.Now,
	}
}

func (a *Admin) Register(ctx context.Context, ownerChatID int64, token string) (*tenant.Tenant, error) {
	start := a.now()
	id, _ := instance.TenantIDFromToken(token)
	t, err := a.sup.Register(ctx, ownerChatID, token)
	a.record(ctx, id, "register", start, err)
	return t, err
}

func (a *Admin) SetCredential(ctx context.Context, tenantID, token string) (*tenant.Tenant, error) {
	start := a.now()
	t, err := a.sup.SetCredential(ctx, tenantID, token)
	a.record(ctx, tenantID, "set_credential", start, err)
	return t, err
}

func (a *Admin) Pause(ctx context.Context, tenantID string) error {
	start := a.now()
	err := a.sup.Pause(ctx, tenantID)
	a.record(ctx, tenantID, "pause", start, err)
	return err
}

func (a *Admin) Resume(ctx context.Context, tenantID string) error {
	start := a.now()
	err := a.sup.Resume(ctx, tenantID)
	a.record(ctx, tenantID, "resume", start, err)
	return err
}

func (a *Admin) Delete(ctx context.Context, tenantID string) error {
	start := a.now()
	err := a.sup.Delete(ctx, tenantID)
	a.record(ctx, tenantID, "delete", start, err)
	return err
}

func (a *Admin) HealthCheck(ctx context.Context, tenantID string) (bool, instance.Reason) {
	start := a.now()
	ok, reason := a.sup.HealthCheck(ctx, tenantID)
	e := storage.AuditEntry{
		At: start, TenantID: tenantID, Actor: a.actor, Action: "check",
		OK: ok, TookMS: a.now().Sub(start).Milliseconds(),
	}
	if !ok {
		e.Error = reason.String()
	}
	a.append(ctx, e)
	return ok, reason
}

// List returns every tenant; it is read-only and not audited.
func (a *Admin) List(ctx context.Context) ([]tenant.Tenant, error) {
	return a.store.ListTenants(ctx)
}

func (a *Admin) record(ctx context.Context, tenantID, action string, start time.Time, err error) {
	e := storage.AuditEntry{
		At: start, TenantID: tenantID, Actor: a.actor, Action: action,
		OK: err == nil, TookMS: a.now().Sub(start).Milliseconds(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	a.append(ctx, e)
}

func (a *Admin) append(ctx context.Context, e storage.AuditEntry) {
	// The action already happened; record it even if the caller gave up.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := a.store.AppendAudit(actx, e); err != nil {
		a.log.Warn("audit append failed", logx.Tenant(e.TenantID), logx.String("action", e.Action), logx.Err(err))
	}
}
