package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"botfleet/internal/queue"
	"botfleet/internal/tenant"
	"botfleet/internal/transport"
)

const testToken = "123456:AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA"

type fakeUpstream struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeUpstream) Identity(context.Context) (transport.Identity, error) {
	return transport.Identity{ID: 123456, Username: "fleet_bot", IsBot: true}, nil
}

func (f *fakeUpstream) SendText(_ context.Context, _ int64, text string, _ *transport.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return len(f.sent), nil
}

func (f *fakeUpstream) SetWebhook(context.Context, string, string) error { return nil }
func (f *fakeUpstream) RemoveWebhook(context.Context) error               { return nil }

func (f *fakeUpstream) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	db := filepath.ToSlash(filepath.Join(dir, "fleet.db"))
	body := fmt.Sprintf(`{
  "logging": {"level": "error"},
  "storage": {"driver": "sqlite", "path": %q},
  "queue": {"idle_poll": "20ms", "dispatchers": 2},
  "maintenance": {"schedule": "@every 1h"}%s
}`, db, extra)
	p := filepath.Join(dir, "botfleet.json")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func newTestApp(t *testing.T, cfgPath string, env map[string]string) (*App, *fakeUpstream) {
	t.Helper()
	up := &fakeUpstream{}
	a, err := New(cfgPath,
		WithEnvironment(env),
		WithFactory(func(string) (transport.Upstream, error) { return up, nil }),
	)
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	t.Cleanup(a.Close)
	return a, up
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServeDispatchesAndAdmin(t *testing.T) {
	t.Parallel()
	p := writeConfig(t, `, "ops": {"enabled": true, "addr": "127.0.0.1:0", "token": "s3cret"}`)
	a, up := newTestApp(t, p, map[string]string{"BOTFLEET_SECRET_KEY": "test-secret"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	adm, err := a.Admin(ctx, "test")
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	tn, err := adm.Register(ctx, 99, testToken)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if tn.ID != "123456" || tn.Status != tenant.StatusRunning {
		t.Fatalf("registered tenant: %+v", tn)
	}

	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	jobID, err := a.Enqueue(ctx, "123456", []byte(`{"update_id":1,"message":{"message_id":1,"chat":{"id":5},"text":"hello"}}`))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, "echo reply", func() bool {
		sent := up.Sent()
		return len(sent) == 1 && sent[0] == "hello"
	})
	waitFor(t, "job done", func() bool {
		j, err := a.store.Get(ctx, jobID)
		return err == nil && j.Status == queue.StatusDone
	})

	var addr string
	waitFor(t, "ops listener", func() bool {
		a.mu.Lock()
		s := a.opsSvc
		a.mu.Unlock()
		if s != nil {
			addr = s.Addr()
		}
		return addr != ""
	})
	req, _ := http.NewRequest(http.MethodPost, "http://"+addr+"/admin/tenants/123456/pause", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("pause over ops: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}
	got, err := a.store.GetTenant(ctx, "123456")
	if err != nil || got.Status != tenant.StatusPaused {
		t.Fatalf("tenant after pause: %+v, %v", got, err)
	}

	// Paused tenants' jobs wait.
	if _, err := a.Enqueue(ctx, "123456", []byte(`{"update_id":2,"message":{"message_id":2,"chat":{"id":5},"text":"later"}}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	time.Sleep(200 * time.Millisecond)
	if n := len(up.Sent()); n != 1 {
		t.Fatalf("paused tenant was dispatched: %d sends", n)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("serve did not stop")
	}
}

func TestServeRequiresSecretKey(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, writeConfig(t, ""), map[string]string{})
	if err := a.Serve(context.Background()); !errors.Is(err, tenant.ErrBadSecretKey) {
		t.Fatalf("serve without key: %v", err)
	}
	if _, err := a.Admin(context.Background(), "test"); err != nil {
		t.Fatalf("admin: %v", err)
	}
}

func TestWorkerRefusesInactiveTenant(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, writeConfig(t, ""), map[string]string{"BOTFLEET_SECRET_KEY": "k"})
	ctx := context.Background()
	if err := a.Worker(ctx, ""); err == nil {
		t.Fatalf("worker without tenant id must fail")
	}
	if err := a.store.CreateTenant(ctx, tenant.Tenant{ID: "777", OwnerChatID: 1, Status: tenant.StatusError}); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	if err := a.Worker(ctx, "777"); !errors.Is(err, ErrTenantInactive) {
		t.Fatalf("worker for errored tenant: %v", err)
	}
}

func TestMaintainOnce(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, writeConfig(t, ""), map[string]string{})
	ctx := context.Background()
	if _, err := a.Enqueue(ctx, "1", []byte(`{}`)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := a.Enqueue(ctx, " ", nil); err == nil {
		t.Fatalf("enqueue without tenant must fail")
	}
	if err := a.Maintain(ctx, true); err != nil {
		t.Fatalf("maintain once: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	p := writeConfig(t, `, "ratelimit": {"chat": {"capacity": 0, "refill_per_sec": 1}}`)
	_, err := New(p, WithEnvironment(map[string]string{}))
	if err == nil || !strings.Contains(err.Error(), "ratelimit.chat.capacity") {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateMapped(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, writeConfig(t, ""), map[string]string{})
	cfg := *a.Config()
	if err := validateMapped(&cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cfg.Ops.ReadTimeout = "soon"
	cfg.Maintenance.CompactWindow = "late"
	err := validateMapped(&cfg)
	if err == nil || !strings.Contains(err.Error(), "ops.read_timeout") || !strings.Contains(err.Error(), "maintenance.compact_window") {
		t.Fatalf("expected both errors, got %v", err)
	}
}

func TestSyncTenantsDropsInactiveHandles(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, writeConfig(t, ""), map[string]string{"BOTFLEET_SECRET_KEY": "k"})
	ctx := context.Background()
	adm, err := a.Admin(ctx, "test")
	if err != nil {
		t.Fatalf("admin: %v", err)
	}
	if _, err := adm.Register(ctx, 99, testToken); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := a.registry.Resolve(ctx, "123456"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	// Another process moved the tenant to error.
	if err := a.store.SetStatus(ctx, "123456", tenant.StatusError); err != nil {
		t.Fatalf("set status: %v", err)
	}
	a.syncTenants(ctx)
	if a.registry.Has("123456") {
		t.Fatalf("handle of errored tenant kept after sync")
	}

	// A handle left for a tenant that no longer exists is dropped too.
	if err := a.store.SetStatus(ctx, "123456", tenant.StatusStarting); err != nil {
		t.Fatalf("set status: %v", err)
	}
	if _, err := a.registry.Resolve(ctx, "123456"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := a.store.DeleteTenant(ctx, "123456"); err != nil {
		t.Fatalf("delete tenant: %v", err)
	}
	a.syncTenants(ctx)
	if a.registry.Has("123456") {
		t.Fatalf("handle of deleted tenant kept after sync")
	}
}
