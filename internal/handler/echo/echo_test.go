package echo

import (
	"context"
	"sync"
	"testing"

	"botfleet/internal/dispatch"
	"botfleet/internal/queue"
	"botfleet/internal/ratelimit"
	"botfleet/internal/tenant"
	"botfleet/internal/transport"
)

type sent struct {
	chat int64
	text string
}

type fakeUpstream struct {
	mu   sync.Mutex
	sent []sent
}

func (f *fakeUpstream) Identity(context.Context) (transport.Identity, error) {
	return transport.Identity{ID: 42, IsBot: true}, nil
}

func (f *fakeUpstream) SendText(_ context.Context, chatID int64, text string, _ *transport.SendOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{chat: chatID, text: text})
	return len(f.sent), nil
}

func (f *fakeUpstream) SetWebhook(context.Context, string, string) error { return nil }
func (f *fakeUpstream) RemoveWebhook(context.Context) error               { return nil }

type oneTenant struct{}

func (oneTenant) GetTenant(_ context.Context, id string) (*tenant.Tenant, error) {
	return &tenant.Tenant{ID: id, Status: tenant.StatusRunning}, nil
}

type creds struct{}

func (creds) Credential(context.Context, string) (string, error) { return "42:token", nil }

func newWorker(t *testing.T) (*dispatch.Worker, *fakeUpstream) {
	t.Helper()
	up := &fakeUpstream{}
	ctx, cancel := context.WithCancel(context.Background())
	reg := dispatch.NewRegistry(ctx, dispatch.RegistryConfig{
		Tenants:     oneTenant{},
		Credentials: creds{},
		Factory:     func(string) (transport.Upstream, error) { return up, nil },
		Limits: ratelimit.Config{
			Tenant: ratelimit.BucketConfig{Capacity: 100, RefillPerSec: 100},
			Chat:   ratelimit.BucketConfig{Capacity: 100, RefillPerSec: 100},
		},
	})
	t.Cleanup(func() {
		reg.Close(context.Background())
		cancel()
	})
	w, err := reg.Resolve(context.Background(), "42")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return w, up
}

func TestHandleEchoesText(t *testing.T) {
	t.Parallel()
	w, up := newWorker(t)
	h := New("> ")

	tests := []struct {
		name    string
		payload string
		want    []sent
	}{
		{"plain text", `{"update_id":1,"message":{"message_id":5,"chat":{"id":77},"text":"hi there"}}`, []sent{{77, "> hi there"}}},
		{"echo command", `{"update_id":2,"message":{"message_id":6,"chat":{"id":78},"text":"/echo@fleet_bot  ping"}}`, []sent{{78, "> ping"}}},
		{"other command", `{"update_id":3,"message":{"message_id":7,"chat":{"id":79},"text":"/start"}}`, nil},
		{"no message", `{"update_id":4}`, nil},
	}
	for _, tc := range tests {
		up.mu.Lock()
		up.sent = nil
		up.mu.Unlock()

		err := h.Handle(context.Background(), w, &queue.Job{ID: "j", TenantID: "42", Payload: []byte(tc.payload)})
		if err != nil {
			t.Fatalf("%s: handle: %v", tc.name, err)
		}
		up.mu.Lock()
		got := append([]sent(nil), up.sent...)
		up.mu.Unlock()
		if len(got) != len(tc.want) {
			t.Fatalf("%s: sent %v, want %v", tc.name, got, tc.want)
		}
		for i := range got {
			if got[i] != tc.want[i] {
				t.Fatalf("%s: sent %v, want %v", tc.name, got, tc.want)
			}
		}
	}
}

func TestHandleRejectsGarbagePayload(t *testing.T) {
	t.Parallel()
	w, _ := newWorker(t)
	err := New("").Handle(context.Background(), w, &queue.Job{ID: "j", TenantID: "42", Payload: []byte("not json")})
	if err == nil || !queue.IsNoRetry(err) {
		t.Fatalf("want no-retry error, got %v", err)
	}
}

func TestReply(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"hello", "hello", true},
		{"  spaced  ", "spaced", true},
		{"", "(empty)", true},
		{"/echo", "(empty)", true},
		{"/echo a b", "a b", true},
		{"/help", "", false},
	}
	for _, tc := range tests {
		got, ok := Reply(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Reply(%q) = %q, %v; want %q, %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}
