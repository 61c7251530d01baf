package tenant

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestCanTransition(t *testing.T) {
	t.Parallel()
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusStarting, StatusRunning, true},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusRunning, StatusError, true},
		{StatusStarting, StatusError, true},
		{StatusPaused, StatusError, false},
		{StatusError, StatusRunning, false},
		{StatusError, StatusStarting, true},
		{StatusPaused, StatusStopped, true},
		{StatusStopped, StatusRunning, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidTokenFormat(t *testing.T) {
	t.Parallel()
	good := "123456789:" + strings.Repeat("a", 35)
	if !ValidTokenFormat(good) {
		t.Fatalf("expected %q to be valid", good)
	}
	for _, bad := range []string{"", "abc", "123:short", "12345678:" + strings.Repeat("!", 35)} {
		if ValidTokenFormat(bad) {
			t.Fatalf("expected %q to be invalid", bad)
		}
	}
}

func TestSealerRoundTripBindsTenant(t *testing.T) {
	t.Parallel()
	s, err := NewSealer("operator secret")
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	sealed, err := s.Seal("t1", "123456:token")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if strings.Contains(string(sealed), "123456:token") {
		t.Fatal("sealed token contains plaintext")
	}
	got, err := s.Open("t1", sealed)
	if err != nil || got != "123456:token" {
		t.Fatalf("Open = %q, %v", got, err)
	}
	if _, err := s.Open("t2", sealed); err == nil {
		t.Fatal("expected open under another tenant id to fail")
	}
}

func TestNewSealerRequiresSecret(t *testing.T) {
	t.Parallel()
	if _, err := NewSealer("  "); !errors.Is(err, ErrBadSecretKey) {
		t.Fatalf("err = %v, want ErrBadSecretKey", err)
	}
}

type memStore struct {
	Store
	t *Tenant
}

func (m memStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	if m.t == nil || m.t.ID != id {
		return nil, ErrNotFound
	}
	return m.t, nil
}

func TestStoreCredentials(t *testing.T) {
	t.Parallel()
	s, _ := NewSealer("k")
	sealed, _ := s.Seal("t1", "1234567:tok")

	c := StoreCredentials{Store: memStore{t: &Tenant{ID: "t1", SealedToken: sealed}}, Sealer: s}
	got, err := c.Credential(context.Background(), "t1")
	if err != nil || got != "1234567:tok" {
		t.Fatalf("Credential = %q, %v", got, err)
	}

	empty := StoreCredentials{Store: memStore{t: &Tenant{ID: "t1"}}, Sealer: s}
	if _, err := empty.Credential(context.Background(), "t1"); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("err = %v, want ErrNoCredential", err)
	}
}
