// Package tenant models one bot instance: its owner, lifecycle status and
// sealed credential.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("tenant: not found")
	ErrNoCredential = errors.New("tenant: no credential")
	ErrExists       = errors.New("tenant: already exists")
)

type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusError    Status = "error"
	StatusStopped  Status = "stopped"
)

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusStarting, StatusRunning, StatusPaused, StatusError, StatusStopped:
		return s, nil
	}
	return "", fmt.Errorf("tenant: unknown status %q", raw)
}

// Active reports whether jobs for the tenant should be processed.
func (s Status) Active() bool { return s == StatusStarting || s == StatusRunning }

// CanTransition reports whether from -> to is an allowed lifecycle edge.
//
//	starting -> running ⇄ paused
//	running|starting -> error
//	error -> starting (credential fixed)
//	any -> stopped
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	switch to {
	case StatusStopped:
		return true
	case StatusRunning:
		return from == StatusStarting || from == StatusPaused
	case StatusPaused:
		return from == StatusRunning || from == StatusStarting
	case StatusError:
		return from == StatusRunning || from == StatusStarting
	case StatusStarting:
		return from == StatusError || from == StatusPaused
	}
	return false
}

// Check is the outcome of the last credential health check.
type Check struct {
	At     time.Time
	Reason string
}

type Tenant struct {
	ID          string
	OwnerChatID int64
	Status      Status
	// SealedToken is the bot token sealed with Sealer; never log it.
	SealedToken []byte
	LastCheck   Check
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Store persists tenants. Implemented by internal/storage.
type Store interface {
	CreateTenant(ctx context.Context, t Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]Tenant, error)
	SetStatus(ctx context.Context, id string, st Status) error
	SetCheck(ctx context.Context, id string, c Check) error
	SetSealedToken(ctx context.Context, id string, sealed []byte) error
	DeleteTenant(ctx context.Context, id string) error
}
