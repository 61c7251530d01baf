package storage

import (
	"context"
	"errors"
	"time"

	"botfleet/internal/queue"
	"botfleet/internal/tenant"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": Path is the database file
//   - "postgres": DSN is a PostgreSQL connection URL
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int           // postgres only; 0 means default
}

// Store is everything the dispatch core persists.
type Store interface {
	queue.Store
	tenant.Store
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}

// AuditEntry records an operator or supervisor action on a tenant.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At       time.Time
	TenantID string
	Actor    string
	Action   string
	OK       bool
	Error    string
	TookMS   int64
}
