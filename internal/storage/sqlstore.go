package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	logx "botfleet/pkg/logx"
)

// sqlStore implements Store on database/sql for every driver.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger

	now   func() time.Time
	newID func() string
}

// Option tweaks a store; tests use it to pin the clock.
type Option func(*sqlStore)

func WithClock(now func() time.Time) Option {
	return func(s *sqlStore) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDs(next func() string) Option {
	return func(s *sqlStore) {
		if next != nil {
			s.newID = next
		}
	}
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger, opts ...Option) *sqlStore {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &sqlStore{db: db, d: d, log: log, now: time.Now, newID: newJobID}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) nowMS() int64 { return s.now().UnixMilli() }

func (s *sqlStore) exec(ctx context.Context, q string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) query(ctx context.Context, q string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) queryRow(ctx context.Context, q string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.d.rebind(q), args...)
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit(at, tenant_id, actor, action, ok, err, took_ms) VALUES(?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.TenantID, e.Actor, e.Action, e.OK, nullStr(e.Error), e.TookMS,
	)
	if err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}

func (s *sqlStore) migrate(ctx context.Context, script string) error {
	for _, stmt := range splitStatements(script) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

// splitStatements splits a migration script on ';' line endings.
// Migrations never embed ';' inside literals.
func splitStatements(script string) []string {
	parts := strings.Split(script, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		var lines []string
		for _, ln := range strings.Split(p, "\n") {
			if t := strings.TrimSpace(ln); t == "" || strings.HasPrefix(t, "--") {
				continue
			}
			lines = append(lines, ln)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func nullMS(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return msTime(v.Int64)
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

// transient reports whether err should be surfaced as queue.ErrStoreUnavailable.
// Cancellation is the caller's own doing and is passed through untouched.
func transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !isNoRows(err)
}
