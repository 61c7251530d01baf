package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"botfleet/internal/queue"

	"github.com/google/uuid"
)

const jobColumns = `id, tenant_id, payload, status, lease_owner, leased_at, attempts, last_error, run_at, created_at, updated_at`

// eligible selects pending jobs and retry jobs that are due.
const eligible = `(status = 'pending' OR (status = 'retry' AND run_at <= ?))`

// newJobID returns a time-ordered id so "ORDER BY created_at, id" stays FIFO
// for jobs enqueued within the same millisecond.
func newJobID() string { return uuid.Must(uuid.NewV7()).String() }

// wrap prefixes err and marks driver failures as store unavailability.
func wrap(op string, err error) error {
	if transient(err) {
		return fmt.Errorf("storage: %s: %w", op, queue.Unavailable(err))
	}
	return fmt.Errorf("storage: %s: %w", op, err)
}

func (s *sqlStore) Enqueue(ctx context.Context, tenantID string, payload []byte) (string, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return "", fmt.Errorf("storage: enqueue: tenant id is required")
	}
	if payload == nil {
		payload = []byte{}
	}
	id := s.newID()
	now := s.nowMS()
	_, err := s.exec(ctx,
		`INSERT INTO jobs(id, tenant_id, payload, status, attempts, run_at, created_at, updated_at) VALUES(?,?,?,?,0,?,?,?)`,
		id, tenantID, payload, string(queue.StatusPending), now, now, now,
	)
	if err != nil {
		return "", wrap("enqueue", err)
	}
	return id, nil
}

func (s *sqlStore) Lease(ctx context.Context, dispatcherID string, f queue.LeaseFilter) (*queue.Job, error) {
	now := s.nowMS()

	where := eligible
	args := []any{now}
	if t := strings.TrimSpace(f.TenantID); t != "" {
		where += ` AND tenant_id = ?`
		args = append(args, t)
	}
	if n := len(f.ExcludeTenants); n > 0 {
		where += ` AND tenant_id NOT IN (` + placeholders(n) + `)`
		for _, t := range f.ExcludeTenants {
			args = append(args, t)
		}
	}

	var q string
	if s.d.numbered {
		// SKIP LOCKED lets concurrent leasers pass over a row another
		// transaction is claiming instead of blocking on it.
		q = `WITH next AS (
  SELECT id FROM jobs WHERE ` + where + `
  ORDER BY created_at, id LIMIT 1` + s.d.leaseLock + `
)
UPDATE jobs SET status = 'processing', lease_owner = ?, leased_at = ?, updated_at = ?
FROM next WHERE jobs.id = next.id
RETURNING jobs.id, jobs.tenant_id, jobs.payload, jobs.status, jobs.lease_owner, jobs.leased_at,
  jobs.attempts, jobs.last_error, jobs.run_at, jobs.created_at, jobs.updated_at`
		args = append(args, dispatcherID, now, now)
	} else {
		// The single connection serializes this statement against every
		// other writer, so the subquery and the update see the same row.
		q = `UPDATE jobs SET status = 'processing', lease_owner = ?, leased_at = ?, updated_at = ?
WHERE id = (SELECT id FROM jobs WHERE ` + where + ` ORDER BY created_at, id LIMIT 1)
RETURNING ` + jobColumns
		args = append([]any{dispatcherID, now, now}, args...)
	}

	j, err := scanJob(s.queryRow(ctx, q, args...))
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("lease", err)
	}
	return j, nil
}

func (s *sqlStore) Ack(ctx context.Context, jobID string) error {
	// The successful run counts as an attempt. A reclaimed job acked late
	// by its first leaser is still done: the handler's effect happened.
	_, err := s.exec(ctx,
		`UPDATE jobs SET status = 'done', attempts = attempts + 1, lease_owner = NULL, leased_at = NULL, updated_at = ?
WHERE id = ? AND status IN ('processing', 'pending', 'retry')`,
		s.nowMS(), jobID,
	)
	if err != nil {
		return wrap("ack", err)
	}
	return nil
}

func (s *sqlStore) Fail(ctx context.Context, jobID, reason string, maxAttempts int, retryDelay time.Duration) (queue.Status, error) {
	return s.fail(ctx, jobID, "", reason, maxAttempts, retryDelay)
}

// FailLeased is Fail for a job leased by owner. A job that was reclaimed
// and is now processing under another owner is left alone and
// queue.ErrLeaseLost is returned.
func (s *sqlStore) FailLeased(ctx context.Context, jobID, owner, reason string, maxAttempts int, retryDelay time.Duration) (queue.Status, error) {
	return s.fail(ctx, jobID, owner, reason, maxAttempts, retryDelay)
}

func (s *sqlStore) fail(ctx context.Context, jobID, owner, reason string, maxAttempts int, retryDelay time.Duration) (queue.Status, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if retryDelay < 0 {
		retryDelay = 0
	}
	now := s.nowMS()
	where := `WHERE id = ? AND status IN ('processing', 'pending', 'retry')`
	args := []any{queue.TruncateReason(reason), now, maxAttempts, maxAttempts, now + retryDelay.Milliseconds(), jobID}
	if owner != "" {
		where = `WHERE id = ? AND (status IN ('pending', 'retry') OR (status = 'processing' AND lease_owner = ?))`
		args = append(args, owner)
	}
	var st string
	err := s.queryRow(ctx,
		`UPDATE jobs SET
  attempts = attempts + 1,
  last_error = ?,
  updated_at = ?,
  status = CASE WHEN attempts + 1 >= ? THEN 'dead' ELSE 'retry' END,
  run_at = CASE WHEN attempts + 1 >= ? THEN run_at ELSE ? END,
  lease_owner = NULL,
  leased_at = NULL
`+where+`
RETURNING status`,
		args...,
	).Scan(&st)
	if err == nil {
		return queue.Status(st), nil
	}
	if !isNoRows(err) {
		return "", wrap("fail", err)
	}

	// Missing, already terminal, or leased by someone else.
	err = s.queryRow(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&st)
	if isNoRows(err) {
		return "", queue.ErrNotFound
	}
	if err != nil {
		return "", wrap("fail", err)
	}
	if queue.Status(st) == queue.StatusProcessing {
		return queue.StatusProcessing, queue.ErrLeaseLost
	}
	return queue.Status(st), nil
}

func (s *sqlStore) Reclaim(ctx context.Context, stuckAfter time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-stuckAfter).UnixMilli()
	res, err := s.exec(ctx,
		`UPDATE jobs SET status = 'pending', lease_owner = NULL, leased_at = NULL, updated_at = ?
WHERE status = 'processing' AND leased_at < ?`,
		now.UnixMilli(), cutoff,
	)
	if err != nil {
		return 0, wrap("reclaim", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) Purge(ctx context.Context, statuses []queue.Status, olderThan time.Duration) (int64, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	args = append(args, s.now().Add(-olderThan).UnixMilli())
	res, err := s.exec(ctx,
		`DELETE FROM jobs WHERE status IN (`+placeholders(len(statuses))+`) AND updated_at < ?`,
		args...,
	)
	if err != nil {
		return 0, wrap("purge", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) PurgeTenant(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM jobs WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return 0, wrap("purge tenant", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) Get(ctx context.Context, jobID string) (*queue.Job, error) {
	j, err := scanJob(s.queryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, jobID))
	if isNoRows(err) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get", err)
	}
	return j, nil
}

func (s *sqlStore) Stats(ctx context.Context) (queue.Stats, error) {
	out := queue.Stats{Counts: make(map[queue.Status]int64, len(queue.AllStatuses))}
	for _, st := range queue.AllStatuses {
		out.Counts[st] = 0
	}

	rows, err := s.query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return out, wrap("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			st string
			n  int64
		)
		if err := rows.Scan(&st, &n); err != nil {
			return out, wrap("stats", err)
		}
		out.Counts[queue.Status(st)] = n
	}
	if err := rows.Err(); err != nil {
		return out, wrap("stats", err)
	}

	now := s.now()
	var oldest sql.NullInt64
	if err := s.queryRow(ctx, `SELECT MIN(created_at) FROM jobs WHERE `+eligible, now.UnixMilli()).Scan(&oldest); err != nil {
		return out, wrap("stats", err)
	}
	if oldest.Valid {
		if age := now.Sub(time.UnixMilli(oldest.Int64)); age > 0 {
			out.OldestPending = age
		}
	}
	return out, nil
}

func (s *sqlStore) Compact(ctx context.Context) error {
	for _, stmt := range s.d.compact {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrap("compact", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*queue.Job, error) {
	var (
		j         queue.Job
		status    string
		owner     sql.NullString
		leasedAt  sql.NullInt64
		lastError sql.NullString
		runAt     int64
		createdAt int64
		updatedAt int64
	)
	if err := r.Scan(&j.ID, &j.TenantID, &j.Payload, &status, &owner, &leasedAt,
		&j.Attempts, &lastError, &runAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	j.Status = queue.Status(status)
	j.LeaseOwner = owner.String
	j.LeasedAt = nullMS(leasedAt)
	j.LastError = lastError.String
	j.RunAt = msTime(runAt)
	j.CreatedAt = msTime(createdAt)
	j.UpdatedAt = msTime(updatedAt)
	return &j, nil
}
