package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"botfleet/internal/queue"
	logx "botfleet/pkg/logx"

	"github.com/DATA-DOG/go-sqlmock"
)

func newMockPostgres(t *testing.T, now time.Time) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	st := newSQLStore(db, postgresDialect, logx.Nop(),
		WithClock(func() time.Time { return now }),
		WithIDs(func() string { return "job-1" }),
	)
	return st, mock
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "tenant_id", "payload", "status", "lease_owner", "leased_at",
		"attempts", "last_error", "run_at", "created_at", "updated_at"})
}

func TestPostgresLeaseSkipsLockedRows(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	st, mock := newMockPostgres(t, now)
	ms := now.UnixMilli()

	mock.ExpectQuery(`WITH next AS \( SELECT id FROM jobs WHERE \(status = 'pending' OR \(status = 'retry' AND run_at <= \$1\)\) AND tenant_id = \$2 ORDER BY created_at, id LIMIT 1 FOR UPDATE SKIP LOCKED \) UPDATE jobs SET status = 'processing', lease_owner = \$3, leased_at = \$4, updated_at = \$5`).
		WithArgs(ms, "a", "d1", ms, ms).
		WillReturnRows(jobRows().AddRow("job-1", "a", []byte("x"), "processing", "d1", ms, 0, nil, ms, ms, ms))

	j, err := st.Lease(context.Background(), "d1", queue.LeaseFilter{TenantID: "a"})
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if j == nil || j.ID != "job-1" || j.Status != queue.StatusProcessing || j.LeaseOwner != "d1" {
		t.Fatalf("unexpected job %+v", j)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLeaseEmptyAndUnavailable(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	st, mock := newMockPostgres(t, now)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnRows(jobRows())
	j, err := st.Lease(context.Background(), "d1", queue.LeaseFilter{})
	if err != nil || j != nil {
		t.Fatalf("empty queue: job=%v err=%v", j, err)
	}

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnError(errors.New("connection refused"))
	_, err = st.Lease(context.Background(), "d1", queue.LeaseFilter{})
	if !queue.IsUnavailable(err) {
		t.Fatalf("driver error: want ErrStoreUnavailable, got %v", err)
	}

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnError(context.Canceled)
	_, err = st.Lease(context.Background(), "d1", queue.LeaseFilter{})
	if queue.IsUnavailable(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("cancellation must pass through, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresLeaseExcludesTenants(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	st, mock := newMockPostgres(t, now)
	ms := now.UnixMilli()

	mock.ExpectQuery(`AND tenant_id NOT IN \(\$2,\$3\) ORDER BY created_at, id`).
		WithArgs(ms, "p1", "p2", "d1", ms, ms).
		WillReturnRows(jobRows())
	if _, err := st.Lease(context.Background(), "d1", queue.LeaseFilter{ExcludeTenants: []string{"p1", "p2"}}); err != nil {
		t.Fatalf("lease: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresReclaimUsesStrictCutoff(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	st, mock := newMockPostgres(t, now)

	mock.ExpectExec(`UPDATE jobs SET status = 'pending', lease_owner = NULL, leased_at = NULL, updated_at = \$1 WHERE status = 'processing' AND leased_at < \$2`).
		WithArgs(now.UnixMilli(), now.Add(-10*time.Minute).UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := st.Reclaim(context.Background(), 10*time.Minute)
	if err != nil || n != 3 {
		t.Fatalf("reclaim: n=%d err=%v", n, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresFail(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	st, mock := newMockPostgres(t, now)
	ms := now.UnixMilli()

	mock.ExpectQuery(`UPDATE jobs SET attempts = attempts \+ 1`).
		WithArgs("boom", ms, 5, 5, ms+30_000, "job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("retry"))
	st1, err := st.Fail(context.Background(), "job-1", "boom", 5, 30*time.Second)
	if err != nil || st1 != queue.StatusRetry {
		t.Fatalf("fail: status=%s err=%v", st1, err)
	}

	mock.ExpectQuery(`UPDATE jobs SET attempts = attempts \+ 1`).WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).WithArgs("gone").WillReturnRows(sqlmock.NewRows([]string{"status"}))
	if _, err := st.Fail(context.Background(), "gone", "boom", 5, time.Second); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("fail on missing: want ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresFailLeasedChecksOwner(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	st, mock := newMockPostgres(t, now)
	ms := now.UnixMilli()

	mock.ExpectQuery(`status = 'processing' AND lease_owner = \$7\)\) RETURNING status`).
		WithArgs("boom", ms, 5, 5, ms+1_000, "job-1", "d-old").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))
	mock.ExpectQuery(`SELECT status FROM jobs WHERE id = \$1`).WithArgs("job-1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("processing"))

	status, err := st.FailLeased(context.Background(), "job-1", "d-old", "boom", 5, time.Second)
	if !errors.Is(err, queue.ErrLeaseLost) || status != queue.StatusProcessing {
		t.Fatalf("fail leased: status=%s err=%v", status, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestPostgresPurgeAndCompact(t *testing.T) {
	t.Parallel()
	now := time.UnixMilli(1_700_000_000_000)
	st, mock := newMockPostgres(t, now)

	mock.ExpectExec(`DELETE FROM jobs WHERE status IN \(\$1,\$2\) AND updated_at < \$3`).
		WithArgs("retry", "pending", now.Add(-72*time.Hour).UnixMilli()).
		WillReturnResult(sqlmock.NewResult(0, 7))
	mock.ExpectExec(`VACUUM ANALYZE jobs`).WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := st.Purge(context.Background(), []queue.Status{queue.StatusRetry, queue.StatusPending}, 72*time.Hour)
	if err != nil || n != 7 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if err := st.Compact(context.Background()); err != nil {
		t.Fatalf("compact: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestRebind(t *testing.T) {
	t.Parallel()
	cases := []struct {
		d    dialect
		in   string
		want string
	}{
		{sqliteDialect, `a = ? AND b = ?`, `a = ? AND b = ?`},
		{postgresDialect, `a = ? AND b = ?`, `a = $1 AND b = $2`},
		{postgresDialect, `no params`, `no params`},
	}
	for _, tc := range cases {
		if got := tc.d.rebind(tc.in); got != tc.want {
			t.Fatalf("%s rebind(%q) = %q, want %q", tc.d.name, tc.in, got, tc.want)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	t.Parallel()
	got := splitStatements("-- header\nCREATE TABLE a (x INT);\n\n-- c\nCREATE INDEX i ON a(x);\n")
	if len(got) != 2 || got[0] != "CREATE TABLE a (x INT)" || got[1] != "CREATE INDEX i ON a(x)" {
		t.Fatalf("unexpected statements %q", got)
	}
}
