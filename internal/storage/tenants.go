package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"botfleet/internal/tenant"
)

const tenantColumns = `id, owner_chat_id, status, sealed_token, check_at, check_reason, created_at, updated_at`

func (s *sqlStore) CreateTenant(ctx context.Context, t tenant.Tenant) error {
	id := strings.TrimSpace(t.ID)
	if id == "" {
		return fmt.Errorf("storage: create tenant: id is required")
	}
	if t.Status == "" {
		t.Status = tenant.StatusStarting
	}
	now := s.nowMS()
	res, err := s.exec(ctx,
		`INSERT INTO tenants(id, owner_chat_id, status, sealed_token, created_at, updated_at)
VALUES(?,?,?,?,?,?) ON CONFLICT (id) DO NOTHING`,
		id, t.OwnerChatID, string(t.Status), t.SealedToken, now, now,
	)
	if err != nil {
		return wrap("create tenant", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenant.ErrExists
	}
	return nil
}

func (s *sqlStore) GetTenant(ctx context.Context, id string) (*tenant.Tenant, error) {
	t, err := scanTenant(s.queryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, tenant.ErrNotFound
	}
	if err != nil {
		return nil, wrap("get tenant", err)
	}
	return t, nil
}

func (s *sqlStore) ListTenants(ctx context.Context) ([]tenant.Tenant, error) {
	rows, err := s.query(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY created_at, id`)
	if err != nil {
		return nil, wrap("list tenants", err)
	}
	defer rows.Close()

	var out []tenant.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, wrap("list tenants", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list tenants", err)
	}
	return out, nil
}

func (s *sqlStore) SetStatus(ctx context.Context, id string, st tenant.Status) error {
	return s.updateTenant(ctx, "set status", `status = ?`, id, string(st))
}

func (s *sqlStore) SetCheck(ctx context.Context, id string, c tenant.Check) error {
	at := c.At
	if at.IsZero() {
		at = s.now()
	}
	return s.updateTenant(ctx, "set check", `check_at = ?, check_reason = ?`, id, at.UnixMilli(), c.Reason)
}

func (s *sqlStore) SetSealedToken(ctx context.Context, id string, sealed []byte) error {
	var v any
	if len(sealed) > 0 {
		v = sealed
	}
	return s.updateTenant(ctx, "set token", `sealed_token = ?`, id, v)
}

func (s *sqlStore) DeleteTenant(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM tenants WHERE id = ?`, id)
	if err != nil {
		return wrap("delete tenant", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

func (s *sqlStore) updateTenant(ctx context.Context, op, set, id string, vals ...any) error {
	args := append(vals, s.nowMS(), id)
	res, err := s.exec(ctx, `UPDATE tenants SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return wrap(op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return tenant.ErrNotFound
	}
	return nil
}

func scanTenant(r rowScanner) (*tenant.Tenant, error) {
	var (
		t         tenant.Tenant
		status    string
		sealed    []byte
		checkAt   sql.NullInt64
		reason    sql.NullString
		createdAt int64
		updatedAt int64
	)
	if err := r.Scan(&t.ID, &t.OwnerChatID, &status, &sealed, &checkAt, &reason, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	t.Status = tenant.Status(status)
	if len(sealed) > 0 {
		t.SealedToken = append([]byte(nil), sealed...)
	}
	t.LastCheck = tenant.Check{At: nullMS(checkAt), Reason: reason.String}
	t.CreatedAt = msTime(createdAt)
	t.UpdatedAt = msTime(updatedAt)
	return &t, nil
}
