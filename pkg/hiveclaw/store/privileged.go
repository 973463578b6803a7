// Package store – privileged.go implements the cross-tenant lane. No
// automatic row filtering happens here: callers pass tenant ids explicitly
// as data values. Keep the call-site set short — scheduler bookkeeping and
// membership bootstrap are the only intended users.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"log/slog"
)

// PrivilegedLane executes statements with no tenant scoping.
type PrivilegedLane struct {
	store  *Store
	logger *slog.Logger
}

// Exec runs a write statement. Placeholders use "?" on both backends.
func (l *PrivilegedLane) Exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return l.store.db.ExecContext(ctx, l.store.rebind(query), args...)
}

// Query runs a read statement.
func (l *PrivilegedLane) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return l.store.db.QueryContext(ctx, l.store.rebind(query), args...)
}

// QueryRow runs a single-row read statement.
func (l *PrivilegedLane) QueryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return l.store.db.QueryRowContext(ctx, l.store.rebind(query), args...)
}

// BootstrapTenant creates a tenant and its owner membership in one
// transaction. This is global bootstrapping: the tenant does not exist yet,
// so no sandboxed lane can be constructed for it.
func (l *PrivilegedLane) BootstrapTenant(ctx context.Context, displayName, ownerPrincipalID string) (TenantID, error) {
	id := uuid.New()
	l.logger.Info("bootstrapping tenant", "tenant_id", id)

	tx, err := l.store.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin bootstrap: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, l.store.rebind(`
		INSERT INTO tenants (id, display_name, created_at) VALUES (?, ?, ?)`),
		id, displayName, formatTime(time.Now()),
	); err != nil {
		return uuid.Nil, fmt.Errorf("insert tenant: %w", err)
	}

	if _, err := tx.ExecContext(ctx, l.store.rebind(`
		INSERT INTO memberships (tenant_id, principal_id, role) VALUES (?, ?, ?)`),
		id, ownerPrincipalID, RoleOwner,
	); err != nil {
		return uuid.Nil, fmt.Errorf("insert owner membership: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit bootstrap: %w", err)
	}
	return id, nil
}

// SaveTrigger upserts a trigger bookkeeping row. job_name is the global
// key; re-registration for the same (tenant, entity) replaces the row.
func (l *PrivilegedLane) SaveTrigger(ctx context.Context, t *Trigger) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := l.Exec(ctx, `
		INSERT INTO recurring_triggers
			(job_name, id, tenant_id, owning_entity_id, schedule_expr, timezone, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (job_name) DO UPDATE SET
			schedule_expr = excluded.schedule_expr,
			timezone = excluded.timezone,
			payload = excluded.payload`,
		t.JobName, t.ID, t.TenantID, t.OwningEntityID,
		t.ScheduleExpr, t.Timezone, t.Payload, formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("save trigger %q: %w", t.JobName, err)
	}
	return nil
}

// GetTrigger loads a trigger by job name. Returns sql.ErrNoRows when absent.
func (l *PrivilegedLane) GetTrigger(ctx context.Context, jobName string) (*Trigger, error) {
	var (
		t         Trigger
		createdAt string
	)
	err := l.QueryRow(ctx, `
		SELECT job_name, id, tenant_id, owning_entity_id, schedule_expr, timezone, payload, created_at
		FROM recurring_triggers WHERE job_name = ?`,
		jobName,
	).Scan(&t.JobName, &t.ID, &t.TenantID, &t.OwningEntityID,
		&t.ScheduleExpr, &t.Timezone, &t.Payload, &createdAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// DeleteTrigger removes a trigger bookkeeping row. Reports whether a row
// was actually deleted.
func (l *PrivilegedLane) DeleteTrigger(ctx context.Context, jobName string) (bool, error) {
	res, err := l.Exec(ctx, `DELETE FROM recurring_triggers WHERE job_name = ?`, jobName)
	if err != nil {
		return false, fmt.Errorf("delete trigger %q: %w", jobName, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete trigger %q: %w", jobName, err)
	}
	return n > 0, nil
}

// ListTriggers loads all trigger bookkeeping rows (startup reload).
func (l *PrivilegedLane) ListTriggers(ctx context.Context) ([]Trigger, error) {
	rows, err := l.Query(ctx, `
		SELECT job_name, id, tenant_id, owning_entity_id, schedule_expr, timezone, payload, created_at
		FROM recurring_triggers`)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var out []Trigger
	for rows.Next() {
		var (
			t         Trigger
			createdAt string
		)
		if err := rows.Scan(&t.JobName, &t.ID, &t.TenantID, &t.OwningEntityID,
			&t.ScheduleExpr, &t.Timezone, &t.Payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan trigger: %w", err)
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
