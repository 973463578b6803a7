// Package store – sandbox.go implements the tenant-scoped lane. Every
// statement carries the lane's tenant id as an explicit bound parameter;
// reads can never return another tenant's rows even when the caller supplies
// a business key (conversation id, fee id) that collides with one.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"log/slog"
)

// maxRawRows bounds the generic read passthrough.
const maxRawRows = 200

// SandboxLane executes statements scoped to a single tenant.
type SandboxLane struct {
	store    *Store
	tenantID TenantID
	logger   *slog.Logger
}

// TenantID returns the tenant this lane is bound to.
func (l *SandboxLane) TenantID() TenantID {
	return l.tenantID
}

// logOp records (tenant_id, operation_kind). Statement text and bound
// values are never logged here.
func (l *SandboxLane) logOp(op string) {
	l.logger.Debug("sandbox statement", "tenant_id", l.tenantID, "op", op)
}

// violation logs and returns a cross-tenant violation for a write that
// names a foreign tenant.
func (l *SandboxLane) violation(op string, got TenantID) error {
	l.logger.Error("cross-tenant write rejected",
		"tenant_id", l.tenantID,
		"op", op,
		"supplied_tenant_id", got,
	)
	return fmt.Errorf("%w: %s for tenant %s issued through lane of tenant %s",
		ErrCrossTenantViolation, op, got, l.tenantID)
}

// checkOwner verifies a row's tenant id against the lane before a write.
// A zero id is filled in; a mismatched one is a violation, never rescoped.
func (l *SandboxLane) checkOwner(op string, id *TenantID) error {
	if *id == uuid.Nil {
		*id = l.tenantID
		return nil
	}
	if *id != l.tenantID {
		return l.violation(op, *id)
	}
	return nil
}

// ---------- Conversations ----------

// EnsureConversation creates the conversation row if it does not exist for
// this tenant. The same external id under another tenant is a different row.
func (l *SandboxLane) EnsureConversation(ctx context.Context, conversationID, title, ownerPrincipalID string) error {
	l.logOp("ensure_conversation")
	_, err := l.store.db.ExecContext(ctx, l.store.rebind(`
		INSERT INTO conversations (tenant_id, id, title, owner_principal_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, id) DO NOTHING`),
		l.tenantID, conversationID, title, ownerPrincipalID, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("ensure conversation: %w", err)
	}
	return nil
}

// AddConversationMember records a principal's membership in a conversation.
func (l *SandboxLane) AddConversationMember(ctx context.Context, conversationID, principalID string) error {
	l.logOp("add_conversation_member")
	_, err := l.store.db.ExecContext(ctx, l.store.rebind(`
		INSERT INTO conversation_members (tenant_id, conversation_id, principal_id)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id, conversation_id, principal_id) DO NOTHING`),
		l.tenantID, conversationID, principalID,
	)
	if err != nil {
		return fmt.Errorf("add conversation member: %w", err)
	}
	return nil
}

// ---------- Messages ----------

// AppendMessage inserts one transcript row.
func (l *SandboxLane) AppendMessage(ctx context.Context, m *Message) error {
	if err := l.checkOwner("append_message", &m.TenantID); err != nil {
		return err
	}
	l.logOp("append_message")

	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}

	var embedding sql.NullString
	if len(m.Embedding) > 0 {
		b, err := json.Marshal(m.Embedding)
		if err != nil {
			return fmt.Errorf("encode embedding: %w", err)
		}
		embedding = sql.NullString{String: string(b), Valid: true}
	}

	_, err := l.store.db.ExecContext(ctx, l.store.rebind(`
		INSERT INTO messages
			(id, tenant_id, conversation_id, author_principal_id, role, content, embedding, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		m.ID, m.TenantID, m.ConversationID, m.AuthorPrincipalID,
		m.Role, m.Content, embedding, formatTime(m.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

// RecentMessages returns the most recent limit messages for the
// conversation, oldest first.
func (l *SandboxLane) RecentMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	l.logOp("recent_messages")
	rows, err := l.store.db.QueryContext(ctx, l.store.rebind(`
		SELECT id, tenant_id, conversation_id, author_principal_id, role, content, embedding, created_at
		FROM messages
		WHERE tenant_id = ? AND conversation_id = ?
		ORDER BY created_at DESC
		LIMIT ?`),
		l.tenantID, conversationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	// Query is newest-first for the LIMIT; callers want chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// EmbeddedMessages returns messages in the conversation that carry an
// embedding, excluding the given ids, newest first.
func (l *SandboxLane) EmbeddedMessages(ctx context.Context, conversationID string, exclude map[uuid.UUID]bool) ([]Message, error) {
	l.logOp("embedded_messages")
	rows, err := l.store.db.QueryContext(ctx, l.store.rebind(`
		SELECT id, tenant_id, conversation_id, author_principal_id, role, content, embedding, created_at
		FROM messages
		WHERE tenant_id = ? AND conversation_id = ? AND embedding IS NOT NULL
		ORDER BY created_at DESC`),
		l.tenantID, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("embedded messages: %w", err)
	}
	defer rows.Close()

	all, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	if len(exclude) == 0 {
		return all, nil
	}
	out := all[:0]
	for _, m := range all {
		if !exclude[m.ID] {
			out = append(out, m)
		}
	}
	return out, nil
}

// CountMessages returns the number of messages for the conversation under
// this lane's tenant.
func (l *SandboxLane) CountMessages(ctx context.Context, conversationID string) (int, error) {
	l.logOp("count_messages")
	var n int
	err := l.store.db.QueryRowContext(ctx, l.store.rebind(`
		SELECT COUNT(*) FROM messages
		WHERE tenant_id = ? AND conversation_id = ?`),
		l.tenantID, conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var msgs []Message
	for rows.Next() {
		var (
			m         Message
			embedding sql.NullString
			createdAt string
		)
		if err := rows.Scan(
			&m.ID, &m.TenantID, &m.ConversationID, &m.AuthorPrincipalID,
			&m.Role, &m.Content, &embedding, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if embedding.Valid {
			_ = json.Unmarshal([]byte(embedding.String), &m.Embedding)
		}
		m.CreatedAt = parseTime(createdAt)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ---------- Active prompt ----------

// ActivePrompt returns the active system prompt for the conversation, if any.
func (l *SandboxLane) ActivePrompt(ctx context.Context, conversationID string) (string, bool, error) {
	l.logOp("active_prompt")
	var content string
	err := l.store.db.QueryRowContext(ctx, l.store.rebind(`
		SELECT content FROM active_prompts
		WHERE tenant_id = ? AND conversation_id = ? AND is_active = 1`),
		l.tenantID, conversationID,
	).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("active prompt: %w", err)
	}
	return content, true, nil
}

// SetActivePrompt upserts the active prompt, bumping its version. At most
// one active row exists per (tenant, conversation) by primary key.
func (l *SandboxLane) SetActivePrompt(ctx context.Context, conversationID, content string) error {
	l.logOp("set_active_prompt")
	_, err := l.store.db.ExecContext(ctx, l.store.rebind(`
		INSERT INTO active_prompts (tenant_id, conversation_id, content, version, is_active)
		VALUES (?, ?, ?, 1, 1)
		ON CONFLICT (tenant_id, conversation_id) DO UPDATE SET
			content = excluded.content,
			version = active_prompts.version + 1,
			is_active = 1`),
		l.tenantID, conversationID, content,
	)
	if err != nil {
		return fmt.Errorf("set active prompt: %w", err)
	}
	return nil
}

// ---------- Fees ----------

// InsertFee creates a recurring fee record.
func (l *SandboxLane) InsertFee(ctx context.Context, f *Fee) error {
	if err := l.checkOwner("insert_fee", &f.TenantID); err != nil {
		return err
	}
	l.logOp("insert_fee")

	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}
	f.Active = true

	_, err := l.store.db.ExecContext(ctx, l.store.rebind(`
		INSERT INTO fees
			(id, tenant_id, conversation_id, description, amount_cents, schedule_expr, contact_email, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`),
		f.ID, f.TenantID, f.ConversationID, f.Description,
		f.AmountCents, f.ScheduleExpr, f.ContactEmail, formatTime(f.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert fee: %w", err)
	}
	return nil
}

// ListFees returns active fees for the conversation.
func (l *SandboxLane) ListFees(ctx context.Context, conversationID string) ([]Fee, error) {
	l.logOp("list_fees")
	rows, err := l.store.db.QueryContext(ctx, l.store.rebind(`
		SELECT id, tenant_id, conversation_id, description, amount_cents, schedule_expr, contact_email, active, created_at
		FROM fees
		WHERE tenant_id = ? AND conversation_id = ? AND active = 1
		ORDER BY created_at`),
		l.tenantID, conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list fees: %w", err)
	}
	defer rows.Close()

	var fees []Fee
	for rows.Next() {
		var (
			f         Fee
			active    int
			createdAt string
		)
		if err := rows.Scan(
			&f.ID, &f.TenantID, &f.ConversationID, &f.Description,
			&f.AmountCents, &f.ScheduleExpr, &f.ContactEmail, &active, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan fee: %w", err)
		}
		f.Active = active != 0
		f.CreatedAt = parseTime(createdAt)
		fees = append(fees, f)
	}
	return fees, rows.Err()
}

// CancelFee deactivates a fee and returns the row, or sql.ErrNoRows when no
// active fee with that id exists under this tenant.
func (l *SandboxLane) CancelFee(ctx context.Context, feeID uuid.UUID) (*Fee, error) {
	l.logOp("cancel_fee")
	var (
		f         Fee
		active    int
		createdAt string
	)
	err := l.store.db.QueryRowContext(ctx, l.store.rebind(`
		SELECT id, tenant_id, conversation_id, description, amount_cents, schedule_expr, contact_email, active, created_at
		FROM fees
		WHERE tenant_id = ? AND id = ? AND active = 1`),
		l.tenantID, feeID,
	).Scan(&f.ID, &f.TenantID, &f.ConversationID, &f.Description,
		&f.AmountCents, &f.ScheduleExpr, &f.ContactEmail, &active, &createdAt)
	if err != nil {
		return nil, err
	}
	f.Active = false
	f.CreatedAt = parseTime(createdAt)

	_, err = l.store.db.ExecContext(ctx, l.store.rebind(`
		UPDATE fees SET active = 0 WHERE tenant_id = ? AND id = ?`),
		l.tenantID, feeID,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel fee: %w", err)
	}
	return &f, nil
}

// ---------- Documents ----------

// InsertDocument stores a tenant-owned document.
func (l *SandboxLane) InsertDocument(ctx context.Context, d *Document) error {
	if err := l.checkOwner("insert_document", &d.TenantID); err != nil {
		return err
	}
	l.logOp("insert_document")

	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := l.store.db.ExecContext(ctx, l.store.rebind(`
		INSERT INTO documents (id, tenant_id, conversation_id, name, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		d.ID, d.TenantID, d.ConversationID, d.Name, d.Content, formatTime(d.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// ---------- Notification preferences ----------

// SetNotificationPrefs upserts the per-conversation notification switches.
func (l *SandboxLane) SetNotificationPrefs(ctx context.Context, p *NotificationPrefs) error {
	if err := l.checkOwner("set_notification_prefs", &p.TenantID); err != nil {
		return err
	}
	l.logOp("set_notification_prefs")
	_, err := l.store.db.ExecContext(ctx, l.store.rebind(`
		INSERT INTO notification_prefs (tenant_id, conversation_id, email, calendar)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (tenant_id, conversation_id) DO UPDATE SET
			email = excluded.email,
			calendar = excluded.calendar`),
		p.TenantID, p.ConversationID, boolToInt(p.Email), boolToInt(p.Calendar),
	)
	if err != nil {
		return fmt.Errorf("set notification prefs: %w", err)
	}
	return nil
}

// ---------- Generic read passthrough ----------

// QueryRaw runs a caller-supplied read-only query, tenant-bound by wrapping
// it in a scoped subquery: the inner result must expose a tenant_id column
// and only rows matching the lane's tenant survive the conjoined predicate.
// Write statements are rejected — writes go through the structured
// operations, which verify row ownership.
func (l *SandboxLane) QueryRaw(ctx context.Context, query string) ([]map[string]any, error) {
	trimmed := strings.TrimSpace(query)
	upper := strings.ToUpper(trimmed)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return nil, fmt.Errorf("sandbox passthrough is read-only: statement must be a SELECT")
	}
	trimmed = strings.TrimSuffix(trimmed, ";")

	l.logOp("query_raw")

	wrapped := l.store.rebind(
		"SELECT * FROM (" + trimmed + ") AS sandboxed WHERE sandboxed.tenant_id = ?")

	rows, err := l.store.db.QueryContext(ctx, wrapped, l.tenantID)
	if err != nil {
		return nil, fmt.Errorf("sandbox query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("sandbox query columns: %w", err)
	}

	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("sandbox query scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := values[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = values[i]
			}
		}
		out = append(out, row)
		if len(out) >= maxRawRows {
			break
		}
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
