package store

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"log/slog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "hiveclaw-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	cfg := DefaultConfig()
	cfg.Path = filepath.Join(tmpDir, "test.db")

	st, err := Open(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func bootstrapTestTenant(t *testing.T, st *Store, name string) TenantID {
	t.Helper()
	id, err := st.Privileged().BootstrapTenant(context.Background(), name, "owner_"+name)
	if err != nil {
		t.Fatalf("BootstrapTenant(%s) failed: %v", name, err)
	}
	return id
}

func TestOpenAndPing(t *testing.T) {
	st := newTestStore(t)
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
}

func TestBootstrapTenant(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id := bootstrapTestTenant(t, st, "acme")

	var name string
	err := st.Privileged().QueryRow(ctx, "SELECT display_name FROM tenants WHERE id = ?", id).Scan(&name)
	if err != nil {
		t.Fatalf("tenant row missing: %v", err)
	}
	if name != "acme" {
		t.Errorf("display_name = %q, want acme", name)
	}

	var role string
	err = st.Privileged().QueryRow(ctx,
		"SELECT role FROM memberships WHERE tenant_id = ? AND principal_id = ?",
		id, "owner_acme").Scan(&role)
	if err != nil {
		t.Fatalf("owner membership missing: %v", err)
	}
	if role != RoleOwner {
		t.Errorf("owner role = %q, want %q", role, RoleOwner)
	}
}

// Two tenants use the same external conversation id. Every read through a
// lane must see only that lane's rows.
func TestIsolationUnderConversationIDCollision(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tenantA := bootstrapTestTenant(t, st, "alpha")
	tenantB := bootstrapTestTenant(t, st, "beta")

	const convID = "shared_chat_123"

	laneA := st.Sandbox(tenantA)
	laneB := st.Sandbox(tenantB)

	for _, lane := range []*SandboxLane{laneA, laneB} {
		if err := lane.EnsureConversation(ctx, convID, "", "someone"); err != nil {
			t.Fatalf("EnsureConversation failed: %v", err)
		}
	}

	if err := laneA.AppendMessage(ctx, &Message{
		ConversationID: convID, Role: RoleUser, Content: "alpha secret",
	}); err != nil {
		t.Fatalf("AppendMessage (alpha) failed: %v", err)
	}
	if err := laneB.AppendMessage(ctx, &Message{
		ConversationID: convID, Role: RoleUser, Content: "beta secret",
	}); err != nil {
		t.Fatalf("AppendMessage (beta) failed: %v", err)
	}

	msgsA, err := laneA.RecentMessages(ctx, convID, 10)
	if err != nil {
		t.Fatalf("RecentMessages (alpha) failed: %v", err)
	}
	if len(msgsA) != 1 {
		t.Fatalf("alpha sees %d messages, want 1", len(msgsA))
	}
	if msgsA[0].Content != "alpha secret" {
		t.Errorf("alpha sees %q, want its own message", msgsA[0].Content)
	}
	if msgsA[0].TenantID != tenantA {
		t.Errorf("alpha message tenant = %s, want %s", msgsA[0].TenantID, tenantA)
	}

	msgsB, err := laneB.RecentMessages(ctx, convID, 10)
	if err != nil {
		t.Fatalf("RecentMessages (beta) failed: %v", err)
	}
	if len(msgsB) != 1 || msgsB[0].Content != "beta secret" {
		t.Errorf("beta sees %v, want only its own message", msgsB)
	}
}

func TestCrossTenantWriteRejected(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tenantA := bootstrapTestTenant(t, st, "alpha")
	tenantB := bootstrapTestTenant(t, st, "beta")

	laneA := st.Sandbox(tenantA)
	if err := laneA.EnsureConversation(ctx, "chat", "", "u"); err != nil {
		t.Fatalf("EnsureConversation failed: %v", err)
	}

	err := laneA.AppendMessage(ctx, &Message{
		TenantID:       tenantB, // foreign tenant named explicitly
		ConversationID: "chat",
		Role:           RoleUser,
		Content:        "smuggled",
	})
	if !errors.Is(err, ErrCrossTenantViolation) {
		t.Fatalf("got %v, want ErrCrossTenantViolation", err)
	}

	// Nothing landed under either tenant.
	for _, id := range []TenantID{tenantA, tenantB} {
		n, err := st.Sandbox(id).CountMessages(ctx, "chat")
		if err != nil {
			t.Fatalf("CountMessages failed: %v", err)
		}
		if n != 0 {
			t.Errorf("tenant %s has %d messages, want 0", id, n)
		}
	}
}

func TestQueryRawScopedToLane(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	tenantA := bootstrapTestTenant(t, st, "alpha")
	tenantB := bootstrapTestTenant(t, st, "beta")

	laneA := st.Sandbox(tenantA)
	laneB := st.Sandbox(tenantB)
	for _, lane := range []*SandboxLane{laneA, laneB} {
		if err := lane.EnsureConversation(ctx, "chat", "", "u"); err != nil {
			t.Fatalf("EnsureConversation failed: %v", err)
		}
		if err := lane.InsertFee(ctx, &Fee{
			ConversationID: "chat",
			Description:    "rent",
			AmountCents:    100000,
			ScheduleExpr:   "0 9 1 * *",
		}); err != nil {
			t.Fatalf("InsertFee failed: %v", err)
		}
	}

	rows, err := laneA.QueryRaw(ctx, "SELECT * FROM fees")
	if err != nil {
		t.Fatalf("QueryRaw failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("lane A sees %d fee rows, want 1", len(rows))
	}
	if got := rows[0]["tenant_id"]; got != tenantA.String() {
		t.Errorf("row tenant_id = %v, want %s", got, tenantA)
	}
}

func TestQueryRawRejectsWrites(t *testing.T) {
	st := newTestStore(t)
	lane := st.Sandbox(bootstrapTestTenant(t, st, "alpha"))

	for _, stmt := range []string{
		"DELETE FROM messages",
		"UPDATE fees SET active = 0",
		"INSERT INTO documents (id) VALUES ('x')",
		"DROP TABLE messages",
	} {
		if _, err := lane.QueryRaw(context.Background(), stmt); err == nil {
			t.Errorf("QueryRaw(%q) succeeded, want rejection", stmt)
		}
	}
}

func TestActivePromptVersioning(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	lane := st.Sandbox(bootstrapTestTenant(t, st, "alpha"))

	if err := lane.EnsureConversation(ctx, "chat", "", "u"); err != nil {
		t.Fatalf("EnsureConversation failed: %v", err)
	}

	if _, ok, _ := lane.ActivePrompt(ctx, "chat"); ok {
		t.Fatal("unexpected active prompt before set")
	}

	if err := lane.SetActivePrompt(ctx, "chat", "first"); err != nil {
		t.Fatalf("SetActivePrompt failed: %v", err)
	}
	if err := lane.SetActivePrompt(ctx, "chat", "second"); err != nil {
		t.Fatalf("SetActivePrompt (update) failed: %v", err)
	}

	content, ok, err := lane.ActivePrompt(ctx, "chat")
	if err != nil {
		t.Fatalf("ActivePrompt failed: %v", err)
	}
	if !ok || content != "second" {
		t.Errorf("active prompt = %q (ok=%v), want second", content, ok)
	}

	var version int
	err = st.Privileged().QueryRow(ctx,
		"SELECT version FROM active_prompts WHERE tenant_id = ? AND conversation_id = ?",
		lane.TenantID(), "chat").Scan(&version)
	if err != nil {
		t.Fatalf("reading version: %v", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

func TestCancelFee(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	lane := st.Sandbox(bootstrapTestTenant(t, st, "alpha"))

	if err := lane.EnsureConversation(ctx, "chat", "", "u"); err != nil {
		t.Fatalf("EnsureConversation failed: %v", err)
	}

	fee := Fee{ConversationID: "chat", Description: "hosting", AmountCents: 500, ScheduleExpr: "@monthly"}
	if err := lane.InsertFee(ctx, &fee); err != nil {
		t.Fatalf("InsertFee failed: %v", err)
	}

	cancelled, err := lane.CancelFee(ctx, fee.ID)
	if err != nil {
		t.Fatalf("CancelFee failed: %v", err)
	}
	if cancelled.Description != "hosting" {
		t.Errorf("cancelled fee = %q, want hosting", cancelled.Description)
	}

	fees, err := lane.ListFees(ctx, "chat")
	if err != nil {
		t.Fatalf("ListFees failed: %v", err)
	}
	if len(fees) != 0 {
		t.Errorf("ListFees returned %d fees after cancel, want 0", len(fees))
	}

	if _, err := lane.CancelFee(ctx, fee.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("second cancel: got %v, want sql.ErrNoRows", err)
	}
}

func TestCancelFeeForeignTenantInvisible(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	laneA := st.Sandbox(bootstrapTestTenant(t, st, "alpha"))
	laneB := st.Sandbox(bootstrapTestTenant(t, st, "beta"))

	if err := laneA.EnsureConversation(ctx, "chat", "", "u"); err != nil {
		t.Fatalf("EnsureConversation failed: %v", err)
	}
	fee := Fee{ConversationID: "chat", Description: "rent", AmountCents: 1, ScheduleExpr: "@monthly"}
	if err := laneA.InsertFee(ctx, &fee); err != nil {
		t.Fatalf("InsertFee failed: %v", err)
	}

	// Lane B supplies A's real fee id; it must look like it does not exist.
	if _, err := laneB.CancelFee(ctx, fee.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("foreign cancel: got %v, want sql.ErrNoRows", err)
	}

	fees, _ := laneA.ListFees(ctx, "chat")
	if len(fees) != 1 {
		t.Errorf("alpha's fee was affected by beta's cancel attempt")
	}
}

func TestTriggerBookkeeping(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	priv := st.Privileged()

	tenantA := bootstrapTestTenant(t, st, "alpha")

	trig := Trigger{
		JobName:        "trg_abc123",
		TenantID:       tenantA,
		OwningEntityID: uuid.New().String(),
		ScheduleExpr:   "0 9 * * *",
		Timezone:       "UTC",
		Payload:        `{"tenant_id":"x"}`,
	}
	if err := priv.SaveTrigger(ctx, &trig); err != nil {
		t.Fatalf("SaveTrigger failed: %v", err)
	}

	// Idempotent replace updates the schedule in place.
	trig.ScheduleExpr = "0 18 * * *"
	if err := priv.SaveTrigger(ctx, &trig); err != nil {
		t.Fatalf("SaveTrigger (replace) failed: %v", err)
	}

	got, err := priv.GetTrigger(ctx, "trg_abc123")
	if err != nil {
		t.Fatalf("GetTrigger failed: %v", err)
	}
	if got.ScheduleExpr != "0 18 * * *" {
		t.Errorf("schedule = %q, want replaced value", got.ScheduleExpr)
	}

	all, err := priv.ListTriggers(ctx)
	if err != nil {
		t.Fatalf("ListTriggers failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("ListTriggers returned %d rows, want 1", len(all))
	}

	deleted, err := priv.DeleteTrigger(ctx, "trg_abc123")
	if err != nil || !deleted {
		t.Fatalf("DeleteTrigger = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, err = priv.DeleteTrigger(ctx, "trg_abc123")
	if err != nil || deleted {
		t.Fatalf("second DeleteTrigger = (%v, %v), want (false, nil)", deleted, err)
	}
	if _, err := priv.GetTrigger(ctx, "trg_abc123"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetTrigger after delete: got %v, want sql.ErrNoRows", err)
	}
}

func TestSearchSimilarMessages(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	lane := st.Sandbox(bootstrapTestTenant(t, st, "alpha"))

	if err := lane.EnsureConversation(ctx, "chat", "", "u"); err != nil {
		t.Fatalf("EnsureConversation failed: %v", err)
	}

	seed := []struct {
		content   string
		embedding []float32
	}{
		{"about cats", []float32{1, 0, 0}},
		{"about dogs", []float32{0, 1, 0}},
		{"about cats too", []float32{0.9, 0.1, 0}},
		{"no embedding", nil},
	}
	var ids []uuid.UUID
	for _, s := range seed {
		m := Message{ConversationID: "chat", Role: RoleUser, Content: s.content, Embedding: s.embedding}
		if err := lane.AppendMessage(ctx, &m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
		ids = append(ids, m.ID)
	}

	got, err := lane.SearchSimilarMessages(ctx, "chat", []float32{1, 0, 0}, 2, nil)
	if err != nil {
		t.Fatalf("SearchSimilarMessages failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].Content != "about cats" {
		t.Errorf("top result = %q, want the exact match", got[0].Content)
	}
	if got[1].Content != "about cats too" {
		t.Errorf("second result = %q, want the near match", got[1].Content)
	}

	// Excluded ids never come back.
	got, err = lane.SearchSimilarMessages(ctx, "chat", []float32{1, 0, 0}, 2,
		map[uuid.UUID]bool{ids[0]: true})
	if err != nil {
		t.Fatalf("SearchSimilarMessages (exclude) failed: %v", err)
	}
	for _, m := range got {
		if m.ID == ids[0] {
			t.Errorf("excluded message returned")
		}
	}
}
