package memory

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"log/slog"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLane(t *testing.T) *store.SandboxLane {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "hiveclaw-memory-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	cfg := store.DefaultConfig()
	cfg.Path = filepath.Join(tmpDir, "test.db")
	st, err := store.Open(cfg, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tenantID, err := st.Privileged().BootstrapTenant(context.Background(), "test", "owner")
	if err != nil {
		t.Fatalf("BootstrapTenant failed: %v", err)
	}
	lane := st.Sandbox(tenantID)
	if err := lane.EnsureConversation(context.Background(), "chat", "", "u"); err != nil {
		t.Fatalf("EnsureConversation failed: %v", err)
	}
	return lane
}

func appendAt(t *testing.T, lane *store.SandboxLane, content string, at time.Time, embedding []float32) {
	t.Helper()
	err := lane.AppendMessage(context.Background(), &store.Message{
		ConversationID: "chat",
		Role:           store.RoleUser,
		Content:        content,
		Embedding:      embedding,
		CreatedAt:      at,
	})
	if err != nil {
		t.Fatalf("AppendMessage(%q) failed: %v", content, err)
	}
}

func TestAssembleChronologicalOrder(t *testing.T) {
	lane := newTestLane(t)
	base := time.Now().Add(-time.Hour)
	appendAt(t, lane, "first", base, nil)
	appendAt(t, lane, "second", base.Add(time.Minute), nil)
	appendAt(t, lane, "third", base.Add(2*time.Minute), nil)

	a := NewAssembler(nil, testLogger())
	got, err := a.Assemble(context.Background(), lane, "chat", "anything", 10, 5)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	want := []string{"first", "second", "third"}
	if len(got.Chronological) != len(want) {
		t.Fatalf("got %d messages, want %d", len(got.Chronological), len(want))
	}
	for i, w := range want {
		if got.Chronological[i].Content != w {
			t.Errorf("position %d = %q, want %q", i, got.Chronological[i].Content, w)
		}
	}
	if len(got.Relevant) != 0 {
		t.Errorf("relevance recall ran without an embedder")
	}
}

func TestAssembleRecencyWindowBounded(t *testing.T) {
	lane := newTestLane(t)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 10; i++ {
		appendAt(t, lane, string(rune('a'+i)), base.Add(time.Duration(i)*time.Minute), nil)
	}

	a := NewAssembler(nil, testLogger())
	got, err := a.Assemble(context.Background(), lane, "chat", "x", 3, 0)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if len(got.Chronological) != 3 {
		t.Fatalf("window size = %d, want 3", len(got.Chronological))
	}
	// The window holds the newest messages, still oldest first.
	if got.Chronological[0].Content != "h" || got.Chronological[2].Content != "j" {
		t.Errorf("window = %q..%q, want h..j",
			got.Chronological[0].Content, got.Chronological[2].Content)
	}
}

func TestAssembleRelevanceExcludesWindow(t *testing.T) {
	lane := newTestLane(t)
	base := time.Now().Add(-time.Hour)
	// Old embedded message outside the recency window.
	appendAt(t, lane, "old relevant", base, []float32{1, 0, 0})
	appendAt(t, lane, "recent one", base.Add(time.Minute), []float32{0, 1, 0})
	appendAt(t, lane, "recent two", base.Add(2*time.Minute), []float32{0, 1, 0})

	a := NewAssembler(&fakeEmbedder{vec: []float32{1, 0, 0}}, testLogger())
	got, err := a.Assemble(context.Background(), lane, "chat", "query", 2, 5)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if len(got.Relevant) != 1 || got.Relevant[0].Content != "old relevant" {
		t.Fatalf("Relevant = %v, want only the out-of-window message", got.Relevant)
	}
	for _, r := range got.Relevant {
		for _, c := range got.Chronological {
			if r.ID == c.ID {
				t.Errorf("message %q appears in both windows", r.Content)
			}
		}
	}
}

func TestAssembleEmbedFailureDegrades(t *testing.T) {
	lane := newTestLane(t)
	appendAt(t, lane, "hello", time.Now(), []float32{1, 0, 0})

	a := NewAssembler(&fakeEmbedder{err: errors.New("embedding service down")}, testLogger())
	got, err := a.Assemble(context.Background(), lane, "chat", "query", 10, 5)
	if err != nil {
		t.Fatalf("Assemble must not fail on embed errors, got: %v", err)
	}
	if len(got.Chronological) != 1 {
		t.Errorf("chronological context missing after embed failure")
	}
	if len(got.Relevant) != 0 {
		t.Errorf("Relevant should be empty after embed failure")
	}
}
