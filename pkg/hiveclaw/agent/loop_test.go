package agent

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"log/slog"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/connector"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/delivery"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/engine"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/memory"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/scheduler"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/tenant"
)

// ---------- Fakes ----------

// fakeGenerator replays a script of responses and records every request.
type fakeGenerator struct {
	mu       sync.Mutex
	script   []*engine.Response
	err      error
	requests [][]engine.ChatMessage
}

func (f *fakeGenerator) Complete(_ context.Context, messages []engine.ChatMessage, _ []engine.ToolDefinition) (*engine.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make([]engine.ChatMessage, len(messages))
	copy(copied, messages)
	f.requests = append(f.requests, copied)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.script) == 0 {
		return &engine.Response{Text: "done"}, nil
	}
	resp := f.script[0]
	if len(f.script) > 1 {
		f.script = f.script[1:]
	}
	return resp, nil
}

// fakeDeliverer records delivered replies.
type fakeDeliverer struct {
	mu      sync.Mutex
	replies []delivery.Reply
}

func (f *fakeDeliverer) Deliver(_ context.Context, _ string, reply *delivery.Reply) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies = append(f.replies, *reply)
	return nil
}

func (f *fakeDeliverer) delivered() []delivery.Reply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]delivery.Reply, len(f.replies))
	copy(out, f.replies)
	return out
}

// fakeScheduler implements TriggerScheduler in memory.
type fakeScheduler struct {
	registered  map[string]string // job name -> schedule expr
	cancelled   []string
	registerErr error
}

func (f *fakeScheduler) Register(_ context.Context, tenantID tenant.ID, entityID, expr, _ string, _ scheduler.Payload) (string, error) {
	if f.registerErr != nil {
		return "", f.registerErr
	}
	if f.registered == nil {
		f.registered = map[string]string{}
	}
	name := scheduler.JobName(tenantID, entityID)
	f.registered[name] = expr
	return name, nil
}

func (f *fakeScheduler) Cancel(_ context.Context, jobName string) error {
	if _, ok := f.registered[jobName]; !ok {
		return scheduler.ErrNotFound
	}
	delete(f.registered, jobName)
	f.cancelled = append(f.cancelled, jobName)
	return nil
}

// fakeConnector returns a fixed result or error for every action.
type fakeConnector struct {
	result  *connector.Result
	err     error
	actions []string
}

func (f *fakeConnector) Invoke(_ context.Context, action string, _ map[string]any) (*connector.Result, error) {
	f.actions = append(f.actions, action)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &connector.Result{Success: true, Message: "ok"}, nil
}

// ---------- Harness ----------

var testSigningKey = []byte("loop-test-key")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type harness struct {
	store     *store.Store
	tenantID  tenant.ID
	generator *fakeGenerator
	deliverer *fakeDeliverer
	sched     *fakeScheduler
	conn      *fakeConnector
	loop      *Loop
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "hiveclaw-agent-test-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	storeCfg := store.DefaultConfig()
	storeCfg.Path = filepath.Join(tmpDir, "test.db")
	st, err := store.Open(storeCfg, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	tenantID, err := st.Privileged().BootstrapTenant(context.Background(), "test", "owner")
	if err != nil {
		t.Fatalf("BootstrapTenant failed: %v", err)
	}

	h := &harness{
		store:     st,
		tenantID:  tenantID,
		generator: &fakeGenerator{},
		deliverer: &fakeDeliverer{},
		sched:     &fakeScheduler{},
		conn:      &fakeConnector{},
	}
	h.loop = NewLoop(
		tenant.NewResolver(testSigningKey),
		st,
		memory.NewAssembler(nil, testLogger()),
		h.generator,
		nil,
		h.sched,
		h.conn,
		h.deliverer,
		cfg,
		testLogger(),
	)
	return h
}

func (h *harness) request(text string) Request {
	return Request{
		Text:           text,
		ExternalChatID: "chat_1",
		ExternalUserID: "user_1",
		TenantContext:  h.tenantID.String(),
	}
}

// ---------- Tests ----------

func TestHandlePersistsExactlyTwoMessages(t *testing.T) {
	h := newHarness(t, Config{})
	h.generator.script = []*engine.Response{{Text: "hi there"}}

	if err := h.loop.Handle(context.Background(), h.request("hello")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	msgs, err := h.store.Sandbox(h.tenantID).RecentMessages(context.Background(), "chat_1", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want exactly 2", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("first row = (%s, %q), want the inbound message", msgs[0].Role, msgs[0].Content)
	}
	if msgs[1].Role != store.RoleAssistant || msgs[1].Content != "hi there" {
		t.Errorf("second row = (%s, %q), want the reply", msgs[1].Role, msgs[1].Content)
	}

	replies := h.deliverer.delivered()
	if len(replies) != 1 || replies[0].RenderedReply != "hi there" {
		t.Errorf("delivered %v, want one reply with the final text", replies)
	}
}

func TestHandleStepCeilingStillDelivers(t *testing.T) {
	h := newHarness(t, Config{MaxSteps: 3})

	// The engine keeps requesting tools forever; the last scripted
	// response repeats.
	h.generator.script = []*engine.Response{{
		ToolCalls: []engine.ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: engine.FunctionCall{
				Name:      "list_recurring_fees",
				Arguments: "{}",
			},
		}},
	}}

	if err := h.loop.Handle(context.Background(), h.request("loop forever")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if got := len(h.generator.requests); got != 3 {
		t.Errorf("generator called %d times, want the ceiling of 3", got)
	}

	replies := h.deliverer.delivered()
	if len(replies) != 1 {
		t.Fatalf("delivered %d replies, want 1 even at the ceiling", len(replies))
	}
	if replies[0].RenderedReply == "" {
		t.Error("ceiling reply is empty")
	}
}

func TestHandleToolFailureFedBack(t *testing.T) {
	h := newHarness(t, Config{})
	h.generator.script = []*engine.Response{
		{
			ToolCalls: []engine.ToolCall{{
				ID:   "call_1",
				Type: "function",
				Function: engine.FunctionCall{
					Name:      "no_such_tool",
					Arguments: "{}",
				},
			}},
		},
		{Text: "recovered"},
	}

	if err := h.loop.Handle(context.Background(), h.request("try a tool")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	if len(h.generator.requests) != 2 {
		t.Fatalf("generator called %d times, want 2", len(h.generator.requests))
	}
	second := h.generator.requests[1]
	last := second[len(second)-1]
	if last.Role != "tool" || last.ToolCallID != "call_1" {
		t.Fatalf("last message = (%s, %s), want the tool result turn", last.Role, last.ToolCallID)
	}
	if !strings.Contains(last.Content, "error") {
		t.Errorf("tool failure content %q does not carry the error", last.Content)
	}

	replies := h.deliverer.delivered()
	if len(replies) != 1 || replies[0].RenderedReply != "recovered" {
		t.Errorf("delivered %v, want the recovered reply", replies)
	}
}

func TestHandleGenerateFailureDeliversApology(t *testing.T) {
	h := newHarness(t, Config{})
	h.generator.err = engine.ErrUnavailable

	err := h.loop.Handle(context.Background(), h.request("hello"))
	if !errors.Is(err, engine.ErrUnavailable) {
		t.Fatalf("Handle returned %v, want the engine error", err)
	}

	replies := h.deliverer.delivered()
	if len(replies) != 1 {
		t.Fatalf("delivered %d replies, want the apology", len(replies))
	}
	if replies[0].RenderedReply != apologyText {
		t.Errorf("reply = %q, want the apology", replies[0].RenderedReply)
	}
}

func TestHandleResolutionFailsClosed(t *testing.T) {
	h := newHarness(t, Config{})
	h.generator.script = []*engine.Response{{Text: "never sent"}}

	req := h.request("hello")
	req.TenantContext = "not-a-tenant"

	err := h.loop.Handle(context.Background(), req)
	if !errors.Is(err, tenant.ErrMalformedTenant) {
		t.Fatalf("Handle returned %v, want ErrMalformedTenant", err)
	}

	// Fail closed: nothing generated, nothing persisted, nothing delivered.
	if len(h.generator.requests) != 0 {
		t.Error("generator was called despite failed resolution")
	}
	if len(h.deliverer.delivered()) != 0 {
		t.Error("a reply was delivered despite failed resolution")
	}
	n, _ := h.store.Sandbox(h.tenantID).CountMessages(context.Background(), "chat_1")
	if n != 0 {
		t.Errorf("%d messages persisted despite failed resolution", n)
	}
}

func TestHandleTriggerRunsAsSystemTask(t *testing.T) {
	h := newHarness(t, Config{})
	h.generator.script = []*engine.Response{{Text: "reminder sent"}}

	h.loop.HandleTrigger(context.Background(), store.Trigger{JobName: "trg_x"}, scheduler.Payload{
		TenantID:       h.tenantID.String(),
		OwningEntityID: "fee_1",
		Kind:           "fee_reminder",
		ConversationID: "chat_1",
		Prompt:         "send the monthly reminder",
	})

	msgs, err := h.store.Sandbox(h.tenantID).RecentMessages(context.Background(), "chat_1", 10)
	if err != nil {
		t.Fatalf("RecentMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != store.RoleSystemTask {
		t.Errorf("inbound role = %q, want %q", msgs[0].Role, store.RoleSystemTask)
	}

	replies := h.deliverer.delivered()
	if len(replies) != 1 || replies[0].RenderedReply != "reminder sent" {
		t.Errorf("delivered %v, want the fired reply", replies)
	}
}

func TestHandleUsesActivePrompt(t *testing.T) {
	h := newHarness(t, Config{})
	lane := h.store.Sandbox(h.tenantID)
	if err := lane.EnsureConversation(context.Background(), "chat_1", "", "u"); err != nil {
		t.Fatalf("EnsureConversation failed: %v", err)
	}
	if err := lane.SetActivePrompt(context.Background(), "chat_1", "you are a pirate"); err != nil {
		t.Fatalf("SetActivePrompt failed: %v", err)
	}
	h.generator.script = []*engine.Response{{Text: "arr"}}

	if err := h.loop.Handle(context.Background(), h.request("hello")); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	first := h.generator.requests[0][0]
	if first.Role != store.RoleSystem || first.Content != "you are a pirate" {
		t.Errorf("system turn = (%s, %q), want the active prompt", first.Role, first.Content)
	}
}
