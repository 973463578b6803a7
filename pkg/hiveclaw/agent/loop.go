// Package agent – loop.go runs one inbound request through the bounded
// generate/act cycle: resolve the tenant, assemble context, let the engine
// call tools until it produces a final reply or hits the step ceiling,
// persist the exchange, deliver the reply.
package agent

import (
	"context"
	"fmt"

	"log/slog"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/connector"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/delivery"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/engine"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/memory"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/scheduler"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/tenant"
)

// DefaultMaxSteps bounds the generate/act cycle. Eight rounds is enough for
// any realistic multi-tool exchange; a model stuck requesting tools forever
// is cut off, not looped.
const DefaultMaxSteps = 8

// DefaultSystemPrompt is used when the conversation has no active prompt.
const DefaultSystemPrompt = "You are a helpful assistant for this account. " +
	"Use the available tools to answer questions about the account's data and to manage " +
	"recurring fees, documents, and scheduled tasks. Reply in the language the user writes in."

// apologyText is the reply of last resort when the run itself failed.
const apologyText = "Sorry, something went wrong while handling your message. Please try again."

// Request is one inbound message, already parsed by the transport.
type Request struct {
	// Text is the message body.
	Text string

	// ExternalChatID identifies the conversation on the external platform.
	// Not globally unique: two tenants may use the same value.
	ExternalChatID string

	// ExternalUserID identifies the author on the external platform.
	ExternalUserID string

	// IdentityToken and TenantContext are the trust material for tenant
	// resolution.
	IdentityToken string
	TenantContext string

	// ReplyTarget is the delivery callback URL; empty uses the configured
	// default.
	ReplyTarget string

	// ActorRole is the transcript role of the inbound message. Empty means
	// a human caller (role user); fired triggers use system_task.
	ActorRole string
}

// Config tunes the loop.
type Config struct {
	// MaxSteps caps generate/act rounds per request (default: 8).
	MaxSteps int `yaml:"max_steps"`

	// RecencyLimit and RelevanceLimit size the assembled context windows.
	RecencyLimit   int `yaml:"recency_limit"`
	RelevanceLimit int `yaml:"relevance_limit"`

	// DefaultPrompt overrides the built-in system prompt.
	DefaultPrompt string `yaml:"default_prompt"`
}

// Loop orchestrates request handling.
type Loop struct {
	resolver  *tenant.Resolver
	store     *store.Store
	assembler *memory.Assembler
	generator engine.Generator
	embedder  engine.Embedder
	sched     TriggerScheduler
	conn      connector.Invoker
	deliverer delivery.Deliverer
	cfg       Config
	logger    *slog.Logger
}

// NewLoop wires the loop. embedder, sched and conn may be nil; the
// corresponding capabilities then degrade.
func NewLoop(resolver *tenant.Resolver, st *store.Store, assembler *memory.Assembler,
	generator engine.Generator, embedder engine.Embedder, sched TriggerScheduler,
	conn connector.Invoker, deliverer delivery.Deliverer, cfg Config, logger *slog.Logger) *Loop {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	return &Loop{
		resolver:  resolver,
		store:     st,
		assembler: assembler,
		generator: generator,
		embedder:  embedder,
		sched:     sched,
		conn:      conn,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    logger.With("component", "agent"),
	}
}

// Handle runs one request end to end.
//
// Tenant resolution fails closed: no side effect happens and nothing is
// delivered. Any failure after resolution degrades to an apology reply so
// the caller is never left hanging silently.
func (l *Loop) Handle(ctx context.Context, req Request) error {
	tenantID, err := l.resolver.Resolve(tenant.Request{
		IdentityToken: req.IdentityToken,
		TenantContext: req.TenantContext,
	})
	if err != nil {
		l.logger.Warn("tenant resolution failed, request dropped",
			"external_chat_id", req.ExternalChatID,
			"error", err,
		)
		return err
	}

	reply, runErr := l.run(ctx, tenantID, req)
	if runErr != nil {
		l.logger.Error("request handling failed",
			"tenant_id", tenantID,
			"external_chat_id", req.ExternalChatID,
			"error", runErr,
		)
		reply = apologyText
	}

	l.deliver(ctx, req, reply)
	return runErr
}

// HandleTrigger adapts the loop as a scheduler fire handler: the fired
// payload becomes a system_task request with explicit tenant context.
func (l *Loop) HandleTrigger(ctx context.Context, trig store.Trigger, payload scheduler.Payload) {
	req := Request{
		Text:           payload.Prompt,
		ExternalChatID: payload.ConversationID,
		ExternalUserID: "scheduler",
		TenantContext:  payload.TenantID,
		ReplyTarget:    payload.ReplyTarget,
		ActorRole:      store.RoleSystemTask,
	}
	if req.Text == "" {
		req.Text = fmt.Sprintf("The scheduled job for entity %s fired. Handle it.", payload.OwningEntityID)
	}
	if err := l.Handle(ctx, req); err != nil {
		l.logger.Error("trigger handling failed", "job_name", trig.JobName, "error", err)
	}
}

// run executes the generate/act cycle and returns the final reply text.
func (l *Loop) run(ctx context.Context, tenantID tenant.ID, req Request) (string, error) {
	lane := l.store.Sandbox(tenantID)

	if err := lane.EnsureConversation(ctx, req.ExternalChatID, "", req.ExternalUserID); err != nil {
		return "", err
	}
	if req.ExternalUserID != "" {
		if err := lane.AddConversationMember(ctx, req.ExternalChatID, req.ExternalUserID); err != nil {
			return "", err
		}
	}

	systemPrompt, ok, err := lane.ActivePrompt(ctx, req.ExternalChatID)
	if err != nil {
		return "", err
	}
	if !ok {
		systemPrompt = l.cfg.DefaultPrompt
		if systemPrompt == "" {
			systemPrompt = DefaultSystemPrompt
		}
	}

	memCtx, err := l.assembler.Assemble(ctx, lane, req.ExternalChatID, req.Text,
		l.cfg.RecencyLimit, l.cfg.RelevanceLimit)
	if err != nil {
		return "", err
	}

	messages := buildMessages(systemPrompt, memCtx, req)
	tools := NewToolset(lane, req.ExternalChatID, req.ReplyTarget, l.sched, l.conn, l.logger)
	defs := tools.Definitions()

	var (
		reply    string
		finished bool
	)
	for step := 0; step < l.cfg.MaxSteps; step++ {
		resp, err := l.generator.Complete(ctx, messages, defs)
		if err != nil {
			return "", fmt.Errorf("generation step %d: %w", step+1, err)
		}

		if len(resp.ToolCalls) == 0 {
			reply = resp.Text
			finished = true
			break
		}

		// Echo the assistant turn that requested the calls, then feed
		// each result back as a tool turn. Tool failures come back as
		// error content; they steer the next generation, never abort.
		messages = append(messages, engine.ChatMessage{
			Role:      store.RoleAssistant,
			Content:   resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		for _, call := range resp.ToolCalls {
			content := tools.Execute(ctx, call.Function.Name, call.Function.Arguments)
			messages = append(messages, engine.ChatMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: call.ID,
			})
		}
		reply = resp.Text
	}

	if !finished && reply == "" {
		// Step ceiling hit with the engine still requesting tools.
		reply = "I ran out of steps while working on that. Here is where I got to; please ask again to continue."
	}

	l.persistExchange(ctx, lane, req, reply)
	return reply, nil
}

// buildMessages assembles the chat transcript sent to the engine.
func buildMessages(systemPrompt string, memCtx *memory.Context, req Request) []engine.ChatMessage {
	messages := make([]engine.ChatMessage, 0, len(memCtx.Chronological)+len(memCtx.Relevant)+2)
	messages = append(messages, engine.ChatMessage{Role: store.RoleSystem, Content: systemPrompt})

	if len(memCtx.Relevant) > 0 {
		recall := "Relevant earlier messages from this conversation:\n"
		for _, m := range memCtx.Relevant {
			recall += fmt.Sprintf("- [%s] %s\n", m.Role, m.Content)
		}
		messages = append(messages, engine.ChatMessage{Role: store.RoleSystem, Content: recall})
	}

	for _, m := range memCtx.Chronological {
		role := m.Role
		if role == store.RoleSystemTask {
			role = store.RoleSystem
		}
		messages = append(messages, engine.ChatMessage{Role: role, Content: m.Content})
	}

	inboundRole := store.RoleUser
	if req.ActorRole == store.RoleSystemTask {
		inboundRole = store.RoleSystem
	}
	messages = append(messages, engine.ChatMessage{Role: inboundRole, Content: req.Text})
	return messages
}

// persistExchange appends exactly two transcript rows: the inbound message
// and the final reply. Persistence failures are logged and swallowed — the
// reply still goes out.
func (l *Loop) persistExchange(ctx context.Context, lane *store.SandboxLane, req Request, reply string) {
	inboundRole := req.ActorRole
	if inboundRole == "" {
		inboundRole = store.RoleUser
	}

	inbound := store.Message{
		ConversationID:    req.ExternalChatID,
		AuthorPrincipalID: req.ExternalUserID,
		Role:              inboundRole,
		Content:           req.Text,
		Embedding:         l.embed(ctx, req.Text),
	}
	if err := lane.AppendMessage(ctx, &inbound); err != nil {
		l.logger.Error("persisting inbound message failed",
			"tenant_id", lane.TenantID(),
			"conversation_id", req.ExternalChatID,
			"error", err,
		)
	}

	outbound := store.Message{
		ConversationID:    req.ExternalChatID,
		AuthorPrincipalID: "assistant",
		Role:              store.RoleAssistant,
		Content:           reply,
		Embedding:         l.embed(ctx, reply),
	}
	if err := lane.AppendMessage(ctx, &outbound); err != nil {
		l.logger.Error("persisting reply failed",
			"tenant_id", lane.TenantID(),
			"conversation_id", req.ExternalChatID,
			"error", err,
		)
	}
}

// embed computes an embedding best-effort; nil on any failure.
func (l *Loop) embed(ctx context.Context, text string) []float32 {
	if l.embedder == nil || text == "" {
		return nil
	}
	vec, err := l.embedder.Embed(ctx, text)
	if err != nil {
		l.logger.Debug("embedding skipped", "error", err)
		return nil
	}
	return vec
}

// deliver sends the reply once. One attempt, outcome logged; the external
// gateway owns retries.
func (l *Loop) deliver(ctx context.Context, req Request, reply string) {
	if l.deliverer == nil || reply == "" {
		return
	}
	out := &delivery.Reply{
		RenderedReply: reply,
		RecipientDescriptor: map[string]string{
			"external_chat_id": req.ExternalChatID,
			"external_user_id": req.ExternalUserID,
		},
	}
	if err := l.deliverer.Deliver(ctx, req.ReplyTarget, out); err != nil {
		l.logger.Warn("reply delivery failed",
			"external_chat_id", req.ExternalChatID,
			"error", err,
		)
	}
}
