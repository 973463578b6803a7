package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/agent"
)

// webhookTimeout bounds one asynchronous loop run started by the webhook.
const webhookTimeout = 5 * time.Minute

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("writing response failed", "error", err)
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, msg string, status int) {
	g.writeJSON(w, status, map[string]string{"error": msg})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, 200, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(g.startedAt).Seconds()),
	})
}

// webhookMessage is the inbound message envelope posted by the external
// messaging gateway.
type webhookMessage struct {
	Text           string `json:"text"`
	ExternalChatID string `json:"external_chat_id"`
	ExternalUserID string `json:"external_user_id"`
	IdentityToken  string `json:"identity_token"`
	TenantContext  string `json:"tenant_context"`
	ReplyTarget    string `json:"reply_target"`
}

// handleWebhookMessage accepts one inbound message and acks immediately.
// The loop runs asynchronously; the reply goes out through the delivery
// client, not this response.
func (g *Gateway) handleWebhookMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		g.writeError(w, "method not allowed", 405)
		return
	}

	var msg webhookMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		g.writeError(w, "invalid JSON body", 400)
		return
	}
	if msg.Text == "" {
		g.writeError(w, "text is required", 400)
		return
	}
	if msg.ExternalChatID == "" {
		g.writeError(w, "external_chat_id is required", 400)
		return
	}
	if msg.TenantContext == "" {
		msg.TenantContext = r.Header.Get("X-Tenant-ID")
	}

	req := agent.Request{
		Text:           msg.Text,
		ExternalChatID: msg.ExternalChatID,
		ExternalUserID: msg.ExternalUserID,
		IdentityToken:  msg.IdentityToken,
		TenantContext:  msg.TenantContext,
		ReplyTarget:    msg.ReplyTarget,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), webhookTimeout)
		defer cancel()
		if err := g.runner.Handle(ctx, req); err != nil {
			g.logger.Warn("webhook message handling failed",
				"external_chat_id", req.ExternalChatID,
				"error", err,
			)
		}
	}()

	g.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handleListTriggers returns the registered recurring triggers.
func (g *Gateway) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.writeError(w, "method not allowed", 405)
		return
	}
	if g.triggers == nil {
		g.writeJSON(w, 200, map[string]any{"triggers": []any{}, "count": 0})
		return
	}

	triggers, err := g.triggers.ListTriggers(r.Context())
	if err != nil {
		g.logger.Error("listing triggers failed", "error", err)
		g.writeError(w, "internal error", 500)
		return
	}

	out := make([]map[string]any, 0, len(triggers))
	for _, t := range triggers {
		out = append(out, map[string]any{
			"job_name":         t.JobName,
			"tenant_id":        t.TenantID.String(),
			"owning_entity_id": t.OwningEntityID,
			"schedule":         t.ScheduleExpr,
			"timezone":         t.Timezone,
			"created_at":       t.CreatedAt,
		})
	}
	g.writeJSON(w, 200, map[string]any{"triggers": out, "count": len(out)})
}
