// Package delivery hands the rendered reply to the outbound messaging
// gateway. One best-effort POST per reply, no retry loop — the external
// gateway owns its own reliability. Outcomes are logged and otherwise
// dropped.
package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"log/slog"
)

// Config holds delivery settings.
type Config struct {
	// DefaultTarget is the gateway callback URL used when a request does
	// not carry its own reply target.
	DefaultTarget string `yaml:"default_target"`

	// AuthToken is sent as a bearer token when set.
	AuthToken string `yaml:"auth_token"`

	// TimeoutSeconds bounds each delivery attempt (default: 10).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Reply is the outbound payload.
type Reply struct {
	// RenderedReply is the final reply text.
	RenderedReply string `json:"rendered_reply"`

	// RecipientDescriptor identifies the recipient on the external
	// platform (chat id, user id).
	RecipientDescriptor map[string]string `json:"recipient_descriptor"`

	// CorrelationMetadata ties the reply back to the inbound request.
	CorrelationMetadata map[string]string `json:"correlation_metadata,omitempty"`
}

// Deliverer sends replies. Implemented by Client; tests swap in fakes.
type Deliverer interface {
	Deliver(ctx context.Context, target string, reply *Reply) error
}

// Client delivers replies over HTTP.
type Client struct {
	defaultTarget string
	authToken     string
	httpClient    *http.Client
	logger        *slog.Logger
}

// NewClient creates a delivery client from config.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		defaultTarget: cfg.DefaultTarget,
		authToken:     cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "delivery"),
	}
}

// Deliver posts one reply to the target (or the configured default).
// Fire-and-forget: the response payload is not consumed beyond the status.
func (c *Client) Deliver(ctx context.Context, target string, reply *Reply) error {
	if target == "" {
		target = c.defaultTarget
	}
	if target == "" {
		return fmt.Errorf("no delivery target")
	}

	bodyBytes, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("marshaling reply: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating delivery request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("delivery failed", "target", target, "error", err)
		return fmt.Errorf("deliver reply: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("delivery rejected", "target", target, "status", resp.StatusCode)
		return fmt.Errorf("delivery target returned %d", resp.StatusCode)
	}

	c.logger.Info("reply delivered", "target", target, "reply_len", len(reply.RenderedReply))
	return nil
}
