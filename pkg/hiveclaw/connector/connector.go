// Package connector is the client for the external automation connector
// that performs email and calendar side effects. It accepts an action name
// plus structured arguments and returns success/failure; when the
// collaborator is unreachable the Tool Surface degrades to a clear
// "unavailable" outcome instead of raising.
//
// The client is constructed once at startup and passed as a dependency —
// it holds no mutable state after construction.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"
)

// ErrUnavailable reports that the connector could not be reached.
var ErrUnavailable = errors.New("automation connector unavailable")

// Well-known actions.
const (
	ActionSendEmail           = "send_email"
	ActionCreateCalendarEvent = "create_calendar_event"
)

// Config holds connector settings.
type Config struct {
	// URL is the connector webhook endpoint. Empty disables the connector;
	// every invocation then reports unavailable.
	URL string `yaml:"url"`

	// AuthToken is sent as a bearer token when set.
	AuthToken string `yaml:"auth_token"`

	// TimeoutSeconds bounds each invocation (default: 15).
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// Result is the structured outcome of one action.
type Result struct {
	Success             bool   `json:"success"`
	Message             string `json:"message"`
	ExternalReferenceID string `json:"external_reference_id,omitempty"`
}

// Invoker executes connector actions. Implemented by Client; tests swap in
// fakes.
type Invoker interface {
	Invoke(ctx context.Context, action string, arguments map[string]any) (*Result, error)
}

// Client invokes the connector over HTTP.
type Client struct {
	url        string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a connector client from config.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		url:       cfg.URL,
		authToken: cfg.AuthToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: logger.With("component", "connector"),
	}
}

type invokeRequest struct {
	Action    string         `json:"action"`
	Arguments map[string]any `json:"arguments"`
}

// Invoke posts one action to the connector. A transport failure or non-2xx
// status returns (nil, ErrUnavailable); a 2xx response is decoded into a
// Result even when Success is false.
func (c *Client) Invoke(ctx context.Context, action string, arguments map[string]any) (*Result, error) {
	if c.url == "" {
		return nil, fmt.Errorf("%w: no connector URL configured", ErrUnavailable)
	}

	bodyBytes, err := json.Marshal(invokeRequest{Action: action, Arguments: arguments})
	if err != nil {
		return nil, fmt.Errorf("marshaling connector request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("creating connector request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("connector unreachable", "action", action, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("connector returned error status",
			"action", action,
			"status", resp.StatusCode,
		)
		return nil, fmt.Errorf("%w: connector returned %d", ErrUnavailable, resp.StatusCode)
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("%w: parsing response: %v", ErrUnavailable, err)
	}

	c.logger.Info("connector action complete",
		"action", action,
		"success", result.Success,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &result, nil
}
