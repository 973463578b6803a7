// Package engine is the client for the external natural-language generation
// engine. It speaks the OpenAI-compatible API format (chat completions with
// function calling, plus embeddings), which works with OpenAI, Anthropic
// proxies, and any compatible endpoint. The engine is a collaborator: it
// consumes a prompt and tool schemas and returns text and/or tool
// invocations.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"log/slog"
)

// ErrUnavailable reports that the generation engine could not be reached or
// returned no usable response. Callers degrade rather than crash.
var ErrUnavailable = errors.New("generation engine unavailable")

// Config holds generation-engine connection settings.
type Config struct {
	// BaseURL is the API base URL (default: https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey authenticates requests.
	APIKey string `yaml:"api_key"`

	// Model is the chat model name.
	Model string `yaml:"model"`

	// EmbeddingModel is the embeddings model name.
	EmbeddingModel string `yaml:"embedding_model"`
}

// ---------- Wire types (OpenAI-compatible) ----------

// ChatMessage is one turn in the chat format. Tool results are fed back as
// ordinary turns with role "tool".
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDefinition describes a callable tool for the engine.
type ToolDefinition struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the schema of one callable function.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall is a tool invocation requested by the engine.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall holds the function name and serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Response is the parsed result of one generation call.
type Response struct {
	Text         string
	ToolCalls    []ToolCall
	FinishReason string
}

// Generator produces chat completions. Implemented by Client; tests swap in
// fakes.
type Generator interface {
	Complete(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*Response, error)
}

// Embedder computes text embeddings. Failure is survivable: relevance
// recall degrades to empty.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ---------- Client ----------

// Client talks to the generation engine over HTTP.
type Client struct {
	baseURL        string
	apiKey         string
	model          string
	embeddingModel string
	httpClient     *http.Client
	logger         *slog.Logger
}

// NewClient creates an engine client from config.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = "text-embedding-3-small"
	}
	return &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         cfg.APIKey,
		model:          model,
		embeddingModel: embeddingModel,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger.With("component", "engine"),
	}
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []ChatMessage    `json:"messages"`
	Tools    []ToolDefinition `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends a chat completion request with optional tool definitions.
func (c *Client) Complete(ctx context.Context, messages []ChatMessage, tools []ToolDefinition) (*Response, error) {
	reqBody := chatRequest{Model: c.model, Messages: messages}
	if len(tools) > 0 {
		reqBody.Tools = tools
	}

	var chatResp chatResponse
	if err := c.post(ctx, "/chat/completions", reqBody, &chatResp); err != nil {
		return nil, err
	}
	if chatResp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrUnavailable)
	}

	choice := chatResp.Choices[0]
	return &Response{
		Text:         strings.TrimSpace(choice.Message.Content),
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
	}, nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Embed computes the embedding of one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp embeddingResponse
	if err := c.post(ctx, "/embeddings", embeddingRequest{Model: c.embeddingModel, Input: []string{text}}, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, resp.Error.Message)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("%w: no embedding in response", ErrUnavailable)
	}
	return resp.Data[0].Embedding, nil
}

// post sends a JSON request and decodes the JSON response.
func (c *Client) post(ctx context.Context, path string, body, out any) error {
	if c.apiKey == "" {
		return fmt.Errorf("%w: API key not configured", ErrUnavailable)
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("engine API error",
			"status", resp.StatusCode,
			"endpoint", endpoint,
			"body", truncate(string(respBody), 500),
		)
		return fmt.Errorf("%w: API returned %d", ErrUnavailable, resp.StatusCode)
	}

	c.logger.Debug("engine call complete",
		"endpoint", endpoint,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
