// Package gateway provides the HTTP surface: the inbound message webhook
// and a small operator API. Tenant trust material travels with each request
// (identity token or explicit tenant context); the gateway itself never
// decides tenancy, it only carries the material to the resolver.
package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"log/slog"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/agent"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
)

// Config holds gateway settings.
type Config struct {
	// Address is the listen address (default: :8090).
	Address string `yaml:"address"`

	// AuthToken protects every route except /health when set.
	AuthToken string `yaml:"auth_token"`

	// CORSOrigins enables CORS for the listed origins ("*" allows all).
	CORSOrigins []string `yaml:"cors_origins"`
}

// Runner handles inbound requests. Implemented by *agent.Loop; tests swap
// in fakes.
type Runner interface {
	Handle(ctx context.Context, req agent.Request) error
}

// TriggerLister exposes registered triggers for the operator API.
type TriggerLister interface {
	ListTriggers(ctx context.Context) ([]store.Trigger, error)
}

// Gateway is the HTTP server.
type Gateway struct {
	runner    Runner
	triggers  TriggerLister
	config    Config
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a gateway.
func New(runner Runner, triggers TriggerLister, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8090"
	}
	return &Gateway{
		runner:   runner,
		triggers: triggers,
		config:   cfg,
		logger:   logger.With("component", "gateway"),
	}
}

// Handler builds the full middleware-wrapped handler. Exposed so tests can
// drive it with httptest without binding a port.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health (always public)
	mux.HandleFunc("/health", g.handleHealth)

	// Inbound messages
	mux.HandleFunc("/webhook/message", g.handleWebhookMessage)

	// Operator API
	mux.HandleFunc("/api/triggers", g.handleListTriggers)

	return g.securityHeadersMiddleware(g.corsMiddleware(g.authMiddleware(mux)))
}

// Start starts the HTTP server.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:    g.config.Address,
		Handler: g.Handler(),
	}

	// Warn when the gateway has no auth token and is bound to a non-loopback address.
	if g.config.AuthToken == "" {
		host, _, _ := net.SplitHostPort(g.config.Address)
		if host == "" {
			host = "0.0.0.0"
		}
		ip := net.ParseIP(host)
		isLoopback := ip != nil && ip.IsLoopback()
		if !isLoopback && host != "localhost" {
			g.logger.Warn("SECURITY: gateway has no auth token and is bound to a non-loopback address — anyone on the network can post messages",
				"address", g.config.Address)
		}
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.config.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// securityHeadersMiddleware adds standard security headers to all responses.
func (g *Gateway) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware adds CORS headers when origins are configured.
func (g *Gateway) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(g.config.CORSOrigins) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		origin := r.Header.Get("Origin")
		allowed := false
		for _, o := range g.config.CORSOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
		}
		if allowed {
			if origin == "" || origin == "*" {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else {
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")
			w.Header().Set("Access-Control-Max-Age", "86400")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
