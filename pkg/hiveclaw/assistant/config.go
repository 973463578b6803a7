// Package assistant – config.go defines the top-level configuration and its
// YAML loader.
package assistant

import (
	"fmt"
	"os"
	"regexp"

	"log/slog"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/agent"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/connector"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/delivery"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/engine"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/gateway"
	"github.com/jholhewres/hiveclaw/pkg/hiveclaw/store"
)

// Config holds all assistant configuration.
type Config struct {
	// Name is the assistant name shown in replies and logs.
	Name string `yaml:"name"`

	// SigningKey verifies identity tokens on inbound requests.
	SigningKey string `yaml:"signing_key"`

	// Store configures the persistence backend.
	Store store.Config `yaml:"store"`

	// Engine configures the generation engine.
	Engine engine.Config `yaml:"engine"`

	// Connector configures the automation connector.
	Connector connector.Config `yaml:"connector"`

	// Delivery configures outbound reply delivery.
	Delivery delivery.Config `yaml:"delivery"`

	// Gateway configures the HTTP surface.
	Gateway gateway.Config `yaml:"gateway"`

	// Agent tunes the orchestration loop.
	Agent agent.Config `yaml:"agent"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:  "HiveClaw",
		Store: store.DefaultConfig(),
		Agent: agent.Config{
			MaxSteps:       agent.DefaultMaxSteps,
			RecencyLimit:   20,
			RelevanceLimit: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads and parses a YAML configuration file.
// Automatically loads .env files and expands environment variables.
func LoadConfigFromFile(path string) (*Config, error) {
	// Load .env files (silently ignore if not found).
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in YAML before parsing.
	expanded := expandEnvVars(string(data))

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	ResolveSecrets(cfg)
	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config.
// Starts with defaults and overlays values from the YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"hiveclaw.yaml",
		"hiveclaw.yml",
		"configs/config.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// NewLogger builds the slog logger described by the config.
func NewLogger(cfg LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// ---------- Internal ----------

// loadEnvFiles loads .env files from standard locations.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		// godotenv.Load does NOT overwrite existing env vars.
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR} and $VAR references with their values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		name := groups[1]
		if name == "" {
			name = groups[2]
		}
		return os.Getenv(name)
	})
}

// ResolveSecrets fills empty secrets from well-known environment variables.
func ResolveSecrets(cfg *Config) {
	if cfg.SigningKey == "" {
		cfg.SigningKey = os.Getenv("HIVECLAW_SIGNING_KEY")
	}
	if cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = os.Getenv("HIVECLAW_API_KEY")
	}
	if cfg.Engine.APIKey == "" {
		cfg.Engine.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Gateway.AuthToken == "" {
		cfg.Gateway.AuthToken = os.Getenv("HIVECLAW_GATEWAY_TOKEN")
	}
	if cfg.Store.Password == "" {
		cfg.Store.Password = os.Getenv("HIVECLAW_DB_PASSWORD")
	}
}
