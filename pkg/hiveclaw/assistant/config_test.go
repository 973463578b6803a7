package assistant

import (
	"os"
	"testing"
)

func TestParseConfigOverlaysDefaults(t *testing.T) {
	data := []byte(`
name: TestBot
store:
  backend: sqlite
  path: /tmp/test.db
gateway:
  address: ":9999"
agent:
  max_steps: 4
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig failed: %v", err)
	}

	if cfg.Name != "TestBot" {
		t.Errorf("Name = %q, want TestBot", cfg.Name)
	}
	if cfg.Store.Path != "/tmp/test.db" {
		t.Errorf("Store.Path = %q", cfg.Store.Path)
	}
	if cfg.Gateway.Address != ":9999" {
		t.Errorf("Gateway.Address = %q", cfg.Gateway.Address)
	}
	if cfg.Agent.MaxSteps != 4 {
		t.Errorf("Agent.MaxSteps = %d, want 4", cfg.Agent.MaxSteps)
	}
	// Untouched values keep their defaults.
	if cfg.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want default info", cfg.Logging.Level)
	}
	if cfg.Agent.RecencyLimit != 20 {
		t.Errorf("Agent.RecencyLimit = %d, want default 20", cfg.Agent.RecencyLimit)
	}
}

func TestParseConfigRejectsBadYAML(t *testing.T) {
	if _, err := ParseConfig([]byte("{{not yaml")); err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("HIVECLAW_TEST_VALUE", "expanded")

	got := expandEnvVars("key: ${HIVECLAW_TEST_VALUE}")
	if got != "key: expanded" {
		t.Errorf("expandEnvVars = %q", got)
	}

	got = expandEnvVars("key: $HIVECLAW_TEST_VALUE")
	if got != "key: expanded" {
		t.Errorf("expandEnvVars ($VAR form) = %q", got)
	}

	// Unset variables expand to empty.
	got = expandEnvVars("key: ${HIVECLAW_DOES_NOT_EXIST}")
	if got != "key: " {
		t.Errorf("unset var = %q", got)
	}
}

func TestResolveSecretsFromEnv(t *testing.T) {
	t.Setenv("HIVECLAW_SIGNING_KEY", "env-signing-key")
	t.Setenv("HIVECLAW_API_KEY", "env-api-key")

	cfg := DefaultConfig()
	ResolveSecrets(cfg)

	if cfg.SigningKey != "env-signing-key" {
		t.Errorf("SigningKey = %q", cfg.SigningKey)
	}
	if cfg.Engine.APIKey != "env-api-key" {
		t.Errorf("Engine.APIKey = %q", cfg.Engine.APIKey)
	}

	// Explicit config values win over env.
	cfg = DefaultConfig()
	cfg.SigningKey = "from-config"
	ResolveSecrets(cfg)
	if cfg.SigningKey != "from-config" {
		t.Errorf("SigningKey = %q, want the config value", cfg.SigningKey)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	tmp, err := os.CreateTemp("", "hiveclaw-config-*.yaml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	defer os.Remove(tmp.Name())

	t.Setenv("HIVECLAW_TEST_ADDR", ":7777")
	if _, err := tmp.WriteString("gateway:\n  address: ${HIVECLAW_TEST_ADDR}\n"); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	tmp.Close()

	cfg, err := LoadConfigFromFile(tmp.Name())
	if err != nil {
		t.Fatalf("LoadConfigFromFile failed: %v", err)
	}
	if cfg.Gateway.Address != ":7777" {
		t.Errorf("Gateway.Address = %q, want expanded env value", cfg.Gateway.Address)
	}
}
