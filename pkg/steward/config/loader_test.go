package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseOverlaysDefaults(t *testing.T) {
	cfg, err := Parse([]byte("name: Custom\napi:\n  model: claude-opus-4-1\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Name != "Custom" {
		t.Errorf("Name = %q, want Custom", cfg.Name)
	}
	if cfg.API.Model != "claude-opus-4-1" {
		t.Errorf("Model = %q", cfg.API.Model)
	}
	// Untouched fields keep their defaults.
	if cfg.Jobs.TimeoutSeconds != 300 {
		t.Errorf("Jobs.TimeoutSeconds = %d, want default 300", cfg.Jobs.TimeoutSeconds)
	}
	if cfg.Scheduler.TickSeconds != 30 {
		t.Errorf("Scheduler.TickSeconds = %d, want default 30", cfg.Scheduler.TickSeconds)
	}
}

func TestLoadFromFileExpandsEnv(t *testing.T) {
	t.Setenv("STEWARD_TEST_TOKEN", "tok-123")

	dir := t.TempDir()
	path := filepath.Join(dir, "steward.yaml")
	body := "channels:\n  telegram:\n    enabled: true\n    token: ${STEWARD_TEST_TOKEN}\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Channels.Telegram.Token != "tok-123" {
		t.Errorf("Token = %q, want expanded env value", cfg.Channels.Telegram.Token)
	}
}

func TestSaveToFileSanitizesAPIKey(t *testing.T) {
	cfg := DefaultConfig()
	cfg.API.APIKey = "sk-ant-secret"

	path := filepath.Join(t.TempDir(), "steward.yaml")
	if err := SaveToFile(cfg, path); err != nil {
		t.Fatalf("SaveToFile: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) == "" {
		t.Fatal("empty config written")
	}
	if strings.Contains(string(data), "sk-ant-secret") {
		t.Error("plaintext API key written to disk")
	}
	if !strings.Contains(string(data), "${STEWARD_API_KEY}") {
		t.Error("expected env reference in saved config")
	}
}

func TestIsEnvReference(t *testing.T) {
	if !IsEnvReference("${FOO}") {
		t.Error("expected ${FOO} to be a reference")
	}
	if IsEnvReference("sk-real-key") {
		t.Error("real value flagged as reference")
	}
}
