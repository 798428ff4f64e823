package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	if *cfg.Pipeline.MaxRetries != 2 {
		t.Errorf("max retries = %d, want 2", *cfg.Pipeline.MaxRetries)
	}
	if cfg.Pipeline.TopK != 10 {
		t.Errorf("top k = %d, want 10", cfg.Pipeline.TopK)
	}
	if cfg.Validation.AcceptThreshold != 0.75 || cfg.Validation.RejectThreshold != 0.4 {
		t.Errorf("thresholds = %.2f/%.2f", cfg.Validation.AcceptThreshold, cfg.Validation.RejectThreshold)
	}
	if cfg.Personalization.Window != 10 {
		t.Errorf("window = %d, want 10", cfg.Personalization.Window)
	}
	if len(cfg.Validation.Weights) != 3 {
		t.Errorf("got %d weight levels, want 3", len(cfg.Validation.Weights))
	}
}

func TestLoadJSONWithEnv(t *testing.T) {
	t.Setenv("GW_OPENAI_KEY", "sk-test")
	path := writeFile(t, "groundwork.json", `{
		"server": {"port": 9000},
		"providers": [{"id": "openai", "type": "openai", "api_key": "${GW_OPENAI_KEY}", "endpoint": "${GW_ENDPOINT:https://api.openai.com/v1}"}],
		"pipeline": {"max_retries": 0, "top_k": 50}
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("port = %d", cfg.Server.Port)
	}
	if got := cfg.Providers[0].APIKey; got != "sk-test" {
		t.Errorf("api key = %q", got)
	}
	if got := cfg.Providers[0].Endpoint; got != "https://api.openai.com/v1" {
		t.Errorf("endpoint default = %q", got)
	}
	if *cfg.Pipeline.MaxRetries != 0 {
		t.Errorf("explicit zero retries overridden: %d", *cfg.Pipeline.MaxRetries)
	}
	if cfg.Pipeline.TopK != 10 {
		t.Errorf("top k not capped: %d", cfg.Pipeline.TopK)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "groundwork.yaml", `
database:
  memory_backend: sqlite
  sqlite:
    path: /tmp/gw.db
validation:
  accept_threshold: 0.8
  weights:
    basic: {fact: 0.2, confidence: 0.6, contradiction: 0.2}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Database.MemoryBackend != "sqlite" || cfg.Database.SQLite.Path != "/tmp/gw.db" {
		t.Errorf("database = %+v", cfg.Database)
	}
	if cfg.Validation.AcceptThreshold != 0.8 {
		t.Errorf("accept = %.2f", cfg.Validation.AcceptThreshold)
	}
	if w := cfg.Validation.Weights["basic"]; w.Confidence != 0.6 {
		t.Errorf("basic weights = %+v", w)
	}
	if _, ok := cfg.Validation.Weights["enhanced"]; !ok {
		t.Error("missing default enhanced weights")
	}
}

func TestLoadRejectsBadThresholds(t *testing.T) {
	path := writeFile(t, "bad.json", `{"validation": {"accept_threshold": 0.3, "reject_threshold": 0.5}}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for inverted thresholds")
	}
}
