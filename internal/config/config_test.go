package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// clearEnv blanks every variable Load consults so the host environment cannot
// leak into assertions.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"STRAND_CONFIG", "STRAND_AGENT_ID", "STRAND_TIMEZONE", "STRAND_DATA_DIR",
		"STRAND_ORCHESTRATOR_URL", "STRAND_PROVIDER", "STRAND_MODEL",
		"STRAND_SUMMARY_MODEL", "STRAND_API_KEY", "STRAND_BASE_URL",
		"STRAND_EMBEDDING_MODEL", "STRAND_EMBEDDING_API_KEY",
		"STRAND_EMBEDDING_BASE_URL", "STRAND_PLAYBOOK_SEED_DIR",
		"STRAND_LOG_LEVEL", "STRAND_LOG_FORMAT", "STRAND_METRICS_ADDR",
		"STRAND_OTLP_ENDPOINT", "STRAND_COST_HARD_CAP",
		"STRAND_SELECTOR_MAX_TOOLS", "STRAND_MAX_STEPS",
		"STRAND_SESSION_MAX_AGE_DAYS",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentID != "default" || cfg.Timezone != "UTC" {
		t.Errorf("identity defaults: %+v", cfg)
	}
	if cfg.Provider != "openai" || cfg.Model != "gpt-4o" || cfg.SummaryModel != "gpt-4o-mini" {
		t.Errorf("model defaults: provider=%s model=%s summary=%s", cfg.Provider, cfg.Model, cfg.SummaryModel)
	}
	if cfg.Engine.MaxSteps != 8 || cfg.Engine.BreakerThreshold != 5 {
		t.Errorf("engine defaults: %+v", cfg.Engine)
	}
	if cfg.Scheduler.TickInterval != time.Minute || cfg.Scheduler.DefaultIntervalMinutes != 1440 {
		t.Errorf("scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Cost.HardCapPerHour != 100000 {
		t.Errorf("cost default: %+v", cfg.Cost)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("STRAND_AGENT_ID", "assistant-1")
	t.Setenv("STRAND_PROVIDER", "anthropic")
	t.Setenv("STRAND_ORCHESTRATOR_URL", "http://localhost:9000")
	t.Setenv("STRAND_COST_HARD_CAP", "250000")
	t.Setenv("STRAND_MAX_STEPS", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentID != "assistant-1" {
		t.Errorf("AgentID = %s", cfg.AgentID)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("Provider = %s", cfg.Provider)
	}
	if cfg.OrchestratorURL != "http://localhost:9000" {
		t.Errorf("OrchestratorURL = %s", cfg.OrchestratorURL)
	}
	if cfg.Cost.HardCapPerHour != 250000 {
		t.Errorf("HardCapPerHour = %d", cfg.Cost.HardCapPerHour)
	}
	if cfg.Engine.MaxSteps != 12 {
		t.Errorf("MaxSteps = %d", cfg.Engine.MaxSteps)
	}
}

func TestLoadConfigFileOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "strand.json5")
	overlay := `{
  // comments are allowed
  agent_id: "file-agent",
  model: "gpt-4.1",
  cost: { hard_cap_per_hour: 50000 },
}`
	if err := os.WriteFile(path, []byte(overlay), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("STRAND_CONFIG", path)
	// Environment still wins over the file.
	t.Setenv("STRAND_MODEL", "gpt-4o-mini")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.AgentID != "file-agent" {
		t.Errorf("AgentID = %s", cfg.AgentID)
	}
	if cfg.Model != "gpt-4o-mini" {
		t.Errorf("Model = %s, want env override", cfg.Model)
	}
	if cfg.Cost.HardCapPerHour != 50000 {
		t.Errorf("HardCapPerHour = %d", cfg.Cost.HardCapPerHour)
	}
	// Untouched sections keep their defaults.
	if cfg.Engine.MaxSteps != 8 {
		t.Errorf("MaxSteps = %d", cfg.Engine.MaxSteps)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	clearEnv(t)
	t.Setenv("STRAND_CONFIG", filepath.Join(t.TempDir(), "absent.json5"))
	if _, err := Load(); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestLoadKeyFallbacks(t *testing.T) {
	clearEnv(t)
	t.Setenv("STRAND_API_KEY", "sk-primary")
	t.Setenv("STRAND_MODEL", "gpt-4o")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EmbeddingAPIKey != "sk-primary" {
		t.Errorf("EmbeddingAPIKey = %s, want API key fallback", cfg.EmbeddingAPIKey)
	}

	t.Setenv("STRAND_EMBEDDING_API_KEY", "sk-embed")
	t.Setenv("STRAND_SUMMARY_MODEL", "")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EmbeddingAPIKey != "sk-embed" {
		t.Errorf("EmbeddingAPIKey = %s", cfg.EmbeddingAPIKey)
	}
}

func TestLoadSummaryModelFallback(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "strand.json5")
	if err := os.WriteFile(path, []byte(`{model: "custom-model", summary_model: ""}`), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}
	t.Setenv("STRAND_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SummaryModel != "custom-model" {
		t.Errorf("SummaryModel = %s, want fallback to Model", cfg.SummaryModel)
	}
}
