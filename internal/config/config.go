// Package config loads engine configuration from the process environment with
// an optional JSON5 overlay file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/yosuke-furukawa/json5/encoding/json5"
)

// Config holds every tunable of the execution engine. Defaults come from
// DefaultConfig; the overlay file, when present, overrides defaults;
// environment variables override both.
type Config struct {
	// AgentID scopes memory, skills, and playbooks.
	AgentID string `json:"agent_id"`
	// Timezone is the default timezone for prompts and cron evaluation.
	Timezone string `json:"timezone"`
	// DataDir is the root for sessions, embedding cache, and state files.
	DataDir string `json:"data_dir"`

	// OrchestratorURL is the base URL of the tool host.
	OrchestratorURL string `json:"orchestrator_url"`

	// Model configuration.
	Provider         string  `json:"provider"` // "openai" or "anthropic"
	Model            string  `json:"model"`
	SummaryModel     string  `json:"summary_model"`
	APIKey           string  `json:"api_key"`
	BaseURL          string  `json:"base_url"`
	Temperature      float32 `json:"temperature"`
	EmbeddingModel   string  `json:"embedding_model"`
	EmbeddingAPIKey  string  `json:"embedding_api_key"`
	EmbeddingBaseURL string  `json:"embedding_base_url"`

	Selector  SelectorConfig  `json:"selector"`
	Sessions  SessionsConfig  `json:"sessions"`
	Cost      CostConfig      `json:"cost"`
	Engine    EngineConfig    `json:"engine"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Facts     FactsConfig     `json:"facts"`

	// PlaybookSeedDir holds optional YAML seed overlay files.
	PlaybookSeedDir string `json:"playbook_seed_dir"`

	// LogLevel is debug, info, warn, or error. LogFormat is json or text.
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	// MetricsAddr serves the Prometheus endpoint when non-empty.
	MetricsAddr string `json:"metrics_addr"`
	// OTLPEndpoint enables OTLP trace export when non-empty.
	OTLPEndpoint string `json:"otlp_endpoint"`
}

// SelectorConfig tunes tool selection.
type SelectorConfig struct {
	MinTools            int     `json:"min_tools"`
	TopK                int     `json:"top_k"`
	MaxTools            int     `json:"max_tools"`
	SimilarityThreshold float64 `json:"similarity_threshold"`
	StickyLookback      int     `json:"sticky_lookback"`
	StickyMax           int     `json:"sticky_max"`
}

// SessionsConfig tunes the session store.
type SessionsConfig struct {
	CompactThresholdChars int `json:"compact_threshold_chars"`
	KeepLastExchanges     int `json:"keep_last_exchanges"`
	MaxAgeDays            int `json:"max_age_days"`
}

// CostConfig tunes the sliding-window cost monitor.
type CostConfig struct {
	HardCapPerHour    int64   `json:"hard_cap_per_hour"`
	ShortWindowMins   int     `json:"short_window_mins"`
	SpikeMultiplier   float64 `json:"spike_multiplier"`
	MinBaselineTokens int64   `json:"min_baseline_tokens"`
}

// EngineConfig tunes the conversation engine.
type EngineConfig struct {
	MaxSteps         int           `json:"max_steps"`
	CallDeadline     time.Duration `json:"call_deadline"`
	MinCallInterval  time.Duration `json:"min_call_interval"`
	CatalogTTL       time.Duration `json:"catalog_ttl"`
	HistoryMaxMsgs   int           `json:"history_max_msgs"`
	VerbatimTail     int           `json:"verbatim_tail"`
	RelevantFacts    int           `json:"relevant_facts"`
	BreakerThreshold int           `json:"breaker_threshold"`
}

// SchedulerConfig tunes the skill scheduler.
type SchedulerConfig struct {
	TickInterval           time.Duration `json:"tick_interval"`
	FailureCooldown        time.Duration `json:"failure_cooldown"`
	DefaultIntervalMinutes int           `json:"default_interval_minutes"`
	BackfillBatch          int           `json:"backfill_batch"`
	BackfillSleep          time.Duration `json:"backfill_sleep"`
	HealthReportEvery      time.Duration `json:"health_report_every"`
	SynthesisCron          string        `json:"synthesis_cron"`
	ProbeTimeout           time.Duration `json:"probe_timeout"`
}

// FactsConfig tunes idle fact extraction.
type FactsConfig struct {
	IdleDelay           time.Duration `json:"idle_delay"`
	MaxTurns            int           `json:"max_turns"`
	ConfidenceThreshold float64       `json:"confidence_threshold"`
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AgentID:      "default",
		Timezone:     "UTC",
		DataDir:      "data",
		Provider:     "openai",
		Model:        "gpt-4o",
		SummaryModel: "gpt-4o-mini",
		Temperature:  0.7,

		EmbeddingModel: "text-embedding-3-small",

		Selector: SelectorConfig{
			MinTools:            5,
			TopK:                15,
			MaxTools:            25,
			SimilarityThreshold: 0.3,
			StickyLookback:      3,
			StickyMax:           8,
		},
		Sessions: SessionsConfig{
			CompactThresholdChars: 20000,
			KeepLastExchanges:     3,
			MaxAgeDays:            30,
		},
		Cost: CostConfig{
			HardCapPerHour:    100000,
			ShortWindowMins:   2,
			SpikeMultiplier:   3,
			MinBaselineTokens: 500,
		},
		Engine: EngineConfig{
			MaxSteps:         8,
			CallDeadline:     90 * time.Second,
			MinCallInterval:  time.Second,
			CatalogTTL:       10 * time.Minute,
			HistoryMaxMsgs:   20,
			VerbatimTail:     3,
			RelevantFacts:    5,
			BreakerThreshold: 5,
		},
		Scheduler: SchedulerConfig{
			TickInterval:           time.Minute,
			FailureCooldown:        5 * time.Minute,
			DefaultIntervalMinutes: 1440,
			BackfillBatch:          10,
			BackfillSleep:          3 * time.Second,
			HealthReportEvery:      6 * time.Hour,
			SynthesisCron:          "0 4 * * 0",
			ProbeTimeout:           5 * time.Second,
		},
		Facts: FactsConfig{
			IdleDelay:           5 * time.Minute,
			MaxTurns:            10,
			ConfidenceThreshold: 0.7,
		},

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load builds the configuration from defaults, an optional JSON5 overlay file
// named by STRAND_CONFIG, and environment variables.
func Load() (Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("STRAND_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := json5.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	envString(&cfg.AgentID, "STRAND_AGENT_ID")
	envString(&cfg.Timezone, "STRAND_TIMEZONE")
	envString(&cfg.DataDir, "STRAND_DATA_DIR")
	envString(&cfg.OrchestratorURL, "STRAND_ORCHESTRATOR_URL")
	envString(&cfg.Provider, "STRAND_PROVIDER")
	envString(&cfg.Model, "STRAND_MODEL")
	envString(&cfg.SummaryModel, "STRAND_SUMMARY_MODEL")
	envString(&cfg.APIKey, "STRAND_API_KEY")
	envString(&cfg.BaseURL, "STRAND_BASE_URL")
	envString(&cfg.EmbeddingModel, "STRAND_EMBEDDING_MODEL")
	envString(&cfg.EmbeddingAPIKey, "STRAND_EMBEDDING_API_KEY")
	envString(&cfg.EmbeddingBaseURL, "STRAND_EMBEDDING_BASE_URL")
	envString(&cfg.PlaybookSeedDir, "STRAND_PLAYBOOK_SEED_DIR")
	envString(&cfg.LogLevel, "STRAND_LOG_LEVEL")
	envString(&cfg.LogFormat, "STRAND_LOG_FORMAT")
	envString(&cfg.MetricsAddr, "STRAND_METRICS_ADDR")
	envString(&cfg.OTLPEndpoint, "STRAND_OTLP_ENDPOINT")

	envInt64(&cfg.Cost.HardCapPerHour, "STRAND_COST_HARD_CAP")
	envInt(&cfg.Selector.MaxTools, "STRAND_SELECTOR_MAX_TOOLS")
	envInt(&cfg.Engine.MaxSteps, "STRAND_MAX_STEPS")
	envInt(&cfg.Sessions.MaxAgeDays, "STRAND_SESSION_MAX_AGE_DAYS")

	if cfg.EmbeddingAPIKey == "" {
		cfg.EmbeddingAPIKey = cfg.APIKey
	}
	if cfg.SummaryModel == "" {
		cfg.SummaryModel = cfg.Model
	}
	return cfg, nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}
