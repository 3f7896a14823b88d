package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/arclab-ai/arc/internal/policy"
)

// Config holds all arc server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath           string             `json:"db_path"`
	LogLevel         string             `json:"log_level"`
	PollIntervalMS   int                `json:"poll_interval_ms"`
	LeaseMS          int                `json:"lease_ms"`
	BatchSize        int                `json:"batch_size"`
	MaxAttempts      int                `json:"max_attempts"`
	GatePollMS       int                `json:"gate_poll_ms"`
	RunPollMS        int                `json:"run_poll_ms"`
	ScheduleCheckMS  int                `json:"schedule_check_ms"`
	SyntheticMetrics bool               `json:"synthetic_metrics"`
	ClusterPriority  []string           `json:"cluster_priority"`
	GuardRules       []policy.GuardRule `json:"guard_rules"`
	LLMBaseURL       string             `json:"llm_base_url"`
	LLMAPIKey        string             `json:"llm_api_key"`
	LLMModel         string             `json:"llm_model"`
}

func defaultConfig() Config {
	return Config{
		DBPath:           filepath.Join(arcDir(), "arc.db"),
		LogLevel:         "info",
		SyntheticMetrics: true,
		ClusterPriority:  []string{"local"},
	}
}

func arcDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".arc"
	}
	return filepath.Join(home, ".arc")
}

func settingsPath() string {
	return filepath.Join(arcDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("ARC_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ARC_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	envInt("ARC_POLL_INTERVAL_MS", &cfg.PollIntervalMS)
	envInt("ARC_LEASE_MS", &cfg.LeaseMS)
	envInt("ARC_BATCH_SIZE", &cfg.BatchSize)
	envInt("ARC_MAX_ATTEMPTS", &cfg.MaxAttempts)
	envInt("ARC_GATE_POLL_MS", &cfg.GatePollMS)
	envInt("ARC_RUN_POLL_MS", &cfg.RunPollMS)
	envInt("ARC_SCHEDULE_CHECK_MS", &cfg.ScheduleCheckMS)
	if v := os.Getenv("ARC_SYNTHETIC_METRICS"); v != "" {
		cfg.SyntheticMetrics = v == "true" || v == "1"
	}
	if v := os.Getenv("ARC_GUARD_RULES"); v != "" {
		var rules []policy.GuardRule
		if err := json.Unmarshal([]byte(v), &rules); err == nil {
			cfg.GuardRules = rules
		}
	}
	if v := os.Getenv("ARC_LLM_BASE_URL"); v != "" {
		cfg.LLMBaseURL = v
	}
	if v := os.Getenv("ARC_LLM_API_KEY"); v != "" {
		cfg.LLMAPIKey = v
	}
	if v := os.Getenv("ARC_LLM_MODEL"); v != "" {
		cfg.LLMModel = v
	}

	return cfg
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}
