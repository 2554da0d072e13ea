package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/adhocore/gronx"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the full daemon configuration. Values resolve in three layers:
// built-in defaults, then the YAML file, then REMD_* environment variables.
type Config struct {
	StatePath string `yaml:"state_path" env:"REMD_STATE_PATH"`
	Workers   int    `yaml:"workers" env:"REMD_WORKERS"`
	DryRun    bool   `yaml:"dry_run" env:"REMD_DRY_RUN"`

	Embedding Embedding `yaml:"embedding" envPrefix:"REMD_EMBEDDING_"`
	Pipeline  Pipeline  `yaml:"pipeline" envPrefix:"REMD_"`
	Scheduler Scheduler `yaml:"scheduler" envPrefix:"REMD_"`
	Monitor   Monitor   `yaml:"monitor" envPrefix:"REMD_"`
}

// Embedding configures the embedding provider chain.
type Embedding struct {
	OllamaURL   string `yaml:"ollama_url" env:"OLLAMA_URL"`
	Model       string `yaml:"model" env:"MODEL"`
	Dims        int    `yaml:"dims" env:"DIMS"`
	CacheMB     int    `yaml:"cache_mb" env:"CACHE_MB"`
	TimeoutSecs int    `yaml:"timeout_secs" env:"TIMEOUT_SECS"`
}

// Pipeline holds the consolidation tunables. The auto-tuner may adjust
// ClusterThreshold, MinClusterSize, NoveltyThreshold, and ContradictionCheck
// between runs; everything else only moves by operator hand.
type Pipeline struct {
	MinAgeDays    int     `yaml:"min_age_days" env:"MIN_AGE_DAYS"`
	MinConfidence float64 `yaml:"min_confidence" env:"MIN_CONFIDENCE"`
	MaxBatch      int     `yaml:"max_batch" env:"MAX_BATCH"`

	ClusterThreshold float64 `yaml:"cluster_threshold" env:"CLUSTER_THRESHOLD"`
	MinClusterSize   int     `yaml:"min_cluster_size" env:"MIN_CLUSTER_SIZE"`

	RecallGateTopK    int `yaml:"recall_gate_top_k" env:"RECALL_GATE_TOP_K"`
	RecallGateRetries int `yaml:"recall_gate_retries" env:"RECALL_GATE_RETRIES"`

	NoveltyThreshold float64 `yaml:"novelty_threshold" env:"NOVELTY_THRESHOLD"`

	OverlapThreshold float64 `yaml:"overlap_threshold" env:"OVERLAP_THRESHOLD"`
	BlendAlpha       float64 `yaml:"blend_alpha" env:"BLEND_ALPHA"`

	FrequentAccessThreshold int     `yaml:"frequent_access_threshold" env:"FREQUENT_ACCESS_THRESHOLD"`
	FrequencyBoost          float64 `yaml:"frequency_boost" env:"FREQUENCY_BOOST"`

	ContradictionCheck bool `yaml:"contradiction_check" env:"CONTRADICTION_CHECK"`
}

// Scheduler configures when consolidation runs fire.
type Scheduler struct {
	IntervalHours int    `yaml:"interval_hours" env:"INTERVAL_HOURS"`
	Cron          string `yaml:"cron" env:"CRON"`
	PollMinutes   int    `yaml:"poll_minutes" env:"POLL_MINUTES"`

	TokenBudget                   int     `yaml:"token_budget" env:"TOKEN_BUDGET"`
	TokenPressureThreshold        float64 `yaml:"token_pressure_threshold" env:"TOKEN_PRESSURE_THRESHOLD"`
	CandidateCountThreshold       int     `yaml:"candidate_count_threshold" env:"CANDIDATE_COUNT_THRESHOLD"`
	ConfidenceFloor               float64 `yaml:"confidence_floor" env:"CONFIDENCE_FLOOR"`
	ContradictionDensityThreshold float64 `yaml:"contradiction_density_threshold" env:"CONTRADICTION_DENSITY_THRESHOLD"`

	LoadThreshold float64 `yaml:"load_threshold" env:"LOAD_THRESHOLD"`
}

// Monitor configures quality measurement and tuning cadence.
type Monitor struct {
	StabilityWindowDays int `yaml:"stability_window_days" env:"STABILITY_WINDOW_DAYS"`
	TuneEveryRuns       int `yaml:"tune_every_runs" env:"TUNE_EVERY_RUNS"`
	TuneMaxAgeDays      int `yaml:"tune_max_age_days" env:"TUNE_MAX_AGE_DAYS"`
	RunHistory          int `yaml:"run_history" env:"RUN_HISTORY"`
}

// Default returns the built-in configuration.
func Default() *Config {
	statePath := ".remd"
	if home, err := os.UserHomeDir(); err == nil {
		statePath = filepath.Join(home, ".remd")
	}

	return &Config{
		StatePath: statePath,
		Workers:   4,

		Embedding: Embedding{
			OllamaURL:   "http://localhost:11434",
			Model:       "nomic-embed-text",
			Dims:        768,
			CacheMB:     64,
			TimeoutSecs: 30,
		},
		Pipeline: Pipeline{
			MinAgeDays:    7,
			MinConfidence: 0.3,
			MaxBatch:      500,

			ClusterThreshold: 0.7,
			MinClusterSize:   2,

			RecallGateTopK:    10,
			RecallGateRetries: 1,

			NoveltyThreshold: 0.85,

			OverlapThreshold: 0.9,
			BlendAlpha:       0.3,

			FrequentAccessThreshold: 5,
			FrequencyBoost:          0.05,
		},
		Scheduler: Scheduler{
			IntervalHours: 6,
			PollMinutes:   5,

			TokenBudget:                   100000,
			TokenPressureThreshold:        0.8,
			CandidateCountThreshold:       100,
			ConfidenceFloor:               0.5,
			ContradictionDensityThreshold: 0.05,

			LoadThreshold: 0.8,
		},
		Monitor: Monitor{
			StabilityWindowDays: 14,
			TuneEveryRuns:       100,
			TuneMaxAgeDays:      7,
			RunHistory:          100,
		},
	}
}

// Load resolves the configuration: defaults, then the YAML file at path (if
// path is "" only a missing file is tolerated), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.StatePath == "" {
		return fmt.Errorf("state_path is required")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}

	p := c.Pipeline
	if p.MinAgeDays < 0 {
		return fmt.Errorf("min_age_days must be >= 0, got %d", p.MinAgeDays)
	}
	if p.MaxBatch < 1 {
		return fmt.Errorf("max_batch must be >= 1, got %d", p.MaxBatch)
	}
	if p.MinClusterSize < 2 {
		return fmt.Errorf("min_cluster_size must be >= 2, got %d", p.MinClusterSize)
	}
	for name, v := range map[string]float64{
		"min_confidence":    p.MinConfidence,
		"cluster_threshold": p.ClusterThreshold,
		"novelty_threshold": p.NoveltyThreshold,
		"overlap_threshold": p.OverlapThreshold,
		"blend_alpha":       p.BlendAlpha,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %f", name, v)
		}
	}
	if p.RecallGateTopK < 1 {
		return fmt.Errorf("recall_gate_top_k must be >= 1, got %d", p.RecallGateTopK)
	}
	if p.RecallGateRetries < 0 {
		return fmt.Errorf("recall_gate_retries must be >= 0, got %d", p.RecallGateRetries)
	}

	s := c.Scheduler
	if s.Cron != "" {
		if !gronx.New().IsValid(s.Cron) {
			return fmt.Errorf("invalid cron expression: %q", s.Cron)
		}
	} else if s.IntervalHours < 1 {
		return fmt.Errorf("interval_hours must be >= 1 when no cron is set, got %d", s.IntervalHours)
	}
	if s.PollMinutes < 1 {
		return fmt.Errorf("poll_minutes must be >= 1, got %d", s.PollMinutes)
	}
	if s.TokenBudget < 1 {
		return fmt.Errorf("token_budget must be >= 1, got %d", s.TokenBudget)
	}

	m := c.Monitor
	if m.TuneEveryRuns < 1 {
		return fmt.Errorf("tune_every_runs must be >= 1, got %d", m.TuneEveryRuns)
	}
	if m.RunHistory < 1 {
		return fmt.Errorf("run_history must be >= 1, got %d", m.RunHistory)
	}

	if c.Embedding.Dims < 1 {
		return fmt.Errorf("embedding dims must be >= 1, got %d", c.Embedding.Dims)
	}
	return nil
}
