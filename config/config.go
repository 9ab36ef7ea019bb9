// Package config loads the lab's YAML configuration and applies the closed
// set of environment-variable overrides named in §6, following the
// teacher's Load -> applyEnvOverrides -> setDefaults pipeline shape.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete lab configuration.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Live    LiveConfig    `yaml:"live"`
	Risk    RiskConfig    `yaml:"risk"`
	Storage StorageConfig `yaml:"storage"`
	Log     LogConfig     `yaml:"log"`
}

// EngineConfig controls the backtest/learning-iteration engine (C3/C6).
type EngineConfig struct {
	WarmupBars              int    `yaml:"warmup_bars"`
	Timeframe               string `yaml:"timeframe"` // 1min | 5min | 15min
	RealtimeSimulation      bool   `yaml:"realtime_simulation"`
	EnableTemplateExecution bool   `yaml:"enable_template_execution"`
	MaxTokensGeneration     int    `yaml:"max_tokens_generation"`
	IterationDeadlineMin    int    `yaml:"iteration_deadline_minutes"`
}

// LiveConfig controls the Paper-Trading Orchestrator's live feed (C8).
type LiveConfig struct {
	FeedURL          string `yaml:"feed_url"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	MaxBarsPerTicker int    `yaml:"max_bars_per_ticker"`
	VendorBaseURL    string `yaml:"vendor_base_url"`
}

// RiskConfig carries the Virtual Executor's pre-trade risk limits (§4.9).
// These are hard-coded guardrails the spec treats as mechanical limits, not
// a per-agent preference, so they're configured once, centrally.
type RiskConfig struct {
	CommissionPerFill  float64 `yaml:"commission_per_fill"`
	SlippagePct        float64 `yaml:"slippage_pct"`
	MaxPositionPct     float64 `yaml:"max_position_pct"`
	MaxOpenOrders      int     `yaml:"max_open_orders"`
	MinCashPct         float64 `yaml:"min_cash_pct"`
	DefaultPositionPct float64 `yaml:"default_position_pct"`
}

// StorageConfig controls where the lab's state is persisted.
type StorageConfig struct {
	DSN     string `yaml:"dsn"`      // path to the SQLite file, or ":memory:"
	TempDir string `yaml:"temp_dir"` // scratch dir for private no-look-ahead bar stores
}

// LogConfig controls logging format and level.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the configuration from the YAML file at path, then applies the
// .env file (if present) and closed-set environment overrides from §6. Env
// values win over YAML for the keys they cover.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // no .env file is not an error

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	return &cfg, nil
}

// IterationDeadline returns the soft per-iteration deadline as a Duration.
func (c *Config) IterationDeadline() time.Duration {
	return time.Duration(c.Engine.IterationDeadlineMin) * time.Minute
}

// PollInterval returns the live-feed poll period as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Live.PollIntervalMS) * time.Millisecond
}

// applyEnvOverrides implements §6's closed environment-variable set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("MAX_TOKENS_GENERATION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Engine.MaxTokensGeneration = n
		}
	}
	if v := os.Getenv("REALTIME_SIMULATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.RealtimeSimulation = b
		}
	}
	if v := os.Getenv("ENABLE_TEMPLATE_EXECUTION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Engine.EnableTemplateExecution = b
		}
	}
	if v := os.Getenv("POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Live.PollIntervalMS = n
		}
	}
	if v := os.Getenv("MAX_BARS_PER_TICKER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Live.MaxBarsPerTicker = n
		}
	}
}

// setDefaults ensures every required value has a sane default.
func setDefaults(cfg *Config) {
	if cfg.Engine.WarmupBars <= 0 {
		cfg.Engine.WarmupBars = 30
	}
	if cfg.Engine.Timeframe == "" {
		cfg.Engine.Timeframe = "5min"
	}
	if cfg.Engine.IterationDeadlineMin <= 0 {
		cfg.Engine.IterationDeadlineMin = 15
	}
	if cfg.Engine.MaxTokensGeneration <= 0 {
		cfg.Engine.MaxTokensGeneration = 4096
	}
	// RealtimeSimulation and EnableTemplateExecution default false from
	// Go's zero value: §6 requires both to be explicit opt-ins, since
	// legacy whole-day mode without template execution is "discouraged,
	// retained for comparison only".

	if cfg.Live.PollIntervalMS <= 0 {
		cfg.Live.PollIntervalMS = 5 * 60 * 1000 // must equal the 5min bar timeframe
	}
	if cfg.Live.MaxBarsPerTicker <= 0 {
		cfg.Live.MaxBarsPerTicker = 100
	}
	if cfg.Live.VendorBaseURL == "" {
		cfg.Live.VendorBaseURL = "https://data.example-vendor.test"
	}

	if cfg.Risk.CommissionPerFill <= 0 {
		cfg.Risk.CommissionPerFill = 0.50
	}
	if cfg.Risk.SlippagePct <= 0 {
		cfg.Risk.SlippagePct = 0.0001
	}
	if cfg.Risk.MaxPositionPct <= 0 {
		cfg.Risk.MaxPositionPct = 0.20
	}
	if cfg.Risk.MaxOpenOrders <= 0 {
		cfg.Risk.MaxOpenOrders = 10
	}
	if cfg.Risk.MinCashPct <= 0 {
		cfg.Risk.MinCashPct = 0.05
	}
	if cfg.Risk.DefaultPositionPct <= 0 {
		cfg.Risk.DefaultPositionPct = 0.10
	}

	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "tradelab.db"
	}
	if cfg.Storage.TempDir == "" {
		cfg.Storage.TempDir = os.TempDir()
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}
