package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the delivery engine recognizes.
type Config struct {
	DatabaseURL string `yaml:"databaseUrl"`

	BatchSize          int  `yaml:"batchSize"`
	MaxConcurrent      int  `yaml:"maxConcurrent"`
	CycleIntervalMs    int  `yaml:"cycleIntervalMs"`
	OrphanThresholdSec int  `yaml:"orphanThresholdSec"`
	SplitSize          int  `yaml:"splitSize"`
	MaxAttempts        int  `yaml:"maxAttempts"`
	InstantThreshold   int  `yaml:"instantThreshold"`
	ForceTaskDelivery  bool `yaml:"forceTaskDelivery"`
	RefundEnabled      bool `yaml:"refundEnabled"`

	ExecutorURL        string `yaml:"executorUrl"`
	ExecutorTimeoutSec int    `yaml:"executorTimeoutSec"`

	ReconciliationCron string `yaml:"reconciliationCron"`
	VelocityCron       string `yaml:"velocityCron"`
	VelocityThreshold  int    `yaml:"velocityThreshold"`

	Router RouterConfig `yaml:"router"`

	AdminAddr   string `yaml:"adminAddr"`
	MetricsAddr string `yaml:"metricsAddr"`

	LogLevel string `yaml:"logLevel"`
	LogJSON  bool   `yaml:"logJson"`

	// Dev flips the development profile: shorter orphan threshold and a
	// permissive router score floor.
	Dev bool `yaml:"dev"`
}

// RouterConfig holds proxy selection tunables.
type RouterConfig struct {
	MinScore         float64 `yaml:"minScore"`
	SelectCandidates int     `yaml:"selectCandidates"`
	CandidateLimit   int     `yaml:"candidateLimit"`
	StickyTTLMin     int     `yaml:"stickyTtlMin"`
}

// Default returns the production defaults.
func Default() Config {
	return Config{
		BatchSize:          10,
		MaxConcurrent:      5,
		CycleIntervalMs:    10000,
		OrphanThresholdSec: 120,
		SplitSize:          500,
		MaxAttempts:        3,
		InstantThreshold:   1000,
		ForceTaskDelivery:  false,
		RefundEnabled:      true,
		ExecutorTimeoutSec: 30,
		ReconciliationCron: "*/15 * * * *",
		VelocityCron:       "0 * * * *",
		VelocityThreshold:  5,
		Router: RouterConfig{
			MinScore:         0.7,
			SelectCandidates: 3,
			CandidateLimit:   50,
			StickyTTLMin:     30,
		},
		AdminAddr:   ":8090",
		MetricsAddr: ":9100",
		LogLevel:    "info",
	}
}

// Load reads an optional YAML file over the defaults and applies env
// overrides last.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.Dev {
		cfg.OrphanThresholdSec = 30
		cfg.Router.MinScore = 0.3
	}

	return cfg, nil
}

// CycleInterval returns the worker cycle cadence as a duration.
func (c Config) CycleInterval() time.Duration {
	return time.Duration(c.CycleIntervalMs) * time.Millisecond
}

// OrphanThreshold returns the EXECUTING-to-orphan age as a duration.
func (c Config) OrphanThreshold() time.Duration {
	return time.Duration(c.OrphanThresholdSec) * time.Second
}

// ExecutorTimeout returns the per-call executor timeout.
func (c Config) ExecutorTimeout() time.Duration {
	return time.Duration(c.ExecutorTimeoutSec) * time.Second
}

// StickyTTL returns how long a sticky session pins a node.
func (c Config) StickyTTL() time.Duration {
	return time.Duration(c.Router.StickyTTLMin) * time.Minute
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SPINFORGE_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("SPINFORGE_EXECUTOR_URL"); v != "" {
		cfg.ExecutorURL = v
	}
	if v := os.Getenv("SPINFORGE_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v := os.Getenv("SPINFORGE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("SPINFORGE_DEV"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Dev = b
		}
	}
	if v := os.Getenv("SPINFORGE_REFUND_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.RefundEnabled = b
		}
	}
}
