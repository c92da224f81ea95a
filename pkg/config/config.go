package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the collection engine. It is loaded
// once at startup; the engine never accepts config changes at runtime.
type Config struct {
	// Accounts lists the authenticated identities available for collection
	Accounts []AccountConfig `yaml:"accounts" json:"accounts"`

	// Proxies lists SOCKS5 egress endpoints (socks5://host:port)
	Proxies []ProxyConfig `yaml:"proxies" json:"proxies"`

	// Budget controls per-identity action budgets
	Budget BudgetConfig `yaml:"budget" json:"budget"`

	// Governor controls pacing between actions
	Governor GovernorConfig `yaml:"governor" json:"governor"`

	// Scheduler controls pagination and retry policy
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`

	// Workers controls the fetch worker pool
	Workers WorkerConfig `yaml:"workers" json:"workers"`

	// Health controls quarantine thresholds and auto-export
	Health HealthConfig `yaml:"health" json:"health"`

	// Storage controls the durable store and export output
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// AccountConfig describes one authenticated identity
type AccountConfig struct {
	ID         string `yaml:"id" json:"id"`
	Credential string `yaml:"credential" json:"credential"`
}

// ProxyConfig describes one egress endpoint
type ProxyConfig struct {
	ID      string `yaml:"id" json:"id"`
	Address string `yaml:"address" json:"address"`
}

// BudgetConfig holds per-identity budget configuration
type BudgetConfig struct {
	DailyActionCap int `yaml:"daily_action_cap" json:"daily_action_cap"`
}

// GovernorConfig holds pacing configuration
type GovernorConfig struct {
	BaseDelay     time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	JitterFactor  float64       `yaml:"jitter_factor" json:"jitter_factor"`
	CooldownFloor time.Duration `yaml:"cooldown_floor" json:"cooldown_floor"`
	WindowSize    int           `yaml:"window_size" json:"window_size"`
}

// SchedulerConfig holds pagination and retry configuration
type SchedulerConfig struct {
	PageSize     int           `yaml:"page_size" json:"page_size"`
	MaxAttempts  int           `yaml:"max_attempts" json:"max_attempts"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" json:"fetch_timeout"`
}

// WorkerConfig holds worker pool configuration
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency" json:"concurrency"`
	IdleBackoff time.Duration `yaml:"idle_backoff" json:"idle_backoff"`
}

// HealthConfig holds health monitor configuration. The original system
// described "auto-recovery" and "health check with auto-export" without
// fixed thresholds, so every knob is configurable here.
type HealthConfig struct {
	FailureRateThreshold float64       `yaml:"failure_rate_threshold" json:"failure_rate_threshold"`
	MinObservations      int           `yaml:"min_observations" json:"min_observations"`
	SweepEvery           int           `yaml:"sweep_every" json:"sweep_every"`
	SweepInterval        time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
	CooldownPeriod       time.Duration `yaml:"cooldown_period" json:"cooldown_period"`
	AutoExportThreshold  int           `yaml:"auto_export_threshold" json:"auto_export_threshold"`
}

// StorageConfig holds store and export configuration
type StorageConfig struct {
	DataDir      string `yaml:"data_dir" json:"data_dir"`
	ExportDir    string `yaml:"export_dir" json:"export_dir"`
	ExportFormat string `yaml:"export_format" json:"export_format"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Budget: BudgetConfig{
			DailyActionCap: 200,
		},
		Governor: GovernorConfig{
			BaseDelay:     2 * time.Second,
			MaxDelay:      5 * time.Minute,
			JitterFactor:  0.3,
			CooldownFloor: 10 * time.Second,
			WindowSize:    20,
		},
		Scheduler: SchedulerConfig{
			PageSize:     50,
			MaxAttempts:  3,
			FetchTimeout: 30 * time.Second,
		},
		Workers: WorkerConfig{
			Concurrency: 3,
			IdleBackoff: 2 * time.Second,
		},
		Health: HealthConfig{
			FailureRateThreshold: 0.5,
			MinObservations:      5,
			SweepEvery:           25,
			SweepInterval:        30 * time.Second,
			CooldownPeriod:       15 * time.Minute,
			AutoExportThreshold:  1000,
		},
		Storage: StorageConfig{
			DataDir:      "./data",
			ExportDir:    "./exports",
			ExportFormat: "json",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds a Config from defaults, an optional YAML file, and
// environment overrides, then validates it.
func Load(path string) (*Config, error) {
	// A .env file is optional; ignore absence.
	_ = godotenv.Load()

	cfg := DefaultConfig()
	if err := cfg.LoadFromFile(path); err != nil {
		return nil, err
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// LoadFromEnv loads configuration overrides from environment variables
func (c *Config) LoadFromEnv() error {
	if cap := os.Getenv("TGCOLLECT_DAILY_CAP"); cap != "" {
		val, err := strconv.Atoi(cap)
		if err != nil || val <= 0 {
			return fmt.Errorf("invalid TGCOLLECT_DAILY_CAP: %q", cap)
		}
		c.Budget.DailyActionCap = val
	}
	if conc := os.Getenv("TGCOLLECT_CONCURRENCY"); conc != "" {
		val, err := strconv.Atoi(conc)
		if err != nil || val <= 0 {
			return fmt.Errorf("invalid TGCOLLECT_CONCURRENCY: %q", conc)
		}
		c.Workers.Concurrency = val
	}
	if dir := os.Getenv("TGCOLLECT_DATA_DIR"); dir != "" {
		c.Storage.DataDir = dir
	}
	if dir := os.Getenv("TGCOLLECT_EXPORT_DIR"); dir != "" {
		c.Storage.ExportDir = dir
	}
	if level := os.Getenv("TGCOLLECT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	locations := []string{
		".tgcollect.yaml",
		".tgcollect.yml",
		filepath.Join(os.Getenv("HOME"), ".config", "tgcollect", "config.yaml"),
		filepath.Join(os.Getenv("HOME"), ".tgcollect.yaml"),
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}
	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if len(c.Accounts) == 0 {
		errs = append(errs, errors.New("at least one account is required"))
	}
	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, errors.New("account id must not be empty"))
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("duplicate account id: %s", a.ID))
		}
		seen[a.ID] = true
	}
	if c.Budget.DailyActionCap <= 0 {
		errs = append(errs, errors.New("daily action cap must be positive"))
	}
	if c.Governor.BaseDelay <= 0 {
		errs = append(errs, errors.New("governor base delay must be positive"))
	}
	if c.Governor.MaxDelay < c.Governor.BaseDelay {
		errs = append(errs, errors.New("governor max delay must be >= base delay"))
	}
	if c.Governor.JitterFactor < 0 || c.Governor.JitterFactor > 1 {
		errs = append(errs, errors.New("governor jitter factor must be in [0, 1]"))
	}
	if c.Governor.CooldownFloor <= 0 {
		errs = append(errs, errors.New("governor cooldown floor must be positive"))
	}
	if c.Scheduler.PageSize <= 0 {
		errs = append(errs, errors.New("page size must be positive"))
	}
	if c.Scheduler.MaxAttempts <= 0 {
		errs = append(errs, errors.New("max attempts must be positive"))
	}
	if c.Scheduler.FetchTimeout <= 0 {
		errs = append(errs, errors.New("fetch timeout must be positive"))
	}
	if c.Workers.Concurrency <= 0 {
		errs = append(errs, errors.New("worker concurrency must be positive"))
	}
	if c.Health.FailureRateThreshold <= 0 || c.Health.FailureRateThreshold > 1 {
		errs = append(errs, errors.New("failure rate threshold must be in (0, 1]"))
	}
	switch c.Storage.ExportFormat {
	case "json", "csv":
	default:
		errs = append(errs, fmt.Errorf("unsupported export format: %s", c.Storage.ExportFormat))
	}

	return errors.Join(errs...)
}
