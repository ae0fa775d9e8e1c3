package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/josh-at-icarite/shepherd/pkg/errdefs"
)

// Duration wraps time.Duration for YAML parsing ("15s", "10m", ...)
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full controller configuration
type Config struct {
	Fleet     FleetConfig     `yaml:"fleet"`
	Probe     ProbeConfig     `yaml:"probe"`
	Health    HealthConfig    `yaml:"health"`
	Retry     RetryConfig     `yaml:"retry"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
}

// FleetConfig sets desired capacity and placement
type FleetConfig struct {
	// Capacity is the desired number of instances (>= 2)
	Capacity int `yaml:"capacity"`

	// Domains is the set of eligible failure domains (>= 1)
	Domains []string `yaml:"domains"`
}

// ProbeConfig controls the health prober
type ProbeConfig struct {
	Port     int      `yaml:"port"`
	Path     string   `yaml:"path"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// HealthConfig controls the health state tracker
type HealthConfig struct {
	// GracePeriod is how long a failing instance may self-recover before
	// it is forcibly replaced
	GracePeriod Duration `yaml:"grace_period"`

	// FailThreshold is the number of consecutive failing probes that opens
	// a failure episode
	FailThreshold int `yaml:"fail_threshold"`

	// PassThreshold is the number of consecutive passing probes required to
	// confirm readiness or close an episode
	PassThreshold int `yaml:"pass_threshold"`

	// HistorySize bounds the per-instance probe history ring
	HistorySize int `yaml:"history_size"`
}

// RetryConfig controls collaborator call retries
type RetryConfig struct {
	Base        Duration `yaml:"base"`
	Factor      float64  `yaml:"factor"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// ReconcileConfig controls the capacity reconciler
type ReconcileConfig struct {
	Interval Duration `yaml:"interval"`

	// CallTimeout is the caller-side timeout on each platform call
	CallTimeout Duration `yaml:"call_timeout"`
}

// APIConfig controls the read-only HTTP status surface
type APIConfig struct {
	Listen string `yaml:"listen"`
}

// StoreConfig controls optional state snapshots
type StoreConfig struct {
	// DataDir holds the bbolt snapshot of the fleet store. Empty keeps the
	// store purely in memory; either way the store is rebuilt from the
	// platform inventory on startup.
	DataDir string `yaml:"data_dir"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the configuration defaults
func Default() *Config {
	return &Config{
		Fleet: FleetConfig{
			Capacity: 2,
		},
		Probe: ProbeConfig{
			Port:     8080,
			Path:     "/healthz",
			Interval: Duration(15 * time.Second),
			Timeout:  Duration(5 * time.Second),
		},
		Health: HealthConfig{
			GracePeriod:   Duration(10 * time.Minute),
			FailThreshold: 2,
			PassThreshold: 2,
			HistorySize:   10,
		},
		Retry: RetryConfig{
			Base:        Duration(5 * time.Second),
			Factor:      2,
			MaxAttempts: 5,
		},
		Reconcile: ReconcileConfig{
			Interval:    Duration(15 * time.Second),
			CallTimeout: Duration(30 * time.Second),
		},
		API: APIConfig{
			Listen: ":9090",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file on top of the defaults and validates the
// result. Nothing is applied when validation fails.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration invariants
func (c *Config) Validate() error {
	if c.Fleet.Capacity < 2 {
		return errdefs.Configuration("fleet capacity must be >= 2, got %d", c.Fleet.Capacity)
	}
	if len(c.Fleet.Domains) == 0 {
		return errdefs.Configuration("at least one failure domain is required")
	}
	seen := make(map[string]bool)
	for _, d := range c.Fleet.Domains {
		if d == "" {
			return errdefs.Configuration("failure domain names must not be empty")
		}
		if seen[d] {
			return errdefs.Configuration("duplicate failure domain %q", d)
		}
		seen[d] = true
	}
	if c.Probe.Interval <= 0 {
		return errdefs.Configuration("probe interval must be positive")
	}
	if c.Probe.Timeout <= 0 || c.Probe.Timeout >= c.Probe.Interval {
		return errdefs.Configuration("probe timeout must be positive and shorter than the interval")
	}
	if c.Health.GracePeriod <= 0 {
		return errdefs.Configuration("grace period must be positive")
	}
	if c.Health.FailThreshold < 1 || c.Health.PassThreshold < 1 {
		return errdefs.Configuration("health thresholds must be >= 1")
	}
	if c.Retry.Base <= 0 || c.Retry.Factor < 1 || c.Retry.MaxAttempts < 1 {
		return errdefs.Configuration("retry policy must have positive base, factor >= 1 and at least one attempt")
	}
	if c.Reconcile.Interval <= 0 {
		return errdefs.Configuration("reconcile interval must be positive")
	}
	return nil
}
