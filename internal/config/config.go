package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ExecutionConfig controls how driver calls are isolated and retried.
type ExecutionConfig struct {
	// Mode is the default execution strategy (inproc, thread, subprocess).
	Mode string `yaml:"mode"`

	// AllowInProcess must be true before mode inproc is accepted. A hung
	// driver call under inproc hangs the engine, so the footgun is opt-in.
	AllowInProcess bool `yaml:"allow_inproc"`

	// GracePeriod is the SIGTERM-to-SIGKILL window for runner children.
	GracePeriod time.Duration `yaml:"grace_period"`

	// MaxRetriesHardCap bounds retries regardless of learned strategy.
	MaxRetriesHardCap int `yaml:"max_retries_hard_cap"`

	// RunnerPath is the child runner binary. Empty means re-exec self.
	RunnerPath string `yaml:"runner_path"`
}

// VerificationConfig controls the verification chain.
type VerificationConfig struct {
	// MinConfidence is the threshold below which a tier's verdict is
	// treated as inconclusive.
	MinConfidence float64 `yaml:"min_confidence"`

	// VisionCommand is the argv template for the vision CLI. Empty
	// disables the vision tier.
	VisionCommand []string `yaml:"vision_command"`

	// OracleRate limits authoritative-tier checks, in requests per second.
	// Zero disables the oracle tier.
	OracleRate float64 `yaml:"oracle_rate"`
}

// LearningConfig controls the pattern store and confidence tracker.
type LearningConfig struct {
	// StorePath is the SQLite database path. Empty means
	// $ACTUATOR_HOME/learning/patterns.db.
	StorePath string `yaml:"store_path"`

	// Decay is the per-step recency weight for success rates.
	Decay float64 `yaml:"decay"`

	// MinSamples is how many outcomes a driver needs before its rate is
	// trusted for recommendations.
	MinSamples int `yaml:"min_samples"`

	// RecentWindow is the ring-buffer size for recency weighting.
	RecentWindow int `yaml:"recent_window"`
}

// LeaseConfig controls resource leases.
type LeaseConfig struct {
	// Dir holds lease records. Empty means $ACTUATOR_HOME/leases.
	Dir string `yaml:"dir"`

	// TTL is how long a lease lives without renewal.
	TTL time.Duration `yaml:"ttl"`
}

// DriverConfig selects and configures the browser driver.
type DriverConfig struct {
	// Name is the driver to build (chrome, stub).
	Name string `yaml:"name"`

	// Headless runs chrome without a visible window.
	Headless bool `yaml:"headless"`

	ViewportWidth  int `yaml:"viewport_width"`
	ViewportHeight int `yaml:"viewport_height"`

	UserAgent string `yaml:"user_agent"`
	ProxyURL  string `yaml:"proxy_url"`
}

// LoggingConfig controls console and file logging.
type LoggingConfig struct {
	// Level sets the logging verbosity (trace, debug, info, warn, error).
	Level string `yaml:"level"`

	// Dir is where run logs are written. Empty means $ACTUATOR_HOME/logs.
	Dir string `yaml:"dir"`
}

// Config represents actuator configuration options.
type Config struct {
	Execution    ExecutionConfig    `yaml:"execution"`
	Verification VerificationConfig `yaml:"verification"`
	Learning     LearningConfig     `yaml:"learning"`
	Lease        LeaseConfig        `yaml:"lease"`
	Driver       DriverConfig       `yaml:"driver"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// DefaultConfig returns a Config with sensible default values. The default
// execution mode is subprocess: the only strategy whose recovery guarantee
// holds against any blocked driver call.
func DefaultConfig() *Config {
	return &Config{
		Execution: ExecutionConfig{
			Mode:              "subprocess",
			AllowInProcess:    false,
			GracePeriod:       2 * time.Second,
			MaxRetriesHardCap: 3,
		},
		Verification: VerificationConfig{
			MinConfidence: 0.6,
			OracleRate:    1,
		},
		Learning: LearningConfig{
			Decay:        0.9,
			MinSamples:   3,
			RecentWindow: 20,
		},
		Lease: LeaseConfig{
			TTL: 5 * time.Minute,
		},
		Driver: DriverConfig{
			Name:           "stub",
			Headless:       true,
			ViewportWidth:  1280,
			ViewportHeight: 800,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from the specified file path.
// If the file doesn't exist, returns default configuration without error.
// If the file exists but is malformed, returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Durations arrive as strings, so parse into an intermediate struct.
	type yamlConfig struct {
		Execution struct {
			Mode              string `yaml:"mode"`
			AllowInProcess    bool   `yaml:"allow_inproc"`
			GracePeriod       string `yaml:"grace_period"`
			MaxRetriesHardCap int    `yaml:"max_retries_hard_cap"`
			RunnerPath        string `yaml:"runner_path"`
		} `yaml:"execution"`
		Verification struct {
			MinConfidence float64  `yaml:"min_confidence"`
			VisionCommand []string `yaml:"vision_command"`
			OracleRate    float64  `yaml:"oracle_rate"`
		} `yaml:"verification"`
		Learning struct {
			StorePath    string  `yaml:"store_path"`
			Decay        float64 `yaml:"decay"`
			MinSamples   int     `yaml:"min_samples"`
			RecentWindow int     `yaml:"recent_window"`
		} `yaml:"learning"`
		Lease struct {
			Dir string `yaml:"dir"`
			TTL string `yaml:"ttl"`
		} `yaml:"lease"`
		Driver struct {
			Name           string `yaml:"name"`
			Headless       bool   `yaml:"headless"`
			ViewportWidth  int    `yaml:"viewport_width"`
			ViewportHeight int    `yaml:"viewport_height"`
			UserAgent      string `yaml:"user_agent"`
			ProxyURL       string `yaml:"proxy_url"`
		} `yaml:"driver"`
		Logging struct {
			Level string `yaml:"level"`
			Dir   string `yaml:"dir"`
		} `yaml:"logging"`
	}

	var yamlCfg yamlConfig
	if err := yaml.Unmarshal(data, &yamlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// A second raw unmarshal detects which keys were actually present.
	// Needed where the zero value is a legitimate setting: headless: false,
	// min_confidence: 0 and oracle_rate: 0 all disagree with their defaults.
	var rawMap map[string]interface{}
	_ = yaml.Unmarshal(data, &rawMap)
	section := func(name string) map[string]interface{} {
		m, _ := rawMap[name].(map[string]interface{})
		return m
	}
	present := func(m map[string]interface{}, key string) bool {
		_, ok := m[key]
		return ok
	}

	if yamlCfg.Execution.Mode != "" {
		cfg.Execution.Mode = yamlCfg.Execution.Mode
	}
	// AllowInProcess is explicitly set if present in YAML
	if yamlCfg.Execution.AllowInProcess {
		cfg.Execution.AllowInProcess = true
	}
	if yamlCfg.Execution.GracePeriod != "" {
		grace, err := time.ParseDuration(yamlCfg.Execution.GracePeriod)
		if err != nil {
			return nil, fmt.Errorf("invalid execution.grace_period %q: %w", yamlCfg.Execution.GracePeriod, err)
		}
		cfg.Execution.GracePeriod = grace
	}
	if yamlCfg.Execution.MaxRetriesHardCap != 0 {
		cfg.Execution.MaxRetriesHardCap = yamlCfg.Execution.MaxRetriesHardCap
	}
	if yamlCfg.Execution.RunnerPath != "" {
		cfg.Execution.RunnerPath = yamlCfg.Execution.RunnerPath
	}

	verification := section("verification")
	if present(verification, "min_confidence") {
		cfg.Verification.MinConfidence = yamlCfg.Verification.MinConfidence
	}
	if present(verification, "oracle_rate") {
		cfg.Verification.OracleRate = yamlCfg.Verification.OracleRate
	}
	if yamlCfg.Verification.VisionCommand != nil {
		cfg.Verification.VisionCommand = yamlCfg.Verification.VisionCommand
	}

	if yamlCfg.Learning.StorePath != "" {
		cfg.Learning.StorePath = yamlCfg.Learning.StorePath
	}
	if yamlCfg.Learning.Decay != 0 {
		cfg.Learning.Decay = yamlCfg.Learning.Decay
	}
	if yamlCfg.Learning.MinSamples != 0 {
		cfg.Learning.MinSamples = yamlCfg.Learning.MinSamples
	}
	if yamlCfg.Learning.RecentWindow != 0 {
		cfg.Learning.RecentWindow = yamlCfg.Learning.RecentWindow
	}

	if yamlCfg.Lease.Dir != "" {
		cfg.Lease.Dir = yamlCfg.Lease.Dir
	}
	if yamlCfg.Lease.TTL != "" {
		ttl, err := time.ParseDuration(yamlCfg.Lease.TTL)
		if err != nil {
			return nil, fmt.Errorf("invalid lease.ttl %q: %w", yamlCfg.Lease.TTL, err)
		}
		cfg.Lease.TTL = ttl
	}

	driverSection := section("driver")
	if yamlCfg.Driver.Name != "" {
		cfg.Driver.Name = yamlCfg.Driver.Name
	}
	if present(driverSection, "headless") {
		cfg.Driver.Headless = yamlCfg.Driver.Headless
	}
	if yamlCfg.Driver.ViewportWidth != 0 {
		cfg.Driver.ViewportWidth = yamlCfg.Driver.ViewportWidth
	}
	if yamlCfg.Driver.ViewportHeight != 0 {
		cfg.Driver.ViewportHeight = yamlCfg.Driver.ViewportHeight
	}
	if yamlCfg.Driver.UserAgent != "" {
		cfg.Driver.UserAgent = yamlCfg.Driver.UserAgent
	}
	if yamlCfg.Driver.ProxyURL != "" {
		cfg.Driver.ProxyURL = yamlCfg.Driver.ProxyURL
	}

	if yamlCfg.Logging.Level != "" {
		cfg.Logging.Level = yamlCfg.Logging.Level
	}
	if yamlCfg.Logging.Dir != "" {
		cfg.Logging.Dir = yamlCfg.Logging.Dir
	}

	return cfg, nil
}

// LoadConfigFromDir loads configuration from .actuator/config.yaml in the
// specified directory. If the directory or file doesn't exist, returns
// default configuration without error.
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, ".actuator", "config.yaml"))
}

// MergeWithFlags merges CLI flags into the configuration. Non-nil flag
// values override configuration values, so flags take precedence over the
// config file.
func (c *Config) MergeWithFlags(mode, driverName, logLevel, logDir *string) {
	if mode != nil {
		c.Execution.Mode = *mode
	}
	if driverName != nil {
		c.Driver.Name = *driverName
	}
	if logLevel != nil {
		c.Logging.Level = *logLevel
	}
	if logDir != nil {
		c.Logging.Dir = *logDir
	}
}

// Validate validates the configuration values.
// Returns an error if any values are invalid.
func (c *Config) Validate() error {
	validModes := map[string]bool{
		"inproc":     true,
		"thread":     true,
		"subprocess": true,
	}
	if !validModes[c.Execution.Mode] {
		return fmt.Errorf("invalid execution.mode %q, must be one of: inproc, thread, subprocess", c.Execution.Mode)
	}
	if c.Execution.Mode == "inproc" && !c.Execution.AllowInProcess {
		return fmt.Errorf("execution.mode inproc requires execution.allow_inproc: true (a blocked driver call hangs the engine)")
	}
	if c.Execution.GracePeriod <= 0 {
		return fmt.Errorf("execution.grace_period must be > 0, got %v", c.Execution.GracePeriod)
	}
	if c.Execution.MaxRetriesHardCap < 1 {
		return fmt.Errorf("execution.max_retries_hard_cap must be >= 1, got %d", c.Execution.MaxRetriesHardCap)
	}

	if c.Verification.MinConfidence < 0 || c.Verification.MinConfidence > 1 {
		return fmt.Errorf("verification.min_confidence must be in [0, 1], got %v", c.Verification.MinConfidence)
	}
	if c.Verification.OracleRate < 0 {
		return fmt.Errorf("verification.oracle_rate must be >= 0, got %v", c.Verification.OracleRate)
	}

	if c.Learning.Decay <= 0 || c.Learning.Decay > 1 {
		return fmt.Errorf("learning.decay must be in (0, 1], got %v", c.Learning.Decay)
	}
	if c.Learning.MinSamples < 1 {
		return fmt.Errorf("learning.min_samples must be >= 1, got %d", c.Learning.MinSamples)
	}
	if c.Learning.RecentWindow < 1 {
		return fmt.Errorf("learning.recent_window must be >= 1, got %d", c.Learning.RecentWindow)
	}

	if c.Lease.TTL <= 0 {
		return fmt.Errorf("lease.ttl must be > 0, got %v", c.Lease.TTL)
	}

	validDrivers := map[string]bool{
		"chrome": true,
		"stub":   true,
	}
	if !validDrivers[c.Driver.Name] {
		return fmt.Errorf("invalid driver.name %q, must be one of: chrome, stub", c.Driver.Name)
	}
	if c.Driver.ViewportWidth < 1 || c.Driver.ViewportHeight < 1 {
		return fmt.Errorf("driver viewport must be positive, got %dx%d", c.Driver.ViewportWidth, c.Driver.ViewportHeight)
	}

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level %q, must be one of: trace, debug, info, warn, error", c.Logging.Level)
	}

	return nil
}
