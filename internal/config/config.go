// Package config loads the glownet configuration file: the SUNet
// architecture plus runtime and logging settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/glownet/glownet/internal/sunet"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Devices lists the supported compute backends.
var Devices = []string{"cpu", "webgpu"}

// Config holds all glownet configuration.
type Config struct {
	// Model architecture
	Model sunet.Config `yaml:"model"`

	// Execution settings
	Runtime RuntimeConfig `yaml:"runtime"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// RuntimeConfig configures how the model is executed.
type RuntimeConfig struct {
	Device string `yaml:"device"` // cpu, webgpu
	Batch  int    `yaml:"batch"`
	Seed   int64  `yaml:"seed"` // random input generator, 0 draws a fresh seed
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Model: sunet.DefaultConfig(),
		Runtime: RuntimeConfig{
			Device: "cpu",
			Batch:  1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // config is not secret
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if device := os.Getenv("GLOWNET_DEVICE"); device != "" {
		c.Runtime.Device = device
	}
	if level := os.Getenv("GLOWNET_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// Validate checks the model and runtime settings.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Model.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("model: %w", err))
	}

	validDevice := false
	for _, d := range Devices {
		if c.Runtime.Device == d {
			validDevice = true
			break
		}
	}
	if !validDevice {
		errs = append(errs, fmt.Errorf("invalid device: %s (valid: %v)", c.Runtime.Device, Devices))
	}
	if c.Runtime.Batch <= 0 {
		errs = append(errs, fmt.Errorf("batch must be positive, got %d", c.Runtime.Batch))
	}

	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level: %w", err))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Errorf("invalid log format: %s (valid: json, console)", c.Logging.Format))
	}

	return errors.Join(errs...)
}

// ZapConfig returns a production zap configuration at the configured level.
// Verbose forces debug level.
func (l LoggingConfig) ZapConfig(verbose bool) (zap.Config, error) {
	cfg := zap.NewProductionConfig()
	switch l.Format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
	default:
		return cfg, fmt.Errorf("invalid log format: %s (valid: json, console)", l.Format)
	}

	level := zapcore.InfoLevel
	if l.Level != "" {
		parsed, err := zapcore.ParseLevel(l.Level)
		if err != nil {
			return cfg, fmt.Errorf("invalid log level: %w", err)
		}
		level = parsed
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	return cfg, nil
}
