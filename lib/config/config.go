// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file when --config is absent.
const EnvironmentVariable = "SENSORRELAY_CONFIG"

// Config is the master configuration. Both servers read the same file
// and use their own section plus Keys.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	// Default: info
	LogLevel string `yaml:"log_level"`

	// Keys locates the PEM key material.
	Keys KeysConfig `yaml:"keys"`

	// Intermediate configures the relay between sensors and the
	// Final Server.
	Intermediate IntermediateConfig `yaml:"intermediate"`

	// Final configures the ingesting server and its query API.
	Final FinalConfig `yaml:"final"`
}

// KeysConfig locates key files.
type KeysConfig struct {
	// SensorDir holds one "<sensorId>.pem" public key per sensor.
	// Default: keys
	SensorDir string `yaml:"sensor_dir"`

	// IntermediatePrivate is the relay identity's private key, used
	// by the Intermediate Server to sign forwarded packets.
	// Default: keys/intermediate.key
	IntermediatePrivate string `yaml:"intermediate_private"`

	// IntermediatePublic is the relay identity's public key, used by
	// the Final Server to verify them.
	// Default: keys/intermediate.pem
	IntermediatePublic string `yaml:"intermediate_public"`

	// FailureTTL is how long a missing or unreadable key file is
	// remembered before it is read again. Negative disables.
	// Default: 5s
	FailureTTL time.Duration `yaml:"failure_ttl"`
}

// IntermediateConfig configures sensorrelay-intermediate.
type IntermediateConfig struct {
	// ListenAddress accepts sensor connections.
	// Default: :4000
	ListenAddress string `yaml:"listen_address"`

	// FinalAddress is where forwarded packets are delivered.
	// Default: 127.0.0.1:5000
	FinalAddress string `yaml:"final_address"`

	// PollInterval is how often an idle dispatcher rechecks the
	// queue. Default: 1s
	PollInterval time.Duration `yaml:"poll_interval"`

	// RetryBackoff is the pause after a failed delivery.
	// Default: 5s
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// DialTimeout bounds each delivery's connect and write.
	// Default: 2s
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// MaxAttempts dead-letters a packet after this many failed
	// deliveries. Zero retries forever. Default: 0
	MaxAttempts int `yaml:"max_attempts"`

	// AcceptRate limits accepted sensor connections per second.
	// Zero disables the limiter. Default: 0
	AcceptRate float64 `yaml:"accept_rate"`

	// AcceptBurst is the limiter's burst. Default: 1
	AcceptBurst int `yaml:"accept_burst"`

	// ReadTimeout bounds how long a sensor may take to send its
	// frame. Zero waits forever. Default: 0
	ReadTimeout time.Duration `yaml:"read_timeout"`

	// StatusSocket is the Unix socket for the CBOR status action.
	// Empty disables it.
	// Default: ${XDG_RUNTIME_DIR:-/tmp}/sensorrelay-intermediate.sock
	StatusSocket string `yaml:"status_socket"`

	// MetricsAddress serves /metrics. Empty disables it.
	// Default: :9101
	MetricsAddress string `yaml:"metrics_address"`
}

// FinalConfig configures sensorrelay-final.
type FinalConfig struct {
	// ListenAddress accepts relay connections.
	// Default: :5000
	ListenAddress string `yaml:"listen_address"`

	// APIAddress serves the query API, /healthz, and /metrics.
	// Default: :8000
	APIAddress string `yaml:"api_address"`

	// Database is the SQLite file. Default: measurements.db
	Database string `yaml:"database"`

	// PoolSize is the number of SQLite connections. Default: 4
	PoolSize int `yaml:"pool_size"`

	// LiveTagInterval is how often the live-tag mirror polls the
	// store. Default: 3s
	LiveTagInterval time.Duration `yaml:"live_tag_interval"`

	// StatusSocket is the Unix socket for the CBOR status and tags
	// actions. Empty disables it.
	// Default: ${XDG_RUNTIME_DIR:-/tmp}/sensorrelay-final.sock
	StatusSocket string `yaml:"status_socket"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Keys: KeysConfig{
			SensorDir:           "keys",
			IntermediatePrivate: "keys/intermediate.key",
			IntermediatePublic:  "keys/intermediate.pem",
			FailureTTL:          5 * time.Second,
		},
		Intermediate: IntermediateConfig{
			ListenAddress:  ":4000",
			FinalAddress:   "127.0.0.1:5000",
			PollInterval:   time.Second,
			RetryBackoff:   5 * time.Second,
			DialTimeout:    2 * time.Second,
			AcceptBurst:    1,
			StatusSocket:   "${XDG_RUNTIME_DIR:-/tmp}/sensorrelay-intermediate.sock",
			MetricsAddress: ":9101",
		},
		Final: FinalConfig{
			ListenAddress:   ":5000",
			APIAddress:      ":8000",
			Database:        "measurements.db",
			PoolSize:        4,
			LiveTagInterval: 3 * time.Second,
			StatusSocket:    "${XDG_RUNTIME_DIR:-/tmp}/sensorrelay-final.sock",
		},
	}
}

// Load loads configuration from the SENSORRELAY_CONFIG environment
// variable. There are no fallbacks: if it is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your sensorrelay.yaml config file, or use --config flag", EnvironmentVariable)
	}

	return LoadFile(configPath)
}

// Resolve picks the configuration a server runs with: the --config
// path when given, else SENSORRELAY_CONFIG when set, else Default.
func Resolve(flagPath string) (*Config, error) {
	if flagPath != "" {
		return LoadFile(flagPath)
	}
	if os.Getenv(EnvironmentVariable) != "" {
		return Load()
	}
	cfg := Default()
	cfg.ExpandVariables()
	return cfg, nil
}

// LoadFile loads configuration from a specific file path. Fields the
// file omits keep their Default values.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}

	cfg.ExpandVariables()

	return cfg, nil
}

// loadFile merges a configuration file into the current config.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		// An empty file is valid and keeps every default.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

// ExpandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields. LoadFile calls it; callers building a Config from Default
// without a file call it themselves.
func (c *Config) ExpandVariables() {
	vars := map[string]string{
		"HOME":            os.Getenv("HOME"),
		"XDG_RUNTIME_DIR": os.Getenv("XDG_RUNTIME_DIR"),
	}

	c.Keys.SensorDir = expandVars(c.Keys.SensorDir, vars)
	c.Keys.IntermediatePrivate = expandVars(c.Keys.IntermediatePrivate, vars)
	c.Keys.IntermediatePublic = expandVars(c.Keys.IntermediatePublic, vars)
	c.Intermediate.StatusSocket = expandVars(c.Intermediate.StatusSocket, vars)
	c.Final.Database = expandVars(c.Final.Database, vars)
	c.Final.StatusSocket = expandVars(c.Final.StatusSocket, vars)
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: must be one of debug, info, warn, error", c.LogLevel)
	}
	return level, nil
}

// ValidateIntermediate checks everything sensorrelay-intermediate
// reads.
func (c *Config) ValidateIntermediate() error {
	var errs []error
	errs = c.validateCommon(errs)

	section := c.Intermediate
	if section.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("intermediate.listen_address is required"))
	}
	if section.FinalAddress == "" {
		errs = append(errs, fmt.Errorf("intermediate.final_address is required"))
	}
	errs = requirePositive(errs, "intermediate.poll_interval", section.PollInterval)
	errs = requirePositive(errs, "intermediate.retry_backoff", section.RetryBackoff)
	errs = requirePositive(errs, "intermediate.dial_timeout", section.DialTimeout)
	if section.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("intermediate.max_attempts must not be negative"))
	}
	if section.AcceptRate < 0 {
		errs = append(errs, fmt.Errorf("intermediate.accept_rate must not be negative"))
	}
	if section.AcceptRate > 0 && section.AcceptBurst < 1 {
		errs = append(errs, fmt.Errorf("intermediate.accept_burst must be at least 1 when accept_rate is set"))
	}
	if section.ReadTimeout < 0 {
		errs = append(errs, fmt.Errorf("intermediate.read_timeout must not be negative"))
	}
	if c.Keys.SensorDir == "" {
		errs = append(errs, fmt.Errorf("keys.sensor_dir is required"))
	}
	if c.Keys.IntermediatePrivate == "" {
		errs = append(errs, fmt.Errorf("keys.intermediate_private is required"))
	}

	return errors.Join(errs...)
}

// ValidateFinal checks everything sensorrelay-final reads.
func (c *Config) ValidateFinal() error {
	var errs []error
	errs = c.validateCommon(errs)

	section := c.Final
	if section.ListenAddress == "" {
		errs = append(errs, fmt.Errorf("final.listen_address is required"))
	}
	if section.APIAddress == "" {
		errs = append(errs, fmt.Errorf("final.api_address is required"))
	}
	if section.Database == "" {
		errs = append(errs, fmt.Errorf("final.database is required"))
	}
	if section.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("final.pool_size must be at least 1"))
	}
	errs = requirePositive(errs, "final.live_tag_interval", section.LiveTagInterval)
	if c.Keys.IntermediatePublic == "" {
		errs = append(errs, fmt.Errorf("keys.intermediate_public is required"))
	}

	return errors.Join(errs...)
}

func (c *Config) validateCommon(errs []error) []error {
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errs
}

func requirePositive(errs []error, field string, value time.Duration) []error {
	if value <= 0 {
		errs = append(errs, fmt.Errorf("%s must be positive, got %v", field, value))
	}
	return errs
}
