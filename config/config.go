// Package config provides configuration management for the snsync client.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FakeInstance is the sentinel instance name that, combined with empty
// credentials, routes all traffic to the scripted in-process instance.
const FakeInstance = "dev12345"

// Config represents the client configuration.
type Config struct {
	// Instance is the tenant subdomain, e.g. "acme" for
	// acme.service-now.com.
	Instance string `yaml:"instance"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// ReadOnly blocks every write method at the request gateway.
	ReadOnly bool `yaml:"read_only"`
	// Debug enables request-level tracing.
	Debug bool `yaml:"debug"`

	// ReadConcurrency and WriteConcurrency size the two transport token
	// buckets.
	ReadConcurrency  int `yaml:"read_concurrency"`
	WriteConcurrency int `yaml:"write_concurrency"`

	// CacheDir holds the persistent record cache. Empty disables it.
	CacheDir string `yaml:"cache_dir"`

	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig represents logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	File  string `yaml:"file"`  // optional rotating log file
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		ReadConcurrency:  40,
		WriteConcurrency: 80,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from a YAML file and environment variables.
// Environment variables override file configuration.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the CLI flag
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		expanded := os.ExpandEnv(string(data))

		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("SNSYNC_INSTANCE"); v != "" {
		c.Instance = v
	}
	if v := os.Getenv("SNSYNC_USERNAME"); v != "" {
		c.Username = v
	}
	if v := os.Getenv("SNSYNC_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("SNSYNC_READ_ONLY"); v != "" {
		c.ReadOnly = v == "true" || v == "1"
	}
	if v := os.Getenv("SNSYNC_DEBUG"); v != "" {
		c.Debug = v == "true" || v == "1"
	}
	if v := os.Getenv("SNSYNC_READ_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ReadConcurrency = n
		}
	}
	if v := os.Getenv("SNSYNC_WRITE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.WriteConcurrency = n
		}
	}
	if v := os.Getenv("SNSYNC_CACHE_DIR"); v != "" {
		c.CacheDir = v
	}
	if v := os.Getenv("SNSYNC_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// instancePattern keeps the instance usable as a URL subdomain.
var instancePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	if !instancePattern.MatchString(c.Instance) {
		return fmt.Errorf("invalid instance name: %q", c.Instance)
	}
	if !c.Fake() {
		if c.Username == "" || c.Password == "" {
			return fmt.Errorf("username and password are required for instance %s", c.Instance)
		}
	}
	if c.ReadConcurrency <= 0 {
		return fmt.Errorf("read_concurrency must be positive, got %d", c.ReadConcurrency)
	}
	if c.WriteConcurrency <= 0 {
		return fmt.Errorf("write_concurrency must be positive, got %d", c.WriteConcurrency)
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %q", c.Logging.Level)
	}
	return nil
}

// Fake reports whether the scripted in-process instance should be used.
func (c *Config) Fake() bool {
	return c.Instance == FakeInstance && c.Username == "" && c.Password == ""
}

// BaseURL returns the API root for the configured instance.
func (c *Config) BaseURL() string {
	return "https://" + c.Instance + ".service-now.com"
}
