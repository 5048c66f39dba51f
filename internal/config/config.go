// Package config loads goprovision configuration.
//
// Sources, lowest to highest precedence:
//
//  1. built-in defaults
//  2. YAML config file (explicit path, $GOPROVISION_CONFIG, or <appdata>/config.yaml)
//  3. GOPROVISION_* environment variables
//  4. runtime overrides passed to Load
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete goprovision configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	Output    OutputConfig    `mapstructure:"output"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig drives the Looper and the job processes it spawns.
type SchedulerConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	JobsDir        string        `mapstructure:"jobs_dir"`
	CleanupTimeout time.Duration `mapstructure:"cleanup_timeout"`
	// StrictOrdering lets a blocked job reserve its resources against
	// lower-ranked candidates in the same admission pass.
	StrictOrdering bool    `mapstructure:"strict_ordering"`
	SpawnRate      float64 `mapstructure:"spawn_rate"`
	SpawnBurst     int     `mapstructure:"spawn_burst"`
	// JobTimeouts maps a job type to the timeout in seconds applied when a
	// submission asks for none.
	JobTimeouts map[string]int `mapstructure:"job_timeouts"`
}

// Store drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Profile    string `mapstructure:"profile"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// ArchiveConfig enables uploading finished job bundles to S3-compatible
// object storage.
type ArchiveConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `mapstructure:"force_path_style"`
}

type OutputConfig struct {
	BundleInclude []string `mapstructure:"bundle_include"`
}

// TimeoutFor returns the configured default timeout for a job type, or 0.
func (c SchedulerConfig) TimeoutFor(jobType string) time.Duration {
	if c.JobTimeouts == nil {
		return 0
	}
	secs, ok := c.JobTimeouts[strings.ToLower(jobType)]
	if !ok || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// ConfigError reports an invalid configuration value.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Key, e.Message)
}

// Validate checks cross-field constraints that defaults cannot express.
func (c *Config) Validate() error {
	if c.Scheduler.PollInterval <= 0 {
		return &ConfigError{Key: "scheduler.poll_interval", Message: "must be positive"}
	}
	if c.Scheduler.CleanupTimeout <= 0 {
		return &ConfigError{Key: "scheduler.cleanup_timeout", Message: "must be positive"}
	}
	if c.Scheduler.SpawnRate <= 0 {
		return &ConfigError{Key: "scheduler.spawn_rate", Message: "must be positive"}
	}
	if c.Scheduler.SpawnBurst < 1 {
		return &ConfigError{Key: "scheduler.spawn_burst", Message: "must be >= 1"}
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if strings.TrimSpace(c.Store.Path) == "" && strings.TrimSpace(c.Store.URL) == "" {
			return &ConfigError{Key: "store.path", Message: "sqlite store needs a path or url"}
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Store.URL) == "" {
			return &ConfigError{Key: "store.url", Message: "postgres store needs a url"}
		}
	default:
		return &ConfigError{Key: "store.driver", Message: fmt.Sprintf("unsupported driver %q", c.Store.Driver)}
	}
	if c.Archive.Enabled && strings.TrimSpace(c.Archive.Bucket) == "" {
		return &ConfigError{Key: "archive.bucket", Message: "required when archive is enabled"}
	}
	return nil
}
