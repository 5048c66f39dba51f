package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the application for env prefixes and data dirs.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity of the goprovision binary.
var DefaultIdentity = AppIdentity{
	BinaryName: "goprovision",
	EnvPrefix:  "GOPROVISION",
	ConfigName: "goprovision",
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// envSpec binds one environment variable to a config key.
type envSpec struct {
	Name string
	Path string
}

// SetConfigFile selects an explicit config file for subsequent loads. An
// empty path restores the default lookup.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Identity returns the active app identity.
func Identity() AppIdentity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return DefaultIdentity
	}
	return *appIdentity
}

// DataDir returns the per-user application data directory.
func DataDir() string {
	return gfconfig.GetAppDataDir(Identity().ConfigName)
}

// Load builds the configuration from all sources and caches it for
// GetConfig. Later overrides win over earlier ones.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	path, err := resolveConfigFile(explicit)
	if err != nil {
		return nil, err
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()

	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	dataDir := DataDir()

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("scheduler.poll_interval", "2s")
	v.SetDefault("scheduler.jobs_dir", filepath.Join(dataDir, "jobs"))
	v.SetDefault("scheduler.cleanup_timeout", "60s")
	v.SetDefault("scheduler.strict_ordering", true)
	v.SetDefault("scheduler.spawn_rate", 5.0)
	v.SetDefault("scheduler.spawn_burst", 5)
	v.SetDefault("scheduler.job_timeouts", map[string]int{})

	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.path", filepath.Join(dataDir, "goprovision.db"))
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "jobs/")

	v.SetDefault("output.bundle_include", []string{"**"})
}

// getEnvSpecs lists the GOPROVISION_* variables and the keys they set.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil || id.EnvPrefix == "" {
		return []envSpec{}
	}

	p := id.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},

		{Name: p + "POLL_INTERVAL", Path: "scheduler.poll_interval"},
		{Name: p + "JOBS_DIR", Path: "scheduler.jobs_dir"},
		{Name: p + "CLEANUP_TIMEOUT", Path: "scheduler.cleanup_timeout"},
		{Name: p + "STRICT_ORDERING", Path: "scheduler.strict_ordering"},
		{Name: p + "SPAWN_RATE", Path: "scheduler.spawn_rate"},
		{Name: p + "SPAWN_BURST", Path: "scheduler.spawn_burst"},

		{Name: p + "STORE_DRIVER", Path: "store.driver"},
		{Name: p + "STORE_PATH", Path: "store.path"},
		{Name: p + "STORE_URL", Path: "store.url"},
		{Name: p + "STORE_AUTH_TOKEN", Path: "store.auth_token"},

		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "LOG_FILE", Path: "logging.file"},

		{Name: p + "METRICS_ENABLED", Path: "metrics.enabled"},
		{Name: p + "HEALTH_ENABLED", Path: "health.enabled"},

		{Name: p + "ARCHIVE_ENABLED", Path: "archive.enabled"},
		{Name: p + "ARCHIVE_BUCKET", Path: "archive.bucket"},
		{Name: p + "ARCHIVE_PREFIX", Path: "archive.prefix"},
		{Name: p + "ARCHIVE_REGION", Path: "archive.region"},
		{Name: p + "ARCHIVE_ENDPOINT", Path: "archive.endpoint"},
		{Name: p + "ARCHIVE_PROFILE", Path: "archive.profile"},

		{Name: p + "BUNDLE_INCLUDE", Path: "output.bundle_include"},
	}
}

// getUserConfigPaths lists candidate config files when no explicit path is set.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil || id.ConfigName == "" {
		return []string{}
	}
	dataDir := gfconfig.GetAppDataDir(id.ConfigName)
	return []string{
		filepath.Join(dataDir, "config.yaml"),
		filepath.Join(dataDir, "config.yml"),
	}
}

func resolveConfigFile(explicit string) (string, error) {
	if explicit == "" {
		explicit = strings.TrimSpace(os.Getenv(Identity().EnvPrefix + "_CONFIG"))
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	for _, p := range getUserConfigPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("config file %s: %w", p, err)
		}
	}
	return "", nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok && !isLeafMap(key) {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

// isLeafMap reports keys whose values are maps in their own right.
func isLeafMap(key string) bool {
	return key == "scheduler.job_timeouts"
}

func normalize(cfg *Config) {
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))
	if len(cfg.Scheduler.JobTimeouts) > 0 {
		lowered := make(map[string]int, len(cfg.Scheduler.JobTimeouts))
		for k, secs := range cfg.Scheduler.JobTimeouts {
			lowered[strings.ToLower(k)] = secs
		}
		cfg.Scheduler.JobTimeouts = lowered
	}
}
