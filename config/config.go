// Package config loads mirrord configuration from a TOML, YAML or JSON file
// with MIRROR_ environment overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/wolfeidau/artifact-mirror/catalog"
	"github.com/wolfeidau/artifact-mirror/logging"
	"github.com/wolfeidau/artifact-mirror/monitor"
)

// EnvPrefix prefixes environment overrides, e.g. MIRROR_SERVER_ADDRESS.
const EnvPrefix = "MIRROR"

// Job store drivers.
const (
	DriverBolt     = "bolt"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the full process configuration.
type Config struct {
	Server  ServerConfig     `mapstructure:"server"`
	Storage StorageConfig    `mapstructure:"storage"`
	Sync    SyncConfig       `mapstructure:"sync"`
	Cache   CacheConfig      `mapstructure:"cache"`
	Monitor MonitorConfig    `mapstructure:"monitor"`
	Metrics MetricsConfig    `mapstructure:"metrics"`
	Logging logging.Config   `mapstructure:"logging"`
	Mirrors []catalog.Mirror `mapstructure:"mirrors"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
	// JobStore is bolt, sqlite or postgres.
	JobStore string `mapstructure:"job_store"`
	// DSN is the SQL connection string. For sqlite it defaults to a file in
	// the data directory.
	DSN string `mapstructure:"dsn"`
}

// ContentDir is the root served to clients.
func (s StorageConfig) ContentDir() string {
	return filepath.Join(s.DataDir, "content")
}

// CacheDir holds one file per cache key.
func (s StorageConfig) CacheDir() string {
	return filepath.Join(s.DataDir, "cache")
}

// BoltPath is the bbolt job database.
func (s StorageConfig) BoltPath() string {
	return filepath.Join(s.DataDir, "jobs.db")
}

// SQLDSN returns the DSN for SQL job stores.
func (s StorageConfig) SQLDSN() string {
	if s.DSN == "" && s.JobStore == DriverSQLite {
		return filepath.Join(s.DataDir, "jobs.sqlite")
	}
	return s.DSN
}

type SyncConfig struct {
	Workers            int           `mapstructure:"workers"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	Lease              time.Duration `mapstructure:"lease"`
	Periodic           bool          `mapstructure:"periodic"`
	Identity           string        `mapstructure:"identity"`
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	MaxRetries         int           `mapstructure:"max_retries"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MaxFailurePercent  float64       `mapstructure:"max_failure_percent"`
	Parallelism        int           `mapstructure:"parallelism"`
	// CredentialsFile holds upstream credentials. It may use secret templates.
	CredentialsFile string   `mapstructure:"credentials_file"`
	S3              S3Config `mapstructure:"s3"`
}

// Defaults are the catalog settings inherited by mirrors that leave them
// unset.
func (s SyncConfig) Defaults() catalog.Settings {
	return catalog.Settings{
		MaxRetries:        s.MaxRetries,
		RetryDelay:        s.RetryDelay,
		Timeout:           s.Timeout,
		MaxFailurePercent: s.MaxFailurePercent,
		Parallelism:       s.Parallelism,
	}
}

type S3Config struct {
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
}

type CacheConfig struct {
	// DefaultTTL applies to entries set without a lifetime. Zero never expires.
	DefaultTTL   time.Duration `mapstructure:"default_ttl"`
	ListingTTL   time.Duration `mapstructure:"listing_ttl"`
	ReapInterval time.Duration `mapstructure:"reap_interval"`
}

type MonitorConfig struct {
	Enabled      bool               `mapstructure:"enabled"`
	Interval     time.Duration      `mapstructure:"interval"`
	HistorySize  int                `mapstructure:"history_size"`
	InventoryTTL time.Duration      `mapstructure:"inventory_ttl"`
	Thresholds   monitor.Thresholds `mapstructure:"thresholds"`
}

type MetricsConfig struct {
	Prometheus    bool          `mapstructure:"prometheus"`
	OTLPEndpoint  string        `mapstructure:"otlp_endpoint"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Load reads path, applies defaults and environment overrides, and
// validates the result. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	hook := mapstructure.ComposeDecodeHookFunc(
		durationDecodeHook(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&cfg, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolving data dir: %w", err)
	}
	cfg.Storage.DataDir = abs
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.job_store", DriverBolt)
	v.SetDefault("storage.dsn", "")

	v.SetDefault("sync.workers", 2)
	v.SetDefault("sync.poll_interval", "5s")
	v.SetDefault("sync.lease", "5m")
	v.SetDefault("sync.periodic", true)
	v.SetDefault("sync.identity", "artifact-mirror/1.0")
	v.SetDefault("sync.insecure_skip_verify", false)
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.retry_delay", "5s")
	v.SetDefault("sync.timeout", "5m")
	v.SetDefault("sync.max_failure_percent", 0)
	v.SetDefault("sync.parallelism", 1)
	v.SetDefault("sync.credentials_file", "")
	v.SetDefault("sync.s3.endpoint", "")
	v.SetDefault("sync.s3.region", "us-east-1")

	v.SetDefault("cache.default_ttl", "0s")
	v.SetDefault("cache.listing_ttl", "5m")
	v.SetDefault("cache.reap_interval", "1h")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.interval", "1m")
	v.SetDefault("monitor.history_size", monitor.DefaultHistorySize)
	v.SetDefault("monitor.inventory_ttl", "5m")
	v.SetDefault("monitor.thresholds.cpu_percent", 90)
	v.SetDefault("monitor.thresholds.memory_percent", 90)
	v.SetDefault("monitor.thresholds.disk_percent", 90)
	v.SetDefault("monitor.thresholds.max_staleness", "24h")

	v.SetDefault("metrics.prometheus", true)
	v.SetDefault("metrics.otlp_endpoint", "")
	v.SetDefault("metrics.flush_interval", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age_days", 30)
	v.SetDefault("logging.compress", true)
}

// durationDecodeHook accepts Go duration strings ("30s") and bare numbers
// of seconds.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(time.Duration(0))

	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				return time.Duration(0), nil
			}
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return seconds(secs), nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case uint64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return seconds(v), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", data)
		}
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// FieldError names the offending field.
type FieldError struct {
	Field  string
	Reason string
}

func (e FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

// Validate checks values that decoding cannot.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Server.Address == "" {
		return FieldError{"server.address", "must not be empty"}
	}
	if c.Storage.DataDir == "" {
		return FieldError{"storage.data_dir", "must not be empty"}
	}
	switch c.Storage.JobStore {
	case DriverBolt, DriverSQLite:
	case DriverPostgres:
		if c.Storage.DSN == "" {
			return FieldError{"storage.dsn", "is required for postgres"}
		}
	default:
		return FieldError{"storage.job_store", "must be bolt, sqlite or postgres"}
	}

	s := c.Sync
	if s.Workers <= 0 {
		return FieldError{"sync.workers", "must be positive"}
	}
	if s.PollInterval <= 0 {
		return FieldError{"sync.poll_interval", "must be positive"}
	}
	if s.Lease < time.Second {
		return FieldError{"sync.lease", "must be at least 1s"}
	}
	if s.MaxRetries <= 0 {
		return FieldError{"sync.max_retries", "must be positive"}
	}
	if s.RetryDelay < 0 {
		return FieldError{"sync.retry_delay", "must not be negative"}
	}
	if s.Timeout <= 0 {
		return FieldError{"sync.timeout", "must be positive"}
	}
	if s.MaxFailurePercent < 0 || s.MaxFailurePercent > 100 {
		return FieldError{"sync.max_failure_percent", "must be within 0-100"}
	}
	if s.Parallelism <= 0 {
		return FieldError{"sync.parallelism", "must be positive"}
	}

	if c.Cache.DefaultTTL < 0 {
		return FieldError{"cache.default_ttl", "must not be negative"}
	}
	if c.Cache.ReapInterval <= 0 {
		return FieldError{"cache.reap_interval", "must be positive"}
	}

	if c.Monitor.Enabled {
		if c.Monitor.Interval <= 0 {
			return FieldError{"monitor.interval", "must be positive"}
		}
		if c.Monitor.HistorySize <= 0 {
			return FieldError{"monitor.history_size", "must be positive"}
		}
	}
	for name, p := range map[string]float64{
		"cpu_percent":    c.Monitor.Thresholds.CPUPercent,
		"memory_percent": c.Monitor.Thresholds.MemoryPercent,
		"disk_percent":   c.Monitor.Thresholds.DiskPercent,
	} {
		if p < 0 || p > 100 {
			return FieldError{"monitor.thresholds." + name, "must be within 0-100"}
		}
	}

	if err := c.Logging.Validate(); err != nil {
		return FieldError{"logging", err.Error()}
	}

	if _, err := catalog.NewStatic(c.Mirrors, s.Defaults()); err != nil {
		return FieldError{"mirrors", err.Error()}
	}
	return nil
}
