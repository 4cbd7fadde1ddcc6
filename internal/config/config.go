// Package config loads tally configuration.
//
// Sources, lowest precedence first: built-in defaults, tally.yaml (or the
// file passed with --config), a .env file in the working directory, and
// TALLY_* environment variables (TALLY_SYNC_BATCH_SIZE for sync.batch_size).
// The merged result is checked against an embedded CUE schema.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "TALLY"

// Config holds the effective configuration.
type Config struct {
	DB       string        `mapstructure:"db" json:"db" yaml:"db"`
	DeviceID string        `mapstructure:"device_id" json:"device_id" yaml:"device_id"`
	Remote   RemoteConfig  `mapstructure:"remote" json:"remote" yaml:"remote"`
	Sync     SyncConfig    `mapstructure:"sync" json:"sync" yaml:"sync"`
	Retry    RetryConfig   `mapstructure:"retry" json:"retry" yaml:"retry"`
	Cleanup  CleanupConfig `mapstructure:"cleanup" json:"cleanup" yaml:"cleanup"`
	Log      LogConfig     `mapstructure:"log" json:"log" yaml:"log"`
	Serve    ServeConfig   `mapstructure:"serve" json:"serve" yaml:"serve"`
}

// RemoteConfig locates the remote data service. An empty URL means
// offline-only: cycles are not attempted.
type RemoteConfig struct {
	URL     string        `mapstructure:"url" json:"url" yaml:"url"`
	Secret  string        `mapstructure:"secret" json:"secret" yaml:"secret"`
	Timeout time.Duration `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
}

// SyncConfig controls cycle cadence and size.
type SyncConfig struct {
	Interval    time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	BatchSize   int           `mapstructure:"batch_size" json:"batch_size" yaml:"batch_size"`
	CallTimeout time.Duration `mapstructure:"call_timeout" json:"call_timeout" yaml:"call_timeout"`
}

// RetryConfig is the backoff policy.
type RetryConfig struct {
	Base       time.Duration `mapstructure:"base" json:"base" yaml:"base"`
	Max        time.Duration `mapstructure:"max" json:"max" yaml:"max"`
	MaxRetries int           `mapstructure:"max_retries" json:"max_retries" yaml:"max_retries"`
}

// CleanupConfig controls history pruning.
type CleanupConfig struct {
	Interval  time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
	Retention time.Duration `mapstructure:"retention" json:"retention" yaml:"retention"`
}

// LogConfig selects log level and destination. With File set, JSON lines
// go to a size-rotated file.
type LogConfig struct {
	Level      string `mapstructure:"level" json:"level" yaml:"level"`
	Format     string `mapstructure:"format" json:"format" yaml:"format"`
	File       string `mapstructure:"file" json:"file" yaml:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" json:"max_backups" yaml:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days" json:"max_age_days" yaml:"max_age_days"`
}

// ServeConfig is the listen address of `tally serve`.
type ServeConfig struct {
	Addr string `mapstructure:"addr" json:"addr" yaml:"addr"`
}

// defaults are applied before any file or environment value.
var defaults = map[string]any{
	"db":                "tally.db",
	"device_id":         "local",
	"remote.url":        "",
	"remote.secret":     "",
	"remote.timeout":    "15s",
	"sync.interval":     "5m",
	"sync.batch_size":   50,
	"sync.call_timeout": "15s",
	"retry.base":        "30s",
	"retry.max":         "1h",
	"retry.max_retries": 5,
	"cleanup.interval":  "24h",
	"cleanup.retention": "720h",
	"log.level":         "info",
	"log.format":        "console",
	"log.file":          "",
	"log.max_size_mb":   50,
	"log.max_backups":   3,
	"log.max_age_days":  28,
	"serve.addr":        "127.0.0.1:8787",
}

// Load reads configuration. path may be empty, in which case tally.yaml is
// looked up in the working directory and its absence is not an error.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := newViper()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tally")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	return decode(v)
}

// Default returns the built-in configuration, ignoring files and environment.
func Default() Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(fmt.Sprintf("config: invalid defaults: %v", err))
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	return v
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Offline reports whether no remote is configured.
func (c Config) Offline() bool {
	return c.Remote.URL == ""
}

// YAML renders c with the remote secret redacted.
func (c Config) YAML() ([]byte, error) {
	if c.Remote.Secret != "" {
		c.Remote.Secret = "********"
	}
	out, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return out, nil
}
