// Package config loads worktime settings through viper
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/intranet/worktime/internal/database"
	"github.com/intranet/worktime/internal/timezone"
	wterrors "github.com/intranet/worktime/pkg/errors"
	"github.com/intranet/worktime/pkg/logger"
	"github.com/intranet/worktime/pkg/models"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. WORKTIME_SERVER_BASE_URL
const EnvPrefix = "WORKTIME"

// Backend names
const (
	BackendHTTP = "http"
	BackendDemo = "demo"
)

// Config is the complete worktime configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	User         UserConfig         `mapstructure:"user" yaml:"user"`
	Reconcile    ReconcileConfig    `mapstructure:"reconcile" yaml:"reconcile"`
	Sync         SyncConfig         `mapstructure:"sync" yaml:"sync"`
	Connectivity ConnectivityConfig `mapstructure:"connectivity" yaml:"connectivity"`
	Storage      StorageConfig      `mapstructure:"storage" yaml:"storage"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Branches     BranchesConfig     `mapstructure:"branches" yaml:"branches"`
}

type ServerConfig struct {
	BaseURL string        `mapstructure:"base_url" yaml:"base_url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	// Backend selects the real server or the in-process demo server
	Backend string `mapstructure:"backend" yaml:"backend"`
}

type UserConfig struct {
	// ID overrides the user id returned at login
	ID       int64  `mapstructure:"id" yaml:"id"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

type ReconcileConfig struct {
	ActiveInterval  time.Duration `mapstructure:"active_interval" yaml:"active_interval"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	MinInterval     time.Duration `mapstructure:"min_interval" yaml:"min_interval"`
}

type SyncConfig struct {
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
	QueueWarn int           `mapstructure:"queue_warn" yaml:"queue_warn"`
}

type ConnectivityConfig struct {
	ProbeInterval time.Duration `mapstructure:"probe_interval" yaml:"probe_interval"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	// Offline forces offline mode
	Offline bool `mapstructure:"offline" yaml:"offline"`
}

type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	File       string `mapstructure:"file" yaml:"file"`
	JSON       bool   `mapstructure:"json" yaml:"json"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

type BranchesConfig struct {
	Fallback []models.Branch `mapstructure:"fallback" yaml:"fallback"`
}

// Dir returns the configuration directory under the XDG config home
func Dir() string {
	return filepath.Join(xdg.ConfigHome, "worktime")
}

// DefaultFile returns the default config file path
func DefaultFile() string {
	return filepath.Join(Dir(), "config.yaml")
}

// SetDefaults registers every key with its default value
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.base_url", "")
	v.SetDefault("server.timeout", 10*time.Second)
	v.SetDefault("server.backend", BackendHTTP)

	v.SetDefault("user.id", 0)
	v.SetDefault("user.timezone", "Local")

	v.SetDefault("reconcile.active_interval", 30*time.Second)
	v.SetDefault("reconcile.refresh_interval", 5*time.Minute)
	v.SetDefault("reconcile.min_interval", 5*time.Second)

	v.SetDefault("sync.interval", time.Minute)
	v.SetDefault("sync.batch_size", 100)
	v.SetDefault("sync.queue_warn", 50)

	v.SetDefault("connectivity.probe_interval", 15*time.Second)
	v.SetDefault("connectivity.probe_timeout", 3*time.Second)
	v.SetDefault("connectivity.offline", false)

	v.SetDefault("storage.path", database.DefaultPath())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", logger.DefaultLogPath())
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.max_size", 20)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("branches.fallback", []map[string]interface{}{})
}

// Setup points v at the config file and the environment. An empty file
// selects config.yaml in Dir.
func Setup(v *viper.Viper, file string) {
	SetDefaults(v)
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(Dir())
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Read loads the config file if one exists
func Read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return wterrors.NewConfigError("failed to read configuration", err).
			WithContext("file", v.ConfigFileUsed())
	}
	return nil
}

// Load decodes and validates the configuration held by v
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, wterrors.NewConfigError("failed to decode configuration", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values that would otherwise fail later at runtime
func (c *Config) Validate() error {
	switch c.Server.Backend {
	case BackendHTTP:
		if c.Server.BaseURL == "" {
			return wterrors.NewConfigError("server.base_url is not set; run 'worktime init' or use --demo", nil)
		}
	case BackendDemo:
	default:
		return wterrors.NewConfigError(fmt.Sprintf("unknown server.backend %q", c.Server.Backend), nil)
	}

	if _, err := timezone.New(c.User.Timezone); err != nil {
		return wterrors.NewConfigError("invalid user.timezone", err)
	}

	positive := map[string]time.Duration{
		"server.timeout":              c.Server.Timeout,
		"reconcile.active_interval":   c.Reconcile.ActiveInterval,
		"reconcile.refresh_interval":  c.Reconcile.RefreshInterval,
		"sync.interval":               c.Sync.Interval,
		"connectivity.probe_interval": c.Connectivity.ProbeInterval,
		"connectivity.probe_timeout":  c.Connectivity.ProbeTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return wterrors.NewConfigError(fmt.Sprintf("%s must be positive", key), nil)
		}
	}
	if c.Reconcile.MinInterval < 0 {
		return wterrors.NewConfigError("reconcile.min_interval must not be negative", nil)
	}
	if c.Sync.BatchSize <= 0 {
		return wterrors.NewConfigError("sync.batch_size must be positive", nil)
	}

	for _, b := range c.Branches.Fallback {
		if b.ID <= 0 || b.Name == "" {
			return wterrors.NewConfigError("branches.fallback entries need an id and a name", nil)
		}
	}
	return nil
}

// LogConfig converts the logging section for pkg/logger
func (c *Config) LogConfig(verbose bool) *logger.LogConfig {
	lc := logger.DefaultConfig()
	lc.Level = c.Logging.Level
	if c.Logging.File != "" {
		lc.OutputPath = c.Logging.File
	}
	lc.EnableJSON = c.Logging.JSON
	if c.Logging.MaxSize > 0 {
		lc.MaxSize = c.Logging.MaxSize
	}
	if c.Logging.MaxBackups > 0 {
		lc.MaxBackups = c.Logging.MaxBackups
	}
	if c.Logging.MaxAge > 0 {
		lc.MaxAge = c.Logging.MaxAge
	}
	if verbose {
		lc.Level = "debug"
		lc.Development = true
	}
	return lc
}

// FallbackBranches returns the configured branches, all marked active
func (c *Config) FallbackBranches() []models.Branch {
	out := make([]models.Branch, 0, len(c.Branches.Fallback))
	for _, b := range c.Branches.Fallback {
		b.IsActive = true
		out = append(out, b)
	}
	return out
}
