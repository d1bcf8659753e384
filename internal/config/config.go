// Package config loads agent settings from defaults, a config file, VIDPUSH_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mschirtzinger/vidpush/internal/engine"
	"github.com/mschirtzinger/vidpush/internal/history"
	"github.com/mschirtzinger/vidpush/internal/stability"
	"github.com/mschirtzinger/vidpush/internal/upload"
	"github.com/mschirtzinger/vidpush/internal/watch"
)

// EnvPrefix prefixes every environment override (VIDPUSH_AZURE_TOKEN, ...).
const EnvPrefix = "VIDPUSH"

// HistoryOff disables the upload ledger when used as history.path.
const HistoryOff = "off"

// Config is the complete agent configuration.
type Config struct {
	Watch     WatchConfig     `mapstructure:"watch"`
	Stability StabilityConfig `mapstructure:"stability"`
	Store     StoreConfig     `mapstructure:"store"`
	Azure     AzureConfig     `mapstructure:"azure"`
	S3        S3Config        `mapstructure:"s3"`
	Upload    UploadConfig    `mapstructure:"upload"`
	History   HistoryConfig   `mapstructure:"history"`
	Log       LogConfig       `mapstructure:"log"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
}

// WatchConfig selects the directory and how it is observed.
type WatchConfig struct {
	Dir      string `mapstructure:"dir"`
	Strategy string `mapstructure:"strategy"`

	// Interval is the polling period. It doubles as the readiness window:
	// a writer that pauses longer than one interval mid-file looks finished.
	Interval time.Duration `mapstructure:"interval"`

	Extensions   []string `mapstructure:"extensions"`
	ScanExisting bool     `mapstructure:"scan_existing"`
}

// StabilityConfig tunes the notify-mode readiness check.
type StabilityConfig struct {
	Samples  int           `mapstructure:"samples"`
	Interval time.Duration `mapstructure:"interval"`
}

// StoreConfig picks the blob store.
type StoreConfig struct {
	Provider string `mapstructure:"provider"`
}

// AzureConfig addresses an Azure Blob Storage container.
type AzureConfig struct {
	Account   string `mapstructure:"account"`
	Container string `mapstructure:"container"`
	Token     string `mapstructure:"token"`
	Domain    string `mapstructure:"domain"`
	Endpoint  string `mapstructure:"endpoint"`
}

// S3Config addresses an S3 (or compatible) bucket.
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Prefix          string `mapstructure:"prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	PathStyle       bool   `mapstructure:"path_style"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// UploadConfig bounds individual jobs.
type UploadConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
}

// HistoryConfig locates the upload ledger.
type HistoryConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig controls log output and rotation.
type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
	Verbose    bool   `mapstructure:"verbose"`
}

// DashboardConfig enables the WebSocket dashboard.
type DashboardConfig struct {
	// Port 0 disables the dashboard.
	Port int `mapstructure:"port"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Watch: WatchConfig{
			Strategy:     string(engine.StrategyPoll),
			Interval:     watch.DefaultPollInterval,
			Extensions:   append([]string(nil), watch.DefaultExtensions...),
			ScanExisting: true,
		},
		Stability: StabilityConfig{
			Samples:  stability.DefaultSamples,
			Interval: stability.DefaultInterval,
		},
		Store: StoreConfig{Provider: "azure"},
		Azure: AzureConfig{
			Container: "video",
			Domain:    upload.DefaultAzureDomain,
		},
		Upload: UploadConfig{
			Timeout:      30 * time.Minute,
			MaxRetries:   3,
			RetryBackoff: 30 * time.Second,
		},
		History: HistoryConfig{Path: history.DefaultPath()},
		Log: LogConfig{
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}

// Dir returns $XDG_CONFIG_HOME/vidpush, falling back to ~/.config/vidpush.
func Dir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "."
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "vidpush")
}

// DefaultFile is where `config init` writes when no path is given.
func DefaultFile() string {
	return filepath.Join(Dir(), "vidpush.toml")
}

// Loader layers configuration sources over the defaults.
type Loader struct {
	v    *viper.Viper
	used string
}

// NewLoader returns a loader with defaults and environment binding in place.
// Flags are bound by the caller through Viper().BindPFlag.
func NewLoader() *Loader {
	v := viper.New()
	for section, values := range Default().Map(false) {
		for key, value := range values.(map[string]any) {
			v.SetDefault(section+"."+key, value)
		}
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return &Loader{v: v}
}

// Viper exposes the underlying instance for flag binding.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// ConfigFile returns the file Load read, or "" if none was found.
func (l *Loader) ConfigFile() string {
	return l.used
}

// Load reads file (or searches for vidpush.{toml,yaml,json} in the working
// directory and Dir()) and decodes the merged result. A missing file is
// only an error when file was given explicitly.
func (l *Loader) Load(file string) (*Config, error) {
	if file != "" {
		l.v.SetConfigFile(file)
	} else {
		l.v.SetConfigName("vidpush")
		l.v.AddConfigPath(".")
		l.v.AddConfigPath(Dir())
	}

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else {
		l.used = l.v.ConfigFileUsed()
	}

	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	c.Watch.Strategy = strings.ToLower(strings.TrimSpace(c.Watch.Strategy))
	c.Store.Provider = strings.ToLower(strings.TrimSpace(c.Store.Provider))

	exts := make([]string, 0, len(c.Watch.Extensions))
	for _, ext := range c.Watch.Extensions {
		for _, part := range strings.Split(ext, ",") {
			if part = strings.TrimSpace(part); part != "" {
				exts = append(exts, watch.NormalizeExt(part))
			}
		}
	}
	c.Watch.Extensions = exts

	if c.History.Path == "" {
		c.History.Path = history.DefaultPath()
	}
}

// Validate reports every invalid field, joined.
func (c *Config) Validate() error {
	var errs []error
	fail := func(key, format string, args ...any) {
		errs = append(errs, fmt.Errorf("%s: %s", key, fmt.Sprintf(format, args...)))
	}

	if c.Watch.Dir == "" {
		fail("watch.dir", "is required")
	}
	if _, err := engine.ParseStrategy(c.Watch.Strategy); err != nil {
		fail("watch.strategy", "%v", err)
	}
	if c.Watch.Interval <= 0 {
		fail("watch.interval", "must be positive, got %s", c.Watch.Interval)
	}
	if c.Stability.Samples < stability.MinSamples {
		fail("stability.samples", "must be at least %d, got %d", stability.MinSamples, c.Stability.Samples)
	}
	if c.Stability.Interval <= 0 {
		fail("stability.interval", "must be positive, got %s", c.Stability.Interval)
	}

	switch c.Store.Provider {
	case "azure":
		if c.Azure.Account == "" && c.Azure.Endpoint == "" {
			fail("azure.account", "is required (or set azure.endpoint)")
		}
		if c.Azure.Container == "" {
			fail("azure.container", "is required")
		}
		if c.Azure.Token != "" && !strings.HasPrefix(c.Azure.Token, "?") {
			fail("azure.token", "must start with '?' (it is appended to the blob URL)")
		}
	case "s3":
		if c.S3.Bucket == "" {
			fail("s3.bucket", "is required")
		}
		if (c.S3.AccessKeyID == "") != (c.S3.SecretAccessKey == "") {
			fail("s3.access_key_id", "and s3.secret_access_key must be set together")
		}
	default:
		fail("store.provider", "unknown provider %q (want azure or s3)", c.Store.Provider)
	}

	if c.Upload.Timeout <= 0 {
		fail("upload.timeout", "must be positive, got %s", c.Upload.Timeout)
	}
	if c.Upload.MaxRetries < 0 {
		fail("upload.max_retries", "cannot be negative")
	}
	if c.Upload.RetryBackoff < 0 {
		fail("upload.retry_backoff", "cannot be negative")
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		fail("dashboard.port", "out of range: %d", c.Dashboard.Port)
	}

	return errors.Join(errs...)
}

// HistoryEnabled reports whether the ledger should be opened.
func (c *Config) HistoryEnabled() bool {
	return !strings.EqualFold(c.History.Path, HistoryOff)
}

// Map renders the configuration as nested sections with durations as
// strings. With mask set, tokens and secret keys are replaced.
func (c *Config) Map(mask bool) map[string]any {
	secret := func(s string) string {
		if mask && s != "" {
			return "********"
		}
		return s
	}
	exts := c.Watch.Extensions
	if exts == nil {
		exts = []string{}
	}

	return map[string]any{
		"watch": map[string]any{
			"dir":           c.Watch.Dir,
			"strategy":      c.Watch.Strategy,
			"interval":      c.Watch.Interval.String(),
			"extensions":    exts,
			"scan_existing": c.Watch.ScanExisting,
		},
		"stability": map[string]any{
			"samples":  c.Stability.Samples,
			"interval": c.Stability.Interval.String(),
		},
		"store": map[string]any{
			"provider": c.Store.Provider,
		},
		"azure": map[string]any{
			"account":   c.Azure.Account,
			"container": c.Azure.Container,
			"token":     secret(c.Azure.Token),
			"domain":    c.Azure.Domain,
			"endpoint":  c.Azure.Endpoint,
		},
		"s3": map[string]any{
			"bucket":            c.S3.Bucket,
			"region":            c.S3.Region,
			"prefix":            c.S3.Prefix,
			"endpoint":          c.S3.Endpoint,
			"path_style":        c.S3.PathStyle,
			"access_key_id":     c.S3.AccessKeyID,
			"secret_access_key": secret(c.S3.SecretAccessKey),
		},
		"upload": map[string]any{
			"timeout":       c.Upload.Timeout.String(),
			"max_retries":   c.Upload.MaxRetries,
			"retry_backoff": c.Upload.RetryBackoff.String(),
		},
		"history": map[string]any{
			"path": c.History.Path,
		},
		"log": map[string]any{
			"file":         c.Log.File,
			"max_size_mb":  c.Log.MaxSizeMB,
			"max_backups":  c.Log.MaxBackups,
			"max_age_days": c.Log.MaxAgeDays,
			"compress":     c.Log.Compress,
			"verbose":      c.Log.Verbose,
		},
		"dashboard": map[string]any{
			"port": c.Dashboard.Port,
		},
	}
}
