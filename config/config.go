// Package config loads the bot configuration from a YAML file with
// environment variable overrides for secrets.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from human strings such as
// "30s", "5m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := str2duration.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "invalid duration %q", raw)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ServiceConfig describes one rate-limited remote service.
type ServiceConfig struct {
	// BaseURL is the service endpoint.
	BaseURL string `yaml:"base_url"`
	// Token authenticates against the service. Overridable by env.
	Token string `yaml:"token"`
	// MaxRequestsPerSecond bounds outbound call starts.
	MaxRequestsPerSecond int `yaml:"max_requests_per_second"`
}

// CacheSection configures the memoization cache.
type CacheSection struct {
	MaxSize       int      `yaml:"max_size"`
	TTL           Duration `yaml:"ttl"`
	SnapshotPath  string   `yaml:"snapshot_path"`
	SnapshotEvery int      `yaml:"snapshot_every"`
	// RedisURL switches to the shared Redis backend when set.
	RedisURL string `yaml:"redis_url"`
}

// Config is the application configuration.
type Config struct {
	// Generator is the hosted text-generation service.
	Generator ServiceConfig `yaml:"generator"`
	// Telegram is the chat-platform messaging service.
	Telegram ServiceConfig `yaml:"telegram"`

	Cache CacheSection `yaml:"cache"`

	// ShutdownTimeout bounds graceful dispatcher shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`

	// AnalyticsPath is the sqlite file for usage events; empty disables
	// analytics.
	AnalyticsPath string `yaml:"analytics_path"`

	// MetricsAddr serves /metrics and /healthz; empty disables the
	// listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogFormat is "console" or "json".
	LogFormat string `yaml:"log_format"`
}

// Default returns the configuration used when a field is absent.
func Default() Config {
	return Config{
		Generator: ServiceConfig{MaxRequestsPerSecond: 2},
		Telegram:  ServiceConfig{MaxRequestsPerSecond: 25},
		Cache: CacheSection{
			MaxSize:       1000,
			TTL:           Duration(24 * time.Hour),
			SnapshotPath:  "api_cache.json",
			SnapshotEvery: 32,
		},
		ShutdownTimeout: Duration(30 * time.Second),
		MetricsAddr:     ":9090",
		LogFormat:       "console",
	}
}

// Load reads the YAML file at path, applies environment overrides and
// validates the result. A missing file is not an error: env-only
// configuration is supported for container deployments.
func Load(path string) (Config, error) {
	cfg := Default()
	buf, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, errors.Wrapf(err, "reading config %s", path)
		}
	} else if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "parsing config %s", path)
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	overrideString(&c.Telegram.Token, "EDUBOT_TELEGRAM_TOKEN")
	overrideString(&c.Telegram.BaseURL, "EDUBOT_TELEGRAM_URL")
	overrideString(&c.Generator.Token, "EDUBOT_GENERATOR_TOKEN")
	overrideString(&c.Generator.BaseURL, "EDUBOT_GENERATOR_URL")
	overrideString(&c.Cache.RedisURL, "EDUBOT_REDIS_URL")
	overrideString(&c.MetricsAddr, "EDUBOT_METRICS_ADDR")
	overrideInt(&c.Generator.MaxRequestsPerSecond, "EDUBOT_GENERATOR_RPS")
	overrideInt(&c.Telegram.MaxRequestsPerSecond, "EDUBOT_TELEGRAM_RPS")
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks the invariants the gateway relies on.
func (c Config) Validate() error {
	if c.Telegram.Token == "" {
		return errors.New("telegram token is required (EDUBOT_TELEGRAM_TOKEN)")
	}
	if c.Generator.Token == "" {
		return errors.New("generator token is required (EDUBOT_GENERATOR_TOKEN)")
	}
	if c.Generator.MaxRequestsPerSecond <= 0 || c.Telegram.MaxRequestsPerSecond <= 0 {
		return errors.New("max_requests_per_second must be > 0")
	}
	if c.Cache.MaxSize <= 0 {
		return errors.New("cache.max_size must be > 0")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown_timeout must be > 0")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return errors.Newf("unknown log_format %q", c.LogFormat)
	}
	return nil
}
