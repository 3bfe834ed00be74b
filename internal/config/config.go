// Package config loads and validates feed service configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
)

// DefaultEndpoint is the Seattle Fire real-time 911 feed for today.
const DefaultEndpoint = "https://web.seattle.gov/sfd/realtime911/getRecsForDatePub.asp?action=Today&incDate=&rad1=des"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Feed       FeedConfig       `mapstructure:"feed"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Poller     PollerConfig     `mapstructure:"poller"`
	Cache      CacheConfig      `mapstructure:"cache"`
	Breakers   BreakersConfig   `mapstructure:"breakers"`
	Normalizer NormalizerConfig `mapstructure:"normalizer"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Events     EventsConfig     `mapstructure:"events"`
}

// ServerConfig controls the HTTP query surface.
type ServerConfig struct {
	Port              int           `mapstructure:"port"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FeedConfig points at the upstream feed.
type FeedConfig struct {
	EndpointURL string `mapstructure:"endpoint_url"`
	UserAgent   string `mapstructure:"user_agent"`
	Timezone    string `mapstructure:"timezone"`
}

// HTTPConfig configures fetch timeouts, retries and pacing.
type HTTPConfig struct {
	Timeout           time.Duration `mapstructure:"timeout"`
	MaxRetries        int           `mapstructure:"max_retries"`
	BackoffBase       time.Duration `mapstructure:"backoff_base"`
	BackoffMax        time.Duration `mapstructure:"backoff_max"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// PollerConfig governs the ingestion loop.
type PollerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	StartupTimeout time.Duration `mapstructure:"startup_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
	MaxFailures    int           `mapstructure:"max_failures"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	// SideOutputTimeout bounds snapshot archiving and event publishing.
	SideOutputTimeout time.Duration `mapstructure:"side_output_timeout"`
}

// CacheConfig bounds the incident cache.
type CacheConfig struct {
	Retention       time.Duration `mapstructure:"retention"`
	MaxSize         int           `mapstructure:"max_size"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `mapstructure:"recovery_timeout"`
}

// BreakersConfig holds the fetch and parse breakers.
type BreakersConfig struct {
	HTTP    BreakerConfig `mapstructure:"http"`
	Parsing BreakerConfig `mapstructure:"parsing"`
}

// NormalizerConfig controls row normalization.
type NormalizerConfig struct {
	AllowTimestampFallback bool `mapstructure:"allow_timestamp_fallback"`
}

// ArchiveConfig selects where raw snapshots are written.
type ArchiveConfig struct {
	Provider  string `mapstructure:"provider"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// EventsConfig selects where lifecycle events are published.
type EventsConfig struct {
	Provider     string   `mapstructure:"provider"`
	Topic        string   `mapstructure:"topic"`
	ProjectID    string   `mapstructure:"project_id"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_header_timeout", 5*time.Second)
	v.SetDefault("server.request_timeout", 15*time.Second)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("feed.endpoint_url", DefaultEndpoint)
	v.SetDefault("feed.user_agent", "realtime-911/0.1")
	v.SetDefault("feed.timezone", "America/Los_Angeles")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.backoff_base", time.Second)
	v.SetDefault("http.backoff_max", time.Minute)
	v.SetDefault("http.requests_per_second", 0)
	v.SetDefault("http.burst", 1)
	v.SetDefault("poller.interval", 5*time.Minute)
	v.SetDefault("poller.startup_timeout", 30*time.Second)
	v.SetDefault("poller.shutdown_grace", 10*time.Second)
	v.SetDefault("poller.max_failures", 10)
	v.SetDefault("poller.backoff_base", time.Second)
	v.SetDefault("poller.backoff_max", 5*time.Minute)
	v.SetDefault("poller.side_output_timeout", 30*time.Second)
	v.SetDefault("cache.retention", 24*time.Hour)
	v.SetDefault("cache.max_size", 10000)
	v.SetDefault("cache.cleanup_interval", 15*time.Minute)
	v.SetDefault("breakers.http.failure_threshold", 3)
	v.SetDefault("breakers.http.recovery_timeout", 30*time.Second)
	v.SetDefault("breakers.parsing.failure_threshold", 5)
	v.SetDefault("breakers.parsing.recovery_timeout", time.Minute)
	v.SetDefault("normalizer.allow_timestamp_fallback", false)
	v.SetDefault("archive.provider", "none")
	v.SetDefault("archive.prefix", "snapshots")
	v.SetDefault("events.provider", "none")
	v.SetDefault("events.topic", "incidents")
	v.SetDefault("events.project_id", "")
	v.SetDefault("events.kafka_brokers", []string{})
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.gcs_bucket", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	u, err := url.Parse(c.Feed.EndpointURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("feed.endpoint_url must be an absolute http(s) URL")
	}
	if _, err := time.LoadLocation(c.Feed.Timezone); err != nil {
		return fmt.Errorf("feed.timezone %q is not a known zone: %w", c.Feed.Timezone, err)
	}
	if c.HTTP.Timeout <= 0 {
		return fmt.Errorf("http.timeout must be > 0")
	}
	if c.HTTP.MaxRetries < 0 {
		return fmt.Errorf("http.max_retries must be >= 0")
	}
	if c.HTTP.BackoffBase <= 0 || c.HTTP.BackoffMax < c.HTTP.BackoffBase {
		return fmt.Errorf("http.backoff_base must be > 0 and <= http.backoff_max")
	}
	if c.HTTP.RequestsPerSecond < 0 {
		return fmt.Errorf("http.requests_per_second must be >= 0")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be > 0")
	}
	if c.Poller.StartupTimeout <= 0 || c.Poller.ShutdownGrace <= 0 {
		return fmt.Errorf("poller.startup_timeout and poller.shutdown_grace must be > 0")
	}
	if c.Poller.MaxFailures < 0 {
		return fmt.Errorf("poller.max_failures must be >= 0")
	}
	if c.Poller.BackoffBase <= 0 || c.Poller.BackoffMax < c.Poller.BackoffBase {
		return fmt.Errorf("poller.backoff_base must be > 0 and <= poller.backoff_max")
	}
	if c.Poller.SideOutputTimeout <= 0 {
		return fmt.Errorf("poller.side_output_timeout must be > 0")
	}
	if c.Cache.Retention <= 0 {
		return fmt.Errorf("cache.retention must be > 0")
	}
	if c.Cache.MaxSize <= 0 {
		return fmt.Errorf("cache.max_size must be > 0")
	}
	if c.Cache.CleanupInterval <= 0 {
		return fmt.Errorf("cache.cleanup_interval must be > 0")
	}
	for name, b := range map[string]BreakerConfig{"http": c.Breakers.HTTP, "parsing": c.Breakers.Parsing} {
		if b.FailureThreshold <= 0 || b.RecoveryTimeout <= 0 {
			return fmt.Errorf("breakers.%s.failure_threshold and recovery_timeout must be > 0", name)
		}
	}
	switch c.Archive.Provider {
	case "none", "memory":
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir must be set when archive.provider is local")
		}
	case "gcs":
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set when archive.provider is gcs")
		}
	default:
		return fmt.Errorf("archive.provider %q is not one of none, memory, local, gcs", c.Archive.Provider)
	}
	switch c.Events.Provider {
	case "none":
		return nil
	case "memory":
	case "pubsub":
		if c.Events.ProjectID == "" {
			return fmt.Errorf("events.project_id must be set when events.provider is pubsub")
		}
	case "kafka":
		if len(c.Events.KafkaBrokers) == 0 {
			return fmt.Errorf("events.kafka_brokers must be set when events.provider is kafka")
		}
	default:
		return fmt.Errorf("events.provider %q is not one of none, memory, pubsub, kafka", c.Events.Provider)
	}
	if c.Events.Topic == "" {
		return fmt.Errorf("events.topic must be set when events are enabled")
	}
	return nil
}
