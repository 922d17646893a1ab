// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Scraper  ScraperConfig  `mapstructure:"scraper"`
	Job      JobConfig      `mapstructure:"job"`
	Readings ReadingsConfig `mapstructure:"readings"`
	DB       DBConfig       `mapstructure:"db"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the read-only HTTP API server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ScraperConfig governs the embedded browser session and row fetching.
type ScraperConfig struct {
	URL                 string  `mapstructure:"url"`
	FrameSelector       string  `mapstructure:"frame_selector"`
	UserAgent           string  `mapstructure:"user_agent"`
	Headless            bool    `mapstructure:"headless"`
	NavTimeoutSeconds   int     `mapstructure:"nav_timeout_seconds"`
	SettleWaitMs        int     `mapstructure:"settle_wait_ms"`
	MaxScrollIterations int     `mapstructure:"max_scroll_iterations"`
	PageSize            int     `mapstructure:"page_size"`
	MaxPages            int     `mapstructure:"max_pages"`
	RequestQPS          float64 `mapstructure:"request_qps"`
}

// JobConfig governs run scoping and retry behavior.
type JobConfig struct {
	Provinces        []string `mapstructure:"provinces"`
	Cities           []string `mapstructure:"cities"`
	MaxAttempts      int      `mapstructure:"max_attempts"`
	BackoffInitialMs int      `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int      `mapstructure:"backoff_max_ms"`
	Timezone         string   `mapstructure:"timezone"`
}

// ReadingsConfig controls how duplicate readings are handled on insert.
type ReadingsConfig struct {
	ConflictPolicy string `mapstructure:"conflict_policy"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                 string `mapstructure:"dsn"`
	MaxConns            int    `mapstructure:"max_conns"`
	MinConns            int    `mapstructure:"min_conns"`
	MaxConnLifetimeMins int    `mapstructure:"max_conn_lifetime_minutes"`
}

// SnapshotConfig selects where raw page snapshots are written.
type SnapshotConfig struct {
	Provider  string `mapstructure:"provider"`
	Dir       string `mapstructure:"dir"`
	MaxBytes  int64  `mapstructure:"max_bytes"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for run summary notifications.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("scraper.url", "https://szzdjc.cnemc.cn:8070/GJZ/Business/Publish/Main.html")
	v.SetDefault("scraper.frame_selector", "#MF")
	v.SetDefault("scraper.user_agent", "")
	v.SetDefault("scraper.headless", true)
	v.SetDefault("scraper.nav_timeout_seconds", 60)
	v.SetDefault("scraper.settle_wait_ms", 1000)
	v.SetDefault("scraper.max_scroll_iterations", 120)
	v.SetDefault("scraper.page_size", 9999)
	v.SetDefault("scraper.max_pages", 200)
	v.SetDefault("scraper.request_qps", 2)
	v.SetDefault("job.provinces", []string{})
	v.SetDefault("job.cities", []string{})
	v.SetDefault("job.max_attempts", 3)
	v.SetDefault("job.backoff_initial_ms", 1000)
	v.SetDefault("job.backoff_max_ms", 30000)
	v.SetDefault("job.timezone", "Asia/Shanghai")
	v.SetDefault("readings.conflict_policy", "ignore")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("snapshot.provider", "none")
	v.SetDefault("snapshot.dir", "data/snapshots")
	v.SetDefault("snapshot.max_bytes", 16*1024*1024)
	v.SetDefault("snapshot.prefix", "snapshots")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate checks cross-field constraints that Viper cannot express.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Scraper.URL == "" {
		return fmt.Errorf("scraper.url is required")
	}
	if c.Scraper.RequestQPS <= 0 {
		return fmt.Errorf("scraper.request_qps must be positive: %v", c.Scraper.RequestQPS)
	}
	if c.Job.MaxAttempts < 1 {
		return fmt.Errorf("job.max_attempts must be at least 1: %d", c.Job.MaxAttempts)
	}
	switch c.Readings.ConflictPolicy {
	case "ignore", "update":
	default:
		return fmt.Errorf("readings.conflict_policy must be ignore or update: %q", c.Readings.ConflictPolicy)
	}
	switch c.Snapshot.Provider {
	case "none", "fs", "gcs":
	default:
		return fmt.Errorf("snapshot.provider must be none, fs, or gcs: %q", c.Snapshot.Provider)
	}
	if c.Snapshot.Provider == "gcs" && c.Snapshot.GCSBucket == "" {
		return fmt.Errorf("snapshot.gcs_bucket is required when snapshot.provider is gcs")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic are required when pubsub is enabled")
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the portal timezone used to interpret scraped timestamps.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Job.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", c.Job.Timezone, err)
	}
	return loc, nil
}

// NavTimeout returns the browser navigation timeout as a duration.
func (c ScraperConfig) NavTimeout() time.Duration {
	return time.Duration(c.NavTimeoutSeconds) * time.Second
}

// SettleWait returns the DOM settle wait as a duration.
func (c ScraperConfig) SettleWait() time.Duration {
	return time.Duration(c.SettleWaitMs) * time.Millisecond
}

// BackoffInitial returns the first retry delay as a duration.
func (c JobConfig) BackoffInitial() time.Duration {
	return time.Duration(c.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling as a duration.
func (c JobConfig) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMs) * time.Millisecond
}

// MaxConnLifetime returns the pool connection lifetime as a duration.
func (c DBConfig) MaxConnLifetime() time.Duration {
	return time.Duration(c.MaxConnLifetimeMins) * time.Minute
}
