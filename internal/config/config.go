// Package config loads and validates watcher configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/ledi-watcher/internal/extract"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Store     StoreConfig     `mapstructure:"store"`
	Mail      MailConfig      `mapstructure:"mail"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Recovery  RecoveryConfig  `mapstructure:"recovery"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int    `mapstructure:"port"`
	APIKey                string `mapstructure:"api_key"`
	AllowedOrigin         string `mapstructure:"allowed_origin"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ScraperConfig configures outbound requests and the retry loop.
type ScraperConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	Accept           string `mapstructure:"accept"`
	AcceptLanguage   string `mapstructure:"accept_language"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxAttempts      int    `mapstructure:"max_attempts"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
	MaxBodyBytes     int    `mapstructure:"max_body_bytes"`
	Extractor        string `mapstructure:"extractor"`
}

// HeadlessConfig configures the optional browser renderer.
type HeadlessConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	NavTimeoutSec int    `mapstructure:"nav_timeout_seconds"`
	WaitSelector  string `mapstructure:"wait_selector"`
	SettleMs      int    `mapstructure:"settle_ms"`
	ExecPath      string `mapstructure:"exec_path"`
}

// SourceConfig describes one monitored page.
type SourceConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
	// Render falls back to the headless renderer when a plain fetch yields nothing valid.
	Render bool           `mapstructure:"render"`
	Rules  []extract.Rule `mapstructure:"rules"`
}

// SourcesConfig lists the monitored pages.
type SourcesConfig struct {
	Blog      SourceConfig `mapstructure:"blog"`
	Ledi      SourceConfig `mapstructure:"ledi"`
	Changelog SourceConfig `mapstructure:"changelog"`
}

// DetectorConfig selects the snapshot comparison policy.
type DetectorConfig struct {
	Comparison string `mapstructure:"comparison"`
}

// StoreConfig selects the KV backend and ring capacities.
type StoreConfig struct {
	Backend    string         `mapstructure:"backend"`
	MetricsCap int            `mapstructure:"metrics_cap"`
	ErrorsCap  int            `mapstructure:"errors_cap"`
	Local      LocalConfig    `mapstructure:"local"`
	Badger     BadgerConfig   `mapstructure:"badger"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
	GCS        GCSConfig      `mapstructure:"gcs"`
}

// LocalConfig points the filesystem backend at a directory.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// BadgerConfig configures the embedded backend.
type BadgerConfig struct {
	Dir      string `mapstructure:"dir"`
	InMemory bool   `mapstructure:"in_memory"`
}

// PostgresConfig controls the Postgres pool.
type PostgresConfig struct {
	DSN                    string `mapstructure:"dsn"`
	Table                  string `mapstructure:"table"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// GCSConfig names the bucket holding one object per key.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// MailConfig selects the e-mail transport.
type MailConfig struct {
	Provider string        `mapstructure:"provider"`
	From     string        `mapstructure:"from"`
	FromName string        `mapstructure:"from_name"`
	API      MailAPIConfig `mapstructure:"api"`
	SMTP     SMTPConfig    `mapstructure:"smtp"`
}

// MailAPIConfig configures the transactional e-mail API.
type MailAPIConfig struct {
	Endpoint       string `mapstructure:"endpoint"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SMTPConfig configures the SMTP relay.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// NotifierConfig controls rendering and send pacing.
type NotifierConfig struct {
	SiteURL     string  `mapstructure:"site_url"`
	PacingMs    int     `mapstructure:"pacing_ms"`
	DomainRPS   float64 `mapstructure:"domain_rps"`
	DomainBurst int     `mapstructure:"domain_burst"`
}

// ScheduleConfig controls the cron trigger.
type ScheduleConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Cron     string `mapstructure:"cron"`
	Timezone string `mapstructure:"timezone"`
}

// RecoveryConfig controls the retry after a failed run.
type RecoveryConfig struct {
	DelaySeconds int `mapstructure:"delay_seconds"`
}

// PubSubConfig holds metadata for change-event publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	ServiceName string  `mapstructure:"service_name"`
	ProjectID   string  `mapstructure:"project_id"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDIWATCH")
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
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.allowed_origin", "")
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")

	v.SetDefault("scraper.user_agent", "Mozilla/5.0 (compatible; ledi-watcher/1.0)")
	v.SetDefault("scraper.accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	v.SetDefault("scraper.accept_language", "en-US,en;q=0.9")
	v.SetDefault("scraper.timeout_seconds", 15)
	v.SetDefault("scraper.max_attempts", 3)
	v.SetDefault("scraper.backoff_initial_ms", 1000)
	v.SetDefault("scraper.backoff_max_ms", 5000)
	v.SetDefault("scraper.max_body_bytes", 4<<20)
	v.SetDefault("scraper.extractor", extract.BackendStream)

	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.wait_selector", "body")
	v.SetDefault("headless.settle_ms", 500)
	v.SetDefault("headless.exec_path", "")

	// URLs have no defaults; they are registered so env overrides are seen.
	v.SetDefault("sources.blog.name", "blog")
	v.SetDefault("sources.blog.url", "")
	v.SetDefault("sources.blog.render", false)
	v.SetDefault("sources.blog.rules", []map[string]any{
		{"field": "title", "selector": "article h2 a", "required": true, "min_length": 3},
		{"field": "link", "selector": "article h2 a", "attr": "href", "required": true, "url": true},
	})
	v.SetDefault("sources.ledi.name", "ledi")
	v.SetDefault("sources.ledi.url", "")
	v.SetDefault("sources.ledi.render", false)
	v.SetDefault("sources.ledi.rules", []map[string]any{
		{"field": "version", "selector": "table tbody tr td", "required": true},
	})
	v.SetDefault("sources.changelog.name", "ledi-changelog")
	v.SetDefault("sources.changelog.url", "")
	v.SetDefault("sources.changelog.render", false)
	v.SetDefault("sources.changelog.rules", []map[string]any{
		{"field": "changes", "selector": "main ul", "required": true},
	})

	v.SetDefault("detector.comparison", "exact")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.metrics_cap", 50)
	v.SetDefault("store.errors_cap", 100)
	v.SetDefault("store.local.base_dir", "data")
	v.SetDefault("store.badger.dir", "data/badger")
	v.SetDefault("store.badger.in_memory", false)
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "ledi_watcher_kv")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("store.postgres.min_conns", 0)
	v.SetDefault("store.postgres.max_conn_lifetime_minutes", 30)
	v.SetDefault("store.gcs.bucket", "")
	v.SetDefault("store.gcs.prefix", "ledi-watcher")

	v.SetDefault("mail.provider", "log")
	v.SetDefault("mail.from", "")
	v.SetDefault("mail.from_name", "LEDI Watcher")
	v.SetDefault("mail.api.endpoint", "https://api.resend.com/emails")
	v.SetDefault("mail.api.api_key", "")
	v.SetDefault("mail.api.timeout_seconds", 10)
	v.SetDefault("mail.smtp.host", "")
	v.SetDefault("mail.smtp.port", 587)
	v.SetDefault("mail.smtp.username", "")
	v.SetDefault("mail.smtp.password", "")

	v.SetDefault("notifier.site_url", "")
	v.SetDefault("notifier.pacing_ms", 100)
	v.SetDefault("notifier.domain_rps", 0)
	v.SetDefault("notifier.domain_burst", 1)

	v.SetDefault("schedule.enabled", true)
	v.SetDefault("schedule.cron", "0 9 * * *")
	v.SetDefault("schedule.timezone", "UTC")

	v.SetDefault("recovery.delay_seconds", 30)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("telemetry.service_name", "ledi-watcher")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scraper.TimeoutSeconds <= 0 {
		return fmt.Errorf("scraper.timeout_seconds must be > 0")
	}
	if c.Scraper.MaxAttempts <= 0 {
		return fmt.Errorf("scraper.max_attempts must be > 0")
	}
	for name, src := range map[string]SourceConfig{
		"blog":      c.Sources.Blog,
		"ledi":      c.Sources.Ledi,
		"changelog": c.Sources.Changelog,
	} {
		if src.URL == "" {
			return fmt.Errorf("sources.%s.url is required", name)
		}
		if err := extract.ValidateRules(src.Rules); err != nil {
			return fmt.Errorf("sources.%s.rules: %w", name, err)
		}
	}
	if c.Store.MetricsCap <= 0 || c.Store.ErrorsCap <= 0 {
		return fmt.Errorf("store.metrics_cap and store.errors_cap must be > 0")
	}
	switch c.Store.Backend {
	case "memory", "local", "badger":
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set when store.backend is postgres")
		}
	case "gcs":
		if c.Store.GCS.Bucket == "" {
			return fmt.Errorf("store.gcs.bucket must be set when store.backend is gcs")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, local, badger, postgres, gcs", c.Store.Backend)
	}
	switch c.Mail.Provider {
	case "log":
	case "api":
		if c.Mail.API.APIKey == "" {
			return fmt.Errorf("mail.api.api_key must be set when mail.provider is api")
		}
	case "smtp":
		if c.Mail.SMTP.Host == "" {
			return fmt.Errorf("mail.smtp.host must be set when mail.provider is smtp")
		}
	default:
		return fmt.Errorf("mail.provider %q is not one of api, smtp, log", c.Mail.Provider)
	}
	if c.Mail.Provider != "log" && c.Mail.From == "" {
		return fmt.Errorf("mail.from must be set when mail.provider is %s", c.Mail.Provider)
	}
	if c.Schedule.Enabled && c.Schedule.Cron == "" {
		return fmt.Errorf("schedule.cron must be set when the schedule is enabled")
	}
	if c.Recovery.DelaySeconds < 0 {
		return fmt.Errorf("recovery.delay_seconds must be >= 0")
	}
	return nil
}

// RequestTimeout is the per-request budget for public API routes.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ScrapeTimeout bounds one fetch attempt.
func (c Config) ScrapeTimeout() time.Duration {
	return time.Duration(c.Scraper.TimeoutSeconds) * time.Second
}

// RecoveryDelay is the wait before the recovery re-run.
func (c Config) RecoveryDelay() time.Duration {
	return time.Duration(c.Recovery.DelaySeconds) * time.Second
}

// Location resolves schedule.timezone, defaulting to UTC.
func (c Config) Location() (*time.Location, error) {
	if c.Schedule.Timezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load schedule timezone: %w", err)
	}
	return loc, nil
}
