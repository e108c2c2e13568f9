// Package config holds the process-wide settings snapshot of §4.1. A Config
// is captured once at run start and threaded through the call graph — it is
// never re-read mid-run, so a run's behavior is fully determined by the
// snapshot it started with.
package config

import "time"

// Version is set at build time via ldflags.
var Version = "dev"

// Config is the root configuration for Scholarr's ingestion daemon.
type Config struct {
	Ingestion    IngestionConfig    `mapstructure:"ingestion"    yaml:"ingestion"`
	Gateway      GatewayConfig      `mapstructure:"gateway"      yaml:"gateway"`
	Safety       SafetyConfig       `mapstructure:"safety"       yaml:"safety"`
	NameSearch   NameSearchConfig   `mapstructure:"name_search"  yaml:"name_search"`
	Continuation ContinuationConfig `mapstructure:"continuation" yaml:"continuation"`
	Enrichment   EnrichmentConfig   `mapstructure:"enrichment"   yaml:"enrichment"`
	Pdf          PdfConfig          `mapstructure:"pdf"          yaml:"pdf"`
	Storage      StorageConfig      `mapstructure:"storage"      yaml:"storage"`
	Cache        CacheConfig        `mapstructure:"cache"        yaml:"cache"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"    yaml:"scheduler"`
	Logging      LoggingConfig      `mapstructure:"logging"      yaml:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics"      yaml:"metrics"`
	API          APIConfig          `mapstructure:"api"          yaml:"api"`
}

// IngestionConfig controls the scholar-profile walk, §4.1's table.
type IngestionConfig struct {
	MinRequestDelaySeconds int           `mapstructure:"min_request_delay_seconds" yaml:"min_request_delay_seconds"`
	MinRunIntervalMinutes  int           `mapstructure:"min_run_interval_minutes"  yaml:"min_run_interval_minutes"`
	MaxPagesPerScholar     int           `mapstructure:"max_pages_per_scholar"     yaml:"max_pages_per_scholar"`
	PageSize               int           `mapstructure:"page_size"                 yaml:"page_size"`
	PageDeadline           time.Duration `mapstructure:"page_deadline"             yaml:"page_deadline"`
}

// GatewayConfig controls the HTTP Gateway, §4.3.
type GatewayConfig struct {
	RequestTimeout       time.Duration `mapstructure:"request_timeout"         yaml:"request_timeout"`
	JitterSeconds        float64       `mapstructure:"jitter_seconds"          yaml:"jitter_seconds"`
	NetworkErrorRetries  int           `mapstructure:"network_error_retries"   yaml:"network_error_retries"`
	RetryBackoffSeconds  float64       `mapstructure:"retry_backoff_seconds"   yaml:"retry_backoff_seconds"`
	MaxRetryAfterSeconds int           `mapstructure:"max_retry_after_seconds" yaml:"max_retry_after_seconds"`
	MaxBodySize          int64         `mapstructure:"max_body_size"           yaml:"max_body_size"`
	UserAgents           []string      `mapstructure:"user_agents"             yaml:"user_agents"`
	BlockedSentinels     []string      `mapstructure:"blocked_sentinels"       yaml:"blocked_sentinels"`

	// MinRequestDelay is ingestion.min_request_delay_seconds, copied in by
	// the caller constructing the Gateway rather than bound from its own
	// yaml key — it is the same floor (*Config).ClampRequestDelay applies
	// to a per-request delay on write, enforced again here so paceFor
	// holds even if a stored per-user value predates the floor being
	// raised.
	MinRequestDelay time.Duration `mapstructure:"-" yaml:"-"`
}

// SafetyConfig controls the Safety Controller, §4.10.
type SafetyConfig struct {
	AlertBlockedFailureThreshold int  `mapstructure:"alert_blocked_failure_threshold" yaml:"alert_blocked_failure_threshold"`
	AlertNetworkFailureThreshold int  `mapstructure:"alert_network_failure_threshold" yaml:"alert_network_failure_threshold"`
	CooldownBlockedSeconds       int  `mapstructure:"cooldown_blocked_seconds"        yaml:"cooldown_blocked_seconds"`
	CooldownNetworkSeconds       int  `mapstructure:"cooldown_network_seconds"        yaml:"cooldown_network_seconds"`
	AutomationAllowed            bool `mapstructure:"automation_allowed"              yaml:"automation_allowed"`
	ManualAllowed                bool `mapstructure:"manual_allowed"                  yaml:"manual_allowed"`
}

// NameSearchConfig controls the name-search side-channel breaker, §4.10.
type NameSearchConfig struct {
	MinIntervalSeconds     int           `mapstructure:"min_interval_seconds"      yaml:"min_interval_seconds"`
	IntervalJitterSeconds  int           `mapstructure:"interval_jitter_seconds"   yaml:"interval_jitter_seconds"`
	CooldownBlockThreshold int           `mapstructure:"cooldown_block_threshold"  yaml:"cooldown_block_threshold"`
	CooldownSeconds        int           `mapstructure:"cooldown_seconds"          yaml:"cooldown_seconds"`
	CacheSize              int           `mapstructure:"cache_size"                yaml:"cache_size"`
	PositiveTTL            time.Duration `mapstructure:"positive_ttl"              yaml:"positive_ttl"`
	NegativeTTL            time.Duration `mapstructure:"negative_ttl"              yaml:"negative_ttl"`
}

// ContinuationConfig controls the backoff envelope of §4.11.
type ContinuationConfig struct {
	BaseDelaySeconds int `mapstructure:"base_delay_seconds" yaml:"base_delay_seconds"`
	MaxDelaySeconds  int `mapstructure:"max_delay_seconds"  yaml:"max_delay_seconds"`
	MaxAttempts      int `mapstructure:"max_attempts"       yaml:"max_attempts"`
}

// EnrichmentConfig controls the Enrichment Runner, §4.8.
type EnrichmentConfig struct {
	OpenAlexBaseURL string        `mapstructure:"openalex_base_url" yaml:"openalex_base_url"`
	CrossrefBaseURL string        `mapstructure:"crossref_base_url" yaml:"crossref_base_url"`
	ArxivBaseURL    string        `mapstructure:"arxiv_base_url"    yaml:"arxiv_base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"   yaml:"request_timeout"`
}

// PdfConfig controls the PDF Resolution Queue, §4.9.
type PdfConfig struct {
	UnpaywallBaseURL string        `mapstructure:"unpaywall_base_url" yaml:"unpaywall_base_url"`
	UnpaywallEmail   string        `mapstructure:"unpaywall_email"    yaml:"unpaywall_email"`
	WorkerCount      int           `mapstructure:"worker_count"       yaml:"worker_count"`
	MaxAttempts      int           `mapstructure:"max_attempts"       yaml:"max_attempts"`
	BaseBackoff      time.Duration `mapstructure:"base_backoff"       yaml:"base_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"        yaml:"max_backoff"`
}

// StorageConfig controls the relational store, §4.6.
type StorageConfig struct {
	DriverName   string `mapstructure:"driver_name"    yaml:"driver_name"`
	DSN          string `mapstructure:"dsn"            yaml:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// CacheConfig controls the enrichment/name-search result cache.
type CacheConfig struct {
	RedisAddr string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB   int    `mapstructure:"redis_db"   yaml:"redis_db"`
}

// SchedulerConfig controls the tick loop of §4.12.
type SchedulerConfig struct {
	TickInterval          time.Duration `mapstructure:"tick_interval"            yaml:"tick_interval"`
	QueueBatchSize        int           `mapstructure:"queue_batch_size"         yaml:"queue_batch_size"`
	MaxConcurrentUserRuns int           `mapstructure:"max_concurrent_user_runs" yaml:"max_concurrent_user_runs"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	Output string `mapstructure:"output" yaml:"output"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port"    yaml:"port"`
	Path    string `mapstructure:"path"    yaml:"path"`
}

// APIConfig controls the REST+SSE adapter, §6.
type APIConfig struct {
	Port int `mapstructure:"port" yaml:"port"`
}

// DefaultConfig returns a Config with sensible defaults, honoring every
// floor §4.1 names.
func DefaultConfig() *Config {
	return &Config{
		Ingestion: IngestionConfig{
			MinRequestDelaySeconds: 2,
			MinRunIntervalMinutes:  15,
			MaxPagesPerScholar:     30,
			PageSize:               100,
			PageDeadline:           20 * time.Second,
		},
		Gateway: GatewayConfig{
			RequestTimeout:       30 * time.Second,
			JitterSeconds:        1.5,
			NetworkErrorRetries:  1,
			RetryBackoffSeconds:  2,
			MaxRetryAfterSeconds: 120,
			MaxBodySize:          10 * 1024 * 1024,
			UserAgents: []string{
				"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
				"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			},
			BlockedSentinels: []string{
				"unusual traffic from your computer",
				"please show you're not a robot",
				"captcha",
			},
		},
		Safety: SafetyConfig{
			AlertBlockedFailureThreshold: 3,
			AlertNetworkFailureThreshold: 5,
			CooldownBlockedSeconds:       1800,
			CooldownNetworkSeconds:       600,
			AutomationAllowed:            true,
			ManualAllowed:                true,
		},
		NameSearch: NameSearchConfig{
			MinIntervalSeconds:     5,
			IntervalJitterSeconds:  2,
			CooldownBlockThreshold: 3,
			CooldownSeconds:        900,
			CacheSize:              4096,
			PositiveTTL:            24 * time.Hour,
			NegativeTTL:            15 * time.Minute,
		},
		Continuation: ContinuationConfig{
			BaseDelaySeconds: 120,
			MaxDelaySeconds:  3600,
			MaxAttempts:      5,
		},
		Enrichment: EnrichmentConfig{
			OpenAlexBaseURL: "https://api.openalex.org",
			CrossrefBaseURL: "https://api.crossref.org",
			ArxivBaseURL:    "https://export.arxiv.org/api/query",
			RequestTimeout:  15 * time.Second,
		},
		Pdf: PdfConfig{
			UnpaywallBaseURL: "https://api.unpaywall.org/v2",
			WorkerCount:      2,
			MaxAttempts:      5,
			BaseBackoff:      30 * time.Second,
			MaxBackoff:       6 * time.Hour,
		},
		Storage: StorageConfig{
			DriverName:   "postgres",
			MaxOpenConns: 10,
		},
		Cache: CacheConfig{
			RedisAddr: "127.0.0.1:6379",
		},
		Scheduler: SchedulerConfig{
			TickInterval:          30 * time.Second,
			QueueBatchSize:        20,
			MaxConcurrentUserRuns: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		API: APIConfig{
			Port: 8080,
		},
	}
}

// Policy is the subset of server-enforced floors returned alongside user
// settings in GET /api/v1/settings: the UI must never be allowed to propose
// a value below what the server itself enforces.
type Policy struct {
	MinRequestDelaySeconds int  `json:"min_request_delay_seconds"`
	MinRunIntervalMinutes  int  `json:"min_run_interval_minutes"`
	AutomationAllowed      bool `json:"automation_allowed"`
	ManualAllowed          bool `json:"manual_allowed"`
}

// PolicyFor derives the Policy block from the captured Config snapshot.
func (c *Config) PolicyFor() Policy {
	return Policy{
		MinRequestDelaySeconds: c.Ingestion.MinRequestDelaySeconds,
		MinRunIntervalMinutes:  c.Ingestion.MinRunIntervalMinutes,
		AutomationAllowed:      c.Safety.AutomationAllowed,
		ManualAllowed:          c.Safety.ManualAllowed,
	}
}

// ClampRequestDelay enforces the server floor on a user-supplied per-request
// delay — never let a UI-supplied value under the floor through, even when
// well-formed.
func (c *Config) ClampRequestDelay(seconds int) int {
	if seconds < c.Ingestion.MinRequestDelaySeconds {
		return c.Ingestion.MinRequestDelaySeconds
	}
	return seconds
}

// ClampRunInterval enforces the server floor on a user-supplied auto-run
// interval.
func (c *Config) ClampRunInterval(minutes int) int {
	if minutes < c.Ingestion.MinRunIntervalMinutes {
		return c.Ingestion.MinRunIntervalMinutes
	}
	return minutes
}
