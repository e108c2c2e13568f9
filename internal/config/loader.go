package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from file and environment. No CLI flags are
// bound here. Priority (highest to lowest): env vars > config file > defaults.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	setDefaults(v, cfg)

	v.SetEnvPrefix("SCHOLARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Named env vars from the configuration table, bound explicitly so they
	// work without the SCHOLARR_ prefix too.
	bindAlias(v, "ingestion.min_request_delay_seconds", "INGESTION_MIN_REQUEST_DELAY_SECONDS")
	bindAlias(v, "ingestion.min_run_interval_minutes", "INGESTION_MIN_RUN_INTERVAL_MINUTES")
	bindAlias(v, "ingestion.max_pages_per_scholar", "INGESTION_MAX_PAGES_PER_SCHOLAR")
	bindAlias(v, "ingestion.page_size", "INGESTION_PAGE_SIZE")
	bindAlias(v, "safety.alert_blocked_failure_threshold", "SAFETY_ALERT_BLOCKED_FAILURE_THRESHOLD")
	bindAlias(v, "safety.alert_network_failure_threshold", "SAFETY_ALERT_NETWORK_FAILURE_THRESHOLD")
	bindAlias(v, "safety.cooldown_blocked_seconds", "SAFETY_COOLDOWN_BLOCKED_SECONDS")
	bindAlias(v, "safety.cooldown_network_seconds", "SAFETY_COOLDOWN_NETWORK_SECONDS")
	bindAlias(v, "continuation.base_delay_seconds", "CONTINUATION_BASE_DELAY_SECONDS")
	bindAlias(v, "continuation.max_delay_seconds", "CONTINUATION_MAX_DELAY_SECONDS")
	bindAlias(v, "continuation.max_attempts", "CONTINUATION_MAX_ATTEMPTS")
	bindAlias(v, "name_search.min_interval_seconds", "NAME_SEARCH_MIN_INTERVAL_SECONDS")
	bindAlias(v, "name_search.interval_jitter_seconds", "NAME_SEARCH_INTERVAL_JITTER_SECONDS")
	bindAlias(v, "name_search.cooldown_block_threshold", "NAME_SEARCH_COOLDOWN_BLOCK_THRESHOLD")
	bindAlias(v, "name_search.cooldown_seconds", "NAME_SEARCH_COOLDOWN_SECONDS")
	bindAlias(v, "storage.dsn", "STORAGE_DSN")
	bindAlias(v, "cache.redis_addr", "CACHE_REDIS_ADDR")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("scholarr")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		home, err := os.UserHomeDir()
		if err == nil {
			v.AddConfigPath(filepath.Join(home, ".scholarr"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	return Load(path)
}

func bindAlias(v *viper.Viper, key, envName string) {
	_ = v.BindEnv(key, envName)
}

// setDefaults registers default values in viper.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("ingestion.min_request_delay_seconds", cfg.Ingestion.MinRequestDelaySeconds)
	v.SetDefault("ingestion.min_run_interval_minutes", cfg.Ingestion.MinRunIntervalMinutes)
	v.SetDefault("ingestion.max_pages_per_scholar", cfg.Ingestion.MaxPagesPerScholar)
	v.SetDefault("ingestion.page_size", cfg.Ingestion.PageSize)
	v.SetDefault("ingestion.page_deadline", cfg.Ingestion.PageDeadline)

	v.SetDefault("gateway.request_timeout", cfg.Gateway.RequestTimeout)
	v.SetDefault("gateway.jitter_seconds", cfg.Gateway.JitterSeconds)
	v.SetDefault("gateway.network_error_retries", cfg.Gateway.NetworkErrorRetries)
	v.SetDefault("gateway.retry_backoff_seconds", cfg.Gateway.RetryBackoffSeconds)
	v.SetDefault("gateway.max_retry_after_seconds", cfg.Gateway.MaxRetryAfterSeconds)
	v.SetDefault("gateway.max_body_size", cfg.Gateway.MaxBodySize)
	v.SetDefault("gateway.user_agents", cfg.Gateway.UserAgents)
	v.SetDefault("gateway.blocked_sentinels", cfg.Gateway.BlockedSentinels)

	v.SetDefault("safety.alert_blocked_failure_threshold", cfg.Safety.AlertBlockedFailureThreshold)
	v.SetDefault("safety.alert_network_failure_threshold", cfg.Safety.AlertNetworkFailureThreshold)
	v.SetDefault("safety.cooldown_blocked_seconds", cfg.Safety.CooldownBlockedSeconds)
	v.SetDefault("safety.cooldown_network_seconds", cfg.Safety.CooldownNetworkSeconds)
	v.SetDefault("safety.automation_allowed", cfg.Safety.AutomationAllowed)
	v.SetDefault("safety.manual_allowed", cfg.Safety.ManualAllowed)

	v.SetDefault("name_search.min_interval_seconds", cfg.NameSearch.MinIntervalSeconds)
	v.SetDefault("name_search.interval_jitter_seconds", cfg.NameSearch.IntervalJitterSeconds)
	v.SetDefault("name_search.cooldown_block_threshold", cfg.NameSearch.CooldownBlockThreshold)
	v.SetDefault("name_search.cooldown_seconds", cfg.NameSearch.CooldownSeconds)
	v.SetDefault("name_search.cache_size", cfg.NameSearch.CacheSize)
	v.SetDefault("name_search.positive_ttl", cfg.NameSearch.PositiveTTL)
	v.SetDefault("name_search.negative_ttl", cfg.NameSearch.NegativeTTL)

	v.SetDefault("continuation.base_delay_seconds", cfg.Continuation.BaseDelaySeconds)
	v.SetDefault("continuation.max_delay_seconds", cfg.Continuation.MaxDelaySeconds)
	v.SetDefault("continuation.max_attempts", cfg.Continuation.MaxAttempts)

	v.SetDefault("enrichment.openalex_base_url", cfg.Enrichment.OpenAlexBaseURL)
	v.SetDefault("enrichment.crossref_base_url", cfg.Enrichment.CrossrefBaseURL)
	v.SetDefault("enrichment.arxiv_base_url", cfg.Enrichment.ArxivBaseURL)
	v.SetDefault("enrichment.request_timeout", cfg.Enrichment.RequestTimeout)

	v.SetDefault("pdf.unpaywall_base_url", cfg.Pdf.UnpaywallBaseURL)
	v.SetDefault("pdf.unpaywall_email", cfg.Pdf.UnpaywallEmail)
	v.SetDefault("pdf.worker_count", cfg.Pdf.WorkerCount)
	v.SetDefault("pdf.max_attempts", cfg.Pdf.MaxAttempts)
	v.SetDefault("pdf.base_backoff", cfg.Pdf.BaseBackoff)
	v.SetDefault("pdf.max_backoff", cfg.Pdf.MaxBackoff)

	v.SetDefault("storage.driver_name", cfg.Storage.DriverName)
	v.SetDefault("storage.dsn", cfg.Storage.DSN)
	v.SetDefault("storage.max_open_conns", cfg.Storage.MaxOpenConns)

	v.SetDefault("cache.redis_addr", cfg.Cache.RedisAddr)
	v.SetDefault("cache.redis_db", cfg.Cache.RedisDB)

	v.SetDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval)
	v.SetDefault("scheduler.queue_batch_size", cfg.Scheduler.QueueBatchSize)
	v.SetDefault("scheduler.max_concurrent_user_runs", cfg.Scheduler.MaxConcurrentUserRuns)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.format", cfg.Logging.Format)
	v.SetDefault("logging.output", cfg.Logging.Output)

	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("metrics.port", cfg.Metrics.Port)
	v.SetDefault("metrics.path", cfg.Metrics.Path)

	v.SetDefault("api.port", cfg.API.Port)
}
