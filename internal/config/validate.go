package config

import (
	"fmt"
	"net/url"

	"github.com/scholarr/ingestion/internal/apperrors"
)

// Validate checks the configuration for invalid values. Floors named in the
// configuration table are rejected outright rather than silently clamped —
// an operator who starts the daemon with an out-of-range value should see it
// at startup, not discover it later as unexpectedly throttled behavior.
func Validate(cfg *Config) error {
	if cfg.Ingestion.MinRequestDelaySeconds < 2 {
		return invalid("ingestion.min_request_delay_seconds must be >= 2, got %d", cfg.Ingestion.MinRequestDelaySeconds)
	}
	if cfg.Ingestion.MinRunIntervalMinutes < 15 {
		return invalid("ingestion.min_run_interval_minutes must be >= 15, got %d", cfg.Ingestion.MinRunIntervalMinutes)
	}
	if cfg.Ingestion.MaxPagesPerScholar < 1 {
		return invalid("ingestion.max_pages_per_scholar must be >= 1, got %d", cfg.Ingestion.MaxPagesPerScholar)
	}
	if cfg.Ingestion.PageSize < 1 || cfg.Ingestion.PageSize > 1000 {
		return invalid("ingestion.page_size must be 1-1000, got %d", cfg.Ingestion.PageSize)
	}
	if cfg.Ingestion.PageDeadline <= 0 {
		return invalid("ingestion.page_deadline must be > 0")
	}

	if cfg.Gateway.RequestTimeout <= 0 {
		return invalid("gateway.request_timeout must be > 0")
	}
	if cfg.Gateway.JitterSeconds < 0 {
		return invalid("gateway.jitter_seconds must be >= 0")
	}
	if cfg.Gateway.NetworkErrorRetries < 0 {
		return invalid("gateway.network_error_retries must be >= 0")
	}
	if cfg.Gateway.MaxBodySize <= 0 {
		return invalid("gateway.max_body_size must be > 0")
	}
	if len(cfg.Gateway.UserAgents) == 0 {
		return invalid("gateway.user_agents must list at least one user agent")
	}

	if cfg.Safety.AlertBlockedFailureThreshold < 1 {
		return invalid("safety.alert_blocked_failure_threshold must be >= 1, got %d", cfg.Safety.AlertBlockedFailureThreshold)
	}
	if cfg.Safety.AlertNetworkFailureThreshold < 1 {
		return invalid("safety.alert_network_failure_threshold must be >= 1, got %d", cfg.Safety.AlertNetworkFailureThreshold)
	}
	if cfg.Safety.CooldownBlockedSeconds < 1 {
		return invalid("safety.cooldown_blocked_seconds must be >= 1, got %d", cfg.Safety.CooldownBlockedSeconds)
	}
	if cfg.Safety.CooldownNetworkSeconds < 1 {
		return invalid("safety.cooldown_network_seconds must be >= 1, got %d", cfg.Safety.CooldownNetworkSeconds)
	}

	if cfg.NameSearch.MinIntervalSeconds < 1 {
		return invalid("name_search.min_interval_seconds must be >= 1, got %d", cfg.NameSearch.MinIntervalSeconds)
	}
	if cfg.NameSearch.CooldownBlockThreshold < 1 {
		return invalid("name_search.cooldown_block_threshold must be >= 1, got %d", cfg.NameSearch.CooldownBlockThreshold)
	}
	if cfg.NameSearch.CacheSize < 1 {
		return invalid("name_search.cache_size must be >= 1, got %d", cfg.NameSearch.CacheSize)
	}

	if cfg.Continuation.BaseDelaySeconds < 1 {
		return invalid("continuation.base_delay_seconds must be >= 1, got %d", cfg.Continuation.BaseDelaySeconds)
	}
	if cfg.Continuation.MaxDelaySeconds < cfg.Continuation.BaseDelaySeconds {
		return invalid("continuation.max_delay_seconds must be >= base_delay_seconds")
	}
	if cfg.Continuation.MaxAttempts < 1 {
		return invalid("continuation.max_attempts must be >= 1, got %d", cfg.Continuation.MaxAttempts)
	}

	if cfg.Pdf.WorkerCount < 1 {
		return invalid("pdf.worker_count must be >= 1, got %d", cfg.Pdf.WorkerCount)
	}
	if cfg.Pdf.MaxAttempts < 1 {
		return invalid("pdf.max_attempts must be >= 1, got %d", cfg.Pdf.MaxAttempts)
	}
	if cfg.Pdf.BaseBackoff <= 0 {
		return invalid("pdf.base_backoff must be > 0")
	}
	if cfg.Pdf.MaxBackoff < cfg.Pdf.BaseBackoff {
		return invalid("pdf.max_backoff must be >= base_backoff")
	}

	validDrivers := map[string]bool{"postgres": true}
	if !validDrivers[cfg.Storage.DriverName] {
		return invalid("storage.driver_name %q is not supported (valid: postgres)", cfg.Storage.DriverName)
	}
	if cfg.Storage.MaxOpenConns < 1 {
		return invalid("storage.max_open_conns must be >= 1, got %d", cfg.Storage.MaxOpenConns)
	}

	if cfg.Scheduler.TickInterval <= 0 {
		return invalid("scheduler.tick_interval must be > 0")
	}
	if cfg.Scheduler.QueueBatchSize < 1 {
		return invalid("scheduler.queue_batch_size must be >= 1, got %d", cfg.Scheduler.QueueBatchSize)
	}
	if cfg.Scheduler.MaxConcurrentUserRuns < 1 {
		return invalid("scheduler.max_concurrent_user_runs must be >= 1, got %d", cfg.Scheduler.MaxConcurrentUserRuns)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Logging.Level] {
		return invalid("logging.level must be debug/info/warn/error, got %q", cfg.Logging.Level)
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return invalid("logging.format must be 'text' or 'json', got %q", cfg.Logging.Format)
	}

	if cfg.Metrics.Enabled {
		if cfg.Metrics.Port < 1 || cfg.Metrics.Port > 65535 {
			return invalid("metrics.port must be 1-65535, got %d", cfg.Metrics.Port)
		}
	}
	if cfg.API.Port < 1 || cfg.API.Port > 65535 {
		return invalid("api.port must be 1-65535, got %d", cfg.API.Port)
	}

	return nil
}

func invalid(format string, args ...any) error {
	return apperrors.New(apperrors.KindValidation, fmt.Sprintf(format, args...))
}

// ValidateURL checks if a URL string is well-formed for outbound fetches.
func ValidateURL(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return invalid("invalid URL: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return invalid("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return invalid("URL must have a host")
	}
	return nil
}
