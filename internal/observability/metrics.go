// Package observability exposes Scholarr's operational metrics to
// Prometheus. Grounded on tnevideo/internal/metrics/prometheus.go's
// CounterVec/HistogramVec/GaugeVec registration style, including its
// circuit-breaker gauge convention (0=closed, 1=open, 2=half-open) reused
// here for the Safety Controller's per-user cooldown state and the
// name-search breaker state. Replaces the teacher's hand-rolled
// atomic-counter/text-exposition Metrics with real collectors, keeping the
// teacher's StartServer(port, path) bootstrapping shape.
package observability

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector Scholarr registers.
type Metrics struct {
	RunsTotal   *prometheus.CounterVec
	RunDuration *prometheus.HistogramVec

	ScholarOutcomesTotal *prometheus.CounterVec

	GatewayRequestsTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec

	SafetyCooldownState *prometheus.GaugeVec

	NameSearchBreakerState  prometheus.Gauge
	NameSearchRequestsTotal *prometheus.CounterVec

	PdfResolutionsTotal *prometheus.CounterVec
	PdfQueueDepth       prometheus.Gauge

	ContinuationQueueDepth prometheus.Gauge

	EventsPublishedTotal *prometheus.CounterVec
	EventsDroppedTotal   *prometheus.CounterVec

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	logger *slog.Logger
}

// NewMetrics builds and registers every collector under namespace (defaults
// to "scholarr").
func NewMetrics(namespace string, logger *slog.Logger) *Metrics {
	if namespace == "" {
		namespace = "scholarr"
	}

	m := &Metrics{
		logger: logger.With("component", "metrics"),

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of ingestion runs by terminal status.",
			},
			[]string{"trigger", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of an ingestion run.",
				Buckets:   []float64{1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"trigger"},
		),

		ScholarOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scholar_outcomes_total",
				Help:      "Per-scholar walk outcomes, one increment per processed scholar.",
			},
			[]string{"outcome"},
		),

		GatewayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Outbound Gateway requests by classified outcome.",
			},
			[]string{"outcome"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Outbound Gateway request latency, excluding pacing delay.",
				Buckets:   []float64{.1, .25, .5, 1, 2, 3, 5, 8, 13, 21},
			},
			[]string{"outcome"},
		),

		SafetyCooldownState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "safety_cooldown_state",
				Help:      "Per-user Safety Controller cooldown state (0=closed, 1=open).",
			},
			[]string{"user_id", "reason"},
		),

		NameSearchBreakerState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "namesearch_breaker_state",
				Help:      "Name-search circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
		),
		NameSearchRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "namesearch_requests_total",
				Help:      "Name-search lookups by outcome (hit, miss, blocked, breaker_open).",
			},
			[]string{"outcome"},
		),

		PdfResolutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pdf_resolutions_total",
				Help:      "PDF resolution attempts by terminal outcome.",
			},
			[]string{"outcome"},
		),
		PdfQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pdf_queue_depth",
				Help:      "Number of publications currently queued for PDF resolution.",
			},
		),

		ContinuationQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "continuation_queue_depth",
				Help:      "Number of scholars currently parked in the continuation queue.",
			},
		),

		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_published_total",
				Help:      "Events published on the event bus by type.",
			},
			[]string{"type"},
		),
		EventsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_dropped_total",
				Help:      "Events dropped because a run's topic buffer was full.",
			},
			[]string{"type"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests served by the API.",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "API HTTP request duration in seconds.",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"method", "route"},
		),
	}

	prometheus.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.ScholarOutcomesTotal,
		m.GatewayRequestsTotal,
		m.GatewayRequestDuration,
		m.SafetyCooldownState,
		m.NameSearchBreakerState,
		m.NameSearchRequestsTotal,
		m.PdfResolutionsTotal,
		m.PdfQueueDepth,
		m.ContinuationQueueDepth,
		m.EventsPublishedTotal,
		m.EventsDroppedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRun records a completed run's trigger, terminal status, and duration.
func (m *Metrics) RecordRun(trigger, status string, duration time.Duration) {
	m.RunsTotal.WithLabelValues(trigger, status).Inc()
	m.RunDuration.WithLabelValues(trigger).Observe(duration.Seconds())
}

// RecordScholarOutcome records one scholar's terminal walk outcome.
func (m *Metrics) RecordScholarOutcome(outcome string) {
	m.ScholarOutcomesTotal.WithLabelValues(outcome).Inc()
}

// RecordGatewayRequest records one Gateway call's classified outcome and
// realized latency, measured after the per-host pacing wait (retries and
// their backoff are included, the pacing delay is not).
func (m *Metrics) RecordGatewayRequest(outcome string, duration time.Duration) {
	m.GatewayRequestsTotal.WithLabelValues(outcome).Inc()
	m.GatewayRequestDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// cooldownStateValue maps a cooldown-active flag onto the breaker-style
// encoding. The Safety Controller's cooldown is a plain timed gate with no
// trial phase, so only 0 and 1 are ever emitted; half-open is reserved for
// parity with NameSearchBreakerState and the teacher's bidder circuit gauge.
func cooldownStateValue(active bool) float64 {
	if active {
		return 1
	}
	return 0
}

// SetSafetyCooldownState sets userID's Safety Controller cooldown gauge.
func (m *Metrics) SetSafetyCooldownState(userID, reason string, active bool) {
	m.SafetyCooldownState.WithLabelValues(userID, reason).Set(cooldownStateValue(active))
}

// SetNameSearchBreakerState sets the name-search circuit breaker gauge.
func (m *Metrics) SetNameSearchBreakerState(open bool) {
	if open {
		m.NameSearchBreakerState.Set(1)
		return
	}
	m.NameSearchBreakerState.Set(0)
}

// RecordNameSearch records one name-search lookup outcome.
func (m *Metrics) RecordNameSearch(outcome string) {
	m.NameSearchRequestsTotal.WithLabelValues(outcome).Inc()
}

// RecordPdfResolution records one PDF resolution attempt's terminal outcome.
func (m *Metrics) RecordPdfResolution(outcome string) {
	m.PdfResolutionsTotal.WithLabelValues(outcome).Inc()
}

// SetPdfQueueDepth sets the current PDF resolution queue depth gauge.
func (m *Metrics) SetPdfQueueDepth(depth int) {
	m.PdfQueueDepth.Set(float64(depth))
}

// SetContinuationQueueDepth sets the current continuation queue depth gauge.
func (m *Metrics) SetContinuationQueueDepth(depth int) {
	m.ContinuationQueueDepth.Set(float64(depth))
}

// RecordEventPublished records a successful publish on the event bus.
func (m *Metrics) RecordEventPublished(eventType string) {
	m.EventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// RecordEventDropped records an event dropped because its topic's buffer
// was full (drop-oldest-on-full).
func (m *Metrics) RecordEventDropped(eventType string) {
	m.EventsDroppedTotal.WithLabelValues(eventType).Inc()
}

// Middleware wraps next, recording request count and latency per method and
// caller-supplied route label. Grounded on tnevideo's Metrics.Middleware,
// generalized to take an explicit route label since Scholarr's ServeMux
// already carries method+path patterns at registration time.
func (m *Metrics) Middleware(routeLabel string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()
		m.HTTPRequestsTotal.WithLabelValues(r.Method, routeLabel, fmt.Sprintf("%d", wrapped.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, routeLabel).Observe(duration)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusWriter) WriteHeader(code int) {
	w.statusCode = code
	w.ResponseWriter.WriteHeader(code)
}

// StartServer starts the metrics HTTP server, serving the scrape handler at
// path and a liveness check at /health.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	addr := fmt.Sprintf(":%d", port)
	m.logger.Info("metrics server starting", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			m.logger.Error("metrics server error", "error", err)
		}
	}()

	return nil
}
