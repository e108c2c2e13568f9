// Package gateway implements the single outbound HTTP primitive of §4.3: a
// per-host paced, retry-classifying request path shared by every component
// that talks to Google Scholar, OpenAlex, Crossref, arXiv, or Unpaywall.
package gateway

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/scholarr/ingestion/internal/clock"
	"github.com/scholarr/ingestion/internal/config"
)

// Outcome is one of the five response classifications of §4.3.
type Outcome string

const (
	OutcomeOK               Outcome = "ok"
	OutcomeBlockedOrCaptcha Outcome = "blocked_or_captcha"
	OutcomeParseFailure     Outcome = "parse_failure"
	OutcomeNetworkError     Outcome = "network_error"
	OutcomeRateLimited      Outcome = "rate_limited"
)

// Response is the result of one Gateway call: the classified outcome plus
// whatever body bytes were read, and the realized delay so the Scheduler can
// account for wall-clock budget per §4.3's "outputs carry the realized delay".
type Response struct {
	Outcome      Outcome
	StatusCode   int
	Body         []byte
	RealizedWait time.Duration
	Err          error
}

// CooldownObserver is invoked on every blocked_or_captcha outcome so the
// Safety Controller (internal/safety) hears about it without the Gateway
// importing that package.
type CooldownObserver func(host string, reason Outcome)

// MetricsRecorder receives per-request outcome and latency observations.
// Satisfied by *observability.Metrics; kept as a narrow local interface so
// the Gateway doesn't import internal/observability.
type MetricsRecorder interface {
	RecordGatewayRequest(outcome string, duration time.Duration)
}

// Gateway is the paced, classifying HTTP client.
type Gateway struct {
	client     *http.Client
	cfg        *config.GatewayConfig
	clock      clock.Clock
	logger     *slog.Logger
	onCooldown CooldownObserver
	metrics    MetricsRecorder

	uaIndex atomic.Int64

	hostMu   sync.Mutex
	lastCall map[string]time.Time
}

// New constructs a Gateway. onCooldown and metrics may both be nil.
func New(cfg *config.GatewayConfig, c clock.Clock, logger *slog.Logger, onCooldown CooldownObserver, metrics MetricsRecorder) (*Gateway, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 20,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig:     &tls.Config{},
		DisableCompression:  true, // decompression handled explicitly, including brotli
	}

	client := &http.Client{
		Transport: transport,
		Jar:       jar,
		Timeout:   cfg.RequestTimeout,
	}

	return &Gateway{
		client:     client,
		cfg:        cfg,
		clock:      c,
		logger:     logger.With("component", "gateway"),
		onCooldown: onCooldown,
		metrics:    metrics,
		lastCall:   make(map[string]time.Time),
	}, nil
}

// Close releases idle connections.
func (g *Gateway) Close() {
	g.client.CloseIdleConnections()
}

// Get performs a paced GET to rawURL, retrying per §4.3, and returns a
// classified Response. requestDelay is the per-user delay setting; the
// realized pacing gap is max(requestDelay, min_floor) + jitter.
func (g *Gateway) Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*Response, error) {
	host, err := hostOf(rawURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: invalid url %q: %w", rawURL, err)
	}

	wait := g.paceFor(ctx, host, requestDelay)

	start := g.clock.Now()
	resp := g.doWithRetries(ctx, rawURL, host)
	if g.metrics != nil {
		g.metrics.RecordGatewayRequest(string(resp.Outcome), g.clock.Now().Sub(start))
	}
	resp.RealizedWait = wait
	return resp, nil
}

// paceFor blocks until the minimum monotonic gap since the last request to
// host has elapsed, then records the new call time. Returns the duration
// actually waited.
func (g *Gateway) paceFor(ctx context.Context, host string, requestDelay time.Duration) time.Duration {
	minGap := requestDelay
	if minGap < g.cfg.MinRequestDelay {
		minGap = g.cfg.MinRequestDelay
	}

	jitter := time.Duration(rand.Float64() * g.cfg.JitterSeconds * float64(time.Second))

	g.hostMu.Lock()
	last, seen := g.lastCall[host]
	g.hostMu.Unlock()

	var toWait time.Duration
	if seen {
		elapsed := g.clock.Now().Sub(last)
		needed := minGap + jitter
		if elapsed < needed {
			toWait = needed - elapsed
		}
	}

	if toWait > 0 {
		_ = g.clock.Sleep(ctx, toWait)
	}

	g.hostMu.Lock()
	g.lastCall[host] = g.clock.Now()
	g.hostMu.Unlock()

	return toWait
}

// doWithRetries performs the request, retrying network_error and
// rate_limited outcomes per §4.3; blocked_or_captcha is never retried.
func (g *Gateway) doWithRetries(ctx context.Context, rawURL string, host string) *Response {
	var last *Response

	for attempt := 0; attempt <= g.cfg.NetworkErrorRetries; attempt++ {
		last = g.doOnce(ctx, rawURL)

		switch last.Outcome {
		case OutcomeNetworkError:
			if attempt == g.cfg.NetworkErrorRetries {
				return last
			}
			backoff := time.Duration(g.cfg.RetryBackoffSeconds*pow2(attempt)) * time.Second
			if err := g.clock.Sleep(ctx, backoff); err != nil {
				return last
			}
			continue
		case OutcomeRateLimited:
			if attempt >= 1 {
				return last
			}
			sleepFor := last.RealizedWait
			if sleepFor <= 0 {
				sleepFor = time.Duration(g.cfg.RetryBackoffSeconds) * time.Second
			}
			if err := g.clock.Sleep(ctx, sleepFor); err != nil {
				return last
			}
			continue
		case OutcomeBlockedOrCaptcha:
			if g.onCooldown != nil {
				g.onCooldown(host, OutcomeBlockedOrCaptcha)
			}
			return last
		default:
			return last
		}
	}
	return last
}

func pow2(n int) float64 {
	result := 1.0
	for i := 0; i < n; i++ {
		result *= 2
	}
	return result
}

func (g *Gateway) doOnce(ctx context.Context, rawURL string) *Response {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return &Response{Outcome: OutcomeNetworkError, Err: err}
	}

	httpReq.Header.Set("User-Agent", g.nextUserAgent())
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	httpReq.Header.Set("Accept-Language", "en-US,en;q=0.9")
	httpReq.Header.Set("Accept-Encoding", "gzip, deflate, br")
	httpReq.Header.Set("Connection", "keep-alive")

	httpResp, err := g.client.Do(httpReq)
	if err != nil {
		return &Response{Outcome: OutcomeNetworkError, Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(httpResp.Header.Get("Retry-After"), g.cfg.MaxRetryAfterSeconds)
		return &Response{
			Outcome:      OutcomeRateLimited,
			StatusCode:   httpResp.StatusCode,
			RealizedWait: retryAfter,
			Err:          fmt.Errorf("HTTP 429: rate limited"),
		}
	}

	if httpResp.StatusCode == http.StatusForbidden || httpResp.StatusCode == http.StatusServiceUnavailable {
		return &Response{Outcome: OutcomeBlockedOrCaptcha, StatusCode: httpResp.StatusCode}
	}

	if httpResp.StatusCode >= 500 {
		return &Response{
			Outcome:    OutcomeNetworkError,
			StatusCode: httpResp.StatusCode,
			Err:        fmt.Errorf("HTTP %d", httpResp.StatusCode),
		}
	}

	var reader io.Reader = httpResp.Body
	if g.cfg.MaxBodySize > 0 {
		reader = io.LimitReader(reader, g.cfg.MaxBodySize)
	}
	reader, err = decompressReader(httpResp, reader)
	if err != nil {
		return &Response{Outcome: OutcomeParseFailure, StatusCode: httpResp.StatusCode, Err: err}
	}

	body, err := io.ReadAll(reader)
	if err != nil {
		return &Response{Outcome: OutcomeNetworkError, StatusCode: httpResp.StatusCode, Err: err}
	}

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 && bodyLooksBlocked(body, g.cfg.BlockedSentinels) {
		return &Response{Outcome: OutcomeBlockedOrCaptcha, StatusCode: httpResp.StatusCode, Body: body}
	}

	if httpResp.StatusCode >= 400 {
		return &Response{
			Outcome:    OutcomeParseFailure,
			StatusCode: httpResp.StatusCode,
			Body:       body,
			Err:        fmt.Errorf("HTTP %d", httpResp.StatusCode),
		}
	}

	return &Response{Outcome: OutcomeOK, StatusCode: httpResp.StatusCode, Body: body}
}

func bodyLooksBlocked(body []byte, sentinels []string) bool {
	lowered := strings.ToLower(string(body))
	for _, s := range sentinels {
		if strings.Contains(lowered, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

func (g *Gateway) nextUserAgent() string {
	agents := g.cfg.UserAgents
	if len(agents) == 0 {
		return "scholarr-ingestion/" + config.Version
	}
	idx := g.uaIndex.Add(1) % int64(len(agents))
	return agents[idx]
}

// decompressReader wraps a reader with the appropriate decompressor for
// gzip, deflate, or brotli Content-Encoding.
func decompressReader(resp *http.Response, reader io.Reader) (io.Reader, error) {
	switch resp.Header.Get("Content-Encoding") {
	case "gzip":
		return gzip.NewReader(reader)
	case "deflate":
		return flate.NewReader(reader), nil
	case "br":
		return brotli.NewReader(reader), nil
	default:
		return reader, nil
	}
}

// parseRetryAfter parses the Retry-After header, supporting both integer
// seconds and HTTP-date forms, capped at capSeconds.
func parseRetryAfter(header string, capSeconds int) time.Duration {
	cap := time.Duration(capSeconds) * time.Second
	if header == "" {
		return 5 * time.Second
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(header)); err == nil {
		d := time.Duration(secs) * time.Second
		if d > cap {
			return cap
		}
		return d
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			return time.Second
		}
		if d > cap {
			return cap
		}
		return d
	}
	return 5 * time.Second
}

func hostOf(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "", errors.New("no host in url")
	}
	return u.Host, nil
}
