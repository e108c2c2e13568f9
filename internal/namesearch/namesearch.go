// Package namesearch implements the name-search side channel of §4.10/§9:
// a bounded LRU cache (positive + negative TTL) in front of a circuit
// breaker that pauses lookups after a run of consecutive blocked responses.
// Grounded on estuary-flow/go/network/frontend.go's sniCache
// *lru.Cache[parsedSNI, resolvedSNI] usage, generalized from resolved-SNI
// entries to scholar-candidate result sets.
package namesearch

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/PuerkitoBio/goquery"

	"github.com/scholarr/ingestion/internal/gateway"
)

// Candidate is one scholar profile surfaced by a name search.
type Candidate struct {
	ProfileID   string
	DisplayName string
	Affiliation string
	EmailDomain string
}

type cacheEntry struct {
	candidates []Candidate
	negative   bool
	expiresAt  time.Time
}

// GatewayClient is the subset of *gateway.Gateway a search needs. Name
// searches go through the same Gateway as every other outbound fetch, so
// they inherit its pacing and outcome classification.
type GatewayClient interface {
	Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error)
}

// Config bounds the cache and the breaker.
type Config struct {
	MinInterval            time.Duration
	IntervalJitter         time.Duration
	CooldownBlockThreshold int
	CooldownDuration       time.Duration
	CacheSize              int
	PositiveTTL            time.Duration
	NegativeTTL            time.Duration
	BaseURL                string
}

// MetricsRecorder receives breaker-state and lookup-outcome observations.
// Satisfied by *observability.Metrics; kept as a narrow local interface so
// the Searcher doesn't import internal/observability.
type MetricsRecorder interface {
	SetNameSearchBreakerState(open bool)
	RecordNameSearch(outcome string)
}

// Searcher performs name searches through a breaker-guarded, cached path.
// The breaker is orthogonal to the run-level Safety Controller cooldown —
// tripping it never touches SafetyState.
type Searcher struct {
	gw      GatewayClient
	cfg     Config
	metrics MetricsRecorder

	cache *lru.Cache[string, cacheEntry]

	mu                 sync.Mutex
	consecutiveBlocked int
	breakerUntil       time.Time
}

// New constructs a Searcher. metrics may be nil.
func New(gw GatewayClient, cfg Config, metrics MetricsRecorder) (*Searcher, error) {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://scholar.google.com/citations"
	}
	cache, err := lru.New[string, cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("namesearch: new cache: %w", err)
	}
	return &Searcher{gw: gw, cfg: cfg, cache: cache, metrics: metrics}, nil
}

// ErrBreakerOpen is returned while the circuit breaker is paused.
var ErrBreakerOpen = fmt.Errorf("namesearch: circuit breaker open")

// Search looks up candidates for a display name query, consulting the cache
// first, then the breaker, then the Gateway.
func (s *Searcher) Search(ctx context.Context, query string) ([]Candidate, error) {
	if entry, ok := s.cache.Get(query); ok && time.Now().Before(entry.expiresAt) {
		if entry.negative {
			s.recordOutcome("miss")
			return nil, nil
		}
		s.recordOutcome("hit")
		return entry.candidates, nil
	}

	if s.breakerOpen() {
		s.recordOutcome("breaker_open")
		return nil, ErrBreakerOpen
	}

	u := fmt.Sprintf("%s?view_op=search_authors&mauthors=%s", s.cfg.BaseURL, query)
	resp, err := s.gw.Get(ctx, u, s.cfg.MinInterval)
	if err != nil {
		return nil, fmt.Errorf("namesearch: search: %w", err)
	}

	if resp.Outcome == gateway.OutcomeBlockedOrCaptcha {
		s.recordBlocked()
		s.recordOutcome("blocked")
		return nil, fmt.Errorf("namesearch: blocked")
	}
	s.recordSuccess()

	if resp.Outcome != gateway.OutcomeOK {
		s.cache.Add(query, cacheEntry{negative: true, expiresAt: time.Now().Add(s.cfg.NegativeTTL)})
		s.recordOutcome("miss")
		return nil, nil
	}

	candidates, err := parseCandidates(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("namesearch: parse: %w", err)
	}
	if len(candidates) == 0 {
		s.cache.Add(query, cacheEntry{negative: true, expiresAt: time.Now().Add(s.cfg.NegativeTTL)})
		s.recordOutcome("miss")
		return nil, nil
	}
	s.cache.Add(query, cacheEntry{candidates: candidates, expiresAt: time.Now().Add(s.cfg.PositiveTTL)})
	s.recordOutcome("hit")
	return candidates, nil
}

func (s *Searcher) recordOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordNameSearch(outcome)
	}
}

func (s *Searcher) breakerOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.breakerUntil)
}

func (s *Searcher) recordBlocked() {
	s.mu.Lock()
	s.consecutiveBlocked++
	tripped := s.consecutiveBlocked >= s.cfg.CooldownBlockThreshold
	if tripped {
		s.breakerUntil = time.Now().Add(s.cfg.CooldownDuration)
	}
	s.mu.Unlock()
	if tripped && s.metrics != nil {
		s.metrics.SetNameSearchBreakerState(true)
	}
}

func (s *Searcher) recordSuccess() {
	s.mu.Lock()
	wasOpen := time.Now().Before(s.breakerUntil)
	s.consecutiveBlocked = 0
	s.mu.Unlock()
	if wasOpen && s.metrics != nil {
		s.metrics.SetNameSearchBreakerState(false)
	}
}

// parseCandidates extracts scholar candidates from a search_authors results
// page. Grounded on internal/scholarsource's single-schema goquery style —
// this page has its own fixed DOM, distinct from the profile page schema.
func parseCandidates(body []byte) ([]Candidate, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	var out []Candidate
	doc.Find(".gsc_1usr").Each(func(_ int, sel *goquery.Selection) {
		link := sel.Find(".gs_ai_name a")
		href, _ := link.Attr("href")
		out = append(out, Candidate{
			ProfileID:   extractUserParam(href),
			DisplayName: strings.TrimSpace(link.Text()),
			Affiliation: strings.TrimSpace(sel.Find(".gs_ai_aff").Text()),
			EmailDomain: strings.TrimSpace(sel.Find(".gs_ai_eml").Text()),
		})
	})
	return out, nil
}

// extractUserParam reads the "user" query parameter off a profile link
// href, the scholar's profile id.
func extractUserParam(href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	return u.Query().Get("user")
}
