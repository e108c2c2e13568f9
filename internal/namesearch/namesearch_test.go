package namesearch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/gateway"
)

type fakeGateway struct {
	outcome gateway.Outcome
	body    []byte
	calls   int
}

func (g *fakeGateway) Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error) {
	g.calls++
	return &gateway.Response{Outcome: g.outcome, Body: g.body}, nil
}

func testCfg() Config {
	return Config{
		MinInterval:            0,
		CooldownBlockThreshold: 2,
		CooldownDuration:       time.Minute,
		CacheSize:              16,
		PositiveTTL:            time.Minute,
		NegativeTTL:            time.Minute,
	}
}

const searchResultsHTML = `<html><body>
<div class="gsc_1usr">
  <div class="gs_ai_name"><a href="/citations?user=abc123">Ada Lovelace</a></div>
  <div class="gs_ai_aff">Analytical Engines Dept</div>
  <div class="gs_ai_eml">Verified email at example.edu</div>
</div>
</body></html>`

func TestSearchParsesCandidates(t *testing.T) {
	gw := &fakeGateway{outcome: gateway.OutcomeOK, body: []byte(searchResultsHTML)}
	s, err := New(gw, testCfg(), nil)
	require.NoError(t, err)

	candidates, err := s.Search(context.Background(), "Ada Lovelace")
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "abc123", candidates[0].ProfileID)
	assert.Equal(t, "Ada Lovelace", candidates[0].DisplayName)
}

func TestSearchCachesPositiveResult(t *testing.T) {
	gw := &fakeGateway{outcome: gateway.OutcomeOK, body: []byte(searchResultsHTML)}
	s, err := New(gw, testCfg(), nil)
	require.NoError(t, err)

	_, err = s.Search(context.Background(), "Ada Lovelace")
	require.NoError(t, err)
	_, err = s.Search(context.Background(), "Ada Lovelace")
	require.NoError(t, err)
	assert.Equal(t, 1, gw.calls)
}

func TestSearchCachesNegativeResultOnNoMatches(t *testing.T) {
	gw := &fakeGateway{outcome: gateway.OutcomeOK, body: []byte(`<html><body></body></html>`)}
	s, err := New(gw, testCfg(), nil)
	require.NoError(t, err)

	first, err := s.Search(context.Background(), "Nobody")
	require.NoError(t, err)
	assert.Empty(t, first)

	second, err := s.Search(context.Background(), "Nobody")
	require.NoError(t, err)
	assert.Empty(t, second)
	assert.Equal(t, 1, gw.calls)
}

func TestBreakerOpensAfterConsecutiveBlocked(t *testing.T) {
	gw := &fakeGateway{outcome: gateway.OutcomeBlockedOrCaptcha}
	s, err := New(gw, testCfg(), nil)
	require.NoError(t, err)

	_, err = s.Search(context.Background(), "q1")
	require.Error(t, err)
	_, err = s.Search(context.Background(), "q2")
	require.Error(t, err)

	_, err = s.Search(context.Background(), "q3")
	assert.ErrorIs(t, err, ErrBreakerOpen)
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	gw := &fakeGateway{outcome: gateway.OutcomeBlockedOrCaptcha}
	s, err := New(gw, testCfg(), nil)
	require.NoError(t, err)

	_, _ = s.Search(context.Background(), "q1")
	gw.outcome = gateway.OutcomeOK
	gw.body = []byte(searchResultsHTML)
	_, err = s.Search(context.Background(), "q2")
	require.NoError(t, err)

	gw.outcome = gateway.OutcomeBlockedOrCaptcha
	_, err = s.Search(context.Background(), "q3")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBreakerOpen)
}
