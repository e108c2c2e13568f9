package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/scholarr/ingestion/internal/config"
	"github.com/scholarr/ingestion/internal/gateway"
	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/paginator"
)

type fakeGateway struct {
	pages []string
	calls int
}

func (f *fakeGateway) Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.pages) {
		return &gateway.Response{Outcome: gateway.OutcomeOK, Body: []byte(`<html><body><table id="gsc_a_b"></table></body></html>`)}, nil
	}
	return &gateway.Response{Outcome: gateway.OutcomeOK, Body: []byte(f.pages[idx])}, nil
}

type fakeLinks struct {
	counts map[string]int
}

func (f *fakeLinks) ExistingCitationCount(ctx context.Context, scholarProfileID, clusterID string) (int, bool, error) {
	c, ok := f.counts[clusterID]
	return c, ok, nil
}

type blockedGateway struct{}

func (b *blockedGateway) Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error) {
	return &gateway.Response{Outcome: gateway.OutcomeBlockedOrCaptcha}, nil
}

const onePageHTML = `
<html><body>
<div id="gsc_prf_in">Ada Lovelace</div>
<table id="gsc_a_b">
  <tr class="gsc_a_tr">
    <td><a class="gsc_a_at" href="/citations?view_op=view_citation&amp;citation_for_view=u1:c1">Paper One</a>
      <div class="gs_gray">Author A</div><div class="gs_gray">Venue A</div></td>
    <td class="gsc_a_c"><a>10</a></td>
    <td class="gsc_a_y"><span>2020</span></td>
  </tr>
</table>
</body></html>`

func TestProcessorRunSuccessReachesStateSuccess(t *testing.T) {
	cfg := config.DefaultConfig().Ingestion
	w := paginator.New(&fakeGateway{pages: []string{onePageHTML}}, &fakeLinks{counts: map[string]int{}}, cfg)
	p := New(w, nil)

	result, state := p.Run(context.Background(), model.ScholarProfile{ID: "s1", ScholarID: "abc"}, 0, false, nil)
	assert.Equal(t, model.OutcomeSuccess, result.Outcome)
	assert.Equal(t, StateSuccess, state)
	assert.True(t, state.Terminal())
	assert.Equal(t, model.OutcomeSuccess, state.Outcome())
}

func TestProcessorRunBlockedSkipsUpsertingState(t *testing.T) {
	cfg := config.DefaultConfig().Ingestion
	w := paginator.New(&blockedGateway{}, &fakeLinks{counts: map[string]int{}}, cfg)
	p := New(w, nil)

	_, state := p.Run(context.Background(), model.ScholarProfile{ID: "s1", ScholarID: "abc"}, 0, false, nil)
	assert.Equal(t, StateBlocked, state)
}

func TestProcessorRunPanicsOnSecondCall(t *testing.T) {
	cfg := config.DefaultConfig().Ingestion
	w := paginator.New(&blockedGateway{}, &fakeLinks{counts: map[string]int{}}, cfg)
	p := New(w, nil)
	p.Run(context.Background(), model.ScholarProfile{ID: "s1", ScholarID: "abc"}, 0, false, nil)

	assert.Panics(t, func() {
		p.Run(context.Background(), model.ScholarProfile{ID: "s1", ScholarID: "abc"}, 0, false, nil)
	})
}

func TestRollupOutcome(t *testing.T) {
	assert.Equal(t, model.RunSuccess, RollupOutcome([]model.ScholarOutcome{model.OutcomeSuccess, model.OutcomeSkippedNoChange}))
	assert.Equal(t, model.RunPartialFailure, RollupOutcome([]model.ScholarOutcome{model.OutcomeSuccess, model.OutcomeBlocked}))
	assert.Equal(t, model.RunFailed, RollupOutcome([]model.ScholarOutcome{model.OutcomeBlocked, model.OutcomeNetworkError}))
	assert.Equal(t, model.RunSuccess, RollupOutcome(nil))
}
