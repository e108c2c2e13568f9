package paginator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/config"
	"github.com/scholarr/ingestion/internal/gateway"
	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/scholarsource"
)

type fakeGateway struct {
	pages []string
	calls int
}

func (f *fakeGateway) Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error) {
	idx := f.calls
	f.calls++
	if idx >= len(f.pages) {
		return &gateway.Response{Outcome: gateway.OutcomeOK, Body: []byte(emptyPage)}, nil
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

const onePageHTML = `
<html><body>
<div id="gsc_prf_in">Ada Lovelace</div>
<div class="gsc_prf_il">Institute</div>
<div id="gsc_prf_ivh">Verified email at example.com</div>
<table id="gsc_a_b">
  <tr class="gsc_a_tr">
    <td><a class="gsc_a_at" href="/citations?view_op=view_citation&amp;citation_for_view=u1:c1">Paper One</a>
      <div class="gs_gray">Author A</div><div class="gs_gray">Venue A</div></td>
    <td class="gsc_a_c"><a>10</a></td>
    <td class="gsc_a_y"><span>2020</span></td>
  </tr>
</table>
</body></html>`

const emptyPage = `<html><body><table id="gsc_a_b"></table></body></html>`

func TestWalkSuccessSinglePage(t *testing.T) {
	gw := &fakeGateway{pages: []string{onePageHTML}}
	links := &fakeLinks{counts: map[string]int{}}
	cfg := config.DefaultConfig().Ingestion

	w := New(gw, links, cfg)
	sunkRows := 0
	result := w.Walk(context.Background(), model.ScholarProfile{ID: "s1", ScholarID: "abc"}, 0, false, func(ctx context.Context, page int, rows []scholarsource.PublicationRow) error {
		sunkRows += len(rows)
		return nil
	})
	assert.Equal(t, 1, sunkRows)
	assert.Equal(t, model.OutcomeSuccess, result.Outcome)
	require.NotNil(t, result.ProfileMeta)
	assert.Equal(t, "Ada Lovelace", result.ProfileMeta.DisplayName)
	assert.Equal(t, 1, result.PagesFetched)
}

func TestWalkSkippedNoChangeOnMatchingHead(t *testing.T) {
	gw := &fakeGateway{pages: []string{onePageHTML}}
	links := &fakeLinks{counts: map[string]int{}}
	cfg := config.DefaultConfig().Ingestion

	w := New(gw, links, cfg)
	first := w.Walk(context.Background(), model.ScholarProfile{ID: "s1", ScholarID: "abc"}, 0, false, nil)
	require.Equal(t, model.OutcomeSuccess, first.Outcome)

	gw2 := &fakeGateway{pages: []string{onePageHTML}}
	scholar := model.ScholarProfile{ID: "s1", ScholarID: "abc", LastFingerprintHead: first.HeadFingerprint}
	second := New(gw2, links, cfg).Walk(context.Background(), scholar, 0, false, nil)
	assert.Equal(t, model.OutcomeSkippedNoChange, second.Outcome)
}

func TestWalkBlockedSurfacesContinuation(t *testing.T) {
	gw := &blockedGateway{}
	links := &fakeLinks{counts: map[string]int{}}
	cfg := config.DefaultConfig().Ingestion

	w := New(gw, links, cfg)
	result := w.Walk(context.Background(), model.ScholarProfile{ID: "s1", ScholarID: "abc"}, 0, false, nil)
	assert.Equal(t, model.OutcomeBlocked, result.Outcome)
	assert.Equal(t, "page:0", result.ContinuationCursor)
}

type blockedGateway struct{}

func (b *blockedGateway) Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error) {
	return &gateway.Response{Outcome: gateway.OutcomeBlockedOrCaptcha}, nil
}
