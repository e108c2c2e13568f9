package pdfqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/gateway"
	"github.com/scholarr/ingestion/internal/model"
)

type rawGateway struct {
	outcome gateway.Outcome
	body    []byte
}

func (g *rawGateway) Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error) {
	return &gateway.Response{Outcome: g.outcome, Body: g.body}, nil
}

func TestUnpaywallResolverSkipsWithoutDOI(t *testing.T) {
	r := NewUnpaywallResolver(&rawGateway{}, 0, "", "ops@example.test")
	_, found, retryable, err := r.Resolve(context.Background(), model.Publication{})
	require.NoError(t, err)
	assert.False(t, found)
	assert.False(t, retryable)
}

func TestUnpaywallResolverParsesBestOaLocation(t *testing.T) {
	gw := &rawGateway{outcome: gateway.OutcomeOK, body: []byte(`{"best_oa_location":{"url_for_pdf":"https://example.test/a.pdf"}}`)}
	r := NewUnpaywallResolver(gw, 0, "", "ops@example.test")

	pdfURL, found, retryable, err := r.Resolve(context.Background(), model.Publication{Identifiers: model.Identifiers{DOI: "10.1/x"}})
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, retryable)
	assert.Equal(t, "https://example.test/a.pdf", pdfURL)
}

func TestUnpaywallResolverNetworkErrorIsRetryable(t *testing.T) {
	gw := &rawGateway{outcome: gateway.OutcomeNetworkError}
	r := NewUnpaywallResolver(gw, 0, "", "ops@example.test")

	_, found, retryable, err := r.Resolve(context.Background(), model.Publication{Identifiers: model.Identifiers{DOI: "10.1/x"}})
	require.Error(t, err)
	assert.False(t, found)
	assert.True(t, retryable)
}

func TestArxivResolverSkipsWithoutArxivID(t *testing.T) {
	r := NewArxivResolver(&rawGateway{}, 0, "")
	_, found, _, err := r.Resolve(context.Background(), model.Publication{})
	require.NoError(t, err)
	assert.False(t, found)
}

func TestArxivResolverReturnsDirectPDFURL(t *testing.T) {
	gw := &rawGateway{outcome: gateway.OutcomeOK}
	r := NewArxivResolver(gw, 0, "https://arxiv.test/pdf")

	pdfURL, found, _, err := r.Resolve(context.Background(), model.Publication{Identifiers: model.Identifiers{ArxivID: "2101.00001"}})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "https://arxiv.test/pdf/2101.00001.pdf", pdfURL)
}
