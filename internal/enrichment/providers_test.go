package enrichment

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/gateway"
	"github.com/scholarr/ingestion/internal/model"
)

type rawGateway struct {
	body []byte
}

func (g *rawGateway) Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error) {
	return &gateway.Response{Outcome: gateway.OutcomeOK, Body: g.body}, nil
}

func TestOpenAlexProviderParsesResult(t *testing.T) {
	gw := &rawGateway{body: []byte(`{"results":[{"doi":"10.1/xyz","ids":{"pmid":"123","openalex":"W1"}}]}`)}
	p := NewOpenAlexProvider(gw, 0, "")

	ids, ok, err := p.Lookup(context.Background(), model.Publication{CanonicalTitle: "Some Paper"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "10.1/xyz", ids.DOI)
	assert.Equal(t, "123", ids.PMID)
	assert.Equal(t, "W1", ids.OpenAlexID)
}

func TestOpenAlexProviderEmptyResultsIsMiss(t *testing.T) {
	gw := &rawGateway{body: []byte(`{"results":[]}`)}
	p := NewOpenAlexProvider(gw, 0, "")

	_, ok, err := p.Lookup(context.Background(), model.Publication{CanonicalTitle: "Some Paper"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCrossrefProviderSkipsWhenDOIAlreadyKnown(t *testing.T) {
	gw := &rawGateway{body: []byte(`{"message":{"items":[{"DOI":"10.1/should-not-be-used"}]}}`)}
	p := NewCrossrefProvider(gw, 0, "")

	_, ok, err := p.Lookup(context.Background(), model.Publication{CanonicalTitle: "X", Identifiers: model.Identifiers{DOI: "10.1/known"}})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestArxivProviderExtractsIDFromAtomFeed(t *testing.T) {
	gw := &rawGateway{body: []byte(`<feed><entry><id>http://arxiv.org/abs/2101.00001v2</id></entry></feed>`)}
	p := NewArxivProvider(gw, 0, "")

	ids, ok, err := p.Lookup(context.Background(), model.Publication{CanonicalTitle: "Some Paper"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2101.00001", ids.ArxivID)
}

func TestArxivProviderNoMatchIsMiss(t *testing.T) {
	gw := &rawGateway{body: []byte(`<feed></feed>`)}
	p := NewArxivProvider(gw, 0, "")

	_, ok, err := p.Lookup(context.Background(), model.Publication{CanonicalTitle: "Some Paper"})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestOpenAlexProviderWithServerBaseURLAndFakeGateway(t *testing.T) {
	srv := httptest.NewServer(nil)
	defer srv.Close()
	// Exercises that OpenAlexProvider's URL building doesn't depend on any
	// particular gateway implementation beyond the GatewayClient interface.
	gw := &rawGateway{body: []byte(`{"results":[]}`)}
	p := NewOpenAlexProvider(gw, 0, srv.URL)
	_, ok, err := p.Lookup(context.Background(), model.Publication{CanonicalTitle: "X"})
	require.NoError(t, err)
	require.False(t, ok)
}
