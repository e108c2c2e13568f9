package enrichment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/scholarr/ingestion/internal/gateway"
	"github.com/scholarr/ingestion/internal/model"
)

// GatewayClient is the subset of *gateway.Gateway each provider needs.
// Every provider call is subject to the same per-host pacing as the
// Scholar Source fetches, per §4.8.
type GatewayClient interface {
	Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error)
}

// OpenAlexProvider looks up DOI/PMID/OpenAlex id by searching for the
// publication's DOI, or its canonical title when it has no DOI, the first
// provider in §4.8's chain.
type OpenAlexProvider struct {
	gw           GatewayClient
	requestDelay time.Duration
	baseURL      string
}

// NewOpenAlexProvider constructs an OpenAlexProvider. baseURL defaults to
// the public OpenAlex API when empty.
func NewOpenAlexProvider(gw GatewayClient, requestDelay time.Duration, baseURL string) *OpenAlexProvider {
	if baseURL == "" {
		baseURL = "https://api.openalex.org/works"
	}
	return &OpenAlexProvider{gw: gw, requestDelay: requestDelay, baseURL: baseURL}
}

func (p *OpenAlexProvider) Name() string { return "openalex" }

type openAlexResponse struct {
	Results []struct {
		DOI        string `json:"doi"`
		IDs        struct {
			PMID       string `json:"pmid"`
			OpenAlexID string `json:"openalex"`
		} `json:"ids"`
	} `json:"results"`
}

func (p *OpenAlexProvider) Lookup(ctx context.Context, pub model.Publication) (model.Identifiers, bool, error) {
	query := pub.Identifiers.DOI
	if query == "" {
		query = pub.CanonicalTitle
	}
	if query == "" {
		return model.Identifiers{}, false, nil
	}

	u := p.baseURL + "?search=" + url.QueryEscape(query) + "&per_page=1"
	resp, err := p.gw.Get(ctx, u, p.requestDelay)
	if err != nil {
		return model.Identifiers{}, false, fmt.Errorf("openalex: %w", err)
	}
	if resp.Outcome != gateway.OutcomeOK {
		return model.Identifiers{}, false, nil
	}

	var parsed openAlexResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return model.Identifiers{}, false, fmt.Errorf("openalex: decode: %w", err)
	}
	if len(parsed.Results) == 0 {
		return model.Identifiers{}, false, nil
	}

	result := parsed.Results[0]
	ids := model.Identifiers{DOI: result.DOI, PMID: result.IDs.PMID, OpenAlexID: result.IDs.OpenAlexID}
	if ids.DOI == "" && ids.PMID == "" && ids.OpenAlexID == "" {
		return model.Identifiers{}, false, nil
	}
	return ids, true, nil
}

// CrossrefProvider recovers a DOI by a bibliographic query on the canonical
// title alone (authors and year are not sent), the second provider in
// §4.8's chain.
type CrossrefProvider struct {
	gw           GatewayClient
	requestDelay time.Duration
	baseURL      string
}

// NewCrossrefProvider constructs a CrossrefProvider.
func NewCrossrefProvider(gw GatewayClient, requestDelay time.Duration, baseURL string) *CrossrefProvider {
	if baseURL == "" {
		baseURL = "https://api.crossref.org/works"
	}
	return &CrossrefProvider{gw: gw, requestDelay: requestDelay, baseURL: baseURL}
}

func (p *CrossrefProvider) Name() string { return "crossref" }

type crossrefResponse struct {
	Message struct {
		Items []struct {
			DOI string `json:"DOI"`
		} `json:"items"`
	} `json:"message"`
}

func (p *CrossrefProvider) Lookup(ctx context.Context, pub model.Publication) (model.Identifiers, bool, error) {
	if pub.Identifiers.DOI != "" || pub.CanonicalTitle == "" {
		return model.Identifiers{}, false, nil
	}

	u := p.baseURL + "?query.bibliographic=" + url.QueryEscape(pub.CanonicalTitle) + "&rows=1"
	resp, err := p.gw.Get(ctx, u, p.requestDelay)
	if err != nil {
		return model.Identifiers{}, false, fmt.Errorf("crossref: %w", err)
	}
	if resp.Outcome != gateway.OutcomeOK {
		return model.Identifiers{}, false, nil
	}

	var parsed crossrefResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return model.Identifiers{}, false, fmt.Errorf("crossref: decode: %w", err)
	}
	if len(parsed.Message.Items) == 0 || parsed.Message.Items[0].DOI == "" {
		return model.Identifiers{}, false, nil
	}
	return model.Identifiers{DOI: parsed.Message.Items[0].DOI}, true, nil
}

// ArxivProvider recovers an arXiv id by a title search (authors are not
// sent), the last provider in §4.8's chain.
type ArxivProvider struct {
	gw           GatewayClient
	requestDelay time.Duration
	baseURL      string
}

// NewArxivProvider constructs an ArxivProvider.
func NewArxivProvider(gw GatewayClient, requestDelay time.Duration, baseURL string) *ArxivProvider {
	if baseURL == "" {
		baseURL = "http://export.arxiv.org/api/query"
	}
	return &ArxivProvider{gw: gw, requestDelay: requestDelay, baseURL: baseURL}
}

func (p *ArxivProvider) Name() string { return "arxiv" }

func (p *ArxivProvider) Lookup(ctx context.Context, pub model.Publication) (model.Identifiers, bool, error) {
	if pub.Identifiers.ArxivID != "" || pub.CanonicalTitle == "" {
		return model.Identifiers{}, false, nil
	}

	u := p.baseURL + "?search_query=ti:" + url.QueryEscape(`"`+pub.CanonicalTitle+`"`) + "&max_results=1"
	resp, err := p.gw.Get(ctx, u, p.requestDelay)
	if err != nil {
		return model.Identifiers{}, false, fmt.Errorf("arxiv: %w", err)
	}
	if resp.Outcome != gateway.OutcomeOK {
		return model.Identifiers{}, false, nil
	}

	id := extractArxivID(resp.Body)
	if id == "" {
		return model.Identifiers{}, false, nil
	}
	return model.Identifiers{ArxivID: id}, true, nil
}

// extractArxivID pulls the numeric arXiv id out of an Atom feed's first
// <id>http://arxiv.org/abs/XXXX.XXXXX</id> entry without a full XML decode,
// mirroring how little of the feed the system actually needs.
func extractArxivID(body []byte) string {
	marker := []byte("arxiv.org/abs/")
	idx := bytes.Index(body, marker)
	if idx < 0 {
		return ""
	}
	start := idx + len(marker)
	end := start
	for end < len(body) && body[end] != '<' && body[end] != 'v' {
		end++
	}
	if end <= start {
		return ""
	}
	return string(body[start:end])
}
