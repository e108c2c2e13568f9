package pdfqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/scholarr/ingestion/internal/gateway"
	"github.com/scholarr/ingestion/internal/model"
)

// GatewayClient is the subset of *gateway.Gateway a Resolver needs. Every
// resolver call is subject to the same per-host pacing as every other
// outbound fetch, per §4.9.
type GatewayClient interface {
	Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error)
}

// UnpaywallResolver resolves a PDF via Unpaywall when the publication has a
// DOI, the first resolver in §4.9's chain.
type UnpaywallResolver struct {
	gw           GatewayClient
	requestDelay time.Duration
	baseURL      string
	email        string
}

// NewUnpaywallResolver constructs an UnpaywallResolver. email is the
// contact address Unpaywall's API requires as a query parameter.
func NewUnpaywallResolver(gw GatewayClient, requestDelay time.Duration, baseURL, email string) *UnpaywallResolver {
	if baseURL == "" {
		baseURL = "https://api.unpaywall.org/v2"
	}
	return &UnpaywallResolver{gw: gw, requestDelay: requestDelay, baseURL: baseURL, email: email}
}

func (r *UnpaywallResolver) Name() string { return "unpaywall" }

type unpaywallResponse struct {
	BestOaLocation struct {
		URLForPdf string `json:"url_for_pdf"`
	} `json:"best_oa_location"`
}

func (r *UnpaywallResolver) Resolve(ctx context.Context, pub model.Publication) (string, bool, bool, error) {
	if pub.Identifiers.DOI == "" {
		return "", false, false, nil
	}

	u := fmt.Sprintf("%s/%s?email=%s", r.baseURL, url.PathEscape(pub.Identifiers.DOI), url.QueryEscape(r.email))
	resp, err := r.gw.Get(ctx, u, r.requestDelay)
	if err != nil {
		return "", false, true, fmt.Errorf("unpaywall: %w", err)
	}
	switch resp.Outcome {
	case gateway.OutcomeNetworkError, gateway.OutcomeRateLimited:
		return "", false, true, fmt.Errorf("unpaywall: %s", resp.Outcome)
	case gateway.OutcomeBlockedOrCaptcha:
		return "", false, true, fmt.Errorf("unpaywall: blocked")
	case gateway.OutcomeParseFailure:
		return "", false, false, nil
	}

	var parsed unpaywallResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return "", false, false, fmt.Errorf("unpaywall: decode: %w", err)
	}
	if parsed.BestOaLocation.URLForPdf == "" {
		return "", false, false, nil
	}
	return parsed.BestOaLocation.URLForPdf, true, false, nil
}

// ArxivResolver resolves a PDF directly from arXiv's fixed URL scheme when
// the publication has an arxiv_id, the fallback in §4.9's chain.
type ArxivResolver struct {
	gw           GatewayClient
	requestDelay time.Duration
	baseURL      string
}

// NewArxivResolver constructs an ArxivResolver.
func NewArxivResolver(gw GatewayClient, requestDelay time.Duration, baseURL string) *ArxivResolver {
	if baseURL == "" {
		baseURL = "https://arxiv.org/pdf"
	}
	return &ArxivResolver{gw: gw, requestDelay: requestDelay, baseURL: baseURL}
}

func (r *ArxivResolver) Name() string { return "arxiv" }

func (r *ArxivResolver) Resolve(ctx context.Context, pub model.Publication) (string, bool, bool, error) {
	if pub.Identifiers.ArxivID == "" {
		return "", false, false, nil
	}

	pdfURL := fmt.Sprintf("%s/%s.pdf", r.baseURL, pub.Identifiers.ArxivID)
	resp, err := r.gw.Get(ctx, pdfURL, r.requestDelay)
	if err != nil {
		return "", false, true, fmt.Errorf("arxiv: %w", err)
	}
	switch resp.Outcome {
	case gateway.OutcomeOK:
		return pdfURL, true, false, nil
	case gateway.OutcomeNetworkError, gateway.OutcomeRateLimited:
		return "", false, true, fmt.Errorf("arxiv: %s", resp.Outcome)
	default:
		return "", false, false, nil
	}
}
