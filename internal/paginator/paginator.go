// Package paginator implements the Page Fetcher + Paginator of §4.5: a
// sequential per-scholar walk over Google Scholar profile pages. Adapted
// from the teacher's internal/engine/scheduler.go per-request worker loop
// (fetch → parse → extract) and internal/engine/frontier.go's notion of a
// bounded walk, but restructured as a single-scholar sequential walk instead
// of a concurrent frontier of arbitrary URLs, since §4.5 requires page N to
// be fully parsed and upserted before page N+1 is fetched.
package paginator

import (
	"context"
	"fmt"
	"time"

	"github.com/scholarr/ingestion/internal/config"
	"github.com/scholarr/ingestion/internal/fingerprint"
	"github.com/scholarr/ingestion/internal/gateway"
	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/scholarsource"
)

// GatewayClient is the subset of *gateway.Gateway the Paginator needs.
type GatewayClient interface {
	Get(ctx context.Context, rawURL string, requestDelay time.Duration) (*gateway.Response, error)
}

// LinkLookup lets the Paginator ask storage whether a cluster id is already
// linked to this scholar, and at what citation count, to evaluate the
// stable-tail heuristic of §4.5 step 2 without pulling in the full storage
// interface.
type LinkLookup interface {
	ExistingCitationCount(ctx context.Context, scholarProfileID, clusterID string) (count int, exists bool, err error)
}

// RowSink receives each page's rows as they are parsed, so the caller can
// upsert them immediately per §5's "page N is fully parsed and upserted
// before page N+1 is fetched".
type RowSink func(ctx context.Context, page int, rows []scholarsource.PublicationRow) error

// Result is the outcome of walking one scholar's profile for a run.
type Result struct {
	Outcome             model.ScholarOutcome
	ProfileMeta         *scholarsource.ProfileMeta
	HeadFingerprint     string
	PagesFetched        int
	ContinuationCursor  string
	Warnings            []string
	FailureReason       string
}

// Walker performs the sequential page walk for one scholar.
type Walker struct {
	gw     GatewayClient
	links  LinkLookup
	cfg    config.IngestionConfig
}

// New constructs a Walker.
func New(gw GatewayClient, links LinkLookup, cfg config.IngestionConfig) *Walker {
	return &Walker{gw: gw, links: links, cfg: cfg}
}

// PageURL builds the Scholar citations URL for the given page index (0-based).
func PageURL(scholarID string, pageIndex int, pageSize int) string {
	offset := pageIndex * pageSize
	return fmt.Sprintf("https://scholar.google.com/citations?user=%s&cstart=%d&pagesize=%d&sortby=pubdate", scholarID, offset, pageSize)
}

// Walk performs the walk described in §4.5. requestDelay is the per-user
// pacing setting; scholar.LastFingerprintHead is the head fingerprint from
// its previous successful run; force bypasses the head short-circuit.
func (w *Walker) Walk(ctx context.Context, scholar model.ScholarProfile, requestDelay time.Duration, force bool, sink RowSink) Result {
	return w.WalkFrom(ctx, scholar, requestDelay, force, 0, sink)
}

// WalkFrom is Walk starting at an arbitrary page index instead of 0, for the
// Scheduler resuming a continuation slot (§4.11): the header capture and
// head-fingerprint short-circuit only ever run on page 0, so starting at
// startPage > 0 naturally skips both and just continues the fetch loop.
func (w *Walker) WalkFrom(ctx context.Context, scholar model.ScholarProfile, requestDelay time.Duration, force bool, startPage int, sink RowSink) Result {
	deadline := time.Now().Add(w.cfg.PageDeadline * time.Duration(w.cfg.MaxPagesPerScholar))

	var (
		headFingerprint string
		profileMeta     *scholarsource.ProfileMeta
		warnings        []string
		pagesFetched    int
	)

	for page := startPage; page < w.cfg.MaxPagesPerScholar; page++ {
		if time.Now().After(deadline) {
			return Result{
				Outcome:            model.OutcomeNetworkError,
				ProfileMeta:        profileMeta,
				HeadFingerprint:    headFingerprint,
				PagesFetched:       pagesFetched,
				ContinuationCursor: cursorFor(page),
				Warnings:           append(warnings, "scholar soft deadline exceeded"),
			}
		}

		select {
		case <-ctx.Done():
			return Result{
				Outcome:            model.OutcomeNetworkError,
				ContinuationCursor: cursorFor(page),
				Warnings:           warnings,
				FailureReason:      ctx.Err().Error(),
			}
		default:
		}

		url := PageURL(scholar.ScholarID, page, w.cfg.PageSize)
		resp, err := w.gw.Get(ctx, url, requestDelay)
		if err != nil {
			return Result{
				Outcome:            model.OutcomeNetworkError,
				ContinuationCursor: cursorFor(page),
				Warnings:           warnings,
				FailureReason:      err.Error(),
			}
		}

		switch resp.Outcome {
		case gateway.OutcomeBlockedOrCaptcha:
			return Result{
				Outcome:            model.OutcomeBlocked,
				ProfileMeta:        profileMeta,
				HeadFingerprint:    headFingerprint,
				PagesFetched:       pagesFetched,
				ContinuationCursor: cursorFor(page),
				Warnings:           warnings,
			}
		case gateway.OutcomeNetworkError, gateway.OutcomeRateLimited:
			return Result{
				Outcome:            model.OutcomeNetworkError,
				ProfileMeta:        profileMeta,
				HeadFingerprint:    headFingerprint,
				PagesFetched:       pagesFetched,
				ContinuationCursor: cursorFor(page),
				Warnings:           warnings,
				FailureReason:      resp.Err.Error(),
			}
		}

		parsed := scholarsource.Parse(resp.Body, page == 0)
		if parsed.Kind == scholarsource.KindLayoutError {
			return Result{
				Outcome:            model.OutcomeParseFailure,
				ProfileMeta:        profileMeta,
				HeadFingerprint:    headFingerprint,
				PagesFetched:       pagesFetched,
				ContinuationCursor: cursorFor(page),
				Warnings:           warnings,
				FailureReason:      fmt.Sprintf("%s: %s", parsed.ErrorCode, parsed.ErrorMsg),
			}
		}

		pagesFetched++

		if page == 0 {
			profileMeta = parsed.Page.ProfileMeta
			if len(parsed.Page.Rows) > 0 {
				headFingerprint = fingerprint.FingerprintYear(parsed.Page.Rows[0].Title, parsed.Page.Rows[0].Year)
			}
			if !force && headFingerprint != "" && headFingerprint == scholar.LastFingerprintHead {
				return Result{
					Outcome:         model.OutcomeSkippedNoChange,
					ProfileMeta:     profileMeta,
					HeadFingerprint: headFingerprint,
					PagesFetched:    pagesFetched,
				}
			}
		}

		if sink != nil {
			if err := sink(ctx, page, parsed.Page.Rows); err != nil {
				return Result{
					Outcome:            model.OutcomeUpsertException,
					ProfileMeta:        profileMeta,
					HeadFingerprint:    headFingerprint,
					PagesFetched:       pagesFetched,
					ContinuationCursor: cursorFor(page + 1),
					Warnings:           warnings,
					FailureReason:      err.Error(),
				}
			}
		}

		if w.isStableTail(ctx, scholar.ID, parsed.Page.Rows) {
			break
		}
		if !parsed.Page.Pagination.HasNext {
			break
		}
	}

	return Result{
		Outcome:         model.OutcomeSuccess,
		ProfileMeta:     profileMeta,
		HeadFingerprint: headFingerprint,
		PagesFetched:    pagesFetched,
		Warnings:        warnings,
	}
}

// isStableTail reports whether every row on this page is already linked to
// the scholar with an unchanged citation count — the stable-tail heuristic
// of §4.5 step 2 that lets a long-unchanged profile stop early.
func (w *Walker) isStableTail(ctx context.Context, scholarProfileID string, rows []scholarsource.PublicationRow) bool {
	if len(rows) == 0 {
		return false
	}
	for _, row := range rows {
		count, exists, err := w.links.ExistingCitationCount(ctx, scholarProfileID, row.ClusterID)
		if err != nil || !exists || count != row.CitationCount {
			return false
		}
	}
	return true
}

func cursorFor(nextPage int) string {
	return fmt.Sprintf("page:%d", nextPage)
}
