// Package upsert orchestrates §4.6's Publication Upserter into the
// per-scholar batch unit the Paginator drives: resolve each row to a
// Publication, merge its link, track which publications this run touched,
// and at finalization clear the is_new_in_latest_run flag on everything
// else. The row-level SQL lives in internal/storage; this package adds the
// batching, PDF-queue side effect, and the RowSink adapter the Paginator
// expects. Grounded on the teacher's internal/storage/database.go
// Store(items []*Item) error batch shape, generalized from "append items" to
// "resolve, link, and remember what was touched".
package upsert

import (
	"context"
	"fmt"
	"time"

	"github.com/scholarr/ingestion/internal/fingerprint"
	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/scholarsource"
)

// PublicationResolver is the subset of storage.PublicationStore the Upserter
// needs, kept as an interface so this package stays decoupled from storage.
type PublicationResolver interface {
	ResolvePublication(ctx context.Context, fp, clusterID, title string, year int, venue string, ids model.Identifiers) (model.Publication, error)
	UpsertLink(ctx context.Context, scholarProfileID, publicationID, runID, pubURL string, citationCount int) (warning string, isNew bool, err error)
	ClearStaleNewFlags(ctx context.Context, scholarProfileID string, touchedPublicationIDs []string) error
}

// PdfEnqueuer lets the Upserter hand off a newly discovered PDF link to
// §4.9's resolution queue without importing the pdfqueue package directly.
type PdfEnqueuer interface {
	Enqueue(ctx context.Context, publicationID string) error
}

// Discovery is one publication a scholar's walk linked to for the first
// time, for the Scheduler to announce as a publication_discovered event.
type Discovery struct {
	PublicationID string
	Title         string
	PubURL        string
	FirstSeenAt   time.Time
}

// Upserter batches one scholar's walk into Publication/link writes.
type Upserter struct {
	pubs    PublicationResolver
	pdfs    PdfEnqueuer
	runID   string
	scholar string

	touched     []string
	warnings    []string
	discoveries []Discovery
}

// New constructs an Upserter scoped to one (run, scholar) pair.
func New(pubs PublicationResolver, pdfs PdfEnqueuer, runID, scholarProfileID string) *Upserter {
	return &Upserter{pubs: pubs, pdfs: pdfs, runID: runID, scholar: scholarProfileID}
}

// Sink adapts the Upserter into a paginator.RowSink.
func (u *Upserter) Sink(ctx context.Context, page int, rows []scholarsource.PublicationRow) error {
	for _, row := range rows {
		if err := u.upsertRow(ctx, row); err != nil {
			return fmt.Errorf("upsert: page %d: %w", page, err)
		}
	}
	return nil
}

func (u *Upserter) upsertRow(ctx context.Context, row scholarsource.PublicationRow) error {
	fp := fingerprint.FingerprintYear(row.Title, row.Year)

	pub, err := u.pubs.ResolvePublication(ctx, fp, row.ClusterID, row.Title, row.Year, row.VenueText, model.Identifiers{})
	if err != nil {
		return fmt.Errorf("resolve publication %q: %w", row.Title, err)
	}

	warning, isNew, err := u.pubs.UpsertLink(ctx, u.scholar, pub.ID, u.runID, row.PubURL, row.CitationCount)
	if err != nil {
		return fmt.Errorf("upsert link %q: %w", pub.ID, err)
	}
	if warning != "" {
		u.warnings = append(u.warnings, warning)
	}
	if isNew {
		u.discoveries = append(u.discoveries, Discovery{
			PublicationID: pub.ID, Title: row.Title, PubURL: row.PubURL, FirstSeenAt: time.Now().UTC(),
		})
	}

	u.touched = append(u.touched, pub.ID)

	if row.PdfURL != "" && pub.PdfStatus == model.PdfUntracked && u.pdfs != nil {
		if err := u.pdfs.Enqueue(ctx, pub.ID); err != nil {
			return fmt.Errorf("enqueue pdf %q: %w", pub.ID, err)
		}
	}

	return nil
}

// Finalize clears is_new_in_latest_run on every link this scholar has that
// was not touched in this walk, per §4.6's finalization step. Call this only
// after a walk that completed without being interrupted mid-page (outcome
// success or skipped_no_change) — a blocked/network/parse failure leaves
// stale flags untouched so a resumed continuation doesn't wipe them early.
func (u *Upserter) Finalize(ctx context.Context) error {
	if err := u.pubs.ClearStaleNewFlags(ctx, u.scholar, u.touched); err != nil {
		return fmt.Errorf("finalize: %w", err)
	}
	return nil
}

// Warnings returns every monotone-merge warning accumulated so far, for the
// caller to fold into the RunScholarResult row.
func (u *Upserter) Warnings() []string {
	return u.warnings
}

// TouchedCount reports how many rows were upserted, including re-observed
// ones; a publication resolved from two rows is counted twice.
func (u *Upserter) TouchedCount() int {
	return len(u.touched)
}

// Discoveries returns every publication this scholar linked to for the
// first time during the walk, for the Scheduler to publish as
// publication_discovered events (§4.13).
func (u *Upserter) Discoveries() []Discovery {
	return u.discoveries
}
