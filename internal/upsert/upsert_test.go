package upsert

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/fingerprint"
	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/scholarsource"
)

type fakeResolver struct {
	byFingerprint map[string]model.Publication
	links         map[string]string // scholarProfileID|publicationID -> warning
	newLinks      map[string]bool   // scholarProfileID|publicationID -> isNew
	cleared       []string
	linkCalls     int
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{byFingerprint: map[string]model.Publication{}, links: map[string]string{}, newLinks: map[string]bool{}}
}

func (f *fakeResolver) ResolvePublication(ctx context.Context, fp, clusterID, title string, year int, venue string, ids model.Identifiers) (model.Publication, error) {
	if pub, ok := f.byFingerprint[fp]; ok {
		return pub, nil
	}
	pub := model.Publication{ID: "pub-" + fp[:8], Fingerprint: fp, CanonicalTitle: title, PdfStatus: model.PdfUntracked}
	f.byFingerprint[fp] = pub
	return pub, nil
}

func (f *fakeResolver) UpsertLink(ctx context.Context, scholarProfileID, publicationID, runID, pubURL string, citationCount int) (string, bool, error) {
	f.linkCalls++
	key := scholarProfileID + "|" + publicationID
	isNew, seen := f.newLinks[key]
	if !seen {
		isNew = true
	}
	return f.links[key], isNew, nil
}

func (f *fakeResolver) ClearStaleNewFlags(ctx context.Context, scholarProfileID string, touchedPublicationIDs []string) error {
	f.cleared = touchedPublicationIDs
	return nil
}

type fakePdfQueue struct {
	enqueued []string
}

func (f *fakePdfQueue) Enqueue(ctx context.Context, publicationID string) error {
	f.enqueued = append(f.enqueued, publicationID)
	return nil
}

func TestUpserterSinkResolvesAndLinksEachRow(t *testing.T) {
	resolver := newFakeResolver()
	pdfs := &fakePdfQueue{}
	u := New(resolver, pdfs, "run-1", "sch-1")

	rows := []scholarsource.PublicationRow{
		{ClusterID: "c1", Title: "Paper One", Year: 2020, CitationCount: 5, PdfURL: "https://example.test/p1.pdf"},
		{ClusterID: "c2", Title: "Paper Two", Year: 2021, CitationCount: 1},
	}

	require.NoError(t, u.Sink(context.Background(), 0, rows))
	assert.Equal(t, 2, resolver.linkCalls)
	assert.Equal(t, 2, u.TouchedCount())
	assert.Len(t, pdfs.enqueued, 1)
	assert.Empty(t, u.Warnings())
}

func TestUpserterFinalizeClearsTouchedSet(t *testing.T) {
	resolver := newFakeResolver()
	u := New(resolver, nil, "run-1", "sch-1")

	rows := []scholarsource.PublicationRow{{ClusterID: "c1", Title: "Paper One", Year: 2020}}
	require.NoError(t, u.Sink(context.Background(), 0, rows))
	require.NoError(t, u.Finalize(context.Background()))
	assert.Len(t, resolver.cleared, 1)
}

func TestUpserterCollectsMergeWarnings(t *testing.T) {
	resolver := newFakeResolver()
	u := New(resolver, nil, "run-1", "sch-1")

	row := scholarsource.PublicationRow{ClusterID: "c1", Title: "Regression Paper", Year: 2020, CitationCount: 3}
	fp := fingerprint.FingerprintYear(row.Title, row.Year)
	pubID := "pub-" + fp[:8]
	resolver.links["sch-1|"+pubID] = "citation count regressed from 10 to 3; kept previous value"
	resolver.newLinks["sch-1|"+pubID] = false

	require.NoError(t, u.Sink(context.Background(), 0, []scholarsource.PublicationRow{row}))
	require.Len(t, u.Warnings(), 1)
	assert.Contains(t, u.Warnings()[0], "regressed")
	assert.Empty(t, u.Discoveries())
}
