package enrichment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/model"
)

type fakeStore struct {
	incomplete []model.Publication
	updated    map[string]model.Identifiers
	duplicate  model.Publication
	hasDup     bool
	merged     [2]string
}

func (f *fakeStore) IncompleteIdentifierPublications(ctx context.Context, limit int) ([]model.Publication, error) {
	return f.incomplete, nil
}

func (f *fakeStore) UpdateIdentifiers(ctx context.Context, publicationID string, ids model.Identifiers) error {
	if f.updated == nil {
		f.updated = map[string]model.Identifiers{}
	}
	f.updated[publicationID] = ids
	return nil
}

func (f *fakeStore) FindDuplicateByIdentifiers(ctx context.Context, excludeID string, ids model.Identifiers) (model.Publication, bool, error) {
	if !f.hasDup || f.duplicate.ID == excludeID {
		return model.Publication{}, false, nil
	}
	return f.duplicate, true, nil
}

func (f *fakeStore) MergePublications(ctx context.Context, winnerID, loserID string) error {
	f.merged = [2]string{winnerID, loserID}
	return nil
}

type fakeEvents struct {
	published []string
}

func (f *fakeEvents) PublishIdentifierUpdated(runID, publicationID string, ids model.Identifiers) {
	f.published = append(f.published, publicationID)
}

type stubProvider struct {
	name string
	ids  model.Identifiers
	ok   bool
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Lookup(ctx context.Context, pub model.Publication) (model.Identifiers, bool, error) {
	return s.ids, s.ok, nil
}

func TestRunForRunFillsMissingIdentifiersInOrder(t *testing.T) {
	store := &fakeStore{incomplete: []model.Publication{
		{ID: "pub-1", Fingerprint: "fp-1", CanonicalTitle: "Some Paper"},
	}}
	events := &fakeEvents{}

	openalex := &stubProvider{name: "openalex", ids: model.Identifiers{DOI: "10.1/abc", OpenAlexID: "W1"}, ok: true}
	crossref := &stubProvider{name: "crossref", ok: false}
	arxiv := &stubProvider{name: "arxiv", ids: model.Identifiers{ArxivID: "2101.00001"}, ok: true}

	runner := New(store, nil, events, nil, openalex, crossref, arxiv)
	require.NoError(t, runner.RunForRun(context.Background(), "run-1", 10))

	got := store.updated["pub-1"]
	assert.Equal(t, "10.1/abc", got.DOI)
	assert.Equal(t, "W1", got.OpenAlexID)
	assert.Equal(t, "2101.00001", got.ArxivID)
	assert.Contains(t, events.published, "pub-1")
}

func TestRunForRunSkipsUpdateWhenNothingChanges(t *testing.T) {
	store := &fakeStore{incomplete: []model.Publication{
		{ID: "pub-1", Fingerprint: "fp-1", CanonicalTitle: "Some Paper"},
	}}
	events := &fakeEvents{}
	noop := &stubProvider{name: "openalex", ok: false}

	runner := New(store, nil, events, nil, noop)
	require.NoError(t, runner.RunForRun(context.Background(), "run-1", 10))

	assert.Empty(t, store.updated)
	assert.Empty(t, events.published)
}

func TestRunForRunStopsOnceIdentifiersComplete(t *testing.T) {
	store := &fakeStore{incomplete: []model.Publication{
		{ID: "pub-1", Identifiers: model.Identifiers{DOI: "d", ArxivID: "a", PMID: "p", OpenAlexID: "o"}},
	}}
	calledCrossref := false
	crossref := &stubProvider{name: "crossref", ok: true}
	_ = calledCrossref

	runner := New(store, nil, nil, nil, crossref)
	require.NoError(t, runner.RunForRun(context.Background(), "run-1", 10))
	assert.Empty(t, store.updated)
}

func TestRunForRunMergesNewlySharedIdentifier(t *testing.T) {
	store := &fakeStore{
		incomplete: []model.Publication{
			{ID: "pub-new", Fingerprint: "fp-new", CreatedAt: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		},
		hasDup: true,
		duplicate: model.Publication{
			ID:          "pub-old",
			Identifiers: model.Identifiers{DOI: "10.1/shared"},
			CreatedAt:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}
	openalex := &stubProvider{name: "openalex", ids: model.Identifiers{DOI: "10.1/shared"}, ok: true}

	runner := New(store, nil, nil, nil, openalex)
	require.NoError(t, runner.RunForRun(context.Background(), "run-1", 10))

	assert.Equal(t, [2]string{"pub-old", "pub-new"}, store.merged)
}

func TestMergeIdentifiersOnlyFillsEmptyFields(t *testing.T) {
	dst := model.Identifiers{DOI: "existing"}
	changed := mergeIdentifiers(&dst, model.Identifiers{DOI: "new", ArxivID: "2101.00001"})
	assert.True(t, changed)
	assert.Equal(t, "existing", dst.DOI)
	assert.Equal(t, "2101.00001", dst.ArxivID)
}
