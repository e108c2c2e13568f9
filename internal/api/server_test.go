package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/config"
	"github.com/scholarr/ingestion/internal/eventbus"
	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/namesearch"
	"github.com/scholarr/ingestion/internal/storage"
)

type fakeRuns struct {
	run model.Run
	err error
}

func (f *fakeRuns) TriggerManual(ctx context.Context, userID string) (model.Run, error) {
	return f.run, f.err
}

type fakeRunStore struct {
	runs        []model.Run
	latestRunID string
	latestFound bool
	cancelledID string
}

func (f *fakeRunStore) GetRun(ctx context.Context, id string) (model.Run, error) {
	return model.Run{}, nil
}

func (f *fakeRunStore) ListRuns(ctx context.Context, userID string, limit int) ([]model.Run, error) {
	return f.runs, nil
}

func (f *fakeRunStore) RequestCancellation(ctx context.Context, runID string) error {
	f.cancelledID = runID
	return nil
}

func (f *fakeRunStore) LatestCompletedRunID(ctx context.Context, userID string) (string, bool, error) {
	return f.latestRunID, f.latestFound, nil
}

type fakeSafety struct {
	state model.SafetyState
}

func (f *fakeSafety) GetState(ctx context.Context, userID string) (model.SafetyState, error) {
	return f.state, nil
}

type fakePublications struct {
	items []model.PublicationListItem
	total int
}

func (f *fakePublications) ListPublications(ctx context.Context, filter storage.PublicationFilter) ([]model.PublicationListItem, int, error) {
	return f.items, f.total, nil
}

func (f *fakePublications) MarkAllRead(ctx context.Context, userID string) error { return nil }

func (f *fakePublications) MarkSelectedRead(ctx context.Context, userID string, ids []string) error {
	return nil
}

func (f *fakePublications) SetFavorite(ctx context.Context, userID, publicationID string, favorite bool) error {
	return nil
}

type fakePdfQueue struct {
	enqueued []string
}

func (f *fakePdfQueue) Enqueue(ctx context.Context, publicationID string) error {
	f.enqueued = append(f.enqueued, publicationID)
	return nil
}

type fakeUsers struct {
	user model.User
}

func (f *fakeUsers) GetByID(ctx context.Context, id string) (model.User, error) {
	return f.user, nil
}

func (f *fakeUsers) UpdateSettings(ctx context.Context, userID string, settings model.UserSettings) error {
	f.user.Settings = settings
	return nil
}

type fakeScholarStore struct {
	scholars []model.ScholarProfile
	created  model.ScholarProfile
}

func (f *fakeScholarStore) ListForUser(ctx context.Context, userID string) ([]model.ScholarProfile, error) {
	return f.scholars, nil
}

func (f *fakeScholarStore) GetByID(ctx context.Context, id string) (model.ScholarProfile, error) {
	return model.ScholarProfile{}, nil
}

func (f *fakeScholarStore) CreateScholar(ctx context.Context, profile model.ScholarProfile) (model.ScholarProfile, error) {
	profile.ID = "new-scholar"
	f.created = profile
	return profile, nil
}

type fakeNameSearch struct {
	candidates []namesearch.Candidate
	err        error
}

func (f *fakeNameSearch) Search(ctx context.Context, query string) ([]namesearch.Candidate, error) {
	return f.candidates, f.err
}

type fakeBus struct{}

func (f *fakeBus) Subscribe(runID string) (<-chan eventbus.Event, func()) {
	ch := make(chan eventbus.Event)
	close(ch)
	return ch, func() {}
}

func testDeps() Deps {
	return Deps{
		Runs:         &fakeRuns{run: model.Run{ID: "run-1", UserID: "user-1", Status: model.RunPending}},
		RunStore:     &fakeRunStore{},
		Safety:       &fakeSafety{},
		Publications: &fakePublications{},
		PdfQueue:     &fakePdfQueue{},
		Users:        &fakeUsers{},
		Scholars:     &fakeScholarStore{},
		NameSearch:   &fakeNameSearch{},
		Bus:          &fakeBus{},
		Config:       &config.Config{},
	}
}

func newTestServer(deps Deps) *Server {
	return NewServer(0, slog.Default(), deps)
}

func TestHandleCreateRunRequiresUser(t *testing.T) {
	s := newTestServer(testDeps())
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/runs", nil)
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 401, w.Code)

	var body errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, string(apperrors.KindUnauthorized), body.Error.Code)
}

func TestHandleCreateRunSuccess(t *testing.T) {
	s := newTestServer(testDeps())
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/runs", nil)
	r.Header.Set("X-Scholarr-User", "user-1")
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 201, w.Code)

	var body dataEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
}

func TestHandleCreateRunPropagatesCooldown(t *testing.T) {
	deps := testDeps()
	deps.Runs = &fakeRuns{err: apperrors.ErrScrapeCooldown}
	s := newTestServer(deps)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/runs", nil)
	r.Header.Set("X-Scholarr-User", "user-1")
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 409, w.Code)

	var body errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, string(apperrors.KindCooldownActive), body.Error.Code)
}

func TestHandleListRuns(t *testing.T) {
	deps := testDeps()
	deps.RunStore = &fakeRunStore{runs: []model.Run{{ID: "run-1"}, {ID: "run-2"}}}
	s := newTestServer(deps)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/v1/runs?limit=5", nil)
	r.Header.Set("X-Scholarr-User", "user-1")
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 200, w.Code)

	var body dataEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
}

func TestHandleCancelRun(t *testing.T) {
	store := &fakeRunStore{}
	deps := testDeps()
	deps.RunStore = store
	s := newTestServer(deps)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/runs/run-7/cancel", nil)
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 200, w.Code)
	require.Equal(t, "run-7", store.cancelledID)
}

func TestHandleListPublicationsLatestModeWithNoCompletedRun(t *testing.T) {
	deps := testDeps()
	deps.RunStore = &fakeRunStore{latestFound: false}
	s := newTestServer(deps)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/v1/publications?mode=latest", nil)
	r.Header.Set("X-Scholarr-User", "user-1")
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 200, w.Code)

	var body dataEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	data := body.Data.(map[string]any)
	require.Equal(t, float64(0), data["total"])
}

func TestHandleMarkSelectedRead(t *testing.T) {
	s := newTestServer(testDeps())
	payload, err := json.Marshal(map[string]any{"publication_ids": []string{"pub-1", "pub-2"}})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/publications/mark-selected-read", bytes.NewReader(payload))
	r.Header.Set("X-Scholarr-User", "user-1")
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 200, w.Code)
}

func TestHandleRetryPdf(t *testing.T) {
	queue := &fakePdfQueue{}
	deps := testDeps()
	deps.PdfQueue = queue
	s := newTestServer(deps)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/publications/pub-9/retry-pdf", nil)
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 200, w.Code)
	require.Equal(t, []string{"pub-9"}, queue.enqueued)
}

func TestHandleGetSettings(t *testing.T) {
	deps := testDeps()
	deps.Users = &fakeUsers{user: model.User{ID: "user-1", Settings: model.UserSettings{RunIntervalMinutes: 60}}}
	s := newTestServer(deps)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/v1/settings", nil)
	r.Header.Set("X-Scholarr-User", "user-1")
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 200, w.Code)
}

func TestHandlePutSettingsClampsValues(t *testing.T) {
	users := &fakeUsers{}
	deps := testDeps()
	deps.Users = users
	deps.Config = &config.Config{Ingestion: config.IngestionConfig{MinRequestDelaySeconds: 10, MinRunIntervalMinutes: 30}}
	s := newTestServer(deps)

	payload, err := json.Marshal(model.UserSettings{RequestDelaySeconds: 1, RunIntervalMinutes: 1})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("PUT", "/api/v1/settings", bytes.NewReader(payload))
	r.Header.Set("X-Scholarr-User", "user-1")
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 200, w.Code)
	require.Equal(t, 10, users.user.Settings.RequestDelaySeconds)
	require.Equal(t, 30, users.user.Settings.RunIntervalMinutes)
}

func TestHandleCreateScholarRequiresScholarID(t *testing.T) {
	s := newTestServer(testDeps())
	payload, err := json.Marshal(map[string]string{"display_name": "Ada Lovelace"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/scholars", bytes.NewReader(payload))
	r.Header.Set("X-Scholarr-User", "user-1")
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 400, w.Code)
}

func TestHandleCreateScholarSuccess(t *testing.T) {
	store := &fakeScholarStore{}
	deps := testDeps()
	deps.Scholars = store
	s := newTestServer(deps)

	payload, err := json.Marshal(map[string]string{"scholar_id": "AbCdEf123456"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/scholars", bytes.NewReader(payload))
	r.Header.Set("X-Scholarr-User", "user-1")
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 201, w.Code)
	require.Equal(t, "user-1", store.created.OwningUserID)
}

func TestHandleSearchScholarsBreakerOpen(t *testing.T) {
	deps := testDeps()
	deps.NameSearch = &fakeNameSearch{err: namesearch.ErrBreakerOpen}
	s := newTestServer(deps)

	payload, err := json.Marshal(map[string]string{"query": "ada lovelace"})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/api/v1/scholars/search", bytes.NewReader(payload))
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 409, w.Code)

	var body errorEnvelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, string(apperrors.KindCooldownActive), body.Error.Code)
}

func TestHandleStreamRunClosesOnEmptyBus(t *testing.T) {
	s := newTestServer(testDeps())
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", "/api/v1/runs/run-1/stream", nil)
	s.Handler().ServeHTTP(w, r)
	require.Equal(t, 200, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
}
