package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/storage"
)

type publicationView struct {
	ID               string             `json:"id"`
	CanonicalTitle   string             `json:"canonical_title"`
	Year             int                `json:"year"`
	VenueText        string             `json:"venue_text"`
	Identifiers      model.Identifiers  `json:"identifiers"`
	PdfURL           string             `json:"pdf_url"`
	PdfStatus        string             `json:"pdf_status"`
	ScholarProfileID string             `json:"scholar_profile_id"`
	PubURL           string             `json:"pub_url"`
	CitationCount    int                `json:"citation_count"`
	IsRead           bool               `json:"is_read"`
	IsFavorite       bool               `json:"is_favorite"`
	IsNew            bool               `json:"is_new"`
}

// handleListPublications implements GET /api/v1/publications: §6's paged,
// snapshot-stable listing. mode=latest resolves to the user's most
// recently completed run unless the caller pins one explicitly via
// ?snapshot=.
func (s *Server) handleListPublications(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	q := r.URL.Query()
	mode := q.Get("mode")
	if mode == "new" {
		// "new" is a temporary alias for "latest" carried over from the
		// Python source; both are accepted with identical behavior.
		mode = "latest"
	}
	filter := storage.PublicationFilter{
		UserID:    uid,
		ScholarID: q.Get("scholar"),
		Mode:      mode,
		Search:    q.Get("search"),
		SortBy:    q.Get("sort_by"),
		SortDir:   q.Get("sort_dir"),
		Page:      atoiDefault(q.Get("page"), 1),
		PageSize:  atoiDefault(q.Get("page_size"), 50),
	}
	if raw := q.Get("favorite"); raw != "" {
		fav := raw == "true" || raw == "1"
		filter.Favorite = &fav
	}

	if filter.Mode == "latest" {
		filter.LatestRunID = q.Get("snapshot")
		if filter.LatestRunID == "" {
			runID, found, err := s.deps.RunStore.LatestCompletedRunID(r.Context(), uid)
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			if !found {
				s.writeData(w, r, http.StatusOK, map[string]any{"publications": []publicationView{}, "total": 0, "page": filter.Page, "page_size": filter.PageSize})
				return
			}
			filter.LatestRunID = runID
		}
	}

	items, total, err := s.deps.Publications.ListPublications(r.Context(), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]publicationView, len(items))
	for i, item := range items {
		views[i] = toPublicationView(item)
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"publications": views,
		"total":        total,
		"page":         filter.Page,
		"page_size":    filter.PageSize,
	})
}

// handleMarkAllRead implements POST /api/v1/publications/mark-all-read.
func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Publications.MarkAllRead(r.Context(), uid); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"status": "marked_read"})
}

// handleMarkSelectedRead implements
// POST /api/v1/publications/mark-selected-read.
func (s *Server) handleMarkSelectedRead(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body struct {
		PublicationIDs []string `json:"publication_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.KindValidation, "invalid request body", err))
		return
	}

	if err := s.deps.Publications.MarkSelectedRead(r.Context(), uid, body.PublicationIDs); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"status": "marked_read"})
}

// handleSetFavorite implements POST /api/v1/publications/{id}/favorite.
func (s *Server) handleSetFavorite(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	id := r.PathValue("id")

	var body struct {
		Favorite bool `json:"favorite"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.KindValidation, "invalid request body", err))
		return
	}

	if err := s.deps.Publications.SetFavorite(r.Context(), uid, id, body.Favorite); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{"id": id, "favorite": body.Favorite})
}

// handleRetryPdf implements POST /api/v1/publications/{id}/retry-pdf: a
// manual re-enqueue into §4.9's PDF Resolution Queue for a publication
// whose automatic resolution was exhausted or never attempted.
func (s *Server) handleRetryPdf(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.PdfQueue.Enqueue(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"id": id, "status": "queued"})
}

func toPublicationView(item model.PublicationListItem) publicationView {
	return publicationView{
		ID:               item.ID,
		CanonicalTitle:   item.CanonicalTitle,
		Year:             item.Year,
		VenueText:        item.VenueText,
		Identifiers:      item.Identifiers,
		PdfURL:           item.PdfURL,
		PdfStatus:        string(item.PdfStatus),
		ScholarProfileID: item.ScholarProfileID,
		PubURL:           item.LinkScholarPubURL,
		CitationCount:    item.CitationCount,
		IsRead:           item.IsRead,
		IsFavorite:       item.IsFavorite,
		IsNew:            item.IsNewInLatestRun,
	}
}

func atoiDefault(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
