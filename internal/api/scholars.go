package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/model"
	"github.com/scholarr/ingestion/internal/namesearch"
)

type scholarView struct {
	ID              string `json:"id"`
	ScholarID       string `json:"scholar_id"`
	DisplayName     string `json:"display_name"`
	Affiliation     string `json:"affiliation"`
	ProfileImageURL string `json:"profile_image_url"`
	IsEnabled       bool   `json:"is_enabled"`
	LastOutcome     string `json:"last_outcome"`
}

// handleListScholars implements GET /api/v1/scholars.
func (s *Server) handleListScholars(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	scholars, err := s.deps.Scholars.ListForUser(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]scholarView, len(scholars))
	for i, sch := range scholars {
		views[i] = toScholarView(sch)
	}
	s.writeData(w, r, http.StatusOK, views)
}

// handleCreateScholar implements POST /api/v1/scholars: adds a new tracked
// Google Scholar author profile to the caller's account.
func (s *Server) handleCreateScholar(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var body struct {
		ScholarID   string `json:"scholar_id"`
		DisplayName string `json:"display_name"`
		Affiliation string `json:"affiliation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.KindValidation, "invalid request body", err))
		return
	}
	if body.ScholarID == "" {
		s.writeError(w, r, apperrors.New(apperrors.KindValidation, "scholar_id is required"))
		return
	}

	scholar, err := s.deps.Scholars.CreateScholar(r.Context(), model.ScholarProfile{
		OwningUserID: uid,
		ScholarID:    body.ScholarID,
		DisplayName:  body.DisplayName,
		Affiliation:  body.Affiliation,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, toScholarView(scholar))
}

// handleSearchScholars implements POST /api/v1/scholars/search: a
// name-search lookup, subject to §4.10's breaker — ErrBreakerOpen surfaces
// as a cooldown_active error so the UI can show the same affordance it
// shows for a run-level cooldown.
func (s *Server) handleSearchScholars(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.KindValidation, "invalid request body", err))
		return
	}

	candidates, err := s.deps.NameSearch.Search(r.Context(), body.Query)
	if err != nil {
		if errors.Is(err, namesearch.ErrBreakerOpen) {
			s.writeError(w, r, apperrors.Wrap(apperrors.KindCooldownActive, "name search breaker open", err))
			return
		}
		s.writeError(w, r, apperrors.Wrap(apperrors.KindInternal, "name search failed", err))
		return
	}
	s.writeData(w, r, http.StatusOK, candidates)
}

func toScholarView(scholar model.ScholarProfile) scholarView {
	return scholarView{
		ID:              scholar.ID,
		ScholarID:       scholar.ScholarID,
		DisplayName:     scholar.DisplayName,
		Affiliation:     scholar.Affiliation,
		ProfileImageURL: scholar.ProfileImageURL,
		IsEnabled:       scholar.IsEnabled,
		LastOutcome:     string(scholar.LastOutcome),
	}
}
