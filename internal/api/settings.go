package api

import (
	"encoding/json"
	"net/http"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/config"
	"github.com/scholarr/ingestion/internal/model"
)

type settingsView struct {
	Settings    model.UserSettings `json:"settings"`
	Policy      config.Policy      `json:"policy"`
	SafetyState model.SafetyState  `json:"safety_state"`
}

// handleGetSettings implements GET /api/v1/settings: user settings plus
// the server-enforced Policy floors and the user's current safety_state,
// so the UI never proposes a value the server would silently clamp.
func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	user, err := s.deps.Users.GetByID(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.deps.Safety.GetState(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.writeData(w, r, http.StatusOK, settingsView{
		Settings:    user.Settings,
		Policy:      s.deps.Config.PolicyFor(),
		SafetyState: state,
	})
}

// handlePutSettings implements PUT /api/v1/settings: clamps the caller's
// proposed request delay and run interval to the server's Policy floors
// before persisting, per config.Config.ClampRequestDelay/ClampRunInterval.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var settings model.UserSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		s.writeError(w, r, apperrors.Wrap(apperrors.KindValidation, "invalid request body", err))
		return
	}

	settings.RequestDelaySeconds = s.deps.Config.ClampRequestDelay(settings.RequestDelaySeconds)
	settings.RunIntervalMinutes = s.deps.Config.ClampRunInterval(settings.RunIntervalMinutes)

	if err := s.deps.Users.UpdateSettings(r.Context(), uid, settings); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, settings)
}
