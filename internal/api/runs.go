package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/scholarr/ingestion/internal/apperrors"
	"github.com/scholarr/ingestion/internal/eventbus"
	"github.com/scholarr/ingestion/internal/model"
)

type runView struct {
	ID                  string `json:"id"`
	UserID              string `json:"user_id"`
	Trigger             string `json:"trigger"`
	Status              string `json:"status"`
	ScholarCount        int    `json:"scholar_count"`
	NewPublicationCount int    `json:"new_publication_count"`
	FailedCount         int    `json:"failed_count"`
}

// handleCreateRun implements POST /api/v1/runs: §6's manual trigger.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	run, err := s.deps.Runs.TriggerManual(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, toRunView(run))
}

// handleListRuns implements GET /api/v1/runs?limit=...: recent runs plus
// the user's current safety_state.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	uid, err := userID(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	runs, err := s.deps.RunStore.ListRuns(r.Context(), uid, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	state, err := s.deps.Safety.GetState(r.Context(), uid)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	views := make([]runView, len(runs))
	for i, run := range runs {
		views[i] = toRunView(run)
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"runs":         views,
		"safety_state": state,
	})
}

// handleCancelRun implements POST /api/v1/runs/{id}/cancel: §4.12's
// cooperative cancellation — it only raises the flag the Scheduler
// checkpoints between scholars, it never interrupts an in-flight fetch.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.RunStore.RequestCancellation(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"id": id, "status": "cancel_requested"})
}

// handleStreamRun implements GET /api/v1/runs/{id}/stream: an SSE feed of
// the run's eventbus topic. Each eventbus.Event is rendered as one
// `event: <type>\ndata: <json>\n\n` frame; the handler returns after writing
// a run_completed event, when the subscription channel closes, or when the
// request context is cancelled.
func (s *Server) handleStreamRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, r, apperrors.New(apperrors.KindInternal, "streaming unsupported"))
		return
	}

	sub, unsubscribe := s.deps.Bus.Subscribe(id)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, open := <-sub:
			if !open {
				return
			}
			writeSSEEvent(w, evt)
			flusher.Flush()
			if evt.Type == eventbus.EventRunCompleted {
				return
			}
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, evt eventbus.Event) {
	payload, err := json.Marshal(evt.Payload)
	if err != nil {
		return
	}
	w.Write([]byte("event: " + string(evt.Type) + "\n"))
	w.Write([]byte("data: "))
	w.Write(payload)
	w.Write([]byte("\n\n"))
}

func toRunView(run model.Run) runView {
	return runView{
		ID:                  run.ID,
		UserID:              run.UserID,
		Trigger:             string(run.Trigger),
		Status:              string(run.Status),
		ScholarCount:        run.ScholarCount,
		NewPublicationCount: run.NewPublicationCount,
		FailedCount:         run.FailedCount,
	}
}
