package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/scholarr/ingestion/internal/apperrors"
)

// meta is the envelope's shared "meta" block, §6.
type meta struct {
	RequestID string `json:"request_id"`
}

// dataEnvelope is §6's success envelope: {"data": T, "meta": {...}}.
type dataEnvelope struct {
	Data any  `json:"data"`
	Meta meta `json:"meta"`
}

// errorBody is §6's error envelope's "error" field.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// errorEnvelope is §6's error envelope: {"error": {...}, "meta": {...}}.
type errorEnvelope struct {
	Error errorBody `json:"error"`
	Meta  meta      `json:"meta"`
}

// writeData renders a success envelope, matching the teacher's
// jsonResponse shape (CORS header open, Content-Type set, status written
// once) generalized to wrap the payload in §6's data envelope.
func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(dataEnvelope{Data: data, Meta: meta{RequestID: requestID(r)}})
}

// writeError renders an error envelope from err, classifying it by
// apperrors.Kind per §7's kind-to-status table. Any error that isn't (or
// doesn't wrap) an *apperrors.Error is logged and surfaced as a bare
// internal_error, never leaking its message to the client.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperrors.KindOf(err)
	status := statusForKind(kind)

	body := errorBody{Code: string(kind), Message: err.Error()}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		body.Message = appErr.Message
		body.Details = appErr.Details
	} else {
		s.logger.Error("api: internal error", "request_id", requestID(r), "error", err)
		body.Message = "internal error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: body, Meta: meta{RequestID: requestID(r)}})
}

func statusForKind(kind apperrors.Kind) int {
	switch kind {
	case apperrors.KindValidation:
		return http.StatusBadRequest
	case apperrors.KindNotFound:
		return http.StatusNotFound
	case apperrors.KindUnauthorized:
		return http.StatusUnauthorized
	case apperrors.KindForbidden:
		return http.StatusForbidden
	case apperrors.KindConflict:
		return http.StatusConflict
	case apperrors.KindCooldownActive:
		return http.StatusConflict
	case apperrors.KindBlocked, apperrors.KindNetwork, apperrors.KindLayout:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
