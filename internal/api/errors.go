package api

import (
	"errors"
	"net/http"

	"github.com/go-kit/log/level"

	"fieldflow/internal/apperr"
	"fieldflow/internal/dispatch"
	"fieldflow/internal/lifecycle"
	"fieldflow/internal/models"
	"fieldflow/internal/rules"
	"fieldflow/internal/sequences"
)

type errorDetail struct {
	Code     string         `json:"code"`
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

var statusByCode = map[string]int{
	lifecycle.ErrCodeInvalidTransition: http.StatusUnprocessableEntity,
	lifecycle.ErrCodeStaleContext:      http.StatusConflict,
	rules.ErrCodeValidation:            http.StatusBadRequest,
	sequences.ErrCodeInvalidSequence:   http.StatusBadRequest,
	sequences.ErrCodeInvalidState:      http.StatusConflict,
	dispatch.ErrCodeDispatchFailed:     http.StatusBadGateway,
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	if code := apperr.Code(err); code != "" {
		status, ok := statusByCode[code]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: err.Error(), Metadata: apperr.Metadata(err)}})
		return
	}
	switch {
	case errors.Is(err, models.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: errorDetail{Code: "NOT_FOUND", Message: err.Error()}})
	case errors.Is(err, models.ErrVersionConflict):
		writeJSON(w, http.StatusConflict, errorBody{Error: errorDetail{Code: "CONFLICT", Message: err.Error()}})
	default:
		level.Error(s.logger).Log("msg", "request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: errorDetail{Code: "INTERNAL", Message: "internal error"}})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: errorDetail{Code: "BAD_REQUEST", Message: msg}})
}
