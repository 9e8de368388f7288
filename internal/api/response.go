package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"plan-coordinator/internal/coordinator"
)

// envelope wraps every JSON response.
type envelope struct {
	Success   bool      `json:"success"`
	Data      any       `json:"data,omitempty"`
	Error     *apiError `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v envelope) {
	v.Timestamp = time.Now().UTC()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, status int, code coordinator.Kind, message string, details any) {
	writeJSON(w, status, envelope{Error: &apiError{Code: string(code), Message: message, Details: details}})
}

func statusOf(kind coordinator.Kind) int {
	switch kind {
	case coordinator.KindValidation:
		return http.StatusBadRequest
	case coordinator.KindNotFound:
		return http.StatusNotFound
	case coordinator.KindAlreadySubmitted, coordinator.KindVersionConflict:
		return http.StatusConflict
	case coordinator.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := coordinator.KindOf(err)
	status := statusOf(kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "kind", kind, "error", err)
	}
	msg := err.Error()
	var ce *coordinator.Error
	if kind == coordinator.KindInternal && !errors.As(err, &ce) {
		msg = "internal error"
	}
	writeFailure(w, status, kind, msg, nil)
}

// writeSubmit maps the discriminated submit result onto HTTP.
func writeSubmit(w http.ResponseWriter, res *coordinator.SubmitResult) {
	switch res.Status {
	case coordinator.OutcomeAlreadySubmitted:
		writeFailure(w, http.StatusConflict, coordinator.KindAlreadySubmitted,
			"draft "+res.DraftID+" is already submitted", res)
	case coordinator.OutcomeVersionConflict:
		writeFailure(w, http.StatusConflict, coordinator.KindVersionConflict,
			"draft "+res.DraftID+" is based on an outdated version", res.Conflict)
	default:
		writeData(w, http.StatusOK, res)
	}
}

func writeApproval(w http.ResponseWriter, res *coordinator.ApprovalResult) {
	if res.Status == coordinator.OutcomeVersionConflict {
		writeFailure(w, http.StatusConflict, coordinator.KindVersionConflict,
			"draft "+res.DraftID+" conflicts with the current published version", res.Conflict)
		return
	}
	writeData(w, http.StatusOK, res)
}
