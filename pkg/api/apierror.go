package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/store"
	"github.com/mattyonweb/tbsm/pkg/sweep"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// TraceID is the request id assigned by the router.
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 response for the request.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:     fmt.Sprintf("https://tbsm.local/errors/%d", status),
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		TraceID:  middleware.GetReqID(r.Context()),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteInternal logs err and writes a 500 that does not expose it.
func WriteInternal(w http.ResponseWriter, r *http.Request, err error) {
	slog.ErrorContext(r.Context(), "internal server error", "error", err, "path", r.URL.Path)
	WriteError(w, r, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// writeEngineError maps engine errors to problem responses.
func writeEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		activation  *contracts.ActivationError
		consistency *contracts.ConsistencyViolation
	)
	switch {
	case errors.Is(err, store.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, store.ErrConflict):
		WriteError(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, sweep.ErrSweepInProgress):
		w.Header().Set("Retry-After", "5")
		WriteError(w, r, http.StatusConflict, "Sweep In Progress", err.Error())
	case errors.As(err, &activation):
		WriteError(w, r, http.StatusUnprocessableEntity, "Activation Refused", activation.Error())
	case errors.As(err, &consistency):
		slog.ErrorContext(r.Context(), "consistency violation", "error", err)
		WriteError(w, r, http.StatusConflict, "Consistency Violation", consistency.Error())
	case errors.Is(err, contracts.ErrInvalidAmount):
		WriteBadRequest(w, r, err.Error())
	default:
		WriteInternal(w, r, err)
	}
}
