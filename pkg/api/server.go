// Package api exposes the engine's externally triggered operations over HTTP.
// Every request may carry an explicit time; the server clock fills in when it
// is omitted.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattyonweb/tbsm/pkg/contracts"
	"github.com/mattyonweb/tbsm/pkg/engine"
	"github.com/mattyonweb/tbsm/pkg/store"
)

const maxBodyBytes = 1 << 20

// Server serves the engine API.
type Server struct {
	engine  *engine.Engine
	clock   func() time.Time
	logger  *slog.Logger
	limiter *ClientLimiter
}

// Option configures a Server.
type Option func(*Server)

// WithClock replaces time.Now as the source of omitted times.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.clock = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithClientLimiter rate limits the /v1 routes per client address.
func WithClientLimiter(cl *ClientLimiter) Option {
	return func(s *Server) { s.limiter = cl }
}

func NewServer(e *engine.Engine, opts ...Option) *Server {
	s := &Server{
		engine: e,
		clock:  func() time.Time { return time.Now().UTC() },
		logger: slog.Default().With("component", "api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the HTTP handler.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}
		api.Post("/sweeps", s.handleSweep)
		api.Get("/contracts/{id}", s.handleGetContract)
		api.Post("/contracts/{id}/activation", s.handleActivate)
		api.Get("/participants/{id}", s.handleGetParticipant)
		api.Get("/participants/{id}/rating", s.handleGetRating)
		api.Post("/participants/{id}/insolvency", s.handleInsolvency)
		api.Get("/obligations", s.handleListObligations)
		api.Get("/obligations/{id}", s.handleGetObligation)
		api.Get("/obligations/{id}/journal", s.handleGetJournal)
		api.Post("/obligations/{id}/waiver", s.handleWaive)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.InfoContext(r.Context(), "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// timeRequest is the body of every POST. Both keys are accepted.
type timeRequest struct {
	Now *time.Time `json:"now,omitempty"`
	At  *time.Time `json:"at,omitempty"`
}

// requestTime decodes an optional body and returns the time it names.
func (s *Server) requestTime(w http.ResponseWriter, r *http.Request) (time.Time, bool) {
	var req timeRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		WriteBadRequest(w, r, "invalid JSON body: "+err.Error())
		return time.Time{}, false
	}
	switch {
	case req.Now != nil:
		return req.Now.UTC(), true
	case req.At != nil:
		return req.At.UTC(), true
	}
	return s.clock(), true
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	now, ok := s.requestTime(w, r)
	if !ok {
		return
	}
	report, err := s.engine.RunSweep(r.Context(), now)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	at, ok := s.requestTime(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.engine.ActivateContract(r.Context(), id, at); err != nil {
		writeEngineError(w, r, err)
		return
	}
	c, err := s.engine.Contract(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleInsolvency(w http.ResponseWriter, r *http.Request) {
	at, ok := s.requestTime(w, r)
	if !ok {
		return
	}
	res, err := s.engine.DeclareInsolvent(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleWaive(w http.ResponseWriter, r *http.Request) {
	at, ok := s.requestTime(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.engine.Waive(r.Context(), id, at); err != nil {
		writeEngineError(w, r, err)
		return
	}
	o, err := s.engine.Obligation(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetContract(w http.ResponseWriter, r *http.Request) {
	c, err := s.engine.Contract(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetParticipant(w http.ResponseWriter, r *http.Request) {
	p, err := s.engine.Participant(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleGetRating(w http.ResponseWriter, r *http.Request) {
	rt, err := s.engine.Rating(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rt)
}

func (s *Server) handleGetObligation(w http.ResponseWriter, r *http.Request) {
	o, err := s.engine.Obligation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleGetJournal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.engine.Obligation(r.Context(), id); err != nil {
		writeEngineError(w, r, err)
		return
	}
	entries, err := s.engine.Journal(r.Context(), id)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// handleListObligations filters by contract, payer and status query
// parameters; due=<RFC 3339> lists what a sweep at that time would settle.
func (s *Server) handleListObligations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if due := q.Get("due"); due != "" {
		t, err := time.Parse(time.RFC3339, due)
		if err != nil {
			WriteBadRequest(w, r, "due must be an RFC 3339 time")
			return
		}
		list, err := s.engine.Due(r.Context(), t)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
		return
	}

	f := store.ObligationFilter{
		ContractID: q.Get("contract"),
		PayerID:    q.Get("payer"),
		Status:     contracts.ObligationStatus(q.Get("status")),
	}
	switch f.Status {
	case "", contracts.StatusPending, contracts.StatusSettled, contracts.StatusDefaulted, contracts.StatusWaived:
	default:
		WriteBadRequest(w, r, "unknown status "+string(f.Status))
		return
	}
	list, err := s.engine.Obligations(r.Context(), f)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
