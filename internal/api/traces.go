package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lodeworks/ferrite/internal/trace"
)

// listTracesResponse wraps the trace list response.
type listTracesResponse struct {
	Traces []trace.Record `json:"traces"`
	Total  int            `json:"total"`
}

func (s *Server) handleListTraces(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	if limit < 1 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	records := s.engine.Traces().Traces(limit)
	s.writeJSON(w, http.StatusOK, listTracesResponse{
		Traces: records,
		Total:  len(records),
	})
}

func (s *Server) handleGetTrace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, ok := s.engine.Traces().Get(id)
	if !ok {
		s.writeError(w, http.StatusNotFound, "trace not found")
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}
