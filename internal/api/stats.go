package api

import (
	"net/http"
)

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

// handlersResponse is the JSON response for GET /v1/handlers.
type handlersResponse struct {
	Handlers []string `json:"handlers"`
	Total    int      `json:"total"`
}

func (s *Server) handleListHandlers(w http.ResponseWriter, r *http.Request) {
	names := s.engine.Executor().ListHandlers()
	s.writeJSON(w, http.StatusOK, handlersResponse{
		Handlers: names,
		Total:    len(names),
	})
}
