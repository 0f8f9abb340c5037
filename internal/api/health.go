package api

import (
	"net/http"
)

type healthResponse struct {
	Status   string `json:"status"`
	Language string `json:"language"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Language: s.engine.Language(),
	})
}
