package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lodeworks/ferrite/internal/cron"
)

// jobResponse is the JSON shape for a scheduled job.
type jobResponse struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Expression string      `json:"expression"`
	Enabled    bool        `json:"enabled"`
	Status     cron.Status `json:"status"`
	NextRun    string      `json:"next_run,omitempty"`
	Triggers   []string    `json:"triggers,omitempty"`
}

// jobDetailResponse adds the last execution record when one exists.
type jobDetailResponse struct {
	jobResponse
	LastExecution *cron.ExecutionRecord `json:"last_execution,omitempty"`
}

// listJobsResponse wraps the job list response.
type listJobsResponse struct {
	Jobs  []jobResponse `json:"jobs"`
	Total int           `json:"total"`
}

func jobToResponse(j *cron.Job) jobResponse {
	resp := jobResponse{
		ID:         j.ID,
		Name:       j.Name,
		Expression: j.Expression,
		Enabled:    j.Enabled,
		Status:     j.Status(),
		Triggers:   j.Triggers,
	}
	if next := j.NextRun(); !next.IsZero() {
		resp.NextRun = next.UTC().Format(time.RFC3339)
	}
	return resp
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := s.engine.Scheduler().ListJobs()
	out := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToResponse(j))
	}
	s.writeJSON(w, http.StatusOK, listJobsResponse{Jobs: out, Total: len(out)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var found *cron.Job
	for _, j := range s.engine.Scheduler().ListJobs() {
		if j.ID == id {
			found = j
			break
		}
	}
	if found == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}

	detail := jobDetailResponse{jobResponse: jobToResponse(found)}
	if last, ok := found.LastExecution(); ok {
		detail.LastExecution = &last
	}
	s.writeJSON(w, http.StatusOK, detail)
}
