package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/jonathan/lead-pipeline/internal/queue"
)

// QueuesResponse reports every queue's counts and cumulative stats.
type QueuesResponse struct {
	Counts map[string]queue.Counts `json:"counts"`
	Stats  map[string]queue.Stats  `json:"stats"`
}

func (s *Server) handleListQueues(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, QueuesResponse{Counts: s.deps.Jobs.Counts(), Stats: s.deps.Jobs.Stats()})
}

// handleListJobs lists a queue's jobs, optionally filtered by ?state=.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	state := queue.State(r.URL.Query().Get("state"))
	switch state {
	case "", queue.StateWaiting, queue.StateDelayed, queue.StateActive,
		queue.StateCompleted, queue.StateFailed, queue.StateCancelled:
	default:
		s.fail(w, r, &ErrValidation{Field: "state", Message: fmt.Sprintf("unknown state %q", state)})
		return
	}

	limit, err := queryInt(r, "limit", 50, 1, 500)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	jobs, err := s.deps.Jobs.List(r.PathValue("name"), state, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*queue.Job{}
	}
	s.jsonResponse(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	job, err := s.deps.Jobs.Get(id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, job)
}

// handleCancelJob cancels a pending or running job. Finished jobs conflict.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	ok, err := s.deps.Jobs.Cancel(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if !ok {
		s.fail(w, r, &ErrConflict{Message: fmt.Sprintf("job %s already finished", id)})
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"id": id, "cancelled": true})
}

func (s *Server) handleListTriggers(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.deps.Triggers.Status(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, triggers)
}

// handleFireTrigger runs a trigger's action now, outside its schedule.
func (s *Server) handleFireTrigger(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if err := s.deps.Triggers.FireNow(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"fired": name})
}

// queryInt parses an optional bounded integer query parameter.
func queryInt(r *http.Request, name string, def, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, &ErrValidation{Field: name, Message: fmt.Sprintf("must be an integer between %d and %d", lo, hi)}
	}
	return n, nil
}
