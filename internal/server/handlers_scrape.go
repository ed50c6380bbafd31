package server

import (
	"log"
	"net/http"

	"github.com/jonathan/lead-pipeline/internal/orchestrator"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// decodeScrapeRequest decodes, normalizes and validates a scrape request.
func decodeScrapeRequest(w http.ResponseWriter, r *http.Request) (types.ScrapeRequest, error) {
	var req types.ScrapeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		return req, err
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return req, &ErrValidation{Field: "request", Message: err.Error()}
	}
	return req, nil
}

// handleScrape enqueues a campaign scrape and returns the job.
func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	req, err := decodeScrapeRequest(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	job, err := s.deps.Jobs.Enqueue(r.Context(), queue.QueueScraping, types.JobScrape, req, queue.Options{})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, job)
}

// handleScrapeStream runs a campaign scrape in the request and streams its
// progress as server-sent events.
func (s *Server) handleScrapeStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeScrapeRequest(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	stream, err := newProgressStream(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	onProgress := func(p orchestrator.Progress) {
		if err := stream.Progress(p); err != nil {
			log.Printf("[scrape] failed to stream progress: %v", err)
		}
	}

	res, err := s.deps.Scraper.RunCampaign(r.Context(), req, onProgress)
	if err != nil {
		log.Printf("[scrape] streamed campaign failed: %v", err)
		err = stream.Fail(err)
	} else {
		err = stream.Complete(res.CampaignRunID.String(), res)
	}
	if err != nil {
		log.Printf("[scrape] failed to close stream: %v", err)
	}
}
