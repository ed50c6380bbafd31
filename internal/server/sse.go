package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Scrape stream event names.
const (
	eventProgress = "progress"
	eventError    = "error"
	eventComplete = "complete"
)

// progressStream writes server-sent events for one streamed scrape. Sources
// report progress from their own goroutines, so writes are serialized and
// numbered; nothing is written after the closing event.
type progressStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	seq     int
	closed  bool
}

func newProgressStream(w http.ResponseWriter) (*progressStream, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming not supported")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	return &progressStream{w: w, flusher: flusher}, nil
}

func (s *progressStream) send(event string, data any, last bool) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", event, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("stream closed")
	}
	s.seq++
	s.closed = last
	if _, err := fmt.Fprintf(s.w, "id: %d\nevent: %s\ndata: %s\n\n", s.seq, event, payload); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Progress streams one progress update.
func (s *progressStream) Progress(p any) error {
	return s.send(eventProgress, p, false)
}

// Fail closes the stream with an error event.
func (s *progressStream) Fail(err error) error {
	return s.send(eventError, map[string]string{"error": err.Error()}, true)
}

// Complete closes the stream with the campaign result.
func (s *progressStream) Complete(campaignRunID string, result any) error {
	return s.send(eventComplete, map[string]any{
		"campaign_run_id": campaignRunID,
		"result":          result,
	}, true)
}
