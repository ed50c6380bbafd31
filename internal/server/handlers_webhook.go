package server

import (
	"errors"
	"log"
	"net/http"

	"github.com/jonathan/lead-pipeline/internal/lifecycle"
	"github.com/jonathan/lead-pipeline/internal/transport"
)

// WebhookResponse summarizes how a webhook batch was applied.
type WebhookResponse struct {
	Received int            `json:"received"`
	Skipped  int            `json:"skipped"`
	Outcomes map[string]int `json:"outcomes"`
}

// outcomeInvalid and outcomeFailed count events that were not applied.
const (
	outcomeInvalid = "invalid"
	outcomeFailed  = "failed"
)

// handleWebhook applies a batch of transport events. When any event fails to
// apply the server answers 500 so the provider redelivers the whole batch.
// Every event's dedupe key is recorded in the same write as its lead update,
// so events that were applied come back as duplicates and only the failed
// ones take effect.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	if s.deps.Schemas != nil {
		if err := s.deps.Schemas.Webhook(body); err != nil {
			s.fail(w, r, err)
			return
		}
	}

	events, skipped, err := transport.ParseWebhook(body)
	if err != nil {
		s.fail(w, r, &ErrValidation{Field: "events", Message: err.Error()})
		return
	}

	resp := WebhookResponse{Received: len(events) + skipped, Skipped: skipped, Outcomes: map[string]int{}}
	failed := false
	for _, ev := range events {
		outcome, err := s.deps.Lifecycle.ApplyEngagementEvent(r.Context(), ev)
		switch {
		case err == nil:
			resp.Outcomes[string(outcome)]++
		case errors.Is(err, lifecycle.ErrInvalidEvent):
			resp.Outcomes[outcomeInvalid]++
		default:
			log.Printf("[webhook] failed to apply %s event for message %q: %v", ev.Kind, ev.MessageID, err)
			resp.Outcomes[outcomeFailed]++
			failed = true
		}
	}

	status := http.StatusOK
	if failed {
		status = http.StatusInternalServerError
	}
	s.jsonResponse(w, status, resp)
}
