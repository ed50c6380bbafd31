package transport

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lead-pipeline/internal/types"
)

// WebhookEvent is one entry of an inbound provider webhook.
type WebhookEvent struct {
	ID        string    `json:"event_id,omitempty"`
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	LeadID    string    `json:"lead_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url,omitempty"`
}

// WebhookPayload is the body of a provider webhook request.
type WebhookPayload struct {
	Events []WebhookEvent `json:"events"`
}

// eventKinds maps provider event names onto engagement kinds.
var eventKinds = map[string]types.EventKind{
	"delivered":   types.EventDelivered,
	"delivery":    types.EventDelivered,
	"open":        types.EventOpened,
	"opened":      types.EventOpened,
	"click":       types.EventClicked,
	"clicked":     types.EventClicked,
	"bounce":      types.EventBounced,
	"bounced":     types.EventBounced,
	"dropped":     types.EventBounced,
	"complaint":   types.EventComplained,
	"complained":  types.EventComplained,
	"spam_report": types.EventComplained,
}

// KindFor maps a provider event type to an engagement kind.
func KindFor(providerType string) (types.EventKind, bool) {
	kind, ok := eventKinds[strings.ToLower(strings.TrimSpace(providerType))]
	return kind, ok
}

// ParseWebhook decodes a webhook body into engagement events. Entries with an
// unknown type, no target, or nothing to deduplicate redeliveries by are
// skipped and counted; a malformed lead id is an error. A missing timestamp is
// left zero, never filled from the receive time.
func ParseWebhook(body []byte) ([]types.EngagementEvent, int, error) {
	var payload WebhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, 0, fmt.Errorf("failed to decode webhook: %w", err)
	}

	events := make([]types.EngagementEvent, 0, len(payload.Events))
	skipped := 0
	for i, we := range payload.Events {
		kind, ok := KindFor(we.Type)
		if !ok {
			skipped++
			continue
		}
		ev := types.EngagementEvent{
			EventID:   strings.TrimSpace(we.ID),
			MessageID: strings.TrimSpace(we.MessageID),
			Kind:      kind,
			Timestamp: we.Timestamp,
			URL:       we.URL,
		}
		if we.LeadID != "" {
			id, err := uuid.Parse(we.LeadID)
			if err != nil {
				return nil, skipped, fmt.Errorf("event %d: invalid lead_id %q: %w", i, we.LeadID, err)
			}
			ev.LeadID = id
		}
		if ev.MessageID == "" && ev.LeadID == uuid.Nil {
			skipped++
			continue
		}
		if !ev.Identifiable() {
			log.Printf("[webhook] skipping %s event %d for lead %s: no event id, message id or timestamp", kind, i, ev.LeadID)
			skipped++
			continue
		}
		events = append(events, ev)
	}
	return events, skipped, nil
}
