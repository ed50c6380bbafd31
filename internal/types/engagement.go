package types

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventKind is the kind of an inbound engagement event.
type EventKind string

// Engagement event kinds reported by the transport.
const (
	EventDelivered  EventKind = "delivered"
	EventOpened     EventKind = "opened"
	EventClicked    EventKind = "clicked"
	EventBounced    EventKind = "bounced"
	EventComplained EventKind = "complained"
)

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventDelivered, EventOpened, EventClicked, EventBounced, EventComplained:
		return true
	}
	return false
}

// EngagementEvent is an asynchronous signal about a previously sent message.
type EngagementEvent struct {
	// EventID is the provider's own id for this event, when it sends one.
	EventID   string    `json:"event_id,omitempty"`
	LeadID    uuid.UUID `json:"lead_id"`
	MessageID string    `json:"message_id,omitempty"`
	Kind      EventKind `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	URL       string    `json:"url,omitempty"`
}

// Identifiable reports whether DedupeKey is stable across redeliveries. An
// event with no provider id, no message id and no timestamp is not.
func (e *EngagementEvent) Identifiable() bool {
	return e.EventID != "" || e.MessageID != "" || !e.Timestamp.IsZero()
}

// DedupeKey identifies the event for idempotent processing. The provider
// event id wins. Otherwise the message id and kind are used, plus the
// timestamp when there is one so that a second open or click of the same
// message still counts. Events without a message id fall back to lead id,
// kind and timestamp.
func (e *EngagementEvent) DedupeKey() string {
	switch {
	case e.EventID != "":
		return "evt:" + e.EventID
	case e.MessageID != "" && e.Timestamp.IsZero():
		return fmt.Sprintf("msg:%s:%s", e.MessageID, e.Kind)
	case e.MessageID != "":
		return fmt.Sprintf("msg:%s:%s:%d", e.MessageID, e.Kind, e.Timestamp.UnixNano())
	}
	return fmt.Sprintf("lead:%s:%s:%d", e.LeadID, e.Kind, e.Timestamp.UnixNano())
}
