// Package lifecycle moves leads through new, contacted, qualified, converted
// and lost in response to scoring results, outreach and engagement events.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/rendering"
	"github.com/jonathan/lead-pipeline/internal/scoring"
	"github.com/jonathan/lead-pipeline/internal/transport"
	"github.com/jonathan/lead-pipeline/internal/types"
)

var (
	// ErrLeadNotFound is returned when the lead id does not exist.
	ErrLeadNotFound = errors.New("lead not found")
	// ErrConflict is returned when concurrent writers kept winning the version check.
	ErrConflict = errors.New("lead was modified concurrently")
	// ErrInvalidTransition is returned for backward or out-of-terminal status changes.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidEvent is returned for events of unknown kind.
	ErrInvalidEvent = errors.New("invalid engagement event")
)

// Store is the lead persistence the state machine needs.
type Store interface {
	// GetLead returns nil, nil when the lead does not exist.
	GetLead(ctx context.Context, id uuid.UUID) (*types.Lead, error)
	// UpdateLeadIfVersion stores lead only if the stored version still equals
	// lead.Version, then increments the version on both, and appends activities.
	UpdateLeadIfVersion(ctx context.Context, lead *types.Lead, activities ...types.Activity) (bool, error)
	// ApplyEventIfVersion is UpdateLeadIfVersion that also records eventKey
	// as processed in the same write. duplicate reports a key that was
	// already recorded, in which case nothing is written.
	ApplyEventIfVersion(ctx context.Context, lead *types.Lead, eventKey string, activities ...types.Activity) (applied, duplicate bool, err error)
	EventProcessed(ctx context.Context, key string) (bool, error)
	MarkEventProcessed(ctx context.Context, key string, leadID uuid.UUID) error
	RecordMessage(ctx context.Context, messageID string, leadID uuid.UUID) error
	// LeadForMessage returns uuid.Nil when the message id is unknown.
	LeadForMessage(ctx context.Context, messageID string) (uuid.UUID, error)
}

// Jobs schedules and cancels lead work.
type Jobs interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload any, opts queue.Options) (*queue.Job, error)
	CancelByKey(ctx context.Context, jobType, key string) int
}

// Renderer renders outreach templates.
type Renderer interface {
	Has(name string) bool
	Render(name string, lead *types.Lead) (*rendering.Message, error)
}

// Config tunes automatic outreach and engagement scoring.
type Config struct {
	AutoContact          bool          `json:"auto_contact" yaml:"auto_contact"`
	AutoContactThreshold int           `json:"auto_contact_threshold" yaml:"auto_contact_threshold" validate:"min=0,max=100"`
	SafetyDelay          time.Duration `json:"safety_delay" yaml:"safety_delay"`
	FollowUpDays         []int         `json:"follow_up_days" yaml:"follow_up_days" validate:"dive,min=1"`
	OpenIncrement        int           `json:"open_increment" yaml:"open_increment" validate:"min=0,max=100"`
	ClickIncrement       int           `json:"click_increment" yaml:"click_increment" validate:"min=0,max=100"`
}

// DefaultConfig returns the standard outreach cadence.
func DefaultConfig() Config {
	return Config{
		AutoContact:          true,
		AutoContactThreshold: 70,
		SafetyDelay:          15 * time.Minute,
		FollowUpDays:         []int{3, 7, 14},
		OpenIncrement:        10,
		ClickIncrement:       25,
	}
}

// Outcome describes what ApplyEngagementEvent did.
type Outcome string

// Event outcomes.
const (
	OutcomeApplied     Outcome = "applied"
	OutcomeNoChange    Outcome = "no_change"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeUnknownLead Outcome = "unknown_lead"
)

const maxConflictRetries = 3

// Machine applies lifecycle transitions. Updates to one lead are serialized
// in process and guarded by the store's version check across processes.
type Machine struct {
	store    Store
	jobs     Jobs
	sender   transport.Sender
	renderer Renderer
	cfg      Config
	locks    *keyedMutex
	now      func() time.Time
}

// New creates a state machine.
func New(store Store, jobs Jobs, sender transport.Sender, renderer Renderer, cfg Config) *Machine {
	return &Machine{
		store:    store,
		jobs:     jobs,
		sender:   sender,
		renderer: renderer,
		cfg:      cfg,
		locks:    newKeyedMutex(),
		now:      time.Now,
	}
}

// Config returns the active configuration.
func (m *Machine) Config() Config { return m.cfg }

// update applies fn to a fresh copy of the lead and stores the result with an
// optimistic version check, retrying on conflict. fn reports whether it
// changed anything; unchanged leads are not written.
func (m *Machine) update(ctx context.Context, id uuid.UUID, fn func(l *types.Lead) ([]types.Activity, bool)) (*types.Lead, bool, error) {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		lead, err := m.store.GetLead(ctx, id)
		if err != nil {
			return nil, false, fmt.Errorf("failed to load lead %s: %w", id, err)
		}
		if lead == nil {
			return nil, false, fmt.Errorf("%w: %s", ErrLeadNotFound, id)
		}

		next := lead.Clone()
		activities, changed := fn(next)
		if !changed {
			return next, false, nil
		}

		ok, err := m.store.UpdateLeadIfVersion(ctx, next, activities...)
		if err != nil {
			return nil, false, fmt.Errorf("failed to update lead %s: %w", id, err)
		}
		if ok {
			return next, true, nil
		}
		log.Printf("[lifecycle] version conflict on lead %s (attempt %d)", id, attempt+1)
	}
	return nil, false, fmt.Errorf("%w: %s", ErrConflict, id)
}

func (m *Machine) activity(id uuid.UUID, kind, detail string) types.Activity {
	return types.Activity{LeadID: id, Kind: kind, Detail: detail, CreatedAt: m.now()}
}

// OnScored stores a scoring result and, for new leads at or above the
// auto-contact threshold, schedules the initial email after the safety delay
// plus the follow-up sequence. Leads already contacted or scheduled are never
// scheduled again.
func (m *Machine) OnScored(ctx context.Context, leadID uuid.UUID, res scoring.Result) error {
	unlock := m.locks.Lock(leadID.String())
	defer unlock()

	now := m.now()
	schedule := false
	lead, _, err := m.update(ctx, leadID, func(l *types.Lead) ([]types.Activity, bool) {
		res.Apply(l, now)
		acts := []types.Activity{m.activity(l.ID, "scored", fmt.Sprintf("%d (%s)", res.Total, res.Tier))}
		schedule = m.shouldAutoContact(l, res.Total)
		if schedule {
			l.OutreachScheduledAt = &now
			acts = append(acts, m.activity(l.ID, "outreach_scheduled", fmt.Sprintf("send after %s", m.cfg.SafetyDelay)))
		}
		return acts, true
	})
	if err != nil {
		return err
	}
	if !schedule {
		return nil
	}

	if err := m.startOutreach(ctx, lead); err != nil {
		return err
	}
	log.Printf("[lifecycle] lead %s scored %d, outreach scheduled with %d follow-ups", leadID, res.Total, len(m.cfg.FollowUpDays))
	return nil
}

// ScheduleOutreach schedules outreach for an already scored lead that is at or
// above the auto-contact threshold but was never scheduled. It reports whether
// anything was scheduled.
func (m *Machine) ScheduleOutreach(ctx context.Context, leadID uuid.UUID) (bool, error) {
	unlock := m.locks.Lock(leadID.String())
	defer unlock()

	now := m.now()
	schedule := false
	lead, _, err := m.update(ctx, leadID, func(l *types.Lead) ([]types.Activity, bool) {
		if l.Score == nil {
			return nil, false
		}
		schedule = m.shouldAutoContact(l, *l.Score)
		if !schedule {
			return nil, false
		}
		l.OutreachScheduledAt = &now
		return []types.Activity{m.activity(l.ID, "outreach_scheduled", fmt.Sprintf("sweep, send after %s", m.cfg.SafetyDelay))}, true
	})
	if err != nil || !schedule {
		return false, err
	}

	if err := m.startOutreach(ctx, lead); err != nil {
		return false, err
	}
	log.Printf("[lifecycle] lead %s picked up by sweep, outreach scheduled", leadID)
	return true, nil
}

// startOutreach enqueues the outreach jobs of a lead whose schedule mark was
// just stored. On failure the jobs and the mark are rolled back.
func (m *Machine) startOutreach(ctx context.Context, lead *types.Lead) error {
	err := m.scheduleOutreach(ctx, lead)
	if err == nil {
		return nil
	}

	m.cancelOutreach(ctx, lead.ID)
	_, _, rbErr := m.update(ctx, lead.ID, func(l *types.Lead) ([]types.Activity, bool) {
		if l.OutreachScheduledAt == nil || l.ContactedAt != nil {
			return nil, false
		}
		l.OutreachScheduledAt = nil
		return []types.Activity{m.activity(l.ID, "outreach_unscheduled", err.Error())}, true
	})
	if rbErr != nil {
		log.Printf("[lifecycle] failed to clear outreach schedule for lead %s: %v", lead.ID, rbErr)
	}
	return fmt.Errorf("failed to schedule outreach for lead %s: %w", lead.ID, err)
}

func (m *Machine) shouldAutoContact(l *types.Lead, total int) bool {
	if !m.cfg.AutoContact || total < m.cfg.AutoContactThreshold {
		return false
	}
	if l.Status != types.StatusNew || l.Contacted() {
		return false
	}
	if l.Email == "" {
		log.Printf("[lifecycle] lead %s scored %d but has no contact email, not scheduling outreach", l.ID, total)
		return false
	}
	return true
}

func (m *Machine) scheduleOutreach(ctx context.Context, lead *types.Lead) error {
	key := types.LeadJobKey(lead.ID)
	if _, err := m.jobs.Enqueue(ctx, queue.QueueOutreach, types.JobSendEmail,
		types.LeadPayload{LeadID: lead.ID}, queue.Options{Delay: m.cfg.SafetyDelay, Key: key}); err != nil {
		return err
	}
	for i, day := range m.cfg.FollowUpDays {
		delay := m.cfg.SafetyDelay + time.Duration(day)*24*time.Hour
		payload := types.FollowUpPayload{LeadID: lead.ID, Step: i + 1, Day: day}
		if _, err := m.jobs.Enqueue(ctx, queue.QueueOutreach, types.JobFollowUp, payload,
			queue.Options{Delay: delay, Key: key}); err != nil {
			return err
		}
	}
	return nil
}

// cancelFollowUps cancels the pending follow-up sequence of a lead.
func (m *Machine) cancelFollowUps(ctx context.Context, leadID uuid.UUID) int {
	return m.jobs.CancelByKey(ctx, types.JobFollowUp, types.LeadJobKey(leadID))
}

// cancelOutreach cancels every pending outbound email of a lead.
func (m *Machine) cancelOutreach(ctx context.Context, leadID uuid.UUID) int {
	n := m.jobs.CancelByKey(ctx, types.JobSendEmail, types.LeadJobKey(leadID))
	return n + m.cancelFollowUps(ctx, leadID)
}

// effects are the side effects of a transition, run after it is stored.
type effects struct {
	cancelFollowUps bool
	cancelOutreach  bool
	refresh         bool
}

// ApplyEngagementEvent is the single entry point for transport events. Events
// are applied at most once per dedupe key; unknown leads are logged and
// dropped. The key is recorded in the same store write as the lead change, so
// a redelivery after any failure either finds the key or applies the event
// for the first time.
func (m *Machine) ApplyEngagementEvent(ctx context.Context, ev types.EngagementEvent) (Outcome, error) {
	if !ev.Kind.Valid() {
		return "", fmt.Errorf("%w: kind %q", ErrInvalidEvent, ev.Kind)
	}
	if ev.LeadID == uuid.Nil && ev.MessageID == "" {
		return "", fmt.Errorf("%w: no lead or message id", ErrInvalidEvent)
	}
	if !ev.Identifiable() {
		return "", fmt.Errorf("%w: no event id, message id or timestamp", ErrInvalidEvent)
	}

	if ev.LeadID == uuid.Nil {
		id, err := m.store.LeadForMessage(ctx, ev.MessageID)
		if err != nil {
			return "", fmt.Errorf("failed to resolve message %s: %w", ev.MessageID, err)
		}
		if id == uuid.Nil {
			log.Printf("[lifecycle] %s event for unknown message %s dropped", ev.Kind, ev.MessageID)
			return OutcomeUnknownLead, nil
		}
		ev.LeadID = id
	}

	// The key is taken before a missing timestamp is filled in for the
	// transition, so it stays the same on every delivery.
	key := ev.DedupeKey()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = m.now()
	}

	unlock := m.locks.Lock(ev.LeadID.String())
	defer unlock()

	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		done, err := m.store.EventProcessed(ctx, key)
		if err != nil {
			return "", fmt.Errorf("failed to check event %s: %w", key, err)
		}
		if done {
			return OutcomeDuplicate, nil
		}

		lead, err := m.store.GetLead(ctx, ev.LeadID)
		if err != nil {
			return "", fmt.Errorf("failed to load lead %s: %w", ev.LeadID, err)
		}
		if lead == nil {
			log.Printf("[lifecycle] %s event for unknown lead %s dropped", ev.Kind, ev.LeadID)
			return OutcomeUnknownLead, nil
		}

		next := lead.Clone()
		acts, fx, changed := m.transition(next, ev)
		if !changed {
			if err := m.store.MarkEventProcessed(ctx, key, ev.LeadID); err != nil {
				return "", fmt.Errorf("failed to mark event %s: %w", key, err)
			}
			return OutcomeNoChange, nil
		}

		applied, duplicate, err := m.store.ApplyEventIfVersion(ctx, next, key, acts...)
		if err != nil {
			return "", fmt.Errorf("failed to apply event %s to lead %s: %w", key, ev.LeadID, err)
		}
		if duplicate {
			return OutcomeDuplicate, nil
		}
		if applied {
			m.runEffects(ctx, next, fx)
			log.Printf("[lifecycle] lead %s: %s applied, status %s, engagement %d", next.ID, ev.Kind, next.Status, next.EngagementScore)
			return OutcomeApplied, nil
		}
		log.Printf("[lifecycle] version conflict on lead %s (attempt %d)", ev.LeadID, attempt+1)
	}
	return "", fmt.Errorf("%w: %s", ErrConflict, ev.LeadID)
}

// transition applies ev to l in place. Terminal leads do not change.
func (m *Machine) transition(l *types.Lead, ev types.EngagementEvent) ([]types.Activity, effects, bool) {
	var fx effects
	if l.Status.Terminal() {
		return nil, fx, false
	}

	from := l.Status
	ts := ev.Timestamp
	changed := false

	advance := func(to types.Status) {
		if l.Status.CanAdvanceTo(to) {
			l.Status = to
			changed = true
		}
	}
	engage := func(increment int) {
		l.EngagementScore = min(100, l.EngagementScore+increment)
		if l.LastEngagedAt == nil || ts.After(*l.LastEngagedAt) {
			l.LastEngagedAt = &ts
		}
		changed = true
	}

	switch ev.Kind {
	case types.EventDelivered:
		if l.ContactedAt == nil {
			l.ContactedAt = &ts
			changed = true
		}
		advance(types.StatusContacted)

	case types.EventOpened:
		engage(m.cfg.OpenIncrement)
		if l.FirstOpenedAt == nil {
			l.FirstOpenedAt = &ts
			fx.refresh = true
			advance(types.StatusQualified)
		}

	case types.EventClicked:
		engage(m.cfg.ClickIncrement)
		advance(types.StatusQualified)
		fx.cancelFollowUps = true

	case types.EventBounced, types.EventComplained:
		advance(types.StatusLost)
		fx.cancelOutreach = true
	}

	if !changed {
		return nil, effects{}, false
	}
	detail := string(from)
	if l.Status != from {
		detail += " -> " + string(l.Status)
	}
	if ev.MessageID != "" {
		detail += " (message " + ev.MessageID + ")"
	}
	return []types.Activity{m.activity(l.ID, "event:"+string(ev.Kind), detail)}, fx, true
}

func (m *Machine) runEffects(ctx context.Context, lead *types.Lead, fx effects) {
	if fx.cancelOutreach {
		if n := m.cancelOutreach(ctx, lead.ID); n > 0 {
			log.Printf("[lifecycle] lead %s: cancelled %d pending emails", lead.ID, n)
		}
	} else if fx.cancelFollowUps {
		if n := m.cancelFollowUps(ctx, lead.ID); n > 0 {
			log.Printf("[lifecycle] lead %s: cancelled %d follow-ups", lead.ID, n)
		}
	}
	if fx.refresh {
		_, err := m.jobs.Enqueue(ctx, queue.QueueEnrichment, types.JobRefreshEnrichment,
			types.LeadPayload{LeadID: lead.ID}, queue.Options{Key: types.LeadJobKey(lead.ID)})
		if err != nil {
			log.Printf("[lifecycle] failed to enqueue enrichment refresh for lead %s: %v", lead.ID, err)
		}
	}
}

// Advance moves a lead forward to status on operator request. Terminal
// statuses cancel any pending outreach.
func (m *Machine) Advance(ctx context.Context, leadID uuid.UUID, status types.Status, reason string) (*types.Lead, error) {
	unlock := m.locks.Lock(leadID.String())
	defer unlock()

	var invalid bool
	lead, _, err := m.update(ctx, leadID, func(l *types.Lead) ([]types.Activity, bool) {
		if !l.Status.CanAdvanceTo(status) {
			invalid = true
			return nil, false
		}
		from := l.Status
		l.Status = status
		return []types.Activity{m.activity(l.ID, "status_changed", fmt.Sprintf("%s -> %s: %s", from, status, reason))}, true
	})
	if err != nil {
		return nil, err
	}
	if invalid {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, lead.Status, status)
	}
	if status.Terminal() {
		m.cancelOutreach(ctx, leadID)
	}
	log.Printf("[lifecycle] lead %s moved to %s by operator", leadID, status)
	return lead, nil
}
