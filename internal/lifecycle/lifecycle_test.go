package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/lead-pipeline/internal/db"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/rendering"
	"github.com/jonathan/lead-pipeline/internal/scoring"
	"github.com/jonathan/lead-pipeline/internal/transport"
	"github.com/jonathan/lead-pipeline/internal/types"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []transport.Message
	err  error
	now  time.Time
}

func (f *fakeSender) Send(_ context.Context, msg transport.Message) (transport.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return transport.Handle{}, f.err
	}
	f.sent = append(f.sent, msg)
	return transport.Handle{MessageID: fmt.Sprintf("msg-%d", len(f.sent)), Provider: "fake", SentAt: f.now}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	machine *Machine
	store   *db.MemoryStore
	jobs    *queue.Manager
	sender  *fakeSender
	now     time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	store := db.NewMemoryStore()
	jobs := queue.NewManager(nil)
	jobs.AddQueue(queue.Config{Name: queue.QueueOutreach})
	jobs.AddQueue(queue.Config{Name: queue.QueueEnrichment})
	t.Cleanup(jobs.Stop)

	renderer, err := rendering.NewRenderer("", rendering.Sender{Name: "Dana", Company: "Growth Co"})
	require.NoError(t, err)

	sender := &fakeSender{now: now}
	m := New(store, jobs, sender, renderer, DefaultConfig())
	m.now = func() time.Time { return now }
	return &harness{machine: m, store: store, jobs: jobs, sender: sender, now: now}
}

func (h *harness) addLead(t *testing.T, mutate func(l *types.Lead)) *types.Lead {
	t.Helper()
	lead := types.NewLead(types.Candidate{Name: "ABC Plumbing", Address: "1 Main St", SourceID: "directory"},
		uuid.New(), "plumber", "Austin, TX", h.now)
	lead.Email = "info@abc.example"
	if mutate != nil {
		mutate(lead)
	}
	_, err := h.store.CreateLeads(context.Background(), []*types.Lead{lead})
	require.NoError(t, err)
	return lead
}

func (h *harness) lead(t *testing.T, id uuid.UUID) *types.Lead {
	t.Helper()
	l, err := h.store.GetLead(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, l)
	return l
}

func (h *harness) pending(jobType string, id uuid.UUID) []*queue.Job {
	return h.jobs.Pending(jobType, types.LeadJobKey(id))
}

func result(total int) scoring.Result {
	return scoring.Result{
		Components: map[string]int{scoring.WebsiteQuality: total},
		Total:      total,
		Tier:       scoring.TierFor(total),
		Recommendations: []scoring.Recommendation{
			{Component: scoring.WebsiteQuality, Priority: scoring.PriorityHigh, Message: "Build a mobile-friendly website"},
		},
	}
}

func kinds(acts []types.Activity) []string {
	out := make([]string, len(acts))
	for i, a := range acts {
		out[i] = a.Kind
	}
	return out
}

// contacted returns a lead whose initial email already went out, with the
// outreach sequence scheduled.
func (h *harness) contacted(t *testing.T) *types.Lead {
	t.Helper()
	ctx := context.Background()
	lead := h.addLead(t, nil)
	require.NoError(t, h.machine.OnScored(ctx, lead.ID, result(85)))
	require.NoError(t, h.machine.SendInitial(ctx, lead.ID))
	_, err := h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{MessageID: "msg-1", Kind: types.EventDelivered, Timestamp: h.now})
	require.NoError(t, err)
	return h.lead(t, lead.ID)
}

func TestOnScored_SchedulesOutreachAfterSafetyDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.addLead(t, nil)

	require.NoError(t, h.machine.OnScored(ctx, lead.ID, result(75)))

	got := h.lead(t, lead.ID)
	require.NotNil(t, got.Score)
	assert.Equal(t, 75, *got.Score)
	assert.Equal(t, scoring.TierWarm, *got.Tier)
	assert.Equal(t, []string{"[High] Build a mobile-friendly website"}, got.Recommendations)
	require.NotNil(t, got.OutreachScheduledAt)
	assert.Equal(t, types.StatusNew, got.Status)

	sends := h.pending(types.JobSendEmail, lead.ID)
	require.Len(t, sends, 1)
	assert.Equal(t, queue.QueueOutreach, sends[0].Queue)
	assert.Equal(t, 15*time.Minute, sends[0].RunAt.Sub(sends[0].CreatedAt))

	followUps := h.pending(types.JobFollowUp, lead.ID)
	require.Len(t, followUps, 3)
	for i, day := range []int{3, 7, 14} {
		var p types.FollowUpPayload
		require.NoError(t, followUps[i].Decode(&p))
		assert.Equal(t, i+1, p.Step)
		assert.Equal(t, day, p.Day)
		assert.Equal(t, 15*time.Minute+time.Duration(day)*24*time.Hour, followUps[i].RunAt.Sub(followUps[i].CreatedAt))
	}

	acts, err := h.store.ListActivities(ctx, lead.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"scored", "outreach_scheduled"}, kinds(acts))
}

func TestOnScored_ThresholdIsInclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	at := h.addLead(t, nil)
	require.NoError(t, h.machine.OnScored(ctx, at.ID, result(70)))
	assert.Len(t, h.pending(types.JobSendEmail, at.ID), 1)

	below := h.addLead(t, func(l *types.Lead) { l.Name = "Below Threshold" })
	require.NoError(t, h.machine.OnScored(ctx, below.ID, result(69)))
	assert.Empty(t, h.pending("", below.ID))
	got := h.lead(t, below.ID)
	assert.Equal(t, 69, *got.Score)
	assert.Nil(t, got.OutreachScheduledAt)
}

func TestOnScored_NoEmailNoOutreach(t *testing.T) {
	h := newHarness(t)
	lead := h.addLead(t, func(l *types.Lead) { l.Email = "" })

	require.NoError(t, h.machine.OnScored(context.Background(), lead.ID, result(95)))
	assert.Empty(t, h.pending("", lead.ID))
	assert.Nil(t, h.lead(t, lead.ID).OutreachScheduledAt)
}

func TestOnScored_AutoContactDisabled(t *testing.T) {
	h := newHarness(t)
	h.machine.cfg.AutoContact = false
	lead := h.addLead(t, nil)

	require.NoError(t, h.machine.OnScored(context.Background(), lead.ID, result(95)))
	assert.Empty(t, h.pending("", lead.ID))
}

func TestOnScored_RescoreDoesNotReschedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.addLead(t, nil)

	require.NoError(t, h.machine.OnScored(ctx, lead.ID, result(80)))
	require.NoError(t, h.machine.OnScored(ctx, lead.ID, result(90)))

	assert.Len(t, h.pending(types.JobSendEmail, lead.ID), 1)
	assert.Len(t, h.pending(types.JobFollowUp, lead.ID), 3)
	assert.Equal(t, 90, *h.lead(t, lead.ID).Score)
}

func TestOnScored_UnknownLead(t *testing.T) {
	h := newHarness(t)
	err := h.machine.OnScored(context.Background(), uuid.New(), result(90))
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

type failingJobs struct {
	*queue.Manager
	allow int
	calls int
}

func (f *failingJobs) Enqueue(ctx context.Context, queueName, jobType string, payload any, opts queue.Options) (*queue.Job, error) {
	f.calls++
	if f.calls > f.allow {
		return nil, errors.New("queue store unavailable")
	}
	return f.Manager.Enqueue(ctx, queueName, jobType, payload, opts)
}

func TestOnScored_EnqueueFailureRollsBack(t *testing.T) {
	h := newHarness(t)
	h.machine.jobs = &failingJobs{Manager: h.jobs, allow: 2}
	lead := h.addLead(t, nil)

	err := h.machine.OnScored(context.Background(), lead.ID, result(90))
	require.Error(t, err)

	got := h.lead(t, lead.ID)
	assert.Nil(t, got.OutreachScheduledAt, "schedule mark is cleared so a later sweep can retry")
	assert.Equal(t, 90, *got.Score)
	assert.Empty(t, h.pending("", lead.ID), "partially scheduled jobs are cancelled")
}

func TestScheduleOutreach_PicksUpMissedLead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.machine.jobs = &failingJobs{Manager: h.jobs, allow: 0}
	lead := h.addLead(t, nil)
	require.Error(t, h.machine.OnScored(ctx, lead.ID, result(88)))

	h.machine.jobs = h.jobs
	scheduled, err := h.machine.ScheduleOutreach(ctx, lead.ID)
	require.NoError(t, err)
	assert.True(t, scheduled)
	assert.NotNil(t, h.lead(t, lead.ID).OutreachScheduledAt)
	assert.Len(t, h.pending(types.JobSendEmail, lead.ID), 1)
	assert.Len(t, h.pending(types.JobFollowUp, lead.ID), 3)

	scheduled, err = h.machine.ScheduleOutreach(ctx, lead.ID)
	require.NoError(t, err)
	assert.False(t, scheduled, "already scheduled")
	assert.Len(t, h.pending(types.JobSendEmail, lead.ID), 1)
}

func TestScheduleOutreach_SkipsIneligible(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	unscored := h.addLead(t, nil)
	scheduled, err := h.machine.ScheduleOutreach(ctx, unscored.ID)
	require.NoError(t, err)
	assert.False(t, scheduled)

	low := h.addLead(t, func(l *types.Lead) {
		l.Name = "Low Score Plumbing"
		score := 40
		l.Score = &score
	})
	scheduled, err = h.machine.ScheduleOutreach(ctx, low.ID)
	require.NoError(t, err)
	assert.False(t, scheduled)
	assert.Empty(t, h.pending("", low.ID))

	_, err = h.machine.ScheduleOutreach(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

// Scenario: contacted lead bounces; it becomes lost and no follow-up remains.
func TestEngagement_BounceMarksLostAndCancelsFollowUps(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.contacted(t)
	require.Equal(t, types.StatusContacted, lead.Status)
	require.Len(t, h.pending(types.JobFollowUp, lead.ID), 3)

	outcome, err := h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{
		MessageID: "msg-1", Kind: types.EventBounced, Timestamp: h.now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got := h.lead(t, lead.ID)
	assert.Equal(t, types.StatusLost, got.Status)
	assert.Empty(t, h.pending(types.JobFollowUp, lead.ID))
	assert.Empty(t, h.pending(types.JobSendEmail, lead.ID))

	// A late open on a lost lead changes nothing.
	outcome, err = h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{
		LeadID: lead.ID, Kind: types.EventOpened, Timestamp: h.now.Add(2 * time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoChange, outcome)
	assert.Equal(t, types.StatusLost, h.lead(t, lead.ID).Status)
}

func TestEngagement_ComplaintMarksLost(t *testing.T) {
	h := newHarness(t)
	lead := h.contacted(t)

	_, err := h.machine.ApplyEngagementEvent(context.Background(), types.EngagementEvent{
		LeadID: lead.ID, Kind: types.EventComplained, Timestamp: h.now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusLost, h.lead(t, lead.ID).Status)
	assert.Empty(t, h.pending(types.JobFollowUp, lead.ID))
}

// Scenario: click qualifies the lead, adds 25 and stops the follow-ups.
func TestEngagement_ClickQualifiesAndCancelsFollowUps(t *testing.T) {
	h := newHarness(t)
	lead := h.contacted(t)

	outcome, err := h.machine.ApplyEngagementEvent(context.Background(), types.EngagementEvent{
		MessageID: "msg-1", Kind: types.EventClicked, Timestamp: h.now.Add(time.Hour), URL: "https://growth.example",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	got := h.lead(t, lead.ID)
	assert.Equal(t, types.StatusQualified, got.Status)
	assert.Equal(t, 25, got.EngagementScore)
	require.NotNil(t, got.LastEngagedAt)
	assert.Empty(t, h.pending(types.JobFollowUp, lead.ID))
}

func TestEngagement_FirstOpenQualifiesAndRefreshesEnrichment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.contacted(t)

	_, err := h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{LeadID: lead.ID, Kind: types.EventOpened, Timestamp: h.now.Add(time.Hour)})
	require.NoError(t, err)
	_, err = h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{LeadID: lead.ID, Kind: types.EventOpened, Timestamp: h.now.Add(2 * time.Hour)})
	require.NoError(t, err)

	got := h.lead(t, lead.ID)
	assert.Equal(t, types.StatusQualified, got.Status)
	assert.Equal(t, 20, got.EngagementScore)
	require.NotNil(t, got.FirstOpenedAt)
	assert.True(t, got.FirstOpenedAt.Equal(h.now.Add(time.Hour)))
	assert.True(t, got.LastEngagedAt.Equal(h.now.Add(2*time.Hour)))

	refresh := h.pending(types.JobRefreshEnrichment, lead.ID)
	require.Len(t, refresh, 1, "only the first open refreshes enrichment")
	assert.Equal(t, queue.QueueEnrichment, refresh[0].Queue)
}

func TestEngagement_ScoreCapsAt100(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.addLead(t, func(l *types.Lead) { l.EngagementScore = 90 })

	_, err := h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{LeadID: lead.ID, Kind: types.EventClicked, Timestamp: h.now})
	require.NoError(t, err)
	assert.Equal(t, 100, h.lead(t, lead.ID).EngagementScore)
}

// Scenario: a replayed webhook event is applied once.
func TestEngagement_ReplayIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.contacted(t)

	ev := types.EngagementEvent{MessageID: "msg-1", Kind: types.EventOpened, Timestamp: h.now.Add(time.Hour)}
	outcome, err := h.machine.ApplyEngagementEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	outcome, err = h.machine.ApplyEngagementEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 10, h.lead(t, lead.ID).EngagementScore)

	// A later open of the same message is a separate event.
	ev.Timestamp = h.now.Add(3 * time.Hour)
	outcome, err = h.machine.ApplyEngagementEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	assert.Equal(t, 20, h.lead(t, lead.ID).EngagementScore)

	// With a provider event id, the id alone decides.
	withID := types.EngagementEvent{EventID: "evt-1", MessageID: "msg-1", Kind: types.EventOpened, Timestamp: h.now.Add(4 * time.Hour)}
	_, err = h.machine.ApplyEngagementEvent(ctx, withID)
	require.NoError(t, err)
	withID.Timestamp = h.now.Add(5 * time.Hour)
	outcome, err = h.machine.ApplyEngagementEvent(ctx, withID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 30, h.lead(t, lead.ID).EngagementScore)
}

// Scenario: an event without a timestamp is redelivered.
func TestEngagement_ReplayWithoutTimestampIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.contacted(t)

	ev := types.EngagementEvent{MessageID: "msg-1", Kind: types.EventClicked}
	outcome, err := h.machine.ApplyEngagementEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)

	h.machine.now = func() time.Time { return h.now.Add(time.Hour) }
	outcome, err = h.machine.ApplyEngagementEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 25, h.lead(t, lead.ID).EngagementScore)
}

// lostAckStore stores an event but reports a failure, like a commit whose
// acknowledgement never reached the caller.
type lostAckStore struct {
	*db.MemoryStore
	failures int
}

func (s *lostAckStore) ApplyEventIfVersion(ctx context.Context, lead *types.Lead, key string, acts ...types.Activity) (bool, bool, error) {
	applied, dup, err := s.MemoryStore.ApplyEventIfVersion(ctx, lead, key, acts...)
	if err == nil && s.failures > 0 {
		s.failures--
		return false, false, errors.New("connection reset")
	}
	return applied, dup, err
}

func TestEngagement_RedeliveryAfterFailedWriteAppliesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.contacted(t)
	h.machine.store = &lostAckStore{MemoryStore: h.store, failures: 1}

	ev := types.EngagementEvent{MessageID: "msg-1", Kind: types.EventClicked, Timestamp: h.now.Add(time.Hour)}
	_, err := h.machine.ApplyEngagementEvent(ctx, ev)
	require.Error(t, err)

	outcome, err := h.machine.ApplyEngagementEvent(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 25, h.lead(t, lead.ID).EngagementScore)
}

// racingStore lets another process apply the same event just before this
// one writes, so this write loses the version check.
type racingStore struct {
	*db.MemoryStore
	raced bool
}

func (s *racingStore) ApplyEventIfVersion(ctx context.Context, lead *types.Lead, key string, acts ...types.Activity) (bool, bool, error) {
	if !s.raced {
		s.raced = true
		if _, _, err := s.MemoryStore.ApplyEventIfVersion(ctx, lead.Clone(), key, acts...); err != nil {
			return false, false, err
		}
		return false, false, nil
	}
	return s.MemoryStore.ApplyEventIfVersion(ctx, lead, key, acts...)
}

func TestEngagement_ConflictRetryRechecksDedupeKey(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.contacted(t)
	h.machine.store = &racingStore{MemoryStore: h.store}

	outcome, err := h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{
		MessageID: "msg-1", Kind: types.EventClicked, Timestamp: h.now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, 25, h.lead(t, lead.ID).EngagementScore)
}

func TestEngagement_DeliveredMarksContacted(t *testing.T) {
	h := newHarness(t)
	lead := h.addLead(t, nil)

	outcome, err := h.machine.ApplyEngagementEvent(context.Background(), types.EngagementEvent{
		LeadID: lead.ID, Kind: types.EventDelivered, Timestamp: h.now,
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, outcome)
	got := h.lead(t, lead.ID)
	assert.Equal(t, types.StatusContacted, got.Status)
	require.NotNil(t, got.ContactedAt)
}

func TestEngagement_UnknownLeadDropped(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	outcome, err := h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{LeadID: uuid.New(), Kind: types.EventOpened, Timestamp: h.now})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownLead, outcome)

	outcome, err = h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{MessageID: "never-sent", Kind: types.EventOpened})
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnknownLead, outcome)
}

func TestEngagement_InvalidEvents(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{LeadID: uuid.New(), Kind: "forwarded"})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{Kind: types.EventOpened})
	assert.ErrorIs(t, err, ErrInvalidEvent)

	_, err = h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{LeadID: uuid.New(), Kind: types.EventOpened})
	assert.ErrorIs(t, err, ErrInvalidEvent, "no timestamp and no ids gives no stable dedupe key")
}

func TestEngagement_ConcurrentEventsSerialized(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.addLead(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{
				LeadID: lead.ID, Kind: types.EventOpened, Timestamp: h.now.Add(time.Duration(i+1) * time.Minute),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got := h.lead(t, lead.ID)
	assert.Equal(t, 50, got.EngagementScore)
	assert.Equal(t, 5, got.Version)
	assert.Equal(t, 0, h.machine.locks.size())
}

func TestSendInitial(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.addLead(t, nil)
	require.NoError(t, h.machine.OnScored(ctx, lead.ID, result(85)))

	require.NoError(t, h.machine.SendInitial(ctx, lead.ID))
	require.Equal(t, 1, h.sender.count())
	msg := h.sender.sent[0]
	assert.Equal(t, "info@abc.example", msg.To)
	assert.Equal(t, lead.ID, msg.LeadID)
	assert.Contains(t, msg.Subject, "ABC Plumbing")
	assert.Contains(t, msg.Body, "Build a mobile-friendly website")
	assert.Contains(t, msg.Body, "Growth Co")

	got := h.lead(t, lead.ID)
	require.NotNil(t, got.ContactedAt)
	assert.Equal(t, types.StatusNew, got.Status, "status advances on delivery")

	id, err := h.store.LeadForMessage(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, lead.ID, id)

	// A retried send job does not email twice.
	require.NoError(t, h.machine.SendInitial(ctx, lead.ID))
	assert.Equal(t, 1, h.sender.count())
}

func TestSendInitial_SkipsLostLead(t *testing.T) {
	h := newHarness(t)
	lead := h.addLead(t, func(l *types.Lead) { l.Status = types.StatusLost })

	require.NoError(t, h.machine.SendInitial(context.Background(), lead.ID))
	assert.Equal(t, 0, h.sender.count())
}

func TestSendInitial_PermanentFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	noEmail := h.addLead(t, func(l *types.Lead) { l.Email = "" })
	err := h.machine.SendInitial(ctx, noEmail.ID)
	assert.True(t, queue.IsPermanent(err))

	rejected := h.addLead(t, nil)
	h.sender.err = &transport.SendError{StatusCode: 422, Message: "invalid recipient"}
	err = h.machine.SendInitial(ctx, rejected.ID)
	assert.True(t, queue.IsPermanent(err))

	h.sender.err = &transport.SendError{StatusCode: 503, Message: "unavailable"}
	err = h.machine.SendInitial(ctx, rejected.ID)
	require.Error(t, err)
	assert.False(t, queue.IsPermanent(err), "provider outages are retried")
	assert.Nil(t, h.lead(t, rejected.ID).ContactedAt)

	err = h.machine.SendInitial(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

func TestRunFollowUp(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.contacted(t)

	require.NoError(t, h.machine.RunFollowUp(ctx, lead.ID, 1))
	require.Equal(t, 2, h.sender.count())
	assert.Equal(t, lead.ID.String()+":follow_up:1", h.sender.sent[1].IdempotencyKey)

	acts, err := h.store.ListActivities(ctx, lead.ID)
	require.NoError(t, err)
	assert.Contains(t, kinds(acts), "follow_up_sent")

	err = h.machine.RunFollowUp(ctx, lead.ID, 9)
	assert.True(t, queue.IsPermanent(err), "missing template")
}

// Scenario: a follow-up that fires after the lead qualified sends nothing.
func TestRunFollowUp_SkipsQualifiedLead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.contacted(t)
	_, err := h.machine.ApplyEngagementEvent(ctx, types.EngagementEvent{LeadID: lead.ID, Kind: types.EventOpened, Timestamp: h.now.Add(time.Hour)})
	require.NoError(t, err)

	require.NoError(t, h.machine.RunFollowUp(ctx, lead.ID, 2))
	assert.Equal(t, 1, h.sender.count())
}

func TestRunFollowUp_SkipsUncontactedLead(t *testing.T) {
	h := newHarness(t)
	lead := h.addLead(t, nil)

	require.NoError(t, h.machine.RunFollowUp(context.Background(), lead.ID, 1))
	assert.Equal(t, 0, h.sender.count())
}

func TestAdvance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	lead := h.addLead(t, nil)
	require.NoError(t, h.machine.OnScored(ctx, lead.ID, result(90)))

	got, err := h.machine.Advance(ctx, lead.ID, types.StatusQualified, "replied by phone")
	require.NoError(t, err)
	assert.Equal(t, types.StatusQualified, got.Status)

	_, err = h.machine.Advance(ctx, lead.ID, types.StatusContacted, "oops")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	got, err = h.machine.Advance(ctx, lead.ID, types.StatusConverted, "signed")
	require.NoError(t, err)
	assert.Equal(t, types.StatusConverted, got.Status)
	assert.Empty(t, h.pending("", lead.ID), "terminal status cancels outreach")

	_, err = h.machine.Advance(ctx, lead.ID, types.StatusLost, "changed mind")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = h.machine.Advance(ctx, uuid.New(), types.StatusLost, "")
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

type conflictingStore struct {
	*db.MemoryStore
	attempts int
}

func (s *conflictingStore) UpdateLeadIfVersion(context.Context, *types.Lead, ...types.Activity) (bool, error) {
	s.attempts++
	return false, nil
}

func (s *conflictingStore) ApplyEventIfVersion(context.Context, *types.Lead, string, ...types.Activity) (bool, bool, error) {
	s.attempts++
	return false, false, nil
}

func TestUpdate_GivesUpAfterRepeatedConflicts(t *testing.T) {
	h := newHarness(t)
	lead := h.addLead(t, nil)
	store := &conflictingStore{MemoryStore: h.store}
	h.machine.store = store

	_, err := h.machine.ApplyEngagementEvent(context.Background(), types.EngagementEvent{LeadID: lead.ID, Kind: types.EventOpened, Timestamp: h.now})
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, maxConflictRetries, store.attempts)

	done, err := h.store.EventProcessed(context.Background(), (&types.EngagementEvent{LeadID: lead.ID, Kind: types.EventOpened, Timestamp: h.now}).DedupeKey())
	require.NoError(t, err)
	assert.False(t, done, "failed events stay retryable")
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	var mu sync.Mutex
	inside := 0
	maxInside := 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("lead:1")
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
	assert.Equal(t, 0, k.size())

	a := k.Lock("a")
	b := k.Lock("b")
	assert.Equal(t, 2, k.size())
	a()
	b()
	assert.Equal(t, 0, k.size())
}
