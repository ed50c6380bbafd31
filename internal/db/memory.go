package db

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/types"
)

// MemoryStore implements the same storage contracts as DB in process memory.
// It backs tests and single-process runs without a database.
type MemoryStore struct {
	mu         sync.RWMutex
	leads      map[uuid.UUID]*types.Lead
	order      []uuid.UUID
	identities map[string]uuid.UUID
	activities map[uuid.UUID][]types.Activity
	messages   map[string]uuid.UUID
	events     map[string]uuid.UUID
	jobs       map[uuid.UUID]*queue.Job
	triggers   map[string]time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		leads:      make(map[uuid.UUID]*types.Lead),
		identities: make(map[string]uuid.UUID),
		activities: make(map[uuid.UUID][]types.Activity),
		messages:   make(map[string]uuid.UUID),
		events:     make(map[string]uuid.UUID),
		jobs:       make(map[uuid.UUID]*queue.Job),
		triggers:   make(map[string]time.Time),
	}
}

func identity(l *types.Lead) string {
	return l.CampaignRunID.String() + "|" + l.Key.String()
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// CreateLeads stores the leads whose identity key is new in their campaign run.
func (m *MemoryStore) CreateLeads(_ context.Context, leads []*types.Lead) ([]*types.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var inserted []*types.Lead
	for _, l := range leads {
		id := identity(l)
		if _, dup := m.identities[id]; dup {
			continue
		}
		if _, dup := m.leads[l.ID]; dup {
			continue
		}
		m.identities[id] = l.ID
		m.leads[l.ID] = l.Clone()
		m.order = append(m.order, l.ID)
		inserted = append(inserted, l)
	}
	return inserted, nil
}

// GetLead returns a copy of the lead, or nil when it does not exist.
func (m *MemoryStore) GetLead(_ context.Context, id uuid.UUID) (*types.Lead, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.leads[id].Clone(), nil
}

// UpdateLeadIfVersion replaces the lead when its version matches.
func (m *MemoryStore) UpdateLeadIfVersion(_ context.Context, lead *types.Lead, activities ...types.Activity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateLocked(lead, activities), nil
}

// ApplyEventIfVersion updates the lead and marks eventKey in one step.
func (m *MemoryStore) ApplyEventIfVersion(_ context.Context, lead *types.Lead, eventKey string, activities ...types.Activity) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, done := m.events[eventKey]; done {
		return false, true, nil
	}
	if !m.updateLocked(lead, activities) {
		return false, false, nil
	}
	m.events[eventKey] = lead.ID
	return true, false, nil
}

func (m *MemoryStore) updateLocked(lead *types.Lead, activities []types.Activity) bool {
	cur, ok := m.leads[lead.ID]
	if !ok || cur.Version != lead.Version {
		return false
	}
	lead.Version++
	next := lead.Clone()
	// Identity and provenance are immutable.
	next.CampaignRunID = cur.CampaignRunID
	next.Key = cur.Key
	next.ScrapedAt = cur.ScrapedAt
	m.leads[lead.ID] = next
	m.activities[lead.ID] = append(m.activities[lead.ID], activities...)
	return true
}

// ListUnscored returns unscored leads, oldest first.
func (m *MemoryStore) ListUnscored(_ context.Context, limit int) ([]*types.Lead, error) {
	return m.collect(limit, func(l *types.Lead) bool { return l.Score == nil }, func(a, b *types.Lead) bool {
		return a.ScrapedAt.Before(b.ScrapedAt)
	}), nil
}

// ListCampaignCandidates mirrors the PostgreSQL query of the same name.
func (m *MemoryStore) ListCampaignCandidates(_ context.Context, minScore, limit int) ([]*types.Lead, error) {
	return m.collect(limit, func(l *types.Lead) bool {
		return l.Status == types.StatusNew && l.Score != nil && *l.Score >= minScore &&
			l.Email != "" && !l.Contacted()
	}, func(a, b *types.Lead) bool {
		if *a.Score != *b.Score {
			return *a.Score > *b.Score
		}
		return a.ScrapedAt.Before(b.ScrapedAt)
	}), nil
}

// ListLeads returns leads matching filters, newest first.
func (m *MemoryStore) ListLeads(_ context.Context, filters LeadFilters) ([]*types.Lead, error) {
	if filters.Limit == 0 {
		filters.Limit = 50
	}
	industry := strings.ToLower(filters.Industry)
	return m.collect(filters.Limit, func(l *types.Lead) bool {
		if filters.CampaignRunID != uuid.Nil && l.CampaignRunID != filters.CampaignRunID {
			return false
		}
		if filters.Status != "" && l.Status != filters.Status {
			return false
		}
		if industry != "" && !strings.Contains(strings.ToLower(l.Industry), industry) {
			return false
		}
		if filters.MinScore > 0 && (l.Score == nil || *l.Score < filters.MinScore) {
			return false
		}
		return true
	}, func(a, b *types.Lead) bool {
		return a.ScrapedAt.After(b.ScrapedAt)
	}), nil
}

// collect filters leads in insertion order, sorts them stably and copies up to limit.
func (m *MemoryStore) collect(limit int, keep func(*types.Lead) bool, less func(a, b *types.Lead) bool) []*types.Lead {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*types.Lead
	for _, id := range m.order {
		if l := m.leads[id]; keep(l) {
			out = append(out, l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	for i, l := range out {
		out[i] = l.Clone()
	}
	return out
}

// ListActivities returns a copy of a lead's activity log.
func (m *MemoryStore) ListActivities(_ context.Context, leadID uuid.UUID) ([]types.Activity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]types.Activity(nil), m.activities[leadID]...), nil
}

// RecordMessage maps a message id to a lead. The first mapping wins.
func (m *MemoryStore) RecordMessage(_ context.Context, messageID string, leadID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[messageID]; !ok {
		m.messages[messageID] = leadID
	}
	return nil
}

// LeadForMessage returns the lead for a message id, or uuid.Nil.
func (m *MemoryStore) LeadForMessage(_ context.Context, messageID string) (uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.messages[messageID], nil
}

// EventProcessed reports whether key was marked.
func (m *MemoryStore) EventProcessed(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.events[key]
	return ok, nil
}

// MarkEventProcessed marks key as applied.
func (m *MemoryStore) MarkEventProcessed(_ context.Context, key string, leadID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[key] = leadID
	return nil
}

// SaveJob stores a copy of job.
func (m *MemoryStore) SaveJob(_ context.Context, job *queue.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
	return nil
}

// LoadJobs returns copies of unfinished and failed jobs ordered by sequence.
func (m *MemoryStore) LoadJobs(context.Context) ([]*queue.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*queue.Job
	for _, j := range m.jobs {
		if !j.State.Finished() || j.State == queue.StateFailed {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].Seq != out[k].Seq {
			return out[i].Seq < out[k].Seq
		}
		return out[i].CreatedAt.Before(out[k].CreatedAt)
	})
	return out, nil
}

// PruneJobs deletes the finished jobs rule selects.
func (m *MemoryStore) PruneJobs(_ context.Context, rule queue.PruneRule) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, j := range m.jobs {
		if rule.Prunes(j) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}

// LastFired returns the stored timestamp, or the zero time.
func (m *MemoryStore) LastFired(_ context.Context, name string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.triggers[name], nil
}

// CompareAndSetLastFired stores next when the current value equals old.
func (m *MemoryStore) CompareAndSetLastFired(_ context.Context, name string, old, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.triggers[name].Equal(old) {
		return false, nil
	}
	if next.IsZero() {
		delete(m.triggers, name)
	} else {
		m.triggers[name] = next
	}
	return true, nil
}
