package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler processes one attempt of a job. Returning an error schedules a
// retry unless attempts are exhausted or the error is Permanent.
type Handler func(ctx context.Context, job *Job) error

// Store persists jobs so pending work and failed jobs survive a restart.
// Implementations must be safe for concurrent use.
type Store interface {
	SaveJob(ctx context.Context, job *Job) error
	// LoadJobs returns unfinished jobs and terminally failed jobs.
	LoadJobs(ctx context.Context) ([]*Job, error)
	PruneJobs(ctx context.Context, rule PruneRule) (int64, error)
}

// PruneRule selects the finished jobs of one queue to delete. Completed and
// cancelled jobs go once finished before CompletedBefore, failed jobs once
// finished before FailedBefore.
type PruneRule struct {
	Queue           string
	CompletedBefore time.Time
	FailedBefore    time.Time
}

// Prunes reports whether rule deletes job.
func (r PruneRule) Prunes(job *Job) bool {
	if job.Queue != r.Queue || job.FinishedAt == nil {
		return false
	}
	switch job.State {
	case StateCompleted, StateCancelled:
		return job.FinishedAt.Before(r.CompletedBefore)
	case StateFailed:
		return job.FinishedAt.Before(r.FailedBefore)
	}
	return false
}

// PayloadValidator checks a payload before it is enqueued.
type PayloadValidator func(jobType string, payload []byte) error

// Manager owns the named queues, the handler registry and the worker pools.
type Manager struct {
	store    Store
	validate PayloadValidator
	now      func() time.Time
	seq      atomic.Int64

	mu       sync.RWMutex
	queues   map[string]*Queue
	order    []string
	handlers map[string]Handler

	idxMu sync.Mutex
	index map[uuid.UUID]*Queue

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool
}

// NewManager creates a manager. store may be nil for memory-only operation.
func NewManager(store Store) *Manager {
	return &Manager{
		store:    store,
		now:      time.Now,
		queues:   make(map[string]*Queue),
		handlers: make(map[string]Handler),
		index:    make(map[uuid.UUID]*Queue),
	}
}

// SetValidator installs a payload validator applied on Enqueue.
func (m *Manager) SetValidator(v PayloadValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validate = v
}

// AddQueue registers a named queue. Adding a queue twice replaces its config
// only before Start.
func (m *Manager) AddQueue(cfg Config) *Queue {
	cfg = cfg.WithDefaults()
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[cfg.Name]; ok {
		if !m.started {
			q.cfg = cfg
		}
		return q
	}
	q := newQueue(cfg, m)
	m.queues[cfg.Name] = q
	m.order = append(m.order, cfg.Name)
	return q
}

// Queue returns a named queue.
func (m *Manager) Queue(name string) (*Queue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q, ok := m.queues[name]
	return q, ok
}

// Names returns queue names in registration order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Handle registers the handler for a job type.
func (m *Manager) Handle(jobType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = h
}

func (m *Manager) handler(jobType string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[jobType]
}

// Enqueue adds a job. payload is marshaled to JSON unless it already is
// json.RawMessage or []byte.
func (m *Manager) Enqueue(ctx context.Context, queueName, jobType string, payload any, opts Options) (*Job, error) {
	q, ok := m.Queue(queueName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}
	m.mu.RLock()
	validate := m.validate
	m.mu.RUnlock()
	if validate != nil {
		if err := validate(jobType, raw); err != nil {
			return nil, err
		}
	}

	priority := opts.Priority
	if priority == 0 {
		priority = PriorityDefault
	}
	if priority < PriorityHighest {
		priority = PriorityHighest
	}
	if priority > PriorityLowest {
		priority = PriorityLowest
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.cfg.MaxAttempts
	}

	now := m.now()
	job := &Job{
		ID:          uuid.New(),
		Queue:       queueName,
		Type:        jobType,
		Payload:     raw,
		Key:         opts.Key,
		Priority:    priority,
		Seq:         m.seq.Add(1),
		RunAt:       now.Add(opts.Delay),
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if m.store != nil {
		// persist before it becomes visible so a crash cannot lose it
		pending := job.Clone()
		if opts.Delay > 0 {
			pending.State = StateDelayed
		} else {
			pending.State = StateWaiting
		}
		if err := m.store.SaveJob(ctx, pending); err != nil {
			return nil, fmt.Errorf("failed to persist job: %w", err)
		}
	}

	m.track(job.ID, q)
	q.mu.Lock()
	q.push(job, now)
	snapshot := job.Clone()
	q.mu.Unlock()
	return snapshot, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return append(json.RawMessage(nil), p...), nil
	default:
		return json.Marshal(p)
	}
}

func (m *Manager) track(id uuid.UUID, q *Queue) {
	m.idxMu.Lock()
	m.index[id] = q
	m.idxMu.Unlock()
}

func (m *Manager) forget(id uuid.UUID) {
	m.idxMu.Lock()
	delete(m.index, id)
	m.idxMu.Unlock()
}

func (m *Manager) lookup(id uuid.UUID) *Queue {
	m.idxMu.Lock()
	defer m.idxMu.Unlock()
	return m.index[id]
}

// persist saves a job snapshot, logging failures. The in-memory state stays
// authoritative while the process runs.
func (m *Manager) persist(job *Job) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveJob(ctx, job); err != nil {
		log.Printf("[queue:%s] failed to persist job %s: %v", job.Queue, job.ID, err)
	}
}

// Get returns a copy of the job with the given id.
func (m *Manager) Get(id uuid.UUID) (*Job, error) {
	q := m.lookup(id)
	if q == nil {
		return nil, ErrNotFound
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

// Cancel cancels a pending job, or interrupts a running one. It returns
// false when the job already finished.
func (m *Manager) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	q := m.lookup(id)
	if q == nil {
		return false, ErrNotFound
	}
	ok, snapshot := q.cancel(id)
	if snapshot != nil {
		m.persist(snapshot)
	}
	if ok {
		log.Printf("[queue:%s] cancelled job %s", q.cfg.Name, id)
	}
	return ok, nil
}

// CancelByKey cancels every pending job with the given key, across all
// queues. jobType narrows the match when non-empty. Jobs already running are
// not interrupted; handlers re-check state instead.
func (m *Manager) CancelByKey(ctx context.Context, jobType, key string) int {
	if key == "" {
		return 0
	}
	total := 0
	for _, name := range m.Names() {
		q, _ := m.Queue(name)
		cancelled := q.cancelMatching(jobType, key)
		for _, job := range cancelled {
			m.persist(job)
		}
		total += len(cancelled)
	}
	if total > 0 {
		log.Printf("[queue] cancelled %d pending %q job(s) for %s", total, jobType, key)
	}
	return total
}

// Pending returns pending jobs with the given key and type (any when empty),
// ordered by run-at.
func (m *Manager) Pending(jobType, key string) []*Job {
	var out []*Job
	for _, name := range m.Names() {
		q, _ := m.Queue(name)
		q.mu.Lock()
		for _, job := range q.jobs {
			if job.State.Pending() && job.Key == key && (jobType == "" || job.Type == jobType) {
				out = append(out, job.Clone())
			}
		}
		q.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RunAt.Equal(out[j].RunAt) {
			return out[i].RunAt.Before(out[j].RunAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// List returns the jobs of a queue in the given state, newest first.
func (m *Manager) List(queueName string, state State, limit int) ([]*Job, error) {
	q, ok := m.Queue(queueName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	q.mu.Lock()
	var out []*Job
	for _, job := range q.jobs {
		if state == "" || job.State == state {
			out = append(out, job.Clone())
		}
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Counts returns per-state counts for every queue.
func (m *Manager) Counts() map[string]Counts {
	out := make(map[string]Counts)
	for _, name := range m.Names() {
		q, _ := m.Queue(name)
		out[name] = q.counts()
	}
	return out
}

// Stats returns cumulative outcome counters for every queue.
func (m *Manager) Stats() map[string]Stats {
	out := make(map[string]Stats)
	for _, name := range m.Names() {
		q, _ := m.Queue(name)
		q.mu.Lock()
		out[name] = q.stats
		q.mu.Unlock()
	}
	return out
}

// Cleanup drops finished jobs past their retention age from memory and, when
// a store is configured, prunes each queue's stored rows with the same
// per-state windows. It returns the number of in-memory jobs removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	now := m.now()
	removed := 0
	var pruned int64
	for _, name := range m.Names() {
		q, _ := m.Queue(name)
		ids := q.cleanup(now)
		for _, id := range ids {
			m.forget(id)
		}
		removed += len(ids)

		if m.store == nil {
			continue
		}
		n, err := m.store.PruneJobs(ctx, PruneRule{
			Queue:           name,
			CompletedBefore: now.Add(-q.cfg.RetainFor),
			FailedBefore:    now.Add(-q.cfg.FailedRetainFor),
		})
		if err != nil {
			return removed, fmt.Errorf("failed to prune stored jobs of %s: %w", name, err)
		}
		pruned += n
	}
	if pruned > 0 {
		log.Printf("[queue] pruned %d finished job(s) from storage", pruned)
	}
	return removed, nil
}

// Restore loads stored jobs and returns how many pending ones it queued.
// Jobs that were active when the process stopped run again without counting
// an extra attempt. Failed jobs return to the failed history for review.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	jobs, err := m.store.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load stored jobs: %w", err)
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if jobs[i].Seq != jobs[j].Seq {
			return jobs[i].Seq < jobs[j].Seq
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	now := m.now()
	restored := 0
	var failed []*Job
	for _, job := range jobs {
		q, ok := m.Queue(job.Queue)
		if !ok {
			log.Printf("[queue] skipping stored job %s for unknown queue %q", job.ID, job.Queue)
			continue
		}
		if m.lookup(job.ID) != nil {
			continue
		}
		if job.State == StateFailed {
			if job.FinishedAt == nil {
				job.FinishedAt = &job.UpdatedAt
			}
			failed = append(failed, job)
			continue
		}
		if job.State.Finished() {
			continue
		}
		job.Seq = m.seq.Add(1)
		job.StartedAt = nil
		if job.MaxAttempts <= 0 {
			job.MaxAttempts = q.cfg.MaxAttempts
		}
		m.track(job.ID, q)
		q.mu.Lock()
		q.push(job, now)
		q.mu.Unlock()
		restored++
	}

	sort.SliceStable(failed, func(i, j int) bool { return failed[i].FinishedAt.Before(*failed[j].FinishedAt) })
	for _, job := range failed {
		q, _ := m.Queue(job.Queue)
		m.track(job.ID, q)
		q.mu.Lock()
		q.jobs[job.ID] = job
		q.remember(job)
		q.mu.Unlock()
	}

	if restored > 0 || len(failed) > 0 {
		log.Printf("[queue] restored %d pending and %d failed job(s)", restored, len(failed))
	}
	return restored, nil
}

// Start launches the worker pools. It returns immediately.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	queues := make([]*Queue, 0, len(m.order))
	for _, name := range m.order {
		queues = append(queues, m.queues[name])
	}
	m.mu.Unlock()

	for _, q := range queues {
		log.Printf("[queue:%s] starting %d worker(s)", q.cfg.Name, q.cfg.Concurrency)
		for i := 0; i < q.cfg.Concurrency; i++ {
			m.wg.Add(1)
			go func(q *Queue, id int) {
				defer m.wg.Done()
				q.work(ctx, id)
			}(q, i)
		}
	}
}

// Stop cancels the workers and waits for them. Attempts interrupted by the
// shutdown return to the queue uncounted.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
