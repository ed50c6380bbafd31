package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config configures one named queue.
type Config struct {
	Name        string        `json:"name" yaml:"name" validate:"required"`
	Concurrency int           `json:"concurrency" yaml:"concurrency" validate:"min=0,max=64"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" validate:"min=0,max=50"`
	BackoffBase time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax  time.Duration `json:"backoff_max" yaml:"backoff_max"`

	// Retention: at most Keep* finished jobs are kept per outcome, oldest
	// evicted first. Cleanup also drops finished jobs older than RetainFor
	// (completed, cancelled) or FailedRetainFor (failed).
	KeepCompleted   int           `json:"keep_completed" yaml:"keep_completed"`
	KeepFailed      int           `json:"keep_failed" yaml:"keep_failed"`
	RetainFor       time.Duration `json:"retain_for" yaml:"retain_for"`
	FailedRetainFor time.Duration `json:"failed_retain_for" yaml:"failed_retain_for"`
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Minute
	}
	if c.KeepCompleted <= 0 {
		c.KeepCompleted = 100
	}
	if c.KeepFailed <= 0 {
		c.KeepFailed = 500
	}
	if c.RetainFor <= 0 {
		c.RetainFor = 24 * time.Hour
	}
	if c.FailedRetainFor <= 0 {
		c.FailedRetainFor = 7 * 24 * time.Hour
	}
	return c
}

// Backoff returns the delay before the retry that follows failed attempt
// number attempt (1-based): base * 2^(attempt-1), capped at BackoffMax.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.BackoffMax || d <= 0 {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// Queue holds the jobs of one named queue and runs its worker pool.
type Queue struct {
	cfg Config
	m   *Manager

	mu      sync.Mutex
	jobs    map[uuid.UUID]*Job
	ready   readyHeap
	delayed delayHeap
	// finished ids in completion order, per terminal state
	history map[State][]uuid.UUID
	running map[uuid.UUID]*run
	changed chan struct{}
	stats   Stats
}

// run tracks an executing attempt so Cancel can interrupt it.
type run struct {
	cancel    context.CancelFunc
	cancelled bool
}

func newQueue(cfg Config, m *Manager) *Queue {
	return &Queue{
		cfg:     cfg,
		m:       m,
		jobs:    make(map[uuid.UUID]*Job),
		history: make(map[State][]uuid.UUID),
		running: make(map[uuid.UUID]*run),
		changed: make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Config returns the effective configuration.
func (q *Queue) Config() Config { return q.cfg }

// signal wakes all waiting workers. Callers hold q.mu.
func (q *Queue) signal() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// push places a pending job on the right heap. Callers hold q.mu.
func (q *Queue) push(job *Job, now time.Time) {
	q.jobs[job.ID] = job
	if job.RunAt.After(now) {
		job.State = StateDelayed
		heap.Push(&q.delayed, job)
	} else {
		job.State = StateWaiting
		heap.Push(&q.ready, job)
	}
	q.signal()
}

// promote moves due delayed jobs to the ready heap. Callers hold q.mu.
func (q *Queue) promote(now time.Time) {
	for q.delayed.Len() > 0 {
		next := q.delayed[0]
		if next.State != StateDelayed {
			heap.Pop(&q.delayed)
			continue
		}
		if next.RunAt.After(now) {
			return
		}
		heap.Pop(&q.delayed)
		next.State = StateWaiting
		heap.Push(&q.ready, next)
	}
}

// next claims the best eligible job. When none is eligible it returns the
// channel that is closed on the next change and how long until the earliest
// delayed job is due (zero when there is none).
func (q *Queue) next(now time.Time) (*Job, <-chan struct{}, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.promote(now)
	for q.ready.Len() > 0 {
		job := heap.Pop(&q.ready).(*Job)
		if job.State != StateWaiting {
			continue
		}
		job.State = StateActive
		started := now
		job.StartedAt = &started
		job.UpdatedAt = now
		return job, nil, 0
	}

	var wait time.Duration
	for q.delayed.Len() > 0 && q.delayed[0].State != StateDelayed {
		heap.Pop(&q.delayed)
	}
	if q.delayed.Len() > 0 {
		wait = q.delayed[0].RunAt.Sub(now)
		if wait <= 0 {
			wait = time.Millisecond
		}
	}
	return nil, q.changed, wait
}

// work is one worker goroutine.
func (q *Queue) work(ctx context.Context, id int) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, changed, wait := q.next(q.m.now())
		if job != nil {
			q.execute(ctx, job)
			continue
		}

		var timer *time.Timer
		var timeout <-chan time.Time
		if wait > 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
		case <-changed:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// execute runs one attempt under the queue timeout and records the outcome.
func (q *Queue) execute(ctx context.Context, job *Job) {
	q.m.persist(job.Clone())

	handler := q.m.handler(job.Type)
	if handler == nil {
		q.finish(job, Permanent(errors.New("no handler registered for job type "+job.Type)), false)
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, q.cfg.Timeout)
	r := &run{cancel: cancel}
	q.mu.Lock()
	q.running[job.ID] = r
	q.mu.Unlock()

	done := make(chan error, 1)
	view := job.Clone()
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- &PanicError{Value: p}
			}
		}()
		done <- handler(runCtx, view)
	}()

	// The worker slot stays taken until the handler returns, even past the
	// deadline, so an attempt never overlaps its own retry.
	err := <-done
	timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	if timedOut {
		err = fmt.Errorf("%w after %s", ErrTimeout, q.cfg.Timeout)
	}
	cancel()

	q.mu.Lock()
	delete(q.running, job.ID)
	cancelled := r.cancelled
	q.mu.Unlock()

	switch {
	case cancelled:
		q.cancelActive(job)
	case ctx.Err() != nil && err != nil:
		// shutting down: hand the attempt back without counting it
		q.requeue(job)
	default:
		q.finish(job, err, timedOut)
	}
}

// finish records the outcome of an attempt.
func (q *Queue) finish(job *Job, err error, timedOut bool) {
	now := q.m.now()

	q.mu.Lock()
	job.UpdatedAt = now
	if timedOut {
		q.stats.TimedOut++
	}

	if err == nil {
		job.State = StateCompleted
		job.LastError = ""
		job.FinishedAt = &now
		q.stats.Succeeded++
		q.remember(job)
		q.signal()
		snapshot := job.Clone()
		q.mu.Unlock()
		q.m.persist(snapshot)
		return
	}

	job.Attempt++
	job.LastError = err.Error()
	if IsPermanent(err) || job.Attempt >= job.MaxAttempts {
		job.State = StateFailed
		job.FinishedAt = &now
		q.stats.Failed++
		q.remember(job)
		q.signal()
		snapshot := job.Clone()
		q.mu.Unlock()
		log.Printf("[queue:%s] job %s (%s) failed permanently after %d attempt(s): %v", q.cfg.Name, job.ID, job.Type, snapshot.Attempt, err)
		q.m.persist(snapshot)
		return
	}

	delay := q.cfg.Backoff(job.Attempt)
	job.RetryDelay = delay
	job.RunAt = now.Add(delay)
	job.StartedAt = nil
	q.stats.Retried++
	q.push(job, now)
	snapshot := job.Clone()
	q.mu.Unlock()

	log.Printf("[queue:%s] job %s (%s) attempt %d/%d failed, retrying in %s: %v", q.cfg.Name, job.ID, job.Type, snapshot.Attempt, snapshot.MaxAttempts, delay, err)
	q.m.persist(snapshot)
}

func (q *Queue) requeue(job *Job) {
	now := q.m.now()
	q.mu.Lock()
	job.StartedAt = nil
	job.UpdatedAt = now
	q.push(job, now)
	snapshot := job.Clone()
	q.mu.Unlock()
	q.m.persist(snapshot)
}

func (q *Queue) cancelActive(job *Job) {
	now := q.m.now()
	q.mu.Lock()
	job.State = StateCancelled
	job.UpdatedAt = now
	job.FinishedAt = &now
	q.remember(job)
	q.signal()
	snapshot := job.Clone()
	q.mu.Unlock()
	q.m.persist(snapshot)
}

// remember appends a finished job to its history and evicts the oldest
// entries beyond the retention limit. Callers hold q.mu.
func (q *Queue) remember(job *Job) {
	q.history[job.State] = append(q.history[job.State], job.ID)

	limit := q.cfg.KeepCompleted
	if job.State == StateFailed {
		limit = q.cfg.KeepFailed
	}
	ids := q.history[job.State]
	for len(ids) > limit {
		evicted := ids[0]
		ids = ids[1:]
		if job.State == StateFailed {
			log.Printf("[queue:%s] evicting failed job %s from history", q.cfg.Name, evicted)
		}
		delete(q.jobs, evicted)
		q.m.forget(evicted)
	}
	q.history[job.State] = ids
}

// cancel marks a pending job cancelled, or interrupts a running one.
func (q *Queue) cancel(id uuid.UUID) (bool, *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return false, nil
	}
	switch {
	case job.State.Pending():
		now := q.m.now()
		job.State = StateCancelled
		job.UpdatedAt = now
		job.FinishedAt = &now
		q.remember(job)
		q.signal()
		return true, job.Clone()
	case job.State == StateActive:
		if r := q.running[id]; r != nil {
			r.cancelled = true
			r.cancel()
			return true, nil
		}
	}
	return false, nil
}

// cancelMatching cancels pending jobs matching jobType (any when empty) and key.
func (q *Queue) cancelMatching(jobType, key string) []*Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.m.now()
	var out []*Job
	for _, job := range q.jobs {
		if !job.State.Pending() || job.Key != key || (jobType != "" && job.Type != jobType) {
			continue
		}
		job.State = StateCancelled
		job.UpdatedAt = now
		job.FinishedAt = &now
		q.remember(job)
		out = append(out, job.Clone())
	}
	if len(out) > 0 {
		q.signal()
	}
	return out
}

func (q *Queue) counts() Counts {
	q.mu.Lock()
	defer q.mu.Unlock()

	var c Counts
	for _, job := range q.jobs {
		switch job.State {
		case StateWaiting:
			c.Waiting++
		case StateDelayed:
			c.Delayed++
		case StateActive:
			c.Active++
		case StateCompleted:
			c.Completed++
		case StateFailed:
			c.Failed++
		case StateCancelled:
			c.Cancelled++
		}
	}
	return c
}

// cleanup drops finished jobs older than their retention age.
func (q *Queue) cleanup(now time.Time) []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []uuid.UUID
	for state, ids := range q.history {
		maxAge := q.cfg.RetainFor
		if state == StateFailed {
			maxAge = q.cfg.FailedRetainFor
		}
		keep := ids[:0]
		for _, id := range ids {
			job := q.jobs[id]
			if job != nil && job.FinishedAt != nil && now.Sub(*job.FinishedAt) > maxAge {
				delete(q.jobs, id)
				removed = append(removed, id)
				continue
			}
			keep = append(keep, id)
		}
		q.history[state] = keep
	}
	return removed
}
