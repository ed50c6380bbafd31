// Package queue implements named in-process work queues with priorities,
// delays, retries with exponential backoff, timeouts and bounded history.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a job.
type State string

// Job states.
const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Pending reports whether the job has not started its current attempt yet.
func (s State) Pending() bool {
	return s == StateWaiting || s == StateDelayed
}

// Finished reports whether the job reached a terminal state.
func (s State) Finished() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Queue names used by the pipeline.
const (
	QueueScraping    = "scraping"
	QueueScoring     = "scoring"
	QueueOutreach    = "outreach"
	QueueEnrichment  = "enrichment"
	QueueMaintenance = "maintenance"
)

// Priority bounds. Lower runs sooner.
const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// Job is a unit of work owned by a queue.
type Job struct {
	ID       uuid.UUID       `json:"id"`
	Queue    string          `json:"queue"`
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	Key      string          `json:"key,omitempty"`
	Priority int             `json:"priority"`
	Seq      int64           `json:"seq"`

	RunAt       time.Time     `json:"run_at"`
	Attempt     int           `json:"attempt"`
	MaxAttempts int           `json:"max_attempts"`
	RetryDelay  time.Duration `json:"retry_delay,omitempty"`
	State       State         `json:"state"`
	LastError   string        `json:"last_error,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Clone returns a copy safe to hand outside the queue lock.
func (j *Job) Clone() *Job {
	cp := *j
	cp.Payload = append(json.RawMessage(nil), j.Payload...)
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		cp.FinishedAt = &t
	}
	return &cp
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// Options tune a single enqueue.
type Options struct {
	// Priority in [1,10]; zero means PriorityDefault.
	Priority int
	Delay    time.Duration
	// Key groups related jobs for CancelByKey, e.g. "lead:<id>".
	Key string
	// MaxAttempts overrides the queue default when positive.
	MaxAttempts int
}

// Counts summarizes jobs per state.
type Counts struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Delayed   int `json:"delayed"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Stats are cumulative outcome counters since start.
type Stats struct {
	Succeeded int64 `json:"succeeded"`
	Retried   int64 `json:"retried"`
	Failed    int64 `json:"failed"`
	TimedOut  int64 `json:"timed_out"`
}

// FailureRate is failed attempts (retried or terminal) over all attempts.
func (s Stats) FailureRate() float64 {
	total := s.Succeeded + s.Retried + s.Failed
	if total == 0 {
		return 0
	}
	return float64(s.Retried+s.Failed) / float64(total)
}
