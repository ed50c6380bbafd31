package observability

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonathan/lead-pipeline/internal/orchestrator"
	"github.com/jonathan/lead-pipeline/internal/queue"
	"github.com/jonathan/lead-pipeline/internal/scheduler"
)

// Status is the overall health verdict.
type Status string

// Health statuses.
const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// Pinger checks storage reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueSource reports queue counts and cumulative stats.
type QueueSource interface {
	Counts() map[string]queue.Counts
	Stats() map[string]queue.Stats
}

// TriggerSource reports trigger status.
type TriggerSource interface {
	Status(ctx context.Context) ([]scheduler.TriggerStatus, error)
}

// QueueHealth is one queue's share of the summary.
type QueueHealth struct {
	Name        string       `json:"name"`
	Counts      queue.Counts `json:"counts"`
	Stats       queue.Stats  `json:"stats"`
	FailureRate float64      `json:"failure_rate"`
	Degraded    bool         `json:"degraded"`
}

// ScrapeHealth summarizes recent source adapter runs.
type ScrapeHealth struct {
	Total  int        `json:"total"`
	Failed int        `json:"failed"`
	LastAt *time.Time `json:"last_at,omitempty"`
}

// Health is the pipeline health summary.
type Health struct {
	Status       Status                    `json:"status"`
	StorageError string                    `json:"storage_error,omitempty"`
	Queues       []QueueHealth             `json:"queues"`
	Triggers     []scheduler.TriggerStatus `json:"triggers,omitempty"`
	Scrapes      ScrapeHealth              `json:"scrapes"`
	CheckedAt    time.Time                 `json:"checked_at"`
}

// HealthConfig holds the degradation thresholds.
type HealthConfig struct {
	// MaxFailureRate marks a queue degraded above this share of failed attempts.
	MaxFailureRate float64 `json:"max_failure_rate" yaml:"max_failure_rate" validate:"min=0,max=1"`
	// MinAttempts is the attempt count below which failure rates are ignored.
	MinAttempts int64 `json:"min_attempts" yaml:"min_attempts" validate:"min=0"`
	// ScrapeWindow is how many recent source runs are remembered.
	ScrapeWindow int `json:"scrape_window" yaml:"scrape_window" validate:"min=0"`
}

func (c HealthConfig) withDefaults() HealthConfig {
	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = 0.5
	}
	if c.MinAttempts <= 0 {
		c.MinAttempts = 10
	}
	if c.ScrapeWindow <= 0 {
		c.ScrapeWindow = 50
	}
	return c
}

type sourceRun struct {
	failed bool
	at     time.Time
}

// Checker builds health summaries. Any source may be nil.
type Checker struct {
	cfg      HealthConfig
	storage  Pinger
	queues   QueueSource
	triggers TriggerSource
	now      func() time.Time

	mu   sync.Mutex
	runs []sourceRun
}

// NewChecker creates a health checker.
func NewChecker(cfg HealthConfig, storage Pinger, queues QueueSource, triggers TriggerSource) *Checker {
	return &Checker{
		cfg:      cfg.withDefaults(),
		storage:  storage,
		queues:   queues,
		triggers: triggers,
		now:      time.Now,
	}
}

// RecordScrape remembers the per-source outcome of a scrape.
func (c *Checker) RecordScrape(res *orchestrator.Result) {
	if res == nil {
		return
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range res.Sources {
		c.runs = append(c.runs, sourceRun{failed: s.Error != "", at: now})
	}
	if over := len(c.runs) - c.cfg.ScrapeWindow; over > 0 {
		c.runs = append([]sourceRun(nil), c.runs[over:]...)
	}
}

// Check builds the current summary. Storage failure means down; a queue over
// the failure threshold or all recent scrapes failing means degraded.
func (c *Checker) Check(ctx context.Context) *Health {
	h := &Health{Status: StatusOK, CheckedAt: c.now()}

	if c.storage != nil {
		if err := c.storage.Ping(ctx); err != nil {
			h.StorageError = err.Error()
			h.Status = StatusDown
		}
	}

	if c.queues != nil {
		counts := c.queues.Counts()
		stats := c.queues.Stats()
		names := make([]string, 0, len(counts))
		for name := range counts {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st := stats[name]
			q := QueueHealth{Name: name, Counts: counts[name], Stats: st, FailureRate: st.FailureRate()}
			attempts := st.Succeeded + st.Retried + st.Failed
			q.Degraded = attempts >= c.cfg.MinAttempts && q.FailureRate > c.cfg.MaxFailureRate
			if q.Degraded {
				h.degrade()
			}
			h.Queues = append(h.Queues, q)
		}
	}

	if c.triggers != nil {
		if triggers, err := c.triggers.Status(ctx); err == nil {
			h.Triggers = triggers
		}
	}

	c.mu.Lock()
	h.Scrapes.Total = len(c.runs)
	for _, r := range c.runs {
		if r.failed {
			h.Scrapes.Failed++
		}
	}
	if n := len(c.runs); n > 0 {
		last := c.runs[n-1].at
		h.Scrapes.LastAt = &last
	}
	c.mu.Unlock()
	if h.Scrapes.Total > 0 && h.Scrapes.Failed == h.Scrapes.Total {
		h.degrade()
	}

	return h
}

func (h *Health) degrade() {
	if h.Status == StatusOK {
		h.Status = StatusDegraded
	}
}
