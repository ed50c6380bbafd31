// Package scheduler fires named periodic triggers at most once per schedule
// boundary, coordinating through persisted last-fired timestamps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"
)

// Built-in trigger names.
const (
	TriggerDailyScrape     = "daily_scrape"
	TriggerRescoreUnscored = "rescore_unscored"
	TriggerCampaignSweep   = "campaign_sweep"
	TriggerCleanup         = "cleanup"
	TriggerHealthCheck     = "health_check"
)

// ErrUnknownTrigger is returned for trigger names that were never registered.
var ErrUnknownTrigger = errors.New("unknown trigger")

// TriggerStore persists the last boundary each trigger fired for.
type TriggerStore interface {
	// LastFired returns the zero time when the trigger never fired.
	LastFired(ctx context.Context, name string) (time.Time, error)
	// CompareAndSetLastFired stores next only when the stored value still equals old.
	CompareAndSetLastFired(ctx context.Context, name string, old, next time.Time) (bool, error)
}

// FireFunc runs a trigger's action for the given boundary.
type FireFunc func(ctx context.Context, boundary time.Time) error

// TriggerConfig is the configurable part of a trigger.
type TriggerConfig struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	Schedule string `json:"schedule" yaml:"schedule" validate:"required"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`
}

// Trigger is a registered schedule plus its action.
type Trigger struct {
	Name     string
	Schedule Schedule
	Enabled  bool
	fire     FireFunc
}

// TriggerStatus is the observable state of one trigger.
type TriggerStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Enabled   bool       `json:"enabled"`
	LastFired *time.Time `json:"last_fired,omitempty"`
	NextFire  *time.Time `json:"next_fire,omitempty"`
}

// Options configures a Scheduler.
type Options struct {
	// Tick is how often due triggers are evaluated. Defaults to 30s.
	Tick time.Duration
	// Location evaluates calendar expressions. Defaults to UTC.
	Location *time.Location
	// LockPath, when set, makes Run hold a file lock so only one process fires triggers.
	LockPath string
	Now      func() time.Time
}

// Scheduler evaluates triggers against a TriggerStore.
type Scheduler struct {
	store TriggerStore
	opts  Options

	mu       sync.RWMutex
	triggers map[string]*Trigger
}

// New creates a scheduler backed by store.
func New(store TriggerStore, opts Options) *Scheduler {
	if opts.Tick <= 0 {
		opts.Tick = 30 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		store:    store,
		opts:     opts,
		triggers: make(map[string]*Trigger),
	}
}

// Register parses cfg.Schedule and adds the trigger. Registering a name twice
// replaces the earlier trigger.
func (s *Scheduler) Register(cfg TriggerConfig, fire FireFunc) error {
	if cfg.Name == "" {
		return fmt.Errorf("trigger name is required")
	}
	if fire == nil {
		return fmt.Errorf("trigger %s has no action", cfg.Name)
	}
	sched, err := Parse(cfg.Schedule, s.opts.Location)
	if err != nil {
		return fmt.Errorf("failed to register trigger %s: %w", cfg.Name, err)
	}

	s.mu.Lock()
	s.triggers[cfg.Name] = &Trigger{Name: cfg.Name, Schedule: sched, Enabled: cfg.Enabled, fire: fire}
	s.mu.Unlock()
	return nil
}

// SetEnabled toggles a registered trigger.
func (s *Scheduler) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	t.Enabled = enabled
	return nil
}

func (s *Scheduler) sorted() []*Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tick fires every enabled trigger whose latest boundary is newer than its
// recorded last-fired time, and returns the names it fired.
//
// A trigger that has never fired records its current boundary without firing,
// so a fresh deployment does not replay the previous day's runs. Claiming a
// boundary uses compare-and-set, so concurrent schedulers fire it once. When
// the action fails the claim is rolled back and the next tick retries.
func (s *Scheduler) Tick(ctx context.Context) []string {
	now := s.opts.Now()
	var fired []string

	for _, t := range s.sorted() {
		if !t.Enabled {
			continue
		}
		boundary := t.Schedule.Prev(now)
		if boundary.IsZero() {
			continue
		}

		last, err := s.store.LastFired(ctx, t.Name)
		if err != nil {
			log.Printf("[trigger] %s: failed to read last fired: %v", t.Name, err)
			continue
		}
		if !boundary.After(last) {
			continue
		}

		ok, err := s.store.CompareAndSetLastFired(ctx, t.Name, last, boundary)
		if err != nil {
			log.Printf("[trigger] %s: failed to claim %s: %v", t.Name, boundary.Format(time.RFC3339), err)
			continue
		}
		if !ok {
			continue
		}
		if last.IsZero() {
			log.Printf("[trigger] %s: baseline recorded at %s", t.Name, boundary.Format(time.RFC3339))
			continue
		}

		log.Printf("[trigger] %s: firing for %s", t.Name, boundary.Format(time.RFC3339))
		if err := t.fire(ctx, boundary); err != nil {
			log.Printf("[trigger] %s: action failed: %v", t.Name, err)
			if _, rbErr := s.store.CompareAndSetLastFired(ctx, t.Name, boundary, last); rbErr != nil {
				log.Printf("[trigger] %s: failed to roll back: %v", t.Name, rbErr)
			}
			continue
		}
		fired = append(fired, t.Name)
	}
	return fired
}

// FireNow runs a trigger's action immediately, regardless of its schedule or
// enable flag. The recorded last-fired time is left untouched.
func (s *Scheduler) FireNow(ctx context.Context, name string) error {
	s.mu.RLock()
	t, ok := s.triggers[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTrigger, name)
	}
	log.Printf("[trigger] %s: fired manually", name)
	return t.fire(ctx, s.opts.Now())
}

// Status reports every registered trigger in name order.
func (s *Scheduler) Status(ctx context.Context) ([]TriggerStatus, error) {
	now := s.opts.Now()
	triggers := s.sorted()
	out := make([]TriggerStatus, 0, len(triggers))
	for _, t := range triggers {
		st := TriggerStatus{Name: t.Name, Schedule: t.Schedule.String(), Enabled: t.Enabled}
		last, err := s.store.LastFired(ctx, t.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read last fired for %s: %w", t.Name, err)
		}
		if !last.IsZero() {
			st.LastFired = &last
		}
		if t.Enabled {
			next := t.Schedule.Next(now)
			st.NextFire = &next
		}
		out = append(out, st)
	}
	return out, nil
}

// Run ticks until ctx is cancelled. With a LockPath configured it stays on
// standby until it holds the leader lock.
func (s *Scheduler) Run(ctx context.Context) error {
	var lock *leaderLock
	if s.opts.LockPath != "" {
		lock = newLeaderLock(s.opts.LockPath)
		defer lock.Release()
	}

	ticker := time.NewTicker(s.opts.Tick)
	defer ticker.Stop()

	for {
		if lock == nil || lock.TryAcquire() {
			s.Tick(ctx)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
