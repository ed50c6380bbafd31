// Package ratelimit provides per-key rate limiting that enforces both a rolling
// window request count and a minimum spacing between consecutive requests.
//
// Source adapters and the enrichment probe call Acquire, which blocks until the
// request is permitted. The HTTP server calls Allow, which never blocks and
// reports when the caller may retry.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Rule configures the limits applied to one key.
type Rule struct {
	Limit      int           // Maximum requests per Window (0 = no window limit)
	Window     time.Duration // Rolling window length
	MinSpacing time.Duration // Minimum time between consecutive requests (0 = none)
}

// Info contains information about rate limit status.
type Info struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetTime  time.Time
	RetryAfter time.Duration
}

// bucket tracks the grants of a single key. sem serializes callers so that
// concurrent acquirers for the same key neither under- nor over-count.
type bucket struct {
	sem        chan struct{}
	rule       Rule
	grants     []time.Time // grant times inside the current window, oldest first
	spacing    *rate.Limiter
	lastAccess time.Time
}

func newBucket(rule Rule) *bucket {
	b := &bucket{
		sem:  make(chan struct{}, 1),
		rule: rule,
	}
	if rule.MinSpacing > 0 {
		b.spacing = rate.NewLimiter(rate.Every(rule.MinSpacing), 1)
	}
	return b
}

// prune drops grants that have left the rolling window.
func (b *bucket) prune(now time.Time) {
	if b.rule.Window <= 0 {
		b.grants = b.grants[:0]
		return
	}
	cutoff := now.Add(-b.rule.Window)
	i := 0
	for i < len(b.grants) && !b.grants[i].After(cutoff) {
		i++
	}
	b.grants = b.grants[i:]
}

// windowFull reports whether the window is exhausted and when the oldest grant expires.
func (b *bucket) windowFull(now time.Time) (bool, time.Time) {
	b.prune(now)
	if b.rule.Limit <= 0 || b.rule.Window <= 0 || len(b.grants) < b.rule.Limit {
		return false, now
	}
	return true, b.grants[0].Add(b.rule.Window)
}

func (b *bucket) remaining() int {
	if b.rule.Limit <= 0 {
		return 0
	}
	return max(0, b.rule.Limit-len(b.grants))
}

// Limiter manages rate limiting for multiple keys.
type Limiter struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	rules         map[string]Rule
	defaultRule   Rule
	cleanupTicker *time.Ticker
	cleanupStop   chan struct{}
	stopOnce      sync.Once
}

// Config holds limiter configuration.
type Config struct {
	Default         Rule
	Rules           map[string]Rule // Per-key overrides
	CleanupInterval time.Duration   // 0 disables idle bucket cleanup
}

// NewLimiter creates a new rate limiter with the given configuration.
func NewLimiter(config *Config) *Limiter {
	if config == nil {
		config = &Config{}
	}

	l := &Limiter{
		buckets:     make(map[string]*bucket),
		rules:       make(map[string]Rule, len(config.Rules)),
		defaultRule: config.Default,
	}
	for key, rule := range config.Rules {
		l.rules[key] = rule
	}

	if config.CleanupInterval > 0 {
		l.cleanupTicker = time.NewTicker(config.CleanupInterval)
		l.cleanupStop = make(chan struct{})
		go l.cleanup()
	}

	return l
}

// SetRule installs or replaces the rule for key. It takes effect for buckets
// created after the call.
func (l *Limiter) SetRule(key string, rule Rule) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rules[key] = rule
	delete(l.buckets, key)
}

// RuleFor returns the rule that applies to key.
func (l *Limiter) RuleFor(key string) Rule {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rule, ok := l.rules[key]; ok {
		return rule
	}
	return l.defaultRule
}

func (l *Limiter) bucketFor(key string, rule *Rule) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[key]; ok {
		b.lastAccess = time.Now()
		return b
	}

	r := l.defaultRule
	if rule != nil {
		r = *rule
	} else if configured, ok := l.rules[key]; ok {
		r = configured
	}
	b := newBucket(r)
	b.lastAccess = time.Now()
	l.buckets[key] = b
	return b
}

// Acquire blocks until a request for key is permitted by both the window
// count and the minimum spacing. It only fails when ctx is done.
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	b := l.bucketFor(key, nil)

	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-b.sem }()

	for {
		full, reset := b.windowFull(time.Now())
		if !full {
			break
		}
		if err := sleepContext(ctx, time.Until(reset)); err != nil {
			return err
		}
	}

	if b.spacing != nil {
		if err := b.spacing.Wait(ctx); err != nil {
			return err
		}
	}

	b.grants = append(b.grants, time.Now())
	return nil
}

// Allow reports whether a request for key may proceed now under rule,
// consuming a slot if so. It never blocks on other callers' waits.
func (l *Limiter) Allow(key string, rule Rule) Info {
	b := l.bucketFor(key, &rule)

	b.sem <- struct{}{}
	defer func() { <-b.sem }()

	now := time.Now()
	if full, reset := b.windowFull(now); full {
		return Info{
			Allowed:    false,
			Limit:      b.rule.Limit,
			Remaining:  0,
			ResetTime:  reset,
			RetryAfter: reset.Sub(now),
		}
	}

	if b.spacing != nil {
		res := b.spacing.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return Info{
				Allowed:    false,
				Limit:      b.rule.Limit,
				Remaining:  b.remaining(),
				ResetTime:  now.Add(delay),
				RetryAfter: delay,
			}
		}
	}

	b.grants = append(b.grants, now)
	reset := now
	if b.rule.Window > 0 && len(b.grants) > 0 {
		reset = b.grants[0].Add(b.rule.Window)
	}
	return Info{
		Allowed:   true,
		Limit:     b.rule.Limit,
		Remaining: b.remaining(),
		ResetTime: reset,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cleanup removes old unused buckets to prevent memory leaks.
func (l *Limiter) cleanup() {
	for {
		select {
		case <-l.cleanupTicker.C:
			l.cleanupBuckets(time.Now().Add(-1 * time.Hour))
		case <-l.cleanupStop:
			return
		}
	}
}

// cleanupBuckets removes idle buckets last used before cutoff. Buckets with a
// caller holding the semaphore are kept.
func (l *Limiter) cleanupBuckets(cutoff time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, b := range l.buckets {
		if !b.lastAccess.Before(cutoff) {
			continue
		}
		select {
		case b.sem <- struct{}{}:
			delete(l.buckets, key)
			<-b.sem
		default:
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		if l.cleanupTicker != nil {
			l.cleanupTicker.Stop()
		}
		if l.cleanupStop != nil {
			close(l.cleanupStop)
		}
	})
}
