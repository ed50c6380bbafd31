package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestAcquire_WindowBlocksUntilReset(t *testing.T) {
	limiter := NewLimiter(&Config{
		Rules: map[string]Rule{"directory": {Limit: 3, Window: 200 * time.Millisecond}},
	})
	defer limiter.Stop()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Acquire(ctx, "directory"); err != nil {
			t.Fatalf("acquire %d failed: %v", i+1, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Expected first 3 acquires to be immediate, took %v", elapsed)
	}

	if err := limiter.Acquire(ctx, "directory"); err != nil {
		t.Fatalf("4th acquire failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 190*time.Millisecond {
		t.Errorf("Expected 4th acquire to wait for window reset, took %v", elapsed)
	}
}

func TestAcquire_MinSpacing(t *testing.T) {
	limiter := NewLimiter(&Config{
		Default: Rule{MinSpacing: 50 * time.Millisecond},
	})
	defer limiter.Stop()

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := limiter.Acquire(ctx, "probe"); err != nil {
			t.Fatalf("acquire %d failed: %v", i+1, err)
		}
	}
	if elapsed := time.Since(start); elapsed < 95*time.Millisecond {
		t.Errorf("Expected 3 spaced acquires to take at least 100ms, took %v", elapsed)
	}
}

func TestAcquire_BothConstraints(t *testing.T) {
	limiter := NewLimiter(&Config{
		Default: Rule{Limit: 2, Window: 150 * time.Millisecond, MinSpacing: 30 * time.Millisecond},
	})
	defer limiter.Stop()

	ctx := context.Background()
	var grants []time.Time
	for i := 0; i < 3; i++ {
		if err := limiter.Acquire(ctx, "api"); err != nil {
			t.Fatalf("acquire %d failed: %v", i+1, err)
		}
		grants = append(grants, time.Now())
	}

	if gap := grants[1].Sub(grants[0]); gap < 25*time.Millisecond {
		t.Errorf("Expected spacing between grants, got %v", gap)
	}
	if gap := grants[2].Sub(grants[0]); gap < 140*time.Millisecond {
		t.Errorf("Expected third grant after window reset, got %v", gap)
	}
}

func TestAcquire_ConcurrentCallersDoNotOvercount(t *testing.T) {
	limiter := NewLimiter(&Config{
		Default: Rule{Limit: 5, Window: 300 * time.Millisecond},
	})
	defer limiter.Stop()

	var wg sync.WaitGroup
	start := time.Now()
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- limiter.Acquire(context.Background(), "shared")
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 290*time.Millisecond {
		t.Errorf("Expected 10 grants at 5/300ms to take a full window, took %v", elapsed)
	}
}

func TestAcquire_ContextCancelled(t *testing.T) {
	limiter := NewLimiter(&Config{
		Default: Rule{Limit: 1, Window: time.Hour},
	})
	defer limiter.Stop()

	if err := limiter.Acquire(context.Background(), "slow"); err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := limiter.Acquire(ctx, "slow")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestAcquire_KeysAreIndependent(t *testing.T) {
	limiter := NewLimiter(&Config{
		Default: Rule{Limit: 1, Window: time.Hour},
	})
	defer limiter.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := limiter.Acquire(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := limiter.Acquire(ctx, "b"); err != nil {
		t.Errorf("Expected independent key to be permitted, got %v", err)
	}
}

func TestAllow_WindowLimit(t *testing.T) {
	limiter := NewLimiter(nil)
	defer limiter.Stop()

	rule := Rule{Limit: 2, Window: time.Minute}
	for i := 0; i < 2; i++ {
		info := limiter.Allow("client:/scrape:POST", rule)
		if !info.Allowed {
			t.Errorf("Expected request %d to be allowed", i+1)
		}
		if info.Remaining != 1-i {
			t.Errorf("Expected remaining %d, got %d", 1-i, info.Remaining)
		}
	}

	info := limiter.Allow("client:/scrape:POST", rule)
	if info.Allowed {
		t.Error("Expected 3rd request to be denied")
	}
	if info.RetryAfter <= 0 {
		t.Error("Expected retry after to be positive")
	}
	if info.Limit != 2 {
		t.Errorf("Expected limit 2, got %d", info.Limit)
	}
}

func TestAllow_Spacing(t *testing.T) {
	limiter := NewLimiter(nil)
	defer limiter.Stop()

	rule := Rule{MinSpacing: time.Second}
	if !limiter.Allow("k", rule).Allowed {
		t.Fatal("Expected first request to be allowed")
	}
	info := limiter.Allow("k", rule)
	if info.Allowed {
		t.Error("Expected second request inside spacing to be denied")
	}
	if info.RetryAfter <= 0 || info.RetryAfter > time.Second {
		t.Errorf("Unexpected retry after %v", info.RetryAfter)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	limiter := NewLimiter(nil)
	defer limiter.Stop()

	for i := 0; i < 100; i++ {
		if !limiter.Allow("health", Rule{}).Allowed {
			t.Fatalf("Expected unlimited rule to allow request %d", i+1)
		}
	}
}

func TestRuleFor_DefaultAndOverride(t *testing.T) {
	limiter := NewLimiter(&Config{
		Default: Rule{Limit: 10, Window: time.Minute},
		Rules:   map[string]Rule{"places": {Limit: 1, Window: time.Second}},
	})
	defer limiter.Stop()

	if got := limiter.RuleFor("places"); got.Limit != 1 {
		t.Errorf("Expected override limit 1, got %d", got.Limit)
	}
	if got := limiter.RuleFor("other"); got.Limit != 10 {
		t.Errorf("Expected default limit 10, got %d", got.Limit)
	}

	limiter.SetRule("other", Rule{Limit: 3, Window: time.Second})
	if got := limiter.RuleFor("other"); got.Limit != 3 {
		t.Errorf("Expected replaced limit 3, got %d", got.Limit)
	}
}

func TestCleanupBuckets_RemovesIdle(t *testing.T) {
	limiter := NewLimiter(nil)
	defer limiter.Stop()

	limiter.Allow("idle", Rule{Limit: 1, Window: time.Hour})
	limiter.cleanupBuckets(time.Now().Add(time.Minute))

	limiter.mu.Lock()
	_, exists := limiter.buckets["idle"]
	limiter.mu.Unlock()
	if exists {
		t.Error("Expected idle bucket to be removed")
	}

	// A fresh bucket starts with an empty window.
	if !limiter.Allow("idle", Rule{Limit: 1, Window: time.Hour}).Allowed {
		t.Error("Expected request after cleanup to be allowed")
	}
}

func TestParseRule(t *testing.T) {
	tests := []struct {
		in   string
		want Rule
		ok   bool
	}{
		{"30/1m", Rule{Limit: 30, Window: time.Minute}, true},
		{"30/1m,2s", Rule{Limit: 30, Window: time.Minute, MinSpacing: 2 * time.Second}, true},
		{" 5 / 10s , 500ms ", Rule{Limit: 5, Window: 10 * time.Second, MinSpacing: 500 * time.Millisecond}, true},
		{"", Rule{}, false},
		{"30", Rule{}, false},
		{"x/1m", Rule{}, false},
		{"30/0s", Rule{}, false},
		{"30/1m,bad", Rule{}, false},
	}
	for _, tt := range tests {
		got, ok := ParseRule(tt.in)
		if ok != tt.ok {
			t.Errorf("ParseRule(%q) ok=%v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseRule(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestSourceRulesFromEnv(t *testing.T) {
	t.Setenv("RATE_LIMIT_SOURCE_YELLOW_DIR", "10/1m,1s")
	rules := SourceRulesFromEnv([]string{"yellow-dir", "missing"})

	if len(rules) != 1 {
		t.Fatalf("Expected 1 rule, got %d", len(rules))
	}
	if rules["yellow-dir"].MinSpacing != time.Second {
		t.Errorf("Unexpected rule %+v", rules["yellow-dir"])
	}
}

func TestMatchEndpoint(t *testing.T) {
	rules := DefaultEndpointRules()

	if r := MatchEndpoint("/scrape", "POST", rules); r == nil || r.Rule.Limit != 10 {
		t.Errorf("Expected /scrape rule, got %+v", r)
	}
	if r := MatchEndpoint("/jobs/123", "DELETE", rules); r == nil || r.Path != "/jobs/" {
		t.Errorf("Expected /jobs/ prefix rule, got %+v", r)
	}
	if r := MatchEndpoint("/health", "GET", rules); r == nil || r.Rule.Limit != 0 {
		t.Errorf("Expected unlimited health rule, got %+v", r)
	}
	if r := MatchEndpoint("/queues", "GET", rules); r != nil {
		t.Errorf("Expected no rule for /queues, got %+v", r)
	}
}
