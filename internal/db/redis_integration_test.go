//go:build integration
// +build integration

package db

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *RedisTriggerStore {
	t.Helper()
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379/0"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rdb, err := ConnectRedis(ctx, url)
	if err != nil {
		t.Skipf("Skipping integration test: failed to connect to Redis: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisTriggerStore(rdb, "leadpipe-test-"+uuid.NewString()+":")
}

func TestIntegration_RedisTriggerCAS(t *testing.T) {
	s := setupTestRedis(t)
	ctx := context.Background()
	t1 := time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)
	defer func() { _ = s.rdb.Del(ctx, s.key("daily_scrape")).Err() }()

	last, err := s.LastFired(ctx, "daily_scrape")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	ok, err := s.CompareAndSetLastFired(ctx, "daily_scrape", time.Time{}, t1)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.CompareAndSetLastFired(ctx, "daily_scrape", time.Time{}, t2)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.CompareAndSetLastFired(ctx, "daily_scrape", t1, t2)
	require.NoError(t, err)
	assert.True(t, ok)

	last, err = s.LastFired(ctx, "daily_scrape")
	require.NoError(t, err)
	assert.True(t, last.Equal(t2))
}

func TestIntegration_RedisTriggerCAS_SingleWinner(t *testing.T) {
	s := setupTestRedis(t)
	ctx := context.Background()
	t1 := time.Date(2026, 10, 18, 2, 0, 0, 0, time.UTC)
	t2 := t1.Add(24 * time.Hour)
	defer func() { _ = s.rdb.Del(ctx, s.key("cleanup")).Err() }()

	_, err := s.CompareAndSetLastFired(ctx, "cleanup", time.Time{}, t1)
	require.NoError(t, err)

	var mu sync.Mutex
	wins := 0
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.CompareAndSetLastFired(ctx, "cleanup", t1, t2)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}
