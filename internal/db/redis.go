package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	r "github.com/redis/go-redis/v9"
)

// RedisTriggerStore keeps trigger last-fired timestamps in Redis so several
// scheduler processes can share them without PostgreSQL.
type RedisTriggerStore struct {
	rdb    *r.Client
	prefix string
}

// NewRedisTriggerStore creates a store using keys "<prefix>trigger:<name>".
func NewRedisTriggerStore(rdb *r.Client, prefix string) *RedisTriggerStore {
	if prefix == "" {
		prefix = "leadpipe:"
	}
	return &RedisTriggerStore{rdb: rdb, prefix: prefix}
}

// ConnectRedis parses a redis:// URL and pings the server.
func ConnectRedis(ctx context.Context, url string) (*r.Client, error) {
	opts, err := r.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	rdb := r.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisTriggerStore) key(name string) string {
	return s.prefix + "trigger:" + name
}

// LastFired returns the stored timestamp, or the zero time.
func (s *RedisTriggerStore) LastFired(ctx context.Context, name string) (time.Time, error) {
	v, err := s.rdb.Get(ctx, s.key(name)).Result()
	if errors.Is(err, r.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get last fired for %s: %w", name, err)
	}
	return parseFired(v)
}

// CompareAndSetLastFired uses WATCH/MULTI so only one writer moves the value.
func (s *RedisTriggerStore) CompareAndSetLastFired(ctx context.Context, name string, old, next time.Time) (bool, error) {
	key := s.key(name)
	swapped := false
	err := s.rdb.Watch(ctx, func(tx *r.Tx) error {
		cur := time.Time{}
		v, err := tx.Get(ctx, key).Result()
		switch {
		case errors.Is(err, r.Nil):
		case err != nil:
			return err
		default:
			if cur, err = parseFired(v); err != nil {
				return err
			}
		}
		if !cur.Equal(old) {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			if next.IsZero() {
				pipe.Del(ctx, key)
			} else {
				pipe.Set(ctx, key, next.UTC().Format(time.RFC3339Nano), 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		swapped = true
		return nil
	}, key)

	if errors.Is(err, r.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to set last fired for %s: %w", name, err)
	}
	return swapped, nil
}

func parseFired(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored trigger time %q: %w", v, err)
	}
	return t, nil
}
