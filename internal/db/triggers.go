package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// LastFired returns the last boundary a trigger fired for, or the zero time.
func (db *DB) LastFired(ctx context.Context, name string) (time.Time, error) {
	var last time.Time
	err := db.pool.QueryRow(ctx, `SELECT last_fired FROM triggers WHERE name = $1`, name).Scan(&last)
	if err != nil {
		if err == pgx.ErrNoRows {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("failed to get last fired for %s: %w", name, err)
	}
	return last, nil
}

// CompareAndSetLastFired stores next only if the stored value still equals
// old. A zero old means the trigger has no row yet; a zero next removes it.
func (db *DB) CompareAndSetLastFired(ctx context.Context, name string, old, next time.Time) (bool, error) {
	var query string
	var args []any
	switch {
	case old.IsZero():
		query = `INSERT INTO triggers (name, last_fired) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`
		args = []any{name, next}
	case next.IsZero():
		query = `DELETE FROM triggers WHERE name = $1 AND last_fired = $2`
		args = []any{name, old}
	default:
		query = `UPDATE triggers SET last_fired = $3, updated_at = NOW() WHERE name = $1 AND last_fired = $2`
		args = []any{name, old, next}
	}

	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to set last fired for %s: %w", name, err)
	}
	return tag.RowsAffected() == 1, nil
}
