package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/lead-pipeline/internal/queue"
)

const jobColumns = `id, queue, type, payload, job_key, priority, seq, run_at, attempt, max_attempts,
	retry_delay_ms, state, last_error, created_at, updated_at, started_at, finished_at`

// SaveJob upserts the current state of a job.
func (db *DB) SaveJob(ctx context.Context, job *queue.Job) error {
	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		 ON CONFLICT (id) DO UPDATE SET
			priority = EXCLUDED.priority, seq = EXCLUDED.seq, run_at = EXCLUDED.run_at,
			attempt = EXCLUDED.attempt, max_attempts = EXCLUDED.max_attempts,
			retry_delay_ms = EXCLUDED.retry_delay_ms, state = EXCLUDED.state,
			last_error = EXCLUDED.last_error, updated_at = EXCLUDED.updated_at,
			started_at = EXCLUDED.started_at, finished_at = EXCLUDED.finished_at`,
		job.ID, job.Queue, job.Type, payload, job.Key, job.Priority, job.Seq, job.RunAt,
		job.Attempt, job.MaxAttempts, job.RetryDelay.Milliseconds(), string(job.State), job.LastError,
		job.CreatedAt, job.UpdatedAt, job.StartedAt, job.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// LoadJobs returns unfinished and failed jobs in enqueue order.
func (db *DB) LoadJobs(ctx context.Context) ([]*queue.Job, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state IN ('waiting', 'delayed', 'active', 'failed')
		 ORDER BY seq ASC, created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*queue.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func scanJob(row pgx.Row) (*queue.Job, error) {
	var job queue.Job
	var payload []byte
	var state string
	var retryMs int64
	err := row.Scan(
		&job.ID, &job.Queue, &job.Type, &payload, &job.Key, &job.Priority, &job.Seq, &job.RunAt,
		&job.Attempt, &job.MaxAttempts, &retryMs, &state, &job.LastError,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Payload = payload
	job.State = queue.State(state)
	job.RetryDelay = time.Duration(retryMs) * time.Millisecond
	return &job, nil
}

// PruneJobs deletes the finished jobs of rule.Queue that rule selects.
func (db *DB) PruneJobs(ctx context.Context, rule queue.PruneRule) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM jobs
		 WHERE queue = $1 AND finished_at IS NOT NULL AND (
			(state IN ('completed', 'cancelled') AND finished_at < $2) OR
			(state = 'failed' AND finished_at < $3))`,
		rule.Queue, rule.CompletedBefore, rule.FailedBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}
