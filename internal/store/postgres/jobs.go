package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/store"
)

// CreateJob inserts a new IngestionJob and returns its ID.
func (s *Store) CreateJob(ctx context.Context, job model.IngestionJob) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO ingestion_jobs (exchange, symbol, timeframe, job_type, status, started_at, candles_fetched, last_error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`, job.Exchange, job.Symbol, string(job.Timeframe), string(job.JobType), string(job.Status),
		job.StartedAt.UTC(), job.CandlesFetched, job.LastError).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("postgres: create job: %w", err)
	}
	return id, nil
}

// UpdateJob applies a partial update to an existing job. Completed sets
// completed_at to now; nil fields in u leave the corresponding column
// unchanged.
func (s *Store) UpdateJob(ctx context.Context, id int64, u store.JobUpdate) error {
	var completedAt *time.Time
	if u.Completed {
		now := time.Now().UTC()
		completedAt = &now
	}

	_, err := s.pool.Exec(ctx, `
		UPDATE ingestion_jobs SET
			status          = COALESCE($2, status),
			candles_fetched = COALESCE($3, candles_fetched),
			last_error      = COALESCE($4, last_error),
			completed_at    = COALESCE($5, completed_at)
		WHERE id = $1
	`, id, jobStatusPtr(u.Status), u.CandlesFetched, u.LastError, completedAt)
	if err != nil {
		return fmt.Errorf("postgres: update job %d: %w", id, err)
	}
	return nil
}

func jobStatusPtr(s *model.JobStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

// RecentJobs returns the n most recently started jobs, newest first.
func (s *Store) RecentJobs(ctx context.Context, n int) ([]model.IngestionJob, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, exchange, symbol, timeframe, job_type, status, started_at, completed_at, candles_fetched, last_error
		FROM ingestion_jobs
		ORDER BY started_at DESC
		LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent jobs: %w", err)
	}
	defer rows.Close()

	var out []model.IngestionJob
	for rows.Next() {
		var j model.IngestionJob
		var tf, jt, status string
		var lastErr *string
		if err := rows.Scan(&j.ID, &j.Exchange, &j.Symbol, &tf, &jt, &status, &j.StartedAt, &j.CompletedAt, &j.CandlesFetched, &lastErr); err != nil {
			return nil, fmt.Errorf("postgres: scan job: %w", err)
		}
		j.Timeframe = model.Timeframe(tf)
		j.JobType = model.JobType(jt)
		j.Status = model.JobStatus(status)
		if lastErr != nil {
			j.LastError = *lastErr
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
