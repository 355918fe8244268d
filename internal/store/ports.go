// Package store defines the storage port the ingestion engine consumes.
// The concrete implementation (package postgres) is an external
// collaborator: schema DDL and the relational engine itself are out of
// scope for the core, which only depends on this interface.
package store

import (
	"context"
	"time"

	"github.com/marketdata/ingestd/internal/model"
)

// Order controls the sort direction of a range query.
type Order int

const (
	Ascending Order = iota
	Descending
)

// RangeQuery describes a GetCandles lookup.
type RangeQuery struct {
	Exchange  string
	Symbol    string
	Timeframe model.Timeframe
	Start     time.Time // inclusive
	End       time.Time // exclusive; zero value means unbounded
	Limit     int       // 0 means unbounded
	Order     Order
}

// GapFilter narrows UnrepairedGaps to a subset of targets. Zero-value
// fields are unconstrained.
type GapFilter struct {
	Exchange  string
	Symbol    string
	Timeframe model.Timeframe
}

// SymbolStatus summarizes the stored series for one (exchange, symbol,
// timeframe) tuple.
type SymbolStatus struct {
	Exchange     string
	Symbol       string
	Timeframe    model.Timeframe
	CandleCount  int64
	OldestOpen   *time.Time
	NewestOpen   *time.Time
}

// JobUpdate carries the mutable fields of an IngestionJob update. Nil
// fields are left unchanged.
type JobUpdate struct {
	Status         *model.JobStatus
	CandlesFetched *int
	LastError      *string
	Completed      bool
}

// Gateway is the single linearization point for all candle, gap and job
// persistence. Every operation must be safe under concurrent callers;
// implementations own a connection pool, not per-call state.
type Gateway interface {
	// UpsertCandles idempotently inserts or overwrites candles keyed by
	// (exchange, symbol, timeframe, open_time). Empty input is a no-op
	// returning 0. Returns the number of rows written.
	UpsertCandles(ctx context.Context, candles []model.Candle) (int, error)

	// GetCandles returns candles in the query's range, ordered
	// chronologically according to q.Order, capped at q.Limit after
	// ordering.
	GetCandles(ctx context.Context, q RangeQuery) ([]model.Candle, error)

	// LatestOpenTime returns the most recent stored candle's open time
	// for the given key, or the zero time if none exists.
	LatestOpenTime(ctx context.Context, key model.Key) (time.Time, error)

	// Count returns the number of stored candles for the given key.
	Count(ctx context.Context, key model.Key) (int64, error)

	// SaveGap idempotently inserts a gap keyed on
	// (exchange, symbol, timeframe, gap_start, gap_end). Returns the new
	// gap's ID, or 0 if the row already existed.
	SaveGap(ctx context.Context, gap model.Gap) (int64, error)

	// UnrepairedGaps returns gaps with no RepairedAt, filtered by f,
	// ordered by GapStart ascending.
	UnrepairedGaps(ctx context.Context, f GapFilter) ([]model.Gap, error)

	// MarkGapRepaired sets RepairedAt to now for the given gap ID.
	MarkGapRepaired(ctx context.Context, id int64) error

	// CreateJob inserts a new IngestionJob and returns its ID.
	CreateJob(ctx context.Context, job model.IngestionJob) (int64, error)

	// UpdateJob applies a partial update to an existing job.
	UpdateJob(ctx context.Context, id int64, u JobUpdate) error

	// RecentJobs returns the n most recently started jobs, newest first.
	RecentJobs(ctx context.Context, n int) ([]model.IngestionJob, error)

	// StatusSummary returns per-(exchange,symbol,timeframe) candle
	// counts and time bounds.
	StatusSummary(ctx context.Context) ([]SymbolStatus, error)

	// CleanupRetention deletes candles older than now - days[timeframe]
	// for each timeframe present in days, returning per-timeframe
	// deleted counts.
	CleanupRetention(ctx context.Context, days map[model.Timeframe]int) (map[model.Timeframe]int64, error)

	// Close releases the underlying connection pool.
	Close()
}
