// Package backfill fetches historical candle series from an
// exchange.Fetcher and persists them through a store.Gateway, resuming
// from whatever is already stored rather than always starting from a
// fixed lookback window.
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/marketdata/ingestd/internal/exchange"
	"github.com/marketdata/ingestd/internal/logger"
	"github.com/marketdata/ingestd/internal/metrics"
	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/store"
)

const exchangeName = "bitfinex"

// Target names one symbol/timeframe pair to backfill.
type Target struct {
	Symbol    string
	Timeframe model.Timeframe
}

// Service backfills historical candles and keeps already-running
// series topped up with the latest bars.
type Service struct {
	fetcher     exchange.Fetcher
	gateway     store.Gateway
	defaultDays int
	metrics     *metrics.Metrics
	log         *slog.Logger
}

// New constructs a Service. defaultDays is the lookback window used
// when a symbol/timeframe has no stored candles yet. m may be nil.
func New(fetcher exchange.Fetcher, gateway store.Gateway, defaultDays int, m *metrics.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if defaultDays <= 0 {
		defaultDays = 730
	}
	return &Service{fetcher: fetcher, gateway: gateway, defaultDays: defaultDays, metrics: m, log: log}
}

func (s *Service) recordJob(status model.JobStatus, startedAt time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.JobsTotal.WithLabelValues(string(model.JobBackfill), string(status)).Inc()
	s.metrics.JobDurationSecs.WithLabelValues(string(model.JobBackfill)).Observe(time.Since(startedAt).Seconds())
}

// BackfillSymbol fetches and stores candles for one target, resuming
// from the latest stored candle when one exists and start is zero. It
// returns the number of candles saved.
func (s *Service) BackfillSymbol(ctx context.Context, t Target, start, end time.Time) (int, error) {
	if end.IsZero() {
		end = time.Now().UTC()
	}

	startedAt := time.Now().UTC()
	log := logger.ForTarget(s.log, t.Symbol, string(t.Timeframe)).
		With("trace_id", logger.NewJobTrace("backfill", startedAt))

	key := model.Key{Exchange: exchangeName, Symbol: t.Symbol, Timeframe: t.Timeframe}

	if start.IsZero() {
		latest, err := s.gateway.LatestOpenTime(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("backfill: latest open time: %w", err)
		}
		if !latest.IsZero() {
			start = latest
			log.Info("resuming backfill", "from", start)
		} else {
			start = end.AddDate(0, 0, -s.defaultDays)
		}
	}

	jobID, err := s.gateway.CreateJob(ctx, model.IngestionJob{
		Exchange:  exchangeName,
		Symbol:    t.Symbol,
		Timeframe: t.Timeframe,
		JobType:   model.JobBackfill,
		Status:    model.JobRunning,
		StartedAt: startedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("backfill: create job: %w", err)
	}

	log.Info("backfilling", "start", start, "end", end)

	candles, err := s.fetcher.FetchRange(ctx, t.Symbol, t.Timeframe, start, end)
	if err != nil {
		msg := err.Error()
		log.Error("backfill failed", "error", err)
		_ = s.gateway.UpdateJob(ctx, jobID, store.JobUpdate{
			Status:    jobStatus(model.JobFailed),
			LastError: &msg,
			Completed: true,
		})
		s.recordJob(model.JobFailed, startedAt)
		return 0, err
	}

	if len(candles) == 0 {
		log.Warn("no candles returned")
		_ = s.gateway.UpdateJob(ctx, jobID, store.JobUpdate{
			Status:         jobStatus(model.JobSuccess),
			CandlesFetched: intPtr(0),
			Completed:      true,
		})
		s.recordJob(model.JobSuccess, startedAt)
		return 0, nil
	}

	saved, err := s.gateway.UpsertCandles(ctx, candles)
	if err != nil {
		msg := err.Error()
		_ = s.gateway.UpdateJob(ctx, jobID, store.JobUpdate{
			Status:    jobStatus(model.JobFailed),
			LastError: &msg,
			Completed: true,
		})
		s.recordJob(model.JobFailed, startedAt)
		return 0, fmt.Errorf("backfill: upsert candles: %w", err)
	}

	log.Info("backfill complete", "saved", saved)
	_ = s.gateway.UpdateJob(ctx, jobID, store.JobUpdate{
		Status:         jobStatus(model.JobSuccess),
		CandlesFetched: intPtr(saved),
		Completed:      true,
	})
	s.recordJob(model.JobSuccess, startedAt)
	return saved, nil
}

// BackfillAll backfills every target, continuing past individual
// failures so one bad symbol doesn't block the rest. The result maps
// each target to its saved count, or -1 if it failed. days sets the
// lookback window for a target with nothing stored yet; a target that
// already has candles resumes from its latest one.
func (s *Service) BackfillAll(ctx context.Context, targets []Target, days int) map[Target]int {
	results := make(map[Target]int, len(targets))

	for _, t := range targets {
		var start time.Time
		if days > 0 {
			key := model.Key{Exchange: exchangeName, Symbol: t.Symbol, Timeframe: t.Timeframe}
			if latest, err := s.gateway.LatestOpenTime(ctx, key); err == nil && latest.IsZero() {
				start = time.Now().UTC().AddDate(0, 0, -days)
			}
		}
		count, err := s.BackfillSymbol(ctx, t, start, time.Time{})
		if err != nil {
			s.log.Error("backfill target failed", "symbol", t.Symbol, "timeframe", t.Timeframe, "error", err)
			results[t] = -1
			continue
		}
		results[t] = count
	}
	return results
}

// CatchupRecent backfills every target from now−lookback to now. It is
// the same operation as BackfillSymbol with an explicit recent start,
// intended to close the small window between daemon startup and the
// WS stream becoming productive — cheaper than a full BackfillAll
// because the window is minutes wide, not the full history.
func (s *Service) CatchupRecent(ctx context.Context, targets []Target, lookback time.Duration) map[Target]int {
	results := make(map[Target]int, len(targets))
	end := time.Now().UTC()
	start := end.Add(-lookback)

	for _, t := range targets {
		count, err := s.BackfillSymbol(ctx, t, start, end)
		if err != nil {
			s.log.Error("catchup failed", "symbol", t.Symbol, "timeframe", t.Timeframe, "error", err)
			results[t] = -1
			continue
		}
		results[t] = count
	}
	return results
}

// UpdateLatest fetches the most recent n candles for every target and
// upserts them. Used as a secondary safety net when WS ingestion is
// disabled, or alongside it — the upsert collapses candles that were
// already seen on the realtime stream.
func (s *Service) UpdateLatest(ctx context.Context, targets []Target, n int) map[Target]int {
	results := make(map[Target]int, len(targets))

	for _, t := range targets {
		candles, err := s.fetcher.FetchLatest(ctx, t.Symbol, t.Timeframe, n)
		if err != nil {
			s.log.Error("update_latest fetch failed", "symbol", t.Symbol, "timeframe", t.Timeframe, "error", err)
			results[t] = -1
			continue
		}
		if len(candles) == 0 {
			results[t] = 0
			continue
		}

		saved, err := s.gateway.UpsertCandles(ctx, candles)
		if err != nil {
			s.log.Error("update_latest upsert failed", "symbol", t.Symbol, "timeframe", t.Timeframe, "error", err)
			results[t] = -1
			continue
		}
		results[t] = saved
	}
	return results
}

func jobStatus(st model.JobStatus) *model.JobStatus { return &st }
func intPtr(n int) *int                             { return &n }
