// Package gaprepair detects holes in a stored candle series and
// refetches the missing range from an exchange.Fetcher.
package gaprepair

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

// gapTolerance is the slack allowed before a spacing between two
// consecutive candles is treated as a gap, expressed as a fraction of
// the timeframe's delta.
const gapTolerance = 0.05

// Target names one symbol/timeframe pair to scan for gaps.
type Target struct {
	Symbol    string
	Timeframe model.Timeframe
}

// Service detects and repairs gaps in stored candle series.
type Service struct {
	fetcher exchange.Fetcher
	gateway store.Gateway
	metrics *metrics.Metrics
	log     *slog.Logger
}

// New constructs a Service. m may be nil.
func New(fetcher exchange.Fetcher, gateway store.Gateway, m *metrics.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{fetcher: fetcher, gateway: gateway, metrics: m, log: log}
}

func (s *Service) recordJob(status model.JobStatus, startedAt time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.JobsTotal.WithLabelValues(string(model.JobGapRepair), string(status)).Inc()
	s.metrics.JobDurationSecs.WithLabelValues(string(model.JobGapRepair)).Observe(time.Since(startedAt).Seconds())
}

// Detect scans stored candles in [start, end) for spacing larger than
// timeframe.Delta() plus a 5% tolerance and returns one Gap per hole
// found, ordered chronologically.
func (s *Service) Detect(ctx context.Context, t Target, start, end time.Time) ([]model.Gap, error) {
	if end.IsZero() {
		end = time.Now().UTC()
	}
	if start.IsZero() {
		start = end.AddDate(0, 0, -30)
	}

	candles, err := s.gateway.GetCandles(ctx, store.RangeQuery{
		Exchange:  exchangeName,
		Symbol:    t.Symbol,
		Timeframe: t.Timeframe,
		Start:     start,
		End:       end,
		Order:     store.Ascending,
	})
	if err != nil {
		return nil, fmt.Errorf("gaprepair: get candles: %w", err)
	}
	if len(candles) < 2 {
		return nil, nil
	}

	expectedDelta := t.Timeframe.Delta()
	tolerance := time.Duration(float64(expectedDelta) * gapTolerance)
	threshold := expectedDelta + tolerance

	var gaps []model.Gap
	now := time.Now().UTC()
	for i := 0; i < len(candles)-1; i++ {
		current := candles[i]
		next := candles[i+1]

		actual := next.OpenTime.Sub(current.OpenTime)
		if actual > threshold {
			gap := model.Gap{
				Exchange:   exchangeName,
				Symbol:     t.Symbol,
				Timeframe:  t.Timeframe,
				GapStart:   current.CloseTime,
				GapEnd:     next.OpenTime,
				DetectedAt: now,
			}
			s.log.Info("gap detected", "symbol", t.Symbol, "timeframe", t.Timeframe,
				"start", gap.GapStart, "end", gap.GapEnd, "delta", actual)
			gaps = append(gaps, gap)
		}
	}
	return gaps, nil
}

// DetectAndSave runs Detect over every target and idempotently
// persists each gap found, returning the count of genuinely new gaps
// (a gap already on record returns ID 0 and is not counted).
func (s *Service) DetectAndSave(ctx context.Context, targets []Target) (int, error) {
	var total int
	for _, t := range targets {
		gaps, err := s.Detect(ctx, t, time.Time{}, time.Time{})
		if err != nil {
			s.log.Error("gap detection failed", "symbol", t.Symbol, "timeframe", t.Timeframe, "error", err)
			continue
		}
		for _, g := range gaps {
			id, err := s.gateway.SaveGap(ctx, g)
			if err != nil {
				s.log.Error("save gap failed", "symbol", t.Symbol, "timeframe", t.Timeframe, "error", err)
				continue
			}
			if id != 0 {
				total++
				if s.metrics != nil {
					s.metrics.GapsDetectedTotal.WithLabelValues(t.Symbol, string(t.Timeframe)).Inc()
				}
			}
		}
	}
	s.log.Info("gap detection complete", "new_gaps", total)
	return total, nil
}

// Repair fetches the missing range for a single gap and marks it
// repaired on success. It returns the number of candles fetched.
func (s *Service) Repair(ctx context.Context, gap model.Gap) (int, error) {
	startedAt := time.Now().UTC()
	log := logger.ForTarget(s.log, gap.Symbol, string(gap.Timeframe)).
		With("trace_id", logger.NewJobTrace("gap_repair", startedAt))

	jobID, err := s.gateway.CreateJob(ctx, model.IngestionJob{
		Exchange:  gap.Exchange,
		Symbol:    gap.Symbol,
		Timeframe: gap.Timeframe,
		JobType:   model.JobGapRepair,
		Status:    model.JobRunning,
		StartedAt: startedAt,
	})
	if err != nil {
		return 0, fmt.Errorf("gaprepair: create job: %w", err)
	}

	log.Info("repairing gap", "start", gap.GapStart, "end", gap.GapEnd)

	candles, err := s.fetcher.FetchRange(ctx, gap.Symbol, gap.Timeframe, gap.GapStart, gap.GapEnd)
	if err != nil {
		msg := err.Error()
		_ = s.gateway.UpdateJob(ctx, jobID, store.JobUpdate{
			Status:    jobStatus(model.JobFailed),
			LastError: &msg,
			Completed: true,
		})
		s.recordJob(model.JobFailed, startedAt)
		return 0, fmt.Errorf("gaprepair: fetch range: %w", err)
	}

	var saved int
	if len(candles) > 0 {
		saved, err = s.gateway.UpsertCandles(ctx, candles)
		if err != nil {
			msg := err.Error()
			_ = s.gateway.UpdateJob(ctx, jobID, store.JobUpdate{
				Status:    jobStatus(model.JobFailed),
				LastError: &msg,
				Completed: true,
			})
			s.recordJob(model.JobFailed, startedAt)
			return 0, fmt.Errorf("gaprepair: upsert candles: %w", err)
		}
	} else {
		log.Warn("no candles returned for gap repair")
	}

	if gap.ID != 0 {
		if err := s.gateway.MarkGapRepaired(ctx, gap.ID); err != nil {
			log.Error("mark gap repaired failed", "gap_id", gap.ID, "error", err)
		}
	}

	_ = s.gateway.UpdateJob(ctx, jobID, store.JobUpdate{
		Status:         jobStatus(model.JobSuccess),
		CandlesFetched: intPtr(saved),
		Completed:      true,
	})
	s.recordJob(model.JobSuccess, startedAt)
	if s.metrics != nil {
		s.metrics.GapsRepairedTotal.WithLabelValues(gap.Symbol, string(gap.Timeframe)).Inc()
	}
	return saved, nil
}

// MaintenanceResult summarizes one detect-then-repair cycle across
// targets.
type MaintenanceResult struct {
	NewGapsDetected int
	GapsRepaired    int
	RepairFailures  int
}

// RunMaintenance runs detect-then-repair across targets. maxRepairs
// bounds the total number of repair attempts across all targets in
// this run (0 means unbounded); any gaps left over are picked up by
// the next scheduled run.
func (s *Service) RunMaintenance(ctx context.Context, targets []Target, maxRepairs int) (MaintenanceResult, error) {
	newGaps, err := s.DetectAndSave(ctx, targets)
	if err != nil {
		return MaintenanceResult{}, err
	}

	var result MaintenanceResult
	result.NewGapsDetected = newGaps

	attempted := 0
	for _, t := range targets {
		if maxRepairs > 0 && attempted >= maxRepairs {
			break
		}

		gaps, err := s.gateway.UnrepairedGaps(ctx, store.GapFilter{
			Exchange:  exchangeName,
			Symbol:    t.Symbol,
			Timeframe: t.Timeframe,
		})
		if err != nil {
			s.log.Error("unrepaired gaps lookup failed", "symbol", t.Symbol, "timeframe", t.Timeframe, "error", err)
			continue
		}

		for _, gap := range gaps {
			if maxRepairs > 0 && attempted >= maxRepairs {
				break
			}
			attempted++

			if _, err := s.Repair(ctx, gap); err != nil {
				s.log.Error("gap repair failed", "gap_id", gap.ID, "error", err)
				result.RepairFailures++
				continue
			}
			result.GapsRepaired++
		}
	}

	return result, nil
}

func jobStatus(st model.JobStatus) *model.JobStatus { return &st }
func intPtr(n int) *int                             { return &n }
