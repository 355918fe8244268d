// Package daemon wires the ingestion subsystems — backfill, gap
// repair, realtime streaming, and retention cleanup — into one
// long-running process: a startup backfill plus concurrent
// gap-repair, update, and cleanup loops, all joined by a shared
// cancellation context.
package daemon

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/marketdata/ingestd/internal/exchange"
	"github.com/marketdata/ingestd/internal/ingest/backfill"
	"github.com/marketdata/ingestd/internal/ingest/gaprepair"
	"github.com/marketdata/ingestd/internal/ingest/wsstream"
	"github.com/marketdata/ingestd/internal/metrics"
	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/store"
)

// Config configures the daemon's background cadences. Zero values
// fall back to the defaults below.
type Config struct {
	BackfillOnStartup bool
	BackfillDays      int

	WSIngestionEnabled bool
	WSCatchupLookback  time.Duration
	WSSaveBatchSize    int
	WSSaveFlushDelay   time.Duration

	RestUpdateEnabled bool
	UpdateInterval    time.Duration

	GapCheckInterval          time.Duration
	GapRepairMaxRepairsPerRun int

	CleanupInterval time.Duration
	RetentionDays   map[model.Timeframe]int
}

func (c Config) withDefaults() Config {
	if c.GapCheckInterval == 0 {
		c.GapCheckInterval = time.Hour
	}
	if c.WSCatchupLookback == 0 {
		c.WSCatchupLookback = 15 * time.Minute
	}
	if c.UpdateInterval == 0 {
		c.UpdateInterval = time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	return c
}

// Supervisor owns the full set of background ingestion loops: initial
// backfill, periodic gap repair, periodic catch-up fetches, retention
// cleanup, and the realtime WebSocket stream.
type Supervisor struct {
	cfg Config

	gateway  store.Gateway
	backfill *backfill.Service
	gaps     *gaprepair.Service
	wsSup    *wsstream.Supervisor
	persist  *persister
	health   *metrics.HealthStatus

	targets []backfill.Target
	log     *slog.Logger
}

// New constructs a Supervisor. streamerFactory builds one realtime
// streamer per WebSocket shard; maxSubsPerShard caps subscriptions per
// connection per the upstream's limit. health may be nil; when set, it
// is kept current with WS connectivity and last-candle-seen so /healthz
// reflects the realtime feed's actual state rather than just the store.
func New(
	cfg Config,
	gateway store.Gateway,
	fetcher exchange.Fetcher,
	streamerFactory wsstream.StreamerFactory,
	maxSubsPerShard int,
	targets []backfill.Target,
	m *metrics.Metrics,
	health *metrics.HealthStatus,
	log *slog.Logger,
) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	cfg = cfg.withDefaults()

	p := newPersister(gateway, m, log, persisterConfig{BatchSize: cfg.WSSaveBatchSize, FlushDelay: cfg.WSSaveFlushDelay})
	wsSup := wsstream.New(streamerFactory, maxSubsPerShard, func(candles []model.Candle) {
		for _, c := range candles {
			p.Submit(c)
		}
		if m != nil {
			for _, c := range candles {
				m.WSMessagesTotal.WithLabelValues(c.Symbol, string(c.Timeframe)).Inc()
			}
		}
		if health != nil && len(candles) > 0 {
			health.SetWSConnected(true)
			health.SetLastCandleAt(time.Now())
		}
	}, log)
	wsSup.OnReconnect(func(shard int) {
		if m != nil {
			m.WSReconnectsTotal.WithLabelValues(shardLabel(shard)).Inc()
		}
		// A shard just dropped and is backing off; treat the feed as
		// disconnected until a candle flows again. With multiple shards
		// this under-reports health during a partial outage, but a
		// single unhealthy shard is reason enough to page.
		if health != nil {
			health.SetWSConnected(false)
		}
	})

	return &Supervisor{
		cfg:      cfg,
		gateway:  gateway,
		backfill: backfill.New(fetcher, gateway, cfg.BackfillDays, m, log),
		gaps:     gaprepair.New(fetcher, gateway, m, log),
		wsSup:    wsSup,
		persist:  p,
		health:   health,
		targets:  targets,
		log:      log,
	}
}

func shardLabel(shard int) string {
	return strconv.Itoa(shard)
}

// Run starts the realtime stream first (to stop the bleeding), then
// fires the startup catch-up and the full backfill concurrently, then
// starts all periodic maintenance loops. It blocks until ctx is
// cancelled and every task it launched has returned, so the caller can
// rely on the persister's final drain-and-flush having completed by
// the time Run returns.
func (s *Supervisor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.persist.Run(ctx)
	}()

	if !s.cfg.WSIngestionEnabled && s.health != nil {
		// Nothing will ever mark the feed connected; don't make
		// /healthz report "degraded" forever for a feature that was
		// deliberately turned off.
		s.health.SetWSConnected(true)
	}

	if s.cfg.WSIngestionEnabled {
		subs := make([]exchange.Subscription, 0, len(s.targets))
		for _, t := range s.targets {
			subs = append(subs, exchange.Subscription{Symbol: t.Symbol, Timeframe: t.Timeframe})
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := s.wsSup.Run(ctx, subs); err != nil {
				s.log.Error("daemon: ws supervisor exited", "error", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.log.Info("daemon: startup catch-up", "targets", len(s.targets), "lookback", s.cfg.WSCatchupLookback)
		results := s.backfill.CatchupRecent(ctx, s.targets, s.cfg.WSCatchupLookback)
		s.log.Info("daemon: startup catch-up complete", "candles", sumPositive(results))
	}()

	if s.cfg.BackfillOnStartup {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.log.Info("daemon: starting initial backfill", "targets", len(s.targets))
			results := s.backfill.BackfillAll(ctx, s.targets, s.cfg.BackfillDays)
			s.log.Info("daemon: initial backfill complete", "candles", sumPositive(results))
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runGapRepairLoop(ctx)
	}()
	if s.cfg.RestUpdateEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runUpdateLatestLoop(ctx)
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.runCleanupLoop(ctx)
	}()

	<-ctx.Done()
	s.log.Info("daemon: shutdown signal received")
	wg.Wait()
}

func sumPositive(results map[backfill.Target]int) int {
	var total int
	for _, n := range results {
		if n > 0 {
			total += n
		}
	}
	return total
}

func (s *Supervisor) runGapRepairLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.GapCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := s.gaps.RunMaintenance(ctx, toGapTargets(s.targets), s.cfg.GapRepairMaxRepairsPerRun)
			if err != nil {
				s.log.Error("daemon: gap maintenance failed", "error", err)
				continue
			}
			s.log.Info("daemon: gap maintenance complete",
				"new_gaps", result.NewGapsDetected, "repaired", result.GapsRepaired, "failures", result.RepairFailures)
		}
	}
}

// runUpdateLatestLoop periodically refetches the latest N candles per
// target and upserts them — a REST safety net for when WS ingestion is
// disabled, or a low-frequency supplement alongside it. Disabled by
// default when WS is enabled, to avoid stacking extra request pressure
// onto an already-productive realtime feed.
func (s *Supervisor) runUpdateLatestLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.UpdateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results := s.backfill.UpdateLatest(ctx, s.targets, 10)
			if total := sumPositive(results); total > 0 {
				s.log.Debug("daemon: update_latest complete", "candles", total)
			}
		}
	}
}

// runCleanupLoop enforces retention, with its first run delayed an
// hour after startup so a freshly started daemon doesn't immediately
// compete with the initial backfill for store I/O.
func (s *Supervisor) runCleanupLoop(ctx context.Context) {
	if len(s.cfg.RetentionDays) == 0 {
		return
	}

	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Hour):
	}

	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	s.cleanupOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanupOnce(ctx)
		}
	}
}

func (s *Supervisor) cleanupOnce(ctx context.Context) {
	deleted, err := s.gateway.CleanupRetention(ctx, s.cfg.RetentionDays)
	if err != nil {
		s.log.Error("daemon: retention cleanup failed", "error", err)
		return
	}
	var total int64
	for _, n := range deleted {
		total += n
	}
	s.log.Info("daemon: retention cleanup complete", "deleted", total)
}

func toGapTargets(targets []backfill.Target) []gaprepair.Target {
	out := make([]gaprepair.Target, len(targets))
	for i, t := range targets {
		out[i] = gaprepair.Target{Symbol: t.Symbol, Timeframe: t.Timeframe}
	}
	return out
}
