// Command ingestd is the ingestion daemon: it backfills historical
// candles, streams realtime updates, repairs detected gaps, enforces
// retention, and exposes a read-only HTTP query API plus Prometheus
// metrics and a health endpoint.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketdata/ingestd/config"
	"github.com/marketdata/ingestd/internal/api"
	"github.com/marketdata/ingestd/internal/daemon"
	"github.com/marketdata/ingestd/internal/exchange/bitfinex"
	"github.com/marketdata/ingestd/internal/ingest/backfill"
	"github.com/marketdata/ingestd/internal/ingest/wsstream"
	"github.com/marketdata/ingestd/internal/logger"
	"github.com/marketdata/ingestd/internal/metrics"
	"github.com/marketdata/ingestd/internal/ratelimit"
	"github.com/marketdata/ingestd/internal/store/postgres"
)

func main() {
	cfg := config.Load()

	appLog := logger.Init("ingestd", cfg.LogLevel)
	appLog.Info("ingestd starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	st, err := postgres.New(ctx, postgres.Config{
		DatabaseURL: cfg.DatabaseURL,
		PoolSize:    cfg.PoolSize,
		MaxOverflow: cfg.MaxOverflow,
	})
	if err != nil {
		appLog.Error("store init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	appLog.Info("postgres store ready")

	prom := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	health.StartLivenessChecker(ctx, st, 10*time.Second)

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health)
	metricsSrv.Start()
	defer metricsSrv.Stop(context.Background())

	limiter := ratelimit.New(ratelimit.Config{
		RequestDelay:   cfg.RequestDelay,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MinBackoff:     cfg.MinBackoff,
	})

	fetcher := bitfinex.New(bitfinex.Config{
		MaxRetries: cfg.MaxRetries,
	}, limiter, prom, appLog)

	symbols := cfg.ParseSymbols()
	timeframes := cfg.ParseTimeframes()

	targets := make([]backfill.Target, 0, len(symbols)*len(timeframes))
	for _, sym := range symbols {
		for _, tf := range timeframes {
			targets = append(targets, backfill.Target{Symbol: sym, Timeframe: tf})
		}
	}
	appLog.Info("ingestion universe configured", "symbols", symbols, "timeframes", timeframes, "targets", len(targets))

	streamerFactory := func() wsstream.Streamer {
		return bitfinex.NewWS(bitfinex.WSConfig{
			ReconnectInitialBackoff: cfg.WSReconnectInitialBackoff,
			ReconnectMaxBackoff:     cfg.WSReconnectMaxBackoff,
		}, appLog)
	}

	sup := daemon.New(
		daemon.Config{
			BackfillOnStartup: cfg.BackfillOnStartup,
			BackfillDays:      cfg.BackfillDays,

			WSIngestionEnabled: cfg.WSIngestionEnabled,
			WSCatchupLookback:  time.Duration(cfg.WSCatchupLookbackMinutes) * time.Minute,
			WSSaveBatchSize:    cfg.WSSaveBatchSize,
			WSSaveFlushDelay:   cfg.WSSaveFlushSeconds,

			RestUpdateEnabled: cfg.RestUpdateEnabled,
			UpdateInterval:    cfg.UpdateInterval,

			GapCheckInterval:          cfg.GapCheckInterval,
			GapRepairMaxRepairsPerRun: cfg.GapRepairMaxRepairsPerRun,

			CleanupInterval: 24 * time.Hour,
			RetentionDays:   cfg.ParseRetentionDays(),
		},
		st,
		fetcher,
		streamerFactory,
		cfg.MaxSubscriptionsPerConnection,
		targets,
		prom,
		health,
		appLog,
	)

	apiSrv := &http.Server{
		Addr:    cfg.APIAddr,
		Handler: api.NewRouter(st),
	}
	go func() {
		appLog.Info("api server listening", "addr", cfg.APIAddr)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLog.Error("api server error", "error", err)
		}
	}()

	supDone := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(supDone)
	}()

	<-sigCh
	appLog.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("api server shutdown error", "error", err)
	}

	// The supervisor only returns once every ingestion task has exited,
	// including the persister's final drain and flush.
	<-supDone

	appLog.Info("ingestd shutdown complete")
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
