// cmd/backfillctl runs a single manual backfill for one symbol and
// timeframe, outside the daemon's own startup backfill — useful for
// topping up a new symbol or re-running a window by hand.
//
// Usage:
//
//	go run ./cmd/backfillctl --symbol=BTCUSD --tf=1d --days=365
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marketdata/ingestd/config"
	"github.com/marketdata/ingestd/internal/exchange/bitfinex"
	"github.com/marketdata/ingestd/internal/ingest/backfill"
	"github.com/marketdata/ingestd/internal/logger"
	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/ratelimit"
	"github.com/marketdata/ingestd/internal/store/postgres"
)

func main() {
	symbol := flag.String("symbol", "BTCUSD", "symbol to backfill, e.g. BTCUSD")
	tfStr := flag.String("tf", "1d", "timeframe to backfill, e.g. 1m, 5m, 1h, 1d")
	days := flag.Int("days", 365, "lookback window in days")
	listSymbols := flag.Bool("list-symbols", false, "list every symbol Bitfinex exposes publicly and exit")
	flag.Parse()

	appLog := logger.Init("backfillctl", "info")

	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	limiter := ratelimit.New(ratelimit.Config{
		RequestDelay:   cfg.RequestDelay,
		InitialBackoff: cfg.InitialBackoff,
		MaxBackoff:     cfg.MaxBackoff,
		MinBackoff:     cfg.MinBackoff,
	})
	fetcher := bitfinex.New(bitfinex.Config{MaxRetries: cfg.MaxRetries}, limiter, nil, appLog)

	if *listSymbols {
		symbols, err := fetcher.ListSymbols(ctx)
		if err != nil {
			log.Fatalf("[backfillctl] list symbols failed: %v", err)
		}
		for _, s := range symbols {
			appLog.Info("symbol", "pair", s)
		}
		return
	}

	tf, err := model.ParseTimeframe(*tfStr)
	if err != nil {
		log.Fatalf("[backfillctl] %v", err)
	}

	st, err := postgres.New(ctx, postgres.Config{
		DatabaseURL: cfg.DatabaseURL,
		PoolSize:    cfg.PoolSize,
		MaxOverflow: cfg.MaxOverflow,
	})
	if err != nil {
		log.Fatalf("[backfillctl] store init failed: %v", err)
	}
	defer st.Close()

	svc := backfill.New(fetcher, st, *days, nil, appLog)

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -*days)

	appLog.Info("backfilling", "symbol", *symbol, "timeframe", tf, "start", start, "end", end)
	count, err := svc.BackfillSymbol(ctx, backfill.Target{Symbol: *symbol, Timeframe: tf}, start, end)
	if err != nil {
		log.Fatalf("[backfillctl] backfill failed: %v", err)
	}
	appLog.Info("backfill complete", "symbol", *symbol, "timeframe", tf, "saved", count)
}
