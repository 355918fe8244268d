// Package wsstream shards a symbol/timeframe subscription set across
// multiple WebSocket connections and runs one streamer goroutine per
// shard, keeping each session under the upstream's per-connection
// subscription cap while shards reconnect independently.
package wsstream

import (
	"context"
	"log/slog"
	"strconv"
	"sync"

	"github.com/marketdata/ingestd/internal/exchange"
	"github.com/marketdata/ingestd/internal/model"
)

// Streamer is the capability a shard needs: exchange.Streamer,
// narrowed here so the supervisor only depends on what it uses.
type Streamer interface {
	Stream(ctx context.Context, subs []exchange.Subscription, onCandles func([]model.Candle)) error
}

// StreamerFactory builds one Streamer per shard, so each shard owns an
// independent connection (and independent reconnect/backoff state).
type StreamerFactory func() Streamer

// Supervisor owns the full subscription set, shards it, and supervises
// one goroutine per shard.
type Supervisor struct {
	factory     StreamerFactory
	maxPerShard int
	log         *slog.Logger
	onReconnect func(shard int)
	onCandles   func([]model.Candle)
}

// New constructs a Supervisor. maxPerShard defaults to 25 if non-positive.
func New(factory StreamerFactory, maxPerShard int, onCandles func([]model.Candle), log *slog.Logger) *Supervisor {
	if maxPerShard <= 0 {
		maxPerShard = 25
	}
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{factory: factory, maxPerShard: maxPerShard, onCandles: onCandles, log: log}
}

// OnReconnect registers a hook invoked with the shard index every time
// that shard's connection reconnects. Intended for wiring a Prometheus
// counter.
func (s *Supervisor) OnReconnect(fn func(shard int)) {
	s.onReconnect = fn
}

// shard splits subs into groups of at most maxPerShard.
func shard(subs []exchange.Subscription, maxPerShard int) [][]exchange.Subscription {
	if len(subs) == 0 {
		return nil
	}
	var shards [][]exchange.Subscription
	for i := 0; i < len(subs); i += maxPerShard {
		end := i + maxPerShard
		if end > len(subs) {
			end = len(subs)
		}
		shards = append(shards, subs[i:end])
	}
	return shards
}

// Run shards subs and blocks until ctx is cancelled or every shard's
// Stream call returns. Each shard reconnects independently; one
// shard's failure does not stop the others.
func (s *Supervisor) Run(ctx context.Context, subs []exchange.Subscription) error {
	shards := shard(subs, s.maxPerShard)
	if len(shards) == 0 {
		<-ctx.Done()
		return nil
	}

	s.log.Info("wsstream: starting shards", "shard_count", len(shards), "subscription_count", len(subs))

	var wg sync.WaitGroup
	for i, subset := range shards {
		wg.Add(1)
		go func(idx int, subset []exchange.Subscription) {
			defer wg.Done()
			streamer := s.factory()

			if hook, ok := streamer.(interface{ SetOnReconnect(func()) }); ok {
				hook.SetOnReconnect(func() {
					if s.onReconnect != nil {
						s.onReconnect(idx)
					}
				})
			}

			shardLabel := strconv.Itoa(idx)
			if err := streamer.Stream(ctx, subset, s.onCandles); err != nil {
				s.log.Error("wsstream: shard exited", "shard", shardLabel, "error", err)
			}
		}(i, subset)
	}

	wg.Wait()
	return nil
}
