package daemon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/marketdata/ingestd/internal/metrics"
	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/store"
)

const (
	defaultBatchSize  = 200
	defaultFlushDelay = 2 * time.Second
	defaultQueueDepth = 10000

	// dropLogEvery throttles the drop warning to once per this many
	// drops, so a sustained queue-full period doesn't flood the log.
	dropLogEvery = 1000
)

// persister batches realtime candle updates off the WS hot path and
// flushes them to the store every batchSize candles or flushDelay,
// whichever comes first, writing each batch with one
// store.Gateway.UpsertCandles call.
type persister struct {
	gateway   store.Gateway
	metrics   *metrics.Metrics
	log       *slog.Logger
	batchSize int
	flushDelay time.Duration

	in      chan model.Candle
	dropped uint64
}

// persisterConfig overrides the batch size and flush interval; zero
// values fall back to the package defaults.
type persisterConfig struct {
	BatchSize  int
	FlushDelay time.Duration
}

func newPersister(gateway store.Gateway, m *metrics.Metrics, log *slog.Logger, cfg persisterConfig) *persister {
	if log == nil {
		log = slog.Default()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	flushDelay := cfg.FlushDelay
	if flushDelay <= 0 {
		flushDelay = defaultFlushDelay
	}
	return &persister{
		gateway:    gateway,
		metrics:    m,
		log:        log,
		batchSize:  batchSize,
		flushDelay: flushDelay,
		in:         make(chan model.Candle, defaultQueueDepth),
	}
}

// Submit enqueues a candle for async persistence, dropping it if the
// queue is full rather than blocking the WS read loop.
func (p *persister) Submit(c model.Candle) {
	select {
	case p.in <- c:
	default:
		if p.metrics != nil {
			p.metrics.PersisterDroppedTotal.Inc()
		}
		n := atomic.AddUint64(&p.dropped, 1)
		if n%dropLogEvery == 0 {
			p.log.Warn("persister queue full, dropping candles", "total_dropped", n)
		}
	}
}

// Run drains the input queue until ctx is cancelled, flushing on batch
// size or timer.
func (p *persister) Run(ctx context.Context) {
	batch := make([]model.Candle, 0, p.batchSize)
	timer := time.NewTimer(p.flushDelay)
	defer timer.Stop()

	flush := func(flushCtx context.Context) {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		saved, err := p.gateway.UpsertCandles(flushCtx, batch)
		if err != nil {
			p.log.Error("persister: batch upsert failed", "error", err, "batch_size", len(batch))
		} else if p.metrics != nil {
			for _, c := range batch {
				p.metrics.CandlesUpsertedTotal.WithLabelValues(c.Symbol, string(c.Timeframe)).Inc()
			}
			p.metrics.BatchFlushSeconds.Observe(time.Since(start).Seconds())
			_ = saved
		}
		batch = batch[:0]
	}

	for {
		if p.metrics != nil {
			p.metrics.PersisterQueueDepth.Set(float64(len(p.in)))
		}

		select {
		case <-ctx.Done():
			// Drain whatever is already queued before the final flush;
			// ctx is cancelled so the flush itself uses a fresh
			// context rather than one that's already done.
			for {
				select {
				case c := <-p.in:
					batch = append(batch, c)
				default:
					flush(context.Background())
					return
				}
			}

		case c := <-p.in:
			batch = append(batch, c)
			if len(batch) >= p.batchSize {
				flush(ctx)
				if !timer.Stop() {
					<-timer.C
				}
				timer.Reset(p.flushDelay)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(p.flushDelay)
		}
	}
}
