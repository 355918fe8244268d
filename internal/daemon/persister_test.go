package daemon

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/store"
)

type recordingGateway struct {
	mu      sync.Mutex
	batches [][]model.Candle
}

func (g *recordingGateway) UpsertCandles(_ context.Context, candles []model.Candle) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := make([]model.Candle, len(candles))
	copy(cp, candles)
	g.batches = append(g.batches, cp)
	return len(candles), nil
}
func (g *recordingGateway) GetCandles(context.Context, store.RangeQuery) ([]model.Candle, error) {
	return nil, nil
}
func (g *recordingGateway) LatestOpenTime(context.Context, model.Key) (time.Time, error) {
	return time.Time{}, nil
}
func (g *recordingGateway) Count(context.Context, model.Key) (int64, error) { return 0, nil }
func (g *recordingGateway) SaveGap(context.Context, model.Gap) (int64, error) {
	return 0, nil
}
func (g *recordingGateway) UnrepairedGaps(context.Context, store.GapFilter) ([]model.Gap, error) {
	return nil, nil
}
func (g *recordingGateway) MarkGapRepaired(context.Context, int64) error { return nil }
func (g *recordingGateway) CreateJob(context.Context, model.IngestionJob) (int64, error) {
	return 0, nil
}
func (g *recordingGateway) UpdateJob(context.Context, int64, store.JobUpdate) error { return nil }
func (g *recordingGateway) RecentJobs(context.Context, int) ([]model.IngestionJob, error) {
	return nil, nil
}
func (g *recordingGateway) StatusSummary(context.Context) ([]store.SymbolStatus, error) {
	return nil, nil
}
func (g *recordingGateway) CleanupRetention(context.Context, map[model.Timeframe]int) (map[model.Timeframe]int64, error) {
	return nil, nil
}
func (g *recordingGateway) Close() {}

func (g *recordingGateway) totalCandles() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	var n int
	for _, b := range g.batches {
		n += len(b)
	}
	return n
}

func TestPersisterFlushesOnTimerWhenBelowBatchSize(t *testing.T) {
	gw := &recordingGateway{}
	p := newPersister(gw, nil, nil, persisterConfig{FlushDelay: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Submit(model.Candle{Symbol: "BTCUSD", Timeframe: model.TF1m})
	p.Submit(model.Candle{Symbol: "ETHUSD", Timeframe: model.TF1m})

	require.Eventually(t, func() bool { return gw.totalCandles() == 2 }, time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestPersisterDropsWhenQueueFull(t *testing.T) {
	gw := &recordingGateway{}
	p := newPersister(gw, nil, nil, persisterConfig{})
	p.in = make(chan model.Candle, 1) // force a tiny queue to exercise the drop path

	p.in <- model.Candle{Symbol: "FULL"}
	assert.NotPanics(t, func() {
		p.Submit(model.Candle{Symbol: "DROPPED"})
	})
	assert.Equal(t, uint64(1), p.dropped, "the candle submitted to a full queue must be counted as dropped")
	assert.Equal(t, "FULL", (<-p.in).Symbol, "the queued candle must be the one that was already there")
}

func TestPersisterFlushesOnShutdown(t *testing.T) {
	gw := &recordingGateway{}
	p := newPersister(gw, nil, nil, persisterConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Submit(model.Candle{Symbol: "BTCUSD", Timeframe: model.TF1m})
	cancel()
	<-done

	assert.Equal(t, 1, gw.totalCandles())
}
