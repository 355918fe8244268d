package daemon

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdata/ingestd/internal/exchange"
	"github.com/marketdata/ingestd/internal/ingest/backfill"
	"github.com/marketdata/ingestd/internal/ingest/wsstream"
	"github.com/marketdata/ingestd/internal/model"
)

type streamerFunc func(ctx context.Context, subs []exchange.Subscription, onCandles func([]model.Candle)) error

func (f streamerFunc) Stream(ctx context.Context, subs []exchange.Subscription, onCandles func([]model.Candle)) error {
	return f(ctx, subs, onCandles)
}

type noopFetcher struct{}

func (noopFetcher) FetchRange(context.Context, string, model.Timeframe, time.Time, time.Time) ([]model.Candle, error) {
	return nil, nil
}
func (noopFetcher) FetchLatest(context.Context, string, model.Timeframe, int) ([]model.Candle, error) {
	return nil, nil
}
func (noopFetcher) ListSymbols(context.Context) ([]string, error) { return nil, nil }

// Run must not return until the persister has drained and flushed, so
// a candle sitting in the queue at shutdown is in the store by the
// time Run's caller proceeds to exit.
func TestRunFlushesQueuedCandlesBeforeReturning(t *testing.T) {
	gw := &recordingGateway{}

	emitted := make(chan struct{})
	factory := func() wsstream.Streamer {
		return streamerFunc(func(ctx context.Context, subs []exchange.Subscription, onCandles func([]model.Candle)) error {
			onCandles([]model.Candle{{Symbol: "BTCUSD", Timeframe: model.TF1m}})
			close(emitted)
			<-ctx.Done()
			return nil
		})
	}

	sup := New(
		Config{
			WSIngestionEnabled: true,
			// Keep the timer flush out of the picture so only the
			// shutdown drain can write the candle.
			WSSaveFlushDelay: time.Hour,
		},
		gw,
		noopFetcher{},
		factory,
		25,
		[]backfill.Target{{Symbol: "BTCUSD", Timeframe: model.TF1m}},
		nil,
		nil,
		nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	select {
	case <-emitted:
	case <-time.After(time.Second):
		t.Fatal("streamer never emitted")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	require.Equal(t, 1, gw.totalCandles(), "queued candle must be flushed before Run returns")
	assert.Equal(t, "BTCUSD", gw.batches[0][0].Symbol)
}
