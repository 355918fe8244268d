package backfill

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/store"
)

type fakeFetcher struct {
	rangeCandles  []model.Candle
	latestCandles []model.Candle
	rangeErr      error

	lastStart time.Time
	lastEnd   time.Time
}

func (f *fakeFetcher) FetchRange(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.Candle, error) {
	f.lastStart, f.lastEnd = start, end
	if f.rangeErr != nil {
		return nil, f.rangeErr
	}
	return f.rangeCandles, nil
}

func (f *fakeFetcher) FetchLatest(ctx context.Context, symbol string, tf model.Timeframe, n int) ([]model.Candle, error) {
	return f.latestCandles, nil
}

func (f *fakeFetcher) ListSymbols(ctx context.Context) ([]string, error) { return nil, nil }

type fakeGateway struct {
	mu      sync.Mutex
	candles []model.Candle
	jobs    []model.IngestionJob
	latest  map[model.Key]time.Time
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{latest: map[model.Key]time.Time{}}
}

func (g *fakeGateway) UpsertCandles(ctx context.Context, candles []model.Candle) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.candles = append(g.candles, candles...)
	return len(candles), nil
}
func (g *fakeGateway) GetCandles(ctx context.Context, q store.RangeQuery) ([]model.Candle, error) {
	return g.candles, nil
}
func (g *fakeGateway) LatestOpenTime(ctx context.Context, key model.Key) (time.Time, error) {
	return g.latest[key], nil
}
func (g *fakeGateway) Count(ctx context.Context, key model.Key) (int64, error) {
	return int64(len(g.candles)), nil
}
func (g *fakeGateway) SaveGap(ctx context.Context, gap model.Gap) (int64, error) { return 1, nil }
func (g *fakeGateway) UnrepairedGaps(ctx context.Context, f store.GapFilter) ([]model.Gap, error) {
	return nil, nil
}
func (g *fakeGateway) MarkGapRepaired(ctx context.Context, id int64) error { return nil }
func (g *fakeGateway) CreateJob(ctx context.Context, job model.IngestionJob) (int64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	job.ID = int64(len(g.jobs)) + 1
	g.jobs = append(g.jobs, job)
	return job.ID, nil
}
func (g *fakeGateway) UpdateJob(ctx context.Context, id int64, u store.JobUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := range g.jobs {
		if g.jobs[i].ID == id {
			if u.Status != nil {
				g.jobs[i].Status = *u.Status
			}
			if u.CandlesFetched != nil {
				g.jobs[i].CandlesFetched = *u.CandlesFetched
			}
			if u.LastError != nil {
				g.jobs[i].LastError = *u.LastError
			}
		}
	}
	return nil
}
func (g *fakeGateway) RecentJobs(ctx context.Context, n int) ([]model.IngestionJob, error) {
	return g.jobs, nil
}
func (g *fakeGateway) StatusSummary(ctx context.Context) ([]store.SymbolStatus, error) {
	return nil, nil
}
func (g *fakeGateway) CleanupRetention(ctx context.Context, days map[model.Timeframe]int) (map[model.Timeframe]int64, error) {
	return nil, nil
}
func (g *fakeGateway) Close() {}

func mkCandle(symbol string, open time.Time) model.Candle {
	return model.Candle{
		Exchange:  "bitfinex",
		Symbol:    symbol,
		Timeframe: model.TF1h,
		OpenTime:  open,
		CloseTime: open.Add(time.Hour),
		Open:      decimal.NewFromInt(100),
		High:      decimal.NewFromInt(101),
		Low:       decimal.NewFromInt(99),
		Close:     decimal.NewFromInt(100),
		Volume:    decimal.NewFromInt(1),
	}
}

func TestBackfillSymbolResumesFromLatestStored(t *testing.T) {
	gw := newFakeGateway()
	latestStored := time.Now().UTC().Add(-2 * time.Hour)
	gw.latest[model.Key{Exchange: "bitfinex", Symbol: "BTCUSD", Timeframe: model.TF1h}] = latestStored

	fetcher := &fakeFetcher{rangeCandles: []model.Candle{mkCandle("BTCUSD", latestStored)}}
	svc := New(fetcher, gw, 30, nil, nil)

	saved, err := svc.BackfillSymbol(context.Background(), Target{Symbol: "BTCUSD", Timeframe: model.TF1h}, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, saved)
	assert.Equal(t, latestStored, fetcher.lastStart, "fetch must resume from the stored latest, not the default lookback window")
	require.Len(t, gw.jobs, 1)
	assert.Equal(t, model.JobSuccess, gw.jobs[0].Status)
}

func TestBackfillSymbolFallsBackToDefaultWindowWhenNothingStored(t *testing.T) {
	gw := newFakeGateway()
	fetcher := &fakeFetcher{rangeCandles: []model.Candle{mkCandle("ETHUSD", time.Now().UTC())}}
	svc := New(fetcher, gw, 30, nil, nil)

	_, err := svc.BackfillSymbol(context.Background(), Target{Symbol: "ETHUSD", Timeframe: model.TF1h}, time.Time{}, time.Time{})
	require.NoError(t, err)
}

func TestBackfillSymbolMarksJobFailedOnFetchError(t *testing.T) {
	gw := newFakeGateway()
	fetcher := &fakeFetcher{rangeErr: errors.New("upstream exploded")}
	svc := New(fetcher, gw, 30, nil, nil)

	_, err := svc.BackfillSymbol(context.Background(), Target{Symbol: "BTCUSD", Timeframe: model.TF1h}, time.Time{}, time.Time{})
	require.Error(t, err)
	require.Len(t, gw.jobs, 1)
	assert.Equal(t, model.JobFailed, gw.jobs[0].Status)
	assert.Equal(t, "upstream exploded", gw.jobs[0].LastError)
}

func TestBackfillAllContinuesPastIndividualFailures(t *testing.T) {
	gw := newFakeGateway()
	fetcher := &fakeFetcher{rangeErr: errors.New("boom")}
	svc := New(fetcher, gw, 30, nil, nil)

	targets := []Target{{Symbol: "BTCUSD", Timeframe: model.TF1h}, {Symbol: "ETHUSD", Timeframe: model.TF1h}}
	results := svc.BackfillAll(context.Background(), targets, 7)

	assert.Equal(t, -1, results[targets[0]])
	assert.Equal(t, -1, results[targets[1]])
}

func TestCatchupRecentUpsertsRecentRange(t *testing.T) {
	gw := newFakeGateway()
	fetcher := &fakeFetcher{rangeCandles: []model.Candle{mkCandle("BTCUSD", time.Now().UTC())}}
	svc := New(fetcher, gw, 30, nil, nil)

	results := svc.CatchupRecent(context.Background(), []Target{{Symbol: "BTCUSD", Timeframe: model.TF1h}}, 10*time.Minute)
	assert.Equal(t, 1, results[Target{Symbol: "BTCUSD", Timeframe: model.TF1h}])
}

func TestUpdateLatestUpsertsLatestCandles(t *testing.T) {
	gw := newFakeGateway()
	fetcher := &fakeFetcher{latestCandles: []model.Candle{mkCandle("BTCUSD", time.Now().UTC())}}
	svc := New(fetcher, gw, 30, nil, nil)

	results := svc.UpdateLatest(context.Background(), []Target{{Symbol: "BTCUSD", Timeframe: model.TF1h}}, 10)
	assert.Equal(t, 1, results[Target{Symbol: "BTCUSD", Timeframe: model.TF1h}])
}
