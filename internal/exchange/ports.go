// Package exchange defines the capability interfaces an upstream market
// data source implements. Bitfinex is the only concrete adapter today
// (package exchange/bitfinex), but callers depend only on these
// interfaces so a second venue can be added without touching the
// ingestion services.
package exchange

import (
	"context"
	"time"

	"github.com/marketdata/ingestd/internal/model"
)

// Fetcher is the REST capability: historical range scans, latest-N
// lookups, and symbol discovery.
type Fetcher interface {
	// FetchRange returns candles in [start, end), oldest first. The
	// implementation paginates internally; callers receive the fully
	// assembled series for the window.
	FetchRange(ctx context.Context, symbol string, tf model.Timeframe, start, end time.Time) ([]model.Candle, error)

	// FetchLatest returns the most recent n candles, oldest first.
	FetchLatest(ctx context.Context, symbol string, tf model.Timeframe, n int) ([]model.Candle, error)

	// ListSymbols returns every tradable symbol the venue exposes.
	ListSymbols(ctx context.Context) ([]string, error)
}

// Streamer is the realtime capability: a long-lived subscription that
// pushes candle updates to a callback until ctx is cancelled.
type Streamer interface {
	// Stream blocks until ctx is cancelled or an unrecoverable error
	// occurs, invoking onCandles for every update received on any of
	// the given subscriptions. Reconnection is handled internally.
	Stream(ctx context.Context, subs []Subscription, onCandles func([]model.Candle)) error
}

// Subscription names one candle series to stream.
type Subscription struct {
	Symbol    string
	Timeframe model.Timeframe
}
