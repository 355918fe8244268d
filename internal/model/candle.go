// Package model holds the canonical data types shared by every ingestion
// subsystem: candles, timeframes, gaps and ingestion job records.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is an immutable OHLCV bar for one (exchange, symbol, timeframe,
// open_time) identity. Once stored it is only ever overwritten by an
// upsert carrying the same identity key — never deleted except by
// retention cleanup.
type Candle struct {
	Exchange   string
	Symbol     string
	Timeframe  Timeframe
	OpenTime   time.Time // UTC, aligned to the timeframe boundary
	CloseTime  time.Time // OpenTime + Delta(Timeframe)
	Open       decimal.Decimal
	High       decimal.Decimal
	Low        decimal.Decimal
	Close      decimal.Decimal
	Volume     decimal.Decimal // always non-negative
}

// Key identifies a candle series (exchange, symbol, timeframe). It does
// not include OpenTime, so it names the series a candle belongs to, not
// the candle itself.
type Key struct {
	Exchange  string
	Symbol    string
	Timeframe Timeframe
}

// Key returns the series key used for per-series lookups (latest open
// time, counts). Upserts are keyed on this plus OpenTime.
func (c *Candle) Key() Key {
	return Key{Exchange: c.Exchange, Symbol: c.Symbol, Timeframe: c.Timeframe}
}

// Valid reports whether the candle satisfies the OHLC invariants:
// low <= min(open,close) <= max(open,close) <= high, open_time < close_time,
// volume >= 0.
func (c *Candle) Valid() bool {
	if !c.OpenTime.Before(c.CloseTime) {
		return false
	}
	if c.Volume.IsNegative() {
		return false
	}
	lo := decimal.Min(c.Open, c.Close)
	hi := decimal.Max(c.Open, c.Close)
	if c.Low.GreaterThan(lo) {
		return false
	}
	if c.High.LessThan(hi) {
		return false
	}
	return true
}
