package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/store"
)

// UpsertCandles inserts or overwrites candles keyed on
// (exchange, symbol, timeframe, open_time). On conflict every non-key
// column is overwritten with the new value, since upstream may re-emit
// a still-open bar with a revised close/volume. Empty input is a no-op.
func (s *Store) UpsertCandles(ctx context.Context, candles []model.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	const q = `
		INSERT INTO candles (exchange, symbol, timeframe, open_time, close_time, open, high, low, close, volume)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (exchange, symbol, timeframe, open_time) DO UPDATE SET
			close_time = EXCLUDED.close_time,
			open       = EXCLUDED.open,
			high       = EXCLUDED.high,
			low        = EXCLUDED.low,
			close      = EXCLUDED.close,
			volume     = EXCLUDED.volume
	`
	for _, c := range candles {
		batch.Queue(q, c.Exchange, c.Symbol, string(c.Timeframe), c.OpenTime.UTC(), c.CloseTime.UTC(),
			c.Open, c.High, c.Low, c.Close, c.Volume)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range candles {
		if _, err := br.Exec(); err != nil {
			return 0, fmt.Errorf("postgres: upsert candle: %w", err)
		}
	}
	return len(candles), nil
}

// GetCandles returns candles in the query's half-open [Start,End) range,
// ordered chronologically according to q.Order and capped at q.Limit
// after ordering.
func (s *Store) GetCandles(ctx context.Context, q store.RangeQuery) ([]model.Candle, error) {
	order := "ASC"
	if q.Order == store.Descending {
		order = "DESC"
	}

	sql := fmt.Sprintf(`
		SELECT exchange, symbol, timeframe, open_time, close_time, open, high, low, close, volume
		FROM candles
		WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
		  AND ($4::timestamptz IS NULL OR open_time >= $4)
		  AND ($5::timestamptz IS NULL OR open_time < $5)
		ORDER BY open_time %s
	`, order)

	args := []any{q.Exchange, q.Symbol, string(q.Timeframe), nullableTime(q.Start), nullableTime(q.End)}
	if q.Limit > 0 {
		sql += " LIMIT $6"
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query candles: %w", err)
	}
	defer rows.Close()

	var out []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan candle: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanCandle(rows pgx.Rows) (model.Candle, error) {
	var c model.Candle
	var tf string
	err := rows.Scan(&c.Exchange, &c.Symbol, &tf, &c.OpenTime, &c.CloseTime,
		&c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	c.Timeframe = model.Timeframe(tf)
	return c, err
}

// LatestOpenTime returns the most recent stored candle's open time for
// the given key, or the zero time if none exists.
func (s *Store) LatestOpenTime(ctx context.Context, key model.Key) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT MAX(open_time) FROM candles WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
	`, key.Exchange, key.Symbol, string(key.Timeframe)).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: latest open time: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// Count returns the number of stored candles for the given key.
func (s *Store) Count(ctx context.Context, key model.Key) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM candles WHERE exchange = $1 AND symbol = $2 AND timeframe = $3
	`, key.Exchange, key.Symbol, string(key.Timeframe)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("postgres: count candles: %w", err)
	}
	return n, nil
}

// CleanupRetention deletes candles older than now - days[timeframe] for
// each timeframe present in days, returning per-timeframe deleted
// counts.
func (s *Store) CleanupRetention(ctx context.Context, days map[model.Timeframe]int) (map[model.Timeframe]int64, error) {
	out := make(map[model.Timeframe]int64, len(days))
	now := time.Now().UTC()

	for tf, d := range days {
		cutoff := now.AddDate(0, 0, -d)
		tag, err := s.pool.Exec(ctx, `
			DELETE FROM candles WHERE timeframe = $1 AND open_time < $2
		`, string(tf), cutoff)
		if err != nil {
			return out, fmt.Errorf("postgres: cleanup retention %s: %w", tf, err)
		}
		out[tf] = tag.RowsAffected()
	}
	return out, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}
