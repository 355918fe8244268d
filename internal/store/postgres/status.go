package postgres

import (
	"context"
	"fmt"

	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/store"
)

// StatusSummary returns per-(exchange,symbol,timeframe) candle counts
// and time bounds, used by the read-only status API.
func (s *Store) StatusSummary(ctx context.Context) ([]store.SymbolStatus, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT exchange, symbol, timeframe, COUNT(*), MIN(open_time), MAX(open_time)
		FROM candles
		GROUP BY exchange, symbol, timeframe
		ORDER BY exchange, symbol, timeframe
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: status summary: %w", err)
	}
	defer rows.Close()

	var out []store.SymbolStatus
	for rows.Next() {
		var st store.SymbolStatus
		var tf string
		if err := rows.Scan(&st.Exchange, &st.Symbol, &tf, &st.CandleCount, &st.OldestOpen, &st.NewestOpen); err != nil {
			return nil, fmt.Errorf("postgres: scan status: %w", err)
		}
		st.Timeframe = model.Timeframe(tf)
		out = append(out, st)
	}
	return out, rows.Err()
}
