package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/marketdata/ingestd/internal/model"
	"github.com/marketdata/ingestd/internal/store"
)

// SaveGap idempotently inserts a gap. The unique constraint on
// (exchange, symbol, timeframe, gap_start, gap_end) means a gap that
// has already been recorded by a prior maintenance pass is silently
// skipped rather than duplicated.
func (s *Store) SaveGap(ctx context.Context, gap model.Gap) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO candle_gaps (exchange, symbol, timeframe, gap_start, gap_end, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (exchange, symbol, timeframe, gap_start, gap_end) DO NOTHING
		RETURNING id
	`, gap.Exchange, gap.Symbol, string(gap.Timeframe), gap.GapStart.UTC(), gap.GapEnd.UTC(), gap.DetectedAt.UTC()).Scan(&id)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: save gap: %w", err)
	}
	return id, nil
}

// UnrepairedGaps returns gaps with no RepairedAt, filtered by f,
// ordered by GapStart ascending.
func (s *Store) UnrepairedGaps(ctx context.Context, f store.GapFilter) ([]model.Gap, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, exchange, symbol, timeframe, gap_start, gap_end, detected_at, repaired_at
		FROM candle_gaps
		WHERE repaired_at IS NULL
		  AND ($1 = '' OR exchange = $1)
		  AND ($2 = '' OR symbol = $2)
		  AND ($3 = '' OR timeframe = $3)
		ORDER BY gap_start ASC
	`, f.Exchange, f.Symbol, string(f.Timeframe))
	if err != nil {
		return nil, fmt.Errorf("postgres: unrepaired gaps: %w", err)
	}
	defer rows.Close()

	var out []model.Gap
	for rows.Next() {
		var g model.Gap
		var tf string
		if err := rows.Scan(&g.ID, &g.Exchange, &g.Symbol, &tf, &g.GapStart, &g.GapEnd, &g.DetectedAt, &g.RepairedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan gap: %w", err)
		}
		g.Timeframe = model.Timeframe(tf)
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkGapRepaired sets RepairedAt to now for the given gap ID.
func (s *Store) MarkGapRepaired(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE candle_gaps SET repaired_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("postgres: mark gap repaired: %w", err)
	}
	return nil
}
