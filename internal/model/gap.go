package model

import "time"

// Gap records a contiguous missing interval detected in a stored series.
// Gaps are never deleted — once repaired, RepairedAt is set and the row
// is kept as an audit trail.
type Gap struct {
	ID         int64
	Exchange   string
	Symbol     string
	Timeframe  Timeframe
	GapStart   time.Time // prior candle's close_time
	GapEnd     time.Time // next candle's open_time
	DetectedAt time.Time
	RepairedAt *time.Time
}

// Repaired reports whether this gap has already been filled.
func (g *Gap) Repaired() bool {
	return g.RepairedAt != nil
}
