package domain

import "time"

// ClosedTrade is the append-only record emitted when a position terminates.
// Never mutated after creation.
type ClosedTrade struct {
	ID          int64
	PositionID  int64
	Symbol      string
	EntryPrice  float64
	ExitPrice   float64
	Quantity    int64
	PNL         float64 // Realized profit/loss in dollars
	PNLPercent  float64 // Realized profit/loss as a fraction of entry
	EntryTime   time.Time
	ExitTime    time.Time
	Reason      ExitReason
	HoldingTime time.Duration
}
