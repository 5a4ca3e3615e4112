package domain

import (
	"fmt"
	"time"
)

// ProtectionTier names the fixed ordered set of entry protection levels,
// keyed by realized opening-range volatility at entry.
type ProtectionTier string

const (
	TierWide     ProtectionTier = "wide"     // volatility >= 9%
	TierBroad    ProtectionTier = "broad"    // volatility >= 6%
	TierStandard ProtectionTier = "standard" // volatility >= 4%
	TierNarrow   ProtectionTier = "narrow"   // volatility >= 2%
	TierTight    ProtectionTier = "tight"    // volatility < 2%
)

// Position represents a single open intraday position. Once opened it is
// mutated exclusively by the exit engine, every monitoring tick, until it is
// closed exactly once.
type Position struct {
	ID         int64
	Symbol     string
	EntryPrice float64
	Quantity   int64 // Whole shares only
	EntryTime  time.Time

	// FloorStop is set once at entry from the protection tier and never
	// moves. EffectiveStop starts at the floor and may only rise.
	FloorStop     float64
	EffectiveStop float64
	Tier          ProtectionTier

	BreakevenArmed bool
	TrailingArmed  bool

	// Most favorable price observed since entry, and when it was seen.
	PeakPrice float64
	PeakTime  time.Time

	Status PositionStatus

	// Set on close.
	ExitPrice  float64
	ExitTime   time.Time
	ExitReason ExitReason

	// Momentum-exhaustion bookkeeping: first tick at which the exhaustion
	// condition held, zero when the condition is not currently sustained.
	ExhaustionSince time.Time
}

// IsOpen reports whether the position is still open.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen
}

// Value returns the current dollar value of the position at price.
func (p *Position) Value(price float64) float64 {
	return price * float64(p.Quantity)
}

// PnL returns the unrealized profit in dollars at price.
func (p *Position) PnL(price float64) float64 {
	return (price - p.EntryPrice) * float64(p.Quantity)
}

// PnLPercent returns the unrealized profit as a fraction of the entry price.
func (p *Position) PnLPercent(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice
}

// ObservePrice records a new price, updating the peak if it improves.
func (p *Position) ObservePrice(price float64, at time.Time) {
	if price > p.PeakPrice {
		p.PeakPrice = price
		p.PeakTime = at
	}
}

// RaiseStop is the only mutator of the effective stop. It enforces the two
// stop invariants: the effective stop never decreases, and never drops below
// the permanent floor set at entry.
func (p *Position) RaiseStop(stop float64) error {
	if stop < p.FloorStop {
		return fmt.Errorf("stop %.4f below permanent floor %.4f for %s", stop, p.FloorStop, p.Symbol)
	}
	if stop > p.EffectiveStop {
		p.EffectiveStop = stop
	}
	return nil
}

// Close marks the position closed. Closing twice is an error; the caller owns
// the single-transition guarantee.
func (p *Position) Close(price float64, at time.Time, reason ExitReason) error {
	if p.Status == StatusClosed {
		return fmt.Errorf("position %d (%s) already closed", p.ID, p.Symbol)
	}
	p.Status = StatusClosed
	p.ExitPrice = price
	p.ExitTime = at
	p.ExitReason = reason
	return nil
}

// ClosedTrade builds the immutable closed-trade record from a closed position.
func (p *Position) ClosedTrade() *ClosedTrade {
	return &ClosedTrade{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   p.ExitPrice,
		Quantity:    p.Quantity,
		PNL:         (p.ExitPrice - p.EntryPrice) * float64(p.Quantity),
		PNLPercent:  p.PnLPercent(p.ExitPrice),
		EntryTime:   p.EntryTime,
		ExitTime:    p.ExitTime,
		Reason:      p.ExitReason,
		HoldingTime: p.ExitTime.Sub(p.EntryTime),
	}
}
