package domain

import "time"

// PortfolioHealthSample is a periodic aggregate over all open positions,
// computed from a consistent snapshot at the start of a coarse tick. Used
// only to decide emergency and warning actions; not persisted.
type PortfolioHealthSample struct {
	TakenAt   time.Time
	OpenCount int

	WinRate        float64 // Fraction of open positions currently profitable
	AvgPnLPercent  float64 // Mean unrealized P&L percent
	MomentumRatio  float64 // Fraction of positions with supportive momentum
	PeakCapture    float64 // Mean ratio of current gain to peak gain
	LosingFraction float64 // Fraction of open positions currently losing
	LosingAll      bool    // Every open position currently losing
}

// PortfolioAction is the decision derived from a health sample.
type PortfolioAction string

const (
	PortfolioNoAction  PortfolioAction = "NONE"
	PortfolioWarning   PortfolioAction = "WARNING"   // Exactly two red flags
	PortfolioEmergency PortfolioAction = "EMERGENCY" // Three or more red flags
)
