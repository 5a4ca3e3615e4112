package domain

import "time"

// Factors carries the named technical factors attached to a candidate signal.
// Optional factors are pointers so a structurally missing reading can be told
// apart from a valid zero or low one; the gate's fail-safe logic depends on
// that distinction.
type Factors struct {
	VolumeRatio    *float64 // Current volume relative to trailing average
	RelStrength    *float64 // Performance vs. benchmark, normalized score [0,1]
	VWAPDistance   *float64 // Distance from VWAP, normalized score [0,1]
	ORBVolumeRatio *float64 // Opening-range volume relative to average, score [0,1]
	ORBRangePct    *float64 // Opening-range width as a fraction of range low
	MomentumOsc    *float64 // Momentum oscillator reading, 0..100
}

// Signal is a candidate breakout trade produced by the signal-generation
// collaborator. Immutable once ranked for a session.
type Signal struct {
	Symbol     string
	Price      float64
	Confidence float64 // [0,1]
	Factors    Factors

	// Opening range band established in the early window after the open.
	RangeHigh float64
	RangeLow  float64

	Timestamp time.Time

	// Derived by the ranker.
	Rank          int
	PriorityScore float64
}

// Float64Ptr returns a pointer to v. Convenience for building Factors.
func Float64Ptr(v float64) *float64 { return &v }
