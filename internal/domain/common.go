package domain

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionStatus represents the status of a trading position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// ExitReason indicates which exit rule closed a position.
type ExitReason string

const (
	ExitStopLoss           ExitReason = "STOP_LOSS"           // Price at or below the effective stop
	ExitFlashCrash         ExitReason = "FLASH_CRASH"         // Sharp drop from the peak within a short window
	ExitTrailingStop       ExitReason = "TRAILING_STOP"       // Retrace from peak beyond the trailing distance
	ExitMomentumExhaustion ExitReason = "MOMENTUM_EXHAUSTION" // Weak oscillator while losing, sustained
	ExitRapidNoMomentum    ExitReason = "RAPID_NO_MOMENTUM"   // No favorable movement early in the hold
	ExitRapidReversal      ExitReason = "RAPID_REVERSAL"      // Immediate reversal after entry
	ExitRapidWeak          ExitReason = "RAPID_WEAK"          // Weak position in the early window
	ExitProfitTimeout      ExitReason = "PROFIT_TIMEOUT"      // Profitable but never armed breakeven/trailing
	ExitMaxHoldTime        ExitReason = "MAX_HOLD_TIME"       // Hard ceiling on holding duration
	ExitEndOfDay           ExitReason = "END_OF_DAY"          // Forced close at session end
	ExitEmergencyStop      ExitReason = "EMERGENCY_STOP"      // Portfolio health emergency, all closed
	ExitWarningTrim        ExitReason = "WARNING_TRIM"        // Portfolio health warning, losers trimmed
	ExitUnknown            ExitReason = "UNKNOWN"
)

// GateReason is the structured reason code attached to a gate decision.
type GateReason string

const (
	GateProceedClear          GateReason = "PROCEED_CLEAR"
	GateProceedFailSafe       GateReason = "PROCEED_FAILSAFE_DATA"      // Aggregate data structurally missing
	GateOverridePrimary       GateReason = "PROCEED_OVERRIDE_PRIMARY"   // Strong momentum + strong relative strength
	GateOverrideSecondary     GateReason = "PROCEED_OVERRIDE_SECONDARY" // Very strong momentum, rel-strength absent
	GateOverrideTertiary      GateReason = "PROCEED_OVERRIDE_TERTIARY"  // Positive VWAP distance + positive momentum
	GateVetoOversold          GateReason = "VETO_OVERSOLD_EXHAUSTION"
	GateVetoOverbought        GateReason = "VETO_OVERBOUGHT_EXHAUSTION"
	GateVetoWeakParticipation GateReason = "VETO_WEAK_PARTICIPATION"
)

// GateDecision is the explicit result of the red-flag gate. It is returned,
// never raised: a veto is an ordinary value the caller consumes.
type GateDecision struct {
	Proceed bool
	Reason  GateReason

	// Patterns that fired, regardless of whether an override let the
	// session proceed. Kept for observability.
	OversoldExhaustion   bool
	OverboughtExhaustion bool
	WeakParticipation    bool
}
