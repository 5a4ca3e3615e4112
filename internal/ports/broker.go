package ports

import (
	"context"
	"time"

	"breakoutBot/internal/domain"
)

// OrderFill is the broker's confirmation for a submitted order. Positions
// must only ever be instantiated from the filled quantity, never the
// requested one.
type OrderFill struct {
	OrderID      string
	Symbol       string
	Side         domain.OrderSide
	RequestedQty int64
	FilledQty    int64
	FillPrice    float64
	FilledAt     time.Time
}

// BrokerClient is the order-submission collaborator. Sizing inputs (account
// capital, liquidity figures) and fills come from here; the engine itself
// never talks to an exchange directly.
type BrokerClient interface {
	// AccountCapital returns the current total account capital in dollars.
	AccountCapital(ctx context.Context) (float64, error)
	// AverageDailyVolume returns the trailing average daily volume for a
	// symbol, in shares.
	AverageDailyVolume(ctx context.Context, symbol string) (float64, error)
	// SubmitOrder submits a market order and returns the confirmed fill.
	SubmitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity int64) (*OrderFill, error)
}

// SignalProvider is the signal-generation collaborator: it delivers the
// session's candidate signals with their technical factors.
type SignalProvider interface {
	Collect(ctx context.Context) ([]domain.Signal, error)
}

// QuoteProvider serves the exit engine's per-tick market reads.
type QuoteProvider interface {
	// Quote returns the current price for a symbol.
	Quote(ctx context.Context, symbol string) (float64, error)
	// MomentumOsc returns the short-window momentum oscillator reading
	// (0..100). ok is false when the reading is unavailable, which callers
	// must treat as missing data rather than a zero reading.
	MomentumOsc(ctx context.Context, symbol string) (value float64, ok bool, err error)
}
