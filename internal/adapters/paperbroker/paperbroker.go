// Package paperbroker simulates order execution against the latest known
// quotes. Orders here never reach an exchange; the replay runner and dry runs
// use it as both the broker and the quote source.
package paperbroker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"breakoutBot/internal/domain"
	"breakoutBot/internal/ports"

	"github.com/google/uuid"
)

// defaultADV stands in for symbols with no configured volume figure, generous
// enough that the liquidity cap never binds by accident.
const defaultADV = 5_000_000

type oscReading struct {
	value float64
	ok    bool
}

// Broker holds simulated account state and the mutable quote book.
type Broker struct {
	logger ports.Logger

	mu      sync.Mutex
	capital float64
	prices  map[string]float64
	osc     map[string]oscReading
	adv     map[string]float64
}

// New creates a paper broker with the given starting capital.
func New(capital float64, logger ports.Logger) (*Broker, error) {
	if logger == nil {
		return nil, fmt.Errorf("paperbroker: logger is required")
	}
	if capital <= 0 {
		return nil, fmt.Errorf("paperbroker: starting capital %.2f must be positive", capital)
	}
	return &Broker{
		logger:  logger,
		capital: capital,
		prices:  make(map[string]float64),
		osc:     make(map[string]oscReading),
		adv:     make(map[string]float64),
	}, nil
}

// SetQuote updates the simulated market price for a symbol.
func (b *Broker) SetQuote(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

// SetMomentumOsc updates the oscillator reading for a symbol.
func (b *Broker) SetMomentumOsc(symbol string, value float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.osc[symbol] = oscReading{value: value, ok: true}
}

// ClearMomentumOsc marks the oscillator reading unavailable for a symbol.
func (b *Broker) ClearMomentumOsc(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.osc, symbol)
}

// SetAverageDailyVolume sets the trailing ADV figure, in shares.
func (b *Broker) SetAverageDailyVolume(symbol string, shares float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.adv[symbol] = shares
}

// AccountCapital returns the current simulated account capital.
func (b *Broker) AccountCapital(ctx context.Context) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capital, nil
}

// AverageDailyVolume returns the configured ADV for a symbol, or a generous
// default when none was recorded.
func (b *Broker) AverageDailyVolume(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok := b.adv[symbol]; ok {
		return v, nil
	}
	return defaultADV, nil
}

// SubmitOrder simulates a market order at the current quote. Buys that exceed
// the remaining capital fill partially; the caller must size positions from
// the confirmed filled quantity.
func (b *Broker) SubmitOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity int64) (*ports.OrderFill, error) {
	if quantity <= 0 {
		return nil, fmt.Errorf("paperbroker: quantity %d: %w", quantity, ports.ErrOrderRejected)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	price, ok := b.prices[symbol]
	if !ok || price <= 0 {
		return nil, fmt.Errorf("paperbroker: %s: %w", symbol, ports.ErrQuoteUnavailable)
	}

	filled := quantity
	if side == domain.Buy {
		affordable := int64(b.capital / price)
		if affordable <= 0 {
			return nil, fmt.Errorf("paperbroker: %s buy of %d at %.2f: %w", symbol, quantity, price, ports.ErrInsufficientFunds)
		}
		if affordable < filled {
			filled = affordable
			b.logger.Warn(ctx, "Paper order partially filled", map[string]interface{}{
				"symbol":    symbol,
				"requested": quantity,
				"filled":    filled,
			})
		}
		b.capital -= float64(filled) * price
	} else {
		b.capital += float64(filled) * price
	}

	fill := &ports.OrderFill{
		OrderID:      uuid.NewString(),
		Symbol:       symbol,
		Side:         side,
		RequestedQty: quantity,
		FilledQty:    filled,
		FillPrice:    price,
		FilledAt:     time.Now().UTC(),
	}
	b.logger.Debug(ctx, "Paper order filled", map[string]interface{}{
		"order_id": fill.OrderID,
		"symbol":   symbol,
		"side":     string(side),
		"quantity": filled,
		"price":    price,
	})
	return fill, nil
}

// Quote returns the current simulated price for a symbol.
func (b *Broker) Quote(ctx context.Context, symbol string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[symbol]
	if !ok || price <= 0 {
		return 0, fmt.Errorf("paperbroker: %s: %w", symbol, ports.ErrQuoteUnavailable)
	}
	return price, nil
}

// MomentumOsc returns the oscillator reading for a symbol; ok is false when
// no reading has been recorded.
func (b *Broker) MomentumOsc(ctx context.Context, symbol string) (float64, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	r, ok := b.osc[symbol]
	if !ok {
		return 0, false, nil
	}
	return r.value, true, nil
}
