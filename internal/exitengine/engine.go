// Package exitengine owns the lifecycle of every open position. It evaluates
// per-position exit rules on a fixed tick and portfolio-level health rules on
// a coarser cadence, and runs the idempotent close-and-persist protocol.
package exitengine

import (
	"context"
	"fmt"
	"time"

	"breakoutBot/config"
	"breakoutBot/internal/domain"
	"breakoutBot/internal/ports"
	"breakoutBot/internal/retry"
)

// ProfitTier maps a minimum unrealized profit to a trailing retrace distance.
type ProfitTier struct {
	MinProfit float64
	Distance  float64
}

// HealthConfig holds the portfolio red-flag thresholds.
type HealthConfig struct {
	WinRateMin       float64
	AvgPnLPercentMin float64
	MomentumRatioMin float64
	PeakCaptureMin   float64
	WarningLossPct   float64
}

// Config holds every exit trigger threshold and timing, resolved to typed
// durations.
type Config struct {
	Tick             time.Duration
	CoarseEveryTicks int
	EndOfDayHour     int
	EndOfDayMinute   int
	Location         *time.Location

	GapDropPct float64
	GapWindow  time.Duration

	TrailingActivatePct float64
	TrailingMinHold     time.Duration
	ProfitTiers         []ProfitTier // Descending by MinProfit

	BreakevenPct     float64
	BreakevenMinHold time.Duration
	BreakevenLockPct float64

	MomentumExitOsc     float64
	MomentumExitLossPct float64
	MomentumDwell       time.Duration

	RapidWindow            time.Duration
	RapidNoMomentumAfter   time.Duration
	RapidNoMomentumGainPct float64
	RapidReversalAfter     time.Duration
	RapidReversalLossPct   float64
	RapidWeakAfter         time.Duration
	RapidWeakGainPct       float64
	RapidWeakOsc           float64

	ProfitTimeout time.Duration
	MaxHold       time.Duration

	// TierDistances gives the volatility-based trailing retrace distance per
	// protection tier; the trailing rule uses the wider of this and the
	// profit-tier distance.
	TierDistances map[domain.ProtectionTier]float64

	Health HealthConfig
}

// ConfigFrom resolves the application configuration into engine thresholds.
func ConfigFrom(c *config.Config) Config {
	hour, minute := c.EndOfDayClock()
	tiers := make([]ProfitTier, 0, len(c.Exit.ProfitTiers))
	for _, t := range c.Exit.ProfitTiers {
		tiers = append(tiers, ProfitTier{MinProfit: t.MinProfit, Distance: t.Distance})
	}
	distances := make(map[domain.ProtectionTier]float64, len(c.Protection))
	for _, r := range c.Protection {
		distances[domain.ProtectionTier(r.Tier)] = r.StopPercent
	}
	return Config{
		Tick:             c.TickInterval(),
		CoarseEveryTicks: c.Session.CoarseEveryTicks,
		EndOfDayHour:     hour,
		EndOfDayMinute:   minute,
		Location:         c.Location(),

		GapDropPct: c.Exit.GapDropPct,
		GapWindow:  c.GapWindow(),

		TrailingActivatePct: c.Exit.TrailingActivatePct,
		TrailingMinHold:     time.Duration(c.Exit.TrailingMinHoldSeconds) * time.Second,
		ProfitTiers:         tiers,

		BreakevenPct:     c.Exit.BreakevenPct,
		BreakevenMinHold: time.Duration(c.Exit.BreakevenMinHoldSeconds) * time.Second,
		BreakevenLockPct: c.Exit.BreakevenLockPct,

		MomentumExitOsc:     c.Exit.MomentumExitOsc,
		MomentumExitLossPct: c.Exit.MomentumExitLossPct,
		MomentumDwell:       time.Duration(c.Exit.MomentumDwellSeconds) * time.Second,

		RapidWindow:            time.Duration(c.Exit.RapidWindowSeconds) * time.Second,
		RapidNoMomentumAfter:   time.Duration(c.Exit.RapidNoMomentumAfterSeconds) * time.Second,
		RapidNoMomentumGainPct: c.Exit.RapidNoMomentumGainPct,
		RapidReversalAfter:     time.Duration(c.Exit.RapidReversalAfterSeconds) * time.Second,
		RapidReversalLossPct:   c.Exit.RapidReversalLossPct,
		RapidWeakAfter:         time.Duration(c.Exit.RapidWeakAfterSeconds) * time.Second,
		RapidWeakGainPct:       c.Exit.RapidWeakGainPct,
		RapidWeakOsc:           c.Exit.RapidWeakOsc,

		ProfitTimeout: time.Duration(c.Exit.ProfitTimeoutMinutes) * time.Minute,
		MaxHold:       time.Duration(c.Exit.MaxHoldMinutes) * time.Minute,

		TierDistances: distances,

		Health: HealthConfig{
			WinRateMin:       c.Health.WinRateMin,
			AvgPnLPercentMin: c.Health.AvgPnLPercentMin,
			MomentumRatioMin: c.Health.MomentumRatioMin,
			PeakCaptureMin:   c.Health.PeakCaptureMin,
			WarningLossPct:   c.Health.WarningLossPct,
		},
	}
}

// Engine evaluates exit rules for all open positions. Positions are read and
// mutated exclusively through the position repository; the engine holds no
// position state of its own besides the tick counter.
type Engine struct {
	cfg       Config
	logger    ports.Logger
	positions ports.PositionRepository
	trades    ports.TradeRepository
	quotes    ports.QuoteProvider
	broker    ports.BrokerClient
	notifier  ports.Notifier
	retry     retry.Policy

	now       func() time.Time
	tickCount int
}

// New creates the exit engine. All collaborators are required.
func New(
	cfg Config,
	logger ports.Logger,
	positions ports.PositionRepository,
	trades ports.TradeRepository,
	quotes ports.QuoteProvider,
	broker ports.BrokerClient,
	notifier ports.Notifier,
	pol retry.Policy,
) (*Engine, error) {
	if logger == nil || positions == nil || trades == nil || quotes == nil || broker == nil || notifier == nil {
		return nil, fmt.Errorf("exitengine: missing required dependencies")
	}
	if cfg.Tick <= 0 {
		return nil, fmt.Errorf("exitengine: tick interval must be positive")
	}
	if cfg.CoarseEveryTicks <= 0 {
		return nil, fmt.Errorf("exitengine: coarse cadence must be positive")
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	return &Engine{
		cfg:       cfg,
		logger:    logger,
		positions: positions,
		trades:    trades,
		quotes:    quotes,
		broker:    broker,
		notifier:  notifier,
		retry:     pol,
		now:       time.Now,
	}, nil
}

// Run drives the fixed-tick loop until the context is canceled or the session
// is over (past end-of-day with no open positions left).
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	e.logger.Info(ctx, "Exit engine started", map[string]interface{}{
		"tick":         e.cfg.Tick.String(),
		"coarse_ticks": e.cfg.CoarseEveryTicks,
		"end_of_day":   fmt.Sprintf("%02d:%02d", e.cfg.EndOfDayHour, e.cfg.EndOfDayMinute),
	})

	for {
		select {
		case <-ctx.Done():
			e.logger.Info(ctx, "Exit engine stopping", map[string]interface{}{"reason": ctx.Err().Error()})
			return ctx.Err()
		case <-ticker.C:
			done, err := e.Tick(ctx, e.now())
			if err != nil {
				e.logger.Error(ctx, err, "Exit engine tick failed")
			}
			if done {
				e.logger.Info(ctx, "Session complete, exit engine stopping")
				return nil
			}
		}
	}
}

// Tick runs one full evaluation pass at the given wall-clock time. It returns
// done=true when the session is past end-of-day and no positions remain open.
// Exported so the replay runner can step the engine against a recorded tape.
func (e *Engine) Tick(ctx context.Context, at time.Time) (done bool, err error) {
	e.tickCount++

	open, err := e.positions.OpenPositions(ctx)
	if err != nil {
		return false, fmt.Errorf("loading open positions: %w", err)
	}
	if len(open) == 0 {
		return e.afterEndOfDay(at), nil
	}

	// Portfolio rules run first on the coarse cadence, against a consistent
	// snapshot taken before any per-position mutation this tick.
	if e.tickCount%e.cfg.CoarseEveryTicks == 0 {
		e.evaluatePortfolio(ctx, open, at)
	}

	for _, pos := range open {
		if !pos.IsOpen() {
			continue // Closed by the portfolio pass above
		}
		e.evaluatePosition(ctx, pos, at)
	}

	if e.afterEndOfDay(at) {
		remaining, err := e.positions.OpenPositions(ctx)
		if err != nil {
			return false, fmt.Errorf("loading open positions: %w", err)
		}
		return len(remaining) == 0, nil
	}
	return false, nil
}

// evaluatePosition runs one position through the fixed-priority rule chain,
// then applies arming transitions if it survived the tick. A quote outage
// skips the position until the next tick; missing data never forces an exit.
func (e *Engine) evaluatePosition(ctx context.Context, pos *domain.Position, at time.Time) {
	price, err := e.quotes.Quote(ctx, pos.Symbol)
	if err != nil {
		e.logger.Warn(ctx, "Quote unavailable, skipping position this tick", map[string]interface{}{
			"symbol": pos.Symbol,
			"error":  err.Error(),
		})
		return
	}

	pos.ObservePrice(price, at)

	if reason, hit := e.firstTriggeredRule(ctx, pos, price, at); hit {
		e.closePosition(ctx, pos, price, at, reason)
		return
	}

	e.applyArming(ctx, pos, price, at)

	if err := e.positions.Update(ctx, pos); err != nil {
		e.logger.Error(ctx, err, "Failed to persist position state", map[string]interface{}{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
		})
	}
}

// firstTriggeredRule evaluates the per-position rules in priority order and
// returns the first that fires. The effective stop compared in rule 1 is the
// one raised at the end of the previous tick, so an intra-tick trailing
// retrace is attributed to the trailing rule, not the stop.
func (e *Engine) firstTriggeredRule(ctx context.Context, pos *domain.Position, price float64, at time.Time) (domain.ExitReason, bool) {
	held := at.Sub(pos.EntryTime)
	pnlPct := pos.PnLPercent(price)

	// 1. Stop-loss.
	if price <= pos.EffectiveStop {
		return domain.ExitStopLoss, true
	}

	// 2. Gap / flash-crash: sharp drop from the peak within a short window.
	if pos.PeakPrice > 0 && at.Sub(pos.PeakTime) <= e.cfg.GapWindow {
		drop := (pos.PeakPrice - price) / pos.PeakPrice
		if drop >= e.cfg.GapDropPct {
			return domain.ExitFlashCrash, true
		}
	}

	// 3. Trailing retrace, once armed.
	if pos.TrailingArmed && pos.PeakPrice > 0 {
		retrace := (pos.PeakPrice - price) / pos.PeakPrice
		if retrace >= e.trailingDistance(pos, pos.PnLPercent(pos.PeakPrice)) {
			return domain.ExitTrailingStop, true
		}
	}

	// 4. Momentum exhaustion, sustained for the dwell time.
	if fired := e.checkExhaustion(ctx, pos, pnlPct, at); fired {
		return domain.ExitMomentumExhaustion, true
	}

	// 5. Rapid exits inside the early window.
	if held <= e.cfg.RapidWindow {
		if reason, hit := e.checkRapidRules(ctx, pos, pnlPct, held); hit {
			return reason, true
		}
	}

	// 6. Profit timeout: profitable but stagnant, nothing ever armed.
	if pnlPct > 0 && !pos.BreakevenArmed && !pos.TrailingArmed && held >= e.cfg.ProfitTimeout {
		return domain.ExitProfitTimeout, true
	}

	// 7. Maximum hold time.
	if held >= e.cfg.MaxHold {
		return domain.ExitMaxHoldTime, true
	}

	// 8. End of day.
	if e.afterEndOfDay(at) {
		return domain.ExitEndOfDay, true
	}

	return domain.ExitUnknown, false
}

// checkExhaustion tracks the sustained momentum-exhaustion condition: the
// oscillator below threshold while the position is losing beyond threshold.
// The dwell clock resets whenever the condition lapses, and an unavailable
// oscillator reading counts as a lapse, not a trigger.
func (e *Engine) checkExhaustion(ctx context.Context, pos *domain.Position, pnlPct float64, at time.Time) bool {
	if pnlPct > -e.cfg.MomentumExitLossPct {
		pos.ExhaustionSince = time.Time{}
		return false
	}

	osc, ok, err := e.quotes.MomentumOsc(ctx, pos.Symbol)
	if err != nil || !ok {
		pos.ExhaustionSince = time.Time{}
		return false
	}
	if osc >= e.cfg.MomentumExitOsc {
		pos.ExhaustionSince = time.Time{}
		return false
	}

	if pos.ExhaustionSince.IsZero() {
		pos.ExhaustionSince = at
		return false
	}
	return at.Sub(pos.ExhaustionSince) >= e.cfg.MomentumDwell
}

// checkRapidRules applies the three early-exit variants, ordered no-momentum,
// immediate-reversal, weak-position.
func (e *Engine) checkRapidRules(ctx context.Context, pos *domain.Position, pnlPct float64, held time.Duration) (domain.ExitReason, bool) {
	if held >= e.cfg.RapidNoMomentumAfter && pnlPct < e.cfg.RapidNoMomentumGainPct && pnlPct > -e.cfg.RapidReversalLossPct {
		return domain.ExitRapidNoMomentum, true
	}
	if held >= e.cfg.RapidReversalAfter && pnlPct <= -e.cfg.RapidReversalLossPct {
		return domain.ExitRapidReversal, true
	}
	if held >= e.cfg.RapidWeakAfter && pnlPct < e.cfg.RapidWeakGainPct {
		osc, ok, err := e.quotes.MomentumOsc(ctx, pos.Symbol)
		if err == nil && ok && osc < e.cfg.RapidWeakOsc {
			return domain.ExitRapidWeak, true
		}
	}
	return domain.ExitUnknown, false
}

// applyArming runs the breakeven and trailing state transitions. Both raise
// the effective stop through the position's single floored, monotone mutator.
func (e *Engine) applyArming(ctx context.Context, pos *domain.Position, price float64, at time.Time) {
	held := at.Sub(pos.EntryTime)
	pnlPct := pos.PnLPercent(price)

	if !pos.BreakevenArmed && pnlPct >= e.cfg.BreakevenPct && held >= e.cfg.BreakevenMinHold {
		pos.BreakevenArmed = true
		lock := pos.EntryPrice * (1 + e.cfg.BreakevenLockPct)
		if err := pos.RaiseStop(lock); err != nil {
			e.logger.Warn(ctx, "Breakeven lock rejected", map[string]interface{}{
				"symbol": pos.Symbol, "error": err.Error(),
			})
		} else {
			e.logger.Info(ctx, "Breakeven armed", map[string]interface{}{
				"symbol": pos.Symbol, "stop": pos.EffectiveStop,
			})
		}
	}

	if !pos.TrailingArmed && pnlPct >= e.cfg.TrailingActivatePct && held >= e.cfg.TrailingMinHold {
		pos.TrailingArmed = true
		e.logger.Info(ctx, "Trailing armed", map[string]interface{}{
			"symbol": pos.Symbol, "peak": pos.PeakPrice,
		})
	}

	if pos.TrailingArmed && pos.PeakPrice > 0 {
		distance := e.trailingDistance(pos, pos.PnLPercent(pos.PeakPrice))
		stop := pos.PeakPrice * (1 - distance)
		if stop < pos.FloorStop {
			stop = pos.FloorStop
		}
		if err := pos.RaiseStop(stop); err != nil {
			e.logger.Warn(ctx, "Trailing stop update rejected", map[string]interface{}{
				"symbol": pos.Symbol, "error": err.Error(),
			})
		}
	}
}

// trailingDistance returns the wider of the volatility-tier distance and the
// profit-tier distance for the position's peak gain.
func (e *Engine) trailingDistance(pos *domain.Position, peakGainPct float64) float64 {
	distance := e.cfg.TierDistances[pos.Tier]
	for _, t := range e.cfg.ProfitTiers {
		if peakGainPct >= t.MinProfit {
			if t.Distance > distance {
				distance = t.Distance
			}
			break
		}
	}
	return distance
}

// closePosition runs the close protocol: submit the closing order, transition
// the position out of the open set, then durably append the closed-trade
// record with retry. The in-memory transition is never rolled back; a write
// that keeps failing is surfaced as a fatal alert instead.
func (e *Engine) closePosition(ctx context.Context, pos *domain.Position, price float64, at time.Time, reason domain.ExitReason) {
	exitPrice := price
	fill, err := e.broker.SubmitOrder(ctx, pos.Symbol, domain.Sell, pos.Quantity)
	if err != nil {
		e.notifier.Alert(ctx, "closing order failed", err)
		e.logger.Error(ctx, err, "Closing order failed, recording exit at quoted price", map[string]interface{}{
			"symbol": pos.Symbol, "quantity": pos.Quantity,
		})
	} else if fill.FillPrice > 0 {
		exitPrice = fill.FillPrice
	}

	if err := pos.Close(exitPrice, at, reason); err != nil {
		e.logger.Warn(ctx, "Duplicate close suppressed", map[string]interface{}{
			"position_id": pos.ID, "symbol": pos.Symbol,
		})
		return
	}

	// Leave the open set before the durable write so a retry can never
	// observe the position half-closed.
	if err := e.retry.Do(ctx, func() error {
		return e.positions.MarkClosed(ctx, pos)
	}); err != nil {
		e.notifier.Alert(ctx, "position close persistence failed", err)
		e.logger.Error(ctx, err, "Failed to mark position closed", map[string]interface{}{
			"position_id": pos.ID, "symbol": pos.Symbol,
		})
	}

	trade := pos.ClosedTrade()
	if err := e.retry.Do(ctx, func() error {
		_, appendErr := e.trades.AppendClosed(ctx, trade)
		return appendErr
	}); err != nil {
		e.notifier.Alert(ctx, "closed trade persistence failed", err)
		e.logger.Error(ctx, err, "Failed to persist closed trade", map[string]interface{}{
			"position_id": pos.ID, "symbol": pos.Symbol,
		})
	}

	e.notifier.Exit(ctx, ports.ExitEvent{
		Symbol:     pos.Symbol,
		Reason:     reason,
		PNL:        trade.PNL,
		PNLPercent: trade.PNLPercent,
	})
	e.logger.Info(ctx, "Position closed", map[string]interface{}{
		"symbol":      pos.Symbol,
		"reason":      string(reason),
		"entry_price": pos.EntryPrice,
		"exit_price":  exitPrice,
		"pnl":         trade.PNL,
	})
}

// afterEndOfDay reports whether at is at or past the configured session close
// in the session timezone.
func (e *Engine) afterEndOfDay(at time.Time) bool {
	local := at.In(e.cfg.Location)
	closeAt := time.Date(local.Year(), local.Month(), local.Day(),
		e.cfg.EndOfDayHour, e.cfg.EndOfDayMinute, 0, 0, e.cfg.Location)
	return !local.Before(closeAt)
}
