package exitengine

import (
	"context"
	"time"

	"breakoutBot/internal/domain"
)

// supportiveOsc is the oscillator neutral line; a position's momentum counts
// as supportive at or above it.
const supportiveOsc = 50.0

// positionRead is one position with its market data for this coarse tick.
type positionRead struct {
	pos    *domain.Position
	price  float64
	osc    float64
	hasOsc bool
}

// evaluatePortfolio runs the portfolio-level health rules over a consistent
// snapshot of all open positions. Three or more red flags close everything;
// exactly two trim positions below the warning loss threshold.
func (e *Engine) evaluatePortfolio(ctx context.Context, open []*domain.Position, at time.Time) {
	reads := e.snapshotReads(ctx, open)
	if len(reads) == 0 {
		return
	}

	sample := e.healthSample(reads, at)
	action, flags := e.healthAction(sample)

	if action == domain.PortfolioNoAction {
		return
	}

	e.logger.Warn(ctx, "Portfolio health degraded", map[string]interface{}{
		"action":          string(action),
		"red_flags":       flags,
		"open_count":      sample.OpenCount,
		"win_rate":        sample.WinRate,
		"avg_pnl_percent": sample.AvgPnLPercent,
		"momentum_ratio":  sample.MomentumRatio,
		"peak_capture":    sample.PeakCapture,
		"losing_all":      sample.LosingAll,
	})

	switch action {
	case domain.PortfolioEmergency:
		for _, r := range reads {
			e.closePosition(ctx, r.pos, r.price, at, domain.ExitEmergencyStop)
		}
	case domain.PortfolioWarning:
		for _, r := range reads {
			if r.pos.PnLPercent(r.price) <= -e.cfg.Health.WarningLossPct {
				e.closePosition(ctx, r.pos, r.price, at, domain.ExitWarningTrim)
			}
		}
	}
}

// snapshotReads fetches market data for every open position before anything
// is mutated, so the health sample sees all positions at the same instant.
// Positions whose quote is unavailable are left out of the sample.
func (e *Engine) snapshotReads(ctx context.Context, open []*domain.Position) []positionRead {
	reads := make([]positionRead, 0, len(open))
	for _, pos := range open {
		price, err := e.quotes.Quote(ctx, pos.Symbol)
		if err != nil {
			e.logger.Warn(ctx, "Quote unavailable for health sample", map[string]interface{}{
				"symbol": pos.Symbol,
				"error":  err.Error(),
			})
			continue
		}
		r := positionRead{pos: pos, price: price}
		if osc, ok, err := e.quotes.MomentumOsc(ctx, pos.Symbol); err == nil && ok {
			r.osc = osc
			r.hasOsc = true
		}
		reads = append(reads, r)
	}
	return reads
}

// healthSample computes the aggregate over one snapshot.
func (e *Engine) healthSample(reads []positionRead, at time.Time) domain.PortfolioHealthSample {
	var (
		winners      int
		losers       int
		pnlSum       float64
		supportive   int
		oscCount     int
		captureSum   float64
		captureCount int
	)

	for _, r := range reads {
		pnlPct := r.pos.PnLPercent(r.price)
		pnlSum += pnlPct
		if pnlPct > 0 {
			winners++
		} else if pnlPct < 0 {
			losers++
		}
		if r.hasOsc {
			oscCount++
			if r.osc >= supportiveOsc {
				supportive++
			}
		}
		if peakGain := r.pos.PnLPercent(r.pos.PeakPrice); peakGain > 0 {
			capture := pnlPct / peakGain
			if capture < 0 {
				capture = 0
			}
			if capture > 1 {
				capture = 1
			}
			captureSum += capture
			captureCount++
		}
	}

	n := float64(len(reads))
	sample := domain.PortfolioHealthSample{
		TakenAt:        at,
		OpenCount:      len(reads),
		WinRate:        float64(winners) / n,
		AvgPnLPercent:  pnlSum / n,
		LosingFraction: float64(losers) / n,
		LosingAll:      losers == len(reads),
	}

	// A ratio over zero readings is no evidence either way; report it as
	// healthy rather than missing.
	sample.MomentumRatio = 1
	if oscCount > 0 {
		sample.MomentumRatio = float64(supportive) / float64(oscCount)
	}
	sample.PeakCapture = 1
	if captureCount > 0 {
		sample.PeakCapture = captureSum / float64(captureCount)
	}
	return sample
}

// healthAction counts red flags and maps the count to an action.
func (e *Engine) healthAction(s domain.PortfolioHealthSample) (domain.PortfolioAction, int) {
	flags := 0
	if s.WinRate < e.cfg.Health.WinRateMin {
		flags++
	}
	if s.AvgPnLPercent < e.cfg.Health.AvgPnLPercentMin {
		flags++
	}
	if s.MomentumRatio < e.cfg.Health.MomentumRatioMin {
		flags++
	}
	if s.PeakCapture < e.cfg.Health.PeakCaptureMin {
		flags++
	}
	if s.LosingAll {
		flags++
	}

	switch {
	case flags >= 3:
		return domain.PortfolioEmergency, flags
	case flags == 2:
		return domain.PortfolioWarning, flags
	default:
		return domain.PortfolioNoAction, flags
	}
}
