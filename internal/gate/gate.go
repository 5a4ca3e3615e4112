// Package gate decides, once per session before allocation, whether trading
// should proceed at all. It inspects aggregate technical conditions across
// the whole candidate set and may veto the day, subject to override tiers.
package gate

import (
	"context"
	"fmt"

	"breakoutBot/internal/domain"
	"breakoutBot/internal/ports"
)

// Config holds the red-day thresholds and override thresholds.
type Config struct {
	OscLowThreshold        float64 // Pattern A: mean oscillator below this
	OscHighThreshold       float64 // Pattern B: mean oscillator above this
	WeakVolumeRatio        float64 // A/B/C: volume ratio below this is weak
	ParticipationThreshold float64 // C: weak fraction at or above this

	OverrideMomentum       float64 // Primary: mean oscillator at/above this
	OverrideRelStrength    float64 // Primary: mean rel strength at/above this
	OverrideStrongMomentum float64 // Secondary: mean oscillator alone
	OverrideVWAPDistance   float64 // Tertiary: mean VWAP distance at/above this
}

// Gate evaluates the portfolio red-flag patterns.
type Gate struct {
	cfg    Config
	logger ports.Logger
}

// New creates a Gate.
func New(cfg Config, logger ports.Logger) (*Gate, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for gate")
	}
	if cfg.OscLowThreshold >= cfg.OscHighThreshold {
		return nil, fmt.Errorf("oscillator low threshold %.1f must be below high threshold %.1f",
			cfg.OscLowThreshold, cfg.OscHighThreshold)
	}
	return &Gate{cfg: cfg, logger: logger}, nil
}

// aggregate is the mean technical state of the candidate set. A factor is
// structurally absent when no candidate carries it; that is not the same as
// a valid low reading.
type aggregate struct {
	meanOsc       float64
	oscPresent    bool
	meanVolume    float64
	volumePresent bool
	weakFraction  float64
	meanRelStr    float64
	relStrPresent bool
	meanVWAP      float64
	vwapPresent   bool
}

// Evaluate returns the session gate decision. Data outages never veto: when
// the aggregate oscillator or volume metric is structurally absent the gate
// logs the condition and allows trading to proceed (fail-safe mode). The
// decision returned here is the single source of truth for the session; no
// per-signal red-day flag exists downstream to disagree with it.
func (g *Gate) Evaluate(ctx context.Context, signals []domain.Signal) domain.GateDecision {
	agg := g.aggregateOf(signals)

	if !agg.oscPresent || !agg.volumePresent {
		g.logger.Warn(ctx, "Gate fail-safe: aggregate data structurally missing, trading proceeds", map[string]interface{}{
			"candidates":    len(signals),
			"oscPresent":    agg.oscPresent,
			"volumePresent": agg.volumePresent,
		})
		return domain.GateDecision{Proceed: true, Reason: domain.GateProceedFailSafe}
	}

	d := domain.GateDecision{
		OversoldExhaustion:   agg.meanOsc < g.cfg.OscLowThreshold && agg.meanVolume < g.cfg.WeakVolumeRatio,
		OverboughtExhaustion: agg.meanOsc > g.cfg.OscHighThreshold && agg.meanVolume < g.cfg.WeakVolumeRatio,
		WeakParticipation:    agg.weakFraction >= g.cfg.ParticipationThreshold,
	}

	if !d.OversoldExhaustion && !d.OverboughtExhaustion && !d.WeakParticipation {
		d.Proceed = true
		d.Reason = domain.GateProceedClear
		return d
	}

	// A pattern fired. Override tiers may still allow the session; any one
	// satisfied is enough.
	if reason, ok := g.override(agg); ok {
		g.logger.Info(ctx, "Red-day pattern overridden", map[string]interface{}{
			"override":   string(reason),
			"oversold":   d.OversoldExhaustion,
			"overbought": d.OverboughtExhaustion,
			"weak":       d.WeakParticipation,
		})
		d.Proceed = true
		d.Reason = reason
		return d
	}

	d.Proceed = false
	d.Reason = vetoReason(d)
	g.logger.Info(ctx, "Red day: session vetoed", map[string]interface{}{
		"reason":       string(d.Reason),
		"meanOsc":      agg.meanOsc,
		"meanVolume":   agg.meanVolume,
		"weakFraction": agg.weakFraction,
	})
	return d
}

// vetoReason picks the reported reason when multiple patterns fire. Weak
// participation carries no directional assumption, so it wins.
func vetoReason(d domain.GateDecision) domain.GateReason {
	switch {
	case d.WeakParticipation:
		return domain.GateVetoWeakParticipation
	case d.OversoldExhaustion:
		return domain.GateVetoOversold
	default:
		return domain.GateVetoOverbought
	}
}

func (g *Gate) override(agg aggregate) (domain.GateReason, bool) {
	// Primary: strong positive momentum together with strong relative strength.
	if agg.relStrPresent && agg.meanOsc >= g.cfg.OverrideMomentum && agg.meanRelStr >= g.cfg.OverrideRelStrength {
		return domain.GateOverridePrimary, true
	}
	// Secondary: very strong momentum alone, only when relative-strength
	// data is absent.
	if !agg.relStrPresent && agg.meanOsc >= g.cfg.OverrideStrongMomentum {
		return domain.GateOverrideSecondary, true
	}
	// Tertiary: meaningful positive distance from VWAP with positive momentum.
	if agg.vwapPresent && agg.meanVWAP >= g.cfg.OverrideVWAPDistance && agg.meanOsc > 50 {
		return domain.GateOverrideTertiary, true
	}
	return "", false
}

func (g *Gate) aggregateOf(signals []domain.Signal) aggregate {
	var agg aggregate
	var oscSum, volSum, relSum, vwapSum float64
	var oscN, volN, relN, vwapN, weakN int

	for _, s := range signals {
		if v := s.Factors.MomentumOsc; v != nil {
			oscSum += *v
			oscN++
		}
		if v := s.Factors.VolumeRatio; v != nil {
			volSum += *v
			volN++
			// Weak participation counts against candidates that carry a
			// volume reading at all.
			if *v < g.cfg.WeakVolumeRatio {
				weakN++
			}
		}
		if v := s.Factors.RelStrength; v != nil {
			relSum += *v
			relN++
		}
		if v := s.Factors.VWAPDistance; v != nil {
			vwapSum += *v
			vwapN++
		}
	}

	if oscN > 0 {
		agg.meanOsc = oscSum / float64(oscN)
		agg.oscPresent = true
	}
	if volN > 0 {
		agg.meanVolume = volSum / float64(volN)
		agg.volumePresent = true
	}
	if relN > 0 {
		agg.meanRelStr = relSum / float64(relN)
		agg.relStrPresent = true
	}
	if vwapN > 0 {
		agg.meanVWAP = vwapSum / float64(vwapN)
		agg.vwapPresent = true
	}
	if volN > 0 {
		agg.weakFraction = float64(weakN) / float64(volN)
	}
	return agg
}
