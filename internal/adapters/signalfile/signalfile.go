// Package signalfile reads a session's breakout candidates from a JSON
// snapshot produced by the signal-generation pipeline. The bot treats the
// file as the session's single collection; re-reading it mid-session is not
// supported.
package signalfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"breakoutBot/internal/domain"
	"breakoutBot/internal/ports"
)

// record is the on-disk shape of one candidate. Factor fields are pointers so
// an absent factor stays absent rather than becoming a zero score.
type record struct {
	Symbol     string  `json:"symbol"`
	Price      float64 `json:"price"`
	Confidence float64 `json:"confidence"`
	RangeHigh  float64 `json:"range_high"`
	RangeLow   float64 `json:"range_low"`

	Timestamp time.Time `json:"timestamp"`

	Factors struct {
		VolumeRatio    *float64 `json:"volume_ratio"`
		RelStrength    *float64 `json:"rel_strength"`
		VWAPDistance   *float64 `json:"vwap_distance"`
		ORBVolumeRatio *float64 `json:"orb_volume_ratio"`
		ORBRangePct    *float64 `json:"orb_range_pct"`
		MomentumOsc    *float64 `json:"momentum_osc"`
	} `json:"factors"`
}

// Provider implements ports.SignalProvider over a JSON snapshot file.
type Provider struct {
	path   string
	logger ports.Logger
}

func New(path string, logger ports.Logger) (*Provider, error) {
	if path == "" {
		return nil, fmt.Errorf("signalfile: path is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("signalfile: logger is required")
	}
	return &Provider{path: path, logger: logger}, nil
}

// Collect parses the snapshot. Records without a symbol or a positive price
// cannot be traded and are skipped with a warning; a missing file yields an
// empty session rather than an error.
func (p *Provider) Collect(ctx context.Context) ([]domain.Signal, error) {
	b, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			p.logger.Warn(ctx, "Signal snapshot not found, nothing to trade", map[string]interface{}{"path": p.path})
			return nil, nil
		}
		return nil, fmt.Errorf("signalfile: read %s: %w", p.path, err)
	}

	var records []record
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, fmt.Errorf("signalfile: parse %s: %w", p.path, err)
	}

	signals := make([]domain.Signal, 0, len(records))
	for _, r := range records {
		if r.Symbol == "" || r.Price <= 0 {
			p.logger.Warn(ctx, "Skipping malformed signal record",
				map[string]interface{}{"symbol": r.Symbol, "price": r.Price})
			continue
		}
		s := domain.Signal{
			Symbol:     r.Symbol,
			Price:      r.Price,
			Confidence: r.Confidence,
			RangeHigh:  r.RangeHigh,
			RangeLow:   r.RangeLow,
			Timestamp:  r.Timestamp,
		}
		s.Factors.VolumeRatio = r.Factors.VolumeRatio
		s.Factors.RelStrength = r.Factors.RelStrength
		s.Factors.VWAPDistance = r.Factors.VWAPDistance
		s.Factors.ORBVolumeRatio = r.Factors.ORBVolumeRatio
		s.Factors.ORBRangePct = r.Factors.ORBRangePct
		s.Factors.MomentumOsc = r.Factors.MomentumOsc
		signals = append(signals, s)
	}

	p.logger.Info(ctx, "Collected signal snapshot", map[string]interface{}{
		"path":  p.path,
		"count": len(signals),
	})
	return signals, nil
}
