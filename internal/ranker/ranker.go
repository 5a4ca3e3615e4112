// Package ranker orders candidate signals by a fixed-weight multi-factor
// priority score. Ranking is a pure function of its inputs.
package ranker

import (
	"fmt"
	"sort"

	"breakoutBot/internal/domain"
)

// neutralScore substitutes for a structurally missing factor. Missing is not
// the same as bad: defaulting to zero would score absent data as worst
// possible, which is factually wrong.
const neutralScore = 0.5

// referenceRangeWidth normalizes the opening-range width percent: a 10% wide
// range scores 1.0.
const referenceRangeWidth = 0.10

// Config holds the factor weights. They must sum to 1.0.
type Config struct {
	VWAPDistanceWeight float64
	RelStrengthWeight  float64
	ORBVolumeWeight    float64
	ConfidenceWeight   float64
	MomentumWeight     float64
	ORBRangeWeight     float64
}

func (c Config) sum() float64 {
	return c.VWAPDistanceWeight + c.RelStrengthWeight + c.ORBVolumeWeight +
		c.ConfidenceWeight + c.MomentumWeight + c.ORBRangeWeight
}

// Ranker scores and orders signals.
type Ranker struct {
	cfg Config
}

// New creates a Ranker, rejecting weight sets that do not sum to 1.0.
func New(cfg Config) (*Ranker, error) {
	if s := cfg.sum(); s < 0.999999 || s > 1.000001 {
		return nil, fmt.Errorf("ranker weights must sum to 1.0, got %.6f", s)
	}
	return &Ranker{cfg: cfg}, nil
}

// Rank computes priority scores and returns a new slice sorted descending by
// score. Ties break by higher confidence, then lexicographic symbol order, so
// the total order is deterministic. Inputs are not mutated.
func (r *Ranker) Rank(signals []domain.Signal) []domain.Signal {
	ranked := make([]domain.Signal, len(signals))
	copy(ranked, signals)

	for i := range ranked {
		ranked[i].PriorityScore = r.score(ranked[i])
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.PriorityScore != b.PriorityScore {
			return a.PriorityScore > b.PriorityScore
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Symbol < b.Symbol
	})

	for i := range ranked {
		ranked[i].Rank = i + 1
	}
	return ranked
}

func (r *Ranker) score(s domain.Signal) float64 {
	f := s.Factors
	return r.cfg.VWAPDistanceWeight*factorScore(f.VWAPDistance, 1) +
		r.cfg.RelStrengthWeight*factorScore(f.RelStrength, 1) +
		r.cfg.ORBVolumeWeight*factorScore(f.ORBVolumeRatio, 1) +
		r.cfg.ConfidenceWeight*clamp01(s.Confidence) +
		r.cfg.MomentumWeight*factorScore(f.MomentumOsc, 100) +
		r.cfg.ORBRangeWeight*factorScore(f.ORBRangePct, referenceRangeWidth)
}

// factorScore normalizes an optional factor reading by scale into [0,1],
// substituting the neutral score when the reading is structurally absent.
func factorScore(v *float64, scale float64) float64 {
	if v == nil {
		return neutralScore
	}
	return clamp01(*v / scale)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
