// Package allocator converts a ranked, gated signal list into an
// AllocationPlan of whole-share position sizes under a capital budget,
// per-position caps, and liquidity caps.
package allocator

import (
	"context"
	"fmt"
	"math"
	"time"

	"breakoutBot/internal/domain"
	"breakoutBot/internal/ports"

	"github.com/google/uuid"
)

// minTargetCount is the floor for the adaptive fair-share loop. Below it the
// allocator falls back to greedily taking the top affordable candidates.
const minTargetCount = 3

// rejectionLimit triggers halving of the target count when more than this
// fraction of candidates fail the affordability filter.
const rejectionLimit = 0.6

// Config holds the allocator's tunables.
type Config struct {
	TargetAllocationFraction float64
	MaxPositionFraction      float64
	LiquidityFraction        float64 // Of trailing ADV in dollar terms
	MaxConcurrentPositions   int
	MinPositionValue         float64
	AffordabilityMultiple    float64 // One-share price above multiple*fairShare is too expensive
	RankMultipliers          []float64
	RedistributionMaxPasses  int
}

// Allocator builds allocation plans. It runs once per session, synchronously,
// against a frozen snapshot of ranked signals.
type Allocator struct {
	cfg    Config
	logger ports.Logger
	broker ports.BrokerClient
	now    func() time.Time
}

// New creates an Allocator.
func New(cfg Config, logger ports.Logger, broker ports.BrokerClient) (*Allocator, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for allocator")
	}
	if broker == nil {
		return nil, fmt.Errorf("broker client is required for allocator")
	}
	if len(cfg.RankMultipliers) == 0 {
		return nil, fmt.Errorf("rank multipliers must not be empty")
	}
	if cfg.MaxConcurrentPositions <= 0 {
		return nil, fmt.Errorf("max concurrent positions must be positive")
	}
	return &Allocator{cfg: cfg, logger: logger, broker: broker, now: time.Now}, nil
}

// sizing carries one candidate through the pipeline stages.
type sizing struct {
	sig       domain.Signal
	target    float64 // Dollar size, mutated stage by stage
	capValue  float64 // Hard dollar ceiling: min(per-position cap, liquidity cap)
	shares    int64
	cappedPos bool
	cappedLiq bool
}

// Build produces the session's allocation plan. capital is the budget of this
// sub-strategy; the deployed total targets TargetAllocationFraction of it,
// within whole-share rounding tolerance. Zero affordable candidates yield an
// empty plan, not an error.
func (a *Allocator) Build(ctx context.Context, ranked []domain.Signal, capital float64) (*domain.AllocationPlan, error) {
	plan := &domain.AllocationPlan{
		ID:             uuid.New().String(),
		CreatedAt:      a.now().UTC(),
		CapitalBudget:  capital,
		TargetFraction: a.cfg.TargetAllocationFraction,
	}
	if capital <= 0 || len(ranked) == 0 {
		return plan, nil
	}

	advDollars := a.liquidityLimits(ctx, ranked)
	targetBudget := capital * a.cfg.TargetAllocationFraction

	targetCount := len(ranked)
	if targetCount > a.cfg.MaxConcurrentPositions {
		targetCount = a.cfg.MaxConcurrentPositions
	}

	for targetCount >= minTargetCount {
		fairShare := targetBudget / float64(targetCount)
		affordable := affordableOf(ranked, a.cfg.AffordabilityMultiple*fairShare)

		rejected := len(ranked) - len(affordable)
		if float64(rejected) > rejectionLimit*float64(len(ranked)) {
			half := targetCount / 2
			a.logger.Info(ctx, "Affordability filter rejected too many candidates, halving target count", map[string]interface{}{
				"rejected":    rejected,
				"candidates":  len(ranked),
				"targetCount": targetCount,
				"nextTarget":  half,
			})
			if half < minTargetCount {
				break
			}
			targetCount = half
			continue
		}

		selected := affordable
		if len(selected) > targetCount {
			selected = selected[:targetCount]
		}
		a.pipeline(ctx, plan, selected, fairShare, targetBudget, capital, advDollars)
		return plan, nil
	}

	// Below the adaptive floor: take the top affordable candidates that fit
	// the budget at all.
	a.fallback(ctx, plan, ranked, targetBudget, capital, advDollars)
	return plan, nil
}

// liquidityLimits fetches trailing ADV dollar figures per symbol. A missing
// figure leaves that symbol uncapped: liquidity data outages must not reduce
// trading, only concentration limits may.
func (a *Allocator) liquidityLimits(ctx context.Context, ranked []domain.Signal) map[string]float64 {
	limits := make(map[string]float64, len(ranked))
	for _, s := range ranked {
		advShares, err := a.broker.AverageDailyVolume(ctx, s.Symbol)
		if err != nil {
			a.logger.Warn(ctx, "ADV unavailable, liquidity cap skipped for symbol", map[string]interface{}{
				"symbol": s.Symbol,
				"error":  err.Error(),
			})
			continue
		}
		limits[s.Symbol] = advShares * s.Price
	}
	return limits
}

func affordableOf(ranked []domain.Signal, maxPrice float64) []domain.Signal {
	out := make([]domain.Signal, 0, len(ranked))
	for _, s := range ranked {
		if s.Price > 0 && s.Price <= maxPrice {
			out = append(out, s)
		}
	}
	return out
}

// pipeline applies the six sizing stages to the selected candidates.
func (a *Allocator) pipeline(ctx context.Context, plan *domain.AllocationPlan, selected []domain.Signal,
	fairShare, targetBudget, capital float64, advDollars map[string]float64) {

	if len(selected) == 0 {
		return
	}

	items := make([]*sizing, 0, len(selected))

	// Stage 1: rank multiplier over the fair-share baseline.
	for i, s := range selected {
		items = append(items, &sizing{
			sig:      s,
			target:   fairShare * a.rankMultiplier(i),
			capValue: math.Inf(1),
		})
	}

	// Stage 2: per-position cap as a fraction of total capital.
	posCap := a.cfg.MaxPositionFraction * capital
	for _, it := range items {
		if posCap < it.capValue {
			it.capValue = posCap
		}
		if it.target > posCap {
			it.target = posCap
			it.cappedPos = true
		}
	}

	// Stage 3: liquidity cap as a fraction of trailing ADV dollars. Capital
	// freed here flows back in during redistribution.
	for _, it := range items {
		adv, ok := advDollars[it.sig.Symbol]
		if !ok {
			continue
		}
		liqCap := a.cfg.LiquidityFraction * adv
		if liqCap < it.capValue {
			it.capValue = liqCap
		}
		if it.target > liqCap {
			it.target = liqCap
			it.cappedLiq = true
		}
	}

	// Stage 4: proportional normalization to the target budget, re-clamped
	// so scaling up never breaches a cap.
	var total float64
	for _, it := range items {
		total += it.target
	}
	if total > 0 {
		factor := targetBudget / total
		for _, it := range items {
			it.target *= factor
			if it.target > it.capValue {
				it.target = it.capValue
			}
		}
	}

	// Stage 5: constrained sequential whole-share rounding.
	remaining := a.roundToShares(items, targetBudget)

	// Drop entries rounding left too small; their dollars return to the pool.
	kept := items[:0]
	for _, it := range items {
		value := float64(it.shares) * it.sig.Price
		if it.shares <= 0 || value < a.cfg.MinPositionValue {
			remaining += value
			continue
		}
		kept = append(kept, it)
	}
	items = kept

	// Stage 6: redistribute leftover capital to the top-ranked positions
	// that can still absorb whole shares.
	a.redistribute(items, remaining)

	for _, it := range items {
		plan.Items = append(plan.Items, domain.Allocation{
			Signal:            it.sig,
			TargetValue:       it.target,
			Shares:            it.shares,
			Value:             float64(it.shares) * it.sig.Price,
			CappedByPosition:  it.cappedPos,
			CappedByLiquidity: it.cappedLiq,
		})
	}

	a.logger.Info(ctx, "Allocation plan built", map[string]interface{}{
		"planID":    plan.ID,
		"positions": len(plan.Items),
		"deployed":  plan.TotalValue(),
		"budget":    targetBudget,
	})
}

// roundToShares allocates floor share counts first, then hands out one share
// at a time to the position with the largest remaining fractional need, while
// a whole share still fits the budget and the position's cap. Returns the
// unspent budget.
func (a *Allocator) roundToShares(items []*sizing, targetBudget float64) float64 {
	var spent float64
	for _, it := range items {
		it.shares = int64(it.target / it.sig.Price)
		spent += float64(it.shares) * it.sig.Price
	}
	remaining := targetBudget - spent

	for {
		var best *sizing
		var bestNeed float64
		for _, it := range items {
			if it.sig.Price > remaining {
				continue
			}
			if float64(it.shares+1)*it.sig.Price > it.capValue {
				continue
			}
			need := it.target - float64(it.shares)*it.sig.Price
			if best == nil || need > bestNeed {
				best = it
				bestNeed = need
			}
		}
		if best == nil {
			return remaining
		}
		best.shares++
		remaining -= best.sig.Price
	}
}

// redistribute spends leftover capital on additional whole shares, one pass
// at a time in rank order so the top-ranked positions absorb proportionally
// more, until nothing improves or the pass cap is hit.
func (a *Allocator) redistribute(items []*sizing, remaining float64) {
	for pass := 0; pass < a.cfg.RedistributionMaxPasses; pass++ {
		improved := false
		for _, it := range items {
			if it.sig.Price > remaining {
				continue
			}
			if float64(it.shares+1)*it.sig.Price > it.capValue {
				continue
			}
			it.shares++
			remaining -= it.sig.Price
			improved = true
		}
		if !improved {
			return
		}
	}
}

// fallback greedily takes the top-ranked candidates whose single share price
// fits the remaining budget, respecting caps, up to the concurrency limit.
func (a *Allocator) fallback(ctx context.Context, plan *domain.AllocationPlan, ranked []domain.Signal,
	targetBudget, capital float64, advDollars map[string]float64) {

	remaining := targetBudget
	posCap := a.cfg.MaxPositionFraction * capital

	for _, s := range ranked {
		if len(plan.Items) >= a.cfg.MaxConcurrentPositions {
			break
		}
		if s.Price <= 0 || s.Price > remaining {
			continue
		}
		capValue := posCap
		if adv, ok := advDollars[s.Symbol]; ok {
			if liq := a.cfg.LiquidityFraction * adv; liq < capValue {
				capValue = liq
			}
		}
		target := math.Min(capValue, remaining)
		shares := int64(target / s.Price)
		value := float64(shares) * s.Price
		if shares < 1 || value < a.cfg.MinPositionValue {
			continue
		}
		plan.Items = append(plan.Items, domain.Allocation{
			Signal:      s,
			TargetValue: target,
			Shares:      shares,
			Value:       value,
		})
		remaining -= value
	}

	a.logger.Info(ctx, "Allocation fallback used below adaptive floor", map[string]interface{}{
		"planID":    plan.ID,
		"positions": len(plan.Items),
		"deployed":  plan.TotalValue(),
	})
}

// rankMultiplier returns the step multiplier for the i-th ranked selection;
// ranks beyond the table get the smallest step.
func (a *Allocator) rankMultiplier(i int) float64 {
	if i >= len(a.cfg.RankMultipliers) {
		return a.cfg.RankMultipliers[len(a.cfg.RankMultipliers)-1]
	}
	return a.cfg.RankMultipliers[i]
}
