package domain

import "time"

// Allocation is one sized entry in an allocation plan.
type Allocation struct {
	Signal      Signal
	TargetValue float64 // Dollar size before whole-share rounding
	Shares      int64   // Final whole-share quantity
	Value       float64 // Shares * price

	CappedByPosition  bool // Clamped by the per-position fraction cap
	CappedByLiquidity bool // Clamped by the average-daily-volume cap
}

// AllocationPlan is the ordered, capital-constrained execution plan for one
// session. Owned by the allocator for the duration of a single batch.
type AllocationPlan struct {
	ID             string
	CreatedAt      time.Time
	CapitalBudget  float64 // Total capital the plan was built against
	TargetFraction float64 // Configured target allocation fraction
	Items          []Allocation
}

// TotalValue returns the sum of final position values.
func (p *AllocationPlan) TotalValue() float64 {
	var total float64
	for _, a := range p.Items {
		total += a.Value
	}
	return total
}

// Efficiency returns deployed capital as a fraction of the target budget.
// Zero when the plan has no target budget at all.
func (p *AllocationPlan) Efficiency() float64 {
	target := p.CapitalBudget * p.TargetFraction
	if target <= 0 {
		return 0
	}
	return p.TotalValue() / target
}

// IsEmpty reports whether the plan contains no positions. An empty plan is a
// valid outcome, not an error: trading simply does not occur that session.
func (p *AllocationPlan) IsEmpty() bool {
	return len(p.Items) == 0
}
