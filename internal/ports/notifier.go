package ports

import (
	"context"

	"breakoutBot/internal/domain"
)

// ExecutionSummary is the per-session summary event emitted after allocation
// and order placement complete.
type ExecutionSummary struct {
	PlanID          string
	TradesPlaced    int
	CapitalDeployed float64
	CapitalBudget   float64
	Efficiency      float64 // Deployed / target budget
}

// ExitEvent is emitted once per closed position.
type ExitEvent struct {
	Symbol     string
	Reason     domain.ExitReason
	PNL        float64
	PNLPercent float64
}

// Notifier is the notification collaborator. Delivery mechanics (push,
// webhook, chat) are out of scope; the engine only emits structured events.
type Notifier interface {
	GateDecision(ctx context.Context, decision domain.GateDecision)
	ExecutionSummary(ctx context.Context, summary ExecutionSummary)
	Exit(ctx context.Context, event ExitEvent)
	// Alert reports a failure that needs operator attention. No failure in
	// the core is swallowed without at least this side effect.
	Alert(ctx context.Context, reason string, err error)
}
