// Package lognotifier implements ports.Notifier on top of the structured
// logger. Delivery to external channels is out of scope; every event still
// gets a durable, searchable log line.
package lognotifier

import (
	"context"

	"breakoutBot/internal/domain"
	"breakoutBot/internal/ports"
)

// Notifier writes every event through the structured logger.
type Notifier struct {
	logger ports.Logger
}

// New creates a logger-backed notifier.
func New(logger ports.Logger) *Notifier {
	return &Notifier{logger: logger}
}

func (n *Notifier) GateDecision(ctx context.Context, decision domain.GateDecision) {
	fields := map[string]interface{}{
		"proceed":               decision.Proceed,
		"reason":                string(decision.Reason),
		"oversold_exhaustion":   decision.OversoldExhaustion,
		"overbought_exhaustion": decision.OverboughtExhaustion,
		"weak_participation":    decision.WeakParticipation,
	}
	if decision.Proceed {
		n.logger.Info(ctx, "Gate decision: proceed", fields)
		return
	}
	n.logger.Warn(ctx, "Gate decision: red day veto", fields)
}

func (n *Notifier) ExecutionSummary(ctx context.Context, summary ports.ExecutionSummary) {
	n.logger.Info(ctx, "Execution summary", map[string]interface{}{
		"plan_id":          summary.PlanID,
		"trades_placed":    summary.TradesPlaced,
		"capital_deployed": summary.CapitalDeployed,
		"capital_budget":   summary.CapitalBudget,
		"efficiency":       summary.Efficiency,
	})
}

func (n *Notifier) Exit(ctx context.Context, event ports.ExitEvent) {
	n.logger.Info(ctx, "Position exit", map[string]interface{}{
		"symbol":      event.Symbol,
		"reason":      string(event.Reason),
		"pnl":         event.PNL,
		"pnl_percent": event.PNLPercent,
	})
}

func (n *Notifier) Alert(ctx context.Context, reason string, err error) {
	n.logger.Error(ctx, err, "ALERT: "+reason)
}

// Multi fans every event out to several notifiers in order.
type Multi []ports.Notifier

func (m Multi) GateDecision(ctx context.Context, decision domain.GateDecision) {
	for _, n := range m {
		n.GateDecision(ctx, decision)
	}
}

func (m Multi) ExecutionSummary(ctx context.Context, summary ports.ExecutionSummary) {
	for _, n := range m {
		n.ExecutionSummary(ctx, summary)
	}
}

func (m Multi) Exit(ctx context.Context, event ports.ExitEvent) {
	for _, n := range m {
		n.Exit(ctx, event)
	}
}

func (m Multi) Alert(ctx context.Context, reason string, err error) {
	for _, n := range m {
		n.Alert(ctx, reason, err)
	}
}
