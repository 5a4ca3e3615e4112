// Package app orchestrates one trading session: collect signals, gate, rank,
// allocate, execute, then hand every open position to the exit engine until
// the session ends.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"breakoutBot/config"
	"breakoutBot/internal/allocator"
	"breakoutBot/internal/domain"
	"breakoutBot/internal/exitengine"
	"breakoutBot/internal/gate"
	"breakoutBot/internal/ports"
	"breakoutBot/internal/protection"
	"breakoutBot/internal/ranker"
	"breakoutBot/internal/retry"
)

// ExecutionMetrics is the optional hook for counting executions; nil disables
// it.
type ExecutionMetrics interface {
	PlanBuilt()
	PositionOpened()
}

// Deps bundles the collaborators of the trading service.
type Deps struct {
	Logger    ports.Logger
	Signals   ports.SignalProvider
	Broker    ports.BrokerClient
	Positions ports.PositionRepository
	Plans     ports.PlanRepository
	Notifier  ports.Notifier
	Metrics   ExecutionMetrics

	Gate       *gate.Gate
	Ranker     *ranker.Ranker
	Allocator  *allocator.Allocator
	Protection *protection.Calculator
	Engine     *exitengine.Engine
}

// TradingService runs the session flow end to end.
type TradingService struct {
	cfg   *config.Config
	deps  Deps
	retry retry.Policy
}

// NewTradingService creates the application service.
func NewTradingService(cfg *config.Config, deps Deps) (*TradingService, error) {
	if cfg == nil {
		return nil, fmt.Errorf("missing configuration for TradingService")
	}
	if deps.Logger == nil || deps.Signals == nil || deps.Broker == nil ||
		deps.Positions == nil || deps.Plans == nil || deps.Notifier == nil {
		return nil, fmt.Errorf("missing required dependencies for TradingService")
	}
	if deps.Gate == nil || deps.Ranker == nil || deps.Allocator == nil ||
		deps.Protection == nil || deps.Engine == nil {
		return nil, fmt.Errorf("missing required components for TradingService")
	}
	return &TradingService{
		cfg:  cfg,
		deps: deps,
		retry: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Min:         cfg.BackoffMin(),
			Max:         cfg.BackoffMax(),
		},
	}, nil
}

// Start runs one trading session and blocks until it completes or a shutdown
// signal arrives.
func (s *TradingService) Start(ctx context.Context) error {
	s.deps.Logger.Info(ctx, "Starting trading service")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		s.deps.Logger.Info(ctx, "Received shutdown signal", map[string]interface{}{"signal": sig.String()})
		cancel()
	}()

	if err := s.RunSession(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// RunSession executes the single-session flow: gate, rank, allocate, place
// orders, then monitor until end-of-day.
func (s *TradingService) RunSession(ctx context.Context) error {
	signals, err := s.deps.Signals.Collect(ctx)
	if err != nil {
		if errors.Is(err, ports.ErrNoSignals) {
			s.deps.Logger.Info(ctx, "No candidate signals, session over")
			return nil
		}
		return fmt.Errorf("collecting signals: %w", err)
	}
	if len(signals) == 0 {
		s.deps.Logger.Info(ctx, "No candidate signals, session over")
		return nil
	}
	s.deps.Logger.Info(ctx, "Signals collected", map[string]interface{}{"count": len(signals)})

	decision := s.deps.Gate.Evaluate(ctx, signals)
	s.deps.Notifier.GateDecision(ctx, decision)
	if !decision.Proceed {
		s.deps.Logger.Warn(ctx, "Red day veto, no trading this session", map[string]interface{}{
			"reason": string(decision.Reason),
		})
		return nil
	}

	ranked := s.deps.Ranker.Rank(signals)

	capital, err := s.deps.Broker.AccountCapital(ctx)
	if err != nil {
		return fmt.Errorf("reading account capital: %w", err)
	}
	strategyCapital := capital * s.cfg.StrategyBudgetFraction()

	plan, err := s.deps.Allocator.Build(ctx, ranked, strategyCapital)
	if err != nil {
		return fmt.Errorf("building allocation plan: %w", err)
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.PlanBuilt()
	}

	if err := s.retry.Do(ctx, func() error {
		return s.deps.Plans.SavePlan(ctx, plan)
	}); err != nil {
		// Audit trail failure must not stop trading.
		s.deps.Notifier.Alert(ctx, "allocation plan audit failed", err)
	}

	if plan.IsEmpty() {
		s.deps.Logger.Info(ctx, "Empty allocation plan, no trading this session")
		return nil
	}

	opened := s.executePlan(ctx, plan)
	s.deps.Notifier.ExecutionSummary(ctx, ports.ExecutionSummary{
		PlanID:          plan.ID,
		TradesPlaced:    opened,
		CapitalDeployed: plan.TotalValue(),
		CapitalBudget:   plan.CapitalBudget * plan.TargetFraction,
		Efficiency:      plan.Efficiency(),
	})
	if opened == 0 {
		s.deps.Logger.Warn(ctx, "No orders filled, session over")
		return nil
	}

	if err := s.deps.Engine.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("exit engine: %w", err)
	}
	return nil
}

// executePlan submits one market order per plan entry and opens positions for
// the confirmed fills, with entry protection applied. Returns the number of
// positions opened.
func (s *TradingService) executePlan(ctx context.Context, plan *domain.AllocationPlan) int {
	opened := 0
	for _, item := range plan.Items {
		fill, err := s.submitWithRetry(ctx, item.Signal.Symbol, item.Shares)
		if err != nil {
			s.deps.Notifier.Alert(ctx, "order submission failed", err)
			s.deps.Logger.Error(ctx, err, "Order submission failed", map[string]interface{}{
				"symbol": item.Signal.Symbol,
				"shares": item.Shares,
			})
			continue
		}
		if fill.FilledQty <= 0 {
			s.deps.Logger.Warn(ctx, "Order confirmed with zero fill, skipping", map[string]interface{}{
				"symbol": item.Signal.Symbol,
			})
			continue
		}
		if fill.FilledQty < item.Shares {
			s.deps.Logger.Warn(ctx, "Partial fill, opening position for confirmed quantity", map[string]interface{}{
				"symbol":    item.Signal.Symbol,
				"requested": item.Shares,
				"filled":    fill.FilledQty,
			})
		}

		entryPrice := fill.FillPrice
		if entryPrice <= 0 {
			entryPrice = item.Signal.Price
		}
		tier, floorStop, err := s.deps.Protection.ForEntry(entryPrice, item.Signal.RangeHigh, item.Signal.RangeLow)
		if err != nil {
			s.deps.Notifier.Alert(ctx, "entry protection failed", err)
			continue
		}

		pos := &domain.Position{
			Symbol:        item.Signal.Symbol,
			EntryPrice:    entryPrice,
			Quantity:      fill.FilledQty, // Confirmed fill, never the request
			EntryTime:     fill.FilledAt,
			FloorStop:     floorStop,
			EffectiveStop: floorStop,
			Tier:          tier,
			PeakPrice:     entryPrice,
			PeakTime:      fill.FilledAt,
			Status:        domain.StatusOpen,
		}
		if err := s.retry.Do(ctx, func() error {
			_, createErr := s.deps.Positions.Create(ctx, pos)
			return createErr
		}); err != nil {
			s.deps.Notifier.Alert(ctx, "position persistence failed", err)
			continue
		}

		opened++
		if s.deps.Metrics != nil {
			s.deps.Metrics.PositionOpened()
		}
		s.deps.Logger.Info(ctx, "Position opened", map[string]interface{}{
			"symbol":      pos.Symbol,
			"quantity":    pos.Quantity,
			"entry_price": pos.EntryPrice,
			"floor_stop":  pos.FloorStop,
			"tier":        string(pos.Tier),
		})
	}
	return opened
}

// submitWithRetry retries the buy order on transient broker failures, but
// never on an outright rejection.
func (s *TradingService) submitWithRetry(ctx context.Context, symbol string, shares int64) (*ports.OrderFill, error) {
	var fill *ports.OrderFill
	err := s.retry.Do(ctx, func() error {
		var submitErr error
		fill, submitErr = s.deps.Broker.SubmitOrder(ctx, symbol, domain.Buy, shares)
		if submitErr != nil && (errors.Is(submitErr, ports.ErrOrderRejected) || errors.Is(submitErr, ports.ErrInsufficientFunds)) {
			// Deterministic rejections will not improve on retry.
			fill = nil
			return retry.Permanent(submitErr)
		}
		return submitErr
	})
	return fill, err
}
