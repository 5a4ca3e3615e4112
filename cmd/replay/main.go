// Replay runs a recorded session offline: it loads a signal snapshot and a
// price tape, builds the session plan, and steps the exit engine tick by tick
// against the tape with the paper broker, printing the plan and the resulting
// closed trades.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"breakoutBot/config"
	"breakoutBot/internal/adapters/logger"
	"breakoutBot/internal/adapters/paperbroker"
	"breakoutBot/internal/adapters/signalfile"
	"breakoutBot/internal/adapters/sqlite"
	"breakoutBot/internal/allocator"
	"breakoutBot/internal/domain"
	"breakoutBot/internal/exitengine"
	"breakoutBot/internal/gate"
	"breakoutBot/internal/ports"
	"breakoutBot/internal/protection"
	"breakoutBot/internal/ranker"
	"breakoutBot/internal/retry"
)

// tapeTick is one recorded market observation. Symbols absent from quotes
// keep their last price; symbols absent from osc have no oscillator reading
// for that tick.
type tapeTick struct {
	At     time.Time          `json:"at"`
	Quotes map[string]float64 `json:"quotes"`
	Osc    map[string]float64 `json:"osc"`
}

// collector records engine output for the end-of-run report.
type collector struct {
	exits  []ports.ExitEvent
	alerts []string
}

func (c *collector) GateDecision(ctx context.Context, decision domain.GateDecision) {}

func (c *collector) ExecutionSummary(ctx context.Context, summary ports.ExecutionSummary) {}

func (c *collector) Exit(ctx context.Context, event ports.ExitEvent) {
	c.exits = append(c.exits, event)
}

func (c *collector) Alert(ctx context.Context, reason string, err error) {
	c.alerts = append(c.alerts, fmt.Sprintf("%s: %v", reason, err))
}

func loadTape(path string) ([]tapeTick, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tape %s: %w", path, err)
	}
	var ticks []tapeTick
	if err := json.Unmarshal(b, &ticks); err != nil {
		return nil, fmt.Errorf("parse tape %s: %w", path, err)
	}
	if len(ticks) == 0 {
		return nil, fmt.Errorf("tape %s is empty", path)
	}
	return ticks, nil
}

func main() {
	configPath := flag.String("config", "./config.yaml", "configuration file")
	signalsPath := flag.String("signals", "", "signal snapshot JSON (defaults to the configured file)")
	tapePath := flag.String("tape", "./data/tape.json", "recorded price tape JSON")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}
	if *signalsPath == "" {
		*signalsPath = cfg.Signals.File
	}

	appLogger := logger.New(logger.ParseLevel(cfg.LogLevel))
	ctx := context.Background()

	tape, err := loadTape(*tapePath)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	sessionStart := tape[0].At

	provider, err := signalfile.New(*signalsPath, appLogger)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	signals, err := provider.Collect(ctx)
	if err != nil {
		log.Fatalf("FATAL: Failed to load signals: %v", err)
	}
	if len(signals) == 0 {
		log.Fatalf("FATAL: No signals in %s", *signalsPath)
	}

	broker, err := paperbroker.New(cfg.Broker.PaperCapital, appLogger)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	for _, s := range signals {
		broker.SetQuote(s.Symbol, s.Price)
	}

	// Replay state is throwaway; an in-memory database still exercises the
	// same persistence path the live bot uses.
	repo, err := sqlite.NewRepository(sqlite.Config{DBPath: ":memory:", Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to open in-memory database: %v", err)
	}
	defer repo.Close()

	g, err := gate.New(gate.Config{
		OscLowThreshold:        cfg.Gate.OscLowThreshold,
		OscHighThreshold:       cfg.Gate.OscHighThreshold,
		WeakVolumeRatio:        cfg.Gate.WeakVolumeRatio,
		ParticipationThreshold: cfg.Gate.ParticipationThreshold,
		OverrideMomentum:       cfg.Gate.OverrideMomentum,
		OverrideRelStrength:    cfg.Gate.OverrideRelStrength,
		OverrideStrongMomentum: cfg.Gate.OverrideStrongMomentum,
		OverrideVWAPDistance:   cfg.Gate.OverrideVWAPDistance,
	}, appLogger)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	rk, err := ranker.New(ranker.Config{
		VWAPDistanceWeight: cfg.Ranker.VWAPDistanceWeight,
		RelStrengthWeight:  cfg.Ranker.RelStrengthWeight,
		ORBVolumeWeight:    cfg.Ranker.ORBVolumeWeight,
		ConfidenceWeight:   cfg.Ranker.ConfidenceWeight,
		MomentumWeight:     cfg.Ranker.MomentumWeight,
		ORBRangeWeight:     cfg.Ranker.ORBRangeWeight,
	})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	al, err := allocator.New(allocator.Config{
		TargetAllocationFraction: cfg.Capital.TargetAllocationFraction,
		MaxPositionFraction:      cfg.Capital.MaxPositionFraction,
		LiquidityFraction:        cfg.Capital.LiquidityFraction,
		MaxConcurrentPositions:   cfg.Capital.MaxConcurrentPositions,
		MinPositionValue:         cfg.Capital.MinPositionValue,
		AffordabilityMultiple:    cfg.Capital.AffordabilityMultiple,
		RankMultipliers:          cfg.Capital.RankMultipliers,
		RedistributionMaxPasses:  cfg.Capital.RedistributionMaxPasses,
	}, appLogger, broker)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	prot, err := protection.New(cfg.Protection)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	report := &collector{}
	engine, err := exitengine.New(exitengine.ConfigFrom(cfg), appLogger, repo, repo, broker, broker, report,
		retry.Policy{MaxAttempts: cfg.Retry.MaxAttempts, Min: cfg.BackoffMin(), Max: cfg.BackoffMax()})
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}

	// Session pipeline: gate, rank, allocate, execute at the snapshot prices.
	decision := g.Evaluate(ctx, signals)
	fmt.Printf("Gate decision: proceed=%v reason=%s\n", decision.Proceed, decision.Reason)
	if !decision.Proceed {
		return
	}
	ranked := rk.Rank(signals)

	capital, err := broker.AccountCapital(ctx)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	plan, err := al.Build(ctx, ranked, capital*cfg.StrategyBudgetFraction())
	if err != nil {
		log.Fatalf("FATAL: Allocation failed: %v", err)
	}

	fmt.Printf("\nAllocation plan %s (budget %.2f, target %.0f%%):\n",
		plan.ID, plan.CapitalBudget, plan.TargetFraction*100)
	for _, item := range plan.Items {
		fmt.Printf("  #%d %-6s %4d shares  %10.2f\n",
			item.Signal.Rank, item.Signal.Symbol, item.Shares, item.Value)
	}
	fmt.Printf("  deployed %.2f  efficiency %.1f%%\n", plan.TotalValue(), plan.Efficiency()*100)
	if plan.IsEmpty() {
		return
	}

	for _, item := range plan.Items {
		fill, err := broker.SubmitOrder(ctx, item.Signal.Symbol, domain.Buy, item.Shares)
		if err != nil || fill.FilledQty <= 0 {
			appLogger.Warn(ctx, "Replay order not filled", map[string]interface{}{
				"symbol": item.Signal.Symbol, "error": fmt.Sprint(err),
			})
			continue
		}
		tier, floorStop, err := prot.ForEntry(fill.FillPrice, item.Signal.RangeHigh, item.Signal.RangeLow)
		if err != nil {
			appLogger.Warn(ctx, "Replay entry protection failed", map[string]interface{}{
				"symbol": item.Signal.Symbol, "error": err.Error(),
			})
			continue
		}
		pos := &domain.Position{
			Symbol:        item.Signal.Symbol,
			EntryPrice:    fill.FillPrice,
			Quantity:      fill.FilledQty,
			EntryTime:     sessionStart,
			FloorStop:     floorStop,
			EffectiveStop: floorStop,
			Tier:          tier,
			PeakPrice:     fill.FillPrice,
			PeakTime:      sessionStart,
			Status:        domain.StatusOpen,
		}
		if _, err := repo.Create(ctx, pos); err != nil {
			log.Fatalf("FATAL: Failed to persist position: %v", err)
		}
	}

	// Step the engine over the tape. Oscillator readings are per tick; a
	// symbol with no reading on a tick genuinely has none.
	symbols := make([]string, 0, len(signals))
	for _, s := range signals {
		symbols = append(symbols, s.Symbol)
	}
	for _, tick := range tape {
		for sym, price := range tick.Quotes {
			broker.SetQuote(sym, price)
		}
		for _, sym := range symbols {
			if v, ok := tick.Osc[sym]; ok {
				broker.SetMomentumOsc(sym, v)
			} else {
				broker.ClearMomentumOsc(sym)
			}
		}
		done, err := engine.Tick(ctx, tick.At)
		if err != nil {
			log.Fatalf("FATAL: Engine tick failed: %v", err)
		}
		if done {
			break
		}
	}

	fmt.Printf("\nClosed trades (%d):\n", len(report.exits))
	for _, e := range report.exits {
		fmt.Printf("  %-6s %-22s pnl %9.2f (%+.2f%%)\n", e.Symbol, e.Reason, e.PNL, e.PNLPercent*100)
	}
	total, err := repo.TotalProfit(ctx)
	if err != nil {
		log.Fatalf("FATAL: %v", err)
	}
	fmt.Printf("\nTotal P&L: %.2f\n", total)
	for _, a := range report.alerts {
		fmt.Printf("ALERT: %s\n", a)
	}
	remaining, err := broker.AccountCapital(ctx)
	if err == nil {
		fmt.Printf("Ending capital: %.2f\n", remaining)
	}
}
