package main

import (
	"context"
	"log" // Use standard log only for initial fatal errors before logger is set up
	"net/http"
	"os"
	"time"

	"breakoutBot/config"
	"breakoutBot/internal/adapters/logger"
	"breakoutBot/internal/adapters/lognotifier"
	"breakoutBot/internal/adapters/metrics"
	"breakoutBot/internal/adapters/paperbroker"
	"breakoutBot/internal/adapters/signalfile"
	"breakoutBot/internal/adapters/sqlite"
	"breakoutBot/internal/allocator"
	"breakoutBot/internal/app"
	"breakoutBot/internal/domain"
	"breakoutBot/internal/exitengine"
	"breakoutBot/internal/gate"
	"breakoutBot/internal/ports"
	"breakoutBot/internal/protection"
	"breakoutBot/internal/ranker"
	"breakoutBot/internal/retry"
)

// seedingProvider feeds each collected signal's last price and oscillator
// reading into the paper broker, so paper quotes exist before any order or
// exit-engine tick touches the symbol.
type seedingProvider struct {
	inner  ports.SignalProvider
	broker *paperbroker.Broker
}

func (s *seedingProvider) Collect(ctx context.Context) ([]domain.Signal, error) {
	signals, err := s.inner.Collect(ctx)
	if err != nil {
		return nil, err
	}
	for _, sig := range signals {
		s.broker.SetQuote(sig.Symbol, sig.Price)
		if sig.Factors.MomentumOsc != nil {
			s.broker.SetMomentumOsc(sig.Symbol, *sig.Factors.MomentumOsc)
		}
	}
	return signals, nil
}

func main() {
	// 1. Load Configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.New(logger.ParseLevel(cfg.LogLevel))
	appLogger.Info(context.Background(), "Logger initialized", map[string]interface{}{"level": cfg.LogLevel})

	// 3. Initialize Repository (Database Adapter)
	repo, err := sqlite.NewRepository(sqlite.Config{
		DBPath: cfg.Database.Path,
		Logger: appLogger,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize database repository")
		log.Fatalf("FATAL: Failed to initialize database repository: %v", err)
	}
	defer func() {
		if err := repo.Close(); err != nil {
			appLogger.Error(context.Background(), err, "Error closing database repository")
		}
	}()
	appLogger.Info(context.Background(), "Database repository initialized")

	// 4. Initialize Broker (paper execution) and Signal Source
	broker, err := paperbroker.New(cfg.Broker.PaperCapital, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize paper broker")
		log.Fatalf("FATAL: Failed to initialize paper broker: %v", err)
	}
	fileProvider, err := signalfile.New(cfg.Signals.File, appLogger)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal provider")
		log.Fatalf("FATAL: Failed to initialize signal provider: %v", err)
	}
	signals := &seedingProvider{inner: fileProvider, broker: broker}

	// 5. Initialize Notifier stack and Metrics endpoint
	recorder := metrics.NewRecorder()
	notifier := lognotifier.Multi{lognotifier.New(appLogger), recorder}
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, recorder.Handler())
		srv := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			appLogger.Info(context.Background(), "Metrics endpoint listening", map[string]interface{}{
				"addr": cfg.Metrics.Addr,
				"path": cfg.Metrics.Path,
			})
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				appLogger.Error(context.Background(), err, "Metrics endpoint failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// 6. Initialize Session Components
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
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize red-flag gate")
		log.Fatalf("FATAL: Failed to initialize red-flag gate: %v", err)
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
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize signal ranker")
		log.Fatalf("FATAL: Failed to initialize signal ranker: %v", err)
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
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize capital allocator")
		log.Fatalf("FATAL: Failed to initialize capital allocator: %v", err)
	}
	prot, err := protection.New(cfg.Protection)
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize entry protection")
		log.Fatalf("FATAL: Failed to initialize entry protection: %v", err)
	}
	engine, err := exitengine.New(exitengine.ConfigFrom(cfg), appLogger, repo, repo, broker, broker, notifier,
		retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			Min:         cfg.BackoffMin(),
			Max:         cfg.BackoffMax(),
		})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize exit engine")
		log.Fatalf("FATAL: Failed to initialize exit engine: %v", err)
	}

	// 7. Initialize Application Service
	tradingService, err := app.NewTradingService(cfg, app.Deps{
		Logger:     appLogger,
		Signals:    signals,
		Broker:     broker,
		Positions:  repo,
		Plans:      repo,
		Notifier:   notifier,
		Metrics:    recorder,
		Gate:       g,
		Ranker:     rk,
		Allocator:  al,
		Protection: prot,
		Engine:     engine,
	})
	if err != nil {
		appLogger.Error(context.Background(), err, "FATAL: Failed to initialize trading service")
		log.Fatalf("FATAL: Failed to initialize trading service: %v", err)
	}
	appLogger.Info(context.Background(), "Trading service initialized")

	// 8. Start the Service
	if err := tradingService.Start(context.Background()); err != nil {
		appLogger.Error(context.Background(), err, "Trading service exited with error")
		log.Fatalf("FATAL: Trading service exited with error: %v", err)
	}

	appLogger.Info(context.Background(), "Session finished gracefully.")
}
