package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration. It is constructed and validated
// once at startup and passed by reference into each component; no component
// reads the environment or the config file at call sites.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`

	Session struct {
		TickSeconds     int    `yaml:"tick_seconds"`      // Exit engine tick cadence
		CoarseEveryTicks int   `yaml:"coarse_every_ticks"` // Portfolio rules every Nth tick
		EndOfDay        string `yaml:"end_of_day"`        // "HH:MM" wall clock, session timezone
		Timezone        string `yaml:"timezone"`
	} `yaml:"session"`

	Capital struct {
		// StrategyFractions splits total account capital across
		// sub-strategies; the fractions must sum to 100%.
		StrategyFractions map[string]float64 `yaml:"strategy_fractions"`
		Strategy          string             `yaml:"strategy"` // Fraction this engine draws from

		TargetAllocationFraction float64   `yaml:"target_allocation_fraction"`
		MaxPositionFraction      float64   `yaml:"max_position_fraction"`
		LiquidityFraction        float64   `yaml:"liquidity_fraction"` // Of trailing ADV dollars
		MaxConcurrentPositions   int       `yaml:"max_concurrent_positions"`
		MinPositionValue         float64   `yaml:"min_position_value"`
		AffordabilityMultiple    float64   `yaml:"affordability_multiple"` // One-share price vs fair share
		RankMultipliers          []float64 `yaml:"rank_multipliers"`       // Strictly decreasing
		RedistributionMaxPasses  int       `yaml:"redistribution_max_passes"`
	} `yaml:"capital"`

	Ranker struct {
		VWAPDistanceWeight float64 `yaml:"vwap_distance_weight"`
		RelStrengthWeight  float64 `yaml:"rel_strength_weight"`
		ORBVolumeWeight    float64 `yaml:"orb_volume_weight"`
		ConfidenceWeight   float64 `yaml:"confidence_weight"`
		MomentumWeight     float64 `yaml:"momentum_weight"`
		ORBRangeWeight     float64 `yaml:"orb_range_weight"`
	} `yaml:"ranker"`

	Gate struct {
		OscLowThreshold        float64 `yaml:"osc_low_threshold"`
		OscHighThreshold       float64 `yaml:"osc_high_threshold"`
		WeakVolumeRatio        float64 `yaml:"weak_volume_ratio"`
		ParticipationThreshold float64 `yaml:"participation_threshold"`

		OverrideMomentum       float64 `yaml:"override_momentum"`        // Primary: osc at/above this
		OverrideRelStrength    float64 `yaml:"override_rel_strength"`    // Primary: mean rel strength at/above this
		OverrideStrongMomentum float64 `yaml:"override_strong_momentum"` // Secondary: osc alone at/above this
		OverrideVWAPDistance   float64 `yaml:"override_vwap_distance"`   // Tertiary: mean VWAP distance at/above this
	} `yaml:"gate"`

	// Protection tiers ordered from widest volatility floor to narrowest.
	Protection []ProtectionRule `yaml:"protection"`

	Exit struct {
		GapDropPct       float64 `yaml:"gap_drop_pct"`
		GapWindowSeconds int     `yaml:"gap_window_seconds"`

		TrailingActivatePct    float64      `yaml:"trailing_activate_pct"`
		TrailingMinHoldSeconds int          `yaml:"trailing_min_hold_seconds"`
		ProfitTiers            []ProfitTier `yaml:"profit_tiers"` // Descending by min profit

		BreakevenPct             float64 `yaml:"breakeven_pct"`
		BreakevenMinHoldSeconds  int     `yaml:"breakeven_min_hold_seconds"`
		BreakevenLockPct         float64 `yaml:"breakeven_lock_pct"`

		MomentumExitOsc         float64 `yaml:"momentum_exit_osc"`
		MomentumExitLossPct     float64 `yaml:"momentum_exit_loss_pct"`
		MomentumDwellSeconds    int     `yaml:"momentum_dwell_seconds"`

		RapidWindowSeconds        int     `yaml:"rapid_window_seconds"`
		RapidNoMomentumAfterSeconds int   `yaml:"rapid_no_momentum_after_seconds"`
		RapidNoMomentumGainPct    float64 `yaml:"rapid_no_momentum_gain_pct"`
		RapidReversalAfterSeconds int     `yaml:"rapid_reversal_after_seconds"`
		RapidReversalLossPct      float64 `yaml:"rapid_reversal_loss_pct"`
		RapidWeakAfterSeconds     int     `yaml:"rapid_weak_after_seconds"`
		RapidWeakGainPct          float64 `yaml:"rapid_weak_gain_pct"`
		RapidWeakOsc              float64 `yaml:"rapid_weak_osc"`

		ProfitTimeoutMinutes int `yaml:"profit_timeout_minutes"`
		MaxHoldMinutes       int `yaml:"max_hold_minutes"`
	} `yaml:"exit"`

	Health struct {
		WinRateMin       float64 `yaml:"win_rate_min"`
		AvgPnLPercentMin float64 `yaml:"avg_pnl_percent_min"`
		MomentumRatioMin float64 `yaml:"momentum_ratio_min"`
		PeakCaptureMin   float64 `yaml:"peak_capture_min"`
		WarningLossPct   float64 `yaml:"warning_loss_pct"` // Trim positions below this on WARNING
	} `yaml:"health"`

	Retry struct {
		MaxAttempts   int `yaml:"max_attempts"`
		BackoffMinMs  int `yaml:"backoff_min_ms"`
		BackoffMaxMs  int `yaml:"backoff_max_ms"`
	} `yaml:"retry"`

	Broker struct {
		PaperCapital float64 `yaml:"paper_capital"`
	} `yaml:"broker"`

	Signals struct {
		File string `yaml:"file"` // JSON signal snapshot for the session
	} `yaml:"signals"`
}

// ProtectionRule is one (volatility floor, stop percent) entry of the entry
// protection tier table.
type ProtectionRule struct {
	Tier          string  `yaml:"tier"`
	MinVolatility float64 `yaml:"min_volatility"`
	StopPercent   float64 `yaml:"stop_percent"`
}

// ProfitTier maps a minimum unrealized profit to a trailing retrace distance.
type ProfitTier struct {
	MinProfit float64 `yaml:"min_profit"`
	Distance  float64 `yaml:"distance"`
}

// TickInterval returns the exit engine tick cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Session.TickSeconds) * time.Second
}

// GapWindow returns the flash-crash detection window.
func (c *Config) GapWindow() time.Duration {
	return time.Duration(c.Exit.GapWindowSeconds) * time.Second
}

// BackoffMin returns the minimum retry backoff.
func (c *Config) BackoffMin() time.Duration {
	return time.Duration(c.Retry.BackoffMinMs) * time.Millisecond
}

// BackoffMax returns the maximum retry backoff.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxMs) * time.Millisecond
}

// StrategyBudgetFraction returns the capital fraction assigned to this
// engine's sub-strategy.
func (c *Config) StrategyBudgetFraction() float64 {
	return c.Capital.StrategyFractions[c.Capital.Strategy]
}

// EndOfDayClock returns the configured end-of-day as hour and minute.
func (c *Config) EndOfDayClock() (hour, minute int) {
	parts := strings.SplitN(c.Session.EndOfDay, ":", 2)
	hour, _ = strconv.Atoi(parts[0])
	if len(parts) == 2 {
		minute, _ = strconv.Atoi(parts[1])
	}
	return hour, minute
}

// Location returns the session timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Session.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load reads the YAML config file, applies environment overrides, fills
// defaults for anything unset, and validates the result. A missing file is
// not an error; defaults then carry the whole configuration.
func Load(path string) (*Config, error) {
	// Load .env if present (pure env vars still work without it).
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		b, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("METRICS_ADDR"); v != "" {
		c.Metrics.Addr = v
	}
	if v := os.Getenv("PAPER_CAPITAL"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Broker.PaperCapital = f
		}
	}
	if v := os.Getenv("SIGNALS_FILE"); v != "" {
		c.Signals.File = v
	}
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Database.Path == "" {
		c.Database.Path = "./data/breakout_bot.db"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Signals.File == "" {
		c.Signals.File = "./data/signals.json"
	}
	if c.Session.TickSeconds == 0 {
		c.Session.TickSeconds = 30
	}
	if c.Session.CoarseEveryTicks == 0 {
		c.Session.CoarseEveryTicks = 10
	}
	if c.Session.EndOfDay == "" {
		c.Session.EndOfDay = "15:45"
	}
	if c.Session.Timezone == "" {
		c.Session.Timezone = "America/New_York"
	}

	if c.Capital.StrategyFractions == nil {
		c.Capital.StrategyFractions = map[string]float64{"breakout": 0.85, "options": 0.15}
	}
	if c.Capital.Strategy == "" {
		c.Capital.Strategy = "breakout"
	}
	if c.Capital.TargetAllocationFraction == 0 {
		c.Capital.TargetAllocationFraction = 0.90
	}
	if c.Capital.MaxPositionFraction == 0 {
		c.Capital.MaxPositionFraction = 0.25
	}
	if c.Capital.LiquidityFraction == 0 {
		c.Capital.LiquidityFraction = 0.01
	}
	if c.Capital.MaxConcurrentPositions == 0 {
		c.Capital.MaxConcurrentPositions = 8
	}
	if c.Capital.MinPositionValue == 0 {
		c.Capital.MinPositionValue = 50
	}
	if c.Capital.AffordabilityMultiple == 0 {
		c.Capital.AffordabilityMultiple = 1.5
	}
	if len(c.Capital.RankMultipliers) == 0 {
		c.Capital.RankMultipliers = []float64{1.50, 1.30, 1.15, 1.00, 0.90, 0.80}
	}
	if c.Capital.RedistributionMaxPasses == 0 {
		c.Capital.RedistributionMaxPasses = 10
	}

	if c.Ranker.VWAPDistanceWeight == 0 && c.Ranker.RelStrengthWeight == 0 {
		c.Ranker.VWAPDistanceWeight = 0.27
		c.Ranker.RelStrengthWeight = 0.25
		c.Ranker.ORBVolumeWeight = 0.22
		c.Ranker.ConfidenceWeight = 0.13
		c.Ranker.MomentumWeight = 0.10
		c.Ranker.ORBRangeWeight = 0.03
	}

	if c.Gate.OscLowThreshold == 0 {
		c.Gate.OscLowThreshold = 30
	}
	if c.Gate.OscHighThreshold == 0 {
		c.Gate.OscHighThreshold = 70
	}
	if c.Gate.WeakVolumeRatio == 0 {
		c.Gate.WeakVolumeRatio = 0.8
	}
	if c.Gate.ParticipationThreshold == 0 {
		c.Gate.ParticipationThreshold = 0.6
	}
	if c.Gate.OverrideMomentum == 0 {
		c.Gate.OverrideMomentum = 60
	}
	if c.Gate.OverrideRelStrength == 0 {
		c.Gate.OverrideRelStrength = 0.6
	}
	if c.Gate.OverrideStrongMomentum == 0 {
		c.Gate.OverrideStrongMomentum = 70
	}
	if c.Gate.OverrideVWAPDistance == 0 {
		c.Gate.OverrideVWAPDistance = 0.55
	}

	if len(c.Protection) == 0 {
		c.Protection = []ProtectionRule{
			{Tier: "wide", MinVolatility: 0.09, StopPercent: 0.050},
			{Tier: "broad", MinVolatility: 0.06, StopPercent: 0.040},
			{Tier: "standard", MinVolatility: 0.04, StopPercent: 0.030},
			{Tier: "narrow", MinVolatility: 0.02, StopPercent: 0.025},
			{Tier: "tight", MinVolatility: 0.00, StopPercent: 0.020},
		}
	}

	if c.Exit.GapDropPct == 0 {
		c.Exit.GapDropPct = 0.04
	}
	if c.Exit.GapWindowSeconds == 0 {
		c.Exit.GapWindowSeconds = 120
	}
	if c.Exit.TrailingActivatePct == 0 {
		c.Exit.TrailingActivatePct = 0.02
	}
	if c.Exit.TrailingMinHoldSeconds == 0 {
		c.Exit.TrailingMinHoldSeconds = 600
	}
	if len(c.Exit.ProfitTiers) == 0 {
		c.Exit.ProfitTiers = []ProfitTier{
			{MinProfit: 0.10, Distance: 0.030},
			{MinProfit: 0.06, Distance: 0.025},
			{MinProfit: 0.03, Distance: 0.020},
			{MinProfit: 0.00, Distance: 0.015},
		}
	}
	if c.Exit.BreakevenPct == 0 {
		c.Exit.BreakevenPct = 0.015
	}
	if c.Exit.BreakevenMinHoldSeconds == 0 {
		c.Exit.BreakevenMinHoldSeconds = 300
	}
	if c.Exit.BreakevenLockPct == 0 {
		c.Exit.BreakevenLockPct = 0.002
	}
	if c.Exit.MomentumExitOsc == 0 {
		c.Exit.MomentumExitOsc = 35
	}
	if c.Exit.MomentumExitLossPct == 0 {
		c.Exit.MomentumExitLossPct = 0.01
	}
	if c.Exit.MomentumDwellSeconds == 0 {
		c.Exit.MomentumDwellSeconds = 180
	}
	if c.Exit.RapidWindowSeconds == 0 {
		c.Exit.RapidWindowSeconds = 600
	}
	if c.Exit.RapidNoMomentumAfterSeconds == 0 {
		c.Exit.RapidNoMomentumAfterSeconds = 300
	}
	if c.Exit.RapidNoMomentumGainPct == 0 {
		c.Exit.RapidNoMomentumGainPct = 0.001
	}
	if c.Exit.RapidReversalAfterSeconds == 0 {
		c.Exit.RapidReversalAfterSeconds = 120
	}
	if c.Exit.RapidReversalLossPct == 0 {
		c.Exit.RapidReversalLossPct = 0.01
	}
	if c.Exit.RapidWeakAfterSeconds == 0 {
		c.Exit.RapidWeakAfterSeconds = 480
	}
	if c.Exit.RapidWeakGainPct == 0 {
		c.Exit.RapidWeakGainPct = 0.003
	}
	if c.Exit.RapidWeakOsc == 0 {
		c.Exit.RapidWeakOsc = 50
	}
	if c.Exit.ProfitTimeoutMinutes == 0 {
		c.Exit.ProfitTimeoutMinutes = 120
	}
	if c.Exit.MaxHoldMinutes == 0 {
		c.Exit.MaxHoldMinutes = 360
	}

	if c.Health.WinRateMin == 0 {
		c.Health.WinRateMin = 0.40
	}
	if c.Health.AvgPnLPercentMin == 0 {
		c.Health.AvgPnLPercentMin = -0.005
	}
	if c.Health.MomentumRatioMin == 0 {
		c.Health.MomentumRatioMin = 0.35
	}
	if c.Health.PeakCaptureMin == 0 {
		c.Health.PeakCaptureMin = 0.30
	}
	if c.Health.WarningLossPct == 0 {
		c.Health.WarningLossPct = 0.01
	}

	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BackoffMinMs == 0 {
		c.Retry.BackoffMinMs = 200
	}
	if c.Retry.BackoffMaxMs == 0 {
		c.Retry.BackoffMaxMs = 5000
	}

	if c.Broker.PaperCapital == 0 {
		c.Broker.PaperCapital = 25000
	}
}

// Validate checks the whole configuration once, at construction. Components
// may assume a validated config.
func (c *Config) Validate() error {
	var errs []string

	// Sub-strategy capital split must cover the whole account.
	var sum float64
	for _, f := range c.Capital.StrategyFractions {
		if f < 0 {
			errs = append(errs, "strategy fractions must be non-negative")
		}
		sum += f
	}
	if math.Abs(sum-1.0) > 1e-9 {
		errs = append(errs, fmt.Sprintf("strategy fractions must sum to 100%%, got %.4f", sum))
	}
	if _, ok := c.Capital.StrategyFractions[c.Capital.Strategy]; !ok {
		errs = append(errs, fmt.Sprintf("strategy %q has no capital fraction", c.Capital.Strategy))
	}

	if c.Capital.TargetAllocationFraction <= 0 || c.Capital.TargetAllocationFraction > 1 {
		errs = append(errs, "target_allocation_fraction must be in (0, 1]")
	}
	if c.Capital.MaxPositionFraction <= 0 || c.Capital.MaxPositionFraction > 1 {
		errs = append(errs, "max_position_fraction must be in (0, 1]")
	}
	if c.Capital.LiquidityFraction <= 0 || c.Capital.LiquidityFraction > 1 {
		errs = append(errs, "liquidity_fraction must be in (0, 1]")
	}
	if c.Capital.MaxConcurrentPositions <= 0 {
		errs = append(errs, "max_concurrent_positions must be positive")
	}
	if c.Capital.AffordabilityMultiple < 1 {
		errs = append(errs, "affordability_multiple must be at least 1")
	}
	for i := 1; i < len(c.Capital.RankMultipliers); i++ {
		if c.Capital.RankMultipliers[i] >= c.Capital.RankMultipliers[i-1] {
			errs = append(errs, "rank_multipliers must be strictly decreasing")
			break
		}
	}
	if n := len(c.Capital.RankMultipliers); n > 0 && c.Capital.RankMultipliers[n-1] <= 0 {
		errs = append(errs, "rank_multipliers must be positive")
	}

	weightsSum := c.Ranker.VWAPDistanceWeight + c.Ranker.RelStrengthWeight +
		c.Ranker.ORBVolumeWeight + c.Ranker.ConfidenceWeight +
		c.Ranker.MomentumWeight + c.Ranker.ORBRangeWeight
	if math.Abs(weightsSum-1.0) > 1e-9 {
		errs = append(errs, fmt.Sprintf("ranker weights must sum to 1.0, got %.4f", weightsSum))
	}

	if c.Gate.OscLowThreshold >= c.Gate.OscHighThreshold {
		errs = append(errs, "gate osc_low_threshold must be below osc_high_threshold")
	}
	if c.Gate.ParticipationThreshold <= 0 || c.Gate.ParticipationThreshold > 1 {
		errs = append(errs, "gate participation_threshold must be in (0, 1]")
	}

	for i := 1; i < len(c.Protection); i++ {
		if c.Protection[i].MinVolatility >= c.Protection[i-1].MinVolatility {
			errs = append(errs, "protection tiers must be ordered by descending volatility floor")
			break
		}
	}
	for _, r := range c.Protection {
		if r.StopPercent <= 0 || r.StopPercent >= 1 {
			errs = append(errs, fmt.Sprintf("protection tier %q stop_percent must be in (0, 1)", r.Tier))
		}
	}
	if n := len(c.Protection); n == 0 || c.Protection[n-1].MinVolatility != 0 {
		errs = append(errs, "protection tiers must end with a zero volatility floor")
	}

	if c.Session.TickSeconds <= 0 || c.Session.CoarseEveryTicks <= 0 {
		errs = append(errs, "session tick cadence must be positive")
	}
	if h, m := c.EndOfDayClock(); h < 0 || h > 23 || m < 0 || m > 59 {
		errs = append(errs, fmt.Sprintf("invalid end_of_day %q", c.Session.EndOfDay))
	}
	if c.Exit.MaxHoldMinutes <= 0 || c.Exit.ProfitTimeoutMinutes <= 0 {
		errs = append(errs, "exit timeouts must be positive")
	}
	for i := 1; i < len(c.Exit.ProfitTiers); i++ {
		if c.Exit.ProfitTiers[i].MinProfit >= c.Exit.ProfitTiers[i-1].MinProfit {
			errs = append(errs, "profit_tiers must be ordered by descending min profit")
			break
		}
	}
	if c.Retry.MaxAttempts <= 0 {
		errs = append(errs, "retry max_attempts must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
