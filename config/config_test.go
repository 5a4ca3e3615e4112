package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.90, cfg.Capital.TargetAllocationFraction)
	assert.Equal(t, 8, cfg.Capital.MaxConcurrentPositions)
	assert.Equal(t, "breakout", cfg.Capital.Strategy)
	assert.Len(t, cfg.Protection, 5)

	h, m := cfg.EndOfDayClock()
	assert.Equal(t, 15, h)
	assert.Equal(t, 45, m)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
capital:
  target_allocation_fraction: 0.8
  max_concurrent_positions: 5
session:
  tick_seconds: 15
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.8, cfg.Capital.TargetAllocationFraction)
	assert.Equal(t, 5, cfg.Capital.MaxConcurrentPositions)
	assert.Equal(t, 15, cfg.Session.TickSeconds)
	// Unset fields still get defaults.
	assert.Equal(t, 0.25, cfg.Capital.MaxPositionFraction)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name: "strategy fractions must sum to one",
			mutate: func(c *Config) {
				c.Capital.StrategyFractions = map[string]float64{"breakout": 0.5, "options": 0.3}
			},
			wantErr: "strategy fractions must sum to 100%",
		},
		{
			name: "unknown strategy",
			mutate: func(c *Config) {
				c.Capital.Strategy = "swing"
			},
			wantErr: "has no capital fraction",
		},
		{
			name: "target fraction out of range",
			mutate: func(c *Config) {
				c.Capital.TargetAllocationFraction = 1.2
			},
			wantErr: "target_allocation_fraction",
		},
		{
			name: "rank multipliers not decreasing",
			mutate: func(c *Config) {
				c.Capital.RankMultipliers = []float64{1.0, 1.1}
			},
			wantErr: "strictly decreasing",
		},
		{
			name: "ranker weights must sum to one",
			mutate: func(c *Config) {
				c.Ranker.ConfidenceWeight = 0.5
			},
			wantErr: "ranker weights must sum to 1.0",
		},
		{
			name: "protection tiers out of order",
			mutate: func(c *Config) {
				c.Protection[0].MinVolatility = 0.01
			},
			wantErr: "descending volatility floor",
		},
		{
			name: "protection tiers must cover low volatility",
			mutate: func(c *Config) {
				c.Protection = c.Protection[:4]
			},
			wantErr: "zero volatility floor",
		},
		{
			name: "invalid end of day",
			mutate: func(c *Config) {
				c.Session.EndOfDay = "25:00"
			},
			wantErr: "invalid end_of_day",
		},
		{
			name: "gate thresholds inverted",
			mutate: func(c *Config) {
				c.Gate.OscLowThreshold = 80
			},
			wantErr: "osc_low_threshold",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}
