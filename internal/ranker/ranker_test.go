package ranker

import (
	"testing"

	"breakoutBot/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func referenceConfig() Config {
	return Config{
		VWAPDistanceWeight: 0.27,
		RelStrengthWeight:  0.25,
		ORBVolumeWeight:    0.22,
		ConfidenceWeight:   0.13,
		MomentumWeight:     0.10,
		ORBRangeWeight:     0.03,
	}
}

func fullFactors(v float64) domain.Factors {
	return domain.Factors{
		VolumeRatio:    domain.Float64Ptr(1.0),
		RelStrength:    domain.Float64Ptr(v),
		VWAPDistance:   domain.Float64Ptr(v),
		ORBVolumeRatio: domain.Float64Ptr(v),
		ORBRangePct:    domain.Float64Ptr(v * 0.10),
		MomentumOsc:    domain.Float64Ptr(v * 100),
	}
}

func TestNew(t *testing.T) {
	_, err := New(referenceConfig())
	assert.NoError(t, err)

	bad := referenceConfig()
	bad.ConfidenceWeight = 0.5
	_, err = New(bad)
	assert.Error(t, err)
}

func TestRankOrdersByScore(t *testing.T) {
	r, err := New(referenceConfig())
	require.NoError(t, err)

	signals := []domain.Signal{
		{Symbol: "WEAK", Confidence: 0.5, Factors: fullFactors(0.2)},
		{Symbol: "STRONG", Confidence: 0.9, Factors: fullFactors(0.9)},
		{Symbol: "MID", Confidence: 0.7, Factors: fullFactors(0.5)},
	}

	ranked := r.Rank(signals)
	require.Len(t, ranked, 3)
	assert.Equal(t, "STRONG", ranked[0].Symbol)
	assert.Equal(t, "MID", ranked[1].Symbol)
	assert.Equal(t, "WEAK", ranked[2].Symbol)

	for i, s := range ranked {
		assert.Equal(t, i+1, s.Rank)
	}
	// Inputs untouched.
	assert.Equal(t, 0, signals[0].Rank)
}

func TestRankTieBreaksDeterministic(t *testing.T) {
	r, err := New(referenceConfig())
	require.NoError(t, err)

	// Identical factor sets give identical scores except for confidence;
	// neutralize the confidence factor by zeroing its weight contribution
	// through equal confidence where needed.
	tests := []struct {
		name  string
		a, b  domain.Signal
		first string
	}{
		{
			name:  "higher confidence wins the tie",
			a:     domain.Signal{Symbol: "BBB", Confidence: 0.80, Factors: fullFactors(0.6)},
			b:     domain.Signal{Symbol: "AAA", Confidence: 0.75, Factors: fullFactors(0.6)},
			first: "BBB",
		},
		{
			name:  "equal confidence falls back to symbol order",
			a:     domain.Signal{Symbol: "ZZT", Confidence: 0.80, Factors: fullFactors(0.6)},
			b:     domain.Signal{Symbol: "ABC", Confidence: 0.80, Factors: fullFactors(0.6)},
			first: "ABC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ranked := r.Rank([]domain.Signal{tt.a, tt.b})
			assert.Equal(t, tt.first, ranked[0].Symbol)
			// Same result regardless of input order.
			ranked = r.Rank([]domain.Signal{tt.b, tt.a})
			assert.Equal(t, tt.first, ranked[0].Symbol)
		})
	}
}

func TestMissingFactorsScoreNeutral(t *testing.T) {
	r, err := New(referenceConfig())
	require.NoError(t, err)

	// A signal missing every optional factor must not be scored as worst
	// possible: it beats a signal whose factors are all present but bad.
	missing := domain.Signal{Symbol: "MISS", Confidence: 0.5}
	bad := domain.Signal{Symbol: "BADX", Confidence: 0.5, Factors: fullFactors(0.0)}

	ranked := r.Rank([]domain.Signal{bad, missing})
	assert.Equal(t, "MISS", ranked[0].Symbol)

	// Neutral default is exactly halfway for each weighted factor.
	wantNeutral := 0.27*0.5 + 0.25*0.5 + 0.22*0.5 + 0.13*0.5 + 0.10*0.5 + 0.03*0.5
	assert.InDelta(t, wantNeutral, ranked[0].PriorityScore, 1e-9)
}

func TestScoreClampsOutOfRangeReadings(t *testing.T) {
	r, err := New(referenceConfig())
	require.NoError(t, err)

	s := domain.Signal{
		Symbol:     "CLMP",
		Confidence: 1.5, // Out of range, clamps to 1
		Factors: domain.Factors{
			MomentumOsc:  domain.Float64Ptr(140), // Clamps to 1 after /100
			VWAPDistance: domain.Float64Ptr(-0.2),
		},
	}
	ranked := r.Rank([]domain.Signal{s})
	score := ranked[0].PriorityScore
	assert.LessOrEqual(t, score, 1.0)
	assert.GreaterOrEqual(t, score, 0.0)
}
