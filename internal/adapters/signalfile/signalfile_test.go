package signalfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func writeSnapshot(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestCollectParsesFactorsAndSkipsMalformed(t *testing.T) {
	path := writeSnapshot(t, `[
		{"symbol": "AAPL", "price": 52.40, "confidence": 0.85,
		 "range_high": 53.10, "range_low": 51.60,
		 "factors": {"momentum_osc": 62.5, "volume_ratio": 1.4}},
		{"symbol": "", "price": 10},
		{"symbol": "MSFT", "price": 0},
		{"symbol": "NVDA", "price": 63.25, "confidence": 0.9}
	]`)

	p, err := New(path, &mockLogger{})
	require.NoError(t, err)

	signals, err := p.Collect(context.Background())
	require.NoError(t, err)
	require.Len(t, signals, 2)

	aapl := signals[0]
	assert.Equal(t, "AAPL", aapl.Symbol)
	assert.Equal(t, 52.40, aapl.Price)
	require.NotNil(t, aapl.Factors.MomentumOsc)
	assert.Equal(t, 62.5, *aapl.Factors.MomentumOsc)
	require.NotNil(t, aapl.Factors.VolumeRatio)
	assert.Equal(t, 1.4, *aapl.Factors.VolumeRatio)
	assert.Nil(t, aapl.Factors.RelStrength)

	nvda := signals[1]
	assert.Equal(t, "NVDA", nvda.Symbol)
	assert.Nil(t, nvda.Factors.MomentumOsc)
}

func TestCollectMissingFileYieldsEmptySession(t *testing.T) {
	p, err := New(filepath.Join(t.TempDir(), "absent.json"), &mockLogger{})
	require.NoError(t, err)

	signals, err := p.Collect(context.Background())
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestCollectRejectsBadJSON(t *testing.T) {
	path := writeSnapshot(t, `{"not": "an array"`)

	p, err := New(path, &mockLogger{})
	require.NoError(t, err)

	_, err = p.Collect(context.Background())
	assert.Error(t, err)
}

func TestNewRequiresPathAndLogger(t *testing.T) {
	_, err := New("", &mockLogger{})
	assert.Error(t, err)

	_, err = New("signals.json", nil)
	assert.Error(t, err)
}
