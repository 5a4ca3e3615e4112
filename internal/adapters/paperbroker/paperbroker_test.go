package paperbroker

import (
	"context"
	"errors"
	"testing"

	"breakoutBot/internal/domain"
	"breakoutBot/internal/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

func TestBuyAndSellMoveCapital(t *testing.T) {
	b, err := New(10000, &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()
	b.SetQuote("AAPL", 50)

	fill, err := b.SubmitOrder(ctx, "AAPL", domain.Buy, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(20), fill.FilledQty)
	assert.Equal(t, 50.0, fill.FillPrice)
	assert.NotEmpty(t, fill.OrderID)

	capital, err := b.AccountCapital(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9000.0, capital)

	b.SetQuote("AAPL", 52)
	_, err = b.SubmitOrder(ctx, "AAPL", domain.Sell, 20)
	require.NoError(t, err)
	capital, err = b.AccountCapital(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10040.0, capital)
}

func TestBuyBeyondCapitalFillsPartially(t *testing.T) {
	b, err := New(1000, &mockLogger{})
	require.NoError(t, err)
	b.SetQuote("NVDA", 300)

	fill, err := b.SubmitOrder(context.Background(), "NVDA", domain.Buy, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), fill.RequestedQty)
	assert.Equal(t, int64(3), fill.FilledQty)
}

func TestOrderWithoutQuoteFails(t *testing.T) {
	b, err := New(1000, &mockLogger{})
	require.NoError(t, err)

	_, err = b.SubmitOrder(context.Background(), "GHOST", domain.Buy, 1)
	assert.True(t, errors.Is(err, ports.ErrQuoteUnavailable))

	_, err = b.Quote(context.Background(), "GHOST")
	assert.True(t, errors.Is(err, ports.ErrQuoteUnavailable))
}

func TestZeroAffordableBuyRejected(t *testing.T) {
	b, err := New(100, &mockLogger{})
	require.NoError(t, err)
	b.SetQuote("BRK", 500)

	_, err = b.SubmitOrder(context.Background(), "BRK", domain.Buy, 1)
	assert.True(t, errors.Is(err, ports.ErrInsufficientFunds))
}

func TestMomentumOscReportsAvailability(t *testing.T) {
	b, err := New(1000, &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := b.MomentumOsc(ctx, "AAPL")
	require.NoError(t, err)
	assert.False(t, ok)

	b.SetMomentumOsc("AAPL", 62.5)
	v, ok, err := b.MomentumOsc(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 62.5, v)

	b.ClearMomentumOsc("AAPL")
	_, ok, _ = b.MomentumOsc(ctx, "AAPL")
	assert.False(t, ok)
}

func TestAverageDailyVolumeDefaults(t *testing.T) {
	b, err := New(1000, &mockLogger{})
	require.NoError(t, err)
	ctx := context.Background()

	v, err := b.AverageDailyVolume(ctx, "AAPL")
	require.NoError(t, err)
	assert.Equal(t, float64(defaultADV), v)

	b.SetAverageDailyVolume("THIN", 80000)
	v, err = b.AverageDailyVolume(ctx, "THIN")
	require.NoError(t, err)
	assert.Equal(t, 80000.0, v)
}
