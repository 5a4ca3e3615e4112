package exitengine

import (
	"context"
	"errors"
	"testing"
	"time"

	"breakoutBot/internal/domain"
	"breakoutBot/internal/ports"
	"breakoutBot/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

// memPositions is the in-memory repository fake; positions are shared
// pointers so engine mutations are visible without Update bookkeeping.
type memPositions struct {
	seq          int64
	items        []*domain.Position
	markFailures int
}

func (m *memPositions) add(p *domain.Position) {
	m.seq++
	p.ID = m.seq
	m.items = append(m.items, p)
}

func (m *memPositions) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	m.add(pos)
	return pos.ID, nil
}

func (m *memPositions) Update(ctx context.Context, pos *domain.Position) error { return nil }

func (m *memPositions) MarkClosed(ctx context.Context, pos *domain.Position) error {
	if m.markFailures > 0 {
		m.markFailures--
		return errors.New("database locked")
	}
	return nil
}

func (m *memPositions) OpenPositions(ctx context.Context) ([]*domain.Position, error) {
	var open []*domain.Position
	for _, p := range m.items {
		if p.IsOpen() {
			open = append(open, p)
		}
	}
	return open, nil
}

func (m *memPositions) FindByID(ctx context.Context, id int64) (*domain.Position, error) {
	for _, p := range m.items {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

type memTrades struct {
	failuresLeft int
	appendCalls  int
	byPosition   map[int64]*domain.ClosedTrade
}

func newMemTrades() *memTrades {
	return &memTrades{byPosition: map[int64]*domain.ClosedTrade{}}
}

func (m *memTrades) AppendClosed(ctx context.Context, trade *domain.ClosedTrade) (int64, error) {
	m.appendCalls++
	if m.failuresLeft > 0 {
		m.failuresLeft--
		return 0, errors.New("disk full")
	}
	if existing, ok := m.byPosition[trade.PositionID]; ok {
		return existing.ID, nil
	}
	trade.ID = int64(len(m.byPosition) + 1)
	m.byPosition[trade.PositionID] = trade
	return trade.ID, nil
}

func (m *memTrades) FindBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.ClosedTrade, error) {
	var out []*domain.ClosedTrade
	for _, t := range m.byPosition {
		if t.Symbol == symbol {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTrades) FindByPositionID(ctx context.Context, positionID int64) (*domain.ClosedTrade, error) {
	return m.byPosition[positionID], nil
}

func (m *memTrades) TotalProfit(ctx context.Context) (float64, error) {
	var total float64
	for _, t := range m.byPosition {
		total += t.PNL
	}
	return total, nil
}

type fakeQuotes struct {
	prices map[string]float64
	errs   map[string]error
	osc    map[string]float64 // Absent key means reading unavailable
}

func (f *fakeQuotes) Quote(ctx context.Context, symbol string) (float64, error) {
	if err := f.errs[symbol]; err != nil {
		return 0, err
	}
	return f.prices[symbol], nil
}

func (f *fakeQuotes) MomentumOsc(ctx context.Context, symbol string) (float64, bool, error) {
	v, ok := f.osc[symbol]
	return v, ok, nil
}

type fakeBroker struct{ orders int }

func (f *fakeBroker) AccountCapital(ctx context.Context) (float64, error) { return 0, nil }
func (f *fakeBroker) AverageDailyVolume(ctx context.Context, symbol string) (float64, error) {
	return 0, nil
}
func (f *fakeBroker) SubmitOrder(ctx context.Context, symbol string, side domain.OrderSide, qty int64) (*ports.OrderFill, error) {
	f.orders++
	return &ports.OrderFill{Symbol: symbol, Side: side, RequestedQty: qty, FilledQty: qty}, nil
}

type recNotifier struct {
	exits  []ports.ExitEvent
	alerts []string
}

func (r *recNotifier) GateDecision(ctx context.Context, d domain.GateDecision) {}

func (r *recNotifier) ExecutionSummary(ctx context.Context, s ports.ExecutionSummary) {}

func (r *recNotifier) Exit(ctx context.Context, e ports.ExitEvent) {
	r.exits = append(r.exits, e)
}

func (r *recNotifier) Alert(ctx context.Context, reason string, err error) {
	r.alerts = append(r.alerts, reason)
}

func testEngineConfig() Config {
	return Config{
		Tick:             30 * time.Second,
		CoarseEveryTicks: 100,
		EndOfDayHour:     15,
		EndOfDayMinute:   45,
		Location:         time.UTC,

		GapDropPct: 0.04,
		GapWindow:  2 * time.Minute,

		TrailingActivatePct: 0.02,
		TrailingMinHold:     10 * time.Minute,
		ProfitTiers: []ProfitTier{
			{MinProfit: 0.10, Distance: 0.030},
			{MinProfit: 0.06, Distance: 0.025},
			{MinProfit: 0.03, Distance: 0.020},
			{MinProfit: 0.00, Distance: 0.015},
		},

		BreakevenPct:     0.015,
		BreakevenMinHold: 5 * time.Minute,
		BreakevenLockPct: 0.002,

		MomentumExitOsc:     35,
		MomentumExitLossPct: 0.01,
		MomentumDwell:       3 * time.Minute,

		RapidWindow:            10 * time.Minute,
		RapidNoMomentumAfter:   5 * time.Minute,
		RapidNoMomentumGainPct: 0.001,
		RapidReversalAfter:     2 * time.Minute,
		RapidReversalLossPct:   0.01,
		RapidWeakAfter:         8 * time.Minute,
		RapidWeakGainPct:       0.003,
		RapidWeakOsc:           50,

		ProfitTimeout: 2 * time.Hour,
		MaxHold:       6 * time.Hour,

		TierDistances: map[domain.ProtectionTier]float64{
			domain.TierWide:     0.050,
			domain.TierBroad:    0.040,
			domain.TierStandard: 0.030,
			domain.TierNarrow:   0.025,
			domain.TierTight:    0.020,
		},

		Health: HealthConfig{
			WinRateMin:       0.40,
			AvgPnLPercentMin: -0.005,
			MomentumRatioMin: 0.35,
			PeakCaptureMin:   0.30,
			WarningLossPct:   0.01,
		},
	}
}

type fixture struct {
	engine    *Engine
	positions *memPositions
	trades    *memTrades
	quotes    *fakeQuotes
	broker    *fakeBroker
	notifier  *recNotifier
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		positions: &memPositions{},
		trades:    newMemTrades(),
		quotes:    &fakeQuotes{prices: map[string]float64{}, errs: map[string]error{}, osc: map[string]float64{}},
		broker:    &fakeBroker{},
		notifier:  &recNotifier{},
	}
	eng, err := New(cfg, &mockLogger{}, f.positions, f.trades, f.quotes, f.broker, f.notifier,
		retry.Policy{MaxAttempts: 3, Min: time.Millisecond, Max: 2 * time.Millisecond})
	require.NoError(t, err)
	f.engine = eng
	return f
}

// sessionTime returns a mid-session instant, well before the 15:45 close.
func sessionTime() time.Time {
	return time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
}

func (f *fixture) open(symbol string, entry float64, entryAt time.Time) *domain.Position {
	pos := &domain.Position{
		Symbol:        symbol,
		EntryPrice:    entry,
		Quantity:      10,
		EntryTime:     entryAt,
		FloorStop:     entry * 0.97,
		EffectiveStop: entry * 0.97,
		Tier:          domain.TierStandard,
		PeakPrice:     entry,
		PeakTime:      entryAt,
		Status:        domain.StatusOpen,
	}
	f.positions.add(pos)
	return pos
}

func TestStopLossCloses(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("AAPL", 100, at.Add(-time.Hour))
	f.quotes.prices["AAPL"] = 96.5 // Below the 97.00 effective stop

	done, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.False(t, done)

	assert.False(t, pos.IsOpen())
	assert.Equal(t, domain.ExitStopLoss, pos.ExitReason)
	assert.Equal(t, 96.5, pos.ExitPrice)
	require.Len(t, f.notifier.exits, 1)
	assert.Equal(t, domain.ExitStopLoss, f.notifier.exits[0].Reason)
	assert.Equal(t, 1, f.broker.orders)
}

func TestStopLossWinsPriorityOverFlashCrash(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("NVDA", 100, at.Add(-time.Hour))
	// A 10% collapse from the peak inside the gap window also breaches the
	// stop; the fixed ordering attributes it to the stop.
	pos.PeakPrice = 105
	pos.PeakTime = at.Add(-time.Minute)
	f.quotes.prices["NVDA"] = 94.5

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitStopLoss, pos.ExitReason)
}

func TestFlashCrashCloses(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("TSLA", 100, at.Add(-time.Hour))
	pos.PeakPrice = 104
	pos.PeakTime = at.Add(-time.Minute)
	f.quotes.prices["TSLA"] = 99.5 // 4.3% off the peak, above the 97.00 stop

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitFlashCrash, pos.ExitReason)
}

func TestTrailingRetraceCloses(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("AMD", 100, at.Add(-time.Hour))
	pos.TrailingArmed = true
	pos.PeakPrice = 110
	pos.PeakTime = at.Add(-20 * time.Minute) // Outside the gap window
	// Peak gain 10% selects the 3.0% profit-tier distance; 106 is a 3.6%
	// retrace.
	f.quotes.prices["AMD"] = 106

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitTrailingStop, pos.ExitReason)
}

func TestMomentumExhaustionRequiresDwell(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("INTC", 100, at.Add(-2*time.Hour))
	f.quotes.prices["INTC"] = 98 // Losing 2%
	f.quotes.osc["INTC"] = 30

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.True(t, pos.IsOpen(), "first observation starts the dwell clock")
	assert.False(t, pos.ExhaustionSince.IsZero())

	_, err = f.engine.Tick(context.Background(), at.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, pos.IsOpen(), "dwell not yet elapsed")

	_, err = f.engine.Tick(context.Background(), at.Add(3*time.Minute))
	require.NoError(t, err)
	assert.False(t, pos.IsOpen())
	assert.Equal(t, domain.ExitMomentumExhaustion, pos.ExitReason)
}

func TestMomentumExhaustionResetsOnRecovery(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("INTC", 100, at.Add(-2*time.Hour))
	f.quotes.prices["INTC"] = 98
	f.quotes.osc["INTC"] = 30

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	require.False(t, pos.ExhaustionSince.IsZero())

	// Oscillator recovers; the dwell clock must reset.
	f.quotes.osc["INTC"] = 55
	_, err = f.engine.Tick(context.Background(), at.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, pos.ExhaustionSince.IsZero())

	f.quotes.osc["INTC"] = 30
	_, err = f.engine.Tick(context.Background(), at.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, pos.IsOpen(), "dwell restarted from the relapse")
}

func TestMissingOscillatorNeverTriggersExhaustion(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("INTC", 100, at.Add(-2*time.Hour))
	f.quotes.prices["INTC"] = 98.5
	// No oscillator reading registered at all.

	for i := 0; i < 10; i++ {
		_, err := f.engine.Tick(context.Background(), at.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}
	assert.True(t, pos.IsOpen())
}

func TestRapidReversalCloses(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("META", 100, at.Add(-3*time.Minute))
	f.quotes.prices["META"] = 98.5 // Down 1.5% three minutes in

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitRapidReversal, pos.ExitReason)
}

func TestRapidNoMomentumCloses(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("MSFT", 100, at.Add(-6*time.Minute))
	f.quotes.prices["MSFT"] = 100.05 // Flat six minutes in

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitRapidNoMomentum, pos.ExitReason)
}

func TestRapidWeakNeedsWeakOscillator(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("GOOG", 100, at.Add(-9*time.Minute))
	f.quotes.prices["GOOG"] = 100.45

	// +0.45% clears the 0.1% no-momentum gain and the 0.3% weak gain, so
	// nothing fires even with a weak oscillator.
	f.quotes.osc["GOOG"] = 40
	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.True(t, pos.IsOpen())

	// +0.2%: above no-momentum, below weak gain, oscillator weak.
	f.quotes.prices["GOOG"] = 100.2
	_, err = f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitRapidWeak, pos.ExitReason)
}

func TestProfitTimeoutCloses(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("ORCL", 100, at.Add(-125*time.Minute))
	f.quotes.prices["ORCL"] = 100.5 // Profitable but never armed anything

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitProfitTimeout, pos.ExitReason)
}

func TestMaxHoldCloses(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("IBM", 100, at.Add(-361*time.Minute))
	f.quotes.prices["IBM"] = 99.5 // Small loss; every earlier rule passes

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.Equal(t, domain.ExitMaxHoldTime, pos.ExitReason)
}

func TestEndOfDayClosesAndFinishesSession(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	closeAt := time.Date(2026, 8, 28, 15, 45, 0, 0, time.UTC)
	pos := f.open("AAPL", 100, closeAt.Add(-30*time.Minute))
	f.quotes.prices["AAPL"] = 101

	done, err := f.engine.Tick(context.Background(), closeAt)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, domain.ExitEndOfDay, pos.ExitReason)
}

func TestBreakevenAndTrailingArm(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("AAPL", 100, at.Add(-11*time.Minute))
	f.quotes.prices["AAPL"] = 102 // +2% after 11 minutes

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)

	assert.True(t, pos.IsOpen())
	assert.True(t, pos.BreakevenArmed)
	assert.True(t, pos.TrailingArmed)
	// Breakeven lock at entry*(1+0.002) beats the trailing level of
	// 102*(1-0.03).
	assert.InDelta(t, 100.2, pos.EffectiveStop, 1e-9)
}

func TestEffectiveStopIsMonotoneAndFloored(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	start := sessionTime()
	pos := f.open("AAPL", 100, start.Add(-11*time.Minute))

	prices := []float64{100.5, 101.2, 102.1, 103.0, 102.5, 104.0, 103.6, 105.0}
	prev := pos.EffectiveStop
	for i, price := range prices {
		f.quotes.prices["AAPL"] = price
		_, err := f.engine.Tick(context.Background(), start.Add(time.Duration(i)*time.Minute))
		require.NoError(t, err)
		require.True(t, pos.IsOpen(), "price path should not trigger an exit")

		assert.GreaterOrEqual(t, pos.EffectiveStop, prev, "stop decreased at step %d", i)
		assert.GreaterOrEqual(t, pos.EffectiveStop, pos.FloorStop)
		prev = pos.EffectiveStop
	}
	assert.Greater(t, pos.EffectiveStop, pos.FloorStop, "trailing should have raised the stop")
}

func TestQuoteOutageSkipsPosition(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	at := sessionTime()
	pos := f.open("AAPL", 100, at.Add(-time.Hour))
	f.quotes.errs["AAPL"] = errors.New("feed down")

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)
	assert.True(t, pos.IsOpen())
	assert.Empty(t, f.notifier.exits)
}

func TestPortfolioEmergencyClosesEverything(t *testing.T) {
	cfg := testEngineConfig()
	cfg.CoarseEveryTicks = 1
	f := newFixture(t, cfg)
	at := sessionTime()

	symbols := []string{"AAPL", "MSFT", "NVDA"}
	for _, s := range symbols {
		f.open(s, 100, at.Add(-30*time.Minute))
		f.quotes.prices[s] = 98 // Everything losing 2%
		f.quotes.osc[s] = 30
	}

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)

	open, err := f.positions.OpenPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
	require.Len(t, f.notifier.exits, 3)
	for _, e := range f.notifier.exits {
		assert.Equal(t, domain.ExitEmergencyStop, e.Reason)
	}
}

func TestPortfolioWarningTrimsOnlyDeepLosers(t *testing.T) {
	cfg := testEngineConfig()
	cfg.CoarseEveryTicks = 1
	f := newFixture(t, cfg)
	at := sessionTime()

	winner := f.open("AAPL", 100, at.Add(-time.Minute))
	loserB := f.open("MSFT", 100, at.Add(-time.Minute))
	loserC := f.open("NVDA", 100, at.Add(-time.Minute))
	f.quotes.prices["AAPL"] = 100.2
	f.quotes.prices["MSFT"] = 98.5
	f.quotes.prices["NVDA"] = 98.8
	for _, s := range []string{"AAPL", "MSFT", "NVDA"} {
		f.quotes.osc[s] = 60 // Momentum ratio stays healthy: exactly two flags
	}

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)

	assert.True(t, winner.IsOpen())
	assert.False(t, loserB.IsOpen())
	assert.False(t, loserC.IsOpen())
	assert.Equal(t, domain.ExitWarningTrim, loserB.ExitReason)
	assert.Equal(t, domain.ExitWarningTrim, loserC.ExitReason)
}

func TestClosePersistRetriesTransientFailure(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	f.trades.failuresLeft = 2 // Succeeds on the third attempt
	at := sessionTime()
	pos := f.open("AAPL", 100, at.Add(-time.Hour))
	f.quotes.prices["AAPL"] = 96

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)

	assert.False(t, pos.IsOpen())
	assert.Equal(t, 3, f.trades.appendCalls)
	assert.Empty(t, f.notifier.alerts)

	trade, err := f.trades.FindByPositionID(context.Background(), pos.ID)
	require.NoError(t, err)
	require.NotNil(t, trade)
	assert.Equal(t, 100.0, trade.EntryPrice)
	assert.Equal(t, 96.0, trade.ExitPrice)
	assert.Equal(t, domain.ExitStopLoss, trade.Reason)
}

func TestClosePersistExhaustionAlertsWithoutRollback(t *testing.T) {
	f := newFixture(t, testEngineConfig())
	f.trades.failuresLeft = 10 // More than the retry budget
	at := sessionTime()
	pos := f.open("AAPL", 100, at.Add(-time.Hour))
	f.quotes.prices["AAPL"] = 96

	_, err := f.engine.Tick(context.Background(), at)
	require.NoError(t, err)

	// The in-memory close stands even though the durable write never landed.
	assert.False(t, pos.IsOpen())
	open, _ := f.positions.OpenPositions(context.Background())
	assert.Empty(t, open)
	assert.Contains(t, f.notifier.alerts, "closed trade persistence failed")
}
