package riskmanager

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/internal/drawdown"
	"kats-core/internal/gradealloc"
	"kats-core/internal/risksizer"
	"kats-core/pkg/types"
)

type stubSizer struct{ result risksizer.Result }

func (s stubSizer) Calculate(decimal.Decimal, types.MarketRegime, decimal.Decimal, decimal.Decimal, types.StockGrade, int) risksizer.Result {
	return s.result
}

type stubAllocator struct {
	ok     bool
	reason string
}

func (a stubAllocator) ValidateAllocation(string, types.StockGrade, float64, string, []gradealloc.PositionShare, types.MarketRegime) (bool, string) {
	return a.ok, a.reason
}

type stubLock struct {
	checkOK     bool
	checkReason string
	released    []string
}

func (l *stubLock) CheckAndReserve(stockCode string, grade types.StockGrade, additionalPct float64, strategyCode string) (bool, string) {
	return l.checkOK, l.checkReason
}
func (l *stubLock) Release(stockCode, strategyCode string) (bool, string) {
	l.released = append(l.released, stockCode+"/"+strategyCode)
	return true, "released"
}
func (l *stubLock) ClearAll() {}

type stubVI struct{ active bool }

func (v stubVI) IsVIActive(string) bool { return v.active }

type stubMargin struct {
	ok       bool
	reason   string
	released []decimal.Decimal
}

func (m *stubMargin) ValidateOrder(ctx context.Context, stockCode string, quantity int64, price decimal.Decimal, orderType string) (bool, string) {
	return m.ok, m.reason
}
func (m *stubMargin) ReleaseReservation(amount decimal.Decimal) { m.released = append(m.released, amount) }
func (m *stubMargin) ClearAllReservations()                     {}

type stubKillSwitch struct {
	ok     bool
	reason string
}

func (k stubKillSwitch) Check(decimal.Decimal) bool { return k.ok }
func (k stubKillSwitch) KillReason() string         { return k.reason }
func (k stubKillSwitch) ResetDaily(decimal.Decimal) {}

type stubDrawdown struct {
	resp drawdown.Response
}

func (d stubDrawdown) EvaluateAndRespond(float64, float64, float64) drawdown.Response { return d.resp }
func (d stubDrawdown) ResetDaily()                                                    {}

func acceptedSizing() risksizer.Result {
	return risksizer.Result{
		Accepted:       true,
		Quantity:       100,
		PositionAmount: decimal.NewFromInt(7_000_000),
		PositionPct:    0.07,
	}
}

func baseSignal() *Signal {
	return &Signal{
		StockCode:    "005930",
		Action:       "BUY",
		StrategyCode: "S1",
		EntryPrice:   decimal.NewFromInt(70000),
		StopLoss:     decimal.NewFromInt(66500),
		Grade:        types.GradeB,
		Confidence:   4,
		Sector:       "semiconductors",
	}
}

func TestValidateSignalRejectsAtStep1WhenSizingRejects(t *testing.T) {
	m := New(stubSizer{risksizer.Result{Accepted: false, Reason: "confidence_too_low"}}, stubAllocator{ok: true}, &stubLock{checkOK: true}, nil, nil, nil, nil, zerolog.Nop())
	out := m.ValidateSignal(context.Background(), baseSignal(), nil, types.RegimeBull, decimal.NewFromInt(100_000_000), 0, 0, 0, decimal.Zero)
	assert.False(t, out.Passed)
	assert.Equal(t, 1, out.Step)
	assert.Equal(t, "confidence_too_low", out.Reason)
}

func TestValidateSignalRejectsAtStep2WhenDrawdownHalts(t *testing.T) {
	dd := stubDrawdown{resp: drawdown.Response{State: drawdown.State{TradingHalted: true, HaltReason: "YELLOW halt"}}}
	m := New(stubSizer{acceptedSizing()}, stubAllocator{ok: true}, &stubLock{checkOK: true}, nil, nil, nil, dd, zerolog.Nop())
	out := m.ValidateSignal(context.Background(), baseSignal(), nil, types.RegimeBull, decimal.NewFromInt(100_000_000), -0.04, 0, 0, decimal.Zero)
	assert.False(t, out.Passed)
	assert.Equal(t, 2, out.Step)
	assert.Equal(t, "YELLOW halt", out.Reason)
}

func TestValidateSignalAppliesDrawdownScale(t *testing.T) {
	dd := stubDrawdown{resp: drawdown.Response{State: drawdown.State{PositionScale: 0.5}}}
	m := New(stubSizer{acceptedSizing()}, stubAllocator{ok: true}, &stubLock{checkOK: true}, nil, nil, nil, dd, zerolog.Nop())
	signal := baseSignal()
	out := m.ValidateSignal(context.Background(), signal, nil, types.RegimeBull, decimal.NewFromInt(100_000_000), -0.025, 0, 0, decimal.Zero)
	require.True(t, out.Passed)
	assert.Equal(t, int64(50), out.Quantity)
	assert.Equal(t, int64(50), signal.Quantity)
	assert.InDelta(t, 3.5, signal.PositionPct, 1e-9)
}

func TestValidateSignalRejectsAtStep3WhenKillSwitchTripped(t *testing.T) {
	m := New(stubSizer{acceptedSizing()}, stubAllocator{ok: true}, &stubLock{checkOK: true}, nil, nil, stubKillSwitch{ok: false, reason: "daily loss 5.00% exceeded limit"}, nil, zerolog.Nop())
	out := m.ValidateSignal(context.Background(), baseSignal(), nil, types.RegimeBull, decimal.NewFromInt(100_000_000), 0, 0, 0, decimal.NewFromInt(95_000_000))
	assert.False(t, out.Passed)
	assert.Equal(t, 3, out.Step)
	assert.Contains(t, out.Reason, "daily loss 5.00%")
}

func TestValidateSignalRejectsAtStep4WhenGradeLimitFails(t *testing.T) {
	m := New(stubSizer{acceptedSizing()}, stubAllocator{ok: false, reason: "grade B allocation would reach 99%"}, &stubLock{checkOK: true}, nil, nil, nil, nil, zerolog.Nop())
	out := m.ValidateSignal(context.Background(), baseSignal(), nil, types.RegimeBull, decimal.NewFromInt(100_000_000), 0, 0, 0, decimal.Zero)
	assert.False(t, out.Passed)
	assert.Equal(t, 4, out.Step)
}

func TestValidateSignalRejectsAtStep7WhenGlobalLockDenies(t *testing.T) {
	m := New(stubSizer{acceptedSizing()}, stubAllocator{ok: true}, &stubLock{checkOK: false, checkReason: "position lock denied"}, nil, nil, nil, nil, zerolog.Nop())
	out := m.ValidateSignal(context.Background(), baseSignal(), nil, types.RegimeBull, decimal.NewFromInt(100_000_000), 0, 0, 0, decimal.Zero)
	assert.False(t, out.Passed)
	assert.Equal(t, 7, out.Step)
}

func TestValidateSignalRejectsAtStep8WhenVIActiveAndReleasesLock(t *testing.T) {
	lock := &stubLock{checkOK: true}
	m := New(stubSizer{acceptedSizing()}, stubAllocator{ok: true}, lock, stubVI{active: true}, nil, nil, nil, zerolog.Nop())
	out := m.ValidateSignal(context.Background(), baseSignal(), nil, types.RegimeBull, decimal.NewFromInt(100_000_000), 0, 0, 0, decimal.Zero)
	assert.False(t, out.Passed)
	assert.Equal(t, 8, out.Step)
	assert.Contains(t, out.Reason, "VI (Volatility Interruption)")
	assert.Len(t, lock.released, 1)
}

func TestValidateSignalRejectsAtStep9WhenMarginInsufficientAndReleasesLock(t *testing.T) {
	lock := &stubLock{checkOK: true}
	margin := &stubMargin{ok: false, reason: "Insufficient cash"}
	m := New(stubSizer{acceptedSizing()}, stubAllocator{ok: true}, lock, nil, margin, nil, nil, zerolog.Nop())
	out := m.ValidateSignal(context.Background(), baseSignal(), nil, types.RegimeBull, decimal.NewFromInt(100_000_000), 0, 0, 0, decimal.Zero)
	assert.False(t, out.Passed)
	assert.Equal(t, 9, out.Step)
	assert.Len(t, lock.released, 1)
}

func TestValidateSignalPassesAllNineSteps(t *testing.T) {
	lock := &stubLock{checkOK: true}
	margin := &stubMargin{ok: true, reason: "validated"}
	dd := stubDrawdown{resp: drawdown.Response{State: drawdown.State{PositionScale: 1.0}}}
	m := New(stubSizer{acceptedSizing()}, stubAllocator{ok: true}, lock, stubVI{active: false}, margin, stubKillSwitch{ok: true}, dd, zerolog.Nop())
	out := m.ValidateSignal(context.Background(), baseSignal(), nil, types.RegimeBull, decimal.NewFromInt(100_000_000), 0, 0, 0, decimal.NewFromInt(100_000_000))
	require.True(t, out.Passed)
	assert.Equal(t, 9, out.StepsPassed)
	assert.Equal(t, int64(100), out.Quantity)
}

func TestOnPositionClosedReleasesLockAndMarginReservation(t *testing.T) {
	lock := &stubLock{}
	margin := &stubMargin{}
	m := New(stubSizer{}, stubAllocator{}, lock, nil, margin, nil, nil, zerolog.Nop())
	m.OnPositionClosed("005930", "S1", decimal.NewFromInt(701470))
	assert.Len(t, lock.released, 1)
	require.Len(t, margin.released, 1)
	assert.True(t, margin.released[0].Equal(decimal.NewFromInt(701470)))
}

func TestResetDailyResetsAllSubModules(t *testing.T) {
	lock := &stubLock{}
	margin := &stubMargin{}
	ks := stubKillSwitch{ok: true}
	dd := stubDrawdown{}
	m := New(stubSizer{}, stubAllocator{}, lock, nil, margin, ks, dd, zerolog.Nop())
	m.ResetDaily(decimal.NewFromInt(50_000_000)) // exercises the reset path without panicking
}
