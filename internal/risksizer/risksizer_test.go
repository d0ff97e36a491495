package risksizer

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/pkg/types"
)

func TestCalculateRejectsLowConfidence(t *testing.T) {
	s := New(zerolog.Nop())
	r := s.Calculate(decimal.NewFromInt(100_000_000), types.RegimeBull, decimal.NewFromInt(50_000), decimal.NewFromInt(47_500), types.GradeB, 2)
	require.False(t, r.Accepted)
	assert.Equal(t, "confidence_too_low", r.Reason)
}

func TestCalculateRejectsStopAboveEntry(t *testing.T) {
	s := New(zerolog.Nop())
	r := s.Calculate(decimal.NewFromInt(100_000_000), types.RegimeBull, decimal.NewFromInt(50_000), decimal.NewFromInt(51_000), types.GradeB, 4)
	require.False(t, r.Accepted)
	assert.Equal(t, "stop_loss_above_entry", r.Reason)
}

func TestCalculateRejectsGradeD(t *testing.T) {
	s := New(zerolog.Nop())
	r := s.Calculate(decimal.NewFromInt(100_000_000), types.RegimeBull, decimal.NewFromInt(50_000), decimal.NewFromInt(47_500), types.GradeD, 4)
	require.False(t, r.Accepted)
	assert.Equal(t, "grade_d_prohibited", r.Reason)
}

func TestCalculateAcceptsAndMatchesVanTharpFormula(t *testing.T) {
	s := New(zerolog.Nop())
	// capital=100M, BULL risk=1.8%, entry=50000, stop=47500 (5% stop distance),
	// conf=4 -> 0.75x, grade B cap 20%.
	// raw = 100_000_000 * 0.018 * 0.75 / 0.05 = 27_000_000
	// grade cap = 100_000_000 * 0.20 = 20_000_000 -> capped
	r := s.Calculate(decimal.NewFromInt(100_000_000), types.RegimeBull, decimal.NewFromInt(50_000), decimal.NewFromInt(47_500), types.GradeB, 4)
	require.True(t, r.Accepted)
	assert.Equal(t, int64(400), r.Quantity) // 20_000_000 / 50_000
	assert.True(t, r.PositionAmount.Equal(decimal.NewFromInt(20_000_000)))
	assert.InDelta(t, 0.05, r.StopLossPct, 1e-9)
	assert.InDelta(t, 0.75, r.ConfidenceMultiplier, 1e-9)
	assert.InDelta(t, 3.0, r.RMultipleTarget, 1e-9)
}

func TestCalculateUncappedSizing(t *testing.T) {
	s := New(zerolog.Nop())
	// Wide stop distance keeps raw amount under the grade cap.
	r := s.Calculate(decimal.NewFromInt(100_000_000), types.RegimeStrongBull, decimal.NewFromInt(50_000), decimal.NewFromInt(45_000), types.GradeA, 5)
	require.True(t, r.Accepted)
	// raw = 100_000_000 * 0.02 * 1.0 / 0.1 = 20_000_000; grade cap = 30_000_000 -> uncapped
	assert.Equal(t, int64(400), r.Quantity) // 20_000_000 / 50_000
}

func TestCalculateZeroQuantityWhenCapitalTooSmall(t *testing.T) {
	s := New(zerolog.Nop())
	r := s.Calculate(decimal.NewFromInt(10_000), types.RegimeBear, decimal.NewFromInt(50_000), decimal.NewFromInt(47_500), types.GradeC, 3)
	require.True(t, r.Accepted)
	assert.Equal(t, int64(0), r.Quantity)
	assert.True(t, r.PositionAmount.IsZero())
}
