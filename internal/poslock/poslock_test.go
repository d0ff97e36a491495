package poslock

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/pkg/types"
)

func TestCheckAndReserveAllowsWithinCap(t *testing.T) {
	l := New(zerolog.Nop())
	ok, msg := l.CheckAndReserve("005930", types.GradeA, 15.0, "S3")
	require.True(t, ok)
	assert.Contains(t, msg, "reserved 15.0%")
}

func TestCheckAndReserveDeniesOverCap(t *testing.T) {
	l := New(zerolog.Nop())
	ok, _ := l.CheckAndReserve("005930", types.GradeA, 20.0, "S1")
	require.True(t, ok)

	ok, msg := l.CheckAndReserve("005930", types.GradeA, 15.0, "S2") // 20+15=35 > 30 cap
	require.False(t, ok)
	assert.Contains(t, msg, "position lock denied")
	assert.Contains(t, msg, "remaining capacity: 10.0%")
}

func TestCheckAndReserveGradeDAlwaysDenied(t *testing.T) {
	l := New(zerolog.Nop())
	ok, _ := l.CheckAndReserve("005930", types.GradeD, 0.1, "S1")
	assert.False(t, ok)
}

func TestReleaseGivesBackCapacity(t *testing.T) {
	l := New(zerolog.Nop())
	l.CheckAndReserve("005930", types.GradeA, 20.0, "S1")

	ok, msg := l.Release("005930", "S1")
	require.True(t, ok)
	assert.Contains(t, msg, "remaining: 0.0%")

	exposure := l.GetStockExposure("005930")
	assert.Equal(t, 0.0, exposure.TotalPct)
}

func TestReleaseUnknownStockFails(t *testing.T) {
	l := New(zerolog.Nop())
	ok, _ := l.Release("999999", "S1")
	assert.False(t, ok)
}

func TestReleaseUnknownStrategyFails(t *testing.T) {
	l := New(zerolog.Nop())
	l.CheckAndReserve("005930", types.GradeA, 10.0, "S1")
	ok, _ := l.Release("005930", "S2")
	assert.False(t, ok)
}

func TestMultipleStrategiesAggregateExposure(t *testing.T) {
	l := New(zerolog.Nop())
	l.CheckAndReserve("005930", types.GradeB, 10.0, "S1")
	l.CheckAndReserve("005930", types.GradeB, 8.0, "S2")

	exposure := l.GetStockExposure("005930")
	assert.InDelta(t, 18.0, exposure.TotalPct, 1e-9)
	assert.Len(t, exposure.Strategies, 2)
}

func TestGetRemainingCapacity(t *testing.T) {
	l := New(zerolog.Nop())
	l.CheckAndReserve("005930", types.GradeC, 4.0, "S1")
	remaining := l.GetRemainingCapacity("005930", types.GradeC)
	assert.InDelta(t, 6.0, remaining, 1e-9)
}

func TestClearAllRemovesEverything(t *testing.T) {
	l := New(zerolog.Nop())
	l.CheckAndReserve("005930", types.GradeA, 10.0, "S1")
	l.CheckAndReserve("000660", types.GradeB, 5.0, "S1")

	l.ClearAll()
	assert.Empty(t, l.GetAllExposures())
}
