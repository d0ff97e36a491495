package vimonitor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/internal/cache"
	"kats-core/internal/clock"
	"kats-core/pkg/types"
)

func TestInitializeVIPricesSeedsBounds(t *testing.T) {
	m := New(nil, clock.NewFake(time.Now()), zerolog.Nop())
	m.InitializeVIPrices("005930", decimal.NewFromInt(10000))

	p := m.CheckProximity("005930", decimal.NewFromInt(10990))
	assert.True(t, p.AllowOrder)
	assert.NotEmpty(t, p.Warning)
	assert.Equal(t, types.VIWarning, p.VIState)
}

func TestOnVITriggeredBlocksOrders(t *testing.T) {
	m := New(nil, clock.NewFake(time.Now()), zerolog.Nop())
	m.OnVIData("005930", "1", decimal.NewFromInt(10000))

	assert.Equal(t, types.VITriggered, m.GetState("005930"))
	assert.False(t, m.IsTradeable("005930"))

	p := m.CheckProximity("005930", decimal.NewFromInt(11000))
	assert.False(t, p.AllowOrder)
	assert.Contains(t, p.Reason, "halted")
}

func TestOnVIReleasedEntersCoolingThenNormal(t *testing.T) {
	m := New(nil, clock.Real{}, zerolog.Nop())
	m.coolingDuration = 20 * time.Millisecond
	m.OnVIData("005930", "2", decimal.Zero)

	require.Equal(t, types.VICooling, m.GetState("005930"))
	p := m.CheckProximity("005930", decimal.NewFromInt(100))
	assert.False(t, p.AllowOrder)
	assert.Contains(t, p.Reason, "cooling")

	require.Eventually(t, func() bool {
		return m.GetState("005930") == types.VINormal
	}, time.Second, 5*time.Millisecond)
}

func TestCoolingTimerCancelledByNewTrigger(t *testing.T) {
	m := New(nil, clock.Real{}, zerolog.Nop())
	m.coolingDuration = 50 * time.Millisecond
	m.OnVIData("005930", "2", decimal.Zero)
	m.OnVIData("005930", "1", decimal.NewFromInt(10000))

	assert.Equal(t, types.VITriggered, m.GetState("005930"))
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, types.VITriggered, m.GetState("005930"))
}

func TestIsTradeableDefaultsToTrueForUnknownStock(t *testing.T) {
	m := New(nil, clock.NewFake(time.Now()), zerolog.Nop())
	assert.True(t, m.IsTradeable("999999"))
}

func TestOnVIDataUpdatesCache(t *testing.T) {
	c := cache.New(clock.NewFake(time.Now()), zerolog.Nop())
	m := New(c, clock.NewFake(time.Now()), zerolog.Nop())
	m.OnVIData("005930", "1", decimal.NewFromInt(10000))

	status, ok := c.GetVIStatus("005930")
	require.True(t, ok)
	assert.Equal(t, types.VITriggered, status.State)
}
