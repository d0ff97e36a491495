package cache

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/internal/clock"
	"kats-core/pkg/types"
)

func TestPutAndGetPrice(t *testing.T) {
	c := New(clock.NewFake(time.Now()), zerolog.Nop())
	tick := types.PriceTick{StockCode: "005930", Price: decimal.NewFromInt(72000)}
	c.PutPrice(tick)

	got, ok := c.GetPrice("005930")
	require.True(t, ok)
	assert.True(t, got.Price.Equal(decimal.NewFromInt(72000)))
}

func TestGetPriceMissingStock(t *testing.T) {
	c := New(clock.NewFake(time.Now()), zerolog.Nop())
	_, ok := c.GetPrice("999999")
	assert.False(t, ok)
}

func TestIsDataFreshRespectsMaxAge(t *testing.T) {
	fc := clock.NewFake(time.Now())
	c := New(fc, zerolog.Nop())
	c.PutPrice(types.PriceTick{StockCode: "005930", Price: decimal.NewFromInt(100)})

	assert.True(t, c.IsDataFresh("005930", 3*time.Second))

	fc.Advance(4 * time.Second)
	assert.False(t, c.IsDataFresh("005930", 3*time.Second))
}

func TestIsDataFreshUnknownStock(t *testing.T) {
	c := New(clock.NewFake(time.Now()), zerolog.Nop())
	assert.False(t, c.IsDataFresh("005930", 0))
}

func TestSnapshotCombinesAllThree(t *testing.T) {
	fc := clock.NewFake(time.Now())
	c := New(fc, zerolog.Nop())
	c.PutPrice(types.PriceTick{StockCode: "005930", Price: decimal.NewFromInt(100)})
	c.PutOrderbook(types.OrderbookSnapshot{StockCode: "005930"})
	c.PutVIStatus(types.VIStatus{StockCode: "005930", State: types.VINormal})

	snap := c.Snapshot("005930")
	require.NotNil(t, snap.Price)
	require.NotNil(t, snap.Book)
	require.NotNil(t, snap.VI)
	assert.True(t, snap.DataFresh)

	fc.Advance(4 * time.Second)
	snap = c.Snapshot("005930")
	assert.False(t, snap.DataFresh)
}

func TestClearRemovesAllEntries(t *testing.T) {
	c := New(clock.NewFake(time.Now()), zerolog.Nop())
	c.PutPrice(types.PriceTick{StockCode: "005930", Price: decimal.NewFromInt(100)})
	c.Clear()

	_, ok := c.GetPrice("005930")
	assert.False(t, ok)
}

func TestWritesAreIndependentPerField(t *testing.T) {
	c := New(clock.NewFake(time.Now()), zerolog.Nop())
	c.PutPrice(types.PriceTick{StockCode: "005930", Price: decimal.NewFromInt(100)})

	_, ok := c.GetOrderbook("005930")
	assert.False(t, ok)

	_, ok = c.GetPrice("005930")
	assert.True(t, ok)
}
