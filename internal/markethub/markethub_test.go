package markethub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/internal/cache"
	"kats-core/internal/clock"
	"kats-core/internal/vimonitor"
	"kats-core/pkg/types"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	c := cache.New(clock.NewFake(time.Now()), zerolog.Nop())
	vi := vimonitor.New(c, clock.NewFake(time.Now()), zerolog.Nop())
	return New(c, vi, nil, zerolog.Nop())
}

func TestGetMarketDataEmptyStock(t *testing.T) {
	h := newTestHub(t)
	md := h.GetMarketData("005930")
	assert.Equal(t, "005930", md.StockCode)
	assert.Equal(t, types.VINormal, md.VIState)
	assert.True(t, md.Tradeable)
	assert.False(t, md.DataFresh)
}

func TestGetMarketDataReflectsCache(t *testing.T) {
	h := newTestHub(t)
	h.cache.PutPrice(types.PriceTick{StockCode: "005930", Price: decimal.NewFromInt(72000), Volume: 100})

	md := h.GetMarketData("005930")
	assert.True(t, md.Price.Equal(decimal.NewFromInt(72000)))
	assert.Equal(t, int64(100), md.Volume)
	assert.True(t, md.DataFresh)
}

func TestAppendMinuteCandleAccumulates(t *testing.T) {
	h := newTestHub(t)
	h.AppendMinuteCandle("005930", types.Candle{Close: decimal.NewFromInt(100)})
	h.AppendMinuteCandle("005930", types.Candle{Close: decimal.NewFromInt(101)})

	md := h.GetMarketData("005930")
	require.Len(t, md.MinuteCandles, 2)
	assert.True(t, md.MinuteCandles[1].Close.Equal(decimal.NewFromInt(101)))
}

func TestClearSessionDataRetainsHistoricalButClearsIntraday(t *testing.T) {
	h := newTestHub(t)
	h.historical["005930"] = []types.Candle{{Close: decimal.NewFromInt(100)}}
	h.indicators["005930"] = map[string]*float64{}
	h.AppendMinuteCandle("005930", types.Candle{Close: decimal.NewFromInt(100)})
	h.cache.PutPrice(types.PriceTick{StockCode: "005930", Price: decimal.NewFromInt(100)})

	h.ClearSessionData()

	md := h.GetMarketData("005930")
	assert.Empty(t, md.MinuteCandles)
	assert.False(t, md.Price.IsPositive())
	require.Len(t, md.DailyCandles, 1)
}

func TestIsReadyRequiresHistoryAndFreshData(t *testing.T) {
	h := newTestHub(t)
	assert.False(t, h.IsReady("005930"))

	h.historical["005930"] = []types.Candle{{Close: decimal.NewFromInt(100)}}
	assert.False(t, h.IsReady("005930"))

	h.cache.PutPrice(types.PriceTick{StockCode: "005930", Price: decimal.NewFromInt(100)})
	assert.True(t, h.IsReady("005930"))
}
