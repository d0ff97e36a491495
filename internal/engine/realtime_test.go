package engine

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/internal/cache"
	"kats-core/internal/clock"
	"kats-core/internal/ordertracker"
	"kats-core/internal/orderstate"
	"kats-core/internal/ratelimit"
	"kats-core/internal/restclient"
	"kats-core/internal/vimonitor"
	"kats-core/internal/wsclient"
	"kats-core/pkg/types"
)

func decimalFromString(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC))
	logger := zerolog.Nop()
	c := cache.New(fake, logger)
	vi := vimonitor.New(c, fake, logger)
	sm := orderstate.New(fake, logger)
	rest := restclient.New(restclient.Config{BaseURL: "https://example.invalid"}, ratelimit.NewDefault(fake), logger)
	tracker := ordertracker.New(sm, rest, fake, logger)

	return &Engine{
		clock:        fake,
		logger:       logger,
		cache:        c,
		vi:           vi,
		stateMachine: sm,
		tracker:      tracker,
		filledSoFar:  make(map[string]int64),
	}
}

func TestOnExecutionUpdatesCache(t *testing.T) {
	e := newTestEngine(t)
	evt := wsclient.RealtimeEvent{
		TrID:   wsclient.TrTrade,
		Fields: []string{"005930", "", "72000", "", "", "1.23", "", "", "", "", "", "", "100"},
	}

	e.onExecution(evt)

	tick, ok := e.cache.GetPrice("005930")
	require.True(t, ok)
	assert.Equal(t, "72000", tick.Price.String())
	assert.EqualValues(t, 100, tick.Volume)
}

func TestOnOrderbookUpdatesCache(t *testing.T) {
	e := newTestEngine(t)
	fields := make([]string, 44)
	fields[fldBookStockCode] = "005930"
	for i := 0; i < types.BookDepth; i++ {
		fields[fldBookAskStart+i] = "72100"
		fields[fldBookBidStart+i] = "72000"
		fields[fldBookAskVolStart+i] = "10"
		fields[fldBookBidVolStart+i] = "20"
	}
	fields[fldBookTotalAskVol] = "500"
	fields[fldBookTotalBidVol] = "600"

	e.onOrderbook(wsclient.RealtimeEvent{TrID: wsclient.TrOrderbook, Fields: fields})

	book, ok := e.cache.GetOrderbook("005930")
	require.True(t, ok)
	assert.Equal(t, "72100", book.AskPrices[0].String())
	assert.EqualValues(t, 500, book.TotalAskVolume)
}

func TestOnOrderNoticeFullFillTransitionsOrder(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.stateMachine.Create(types.Order{
		OrderID:   "ORD1",
		StockCode: "005930",
		Side:      types.Side("BUY"),
		Quantity:  10,
		Price:     decimalFromString("72000"),
		Mode:      types.ModePaper,
	})
	require.NoError(t, err)
	_, err = e.stateMachine.Transition("ORD1", types.StateSubmitted, nil)
	require.NoError(t, err)

	fields := make([]string, 14)
	fields[fldNoticeOrderNo] = "ORD1"
	fields[fldNoticeStockCode] = "005930"
	fields[fldNoticeFillQty] = "10"
	fields[fldNoticeFillPrice] = "72000"
	fields[fldNoticeFillFlag] = "2"

	e.onOrderNotice(wsclient.RealtimeEvent{TrID: wsclient.TrOrderNotice, Fields: fields})

	updated, err := e.stateMachine.Get("ORD1")
	require.NoError(t, err)
	assert.Equal(t, types.StateFilled, updated.State)
}

func TestOnOrderNoticeIgnoresNonFillFrames(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.stateMachine.Create(types.Order{
		OrderID:   "ORD2",
		StockCode: "005930",
		Side:      types.Side("BUY"),
		Quantity:  10,
		Price:     decimalFromString("72000"),
		Mode:      types.ModePaper,
	})
	require.NoError(t, err)
	_, err = e.stateMachine.Transition("ORD2", types.StateSubmitted, nil)
	require.NoError(t, err)

	fields := make([]string, 14)
	fields[fldNoticeOrderNo] = "ORD2"
	fields[fldNoticeFillFlag] = "1" // acceptance ack, not a fill

	e.onOrderNotice(wsclient.RealtimeEvent{TrID: wsclient.TrOrderNotice, Fields: fields})

	unchanged, err := e.stateMachine.Get("ORD2")
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, unchanged.State)
}
