package ordertracker

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/internal/clock"
	"kats-core/internal/orderstate"
	"kats-core/pkg/types"
)

func newSubmittedOrder(t *testing.T, m *orderstate.Machine, id, strategyCode string, side types.Side, price decimal.Decimal, qty int64) {
	t.Helper()
	_, err := m.Create(types.Order{OrderID: id, StockCode: "005930", Side: side, Quantity: qty, Price: price, StrategyCode: strategyCode})
	require.NoError(t, err)
	_, err = m.Transition(id, types.StateSubmitted, nil)
	require.NoError(t, err)
}

func TestCheckPendingOrdersCancelsAfterTTLExpiry(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := orderstate.New(fake, zerolog.Nop())
	newSubmittedOrder(t, m, "ORD-1", "VB", types.BUY, decimal.NewFromInt(1000), 10)

	tr := New(m, nil, fake, zerolog.Nop())

	fake.Advance(61 * time.Second) // VB ttl = 60s
	tr.CheckPendingOrders(context.Background())

	order, err := m.Get("ORD-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, order.State)
}

func TestCheckPendingOrdersCancelsRemainingOnPartialFill(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := orderstate.New(fake, zerolog.Nop())
	newSubmittedOrder(t, m, "ORD-1", "VB", types.BUY, decimal.NewFromInt(1000), 10)
	_, err := m.Transition("ORD-1", types.StatePartialFilled, map[string]any{"filled_quantity": int64(4)})
	require.NoError(t, err)

	tr := New(m, nil, fake, zerolog.Nop())
	fake.Advance(61 * time.Second)
	tr.CheckPendingOrders(context.Background())

	order, err := m.Get("ORD-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateCancelled, order.State)
}

func TestCheckPendingOrdersAmendsAt80PctOfTTL(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := orderstate.New(fake, zerolog.Nop())
	newSubmittedOrder(t, m, "ORD-1", "VB", types.BUY, decimal.NewFromInt(1000), 10) // ttl 60s

	tr := New(m, nil, fake, zerolog.Nop())
	fake.Advance(49 * time.Second) // 81.6% of 60s
	tr.CheckPendingOrders(context.Background())

	order, err := m.Get("ORD-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, order.State)
	assert.True(t, order.AmendedFlag)
}

func TestCheckPendingOrdersDoesNotDoubleAmend(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := orderstate.New(fake, zerolog.Nop())
	newSubmittedOrder(t, m, "ORD-1", "VB", types.BUY, decimal.NewFromInt(1000), 10)

	tr := New(m, nil, fake, zerolog.Nop())
	fake.Advance(49 * time.Second)
	tr.CheckPendingOrders(context.Background())
	order, _ := m.Get("ORD-1")
	require.True(t, order.AmendedFlag)

	// Still under TTL expiry: a second pass must not attempt a
	// transition that would now be rejected as already amended.
	fake.Advance(1 * time.Second)
	tr.CheckPendingOrders(context.Background())
	order, err := m.Get("ORD-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, order.State)
}

func TestUsesDefaultTTLForUnknownStrategy(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := orderstate.New(fake, zerolog.Nop())
	newSubmittedOrder(t, m, "ORD-1", "UNKNOWN", types.BUY, decimal.NewFromInt(1000), 10)

	tr := New(m, nil, fake, zerolog.Nop())
	fake.Advance(61 * time.Second) // would expire VB's ttl but not the 300s default
	tr.CheckPendingOrders(context.Background())

	order, err := m.Get("ORD-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateSubmitted, order.State)
}

func TestGetLockedCapitalSumsRemainingBuyOrders(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := orderstate.New(fake, zerolog.Nop())
	newSubmittedOrder(t, m, "ORD-1", "VB", types.BUY, decimal.NewFromInt(1000), 10)
	newSubmittedOrder(t, m, "ORD-2", "VB", types.SELL, decimal.NewFromInt(2000), 5)

	tr := New(m, nil, fake, zerolog.Nop())
	locked := tr.GetLockedCapital()
	assert.True(t, locked.Equal(decimal.NewFromInt(10000)))
}

func TestOnFillNotificationFullFill(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := orderstate.New(fake, zerolog.Nop())
	newSubmittedOrder(t, m, "ORD-1", "VB", types.BUY, decimal.NewFromInt(1000), 10)

	tr := New(m, nil, fake, zerolog.Nop())
	tr.OnFillNotification(FillNotification{OrderID: "ORD-1", TotalFilledQty: 10, RemainingQty: 0, FillPrice: decimal.NewFromInt(1000)})

	order, err := m.Get("ORD-1")
	require.NoError(t, err)
	assert.Equal(t, types.StateFilled, order.State)
}

func TestOnFillNotificationPartialThenUpdate(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := orderstate.New(fake, zerolog.Nop())
	newSubmittedOrder(t, m, "ORD-1", "VB", types.BUY, decimal.NewFromInt(1000), 10)

	tr := New(m, nil, fake, zerolog.Nop())
	tr.OnFillNotification(FillNotification{OrderID: "ORD-1", TotalFilledQty: 4, RemainingQty: 6, FillPrice: decimal.NewFromInt(1000)})

	order, err := m.Get("ORD-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatePartialFilled, order.State)

	tr.OnFillNotification(FillNotification{OrderID: "ORD-1", TotalFilledQty: 6, RemainingQty: 4, FillPrice: decimal.NewFromInt(1010)})
	order, err = m.Get("ORD-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatePartialFilled, order.State)
	assert.True(t, order.Price.Equal(decimal.NewFromInt(1010)))
}

func TestOnFillNotificationUnknownOrderIgnored(t *testing.T) {
	fake := clock.NewFake(time.Now())
	m := orderstate.New(fake, zerolog.Nop())
	tr := New(m, nil, fake, zerolog.Nop())
	tr.OnFillNotification(FillNotification{OrderID: "UNKNOWN", TotalFilledQty: 1, RemainingQty: 0})
}
