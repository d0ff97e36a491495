// Package ordertracker implements the pending-order sweep (spec §4.10):
// a periodic TTL check that auto-cancels stale orders, fires a
// market-price amend attempt at 80% of TTL, and ingests broker fill
// notifications into the order state machine.
package ordertracker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kats-core/internal/clock"
	"kats-core/internal/orderstate"
	"kats-core/internal/restclient"
	"kats-core/pkg/types"
)

const (
	// DefaultOrderTTL is used for any strategy code not in StrategyTTL.
	DefaultOrderTTL = 300 * time.Second

	// CheckInterval is how often the sweep runs.
	CheckInterval = 10 * time.Second

	// AmendThresholdRatio is the fraction of TTL elapsed at which an
	// unfilled SUBMITTED order gets a market-price amend attempt.
	AmendThresholdRatio = 0.80
)

// StrategyTTL gives strategy-specific order lifetimes; anything absent
// falls back to DefaultOrderTTL.
var StrategyTTL = map[string]time.Duration{
	"VB": 60 * time.Second,  // volatility breakout: needs a fast fill
	"S2": 120 * time.Second, // gap & go
	"GR": 600 * time.Second, // grid: can wait
}

func ttlFor(strategyCode string) time.Duration {
	if ttl, ok := StrategyTTL[strategyCode]; ok {
		return ttl
	}
	return DefaultOrderTTL
}

// FillNotification is the normalized shape of a broker fill callback
// (KIS H0STCNC0 realtime order notice, decoded upstream from its
// pipe-delimited wire fields).
type FillNotification struct {
	OrderID    string
	TotalFilledQty int64
	RemainingQty   int64
	FillPrice      decimal.Decimal
	FillAmount     decimal.Decimal
}

// Tracker sweeps pending orders for TTL expiry/amend and ingests fill
// notifications into the order state machine.
type Tracker struct {
	machine *orderstate.Machine
	rest    *restclient.Client
	clock   clock.Clock
	logger  zerolog.Logger

	cancel context.CancelFunc
}

// New creates a Tracker over the given state machine and REST client.
func New(machine *orderstate.Machine, rest *restclient.Client, c clock.Clock, logger zerolog.Logger) *Tracker {
	if c == nil {
		c = clock.Real{}
	}
	return &Tracker{
		machine: machine,
		rest:    rest,
		clock:   c,
		logger:  logger.With().Str("component", "ordertracker").Logger(),
	}
}

// Start launches the background sweep loop, ticking every CheckInterval
// until ctx is cancelled or Stop is called.
func (t *Tracker) Start(ctx context.Context) {
	if t.cancel != nil {
		t.logger.Warn().Msg("order tracker already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel

	go func() {
		ticker := time.NewTicker(CheckInterval)
		defer ticker.Stop()
		t.logger.Info().Dur("interval", CheckInterval).Msg("order tracker loop started")
		for {
			select {
			case <-runCtx.Done():
				t.logger.Info().Msg("order tracker loop cancelled")
				return
			case <-ticker.C:
				t.CheckPendingOrders(runCtx)
			}
		}
	}()
}

// Stop cancels the background sweep loop.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// CheckPendingOrders runs one sweep pass over every SUBMITTED/PARTIAL_FILLED
// order, applying TTL-expiry cancellation and the 80%-TTL amend attempt.
// Exported so tests and callers can drive a pass deterministically instead
// of waiting on the ticker.
func (t *Tracker) CheckPendingOrders(ctx context.Context) {
	pending := t.machine.Pending()
	if len(pending) == 0 {
		return
	}

	now := t.clock.Now()
	for _, order := range pending {
		ttl := ttlFor(order.StrategyCode)
		elapsed := now.Sub(order.CreatedAt)
		ratio := elapsed.Seconds() / ttl.Seconds()

		t.logger.Debug().Str("order_id", order.OrderID).Str("state", string(order.State)).
			Str("strategy", order.StrategyCode).Dur("ttl", ttl).Dur("elapsed", elapsed).
			Float64("ttl_ratio", ratio).Msg("order tracker check")

		if ratio >= 1.0 {
			if order.State == types.StatePartialFilled {
				t.cancelRemaining(ctx, order)
			} else {
				t.cancelOrder(ctx, order)
			}
			continue
		}

		if ratio >= AmendThresholdRatio && order.State == types.StateSubmitted && !order.AmendedFlag {
			t.amendToMarketPrice(ctx, order)
		}
	}
}

func (t *Tracker) cancelOrder(ctx context.Context, order types.Order) {
	t.logger.Info().Str("order_id", order.OrderID).Str("stock_code", order.StockCode).
		Msg("order tracker: TTL expired, cancelling")

	if _, err := t.machine.Transition(order.OrderID, types.StateCancelRequested, map[string]any{
		"cancel_reason": "ttl_expired_auto_cancel",
	}); err != nil {
		t.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("cancel transition rejected")
		return
	}

	if order.BrokerOrderNo != "" {
		if _, err := t.rest.CancelOrder(ctx, order.BrokerOrderNo, order.Quantity); err != nil {
			t.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("broker cancel request failed")
		}
	}

	if _, err := t.machine.Transition(order.OrderID, types.StateCancelled, map[string]any{
		"cancel_reason": "ttl_expired_auto_cancel",
		"cancelled_by":  "order_tracker",
	}); err != nil {
		t.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("cancelled transition rejected")
	}
}

func (t *Tracker) cancelRemaining(ctx context.Context, order types.Order) {
	remaining := order.Remaining()
	t.logger.Info().Str("order_id", order.OrderID).Str("stock_code", order.StockCode).
		Int64("filled_qty", order.FilledQuantity).Int64("remaining_qty", remaining).
		Msg("order tracker: partial fill TTL expired, cancelling remainder")

	meta := map[string]any{
		"cancel_reason":     "partial_fill_ttl_expired",
		"filled_quantity":   order.FilledQuantity,
		"remaining_quantity": remaining,
	}

	if _, err := t.machine.Transition(order.OrderID, types.StateCancelRequested, meta); err != nil {
		t.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("cancel-remaining transition rejected")
		return
	}

	if order.BrokerOrderNo != "" {
		if _, err := t.rest.CancelOrder(ctx, order.BrokerOrderNo, remaining); err != nil {
			t.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("broker cancel-remaining request failed")
		}
	}

	if _, err := t.machine.Transition(order.OrderID, types.StateCancelled, meta); err != nil {
		t.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("cancelled-remaining transition rejected")
	}
}

func (t *Tracker) amendToMarketPrice(ctx context.Context, order types.Order) {
	t.logger.Info().Str("order_id", order.OrderID).Str("stock_code", order.StockCode).
		Msg("order tracker: 80% of TTL elapsed, amending to market price")

	// Only PARTIAL_FILLED can route through AMEND_REQUESTED; a plain
	// SUBMITTED order amends via REST only, then records the flag
	// directly (see orderstate.Machine.SetAmended).
	if order.State == types.StatePartialFilled {
		if _, err := t.machine.Transition(order.OrderID, types.StateAmendRequested, map[string]any{
			"amend_reason": "market_price_amend_ttl_80pct",
		}); err != nil {
			t.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("amend-requested transition rejected")
			return
		}
	}

	if order.BrokerOrderNo != "" {
		if _, err := t.rest.ModifyOrder(ctx, order.BrokerOrderNo, order.Remaining(), "0"); err != nil {
			t.logger.Error().Err(err).Str("order_id", order.OrderID).Msg("broker amend request failed")
			return
		}

		if order.State == types.StatePartialFilled {
			if _, err := t.machine.Transition(order.OrderID, types.StateSubmitted, map[string]any{
				"amend_result": "market_price_amend_complete",
				"amended":      true,
			}); err != nil {
				t.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("post-amend resubmit transition rejected")
			}
			return
		}
	}

	if err := t.machine.SetAmended(order.OrderID); err != nil {
		t.logger.Warn().Err(err).Str("order_id", order.OrderID).Msg("failed to mark order amended")
	}
}

// GetLockedCapital sums remaining_quantity × price over every pending BUY
// order — capital reserved against the account but not yet filled. SELL
// orders lock inventory, not cash, so they are excluded.
func (t *Tracker) GetLockedCapital() decimal.Decimal {
	total := decimal.Zero
	for _, order := range t.machine.Pending() {
		if order.Side != types.BUY {
			continue
		}
		total = total.Add(order.Price.Mul(decimal.NewFromInt(order.Remaining())))
	}
	return total
}

// OnFillNotification ingests a broker fill callback: FILLED when nothing
// remains, otherwise SUBMITTED→PARTIAL_FILLED or an in-place metadata
// refresh if already PARTIAL_FILLED.
func (t *Tracker) OnFillNotification(n FillNotification) {
	if n.OrderID == "" {
		t.logger.Warn().Msg("fill notification missing order id")
		return
	}

	order, err := t.machine.Get(n.OrderID)
	if err != nil {
		t.logger.Warn().Str("order_id", n.OrderID).Msg("fill notification for unknown order")
		return
	}

	meta := map[string]any{
		"fill_price":      n.FillPrice,
		"filled_quantity": n.TotalFilledQty,
		"fill_source":     "websocket",
	}

	if n.RemainingQty <= 0 {
		if _, err := t.machine.Transition(n.OrderID, types.StateFilled, meta); err != nil {
			t.logger.Warn().Err(err).Str("order_id", n.OrderID).Msg("fill transition rejected")
			return
		}
		t.logger.Info().Str("order_id", n.OrderID).Str("stock_code", order.StockCode).
			Str("fill_price", n.FillPrice.String()).Int64("total_filled", n.TotalFilledQty).
			Msg("order fully filled")
		return
	}

	switch order.State {
	case types.StateSubmitted:
		if _, err := t.machine.Transition(n.OrderID, types.StatePartialFilled, meta); err != nil {
			t.logger.Warn().Err(err).Str("order_id", n.OrderID).Msg("partial-fill transition rejected")
			return
		}
	case types.StatePartialFilled:
		if err := t.machine.PatchPrice(n.OrderID, n.FillPrice); err != nil {
			t.logger.Warn().Err(err).Str("order_id", n.OrderID).Msg("partial-fill refresh failed")
		}
	}

	t.logger.Info().Str("order_id", n.OrderID).Str("stock_code", order.StockCode).
		Str("fill_price", n.FillPrice.String()).Int64("total_filled", n.TotalFilledQty).
		Int64("remaining", n.RemainingQty).Msg("order partially filled")
}

// IsRunning reports whether the sweep loop is active.
func (t *Tracker) IsRunning() bool {
	return t.cancel != nil
}
