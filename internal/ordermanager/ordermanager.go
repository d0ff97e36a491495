// Package ordermanager is the single facade every order flow must go
// through (spec §4.19): strategy signal in, risk-gated order out, routed
// to the live broker or the paper engine, with open-position bookkeeping
// and pyramiding tracked on every fill. No caller should reach the REST
// client or the paper engine directly — this is the only door.
package ordermanager

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kats-core/internal/clock"
	"kats-core/internal/gradealloc"
	"kats-core/internal/margin"
	"kats-core/internal/orderstate"
	"kats-core/internal/ordertracker"
	"kats-core/internal/paperengine"
	"kats-core/internal/pyramid"
	"kats-core/internal/restclient"
	"kats-core/internal/riskmanager"
	"kats-core/pkg/types"
)

// Signal is a strategy's request to enter or exit a position. The final
// executed quantity is determined by the risk pipeline, not by the
// caller — strategies propose a trade; the risk manager sizes it.
type Signal struct {
	StockCode    string
	Side         types.Side
	StrategyCode string
	EntryPrice   decimal.Decimal
	StopLoss     decimal.Decimal
	Grade        types.StockGrade
	Confidence   int
	Sector       string
	Regime       types.MarketRegime
}

// Result is the outcome of PlaceOrder/CancelOrder/ModifyOrder.
type Result struct {
	Success  bool
	OrderID  string
	State    types.OrderState
	FillData *paperengine.FillResult
	Error    string
}

// Manager is the order facade. Safe for concurrent use.
type Manager struct {
	restClient     *restclient.Client
	stateMachine   *orderstate.Machine
	orderTracker   *ordertracker.Tracker
	paperEngine    *paperengine.Engine
	riskManager    *riskmanager.Manager
	pyramidManager *pyramid.Manager
	tradeMode      types.TradeMode

	blockNewOrders atomic.Bool

	mu            sync.Mutex
	openPositions map[string]*types.Position

	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a Manager and registers its state-change listener on the
// state machine.
func New(restClient *restclient.Client, stateMachine *orderstate.Machine, tracker *ordertracker.Tracker, paperEngine *paperengine.Engine, riskManager *riskmanager.Manager, pyramidManager *pyramid.Manager, tradeMode types.TradeMode, c clock.Clock, logger zerolog.Logger) *Manager {
	if c == nil {
		c = clock.Real{}
	}
	m := &Manager{
		restClient:     restClient,
		stateMachine:   stateMachine,
		orderTracker:   tracker,
		paperEngine:    paperEngine,
		riskManager:    riskManager,
		pyramidManager: pyramidManager,
		tradeMode:      tradeMode,
		openPositions:  make(map[string]*types.Position),
		clock:          c,
		logger:         logger.With().Str("component", "ordermanager").Logger(),
	}
	stateMachine.RegisterCallback(m.onStateChange)
	stateMachine.RegisterCompletionCallback(m.onOrderComplete)
	m.logger.Info().Str("trade_mode", string(tradeMode)).Msg("order manager initialized")
	return m
}

// BlockNewOrders reports whether new order placement is currently blocked.
func (m *Manager) BlockNewOrders() bool { return m.blockNewOrders.Load() }

// SetBlockNewOrders sets the new-order block flag (e.g. on a daily kill
// switch trip).
func (m *Manager) SetBlockNewOrders(block bool) {
	old := m.blockNewOrders.Swap(block)
	if old != block {
		m.logger.Warn().Bool("old", old).Bool("new", block).Msg("order block flag changed")
	}
}

// TradeMode returns the current trade mode (LIVE/PAPER).
func (m *Manager) TradeMode() types.TradeMode { return m.tradeMode }

// RestoreState seeds the manager from a crash-safe snapshot loaded at
// startup, before any new order traffic is accepted.
func (m *Manager) RestoreState(orders map[string]types.Order, positions map[string]types.Position) {
	m.stateMachine.Restore(orders)

	m.mu.Lock()
	defer m.mu.Unlock()
	for code, pos := range positions {
		stored := pos
		m.openPositions[code] = &stored
	}
	m.logger.Info().Int("orders", len(orders)).Int("positions", len(positions)).Msg("restored order manager state from snapshot")
}

// SnapshotState returns the current orders and open positions for
// crash-safe persistence.
func (m *Manager) SnapshotState() (map[string]types.Order, map[string]types.Position) {
	orders := m.stateMachine.Snapshot()

	m.mu.Lock()
	defer m.mu.Unlock()
	positions := make(map[string]types.Position, len(m.openPositions))
	for code, p := range m.openPositions {
		positions[code] = *p
	}
	return orders, positions
}

// PlaceOrder runs signal through the risk gate, sizes it, creates the
// order, and routes it to the live broker or paper engine.
func (m *Manager) PlaceOrder(ctx context.Context, signal Signal, currentPositions []gradealloc.PositionShare, totalCapital decimal.Decimal, dailyPnLPct, monthlyPnLPct, cumulativePnLPct float64, currentCapital decimal.Decimal) Result {
	log := m.logger.With().Str("stock_code", signal.StockCode).Str("side", string(signal.Side)).
		Str("strategy_code", signal.StrategyCode).Logger()
	log.Info().Msg("place order request")

	if m.blockNewOrders.Load() {
		log.Warn().Msg("order blocked: block_new_orders is set")
		return Result{Success: false, Error: "new orders are blocked (block_new_orders=true)"}
	}

	riskSignal := &riskmanager.Signal{
		StockCode:    signal.StockCode,
		Action:       string(signal.Side),
		StrategyCode: signal.StrategyCode,
		EntryPrice:   signal.EntryPrice,
		StopLoss:     signal.StopLoss,
		Grade:        signal.Grade,
		Confidence:   signal.Confidence,
		Sector:       signal.Sector,
	}
	outcome := m.riskManager.ValidateSignal(ctx, riskSignal, currentPositions, signal.Regime, totalCapital, dailyPnLPct, monthlyPnLPct, cumulativePnLPct, currentCapital)
	if !outcome.Passed {
		log.Warn().Int("step", outcome.Step).Str("step_name", outcome.StepName).Str("reason", outcome.Reason).Msg("order risk rejected")
		return Result{Success: false, Error: fmt.Sprintf("risk validation rejected at step %d (%s): %s", outcome.Step, outcome.StepName, outcome.Reason)}
	}

	if outcome.Quantity <= 0 {
		log.Warn().Msg("order rejected: zero quantity after sizing")
		return Result{Success: false, Error: "position sizing produced zero quantity"}
	}

	orderID := orderstate.GenerateOrderID("ORD", m.clock)
	order := types.Order{
		OrderID:       orderID,
		StockCode:     signal.StockCode,
		Side:          signal.Side,
		Quantity:      outcome.Quantity,
		Price:         signal.EntryPrice,
		StrategyCode:  signal.StrategyCode,
		StopLossPrice: signal.StopLoss,
		Confidence:    signal.Confidence,
		Mode:          m.tradeMode,
	}

	if _, err := m.stateMachine.Create(order); err != nil {
		log.Error().Err(err).Msg("order create failed")
		return Result{Success: false, OrderID: orderID, Error: err.Error()}
	}

	var result Result
	var err error
	if m.tradeMode == types.ModeLive {
		result, err = m.executeLiveOrder(ctx, orderID, order)
	} else {
		result, err = m.executePaperOrder(orderID, order)
	}
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("order execution error")
		if _, tErr := m.stateMachine.Transition(orderID, types.StateError, map[string]any{"error": err.Error()}); tErr != nil {
			log.Warn().Err(tErr).Msg("order error transition rejected")
		}
		return Result{Success: false, OrderID: orderID, State: types.StateError, Error: err.Error()}
	}

	return result
}

type placeOrderOutput struct {
	ODNO   string `json:"ODNO"`
	OrdTmd string `json:"ORD_TMD"`
}

func (m *Manager) executeLiveOrder(ctx context.Context, orderID string, order types.Order) (Result, error) {
	if _, err := m.stateMachine.Transition(orderID, types.StateSubmitted, map[string]any{"submitted_via": "kis_rest_api"}); err != nil {
		return Result{}, err
	}

	env, err := m.restClient.PlaceOrder(ctx, order)
	if err != nil {
		return Result{}, err
	}

	var out placeOrderOutput
	_ = json.Unmarshal(env.Output, &out)

	m.logger.Info().Str("order_id", orderID).Str("broker_order_no", out.ODNO).Str("stock_code", order.StockCode).
		Str("side", string(order.Side)).Int64("quantity", order.Quantity).Str("price", order.Price.String()).
		Str("order_time", out.OrdTmd).Msg("live order submitted")

	return Result{Success: true, OrderID: orderID, State: types.StateSubmitted}, nil
}

func (m *Manager) executePaperOrder(orderID string, order types.Order) (Result, error) {
	if _, err := m.stateMachine.Transition(orderID, types.StateSubmitted, map[string]any{"submitted_via": "paper_engine"}); err != nil {
		return Result{}, err
	}

	fill := m.paperEngine.ExecuteVirtualOrder(order.StockCode, order.Side, order.Quantity, order.Price)

	if !fill.Success {
		reason := fill.Reason
		if reason == "" {
			reason = "paper fill failed"
		}
		if _, err := m.stateMachine.Transition(orderID, types.StateRejected, map[string]any{"reject_reason": reason}); err != nil {
			return Result{}, err
		}
		return Result{Success: false, OrderID: orderID, State: types.StateRejected, FillData: &fill, Error: reason}, nil
	}

	newState := types.StateFilled
	if fill.RemainingQuantity > 0 {
		newState = types.StatePartialFilled
	}

	if _, err := m.stateMachine.Transition(orderID, newState, map[string]any{
		"fill_price":         fill.FillPrice,
		"filled_quantity":    fill.FillQuantity,
		"remaining_quantity": fill.RemainingQuantity,
		"fill_type":          string(fill.FillType),
	}); err != nil {
		return Result{}, err
	}

	// A full FILLED is handled uniformly for both trade modes by
	// onOrderComplete, the state machine's completion callback. A partial
	// fill is booked here inline because paper orders execute once and
	// never revisit ExecuteVirtualOrder, so an order left PARTIAL_FILLED
	// only ever reaches a terminal state by cancellation (the tracker's TTL
	// sweep or CancelOrder) — which must not re-book the quantity this
	// already recorded.
	if newState == types.StatePartialFilled {
		if order.Side == types.BUY {
			m.updateOpenPosition(order, fill.FillQuantity, fill.FillPrice)
		} else {
			m.reduceOpenPosition(order.StockCode, fill.FillQuantity)
		}
	}

	m.logger.Info().Str("order_id", orderID).Str("stock_code", order.StockCode).Str("state", string(newState)).
		Str("fill_type", string(fill.FillType)).Str("fill_price", fill.FillPrice.String()).
		Int64("fill_quantity", fill.FillQuantity).Msg("paper order executed")

	return Result{Success: true, OrderID: orderID, State: newState, FillData: &fill}, nil
}

// CancelOrder cancels a pending order.
func (m *Manager) CancelOrder(ctx context.Context, orderID string) Result {
	order, err := m.stateMachine.Get(orderID)
	if err != nil {
		return Result{Success: false, OrderID: orderID, Error: fmt.Sprintf("order not found: %s", orderID)}
	}

	log := m.logger.With().Str("order_id", orderID).Str("stock_code", order.StockCode).Logger()
	log.Info().Str("current_state", string(order.State)).Msg("cancel order request")

	if _, err := m.stateMachine.Transition(orderID, types.StateCancelRequested, map[string]any{"cancel_reason": "user request"}); err != nil {
		log.Warn().Err(err).Msg("cancel order transition failed")
		return Result{Success: false, OrderID: orderID, Error: err.Error()}
	}

	if m.tradeMode == types.ModeLive && order.BrokerOrderNo != "" {
		if _, err := m.restClient.CancelOrder(ctx, order.BrokerOrderNo, order.Quantity); err != nil {
			log.Error().Err(err).Msg("cancel order REST call failed")
			return Result{Success: false, OrderID: orderID, Error: err.Error()}
		}
	}

	if _, err := m.stateMachine.Transition(orderID, types.StateCancelled, map[string]any{"cancelled_by": "user"}); err != nil {
		log.Warn().Err(err).Msg("cancel order final transition failed")
		return Result{Success: false, OrderID: orderID, Error: err.Error()}
	}

	log.Info().Msg("order cancelled")
	return Result{Success: true, OrderID: orderID, State: types.StateCancelled}
}

// CancelAllPending cancels every pending order and returns each result.
func (m *Manager) CancelAllPending(ctx context.Context) []Result {
	pending := m.stateMachine.Pending()
	results := make([]Result, 0, len(pending))

	m.logger.Info().Int("pending_count", len(pending)).Msg("cancel all pending start")

	for _, order := range pending {
		results = append(results, m.CancelOrder(ctx, order.OrderID))
	}

	cancelled := 0
	for _, r := range results {
		if r.Success {
			cancelled++
		}
	}
	m.logger.Info().Int("total", len(pending)).Int("cancelled", cancelled).Int("failed", len(pending)-cancelled).
		Msg("cancel all pending complete")

	return results
}

// CloseAllPositions submits a market-price sell for every open position.
func (m *Manager) CloseAllPositions(ctx context.Context, currentPositions []gradealloc.PositionShare, totalCapital decimal.Decimal) []Result {
	m.mu.Lock()
	positions := make([]types.Position, 0, len(m.openPositions))
	for _, p := range m.openPositions {
		positions = append(positions, *p)
	}
	m.mu.Unlock()

	results := make([]Result, 0, len(positions))
	m.logger.Info().Int("position_count", len(positions)).Msg("close all positions start")

	for _, pos := range positions {
		if pos.Quantity <= 0 {
			continue
		}
		signal := Signal{
			StockCode:    pos.StockCode,
			Side:         types.SELL,
			StrategyCode: pos.StrategyCode,
			EntryPrice:   decimal.Zero,
			StopLoss:     decimal.Zero,
			Grade:        types.GradeC,
			Confidence:   5,
		}
		results = append(results, m.PlaceOrder(ctx, signal, currentPositions, totalCapital, 0, 0, 0, decimal.Zero))
	}

	closed := 0
	for _, r := range results {
		if r.Success {
			closed++
		}
	}
	m.logger.Info().Int("total", len(positions)).Int("closed", closed).Int("failed", len(positions)-closed).
		Msg("close all positions complete")

	return results
}

// ModifyOrder amends an order's limit price.
func (m *Manager) ModifyOrder(ctx context.Context, orderID string, newPrice decimal.Decimal) Result {
	order, err := m.stateMachine.Get(orderID)
	if err != nil {
		return Result{Success: false, OrderID: orderID, Error: fmt.Sprintf("order not found: %s", orderID)}
	}

	log := m.logger.With().Str("order_id", orderID).Str("stock_code", order.StockCode).Logger()
	log.Info().Str("current_state", string(order.State)).Str("new_price", newPrice.String()).Msg("modify order request")

	isPartialFilled := order.State == types.StatePartialFilled

	if isPartialFilled {
		if _, err := m.stateMachine.Transition(orderID, types.StateAmendRequested, map[string]any{"new_price": newPrice.String(), "amend_reason": "user price amend", "amended": true}); err != nil {
			log.Warn().Err(err).Msg("modify order transition failed")
			return Result{Success: false, OrderID: orderID, Error: err.Error()}
		}
	}

	if m.tradeMode == types.ModeLive && order.BrokerOrderNo != "" {
		if _, err := m.restClient.ModifyOrder(ctx, order.BrokerOrderNo, order.Quantity, newPrice.String()); err != nil {
			log.Error().Err(err).Msg("modify order REST call failed")
			return Result{Success: false, OrderID: orderID, Error: err.Error()}
		}
	}

	if isPartialFilled {
		if _, err := m.stateMachine.Transition(orderID, types.StateSubmitted, map[string]any{"amend_result": "price amend complete", "new_price": newPrice.String()}); err != nil {
			log.Warn().Err(err).Msg("modify order final transition failed")
			return Result{Success: false, OrderID: orderID, Error: err.Error()}
		}
	} else {
		if err := m.stateMachine.PatchPrice(orderID, newPrice); err != nil {
			log.Warn().Err(err).Msg("modify order price patch failed")
			return Result{Success: false, OrderID: orderID, Error: err.Error()}
		}
		if err := m.stateMachine.SetAmended(orderID); err != nil {
			log.Warn().Err(err).Msg("modify order amend flag failed")
			return Result{Success: false, OrderID: orderID, Error: err.Error()}
		}
	}

	final, _ := m.stateMachine.Get(orderID)
	log.Info().Msg("order modified")
	return Result{Success: true, OrderID: orderID, State: final.State}
}

// GetOpenPositions returns every position with a positive quantity.
func (m *Manager) GetOpenPositions() []types.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.openPositions))
	for _, p := range m.openPositions {
		if p.Quantity > 0 {
			out = append(out, *p)
		}
	}
	return out
}

func (m *Manager) updateOpenPosition(order types.Order, fillQty int64, fillPrice decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	existing, ok := m.openPositions[order.StockCode]
	if ok {
		oldQty := existing.Quantity
		newQty := oldQty + fillQty
		newCost := existing.TotalCost.Add(fillPrice.Mul(decimal.NewFromInt(fillQty)))
		existing.Quantity = newQty
		existing.TotalCost = newCost
		if newQty > 0 {
			existing.AvgEntryPrice = newCost.Div(decimal.NewFromInt(newQty))
		}
		existing.UpdatedAt = now
		return
	}

	m.openPositions[order.StockCode] = &types.Position{
		StockCode:     order.StockCode,
		Quantity:      fillQty,
		AvgEntryPrice: fillPrice,
		TotalCost:     fillPrice.Mul(decimal.NewFromInt(fillQty)),
		StrategyCode:  order.StrategyCode,
		StopLossPrice: order.StopLossPrice,
		Mode:          m.tradeMode,
		EntryTime:     now,
		UpdatedAt:     now,
	}
}

func (m *Manager) reduceOpenPosition(stockCode string, sellQuantity int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos, ok := m.openPositions[stockCode]
	if !ok {
		return
	}

	pos.Quantity -= sellQuantity
	if pos.Quantity <= 0 {
		delete(m.openPositions, stockCode)
		m.logger.Info().Str("stock_code", stockCode).Msg("position closed")
		return
	}
	pos.TotalCost = pos.AvgEntryPrice.Mul(decimal.NewFromInt(pos.Quantity))
	pos.UpdatedAt = m.clock.Now()
}

// onStateChange is the state machine's callback, used here purely for
// audit logging.
func (m *Manager) onStateChange(orderID string, old, new types.OrderState, order types.Order) error {
	m.logger.Debug().Str("order_id", orderID).Str("old_state", string(old)).Str("new_state", string(new)).
		Str("stock_code", order.StockCode).Msg("order manager state change")
	return nil
}

// onOrderComplete is the state machine's completion callback (spec §8:
// "O1 notifies R7 of fills to release locks and reservations"), fired
// once for every order that reaches FILLED, CANCELLED, or EXPIRED —
// in both LIVE and PAPER mode, regardless of which component drove the
// transition (ordermanager.CancelOrder, ordertracker's TTL sweep, or a
// broker fill notice). This is the single place position bookkeeping
// and risk-reservation release happen for a completed order.
func (m *Manager) onOrderComplete(order types.Order) {
	switch order.State {
	case types.StateFilled:
		m.handleFillCompletion(order)
	case types.StateCancelled, types.StateExpired:
		m.handleCancelCompletion(order)
	}
}

// handleFillCompletion books the order's full filled quantity into open
// position bookkeeping, records a pyramid-stage execution for BUY fills,
// and — for SELL fills, which close or reduce a position — releases the
// global position lock and any unmatched margin reservation via the risk
// manager. order.FilledQuantity/FillPrice are the transition's final
// values, which for a paper order are its one-shot fill and for a live
// order are the broker's cumulative total for this order, so this never
// double-books a quantity already recorded by the paper path's inline
// partial-fill bookkeeping (a partial-filled paper order's only terminal
// destination is CANCELLED, not FILLED).
func (m *Manager) handleFillCompletion(order types.Order) {
	log := m.logger.With().Str("order_id", order.OrderID).Str("stock_code", order.StockCode).
		Str("side", string(order.Side)).Logger()
	log.Info().Str("fill_price", order.FillPrice.String()).Int64("filled_quantity", order.FilledQuantity).
		Msg("order fill completion")

	if order.Side == types.BUY {
		m.updateOpenPosition(order, order.FilledQuantity, order.FillPrice)
		if m.pyramidManager != nil {
			m.pyramidManager.RecordStageExecution(order.OrderID, 0, order.FillPrice.InexactFloat64(), order.FilledQuantity)
		}
		return
	}

	m.reduceOpenPosition(order.StockCode, order.FilledQuantity)
	m.riskManager.OnPositionClosed(order.StockCode, order.StrategyCode, order.FillPrice.Mul(decimal.NewFromInt(order.FilledQuantity)))
}

// handleCancelCompletion releases the step-7 global position lock
// reservation and the step-9 margin reservation for a cancelled or
// expired order's unfilled remainder (spec §8 round-trip/idempotence:
// "leaves no residual reservations or locks"). A BUY order's already-
// filled portion (if any, from a partial fill cancelled by the tracker's
// TTL sweep) was already booked into an open position by the inline
// partial-fill path and must not be released as cash — only the
// remaining unfilled quantity's reservation is computed and released.
// SELL orders never reserve margin, so their unfilled amount is zero and
// only the position lock is released.
func (m *Manager) handleCancelCompletion(order types.Order) {
	log := m.logger.With().Str("order_id", order.OrderID).Str("stock_code", order.StockCode).
		Str("strategy_code", order.StrategyCode).Str("state", string(order.State)).Logger()

	var unfilledAmount decimal.Decimal
	if order.Side == types.BUY {
		if remaining := order.Remaining(); remaining > 0 {
			unfilledAmount = margin.RequiredAmount(remaining, order.Price)
		}
	}

	m.riskManager.OnPositionClosed(order.StockCode, order.StrategyCode, unfilledAmount)
	log.Info().Str("unfilled_amount_released", unfilledAmount.String()).Msg("order cancel completion: reservations released")
}
