// Package orderstate implements the order finite-state machine (spec
// §4.8): a fixed transition table, history stamping, callback fan-out
// with per-callback error isolation, and a completion hook for the
// FILLED/CANCELLED/EXPIRED terminal states.
package orderstate

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kats-core/internal/clock"
	"kats-core/internal/errs"
	"kats-core/internal/metrics"
	"kats-core/pkg/types"
)

var validTransitions = map[types.OrderState]map[types.OrderState]bool{
	types.StateCreated: {
		types.StateSubmitted: true,
		types.StateRejected:  true,
	},
	types.StateSubmitted: {
		types.StatePartialFilled:   true,
		types.StateFilled:         true,
		types.StateCancelRequested: true,
		types.StateRejected:       true,
		types.StateError:          true,
	},
	types.StatePartialFilled: {
		types.StateFilled:         true,
		types.StateCancelRequested: true,
		types.StateAmendRequested:  true,
	},
	types.StateCancelRequested: {
		types.StateCancelled: true,
		types.StateFilled:    true,
	},
	types.StateAmendRequested: {
		types.StateSubmitted: true,
		types.StateRejected:  true,
	},
}

var terminalStates = map[types.OrderState]bool{
	types.StateFilled:    true,
	types.StateCancelled: true,
	types.StateRejected:  true,
	types.StateExpired:   true,
	types.StateError:     true,
}

var completedStates = map[types.OrderState]bool{
	types.StateFilled:    true,
	types.StateCancelled: true,
	types.StateExpired:   true,
}

// Callback is invoked on every accepted transition. A returned error is
// logged but never propagates to the caller or blocks other callbacks.
type Callback func(orderID string, old, new types.OrderState, order types.Order) error

// CompletionCallback is invoked additionally when an order reaches a
// completed terminal state (FILLED, CANCELLED, EXPIRED).
type CompletionCallback func(order types.Order)

// Machine tracks every order's lifecycle.
type Machine struct {
	mu        sync.Mutex
	orders    map[string]*types.Order
	callbacks []Callback
	onComplete []CompletionCallback
	clock     clock.Clock
	logger    zerolog.Logger
}

// New creates an empty order state machine.
func New(c clock.Clock, logger zerolog.Logger) *Machine {
	if c == nil {
		c = clock.Real{}
	}
	return &Machine{
		orders: make(map[string]*types.Order),
		clock:  c,
		logger: logger.With().Str("component", "orderstate").Logger(),
	}
}

// GenerateOrderID returns a unique order id: {prefix}-{epoch_ms}-{uuid8}.
func GenerateOrderID(prefix string, c clock.Clock) string {
	if prefix == "" {
		prefix = "ORD"
	}
	if c == nil {
		c = clock.Real{}
	}
	epochMs := c.Now().UnixMilli()
	short := uuid.New().String()[:8]
	return fmt.Sprintf("%s-%d-%s", prefix, epochMs, short)
}

// Create registers a new order in CREATED state.
func (m *Machine) Create(order types.Order) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.orders[order.OrderID]; exists {
		return types.Order{}, errs.New(errs.Validation, fmt.Sprintf("duplicate order id: %s", order.OrderID))
	}

	now := m.clock.Now()
	order.State = types.StateCreated
	order.CreatedAt = now
	order.UpdatedAt = now
	order.History = []types.OrderHistoryEntry{{State: types.StateCreated, Timestamp: now}}

	stored := order
	m.orders[order.OrderID] = &stored

	m.logger.Info().Str("order_id", order.OrderID).Str("state", string(types.StateCreated)).
		Str("stock_code", order.StockCode).Int64("quantity", order.Quantity).Msg("order created")

	return stored, nil
}

// Transition validates and performs a state change, stamping history,
// merging metadata, and firing callbacks. Callback errors are logged but
// never block other callbacks or the transition itself.
func (m *Machine) Transition(orderID string, newState types.OrderState, metadata map[string]any) (types.Order, error) {
	m.mu.Lock()

	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return types.Order{}, errs.New(errs.Validation, fmt.Sprintf("order not found: %s", orderID))
	}

	oldState := order.State
	if terminalStates[oldState] {
		m.mu.Unlock()
		return types.Order{}, errs.New(errs.Invariant, fmt.Sprintf("order %s: %s is terminal, cannot transition to %s", orderID, oldState, newState))
	}

	allowed := validTransitions[oldState]
	if allowed == nil || !allowed[newState] {
		m.mu.Unlock()
		return types.Order{}, errs.New(errs.Invariant, fmt.Sprintf("order %s: %s -> %s is not a permitted transition", orderID, oldState, newState))
	}

	now := m.clock.Now()
	order.State = newState
	order.UpdatedAt = now
	order.History = append(order.History, types.OrderHistoryEntry{State: newState, Timestamp: now, Metadata: metadata})
	applyMetadata(order, metadata)

	snapshot := *order
	callbacks := append([]Callback(nil), m.callbacks...)
	completionCallbacks := append([]CompletionCallback(nil), m.onComplete...)
	m.mu.Unlock()

	metrics.OrderTransitions.WithLabelValues(string(oldState), string(newState)).Inc()
	m.logger.Info().Str("order_id", orderID).Str("old_state", string(oldState)).Str("new_state", string(newState)).
		Str("stock_code", snapshot.StockCode).Msg("order state transition")

	for _, cb := range callbacks {
		if err := cb(orderID, oldState, newState, snapshot); err != nil {
			m.logger.Error().Err(err).Str("order_id", orderID).Msg("state change callback failed")
		}
	}

	if completedStates[newState] {
		for _, cb := range completionCallbacks {
			cb(snapshot)
		}
	}

	return snapshot, nil
}

func applyMetadata(order *types.Order, metadata map[string]any) {
	if len(metadata) == 0 {
		return
	}
	if v, ok := metadata["filled_quantity"].(int64); ok {
		order.FilledQuantity = v
	}
	if v, ok := metadata["fill_price"].(decimal.Decimal); ok {
		order.FillPrice = v
	}
	if v, ok := metadata["broker_order_no"].(string); ok {
		order.BrokerOrderNo = v
	}
	if v, ok := metadata["amended"].(bool); ok {
		order.AmendedFlag = v
	}
}

// PatchPrice amends an order's price in place, recording a synthetic
// history entry rather than routing through a state transition (spec §9
// open question: modify-in-place gets its own history record).
func (m *Machine) PatchPrice(orderID string, newPrice decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return errs.New(errs.Validation, fmt.Sprintf("order not found: %s", orderID))
	}
	now := m.clock.Now()
	order.Price = newPrice
	order.UpdatedAt = now
	order.History = append(order.History, types.OrderHistoryEntry{
		State:     order.State,
		Timestamp: now,
		Metadata:  map[string]any{"patched_price": newPrice.String()},
	})
	return nil
}

// SetAmended marks an order's AmendedFlag in place without a state
// transition. Used when a market-price amend is fired while an order is
// still SUBMITTED: the transition table only allows AMEND_REQUESTED from
// PARTIAL_FILLED, so the SUBMITTED case amends via REST only and records
// the flag directly to prevent a duplicate amend attempt.
func (m *Machine) SetAmended(orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return errs.New(errs.Validation, fmt.Sprintf("order not found: %s", orderID))
	}
	order.AmendedFlag = true
	order.UpdatedAt = m.clock.Now()
	return nil
}

// RegisterCallback wires a listener for every accepted state transition.
func (m *Machine) RegisterCallback(cb Callback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, cb)
}

// RegisterCompletionCallback wires a listener fired only for FILLED,
// CANCELLED, or EXPIRED transitions.
func (m *Machine) RegisterCompletionCallback(cb CompletionCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onComplete = append(m.onComplete, cb)
}

// Get returns an order by id.
func (m *Machine) Get(orderID string) (types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return types.Order{}, errs.New(errs.Validation, fmt.Sprintf("order not found: %s", orderID))
	}
	return *order, nil
}

// ListByState returns all orders currently in the given state.
func (m *Machine) ListByState(state types.OrderState) []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []types.Order
	for _, o := range m.orders {
		if o.State == state {
			result = append(result, *o)
		}
	}
	return result
}

// Pending returns all orders in SUBMITTED or PARTIAL_FILLED.
func (m *Machine) Pending() []types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []types.Order
	for _, o := range m.orders {
		if o.State == types.StateSubmitted || o.State == types.StatePartialFilled {
			result = append(result, *o)
		}
	}
	return result
}

// OrderCount returns the number of tracked orders, used by diagnostics.
func (m *Machine) OrderCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orders)
}

// Restore seeds the machine from a crash-safe snapshot, bypassing the
// transition table since the orders already carry a valid state and
// history. Existing in-memory orders with the same id are overwritten.
func (m *Machine) Restore(orders map[string]types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, o := range orders {
		stored := o
		m.orders[id] = &stored
	}
}

// Snapshot returns a copy of every tracked order, for crash-safe
// persistence.
func (m *Machine) Snapshot() map[string]types.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]types.Order, len(m.orders))
	for id, o := range m.orders {
		out[id] = *o
	}
	return out
}
