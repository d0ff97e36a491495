// Package margin implements pre-trade cash sufficiency validation (spec
// §5.6): buy orders are budgeted against commission and securities tax
// before submission, sell orders pass through unconditionally, and a
// cached balance plus a pending-reservation ledger keep concurrent
// orders from over-committing capital between balance refreshes.
package margin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kats-core/internal/clock"
)

const (
	// CommissionRate is the KIS brokerage commission, charged on both
	// legs of a round trip (0.015%).
	CommissionRate = 0.00015
	// TaxRate is the Korean securities transaction tax, charged on sell
	// but budgeted up front on buy (0.18%).
	TaxRate = 0.0018

	// BalanceCacheTTL bounds how often the balance query fires.
	BalanceCacheTTL = 5 * time.Second
)

// totalFeeRate is the worst-case round-trip rate budgeted on a buy:
// commission in, commission out, tax out.
var totalFeeRate = decimal.NewFromFloat(CommissionRate*2 + TaxRate)

// RequiredAmount is the cash a buy order of quantity at price budgets,
// gross plus worst-case round-trip fees. Exported so callers that need to
// release a reservation for an order's unfilled remainder (ordermanager,
// on cancel) compute the same figure ValidateOrder reserved it under.
func RequiredAmount(quantity int64, price decimal.Decimal) decimal.Decimal {
	gross := decimal.NewFromInt(quantity).Mul(price)
	fee := gross.Mul(totalFeeRate).Truncate(0)
	return gross.Add(fee)
}

// GetBalanceFunc queries the broker for current available cash (KRW).
type GetBalanceFunc func(ctx context.Context) (decimal.Decimal, error)

type reservation struct {
	key    string
	amount decimal.Decimal
}

// Guard is the pre-trade cash validation guard. Safe for concurrent use.
type Guard struct {
	mu sync.Mutex

	getBalance GetBalanceFunc

	cachedBalance  decimal.Decimal
	cacheTimestamp time.Time
	reservations   []reservation // insertion order, oldest first
	reservationSeq uint64

	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a Guard. getBalance may be nil (balance must then be set
// manually via SetBalance, e.g. in tests).
func New(getBalance GetBalanceFunc, c clock.Clock, logger zerolog.Logger) *Guard {
	if c == nil {
		c = clock.Real{}
	}
	g := &Guard{
		getBalance: getBalance,
		clock:      c,
		logger:     logger.With().Str("component", "margin").Logger(),
	}
	g.logger.Info().
		Float64("commission_rate", CommissionRate).
		Float64("tax_rate", TaxRate).
		Str("total_fee_rate", totalFeeRate.String()).
		Msg("margin guard initialized")
	return g
}

// ValidateOrder checks that sufficient cash is available for a buy order,
// reserving the required amount on success. Sell orders always pass.
func (g *Guard) ValidateOrder(ctx context.Context, stockCode string, quantity int64, price decimal.Decimal, orderType string) (bool, string) {
	log := g.logger.With().Str("stock_code", stockCode).Int64("quantity", quantity).
		Str("price", price.String()).Str("order_type", orderType).Logger()

	if orderType == "SELL" {
		log.Debug().Msg("margin guard: sell pass")
		return true, "Sell order: no cash check required."
	}

	requiredAmount := RequiredAmount(quantity, price)

	available := g.availableCash(ctx)

	if available.LessThan(requiredAmount) {
		shortfall := requiredAmount.Sub(available)
		grossAmount := decimal.NewFromInt(quantity).Mul(price)
		msg := fmt.Sprintf("Insufficient cash for %s: required %s KRW (order %s + fees %s), available %s KRW, shortfall %s KRW.",
			stockCode, requiredAmount.StringFixed(0), grossAmount.StringFixed(0), requiredAmount.Sub(grossAmount).StringFixed(0),
			available.StringFixed(0), shortfall.StringFixed(0))
		log.Warn().Str("shortfall", shortfall.String()).Msg("margin guard: insufficient cash")
		return false, msg
	}

	g.mu.Lock()
	g.reservationSeq++
	key := fmt.Sprintf("%s_%d_%d", stockCode, g.clock.Now().UnixMilli(), g.reservationSeq)
	g.reservations = append(g.reservations, reservation{key: key, amount: requiredAmount})
	g.mu.Unlock()

	msg := fmt.Sprintf("Cash validated for %s: %s KRW reserved (available: %s KRW). Reservation: %s.",
		stockCode, requiredAmount.StringFixed(0), available.StringFixed(0), key)
	log.Info().Str("reservation_key", key).Msg("margin guard: validated")
	return true, msg
}

// ReleaseReservation releases the reservation whose amount matches
// exactly, or the oldest reservation if no exact match exists. Mirrors
// the original's best-effort release when the caller only knows the
// fill/cancel amount, not the reservation key.
func (g *Guard) ReleaseReservation(amount decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.reservations) == 0 {
		g.logger.Debug().Msg("margin guard: release, nothing pending")
		return
	}

	for i, r := range g.reservations {
		if r.amount.Equal(amount) {
			g.reservations = append(g.reservations[:i], g.reservations[i+1:]...)
			g.logger.Info().Str("key", r.key).Str("amount", r.amount.String()).Msg("margin guard: released exact")
			return
		}
	}

	oldest := g.reservations[0]
	g.reservations = g.reservations[1:]
	g.logger.Info().Str("key", oldest.key).Str("released", oldest.amount.String()).
		Str("requested", amount.String()).Msg("margin guard: released oldest")
}

// ReleaseReservationByKey releases a specific reservation by its key.
func (g *Guard) ReleaseReservationByKey(reservationKey string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for i, r := range g.reservations {
		if r.key == reservationKey {
			g.reservations = append(g.reservations[:i], g.reservations[i+1:]...)
			g.logger.Info().Str("key", r.key).Str("amount", r.amount.String()).Msg("margin guard: released by key")
			return
		}
	}
	g.logger.Debug().Str("key", reservationKey).Msg("margin guard: release key not found")
}

// EnforceCashOrderParams forces cash-only KIS order parameters on the
// given order body, stripping any margin/credit fields.
func EnforceCashOrderParams(orderBody map[string]any) map[string]any {
	orderBody["ORD_DVSN"] = "00"
	orderBody["CTAC_TLNO"] = ""
	orderBody["SLL_TYPE"] = "01"
	orderBody["ALGO_NO"] = ""
	delete(orderBody, "CANO_LOAN")
	delete(orderBody, "MGNT_DVSN")
	delete(orderBody, "LOAN_DT")
	return orderBody
}

func (g *Guard) availableCash(ctx context.Context) decimal.Decimal {
	now := g.clock.Now()

	g.mu.Lock()
	stale := now.Sub(g.cacheTimestamp) > BalanceCacheTTL
	getBalance := g.getBalance
	g.mu.Unlock()

	if stale && getBalance != nil {
		balance, err := getBalance(ctx)
		if err != nil {
			g.logger.Error().Err(err).Msg("margin guard: balance query failed, using stale cache")
		} else {
			g.mu.Lock()
			g.cachedBalance = balance
			g.cacheTimestamp = now
			g.mu.Unlock()
			g.logger.Debug().Str("balance", balance.String()).Msg("margin guard: balance refreshed")
		}
	} else if stale {
		g.logger.Warn().Msg("margin guard: no balance function configured")
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	totalReserved := decimal.Zero
	for _, r := range g.reservations {
		totalReserved = totalReserved.Add(r.amount)
	}
	available := g.cachedBalance.Sub(totalReserved)
	if available.IsNegative() {
		return decimal.Zero
	}
	return available
}

// GetPendingTotal returns total KRW currently reserved across pending
// orders.
func (g *Guard) GetPendingTotal() decimal.Decimal {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := decimal.Zero
	for _, r := range g.reservations {
		total = total.Add(r.amount)
	}
	return total
}

// GetPendingCount returns the number of pending reservations.
func (g *Guard) GetPendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.reservations)
}

// SetBalance manually sets the cached balance, bypassing getBalance.
// Used at startup (after the first balance query) and in tests.
func (g *Guard) SetBalance(balance decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cachedBalance = balance
	g.cacheTimestamp = g.clock.Now()
}

// ClearAllReservations clears every pending reservation. Used during the
// daily reset.
func (g *Guard) ClearAllReservations() {
	g.mu.Lock()
	defer g.mu.Unlock()
	count := len(g.reservations)
	g.reservations = nil
	g.logger.Info().Int("count", count).Msg("margin guard: cleared all reservations")
}
