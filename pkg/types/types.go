// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the trading core — price
// ticks, order books, VI status, orders, positions, reservations, and the
// WS/REST wire shapes they are built from. It has no dependencies on
// internal packages, so it can be imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderType enumerates the order-price modes the broker accepts.
type OrderType string

const (
	OrderTypeLimit  OrderType = "00" // KIS limit order code
	OrderTypeMarket OrderType = "01" // KIS market order code
)

// TradeMode distinguishes live broker routing from the paper simulator.
type TradeMode string

const (
	ModeLive  TradeMode = "LIVE"
	ModePaper TradeMode = "PAPER"
)

// StockGrade ranks liquidity/quality buckets with hard single-name caps.
type StockGrade string

const (
	GradeA StockGrade = "A"
	GradeB StockGrade = "B"
	GradeC StockGrade = "C"
	GradeD StockGrade = "D"
)

// GradeHardCapPct is the maximum percentage of capital any single stock of
// the given grade may ever carry in aggregate reservations, regardless of
// how many strategies hold positions in it.
var GradeHardCapPct = map[StockGrade]float64{
	GradeA: 30.0,
	GradeB: 20.0,
	GradeC: 10.0,
	GradeD: 0.0,
}

// MarketRegime classifies the prevailing market condition, driving
// risk-per-trade and capital-allocation tables.
type MarketRegime string

const (
	RegimeStrongBull MarketRegime = "STRONG_BULL"
	RegimeBull       MarketRegime = "BULL"
	RegimeSideways   MarketRegime = "SIDEWAYS"
	RegimeBear       MarketRegime = "BEAR"
	RegimeStrongBear MarketRegime = "STRONG_BEAR"
)

// VIState is the per-stock volatility-interruption halt state.
type VIState string

const (
	VINormal     VIState = "NORMAL"
	VIWarning    VIState = "WARNING"
	VITriggered  VIState = "TRIGGERED"
	VICooling    VIState = "COOLING"
)

// OrderState enumerates the order lifecycle states. Terminal: FILLED,
// CANCELLED, REJECTED, EXPIRED, ERROR. Completed (fires completion
// callback): FILLED, CANCELLED, EXPIRED.
type OrderState string

const (
	StateCreated         OrderState = "CREATED"
	StateSubmitted       OrderState = "SUBMITTED"
	StatePartialFilled   OrderState = "PARTIAL_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCancelRequested OrderState = "CANCEL_REQUESTED"
	StateCancelled       OrderState = "CANCELLED"
	StateAmendRequested  OrderState = "AMEND_REQUESTED"
	StateRejected        OrderState = "REJECTED"
	StateExpired         OrderState = "EXPIRED"
	StateError           OrderState = "ERROR"
)

// DrawdownLevel is the 5-level escalating restriction ladder, plus NONE.
type DrawdownLevel int

const (
	DrawdownNone DrawdownLevel = iota
	DrawdownGreen
	DrawdownYellow
	DrawdownOrange
	DrawdownRed
	DrawdownBlack
)

func (l DrawdownLevel) String() string {
	switch l {
	case DrawdownNone:
		return "NONE"
	case DrawdownGreen:
		return "GREEN"
	case DrawdownYellow:
		return "YELLOW"
	case DrawdownOrange:
		return "ORANGE"
	case DrawdownRed:
		return "RED"
	case DrawdownBlack:
		return "BLACK"
	default:
		return "UNKNOWN"
	}
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// PriceTick is a single trade print for a stock. Immutable; held as a
// single-value-per-stock entry in the realtime cache, replaced atomically
// by newer ticks.
type PriceTick struct {
	StockCode string
	Price     decimal.Decimal
	Volume    int64
	ChangePct decimal.Decimal
	Timestamp time.Time // monotonic receipt time, not exchange time
}

// BookDepth is how many levels OrderbookSnapshot carries per side.
const BookDepth = 10

// OrderbookSnapshot is a 10-level order book for one stock. Immutable.
// Asks ordered best-first (lowest); bids ordered best-first (highest).
type OrderbookSnapshot struct {
	StockCode      string
	AskPrices      [BookDepth]decimal.Decimal
	AskVolumes     [BookDepth]int64
	BidPrices      [BookDepth]decimal.Decimal
	BidVolumes     [BookDepth]int64
	TotalAskVolume int64
	TotalBidVolume int64
	Timestamp      time.Time
}

// BestAsk returns the top-of-book ask price/volume.
func (o OrderbookSnapshot) BestAsk() (decimal.Decimal, int64) {
	return o.AskPrices[0], o.AskVolumes[0]
}

// BestBid returns the top-of-book bid price/volume.
func (o OrderbookSnapshot) BestBid() (decimal.Decimal, int64) {
	return o.BidPrices[0], o.BidVolumes[0]
}

// VIStatus is the per-stock volatility-interruption state.
type VIStatus struct {
	StockCode     string
	State         VIState
	ReferencePrice decimal.Decimal
	StaticUpper   decimal.Decimal // ReferencePrice * 1.10
	StaticLower   decimal.Decimal // ReferencePrice * 0.90
	TriggeredAt   *time.Time
}

// Candle is one OHLCV bar, daily or minute-resolution depending on context.
type Candle struct {
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    int64
}

// MarketSnapshot is the per-stock aggregate view L7 hands to strategies.
type MarketSnapshot struct {
	StockCode       string
	Price           decimal.Decimal
	Volume          int64
	ChangePct       decimal.Decimal
	Book            OrderbookSnapshot
	Indicators      map[string]*float64 // nil entries for insufficient-data results
	PrevDayOHLCV    Candle
	TodayOpen       decimal.Decimal
	MinuteCandles   []Candle // append-only, lazy
	DailyCandles    []Candle // chronological, oldest first
	VIState         VIState
	Tradeable       bool
	DataFresh       bool // updated within the last 3s
}

// ————————————————————————————————————————————————————————————————————————
// Orders and positions
// ————————————————————————————————————————————————————————————————————————

// OrderHistoryEntry is one state-machine transition record.
type OrderHistoryEntry struct {
	State     OrderState
	Timestamp time.Time
	Metadata  map[string]any
}

// Order is the full order record, owned exclusively by the state machine
// (internal/orderstate); referenced by tracker and order manager by id.
type Order struct {
	OrderID       string
	StockCode     string
	Side          Side
	Quantity      int64
	Price         decimal.Decimal
	StrategyCode  string
	StopLossPrice decimal.Decimal
	Confidence    int
	Mode          TradeMode
	BrokerOrderNo string

	State     OrderState
	CreatedAt time.Time
	UpdatedAt time.Time
	History   []OrderHistoryEntry

	FilledQuantity int64
	FillPrice      decimal.Decimal
	AmendedFlag    bool
}

// Remaining returns the unfilled quantity.
func (o Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// Position is created on first BUY fill, mutated on further fills
// (weighted-average cost), reduced on SELL fills; destroyed at quantity 0.
// Exclusively owned by internal/ordermanager.
type Position struct {
	StockCode     string
	Quantity      int64
	AvgEntryPrice decimal.Decimal
	TotalCost     decimal.Decimal
	StrategyCode  string
	StopLossPrice decimal.Decimal
	Mode          TradeMode
	EntryTime     time.Time
	UpdatedAt     time.Time
}

// Fill records a single execution applied to an Order/Position.
type Fill struct {
	OrderID   string
	StockCode string
	Side      Side
	Price     decimal.Decimal
	Quantity  int64
	Timestamp time.Time
}

// Reservation tracks all per-strategy exposure reservations for one stock
// under the global position lock (internal/poslock). Total reserved
// percentage may never exceed GradeHardCapPct[Grade].
type Reservation struct {
	StockCode    string
	Grade        StockGrade
	ByStrategy   map[string]float64 // strategy_code -> reserved_pct
}

// TotalPct sums reservations across all strategies.
func (r Reservation) TotalPct() float64 {
	total := 0.0
	for _, pct := range r.ByStrategy {
		total += pct
	}
	return total
}

// PendingCashReservation lives from pre-submit validation until fill or
// cancel, held by internal/margin.
type PendingCashReservation struct {
	ReservationKey string
	AmountKRW      int64
}

// PyramidStageExecution records one executed pyramid add-on.
type PyramidStageExecution struct {
	Stage     int
	FillPrice decimal.Decimal
	FillQty   int64
	Timestamp time.Time
}

// PyramidState tracks stage-gated add-on sizing for one winning position.
type PyramidState struct {
	TradeID         string
	CurrentStage    int
	StagesExecuted  []PyramidStageExecution
}

// DrawdownState is the 5-level ladder's current posture.
type DrawdownState struct {
	Level                   DrawdownLevel
	PositionScale           float64
	TradingHalted           bool
	HaltReason              string
	HaltUntil               *time.Time
	PaperModeForced         bool
	ConsecutivePaperWins    int
	StrategyReviewRequired  bool
}

// KillSwitchState is the daily-loss circuit breaker's current posture.
// Reset once per trading day.
type KillSwitchState struct {
	IsKilled          bool
	StartingCapital   int64
	DailyLossLimitPct float64
	KillReason        string
	KillTimestamp     *time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Strategy/risk signal contract (inbound from external collaborators)
// ————————————————————————————————————————————————————————————————————————

// Signal is the strategy contract described in spec §6: a proposed trade a
// strategy hands to the risk pipeline. Out of scope: the strategies that
// produce these.
type Signal struct {
	StockCode          string
	Action             Side
	StrategyCode       string
	EntryPrice         decimal.Decimal
	StopLoss           decimal.Decimal
	Grade              StockGrade
	Confidence         int
	PositionPct        float64 // advisory
	Sector             string
	IndicatorsSnapshot map[string]*float64
	Regime             MarketRegime
}

// RejectionReport is returned by the risk pipeline on first failure.
type RejectionReport struct {
	Step     int
	StepName string
	Reason   string
}

// SizingResult is returned by the risk pipeline on success.
type SizingResult struct {
	Quantity       int64
	PositionAmount int64
	RiskAmountR    decimal.Decimal
	PositionScale  float64
}
