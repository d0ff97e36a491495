// Package paperengine implements the simulated matching engine (spec
// §4.9): fills a virtual order against the cached order book using a
// fill-ratio/slippage model, and keeps a simple in-memory paper account
// (cash, weighted-average-cost positions, realized PnL).
package paperengine

import (
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kats-core/internal/cache"
	"kats-core/internal/clock"
	"kats-core/pkg/types"
)

const (
	// MaxInstantFillRatio is the quantity/best_volume threshold below
	// which an order fills instantly and in full.
	MaxInstantFillRatio = 0.20
	// MarketImpactCoeff scales extra slippage for the ratio above
	// MaxInstantFillRatio.
	MarketImpactCoeff = 0.05
	// BaseSlippagePct is the slippage applied even on a full instant fill.
	BaseSlippagePct = 0.1
)

// FillType labels how an order was filled.
type FillType string

const (
	FillFullInstant      FillType = "FULL_INSTANT"
	FillPartialSimulated FillType = "PARTIAL_SIMULATED"
)

// FillResult is the outcome of a simulated order execution.
type FillResult struct {
	Success           bool
	FillType          FillType
	FillPrice         decimal.Decimal
	FillQuantity      int64
	RemainingQuantity int64
	SlippagePct       float64
	SlippageAmount    decimal.Decimal
	MarketImpactPct   float64
	RequestedPrice    decimal.Decimal
	Reason            string
}

type paperPosition struct {
	quantity    int64
	avgPrice    decimal.Decimal
	totalCost   decimal.Decimal
	realizedPnL decimal.Decimal
}

// Engine simulates fills against the shared realtime cache and keeps a
// paper trading account.
type Engine struct {
	cache *cache.Cache
	clock clock.Clock

	cash      decimal.Decimal
	positions map[string]*paperPosition

	logger zerolog.Logger
}

// New creates a paper engine against the given realtime cache.
func New(c *cache.Cache, ck clock.Clock, logger zerolog.Logger) *Engine {
	if ck == nil {
		ck = clock.Real{}
	}
	return &Engine{
		cache:     c,
		clock:     ck,
		positions: make(map[string]*paperPosition),
		logger:    logger.With().Str("component", "paperengine").Logger(),
	}
}

// ExecuteVirtualOrder simulates a fill for a BUY/SELL order against the
// best ask/bid in the cached book.
func (e *Engine) ExecuteVirtualOrder(stockCode string, side types.Side, quantity int64, requestedPrice decimal.Decimal) FillResult {
	book, ok := e.cache.GetOrderbook(stockCode)
	if !ok {
		e.logger.Warn().Str("stock_code", stockCode).Msg("no orderbook data, cannot fill")
		return FillResult{Success: false, RemainingQuantity: quantity, RequestedPrice: requestedPrice, Reason: "no orderbook data"}
	}

	var bestPrice decimal.Decimal
	var bestVolume int64
	if side == types.BUY {
		bestPrice, bestVolume = book.BestAsk()
	} else {
		bestPrice, bestVolume = book.BestBid()
	}

	if bestPrice.Sign() <= 0 || bestVolume <= 0 {
		e.logger.Warn().Str("stock_code", stockCode).Msg("degenerate orderbook, cannot fill")
		return FillResult{Success: false, RemainingQuantity: quantity, RequestedPrice: requestedPrice, Reason: "invalid orderbook price/volume"}
	}

	fillRatio := float64(quantity) / float64(bestVolume)

	var fillQuantity, remainingQuantity int64
	var marketImpactPct, totalSlippagePct float64
	var fillType FillType

	if fillRatio > MaxInstantFillRatio {
		fillQuantity = int64(float64(bestVolume) * MaxInstantFillRatio)
		if fillQuantity < 1 {
			fillQuantity = 1
		}
		remainingQuantity = quantity - fillQuantity
		marketImpactPct = (fillRatio - MaxInstantFillRatio) * MarketImpactCoeff * 100
		totalSlippagePct = BaseSlippagePct + marketImpactPct
		fillType = FillPartialSimulated
	} else {
		fillQuantity = quantity
		remainingQuantity = 0
		marketImpactPct = 0
		totalSlippagePct = BaseSlippagePct
		fillType = FillFullInstant
	}

	slippageFactor := decimal.NewFromFloat(totalSlippagePct / 100)
	var fillPrice decimal.Decimal
	if side == types.BUY {
		fillPrice = bestPrice.Mul(decimal.NewFromInt(1).Add(slippageFactor))
	} else {
		fillPrice = bestPrice.Mul(decimal.NewFromInt(1).Sub(slippageFactor))
	}
	fillPrice = fillPrice.Round(2)

	slippageAmount := fillPrice.Sub(bestPrice).Abs().Mul(decimal.NewFromInt(fillQuantity))

	e.updatePaperAccount(stockCode, side, fillPrice, fillQuantity)

	e.logger.Info().Str("stock_code", stockCode).Str("fill_type", string(fillType)).
		Int64("fill_quantity", fillQuantity).Int64("remaining_quantity", remainingQuantity).
		Str("fill_price", fillPrice.String()).Msg("paper order filled")

	return FillResult{
		Success:           true,
		FillType:          fillType,
		FillPrice:         fillPrice,
		FillQuantity:      fillQuantity,
		RemainingQuantity: remainingQuantity,
		SlippagePct:       totalSlippagePct,
		SlippageAmount:    slippageAmount.Round(2),
		MarketImpactPct:   marketImpactPct,
		RequestedPrice:    requestedPrice,
	}
}

func (e *Engine) updatePaperAccount(stockCode string, side types.Side, fillPrice decimal.Decimal, fillQuantity int64) {
	tradeAmount := fillPrice.Mul(decimal.NewFromInt(fillQuantity))

	pos, ok := e.positions[stockCode]
	if !ok {
		pos = &paperPosition{}
		e.positions[stockCode] = pos
	}

	if side == types.BUY {
		newQty := pos.quantity + fillQuantity
		newCost := pos.totalCost.Add(tradeAmount)
		pos.quantity = newQty
		pos.totalCost = newCost
		if newQty > 0 {
			pos.avgPrice = newCost.Div(decimal.NewFromInt(newQty))
		}
		e.cash = e.cash.Sub(tradeAmount)
		return
	}

	pnl := fillPrice.Sub(pos.avgPrice).Mul(decimal.NewFromInt(fillQuantity))
	pos.quantity -= fillQuantity
	pos.realizedPnL = pos.realizedPnL.Add(pnl)
	if pos.quantity > 0 {
		pos.totalCost = pos.avgPrice.Mul(decimal.NewFromInt(pos.quantity))
	} else {
		pos.totalCost = decimal.Zero
		pos.avgPrice = decimal.Zero
	}
	e.cash = e.cash.Add(tradeAmount)
}

// PaperPositionView is a read-only snapshot of one paper position.
type PaperPositionView struct {
	StockCode   string
	Quantity    int64
	AvgPrice    decimal.Decimal
	TotalCost   decimal.Decimal
	RealizedPnL decimal.Decimal
}

// GetPaperPosition returns the current paper position for a stock, if any.
func (e *Engine) GetPaperPosition(stockCode string) (PaperPositionView, bool) {
	pos, ok := e.positions[stockCode]
	if !ok {
		return PaperPositionView{}, false
	}
	return PaperPositionView{
		StockCode:   stockCode,
		Quantity:    pos.quantity,
		AvgPrice:    pos.avgPrice,
		TotalCost:   pos.totalCost,
		RealizedPnL: pos.realizedPnL,
	}, true
}

// SetCash sets the paper account's starting cash balance.
func (e *Engine) SetCash(amount decimal.Decimal) {
	e.cash = amount
}

// Cash returns the paper account's current cash balance.
func (e *Engine) Cash() decimal.Decimal {
	return e.cash
}

// GetTotalEquity returns cash + Σ(current price × quantity) over all
// open positions, falling back to average cost when no current price is
// cached.
func (e *Engine) GetTotalEquity() decimal.Decimal {
	equity := e.cash
	for stockCode, pos := range e.positions {
		if pos.quantity <= 0 {
			continue
		}
		price := pos.avgPrice
		if tick, ok := e.cache.GetPrice(stockCode); ok {
			price = tick.Price
		}
		equity = equity.Add(price.Mul(decimal.NewFromInt(pos.quantity)))
	}
	return equity
}

// Reset clears all paper positions and resets cash to initialCash.
func (e *Engine) Reset(initialCash decimal.Decimal) {
	e.positions = make(map[string]*paperPosition)
	e.cash = initialCash
}
