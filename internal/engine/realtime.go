package engine

import (
	"strconv"

	"github.com/shopspring/decimal"

	"kats-core/internal/ordertracker"
	"kats-core/internal/wsclient"
	"kats-core/pkg/types"
)

// Broker realtime frames are `^`-delimited field lists; field order is
// fixed per tr_id by the broker's API documentation. Only the fields the
// trading core actually consumes are named here.
const (
	fldExecStockCode  = 0
	fldExecPrice      = 2
	fldExecChangePct  = 5
	fldExecVolume     = 12

	fldBookStockCode = 0
	fldBookAskStart  = 2  // askp1..askp10
	fldBookBidStart  = 12 // bidp1..bidp10
	fldBookAskVolStart = 22
	fldBookBidVolStart = 32
	fldBookTotalAskVol = 42
	fldBookTotalBidVol = 43

	fldVIStockCode = 0
	fldVICls       = 1
	fldVIRefPrice  = 11

	fldNoticeOrderNo   = 2
	fldNoticeStockCode = 8
	fldNoticeFillQty   = 9
	fldNoticeFillPrice = 10
	fldNoticeFillFlag  = 13 // "2" means this frame is an actual fill
)

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return fields[i]
}

func parseRealtimeDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseRealtimeInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// onExecution handles an H0STCNT0 trade-execution frame: updates the
// realtime cache and appends the tick to the archive.
func (e *Engine) onExecution(evt wsclient.RealtimeEvent) {
	f := evt.Fields
	stockCode := field(f, fldExecStockCode)
	if stockCode == "" {
		return
	}
	tick := types.PriceTick{
		StockCode: stockCode,
		Price:     parseRealtimeDecimal(field(f, fldExecPrice)),
		Volume:    parseRealtimeInt(field(f, fldExecVolume)),
		ChangePct: parseRealtimeDecimal(field(f, fldExecChangePct)),
		Timestamp: e.clock.Now(),
	}
	e.cache.PutPrice(tick)
	if e.repo != nil {
		if err := e.repo.ArchiveTick(tick); err != nil {
			e.logger.Warn().Err(err).Str("stock_code", stockCode).Msg("tick archive failed")
		}
	}
}

// onOrderbook handles an H0STASP0 10-level orderbook frame.
func (e *Engine) onOrderbook(evt wsclient.RealtimeEvent) {
	f := evt.Fields
	stockCode := field(f, fldBookStockCode)
	if stockCode == "" {
		return
	}
	var book types.OrderbookSnapshot
	book.StockCode = stockCode
	book.Timestamp = e.clock.Now()
	for i := 0; i < types.BookDepth; i++ {
		book.AskPrices[i] = parseRealtimeDecimal(field(f, fldBookAskStart+i))
		book.BidPrices[i] = parseRealtimeDecimal(field(f, fldBookBidStart+i))
		book.AskVolumes[i] = parseRealtimeInt(field(f, fldBookAskVolStart+i))
		book.BidVolumes[i] = parseRealtimeInt(field(f, fldBookBidVolStart+i))
	}
	book.TotalAskVolume = parseRealtimeInt(field(f, fldBookTotalAskVol))
	book.TotalBidVolume = parseRealtimeInt(field(f, fldBookTotalBidVol))
	e.cache.PutOrderbook(book)
}

// onVI handles an H0STVI0 volatility-interruption frame.
func (e *Engine) onVI(evt wsclient.RealtimeEvent) {
	f := evt.Fields
	stockCode := field(f, fldVIStockCode)
	if stockCode == "" {
		return
	}
	e.vi.OnVIData(stockCode, field(f, fldVICls), parseRealtimeDecimal(field(f, fldVIRefPrice)))
}

// onOrderNotice handles an H0STCNC0 fill/order-status frame, accumulating
// per-order fill quantity across frames (the broker reports the quantity
// filled in this event, not the running total) before handing a
// FillNotification to the order tracker.
func (e *Engine) onOrderNotice(evt wsclient.RealtimeEvent) {
	f := evt.Fields
	if field(f, fldNoticeFillFlag) != "2" {
		return // acceptance/rejection/cancel ack, not an actual fill
	}
	orderID := field(f, fldNoticeOrderNo)
	if orderID == "" {
		return
	}
	fillQty := parseRealtimeInt(field(f, fldNoticeFillQty))
	fillPrice := parseRealtimeDecimal(field(f, fldNoticeFillPrice))

	order, err := e.stateMachine.Get(orderID)
	if err != nil {
		e.logger.Warn().Str("order_id", orderID).Msg("fill notice for unknown order")
		return
	}

	e.fillMu.Lock()
	e.filledSoFar[orderID] += fillQty
	total := e.filledSoFar[orderID]
	if order.State == types.StateFilled || order.State == types.StateCancelled {
		delete(e.filledSoFar, orderID)
	}
	e.fillMu.Unlock()

	remaining := order.Quantity - total
	if remaining < 0 {
		remaining = 0
	}

	e.tracker.OnFillNotification(ordertracker.FillNotification{
		OrderID:        orderID,
		TotalFilledQty: total,
		RemainingQty:   remaining,
		FillPrice:      fillPrice,
		FillAmount:     fillPrice.Mul(decimal.NewFromInt(fillQty)),
	})
}
