// Package markethub implements the market data hub (spec §4.7): the
// single entry point strategy engines use for market data, aggregating
// the realtime cache (L4), VI monitor (L5) and indicator engine (L6)
// with preloaded historical daily candles into one MarketSnapshot per
// stock. No caller ever touches the REST client or WS client directly.
package markethub

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kats-core/internal/cache"
	"kats-core/internal/indicator"
	"kats-core/internal/restclient"
	"kats-core/internal/vimonitor"
	"kats-core/pkg/types"
)

// HistoricalLoadCount is how many daily candles are fetched per stock at
// session prep.
const HistoricalLoadCount = 250

// Hub aggregates L4/L5/L6 and historical candle state.
type Hub struct {
	cache *cache.Cache
	vi    *vimonitor.Monitor
	rest  *restclient.Client

	mu            sync.RWMutex
	historical    map[string][]types.Candle
	indicators    map[string]map[string]*float64
	prevDay       map[string]types.Candle
	todayOpen     map[string]decimal.Decimal
	minuteCandles map[string][]types.Candle

	logger zerolog.Logger
}

// New creates a market data hub. rest may be nil if historical loading
// is not needed (e.g. in tests).
func New(c *cache.Cache, vi *vimonitor.Monitor, rest *restclient.Client, logger zerolog.Logger) *Hub {
	return &Hub{
		cache:         c,
		vi:            vi,
		rest:          rest,
		historical:    make(map[string][]types.Candle),
		indicators:    make(map[string]map[string]*float64),
		prevDay:       make(map[string]types.Candle),
		todayOpen:     make(map[string]decimal.Decimal),
		minuteCandles: make(map[string][]types.Candle),
		logger:        logger.With().Str("component", "markethub").Logger(),
	}
}

// kisDailyCandle mirrors one row of KIS's inquire-daily-itemchartprice
// output2 array (newest-first on the wire).
type kisDailyCandle struct {
	Date  string `json:"stck_bsop_date"`
	Open  string `json:"stck_oprc"`
	High  string `json:"stck_hgpr"`
	Low   string `json:"stck_lwpr"`
	Close string `json:"stck_clpr"`
	Volume string `json:"acml_vol"`
}

// LoadHistoricalData fetches up to HistoricalLoadCount daily candles via
// REST, reverses them to chronological order, pre-computes indicators,
// records the previous day's OHLCV, and seeds L5 VI bounds from the last
// close.
func (h *Hub) LoadHistoricalData(ctx context.Context, stockCode, startDate, endDate string) error {
	if h.rest == nil {
		h.logger.Warn().Str("stock_code", stockCode).Msg("historical load skipped, no REST client configured")
		return nil
	}

	env, err := h.rest.GetDailyCandles(ctx, stockCode, startDate, endDate)
	if err != nil {
		return err
	}

	var raw []kisDailyCandle
	if err := json.Unmarshal(env.Output, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		h.logger.Warn().Str("stock_code", stockCode).Msg("historical load returned no candles")
		return nil
	}
	if len(raw) > HistoricalLoadCount {
		raw = raw[:HistoricalLoadCount] // newest-first: keep the most recent
	}

	daily := make([]types.Candle, len(raw))
	for i := range raw {
		src := raw[len(raw)-1-i] // newest-first on the wire -> chronological
		daily[i] = types.Candle{
			Open:   parseDecimal(src.Open),
			High:   parseDecimal(src.High),
			Low:    parseDecimal(src.Low),
			Close:  parseDecimal(src.Close),
			Volume: parseInt(src.Volume),
		}
	}

	h.mu.Lock()
	h.historical[stockCode] = daily
	h.mu.Unlock()

	h.RefreshIndicators(stockCode)

	last := daily[len(daily)-1]
	h.mu.Lock()
	h.prevDay[stockCode] = last
	h.mu.Unlock()

	if h.vi != nil {
		h.vi.InitializeVIPrices(stockCode, last.Close)
	}

	h.logger.Info().Str("stock_code", stockCode).Int("candle_count", len(daily)).Msg("historical data loaded")
	return nil
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseInt(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// RefreshIndicators recomputes indicators from the stored daily candles.
func (h *Hub) RefreshIndicators(stockCode string) {
	h.mu.RLock()
	daily, ok := h.historical[stockCode]
	h.mu.RUnlock()
	if !ok || len(daily) == 0 {
		return
	}

	candles := make([]indicator.Candle, len(daily))
	for i, c := range daily {
		candles[i] = indicator.Candle{
			Open:   toFloat(c.Open),
			High:   toFloat(c.High),
			Low:    toFloat(c.Low),
			Close:  toFloat(c.Close),
			Volume: toFloat(decimal.NewFromInt(c.Volume)),
		}
	}

	result := indicator.CalculateAll(candles)
	h.mu.Lock()
	h.indicators[stockCode] = result
	h.mu.Unlock()
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// AppendMinuteCandle records a completed intraday minute candle.
func (h *Hub) AppendMinuteCandle(stockCode string, candle types.Candle) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.minuteCandles[stockCode] = append(h.minuteCandles[stockCode], candle)
}

// SetTodayOpen records the session's opening price.
func (h *Hub) SetTodayOpen(stockCode string, open decimal.Decimal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.todayOpen[stockCode] = open
}

// GetMarketData builds the aggregated snapshot strategy code reads;
// the single entry point for all market information about a stock.
func (h *Hub) GetMarketData(stockCode string) types.MarketSnapshot {
	snap := h.cache.Snapshot(stockCode)

	h.mu.RLock()
	indicators := h.indicators[stockCode]
	prevDay := h.prevDay[stockCode]
	todayOpen := h.todayOpen[stockCode]
	minuteCandles := append([]types.Candle(nil), h.minuteCandles[stockCode]...)
	dailyCandles := append([]types.Candle(nil), h.historical[stockCode]...)
	h.mu.RUnlock()

	md := types.MarketSnapshot{
		StockCode:     stockCode,
		Indicators:    indicators,
		PrevDayOHLCV:  prevDay,
		TodayOpen:     todayOpen,
		MinuteCandles: minuteCandles,
		DailyCandles:  dailyCandles,
		DataFresh:     snap.DataFresh,
	}

	if snap.Price != nil {
		md.Price = snap.Price.Price
		md.Volume = snap.Price.Volume
		md.ChangePct = snap.Price.ChangePct
	}
	if snap.Book != nil {
		md.Book = *snap.Book
	}

	if h.vi != nil {
		md.VIState = h.vi.GetState(stockCode)
		md.Tradeable = h.vi.IsTradeable(stockCode)
	} else {
		md.VIState = types.VINormal
		md.Tradeable = true
	}

	return md
}

// GetIndicator is a shortcut to fetch a single pre-computed indicator.
func (h *Hub) GetIndicator(stockCode, key string) *float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.indicators[stockCode][key]
}

// IsReady reports whether both historical and fresh realtime data are
// available for a stock.
func (h *Hub) IsReady(stockCode string) bool {
	h.mu.RLock()
	_, hasHistory := h.historical[stockCode]
	h.mu.RUnlock()
	return hasHistory && h.cache.IsDataFresh(stockCode, cache.DefaultFreshAge)
}

// ClearSessionData wipes intraday state (minute candles, today's open,
// and the realtime cache) while retaining daily history and indicators.
func (h *Hub) ClearSessionData() {
	h.mu.Lock()
	h.minuteCandles = make(map[string][]types.Candle)
	h.todayOpen = make(map[string]decimal.Decimal)
	h.mu.Unlock()
	h.cache.Clear()
	h.logger.Info().Msg("session data cleared")
}

// Shutdown cancels VI cooling timers and clears the realtime cache.
func (h *Hub) Shutdown() {
	if h.vi != nil {
		h.vi.Shutdown()
	}
	h.cache.Clear()
}
