// Package cache implements the realtime last-value store (spec §4.4):
// writers (WS callbacks) acquire a single lock to atomically replace
// per-stock entries; readers are lock-free.
package cache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kats-core/internal/clock"
	"kats-core/pkg/types"
)

const (
	// StaleWarnAge is the age at which a served read logs a stale-data
	// warning.
	StaleWarnAge = 5 * time.Second
	// DefaultFreshAge is the default freshness cutoff used by
	// IsDataFresh/Snapshot.data_fresh.
	DefaultFreshAge = 3 * time.Second
)

type entry struct {
	price     *types.PriceTick
	book      *types.OrderbookSnapshot
	vi        *types.VIStatus
	updatedAt time.Time
}

// Cache is the per-stock realtime last-value store.
type Cache struct {
	mu     sync.Mutex
	byCode map[string]*entry
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates an empty cache.
func New(c clock.Clock, logger zerolog.Logger) *Cache {
	if c == nil {
		c = clock.Real{}
	}
	return &Cache{
		byCode: make(map[string]*entry),
		clock:  c,
		logger: logger.With().Str("component", "cache").Logger(),
	}
}

func (c *Cache) getOrCreate(stockCode string) *entry {
	e, ok := c.byCode[stockCode]
	if !ok {
		e = &entry{}
		c.byCode[stockCode] = e
	}
	return e
}

// PutPrice atomically replaces the cached tick for a stock.
func (c *Cache) PutPrice(tick types.PriceTick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getOrCreate(tick.StockCode)
	e.price = &tick
	e.updatedAt = c.clock.Now()
}

// PutOrderbook atomically replaces the cached book for a stock.
func (c *Cache) PutOrderbook(book types.OrderbookSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getOrCreate(book.StockCode)
	e.book = &book
	e.updatedAt = c.clock.Now()
}

// PutVIStatus atomically replaces the cached VI status for a stock.
func (c *Cache) PutVIStatus(vi types.VIStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.getOrCreate(vi.StockCode)
	e.vi = &vi
	e.updatedAt = c.clock.Now()
}

// GetPrice returns the last-known tick for a stock, if any.
func (c *Cache) GetPrice(stockCode string) (types.PriceTick, bool) {
	c.mu.Lock()
	e, ok := c.byCode[stockCode]
	c.mu.Unlock()
	if !ok || e.price == nil {
		return types.PriceTick{}, false
	}
	c.warnIfStale(stockCode, e.updatedAt)
	return *e.price, true
}

// GetOrderbook returns the last-known book for a stock, if any.
func (c *Cache) GetOrderbook(stockCode string) (types.OrderbookSnapshot, bool) {
	c.mu.Lock()
	e, ok := c.byCode[stockCode]
	c.mu.Unlock()
	if !ok || e.book == nil {
		return types.OrderbookSnapshot{}, false
	}
	c.warnIfStale(stockCode, e.updatedAt)
	return *e.book, true
}

// GetVIStatus returns the last-known VI status for a stock, if any.
func (c *Cache) GetVIStatus(stockCode string) (types.VIStatus, bool) {
	c.mu.Lock()
	e, ok := c.byCode[stockCode]
	c.mu.Unlock()
	if !ok || e.vi == nil {
		return types.VIStatus{}, false
	}
	return *e.vi, true
}

// IsDataFresh reports whether the stock's last write is within maxAge
// (default 3s).
func (c *Cache) IsDataFresh(stockCode string, maxAge time.Duration) bool {
	if maxAge <= 0 {
		maxAge = DefaultFreshAge
	}
	c.mu.Lock()
	e, ok := c.byCode[stockCode]
	c.mu.Unlock()
	if !ok || e.updatedAt.IsZero() {
		return false
	}
	return c.clock.Now().Sub(e.updatedAt) <= maxAge
}

// Snapshot is a point-in-time combined read of price/book/VI for a stock.
type Snapshot struct {
	Price     *types.PriceTick
	Book      *types.OrderbookSnapshot
	VI        *types.VIStatus
	DataFresh bool
}

// Snapshot returns a combined read for a stock.
func (c *Cache) Snapshot(stockCode string) Snapshot {
	c.mu.Lock()
	e, ok := c.byCode[stockCode]
	c.mu.Unlock()
	if !ok {
		return Snapshot{}
	}
	c.warnIfStale(stockCode, e.updatedAt)
	return Snapshot{
		Price:     e.price,
		Book:      e.book,
		VI:        e.vi,
		DataFresh: c.clock.Now().Sub(e.updatedAt) <= DefaultFreshAge,
	}
}

// Clear removes all cached entries (end-of-session reset).
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byCode = make(map[string]*entry)
}

func (c *Cache) warnIfStale(stockCode string, updatedAt time.Time) {
	if updatedAt.IsZero() {
		return
	}
	if age := c.clock.Now().Sub(updatedAt); age > StaleWarnAge {
		c.logger.Warn().Str("stock_code", stockCode).Dur("age", age).Msg("serving stale cached data")
	}
}
