// Package poslock implements the global position lock (spec §5.3): an
// atomic, mutex-guarded reservation ledger that prevents multiple
// strategies from driving a single stock's aggregate exposure past its
// grade's hard cap, regardless of which strategy combination attempts it.
package poslock

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"kats-core/pkg/types"
)

// GradeHardCap is the maximum aggregate exposure (percent of capital) any
// single stock of the given grade may carry across every strategy
// combined. Grade D may never be reserved.
var GradeHardCap = map[types.StockGrade]float64{
	types.GradeA: 30.0,
	types.GradeB: 20.0,
	types.GradeC: 10.0,
	types.GradeD: 0.0,
}

type reservation struct {
	grade         types.StockGrade
	byStrategy    map[string]float64
}

func (r *reservation) totalPct() float64 {
	var sum float64
	for _, v := range r.byStrategy {
		sum += v
	}
	return sum
}

// Exposure is a read-only snapshot of one stock's current reservations.
type Exposure struct {
	StockCode  string
	Grade      types.StockGrade
	TotalPct   float64
	Strategies map[string]float64
}

// Lock is the mutex-guarded, per-stock reservation ledger.
type Lock struct {
	mu           sync.Mutex
	gradeCaps    map[types.StockGrade]float64
	reservations map[string]*reservation
	logger       zerolog.Logger
}

// New creates a Lock using the default grade hard-cap table.
func New(logger zerolog.Logger) *Lock {
	return &Lock{
		gradeCaps:    GradeHardCap,
		reservations: make(map[string]*reservation),
		logger:       logger.With().Str("component", "poslock").Logger(),
	}
}

func (l *Lock) capFor(grade types.StockGrade) float64 {
	return l.gradeCaps[grade]
}

// CheckAndReserve atomically checks whether additionalPct can be added to
// stockCode's aggregate exposure without breaching its grade's hard cap,
// and reserves it under strategyCode if so. Returns (true, message) on
// success, (false, denial reason) otherwise.
func (l *Lock) CheckAndReserve(stockCode string, grade types.StockGrade, additionalPct float64, strategyCode string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cap := l.capFor(grade)
	res := l.reservations[stockCode]

	var currentTotal float64
	if res != nil {
		currentTotal = res.totalPct()
	}
	projected := currentTotal + additionalPct

	log := l.logger.With().Str("stock_code", stockCode).Str("grade", string(grade)).
		Str("strategy_code", strategyCode).Float64("additional_pct", additionalPct).
		Float64("current_total", currentTotal).Float64("projected", projected).Float64("cap", cap).Logger()

	if projected > cap {
		remaining := math.Max(0.0, cap-currentTotal)
		msg := fmt.Sprintf("position lock denied: %s (%s) would reach %.1f%% (cap %.1f%%). current: %.1f%%, requested: %.1f%%, remaining capacity: %.1f%%.",
			stockCode, grade, projected, cap, currentTotal, additionalPct, remaining)
		log.Warn().Str("reason", msg).Msg("global lock denied")
		return false, msg
	}

	if res == nil {
		res = &reservation{grade: grade, byStrategy: make(map[string]float64)}
		l.reservations[stockCode] = res
	}
	res.byStrategy[strategyCode] += additionalPct

	msg := fmt.Sprintf("reserved %.1f%% for %s by %s. total: %.1f%%.", additionalPct, stockCode, strategyCode, res.totalPct())
	log.Info().Float64("total", res.totalPct()).Msg("global lock reserved")
	return true, msg
}

// Release gives back the reservation strategyCode holds for stockCode.
func (l *Lock) Release(stockCode, strategyCode string) (bool, string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[stockCode]
	if !ok {
		msg := fmt.Sprintf("no reservation found for %s", stockCode)
		l.logger.Warn().Str("msg", msg).Msg("global lock release not found")
		return false, msg
	}

	released, ok := res.byStrategy[strategyCode]
	if !ok || released == 0.0 {
		msg := fmt.Sprintf("no reservation for %s by %s", stockCode, strategyCode)
		l.logger.Warn().Str("msg", msg).Msg("global lock release not found")
		return false, msg
	}
	delete(res.byStrategy, strategyCode)

	remaining := 0.0
	if len(res.byStrategy) == 0 {
		delete(l.reservations, stockCode)
	} else {
		remaining = res.totalPct()
	}

	msg := fmt.Sprintf("released %.1f%% for %s by %s. remaining: %.1f%%.", released, stockCode, strategyCode, remaining)
	l.logger.Info().Str("stock_code", stockCode).Str("strategy_code", strategyCode).
		Float64("released_pct", released).Float64("remaining", remaining).Msg("global lock released")
	return true, msg
}

// GetStockExposure returns the current exposure breakdown for a stock.
func (l *Lock) GetStockExposure(stockCode string) Exposure {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[stockCode]
	if !ok {
		return Exposure{StockCode: stockCode, Strategies: map[string]float64{}}
	}
	strategies := make(map[string]float64, len(res.byStrategy))
	for k, v := range res.byStrategy {
		strategies[k] = v
	}
	return Exposure{StockCode: stockCode, Grade: res.grade, TotalPct: res.totalPct(), Strategies: strategies}
}

// GetAllExposures returns exposure breakdowns for every reserved stock.
func (l *Lock) GetAllExposures() map[string]Exposure {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Exposure, len(l.reservations))
	for code, res := range l.reservations {
		strategies := make(map[string]float64, len(res.byStrategy))
		for k, v := range res.byStrategy {
			strategies[k] = v
		}
		out[code] = Exposure{StockCode: code, Grade: res.grade, TotalPct: res.totalPct(), Strategies: strategies}
	}
	return out
}

// GetRemainingCapacity returns how much more percent can be reserved for
// stockCode at grade before hitting the hard cap.
func (l *Lock) GetRemainingCapacity(stockCode string, grade types.StockGrade) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	cap := l.capFor(grade)
	res := l.reservations[stockCode]
	var current float64
	if res != nil {
		current = res.totalPct()
	}
	return math.Max(0.0, cap-current)
}

// ClearAll releases every reservation. Used during the daily reset.
func (l *Lock) ClearAll() {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := len(l.reservations)
	l.reservations = make(map[string]*reservation)
	l.logger.Info().Int("count", count).Msg("global lock cleared all")
}
