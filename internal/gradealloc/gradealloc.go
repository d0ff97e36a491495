// Package gradealloc validates a proposed position against the
// regime-based capital allocation plan (spec §5.2): per-grade capital
// limits, a 40% sector concentration cap, and a minimum cash reserve,
// each regime-calibrated.
package gradealloc

import (
	"fmt"

	"github.com/rs/zerolog"

	"kats-core/pkg/types"
)

// RegimeAllocation is the capital split for one market regime. The four
// percentages must sum to 100.
type RegimeAllocation struct {
	GradeAPct float64
	GradeBPct float64
	GradeCPct float64
	CashPct   float64
}

// SectorMaxPct is the hard cap on any single sector's share of capital.
const SectorMaxPct = 40.0

// DefaultRegimeAllocation shifts capital toward cash and safer grades as
// the regime sours.
var DefaultRegimeAllocation = map[types.MarketRegime]RegimeAllocation{
	types.RegimeStrongBull: {GradeAPct: 40.0, GradeBPct: 30.0, GradeCPct: 10.0, CashPct: 20.0},
	types.RegimeBull:       {GradeAPct: 35.0, GradeBPct: 25.0, GradeCPct: 10.0, CashPct: 30.0},
	types.RegimeSideways:   {GradeAPct: 25.0, GradeBPct: 15.0, GradeCPct: 5.0, CashPct: 55.0},
	types.RegimeBear:       {GradeAPct: 15.0, GradeBPct: 10.0, GradeCPct: 0.0, CashPct: 75.0},
	types.RegimeStrongBear: {GradeAPct: 10.0, GradeBPct: 0.0, GradeCPct: 0.0, CashPct: 90.0},
}

// PositionShare is one open (or proposed) position's share of capital,
// as tracked by the caller — percent of total capital, not KRW.
type PositionShare struct {
	StockCode   string
	Grade       types.StockGrade
	PositionPct float64
	Sector      string
}

// Allocator checks proposed allocations against the regime table.
type Allocator struct {
	allocation   map[types.MarketRegime]RegimeAllocation
	sectorMaxPct float64
	logger       zerolog.Logger
}

// New creates an Allocator using the default regime allocation table.
func New(logger zerolog.Logger) *Allocator {
	return &Allocator{
		allocation:   DefaultRegimeAllocation,
		sectorMaxPct: SectorMaxPct,
		logger:       logger.With().Str("component", "gradealloc").Logger(),
	}
}

// ValidateAllocation checks whether adding a position of proposedPct at
// grade/sector fits within the regime's grade limit, the 40% sector cap,
// and the regime's minimum cash reserve. Returns (true, "") on pass, or
// (false, reason) naming the first rule that fails.
func (a *Allocator) ValidateAllocation(stockCode string, grade types.StockGrade, proposedPct float64, sector string, current []PositionShare, regime types.MarketRegime) (bool, string) {
	log := a.logger.With().Str("stock_code", stockCode).Str("grade", string(grade)).
		Float64("position_pct", proposedPct).Str("sector", sector).Str("regime", string(regime)).Logger()

	alloc, ok := a.allocation[regime]
	if !ok {
		reason := fmt.Sprintf("no allocation table for regime %s", regime)
		log.Error().Str("reason", reason).Msg("grade allocator: no regime")
		return false, reason
	}

	gradeLimitPct := gradeLimit(alloc, grade)
	currentGradePct := sumGradePct(current, grade)
	projected := currentGradePct + proposedPct
	if projected > gradeLimitPct {
		reason := fmt.Sprintf("grade %s allocation would reach %.1f%% (limit %.1f%% for %s). current: %.1f%%, requested: %.1f%%.",
			grade, projected, gradeLimitPct, regime, currentGradePct, proposedPct)
		log.Warn().Str("reason", reason).Msg("grade allocator: grade limit")
		return false, reason
	}

	currentSectorPct := sumSectorPct(current, sector)
	projectedSector := currentSectorPct + proposedPct
	if projectedSector > a.sectorMaxPct {
		reason := fmt.Sprintf("sector '%s' would reach %.1f%% (limit %.1f%%). current: %.1f%%, requested: %.1f%%.",
			sector, projectedSector, a.sectorMaxPct, currentSectorPct, proposedPct)
		log.Warn().Str("reason", reason).Msg("grade allocator: sector limit")
		return false, reason
	}

	totalInvestedPct := sumAllPct(current) + proposedPct
	projectedCashPct := 100.0 - totalInvestedPct
	if projectedCashPct < alloc.CashPct {
		reason := fmt.Sprintf("cash reserve would drop to %.1f%% (minimum %.1f%% for %s). total invested: %.1f%%.",
			projectedCashPct, alloc.CashPct, regime, totalInvestedPct)
		log.Warn().Str("reason", reason).Msg("grade allocator: cash limit")
		return false, reason
	}

	log.Info().Msg("grade allocator passed")
	return true, ""
}

// GetRegimeAllocation returns the allocation table for a regime, or the
// zero value if none is configured.
func (a *Allocator) GetRegimeAllocation(regime types.MarketRegime) RegimeAllocation {
	return a.allocation[regime]
}

// GetRemainingCapacity returns how much grade-limit capacity (in percent
// of capital) remains for grade under regime, given current positions.
func (a *Allocator) GetRemainingCapacity(grade types.StockGrade, regime types.MarketRegime, current []PositionShare) float64 {
	alloc, ok := a.allocation[regime]
	if !ok {
		return 0.0
	}
	limit := gradeLimit(alloc, grade)
	used := sumGradePct(current, grade)
	remaining := limit - used
	if remaining < 0 {
		return 0.0
	}
	return remaining
}

func gradeLimit(alloc RegimeAllocation, grade types.StockGrade) float64 {
	switch grade {
	case types.GradeA:
		return alloc.GradeAPct
	case types.GradeB:
		return alloc.GradeBPct
	case types.GradeC:
		return alloc.GradeCPct
	default:
		return 0.0
	}
}

func sumGradePct(positions []PositionShare, grade types.StockGrade) float64 {
	var sum float64
	for _, p := range positions {
		if p.Grade == grade {
			sum += p.PositionPct
		}
	}
	return sum
}

func sumSectorPct(positions []PositionShare, sector string) float64 {
	var sum float64
	for _, p := range positions {
		if p.Sector == sector {
			sum += p.PositionPct
		}
	}
	return sum
}

func sumAllPct(positions []PositionShare) float64 {
	var sum float64
	for _, p := range positions {
		sum += p.PositionPct
	}
	return sum
}
