// Package riskmanager is the central risk gate (spec §5.7): every trade
// signal runs through a strict 9-step pipeline before reaching the order
// manager, short-circuiting on the first failed step and releasing any
// resources it had already reserved.
package riskmanager

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kats-core/internal/drawdown"
	"kats-core/internal/gradealloc"
	"kats-core/internal/metrics"
	"kats-core/internal/risksizer"
	"kats-core/pkg/types"
)

// Signal is an inbound trade signal, augmented in place with the
// computed position size as the pipeline runs.
type Signal struct {
	StockCode    string
	Action       string // "BUY" or "SELL"
	StrategyCode string
	EntryPrice   decimal.Decimal
	StopLoss     decimal.Decimal
	Grade        types.StockGrade
	Confidence   int
	Sector       string

	// Set by the pipeline once sizing (and any drawdown scaling) lands.
	PositionPct float64 // percent of capital, i.e. already *100
	Quantity    int64
}

// PositionSizer is the per-trade risk-sizing dependency (risksizer.Sizer).
type PositionSizer interface {
	Calculate(totalCapital decimal.Decimal, regime types.MarketRegime, entryPrice, stopLoss decimal.Decimal, grade types.StockGrade, confidence int) risksizer.Result
}

// GradeAllocator is the grade/sector/cash allocation dependency
// (gradealloc.Allocator).
type GradeAllocator interface {
	ValidateAllocation(stockCode string, grade types.StockGrade, proposedPct float64, sector string, current []gradealloc.PositionShare, regime types.MarketRegime) (bool, string)
}

// GlobalLock is the cross-strategy exposure-cap dependency (poslock.Lock).
type GlobalLock interface {
	CheckAndReserve(stockCode string, grade types.StockGrade, additionalPct float64, strategyCode string) (bool, string)
	Release(stockCode, strategyCode string) (bool, string)
	ClearAll()
}

// MarginGuard is the cash-sufficiency dependency (margin.Guard).
type MarginGuard interface {
	ValidateOrder(ctx context.Context, stockCode string, quantity int64, price decimal.Decimal, orderType string) (bool, string)
	ReleaseReservation(amount decimal.Decimal)
	ClearAllReservations()
}

// KillSwitch is the daily loss circuit breaker dependency (killswitch.KillSwitch).
type KillSwitch interface {
	Check(currentCapital decimal.Decimal) bool
	KillReason() string
	ResetDaily(newStartingCapital decimal.Decimal)
}

// DrawdownProtocol is the escalating drawdown-response dependency
// (drawdown.Protocol).
type DrawdownProtocol interface {
	EvaluateAndRespond(dailyPnLPct, monthlyPnLPct, cumulativePnLPct float64) drawdown.Response
	ResetDaily()
}

// VIMonitor is the volatility-interruption status dependency
// (vimonitor.Monitor), duck-typed the way the Python original's
// VIMonitorProtocol is.
type VIMonitor interface {
	IsVIActive(stockCode string) bool
}

type nullVIMonitor struct{}

func (nullVIMonitor) IsVIActive(string) bool { return false }

// Outcome is the pipeline's verdict: a rejection naming the failed step,
// or an acceptance carrying the final (possibly drawdown-scaled) sizing.
type Outcome struct {
	Passed         bool
	Step           int
	StepName       string
	Reason         string
	StockCode      string
	StrategyCode   string
	Grade          types.StockGrade
	Regime         types.MarketRegime
	Quantity       int64
	PositionAmount decimal.Decimal
	PositionPct    float64
	StepsPassed    int
}

// Manager wires every risk sub-module and runs them in sequence. The
// optional dependencies (vi monitor, margin guard, kill switch, drawdown
// protocol) may be nil, matching the Python original's injectable,
// defaultable collaborators.
type Manager struct {
	positionSizer  PositionSizer
	gradeAllocator GradeAllocator
	globalLock     GlobalLock
	viMonitor      VIMonitor
	marginGuard    MarginGuard
	killSwitch     KillSwitch
	drawdown       DrawdownProtocol

	logger zerolog.Logger
}

// New creates a Manager. positionSizer, gradeAllocator, and globalLock are
// required; the rest may be nil to skip that step.
func New(positionSizer PositionSizer, gradeAllocator GradeAllocator, globalLock GlobalLock, viMonitor VIMonitor, marginGuard MarginGuard, killSwitch KillSwitch, dd DrawdownProtocol, logger zerolog.Logger) *Manager {
	if viMonitor == nil {
		viMonitor = nullVIMonitor{}
	}
	m := &Manager{
		positionSizer:  positionSizer,
		gradeAllocator: gradeAllocator,
		globalLock:     globalLock,
		viMonitor:      viMonitor,
		marginGuard:    marginGuard,
		killSwitch:     killSwitch,
		drawdown:       dd,
		logger:         logger.With().Str("component", "riskmanager").Logger(),
	}
	m.logger.Info().
		Bool("has_vi_monitor", viMonitor != nullVIMonitor{}).
		Bool("has_margin_guard", marginGuard != nil).
		Bool("has_kill_switch", killSwitch != nil).
		Bool("has_drawdown_protocol", dd != nil).
		Msg("risk manager initialized")
	return m
}

// ValidateSignal runs the 9-step pipeline. On success, signal.PositionPct
// and signal.Quantity are set to the (possibly drawdown-scaled) sizing;
// on rejection, the Outcome names the step and reason.
func (m *Manager) ValidateSignal(ctx context.Context, signal *Signal, currentPositions []gradealloc.PositionShare, regime types.MarketRegime, totalCapital decimal.Decimal, dailyPnLPct, monthlyPnLPct, cumulativePnLPct float64, currentCapital decimal.Decimal) Outcome {
	log := m.logger.With().Str("stock_code", signal.StockCode).Str("strategy_code", signal.StrategyCode).
		Str("grade", string(signal.Grade)).Str("regime", string(regime)).Logger()
	log.Info().Msg("risk pipeline started")

	// Step 1: per-trade risk check (PositionSizer)
	sizing := m.positionSizer.Calculate(totalCapital, regime, signal.EntryPrice, signal.StopLoss, signal.Grade, signal.Confidence)
	if !sizing.Accepted {
		return m.reject(1, "per_trade_risk", sizing.Reason, log)
	}

	quantity := sizing.Quantity
	positionAmount := sizing.PositionAmount
	positionPct := sizing.PositionPct // fraction, e.g. 0.05
	signal.PositionPct = positionPct * 100
	signal.Quantity = quantity

	// Step 2: monthly cumulative loss check (DrawdownProtocol)
	if m.drawdown != nil {
		resp := m.drawdown.EvaluateAndRespond(dailyPnLPct, monthlyPnLPct, cumulativePnLPct)
		if resp.TradingHalted {
			reason := resp.HaltReason
			if reason == "" {
				reason = "drawdown_halt"
			}
			return m.reject(2, "monthly_cumulative_loss", reason, log)
		}

		if resp.PositionScale < 1.0 {
			quantity = int64(float64(quantity) * resp.PositionScale)
			positionAmount = positionAmount.Mul(decimal.NewFromFloat(resp.PositionScale))
			positionPct = positionPct * resp.PositionScale
			signal.PositionPct = positionPct * 100
			signal.Quantity = quantity
			log.Info().Float64("scale", resp.PositionScale).Int64("adjusted_quantity", quantity).
				Msg("risk drawdown scale applied")
		}
	}

	// Step 3: daily max loss / kill switch
	if m.killSwitch != nil {
		effectiveCapital := currentCapital
		if !effectiveCapital.IsPositive() {
			effectiveCapital = totalCapital
		}
		if !m.killSwitch.Check(effectiveCapital) {
			reason := m.killSwitch.KillReason()
			if reason == "" {
				reason = "daily_loss_limit_breached"
			}
			return m.reject(3, "daily_kill_switch", reason, log)
		}
	}

	// Step 4: grade limit check
	ok, reason := m.gradeAllocator.ValidateAllocation(signal.StockCode, signal.Grade, positionPct*100, signal.Sector, currentPositions, regime)
	if !ok {
		return m.reject(4, "grade_limit", reason, log)
	}

	// Step 5: sector concentration — already enforced inside step 4's
	// ValidateAllocation call. Logged for audit trail only.
	log.Debug().Msg("risk sector check passed via grade allocator")

	// Step 6: special event check — VI is handled at step 8; nothing
	// else currently gates here.
	log.Debug().Msg("risk special event check passed")

	// Step 7: global position lock
	ok, reason = m.globalLock.CheckAndReserve(signal.StockCode, signal.Grade, positionPct*100, signal.StrategyCode)
	if !ok {
		return m.reject(7, "global_position_lock", reason, log)
	}

	// Step 8: VI status check
	if m.viMonitor.IsVIActive(signal.StockCode) {
		m.globalLock.Release(signal.StockCode, signal.StrategyCode)
		reason := fmt.Sprintf("VI (Volatility Interruption) is active for %s. Trading suspended until VI is released.", signal.StockCode)
		return m.reject(8, "vi_status", reason, log)
	}

	// Step 9: cash / margin check
	if m.marginGuard != nil {
		ok, reason = m.marginGuard.ValidateOrder(ctx, signal.StockCode, quantity, signal.EntryPrice, signal.Action)
		if !ok {
			m.globalLock.Release(signal.StockCode, signal.StrategyCode)
			return m.reject(9, "cash_margin", reason, log)
		}
	}

	log.Info().Int64("quantity", quantity).Str("position_amount", positionAmount.String()).Msg("risk pipeline passed")

	return Outcome{
		Passed:         true,
		StockCode:      signal.StockCode,
		StrategyCode:   signal.StrategyCode,
		Grade:          signal.Grade,
		Regime:         regime,
		Quantity:       quantity,
		PositionAmount: positionAmount,
		PositionPct:    positionPct,
		StepsPassed:    9,
	}
}

func (m *Manager) reject(step int, stepName, reason string, log zerolog.Logger) Outcome {
	log.Warn().Int("step", step).Str("step_name", stepName).Str("reason", reason).Msg("risk pipeline rejected")
	metrics.RiskRejections.WithLabelValues(stepName).Inc()
	return Outcome{Passed: false, Step: step, StepName: stepName, Reason: reason}
}

// OnPositionClosed releases the global position lock and any margin
// reservation for a fully closed position.
func (m *Manager) OnPositionClosed(stockCode, strategyCode string, fillAmount decimal.Decimal) {
	m.globalLock.Release(stockCode, strategyCode)
	if m.marginGuard != nil && fillAmount.IsPositive() {
		m.marginGuard.ReleaseReservation(fillAmount)
	}
	m.logger.Info().Str("stock_code", stockCode).Str("strategy_code", strategyCode).Msg("risk position closed cleanup")
}

// ResetDaily clears every daily-scoped risk state at pre-market.
func (m *Manager) ResetDaily(newStartingCapital decimal.Decimal) {
	if m.killSwitch != nil {
		m.killSwitch.ResetDaily(newStartingCapital)
	}
	if m.drawdown != nil {
		m.drawdown.ResetDaily()
	}
	m.globalLock.ClearAll()
	if m.marginGuard != nil {
		m.marginGuard.ClearAllReservations()
	}
	m.logger.Info().Str("new_starting_capital", newStartingCapital.String()).Msg("risk manager daily reset")
}
