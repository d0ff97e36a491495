// Package drawdown implements the 5-level adaptive drawdown response
// (spec §5.5): GREEN/YELLOW/ORANGE/RED/BLACK escalate position scaling
// and trading halts as losses deepen across daily, monthly, and
// cumulative horizons. Escalation only ever tightens within a session —
// recovery is explicit (timed halt expiry, paper-win streak, or a
// manual override).
package drawdown

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"kats-core/internal/clock"
	"kats-core/internal/metrics"
	"kats-core/pkg/types"
)

// KST is the timezone halt windows are computed in (end-of-day / start-
// of-month boundaries are meaningless without it).
var KST = time.FixedZone("KST", 9*60*60)

const (
	dailyGreenThreshold      = 0.02
	dailyYellowLowThreshold  = 0.03
	monthlyOrangeThreshold   = 0.06
	cumulativeRedThreshold   = 0.10
	cumulativeBlackThreshold = 0.15

	// RedRecoveryPaperWins is how many consecutive paper-trade wins lift
	// a RED halt back to NONE.
	RedRecoveryPaperWins = 5
	// RedHaltDays is the fixed halt duration a RED trip imposes.
	RedHaltDays = 7
)

func severity(level types.DrawdownLevel) int {
	return int(level)
}

func classify(dailyPnLPct, monthlyPnLPct, cumulativePnLPct float64) types.DrawdownLevel {
	switch {
	case cumulativePnLPct <= -cumulativeBlackThreshold:
		return types.DrawdownBlack
	case cumulativePnLPct <= -cumulativeRedThreshold:
		return types.DrawdownRed
	case monthlyPnLPct <= -monthlyOrangeThreshold:
		return types.DrawdownOrange
	case dailyPnLPct <= -dailyYellowLowThreshold:
		return types.DrawdownYellow
	case dailyPnLPct <= -dailyGreenThreshold:
		return types.DrawdownGreen
	default:
		return types.DrawdownNone
	}
}

// State is the mutable drawdown state, snapshotted out by every
// evaluation/query call.
type State struct {
	Level                  types.DrawdownLevel
	PositionScale          float64 // 1.0 = full size, 0.5 = half, 0.0 = halted
	TradingHalted          bool
	HaltReason             string
	HaltUntil              *time.Time // nil = no timed halt (either not halted, or BLACK's indefinite halt)
	PaperModeForced        bool
	ConsecutivePaperWins   int
	StrategyReviewRequired bool
	LastEvaluated          time.Time
}

// Response is what EvaluateAndRespond hands back: the current state plus
// the PnL inputs that produced it, rounded for display.
type Response struct {
	State
	DailyPnLPct      float64
	MonthlyPnLPct    float64
	CumulativePnLPct float64
}

// Protocol tracks drawdown state across evaluations.
type Protocol struct {
	state  State
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a Protocol at DrawdownNone / full position scale.
func New(c clock.Clock, logger zerolog.Logger) *Protocol {
	if c == nil {
		c = clock.Real{}
	}
	return &Protocol{
		state:  State{Level: types.DrawdownNone, PositionScale: 1.0},
		clock:  c,
		logger: logger.With().Str("component", "drawdown").Logger(),
	}
}

// CurrentLevel returns the active drawdown level.
func (p *Protocol) CurrentLevel() types.DrawdownLevel { return p.state.Level }

// IsHalted reports whether trading is currently halted.
func (p *Protocol) IsHalted() bool { return p.state.TradingHalted }

// PositionScale returns the current new-position size multiplier.
func (p *Protocol) PositionScale() float64 { return p.state.PositionScale }

// State returns a copy of the current drawdown state.
func (p *Protocol) State() State { return p.state }

// EvaluateAndRespond evaluates drawdown across all three horizons (each
// a negative fraction for a loss, e.g. -0.03 for 3%) and escalates the
// level if the worst horizon now classifies more severely than the
// current level. Never de-escalates automatically.
func (p *Protocol) EvaluateAndRespond(dailyPnLPct, monthlyPnLPct, cumulativePnLPct float64) Response {
	now := p.clock.Now()
	p.state.LastEvaluated = now

	if p.state.HaltUntil != nil && now.Before(*p.state.HaltUntil) {
		p.logger.Info().Str("level", p.state.Level.String()).Msg("drawdown still halted")
		return p.buildResponse(dailyPnLPct, monthlyPnLPct, cumulativePnLPct)
	}

	newLevel := classify(dailyPnLPct, monthlyPnLPct, cumulativePnLPct)
	if severity(newLevel) > severity(p.state.Level) {
		p.escalate(newLevel, dailyPnLPct, monthlyPnLPct, cumulativePnLPct, now)
	}

	metrics.DrawdownLevel.Set(float64(severity(p.state.Level)))
	return p.buildResponse(dailyPnLPct, monthlyPnLPct, cumulativePnLPct)
}

func (p *Protocol) escalate(level types.DrawdownLevel, dailyPnLPct, monthlyPnLPct, cumulativePnLPct float64, now time.Time) {
	p.state.Level = level

	switch level {
	case types.DrawdownGreen:
		p.state.PositionScale = 0.5
		p.state.TradingHalted = false
		p.state.HaltReason = fmt.Sprintf("GREEN: daily loss %.1f%% >= 2%%. New positions reduced to 50%%.", math.Abs(dailyPnLPct)*100)
		p.logger.Warn().Float64("daily_pnl_pct", round4(dailyPnLPct)).Msg("drawdown green")

	case types.DrawdownYellow:
		p.state.PositionScale = 0.0
		p.state.TradingHalted = true
		p.state.HaltReason = fmt.Sprintf("YELLOW: daily loss %.1f%% >= 3%%. Trading halted for the rest of the day.", math.Abs(dailyPnLPct)*100)
		eod := endOfDay(now)
		p.state.HaltUntil = &eod
		p.logger.Error().Float64("daily_pnl_pct", round4(dailyPnLPct)).Time("halt_until", eod).Msg("drawdown yellow")

	case types.DrawdownOrange:
		p.state.PositionScale = 0.0
		p.state.TradingHalted = true
		p.state.HaltReason = fmt.Sprintf("ORANGE (Elder 6%% Rule): monthly loss %.1f%% >= 6%%. Trading halted for the rest of the month.", math.Abs(monthlyPnLPct)*100)
		nextMonth := startOfNextMonth(now)
		p.state.HaltUntil = &nextMonth
		p.logger.Error().Float64("monthly_pnl_pct", round4(monthlyPnLPct)).Time("halt_until", nextMonth).Msg("drawdown orange")

	case types.DrawdownRed:
		p.state.PositionScale = 0.0
		p.state.TradingHalted = true
		p.state.PaperModeForced = true
		p.state.ConsecutivePaperWins = 0
		haltEnd := now.Add(RedHaltDays * 24 * time.Hour)
		p.state.HaltUntil = &haltEnd
		p.state.HaltReason = fmt.Sprintf("RED: cumulative loss %.1f%% >= 10%%. Halted %d days + paper mode. Recovery requires %d consecutive paper wins.",
			math.Abs(cumulativePnLPct)*100, RedHaltDays, RedRecoveryPaperWins)
		p.logger.Error().Float64("cumulative_pnl_pct", round4(cumulativePnLPct)).Time("halt_until", haltEnd).Msg("drawdown red")

	case types.DrawdownBlack:
		p.state.PositionScale = 0.0
		p.state.TradingHalted = true
		p.state.PaperModeForced = true
		p.state.StrategyReviewRequired = true
		p.state.HaltUntil = nil // indefinite
		p.state.HaltReason = fmt.Sprintf("BLACK: cumulative loss %.1f%% >= 15%%. INDEFINITE HALT. Full strategy review required before resuming.",
			math.Abs(cumulativePnLPct)*100)
		p.logger.Error().Float64("cumulative_pnl_pct", round4(cumulativePnLPct)).Msg("drawdown black")
	}
}

// RecordPaperTradeResult records a paper-trade outcome during RED-level
// recovery. Returns true when recovery completes (RedRecoveryPaperWins
// consecutive wins), which also resets the protocol to NONE.
func (p *Protocol) RecordPaperTradeResult(win bool) bool {
	if p.state.Level != types.DrawdownRed {
		return false
	}

	if win {
		p.state.ConsecutivePaperWins++
		p.logger.Info().Int("consecutive_wins", p.state.ConsecutivePaperWins).Int("required", RedRecoveryPaperWins).Msg("drawdown paper win")
	} else {
		p.state.ConsecutivePaperWins = 0
		p.logger.Info().Msg("drawdown paper loss")
	}

	if p.state.ConsecutivePaperWins >= RedRecoveryPaperWins {
		p.logger.Info().Int("consecutive_wins", p.state.ConsecutivePaperWins).Msg("drawdown red recovery complete")
		p.resetToNone()
		return true
	}
	return false
}

// ForceResume manually clears any drawdown level (e.g. after a BLACK
// strategy review). Should only be invoked after deliberate human review.
func (p *Protocol) ForceResume(reason string) {
	p.logger.Warn().Str("previous_level", p.state.Level.String()).Str("reason", reason).Msg("drawdown force resume")
	p.resetToNone()
}

// ResetDaily clears GREEN/YELLOW (daily-scoped) state at the start of a
// new trading day. Higher levels persist across the reset.
func (p *Protocol) ResetDaily() {
	if p.state.Level == types.DrawdownGreen || p.state.Level == types.DrawdownYellow {
		p.logger.Info().Msg("drawdown daily reset")
		p.resetToNone()
	}
}

// ResetMonthly clears ORANGE (monthly-scoped) state at the start of a
// new month. RED and BLACK persist across the reset.
func (p *Protocol) ResetMonthly() {
	if p.state.Level == types.DrawdownOrange {
		p.logger.Info().Msg("drawdown monthly reset")
		p.resetToNone()
	}
}

func (p *Protocol) resetToNone() {
	p.state = State{Level: types.DrawdownNone, PositionScale: 1.0}
	metrics.DrawdownLevel.Set(float64(severity(types.DrawdownNone)))
}

func (p *Protocol) buildResponse(dailyPnLPct, monthlyPnLPct, cumulativePnLPct float64) Response {
	return Response{
		State:            p.state,
		DailyPnLPct:      round6(dailyPnLPct),
		MonthlyPnLPct:    round6(monthlyPnLPct),
		CumulativePnLPct: round6(cumulativePnLPct),
	}
}

func endOfDay(now time.Time) time.Time {
	kst := now.In(KST)
	eod := time.Date(kst.Year(), kst.Month(), kst.Day(), 16, 30, 0, 0, KST)
	if !kst.Before(eod) {
		eod = eod.AddDate(0, 0, 1)
	}
	return eod
}

func startOfNextMonth(now time.Time) time.Time {
	kst := now.In(KST)
	year, month := kst.Year(), kst.Month()
	if month == time.December {
		year++
		month = time.January
	} else {
		month++
	}
	return time.Date(year, month, 1, 9, 0, 0, 0, KST)
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
func round6(v float64) float64 { return math.Round(v*1e6) / 1e6 }
