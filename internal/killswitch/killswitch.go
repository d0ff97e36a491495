// Package killswitch implements the daily loss circuit breaker (spec
// §5.4): halts all trading for the rest of the day once realized daily
// loss breaches a configured percentage, cancelling every pending order
// and dispatching an emergency notification.
package killswitch

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"kats-core/internal/clock"
)

// DefaultDailyLossLimitPct is the fraction of starting capital that, if
// lost, trips the switch (3%).
const DefaultDailyLossLimitPct = 0.03

// OnCancelAll cancels every pending order; invoked once on trip.
type OnCancelAll func() error

// OnNotify dispatches an emergency notification message; invoked once on
// trip, after cancellation.
type OnNotify func(message string) error

// KillSwitch is the daily loss circuit breaker. Safe for concurrent use.
type KillSwitch struct {
	mu sync.Mutex

	dailyLossLimitPct float64
	startingCapital   decimal.Decimal

	isKilled      bool
	killReason    string
	killTimestamp time.Time

	onCancelAll OnCancelAll
	onNotify    OnNotify

	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a KillSwitch with the default 3% daily loss limit.
func New(c clock.Clock, logger zerolog.Logger) *KillSwitch {
	if c == nil {
		c = clock.Real{}
	}
	return &KillSwitch{
		dailyLossLimitPct: DefaultDailyLossLimitPct,
		clock:             c,
		logger:            logger.With().Str("component", "killswitch").Logger(),
	}
}

// SetDailyLossLimitPct overrides the default 3% threshold.
func (k *KillSwitch) SetDailyLossLimitPct(pct float64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.dailyLossLimitPct = pct
}

// SetStartingCapital sets the capital baseline the daily P&L is measured
// against (e.g. after the morning balance query).
func (k *KillSwitch) SetStartingCapital(capital decimal.Decimal) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.startingCapital = capital
}

// SetCallbacks wires the cancel-all and notify hooks fired on trip.
func (k *KillSwitch) SetCallbacks(onCancelAll OnCancelAll, onNotify OnNotify) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.onCancelAll = onCancelAll
	k.onNotify = onNotify
}

// IsKilled reports whether the switch is currently active.
func (k *KillSwitch) IsKilled() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.isKilled
}

// KillReason returns the human-readable reason the switch tripped, or
// "" if it has not.
func (k *KillSwitch) KillReason() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.killReason
}

// Check evaluates whether currentCapital's daily loss has breached the
// limit. Returns true if trading may continue, false if the kill switch
// is (now, or already) active. On a fresh trip, fires the cancel-all and
// notify callbacks in a background goroutine — fire-and-forget, since
// the caller's hot path cannot block on order cancellation fan-out.
func (k *KillSwitch) Check(currentCapital decimal.Decimal) bool {
	k.mu.Lock()

	if k.isKilled {
		k.mu.Unlock()
		return false
	}

	if !k.startingCapital.IsPositive() {
		k.logger.Warn().Str("starting_capital", k.startingCapital.String()).Msg("kill switch has no starting capital")
		k.mu.Unlock()
		return true
	}

	dailyPnL := currentCapital.Sub(k.startingCapital)
	dailyPnLPctDec := dailyPnL.Div(k.startingCapital)
	dailyPnLPct, _ := dailyPnLPctDec.Float64()

	if dailyPnLPct > -k.dailyLossLimitPct {
		k.mu.Unlock()
		return true
	}

	lossPct := -dailyPnLPct * 100
	k.killReason = fmt.Sprintf("daily loss %.2f%% exceeded limit %.1f%% (lost %s KRW)",
		lossPct, k.dailyLossLimitPct*100, dailyPnL.Abs().StringFixed(0))

	k.logger.Error().Str("daily_pnl", dailyPnL.String()).Float64("daily_pnl_pct", round4(dailyPnLPct)).
		Float64("limit_pct", k.dailyLossLimitPct).Str("reason", k.killReason).Msg("daily kill switch triggered")

	now := k.clock.Now()
	k.isKilled = true
	k.killTimestamp = now
	onCancelAll := k.onCancelAll
	onNotify := k.onNotify
	reason := k.killReason
	k.mu.Unlock()

	go k.emergencyShutdown(onCancelAll, onNotify, reason, now)

	return false
}

func (k *KillSwitch) emergencyShutdown(onCancelAll OnCancelAll, onNotify OnNotify, reason string, now time.Time) {
	k.logger.Error().Str("kill_reason", reason).Time("timestamp", now).Msg("emergency shutdown started")

	if onCancelAll != nil {
		if err := onCancelAll(); err != nil {
			k.logger.Error().Err(err).Msg("emergency shutdown: cancel-all failed")
		} else {
			k.logger.Info().Msg("emergency shutdown: orders cancelled")
		}
	}

	if onNotify != nil {
		message := fmt.Sprintf("[KATS EMERGENCY] Daily Kill Switch Activated\nReason: %s\nTime: %s\nAll pending orders cancelled. New orders blocked.",
			reason, now.Format("2006-01-02 15:04:05 MST"))
		if err := onNotify(message); err != nil {
			k.logger.Error().Err(err).Msg("emergency shutdown: notification failed")
		} else {
			k.logger.Info().Msg("emergency shutdown: notification sent")
		}
	}

	k.logger.Error().Msg("emergency shutdown completed")
}

// ResetDaily clears the kill state and sets a new starting capital for
// the next trading day.
func (k *KillSwitch) ResetDaily(newStartingCapital decimal.Decimal) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.isKilled = false
	k.killReason = ""
	k.killTimestamp = time.Time{}
	k.startingCapital = newStartingCapital
	k.logger.Info().Str("new_starting_capital", newStartingCapital.String()).Msg("daily kill switch reset")
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}
