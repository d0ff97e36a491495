// Package pyramid implements staged profit-add-on position scaling
// (spec §4.11): a BUY-only position adds shares in shrinking tranches as
// unrealized profit clears successive thresholds, never on a losing
// position.
package pyramid

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kats-core/internal/clock"
	"kats-core/internal/errs"
)

// Config governs how many stages a position may pyramid into, the
// portion of the total planned quantity each stage adds, and the
// unrealized-profit percentage required to unlock each stage.
//
// StageRatios and ProfitTriggerPct must each have length MaxStages, and
// StageRatios must sum to 1.0 within a 1% tolerance.
type Config struct {
	MaxStages        int
	StageRatios      []float64
	ProfitTriggerPct []float64
}

// DefaultConfig is the three-stage 50/30/20 reverse pyramid, unlocking at
// 0%/5%/10% unrealized profit.
var DefaultConfig = Config{
	MaxStages:        3,
	StageRatios:      []float64{0.5, 0.3, 0.2},
	ProfitTriggerPct: []float64{0.0, 5.0, 10.0},
}

// Validate checks the stage/ratio/trigger lengths agree with MaxStages
// and that the ratios sum to 1.0 within 1%.
func (c Config) Validate() error {
	if len(c.StageRatios) != c.MaxStages {
		return errs.New(errs.Validation, fmt.Sprintf("stage_ratios length (%d) does not match max_stages (%d)", len(c.StageRatios), c.MaxStages))
	}
	if len(c.ProfitTriggerPct) != c.MaxStages {
		return errs.New(errs.Validation, fmt.Sprintf("profit_trigger_pct length (%d) does not match max_stages (%d)", len(c.ProfitTriggerPct), c.MaxStages))
	}
	var sum float64
	for _, r := range c.StageRatios {
		sum += r
	}
	if sum < 0.99 || sum > 1.01 {
		return errs.New(errs.Validation, fmt.Sprintf("stage_ratios sum (%.2f) is not 1.0", sum))
	}
	return nil
}

// Position is the subset of an open position's state pyramiding needs.
type Position struct {
	TradeID               string
	StockCode             string
	Side                  string // "BUY"; anything else is never pyramided
	AvgEntryPrice         float64
	Quantity              int64
	TotalPlannedQuantity  int64
}

// Opportunity is a pyramiding add-on the caller should execute.
type Opportunity struct {
	Stage             int // next stage, 1-indexed in Reason but 0-indexed here to match config arrays
	StockCode         string
	TradeID           string
	Quantity          int64
	Ratio             float64
	TriggerPct        float64
	CurrentProfitPct  float64
	CurrentPrice      float64
	AvgEntryPrice     float64
	Reason            string
}

type stageRecord struct {
	stage        int
	fillPrice    float64
	fillQuantity int64
	timestamp    time.Time
}

type pyramidState struct {
	currentStage    int
	stagesExecuted  []stageRecord
}

// StageInfo is a read-only view of one trade's pyramiding progress.
type StageInfo struct {
	TradeID         string
	CurrentStage    int
	StagesExecuted  int
	MaxStages       int
	RemainingStages int
}

// Manager tracks per-trade pyramiding state and decides when a position
// qualifies for its next stage.
type Manager struct {
	mu     sync.Mutex
	config Config
	states map[string]*pyramidState
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a Manager with the given config (DefaultConfig if zero
// value). Panics if the config fails Validate, since an invalid pyramid
// table is a startup-time configuration error, not a runtime condition.
func New(cfg Config, c clock.Clock, logger zerolog.Logger) *Manager {
	if cfg.MaxStages == 0 {
		cfg = DefaultConfig
	}
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("pyramid: invalid config: %v", err))
	}
	if c == nil {
		c = clock.Real{}
	}
	return &Manager{
		config: cfg,
		states: make(map[string]*pyramidState),
		clock:  c,
		logger: logger.With().Str("component", "pyramid").Logger(),
	}
}

func (m *Manager) getOrCreate(tradeID string) *pyramidState {
	s, ok := m.states[tradeID]
	if !ok {
		s = &pyramidState{currentStage: 0}
		m.states[tradeID] = s
	}
	return s
}

// CheckPyramidOpportunity evaluates whether position qualifies for its
// next pyramiding stage at currentPrice. Returns nil when it does not:
// non-BUY side, invalid position data, in a loss, already at max stages,
// or the next stage's profit trigger is not yet met.
func (m *Manager) CheckPyramidOpportunity(position Position, currentPrice float64) *Opportunity {
	if position.Side != "BUY" {
		return nil
	}
	if position.AvgEntryPrice <= 0 || position.TotalPlannedQuantity <= 0 {
		return nil
	}

	profitPct := ((currentPrice - position.AvgEntryPrice) / position.AvgEntryPrice) * 100
	if profitPct <= 0 {
		return nil
	}

	m.mu.Lock()
	state := m.getOrCreate(position.TradeID)
	currentStage := state.currentStage
	m.mu.Unlock()

	nextStage := currentStage + 1
	if nextStage >= m.config.MaxStages {
		return nil
	}

	triggerPct := m.config.ProfitTriggerPct[nextStage]
	if profitPct < triggerPct {
		return nil
	}

	stageRatio := m.config.StageRatios[nextStage]
	additionalQty := int64(math.Floor(float64(position.TotalPlannedQuantity) * stageRatio))
	if additionalQty < 1 {
		additionalQty = 1
	}

	opp := &Opportunity{
		Stage:            nextStage,
		StockCode:        position.StockCode,
		TradeID:          position.TradeID,
		Quantity:         additionalQty,
		Ratio:            stageRatio,
		TriggerPct:       triggerPct,
		CurrentProfitPct: math.Round(profitPct*100) / 100,
		CurrentPrice:     currentPrice,
		AvgEntryPrice:    position.AvgEntryPrice,
		Reason: fmt.Sprintf("pyramid stage %d: profit %.1f%% >= trigger %.1f%%, add %d shares (%.0f%% weight)",
			nextStage+1, profitPct, triggerPct, additionalQty, stageRatio*100),
	}

	m.logger.Info().Str("trade_id", position.TradeID).Str("stock_code", position.StockCode).
		Int("stage", nextStage).Float64("profit_pct", opp.CurrentProfitPct).Float64("trigger_pct", triggerPct).
		Int64("additional_qty", additionalQty).Msg("pyramid opportunity found")

	return opp
}

// RecordStageExecution records that stage was filled for tradeID.
func (m *Manager) RecordStageExecution(tradeID string, stage int, fillPrice float64, fillQuantity int64) StageInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.getOrCreate(tradeID)
	state.currentStage = stage
	state.stagesExecuted = append(state.stagesExecuted, stageRecord{
		stage:        stage,
		fillPrice:    fillPrice,
		fillQuantity: fillQuantity,
		timestamp:    m.clock.Now(),
	})

	m.logger.Info().Str("trade_id", tradeID).Int("stage", stage).
		Float64("fill_price", fillPrice).Int64("fill_quantity", fillQuantity).
		Int("total_stages_executed", len(state.stagesExecuted)).Msg("pyramid stage recorded")

	return m.stageInfoLocked(tradeID, state)
}

// GetPyramidStage returns the current pyramiding progress for a trade.
func (m *Manager) GetPyramidStage(tradeID string) StageInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	state := m.getOrCreate(tradeID)
	return m.stageInfoLocked(tradeID, state)
}

func (m *Manager) stageInfoLocked(tradeID string, state *pyramidState) StageInfo {
	remaining := m.config.MaxStages - 1 - state.currentStage
	if remaining < 0 {
		remaining = 0
	}
	return StageInfo{
		TradeID:         tradeID,
		CurrentStage:    state.currentStage,
		StagesExecuted:  len(state.stagesExecuted),
		MaxStages:       m.config.MaxStages,
		RemainingStages: remaining,
	}
}

// HasPyramidInProgress reports whether tradeID has pyramiding room left.
func (m *Manager) HasPyramidInProgress(tradeID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[tradeID]
	if !ok {
		return false
	}
	return state.currentStage < m.config.MaxStages-1
}

// RemoveTrade drops pyramiding state for a closed trade.
func (m *Manager) RemoveTrade(tradeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, tradeID)
}

// Config returns the manager's active pyramiding config.
func (m *Manager) Config() Config {
	return m.config
}
