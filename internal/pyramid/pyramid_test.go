package pyramid

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/internal/clock"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return New(DefaultConfig, clock.NewFake(time.Now()), zerolog.Nop())
}

func TestConfigValidateRejectsMismatchedLengths(t *testing.T) {
	cfg := Config{MaxStages: 3, StageRatios: []float64{0.5, 0.5}, ProfitTriggerPct: []float64{0, 5, 10}}
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateRejectsBadRatioSum(t *testing.T) {
	cfg := Config{MaxStages: 3, StageRatios: []float64{0.5, 0.5, 0.5}, ProfitTriggerPct: []float64{0, 5, 10}}
	assert.Error(t, cfg.Validate())
}

func TestConfigValidateAcceptsDefault(t *testing.T) {
	require.NoError(t, DefaultConfig.Validate())
}

func TestCheckPyramidOpportunityFirstStage(t *testing.T) {
	m := newManager(t)
	pos := Position{TradeID: "T1", StockCode: "005930", Side: "BUY", AvgEntryPrice: 100, Quantity: 50, TotalPlannedQuantity: 100}

	opp := m.CheckPyramidOpportunity(pos, 106) // profit 6% >= stage 1 trigger 5%
	require.NotNil(t, opp)
	assert.Equal(t, 1, opp.Stage)
	assert.Equal(t, int64(30), opp.Quantity) // 100 * 0.3
}

func TestCheckPyramidOpportunityNoOpportunityWhenInLoss(t *testing.T) {
	m := newManager(t)
	pos := Position{TradeID: "T1", StockCode: "005930", Side: "BUY", AvgEntryPrice: 100, Quantity: 50, TotalPlannedQuantity: 100}

	opp := m.CheckPyramidOpportunity(pos, 99)
	assert.Nil(t, opp)
}

func TestCheckPyramidOpportunitySkipsNonBuy(t *testing.T) {
	m := newManager(t)
	pos := Position{TradeID: "T1", StockCode: "005930", Side: "SELL", AvgEntryPrice: 100, Quantity: 50, TotalPlannedQuantity: 100}

	opp := m.CheckPyramidOpportunity(pos, 120)
	assert.Nil(t, opp)
}

func TestCheckPyramidOpportunityRequiresTriggerForNextStage(t *testing.T) {
	m := newManager(t)
	pos := Position{TradeID: "T1", StockCode: "005930", Side: "BUY", AvgEntryPrice: 100, Quantity: 50, TotalPlannedQuantity: 100}

	m.RecordStageExecution("T1", 1, 101, 30)

	// Stage 2 needs 10% profit; only 6% here.
	opp := m.CheckPyramidOpportunity(pos, 106)
	assert.Nil(t, opp)

	opp = m.CheckPyramidOpportunity(pos, 111)
	require.NotNil(t, opp)
	assert.Equal(t, 2, opp.Stage)
	assert.Equal(t, int64(20), opp.Quantity) // 100 * 0.2
}

func TestCheckPyramidOpportunityStopsAtMaxStages(t *testing.T) {
	m := newManager(t)
	pos := Position{TradeID: "T1", StockCode: "005930", Side: "BUY", AvgEntryPrice: 100, Quantity: 100, TotalPlannedQuantity: 100}

	m.RecordStageExecution("T1", 2, 111, 20) // already at final stage (0-indexed max_stages-1 = 2)

	opp := m.CheckPyramidOpportunity(pos, 200)
	assert.Nil(t, opp)
}

func TestHasPyramidInProgress(t *testing.T) {
	m := newManager(t)
	assert.False(t, m.HasPyramidInProgress("T1"))

	m.RecordStageExecution("T1", 1, 101, 30)
	assert.True(t, m.HasPyramidInProgress("T1"))

	m.RecordStageExecution("T1", 2, 111, 20)
	assert.False(t, m.HasPyramidInProgress("T1"))
}

func TestRemoveTradeClearsState(t *testing.T) {
	m := newManager(t)
	m.RecordStageExecution("T1", 1, 101, 30)
	m.RemoveTrade("T1")

	info := m.GetPyramidStage("T1")
	assert.Equal(t, 0, info.CurrentStage)
	assert.Equal(t, 0, info.StagesExecuted)
}

func TestGetPyramidStageReflectsExecutions(t *testing.T) {
	m := newManager(t)
	m.RecordStageExecution("T1", 1, 101, 30)

	info := m.GetPyramidStage("T1")
	assert.Equal(t, 1, info.CurrentStage)
	assert.Equal(t, 1, info.StagesExecuted)
	assert.Equal(t, 1, info.RemainingStages) // max_stages(3) - 1 - current_stage(1)
}
