package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kats-core/internal/clock"
	"kats-core/pkg/types"
)

func newTestRepository(t *testing.T) (*Repository, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC))
	path := filepath.Join(t.TempDir(), "kats.db")
	r, err := Open(path, fake, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { r.Close() })
	return r, fake
}

func TestOpenSeedsDefaultsOnlyWhenRequested(t *testing.T) {
	r, _ := newTestRepository(t)

	cfg, err := r.GetSystemConfig("total_capital")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	require.NoError(t, r.InitDefaults())
	cfg, err = r.GetSystemConfig("total_capital")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "10000000", cfg.ConfigValue)
}

func TestInitDefaultsSeedsFiveStrategiesIdempotently(t *testing.T) {
	r, _ := newTestRepository(t)
	require.NoError(t, r.InitDefaults())
	require.NoError(t, r.InitDefaults())

	var count int
	require.NoError(t, r.db.QueryRow(`SELECT COUNT(*) FROM strategies`).Scan(&count))
	assert.Equal(t, 5, count)
}

func TestInsertAndRangeQueryTrades(t *testing.T) {
	r, fake := newTestRepository(t)

	t1, err := r.InsertTrade(Trade{
		StockCode: "005930", TradeMode: "PAPER", OrderType: "BUY",
		Quantity: 10, EntryPrice: decimal.NewFromInt(70000), CreatedAt: fake.Now(),
	})
	require.NoError(t, err)
	assert.NotZero(t, t1.TradeID)

	fake.Advance(time.Hour)
	_, err = r.InsertTrade(Trade{
		StockCode: "000660", TradeMode: "LIVE", OrderType: "SELL",
		Quantity: 5, EntryPrice: decimal.NewFromInt(120000), CreatedAt: fake.Now(),
	})
	require.NoError(t, err)

	all, err := r.GetTradesInRange(fake.Now().Add(-24*time.Hour), fake.Now().Add(24*time.Hour), TradeFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "005930", all[0].StockCode)

	paperOnly, err := r.GetTradesInRange(fake.Now().Add(-24*time.Hour), fake.Now().Add(24*time.Hour), TradeFilter{TradeMode: "PAPER"})
	require.NoError(t, err)
	require.Len(t, paperOnly, 1)
	assert.Equal(t, "005930", paperOnly[0].StockCode)
}

func TestInsertJournalAndLookupByTradeID(t *testing.T) {
	r, fake := newTestRepository(t)
	trade, err := r.InsertTrade(Trade{StockCode: "005930", TradeMode: "PAPER", OrderType: "BUY", Quantity: 10, CreatedAt: fake.Now()})
	require.NoError(t, err)

	_, err = r.InsertJournalEntry(JournalEntry{TradeID: trade.TradeID, StockGrade: "A", LessonLearned: "entered too early"})
	require.NoError(t, err)

	j, err := r.GetJournalByTradeID(trade.TradeID)
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "entered too early", j.LessonLearned)

	none, err := r.GetJournalByTradeID(99999)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestUpsertDailyStatReplacesExistingRow(t *testing.T) {
	r, fake := newTestRepository(t)
	day := fake.Now()

	require.NoError(t, r.UpsertDailyStat(DailyStat{StatDate: day, TotalTrades: 3, DailyPnL: 10000}))
	require.NoError(t, r.UpsertDailyStat(DailyStat{StatDate: day, TotalTrades: 5, DailyPnL: 25000}))

	stat, err := r.GetDailyStat(day)
	require.NoError(t, err)
	require.NotNil(t, stat)
	assert.Equal(t, 5, stat.TotalTrades)
	assert.Equal(t, 25000.0, stat.DailyPnL)
}

func TestUpsertMonthlyStat(t *testing.T) {
	r, _ := newTestRepository(t)
	require.NoError(t, r.UpsertMonthlyStat(MonthlyStat{StatMonth: "2026-07", TotalTrades: 40, WinRate: 55.5}))
	require.NoError(t, r.UpsertMonthlyStat(MonthlyStat{StatMonth: "2026-07", TotalTrades: 42, WinRate: 57.1}))

	var totalTrades int
	var winRate float64
	require.NoError(t, r.db.QueryRow(`SELECT total_trades, win_rate FROM monthly_stats WHERE stat_month = ?`, "2026-07").Scan(&totalTrades, &winRate))
	assert.Equal(t, 42, totalTrades)
	assert.InDelta(t, 57.1, winRate, 0.001)
}

func TestInsertDrawdownLog(t *testing.T) {
	r, _ := newTestRepository(t)
	log, err := r.InsertDrawdownLog(DrawdownLog{Level: "ORANGE", DrawdownPct: 6.2, ActionTaken: "blocked new orders"})
	require.NoError(t, err)
	assert.NotZero(t, log.LogID)
}

func TestSystemConfigGetSetRoundTrip(t *testing.T) {
	r, _ := newTestRepository(t)
	require.NoError(t, r.SetSystemConfig("market_regime", "BULL", "str", "current regime"))

	cfg, err := r.GetSystemConfig("market_regime")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "BULL", cfg.ConfigValue)

	require.NoError(t, r.SetSystemConfig("market_regime", "BEAR", "str", "current regime"))
	cfg, err = r.GetSystemConfig("market_regime")
	require.NoError(t, err)
	assert.Equal(t, "BEAR", cfg.ConfigValue)
}

func TestGetUpcomingEventsFiltersByWindowAndActive(t *testing.T) {
	r, fake := newTestRepository(t)
	now := fake.Now()

	_, err := r.InsertEvent(EventCalendarEntry{EventDate: now.AddDate(0, 0, 2), EventType: "FOMC", EventName: "FOMC meeting", IsActive: true})
	require.NoError(t, err)
	_, err = r.InsertEvent(EventCalendarEntry{EventDate: now.AddDate(0, 0, 30), EventType: "FOMC", EventName: "too far out", IsActive: true})
	require.NoError(t, err)
	_, err = r.InsertEvent(EventCalendarEntry{EventDate: now.AddDate(0, 0, 1), EventType: "HOLIDAY", EventName: "inactive holiday", IsActive: false})
	require.NoError(t, err)

	events, err := r.GetUpcomingEvents(now, 7, "", true)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "FOMC meeting", events[0].EventName)
}

func TestPaperAccountUpsertAndQuery(t *testing.T) {
	r, _ := newTestRepository(t)
	require.NoError(t, r.UpsertPaperAccount(PaperAccount{StockCode: "005930", Quantity: 10, AvgPrice: decimal.NewFromInt(70000)}))
	require.NoError(t, r.UpsertPaperAccount(PaperAccount{StockCode: "005930", Quantity: 20, AvgPrice: decimal.NewFromInt(71000)}))
	require.NoError(t, r.UpsertPaperAccount(PaperAccount{StockCode: "000660", Quantity: 5, AvgPrice: decimal.NewFromInt(120000)}))

	accounts, err := r.GetPaperAccounts("")
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	only005930, err := r.GetPaperAccounts("005930")
	require.NoError(t, err)
	require.Len(t, only005930, 1)
	assert.Equal(t, int64(20), only005930[0].Quantity)
}

func TestUpdateStrategyStatsComputesSQN(t *testing.T) {
	r, fake := newTestRepository(t)
	require.NoError(t, r.InitDefaults())

	var strategyID int64
	require.NoError(t, r.db.QueryRow(`SELECT strategy_id FROM strategies WHERE strategy_code = ?`, "BREAKOUT_PIVOT").Scan(&strategyID))

	rMultiples := []float64{1.5, -0.5, 2.0, 1.0, -1.0}
	for _, rm := range rMultiples {
		exitPrice := decimal.NewFromInt(71000)
		_, err := r.InsertTrade(Trade{
			StockCode: "005930", TradeMode: "PAPER", OrderType: "SELL",
			StrategyID: &strategyID, Quantity: 10,
			EntryPrice: decimal.NewFromInt(70000), ExitPrice: exitPrice,
			RMultiple: rm, CreatedAt: fake.Now(),
		})
		require.NoError(t, err)
	}

	stats, err := r.UpdateStrategyStats(strategyID)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 5, stats.TotalTrades)
	assert.Equal(t, 3, stats.WinCount)
	assert.Equal(t, 2, stats.LossCount)
	assert.InDelta(t, 0.6, stats.AvgRMultiple, 0.001)
	assert.NotZero(t, stats.SQNScore)
}

func TestUpdateStrategyStatsUnknownStrategyReturnsNil(t *testing.T) {
	r, _ := newTestRepository(t)
	stats, err := r.UpdateStrategyStats(99999)
	require.NoError(t, err)
	assert.Nil(t, stats)
}

func TestArchiveAndReplayTicksForDate(t *testing.T) {
	r, fake := newTestRepository(t)
	now := fake.Now()

	require.NoError(t, r.ArchiveTick(types.PriceTick{StockCode: "005930", Price: decimal.NewFromInt(70000), Volume: 100, Timestamp: now}))
	fake.Advance(time.Second)
	require.NoError(t, r.ArchiveTick(types.PriceTick{StockCode: "005930", Price: decimal.NewFromInt(70100), Volume: 50, Timestamp: fake.Now()}))
	require.NoError(t, r.ArchiveTick(types.PriceTick{StockCode: "000660", Price: decimal.NewFromInt(120000), Volume: 10, Timestamp: now}))

	ticks, err := r.GetArchivedTicks("005930", now)
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.True(t, ticks[0].Price.Equal(decimal.NewFromInt(70000)))
	assert.True(t, ticks[1].Price.Equal(decimal.NewFromInt(70100)))
}
