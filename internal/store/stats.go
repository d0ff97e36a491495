package store

import (
	"database/sql"
	"fmt"
	"time"
)

// DailyStat is the end-of-day performance/market summary row,
// mirroring kats/database/models.py's DailyStat table.
type DailyStat struct {
	StatDate         time.Time
	TotalTrades      int
	BuyCount         int
	SellCount        int
	WinCount         int
	LossCount        int
	TotalBuyAmount   float64
	TotalSellAmount  float64
	DailyPnL         float64
	DailyPnLPct      float64
	CumulativePnL    float64
	TotalCapital     float64
	CashBalance      float64
	CashRatio        float64
	AvgRMultiple     float64
	MaxRMultiple     float64
	MinRMultiple     float64
	DrawdownPct      float64
	MaxDrawdown      float64
	MarketRegime     string
	KospiClose       float64
	CreatedAt        time.Time
}

const dateLayout = "2006-01-02"

// UpsertDailyStat inserts or replaces the daily stat row for its date,
// matching repository.py's insert_daily_stat merge-by-stat_date.
func (r *Repository) UpsertDailyStat(s DailyStat) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.clock.Now()
	}
	_, err := r.db.Exec(
		`INSERT INTO daily_stats (
			stat_date, total_trades, buy_count, sell_count, win_count, loss_count,
			total_buy_amount, total_sell_amount, daily_pnl, daily_pnl_pct, cumulative_pnl,
			total_capital, cash_balance, cash_ratio, avg_r_multiple, max_r_multiple, min_r_multiple,
			drawdown_pct, max_drawdown, market_regime, kospi_close, created_at
		) VALUES (?,?,?,?,?,?, ?,?,?,?,?, ?,?,?,?,?,?, ?,?,?,?,?)
		ON CONFLICT(stat_date) DO UPDATE SET
			total_trades=excluded.total_trades, buy_count=excluded.buy_count,
			sell_count=excluded.sell_count, win_count=excluded.win_count, loss_count=excluded.loss_count,
			total_buy_amount=excluded.total_buy_amount, total_sell_amount=excluded.total_sell_amount,
			daily_pnl=excluded.daily_pnl, daily_pnl_pct=excluded.daily_pnl_pct,
			cumulative_pnl=excluded.cumulative_pnl, total_capital=excluded.total_capital,
			cash_balance=excluded.cash_balance, cash_ratio=excluded.cash_ratio,
			avg_r_multiple=excluded.avg_r_multiple, max_r_multiple=excluded.max_r_multiple,
			min_r_multiple=excluded.min_r_multiple, drawdown_pct=excluded.drawdown_pct,
			max_drawdown=excluded.max_drawdown, market_regime=excluded.market_regime,
			kospi_close=excluded.kospi_close`,
		s.StatDate.Format(dateLayout), s.TotalTrades, s.BuyCount, s.SellCount, s.WinCount, s.LossCount,
		s.TotalBuyAmount, s.TotalSellAmount, s.DailyPnL, s.DailyPnLPct, s.CumulativePnL,
		s.TotalCapital, s.CashBalance, s.CashRatio, s.AvgRMultiple, s.MaxRMultiple, s.MinRMultiple,
		s.DrawdownPct, s.MaxDrawdown, s.MarketRegime, s.KospiClose, timeOrNil(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert daily stat: %w", err)
	}
	return nil
}

// GetDailyStat looks up the stat row for a given date, if any.
func (r *Repository) GetDailyStat(statDate time.Time) (*DailyStat, error) {
	row := r.db.QueryRow(
		`SELECT stat_date, total_trades, buy_count, sell_count, win_count, loss_count,
		 total_buy_amount, total_sell_amount, daily_pnl, daily_pnl_pct, cumulative_pnl,
		 total_capital, cash_balance, cash_ratio, avg_r_multiple, max_r_multiple, min_r_multiple,
		 drawdown_pct, max_drawdown, market_regime, kospi_close, created_at
		 FROM daily_stats WHERE stat_date = ?`, statDate.Format(dateLayout))

	var s DailyStat
	var statDateStr, createdAt sql.NullString
	err := row.Scan(
		&statDateStr, &s.TotalTrades, &s.BuyCount, &s.SellCount, &s.WinCount, &s.LossCount,
		&s.TotalBuyAmount, &s.TotalSellAmount, &s.DailyPnL, &s.DailyPnLPct, &s.CumulativePnL,
		&s.TotalCapital, &s.CashBalance, &s.CashRatio, &s.AvgRMultiple, &s.MaxRMultiple, &s.MinRMultiple,
		&s.DrawdownPct, &s.MaxDrawdown, &s.MarketRegime, &s.KospiClose, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get daily stat: %w", err)
	}
	if statDateStr.Valid {
		s.StatDate, _ = time.Parse(dateLayout, statDateStr.String)
	}
	s.CreatedAt = parseTime(createdAt)
	return &s, nil
}

// MonthlyStat is the month-end performance summary row, mirroring
// kats/database/models.py's MonthlyStat table.
type MonthlyStat struct {
	StatMonth           string // "YYYY-MM"
	TotalTrades         int
	WinRate             float64
	MonthlyPnL          float64
	MonthlyPnLPct       float64
	AvgRMultiple        float64
	SQNScore            float64
	MaxDrawdown         float64
	RuleComplianceRate  float64
	StrategyPnLJSON     string
	GradePnLJSON        string
	CreatedAt           time.Time
}

// UpsertMonthlyStat inserts or replaces the monthly stat row for its
// month, matching repository.py's insert_monthly_stat merge-by-stat_month.
func (r *Repository) UpsertMonthlyStat(s MonthlyStat) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.clock.Now()
	}
	_, err := r.db.Exec(
		`INSERT INTO monthly_stats (
			stat_month, total_trades, win_rate, monthly_pnl, monthly_pnl_pct,
			avg_r_multiple, sqn_score, max_drawdown, rule_compliance_rate,
			strategy_pnl_json, grade_pnl_json, created_at
		) VALUES (?,?,?,?,?, ?,?,?,?, ?,?,?)
		ON CONFLICT(stat_month) DO UPDATE SET
			total_trades=excluded.total_trades, win_rate=excluded.win_rate,
			monthly_pnl=excluded.monthly_pnl, monthly_pnl_pct=excluded.monthly_pnl_pct,
			avg_r_multiple=excluded.avg_r_multiple, sqn_score=excluded.sqn_score,
			max_drawdown=excluded.max_drawdown, rule_compliance_rate=excluded.rule_compliance_rate,
			strategy_pnl_json=excluded.strategy_pnl_json, grade_pnl_json=excluded.grade_pnl_json`,
		s.StatMonth, s.TotalTrades, s.WinRate, s.MonthlyPnL, s.MonthlyPnLPct,
		s.AvgRMultiple, s.SQNScore, s.MaxDrawdown, s.RuleComplianceRate,
		s.StrategyPnLJSON, s.GradePnLJSON, timeOrNil(s.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert monthly stat: %w", err)
	}
	return nil
}

// DrawdownLog is a single drawdown-level escalation/resumption event,
// mirroring kats/database/models.py's DrawdownLog table.
type DrawdownLog struct {
	LogID          int64
	Level          string
	DrawdownPct    float64
	ActionTaken    string
	ResumedAt      time.Time
	RecoveryTrades int
	TriggeredAt    time.Time
}

// InsertDrawdownLog records a drawdown protocol escalation, matching
// repository.py's insert_drawdown_log (which also logs a warning).
func (r *Repository) InsertDrawdownLog(l DrawdownLog) (DrawdownLog, error) {
	if l.TriggeredAt.IsZero() {
		l.TriggeredAt = r.clock.Now()
	}
	res, err := r.db.Exec(
		`INSERT INTO drawdown_logs (level, drawdown_pct, action_taken, resumed_at, recovery_trades, triggered_at)
		 VALUES (?,?,?,?,?,?)`,
		l.Level, l.DrawdownPct, l.ActionTaken, timeOrNil(l.ResumedAt), l.RecoveryTrades, timeOrNil(l.TriggeredAt),
	)
	if err != nil {
		return DrawdownLog{}, fmt.Errorf("insert drawdown log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return DrawdownLog{}, fmt.Errorf("drawdown log last insert id: %w", err)
	}
	l.LogID = id
	r.logger.Warn().Str("level", l.Level).Float64("drawdown_pct", l.DrawdownPct).Msg("drawdown event logged")
	return l, nil
}
