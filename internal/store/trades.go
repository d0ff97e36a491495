package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Trade is a single buy/sell execution record, mirroring
// kats/database/models.py's Trade table.
type Trade struct {
	TradeID              int64
	StockCode            string
	TradeMode            string
	OrderType            string
	StrategyID           *int64
	EntryPrice           decimal.Decimal
	ExitPrice            decimal.Decimal
	Quantity             int64
	Amount               decimal.Decimal
	PnLAmount            decimal.Decimal
	PnLPercent           float64
	RMultiple            float64
	StopLossPrice        decimal.Decimal
	RiskAmount           decimal.Decimal
	PositionPct          float64
	PyramidStage         int
	ParentTradeID        *int64
	Slippage             float64
	FillTimeMs           int64
	SnapshotJSON         string
	EntryTime            time.Time
	ExitTime             time.Time
	HoldingPeriodSeconds int64
	CreatedAt            time.Time
}

// InsertTrade appends a new trade record and returns it with TradeID set.
func (r *Repository) InsertTrade(t Trade) (Trade, error) {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = r.clock.Now()
	}
	res, err := r.db.Exec(
		`INSERT INTO trades (
			stock_code, trade_mode, order_type, strategy_id,
			entry_price, exit_price, quantity, amount,
			pnl_amount, pnl_percent, r_multiple,
			stop_loss_price, risk_amount, position_pct,
			pyramid_stage, parent_trade_id,
			slippage, fill_time_ms, snapshot_json,
			entry_time, exit_time, holding_period_seconds, created_at
		) VALUES (?,?,?,?, ?,?,?,?, ?,?,?, ?,?,?, ?,?, ?,?,?, ?,?,?,?)`,
		t.StockCode, t.TradeMode, t.OrderType, t.StrategyID,
		decOrNil(t.EntryPrice), decOrNil(t.ExitPrice), t.Quantity, decOrNil(t.Amount),
		decOrNil(t.PnLAmount), t.PnLPercent, t.RMultiple,
		decOrNil(t.StopLossPrice), decOrNil(t.RiskAmount), t.PositionPct,
		t.PyramidStage, t.ParentTradeID,
		t.Slippage, t.FillTimeMs, t.SnapshotJSON,
		timeOrNil(t.EntryTime), timeOrNil(t.ExitTime), t.HoldingPeriodSeconds, timeOrNil(t.CreatedAt),
	)
	if err != nil {
		return Trade{}, fmt.Errorf("insert trade: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Trade{}, fmt.Errorf("trade last insert id: %w", err)
	}
	t.TradeID = id
	return t, nil
}

// TradeFilter narrows GetTradesInRange's result set.
type TradeFilter struct {
	TradeMode  string
	StockCode  string
	StrategyID *int64
	OrderType  string
}

// GetTradesInRange returns trades with created_at in [start, end],
// ordered oldest first, matching repository.py's get_trades_in_range.
func (r *Repository) GetTradesInRange(start, end time.Time, filter TradeFilter) ([]Trade, error) {
	query := `SELECT trade_id, stock_code, trade_mode, order_type, strategy_id,
		entry_price, exit_price, quantity, amount, pnl_amount, pnl_percent, r_multiple,
		stop_loss_price, risk_amount, position_pct, pyramid_stage, parent_trade_id,
		slippage, fill_time_ms, snapshot_json, entry_time, exit_time,
		holding_period_seconds, created_at
		FROM trades WHERE created_at >= ? AND created_at <= ?`
	args := []any{timeOrNil(start), timeOrNil(end)}

	if filter.TradeMode != "" {
		query += " AND trade_mode = ?"
		args = append(args, filter.TradeMode)
	}
	if filter.StockCode != "" {
		query += " AND stock_code = ?"
		args = append(args, filter.StockCode)
	}
	if filter.StrategyID != nil {
		query += " AND strategy_id = ?"
		args = append(args, *filter.StrategyID)
	}
	if filter.OrderType != "" {
		query += " AND order_type = ?"
		args = append(args, filter.OrderType)
	}
	query += " ORDER BY created_at ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		var entryPrice, exitPrice, amount, pnlAmount, stopLoss, riskAmount sql.NullString
		var entryTime, exitTime, createdAt sql.NullString
		var pnlPct, rMultiple, positionPct, slippage sql.NullFloat64
		var strategyID, parentTradeID sql.NullInt64
		var pyramidStage, fillTimeMs, holdingSeconds sql.NullInt64
		var snapshotJSON sql.NullString

		if err := rows.Scan(
			&t.TradeID, &t.StockCode, &t.TradeMode, &t.OrderType, &strategyID,
			&entryPrice, &exitPrice, &t.Quantity, &amount, &pnlAmount, &pnlPct, &rMultiple,
			&stopLoss, &riskAmount, &positionPct, &pyramidStage, &parentTradeID,
			&slippage, &fillTimeMs, &snapshotJSON, &entryTime, &exitTime,
			&holdingSeconds, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}

		t.EntryPrice = parseDec(entryPrice)
		t.ExitPrice = parseDec(exitPrice)
		t.Amount = parseDec(amount)
		t.PnLAmount = parseDec(pnlAmount)
		t.StopLossPrice = parseDec(stopLoss)
		t.RiskAmount = parseDec(riskAmount)
		t.PnLPercent = pnlPct.Float64
		t.RMultiple = rMultiple.Float64
		t.PositionPct = positionPct.Float64
		t.Slippage = slippage.Float64
		t.PyramidStage = int(pyramidStage.Int64)
		t.FillTimeMs = fillTimeMs.Int64
		t.HoldingPeriodSeconds = holdingSeconds.Int64
		t.SnapshotJSON = snapshotJSON.String
		t.EntryTime = parseTime(entryTime)
		t.ExitTime = parseTime(exitTime)
		t.CreatedAt = parseTime(createdAt)
		if strategyID.Valid {
			id := strategyID.Int64
			t.StrategyID = &id
		}
		if parentTradeID.Valid {
			id := parentTradeID.Int64
			t.ParentTradeID = &id
		}

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// JournalEntry is a trade's self-assessment/retrospective record,
// mirroring kats/database/models.py's TradeJournalEntry table.
type JournalEntry struct {
	JournalID      int64
	TradeID        int64
	StockGrade     string
	EntryStrategy  string
	ChecklistScore float64
	EmotionEntry   string
	EmotionDuring  string
	RuleCompliance float64
	RuleViolation  string
	LessonLearned  string
	Improvement    string
	MarketRegime   string
	SectorFlow     string
	CreatedAt      time.Time
}

// InsertJournalEntry appends a journal entry for a trade.
func (r *Repository) InsertJournalEntry(j JournalEntry) (JournalEntry, error) {
	if j.CreatedAt.IsZero() {
		j.CreatedAt = r.clock.Now()
	}
	res, err := r.db.Exec(
		`INSERT INTO trade_journal_entries (
			trade_id, stock_grade, entry_strategy, checklist_score,
			emotion_entry, emotion_during, rule_compliance, rule_violation,
			lesson_learned, improvement, market_regime, sector_flow, created_at
		) VALUES (?,?,?,?, ?,?,?,?, ?,?,?,?,?)`,
		j.TradeID, j.StockGrade, j.EntryStrategy, j.ChecklistScore,
		j.EmotionEntry, j.EmotionDuring, j.RuleCompliance, j.RuleViolation,
		j.LessonLearned, j.Improvement, j.MarketRegime, j.SectorFlow, timeOrNil(j.CreatedAt),
	)
	if err != nil {
		return JournalEntry{}, fmt.Errorf("insert journal entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return JournalEntry{}, fmt.Errorf("journal last insert id: %w", err)
	}
	j.JournalID = id
	return j, nil
}

// GetJournalByTradeID looks up the journal entry for a trade, if any.
func (r *Repository) GetJournalByTradeID(tradeID int64) (*JournalEntry, error) {
	row := r.db.QueryRow(
		`SELECT journal_id, trade_id, stock_grade, entry_strategy, checklist_score,
		 emotion_entry, emotion_during, rule_compliance, rule_violation,
		 lesson_learned, improvement, market_regime, sector_flow, created_at
		 FROM trade_journal_entries WHERE trade_id = ?`, tradeID)

	var j JournalEntry
	var createdAt sql.NullString
	err := row.Scan(
		&j.JournalID, &j.TradeID, &j.StockGrade, &j.EntryStrategy, &j.ChecklistScore,
		&j.EmotionEntry, &j.EmotionDuring, &j.RuleCompliance, &j.RuleViolation,
		&j.LessonLearned, &j.Improvement, &j.MarketRegime, &j.SectorFlow, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get journal by trade id: %w", err)
	}
	j.CreatedAt = parseTime(createdAt)
	return &j, nil
}
