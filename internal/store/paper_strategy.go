package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// PaperAccount is a paper-trading position snapshot for one stock,
// mirroring kats/database/models.py's PaperAccount table.
type PaperAccount struct {
	AccountID     int64
	StockCode     string
	Quantity      int64
	AvgPrice      decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPnL decimal.Decimal
	TotalCash     decimal.Decimal
	TotalEquity   decimal.Decimal
	UpdatedAt     time.Time
}

// UpsertPaperAccount inserts or replaces the paper account row for a
// stock, matching repository.py's update_paper_account merge.
func (r *Repository) UpsertPaperAccount(a PaperAccount) error {
	now := r.clock.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(
		`INSERT INTO paper_accounts (account_id, stock_code, quantity, avg_price, current_price, unrealized_pnl, total_cash, total_equity, updated_at)
		 VALUES ((SELECT account_id FROM paper_accounts WHERE stock_code = ?), ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id) DO UPDATE SET
			quantity=excluded.quantity, avg_price=excluded.avg_price, current_price=excluded.current_price,
			unrealized_pnl=excluded.unrealized_pnl, total_cash=excluded.total_cash,
			total_equity=excluded.total_equity, updated_at=excluded.updated_at`,
		a.StockCode, a.StockCode, a.Quantity, decOrNil(a.AvgPrice), decOrNil(a.CurrentPrice),
		decOrNil(a.UnrealizedPnL), decOrNil(a.TotalCash), decOrNil(a.TotalEquity), now,
	)
	if err != nil {
		return fmt.Errorf("upsert paper account %s: %w", a.StockCode, err)
	}
	return nil
}

// GetPaperAccounts returns paper account rows, optionally filtered by
// stock code, ordered by stock code ascending.
func (r *Repository) GetPaperAccounts(stockCode string) ([]PaperAccount, error) {
	query := `SELECT account_id, stock_code, quantity, avg_price, current_price, unrealized_pnl, total_cash, total_equity, updated_at FROM paper_accounts`
	var args []any
	if stockCode != "" {
		query += " WHERE stock_code = ?"
		args = append(args, stockCode)
	}
	query += " ORDER BY stock_code ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query paper accounts: %w", err)
	}
	defer rows.Close()

	var accounts []PaperAccount
	for rows.Next() {
		var a PaperAccount
		var avgPrice, currentPrice, unrealizedPnL, totalCash, totalEquity sql.NullString
		var updatedAt sql.NullString
		if err := rows.Scan(&a.AccountID, &a.StockCode, &a.Quantity, &avgPrice, &currentPrice, &unrealizedPnL, &totalCash, &totalEquity, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan paper account: %w", err)
		}
		a.AvgPrice = parseDec(avgPrice)
		a.CurrentPrice = parseDec(currentPrice)
		a.UnrealizedPnL = parseDec(unrealizedPnL)
		a.TotalCash = parseDec(totalCash)
		a.TotalEquity = parseDec(totalEquity)
		a.UpdatedAt = parseTime(updatedAt)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// StrategyStats is the recomputed performance summary for a strategy.
type StrategyStats struct {
	StrategyID   int64
	TotalTrades  int
	WinCount     int
	LossCount    int
	AvgRMultiple float64
	SQNScore     float64
}

// UpdateStrategyStats recomputes total/win/loss trade counts, average
// R multiple and the System Quality Number from closed trades
// (exit_price not null) linked to the strategy, and writes the result
// back to the strategies row. Matches repository.py's
// update_strategy_stats: sqn = (avg_r / stddev_r) * sqrt(min(n, 100))
// when n >= 2 and stddev_r > 0.
func (r *Repository) UpdateStrategyStats(strategyID int64) (*StrategyStats, error) {
	rows, err := r.db.Query(
		`SELECT r_multiple FROM trades WHERE strategy_id = ? AND exit_price IS NOT NULL AND r_multiple IS NOT NULL`,
		strategyID)
	if err != nil {
		return nil, fmt.Errorf("query closed trades: %w", err)
	}
	defer rows.Close()

	var rMultiples []float64
	for rows.Next() {
		var rm float64
		if err := rows.Scan(&rm); err != nil {
			return nil, fmt.Errorf("scan r_multiple: %w", err)
		}
		rMultiples = append(rMultiples, rm)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	stats := StrategyStats{StrategyID: strategyID}
	var sumR float64
	for _, rm := range rMultiples {
		stats.TotalTrades++
		sumR += rm
		switch {
		case rm > 0:
			stats.WinCount++
		case rm < 0:
			stats.LossCount++
		}
	}
	n := len(rMultiples)
	if n > 0 {
		stats.AvgRMultiple = sumR / float64(n)
	}
	if n >= 2 {
		var sumSq float64
		for _, rm := range rMultiples {
			d := rm - stats.AvgRMultiple
			sumSq += d * d
		}
		stddev := math.Sqrt(sumSq / float64(n-1))
		if stddev > 0 {
			sampleSize := math.Min(float64(n), 100)
			stats.SQNScore = (stats.AvgRMultiple / stddev) * math.Sqrt(sampleSize)
		}
	}

	res, err := r.db.Exec(
		`UPDATE strategies SET total_trades=?, win_count=?, loss_count=?, avg_r_multiple=?, sqn_score=?, updated_at=?
		 WHERE strategy_id=?`,
		stats.TotalTrades, stats.WinCount, stats.LossCount, stats.AvgRMultiple, stats.SQNScore,
		r.clock.Now().UTC().Format(time.RFC3339), strategyID,
	)
	if err != nil {
		return nil, fmt.Errorf("update strategy stats: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("strategy stats rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return &stats, nil
}
