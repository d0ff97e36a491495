package store

import (
	"database/sql"
	"fmt"
	"time"

	"kats-core/pkg/types"
)

// Stock is the tradeable-universe master record: identity, sector, and
// the trend/fundamental indicators the grade/allocation pipeline reads
// at the start of each session.
type Stock struct {
	StockCode          string
	StockName          string
	Market             string
	Sector             string
	MarketCap          int64
	Grade              types.StockGrade
	MA50               float64
	MA150              float64
	MA200              float64
	Week52High         float64
	Week52Low          float64
	RSRank             float64
	AvgVolume20D       int64
	AvgTurnover20D     float64
	EPSGrowthQoQ       float64
	RevenueGrowth      float64
	OpMarginTrend      float64
	InstForeignFlow    float64
	TrendTemplateScore float64
	CANSLIMScore       float64
	ConfidenceStar     int
	IsActive           bool
	UpdatedAt          time.Time
}

// UpsertStock inserts or refreshes one row of the tradeable universe.
func (r *Repository) UpsertStock(s Stock) error {
	now := r.clock.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(`
		INSERT INTO stocks (
			stock_code, stock_name, market, sector, market_cap, grade,
			ma_50, ma_150, ma_200, week52_high, week52_low, rs_rank,
			avg_volume_20d, avg_turnover_20d, eps_growth_qoq, revenue_growth,
			op_margin_trend, inst_foreign_flow, trend_template_score,
			canslim_score, confidence_star, is_active, updated_at
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(stock_code) DO UPDATE SET
			stock_name = excluded.stock_name,
			market = excluded.market,
			sector = excluded.sector,
			market_cap = excluded.market_cap,
			grade = excluded.grade,
			ma_50 = excluded.ma_50,
			ma_150 = excluded.ma_150,
			ma_200 = excluded.ma_200,
			week52_high = excluded.week52_high,
			week52_low = excluded.week52_low,
			rs_rank = excluded.rs_rank,
			avg_volume_20d = excluded.avg_volume_20d,
			avg_turnover_20d = excluded.avg_turnover_20d,
			eps_growth_qoq = excluded.eps_growth_qoq,
			revenue_growth = excluded.revenue_growth,
			op_margin_trend = excluded.op_margin_trend,
			inst_foreign_flow = excluded.inst_foreign_flow,
			trend_template_score = excluded.trend_template_score,
			canslim_score = excluded.canslim_score,
			confidence_star = excluded.confidence_star,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`,
		s.StockCode, s.StockName, s.Market, s.Sector, s.MarketCap, string(s.Grade),
		s.MA50, s.MA150, s.MA200, s.Week52High, s.Week52Low, s.RSRank,
		s.AvgVolume20D, s.AvgTurnover20D, s.EPSGrowthQoQ, s.RevenueGrowth,
		s.OpMarginTrend, s.InstForeignFlow, s.TrendTemplateScore,
		s.CANSLIMScore, s.ConfidenceStar, boolToInt(s.IsActive), now,
	)
	if err != nil {
		return fmt.Errorf("upsert stock %s: %w", s.StockCode, err)
	}
	return nil
}

// GetActiveStocks returns the tradeable universe (is_active=1), the
// watchlist the market data hub and order flow drive off of at startup.
func (r *Repository) GetActiveStocks() ([]Stock, error) {
	rows, err := r.db.Query(`
		SELECT stock_code, stock_name, market, sector, market_cap, grade,
			ma_50, ma_150, ma_200, week52_high, week52_low, rs_rank,
			avg_volume_20d, avg_turnover_20d, eps_growth_qoq, revenue_growth,
			op_margin_trend, inst_foreign_flow, trend_template_score,
			canslim_score, confidence_star, is_active, updated_at
		FROM stocks WHERE is_active = 1 ORDER BY rs_rank DESC`)
	if err != nil {
		return nil, fmt.Errorf("query active stocks: %w", err)
	}
	defer rows.Close()

	var out []Stock
	for rows.Next() {
		var s Stock
		var grade string
		var active int
		var marketCap, avgVolume20D sql.NullInt64
		var ma50, ma150, ma200, w52h, w52l, rsRank, avgTurnover, eps, rev, opMargin, flow, trendScore, canslim sql.NullFloat64
		var sector sql.NullString
		var confidence sql.NullInt64
		var updatedAt string

		if err := rows.Scan(
			&s.StockCode, &s.StockName, &s.Market, &sector, &marketCap, &grade,
			&ma50, &ma150, &ma200, &w52h, &w52l, &rsRank,
			&avgVolume20D, &avgTurnover, &eps, &rev,
			&opMargin, &flow, &trendScore, &canslim, &confidence, &active, &updatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan stock: %w", err)
		}

		s.Grade = types.StockGrade(grade)
		s.Sector = sector.String
		s.MarketCap = marketCap.Int64
		s.MA50, s.MA150, s.MA200 = ma50.Float64, ma150.Float64, ma200.Float64
		s.Week52High, s.Week52Low = w52h.Float64, w52l.Float64
		s.RSRank = rsRank.Float64
		s.AvgVolume20D = avgVolume20D.Int64
		s.AvgTurnover20D = avgTurnover.Float64
		s.EPSGrowthQoQ, s.RevenueGrowth, s.OpMarginTrend = eps.Float64, rev.Float64, opMargin.Float64
		s.InstForeignFlow, s.TrendTemplateScore, s.CANSLIMScore = flow.Float64, trendScore.Float64, canslim.Float64
		s.ConfidenceStar = int(confidence.Int64)
		s.IsActive = active != 0
		s.UpdatedAt = parseTime(sql.NullString{String: updatedAt, Valid: updatedAt != ""})

		out = append(out, s)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
