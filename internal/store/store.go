// Package store is the durable persistence layer: a SQLite-backed
// Repository for trades, journal entries, daily/monthly stats, drawdown
// logs, system config, the event calendar and paper-trading accounts,
// plus SnapshotStore (snapshot.go), a crash-safe JSON snapshot path for
// in-flight order/position state that must survive a process restart
// without a database round trip.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite"

	"kats-core/internal/clock"
)

// Repository wraps a SQLite database connection holding the trading
// journal: trades, stats, drawdown events, system config, the market
// event calendar and paper-trading account snapshots.
type Repository struct {
	db     *sql.DB
	clock  clock.Clock
	logger zerolog.Logger
}

// Open opens (or creates) the SQLite database at path and applies the
// schema. WAL mode and a busy timeout keep the single-writer trading
// loop from colliding with dashboard/ops reader goroutines.
func Open(path string, c clock.Clock, logger zerolog.Logger) (*Repository, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(0)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	r := &Repository{db: db, clock: c, logger: logger}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Info().Str("path", path).Msg("repository opened")
	return r, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate() error {
	var version int
	_ = r.db.QueryRow(`SELECT version FROM schema_version ORDER BY version DESC LIMIT 1`).Scan(&version)

	if version < 1 {
		_, err := r.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS strategies (
				strategy_id     INTEGER PRIMARY KEY AUTOINCREMENT,
				strategy_code   TEXT NOT NULL UNIQUE,
				strategy_name   TEXT NOT NULL,
				category        TEXT NOT NULL,
				description     TEXT,
				total_trades    INTEGER NOT NULL DEFAULT 0,
				win_count       INTEGER NOT NULL DEFAULT 0,
				loss_count      INTEGER NOT NULL DEFAULT 0,
				avg_r_multiple  REAL,
				sqn_score       REAL,
				is_active       INTEGER NOT NULL DEFAULT 1,
				updated_at      TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS trades (
				trade_id                INTEGER PRIMARY KEY AUTOINCREMENT,
				stock_code               TEXT NOT NULL,
				trade_mode               TEXT NOT NULL,
				order_type               TEXT NOT NULL,
				strategy_id              INTEGER REFERENCES strategies(strategy_id),
				entry_price              TEXT,
				exit_price               TEXT,
				quantity                 INTEGER NOT NULL,
				amount                   TEXT,
				pnl_amount               TEXT,
				pnl_percent              REAL,
				r_multiple               REAL,
				stop_loss_price          TEXT,
				risk_amount              TEXT,
				position_pct             REAL,
				pyramid_stage            INTEGER DEFAULT 0,
				parent_trade_id          INTEGER REFERENCES trades(trade_id),
				slippage                 REAL,
				fill_time_ms             INTEGER,
				snapshot_json            TEXT,
				entry_time               TEXT,
				exit_time                TEXT,
				holding_period_seconds   INTEGER,
				created_at               TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS ix_trades_stock_code ON trades(stock_code);
			CREATE INDEX IF NOT EXISTS ix_trades_strategy_id ON trades(strategy_id);
			CREATE INDEX IF NOT EXISTS ix_trades_entry_time ON trades(entry_time);
			CREATE INDEX IF NOT EXISTS ix_trades_created_at ON trades(created_at);
			CREATE INDEX IF NOT EXISTS ix_trades_mode_type ON trades(trade_mode, order_type);

			CREATE TABLE IF NOT EXISTS trade_journal_entries (
				journal_id       INTEGER PRIMARY KEY AUTOINCREMENT,
				trade_id         INTEGER NOT NULL UNIQUE REFERENCES trades(trade_id),
				stock_grade      TEXT,
				entry_strategy   TEXT,
				checklist_score  REAL,
				emotion_entry    TEXT,
				emotion_during   TEXT,
				rule_compliance  REAL,
				rule_violation   TEXT,
				lesson_learned   TEXT,
				improvement      TEXT,
				market_regime    TEXT,
				sector_flow      TEXT,
				created_at       TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS daily_stats (
				stat_date          TEXT PRIMARY KEY,
				total_trades       INTEGER NOT NULL DEFAULT 0,
				buy_count          INTEGER NOT NULL DEFAULT 0,
				sell_count         INTEGER NOT NULL DEFAULT 0,
				win_count          INTEGER NOT NULL DEFAULT 0,
				loss_count         INTEGER NOT NULL DEFAULT 0,
				total_buy_amount   REAL DEFAULT 0,
				total_sell_amount  REAL DEFAULT 0,
				daily_pnl          REAL DEFAULT 0,
				daily_pnl_pct      REAL DEFAULT 0,
				cumulative_pnl     REAL DEFAULT 0,
				total_capital      REAL,
				cash_balance       REAL,
				cash_ratio         REAL,
				avg_r_multiple     REAL,
				max_r_multiple     REAL,
				min_r_multiple     REAL,
				drawdown_pct       REAL DEFAULT 0,
				max_drawdown       REAL DEFAULT 0,
				market_regime      TEXT,
				kospi_close        REAL,
				created_at         TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS monthly_stats (
				stat_month            TEXT PRIMARY KEY,
				total_trades          INTEGER NOT NULL DEFAULT 0,
				win_rate              REAL,
				monthly_pnl           REAL DEFAULT 0,
				monthly_pnl_pct       REAL DEFAULT 0,
				avg_r_multiple        REAL,
				sqn_score             REAL,
				max_drawdown          REAL,
				rule_compliance_rate  REAL,
				strategy_pnl_json     TEXT,
				grade_pnl_json        TEXT,
				created_at            TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS drawdown_logs (
				log_id           INTEGER PRIMARY KEY AUTOINCREMENT,
				level            TEXT NOT NULL,
				drawdown_pct     REAL NOT NULL,
				action_taken     TEXT,
				resumed_at       TEXT,
				recovery_trades  INTEGER,
				triggered_at     TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS ix_drawdown_logs_level ON drawdown_logs(level);
			CREATE INDEX IF NOT EXISTS ix_drawdown_logs_triggered_at ON drawdown_logs(triggered_at);

			CREATE TABLE IF NOT EXISTS system_configs (
				config_key    TEXT PRIMARY KEY,
				config_value  TEXT,
				config_type   TEXT,
				description   TEXT,
				updated_at    TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS event_calendars (
				event_id         INTEGER PRIMARY KEY AUTOINCREMENT,
				event_date       TEXT NOT NULL,
				event_type       TEXT NOT NULL,
				event_name       TEXT NOT NULL,
				market_impact    TEXT,
				trading_action   TEXT,
				cash_adjust_pct  REAL,
				is_active        INTEGER NOT NULL DEFAULT 1
			);
			CREATE INDEX IF NOT EXISTS ix_event_calendars_date ON event_calendars(event_date);
			CREATE INDEX IF NOT EXISTS ix_event_calendars_type ON event_calendars(event_type);

			CREATE TABLE IF NOT EXISTS paper_accounts (
				account_id       INTEGER PRIMARY KEY AUTOINCREMENT,
				stock_code       TEXT NOT NULL,
				quantity         INTEGER NOT NULL DEFAULT 0,
				avg_price        TEXT,
				current_price    TEXT,
				unrealized_pnl   TEXT DEFAULT '0',
				total_cash       TEXT,
				total_equity     TEXT,
				updated_at       TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS ix_paper_accounts_stock_code ON paper_accounts(stock_code);

			CREATE TABLE IF NOT EXISTS tick_archive (
				stock_code   TEXT NOT NULL,
				archive_date TEXT NOT NULL,
				tick_payload TEXT NOT NULL,
				recorded_at  TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS ix_tick_archive_stock_date ON tick_archive(stock_code, archive_date);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		r.logger.Info().Msg("applied migration v1")
	}

	if version < 2 {
		_, err := r.db.Exec(`
			CREATE TABLE IF NOT EXISTS stocks (
				stock_code          TEXT PRIMARY KEY,
				stock_name          TEXT NOT NULL,
				market              TEXT NOT NULL,
				sector              TEXT,
				market_cap          INTEGER,
				grade               TEXT,
				ma_50               REAL,
				ma_150              REAL,
				ma_200              REAL,
				week52_high         REAL,
				week52_low          REAL,
				rs_rank             REAL,
				avg_volume_20d      INTEGER,
				avg_turnover_20d    REAL,
				eps_growth_qoq      REAL,
				revenue_growth      REAL,
				op_margin_trend     REAL,
				inst_foreign_flow   REAL,
				trend_template_score REAL,
				canslim_score       REAL,
				confidence_star     INTEGER DEFAULT 0,
				is_active           INTEGER NOT NULL DEFAULT 1,
				updated_at          TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS ix_stocks_market_grade ON stocks(market, grade);
			CREATE INDEX IF NOT EXISTS ix_stocks_rs_rank ON stocks(rs_rank);
			CREATE INDEX IF NOT EXISTS ix_stocks_is_active ON stocks(is_active);

			INSERT OR IGNORE INTO schema_version (version) VALUES (2);
		`)
		if err != nil {
			return fmt.Errorf("migration v2: %w", err)
		}
		r.logger.Info().Msg("applied migration v2")
	}
	return nil
}

// InitDefaults seeds the system_configs and strategies tables with the
// operational defaults, matching kats/database/repository.py's
// _seed_system_config/_seed_default_strategies. Safe to call on every
// boot: existing rows are left untouched.
func (r *Repository) InitDefaults() error {
	defaults := []struct {
		key, value, typ, description string
	}{
		{"total_capital", "10000000", "float", "총 운용 자본금"},
		{"max_risk_per_trade_pct", "1.0", "float", "거래당 최대 리스크 비율"},
		{"max_position_count", "10", "int", "최대 동시 보유 종목 수"},
		{"trade_mode", "PAPER", "str", "거래 모드 (LIVE/PAPER)"},
		{"drawdown_yellow_pct", "5.0", "float", "드로다운 YELLOW 임계값"},
		{"drawdown_orange_pct", "10.0", "float", "드로다운 ORANGE 임계값"},
		{"drawdown_red_pct", "15.0", "float", "드로다운 RED 임계값"},
		{"drawdown_black_pct", "20.0", "float", "드로다운 BLACK 임계값"},
		{"market_regime", "NEUTRAL", "str", "현재 시장 국면"},
	}
	now := r.clock.Now().UTC().Format(time.RFC3339)
	for _, d := range defaults {
		if _, err := r.db.Exec(
			`INSERT OR IGNORE INTO system_configs (config_key, config_value, config_type, description, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			d.key, d.value, d.typ, d.description, now,
		); err != nil {
			return fmt.Errorf("seed system config %s: %w", d.key, err)
		}
	}

	strategies := []struct {
		code, name, category, description string
	}{
		{"BREAKOUT_PIVOT", "피봇 돌파", "BULL", "저항선 돌파 시 거래량 동반 진입"},
		{"PULLBACK_MA", "이동평균 눌림목", "BULL", "추세 중 이동평균 지지 눌림목 진입"},
		{"GAP_FOLLOW", "갭 추세 추종", "BULL", "상승 갭 발생 후 추세 추종 진입"},
		{"MEAN_REVERSION", "평균회귀", "NEUTRAL", "과매도 구간 단기 반등 진입"},
		{"SHORT_HEDGE", "숏 헤지", "BEAR", "하락장 헤지 목적의 숏 포지션"},
	}
	for _, s := range strategies {
		if _, err := r.db.Exec(
			`INSERT OR IGNORE INTO strategies (strategy_code, strategy_name, category, description, updated_at)
			 VALUES (?, ?, ?, ?, ?)`,
			s.code, s.name, s.category, s.description, now,
		); err != nil {
			return fmt.Errorf("seed strategy %s: %w", s.code, err)
		}
	}
	return nil
}

func timeOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func decOrNil(d decimal.Decimal) any {
	if d.IsZero() {
		return nil
	}
	return d.String()
}

func parseDec(s sql.NullString) decimal.Decimal {
	if !s.Valid || s.String == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid || s.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
