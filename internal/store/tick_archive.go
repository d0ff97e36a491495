package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"kats-core/pkg/types"
)

// ArchiveTick appends a single price tick to the append-only archive,
// keyed by stock code and calendar date so a day's ticks can be
// replayed for backtesting or journal reconstruction without needing
// the live feed. Unlike the trade/stat tables, this sink is
// write-once: there is no update or upsert path.
func (r *Repository) ArchiveTick(tick types.PriceTick) error {
	payload, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("marshal tick: %w", err)
	}
	_, err = r.db.Exec(
		`INSERT INTO tick_archive (stock_code, archive_date, tick_payload, recorded_at) VALUES (?,?,?,?)`,
		tick.StockCode, tick.Timestamp.Format(dateLayout), string(payload), r.clock.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("archive tick: %w", err)
	}
	return nil
}

// GetArchivedTicks replays the ticks archived for a stock on a given
// date, in the order they were recorded.
func (r *Repository) GetArchivedTicks(stockCode string, archiveDate time.Time) ([]types.PriceTick, error) {
	rows, err := r.db.Query(
		`SELECT tick_payload FROM tick_archive WHERE stock_code = ? AND archive_date = ? ORDER BY rowid ASC`,
		stockCode, archiveDate.Format(dateLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("query archived ticks: %w", err)
	}
	defer rows.Close()

	var ticks []types.PriceTick
	for rows.Next() {
		var payload sql.NullString
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan archived tick: %w", err)
		}
		var tick types.PriceTick
		if err := json.Unmarshal([]byte(payload.String), &tick); err != nil {
			return nil, fmt.Errorf("unmarshal archived tick: %w", err)
		}
		ticks = append(ticks, tick)
	}
	return ticks, rows.Err()
}
