package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SystemConfigRow is a single runtime config key-value row, mirroring
// kats/database/models.py's SystemConfig table.
type SystemConfigRow struct {
	ConfigKey   string
	ConfigValue string
	ConfigType  string
	Description string
	UpdatedAt   time.Time
}

// GetSystemConfig looks up a single config key.
func (r *Repository) GetSystemConfig(key string) (*SystemConfigRow, error) {
	row := r.db.QueryRow(
		`SELECT config_key, config_value, config_type, description, updated_at
		 FROM system_configs WHERE config_key = ?`, key)

	var c SystemConfigRow
	var value, typ, description, updatedAt sql.NullString
	err := row.Scan(&c.ConfigKey, &value, &typ, &description, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get system config %s: %w", key, err)
	}
	c.ConfigValue, c.ConfigType, c.Description = value.String, typ.String, description.String
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

// SetSystemConfig upserts a config key, matching repository.py's
// set_system_config (update in place if present, else insert).
func (r *Repository) SetSystemConfig(key, value, configType, description string) error {
	now := r.clock.Now().UTC().Format(time.RFC3339)
	_, err := r.db.Exec(
		`INSERT INTO system_configs (config_key, config_value, config_type, description, updated_at)
		 VALUES (?,?,?,?,?)
		 ON CONFLICT(config_key) DO UPDATE SET
			config_value=excluded.config_value, config_type=excluded.config_type,
			description=excluded.description, updated_at=excluded.updated_at`,
		key, value, configType, description, now,
	)
	if err != nil {
		return fmt.Errorf("set system config %s: %w", key, err)
	}
	return nil
}

// EventCalendarEntry is a single scheduled market event (earnings,
// FOMC, holiday), mirroring kats/database/models.py's EventCalendar table.
type EventCalendarEntry struct {
	EventID       int64
	EventDate     time.Time
	EventType     string
	EventName     string
	MarketImpact  string
	TradingAction string
	CashAdjustPct float64
	IsActive      bool
}

// InsertEvent appends a calendar event.
func (r *Repository) InsertEvent(e EventCalendarEntry) (EventCalendarEntry, error) {
	res, err := r.db.Exec(
		`INSERT INTO event_calendars (event_date, event_type, event_name, market_impact, trading_action, cash_adjust_pct, is_active)
		 VALUES (?,?,?,?,?,?,?)`,
		e.EventDate.Format(dateLayout), e.EventType, e.EventName, e.MarketImpact, e.TradingAction, e.CashAdjustPct, e.IsActive,
	)
	if err != nil {
		return EventCalendarEntry{}, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return EventCalendarEntry{}, fmt.Errorf("event last insert id: %w", err)
	}
	e.EventID = id
	return e, nil
}

// GetUpcomingEvents returns active events in [from, from+daysAhead],
// optionally filtered by event type, ordered by date ascending,
// matching repository.py's get_upcoming_events.
func (r *Repository) GetUpcomingEvents(from time.Time, daysAhead int, eventType string, activeOnly bool) ([]EventCalendarEntry, error) {
	if from.IsZero() {
		from = r.clock.Now()
	}
	until := from.AddDate(0, 0, daysAhead)

	query := `SELECT event_id, event_date, event_type, event_name, market_impact, trading_action, cash_adjust_pct, is_active
		FROM event_calendars WHERE event_date >= ? AND event_date <= ?`
	args := []any{from.Format(dateLayout), until.Format(dateLayout)}

	if activeOnly {
		query += " AND is_active = 1"
	}
	if eventType != "" {
		query += " AND event_type = ?"
		args = append(args, eventType)
	}
	query += " ORDER BY event_date ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query upcoming events: %w", err)
	}
	defer rows.Close()

	var events []EventCalendarEntry
	for rows.Next() {
		var e EventCalendarEntry
		var eventDate sql.NullString
		if err := rows.Scan(&e.EventID, &eventDate, &e.EventType, &e.EventName, &e.MarketImpact, &e.TradingAction, &e.CashAdjustPct, &e.IsActive); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if eventDate.Valid {
			e.EventDate, _ = time.Parse(dateLayout, eventDate.String)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
