package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cboxdk/prefork-manager/internal/config"
	"github.com/cboxdk/prefork-manager/internal/telemetry"
	"go.uber.org/zap"
)

// EventStorage implements telemetry.EventStorage for SQLite
type EventStorage struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ telemetry.EventStorage = (*EventStorage)(nil)

// EventStats summarises the journal
type EventStats struct {
	TotalEvents  int64            `json:"total_events"`
	EventsByType map[string]int64 `json:"events_by_type"`
	OldestEvent  time.Time        `json:"oldest_event"`
	NewestEvent  time.Time        `json:"newest_event"`
}

// NewEventStorage creates a new event storage instance
func NewEventStorage(db *sql.DB, logger *zap.Logger) *EventStorage {
	return &EventStorage{
		db:     db,
		logger: logger,
	}
}

// StoreEvent stores an event in the database
func (s *EventStorage) StoreEvent(ctx context.Context, event telemetry.Event) error {
	detailsJSON, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	query := `
		INSERT INTO events (id, type, timestamp, grp, summary, details, correlation_id, severity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		event.ID,
		string(event.Type),
		event.Timestamp.UnixNano(),
		nullString(event.Group),
		event.Summary,
		string(detailsJSON),
		nullString(event.CorrelationID),
		string(event.Severity),
	)
	if err != nil {
		return fmt.Errorf("failed to store event %s: %w", event.ID, err)
	}

	return nil
}

// GetEvents retrieves events from the database based on the filter,
// newest first
func (s *EventStorage) GetEvents(ctx context.Context, filter telemetry.EventFilter) ([]telemetry.Event, error) {
	query, args := buildEventQuery(filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []telemetry.Event
	for rows.Next() {
		var event telemetry.Event
		var detailsJSON string
		var eventType, severity string
		var timestamp int64
		var grp, correlationID sql.NullString

		if err := rows.Scan(
			&event.ID,
			&eventType,
			&timestamp,
			&grp,
			&event.Summary,
			&detailsJSON,
			&correlationID,
			&severity,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}

		event.Type = telemetry.EventType(eventType)
		event.Severity = telemetry.EventSeverity(severity)
		event.Timestamp = time.Unix(0, timestamp).UTC()
		event.Group = grp.String
		event.CorrelationID = correlationID.String

		if err := json.Unmarshal([]byte(detailsJSON), &event.Details); err != nil {
			s.logger.Warn("Failed to unmarshal event details",
				zap.String("event_id", event.ID),
				zap.Error(err))
			event.Details = make(map[string]interface{})
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating event rows: %w", err)
	}

	return events, nil
}

// buildEventQuery constructs a SQL query with filters
func buildEventQuery(filter telemetry.EventFilter) (string, []interface{}) {
	var sb strings.Builder
	sb.WriteString("SELECT id, type, timestamp, grp, summary, details, correlation_id, severity FROM events WHERE 1=1")
	var args []interface{}

	if !filter.StartTime.IsZero() {
		sb.WriteString(" AND timestamp >= ?")
		args = append(args, filter.StartTime.UnixNano())
	}

	if !filter.EndTime.IsZero() {
		sb.WriteString(" AND timestamp <= ?")
		args = append(args, filter.EndTime.UnixNano())
	}

	if filter.Group != "" {
		sb.WriteString(" AND grp = ?")
		args = append(args, filter.Group)
	}

	if filter.Type != "" {
		sb.WriteString(" AND type = ?")
		args = append(args, string(filter.Type))
	}

	if filter.Severity != "" {
		sb.WriteString(" AND severity = ?")
		args = append(args, string(filter.Severity))
	}

	sb.WriteString(" ORDER BY timestamp DESC, rowid DESC")

	limit := filter.Limit
	if limit <= 0 {
		limit = config.DefaultEventQueryLimit
	}
	if limit > config.MaxEventQueryLimit {
		limit = config.MaxEventQueryLimit
	}
	sb.WriteString(" LIMIT ?")
	args = append(args, limit)

	return sb.String(), args
}

// CleanupOldEvents removes events older than the specified retention period
func (s *EventStorage) CleanupOldEvents(ctx context.Context, retentionPeriod time.Duration) (int64, error) {
	cutoffTime := time.Now().Add(-retentionPeriod)

	result, err := s.db.ExecContext(ctx,
		"DELETE FROM events WHERE timestamp < ?",
		cutoffTime.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old events: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected > 0 {
		s.logger.Info("Cleaned up old events",
			zap.Int64("rows_deleted", rowsAffected),
			zap.Duration("retention_period", retentionPeriod))
	}

	return rowsAffected, nil
}

// GetEventStats returns statistics about stored events
func (s *EventStorage) GetEventStats(ctx context.Context) (EventStats, error) {
	stats := EventStats{EventsByType: make(map[string]int64)}

	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*), MIN(timestamp), MAX(timestamp) FROM events").
		Scan(&stats.TotalEvents, &oldest, &newest)
	if err != nil {
		return stats, fmt.Errorf("failed to get event totals: %w", err)
	}
	if oldest.Valid {
		stats.OldestEvent = time.Unix(0, oldest.Int64).UTC()
	}
	if newest.Valid {
		stats.NewestEvent = time.Unix(0, newest.Int64).UTC()
	}

	rows, err := s.db.QueryContext(ctx, "SELECT type, COUNT(*) FROM events GROUP BY type")
	if err != nil {
		return stats, fmt.Errorf("failed to get event counts by type: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var eventType string
		var count int64
		if err := rows.Scan(&eventType, &count); err != nil {
			return stats, fmt.Errorf("failed to scan event count: %w", err)
		}
		stats.EventsByType[eventType] = count
	}

	return stats, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
