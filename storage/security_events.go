package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// severityRank orders severities so queries can ask for a minimum level.
var severityRank = map[string]int{
	SecuritySeverityInfo:     0,
	SecuritySeverityWarning:  1,
	SecuritySeverityCritical: 2,
}

// SetSecurityEventRetention sets how long security events are kept and drops
// anything already older. A non-positive retention restores the default.
func (s *Store) SetSecurityEventRetention(retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = DefaultSecurityEventRetention
	}
	s.securityEventRetention = retention
	return s.pruneExpiredSecurityEvents()
}

// SecurityEventRetention returns the active retention window.
func (s *Store) SecurityEventRetention() time.Duration {
	return s.securityEventRetention
}

// LogSecurityEvent records one event raised by a transfer session.
func (s *Store) LogSecurityEvent(event SecurityEvent) error {
	event.EventType = strings.TrimSpace(event.EventType)
	if event.EventType == "" {
		return errors.New("security event type is required")
	}
	if event.Severity == "" {
		event.Severity = SecuritySeverityInfo
	}
	if err := validateSecuritySeverity(event.Severity); err != nil {
		return err
	}
	switch {
	case event.Details == "":
		event.Details = "{}"
	case !json.Valid([]byte(event.Details)):
		return fmt.Errorf("security event %q: details are not valid JSON", event.EventType)
	}
	if event.Timestamp == 0 {
		event.Timestamp = nowUnixMilli()
	}

	var session sql.NullString
	if event.SessionID != nil && strings.TrimSpace(*event.SessionID) != "" {
		session = sql.NullString{String: strings.TrimSpace(*event.SessionID), Valid: true}
	}

	if _, err := s.db.Exec(
		`INSERT INTO security_events (event_type, session_id, details, severity, timestamp)
		VALUES (?, ?, ?, ?, ?)`,
		event.EventType, session, event.Details, event.Severity, event.Timestamp,
	); err != nil {
		return fmt.Errorf("insert security event %q: %w", event.EventType, err)
	}

	if _, err := s.pruneExpiredSecurityEvents(); err != nil {
		return err
	}
	return nil
}

// ListSecurityEvents returns events newest first. MinSeverity keeps events
// at or above that level.
func (s *Store) ListSecurityEvents(filter SecurityEventFilter) ([]SecurityEvent, error) {
	query := strings.Builder{}
	query.WriteString(`SELECT id, event_type, session_id, details, severity, timestamp FROM security_events`)

	var (
		where []string
		args  []any
	)
	if filter.MinSeverity != "" {
		minRank, ok := severityRank[filter.MinSeverity]
		if !ok {
			return nil, validateSecuritySeverity(filter.MinSeverity)
		}
		var levels []string
		for level, rank := range severityRank {
			if rank >= minRank {
				levels = append(levels, "?")
				args = append(args, level)
			}
		}
		where = append(where, "severity IN ("+strings.Join(levels, ",")+")")
	}
	if filter.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, filter.EventType)
	}
	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, filter.Since.UnixMilli())
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	limit, offset := clampLimit(filter.Limit, filter.Offset)
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.Query(query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list security events: %w", err)
	}
	defer rows.Close()

	events := make([]SecurityEvent, 0)
	for rows.Next() {
		var (
			event   SecurityEvent
			session sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EventType, &session, &event.Details, &event.Severity, &event.Timestamp); err != nil {
			return nil, fmt.Errorf("scan security event row: %w", err)
		}
		event.SessionID = stringPtr(session)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate security event rows: %w", err)
	}
	return events, nil
}

// PruneSecurityEvents deletes events recorded before cutoff.
func (s *Store) PruneSecurityEvents(cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("prune security events: cutoff is required")
	}

	res, err := s.db.Exec(`DELETE FROM security_events WHERE timestamp < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune security events: %w", err)
	}
	return removed, nil
}

func (s *Store) pruneExpiredSecurityEvents() (int64, error) {
	if s.securityEventRetention <= 0 {
		return 0, nil
	}
	return s.PruneSecurityEvents(time.Now().Add(-s.securityEventRetention))
}
