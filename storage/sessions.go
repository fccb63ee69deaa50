package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertSession records a session or updates its last observed status.
// StartedAt is kept from the first insert.
func (s *Store) UpsertSession(session Session) error {
	if strings.TrimSpace(session.SessionID) == "" {
		return errors.New("session_id is required")
	}
	if err := validateRole(session.Role); err != nil {
		return err
	}
	if session.Status == "" {
		return errors.New("status is required")
	}

	now := nowUnixMilli()
	if session.StartedAt == 0 {
		session.StartedAt = now
	}
	if session.UpdatedAt == 0 {
		session.UpdatedAt = now
	}

	_, err := s.db.Exec(
		`INSERT INTO sessions (
			session_id,
			role,
			peer_id,
			status,
			fingerprint,
			error,
			started_at,
			updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			peer_id = COALESCE(excluded.peer_id, sessions.peer_id),
			status = excluded.status,
			fingerprint = COALESCE(excluded.fingerprint, sessions.fingerprint),
			error = excluded.error,
			updated_at = excluded.updated_at`,
		session.SessionID,
		session.Role,
		nullIfEmpty(session.PeerID),
		session.Status,
		nullIfEmpty(session.Fingerprint),
		nullIfEmpty(session.Error),
		session.StartedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert session %q: %w", session.SessionID, err)
	}

	return nil
}

// GetSession fetches a session by ID.
func (s *Store) GetSession(sessionID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT
			session_id,
			role,
			peer_id,
			status,
			fingerprint,
			error,
			started_at,
			updated_at
		FROM sessions
		WHERE session_id = ?`,
		sessionID,
	)

	var (
		session     Session
		peerID      sql.NullString
		fingerprint sql.NullString
		errText     sql.NullString
	)
	if err := row.Scan(
		&session.SessionID,
		&session.Role,
		&peerID,
		&session.Status,
		&fingerprint,
		&errText,
		&session.StartedAt,
		&session.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get session %q: %w", sessionID, err)
	}

	session.PeerID = peerID.String
	session.Fingerprint = fingerprint.String
	session.Error = errText.String
	return &session, nil
}
