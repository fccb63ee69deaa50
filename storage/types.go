package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound indicates a requested row does not exist.
	ErrNotFound = errors.New("storage: record not found")
)

const (
	RoleSender   = "sender"
	RoleReceiver = "receiver"
)

const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

const (
	TransferStatusInProgress = "in_progress"
	TransferStatusComplete   = "complete"
	TransferStatusFailed     = "failed"
)

const (
	// SecuritySeverityInfo indicates informational security event context.
	SecuritySeverityInfo = "info"
	// SecuritySeverityWarning indicates potentially suspicious behavior.
	SecuritySeverityWarning = "warning"
	// SecuritySeverityCritical indicates serious security failures.
	SecuritySeverityCritical = "critical"
)

// Session is one sender or receiver session as last observed.
type Session struct {
	SessionID   string
	Role        string
	PeerID      string
	Status      string
	Fingerprint string
	Error       string
	StartedAt   int64
	UpdatedAt   int64
}

// Transfer is one file sent or received within a session.
type Transfer struct {
	TransferID string
	SessionID  string
	Direction  string
	FileName   string
	FileSize   int64
	MimeType   string
	FileToken  string
	Status     string
	Progress   int
	StoredPath string
	Error      string
	StartedAt  int64
	FinishedAt *int64
}

// TransferFilter narrows ListTransfers results.
type TransferFilter struct {
	SessionID string
	Direction string
	Status    string
	Limit     int
	Offset    int
}

// SecurityEvent stores structured security-relevant runtime events.
type SecurityEvent struct {
	ID        int64
	EventType string
	SessionID *string
	Details   string
	Severity  string
	Timestamp int64
}

// SecurityEventFilter narrows ListSecurityEvents results.
type SecurityEventFilter struct {
	EventType   string
	SessionID   string
	MinSeverity string
	Since       time.Time
	Limit       int
	Offset      int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateRole(role string) error {
	switch role {
	case RoleSender, RoleReceiver:
		return nil
	default:
		return fmt.Errorf("invalid session role %q", role)
	}
}

func validateDirection(direction string) error {
	switch direction {
	case DirectionSend, DirectionReceive:
		return nil
	default:
		return fmt.Errorf("invalid transfer direction %q", direction)
	}
}

func validateTransferStatus(status string) error {
	switch status {
	case TransferStatusInProgress, TransferStatusComplete, TransferStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid transfer status %q", status)
	}
}

func validateSecuritySeverity(severity string) error {
	switch severity {
	case SecuritySeverityInfo, SecuritySeverityWarning, SecuritySeverityCritical:
		return nil
	default:
		return fmt.Errorf("invalid security event severity %q", severity)
	}
}

func clampLimit(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullIfEmpty(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
