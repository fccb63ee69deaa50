package models

import "encoding/json"

// SecurityEvent is the exported form of a recorded security event.
type SecurityEvent struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	Severity  string          `json:"severity"`
	SessionID string          `json:"session_id,omitempty"`
	Details   json.RawMessage `json:"details"`
	Timestamp int64           `json:"timestamp"`
}
