package storage

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerdrop/crypto"
	"peerdrop/transfer"
)

// Security event types written by Recorder.
const (
	EventChunkAuthFailed   = "chunk_authentication_failed"
	EventProtocolViolation = "protocol_violation"
	EventFileTokenMismatch = "file_token_mismatch"
)

// Recorder persists one session's observer events. It learns the session
// identity from the first status update, which every session emits before
// any file event.
type Recorder struct {
	store *Store
	log   logrus.FieldLogger

	mu        sync.Mutex
	sessionID string
	role      transfer.Role
	peerID    string
	// byName maps a file name to the transfer row of its latest attempt.
	byName map[string]string
}

var _ transfer.Observer = (*Recorder)(nil)

// NewRecorder returns an observer writing into store.
func NewRecorder(store *Store, logger logrus.FieldLogger) *Recorder {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Recorder{
		store:  store,
		log:    logger,
		byName: make(map[string]string),
	}
}

// ConnectionStatusChanged implements transfer.Observer.
func (r *Recorder) ConnectionStatusChanged(update transfer.StatusUpdate) {
	r.mu.Lock()
	r.sessionID = update.SessionID
	r.role = update.Role
	if update.PeerID != "" {
		r.peerID = update.PeerID
	}
	peerID := r.peerID
	r.mu.Unlock()

	session := Session{
		SessionID:   update.SessionID,
		Role:        string(update.Role),
		PeerID:      peerID,
		Status:      update.Status.String(),
		Fingerprint: update.Fingerprint,
	}
	if update.Err != nil {
		session.Error = update.Err.Error()
	}
	r.warn(r.store.UpsertSession(session), "Failed to record session status")
}

// FileStarted implements transfer.Observer.
func (r *Recorder) FileStarted(name string, size int64) {
	r.mu.Lock()
	sessionID, role := r.sessionID, r.role
	transferID := uuid.NewString()
	r.byName[name] = transferID
	r.mu.Unlock()

	direction := DirectionSend
	if role == transfer.RoleReceiver {
		direction = DirectionReceive
	}
	r.warn(r.store.SaveTransfer(Transfer{
		TransferID: transferID,
		SessionID:  sessionID,
		Direction:  direction,
		FileName:   name,
		FileSize:   size,
	}), "Failed to record transfer start")
}

// Progress implements transfer.Observer. Only whole steps of ten are written.
func (r *Recorder) Progress(name string, percent int) {
	if percent%10 != 0 {
		return
	}
	if transferID := r.transferID(name); transferID != "" {
		r.warn(r.store.UpdateTransferProgress(transferID, percent), "Failed to record transfer progress")
	}
}

// FileComplete implements transfer.Observer.
func (r *Recorder) FileComplete(name string, artifact *transfer.Artifact) {
	transferID := r.transferID(name)
	if transferID == "" {
		return
	}
	if artifact != nil {
		r.warn(r.store.UpdateTransferFile(transferID, artifact.MimeType, artifact.FileID), "Failed to record file details")
	}
	r.warn(r.store.FinishTransfer(transferID, TransferStatusComplete, ""), "Failed to record transfer completion")
}

// Error implements transfer.Observer.
func (r *Recorder) Error(err error) {
	var (
		fileErr     *transfer.FileError
		chunkErr    *transfer.ChunkError
		protocolErr *transfer.ProtocolError
	)

	switch {
	case errors.As(err, &chunkErr):
		severity := SecuritySeverityInfo
		if errors.Is(err, crypto.ErrAuthentication) {
			severity = SecuritySeverityWarning
		}
		r.securityEvent(EventChunkAuthFailed, severity, map[string]any{
			"file":  chunkErr.File,
			"chunk": chunkErr.Index,
			"error": err.Error(),
		})
	case errors.Is(err, transfer.ErrFileTokenMismatch):
		r.securityEvent(EventFileTokenMismatch, SecuritySeverityCritical, map[string]any{
			"error": err.Error(),
		})
	case errors.As(err, &protocolErr):
		r.securityEvent(EventProtocolViolation, SecuritySeverityWarning, map[string]any{
			"type":   protocolErr.Type,
			"reason": protocolErr.Reason,
		})
	}

	// A fail-fast chunk error arrives wrapped in a FileError and also ends the file.
	if errors.As(err, &fileErr) {
		if transferID := r.transferID(fileErr.Name); transferID != "" {
			r.warn(r.store.FinishTransfer(transferID, TransferStatusFailed, err.Error()), "Failed to record transfer failure")
		}
	}
}

// RecordSaved stores where a received file was written.
func (r *Recorder) RecordSaved(name, path string) {
	if transferID := r.transferID(name); transferID != "" {
		r.warn(r.store.SetTransferStoredPath(transferID, path), "Failed to record stored path")
	}
}

func (r *Recorder) transferID(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

func (r *Recorder) securityEvent(eventType, severity string, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		r.warn(err, "Failed to encode security event")
		return
	}

	r.mu.Lock()
	sessionID := r.sessionID
	r.mu.Unlock()

	var sessionRef *string
	if sessionID != "" {
		sessionRef = &sessionID
	}
	r.warn(r.store.LogSecurityEvent(SecurityEvent{
		EventType: eventType,
		SessionID: sessionRef,
		Details:   string(raw),
		Severity:  severity,
	}), "Failed to record security event")
}

func (r *Recorder) warn(err error, msg string) {
	if err == nil {
		return
	}
	r.log.WithError(err).Warn(msg)
}
