package transfer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotReady indicates the key exchange did not complete within the ready timeout.
	ErrNotReady = errors.New("transfer: encryption not ready")
	// ErrNotConnected indicates the session channel is closed.
	ErrNotConnected = errors.New("transfer: not connected")
	// ErrNoActiveFile indicates a done message arrived without file metadata.
	ErrNoActiveFile = errors.New("transfer: no active file")
	// ErrFileTokenMismatch indicates metadata and done carried different file ids.
	ErrFileTokenMismatch = errors.New("transfer: file token mismatch")
	// ErrUnknownDecryptPolicy indicates an unsupported decrypt policy name.
	ErrUnknownDecryptPolicy = errors.New("transfer: unknown decrypt policy")
)

// FileError reports a failure scoped to a single file.
type FileError struct {
	Name string
	Op   string
	Err  error
}

func (e *FileError) Error() string {
	return fmt.Sprintf("file %q: %s: %v", e.Name, e.Op, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// ChunkError reports a chunk that could not be decrypted.
type ChunkError struct {
	File  string
	Index int
	Err   error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("file %q: chunk %d: %v", e.File, e.Index, e.Err)
}

func (e *ChunkError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a control message that violates the transfer protocol.
type ProtocolError struct {
	Type   string
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	msg := "protocol violation"
	if e.Type != "" {
		msg += " in " + e.Type
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}
