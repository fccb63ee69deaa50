package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/crypto"
	"peerdrop/network"
	"peerdrop/transfer"
)

func TestRecorderPersistsSessionsAndTransfers(t *testing.T) {
	store := newTestStore(t)
	logger, hook := logtest.NewNullLogger()
	sessionLogger, _ := logtest.NewNullLogger()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	senderEnd, receiverEnd := network.Pipe()
	receiverRec := NewRecorder(store, logger)
	senderRec := NewRecorder(store, logger)

	receiver, err := transfer.StartReceiverSession(ctx, receiverEnd, "peer-1", transfer.Options{
		Logger:   sessionLogger,
		Observer: receiverRec,
	})
	require.NoError(t, err)
	sender, err := transfer.StartSenderSession(ctx, senderEnd, transfer.Options{
		Logger:     sessionLogger,
		Observer:   senderRec,
		FileTokens: true,
	})
	require.NoError(t, err)

	sender.Enqueue(
		transfer.NewFile("notes.txt", "text/plain", []byte("hello")),
		transfer.NewFile("blob.bin", "application/octet-stream", make([]byte, 3*transfer.SliceSize)),
	)
	require.NoError(t, sender.RequestSend(ctx))

	require.Eventually(t, func() bool {
		received, err := store.ListTransfers(TransferFilter{SessionID: receiver.ID(), Status: TransferStatusComplete})
		return err == nil && len(received) == 2
	}, 2*time.Second, 10*time.Millisecond)

	receiverRec.RecordSaved("notes.txt", "/tmp/notes.txt")
	require.NoError(t, sender.Close())
	require.NoError(t, receiver.Wait(ctx))

	sent, err := store.ListTransfers(TransferFilter{SessionID: sender.ID()})
	require.NoError(t, err)
	require.Len(t, sent, 2)
	for _, row := range sent {
		assert.Equal(t, DirectionSend, row.Direction)
		assert.Equal(t, TransferStatusComplete, row.Status)
	}

	received, err := store.ListTransfers(TransferFilter{SessionID: receiver.ID(), Direction: DirectionReceive})
	require.NoError(t, err)
	require.Len(t, received, 2)
	byName := map[string]Transfer{}
	for _, row := range received {
		byName[row.FileName] = row
	}
	assert.Equal(t, "text/plain", byName["notes.txt"].MimeType)
	assert.NotEmpty(t, byName["notes.txt"].FileToken)
	assert.Equal(t, "/tmp/notes.txt", byName["notes.txt"].StoredPath)
	assert.Equal(t, int64(3*transfer.SliceSize), byName["blob.bin"].FileSize)
	assert.Equal(t, 100, byName["blob.bin"].Progress)

	session, err := store.GetSession(receiver.ID())
	require.NoError(t, err)
	assert.Equal(t, RoleReceiver, session.Role)
	assert.Equal(t, "peer-1", session.PeerID)
	assert.Equal(t, transfer.StatusClosed.String(), session.Status)
	assert.Equal(t, receiver.Fingerprint(), session.Fingerprint)

	assert.Empty(t, hook.AllEntries(), "recorder should not log write failures")
}

func TestRecorderClassifiesErrors(t *testing.T) {
	store := newTestStore(t)
	logger, _ := logtest.NewNullLogger()
	rec := NewRecorder(store, logger)

	rec.ConnectionStatusChanged(transfer.StatusUpdate{
		SessionID: "s-err",
		Role:      transfer.RoleReceiver,
		PeerID:    "peer-9",
		Status:    transfer.StatusConnecting,
	})
	rec.FileStarted("bad.bin", 100)

	rec.Error(&transfer.ChunkError{File: "bad.bin", Index: 2, Err: crypto.ErrAuthentication})
	rec.Error(&transfer.ProtocolError{Type: network.TypeDone, Err: transfer.ErrNoActiveFile})
	rec.Error(&transfer.ProtocolError{Type: network.TypeDone, Reason: "id differs", Err: transfer.ErrFileTokenMismatch})
	rec.Error(&transfer.FileError{
		Name: "bad.bin",
		Op:   "decrypt chunk",
		Err:  &transfer.ChunkError{File: "bad.bin", Index: 3, Err: crypto.ErrAuthentication},
	})
	rec.Error(errors.New("unrelated"))

	events, err := store.ListSecurityEvents(SecurityEventFilter{SessionID: "s-err"})
	require.NoError(t, err)
	counts := map[string]int{}
	for _, event := range events {
		counts[event.EventType]++
	}
	assert.Equal(t, map[string]int{
		EventChunkAuthFailed:   2,
		EventProtocolViolation: 1,
		EventFileTokenMismatch: 1,
	}, counts)

	rows, err := store.ListTransfers(TransferFilter{SessionID: "s-err"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, TransferStatusFailed, rows[0].Status)
	assert.Contains(t, rows[0].Error, "decrypt chunk")
}

func TestRecorderLogsWriteFailures(t *testing.T) {
	store := newTestStore(t)
	logger, hook := logtest.NewNullLogger()
	rec := NewRecorder(store, logger)

	// No status update has named the session yet.
	rec.FileStarted("orphan.txt", 1)

	require.NotEmpty(t, hook.AllEntries())
	last := hook.LastEntry()
	assert.Equal(t, "Failed to record transfer start", last.Message)
	assert.Contains(t, fmt.Sprint(last.Data["error"]), "session_id is required")
}
