package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peerdrop/config"
	"peerdrop/models"
	"peerdrop/network"
	"peerdrop/storage"
)

type testApp struct {
	*app
	buf *bytes.Buffer
}

func newTestApp(t *testing.T, dataDir string) testApp {
	t.Helper()
	t.Setenv(config.DataDirEnv, "")

	logger, _ := logtest.NewNullLogger()
	buf := &bytes.Buffer{}
	a := &app{log: logger, out: buf}
	require.NoError(t, a.setup(dataDir))
	t.Cleanup(a.close)
	return testApp{app: a, buf: buf}
}

type listening struct {
	peerID string
	addr   string
}

func TestSendReceiveOverTCP(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	sender := newTestApp(t, t.TempDir())
	receiver := newTestApp(t, t.TempDir())

	srcDir := t.TempDir()
	small := filepath.Join(srcDir, "notes.txt")
	large := filepath.Join(srcDir, "blob.bin")
	largeData := bytes.Repeat([]byte("0123456789abcdef"), 3000)
	require.NoError(t, os.WriteFile(small, []byte("hello receiver"), 0o600))
	require.NoError(t, os.WriteFile(large, largeData, 0o600))

	ready := make(chan listening, 1)
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- runSend(ctx, sender.app, []string{small, large}, sendOptions{
			listen:     "127.0.0.1:0",
			fileTokens: true,
			onListening: func(peerID string, addr net.Addr) {
				ready <- listening{peerID: peerID, addr: addr.String()}
			},
		})
	}()

	var l listening
	select {
	case l = <-ready:
	case err := <-sendErr:
		t.Fatalf("sender exited early: %v", err)
	case <-ctx.Done():
		t.Fatalf("sender never started listening")
	}

	outDir := filepath.Join(t.TempDir(), "inbox")
	err := runReceive(ctx, receiver.app, l.peerID, receiveOptions{
		addr:      l.addr,
		transport: network.TransportTCP,
		outputDir: outDir,
	})
	require.NoError(t, err)
	require.NoError(t, <-sendErr)

	got, err := os.ReadFile(filepath.Join(outDir, "notes.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello receiver", string(got))
	got, err = os.ReadFile(filepath.Join(outDir, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, largeData, got)

	assert.Contains(t, sender.buf.String(), "Peer ID:   "+l.peerID)
	assert.Contains(t, sender.buf.String(), "Sent 2 file(s).")
	assert.Contains(t, receiver.buf.String(), "Key fingerprint:")
	assert.Contains(t, receiver.buf.String(), "Received 2 file(s) into "+outDir)

	receiver.buf.Reset()
	require.NoError(t, runHistory(receiver.app, historyOptions{json: true, limit: 10}))
	var history []models.Transfer
	require.NoError(t, json.Unmarshal(receiver.buf.Bytes(), &history))
	require.Len(t, history, 2)
	for _, entry := range history {
		assert.Equal(t, storage.DirectionReceive, entry.Direction)
		assert.Equal(t, storage.TransferStatusComplete, entry.Status)
		assert.Equal(t, l.peerID, entry.PeerID)
		assert.NotEmpty(t, entry.FileToken)
		assert.Equal(t, outDir, filepath.Dir(entry.StoredPath))
	}

	sent, err := sender.store.ListTransfers(storage.TransferFilter{Direction: storage.DirectionSend})
	require.NoError(t, err)
	assert.Len(t, sent, 2)
}

func TestSendRejectsMissingFile(t *testing.T) {
	a := newTestApp(t, t.TempDir())
	missing := filepath.Join(t.TempDir(), "nope.txt")

	err := runSend(context.Background(), a.app, []string{missing}, sendOptions{listen: "127.0.0.1:0"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), missing)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSendStopsWhenContextEnds(t *testing.T) {
	a := newTestApp(t, t.TempDir())
	src := filepath.Join(t.TempDir(), "a.txt")
	require.NoError(t, os.WriteFile(src, []byte("a"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	err := runSend(ctx, a.app, []string{src}, sendOptions{
		listen:      "127.0.0.1:0",
		onListening: func(string, net.Addr) { cancel() },
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiveValidatesArguments(t *testing.T) {
	a := newTestApp(t, t.TempDir())

	err := runReceive(context.Background(), a.app, "  ", receiveOptions{addr: "127.0.0.1:1"})
	assert.EqualError(t, err, "peer ID is required")

	err = runReceive(context.Background(), a.app, "peer-1", receiveOptions{addr: "127.0.0.1:1", transport: "carrier-pigeon"})
	assert.EqualError(t, err, `unsupported transport "carrier-pigeon"`)
}

func TestDataChannelSelection(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	conn := network.NewConnChannel(local, network.ConnectionOptions{})
	defer conn.Close()

	called := false
	negotiate := func(context.Context, network.Channel, network.WebRTCConfig) (*network.DataChannel, error) {
		called = true
		return nil, errors.New("ice failed")
	}

	ch, err := dataChannel(context.Background(), conn, network.TransportTCP, negotiate, nil)
	require.NoError(t, err)
	assert.Same(t, conn, ch)
	assert.False(t, called)

	_, err = dataChannel(context.Background(), conn, network.TransportWebRTC, negotiate, []string{"stun:example.org:3478"})
	require.Error(t, err)
	assert.True(t, called)
	assert.Contains(t, err.Error(), "negotiate data channel: ice failed")
	assert.Equal(t, network.StateDisconnected, conn.State())
}

func TestRootCommandHistoryJSON(t *testing.T) {
	t.Setenv(config.DataDirEnv, "")
	dataDir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	var out bytes.Buffer
	root := NewRootCommand(&out, logger)
	root.SetArgs([]string{"--data-dir", dataDir, "history", "--json"})
	require.NoError(t, root.Execute())

	assert.JSONEq(t, "[]", out.String())
	assert.FileExists(t, config.ConfigPath(dataDir))
	assert.FileExists(t, filepath.Join(dataDir, storage.DefaultDBFileName))
}

func TestRootCommandRejectsBadArgs(t *testing.T) {
	t.Setenv(config.DataDirEnv, "")
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	var out bytes.Buffer
	root := NewRootCommand(&out, logger)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--data-dir", t.TempDir(), "receive"})
	assert.Error(t, root.Execute())

	root = NewRootCommand(&out, logger)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"--data-dir", t.TempDir(), "history", "--direction", "sideways"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "list transfers")
}

func TestHistorySecurityEvents(t *testing.T) {
	a := newTestApp(t, t.TempDir())
	assert.Equal(t, a.cfg.SecurityEventRetention(), a.store.SecurityEventRetention())

	session := "session-0123456789"
	now := time.Now().UnixMilli()
	require.NoError(t, a.store.LogSecurityEvent(storage.SecurityEvent{
		EventType: storage.EventProtocolViolation,
		SessionID: &session,
		Details:   `{"type":"done","reason":"no active file"}`,
		Severity:  storage.SecuritySeverityWarning,
		Timestamp: now - 1_000,
	}))
	require.NoError(t, a.store.LogSecurityEvent(storage.SecurityEvent{
		EventType: storage.EventFileTokenMismatch,
		SessionID: &session,
		Severity:  storage.SecuritySeverityCritical,
		Timestamp: now,
	}))
	require.NoError(t, a.store.LogSecurityEvent(storage.SecurityEvent{
		EventType: storage.EventChunkAuthFailed,
		Details:   `{"chunk":4,"file":"a.bin"}`,
		Timestamp: now - 2_000,
	}))

	require.NoError(t, runSecurityHistory(a.app, historyOptions{json: true, limit: 10, severity: storage.SecuritySeverityWarning}))
	var events []models.SecurityEvent
	require.NoError(t, json.Unmarshal(a.buf.Bytes(), &events))
	require.Len(t, events, 2)
	assert.Equal(t, storage.EventFileTokenMismatch, events[0].Type)
	assert.Equal(t, session, events[0].SessionID)
	assert.JSONEq(t, `{}`, string(events[0].Details))
	assert.JSONEq(t, `{"type":"done","reason":"no active file"}`, string(events[1].Details))

	a.buf.Reset()
	require.NoError(t, runSecurityHistory(a.app, historyOptions{limit: 10}))
	out := a.buf.String()
	assert.Contains(t, out, "SEVERITY")
	assert.Contains(t, out, "file_token_mismatch")
	assert.Contains(t, out, "session-")
	assert.Contains(t, out, "chunk=4 file=a.bin")

	a.buf.Reset()
	require.NoError(t, runSecurityHistory(a.app, historyOptions{limit: 10, session: "other"}))
	assert.Equal(t, "No security events in the last 90 days.\n", a.buf.String())

	err := runSecurityHistory(a.app, historyOptions{severity: "loud"})
	assert.ErrorContains(t, err, "list security events")
	err = runSecurityHistory(a.app, historyOptions{direction: storage.DirectionSend})
	assert.EqualError(t, err, "--direction does not apply to security events")
	err = runHistory(a.app, historyOptions{severity: storage.SecuritySeverityCritical})
	assert.EqualError(t, err, "--severity requires --security")
}

func TestRootCommandAppliesSecurityRetention(t *testing.T) {
	t.Setenv(config.DataDirEnv, "")
	dataDir := t.TempDir()
	logger := logrus.New()
	logger.SetOutput(&bytes.Buffer{})

	require.NoError(t, os.MkdirAll(dataDir, 0o700))
	cfg := &config.Config{SecurityEventRetentionDays: 1}
	require.NoError(t, config.Save(config.ConfigPath(dataDir), cfg))

	store, _, err := storage.Open(dataDir)
	require.NoError(t, err)
	require.NoError(t, store.LogSecurityEvent(storage.SecurityEvent{
		EventType: storage.EventChunkAuthFailed,
		Severity:  storage.SecuritySeverityCritical,
		Timestamp: time.Now().Add(-72 * time.Hour).UnixMilli(),
	}))
	require.NoError(t, store.LogSecurityEvent(storage.SecurityEvent{
		EventType: storage.EventProtocolViolation,
		Severity:  storage.SecuritySeverityCritical,
	}))
	require.NoError(t, store.Close())

	var out bytes.Buffer
	root := NewRootCommand(&out, logger)
	root.SetArgs([]string{"--data-dir", dataDir, "history", "--security", "--severity", "critical", "--json"})
	require.NoError(t, root.Execute())

	var events []models.SecurityEvent
	require.NoError(t, json.Unmarshal(out.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, storage.EventProtocolViolation, events[0].Type)
}
