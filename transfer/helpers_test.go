package transfer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"peerdrop/crypto"
	"peerdrop/network"
)

func quietLogger() logrus.FieldLogger {
	logger, _ := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return logger
}

type recordingObserver struct {
	mu        sync.Mutex
	statuses  []StatusUpdate
	started   []string
	progress  map[string][]int
	completed []string
	artifacts []*Artifact
	errs      []error
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{progress: make(map[string][]int)}
}

func (o *recordingObserver) ConnectionStatusChanged(update StatusUpdate) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, update)
}

func (o *recordingObserver) FileStarted(name string, size int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, name)
}

func (o *recordingObserver) Progress(name string, percent int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.progress[name] = append(o.progress[name], percent)
}

func (o *recordingObserver) FileComplete(name string, artifact *Artifact) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.completed = append(o.completed, name)
	if artifact != nil {
		o.artifacts = append(o.artifacts, artifact)
	}
}

func (o *recordingObserver) Error(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errs = append(o.errs, err)
}

func (o *recordingObserver) Artifacts() []*Artifact {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*Artifact(nil), o.artifacts...)
}

func (o *recordingObserver) Errors() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.errs...)
}

func (o *recordingObserver) Started() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.started...)
}

func (o *recordingObserver) Completed() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.completed...)
}

func (o *recordingObserver) ProgressOf(name string) []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.progress[name]...)
}

func (o *recordingObserver) Statuses() []Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Status, 0, len(o.statuses))
	for _, update := range o.statuses {
		out = append(out, update.Status)
	}
	return out
}

// opLog records the interleaving of cipher and channel operations.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, fmt.Sprintf(format, args...))
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type recordingCipher struct {
	CipherSession
	ops *opLog
}

func (c *recordingCipher) Encrypt(plaintext []byte) ([]byte, error) {
	c.ops.add("encrypt %d", len(plaintext))
	return c.CipherSession.Encrypt(plaintext)
}

type recordingCiphers struct {
	ops *opLog
}

func (f recordingCiphers) Generate(suite crypto.Suite) (CipherSession, error) {
	session, err := crypto.NewSession(suite)
	if err != nil {
		return nil, err
	}
	return &recordingCipher{CipherSession: session, ops: f.ops}, nil
}

func (f recordingCiphers) Import(suite crypto.Suite, key, iv []byte) (CipherSession, error) {
	session, err := crypto.ImportSession(suite, key, iv)
	if err != nil {
		return nil, err
	}
	return &recordingCipher{CipherSession: session, ops: f.ops}, nil
}

// recordingChannel is a scripted network.Channel that records every send.
type recordingChannel struct {
	ops    *opLog
	events chan network.Event

	mu                sync.Mutex
	sent              []network.Message
	closed            bool
	failControlSends  int
	failBinaryAt      int
	closeOnBinaryFail bool
	binarySends       int
	sendDelay         time.Duration
}

func newRecordingChannel(ops *opLog) *recordingChannel {
	return &recordingChannel{
		ops:          ops,
		events:       make(chan network.Event, 16),
		failBinaryAt: -1,
	}
}

func (c *recordingChannel) open() {
	c.events <- network.Event{Type: network.EventOpen}
}

func (c *recordingChannel) Events() <-chan network.Event {
	return c.events
}

func (c *recordingChannel) Send(msg network.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return network.ErrChannelClosed
	}

	switch msg.Kind {
	case network.KindControl:
		msgType, _ := network.DecodeMessageType(msg.Data)
		if msgType == network.TypeMetadata && c.failControlSends > 0 {
			c.failControlSends--
			c.ops.add("send-fail %s", msgType)
			return fmt.Errorf("transient send failure")
		}
		c.ops.add("send %s", msgType)
	case network.KindBinary:
		index := c.binarySends
		c.binarySends++
		if index == c.failBinaryAt {
			c.ops.add("send-fail binary %d", index)
			if c.closeOnBinaryFail {
				c.closeLocked()
				return network.ErrChannelClosed
			}
			return fmt.Errorf("binary send failure")
		}
		c.ops.add("send-begin binary %d", index)
		if c.sendDelay > 0 {
			time.Sleep(c.sendDelay)
		}
		c.ops.add("send-end binary %d", index)
	}

	c.sent = append(c.sent, network.Message{Kind: msg.Kind, Data: append([]byte(nil), msg.Data...)})
	return nil
}

func (c *recordingChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *recordingChannel) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	c.events <- network.Event{Type: network.EventClose}
	close(c.events)
}

func (c *recordingChannel) Sent() []network.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]network.Message(nil), c.sent...)
}

func controlOf(t *testing.T, v any) network.Message {
	t.Helper()
	payload, err := network.EncodeJSON(v)
	require.NoError(t, err)
	return network.ControlMessage(payload)
}

func keyMessageFor(t *testing.T, session *crypto.Session) network.Message {
	t.Helper()
	return controlOf(t, network.KeyMessage{
		Type: network.TypeKey,
		Key:  session.ExportKey(),
		IV:   session.IV(),
	})
}

func metadataMessage(t *testing.T, name string, size int64, mimeType string) network.Message {
	t.Helper()
	return controlOf(t, network.MetadataMessage{
		Type:     network.TypeMetadata,
		Name:     name,
		Size:     size,
		MimeType: mimeType,
	})
}

func doneMessage(t *testing.T) network.Message {
	t.Helper()
	return controlOf(t, network.DoneMessage{Type: network.TypeDone})
}

func chunkMessage(t *testing.T, session *crypto.Session, plaintext []byte) network.Message {
	t.Helper()
	ciphertext, err := session.Encrypt(plaintext)
	require.NoError(t, err)
	return network.BinaryMessage(ciphertext)
}

func newKeySession(t *testing.T) *crypto.Session {
	t.Helper()
	session, err := crypto.NewSession(crypto.SuiteAESGCM)
	require.NoError(t, err)
	return session
}

func patterned(size int) []byte {
	out := make([]byte, size)
	for i := range out {
		out[i] = byte(i*7 + i/251)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}
