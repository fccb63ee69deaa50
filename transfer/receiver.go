package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"peerdrop/crypto"
	"peerdrop/network"
)

// ReceiverState is the receiver protocol state.
type ReceiverState uint8

const (
	ReceiverAwaitingKey ReceiverState = iota + 1
	ReceiverReadyForMetadata
	ReceiverReceivingFile
	ReceiverFileComplete
	ReceiverFailed
	ReceiverDisconnected
)

func (s ReceiverState) String() string {
	switch s {
	case ReceiverAwaitingKey:
		return "awaiting-key"
	case ReceiverReadyForMetadata:
		return "ready-for-metadata"
	case ReceiverReceivingFile:
		return "receiving-file"
	case ReceiverFileComplete:
		return "file-complete"
	case ReceiverFailed:
		return "failed"
	case ReceiverDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type inboundFile struct {
	name     string
	size     int64
	mimeType string
	fileID   string

	chunks   [][]byte
	received int64
	index    int
	failed   error
}

// Receiver is the receiving protocol core. Handle must be called from a
// single goroutine, in channel arrival order.
type Receiver struct {
	opts Options
	log  logrus.FieldLogger
	obs  Observer

	state   ReceiverState
	cipher  CipherSession
	current *inboundFile
	pending [][]byte

	completed int
}

// NewReceiver returns a receiver awaiting key material.
func NewReceiver(opts Options) *Receiver {
	resolved := opts.withDefaults()
	return &Receiver{
		opts: resolved,
		log: resolved.Logger.WithFields(logrus.Fields{
			"session": resolved.SessionID,
			"role":    RoleReceiver,
		}),
		obs:   resolved.Observer,
		state: ReceiverAwaitingKey,
	}
}

// State returns the current protocol state.
func (r *Receiver) State() ReceiverState {
	return r.state
}

// Pending returns the number of buffered ciphertext chunks.
func (r *Receiver) Pending() int {
	return len(r.pending)
}

// Completed returns the number of files delivered to the observer.
func (r *Receiver) Completed() int {
	return r.completed
}

// Fingerprint returns the imported key fingerprint, or "" before the key arrives.
func (r *Receiver) Fingerprint() string {
	if r.cipher == nil {
		return ""
	}
	return r.cipher.Fingerprint()
}

// Handle processes one inbound message.
func (r *Receiver) Handle(msg network.Message) {
	switch msg.Kind {
	case network.KindBinary:
		r.pending = append(r.pending, msg.Data)
		r.log.WithField("pending", len(r.pending)).Debug("Buffered chunk")
		r.drain()
	case network.KindControl:
		r.handleControl(msg.Data)
	default:
		r.log.WithField("kind", msg.Kind).Warn("Dropping message of unknown kind")
	}
}

func (r *Receiver) handleControl(payload []byte) {
	msgType, err := network.DecodeMessageType(payload)
	if err != nil {
		r.violation(&ProtocolError{Reason: "unparseable control message", Err: err})
		return
	}

	if r.cipher == nil && msgType != network.TypeKey && msgType != network.TypeLegacyKey {
		r.log.WithField("type", msgType).Debug("Ignoring control message before key exchange")
		return
	}

	switch msgType {
	case network.TypeKey, network.TypeLegacyKey:
		r.handleKey(msgType, payload)
	case network.TypeMetadata:
		r.handleMetadata(payload)
	case network.TypeDone:
		r.handleDone(payload)
	default:
		r.log.WithField("type", msgType).Debug("Ignoring unknown control message")
	}
}

func (r *Receiver) handleKey(msgType string, payload []byte) {
	if r.cipher != nil {
		r.log.Warn("Ignoring repeated key message")
		return
	}

	var msg network.KeyMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.violation(&ProtocolError{Type: msgType, Reason: "malformed key message", Err: err})
		return
	}

	suite := r.opts.Suite
	if msg.Algorithm != "" {
		parsed, err := crypto.ParseSuite(msg.Algorithm)
		if err != nil {
			r.violation(&ProtocolError{Type: msgType, Reason: "unsupported cipher suite", Err: err})
			return
		}
		suite = parsed
	}

	cipher, err := r.opts.Ciphers.Import(suite, msg.Key, msg.IV)
	if err != nil {
		r.violation(&ProtocolError{Type: msgType, Reason: "key import failed", Err: err})
		return
	}

	r.cipher = cipher
	r.state = ReceiverReadyForMetadata
	r.log.WithFields(logrus.Fields{
		"suite":       suite,
		"fingerprint": cipher.Fingerprint(),
	}).Info("Session key imported")
	r.obs.ConnectionStatusChanged(StatusUpdate{
		SessionID:   r.opts.SessionID,
		Role:        RoleReceiver,
		Status:      StatusSecured,
		Fingerprint: cipher.Fingerprint(),
	})

	r.drain()
}

func (r *Receiver) handleMetadata(payload []byte) {
	var msg network.MetadataMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.violation(&ProtocolError{Type: network.TypeMetadata, Reason: "malformed metadata", Err: err})
		return
	}
	if msg.Size < 0 {
		r.violation(&ProtocolError{Type: network.TypeMetadata, Reason: fmt.Sprintf("negative size %d", msg.Size)})
		return
	}

	if r.current != nil {
		r.log.WithFields(logrus.Fields{
			"file":     r.current.name,
			"received": r.current.received,
		}).Warn("Discarding incomplete file superseded by new metadata")
	}

	r.current = &inboundFile{
		name:     msg.Name,
		size:     msg.Size,
		mimeType: msg.ContentType(),
		fileID:   msg.FileID,
	}
	r.state = ReceiverReceivingFile
	r.log.WithFields(logrus.Fields{
		"file":      msg.Name,
		"size":      msg.Size,
		"mime_type": r.current.mimeType,
		"pending":   len(r.pending),
	}).Info("Receiving file")
	r.obs.FileStarted(msg.Name, msg.Size)

	r.drain()
}

func (r *Receiver) handleDone(payload []byte) {
	var msg network.DoneMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.violation(&ProtocolError{Type: network.TypeDone, Reason: "malformed done message", Err: err})
		return
	}

	file := r.current
	if file == nil {
		r.violation(&ProtocolError{Type: network.TypeDone, Err: ErrNoActiveFile})
		return
	}
	r.current = nil
	r.state = ReceiverReadyForMetadata

	log := r.log.WithField("file", file.name)
	if file.failed != nil {
		log.WithError(file.failed).Warn("Discarding failed file")
		return
	}
	if file.fileID != "" && msg.FileID != "" && file.fileID != msg.FileID {
		r.violation(&ProtocolError{
			Type:   network.TypeDone,
			Reason: fmt.Sprintf("file %q announced as %s, finished as %s", file.name, file.fileID, msg.FileID),
			Err:    ErrFileTokenMismatch,
		})
		return
	}

	artifact := &Artifact{
		Name:     file.name,
		MimeType: file.mimeType,
		Data:     bytes.Join(file.chunks, nil),
		FileID:   file.fileID,
	}
	if artifact.Data == nil {
		artifact.Data = []byte{}
	}
	if artifact.Size() != file.size {
		log.WithFields(logrus.Fields{
			"expected": file.size,
			"received": artifact.Size(),
		}).Warn("Reassembled size differs from announced size")
	}

	r.completed++
	r.state = ReceiverFileComplete
	log.WithField("size", artifact.Size()).Info("File complete")
	r.obs.FileComplete(file.name, artifact)
}

// drain decrypts every buffered chunk in arrival order once both the key and
// the current file are known.
func (r *Receiver) drain() {
	if r.cipher == nil || r.current == nil {
		return
	}

	for len(r.pending) > 0 {
		blob := r.pending[0]
		r.pending[0] = nil
		r.pending = r.pending[1:]
		r.consume(blob)
	}
	r.pending = nil
}

func (r *Receiver) consume(ciphertext []byte) {
	file := r.current
	index := file.index
	file.index++

	if file.failed != nil {
		return
	}

	plaintext, err := r.cipher.Decrypt(ciphertext)
	if err != nil {
		chunkErr := &ChunkError{File: file.name, Index: index, Err: err}
		r.log.WithError(err).WithFields(logrus.Fields{
			"file":   file.name,
			"chunk":  index,
			"policy": r.opts.DecryptPolicy,
		}).Warn("Chunk decryption failed")

		if r.opts.DecryptPolicy == DecryptFailFast {
			file.failed = chunkErr
			r.obs.Error(&FileError{Name: file.name, Op: "decrypt", Err: chunkErr})
			return
		}
		r.obs.Error(chunkErr)
		return
	}

	file.chunks = append(file.chunks, plaintext)
	file.received += int64(len(plaintext))
	r.log.WithFields(logrus.Fields{
		"file":     file.name,
		"chunk":    index,
		"received": file.received,
	}).Debug("Chunk decrypted")
	r.obs.Progress(file.name, Percent(file.received, file.size))
}

func (r *Receiver) violation(err *ProtocolError) {
	r.log.WithError(err).Warn("Protocol violation")
	r.obs.Error(err)
}

// ReceiverSession runs a Receiver against one channel.
type ReceiverSession struct {
	id     string
	peerID string
	ch     network.Channel
	core   *Receiver
	log    logrus.FieldLogger
	obs    Observer

	mu          sync.RWMutex
	state       ReceiverState
	fingerprint string
	err         error

	done chan struct{}
}

// StartReceiverSession consumes ch until it closes or ctx is cancelled.
// peerID names the sender for status reporting.
func StartReceiverSession(ctx context.Context, ch network.Channel, peerID string, opts Options) (*ReceiverSession, error) {
	if ch == nil {
		return nil, errors.New("channel is required")
	}

	resolved := opts.withDefaults()
	s := &ReceiverSession{
		id:     resolved.SessionID,
		peerID: peerID,
		ch:     ch,
		core:   NewReceiver(resolved),
		log: resolved.Logger.WithFields(logrus.Fields{
			"session": resolved.SessionID,
			"role":    RoleReceiver,
			"peer":    peerID,
		}),
		obs:   resolved.Observer,
		state: ReceiverAwaitingKey,
		done:  make(chan struct{}),
	}

	s.status(StatusConnecting, nil)
	go s.run(ctx)
	return s, nil
}

// ID returns the session identifier.
func (s *ReceiverSession) ID() string {
	return s.id
}

// State returns the last observed protocol state.
func (s *ReceiverSession) State() ReceiverState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Fingerprint returns the session key fingerprint once known.
func (s *ReceiverSession) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fingerprint
}

// Done is closed when the session has ended.
func (s *ReceiverSession) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal session error, if any.
func (s *ReceiverSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Wait blocks until the session ends or ctx is done.
func (s *ReceiverSession) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel and waits for the session to end.
func (s *ReceiverSession) Close() error {
	err := s.ch.Close()
	<-s.done
	return err
}

func (s *ReceiverSession) run(ctx context.Context) {
	defer close(s.done)

	stop := context.AfterFunc(ctx, func() {
		_ = s.ch.Close()
	})
	defer stop()

	var channelErr error
	for ev := range s.ch.Events() {
		switch ev.Type {
		case network.EventOpen:
			s.log.Info("Channel open")
			s.status(StatusConnected, nil)
		case network.EventMessage:
			s.core.Handle(ev.Message)
			s.snapshot()
		case network.EventError:
			channelErr = ev.Err
		case network.EventClose:
		}
	}

	if channelErr == nil && ctx.Err() != nil {
		channelErr = ctx.Err()
	}
	s.finish(channelErr)
}

func (s *ReceiverSession) snapshot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = s.core.State()
	s.fingerprint = s.core.Fingerprint()
}

func (s *ReceiverSession) finish(channelErr error) {
	completed := s.core.Completed()

	switch {
	case channelErr == nil:
		s.setTerminal(ReceiverDisconnected, nil)
		s.log.WithField("files", completed).Info("Channel closed")
		s.status(StatusClosed, nil)
	case completed > 0:
		s.setTerminal(ReceiverDisconnected, nil)
		s.log.WithError(channelErr).WithField("files", completed).Info("Channel closed after transfer")
		s.status(StatusClosedAfterTransfer, channelErr)
	default:
		err := fmt.Errorf("receive from %s: %w", s.peerID, channelErr)
		s.setTerminal(ReceiverFailed, err)
		s.log.WithError(channelErr).Error("Channel failed")
		s.obs.Error(err)
		s.status(StatusFailed, err)
	}
}

func (s *ReceiverSession) setTerminal(state ReceiverState, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.err = err
}

func (s *ReceiverSession) status(status Status, err error) {
	s.obs.ConnectionStatusChanged(StatusUpdate{
		SessionID:   s.id,
		Role:        RoleReceiver,
		PeerID:      s.peerID,
		Status:      status,
		Fingerprint: s.Fingerprint(),
		Err:         err,
	})
}
