package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"peerdrop/crypto"
	"peerdrop/network"
)

// SenderState is the sender protocol state.
type SenderState uint8

const (
	SenderAwaitingConnection SenderState = iota + 1
	SenderExchangingKey
	SenderReady
	SenderSending
	SenderDisconnected
)

func (s SenderState) String() string {
	switch s {
	case SenderAwaitingConnection:
		return "awaiting-connection"
	case SenderExchangingKey:
		return "exchanging-key"
	case SenderReady:
		return "ready"
	case SenderSending:
		return "sending"
	case SenderDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// SenderSession streams queued files to one receiver.
type SenderSession struct {
	id   string
	ch   network.Channel
	opts Options
	log  logrus.FieldLogger
	obs  Observer

	mu     sync.Mutex
	state  SenderState
	cipher CipherSession
	queue  []File
	queued map[fileKey]struct{}
	err    error

	// sendMu serializes RequestSend so files never interleave.
	sendMu  sync.Mutex
	settled bool

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
}

// StartSenderSession begins the key exchange as soon as ch reports open.
func StartSenderSession(ctx context.Context, ch network.Channel, opts Options) (*SenderSession, error) {
	if ch == nil {
		return nil, errors.New("channel is required")
	}

	resolved := opts.withDefaults()
	s := &SenderSession{
		id:   resolved.SessionID,
		ch:   ch,
		opts: resolved,
		log: resolved.Logger.WithFields(logrus.Fields{
			"session": resolved.SessionID,
			"role":    RoleSender,
		}),
		obs:    resolved.Observer,
		state:  SenderAwaitingConnection,
		queued: make(map[fileKey]struct{}),
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	s.status(StatusConnecting, nil)
	go s.run(ctx)
	return s, nil
}

// ID returns the session identifier.
func (s *SenderSession) ID() string {
	return s.id
}

// State returns the current protocol state.
func (s *SenderSession) State() SenderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready reports whether the key has been sent and files may be sent.
func (s *SenderSession) Ready() bool {
	select {
	case <-s.ready:
		return true
	default:
		return false
	}
}

// Fingerprint returns the session key fingerprint once generated.
func (s *SenderSession) Fingerprint() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cipher == nil {
		return ""
	}
	return s.cipher.Fingerprint()
}

// Enqueue appends files to the send queue, skipping any already queued with
// the same name, size, and modification time. It returns the number added.
func (s *SenderSession) Enqueue(files ...File) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, file := range files {
		key := file.key()
		if _, ok := s.queued[key]; ok {
			s.log.WithField("file", file.Name).Debug("Skipping duplicate queued file")
			continue
		}
		s.queued[key] = struct{}{}
		s.queue = append(s.queue, file)
		added++
	}
	return added
}

// Queued returns the number of files waiting to be sent.
func (s *SenderSession) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Done is closed when the session has ended.
func (s *SenderSession) Done() <-chan struct{} {
	return s.done
}

// Err returns the terminal channel error, if any.
func (s *SenderSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Wait blocks until the session ends or ctx is done.
func (s *SenderSession) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel and waits for the session to end.
func (s *SenderSession) Close() error {
	err := s.ch.Close()
	<-s.done
	return err
}

// RequestSend waits up to the ready timeout for the key exchange, then sends
// every queued file in order. Files stay queued when the session is not ready.
func (s *SenderSession) RequestSend(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if err := s.awaitReady(ctx); err != nil {
		s.log.WithError(err).Warn("Send rejected")
		s.obs.Error(err)
		return err
	}

	files := s.takeQueue()
	if len(files) == 0 {
		return nil
	}

	if !s.settled && s.opts.SettleDelay > 0 {
		if err := sleepContext(ctx, s.opts.SettleDelay); err != nil {
			s.requeue(files)
			return err
		}
	}
	s.settled = true

	var errs []error
	for i, file := range files {
		if err := s.sendFile(ctx, file); err != nil {
			errs = append(errs, err)
			if s.channelGone(ctx, err) {
				abandoned := len(files) - i - 1
				if abandoned > 0 {
					s.log.WithField("files", abandoned).Error("Abandoning remaining queue")
				}
				break
			}
		}
	}

	s.mu.Lock()
	if s.state == SenderSending {
		s.state = SenderReady
	}
	s.mu.Unlock()

	return errors.Join(errs...)
}

func (s *SenderSession) awaitReady(ctx context.Context) error {
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}
	select {
	case <-s.ready:
		return nil
	default:
	}

	timer := time.NewTimer(s.opts.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return nil
	case <-s.done:
		return ErrNotConnected
	case <-timer.C:
		return ErrNotReady
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SenderSession) takeQueue() []File {
	s.mu.Lock()
	defer s.mu.Unlock()

	files := s.queue
	s.queue = nil
	for _, file := range files {
		delete(s.queued, file.key())
	}
	return files
}

func (s *SenderSession) requeue(files []File) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := make([]File, 0, len(files)+len(s.queue))
	for _, file := range files {
		key := file.key()
		if _, ok := s.queued[key]; ok {
			continue
		}
		s.queued[key] = struct{}{}
		merged = append(merged, file)
	}
	s.queue = append(merged, s.queue...)
}

func (s *SenderSession) sendFile(ctx context.Context, file File) error {
	s.mu.Lock()
	cipher := s.cipher
	if s.state == SenderReady {
		s.state = SenderSending
	}
	s.mu.Unlock()

	log := s.log.WithFields(logrus.Fields{
		"file": file.Name,
		"size": file.Size,
	})

	var fileID string
	if s.opts.FileTokens {
		fileID = uuid.NewString()
	}

	s.obs.FileStarted(file.Name, file.Size)
	log.Info("Sending file")

	if err := s.sendMetadata(ctx, log, network.MetadataMessage{
		Type:     network.TypeMetadata,
		Name:     file.Name,
		Size:     file.Size,
		MimeType: file.MimeType,
		FileID:   fileID,
	}); err != nil {
		return s.fileFailed(log, file, "send metadata", err)
	}

	slice := make([]byte, SliceSize)
	var offset int64
	for index := 0; offset < file.Size; index++ {
		if err := ctx.Err(); err != nil {
			return s.fileFailed(log, file, "send chunk", err)
		}

		n := min(int64(SliceSize), file.Size-offset)
		read, err := file.Content.ReadAt(slice[:n], offset)
		if int64(read) < n {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return s.fileFailed(log, file, "read slice", err)
		}

		ciphertext, err := cipher.Encrypt(slice[:n])
		if err != nil {
			return s.fileFailed(log, file, "encrypt slice", err)
		}
		if err := s.ch.Send(network.BinaryMessage(ciphertext)); err != nil {
			return s.fileFailed(log, file, "send chunk", err)
		}

		offset += n
		log.WithFields(logrus.Fields{
			"chunk":  index,
			"offset": offset,
		}).Debug("Chunk sent")
		s.obs.Progress(file.Name, Percent(offset, file.Size))
	}

	if err := network.SendJSON(s.ch, network.DoneMessage{Type: network.TypeDone, FileID: fileID}); err != nil {
		return s.fileFailed(log, file, "send done", err)
	}

	log.Info("File sent")
	s.obs.FileComplete(file.Name, nil)
	return nil
}

func (s *SenderSession) sendMetadata(ctx context.Context, log logrus.FieldLogger, msg network.MetadataMessage) error {
	payload, err := network.EncodeJSON(msg)
	if err != nil {
		return err
	}

	attempt := func() error {
		err := s.ch.Send(network.ControlMessage(payload))
		if err != nil && errors.Is(err, network.ErrChannelClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewConstantBackOff(s.opts.MetadataRetryDelay),
			uint64(s.opts.MetadataRetries-1),
		),
		ctx,
	)
	return backoff.RetryNotify(attempt, policy, func(err error, wait time.Duration) {
		log.WithError(err).WithField("retry_in", wait).Warn("Metadata send failed, retrying")
	})
}

func (s *SenderSession) fileFailed(log logrus.FieldLogger, file File, op string, err error) error {
	fileErr := &FileError{Name: file.Name, Op: op, Err: err}
	log.WithError(err).WithField("op", op).Error("File send failed")
	s.obs.Error(fileErr)
	return fileErr
}

// channelGone reports whether err means no further file can be sent.
func (s *SenderSession) channelGone(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, network.ErrChannelClosed) {
		return true
	}
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *SenderSession) run(ctx context.Context) {
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
			s.exchangeKey()
		case network.EventMessage:
			s.log.WithField("kind", ev.Message.Kind).Debug("Ignoring inbound message")
		case network.EventError:
			channelErr = ev.Err
		case network.EventClose:
		}
	}

	s.mu.Lock()
	s.state = SenderDisconnected
	s.err = channelErr
	s.mu.Unlock()

	if channelErr != nil {
		s.log.WithError(channelErr).Error("Channel failed")
		s.obs.Error(channelErr)
		s.status(StatusFailed, channelErr)
		return
	}
	s.log.Info("Channel closed")
	s.status(StatusClosed, nil)
}

func (s *SenderSession) exchangeKey() {
	s.mu.Lock()
	if s.cipher != nil {
		s.mu.Unlock()
		return
	}
	s.state = SenderExchangingKey
	s.mu.Unlock()

	cipher, err := s.opts.Ciphers.Generate(s.opts.Suite)
	if err != nil {
		s.keyExchangeFailed(fmt.Errorf("generate session key: %w", err))
		return
	}

	msg := network.KeyMessage{
		Type: network.TypeKey,
		Key:  cipher.ExportKey(),
		IV:   cipher.IV(),
	}
	// Browser peers only speak AES-GCM and expect no alg field.
	if cipher.Suite() != crypto.SuiteAESGCM {
		msg.Algorithm = string(cipher.Suite())
	}
	if err := network.SendJSON(s.ch, msg); err != nil {
		s.keyExchangeFailed(fmt.Errorf("send session key: %w", err))
		return
	}

	s.mu.Lock()
	s.cipher = cipher
	s.state = SenderReady
	s.mu.Unlock()
	s.readyOnce.Do(func() {
		close(s.ready)
	})

	s.log.WithFields(logrus.Fields{
		"suite":       cipher.Suite(),
		"fingerprint": cipher.Fingerprint(),
	}).Info("Session key sent")
	s.status(StatusSecured, nil)
}

func (s *SenderSession) keyExchangeFailed(err error) {
	s.log.WithError(err).Error("Key exchange failed")
	s.obs.Error(err)
	_ = s.ch.Close()
}

func (s *SenderSession) status(status Status, err error) {
	s.obs.ConnectionStatusChanged(StatusUpdate{
		SessionID:   s.id,
		Role:        RoleSender,
		Status:      status,
		Fingerprint: s.Fingerprint(),
		Err:         err,
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
