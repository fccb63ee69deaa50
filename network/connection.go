package network

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ErrPongTimeout indicates keep-alive timed out waiting for pong.
var ErrPongTimeout = errors.New("network: pong timeout")

// ConnectionState represents the lifecycle state of one channel.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "CONNECTING"
	StateReady        ConnectionState = "READY"
	StateIdle         ConnectionState = "IDLE"
	StateDisconnected ConnectionState = "DISCONNECTED"
)

// ConnectionOptions controls runtime behavior of ConnChannel.
type ConnectionOptions struct {
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration
}

// ConnChannel is a Channel over a framed stream connection. Ping and pong
// frames are handled internally and never surface as events.
type ConnChannel struct {
	conn net.Conn

	sendMu sync.Mutex

	stateMu sync.RWMutex
	state   ConnectionState

	waitMu       sync.Mutex
	waitingPong  bool
	pongDeadline time.Time

	lastActivity atomic.Int64

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration
	frameReadTimeout  time.Duration

	events *eventQueue

	closeOnce sync.Once
	closed    chan struct{}

	errMu    sync.RWMutex
	closeErr error
}

// NewConnChannel wraps an established connection. The open event is emitted
// immediately.
func NewConnChannel(conn net.Conn, options ConnectionOptions) *ConnChannel {
	interval := options.KeepAliveInterval
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	timeout := options.KeepAliveTimeout
	if timeout <= 0 {
		timeout = DefaultKeepAliveTimeout
	}

	readTimeout := options.FrameReadTimeout
	if readTimeout <= 0 {
		readTimeout = DefaultFrameReadTimeout
	}

	cc := &ConnChannel{
		conn:              conn,
		keepAliveInterval: interval,
		keepAliveTimeout:  timeout,
		frameReadTimeout:  readTimeout,
		events:            newEventQueue(),
		closed:            make(chan struct{}),
		state:             StateConnecting,
	}

	cc.touchActivity()
	cc.setState(StateReady)
	cc.events.open()
	go cc.readLoop()
	go cc.keepAliveLoop()

	return cc
}

// RemoteAddr returns the peer address.
func (cc *ConnChannel) RemoteAddr() net.Addr {
	return cc.conn.RemoteAddr()
}

// State returns the current connection state.
func (cc *ConnChannel) State() ConnectionState {
	cc.stateMu.RLock()
	defer cc.stateMu.RUnlock()
	return cc.state
}

// Done is closed when the connection is fully disconnected.
func (cc *ConnChannel) Done() <-chan struct{} {
	return cc.closed
}

// LastError returns the terminal connection error, if any.
func (cc *ConnChannel) LastError() error {
	cc.errMu.RLock()
	defer cc.errMu.RUnlock()
	return cc.closeErr
}

// Events implements Channel.
func (cc *ConnChannel) Events() <-chan Event {
	return cc.events.events()
}

// Send implements Channel. It returns once the frame is written.
func (cc *ConnChannel) Send(msg Message) error {
	if msg.Kind != KindControl && msg.Kind != KindBinary {
		return ErrUnknownFrameKind
	}
	return cc.writeFrame(msg.Kind, msg.Data)
}

// Close implements Channel.
func (cc *ConnChannel) Close() error {
	cc.closeWithError(nil)
	return nil
}

func (cc *ConnChannel) writeFrame(kind MessageKind, payload []byte) error {
	if cc.State() == StateDisconnected {
		if err := cc.LastError(); err != nil {
			return fmt.Errorf("%w: %w", ErrChannelClosed, err)
		}
		return ErrChannelClosed
	}

	cc.sendMu.Lock()
	defer cc.sendMu.Unlock()
	if err := WriteFrame(cc.conn, kind, payload); err != nil {
		if errors.Is(err, ErrFrameTooLarge) {
			return err
		}
		cc.closeWithError(fmt.Errorf("write frame: %w", err))
		return fmt.Errorf("%w: %w", ErrChannelClosed, err)
	}

	cc.touchActivity()
	if kind != kindPing && kind != kindPong {
		cc.setState(StateReady)
	}
	return nil
}

func (cc *ConnChannel) readLoop() {
	for {
		select {
		case <-cc.closed:
			return
		default:
		}

		kind, payload, err := ReadFrameIdle(cc.conn, cc.frameReadTimeout)
		if err != nil {
			// Idle timeouts fire before any byte of the next frame is consumed.
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				cc.closeWithError(nil)
				return
			}

			cc.closeWithError(fmt.Errorf("read frame: %w", err))
			return
		}

		cc.touchActivity()

		switch kind {
		case kindPing:
			cc.setState(StateIdle)
			// Answered off the read loop so unbuffered transports cannot deadlock.
			go func() {
				_ = cc.writeFrame(kindPong, nil)
			}()
		case kindPong:
			cc.ackPong()
			cc.setState(StateIdle)
		default:
			cc.setState(StateReady)
			cc.events.message(Message{Kind: kind, Data: payload})
		}
	}
}

func (cc *ConnChannel) keepAliveLoop() {
	checkEvery := cc.keepAliveInterval / 2
	if checkEvery <= 0 {
		checkEvery = cc.keepAliveInterval
	}
	ticker := time.NewTicker(checkEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if cc.State() == StateDisconnected {
				return
			}

			if cc.waitingPongExpired() {
				cc.closeWithError(ErrPongTimeout)
				return
			}

			idleFor := time.Since(time.Unix(0, cc.lastActivity.Load()))
			if idleFor < cc.keepAliveInterval {
				continue
			}

			if cc.isWaitingPong() {
				continue
			}

			if err := cc.writeFrame(kindPing, nil); err != nil {
				return
			}
			cc.setWaitingPong(time.Now().Add(cc.keepAliveTimeout))
			cc.setState(StateIdle)
		case <-cc.closed:
			return
		}
	}
}

func (cc *ConnChannel) setState(state ConnectionState) {
	cc.stateMu.Lock()
	defer cc.stateMu.Unlock()
	cc.state = state
}

func (cc *ConnChannel) touchActivity() {
	cc.lastActivity.Store(time.Now().UnixNano())
}

func (cc *ConnChannel) setWaitingPong(deadline time.Time) {
	cc.waitMu.Lock()
	defer cc.waitMu.Unlock()
	cc.waitingPong = true
	cc.pongDeadline = deadline
}

func (cc *ConnChannel) ackPong() {
	cc.waitMu.Lock()
	defer cc.waitMu.Unlock()
	cc.waitingPong = false
	cc.pongDeadline = time.Time{}
}

func (cc *ConnChannel) isWaitingPong() bool {
	cc.waitMu.Lock()
	defer cc.waitMu.Unlock()
	return cc.waitingPong
}

func (cc *ConnChannel) waitingPongExpired() bool {
	cc.waitMu.Lock()
	defer cc.waitMu.Unlock()
	return cc.waitingPong && time.Now().After(cc.pongDeadline)
}

func (cc *ConnChannel) closeWithError(err error) {
	cc.closeOnce.Do(func() {
		cc.errMu.Lock()
		cc.closeErr = err
		cc.errMu.Unlock()

		cc.setState(StateDisconnected)
		_ = cc.conn.Close()
		close(cc.closed)
		cc.events.finish(err)
	})
}
