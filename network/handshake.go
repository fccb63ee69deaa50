package network

import (
	"errors"
	"fmt"
	"net"
	"time"
)

// Transport names negotiated in the rendezvous hello.
const (
	TransportTCP    = "tcp"
	TransportWebRTC = "webrtc"
)

const (
	helloStatusOK       = "ok"
	helloStatusRejected = "rejected"
)

var (
	// ErrPeerMismatch indicates a receiver asked for a peer ID this server does not serve.
	ErrPeerMismatch = errors.New("network: peer id mismatch")
	// ErrUnsupportedVersion indicates an incompatible rendezvous protocol version.
	ErrUnsupportedVersion = errors.New("network: unsupported protocol version")
	// ErrHelloRejected indicates the remote side refused the hello.
	ErrHelloRejected = errors.New("network: hello rejected")
)

// HandshakeOptions configures the rendezvous hello and resulting channel.
type HandshakeOptions struct {
	// PeerID is the sender identifier: served by Listen, requested by Dial.
	PeerID string
	// Transport is the data channel transport requested by the dialer.
	Transport string

	ConnectionTimeout time.Duration
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	FrameReadTimeout  time.Duration

	// DialAttempts bounds connection attempts made by Dial.
	DialAttempts  int
	DialRetryWait time.Duration
}

func (o HandshakeOptions) withDefaults() HandshakeOptions {
	out := o
	if out.Transport == "" {
		out.Transport = TransportTCP
	}
	if out.ConnectionTimeout <= 0 {
		out.ConnectionTimeout = DefaultConnectionTimeout
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.FrameReadTimeout <= 0 {
		out.FrameReadTimeout = DefaultFrameReadTimeout
	}
	if out.DialAttempts <= 0 {
		out.DialAttempts = 1
	}
	if out.DialRetryWait <= 0 {
		out.DialRetryWait = 500 * time.Millisecond
	}
	return out
}

func (o HandshakeOptions) validate() error {
	if o.PeerID == "" {
		return errors.New("peer id is required")
	}
	switch o.Transport {
	case TransportTCP, TransportWebRTC:
		return nil
	default:
		return fmt.Errorf("unsupported transport %q", o.Transport)
	}
}

func (o HandshakeOptions) connectionOptions() ConnectionOptions {
	return ConnectionOptions{
		KeepAliveInterval: o.KeepAliveInterval,
		KeepAliveTimeout:  o.KeepAliveTimeout,
		FrameReadTimeout:  o.FrameReadTimeout,
	}
}

// checkHello validates an inbound hello against the locally served peer ID.
func checkHello(hello Hello, peerID string) error {
	if hello.Type != TypeHello {
		return fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHello, hello.Type)
	}
	if hello.ProtocolVersion != ProtocolVersion {
		return fmt.Errorf("%w: got %d want %d", ErrUnsupportedVersion, hello.ProtocolVersion, ProtocolVersion)
	}
	if hello.PeerID != peerID {
		return fmt.Errorf("%w: %q", ErrPeerMismatch, hello.PeerID)
	}
	switch hello.Transport {
	case TransportTCP, TransportWebRTC:
		return nil
	default:
		return fmt.Errorf("unsupported transport %q", hello.Transport)
	}
}

// clientHello writes the hello frame and waits for the acknowledgement.
func clientHello(conn net.Conn, opts HandshakeOptions) error {
	if err := writeJSONFrame(conn, Hello{
		Type:            TypeHello,
		PeerID:          opts.PeerID,
		Transport:       opts.Transport,
		ProtocolVersion: ProtocolVersion,
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	var ack HelloAck
	if err := readJSONFrame(conn, opts.ConnectionTimeout, &ack); err != nil {
		return fmt.Errorf("read hello ack: %w", err)
	}
	if ack.Type != TypeHelloAck {
		return fmt.Errorf("%w: expected %q, got %q", ErrInvalidMessageType, TypeHelloAck, ack.Type)
	}
	if ack.Status != helloStatusOK {
		return fmt.Errorf("%w: %s", ErrHelloRejected, ack.Message)
	}
	return nil
}
