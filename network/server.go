package network

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Incoming is one accepted rendezvous connection.
type Incoming struct {
	Channel   *ConnChannel
	Transport string
}

// Server accepts inbound TCP rendezvous connections for one peer ID.
type Server struct {
	listener net.Listener
	options  HandshakeOptions

	incoming chan Incoming
	errs     chan error

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and hello accept loop.
func Listen(address string, options HandshakeOptions) (*Server, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	if address == "" {
		address = ":0"
	}

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener: listener,
		options:  opts,
		incoming: make(chan Incoming, 16),
		errs:     make(chan error, 16),
		closed:   make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the bound TCP port.
func (s *Server) Port() int {
	if tcpAddr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return tcpAddr.Port
	}
	return 0
}

// Incoming returns accepted connections that passed the hello exchange.
func (s *Server) Incoming() <-chan Incoming {
	return s.incoming
}

// Errors returns asynchronous server errors.
func (s *Server) Errors() <-chan error {
	return s.errs
}

// Close stops accepting and closes all server channels.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
		close(s.incoming)
		close(s.errs)
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			select {
			case s.errs <- fmt.Errorf("accept connection: %w", err):
			default:
			}
			continue
		}

		s.wg.Add(1)
		go s.handleInboundConn(conn)
	}
}

func (s *Server) handleInboundConn(conn net.Conn) {
	defer s.wg.Done()

	closeConn := true
	defer func() {
		if closeConn {
			_ = conn.Close()
		}
	}()

	if err := conn.SetDeadline(time.Now().Add(s.options.ConnectionTimeout)); err != nil {
		s.reportError(fmt.Errorf("set hello deadline: %w", err))
		return
	}

	var hello Hello
	if err := readJSONFrame(conn, s.options.ConnectionTimeout, &hello); err != nil {
		s.reportError(fmt.Errorf("read hello: %w", err))
		return
	}

	if err := checkHello(hello, s.options.PeerID); err != nil {
		_ = writeJSONFrame(conn, HelloAck{
			Type:    TypeHelloAck,
			Status:  helloStatusRejected,
			Message: err.Error(),
		})
		s.reportError(fmt.Errorf("reject hello from %s: %w", conn.RemoteAddr(), err))
		return
	}

	if err := writeJSONFrame(conn, HelloAck{Type: TypeHelloAck, Status: helloStatusOK}); err != nil {
		s.reportError(fmt.Errorf("write hello ack: %w", err))
		return
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		s.reportError(fmt.Errorf("clear hello deadline: %w", err))
		return
	}

	channel := NewConnChannel(conn, s.options.connectionOptions())

	closeConn = false
	select {
	case s.incoming <- Incoming{Channel: channel, Transport: hello.Transport}:
	case <-s.closed:
		_ = channel.Close()
	}
}

func (s *Server) reportError(err error) {
	if err == nil {
		return
	}

	// Accept loop shutdown produces expected net.ErrClosed errors.
	if errors.Is(err, net.ErrClosed) {
		return
	}

	select {
	case s.errs <- err:
	default:
	}
}
