package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff"
)

// Dial connects to a sender's rendezvous address, performs the hello
// exchange, and returns a ready ConnChannel. Refused connections are retried
// up to DialAttempts times; hello rejections are not.
func Dial(ctx context.Context, address string, options HandshakeOptions) (*ConnChannel, error) {
	opts := options.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}

	var channel *ConnChannel
	attempt := func() error {
		ch, err := dialOnce(ctx, address, opts)
		if err != nil {
			if errors.Is(err, ErrHelloRejected) || errors.Is(err, ctx.Err()) {
				return backoff.Permanent(err)
			}
			return err
		}
		channel = ch
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(opts.DialRetryWait), uint64(opts.DialAttempts-1)),
		ctx,
	)
	if err := backoff.Retry(attempt, policy); err != nil {
		return nil, err
	}
	return channel, nil
}

func dialOnce(ctx context.Context, address string, opts HandshakeOptions) (*ConnChannel, error) {
	dialer := net.Dialer{Timeout: opts.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", address, err)
	}

	if err := conn.SetDeadline(time.Now().Add(opts.ConnectionTimeout)); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("set hello deadline: %w", err)
	}

	if err := clientHello(conn, opts); err != nil {
		_ = conn.Close()
		return nil, err
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("clear hello deadline: %w", err)
	}

	return NewConnChannel(conn, opts.connectionOptions()), nil
}
