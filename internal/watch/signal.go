package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"

	"github.com/sqcore/sqdeploy/internal/activation"
)

// maxPayload is the most that is read from a signalling connection
const maxPayload = 64

// ErrListenerClosed is returned by Await when the listener was closed
var ErrListenerClosed = errors.New("signal listener closed")

// Listener receives the loopback stop signal
type Listener struct {
	l      net.Listener
	logger *slog.Logger
}

// Listen binds addr, or takes over a socket-activated listener. Binding
// fails if another watch pipeline already holds the port.
func Listen(addr string, logger *slog.Logger) (*Listener, error) {
	l, activated, err := activation.Listener(addr)
	if err != nil {
		return nil, err
	}
	logger.Info("waiting for stop signal", "addr", l.Addr().String(), "socket_activated", activated)
	return &Listener{l: l, logger: logger}, nil
}

// Addr returns the bound address
func (l *Listener) Addr() net.Addr {
	return l.l.Addr()
}

// Close stops listening
func (l *Listener) Close() error {
	return l.l.Close()
}

// Await blocks until a client sends a non-empty payload. The payload
// content is not checked. Connections that close without sending anything
// are ignored. Cancelling ctx closes the listener.
func (l *Listener) Await(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = l.l.Close()
	})
	defer stop()

	for {
		conn, err := l.l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				return ErrListenerClosed
			}
			return fmt.Errorf("accept failed: %w", err)
		}

		payload, err := receive(ctx, conn)
		if err != nil {
			l.logger.Debug("signal connection failed", "remote", conn.RemoteAddr().String(), "error", err)
			continue
		}
		if len(payload) == 0 {
			continue
		}

		l.logger.Info("stop signal received", "remote", conn.RemoteAddr().String(), "bytes", len(payload))
		return nil
	}
}

// receive performs a single read of at most maxPayload bytes
func receive(ctx context.Context, conn net.Conn) ([]byte, error) {
	defer func() {
		_ = conn.Close()
	}()
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	buf := make([]byte, maxPayload)
	n, err := conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return nil, nil
}

// Send connects to addr and writes payload, which tells a waiting
// pipeline to stop
func Send(ctx context.Context, addr, payload string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	if _, err := conn.Write([]byte(payload)); err != nil {
		return fmt.Errorf("failed to send stop signal: %w", err)
	}
	return nil
}
