package transport

import (
	"context"
	"errors"
	"io"
	"net"
)

// ErrSessionClosed is returned by stream operations on a closed session.
var ErrSessionClosed = errors.New("session closed")

// Session is a secure multiplexed connection that carries many independent
// one-shot unidirectional streams. OpenStream and AcceptStream may be used
// concurrently.
type Session interface {
	// OpenStream opens an outbound stream. Closing the writer finishes it.
	OpenStream(ctx context.Context) (io.WriteCloser, error)
	// AcceptStream waits for the next inbound stream. Closing the reader
	// releases it even if it was not read to the end.
	AcceptStream(ctx context.Context) (io.ReadCloser, error)
	RemoteAddr() net.Addr
	Close() error
	// Done is closed once the session is gone, from either side.
	Done() <-chan struct{}
}

// Dialer establishes sessions to a controller
type Dialer interface {
	Dial(ctx context.Context, addr string) (Session, error)
}

// Listener accepts sessions from agents
type Listener interface {
	Accept(ctx context.Context) (Session, error)
	Addr() net.Addr
	Close() error
}
