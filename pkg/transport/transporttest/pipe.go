// Package transporttest provides an in-memory transport for tests.
package transporttest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/cuemby/hutch/pkg/transport"
)

type pipeAddr string

func (a pipeAddr) Network() string { return "pipe" }
func (a pipeAddr) String() string  { return string(a) }

// link is the state shared by both ends of a pipe; closing either end
// closes both.
type link struct {
	done chan struct{}
	once sync.Once
}

func (l *link) close() {
	l.once.Do(func() { close(l.done) })
}

// Session is one end of an in-memory session.
type Session struct {
	link     *link
	incoming chan io.ReadCloser
	peer     *Session
	remote   net.Addr

	mu          sync.Mutex
	opened      int
	failOpens   int
	failedOpens int
}

// Pipe returns two connected sessions.
func Pipe() (*Session, *Session) {
	l := &link{done: make(chan struct{})}
	a := &Session{link: l, incoming: make(chan io.ReadCloser, 64), remote: pipeAddr("pipe-b")}
	b := &Session{link: l, incoming: make(chan io.ReadCloser, 64), remote: pipeAddr("pipe-a")}
	a.peer, b.peer = b, a
	return a, b
}

func (s *Session) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	select {
	case <-s.link.done:
		return nil, transport.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOpens > 0 {
		s.failOpens--
		s.failedOpens++
		return nil, errors.New("stream limit reached")
	}
	s.opened++
	return &stream{session: s}, nil
}

func (s *Session) AcceptStream(ctx context.Context) (io.ReadCloser, error) {
	select {
	case <-s.link.done:
		return nil, transport.ErrSessionClosed
	default:
	}
	select {
	case r := <-s.incoming:
		return r, nil
	case <-s.link.done:
		return nil, transport.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) RemoteAddr() net.Addr { return s.remote }

// Peer returns the other end of the pipe.
func (s *Session) Peer() *Session { return s.peer }

func (s *Session) Close() error {
	s.link.close()
	return nil
}

func (s *Session) Done() <-chan struct{} { return s.link.done }

// OpenedStreams reports how many streams this end has opened.
func (s *Session) OpenedStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// FailOpens makes the next count OpenStream calls fail.
func (s *Session) FailOpens(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failOpens = count
}

// FailedOpens reports how many OpenStream calls failed on purpose.
func (s *Session) FailedOpens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failedOpens
}

// Inject delivers raw bytes to this end as if the peer had sent a stream.
func (s *Session) Inject(data []byte) {
	select {
	case s.incoming <- io.NopCloser(bytes.NewReader(data)):
	case <-s.link.done:
	}
}

type stream struct {
	session *Session
	buf     bytes.Buffer
	closed  bool
}

func (w *stream) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write on finished stream")
	}
	select {
	case <-w.session.link.done:
		return 0, transport.ErrSessionClosed
	default:
	}
	return w.buf.Write(p)
}

// Close finishes the stream and hands it to the peer.
func (w *stream) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	select {
	case w.session.peer.incoming <- io.NopCloser(bytes.NewReader(w.buf.Bytes())):
		return nil
	case <-w.session.link.done:
		return transport.ErrSessionClosed
	}
}

// Network connects Dialers to a Listener in memory and can be told to
// refuse dials.
type Network struct {
	mu       sync.Mutex
	listener *Listener
	failures int
	dials    int
	clients  []*Session
}

func NewNetwork() *Network {
	return &Network{}
}

// Listen installs the listener that receives dialed sessions.
func (n *Network) Listen() *Listener {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listener = &Listener{sessions: make(chan transport.Session, 16), done: make(chan struct{})}
	return n.listener
}

// FailDials makes the next count dials fail.
func (n *Network) FailDials(count int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = count
}

// Dials reports how many dials were attempted.
func (n *Network) Dials() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials
}

// LastSession returns the dialer end of the latest session, or nil.
func (n *Network) LastSession() *Session {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.clients) == 0 {
		return nil
	}
	return n.clients[len(n.clients)-1]
}

func (n *Network) Dial(ctx context.Context, addr string) (transport.Session, error) {
	n.mu.Lock()
	n.dials++
	if n.failures > 0 {
		n.failures--
		n.mu.Unlock()
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}
	ln := n.listener
	n.mu.Unlock()

	if ln == nil {
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	}

	client, server := Pipe()
	select {
	case ln.sessions <- server:
		n.mu.Lock()
		n.clients = append(n.clients, client)
		n.mu.Unlock()
		return client, nil
	case <-ln.done:
		return nil, fmt.Errorf("dial %s: connection refused", addr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Listener hands out the server ends of dialed sessions.
type Listener struct {
	sessions chan transport.Session
	done     chan struct{}
	once     sync.Once
}

func (l *Listener) Accept(ctx context.Context) (transport.Session, error) {
	select {
	case s := <-l.sessions:
		return s, nil
	case <-l.done:
		return nil, transport.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Addr() net.Addr { return pipeAddr("pipe-listener") }

func (l *Listener) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}
