package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on every session
const ALPN = "hutch/1"

const (
	keepAlivePeriod = 10 * time.Second
	maxIdleTimeout  = 30 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod:       keepAlivePeriod,
		MaxIdleTimeout:        maxIdleTimeout,
		MaxIncomingUniStreams: 256,
	}
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	conf := tlsConf.Clone()
	if len(conf.NextProtos) == 0 {
		conf.NextProtos = []string{ALPN}
	}
	return conf
}

// QUICDialer dials controller sessions over QUIC
type QUICDialer struct {
	tlsConf *tls.Config
}

// NewQUICDialer creates a dialer. The TLS configuration decides how the
// controller certificate is verified.
func NewQUICDialer(tlsConf *tls.Config) *QUICDialer {
	return &QUICDialer{tlsConf: withALPN(tlsConf)}
}

// Dial opens a session to addr
func (d *QUICDialer) Dial(ctx context.Context, addr string) (Session, error) {
	conn, err := quic.DialAddr(ctx, addr, d.tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}
	return &quicSession{conn: conn}, nil
}

// QUICListener accepts agent sessions over QUIC
type QUICListener struct {
	ln *quic.Listener
}

// ListenQUIC listens on a UDP address
func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, withALPN(tlsConf), quicConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

// Accept waits for the next session
func (l *QUICListener) Accept(ctx context.Context) (Session, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return &quicSession{conn: conn}, nil
}

func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *QUICListener) Close() error {
	return l.ln.Close()
}

type quicSession struct {
	conn quic.Connection
}

func (s *quicSession) OpenStream(ctx context.Context) (io.WriteCloser, error) {
	return s.conn.OpenUniStreamSync(ctx)
}

func (s *quicSession) AcceptStream(ctx context.Context) (io.ReadCloser, error) {
	str, err := s.conn.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return receiveStream{str}, nil
}

func (s *quicSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *quicSession) Close() error {
	return s.conn.CloseWithError(0, "closing")
}

func (s *quicSession) Done() <-chan struct{} {
	return s.conn.Context().Done()
}

// receiveStream stops the peer from sending more once the reader is closed.
type receiveStream struct {
	quic.ReceiveStream
}

func (r receiveStream) Close() error {
	r.CancelRead(0)
	return nil
}
