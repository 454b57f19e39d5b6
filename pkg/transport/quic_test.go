package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/security"
)

func writePKI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	ca := security.NewCertAuthority()
	require.NoError(t, ca.Initialize())
	require.NoError(t, ca.Save(dir))

	server, err := ca.IssueCertificate("controller", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.NoError(t, security.SaveCertToFile(server, dir, "controller"))

	node, err := ca.IssueCertificate("node-1", nil, nil)
	require.NoError(t, err)
	require.NoError(t, security.SaveCertToFile(node, dir, "node"))
	return dir
}

func listen(t *testing.T, dir string) *QUICListener {
	t.Helper()
	serverTLS, err := security.ServerTLSConfig(security.TLSOptions{
		CAFile:   filepath.Join(dir, "ca.crt"),
		CertFile: filepath.Join(dir, "controller.crt"),
		KeyFile:  filepath.Join(dir, "controller.key"),
	})
	require.NoError(t, err)

	ln, err := ListenQUIC("127.0.0.1:0", serverTLS)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return ln
}

func TestQUICStreamsBothWays(t *testing.T) {
	dir := writePKI(t)
	ln := listen(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientTLS, err := security.ClientTLSConfig(security.TLSOptions{
		CAFile:   filepath.Join(dir, "ca.crt"),
		CertFile: filepath.Join(dir, "node.crt"),
		KeyFile:  filepath.Join(dir, "node.key"),
	}, ln.Addr().String())
	require.NoError(t, err)

	accepted := make(chan Session, 1)
	go func() {
		s, err := ln.Accept(ctx)
		if err == nil {
			accepted <- s
		}
		close(accepted)
	}()

	client, err := NewQUICDialer(clientTLS).Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	w, err := client.OpenStream(ctx)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello controller"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	server, ok := <-accepted
	require.True(t, ok, "server did not accept a session")
	defer server.Close()

	r, err := server.AcceptStream(ctx)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())
	assert.Equal(t, "hello controller", string(data))

	w, err = server.OpenStream(ctx)
	require.NoError(t, err)
	_, err = w.Write([]byte("hello agent"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err = client.AcceptStream(ctx)
	require.NoError(t, err)
	data, err = io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "hello agent", string(data))

	require.NoError(t, client.Close())
	select {
	case <-server.Done():
	case <-ctx.Done():
		t.Fatal("server session did not observe the close")
	}
}

func TestQUICRejectsUntrustedController(t *testing.T) {
	dir := writePKI(t)
	other := writePKI(t)
	ln := listen(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientTLS, err := security.ClientTLSConfig(security.TLSOptions{
		CAFile:   filepath.Join(other, "ca.crt"),
		CertFile: filepath.Join(other, "node.crt"),
		KeyFile:  filepath.Join(other, "node.key"),
	}, ln.Addr().String())
	require.NoError(t, err)

	_, err = NewQUICDialer(clientTLS).Dial(ctx, ln.Addr().String())
	assert.Error(t, err)
}

func TestWithALPNKeepsExplicitProtocols(t *testing.T) {
	conf := withALPN(&tls.Config{})
	assert.Equal(t, []string{ALPN}, conf.NextProtos)

	conf = withALPN(&tls.Config{NextProtos: []string{"custom"}})
	assert.Equal(t, []string{"custom"}, conf.NextProtos)
}
