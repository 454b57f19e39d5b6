package transporttest

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/transport"
)

func TestPipeDeliversFinishedStreams(t *testing.T) {
	a, b := Pipe()
	ctx := context.Background()

	w, err := a.OpenStream(ctx)
	require.NoError(t, err)
	_, err = w.Write([]byte("one "))
	require.NoError(t, err)
	_, err = w.Write([]byte("message"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	r, err := b.AcceptStream(ctx)
	require.NoError(t, err)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, "one message", string(data))
	assert.Equal(t, 1, a.OpenedStreams())
}

func TestPipeCloseEndsBothSides(t *testing.T) {
	a, b := Pipe()
	require.NoError(t, b.Close())

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("peer not closed")
	}

	_, err := a.AcceptStream(context.Background())
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
	_, err = a.OpenStream(context.Background())
	assert.ErrorIs(t, err, transport.ErrSessionClosed)
}

func TestNetworkDialFailures(t *testing.T) {
	n := NewNetwork()
	ctx := context.Background()

	_, err := n.Dial(ctx, "controller:7443")
	assert.Error(t, err, "no listener yet")

	ln := n.Listen()
	n.FailDials(2)
	_, err = n.Dial(ctx, "controller:7443")
	assert.Error(t, err)
	_, err = n.Dial(ctx, "controller:7443")
	assert.Error(t, err)

	client, err := n.Dial(ctx, "controller:7443")
	require.NoError(t, err)
	server, err := ln.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n.Dials())

	require.NoError(t, client.Close())
	<-server.Done()
}

func TestPipeFailOpens(t *testing.T) {
	a, _ := Pipe()
	ctx := context.Background()

	a.FailOpens(2)
	for i := 0; i < 2; i++ {
		_, err := a.OpenStream(ctx)
		assert.Error(t, err)
	}
	_, err := a.OpenStream(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, a.FailedOpens())
	assert.Equal(t, 1, a.OpenedStreams())
}
