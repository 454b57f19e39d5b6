package controller

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/agent"
	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/pod"
	"github.com/cuemby/hutch/pkg/protocol"
	"github.com/cuemby/hutch/pkg/runtime/runtimetest"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/transport/transporttest"
	"github.com/cuemby/hutch/pkg/types"
)

type cluster struct {
	t       *testing.T
	ctx     context.Context
	network *transporttest.Network
	store   *storage.BoltStore
	broker  *events.Broker
	server  *Server
}

func newCluster(t *testing.T, mutate func(*Config)) *cluster {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	broker := events.NewBroker()
	broker.Start()

	network := transporttest.NewNetwork()
	cfg := &Config{
		Listener: network.Listen(),
		Store:    store,
		Broker:   broker,
	}
	if mutate != nil {
		mutate(cfg)
	}
	server, err := New(cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		broker.Stop()
		store.Close()
	})

	return &cluster{t: t, ctx: ctx, network: network, store: store, broker: broker, server: server}
}

// startAgent runs an agent for node backed by rt until the test ends or
// the returned cancel is called
func (c *cluster) startAgent(node string, rt *runtimetest.Runtime) context.CancelFunc {
	c.t.Helper()

	a, err := agent.New(&agent.Config{
		ControllerAddr:    "controller:7443",
		Node:              &types.Node{Metadata: types.ObjectMeta{Name: node}},
		Dialer:            c.network,
		Pods:              pod.NewRunner(rt, node),
		ConnectRetryDelay: 10 * time.Millisecond,
		ReconnectDelay:    10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
	})
	require.NoError(c.t, err)

	ctx, cancel := context.WithCancel(c.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.RunForever(ctx)
	}()

	stop := func() {
		cancel()
		<-done
	}
	c.t.Cleanup(stop)

	require.Eventually(c.t, func() bool { return c.server.Connected(node) }, 2*time.Second, 5*time.Millisecond)
	return stop
}

func testPod(name, node string) *types.PodTask {
	return &types.PodTask{
		Metadata: types.ObjectMeta{Name: name},
		Spec: types.PodSpec{
			NodeName: node,
			Containers: []types.PodContainer{
				{Name: "app", Image: "nginx:alpine"},
				{Name: "sidecar", Image: "busybox", Command: []string{"sleep", "3600"}},
			},
		},
	}
}

func TestNewRequiresListenerAndStore(t *testing.T) {
	_, err := New(nil)
	assert.True(t, errdefs.IsConfiguration(err))

	_, err = New(&Config{Store: &storage.BoltStore{}})
	assert.True(t, errdefs.IsConfiguration(err))

	_, err = New(&Config{Listener: transporttest.NewNetwork().Listen()})
	assert.True(t, errdefs.IsConfiguration(err))
}

func TestRegisterRecordsNode(t *testing.T) {
	c := newCluster(t, nil)
	sub := c.broker.Subscribe()

	c.startAgent("node-1", runtimetest.New())

	node, err := c.server.Node("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodePhaseReady, node.Phase)
	assert.Equal(t, "pipe-a", node.RemoteAddr)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventNodeRegistered, ev.Type)
		assert.Equal(t, "node-1", ev.Metadata["node"])
	case <-time.After(time.Second):
		t.Fatal("no registration event")
	}

	// Heartbeats move the last heartbeat forward
	registered := node.LastHeartbeat
	require.Eventually(t, func() bool {
		n, err := c.server.Node("node-1")
		return err == nil && n.LastHeartbeat.After(registered)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreateAndDeletePod(t *testing.T) {
	c := newCluster(t, nil)
	rt := runtimetest.New()
	c.startAgent("node-1", rt)

	require.NoError(t, c.server.CreatePod(c.ctx, "node-1", testPod("web", "node-1")))

	containers := rt.Containers()
	require.Len(t, containers, 2)
	assert.Equal(t, "web-app", containers[0].Name)
	assert.Equal(t, types.ContainerStatusRunning, containers[0].Status)

	record, err := c.store.GetPod("node-1", "web")
	require.NoError(t, err)
	assert.Equal(t, types.PodPhaseRunning, record.Phase)

	require.NoError(t, c.server.DeletePod(c.ctx, "node-1", "web"))
	assert.Empty(t, rt.Containers())

	record, err = c.store.GetPod("node-1", "web")
	require.NoError(t, err)
	assert.Equal(t, types.PodPhaseDeleted, record.Phase)

	// Nothing left to delete: the agent answers with an Error
	err = c.server.DeletePod(c.ctx, "node-1", "web")
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestration(err))
	assert.Contains(t, err.Error(), "delete web failed")
}

func TestCreatePodFailureRecorded(t *testing.T) {
	c := newCluster(t, nil)
	rt := runtimetest.New()
	rt.StartHook = func(spec *types.ContainerSpec) error {
		if spec.Name == "web-sidecar" {
			return errors.New("exec format error")
		}
		return nil
	}
	c.startAgent("node-1", rt)

	err := c.server.CreatePod(c.ctx, "node-1", testPod("web", ""))
	require.Error(t, err)
	assert.True(t, errdefs.IsOrchestration(err))
	assert.Contains(t, err.Error(), "exec format error")
	assert.Empty(t, rt.Containers())

	record, err := c.store.GetPod("node-1", "web")
	require.NoError(t, err)
	assert.Equal(t, types.PodPhaseFailed, record.Phase)
	assert.Contains(t, record.Error, "exec format error")
}

func TestCreatePodRejectsMismatchedNode(t *testing.T) {
	c := newCluster(t, nil)
	rt := runtimetest.New()
	c.startAgent("node-1", rt)

	err := c.server.CreatePod(c.ctx, "node-1", testPod("web", "node-2"))
	assert.True(t, errdefs.IsValidation(err))
	assert.Empty(t, rt.Calls())
}

func TestCommandToDisconnectedNode(t *testing.T) {
	c := newCluster(t, nil)

	err := c.server.CreatePod(c.ctx, "ghost", testPod("web", ""))
	require.Error(t, err)
	assert.True(t, errdefs.IsState(err))
	assert.True(t, errdefs.IsNotFound(err))
}

func TestDispatchOnRegister(t *testing.T) {
	c := newCluster(t, func(cfg *Config) {
		cfg.Pods = []*types.PodTask{testPod("web", "node-1"), testPod("db", "node-2")}
	})
	rt := runtimetest.New()
	c.startAgent("node-1", rt)

	require.Eventually(t, func() bool {
		record, err := c.store.GetPod("node-1", "web")
		return err == nil && record.Phase == types.PodPhaseRunning
	}, 2*time.Second, 10*time.Millisecond)

	assert.Len(t, rt.Containers(), 2)
	_, err := c.store.GetPod("node-1", "db")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestNodeDownOnDisconnect(t *testing.T) {
	c := newCluster(t, nil)
	stop := c.startAgent("node-1", runtimetest.New())

	stop()

	require.Eventually(t, func() bool {
		node, err := c.server.Node("node-1")
		return err == nil && node.Phase == types.NodePhaseDown
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, c.server.Connected("node-1"))
}

func TestInvalidRegistrationRejected(t *testing.T) {
	c := newCluster(t, nil)

	sess, err := c.network.Dial(c.ctx, "controller:7443")
	require.NoError(t, err)
	defer sess.Close()

	bad := &types.Node{Metadata: types.ObjectMeta{Name: "Not_A_Hostname"}}
	require.NoError(t, protocol.Send(c.ctx, sess, protocol.NewRegisterNode(bad)))

	msg, err := protocol.Receive(c.ctx, sess, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindError, msg.Kind)
	assert.Contains(t, msg.Error, "invalid node")

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed after rejected registration")
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestFailedRejectionIsLogged(t *testing.T) {
	var out syncBuffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &out})
	t.Cleanup(func() { log.Init(log.Config{Level: log.InfoLevel}) })

	c := newCluster(t, nil)

	sess, err := c.network.Dial(c.ctx, "controller:7443")
	require.NoError(t, err)
	defer sess.Close()
	sess.(*transporttest.Session).Peer().FailOpens(1)

	bad := &types.Node{Metadata: types.ObjectMeta{Name: "Not_A_Hostname"}}
	require.NoError(t, protocol.Send(c.ctx, sess, protocol.NewRegisterNode(bad)))

	select {
	case <-sess.Done():
	case <-time.After(time.Second):
		t.Fatal("session not closed after rejected registration")
	}
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "Failed to send registration rejection")
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, out.String(), `"level":"debug"`)
	assert.Contains(t, out.String(), "invalid node")
}

func TestFirstMessageMustRegister(t *testing.T) {
	c := newCluster(t, nil)

	sess, err := c.network.Dial(c.ctx, "controller:7443")
	require.NoError(t, err)
	defer sess.Close()

	require.NoError(t, protocol.Send(c.ctx, sess, protocol.NewHeartbeat("node-1")))

	msg, err := protocol.Receive(c.ctx, sess, 0)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindError, msg.Kind)
}

func TestHeartbeatTimeoutMarksNodeDown(t *testing.T) {
	c := newCluster(t, func(cfg *Config) { cfg.HeartbeatTimeout = 50 * time.Millisecond })

	sess, err := c.network.Dial(c.ctx, "controller:7443")
	require.NoError(t, err)
	defer sess.Close()

	node := &types.Node{Metadata: types.ObjectMeta{Name: "node-1"}}
	require.NoError(t, protocol.Send(c.ctx, sess, protocol.NewRegisterNode(node)))
	msg, err := protocol.Receive(c.ctx, sess, 0)
	require.NoError(t, err)
	require.Equal(t, protocol.KindAck, msg.Kind)

	// No heartbeats follow
	select {
	case <-sess.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("silent session was not closed")
	}

	require.Eventually(t, func() bool {
		n, err := c.server.Node("node-1")
		return err == nil && n.Phase == types.NodePhaseDown
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReconnectReplacesSession(t *testing.T) {
	c := newCluster(t, nil)

	register := func() *transporttest.Session {
		s, err := c.network.Dial(c.ctx, "controller:7443")
		require.NoError(t, err)
		node := &types.Node{Metadata: types.ObjectMeta{Name: "node-1"}}
		require.NoError(t, protocol.Send(c.ctx, s, protocol.NewRegisterNode(node)))
		msg, err := protocol.Receive(c.ctx, s, 0)
		require.NoError(t, err)
		require.Equal(t, protocol.KindAck, msg.Kind)
		return s.(*transporttest.Session)
	}

	first := register()
	second := register()
	defer second.Close()

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("replaced session still open")
	}

	// The old session ending does not mark the node down
	time.Sleep(50 * time.Millisecond)
	node, err := c.server.Node("node-1")
	require.NoError(t, err)
	assert.Equal(t, types.NodePhaseReady, node.Phase)
	assert.True(t, c.server.Connected("node-1"))
}

func TestSchedulePodPicksLeastLoadedNode(t *testing.T) {
	c := newCluster(t, nil)
	rt1, rt2 := runtimetest.New(), runtimetest.New()
	c.startAgent("node-1", rt1)
	c.startAgent("node-2", rt2)

	require.NoError(t, c.server.CreatePod(c.ctx, "node-1", testPod("web", "")))

	node, err := c.server.SchedulePod(c.ctx, testPod("db", ""))
	require.NoError(t, err)
	assert.Equal(t, "node-2", node)
	assert.Len(t, rt2.Containers(), 2)

	// A named node is used as is
	node, err = c.server.SchedulePod(c.ctx, testPod("cache", "node-1"))
	require.NoError(t, err)
	assert.Equal(t, "node-1", node)
	assert.Len(t, rt1.Containers(), 4)
}

func TestSchedulePodWithoutNodes(t *testing.T) {
	c := newCluster(t, nil)

	_, err := c.server.SchedulePod(c.ctx, testPod("web", ""))
	require.Error(t, err)
	assert.True(t, errdefs.IsState(err))
}
