package controller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/protocol"
	"github.com/cuemby/hutch/pkg/scheduler"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/validation"
)

// Defaults for the controller timeouts
const (
	DefaultRegisterTimeout  = 10 * time.Second
	DefaultHeartbeatTimeout = 20 * time.Second
	DefaultCommandTimeout   = 2 * time.Minute
)

// Config holds controller configuration
type Config struct {
	Listener transport.Listener
	Store    storage.Store
	// Broker must already be started; a started broker is created when nil
	Broker *events.Broker

	// Pods are dispatched to their spec.nodeName whenever that node registers
	Pods []*types.PodTask

	MaxMessageSize int64

	// RegisterTimeout bounds the wait for the first message of a session
	RegisterTimeout time.Duration
	// HeartbeatTimeout is how long a node may stay silent before its
	// session is closed and the node marked down
	HeartbeatTimeout time.Duration
	// CommandTimeout bounds the wait for the reply to one command
	CommandTimeout time.Duration
}

// Server is the controller end of the agent protocol
type Server struct {
	cfg    Config
	logger zerolog.Logger

	sched *scheduler.Scheduler

	mu       sync.RWMutex
	sessions map[string]*nodeSession
}

// nodeSession is the live session of one registered node
type nodeSession struct {
	id   string
	node *types.Node
	sess transport.Session

	lastSeen atomic.Int64

	// cmdMu admits one outstanding command per node; replies carry no
	// correlation id
	cmdMu   sync.Mutex
	replies chan *protocol.Message
}

func (ns *nodeSession) touch() {
	ns.lastSeen.Store(time.Now().UnixNano())
}

func (ns *nodeSession) silentFor() time.Duration {
	return time.Since(time.Unix(0, ns.lastSeen.Load()))
}

// New creates a controller server
func New(cfg *Config) (*Server, error) {
	switch {
	case cfg == nil:
		return nil, errdefs.Configuration("controller config is nil")
	case cfg.Listener == nil:
		return nil, errdefs.Configuration("listener is required")
	case cfg.Store == nil:
		return nil, errdefs.Configuration("store is required")
	}

	c := *cfg
	if c.Broker == nil {
		c.Broker = events.NewBroker()
		c.Broker.Start()
	}
	if c.RegisterTimeout <= 0 {
		c.RegisterTimeout = DefaultRegisterTimeout
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}

	logger := log.WithComponent("controller")
	for _, p := range c.Pods {
		if p.Spec.NodeName == "" {
			logger.Warn().Str("pod", p.Name()).Msg("Pod manifest has no spec.nodeName and will not be dispatched")
		}
	}

	s := &Server{
		cfg:      c,
		logger:   logger,
		sessions: make(map[string]*nodeSession),
	}
	s.sched = scheduler.NewScheduler(c.Store, s.Connected)
	return s, nil
}

// Broker returns the event broker the server publishes to
func (s *Server) Broker() *events.Broker {
	return s.cfg.Broker
}

// Serve accepts agent sessions until ctx is cancelled or the listener fails
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info().Str("addr", s.cfg.Listener.Addr().String()).Msg("Controller listening")

	var wg sync.WaitGroup
	defer wg.Wait()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.monitorHeartbeats(ctx)
	}()

	for {
		sess, err := s.cfg.Listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.closeSessions()
				return nil
			}
			s.closeSessions()
			return errdefs.Transport("failed to accept session: %w", err)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleSession(ctx, sess)
		}()
	}
}

func (s *Server) closeSessions() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ns := range s.sessions {
		ns.sess.Close()
	}
}

// handleSession registers the node behind sess and reads its messages
// until the session ends
func (s *Server) handleSession(ctx context.Context, sess transport.Session) {
	defer sess.Close()

	logger := s.logger.With().Str("remote", sess.RemoteAddr().String()).Logger()

	ns, err := s.register(ctx, sess)
	if err != nil {
		logger.Warn().Err(err).Msg("Registration failed")
		return
	}
	logger = logger.With().Str("node", ns.node.Name()).Str("session", ns.id).Logger()
	defer s.unregister(ns, logger)

	go s.dispatchPods(ctx, ns.node.Name())

	for {
		msg, err := protocol.Receive(ctx, sess, s.cfg.MaxMessageSize)
		if err != nil {
			if protocol.IsDecodeError(err) {
				logger.Warn().Err(err).Msg("Dropping undecodable message")
				continue
			}
			logger.Info().Err(err).Msg("Session ended")
			return
		}
		ns.touch()

		switch msg.Kind {
		case protocol.KindHeartbeat:
			s.heartbeat(ns, logger)
		case protocol.KindAck, protocol.KindError:
			select {
			case ns.replies <- msg:
			default:
				logger.Warn().Stringer("message", msg).Msg("Dropping unsolicited reply")
			}
		default:
			logger.Warn().Stringer("message", msg).Msg("Ignoring unexpected message")
		}
	}
}

// reject answers a failed registration; the session is dropped either way
func (s *Server) reject(ctx context.Context, sess transport.Session, reply *protocol.Message) {
	if err := protocol.Send(ctx, sess, reply); err != nil {
		s.logger.Debug().Err(err).
			Str("remote", sess.RemoteAddr().String()).
			Str("reason", reply.Error).
			Msg("Failed to send registration rejection")
	}
}

// register waits for RegisterNode, records the node and answers it. A
// session already open for the same node is replaced.
func (s *Server) register(ctx context.Context, sess transport.Session) (*nodeSession, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RegisterTimeout)
	defer cancel()

	msg, err := protocol.Receive(rctx, sess, s.cfg.MaxMessageSize)
	if err != nil {
		return nil, err
	}
	if msg.Kind != protocol.KindRegisterNode {
		s.reject(ctx, sess, protocol.NewError("expected RegisterNode, got %s", msg.Kind))
		return nil, errdefs.Protocol("expected RegisterNode, got %s", msg.Kind)
	}
	if err := validation.Struct(msg.Node); err != nil {
		s.reject(ctx, sess, protocol.NewError("invalid node: %v", err))
		return nil, errdefs.Validation("invalid node: %w", err)
	}

	now := time.Now()
	record := &types.NodeRecord{
		Node:          *msg.Node,
		RemoteAddr:    sess.RemoteAddr().String(),
		Phase:         types.NodePhaseReady,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if err := s.cfg.Store.UpdateNode(record); err != nil {
		s.reject(ctx, sess, protocol.NewError("failed to record node: %v", err))
		return nil, err
	}

	ns := &nodeSession{
		id:      uuid.NewString(),
		node:    msg.Node,
		sess:    sess,
		replies: make(chan *protocol.Message, 1),
	}
	ns.touch()

	if err := protocol.Send(ctx, sess, protocol.NewAck()); err != nil {
		return nil, err
	}

	s.mu.Lock()
	old := s.sessions[msg.Node.Name()]
	s.sessions[msg.Node.Name()] = ns
	s.mu.Unlock()
	if old != nil {
		old.sess.Close()
	}

	s.logger.Info().Str("node", msg.Node.Name()).Str("addr", record.RemoteAddr).Msg("Node registered")
	s.cfg.Broker.Publish(events.New(events.EventNodeRegistered, "node registered", map[string]string{
		"node": msg.Node.Name(),
		"addr": record.RemoteAddr,
	}))
	return ns, nil
}

// unregister marks the node down unless a newer session replaced this one
func (s *Server) unregister(ns *nodeSession, logger zerolog.Logger) {
	name := ns.node.Name()

	s.mu.Lock()
	current := s.sessions[name] == ns
	if current {
		delete(s.sessions, name)
	}
	s.mu.Unlock()

	if !current {
		return
	}

	record, err := s.cfg.Store.GetNode(name)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to load node record")
		return
	}
	record.Phase = types.NodePhaseDown
	if err := s.cfg.Store.UpdateNode(record); err != nil {
		logger.Warn().Err(err).Msg("Failed to mark node down")
	}

	logger.Warn().Msg("Node down")
	s.cfg.Broker.Publish(events.New(events.EventNodeDown, "node down", map[string]string{"node": name}))
}

func (s *Server) heartbeat(ns *nodeSession, logger zerolog.Logger) {
	record, err := s.cfg.Store.GetNode(ns.node.Name())
	if err != nil {
		logger.Warn().Err(err).Msg("Heartbeat from unknown node")
		return
	}
	record.LastHeartbeat = time.Now()
	record.Phase = types.NodePhaseReady
	if err := s.cfg.Store.UpdateNode(record); err != nil {
		logger.Warn().Err(err).Msg("Failed to record heartbeat")
		return
	}
	logger.Debug().Msg("Heartbeat")
}

// monitorHeartbeats closes sessions that stayed silent for longer than
// HeartbeatTimeout; their handlers then mark the nodes down
func (s *Server) monitorHeartbeats(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.RLock()
			for name, ns := range s.sessions {
				if silent := ns.silentFor(); silent > s.cfg.HeartbeatTimeout {
					s.logger.Warn().Str("node", name).Dur("silent", silent).Msg("Heartbeat timeout, closing session")
					ns.sess.Close()
				}
			}
			s.mu.RUnlock()
		case <-ctx.Done():
			return
		}
	}
}

// dispatchPods sends the configured manifests addressed to node
func (s *Server) dispatchPods(ctx context.Context, node string) {
	for _, p := range s.cfg.Pods {
		if p.Spec.NodeName != node {
			continue
		}
		if err := s.CreatePod(ctx, node, p); err != nil {
			s.logger.Error().Err(err).Str("node", node).Str("pod", p.Name()).Msg("Failed to dispatch pod")
		}
	}
}

func (s *Server) session(node string) (*nodeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ns, ok := s.sessions[node]
	if !ok {
		return nil, errdefs.State("node %s is not connected: %w", node, errdefs.ErrNotFound)
	}
	return ns, nil
}

// command sends msg to node and waits for its single reply
func (s *Server) command(ctx context.Context, node string, msg *protocol.Message) error {
	ns, err := s.session(node)
	if err != nil {
		return err
	}

	ns.cmdMu.Lock()
	defer ns.cmdMu.Unlock()

	// A late reply to an earlier command that timed out
	select {
	case <-ns.replies:
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.CommandTimeout)
	defer cancel()

	if err := protocol.Send(ctx, ns.sess, msg); err != nil {
		return err
	}

	select {
	case reply := <-ns.replies:
		if reply.Kind == protocol.KindError {
			return errdefs.Orchestration("node %s: %s", node, reply.Error)
		}
		return nil
	case <-ns.sess.Done():
		return errdefs.Transport("node %s: %w", node, transport.ErrSessionClosed)
	case <-ctx.Done():
		return errdefs.Transport("node %s: no reply to %s: %w", node, msg.Kind, ctx.Err())
	}
}

// CreatePod asks node to run pod and records the outcome
func (s *Server) CreatePod(ctx context.Context, node string, pod *types.PodTask) error {
	if pod == nil {
		return errdefs.Validation("pod is nil")
	}
	if err := validation.Struct(pod); err != nil {
		return errdefs.Validation("invalid pod %s: %w", pod.Name(), err)
	}
	if pod.Spec.NodeName != "" && pod.Spec.NodeName != node {
		return errdefs.Validation("pod %s targets node %s, not %s", pod.Name(), pod.Spec.NodeName, node)
	}
	if _, err := s.session(node); err != nil {
		return err
	}

	logger := s.logger.With().Str("node", node).Str("pod", pod.Name()).Logger()
	timer := metrics.NewTimer()

	record := &types.PodRecord{Name: pod.Name(), Node: node, Phase: types.PodPhasePending, UpdatedAt: time.Now()}
	if err := s.cfg.Store.UpdatePod(record); err != nil {
		return err
	}

	err := s.command(ctx, node, protocol.NewCreatePod(pod))
	timer.ObserveDurationVec(metrics.CommandDuration, protocol.KindCreatePod.String())
	metrics.CommandsTotal.WithLabelValues(protocol.KindCreatePod.String(), metrics.Result(err)).Inc()

	record.UpdatedAt = time.Now()
	if err != nil {
		record.Phase = types.PodPhaseFailed
		record.Error = err.Error()
		logger.Error().Err(err).Msg("Pod failed")
		s.cfg.Broker.Publish(events.New(events.EventPodFailed, err.Error(), map[string]string{"node": node, "pod": pod.Name()}))
	} else {
		record.Phase = types.PodPhaseRunning
		logger.Info().Msg("Pod running")
		s.cfg.Broker.Publish(events.New(events.EventPodCreated, "pod running", map[string]string{"node": node, "pod": pod.Name()}))
	}
	if serr := s.cfg.Store.UpdatePod(record); serr != nil {
		logger.Warn().Err(serr).Msg("Failed to record pod state")
	}
	return err
}

// SchedulePod runs a pod on the node it names, or on the least loaded
// ready node when it names none. It returns the node used.
func (s *Server) SchedulePod(ctx context.Context, pod *types.PodTask) (string, error) {
	if pod == nil {
		return "", errdefs.Validation("pod is nil")
	}

	node := pod.Spec.NodeName
	if node == "" {
		var err error
		if node, err = s.sched.SelectNode(); err != nil {
			return "", err
		}
		s.logger.Debug().Str("pod", pod.Name()).Str("node", node).Msg("Pod placed")
	}
	return node, s.CreatePod(ctx, node, pod)
}

// DeletePod asks node to delete the named pod
func (s *Server) DeletePod(ctx context.Context, node, name string) error {
	logger := s.logger.With().Str("node", node).Str("pod", name).Logger()
	timer := metrics.NewTimer()

	err := s.command(ctx, node, protocol.NewDeletePod(name))
	timer.ObserveDurationVec(metrics.CommandDuration, protocol.KindDeletePod.String())
	metrics.CommandsTotal.WithLabelValues(protocol.KindDeletePod.String(), metrics.Result(err)).Inc()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to delete pod")
		return err
	}

	record, gerr := s.cfg.Store.GetPod(node, name)
	if errors.Is(gerr, errdefs.ErrNotFound) {
		record = &types.PodRecord{Name: name, Node: node}
	} else if gerr != nil {
		logger.Warn().Err(gerr).Msg("Failed to load pod record")
		return nil
	}
	record.Phase = types.PodPhaseDeleted
	record.Error = ""
	record.UpdatedAt = time.Now()
	if serr := s.cfg.Store.UpdatePod(record); serr != nil {
		logger.Warn().Err(serr).Msg("Failed to record pod state")
	}

	logger.Info().Msg("Pod deleted")
	s.cfg.Broker.Publish(events.New(events.EventPodDeleted, "pod deleted", map[string]string{"node": node, "pod": name}))
	return nil
}

// Connected reports whether node currently has a session
func (s *Server) Connected(node string) bool {
	_, err := s.session(node)
	return err == nil
}

// Nodes lists every node that ever registered
func (s *Server) Nodes() ([]*types.NodeRecord, error) {
	return s.cfg.Store.ListNodes()
}

// Node returns the record of one node
func (s *Server) Node(name string) (*types.NodeRecord, error) {
	return s.cfg.Store.GetNode(name)
}

// Pods lists pod records, limited to one node when node is set
func (s *Server) Pods(node string) ([]*types.PodRecord, error) {
	if node != "" {
		return s.cfg.Store.ListPodsByNode(node)
	}
	return s.cfg.Store.ListPods()
}
