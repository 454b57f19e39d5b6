package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/pod"
	"github.com/cuemby/hutch/pkg/protocol"
	"github.com/cuemby/hutch/pkg/transport"
	"github.com/cuemby/hutch/pkg/types"
)

// Default delays of the connection lifecycle
const (
	DefaultConnectRetryDelay   = 2 * time.Second
	DefaultErrorReconnectDelay = 3 * time.Second
	DefaultReconnectDelay      = 1 * time.Second
	DefaultRegisterTimeout     = 3 * time.Second
	DefaultHeartbeatInterval   = 5 * time.Second
)

// State is the connection state of an agent
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateRegistering
	StateOperational
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateOperational:
		return "operational"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// PodRunner turns pod documents into running containers
type PodRunner interface {
	NewTask(pod *types.PodTask) (*pod.Task, error)
	Run(ctx context.Context, task *pod.Task) error
	Delete(ctx context.Context, name string) error
}

// Config holds agent configuration
type Config struct {
	ControllerAddr string
	Node           *types.Node
	Dialer         transport.Dialer
	Pods           PodRunner

	// MaxMessageSize bounds inbound messages; 0 selects the protocol default
	MaxMessageSize int64

	ConnectRetryDelay   time.Duration
	ErrorReconnectDelay time.Duration
	ReconnectDelay      time.Duration
	RegisterTimeout     time.Duration
	HeartbeatInterval   time.Duration
}

// Agent keeps a node registered with the controller and executes the pod
// commands it receives
type Agent struct {
	cfg    Config
	state  atomic.Int32
	logger zerolog.Logger
}

// New creates an agent. The controller address, node, dialer and pod runner
// are required; zero delays take their defaults.
func New(cfg *Config) (*Agent, error) {
	switch {
	case cfg == nil:
		return nil, errdefs.Configuration("agent config is nil")
	case cfg.ControllerAddr == "":
		return nil, errdefs.Configuration("controller address is required")
	case cfg.Node == nil || cfg.Node.Name() == "":
		return nil, errdefs.Configuration("node with a name is required")
	case cfg.Dialer == nil:
		return nil, errdefs.Configuration("dialer is required")
	case cfg.Pods == nil:
		return nil, errdefs.Configuration("pod runner is required")
	}

	c := *cfg
	setDefault(&c.ConnectRetryDelay, DefaultConnectRetryDelay)
	setDefault(&c.ErrorReconnectDelay, DefaultErrorReconnectDelay)
	setDefault(&c.ReconnectDelay, DefaultReconnectDelay)
	setDefault(&c.RegisterTimeout, DefaultRegisterTimeout)
	setDefault(&c.HeartbeatInterval, DefaultHeartbeatInterval)

	a := &Agent{
		cfg:    c,
		logger: log.WithNode("agent", c.Node.Name()),
	}
	a.setState(StateDisconnected)
	return a, nil
}

func setDefault(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

// State returns the current connection state
func (a *Agent) State() State {
	return State(a.state.Load())
}

func (a *Agent) setState(s State) {
	a.state.Store(int32(s))
	metrics.AgentState.Set(float64(s))
	metrics.UpdateComponent("controller", s == StateOperational, s.String())
}

// RunForever runs sessions back to back until ctx is cancelled. A session
// that failed is retried after ErrorReconnectDelay, one that ended cleanly
// after ReconnectDelay. It returns nil once ctx is cancelled.
func (a *Agent) RunForever(ctx context.Context) error {
	for {
		err := a.RunOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}

		delay := a.cfg.ReconnectDelay
		if err != nil {
			a.logger.Error().Err(err).Dur("retry_in", a.cfg.ErrorReconnectDelay).Msg("Session failed")
			delay = a.cfg.ErrorReconnectDelay
		} else {
			a.logger.Info().Dur("retry_in", delay).Msg("Session closed, reconnecting")
		}

		if !sleep(ctx, delay) {
			return nil
		}
	}
}

// RunOnce connects, registers and serves commands until the session ends.
// It returns nil when the session ends by itself and ctx.Err() when ctx
// is cancelled.
func (a *Agent) RunOnce(ctx context.Context) error {
	a.setState(StateConnecting)
	defer a.setState(StateDisconnected)

	sess, err := a.connect(ctx)
	if err != nil {
		return err
	}
	defer sess.Close()

	logger := a.logger.With().Str("controller", sess.RemoteAddr().String()).Logger()
	logger.Info().Msg("Connected to controller")

	a.setState(StateRegistering)
	if err := protocol.Send(ctx, sess, protocol.NewRegisterNode(a.cfg.Node)); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	if err := a.awaitRegistration(ctx, sess, logger); err != nil {
		return err
	}
	a.setState(StateOperational)

	sessCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.heartbeatLoop(sessCtx, sess, logger)
	}()

	err = a.serve(sessCtx, sess, logger)

	cancel()
	wg.Wait()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return err
}

// connect dials the controller until it answers or ctx is cancelled
func (a *Agent) connect(ctx context.Context) (transport.Session, error) {
	for {
		metrics.AgentConnectAttempts.Inc()
		sess, err := a.cfg.Dialer.Dial(ctx, a.cfg.ControllerAddr)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		a.logger.Warn().Err(err).
			Str("controller", a.cfg.ControllerAddr).
			Dur("retry_in", a.cfg.ConnectRetryDelay).
			Msg("Failed to connect to controller")

		if !sleep(ctx, a.cfg.ConnectRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

// awaitRegistration waits a bounded time for the controller's answer to
// RegisterNode. Whatever arrives, or nothing at all, is only logged.
func (a *Agent) awaitRegistration(ctx context.Context, sess transport.Session, logger zerolog.Logger) error {
	rctx, cancel := context.WithTimeout(ctx, a.cfg.RegisterTimeout)
	defer cancel()

	msg, err := protocol.Receive(rctx, sess, a.cfg.MaxMessageSize)
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case err == nil && msg.Kind == protocol.KindAck:
		logger.Info().Msg("Registered with controller")
	case err == nil && msg.Kind == protocol.KindError:
		logger.Warn().Str("reason", msg.Error).Msg("Controller rejected registration")
	case err == nil:
		logger.Warn().Stringer("message", msg).Msg("Unexpected registration reply")
	case protocol.IsDecodeError(err):
		logger.Warn().Err(err).Msg("Failed to decode registration reply")
	case errors.Is(rctx.Err(), context.DeadlineExceeded):
		logger.Warn().Dur("timeout", a.cfg.RegisterTimeout).Msg("No registration reply, continuing")
	default:
		logger.Warn().Err(err).Msg("Failed to receive registration reply")
	}
	return nil
}

// heartbeatLoop sends heartbeats until ctx is cancelled
func (a *Agent) heartbeatLoop(ctx context.Context, sess transport.Session, logger zerolog.Logger) {
	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := protocol.Send(ctx, sess, protocol.NewHeartbeat(a.cfg.Node.Name())); err != nil {
				if ctx.Err() != nil {
					return
				}
				metrics.HeartbeatsSent.WithLabelValues("failure").Inc()
				logger.Warn().Err(err).Msg("Failed to send heartbeat")
				continue
			}
			metrics.HeartbeatsSent.WithLabelValues("success").Inc()
			logger.Debug().Msg("Heartbeat sent")
		case <-ctx.Done():
			return
		}
	}
}

// serve handles inbound commands one at a time until accepting fails
func (a *Agent) serve(ctx context.Context, sess transport.Session, logger zerolog.Logger) error {
	for {
		stream, err := sess.AcceptStream(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Info().Err(err).Msg("Controller session ended")
			return nil
		}

		msg, err := protocol.Read(stream, a.cfg.MaxMessageSize)
		stream.Close()
		if err != nil {
			logger.Warn().Err(err).Msg("Dropping undecodable message")
			continue
		}

		reply := a.handle(ctx, msg, logger)
		if reply == nil {
			continue
		}
		if err := protocol.Send(ctx, sess, reply); err != nil {
			logger.Warn().Err(err).Stringer("reply", reply).Msg("Failed to send reply")
		}
	}
}

// handle executes one command and returns its reply, or nil for messages
// that get none
func (a *Agent) handle(ctx context.Context, msg *protocol.Message, logger zerolog.Logger) *protocol.Message {
	var reply *protocol.Message
	timer := metrics.NewTimer()

	switch msg.Kind {
	case protocol.KindCreatePod:
		reply = a.createPod(ctx, msg.Pod, logger)
	case protocol.KindDeletePod:
		reply = a.deletePod(ctx, msg.PodName, logger)
	default:
		logger.Warn().Stringer("message", msg).Msg("Ignoring unexpected message")
		return nil
	}

	timer.ObserveDurationVec(metrics.CommandDuration, msg.Kind.String())
	result := "success"
	if reply.Kind == protocol.KindError {
		result = "failure"
	}
	metrics.CommandsTotal.WithLabelValues(msg.Kind.String(), result).Inc()
	return reply
}

func (a *Agent) createPod(ctx context.Context, p *types.PodTask, logger zerolog.Logger) *protocol.Message {
	if p == nil {
		return protocol.NewError("create failed: missing pod")
	}
	logger = logger.With().Str("pod", p.Name()).Logger()

	self := a.cfg.Node.Name()
	if target := p.Spec.NodeName; target != "" && target != self {
		logger.Warn().Str("target", target).Msg("Pod addressed to another node")
		return protocol.NewError("pod %s targets node %s, this is %s", p.Name(), target, self)
	}

	task, err := a.cfg.Pods.NewTask(p)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create pod task")
		return protocol.NewError("create %s failed: %v", p.Name(), err)
	}
	if err := a.cfg.Pods.Run(ctx, task); err != nil {
		logger.Error().Err(err).Msg("Failed to run pod")
		return protocol.NewError("run %s failed: %v", p.Name(), err)
	}

	logger.Info().Int("containers", len(task.Containers)).Msg("Pod running")
	return protocol.NewAck()
}

func (a *Agent) deletePod(ctx context.Context, name string, logger zerolog.Logger) *protocol.Message {
	logger = logger.With().Str("pod", name).Logger()

	if err := a.cfg.Pods.Delete(ctx, name); err != nil {
		logger.Error().Err(err).Msg("Failed to delete pod")
		return protocol.NewError("delete %s failed: %v", name, err)
	}

	logger.Info().Msg("Pod deleted")
	return protocol.NewAck()
}

// sleep waits for d and reports false if ctx was cancelled first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
