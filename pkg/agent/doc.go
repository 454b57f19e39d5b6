/*
Package agent implements the node side of the control-plane protocol.

An Agent dials the controller, registers its node with a RegisterNode
message, sends a Heartbeat on a fresh stream every HeartbeatInterval and
executes the CreatePod and DeletePod commands the controller sends,
answering each with exactly one Ack or Error.

# Lifecycle

	Disconnected -> Connecting -> Registering -> Operational
	      ^                                          |
	      +-------------- session ends --------------+

RunOnce covers one session. Dialing is retried every ConnectRetryDelay
until it succeeds. The registration reply is awaited for at most
RegisterTimeout and never blocks the session, whatever its content.
Commands are served strictly one after another. When accepting the next
stream fails the session ends cleanly; the heartbeat goroutine is stopped
and waited for before the session is closed.

RunForever repeats RunOnce until its context is cancelled, pausing
ErrorReconnectDelay after a failed session and ReconnectDelay after a clean
one.

# Usage

	a, err := agent.New(&agent.Config{
		ControllerAddr: "10.0.0.1:7443",
		Node:           node,
		Dialer:         transport.NewQUICDialer(tlsConfig),
		Pods:           pod.NewRunner(rt, node.Name()),
	})
	if err != nil {
		return err
	}
	return a.RunForever(ctx)
*/
package agent
