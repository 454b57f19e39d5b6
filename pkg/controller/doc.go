/*
Package controller implements the controller end of the agent protocol.

A Server accepts agent sessions from a transport.Listener. The first
message of every session must be RegisterNode; the node is validated,
recorded in the store and answered with Ack, after which the session is
read until it ends:

  - Heartbeat refreshes the node's last heartbeat
  - Ack and Error answer the command in flight
  - anything else is logged and dropped

Sessions silent for longer than HeartbeatTimeout are closed, and a node
whose session ended is marked down. A node that registers again replaces
its previous session.

CreatePod and DeletePod send one command to a connected node and wait for
its reply. Replies carry no correlation id, so commands to one node are
serialized. Pod manifests given in Config.Pods are dispatched to their
spec.nodeName each time that node registers.

Router exposes the admin API next to the metrics and health endpoints:

	GET    /api/v1/nodes
	GET    /api/v1/nodes/{node}
	GET    /api/v1/nodes/{node}/pods
	POST   /api/v1/nodes/{node}/pods
	DELETE /api/v1/nodes/{node}/pods/{pod}
	GET    /api/v1/pods
	GET    /metrics, /health, /ready, /live
*/
package controller
