/*
Package scheduler places pods that do not name a node.

Placement considers the nodes the controller has recorded as ready and that
currently hold a session. Among those, the node with the fewest pending or
running pods wins; ties go to the node listed first, which for the bolt
store is the lowest name.

	sched := scheduler.NewScheduler(store, server.Connected)
	node, err := sched.SelectNode()

SelectNode returns a state error wrapping errdefs.ErrNotFound when no node
qualifies. The scheduler only chooses; dispatch and bookkeeping stay with
the controller.
*/
package scheduler
