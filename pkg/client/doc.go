/*
Package client is a Go client for the controller admin API.

The controller serves a small JSON API next to its metrics endpoint. Every
response is an envelope:

	{"data": ...}          success
	{"error": "message"}   failure

The client unwraps the envelope and turns failure statuses back into the
errdefs kinds, so callers classify errors the same way on either side:

	409 Conflict              errdefs.ErrState (node has no session)
	404 Not Found             errdefs.ErrNotFound
	400 Bad Request, 413      errdefs.ErrValidation
	422 Unprocessable Entity  errdefs.ErrOrchestration (the agent reported an error)
	502 Bad Gateway           errdefs.ErrTransport

Usage:

	c, err := client.NewClient("127.0.0.1:9090")
	if err != nil {
		return err
	}

	nodes, err := c.ListNodes(ctx)

	// Let the controller place the pod
	record, err := c.CreatePod(ctx, "", pod)

	err = c.DeletePod(ctx, record.Node, record.Name)
*/
package client
