/*
Package runtime provides the container execution capability used by the
node agent and the compose orchestrator.

The Runtime interface covers the container lifecycle hutch needs: create
(pulling the image when it is missing), start, stop, delete, inspect and
list by label. Two backends implement it:

  - ContainerdRuntime talks to containerd over its gRPC socket. Containers
    run in the hutch namespace and share the host network namespace;
    published ports are redirected to the container port with iptables by
    a PortPublisher.
  - DockerRuntime talks to the Docker Engine API. Ports are published with
    Docker port bindings, and the backend also implements
    NetworkProvisioner so compose networks are created as Docker networks.

New picks the backend from a Config:

	rt, err := runtime.New(runtime.Config{Backend: "docker"})
	if err != nil {
		return err
	}
	defer rt.Close()

	id, err := runtime.Run(ctx, rt, &types.ContainerSpec{
		Name:  "web",
		Image: "nginx:alpine",
		Labels: map[string]string{runtime.LabelProject: "demo"},
	})

Containers created by hutch carry labels (LabelProject, LabelService,
LabelPod, LabelNode) so they can be found again with List after a restart.

The runtimetest subpackage holds an in-memory Runtime for tests.
*/
package runtime
