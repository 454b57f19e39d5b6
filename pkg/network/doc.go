/*
Package network plans the networks of a compose project.

Every service joins the networks it lists, or the implicit "default" network
when it lists none. Plan validates those references against the top-level
networks section and returns the project networks in declaration order with
the default network last. Each Network records its member services and the
services it is primary for (their first network); the orchestrator starts
every service exactly once, under its primary network.

Runtime names follow the compose convention:

	<project>_<network>   declared and default networks
	<network>             external networks
	host, none            networks using the host or none driver

When the runtime implements runtime.NetworkProvisioner (the Docker backend),
Handle also makes sure each network exists; external networks must already
exist. The containerd backend runs containers in the host network namespace
and provisions nothing.
*/
package network
