/*
Package compose runs a multi-service compose project on the local host.

A project is a directory under the state root:

	<state-root>/compose/<project>/
	├── state.json      containers started by the last successful up
	└── volumes/        named volumes owned by the project

Up is all-or-nothing. Networks and volumes are realized first, then every
service is created and started in network order. If any service fails to
start, the containers already started are force-deleted and the project
directory is removed. Networks created in the runtime are left in place.

The project name is the -p flag, or the base name of the working directory.
Down removes the containers recorded in state.json and the project
directory. Ps lists the containers labelled with the project name; when the
project has no directory yet, the name comes from the compose file instead.

depends_on is parsed but never reorders services or rejects a file: they
start in declaration order within each network, and suspicious entries are
only logged.

Usage:

	mgr, err := compose.NewManager(compose.Options{
		StateRoot: "/var/lib/hutch",
		Runtime:   rt,
	})
	if err != nil {
		return err
	}
	if err := mgr.Up(ctx, ""); err != nil {
		return err
	}
*/
package compose
