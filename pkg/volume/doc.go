/*
Package volume provides the storage side of a compose project.

A VolumeDriver turns a named Volume into a host directory. The only driver is
LocalDriver, which keeps one directory per volume under a base path:

	<state-root>/compose/<project>/volumes/<name>   project volumes
	<state-root>/volumes/<name>                     external volumes

The Manager validates the top-level volumes, configs and secrets sections of
a compose spec, creates the project's volumes and converts the references of
a service into runtime mounts:

  - "host:container[:ro]" entries, where host is either a declared volume
    name or a path (relative paths resolve against the compose file's
    directory)
  - configs, mounted read-only at /<name>
  - secrets, mounted read-only at /run/secrets/<name>

ParseMapping implements the volume entry syntax on its own. It accepts two or
three fields; only the exact third field "ro" makes the mount read-only.

Project volumes live inside the project root and are removed with it by
`hutch compose down`. External volumes are never created or removed by hutch.
*/
package volume
