/*
Package types defines the data structures shared by the hutch agent, the
controller and the compose orchestrator.

# Core Types

Node protocol:
  - Node: worker identity document (name, addresses, capacity)
  - PodTask: unit of workload addressed to a node
  - PortMapping, EnvVar: container settings carried by a pod

Container runtime:
  - ContainerSpec: descriptor handed to a runtime backend
  - Mount: host path bound into a container
  - ContainerState: inspection result of a container

Compose:
  - ComposeSpec: multi-service deployment document
  - ServiceSpec, NetworkSpec, VolumeSpec, FileSpec: its sections
  - Services, Networks: ordered sections that keep declaration order
  - ProjectState: document persisted in state.json after a successful up

Controller bookkeeping:
  - NodeRecord, PodRecord: what the controller stores in its database

Node and PodTask use the Kubernetes-style layout (apiVersion, kind, metadata,
spec, status) so that operators can reuse familiar descriptor files:

	apiVersion: v1
	kind: Node
	metadata:
	  name: node-1
	status:
	  addresses:
	    - type: InternalIP
	      address: 10.0.0.11

Compose sections decode strictly: an unknown field anywhere in a service or
network rejects the whole document.
*/
package types
