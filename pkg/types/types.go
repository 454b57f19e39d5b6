package types

import (
	"time"
)

// ObjectMeta carries identity and free-form metadata of a descriptor document
type ObjectMeta struct {
	Name        string            `yaml:"name" json:"name" validate:"required,hostname_rfc1123"`
	Namespace   string            `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty" json:"labels,omitempty"`
	Annotations map[string]string `yaml:"annotations,omitempty" json:"annotations,omitempty"`
}

// Node is the identity document of a worker, loaded once from the operator's
// descriptor file and immutable for the lifetime of the agent process.
type Node struct {
	APIVersion string     `yaml:"apiVersion,omitempty" json:"apiVersion,omitempty"`
	Kind       string     `yaml:"kind,omitempty" json:"kind,omitempty"`
	Metadata   ObjectMeta `yaml:"metadata" json:"metadata"`
	Spec       NodeSpec   `yaml:"spec,omitempty" json:"spec,omitempty"`
	Status     NodeStatus `yaml:"status,omitempty" json:"status,omitempty"`
}

// NodeSpec describes the configured properties of a node
type NodeSpec struct {
	PodCIDR       string `yaml:"podCIDR,omitempty" json:"podCIDR,omitempty" validate:"omitempty,cidr"`
	Unschedulable bool   `yaml:"unschedulable,omitempty" json:"unschedulable,omitempty"`
}

// NodeStatus reports addresses and resources of a node
type NodeStatus struct {
	Addresses   []NodeAddress     `yaml:"addresses,omitempty" json:"addresses,omitempty" validate:"dive"`
	Capacity    map[string]string `yaml:"capacity,omitempty" json:"capacity,omitempty"`
	Allocatable map[string]string `yaml:"allocatable,omitempty" json:"allocatable,omitempty"`
}

// NodeAddressType is the kind of a node address
type NodeAddressType string

const (
	NodeInternalIP NodeAddressType = "InternalIP"
	NodeExternalIP NodeAddressType = "ExternalIP"
	NodeHostName   NodeAddressType = "Hostname"
)

// NodeAddress is one reachable address of a node
type NodeAddress struct {
	Type    NodeAddressType `yaml:"type" json:"type" validate:"required"`
	Address string          `yaml:"address" json:"address" validate:"required"`
}

// Name returns the node name
func (n *Node) Name() string {
	return n.Metadata.Name
}

// Address returns the first internal IP, falling back to the first address.
func (n *Node) Address() string {
	for _, a := range n.Status.Addresses {
		if a.Type == NodeInternalIP {
			return a.Address
		}
	}
	if len(n.Status.Addresses) > 0 {
		return n.Status.Addresses[0].Address
	}
	return ""
}

// PodTask is a unit of workload addressed to a node. The agent consumes it
// once per CreatePod command and never persists it.
type PodTask struct {
	APIVersion string     `yaml:"apiVersion,omitempty" json:"apiVersion,omitempty"`
	Kind       string     `yaml:"kind,omitempty" json:"kind,omitempty"`
	Metadata   ObjectMeta `yaml:"metadata" json:"metadata"`
	Spec       PodSpec    `yaml:"spec" json:"spec"`
}

// PodSpec lists the containers of a pod and optionally the node it targets
type PodSpec struct {
	NodeName   string         `yaml:"nodeName,omitempty" json:"nodeName,omitempty"`
	Containers []PodContainer `yaml:"containers" json:"containers" validate:"required,min=1,dive"`
}

// PodContainer is one container of a pod
type PodContainer struct {
	Name       string        `yaml:"name" json:"name" validate:"required"`
	Image      string        `yaml:"image" json:"image" validate:"required"`
	Command    []string      `yaml:"command,omitempty" json:"command,omitempty"`
	Args       []string      `yaml:"args,omitempty" json:"args,omitempty"`
	Env        []EnvVar      `yaml:"env,omitempty" json:"env,omitempty"`
	Ports      []PortMapping `yaml:"ports,omitempty" json:"ports,omitempty"`
	WorkingDir string        `yaml:"workingDir,omitempty" json:"workingDir,omitempty"`
}

// EnvVar is a single environment variable
type EnvVar struct {
	Name  string `yaml:"name" json:"name" validate:"required"`
	Value string `yaml:"value,omitempty" json:"value,omitempty"`
}

// Name returns the pod name
func (p *PodTask) Name() string {
	return p.Metadata.Name
}

// PortMapping defines port exposure
type PortMapping struct {
	ContainerPort int    `yaml:"containerPort" json:"containerPort" validate:"min=0,max=65535"`
	HostPort      int    `yaml:"hostPort,omitempty" json:"hostPort,omitempty" validate:"min=0,max=65535"`
	HostIP        string `yaml:"hostIP,omitempty" json:"hostIP,omitempty"`
	Protocol      string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
}

// Mount binds a host path into a container
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly"`
}

// ContainerSpec is the descriptor handed to a container runtime
type ContainerSpec struct {
	Name       string
	Image      string
	Command    []string
	Args       []string
	Env        []string
	WorkingDir string
	Ports      []PortMapping
	Mounts     []Mount
	Networks   []string
	Labels     map[string]string
}

// ContainerStatus is the observed state of a container
type ContainerStatus string

const (
	ContainerStatusCreated ContainerStatus = "created"
	ContainerStatusRunning ContainerStatus = "running"
	ContainerStatusPaused  ContainerStatus = "paused"
	ContainerStatusStopped ContainerStatus = "stopped"
	ContainerStatusUnknown ContainerStatus = "unknown"
)

// ContainerState is the inspection result of a container
type ContainerState struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Image   string            `json:"image"`
	Status  ContainerStatus   `json:"status"`
	Pid     int               `json:"pid"`
	Created time.Time         `json:"created"`
	Labels  map[string]string `json:"labels,omitempty"`
}

// ProjectState is the document persisted at <project-root>/state.json
type ProjectState struct {
	ProjectName string           `json:"project_name"`
	Containers  []ContainerState `json:"containers"`
}

// NodePhase is the controller's view of a registered node
type NodePhase string

const (
	NodePhaseReady NodePhase = "ready"
	NodePhaseDown  NodePhase = "down"
)

// NodeRecord is what the controller stores about a registered node
type NodeRecord struct {
	Node          Node      `json:"node"`
	RemoteAddr    string    `json:"remoteAddr"`
	Phase         NodePhase `json:"phase"`
	RegisteredAt  time.Time `json:"registeredAt"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// PodPhase is the controller's view of a dispatched pod
type PodPhase string

const (
	PodPhasePending PodPhase = "pending"
	PodPhaseRunning PodPhase = "running"
	PodPhaseFailed  PodPhase = "failed"
	PodPhaseDeleted PodPhase = "deleted"
)

// PodRecord is what the controller stores about a dispatched pod
type PodRecord struct {
	Name      string    `json:"name"`
	Node      string    `json:"node"`
	Phase     PodPhase  `json:"phase"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}
