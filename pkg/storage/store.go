package storage

import (
	"github.com/cuemby/hutch/pkg/types"
)

// Store defines the interface for controller state storage
type Store interface {
	// Nodes, keyed by node name
	CreateNode(node *types.NodeRecord) error
	GetNode(name string) (*types.NodeRecord, error)
	ListNodes() ([]*types.NodeRecord, error)
	UpdateNode(node *types.NodeRecord) error
	DeleteNode(name string) error

	// Pods, keyed by node and pod name
	CreatePod(pod *types.PodRecord) error
	GetPod(node, name string) (*types.PodRecord, error)
	ListPods() ([]*types.PodRecord, error)
	ListPodsByNode(node string) ([]*types.PodRecord, error)
	UpdatePod(pod *types.PodRecord) error
	DeletePod(node, name string) error

	// Utility
	Close() error
}
