package scheduler

import (
	"sync"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/types"
)

// Store lists the records placement is based on
type Store interface {
	ListNodes() ([]*types.NodeRecord, error)
	ListPods() ([]*types.PodRecord, error)
}

// Scheduler places pods that name no node onto the least loaded ready node
type Scheduler struct {
	store     Store
	connected func(node string) bool
	mu        sync.Mutex
}

// NewScheduler creates a scheduler. connected reports whether a node has a
// live session; nil treats every ready node as connected.
func NewScheduler(store Store, connected func(node string) bool) *Scheduler {
	if connected == nil {
		connected = func(string) bool { return true }
	}
	return &Scheduler{store: store, connected: connected}
}

// SelectNode returns the ready, connected node running the fewest active
// pods. Ties go to the node listed first.
func (s *Scheduler) SelectNode() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, err := s.store.ListNodes()
	if err != nil {
		return "", err
	}
	pods, err := s.store.ListPods()
	if err != nil {
		return "", err
	}

	ready := filterReadyNodes(nodes, s.connected)
	if len(ready) == 0 {
		return "", errdefs.State("no ready node: %w", errdefs.ErrNotFound)
	}
	return selectNode(ready, pods), nil
}

// selectNode picks the node with the fewest pending or running pods
func selectNode(nodes []string, pods []*types.PodRecord) string {
	if len(nodes) == 0 {
		return ""
	}

	load := make(map[string]int)
	for _, p := range pods {
		if p.Phase == types.PodPhasePending || p.Phase == types.PodPhaseRunning {
			load[p.Node]++
		}
	}

	selected := nodes[0]
	for _, n := range nodes[1:] {
		if load[n] < load[selected] {
			selected = n
		}
	}
	return selected
}

// filterReadyNodes returns the names of the ready nodes with a session
func filterReadyNodes(nodes []*types.NodeRecord, connected func(string) bool) []string {
	var ready []string
	for _, n := range nodes {
		if n.Phase == types.NodePhaseReady && connected(n.Node.Name()) {
			ready = append(ready, n.Node.Name())
		}
	}
	return ready
}
