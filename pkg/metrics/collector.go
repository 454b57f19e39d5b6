package metrics

import (
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// DefaultCollectInterval is how often the controller gauges are refreshed
const DefaultCollectInterval = 15 * time.Second

// Source lists the records the controller keeps
type Source interface {
	ListNodes() ([]*types.NodeRecord, error)
	ListPods() ([]*types.PodRecord, error)
}

// Collector periodically refreshes the controller gauges from its store
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: DefaultCollectInterval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

// Collect refreshes every gauge once
func (c *Collector) Collect() {
	c.collectNodeMetrics()
	c.collectPodMetrics()
}

func (c *Collector) collectNodeMetrics() {
	nodes, err := c.source.ListNodes()
	if err != nil {
		return
	}

	counts := map[types.NodePhase]int{
		types.NodePhaseReady: 0,
		types.NodePhaseDown:  0,
	}
	for _, node := range nodes {
		counts[node.Phase]++
	}

	for phase, count := range counts {
		NodesTotal.WithLabelValues(string(phase)).Set(float64(count))
	}
}

func (c *Collector) collectPodMetrics() {
	pods, err := c.source.ListPods()
	if err != nil {
		return
	}

	counts := map[types.PodPhase]int{
		types.PodPhasePending: 0,
		types.PodPhaseRunning: 0,
		types.PodPhaseFailed:  0,
		types.PodPhaseDeleted: 0,
	}
	for _, pod := range pods {
		counts[pod.Phase]++
	}

	for phase, count := range counts {
		PodsTotal.WithLabelValues(string(phase)).Set(float64(count))
	}
}
