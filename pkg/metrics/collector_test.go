package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/cuemby/hutch/pkg/types"
)

type fakeSource struct {
	nodes []*types.NodeRecord
	pods  []*types.PodRecord
	err   error
}

func (f *fakeSource) ListNodes() ([]*types.NodeRecord, error) { return f.nodes, f.err }
func (f *fakeSource) ListPods() ([]*types.PodRecord, error)   { return f.pods, f.err }

func TestCollectorCountsByPhase(t *testing.T) {
	src := &fakeSource{
		nodes: []*types.NodeRecord{
			{Phase: types.NodePhaseReady},
			{Phase: types.NodePhaseReady},
			{Phase: types.NodePhaseDown},
		},
		pods: []*types.PodRecord{
			{Name: "a", Phase: types.PodPhaseRunning},
			{Name: "b", Phase: types.PodPhaseFailed},
		},
	}

	NewCollector(src).Collect()

	assert.Equal(t, 2.0, testutil.ToFloat64(NodesTotal.WithLabelValues("ready")))
	assert.Equal(t, 1.0, testutil.ToFloat64(NodesTotal.WithLabelValues("down")))
	assert.Equal(t, 1.0, testutil.ToFloat64(PodsTotal.WithLabelValues("running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(PodsTotal.WithLabelValues("pending")))

	// Phases that emptied out drop back to zero
	src.nodes = src.nodes[:1]
	NewCollector(src).Collect()
	assert.Equal(t, 0.0, testutil.ToFloat64(NodesTotal.WithLabelValues("down")))
}

func TestCollectorKeepsGaugesOnError(t *testing.T) {
	src := &fakeSource{nodes: []*types.NodeRecord{{Phase: types.NodePhaseReady}}}
	NewCollector(src).Collect()

	src.err = errors.New("store closed")
	NewCollector(src).Collect()
	assert.Equal(t, 1.0, testutil.ToFloat64(NodesTotal.WithLabelValues("ready")))
}

func TestResult(t *testing.T) {
	assert.Equal(t, "success", Result(nil))
	assert.Equal(t, "failure", Result(errors.New("boom")))
}

func TestSetCriticalComponents(t *testing.T) {
	healthChecker = newHealthChecker()

	SetCriticalComponents("store")
	assert.Equal(t, "not_ready", GetReadiness().Status)

	RegisterComponent("store", true, "")
	assert.Equal(t, "ready", GetReadiness().Status)
}
