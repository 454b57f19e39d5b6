// Package runtimetest provides an in-memory runtime.Runtime for tests.
package runtimetest

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
)

// Call records one invocation of the fake
type Call struct {
	Op   string
	ID   string
	Name string
}

type container struct {
	spec  types.ContainerSpec
	state types.ContainerState
}

// Runtime is an in-memory container runtime. The hooks, when set, are
// consulted before the operation and can fail it. CreatedHook runs once the
// container exists instead, and its error is returned together with the id.
type Runtime struct {
	mu         sync.Mutex
	containers map[string]*container
	networks   map[string]runtime.NetworkOptions
	calls      []Call
	nextID     int
	closed     bool

	CreateHook  func(spec *types.ContainerSpec) error
	CreatedHook func(id string, spec *types.ContainerSpec) error
	StartHook   func(spec *types.ContainerSpec) error
	DeleteHook  func(id string) error
	NetworkHook func(opts runtime.NetworkOptions) error
}

var (
	_ runtime.Runtime            = (*Runtime)(nil)
	_ runtime.NetworkProvisioner = (*Runtime)(nil)
)

// New returns an empty fake runtime
func New() *Runtime {
	return &Runtime{
		containers: make(map[string]*container),
		networks:   make(map[string]runtime.NetworkOptions),
	}
}

func (r *Runtime) record(op, id, name string) {
	r.calls = append(r.calls, Call{Op: op, ID: id, Name: name})
}

// Create stores the container in the created state
func (r *Runtime) Create(_ context.Context, spec *types.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("create", "", spec.Name)
	if r.CreateHook != nil {
		if err := r.CreateHook(spec); err != nil {
			return "", err
		}
	}
	for _, c := range r.containers {
		if c.spec.Name == spec.Name {
			return "", fmt.Errorf("container name %s already in use", spec.Name)
		}
	}

	r.nextID++
	id := fmt.Sprintf("ctr-%04d", r.nextID)
	r.containers[id] = &container{
		spec: *spec,
		state: types.ContainerState{
			ID:      id,
			Name:    spec.Name,
			Image:   spec.Image,
			Status:  types.ContainerStatusCreated,
			Created: time.Unix(int64(r.nextID), 0).UTC(),
			Labels:  maps.Clone(spec.Labels),
		},
	}
	if r.CreatedHook != nil {
		if err := r.CreatedHook(id, spec); err != nil {
			return id, err
		}
	}
	return id, nil
}

// Start marks the container running
func (r *Runtime) Start(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		r.record("start", id, "")
		return fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	r.record("start", id, c.spec.Name)
	if r.StartHook != nil {
		if err := r.StartHook(&c.spec); err != nil {
			return err
		}
	}
	c.state.Status = types.ContainerStatusRunning
	c.state.Pid = 1000 + len(r.calls)
	return nil
}

// Stop marks the container stopped
func (r *Runtime) Stop(_ context.Context, id string, _ time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("stop", id, "")
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	c.state.Status = types.ContainerStatusStopped
	c.state.Pid = 0
	return nil
}

// Delete removes the container; a running one needs force
func (r *Runtime) Delete(_ context.Context, id string, force bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	op := "delete"
	if force {
		op = "force-delete"
	}
	r.record(op, id, "")
	if r.DeleteHook != nil {
		if err := r.DeleteHook(id); err != nil {
			return err
		}
	}
	c, ok := r.containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	if c.state.Status == types.ContainerStatusRunning && !force {
		return fmt.Errorf("container %s is running", id)
	}
	delete(r.containers, id)
	return nil
}

// Inspect returns a copy of the container state
func (r *Runtime) Inspect(_ context.Context, id string) (*types.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("inspect", id, "")
	c, ok := r.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, errdefs.ErrNotFound)
	}
	state := c.state
	state.Labels = maps.Clone(c.state.Labels)
	return &state, nil
}

// List returns the containers carrying every label, in creation order
func (r *Runtime) List(_ context.Context, labels map[string]string) ([]types.ContainerState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("list", "", "")
	return r.list(labels), nil
}

func (r *Runtime) list(labels map[string]string) []types.ContainerState {
	var states []types.ContainerState
	for _, c := range r.containers {
		if matches(c.state.Labels, labels) {
			state := c.state
			state.Labels = maps.Clone(c.state.Labels)
			states = append(states, state)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Created.Before(states[j].Created) })
	return states
}

// EnsureNetwork records the network; external networks must have been
// added with AddNetwork first.
func (r *Runtime) EnsureNetwork(_ context.Context, opts runtime.NetworkOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.record("network", "", opts.Name)
	if r.NetworkHook != nil {
		if err := r.NetworkHook(opts); err != nil {
			return err
		}
	}
	if _, ok := r.networks[opts.Name]; ok {
		return nil
	}
	if opts.External {
		return errdefs.Configuration("external network %s not found", opts.Name)
	}
	r.networks[opts.Name] = opts
	return nil
}

// AddNetwork registers a pre-existing network
func (r *Runtime) AddNetwork(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.networks[name] = runtime.NetworkOptions{Name: name, External: true}
}

// Networks returns the known networks by name
func (r *Runtime) Networks() map[string]runtime.NetworkOptions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return maps.Clone(r.networks)
}

// Close marks the runtime closed
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

// Closed reports whether Close was called
func (r *Runtime) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Calls returns the recorded calls, optionally restricted to some operations
func (r *Runtime) Calls(ops ...string) []Call {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Call
	for _, c := range r.calls {
		if len(ops) == 0 || slices.Contains(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// Spec returns the spec a container was created from
func (r *Runtime) Spec(id string) (types.ContainerSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.containers[id]
	if !ok {
		return types.ContainerSpec{}, false
	}
	return c.spec, true
}

// Containers returns all containers in creation order
func (r *Runtime) Containers() []types.ContainerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(nil)
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}
