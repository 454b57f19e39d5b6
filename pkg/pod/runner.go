package pod

import (
	"context"
	"errors"
	"fmt"

	"github.com/cuemby/hutch/pkg/errdefs"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/runtime"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/validation"
)

// Task is a pod translated into runtime container specs
type Task struct {
	Name       string
	Containers []types.ContainerSpec
}

// Runner runs pods on the local node through a container runtime
type Runner struct {
	rt   runtime.Runtime
	node string
}

// NewRunner creates a pod runner for the named node
func NewRunner(rt runtime.Runtime, node string) *Runner {
	return &Runner{rt: rt, node: node}
}

// NewTask validates a pod and builds its container specs. Containers are
// named <pod>-<container> and labelled with the pod and node names.
func (r *Runner) NewTask(pod *types.PodTask) (*Task, error) {
	if pod == nil {
		return nil, errdefs.Validation("pod is nil")
	}
	if err := validation.Struct(pod); err != nil {
		return nil, errdefs.Validation("invalid pod %s: %w", pod.Name(), err)
	}

	task := &Task{
		Name:       pod.Name(),
		Containers: make([]types.ContainerSpec, 0, len(pod.Spec.Containers)),
	}

	seen := make(map[string]bool, len(pod.Spec.Containers))
	for _, c := range pod.Spec.Containers {
		if seen[c.Name] {
			return nil, errdefs.Validation("pod %s: duplicate container %s", pod.Name(), c.Name)
		}
		seen[c.Name] = true

		env := make([]string, 0, len(c.Env))
		for _, e := range c.Env {
			env = append(env, e.Name+"="+e.Value)
		}

		task.Containers = append(task.Containers, types.ContainerSpec{
			Name:       fmt.Sprintf("%s-%s", pod.Name(), c.Name),
			Image:      c.Image,
			Command:    c.Command,
			Args:       c.Args,
			Env:        env,
			WorkingDir: c.WorkingDir,
			Ports:      c.Ports,
			Labels: map[string]string{
				runtime.LabelPod:  pod.Name(),
				runtime.LabelNode: r.node,
			},
		})
	}

	return task, nil
}

// Run starts every container of the task in order. When one fails the
// containers already started are removed again.
func (r *Runner) Run(ctx context.Context, task *Task) error {
	logger := log.WithPod(task.Name).With().Str("component", "pod").Logger()

	started := make([]string, 0, len(task.Containers))
	for i := range task.Containers {
		spec := &task.Containers[i]

		id, err := runtime.Run(ctx, r.rt, spec)
		if err != nil {
			for _, sid := range started {
				if derr := r.rt.Delete(context.WithoutCancel(ctx), sid, true); derr != nil {
					logger.Warn().Err(derr).Str("container", sid).Msg("Failed to roll back container")
				}
			}
			return errdefs.Orchestration("pod %s: %w", task.Name, err)
		}

		started = append(started, id)
		logger.Info().Str("container", spec.Name).Str("id", id).Msg("Container started")
	}

	return nil
}

// Delete force-removes every container of the named pod on this node
func (r *Runner) Delete(ctx context.Context, name string) error {
	containers, err := r.rt.List(ctx, map[string]string{
		runtime.LabelPod:  name,
		runtime.LabelNode: r.node,
	})
	if err != nil {
		return fmt.Errorf("failed to list containers of pod %s: %w", name, err)
	}
	if len(containers) == 0 {
		return fmt.Errorf("pod %s: %w", name, errdefs.ErrNotFound)
	}

	var errs []error
	for _, c := range containers {
		if err := r.rt.Delete(ctx, c.ID, true); err != nil {
			errs = append(errs, fmt.Errorf("container %s: %w", c.Name, err))
		}
	}
	return errors.Join(errs...)
}
