// Package direct runs applications as plain containers on the local engine.
package direct

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/runtime"
)

// Containers is the subset of the container adapter the strategy drives.
type Containers interface {
	Run(ctx context.Context, spec container.RunSpec) (string, error)
	Stop(ctx context.Context, name string, grace time.Duration) error
	Remove(ctx context.Context, name string) error
	List(ctx context.Context, labels map[string]string) ([]string, error)
	EnsureNetwork(ctx context.Context, name string) error
	RemoveNetwork(ctx context.Context, name string) error
}

// Limits are the hardening and resource defaults applied to every instance.
type Limits struct {
	MemoryMB     int
	CPUs         float64
	PidsLimit    int
	ReadOnlyRoot bool
	StopGrace    time.Duration
}

// Strategy manages per-node containers at deterministic names and ports.
type Strategy struct {
	containers Containers
	addr       runtime.Addressing
	limits     Limits
	logger     *slog.Logger
	now        func() time.Time
}

var _ runtime.Strategy = (*Strategy)(nil)

// New constructs a direct strategy.
func New(containers Containers, addr runtime.Addressing, limits Limits, logger *slog.Logger) (*Strategy, error) {
	if containers == nil {
		return nil, fmt.Errorf("container runtime required")
	}
	if err := addr.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if limits.StopGrace <= 0 {
		limits.StopGrace = 10 * time.Second
	}
	return &Strategy{containers: containers, addr: addr, limits: limits, logger: logger, now: time.Now}, nil
}

// DeployApplication replaces every instance of the application with spec.Instances
// fresh containers. Instances started before a failing one are left running.
func (s *Strategy) DeployApplication(ctx context.Context, spec runtime.AppSpec) (runtime.Deployment, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return runtime.Deployment{}, err
	}
	if err := s.addr.CheckInstances(spec.Instances); err != nil {
		return runtime.Deployment{}, err
	}
	removed, err := s.removeAll(ctx, spec.AppID)
	if err != nil {
		return runtime.Deployment{}, err
	}
	network := runtime.NetworkName(spec.AppID)
	if err := s.containers.EnsureNetwork(ctx, network); err != nil {
		return runtime.Deployment{}, fmt.Errorf("ensure network: %w", err)
	}
	deployment := s.deployment(spec.AppID)
	deployment.Removed = len(removed)
	for i := 0; i < spec.Instances; i++ {
		inst, err := s.start(ctx, spec, i)
		if err != nil {
			return deployment, err
		}
		deployment.Instances = append(deployment.Instances, inst)
		deployment.Created++
	}
	s.logger.Info("application deployed", "app_id", spec.AppID, "instances", len(deployment.Instances), "image", spec.Image)
	return deployment, nil
}

// ScaleApplication moves the live instance count to spec.Instances, removing
// from the highest index down or adding at the lowest free indices.
func (s *Strategy) ScaleApplication(ctx context.Context, spec runtime.AppSpec) (runtime.Deployment, error) {
	spec, err := spec.Normalize()
	if err != nil {
		return runtime.Deployment{}, err
	}
	if err := s.addr.CheckInstances(spec.Instances); err != nil {
		return runtime.Deployment{}, err
	}
	live, err := s.live(ctx, spec.AppID)
	if err != nil {
		return runtime.Deployment{}, err
	}
	deployment := s.deployment(spec.AppID)
	switch {
	case len(live) > spec.Instances:
		for len(live) > spec.Instances {
			last := live[len(live)-1]
			if err := s.stopRemove(ctx, last.Name); err != nil {
				deployment.Instances = live
				return deployment, err
			}
			live = live[:len(live)-1]
			deployment.Removed++
		}
	case len(live) < spec.Instances:
		if err := s.containers.EnsureNetwork(ctx, deployment.Network); err != nil {
			return runtime.Deployment{}, fmt.Errorf("ensure network: %w", err)
		}
		used := make(map[int]bool, len(live))
		for _, inst := range live {
			used[inst.Index] = true
		}
		for idx := 0; len(live) < spec.Instances; idx++ {
			if used[idx] {
				continue
			}
			inst, err := s.start(ctx, spec, idx)
			if err != nil {
				runtime.SortInstances(live)
				deployment.Instances = live
				return deployment, err
			}
			live = append(live, inst)
			deployment.Created++
		}
	}
	runtime.SortInstances(live)
	deployment.Instances = live
	s.logger.Info("application scaled", "app_id", spec.AppID, "instances", len(live), "created", deployment.Created, "removed", deployment.Removed)
	return deployment, nil
}

// RemoveApplication stops every instance and drops the application network.
func (s *Strategy) RemoveApplication(ctx context.Context, appID string) error {
	if _, err := s.removeAll(ctx, appID); err != nil {
		return err
	}
	if err := s.containers.RemoveNetwork(ctx, runtime.NetworkName(appID)); err != nil {
		s.logger.Warn("remove network failed", "app_id", appID, "error", err)
	}
	return nil
}

func (s *Strategy) deployment(appID string) runtime.Deployment {
	return runtime.Deployment{
		AppID:     appID,
		Network:   runtime.NetworkName(appID),
		RunUser:   runtime.RunUser(appID),
		StartedAt: s.now().UTC(),
	}
}

func (s *Strategy) live(ctx context.Context, appID string) ([]runtime.Instance, error) {
	names, err := s.containers.List(ctx, map[string]string{runtime.LabelApp: appID})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	var out []runtime.Instance
	for _, name := range names {
		idx, ok := runtime.InstanceIndex(appID, name)
		if !ok {
			continue
		}
		out = append(out, s.addr.Instance(appID, idx))
	}
	runtime.SortInstances(out)
	return out, nil
}

// removeAll stops and removes every labelled instance of appID.
func (s *Strategy) removeAll(ctx context.Context, appID string) ([]string, error) {
	names, err := s.containers.List(ctx, map[string]string{runtime.LabelApp: appID})
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	for _, name := range names {
		if err := s.stopRemove(ctx, name); err != nil {
			return nil, err
		}
	}
	return names, nil
}

func (s *Strategy) stopRemove(ctx context.Context, name string) error {
	if err := s.containers.Stop(ctx, name, s.limits.StopGrace); err != nil {
		s.logger.Warn("stop container failed", "container", name, "error", err)
	}
	if err := s.containers.Remove(ctx, name); err != nil {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

func (s *Strategy) start(ctx context.Context, spec runtime.AppSpec, index int) (runtime.Instance, error) {
	inst := s.addr.Instance(spec.AppID, index)
	// A stale container under this name would make run fail.
	if err := s.containers.Remove(ctx, inst.Name); err != nil {
		return inst, fmt.Errorf("clear %s: %w", inst.Name, err)
	}
	run := s.runSpec(spec, inst)
	if _, err := s.containers.Run(ctx, run); err != nil {
		return inst, fmt.Errorf("start instance %d: %w", index, err)
	}
	return inst, nil
}

func (s *Strategy) runSpec(spec runtime.AppSpec, inst runtime.Instance) container.RunSpec {
	memory := spec.Resources.MemoryMB
	if memory <= 0 {
		memory = s.limits.MemoryMB
	}
	cpus := spec.Resources.CPUs
	if cpus <= 0 {
		cpus = s.limits.CPUs
	}
	run := container.RunSpec{
		Name:         inst.Name,
		Image:        spec.Image,
		Env:          spec.ContainerEnv(),
		Ports:        []container.PortPair{{Host: inst.HostPort, Container: spec.Port}},
		MemoryMB:     memory,
		CPUs:         cpus,
		CapDrop:      []string{"ALL"},
		SecurityOpts: []string{"no-new-privileges"},
		PidsLimit:    s.limits.PidsLimit,
		Network:      runtime.NetworkName(spec.AppID),
		User:         runtime.RunUser(spec.AppID),
		Labels: map[string]string{
			runtime.LabelApp:   spec.AppID,
			runtime.LabelIndex: strconv.Itoa(inst.Index),
		},
		Restart: "unless-stopped",
		Command: spec.Command,
	}
	if spec.TaskID != "" {
		run.Labels[runtime.LabelTask] = spec.TaskID
	}
	if s.limits.ReadOnlyRoot {
		run.ReadOnlyRoot = true
		run.Tmpfs = []string{"/tmp"}
	}
	return run
}
