package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
)

// Summary is a container as seen by the daemon.
type Summary struct {
	ID     string
	Name   string
	State  string
	Image  string
	Labels map[string]string
}

// Running reports whether the container is up.
func (s Summary) Running() bool {
	return s.State == "running"
}

// Usage is a point-in-time resource sample for a container.
type Usage struct {
	CPUPercent  float64
	MemoryBytes uint64
	MemoryLimit uint64
}

// List returns containers matching every label, including stopped ones.
func (c *Client) List(ctx context.Context, labels map[string]string) ([]Summary, error) {
	if c == nil || c.inner == nil {
		return nil, fmt.Errorf("docker client not initialized")
	}
	args := filters.NewArgs()
	for k, v := range labels {
		if v == "" {
			args.Add("label", k)
			continue
		}
		args.Add("label", k+"="+v)
	}
	containers, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("docker container list: %w", err)
	}
	out := make([]Summary, 0, len(containers))
	for _, ctr := range containers {
		name := ctr.ID
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		out = append(out, Summary{
			ID:     ctr.ID,
			Name:   name,
			State:  ctr.State,
			Image:  ctr.Image,
			Labels: ctr.Labels,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Stats samples CPU and memory usage for a single container.
func (c *Client) Stats(ctx context.Context, id string) (Usage, error) {
	if c == nil || c.inner == nil {
		return Usage{}, fmt.Errorf("docker client not initialized")
	}
	resp, err := c.inner.ContainerStats(ctx, id, false)
	if err != nil {
		return Usage{}, fmt.Errorf("docker container stats: %w", translate(err))
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return Usage{}, fmt.Errorf("decode container stats: %w", err)
	}
	return usageFrom(stats), nil
}

func usageFrom(stats container.StatsResponse) Usage {
	usage := Usage{
		MemoryBytes: stats.MemoryStats.Usage,
		MemoryLimit: stats.MemoryStats.Limit,
	}
	cpuDelta := float64(stats.CPUStats.CPUUsage.TotalUsage) - float64(stats.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(stats.CPUStats.SystemUsage) - float64(stats.PreCPUStats.SystemUsage)
	online := float64(stats.CPUStats.OnlineCPUs)
	if online == 0 {
		online = float64(len(stats.CPUStats.CPUUsage.PercpuUsage))
	}
	if cpuDelta > 0 && sysDelta > 0 {
		usage.CPUPercent = cpuDelta / sysDelta * online * 100
	}
	return usage
}

// Signal delivers a signal to a running container.
func (c *Client) Signal(ctx context.Context, name, signal string) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	if err := c.inner.ContainerKill(ctx, name, signal); err != nil {
		return fmt.Errorf("docker signal %s: %w", name, translate(err))
	}
	return nil
}
