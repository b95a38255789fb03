package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// engine is the subset of the Docker SDK the agent reads from.
type engine interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerStats(ctx context.Context, containerID string, stream bool) (container.StatsResponseReader, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	Close() error
}

// Client wraps the Docker SDK client.
type Client struct {
	inner engine
}

// New creates a new Docker client using environment defaults.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the Docker daemon and returns its API version.
func (c *Client) Ping(ctx context.Context) (string, error) {
	if c == nil || c.inner == nil {
		return "", fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return "", fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return "", fmt.Errorf("docker ping returned empty API version")
	}
	return ping.APIVersion, nil
}

// Close releases resources held by the Docker client.
func (c *Client) Close() error {
	if c == nil || c.inner == nil {
		return nil
	}
	return c.inner.Close()
}
