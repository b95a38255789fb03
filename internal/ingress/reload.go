package ingress

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"github.com/splax/localvercel/internal/command"
	"github.com/splax/localvercel/internal/docker"
)

// CommandReloader runs a configured command such as "nginx -s reload".
type CommandReloader struct {
	runner command.Runner
	argv   []string
}

// NewCommandReloader splits line into arguments; no shell is involved.
func NewCommandReloader(runner command.Runner, line string) (*CommandReloader, error) {
	argv, err := shellwords.Parse(line)
	if err != nil {
		return nil, fmt.Errorf("parse reload command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("reload command cannot be empty")
	}
	return &CommandReloader{runner: runner, argv: argv}, nil
}

func (r *CommandReloader) Reload(ctx context.Context) error {
	res, err := r.runner.Run(ctx, command.Spec{Name: r.argv[0], Args: r.argv[1:], Timeout: 30 * time.Second})
	if err != nil {
		return err
	}
	return res.Err("proxy reload")
}

// Signaller delivers signals to named containers.
type Signaller interface {
	Signal(ctx context.Context, name, signal string) error
}

// ContainerReloader sends SIGHUP to an nginx container.
type ContainerReloader struct {
	signaller Signaller
	container string
}

// NewContainerReloader targets the named container.
func NewContainerReloader(signaller Signaller, container string) (*ContainerReloader, error) {
	container = strings.TrimSpace(container)
	if container == "" {
		return nil, fmt.Errorf("container name required")
	}
	return &ContainerReloader{signaller: signaller, container: container}, nil
}

func (r *ContainerReloader) Reload(ctx context.Context) error {
	if err := r.signaller.Signal(ctx, r.container, "HUP"); err != nil {
		if errors.Is(err, docker.ErrNotFound) {
			return fmt.Errorf("nginx container %s not found", r.container)
		}
		return err
	}
	return nil
}
