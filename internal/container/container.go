package container

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"

	"github.com/splax/localvercel/internal/command"
)

const defaultOpTimeout = 2 * time.Minute

// PortPair publishes a container port on a host port.
type PortPair struct {
	HostIP    string
	Host      int
	Container int
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name         string
	Image        string
	Env          map[string]string
	Ports        []PortPair
	MemoryMB     int
	CPUs         float64
	Volumes      []string
	CapDrop      []string
	SecurityOpts []string
	ReadOnlyRoot bool
	Tmpfs        []string
	PidsLimit    int
	Network      string
	User         string
	Labels       map[string]string
	Restart      string
	Command      []string
}

// BuildSpec describes an image build.
type BuildSpec struct {
	Dir        string
	Dockerfile string
	Tag        string
	BuildArgs  map[string]string
	Labels     map[string]string
	Timeout    time.Duration
	OnLine     func(string)
}

// Runtime issues container engine operations through the docker CLI.
type Runtime struct {
	runner command.Runner
	binary string
	logger *slog.Logger
}

// New creates a Runtime. An empty binary selects "docker".
func New(runner command.Runner, binary string, logger *slog.Logger) *Runtime {
	if strings.TrimSpace(binary) == "" {
		binary = "docker"
	}
	return &Runtime{runner: runner, binary: binary, logger: logger}
}

func (r *Runtime) run(ctx context.Context, timeout time.Duration, onLine func(string), args ...string) (command.Result, error) {
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return r.runner.Run(ctx, command.Spec{
		Name:    r.binary,
		Args:    args,
		Timeout: timeout,
		OnLine:  onLine,
	})
}

func (r *Runtime) simple(ctx context.Context, what string, args ...string) error {
	res, err := r.run(ctx, 0, nil, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return res.Err(what)
}

// Build creates an image from the context directory.
func (r *Runtime) Build(ctx context.Context, spec BuildSpec) error {
	if strings.TrimSpace(spec.Dir) == "" {
		return fmt.Errorf("build directory cannot be empty")
	}
	if strings.TrimSpace(spec.Tag) == "" {
		return fmt.Errorf("image tag cannot be empty")
	}
	args := []string{"build", "--tag", spec.Tag, "--force-rm"}
	if spec.Dockerfile != "" {
		args = append(args, "--file", spec.Dockerfile)
	}
	for _, k := range sortedKeys(spec.BuildArgs) {
		args = append(args, "--build-arg", k+"="+spec.BuildArgs[k])
	}
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	args = append(args, spec.Dir)
	res, err := r.run(ctx, spec.Timeout, spec.OnLine, args...)
	if err != nil {
		return fmt.Errorf("image build: %w", err)
	}
	return res.Err("image build")
}

// Pull fetches an image from its registry.
func (r *Runtime) Pull(ctx context.Context, image string) error {
	res, err := r.run(ctx, 10*time.Minute, nil, "pull", image)
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	return res.Err("image pull " + image)
}

// Tag adds a reference to an existing image.
func (r *Runtime) Tag(ctx context.Context, source, target string) error {
	return r.simple(ctx, "image tag", "tag", source, target)
}

// Push uploads an image reference to its registry.
func (r *Runtime) Push(ctx context.Context, image string) error {
	res, err := r.run(ctx, 10*time.Minute, nil, "push", image)
	if err != nil {
		return fmt.Errorf("image push: %w", err)
	}
	return res.Err("image push " + image)
}

// Save writes an image as a tar archive to dest.
func (r *Runtime) Save(ctx context.Context, image, dest string) error {
	res, err := r.run(ctx, 10*time.Minute, nil, "save", "--output", dest, image)
	if err != nil {
		return fmt.Errorf("image save: %w", err)
	}
	return res.Err("image save")
}

// RemoveImage deletes an image reference; a missing image is not an error.
func (r *Runtime) RemoveImage(ctx context.Context, image string) error {
	res, err := r.run(ctx, 0, nil, "image", "rm", "--force", image)
	if err != nil {
		return fmt.Errorf("image remove: %w", err)
	}
	if !res.Success() && isNotFound(res) {
		return nil
	}
	return res.Err("image remove")
}

// RunArgs renders the CLI arguments for spec.
func RunArgs(spec RunSpec) ([]string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return nil, fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return nil, fmt.Errorf("image name cannot be empty")
	}
	args := []string{"run", "--detach", "--name", spec.Name}
	restart := spec.Restart
	if restart == "" {
		restart = "unless-stopped"
	}
	args = append(args, "--restart", restart)
	for _, k := range sortedKeys(spec.Labels) {
		args = append(args, "--label", k+"="+spec.Labels[k])
	}
	for _, k := range sortedKeys(spec.Env) {
		args = append(args, "--env", k+"="+spec.Env[k])
	}
	for _, p := range spec.Ports {
		port, err := nat.NewPort("tcp", strconv.Itoa(p.Container))
		if err != nil {
			return nil, fmt.Errorf("container port: %w", err)
		}
		host := strconv.Itoa(p.Host)
		if p.HostIP != "" {
			host = p.HostIP + ":" + host
		}
		args = append(args, "--publish", host+":"+string(port))
	}
	if spec.MemoryMB > 0 {
		args = append(args, "--memory", strconv.Itoa(spec.MemoryMB)+"m")
	}
	if spec.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.CPUs, 'f', -1, 64))
	}
	for _, v := range spec.Volumes {
		args = append(args, "--volume", v)
	}
	for _, c := range spec.CapDrop {
		args = append(args, "--cap-drop", c)
	}
	for _, o := range spec.SecurityOpts {
		args = append(args, "--security-opt", o)
	}
	if spec.ReadOnlyRoot {
		args = append(args, "--read-only")
	}
	for _, t := range spec.Tmpfs {
		args = append(args, "--tmpfs", t)
	}
	if spec.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.Itoa(spec.PidsLimit))
	}
	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}
	if spec.User != "" {
		args = append(args, "--user", spec.User)
	}
	args = append(args, spec.Image)
	args = append(args, spec.Command...)
	return args, nil
}

// Run creates and starts a detached container and returns its id.
func (r *Runtime) Run(ctx context.Context, spec RunSpec) (string, error) {
	args, err := RunArgs(spec)
	if err != nil {
		return "", err
	}
	res, err := r.run(ctx, 0, nil, args...)
	if err != nil {
		return "", fmt.Errorf("container run: %w", err)
	}
	if err := res.Err("container run " + spec.Name); err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Stop stops a running container; a missing container is not an error.
func (r *Runtime) Stop(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if secs <= 0 {
		secs = 10
	}
	res, err := r.run(ctx, 0, nil, "stop", "--time", strconv.Itoa(secs), name)
	if err != nil {
		return fmt.Errorf("container stop: %w", err)
	}
	if !res.Success() && isNotFound(res) {
		return nil
	}
	return res.Err("container stop " + name)
}

// Remove force-removes a container; a missing container is not an error.
func (r *Runtime) Remove(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	res, err := r.run(ctx, 0, nil, "rm", "--force", "--volumes", name)
	if err != nil {
		return fmt.Errorf("container remove: %w", err)
	}
	if !res.Success() && isNotFound(res) {
		return nil
	}
	return res.Err("container remove " + name)
}

// Restart restarts a container in place.
func (r *Runtime) Restart(ctx context.Context, name string) error {
	return r.simple(ctx, "container restart "+name, "restart", name)
}

// Exists reports whether a container with the given name exists.
func (r *Runtime) Exists(ctx context.Context, name string) (bool, error) {
	res, err := r.run(ctx, 0, nil, "container", "inspect", "--format", "{{.Name}}", name)
	if err != nil {
		return false, fmt.Errorf("container inspect: %w", err)
	}
	if res.Success() {
		return true, nil
	}
	if isNotFound(res) {
		return false, nil
	}
	return false, res.Err("container inspect " + name)
}

// List returns the names of all containers, running or not, carrying every given label.
func (r *Runtime) List(ctx context.Context, labels map[string]string) ([]string, error) {
	args := []string{"ps", "--all", "--format", "{{.Names}}"}
	for _, k := range sortedKeys(labels) {
		args = append(args, "--filter", "label="+k+"="+labels[k])
	}
	res, err := r.run(ctx, 0, nil, args...)
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	if err := res.Err("container list"); err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if name := strings.TrimSpace(line); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// EnsureNetwork creates a bridge network unless it already exists.
func (r *Runtime) EnsureNetwork(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("network name cannot be empty")
	}
	res, err := r.run(ctx, 0, nil, "network", "inspect", "--format", "{{.Name}}", name)
	if err != nil {
		return fmt.Errorf("network inspect: %w", err)
	}
	if res.Success() {
		return nil
	}
	res, err = r.run(ctx, 0, nil, "network", "create", "--driver", "bridge", "--label", "paas.managed=true", name)
	if err != nil {
		return fmt.Errorf("network create: %w", err)
	}
	if !res.Success() && strings.Contains(strings.ToLower(res.Combined()), "already exists") {
		return nil
	}
	return res.Err("network create " + name)
}

// RemoveNetwork deletes a network; a missing network is not an error.
func (r *Runtime) RemoveNetwork(ctx context.Context, name string) error {
	res, err := r.run(ctx, 0, nil, "network", "rm", name)
	if err != nil {
		return fmt.Errorf("network remove: %w", err)
	}
	if !res.Success() && isNotFound(res) {
		return nil
	}
	return res.Err("network remove " + name)
}

// RemoveVolume deletes a named volume; a missing volume is not an error.
func (r *Runtime) RemoveVolume(ctx context.Context, name string) error {
	res, err := r.run(ctx, 0, nil, "volume", "rm", "--force", name)
	if err != nil {
		return fmt.Errorf("volume remove: %w", err)
	}
	if !res.Success() && isNotFound(res) {
		return nil
	}
	return res.Err("volume remove " + name)
}

// Exec runs a command inside a running container and returns its raw result.
func (r *Runtime) Exec(ctx context.Context, name string, env map[string]string, timeout time.Duration, cmd ...string) (command.Result, error) {
	args := []string{"exec"}
	for _, k := range sortedKeys(env) {
		args = append(args, "--env", k+"="+env[k])
	}
	args = append(args, name)
	args = append(args, cmd...)
	return r.run(ctx, timeout, nil, args...)
}

// CopyFrom copies a path out of a container.
func (r *Runtime) CopyFrom(ctx context.Context, name, src, dest string) error {
	return r.simple(ctx, "copy from "+name, "cp", name+":"+src, dest)
}

// CopyTo copies a host path into a container.
func (r *Runtime) CopyTo(ctx context.Context, src, name, dest string) error {
	return r.simple(ctx, "copy to "+name, "cp", src, name+":"+dest)
}

// CopyFromImage extracts a path from an image through a throwaway container.
func (r *Runtime) CopyFromImage(ctx context.Context, image, src, dest string) error {
	name := "paas-extract-" + uuid.NewString()[:8]
	if err := r.simple(ctx, "container create", "create", "--name", name, image); err != nil {
		return err
	}
	defer func() {
		if err := r.Remove(context.Background(), name); err != nil && r.logger != nil {
			r.logger.Warn("remove extract container failed", "container", name, "error", err)
		}
	}()
	return r.CopyFrom(ctx, name, src, dest)
}

func isNotFound(res command.Result) bool {
	out := strings.ToLower(res.Combined())
	return strings.Contains(out, "no such") || strings.Contains(out, "not found")
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
