package container

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/command"
)

type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	respond func(args []string) command.Result
}

func (f *fakeRunner) Run(_ context.Context, spec command.Spec) (command.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), spec.Args...))
	f.mu.Unlock()
	if f.respond != nil {
		return f.respond(spec.Args), nil
	}
	return command.Result{}, nil
}

func TestRunArgsStructured(t *testing.T) {
	args, err := RunArgs(RunSpec{
		Name:         "paas-a1-0",
		Image:        "paas/a1:t1",
		Env:          map[string]string{"PORT": "3000", "A": "has spaces; rm -rf /"},
		Ports:        []PortPair{{HostIP: "127.0.0.1", Host: 20100, Container: 3000}},
		MemoryMB:     512,
		CPUs:         0.5,
		CapDrop:      []string{"ALL"},
		SecurityOpts: []string{"no-new-privileges"},
		ReadOnlyRoot: true,
		Tmpfs:        []string{"/tmp"},
		PidsLimit:    256,
		Network:      "paas-a1",
		User:         "10001:10001",
		Labels:       map[string]string{"paas.app": "a1"},
	})
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Equal(t, "run", args[0])
	assert.Contains(t, joined, "--name paas-a1-0")
	assert.Contains(t, joined, "--publish 127.0.0.1:20100:3000/tcp")
	assert.Contains(t, joined, "--memory 512m")
	assert.Contains(t, joined, "--cpus 0.5")
	assert.Contains(t, joined, "--read-only")
	assert.Contains(t, joined, "--pids-limit 256")
	assert.Contains(t, joined, "--network paas-a1")
	assert.Contains(t, joined, "--user 10001:10001")
	assert.Contains(t, args, "A=has spaces; rm -rf /")
	assert.Equal(t, "paas/a1:t1", args[len(args)-1])

	// env is rendered in key order
	assert.Less(t, indexOf(args, "A=has spaces; rm -rf /"), indexOf(args, "PORT=3000"))
}

func TestRunArgsRequiresNameAndImage(t *testing.T) {
	_, err := RunArgs(RunSpec{Image: "x"})
	assert.Error(t, err)
	_, err = RunArgs(RunSpec{Name: "x"})
	assert.Error(t, err)
}

func TestRemoveMissingContainerSucceeds(t *testing.T) {
	runner := &fakeRunner{respond: func([]string) command.Result {
		return command.Result{ExitCode: 1, Stderr: "Error response from daemon: No such container: paas-a1-3"}
	}}
	rt := New(runner, "", nil)
	require.NoError(t, rt.Remove(context.Background(), "paas-a1-3"))
	require.NoError(t, rt.Stop(context.Background(), "paas-a1-3", time.Second))
	assert.Equal(t, []string{"rm", "--force", "--volumes", "paas-a1-3"}, runner.calls[0])
}

func TestRemoveSurfacesOtherFailures(t *testing.T) {
	runner := &fakeRunner{respond: func([]string) command.Result {
		return command.Result{ExitCode: 1, Stderr: "permission denied"}
	}}
	rt := New(runner, "", nil)
	err := rt.Remove(context.Background(), "paas-a1-0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")
}

func TestEnsureNetworkIdempotent(t *testing.T) {
	runner := &fakeRunner{respond: func(args []string) command.Result {
		if args[1] == "inspect" {
			return command.Result{ExitCode: 1, Stderr: "Error: No such network: paas-a1"}
		}
		return command.Result{ExitCode: 1, Stderr: "network with name paas-a1 already exists"}
	}}
	rt := New(runner, "", nil)
	require.NoError(t, rt.EnsureNetwork(context.Background(), "paas-a1"))
	require.Len(t, runner.calls, 2)
	assert.Equal(t, "create", runner.calls[1][1])
}

func TestEnsureNetworkSkipsCreateWhenPresent(t *testing.T) {
	runner := &fakeRunner{}
	rt := New(runner, "", nil)
	require.NoError(t, rt.EnsureNetwork(context.Background(), "paas-a1"))
	assert.Len(t, runner.calls, 1)
}

func TestListParsesNames(t *testing.T) {
	runner := &fakeRunner{respond: func([]string) command.Result {
		return command.Result{Stdout: "paas-a1-1\npaas-a1-0\n\n"}
	}}
	rt := New(runner, "", nil)
	names, err := rt.List(context.Background(), map[string]string{"paas.app": "a1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"paas-a1-0", "paas-a1-1"}, names)
	assert.Contains(t, runner.calls[0], "label=paas.app=a1")
}

func TestBuildReportsTimeout(t *testing.T) {
	runner := &fakeRunner{respond: func([]string) command.Result {
		return command.Result{ExitCode: command.TimeoutExitCode, TimedOut: true, Duration: 15 * time.Minute}
	}}
	rt := New(runner, "", nil)
	err := rt.Build(context.Background(), BuildSpec{Dir: "/tmp/x", Tag: "paas/a1:t1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestCopyFromImageCleansUp(t *testing.T) {
	runner := &fakeRunner{}
	rt := New(runner, "", nil)
	require.NoError(t, rt.CopyFromImage(context.Background(), "paas/a1:t1", "/app/node_modules", "/tmp/out"))
	require.Len(t, runner.calls, 3)
	assert.Equal(t, "create", runner.calls[0][0])
	assert.Equal(t, "cp", runner.calls[1][0])
	assert.Equal(t, "rm", runner.calls[2][0])
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}

func TestRemoveVolumeMissingSucceeds(t *testing.T) {
	runner := &fakeRunner{respond: func([]string) command.Result {
		return command.Result{ExitCode: 1, Stderr: "Error: No such volume: paas-db-x-data"}
	}}
	rt := New(runner, "docker", nil)
	require.NoError(t, rt.RemoveVolume(context.Background(), "paas-db-x-data"))
	assert.Equal(t, []string{"volume", "rm", "--force", "paas-db-x-data"}, runner.calls[0])
}
