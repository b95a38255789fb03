package direct

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/runtime"
	"github.com/splax/localvercel/pkg/logger"
)

type fakeContainers struct {
	running  map[string]container.RunSpec
	networks map[string]bool
	runs     int
	removes  int
	failRun  string
}

func newFakeContainers() *fakeContainers {
	return &fakeContainers{running: map[string]container.RunSpec{}, networks: map[string]bool{}}
}

func (f *fakeContainers) Run(_ context.Context, spec container.RunSpec) (string, error) {
	if spec.Name == f.failRun {
		return "", errors.New("port is already allocated")
	}
	if _, exists := f.running[spec.Name]; exists {
		return "", errors.New("name already in use")
	}
	f.running[spec.Name] = spec
	f.runs++
	return "id-" + spec.Name, nil
}

func (f *fakeContainers) Stop(context.Context, string, time.Duration) error { return nil }

func (f *fakeContainers) Remove(_ context.Context, name string) error {
	if _, ok := f.running[name]; ok {
		delete(f.running, name)
		f.removes++
	}
	return nil
}

func (f *fakeContainers) List(_ context.Context, labels map[string]string) ([]string, error) {
	var names []string
	for name, spec := range f.running {
		match := true
		for k, v := range labels {
			if spec.Labels[k] != v {
				match = false
			}
		}
		if match {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeContainers) EnsureNetwork(_ context.Context, name string) error {
	f.networks[name] = true
	return nil
}

func (f *fakeContainers) RemoveNetwork(_ context.Context, name string) error {
	delete(f.networks, name)
	return nil
}

func newStrategy(t *testing.T, fake *fakeContainers) *Strategy {
	t.Helper()
	s, err := New(fake, runtime.DefaultAddressing, Limits{MemoryMB: 512, CPUs: 1, PidsLimit: 256, ReadOnlyRoot: true}, logger.Discard())
	require.NoError(t, err)
	return s
}

func TestDeployStartsDeterministicInstances(t *testing.T) {
	fake := newFakeContainers()
	s := newStrategy(t, fake)

	spec := runtime.AppSpec{AppID: "a1", TaskID: "t1", Image: "paas/a1:t1", Port: 3000, Instances: 2, Env: map[string]string{"K": "v"}}
	dep, err := s.DeployApplication(context.Background(), spec)
	require.NoError(t, err)

	require.Len(t, dep.Instances, 2)
	assert.Equal(t, "paas-a1-0", dep.Instances[0].Name)
	assert.Equal(t, "paas-a1-1", dep.Instances[1].Name)
	assert.Equal(t, runtime.DefaultAddressing.HostPorts("a1", 2), dep.HostPorts())
	assert.True(t, fake.networks["paas-a1"])

	run := fake.running["paas-a1-0"]
	assert.Equal(t, []string{"ALL"}, run.CapDrop)
	assert.Equal(t, []string{"no-new-privileges"}, run.SecurityOpts)
	assert.True(t, run.ReadOnlyRoot)
	assert.Equal(t, []string{"/tmp"}, run.Tmpfs)
	assert.Equal(t, 256, run.PidsLimit)
	assert.Equal(t, "paas-a1", run.Network)
	assert.Equal(t, runtime.RunUser("a1"), run.User)
	assert.Equal(t, "3000", run.Env["PORT"])
	assert.Equal(t, "v", run.Env["K"])
	assert.Equal(t, "t1", run.Labels[runtime.LabelTask])
	assert.Equal(t, 3000, run.Ports[0].Container)
}

func TestRedeployReplacesWithoutDrift(t *testing.T) {
	fake := newFakeContainers()
	s := newStrategy(t, fake)
	spec := runtime.AppSpec{AppID: "a1", Image: "paas/a1:t1", Instances: 2}

	first, err := s.DeployApplication(context.Background(), spec)
	require.NoError(t, err)
	spec.Image = "paas/a1:t2"
	second, err := s.DeployApplication(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, first.HostPorts(), second.HostPorts())
	assert.Equal(t, 2, second.Removed)
	assert.Len(t, fake.running, 2)
	assert.Equal(t, "paas/a1:t2", fake.running["paas-a1-1"].Image)
}

func TestScaleMonotonicity(t *testing.T) {
	cases := []struct{ from, to int }{{1, 4}, {4, 1}, {3, 3}, {2, 0}, {0, 2}}
	for _, tc := range cases {
		fake := newFakeContainers()
		s := newStrategy(t, fake)
		spec := runtime.AppSpec{AppID: "a1", Image: "img", Instances: tc.from}
		_, err := s.DeployApplication(context.Background(), spec)
		require.NoError(t, err)
		runsBefore, removesBefore := fake.runs, fake.removes

		spec.Instances = tc.to
		dep, err := s.ScaleApplication(context.Background(), spec)
		require.NoError(t, err)

		created, removed := fake.runs-runsBefore, fake.removes-removesBefore
		assert.Equal(t, max(0, tc.to-tc.from), created, "%d->%d", tc.from, tc.to)
		assert.Equal(t, max(0, tc.from-tc.to), removed, "%d->%d", tc.from, tc.to)
		assert.False(t, created > 0 && removed > 0)
		assert.Equal(t, tc.to, len(fake.running))
		assert.Equal(t, created, dep.Created)
		assert.Equal(t, removed, dep.Removed)
		assert.Equal(t, runtime.DefaultAddressing.HostPorts("a1", tc.to), dep.HostPorts())
	}
}

func TestScaleFillsGaps(t *testing.T) {
	fake := newFakeContainers()
	s := newStrategy(t, fake)
	spec := runtime.AppSpec{AppID: "a1", Image: "img", Instances: 3}
	_, err := s.DeployApplication(context.Background(), spec)
	require.NoError(t, err)
	require.NoError(t, fake.Remove(context.Background(), "paas-a1-1"))

	dep, err := s.ScaleApplication(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, 1, dep.Created)
	assert.Contains(t, fake.running, "paas-a1-1")
}

func TestDeployFailureKeepsStartedSiblings(t *testing.T) {
	fake := newFakeContainers()
	fake.failRun = "paas-a1-1"
	s := newStrategy(t, fake)

	dep, err := s.DeployApplication(context.Background(), runtime.AppSpec{AppID: "a1", Image: "img", Instances: 3})
	require.Error(t, err)
	assert.Len(t, dep.Instances, 1)
	assert.Contains(t, fake.running, "paas-a1-0")
}

func TestRemoveApplication(t *testing.T) {
	fake := newFakeContainers()
	s := newStrategy(t, fake)
	_, err := s.DeployApplication(context.Background(), runtime.AppSpec{AppID: "a1", Image: "img", Instances: 2})
	require.NoError(t, err)

	require.NoError(t, s.RemoveApplication(context.Background(), "a1"))
	assert.Empty(t, fake.running)
	assert.False(t, fake.networks["paas-a1"])
	require.NoError(t, s.RemoveApplication(context.Background(), "a1"))
}

func TestRejectsTooManyInstances(t *testing.T) {
	s := newStrategy(t, newFakeContainers())
	_, err := s.DeployApplication(context.Background(), runtime.AppSpec{AppID: "a1", Image: "img", Instances: 99})
	assert.Error(t, err)
}
