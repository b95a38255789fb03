package docker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	containers []types.Container
	stats      container.StatsResponse
	listOpts   container.ListOptions
	killed     []string
	killErr    error
}

func (f *fakeEngine) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.47"}, nil
}

func (f *fakeEngine) ContainerList(_ context.Context, opts container.ListOptions) ([]types.Container, error) {
	f.listOpts = opts
	return f.containers, nil
}

func (f *fakeEngine) ContainerStats(context.Context, string, bool) (container.StatsResponseReader, error) {
	raw, err := json.Marshal(f.stats)
	if err != nil {
		return container.StatsResponseReader{}, err
	}
	return container.StatsResponseReader{Body: io.NopCloser(strings.NewReader(string(raw)))}, nil
}

func (f *fakeEngine) ContainerKill(_ context.Context, id, signal string) error {
	if f.killErr != nil {
		return f.killErr
	}
	f.killed = append(f.killed, id+":"+signal)
	return nil
}

func (f *fakeEngine) Close() error { return nil }

func TestListTrimsNamesAndFilters(t *testing.T) {
	eng := &fakeEngine{containers: []types.Container{
		{ID: "b", Names: []string{"/paas-a1-1"}, State: "exited"},
		{ID: "a", Names: []string{"/paas-a1-0"}, State: "running"},
	}}
	c := &Client{inner: eng}

	list, err := c.List(context.Background(), map[string]string{"paas.app": "a1"})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "paas-a1-0", list[0].Name)
	assert.True(t, list[0].Running())
	assert.False(t, list[1].Running())
	assert.True(t, eng.listOpts.All)
	assert.True(t, eng.listOpts.Filters.ExactMatch("label", "paas.app=a1"))
}

func TestStatsComputesCPUPercent(t *testing.T) {
	var stats container.StatsResponse
	stats.CPUStats.CPUUsage.TotalUsage = 300
	stats.PreCPUStats.CPUUsage.TotalUsage = 100
	stats.CPUStats.SystemUsage = 2000
	stats.PreCPUStats.SystemUsage = 1000
	stats.CPUStats.OnlineCPUs = 2
	stats.MemoryStats.Usage = 64 << 20
	stats.MemoryStats.Limit = 512 << 20
	c := &Client{inner: &fakeEngine{stats: stats}}

	usage, err := c.Stats(context.Background(), "paas-a1-0")
	require.NoError(t, err)
	assert.InDelta(t, 40.0, usage.CPUPercent, 0.001)
	assert.Equal(t, uint64(64<<20), usage.MemoryBytes)
	assert.Equal(t, uint64(512<<20), usage.MemoryLimit)
}

func TestSignalTranslatesNotFound(t *testing.T) {
	c := &Client{inner: &fakeEngine{killErr: errdefs.NotFound(errors.New("no such container"))}}
	err := c.Signal(context.Background(), "nginx", "HUP")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPingReturnsVersion(t *testing.T) {
	c := &Client{inner: &fakeEngine{}}
	v, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1.47", v)
}
