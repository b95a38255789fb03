package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, reg)

	done := m.TaskStarted("deploy")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksInFlight))
	done("running")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksInFlight))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksTotal.With(prometheus.Labels{"kind": "deploy", "outcome": "running"})))

	m.ObserveBuild("success", 3*time.Second)
	m.ObserveHeartbeat("ok")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.heartbeats.With(prometheus.Labels{"outcome": "ok"})))
}

func TestReRegistrationReusesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := New(reg, reg)
	second := New(reg, reg)
	second.ObserveHeartbeat("ok")
	assert.Equal(t, 1.0, testutil.ToFloat64(first.heartbeats.With(prometheus.Labels{"outcome": "ok"})))
}

func TestInstrumentCountsStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg, reg)
	h := m.Instrument("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	count, err := testutil.GatherAndCount(reg, "paas_agent_http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestTotal.With(prometheus.Labels{"method": "GET", "route": "/healthz", "status": "503"})))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.TaskStarted("deploy")("failed")
	m.ObserveBuild("failed", time.Second)
	m.ObserveHeartbeat("failed")
	h := m.Instrument("/x", func(w http.ResponseWriter, _ *http.Request) {})
	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
}
