package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/service/task"
	"github.com/splax/localvercel/pkg/jwt"
	"github.com/splax/localvercel/pkg/logger"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) (string, error) { return "1.45", f.err }

type fakeSubmitter struct {
	mu    sync.Mutex
	tasks []task.Task
}

func (f *fakeSubmitter) Submit(t task.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, t)
}

func newTestRouter(pinger Pinger, sub Submitter, auth Auth) (*Router, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	return New(logger.Discard(), pinger, sub, auth, metrics.New(reg, reg)), reg
}

func TestHealthReportsDocker(t *testing.T) {
	router, _ := newTestRouter(fakePinger{}, &fakeSubmitter{}, Auth{})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])

	router, _ = newTestRouter(fakePinger{err: errors.New("socket missing")}, &fakeSubmitter{}, Auth{})
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "socket missing")
}

func TestSubmitRequiresAgentToken(t *testing.T) {
	sub := &fakeSubmitter{}
	router, _ := newTestRouter(fakePinger{}, sub, Auth{Token: "secret"})
	body := `{"kind":"stop","app_id":"a1"}`

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sub.tasks)

	req = httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, sub.tasks, 1)
	assert.NotEmpty(t, sub.tasks[0].ID)
	assert.Equal(t, task.KindStop, sub.tasks[0].Kind)

	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, sub.tasks[0].ID, resp["task_id"])
}

func TestSubmitAcceptsNodeJWT(t *testing.T) {
	sub := &fakeSubmitter{}
	router, _ := newTestRouter(fakePinger{}, sub, Auth{NodeID: "node-1", NodeSecret: "s3cret"})
	token, err := jwt.GenerateToken("node-1", "s3cret", time.Minute)
	require.NoError(t, err)
	other, err := jwt.GenerateToken("node-2", "s3cret", time.Minute)
	require.NoError(t, err)

	for tok, want := range map[string]int{token: http.StatusAccepted, other: http.StatusUnauthorized} {
		req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"id":"t1","kind":"restart","app_id":"a1"}`))
		req.Header.Set("Authorization", "Bearer "+tok)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code)
	}
	require.Len(t, sub.tasks, 1)
	assert.Equal(t, "t1", sub.tasks[0].ID)
}

func TestSubmitRejectsBadTasks(t *testing.T) {
	sub := &fakeSubmitter{}
	router, _ := newTestRouter(fakePinger{}, sub, Auth{Token: "secret"})
	for _, body := range []string{`{`, `{"kind":"migrate","app_id":"a1"}`, `{"kind":"deploy"}`} {
		req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer secret")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	assert.Empty(t, sub.tasks)
}

func TestSubmitDisabledWithoutCredentials(t *testing.T) {
	router, _ := newTestRouter(fakePinger{}, &fakeSubmitter{}, Auth{})
	req := httptest.NewRequest(http.MethodPost, "/v1/tasks", strings.NewReader(`{"kind":"stop","app_id":"a1"}`))
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestMetricsEndpointExposesRequests(t *testing.T) {
	router, _ := newTestRouter(fakePinger{}, &fakeSubmitter{}, Auth{})
	router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `paas_agent_http_requests_total{method="GET",route="/healthz",status="200"} 1`)
}
