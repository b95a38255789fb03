package httpx

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/service/task"
	"github.com/splax/localvercel/pkg/jwt"
)

// Pinger checks the container daemon.
type Pinger interface {
	Ping(ctx context.Context) (string, error)
}

// Submitter accepts tasks for asynchronous execution.
type Submitter interface {
	Submit(t task.Task)
}

// Auth holds the credentials accepted for local task submission: the static
// agent token, or a node JWT signed with the node secret.
type Auth struct {
	Token      string
	NodeID     string
	NodeSecret string
}

func (a Auth) enabled() bool {
	return a.Token != "" || a.NodeSecret != ""
}

func (a Auth) allows(token string) bool {
	if a.Token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(a.Token)) == 1 {
		return true
	}
	if a.NodeSecret == "" {
		return false
	}
	claims, err := jwt.Parse(token, a.NodeSecret)
	return err == nil && claims.NodeID == a.NodeID
}

// Router exposes the agent's local HTTP endpoints.
type Router struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	docker  Pinger
	tasks   Submitter
	auth    Auth
	metrics *metrics.Metrics
}

const (
	healthCheckTimeout = 2 * time.Second
	maxTaskBody        = 1 << 20
)

// New creates and registers handlers.
func New(logger *slog.Logger, docker Pinger, tasks Submitter, auth Auth, m *metrics.Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		docker:  docker,
		tasks:   tasks,
		auth:    auth,
		metrics: m,
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	if r.metrics != nil && r.metrics.Gatherer != nil {
		r.mux.Handle("/metrics", promhttp.HandlerFor(r.metrics.Gatherer, promhttp.HandlerOpts{}))
	} else {
		r.mux.Handle("/metrics", promhttp.Handler())
	}
	r.mux.HandleFunc("/healthz", r.metrics.Instrument("/healthz", r.handleHealth))
	r.mux.HandleFunc("/v1/tasks", r.metrics.Instrument("/v1/tasks", r.requireAgent(r.handleSubmit)))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()
	component := map[string]any{"status": "up"}
	status := "ok"
	if r.docker == nil {
		status = "degraded"
		component = map[string]any{"status": "down", "error": "docker client unavailable"}
	} else if version, err := r.docker.Ping(ctx); err != nil {
		status = "degraded"
		component = map[string]any{
			"status": "down",
			"error":  err.Error(),
		}
	} else {
		component["api_version"] = version
	}
	payload := map[string]any{
		"status": status,
		"components": map[string]any{
			"docker": component,
		},
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) handleSubmit(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var t task.Task
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxTaskBody)).Decode(&t); err != nil {
		r.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if !t.Kind.IsApplication() && !t.Kind.IsDatabase() {
		r.writeError(w, http.StatusBadRequest, "unknown task kind "+string(t.Kind))
		return
	}
	if err := t.Validate(); err != nil {
		r.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	r.tasks.Submit(t)
	r.logger.Info("task submitted locally", "task_id", t.ID, "kind", string(t.Kind))
	r.writeJSON(w, http.StatusAccepted, map[string]string{"task_id": t.ID, "status": "accepted"})
}

// requireAgent admits requests bearing the agent token.
func (r *Router) requireAgent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if !r.auth.enabled() {
			r.writeError(w, http.StatusForbidden, "local task submission is disabled")
			return
		}
		token, err := bearerToken(req.Header.Get("Authorization"))
		if err != nil {
			r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
			r.writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		if !r.auth.allows(token) {
			r.logger.Warn("token rejected", "path", req.URL.Path)
			r.writeError(w, http.StatusUnauthorized, "authentication failed")
			return
		}
		next(w, req)
	}
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	return parts[1], nil
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
