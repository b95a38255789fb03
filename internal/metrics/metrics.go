// Package metrics holds the agent's Prometheus collectors.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "paas"
	subsystem = "agent"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

var buildBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 900}

// Metrics groups every collector the agent exports. A nil *Metrics records nothing.
type Metrics struct {
	Gatherer prometheus.Gatherer

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	tasksTotal      *prometheus.CounterVec
	taskDuration    *prometheus.HistogramVec
	buildDuration   *prometheus.HistogramVec
	tasksInFlight   prometheus.Gauge
	heartbeats      *prometheus.CounterVec
}

// New registers collectors on reg. A collector already registered there is reused.
func New(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{Gatherer: gatherer}
	m.requestTotal = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"}))
	m.requestDuration = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"}))
	m.tasksTotal = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tasks_total",
		Help:      "Number of executed tasks by kind and outcome",
	}, []string{"kind", "outcome"}))
	m.taskDuration = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "task_duration_seconds",
		Help:      "Wall-clock time of task execution",
		Buckets:   buildBuckets,
	}, []string{"kind"}))
	m.buildDuration = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "build_duration_seconds",
		Help:      "Duration of image builds",
		Buckets:   buildBuckets,
	}, []string{"outcome"}))
	m.tasksInFlight = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "tasks_in_flight",
		Help:      "Tasks currently executing",
	}))
	m.heartbeats = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: subsystem,
		Name:      "heartbeats_total",
		Help:      "Heartbeat deliveries by outcome",
	}, []string{"outcome"}))
	return m
}

// NewDefault registers on the process-wide registry.
func NewDefault() *Metrics {
	return New(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// TaskStarted marks a task as in flight and returns a function that records its end.
func (m *Metrics) TaskStarted(kind string) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.tasksInFlight.Inc()
	return func(outcome string) {
		m.tasksInFlight.Dec()
		m.tasksTotal.With(prometheus.Labels{"kind": kind, "outcome": outcome}).Inc()
		m.taskDuration.With(prometheus.Labels{"kind": kind}).Observe(time.Since(start).Seconds())
	}
}

// ObserveBuild records one image build.
func (m *Metrics) ObserveBuild(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.buildDuration.With(prometheus.Labels{"outcome": outcome}).Observe(d.Seconds())
}

// ObserveHeartbeat records one heartbeat delivery.
func (m *Metrics) ObserveHeartbeat(outcome string) {
	if m == nil {
		return
	}
	m.heartbeats.With(prometheus.Labels{"outcome": outcome}).Inc()
}

// Instrument wraps an HTTP handler with request counting and latency.
func (m *Metrics) Instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	if m == nil {
		return next
	}
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &responseRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)
		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		labels := prometheus.Labels{
			"method": req.Method,
			"route":  route,
			"status": strconv.Itoa(status),
		}
		m.requestTotal.With(labels).Inc()
		m.requestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

func registerCounterVec(reg prometheus.Registerer, c *prometheus.CounterVec) *prometheus.CounterVec {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing
			}
		}
	}
	return c
}

func registerHistogramVec(reg prometheus.Registerer, h *prometheus.HistogramVec) *prometheus.HistogramVec {
	if err := reg.Register(h); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing
			}
		}
	}
	return h
}

func registerGauge(reg prometheus.Registerer, g prometheus.Gauge) prometheus.Gauge {
	if err := reg.Register(g); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(prometheus.Gauge); ok {
				return existing
			}
		}
	}
	return g
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (rr *responseRecorder) WriteHeader(code int) {
	rr.status = code
	rr.ResponseWriter.WriteHeader(code)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	if rr.status == 0 {
		rr.status = http.StatusOK
	}
	return rr.ResponseWriter.Write(b)
}
