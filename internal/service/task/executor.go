// Package task executes control-plane tasks against the node.
//
// Tasks for different applications may run concurrently. The control plane
// serializes tasks for one application; nothing here locks per application.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/localvercel/internal/build"
	"github.com/splax/localvercel/internal/certs"
	"github.com/splax/localvercel/internal/database"
	"github.com/splax/localvercel/internal/ingress"
	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/runtime"
	"github.com/splax/localvercel/internal/state"
	"github.com/splax/localvercel/pkg/api/client"
)

// Builder turns a repository into an image.
type Builder interface {
	Run(ctx context.Context, req build.Request) (build.Result, error)
}

// Router exposes applications through the reverse proxy.
type Router interface {
	Sync(ctx context.Context, route ingress.Route) error
	Remove(ctx context.Context, appID string) error
}

// Certificates obtains TLS certificates for domain sets.
type Certificates interface {
	Enabled() bool
	EnsureAsync(ctx context.Context, domains []string) *certs.Pending
}

// Databases runs the database lifecycle.
type Databases interface {
	Create(ctx context.Context, req database.CreateRequest) (state.DatabaseRecord, error)
	Delete(ctx context.Context, id string) error
	Backup(ctx context.Context, id string) (string, error)
	Restore(ctx context.Context, id, key string) error
}

// Reporter delivers status and logs to the control plane.
type Reporter interface {
	ReportStatus(ctx context.Context, target client.Target, report client.StatusReport) error
	AppendLogs(ctx context.Context, target client.Target, chunk client.LogChunk) error
}

// Store persists runtime records and the completed-task ledger.
type Store interface {
	SaveApp(rec state.AppRecord) error
	LoadApp(appID string) (state.AppRecord, error)
	RecordTask(entry state.TaskEntry) error
	LookupTask(taskID string) (state.TaskEntry, bool, error)
}

// Deps are the collaborators of the executor.
type Deps struct {
	Builder   Builder
	Strategy  runtime.Strategy
	Router    Router
	Certs     Certificates
	Databases Databases
	Reporter  Reporter
	Store     Store
	Metrics   *metrics.Metrics
}

// Config tunes the executor.
type Config struct {
	StrategyName     string
	CacheEnabled     bool
	DefaultInstances int
	CertTimeout      time.Duration
	ReportTimeout    time.Duration
	LogFlushBytes    int
}

// Executor drives tasks to their end state and reports the outcome.
type Executor struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

// New validates deps and constructs an Executor.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Executor, error) {
	if deps.Strategy == nil || deps.Router == nil || deps.Reporter == nil || deps.Store == nil {
		return nil, fmt.Errorf("strategy, router, reporter and store are required")
	}
	if deps.Builder == nil {
		return nil, fmt.Errorf("builder required")
	}
	if cfg.DefaultInstances <= 0 {
		cfg.DefaultInstances = 1
	}
	if cfg.CertTimeout <= 0 {
		cfg.CertTimeout = 3 * time.Minute
	}
	if cfg.ReportTimeout <= 0 {
		cfg.ReportTimeout = 10 * time.Second
	}
	if cfg.LogFlushBytes <= 0 {
		cfg.LogFlushBytes = 16 << 10
	}
	if cfg.StrategyName == "" {
		cfg.StrategyName = "direct"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{cfg: cfg, deps: deps, logger: logger, now: time.Now}, nil
}

// Submit runs the task in its own goroutine. The task is not tied to the
// caller's lifetime; use Wait to drain on shutdown.
func (e *Executor) Submit(t Task) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		_ = e.Execute(context.Background(), t)
	}()
}

// Wait blocks until every submitted task has finished or ctx ends.
func (e *Executor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Execute runs one task inline and returns its terminal error. Every outcome,
// including a panic, is reported to the control plane. Unknown kinds are
// logged and ignored.
func (e *Executor) Execute(ctx context.Context, t Task) (err error) {
	logger := e.logger.With("task_id", t.ID, "kind", string(t.Kind), "app_id", t.AppID, "database_id", t.DatabaseID)
	if !t.Kind.IsApplication() && !t.Kind.IsDatabase() {
		logger.Warn("ignoring task of unknown kind")
		return nil
	}
	if err := t.Validate(); err != nil {
		logger.Warn("ignoring invalid task", "error", err)
		return err
	}
	target := e.target(t)
	if entry, done, lookupErr := e.deps.Store.LookupTask(t.ID); lookupErr != nil {
		logger.Warn("task ledger lookup failed", "error", lookupErr)
	} else if done {
		logger.Info("task already completed; reporting previous outcome")
		e.report(ctx, target, client.StatusReport{
			TaskID:  t.ID,
			Status:  entry.Outcome,
			Image:   entry.Image,
			State:   entry.Outcome,
			Message: "already completed",
			Final:   true,
		})
		return nil
	}

	finish := e.deps.Metrics.TaskStarted(string(t.Kind))
	log := newTaskLog(e, target, t.ID)
	outcome := StatusFailed
	defer func() {
		if r := recover(); r != nil {
			logger.Error("task panicked", "panic", r)
			err = fmt.Errorf("internal error: %v", r)
			e.fail(ctx, t, log, err, e.stateAfterFailure(t))
		}
		log.Flush(ctx)
		finish(outcome)
	}()

	logger.Info("task started")
	var res outcomeReport
	switch t.Kind {
	case KindDeploy:
		res, err = e.deploy(ctx, t, log)
	case KindStart:
		res, err = e.start(ctx, t, log)
	case KindRestart:
		res, err = e.restart(ctx, t, log)
	case KindStop:
		res, err = e.stop(ctx, t, log)
	case KindScale:
		res, err = e.scale(ctx, t, log)
	case KindDBCreate:
		res, err = e.dbCreate(ctx, t, log)
	case KindDBDelete:
		res, err = e.dbDelete(ctx, t, log)
	case KindDBBackup:
		res, err = e.dbBackup(ctx, t, log)
	case KindDBRestore:
		res, err = e.dbRestore(ctx, t, log)
	}
	if err != nil {
		logger.Error("task failed", "error", err)
		resulting := res.state
		if resulting == "" {
			resulting = e.stateAfterFailure(t)
		}
		e.fail(ctx, t, log, err, resulting)
		return err
	}

	outcome = res.status
	log.Flush(ctx)
	e.report(ctx, target, client.StatusReport{
		TaskID:    t.ID,
		Status:    res.status,
		Message:   res.message,
		Image:     res.image,
		State:     res.status,
		HostPorts: res.hostPorts,
		Data:      res.data,
		Final:     true,
	})
	if err := e.deps.Store.RecordTask(state.TaskEntry{
		TaskID:  t.ID,
		Kind:    string(t.Kind),
		Target:  target.ID,
		Outcome: res.status,
		Image:   res.image,
		Message: res.message,
	}); err != nil {
		logger.Warn("record task failed", "error", err)
	}
	logger.Info("task completed", "status", res.status)
	return nil
}

// outcomeReport is what a successful transition reports.
type outcomeReport struct {
	status    string
	message   string
	image     string
	hostPorts []int
	data      map[string]any
	// state overrides the resulting application state on failure.
	state string
}

func (e *Executor) target(t Task) client.Target {
	if t.Kind.IsDatabase() {
		return client.Database(t.DatabaseID)
	}
	return client.Application(t.AppID)
}

// stateAfterFailure is the application's resulting state when a task fails:
// an application with a running record keeps running, otherwise it is failed.
func (e *Executor) stateAfterFailure(t Task) string {
	if !t.Kind.IsApplication() {
		return StatusFailed
	}
	rec, err := e.deps.Store.LoadApp(t.AppID)
	if err != nil {
		return StatusFailed
	}
	if rec.Status == "" {
		return StatusRunning
	}
	return rec.Status
}

func (e *Executor) fail(ctx context.Context, t Task, log *taskLog, err error, resulting string) {
	msg := err.Error()
	var stageErr *build.StageError
	if errors.As(err, &stageErr) {
		for _, line := range stageErr.Tail {
			log.Line(stageErr.Stage, line)
		}
	}
	log.Line("error", msg)
	log.Flush(ctx)
	e.report(ctx, e.target(t), client.StatusReport{
		TaskID:  t.ID,
		Status:  StatusFailed,
		Message: msg,
		State:   resulting,
		Final:   true,
	})
}

func (e *Executor) progress(ctx context.Context, t Task, status, message string) {
	e.report(ctx, e.target(t), client.StatusReport{TaskID: t.ID, Status: status, Message: message})
}

func (e *Executor) report(ctx context.Context, target client.Target, r client.StatusReport) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.ReportTimeout)
	defer cancel()
	if r.At.IsZero() {
		r.At = e.now().UTC()
	}
	if err := e.deps.Reporter.ReportStatus(ctx, target, r); err != nil {
		e.logger.Warn("status report failed", "task_id", r.TaskID, "status", r.Status, "error", err)
	}
}
