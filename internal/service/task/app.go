package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/splax/localvercel/internal/build"
	"github.com/splax/localvercel/internal/certs"
	"github.com/splax/localvercel/internal/git"
	"github.com/splax/localvercel/internal/ingress"
	"github.com/splax/localvercel/internal/runtime"
	"github.com/splax/localvercel/internal/state"
)

// deploy builds a new image and replaces the running instances with it. A
// failed build leaves the current instances untouched.
func (e *Executor) deploy(ctx context.Context, t Task, log *taskLog) (outcomeReport, error) {
	prior, hasPrior, err := e.loadApp(t.AppID)
	if err != nil {
		return outcomeReport{}, err
	}
	p := t.Payload
	if strings.TrimSpace(p.RepoURL) == "" {
		return outcomeReport{}, fmt.Errorf("deploy requires a repository url")
	}

	e.progress(ctx, t, StatusBuilding, "building "+git.Redact(p.RepoURL))
	log.Stage(ctx, "build", "building "+git.Redact(p.RepoURL)+" at "+branchOrDefault(p.Branch))
	useCache := e.cfg.CacheEnabled
	if p.UseCache != nil {
		useCache = useCache && *p.UseCache
	}
	hints := p.Build
	hints.RunUID = runtime.RunUID(t.AppID)
	started := time.Now()
	result, err := e.deps.Builder.Run(ctx, build.Request{
		TaskID:      t.ID,
		AppID:       t.AppID,
		RepoURL:     p.RepoURL,
		Branch:      p.Branch,
		Credentials: git.Credentials{Username: p.GitUsername, Token: p.GitToken},
		Hints:       hints,
		UseCache:    useCache,
		Log:         log.Line,
	})
	if err != nil {
		e.deps.Metrics.ObserveBuild("failure", time.Since(started))
		return outcomeReport{}, fmt.Errorf("build failed: %w", err)
	}
	e.deps.Metrics.ObserveBuild("success", time.Since(started))
	log.Stage(ctx, "build", "image "+result.Image+" ready")

	e.progress(ctx, t, StatusDeploying, "starting instances of "+result.Image)
	rec := state.AppRecord{
		AppID:     t.AppID,
		Image:     result.Image,
		Env:       p.Env,
		Port:      firstPositive(p.Port, result.Plan.Port, prior.Port),
		Instances: e.cfg.DefaultInstances,
		Domains:   p.Domains,
		Resources: state.Resources{MemoryMB: p.Resources.MemoryMB, CPUs: p.Resources.CPUs},
		Strategy:  e.cfg.StrategyName,
	}
	switch {
	case p.Instances != nil:
		rec.Instances = *p.Instances
	case hasPrior && prior.Instances > 0:
		rec.Instances = prior.Instances
	}
	if rec.Env == nil && hasPrior {
		rec.Env = prior.Env
	}
	if rec.Domains == nil && hasPrior {
		rec.Domains = prior.Domains
	}
	rec.Status = StatusRunning
	return e.launch(ctx, t, log, rec, false)
}

// start recreates the instances recorded for the application without building.
func (e *Executor) start(ctx context.Context, t Task, log *taskLog) (outcomeReport, error) {
	rec, hasRec, err := e.loadApp(t.AppID)
	if err != nil {
		return outcomeReport{}, err
	}
	if !hasRec {
		return outcomeReport{state: StatusFailed}, fmt.Errorf("no runtime record for application %s; deploy it first", t.AppID)
	}
	if p := t.Payload; p.Instances != nil {
		rec.Instances = *p.Instances
	}
	rec.Status = StatusRunning
	e.progress(ctx, t, StatusDeploying, "starting instances of "+rec.Image)
	log.Stage(ctx, "start", fmt.Sprintf("starting %d instance(s) of %s", rec.Instances, rec.Image))
	return e.launch(ctx, t, log, rec, true)
}

// restart stops every instance and then starts from the runtime record.
func (e *Executor) restart(ctx context.Context, t Task, log *taskLog) (outcomeReport, error) {
	if _, hasRec, err := e.loadApp(t.AppID); err != nil {
		return outcomeReport{}, err
	} else if !hasRec {
		return outcomeReport{state: StatusFailed}, fmt.Errorf("no runtime record for application %s; deploy it first", t.AppID)
	}
	log.Stage(ctx, "restart", "stopping instances")
	if err := e.deps.Strategy.RemoveApplication(ctx, t.AppID); err != nil {
		return outcomeReport{}, fmt.Errorf("stop instances: %w", err)
	}
	return e.start(ctx, t, log)
}

// stop removes instances and routing and keeps the runtime record for a later start.
func (e *Executor) stop(ctx context.Context, t Task, log *taskLog) (outcomeReport, error) {
	log.Stage(ctx, "stop", "stopping instances")
	if err := e.deps.Strategy.RemoveApplication(ctx, t.AppID); err != nil {
		return outcomeReport{}, fmt.Errorf("stop instances: %w", err)
	}
	if err := e.deps.Router.Remove(ctx, t.AppID); err != nil {
		return outcomeReport{}, fmt.Errorf("remove routing: %w", err)
	}
	rec, hasRec, err := e.loadApp(t.AppID)
	if err != nil {
		return outcomeReport{}, err
	}
	if hasRec {
		rec.Status = StatusStopped
		rec.HostPorts = nil
		rec.LastTaskID = t.ID
		rec.UpdatedAt = e.now().UTC()
		if err := e.deps.Store.SaveApp(rec); err != nil {
			return outcomeReport{}, fmt.Errorf("persist runtime record: %w", err)
		}
	}
	log.Stage(ctx, "stop", "application stopped")
	return outcomeReport{status: StatusStopped, message: "application stopped", image: rec.Image}, nil
}

// scale changes the live instance count and re-routes.
func (e *Executor) scale(ctx context.Context, t Task, log *taskLog) (outcomeReport, error) {
	if t.Payload.Instances == nil {
		return outcomeReport{}, fmt.Errorf("scale requires an instance count")
	}
	rec, hasRec, err := e.loadApp(t.AppID)
	if err != nil {
		return outcomeReport{}, err
	}
	if !hasRec {
		return outcomeReport{state: StatusFailed}, fmt.Errorf("no runtime record for application %s; deploy it first", t.AppID)
	}
	rec.Instances = *t.Payload.Instances
	log.Stage(ctx, "scale", fmt.Sprintf("scaling to %d instance(s)", rec.Instances))
	dep, err := e.deps.Strategy.ScaleApplication(ctx, appSpec(t.ID, rec))
	if err != nil {
		return outcomeReport{}, fmt.Errorf("scale instances: %w", err)
	}
	log.Line("scale", fmt.Sprintf("created %d, removed %d", dep.Created, dep.Removed))
	route := ingress.Route{AppID: rec.AppID, Ports: dep.HostPorts(), Domains: rec.Domains, Host: dep.Host}
	if rec.CertPath != "" {
		route.Cert = &ingress.Certificate{CertPath: rec.CertPath, KeyPath: rec.KeyPath}
	}
	if err := e.deps.Router.Sync(ctx, route); err != nil {
		return outcomeReport{}, fmt.Errorf("sync routing: %w", err)
	}
	rec.HostPorts = dep.HostPorts()
	rec.Status = StatusRunning
	if rec.Instances == 0 {
		rec.Status = StatusStopped
	}
	if err := e.persist(t, &rec, dep); err != nil {
		return outcomeReport{}, err
	}
	return outcomeReport{status: rec.Status, message: fmt.Sprintf("scaled to %d instance(s)", rec.Instances), image: rec.Image, hostPorts: rec.HostPorts}, nil
}

// launch replaces instances with rec, routes them, attaches TLS and persists rec.
func (e *Executor) launch(ctx context.Context, t Task, log *taskLog, rec state.AppRecord, reuseCert bool) (outcomeReport, error) {
	dep, err := e.deps.Strategy.DeployApplication(ctx, appSpec(t.ID, rec))
	if err != nil {
		return outcomeReport{}, fmt.Errorf("start instances: %w", err)
	}
	log.Stage(ctx, "deploy", fmt.Sprintf("%d instance(s) running on %s", len(dep.Instances), joinPorts(dep.HostPorts())))

	route := ingress.Route{AppID: rec.AppID, Ports: dep.HostPorts(), Domains: rec.Domains, Host: dep.Host}
	if err := e.deps.Router.Sync(ctx, route); err != nil {
		return outcomeReport{}, fmt.Errorf("sync routing: %w", err)
	}

	priorCert := &ingress.Certificate{CertPath: rec.CertPath, KeyPath: rec.KeyPath}
	rec.CertPath, rec.KeyPath = "", ""
	cert := e.certificate(ctx, log, rec.Domains)
	if cert == nil && priorCert.CertPath != "" && len(rec.Domains) > 0 {
		switch {
		case reuseCert && !e.certsEnabled():
			// Without a provider the recorded certificate is the only one there is.
			cert = priorCert
		case certs.Usable(priorCert.CertPath, rec.Domains, e.now()):
			log.Line("tls", "keeping previous certificate")
			cert = priorCert
		}
	}
	if cert != nil {
		route.Cert = cert
		if err := e.deps.Router.Sync(ctx, route); err != nil {
			return outcomeReport{}, fmt.Errorf("sync routing with tls: %w", err)
		}
		rec.CertPath, rec.KeyPath = cert.CertPath, cert.KeyPath
		log.Line("tls", "certificate attached")
	}

	rec.HostPorts = dep.HostPorts()
	if err := e.persist(t, &rec, dep); err != nil {
		return outcomeReport{}, err
	}
	return outcomeReport{
		status:    StatusRunning,
		message:   fmt.Sprintf("%d instance(s) running", len(dep.Instances)),
		image:     rec.Image,
		hostPorts: rec.HostPorts,
	}, nil
}

// certificate awaits issuance or renewal for domains. Any failure means no
// certificate yet; the caller keeps plain HTTP routing.
func (e *Executor) certificate(ctx context.Context, log *taskLog, domains []string) *ingress.Certificate {
	if !e.certsEnabled() || len(domains) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.CertTimeout)
	defer cancel()
	log.Line("tls", "requesting certificate for "+strings.Join(domains, ", "))
	cert, err := e.deps.Certs.EnsureAsync(ctx, domains).Wait(ctx)
	if err != nil {
		e.logger.Warn("certificate unavailable; serving plain http", "domains", domains, "error", err)
		log.Line("tls", "certificate unavailable: "+err.Error())
		return nil
	}
	if cert == nil {
		return nil
	}
	return &ingress.Certificate{CertPath: cert.CertPath, KeyPath: cert.KeyPath}
}

func (e *Executor) certsEnabled() bool {
	return e.deps.Certs != nil && e.deps.Certs.Enabled()
}

func (e *Executor) persist(t Task, rec *state.AppRecord, dep runtime.Deployment) error {
	if dep.Network != "" {
		rec.Network = dep.Network
	}
	if dep.RunUser != "" {
		rec.RunUser = dep.RunUser
	}
	rec.Strategy = e.cfg.StrategyName
	rec.LastTaskID = t.ID
	rec.UpdatedAt = e.now().UTC()
	if err := e.deps.Store.SaveApp(*rec); err != nil {
		return fmt.Errorf("persist runtime record: %w", err)
	}
	return nil
}

func (e *Executor) loadApp(appID string) (state.AppRecord, bool, error) {
	rec, err := e.deps.Store.LoadApp(appID)
	if errors.Is(err, state.ErrNotFound) {
		return state.AppRecord{}, false, nil
	}
	if err != nil {
		return state.AppRecord{}, false, fmt.Errorf("load runtime record: %w", err)
	}
	return rec, true, nil
}

func appSpec(taskID string, rec state.AppRecord) runtime.AppSpec {
	return runtime.AppSpec{
		AppID:     rec.AppID,
		TaskID:    taskID,
		Image:     rec.Image,
		Env:       rec.Env,
		Port:      rec.Port,
		Instances: rec.Instances,
		Resources: runtime.Resources{MemoryMB: rec.Resources.MemoryMB, CPUs: rec.Resources.CPUs},
	}
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func branchOrDefault(branch string) string {
	if strings.TrimSpace(branch) == "" {
		return "main"
	}
	return branch
}

func joinPorts(ports []int) string {
	if len(ports) == 0 {
		return "no ports"
	}
	parts := make([]string, len(ports))
	for i, p := range ports {
		parts[i] = fmt.Sprint(p)
	}
	return strings.Join(parts, ", ")
}
