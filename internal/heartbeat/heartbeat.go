// Package heartbeat periodically reports node health to the control plane.
package heartbeat

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/splax/localvercel/internal/database"
	"github.com/splax/localvercel/internal/docker"
	"github.com/splax/localvercel/internal/metrics"
	"github.com/splax/localvercel/internal/runtime"
	"github.com/splax/localvercel/pkg/api/client"
)

// Containers lists managed containers and samples their usage.
type Containers interface {
	List(ctx context.Context, labels map[string]string) ([]docker.Summary, error)
	Stats(ctx context.Context, id string) (docker.Usage, error)
}

// Sender delivers heartbeats and retries queued status reports.
type Sender interface {
	Heartbeat(ctx context.Context, hb client.Heartbeat) error
	FlushPending(ctx context.Context) (int, error)
}

// Config tunes the reporter.
type Config struct {
	NodeID   string
	Version  string
	Interval time.Duration
	// DataDir is the filesystem whose usage is reported as disk.
	DataDir string
	Timeout time.Duration
}

// Reporter samples the node on a ticker.
type Reporter struct {
	cfg        Config
	containers Containers
	sender     Sender
	metrics    *metrics.Metrics
	logger     *slog.Logger
	sample     func(dir string) (HostSample, error)
	now        func() time.Time
}

// New constructs a Reporter. containers may be nil when no daemon is reachable.
func New(cfg Config, containers Containers, sender Sender, m *metrics.Metrics, logger *slog.Logger) *Reporter {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		cfg:        cfg,
		containers: containers,
		sender:     sender,
		metrics:    m,
		logger:     logger,
		sample:     SampleHost,
		now:        time.Now,
	}
}

// Run beats once immediately and then on every tick until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		r.Beat(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Beat sends one heartbeat and then flushes queued status reports. Failures
// are logged; the next tick tries again.
func (r *Reporter) Beat(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	hb := r.Collect(ctx)
	if err := r.sender.Heartbeat(ctx, hb); err != nil {
		r.metrics.ObserveHeartbeat("failure")
		r.logger.Warn("heartbeat failed", "error", err)
		return
	}
	r.metrics.ObserveHeartbeat("success")
	delivered, err := r.sender.FlushPending(ctx)
	if delivered > 0 {
		r.logger.Info("delivered queued status reports", "count", delivered)
	}
	if err != nil {
		r.logger.Warn("queued status reports still pending", "error", err)
	}
}

// Collect builds the heartbeat payload from whatever can be sampled.
func (r *Reporter) Collect(ctx context.Context) client.Heartbeat {
	hb := client.Heartbeat{NodeID: r.cfg.NodeID, Version: r.cfg.Version, SentAt: r.now().UTC()}
	host, err := r.sample(r.cfg.DataDir)
	if err != nil {
		r.logger.Debug("host sample incomplete", "error", err)
	}
	hb.CPUCores = host.CPUCores
	hb.CPUPercent = host.CPUPercent()
	hb.Load1 = host.Load1
	hb.Memory = client.Usage{Total: host.MemoryTotal, Used: host.MemoryUsed}
	hb.Disk = client.Usage{Total: host.DiskTotal, Used: host.DiskUsed}
	hb.Uptime = host.Uptime

	if r.containers == nil {
		return hb
	}
	list, err := r.containers.List(ctx, map[string]string{runtime.LabelApp: ""})
	if err != nil {
		r.logger.Warn("list containers for heartbeat", "error", err)
		return hb
	}
	apps := map[string]*client.AppUsage{}
	for _, ctr := range list {
		if !ctr.Running() {
			continue
		}
		hb.Containers++
		appID := ctr.Labels[runtime.LabelApp]
		if appID == "" {
			continue
		}
		usage, ok := apps[appID]
		if !ok {
			usage = &client.AppUsage{AppID: appID}
			apps[appID] = usage
		}
		usage.Instances++
		stats, err := r.containers.Stats(ctx, ctr.ID)
		if err != nil {
			r.logger.Debug("container stats unavailable", "container", ctr.Name, "error", err)
			continue
		}
		usage.CPUPercent += stats.CPUPercent
		usage.MemoryBytes += stats.MemoryBytes
	}
	for _, usage := range apps {
		hb.Apps = append(hb.Apps, *usage)
	}
	dbs, err := r.containers.List(ctx, map[string]string{database.LabelDatabase: ""})
	if err != nil {
		r.logger.Warn("list database containers for heartbeat", "error", err)
	}
	for _, ctr := range dbs {
		if ctr.Running() {
			hb.Containers++
		}
	}
	sort.Slice(hb.Apps, func(i, j int) bool { return hb.Apps[i].AppID < hb.Apps[j].AppID })
	return hb
}
