// Package database provisions single-container databases and moves their
// dumps to and from the artifact store.
package database

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/splax/localvercel/internal/command"
	"github.com/splax/localvercel/internal/container"
	"github.com/splax/localvercel/internal/runtime"
	"github.com/splax/localvercel/internal/state"
	"github.com/splax/localvercel/internal/storage"
	"github.com/splax/localvercel/pkg/crypto"
)

// LabelDatabase marks database containers with their database id.
const LabelDatabase = "paas.database"

const (
	portSpan    = 1000
	passwordLen = 32
	toolTimeout = 10 * time.Minute
)

var unsafeIdent = regexp.MustCompile(`[^a-z0-9_]+`)

// Containers is the subset of the container adapter databases need.
type Containers interface {
	Pull(ctx context.Context, image string) error
	Run(ctx context.Context, spec container.RunSpec) (string, error)
	Stop(ctx context.Context, name string, grace time.Duration) error
	Remove(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Exists(ctx context.Context, name string) (bool, error)
	EnsureNetwork(ctx context.Context, name string) error
	RemoveVolume(ctx context.Context, name string) error
	Exec(ctx context.Context, name string, env map[string]string, timeout time.Duration, cmd ...string) (command.Result, error)
	CopyFrom(ctx context.Context, name, src, dest string) error
	CopyTo(ctx context.Context, src, name, dest string) error
}

// Records persists database runtime records.
type Records interface {
	SaveDatabase(rec state.DatabaseRecord) error
	LoadDatabase(id string) (state.DatabaseRecord, error)
	DeleteDatabase(id string) error
}

// Config holds database placement settings.
type Config struct {
	PortBase     int
	Host         string
	ReadyTimeout time.Duration
	PollInterval time.Duration
	ScratchDir   string
	PidsLimit    int
}

// CreateRequest asks for a new database.
type CreateRequest struct {
	ID      string
	AppID   string
	Engine  string
	Version string
}

// Manager runs the database lifecycle.
type Manager struct {
	cfg        Config
	containers Containers
	records    Records
	store      storage.Store
	probers    map[string]Prober
	logger     *slog.Logger
	now        func() time.Time
}

// New constructs a Manager. A nil store disables backup and restore.
func New(cfg Config, containers Containers, records Records, store storage.Store, probers map[string]Prober, logger *slog.Logger) (*Manager, error) {
	if containers == nil || records == nil {
		return nil, fmt.Errorf("container runtime and records are required")
	}
	if cfg.PortBase <= 0 || cfg.PortBase+portSpan > 65535 {
		return nil, fmt.Errorf("invalid database port base %d", cfg.PortBase)
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = os.TempDir()
	}
	if err := os.MkdirAll(cfg.ScratchDir, 0o700); err != nil {
		return nil, fmt.Errorf("create database scratch dir: %w", err)
	}
	if probers == nil {
		probers = NativeProbers()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:        cfg,
		containers: containers,
		records:    records,
		store:      store,
		probers:    probers,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// ContainerName is the container of database id.
func ContainerName(id string) string {
	return "paas-db-" + sanitize(id)
}

// VolumeName is the data volume of database id.
func VolumeName(id string) string {
	return "paas-db-" + sanitize(id) + "-data"
}

// HostPort is the published port of database id.
func (m *Manager) HostPort(id string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return m.cfg.PortBase + int(h.Sum32()%portSpan)
}

// Create provisions the database. Re-delivery for a database that already has
// a record and a container returns the existing record.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (state.DatabaseRecord, error) {
	id := strings.TrimSpace(req.ID)
	if id == "" || sanitize(id) == "" {
		return state.DatabaseRecord{}, fmt.Errorf("database id required")
	}
	eng, err := lookupEngine(req.Engine)
	if err != nil {
		return state.DatabaseRecord{}, err
	}
	if existing, err := m.records.LoadDatabase(id); err == nil {
		exists, err := m.containers.Exists(ctx, existing.Container)
		if err != nil {
			return state.DatabaseRecord{}, err
		}
		if exists {
			m.logger.Info("database already provisioned", "database_id", id)
			return existing, nil
		}
		// Keep credentials so the data volume stays usable.
		if err := m.start(ctx, eng, existing); err != nil {
			return state.DatabaseRecord{}, err
		}
		return existing, nil
	} else if !errors.Is(err, state.ErrNotFound) {
		return state.DatabaseRecord{}, err
	}

	password, err := crypto.RandomString(passwordLen)
	if err != nil {
		return state.DatabaseRecord{}, fmt.Errorf("generate password: %w", err)
	}
	version := strings.TrimSpace(req.Version)
	if version == "" {
		version = eng.defaultVersion
	}
	rec := state.DatabaseRecord{
		ID:        id,
		AppID:     req.AppID,
		Engine:    eng.name,
		Version:   version,
		Container: ContainerName(id),
		Volume:    VolumeName(id),
		HostPort:  m.HostPort(id),
		Database:  identifier(id),
		User:      "paas",
		Password:  password,
		CreatedAt: m.now().UTC(),
	}
	if err := m.containers.Pull(ctx, eng.image(version)); err != nil {
		return state.DatabaseRecord{}, fmt.Errorf("pull %s: %w", eng.image(version), err)
	}
	if err := m.start(ctx, eng, rec); err != nil {
		m.discard(ctx, rec)
		return state.DatabaseRecord{}, err
	}
	if err := m.records.SaveDatabase(rec); err != nil {
		m.discard(ctx, rec)
		return state.DatabaseRecord{}, fmt.Errorf("persist database: %w", err)
	}
	m.logger.Info("database provisioned", "database_id", id, "engine", eng.name, "port", rec.HostPort)
	return rec, nil
}

// Delete stops and removes the container and data volume and forgets the record.
func (m *Manager) Delete(ctx context.Context, id string) error {
	rec, err := m.records.LoadDatabase(id)
	if errors.Is(err, state.ErrNotFound) {
		rec = state.DatabaseRecord{ID: id, Container: ContainerName(id), Volume: VolumeName(id)}
	} else if err != nil {
		return err
	}
	if err := m.containers.Stop(ctx, rec.Container, 30*time.Second); err != nil {
		m.logger.Warn("stop database failed", "database_id", id, "error", err)
	}
	if err := m.containers.Remove(ctx, rec.Container); err != nil {
		return fmt.Errorf("remove database container: %w", err)
	}
	if err := m.containers.RemoveVolume(ctx, rec.Volume); err != nil {
		return fmt.Errorf("remove database volume: %w", err)
	}
	if err := m.records.DeleteDatabase(id); err != nil {
		return err
	}
	m.logger.Info("database deleted", "database_id", id)
	return nil
}

// discard removes what a failed first provisioning left behind. The volume
// was initialized with a password nobody holds, so a retry must start empty.
func (m *Manager) discard(ctx context.Context, rec state.DatabaseRecord) {
	ctx = context.WithoutCancel(ctx)
	if err := m.containers.Remove(ctx, rec.Container); err != nil {
		m.logger.Warn("remove failed database container", "database_id", rec.ID, "error", err)
	}
	if err := m.containers.RemoveVolume(ctx, rec.Volume); err != nil {
		m.logger.Warn("remove failed database volume", "database_id", rec.ID, "error", err)
	}
}

func (m *Manager) start(ctx context.Context, eng engine, rec state.DatabaseRecord) error {
	if err := m.containers.Remove(ctx, rec.Container); err != nil {
		return fmt.Errorf("clear database container: %w", err)
	}
	spec := container.RunSpec{
		Name:         rec.Container,
		Image:        eng.image(rec.Version),
		Env:          eng.env(rec),
		Ports:        []container.PortPair{{Host: rec.HostPort, Container: eng.port}},
		Volumes:      []string{rec.Volume + ":" + eng.dataDir},
		SecurityOpts: []string{"no-new-privileges"},
		PidsLimit:    m.cfg.PidsLimit,
		Labels:       map[string]string{LabelDatabase: rec.ID},
		Command:      eng.command(rec),
	}
	if rec.AppID != "" {
		network := runtime.NetworkName(rec.AppID)
		if err := m.containers.EnsureNetwork(ctx, network); err != nil {
			return fmt.Errorf("ensure network: %w", err)
		}
		spec.Network = network
	}
	if _, err := m.containers.Run(ctx, spec); err != nil {
		return fmt.Errorf("start database: %w", err)
	}
	return m.waitReady(ctx, eng, rec)
}

func (m *Manager) waitReady(ctx context.Context, eng engine, rec state.DatabaseRecord) error {
	prober, ok := m.probers[eng.name]
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		attempt, cancelAttempt := context.WithTimeout(ctx, 5*time.Second)
		lastErr = prober.Ping(attempt, m.cfg.Host, rec)
		cancelAttempt()
		if lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("database %s not ready: %w", rec.ID, lastErr)
		case <-ticker.C:
		}
	}
}

// backupKey is the artifact store key of a dump taken at t.
func backupKey(id string, t time.Time, ext string) string {
	return path.Join("backups", sanitize(id), t.UTC().Format("20060102T150405Z")+"."+ext)
}

func sanitize(id string) string {
	return strings.Trim(unsafeIdent.ReplaceAllString(strings.ToLower(strings.TrimSpace(id)), "-"), "-")
}

func identifier(id string) string {
	name := strings.ReplaceAll(sanitize(id), "-", "_")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "db_" + name
	}
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}
