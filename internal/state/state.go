package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/splax/localvercel/pkg/crypto"
)

// ErrNotFound indicates no record exists for the identifier.
var ErrNotFound = errors.New("state: record not found")

const (
	appsDir      = "apps"
	databasesDir = "databases"
	tasksDir     = "tasks"
)

// Resources are per-instance limits.
type Resources struct {
	MemoryMB int     `json:"memory_mb,omitempty"`
	CPUs     float64 `json:"cpus,omitempty"`
}

// AppRecord is the last known-good runtime configuration of an application.
type AppRecord struct {
	AppID      string            `json:"app_id"`
	Image      string            `json:"image"`
	Env        map[string]string `json:"env,omitempty"`
	Port       int               `json:"port"`
	HostPorts  []int             `json:"host_ports"`
	Instances  int               `json:"instance_count"`
	Network    string            `json:"network"`
	RunUser    string            `json:"run_user"`
	Domains    []string          `json:"domains,omitempty"`
	CertPath   string            `json:"cert_path,omitempty"`
	KeyPath    string            `json:"key_path,omitempty"`
	Resources  Resources         `json:"resources"`
	Strategy   string            `json:"strategy,omitempty"`
	Status     string            `json:"status"`
	LastTaskID string            `json:"last_task_id"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// DatabaseRecord describes a provisioned database container.
type DatabaseRecord struct {
	ID        string    `json:"id"`
	AppID     string    `json:"app_id,omitempty"`
	Engine    string    `json:"engine"`
	Version   string    `json:"version"`
	Container string    `json:"container"`
	Volume    string    `json:"volume"`
	HostPort  int       `json:"host_port"`
	Database  string    `json:"database,omitempty"`
	User      string    `json:"user,omitempty"`
	Password  string    `json:"password,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// diskDatabase is the at-rest form; the password is sealed when a key is set.
type diskDatabase struct {
	DatabaseRecord
	SealedPassword string `json:"sealed_password,omitempty"`
}

// TaskEntry marks a completed task for re-delivery detection.
type TaskEntry struct {
	TaskID      string    `json:"task_id"`
	Kind        string    `json:"kind"`
	Target      string    `json:"target"`
	Outcome     string    `json:"outcome"`
	Image       string    `json:"image,omitempty"`
	Message     string    `json:"message,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Store keeps records as one JSON file each under a data directory.
type Store struct {
	root string
	key  string
}

// Open prepares the directory layout. A non-empty key seals database passwords.
func Open(root, key string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("state dir cannot be empty")
	}
	for _, dir := range []string{appsDir, databasesDir, tasksDir} {
		if err := os.MkdirAll(filepath.Join(root, dir), 0o700); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	return &Store{root: root, key: key}, nil
}

func (s *Store) path(kind, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return "", fmt.Errorf("invalid record id %q", id)
	}
	return filepath.Join(s.root, kind, id+".json"), nil
}

// SaveApp replaces the application record.
func (s *Store) SaveApp(rec AppRecord) error {
	path, err := s.path(appsDir, rec.AppID)
	if err != nil {
		return err
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	return writeJSON(path, rec)
}

// LoadApp returns the application record or ErrNotFound.
func (s *Store) LoadApp(appID string) (AppRecord, error) {
	path, err := s.path(appsDir, appID)
	if err != nil {
		return AppRecord{}, err
	}
	var rec AppRecord
	if err := readJSON(path, &rec); err != nil {
		return AppRecord{}, err
	}
	return rec, nil
}

// DeleteApp forgets the application; missing records are ignored.
func (s *Store) DeleteApp(appID string) error {
	return s.remove(appsDir, appID)
}

// ListApps returns every application record ordered by id.
func (s *Store) ListApps() ([]AppRecord, error) {
	var out []AppRecord
	err := s.each(appsDir, func(path string) error {
		var rec AppRecord
		if err := readJSON(path, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].AppID < out[j].AppID })
	return out, err
}

// SaveDatabase replaces the database record.
func (s *Store) SaveDatabase(rec DatabaseRecord) error {
	path, err := s.path(databasesDir, rec.ID)
	if err != nil {
		return err
	}
	disk := diskDatabase{DatabaseRecord: rec}
	if s.key != "" && rec.Password != "" {
		sealed, err := crypto.SealString(s.key, rec.Password)
		if err != nil {
			return fmt.Errorf("seal database password: %w", err)
		}
		disk.Password = ""
		disk.SealedPassword = sealed
	}
	return writeJSON(path, disk)
}

// LoadDatabase returns the database record with its password opened.
func (s *Store) LoadDatabase(id string) (DatabaseRecord, error) {
	path, err := s.path(databasesDir, id)
	if err != nil {
		return DatabaseRecord{}, err
	}
	return s.loadDatabase(path)
}

func (s *Store) loadDatabase(path string) (DatabaseRecord, error) {
	var disk diskDatabase
	if err := readJSON(path, &disk); err != nil {
		return DatabaseRecord{}, err
	}
	rec := disk.DatabaseRecord
	if disk.SealedPassword != "" {
		if s.key == "" {
			return DatabaseRecord{}, fmt.Errorf("database %s has a sealed password but no state key is configured", rec.ID)
		}
		plain, err := crypto.OpenString(s.key, disk.SealedPassword)
		if err != nil {
			return DatabaseRecord{}, fmt.Errorf("open database password: %w", err)
		}
		rec.Password = plain
	}
	return rec, nil
}

// DeleteDatabase forgets the database; missing records are ignored.
func (s *Store) DeleteDatabase(id string) error {
	return s.remove(databasesDir, id)
}

// ListDatabases returns every database record ordered by id.
func (s *Store) ListDatabases() ([]DatabaseRecord, error) {
	var out []DatabaseRecord
	err := s.each(databasesDir, func(path string) error {
		rec, err := s.loadDatabase(path)
		if err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// RecordTask marks a task as completed.
func (s *Store) RecordTask(entry TaskEntry) error {
	path, err := s.path(tasksDir, entry.TaskID)
	if err != nil {
		return err
	}
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = time.Now().UTC()
	}
	return writeJSON(path, entry)
}

// LookupTask returns the ledger entry for a completed task.
func (s *Store) LookupTask(taskID string) (TaskEntry, bool, error) {
	path, err := s.path(tasksDir, taskID)
	if err != nil {
		return TaskEntry{}, false, err
	}
	var entry TaskEntry
	err = readJSON(path, &entry)
	if errors.Is(err, ErrNotFound) {
		return TaskEntry{}, false, nil
	}
	if err != nil {
		return TaskEntry{}, false, err
	}
	return entry, true, nil
}

// PruneTasks drops ledger entries older than maxAge.
func (s *Store) PruneTasks(maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	err := s.each(tasksDir, func(path string) error {
		info, err := os.Stat(path)
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		removed++
		return nil
	})
	return removed, err
}

func (s *Store) remove(kind, id string) error {
	path, err := s.path(kind, id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove record: %w", err)
	}
	return nil
}

func (s *Store) each(kind string, fn func(path string) error) error {
	entries, err := os.ReadDir(filepath.Join(s.root, kind))
	if err != nil {
		return fmt.Errorf("list %s: %w", kind, err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != ".json" {
			continue
		}
		if err := fn(filepath.Join(s.root, kind, name)); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp record: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("write record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close record: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return nil
}
