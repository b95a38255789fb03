package task

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/splax/localvercel/internal/buildpack"
)

// Kind names the operation a task performs.
type Kind string

// Task kinds.
const (
	KindDeploy    Kind = "deploy"
	KindRestart   Kind = "restart"
	KindStop      Kind = "stop"
	KindStart     Kind = "start"
	KindScale     Kind = "scale"
	KindDBCreate  Kind = "db_create"
	KindDBDelete  Kind = "db_delete"
	KindDBBackup  Kind = "db_backup"
	KindDBRestore Kind = "db_restore"
)

// Application statuses.
const (
	StatusBuilding  = "building"
	StatusDeploying = "deploying"
	StatusRunning   = "running"
	StatusStopped   = "stopped"
	StatusFailed    = "failed"
)

// Database statuses.
const (
	StatusProvisioning = "provisioning"
	StatusAvailable    = "available"
	StatusBackingUp    = "backing_up"
	StatusRestoring    = "restoring"
	StatusDeleting     = "deleting"
	StatusDeleted      = "deleted"
)

// Resources are per-instance limits requested by the control plane.
type Resources struct {
	MemoryMB int     `json:"memory_mb,omitempty"`
	CPUs     float64 `json:"cpus,omitempty"`
}

// Payload carries the kind-specific task parameters.
type Payload struct {
	RepoURL     string            `json:"repo_url,omitempty"`
	Branch      string            `json:"branch,omitempty"`
	GitUsername string            `json:"git_username,omitempty"`
	GitToken    string            `json:"git_token,omitempty"`
	Port        int               `json:"port,omitempty"`
	Instances   *int              `json:"instances,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Domains     []string          `json:"domains,omitempty"`
	Resources   Resources         `json:"resources,omitempty"`
	Build       buildpack.Hints   `json:"build,omitempty"`
	UseCache    *bool             `json:"use_cache,omitempty"`

	Engine    string `json:"engine,omitempty"`
	Version   string `json:"version,omitempty"`
	BackupKey string `json:"backup_key,omitempty"`
}

// Task is one unit of work delivered by the control plane.
type Task struct {
	ID         string  `json:"id"`
	Kind       Kind    `json:"kind"`
	AppID      string  `json:"app_id,omitempty"`
	DatabaseID string  `json:"database_id,omitempty"`
	Payload    Payload `json:"payload"`
}

// Decode parses a task from its JSON form.
func Decode(raw []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("decode task: %w", err)
	}
	return t, t.Validate()
}

// Validate checks that the task names what it acts on.
func (t Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id required")
	}
	switch {
	case t.Kind.IsApplication() && strings.TrimSpace(t.AppID) == "":
		return fmt.Errorf("task %s: app_id required for %s", t.ID, t.Kind)
	case t.Kind.IsDatabase() && strings.TrimSpace(t.DatabaseID) == "":
		return fmt.Errorf("task %s: database_id required for %s", t.ID, t.Kind)
	}
	return nil
}

// IsApplication reports whether the kind targets an application.
func (k Kind) IsApplication() bool {
	switch k {
	case KindDeploy, KindRestart, KindStop, KindStart, KindScale:
		return true
	}
	return false
}

// IsDatabase reports whether the kind targets a database.
func (k Kind) IsDatabase() bool {
	switch k {
	case KindDBCreate, KindDBDelete, KindDBBackup, KindDBRestore:
		return true
	}
	return false
}
