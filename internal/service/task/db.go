package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/splax/localvercel/internal/database"
)

func (e *Executor) databases() (Databases, error) {
	if e.deps.Databases == nil {
		return nil, fmt.Errorf("database support is not configured on this node")
	}
	return e.deps.Databases, nil
}

func (e *Executor) dbCreate(ctx context.Context, t Task, log *taskLog) (outcomeReport, error) {
	dbs, err := e.databases()
	if err != nil {
		return outcomeReport{}, err
	}
	e.progress(ctx, t, StatusProvisioning, "provisioning "+t.Payload.Engine)
	log.Stage(ctx, "db", "provisioning "+t.Payload.Engine+" "+t.Payload.Version)
	rec, err := dbs.Create(ctx, createRequest(t))
	if err != nil {
		return outcomeReport{}, fmt.Errorf("provision database: %w", err)
	}
	log.Stage(ctx, "db", fmt.Sprintf("%s ready on port %d", rec.Engine, rec.HostPort))
	return outcomeReport{
		status:  StatusAvailable,
		message: rec.Engine + " database available",
		data: map[string]any{
			"engine":    rec.Engine,
			"version":   rec.Version,
			"host_port": rec.HostPort,
			"database":  rec.Database,
			"user":      rec.User,
			"password":  rec.Password,
			"container": rec.Container,
		},
	}, nil
}

func (e *Executor) dbDelete(ctx context.Context, t Task, log *taskLog) (outcomeReport, error) {
	dbs, err := e.databases()
	if err != nil {
		return outcomeReport{}, err
	}
	e.progress(ctx, t, StatusDeleting, "deleting database")
	if err := dbs.Delete(ctx, t.DatabaseID); err != nil {
		return outcomeReport{}, fmt.Errorf("delete database: %w", err)
	}
	log.Stage(ctx, "db", "database deleted")
	return outcomeReport{status: StatusDeleted, message: "database deleted"}, nil
}

func (e *Executor) dbBackup(ctx context.Context, t Task, log *taskLog) (outcomeReport, error) {
	dbs, err := e.databases()
	if err != nil {
		return outcomeReport{}, err
	}
	e.progress(ctx, t, StatusBackingUp, "backing up database")
	key, err := dbs.Backup(ctx, t.DatabaseID)
	if err != nil {
		return outcomeReport{state: StatusAvailable}, fmt.Errorf("backup database: %w", err)
	}
	log.Stage(ctx, "db", "backup stored at "+key)
	return outcomeReport{status: StatusAvailable, message: "backup complete", data: map[string]any{"backup_key": key}}, nil
}

func (e *Executor) dbRestore(ctx context.Context, t Task, log *taskLog) (outcomeReport, error) {
	dbs, err := e.databases()
	if err != nil {
		return outcomeReport{}, err
	}
	key := strings.TrimSpace(t.Payload.BackupKey)
	if key == "" {
		return outcomeReport{}, fmt.Errorf("restore requires a backup key")
	}
	e.progress(ctx, t, StatusRestoring, "restoring "+key)
	if err := dbs.Restore(ctx, t.DatabaseID, key); err != nil {
		return outcomeReport{}, fmt.Errorf("restore database: %w", err)
	}
	log.Stage(ctx, "db", "restored from "+key)
	return outcomeReport{status: StatusAvailable, message: "restore complete", data: map[string]any{"backup_key": key}}, nil
}

func createRequest(t Task) database.CreateRequest {
	return database.CreateRequest{
		ID:      t.DatabaseID,
		AppID:   t.AppID,
		Engine:  t.Payload.Engine,
		Version: t.Payload.Version,
	}
}
