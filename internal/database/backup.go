package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/splax/localvercel/internal/storage"
	"github.com/splax/localvercel/internal/state"
)

// ErrNoStore is returned by backup and restore when no artifact store is configured.
var ErrNoStore = fmt.Errorf("database: no artifact store configured")

// Backup dumps the database inside its container, copies the dump out and
// uploads it. It returns the object key.
func (m *Manager) Backup(ctx context.Context, id string) (string, error) {
	if m.store == nil {
		return "", ErrNoStore
	}
	rec, eng, err := m.load(id)
	if err != nil {
		return "", err
	}
	dump, inContainer := eng.dump(rec)
	res, err := m.containers.Exec(ctx, rec.Container, eng.clientEnv(rec), toolTimeout, dump...)
	if err != nil {
		return "", fmt.Errorf("run %s: %w", dump[0], err)
	}
	if err := res.Err(dump[0]); err != nil {
		return "", err
	}

	scratch, err := os.MkdirTemp(m.cfg.ScratchDir, "backup-")
	if err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)
	local := filepath.Join(scratch, "dump."+eng.ext)
	if err := m.containers.CopyFrom(ctx, rec.Container, inContainer, local); err != nil {
		return "", fmt.Errorf("copy dump: %w", err)
	}
	if eng.name != Redis {
		if res, err := m.containers.Exec(ctx, rec.Container, nil, toolTimeout, "rm", "-f", inContainer); err == nil && !res.Success() {
			m.logger.Warn("remove dump in container failed", "database_id", id, "output", res.Tail(5))
		}
	}

	key := backupKey(rec.ID, m.now(), eng.ext)
	f, err := os.Open(local)
	if err != nil {
		return "", fmt.Errorf("open dump: %w", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("stat dump: %w", err)
	}
	if err := m.store.Put(ctx, key, f); err != nil {
		return "", fmt.Errorf("upload backup: %w", err)
	}
	m.logger.Info("database backed up", "database_id", id, "key", key, "bytes", info.Size())
	return key, nil
}

// Restore downloads the dump at key and imports it, recreating the container
// first when it is missing.
func (m *Manager) Restore(ctx context.Context, id, key string) error {
	if m.store == nil {
		return ErrNoStore
	}
	rec, eng, err := m.load(id)
	if err != nil {
		return err
	}
	scratch, err := os.MkdirTemp(m.cfg.ScratchDir, "restore-")
	if err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)
	local := filepath.Join(scratch, "dump."+eng.ext)
	if err := download(ctx, m.store, key, local); err != nil {
		return err
	}

	exists, err := m.containers.Exists(ctx, rec.Container)
	if err != nil {
		return err
	}
	if !exists {
		m.logger.Info("recreating database container for restore", "database_id", id)
		if err := m.start(ctx, eng, rec); err != nil {
			return err
		}
	}

	if eng.name == Redis {
		// Redis loads dump.rdb only at startup and writes its own on shutdown.
		if err := m.containers.Stop(ctx, rec.Container, 0); err != nil {
			return fmt.Errorf("stop redis: %w", err)
		}
		if err := m.containers.CopyTo(ctx, local, rec.Container, redisDumpPath); err != nil {
			return fmt.Errorf("copy dump: %w", err)
		}
		if err := m.containers.Restart(ctx, rec.Container); err != nil {
			return fmt.Errorf("start redis: %w", err)
		}
		return m.waitReady(ctx, eng, rec)
	}

	target := dumpDir + "/paas-restore." + eng.ext
	if err := m.containers.CopyTo(ctx, local, rec.Container, target); err != nil {
		return fmt.Errorf("copy dump: %w", err)
	}
	load := eng.load(rec, target)
	res, err := m.containers.Exec(ctx, rec.Container, eng.clientEnv(rec), toolTimeout, load...)
	if err != nil {
		return fmt.Errorf("run %s: %w", load[0], err)
	}
	if err := res.Err(load[0]); err != nil {
		return err
	}
	m.logger.Info("database restored", "database_id", id, "key", key)
	return nil
}

func (m *Manager) load(id string) (state.DatabaseRecord, engine, error) {
	rec, err := m.records.LoadDatabase(id)
	if err != nil {
		return state.DatabaseRecord{}, engine{}, fmt.Errorf("load database %s: %w", id, err)
	}
	eng, err := lookupEngine(rec.Engine)
	if err != nil {
		return state.DatabaseRecord{}, engine{}, err
	}
	return rec, eng, nil
}

func download(ctx context.Context, store storage.Store, key, dest string) error {
	rc, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("download backup %s: %w", key, err)
	}
	defer rc.Close()
	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create dump file: %w", err)
	}
	if _, err := f.ReadFrom(rc); err != nil {
		f.Close()
		return fmt.Errorf("write dump file: %w", err)
	}
	return f.Close()
}
