package buildcache

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/docker/docker/pkg/archive"

	"github.com/splax/localvercel/internal/storage"
)

const prefix = "cache/"

// Meta is stored beside each archive.
type Meta struct {
	Key       string    `json:"key"`
	Size      int64     `json:"size"`
	Dirs      []string  `json:"dirs"`
	CreatedAt time.Time `json:"created_at"`
}

// Key derives the cache identity of an application build.
func Key(appID, buildpack, stack string) string {
	sum := sha256.Sum256([]byte(appID + "\x00" + buildpack + "\x00" + stack))
	return hex.EncodeToString(sum[:])
}

// Cache moves dependency directories between builds through the artifact store.
type Cache struct {
	store    storage.Store
	maxBytes int64
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Cache. A zero maxBytes or ttl disables that limit.
func New(store storage.Store, maxBytes int64, ttl time.Duration, logger *slog.Logger) *Cache {
	return &Cache{store: store, maxBytes: maxBytes, ttl: ttl, logger: logger, now: time.Now}
}

func archiveKey(key string) string { return prefix + key + ".tar.gz" }
func metaKey(key string) string    { return prefix + key + ".json" }

// Restore unpacks the entry for key into dest. It reports false when there is
// no usable entry; expired entries are pruned.
func (c *Cache) Restore(ctx context.Context, key, dest string) (bool, error) {
	meta, err := c.meta(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if c.ttl > 0 && c.now().Sub(meta.CreatedAt) > c.ttl {
		c.prune(ctx, key)
		return false, nil
	}
	rc, err := c.store.Get(ctx, archiveKey(key))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("fetch cache archive: %w", err)
	}
	defer rc.Close()
	if err := archive.Untar(rc, dest, &archive.TarOptions{NoLchown: true}); err != nil {
		return false, fmt.Errorf("unpack cache archive: %w", err)
	}
	return true, nil
}

// Save archives dirs (relative to src) under key, replacing the previous
// entry. Archives above the size ceiling are skipped and reported as not saved.
func (c *Cache) Save(ctx context.Context, key, src string, dirs []string) (bool, int64, error) {
	present := make([]string, 0, len(dirs))
	for _, dir := range dirs {
		if _, err := os.Stat(filepath.Join(src, dir)); err == nil {
			present = append(present, dir)
		}
	}
	if len(present) == 0 {
		return false, 0, nil
	}

	tarball, err := archive.TarWithOptions(src, &archive.TarOptions{
		Compression:  archive.Gzip,
		IncludeFiles: present,
	})
	if err != nil {
		return false, 0, fmt.Errorf("archive cache dirs: %w", err)
	}
	defer tarball.Close()

	tmp, err := os.CreateTemp("", "paas-cache-*.tar.gz")
	if err != nil {
		return false, 0, fmt.Errorf("create cache temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	size, err := io.Copy(tmp, tarball)
	if err != nil {
		return false, 0, fmt.Errorf("write cache archive: %w", err)
	}
	if c.maxBytes > 0 && size > c.maxBytes {
		if c.logger != nil {
			c.logger.Info("build cache archive above ceiling, skipping", "key", key, "size", size, "max", c.maxBytes)
		}
		return false, size, nil
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return false, size, fmt.Errorf("rewind cache archive: %w", err)
	}
	if err := c.store.Put(ctx, archiveKey(key), tmp); err != nil {
		return false, size, fmt.Errorf("upload cache archive: %w", err)
	}
	meta := Meta{Key: key, Size: size, Dirs: present, CreatedAt: c.now().UTC()}
	raw, err := json.Marshal(meta)
	if err != nil {
		return false, size, fmt.Errorf("encode cache meta: %w", err)
	}
	if err := c.store.Put(ctx, metaKey(key), bytes.NewReader(raw)); err != nil {
		return false, size, fmt.Errorf("upload cache meta: %w", err)
	}
	return true, size, nil
}

func (c *Cache) meta(ctx context.Context, key string) (Meta, error) {
	rc, err := c.store.Get(ctx, metaKey(key))
	if err != nil {
		return Meta{}, err
	}
	defer rc.Close()
	var meta Meta
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		return Meta{}, fmt.Errorf("decode cache meta: %w", err)
	}
	return meta, nil
}

func (c *Cache) prune(ctx context.Context, key string) {
	for _, k := range []string{archiveKey(key), metaKey(key)} {
		if err := c.store.Delete(ctx, k); err != nil && c.logger != nil {
			c.logger.Warn("prune build cache entry failed", "key", k, "error", err)
		}
	}
}
