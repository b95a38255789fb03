package buildcache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/splax/localvercel/internal/storage"
)

func TestKeyDeterministic(t *testing.T) {
	a := Key("a1", "node", "node:20-bookworm-slim")
	assert.Equal(t, a, Key("a1", "node", "node:20-bookworm-slim"))
	assert.NotEqual(t, a, Key("a2", "node", "node:20-bookworm-slim"))
	assert.NotEqual(t, a, Key("a1", "next", "node:20-bookworm-slim"))
	assert.Len(t, a, 64)
}

func newCache(t *testing.T, maxBytes int64, ttl time.Duration) (*Cache, *storage.Local) {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	require.NoError(t, err)
	return New(store, maxBytes, ttl, nil), store
}

func TestSaveRestoreRoundTrip(t *testing.T) {
	cache, _ := newCache(t, 0, time.Hour)
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "node_modules", "left-pad"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "node_modules", "left-pad", "index.js"), []byte("module.exports = 1"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.js"), []byte("ignored"), 0o644))

	key := Key("a1", "node", "node:20")
	saved, size, err := cache.Save(context.Background(), key, src, []string{"node_modules", ".next/cache"})
	require.NoError(t, err)
	assert.True(t, saved)
	assert.Positive(t, size)

	dest := t.TempDir()
	hit, err := cache.Restore(context.Background(), key, dest)
	require.NoError(t, err)
	require.True(t, hit)
	data, err := os.ReadFile(filepath.Join(dest, "node_modules", "left-pad", "index.js"))
	require.NoError(t, err)
	assert.Equal(t, "module.exports = 1", string(data))
	_, err = os.Stat(filepath.Join(dest, "app.js"))
	assert.True(t, os.IsNotExist(err))
}

func TestRestoreMiss(t *testing.T) {
	cache, _ := newCache(t, 0, time.Hour)
	hit, err := cache.Restore(context.Background(), Key("a1", "node", "x"), t.TempDir())
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestSaveSkipsAboveCeiling(t *testing.T) {
	cache, store := newCache(t, 16, time.Hour)
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "node_modules"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "node_modules", "big"), make([]byte, 4096), 0o644))

	key := Key("a1", "node", "x")
	saved, size, err := cache.Save(context.Background(), key, src, []string{"node_modules"})
	require.NoError(t, err)
	assert.False(t, saved)
	assert.Greater(t, size, int64(16))
	_, err = store.Stat(context.Background(), archiveKey(key))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveWithoutDirsIsNoop(t *testing.T) {
	cache, _ := newCache(t, 0, time.Hour)
	saved, _, err := cache.Save(context.Background(), Key("a1", "go", "x"), t.TempDir(), []string{"node_modules"})
	require.NoError(t, err)
	assert.False(t, saved)
}

func TestExpiredEntryIsPruned(t *testing.T) {
	cache, store := newCache(t, 0, time.Hour)
	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "vendor", "bundle"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "vendor", "bundle", "gem"), []byte("x"), 0o644))

	key := Key("a1", "ruby", "ruby:3.3")
	saved, _, err := cache.Save(context.Background(), key, src, []string{"vendor/bundle"})
	require.NoError(t, err)
	require.True(t, saved)

	cache.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	hit, err := cache.Restore(context.Background(), key, t.TempDir())
	require.NoError(t, err)
	assert.False(t, hit)
	_, err = store.Stat(context.Background(), archiveKey(key))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = store.Stat(context.Background(), metaKey(key))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSaveReplacesPreviousEntry(t *testing.T) {
	cache, _ := newCache(t, 0, time.Hour)
	src := t.TempDir()
	dir := filepath.Join(src, "node_modules")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	key := Key("a1", "node", "x")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "old"), []byte("1"), 0o644))
	_, _, err := cache.Save(context.Background(), key, src, []string{"node_modules"})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, "old")))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new"), []byte("2"), 0o644))
	_, _, err = cache.Save(context.Background(), key, src, []string{"node_modules"})
	require.NoError(t, err)

	dest := t.TempDir()
	hit, err := cache.Restore(context.Background(), key, dest)
	require.NoError(t, err)
	require.True(t, hit)
	_, err = os.Stat(filepath.Join(dest, "node_modules", "old"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dest, "node_modules", "new"))
	assert.NoError(t, err)
}
