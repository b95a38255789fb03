package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

// ErrNotFound indicates the requested object does not exist.
var ErrNotFound = errors.New("storage: object not found")

// Object describes a stored artifact.
type Object struct {
	Key      string
	Size     int64
	Modified time.Time
}

// Store persists build artifacts, cache archives and backups by key.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (Object, error)
	Delete(ctx context.Context, key string) error
}

// Options selects and configures a backend.
type Options struct {
	Backend         string
	Dir             string
	URL             string
	Token           string
	Bucket          string
	CredentialsFile string
}

// Open builds the backend named by opts.Backend; local is the default.
func Open(ctx context.Context, opts Options) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "", "local":
		return NewLocal(opts.Dir)
	case "http":
		return NewHTTP(opts.URL, opts.Token, nil)
	case "gcs":
		return NewGCS(ctx, opts.Bucket, opts.CredentialsFile)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", opts.Backend)
	}
}

// cleanKey normalizes a key and rejects ones escaping the store root.
func cleanKey(key string) (string, error) {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return "", fmt.Errorf("storage key cannot be empty")
	}
	cleaned := path.Clean("/" + trimmed)[1:]
	if cleaned == "" || cleaned != strings.TrimPrefix(trimmed, "/") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return cleaned, nil
}
