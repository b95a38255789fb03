package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCS stores artifacts in a Google Cloud Storage bucket.
type GCS struct {
	client *gcs.Client
	bucket string
}

// NewGCS connects with the credentials file when given, otherwise with
// application default credentials.
func NewGCS(ctx context.Context, bucket, credentialsFile string) (*GCS, error) {
	if bucket == "" {
		return nil, fmt.Errorf("storage bucket cannot be empty")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

func (g *GCS) object(key string) (*gcs.ObjectHandle, error) {
	cleaned, err := cleanKey(key)
	if err != nil {
		return nil, err
	}
	return g.client.Bucket(g.bucket).Object(cleaned), nil
}

func (g *GCS) Put(ctx context.Context, key string, r io.Reader) error {
	obj, err := g.object(key)
	if err != nil {
		return err
	}
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/octet-stream"
	if _, err := io.Copy(writer, r); err != nil {
		writer.Close()
		return fmt.Errorf("copy to gs://%s/%s: %w", g.bucket, key, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close GCS writer for %s: %w", key, err)
	}
	return nil
}

func (g *GCS) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	obj, err := g.object(key)
	if err != nil {
		return nil, err
	}
	reader, err := obj.NewReader(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", g.bucket, key, err)
	}
	return reader, nil
}

func (g *GCS) Stat(ctx context.Context, key string) (Object, error) {
	obj, err := g.object(key)
	if err != nil {
		return Object{}, err
	}
	attrs, err := obj.Attrs(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return Object{}, ErrNotFound
	}
	if err != nil {
		return Object{}, fmt.Errorf("stat gs://%s/%s: %w", g.bucket, key, err)
	}
	return Object{Key: key, Size: attrs.Size, Modified: attrs.Updated}, nil
}

func (g *GCS) Delete(ctx context.Context, key string) error {
	obj, err := g.object(key)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, gcs.ErrObjectNotExist) {
		return fmt.Errorf("delete gs://%s/%s: %w", g.bucket, key, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCS) Close() error {
	return g.client.Close()
}
