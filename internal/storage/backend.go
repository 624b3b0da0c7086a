// Package storage defines the object store the mirror replicates the
// workflow tree into.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/fruitsalade/flowshelf/internal/config"
	"github.com/fruitsalade/flowshelf/internal/storage/local"
	s3backend "github.com/fruitsalade/flowshelf/internal/storage/s3"
)

// Backend is the interface for object storage backends. Keys are
// slash-separated relative paths.
type Backend interface {
	// PutObject uploads content to the given key, replacing any object there.
	PutObject(ctx context.Context, key string, body io.Reader, size int64) error

	// DeleteObject removes an object by key. Missing keys are not an error.
	DeleteObject(ctx context.Context, key string) error

	// DeletePrefix removes the object at prefix and every object under
	// prefix + "/".
	DeletePrefix(ctx context.Context, prefix string) error

	// ListKeys returns every key equal to or under prefix ("" lists all).
	ListKeys(ctx context.Context, prefix string) ([]string, error)

	// Type returns the backend type identifier ("local", "s3").
	Type() string

	// Close releases any resources held by the backend.
	Close() error
}

// New creates the mirror backend selected by cfg.MirrorBackend.
func New(ctx context.Context, cfg *config.Config) (Backend, error) {
	switch cfg.MirrorBackend {
	case "local":
		return local.New(local.Config{RootPath: cfg.MirrorLocalPath, CreateDirs: true})
	case "s3":
		return s3backend.NewBackend(ctx, s3backend.BackendConfig{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			UseSSL:    cfg.S3UseSSL,
		})
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.MirrorBackend)
	}
}

// Key joins a mirror prefix and a relative tree path into an object key.
func Key(prefix, rel string) string {
	return strings.TrimPrefix(path.Join(prefix, rel), "/")
}
