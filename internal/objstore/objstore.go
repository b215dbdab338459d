// Package objstore defines the minimal key-addressed blob contract gantry
// depends on, with an S3-compatible backend (MinIO client) and a local
// filesystem backend, plus a registry of named backends.
package objstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Open when no object exists under the key.
var ErrNotFound = errors.New("object not found")

// Storage is a key-addressed blob store.
type Storage interface {
	Save(ctx context.Context, key string, data []byte, contentType string) error
	Open(ctx context.Context, key string) ([]byte, error)
	// URL returns a non-expiring URL for the object.
	URL(key string) string
}

// Presigner is implemented by backends that can issue time-limited URLs.
type Presigner interface {
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}
