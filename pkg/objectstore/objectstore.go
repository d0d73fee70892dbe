// Package objectstore is the write target for the archiver (C6) and
// snapshotter (C7): an object-storage abstraction with Put/Get/List/Delete,
// exactly the surface spec.md §4.6/§4.7 need and no more. No S3-family SDK
// appears anywhere in the example pack, so this is an interface boundary
// with a single local filesystem adapter — the same role real cloud
// storage plays in production, documented in SPEC_FULL.md §2.
package objectstore

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes one stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is implemented by every object storage adapter (local filesystem
// here; S3/GCS/Azure-family adapters in production).
type Store interface {
	// Put writes the full contents of r to key, replacing any existing
	// object atomically (readers never observe a partial write).
	Put(ctx context.Context, key string, r io.Reader) error

	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List returns every object whose key has the given prefix, ordered by
	// key ascending.
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	Delete(ctx context.Context, key string) error
}
