package interfaces

import (
	"context"
	"io"
	"time"
)

// ObjectStorage provides object storage operations for partition files.
type ObjectStorage interface {
	// Basic operations
	Put(ctx context.Context, path string, data io.Reader, opts PutOptions) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)

	// Listing
	List(ctx context.Context, prefix string, opts ListOptions) ([]ObjectInfo, error)

	// Metadata
	Head(ctx context.Context, path string) (ObjectInfo, error)

	// Bulk operations
	DeleteMany(ctx context.Context, paths []string) error

	// Scheme returns the storage scheme (e.g., "file", "s3").
	Scheme() string
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Path         string
	Size         int64
	LastModified time.Time
	ETag         string
	ContentType  string
	IsDir        bool
}

// PutOptions configures write operations.
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// If set, the write will fail if the object already exists.
	IfNotExists bool
}

// ListOptions configures listing operations.
type ListOptions struct {
	// MaxKeys limits the number of results returned.
	MaxKeys int
	// StartAfter returns keys after this value (for pagination).
	StartAfter string
}
