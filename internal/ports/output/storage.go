// Package output defines the secondary/driven ports of the application.
package output

import (
	"context"
	"io"
)

// ObjectStorage is where rendered images are written. Keys use forward
// slashes, e.g. "renders/<report>/<theme>.png".
type ObjectStorage interface {
	// Put writes body under key, replacing any existing object.
	Put(ctx context.Context, key string, body []byte, contentType string) error

	// List returns every stored object.
	List(ctx context.Context) ([]StorageObject, error)

	// GetReader opens a stored object.
	GetReader(ctx context.Context, key string) (io.ReadCloser, error)

	// Exists reports whether key is stored.
	Exists(ctx context.Context, key string) (bool, error)
}

// StorageObject describes a stored render.
type StorageObject struct {
	Key          string
	Size         int64
	LastModified int64 // Unix seconds
	ETag         string
}
