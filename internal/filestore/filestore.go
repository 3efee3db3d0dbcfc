package filestore

import (
	"io"
)

// FileStore stores and retrieves raw file content by storage key.
type FileStore interface {
	// Save stores the content under key. Saving an existing key again
	// is a no-op.
	Save(r io.Reader, key string) error

	// Get retrieves the content for the given key.
	Get(key string) (io.ReadCloser, error)
}
