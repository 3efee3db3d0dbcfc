package filestore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"parley/internal/models"
)

// LocalFileStore keeps attachment content on the local filesystem.
// Keys are "<uuid>.<ext>" as produced by the Uploader; content fans out
// into directories named after the key's leading hex byte so no single
// directory grows unbounded.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create uploads root: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

// path validates the key and resolves it inside the root. Keys never
// contain separators or a leading dot, so a key cannot escape the root
// or collide with staging files.
func (s *LocalFileStore) path(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, ".") || strings.ContainsAny(key, `/\`) {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	prefix := key
	if len(prefix) > 2 {
		prefix = prefix[:2]
	}
	return filepath.Join(s.root, prefix, key), nil
}

func (s *LocalFileStore) Save(r io.Reader, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	// Content is immutable once stored; an existing key is done.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create fan-out directory: %w", err)
	}
	return stageAndRename(r, path)
}

// stageAndRename writes into a dot-prefixed staging file next to the
// target, so the final rename is atomic and a crashed write never
// leaves a half-written attachment under its real key.
func stageAndRename(r io.Reader, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".staged-*")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush attachment: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to publish attachment: %w", err)
	}
	return nil
}

func (s *LocalFileStore) Get(key string) (io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("attachment %s: %w", key, models.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open attachment %s: %w", key, err)
	}
	return f, nil
}
