package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type fsStore struct {
	dir string
}

func newFSStore(dir string) (Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("%w: fs dir is required", ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("blobstore/fs: create dir %q: %w", dir, err)
	}
	return &fsStore{dir: dir}, nil
}

func (s *fsStore) path(key string) string {
	return filepath.Join(s.dir, key)
}

// Put writes to a temp file first and renames into place so readers never
// observe a partially written document.
func (s *fsStore) Put(_ context.Context, storageID string, payload []byte) error {
	key, err := validateKey(storageID)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, "incoming-*")
	if err != nil {
		return fmt.Errorf("blobstore/fs: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("blobstore/fs: write %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blobstore/fs: close %q: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("blobstore/fs: rename %q: %w", key, err)
	}
	return nil
}

func (s *fsStore) Get(_ context.Context, storageID string) ([]byte, error) {
	key, err := validateKey(storageID)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("blobstore/fs: read %q: %w", key, err)
	}
	return b, nil
}

func (s *fsStore) Exists(_ context.Context, storageID string) (bool, error) {
	key, err := validateKey(storageID)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("blobstore/fs: stat %q: %w", key, err)
	}
	return true, nil
}

func (s *fsStore) Delete(_ context.Context, storageID string) error {
	key, err := validateKey(storageID)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("blobstore/fs: remove %q: %w", key, err)
	}
	return nil
}
