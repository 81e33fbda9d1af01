// Package blobstore retains issued certificate documents for local retrieval,
// keyed by storage identifier. The ledger and the pinning service remain the
// source of truth; this store only serves the download/view endpoints.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

const (
	DriverFS     = "fs"
	DriverS3     = "s3"
	DriverMemory = "memory"
)

var (
	ErrInvalidConfig = errors.New("blobstore: invalid config")
	ErrInvalidKey    = errors.New("blobstore: invalid key")
	ErrNotFound      = errors.New("blobstore: not found")
)

// Store persists certificate document bytes under their storage identifier.
type Store interface {
	Put(ctx context.Context, storageID string, payload []byte) error
	Get(ctx context.Context, storageID string) ([]byte, error)
	Exists(ctx context.Context, storageID string) (bool, error)
	Delete(ctx context.Context, storageID string) error
}

type Config struct {
	Driver string

	// FS driver: directory documents are written into.
	Dir string

	// S3 driver.
	Bucket   string
	Prefix   string
	S3Client S3Client
}

func New(cfg Config) (Store, error) {
	switch strings.TrimSpace(strings.ToLower(cfg.Driver)) {
	case DriverFS, "":
		return newFSStore(cfg.Dir)
	case DriverS3:
		return newS3Store(cfg)
	case DriverMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("%w: unsupported driver %q", ErrInvalidConfig, cfg.Driver)
	}
}

// validateKey rejects storage IDs that could escape the backing namespace.
// CIDs are plain base-encoded strings; anything with separators or control
// characters is malformed.
func validateKey(storageID string) (string, error) {
	if storageID != strings.TrimSpace(storageID) {
		return "", fmt.Errorf("%w: surrounding whitespace", ErrInvalidKey)
	}
	if storageID == "" {
		return "", fmt.Errorf("%w: empty storage id", ErrInvalidKey)
	}
	for _, r := range storageID {
		switch {
		case r < 0x21 || r == 0x7f:
			return "", fmt.Errorf("%w: control character", ErrInvalidKey)
		case r == '/' || r == '\\' || r == '.':
			return "", fmt.Errorf("%w: path separator in storage id", ErrInvalidKey)
		}
	}
	return storageID, nil
}

type memoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() Store {
	return &memoryStore{blobs: make(map[string][]byte)}
}

func (m *memoryStore) Put(_ context.Context, storageID string, payload []byte) error {
	key, err := validateKey(storageID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.blobs[key] = append([]byte(nil), payload...)
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Get(_ context.Context, storageID string) ([]byte, error) {
	key, err := validateKey(storageID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	b, ok := m.blobs[key]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), b...), nil
}

func (m *memoryStore) Exists(_ context.Context, storageID string) (bool, error) {
	key, err := validateKey(storageID)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.blobs[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *memoryStore) Delete(_ context.Context, storageID string) error {
	key, err := validateKey(storageID)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.blobs, key)
	m.mu.Unlock()
	return nil
}
