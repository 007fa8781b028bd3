// Package fs is a filesystem-backed blob store for local mode. Tags are
// SHA-256 content digests; conditional writes are serialized by a mutex,
// which is sufficient because local mode runs a single process.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/plotpalette/plotpalette/internal/domain"
)

// Store implements the blob store over a local directory. Keys map to
// file paths below baseDir; nested keys create subdirectories.
type Store struct {
	baseDir string
	mu      sync.Mutex
}

// NewStore creates a filesystem blob store rooted at baseDir.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

func (s *Store) path(key string) (string, error) {
	if key == "" || strings.Contains(key, "..") || filepath.IsAbs(key) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return filepath.Join(s.baseDir, filepath.FromSlash(key)), nil
}

func contentTag(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put writes a blob if the stored content still matches ifTag. An empty
// ifTag requires that the key does not exist yet. Returns the new tag.
func (s *Store) Put(ctx context.Context, key string, data []byte, ifTag string) (string, error) {
	path, err := s.path(key)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := os.ReadFile(path)
	switch {
	case err == nil:
		if ifTag == "" || contentTag(current) != ifTag {
			return "", fmt.Errorf("%w: key %s", domain.ErrTagMismatch, key)
		}
	case os.IsNotExist(err):
		if ifTag != "" {
			return "", fmt.Errorf("%w: key %s", domain.ErrTagMismatch, key)
		}
	default:
		return "", fmt.Errorf("failed to read blob %s: %w", key, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob directory: %w", err)
	}

	// Write to a sibling temp file and rename so readers never observe a
	// partial blob.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("failed to rename blob %s: %w", key, err)
	}

	return contentTag(data), nil
}

// Get returns a blob's contents and its current tag.
func (s *Store) Get(ctx context.Context, key string) ([]byte, string, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", fmt.Errorf("%w: key %s", domain.ErrBlobNotFound, key)
		}
		return nil, "", fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, contentTag(data), nil
}

// Delete removes a blob. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", key, err)
	}
	return nil
}
