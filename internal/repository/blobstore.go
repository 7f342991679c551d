// Package repository implements snapshot persistence over an abstracted
// blob store, plus the metadata verifier that audits a repository's
// integrity with throttled concurrent fan-out.
package repository

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrBlobNotFound is returned when a blob doesn't exist in the store
var ErrBlobNotFound = errors.New("blob not found")

// BlobInfo describes one blob in a container.
type BlobInfo struct {
	Name string
	Size int64
}

// BlobStore is the object-storage abstraction snapshots are written to.
// Containers are flat namespaces of named blobs. All implementations must
// be thread-safe for concurrent access.
type BlobStore interface {
	// Write stores the reader's contents under container/name,
	// overwriting any existing blob. Returns the bytes written.
	Write(container, name string, r io.Reader) (int64, error)

	// Read opens container/name for reading.
	// Returns ErrBlobNotFound if the blob doesn't exist.
	Read(container, name string) (io.ReadCloser, error)

	// List returns all blobs in a container, sorted by name.
	// A container that was never written to lists as empty.
	List(container string) ([]BlobInfo, error)

	// Delete removes a blob. No error if it doesn't exist.
	Delete(container, name string) error

	// Close releases backend resources.
	Close() error
}

// FSBlobStore implements BlobStore with a directory per container and a
// file per blob.
type FSBlobStore struct {
	baseDir string
	mu      sync.RWMutex // Serializes writes against reads of the same blob
}

// NewFSBlobStore creates a filesystem blob store rooted at baseDir.
func NewFSBlobStore(baseDir string) (*FSBlobStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob store directory: %w", err)
	}
	return &FSBlobStore{baseDir: baseDir}, nil
}

func (f *FSBlobStore) path(container, name string) (string, error) {
	if err := validateBlobPath(container, name); err != nil {
		return "", err
	}
	return filepath.Join(f.baseDir, container, name), nil
}

// Write stores a blob via a temp file and rename so readers never observe
// a half-written blob.
func (f *FSBlobStore) Write(container, name string, r io.Reader) (int64, error) {
	path, err := f.path(container, name)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create container directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp blob: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to write blob %s/%s: %w", container, name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to close temp blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return 0, fmt.Errorf("failed to install blob %s/%s: %w", container, name, err)
	}
	return n, nil
}

// Read opens a blob for reading.
func (f *FSBlobStore) Read(container, name string) (io.ReadCloser, error) {
	path, err := f.path(container, name)
	if err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s/%s", ErrBlobNotFound, container, name)
		}
		return nil, fmt.Errorf("failed to open blob %s/%s: %w", container, name, err)
	}
	return file, nil
}

// List returns the blobs in a container sorted by name.
func (f *FSBlobStore) List(container string) ([]BlobInfo, error) {
	if err := validateBlobPath(container, "x"); err != nil {
		return nil, err
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(f.baseDir, container))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list container %s: %w", container, err)
	}

	blobs := make([]BlobInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to stat blob %s/%s: %w", container, entry.Name(), err)
		}
		blobs = append(blobs, BlobInfo{Name: entry.Name(), Size: info.Size()})
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Name < blobs[j].Name })
	return blobs, nil
}

// Delete removes a blob (idempotent).
func (f *FSBlobStore) Delete(container, name string) error {
	path, err := f.path(container, name)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s/%s: %w", container, name, err)
	}
	return nil
}

// Close is a no-op for the filesystem store.
func (f *FSBlobStore) Close() error {
	return nil
}

// validateBlobPath rejects names that could escape the store root.
func validateBlobPath(container, name string) error {
	for _, part := range []string{container, name} {
		if part == "" || part == "." || part == ".." ||
			strings.ContainsAny(part, "/\\") {
			return fmt.Errorf("invalid blob path element %q", part)
		}
	}
	return nil
}
