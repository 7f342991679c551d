package repository

import (
	"bytes"
	"fmt"
	"io"
	"sort"

	"github.com/boltdb/bolt"
)

// BoltBlobStore implements BlobStore on a single BoltDB file with one
// bucket per container. Useful where the repository must live in one
// crash-safe file instead of a directory tree.
type BoltBlobStore struct {
	db *bolt.DB
}

// NewBoltBlobStore opens (or creates) the BoltDB-backed store at path.
func NewBoltBlobStore(path string) (*BoltBlobStore, error) {
	db, err := bolt.Open(path, 0o644, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt blob store: %w", err)
	}
	return &BoltBlobStore{db: db}, nil
}

// Write stores a blob inside a bucket named after the container.
func (b *BoltBlobStore) Write(container, name string, r io.Reader) (int64, error) {
	if err := validateBlobPath(container, name); err != nil {
		return 0, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return 0, fmt.Errorf("failed to read blob payload: %w", err)
	}

	err = b.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(container))
		if err != nil {
			return fmt.Errorf("failed to create container bucket %s: %w", container, err)
		}
		return bucket.Put([]byte(name), data)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to write blob %s/%s: %w", container, name, err)
	}
	return int64(len(data)), nil
}

// Read returns the blob contents. The returned reader is backed by a copy
// and stays valid after the transaction ends.
func (b *BoltBlobStore) Read(container, name string) (io.ReadCloser, error) {
	if err := validateBlobPath(container, name); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(container))
		if bucket == nil {
			return fmt.Errorf("%w: %s/%s", ErrBlobNotFound, container, name)
		}
		value := bucket.Get([]byte(name))
		if value == nil {
			return fmt.Errorf("%w: %s/%s", ErrBlobNotFound, container, name)
		}
		data = append([]byte(nil), value...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// List returns the blobs in a container sorted by name.
func (b *BoltBlobStore) List(container string) ([]BlobInfo, error) {
	if err := validateBlobPath(container, "x"); err != nil {
		return nil, err
	}

	var blobs []BlobInfo
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(container))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			blobs = append(blobs, BlobInfo{Name: string(k), Size: int64(len(v))})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list container %s: %w", container, err)
	}
	sort.Slice(blobs, func(i, j int) bool { return blobs[i].Name < blobs[j].Name })
	return blobs, nil
}

// Delete removes a blob (idempotent).
func (b *BoltBlobStore) Delete(container, name string) error {
	if err := validateBlobPath(container, name); err != nil {
		return err
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(container))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("failed to delete blob %s/%s: %w", container, name, err)
	}
	return nil
}

// Close closes the underlying BoltDB file.
func (b *BoltBlobStore) Close() error {
	return b.db.Close()
}
