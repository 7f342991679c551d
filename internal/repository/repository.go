package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Container names inside the blob store.
const (
	metaContainer = "meta"
	snapContainer = "snap"
	dataContainer = "data"

	indexBlobPrefix = "index-"
	latestBlob      = "index.latest"
	snapBlobPrefix  = "snap-"
	snapBlobSuffix  = ".json"
)

var (
	// ErrSnapshotNotFound is returned when a named snapshot doesn't exist
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrSnapshotExists is returned when creating a snapshot whose name is taken
	ErrSnapshotExists = errors.New("snapshot already exists")
	// ErrShardNotInSnapshot is returned when restoring a shard the snapshot doesn't contain
	ErrShardNotInSnapshot = errors.New("shard not present in snapshot")
)

// Source is a shard-shaped provider of snapshot contents.
// *shard.IndexShard satisfies it.
type Source interface {
	// Key uniquely identifies the shard, e.g. "logs[0]"
	Key() string
	// ListDocs returns ids of all live documents
	ListDocs() ([]string, error)
	// Get retrieves one document
	Get(id string) ([]byte, error)
}

// Restorer receives documents during a restore.
// *shard.IndexShard satisfies it.
type Restorer interface {
	Index(docID string, source []byte) error
}

// ShardManifest describes one shard's data blob within a snapshot.
type ShardManifest struct {
	Shard    string `json:"shard"`     // Shard key, e.g. "logs[0]"
	Blob     string `json:"blob"`      // Content-addressed data blob name
	Size     int64  `json:"size"`      // Blob size in bytes
	SHA256   string `json:"sha256"`    // Hex digest of the blob contents
	DocCount int    `json:"doc_count"` // Documents captured
}

// SnapshotMeta is the durable metadata blob for one snapshot.
type SnapshotMeta struct {
	Name      string          `json:"name"`
	CreatedAt int64           `json:"created_at"` // Unix nanoseconds
	Shards    []ShardManifest `json:"shards"`
}

// repoIndex is the generational pointer blob listing live snapshots.
type repoIndex struct {
	Generation uint64   `json:"generation"`
	Snapshots  []string `json:"snapshots"`
}

// Repository manages snapshots in a BlobStore.
//
// Layout:
//
//	meta/index.latest   → current generation number
//	meta/index-N        → snapshot list for generation N
//	snap/snap-<name>.json → per-snapshot metadata
//	data/<sha256>       → content-addressed shard data
//
// Data blobs are content-addressed, so identical shard contents dedupe
// across snapshots and deletes must refcount against surviving snapshots.
type Repository struct {
	store BlobStore
	mu    sync.Mutex // Serializes generation bumps (snapshot create/delete)
}

// New creates a repository over the given blob store.
func New(store BlobStore) *Repository {
	return &Repository{store: store}
}

// Snapshot captures every source shard into a new named snapshot.
func (r *Repository) Snapshot(name string, sources []Source) (*SnapshotMeta, error) {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return nil, fmt.Errorf("invalid snapshot name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.loadIndex()
	if err != nil {
		return nil, err
	}
	for _, existing := range idx.Snapshots {
		if existing == name {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotExists, name)
		}
	}

	meta := &SnapshotMeta{Name: name, CreatedAt: time.Now().UnixNano()}
	for _, src := range sources {
		manifest, err := r.snapshotShard(src)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot shard %s: %w", src.Key(), err)
		}
		meta.Shards = append(meta.Shards, manifest)
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot metadata: %w", err)
	}
	if _, err := r.store.Write(snapContainer, snapBlobName(name), strings.NewReader(string(metaBytes))); err != nil {
		return nil, err
	}

	idx.Snapshots = append(idx.Snapshots, name)
	if err := r.writeIndex(idx); err != nil {
		return nil, err
	}

	log.Info().
		Str("snapshot", name).
		Int("shards", len(meta.Shards)).
		Uint64("generation", idx.Generation).
		Msg("snapshot created")
	return meta, nil
}

// snapshotShard serializes one shard's documents into a content-addressed
// data blob and returns its manifest.
func (r *Repository) snapshotShard(src Source) (ShardManifest, error) {
	ids, err := src.ListDocs()
	if err != nil {
		return ShardManifest{}, err
	}

	docs := make(map[string][]byte, len(ids))
	for _, id := range ids {
		source, err := src.Get(id)
		if err != nil {
			return ShardManifest{}, fmt.Errorf("failed to read document %s: %w", id, err)
		}
		docs[id] = source
	}

	payload, err := json.Marshal(docs)
	if err != nil {
		return ShardManifest{}, fmt.Errorf("failed to encode shard data: %w", err)
	}

	digest := sha256.Sum256(payload)
	blobName := hex.EncodeToString(digest[:])

	// Content-addressed: identical payloads already in the repo are reused.
	if rc, err := r.store.Read(dataContainer, blobName); err == nil {
		rc.Close()
	} else if !errors.Is(err, ErrBlobNotFound) {
		return ShardManifest{}, err
	} else if _, err := r.store.Write(dataContainer, blobName, strings.NewReader(string(payload))); err != nil {
		return ShardManifest{}, err
	}

	return ShardManifest{
		Shard:    src.Key(),
		Blob:     blobName,
		Size:     int64(len(payload)),
		SHA256:   blobName,
		DocCount: len(docs),
	}, nil
}

// ListSnapshots returns the names of all live snapshots.
func (r *Repository) ListSnapshots() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.loadIndex()
	if err != nil {
		return nil, err
	}
	return append([]string(nil), idx.Snapshots...), nil
}

// GetSnapshot loads a snapshot's metadata.
func (r *Repository) GetSnapshot(name string) (*SnapshotMeta, error) {
	rc, err := r.store.Read(snapContainer, snapBlobName(name))
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
		}
		return nil, err
	}
	defer rc.Close()

	var meta SnapshotMeta
	if err := json.NewDecoder(rc).Decode(&meta); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot metadata %s: %w", name, err)
	}
	return &meta, nil
}

// Restore replays one shard's documents from a snapshot into target.
// The data blob's checksum is verified before any document is applied.
// Returns the number of documents restored.
func (r *Repository) Restore(name, shardKey string, target Restorer) (int, error) {
	meta, err := r.GetSnapshot(name)
	if err != nil {
		return 0, err
	}

	var manifest *ShardManifest
	for i := range meta.Shards {
		if meta.Shards[i].Shard == shardKey {
			manifest = &meta.Shards[i]
			break
		}
	}
	if manifest == nil {
		return 0, fmt.Errorf("%w: %s in %s", ErrShardNotInSnapshot, shardKey, name)
	}

	rc, err := r.store.Read(dataContainer, manifest.Blob)
	if err != nil {
		return 0, err
	}
	payload, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return 0, fmt.Errorf("failed to read data blob %s: %w", manifest.Blob, err)
	}

	digest := sha256.Sum256(payload)
	if hex.EncodeToString(digest[:]) != manifest.SHA256 {
		return 0, fmt.Errorf("data blob %s failed checksum verification", manifest.Blob)
	}

	var docs map[string][]byte
	if err := json.Unmarshal(payload, &docs); err != nil {
		return 0, fmt.Errorf("failed to decode data blob %s: %w", manifest.Blob, err)
	}

	restored := 0
	for id, source := range docs {
		if err := target.Index(id, source); err != nil {
			return restored, fmt.Errorf("failed to restore document %s: %w", id, err)
		}
		restored++
	}

	log.Info().
		Str("snapshot", name).
		Str("shard", shardKey).
		Int("docs", restored).
		Msg("shard restored from snapshot")
	return restored, nil
}

// DeleteSnapshot removes a snapshot, dropping data blobs that no other
// snapshot still references.
func (r *Repository) DeleteSnapshot(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, err := r.loadIndex()
	if err != nil {
		return err
	}

	found := false
	kept := idx.Snapshots[:0]
	for _, existing := range idx.Snapshots {
		if existing == name {
			found = true
			continue
		}
		kept = append(kept, existing)
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, name)
	}
	idx.Snapshots = kept

	meta, err := r.GetSnapshot(name)
	if err != nil {
		return err
	}

	// New generation first: readers never see an index pointing at a
	// deleted snapshot.
	if err := r.writeIndex(idx); err != nil {
		return err
	}

	// Refcount data blobs against the surviving snapshots.
	stillReferenced := make(map[string]bool)
	for _, survivor := range idx.Snapshots {
		sm, err := r.GetSnapshot(survivor)
		if err != nil {
			return err
		}
		for _, m := range sm.Shards {
			stillReferenced[m.Blob] = true
		}
	}
	for _, m := range meta.Shards {
		if stillReferenced[m.Blob] {
			continue
		}
		if err := r.store.Delete(dataContainer, m.Blob); err != nil {
			return err
		}
	}

	if err := r.store.Delete(snapContainer, snapBlobName(name)); err != nil {
		return err
	}

	log.Info().Str("snapshot", name).Msg("snapshot deleted")
	return nil
}

// Store exposes the underlying blob store (used by the verifier).
func (r *Repository) Store() BlobStore {
	return r.store
}

// loadIndex reads the current repo index, or an empty generation-0 index
// for a fresh repository.
func (r *Repository) loadIndex() (*repoIndex, error) {
	rc, err := r.store.Read(metaContainer, latestBlob)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			return &repoIndex{}, nil
		}
		return nil, err
	}
	genBytes, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read repo generation pointer: %w", err)
	}
	gen, err := strconv.ParseUint(strings.TrimSpace(string(genBytes)), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt repo generation pointer %q: %w", genBytes, err)
	}

	rc, err = r.store.Read(metaContainer, indexBlobName(gen))
	if err != nil {
		return nil, fmt.Errorf("repo index generation %d missing: %w", gen, err)
	}
	defer rc.Close()

	var idx repoIndex
	if err := json.NewDecoder(rc).Decode(&idx); err != nil {
		return nil, fmt.Errorf("failed to decode repo index generation %d: %w", gen, err)
	}
	return &idx, nil
}

// writeIndex installs the next index generation and retires the previous
// one. The generation pointer is updated only after the new index blob is
// durably in place.
func (r *Repository) writeIndex(idx *repoIndex) error {
	prev := idx.Generation
	idx.Generation++

	data, err := json.Marshal(idx)
	if err != nil {
		return fmt.Errorf("failed to encode repo index: %w", err)
	}
	if _, err := r.store.Write(metaContainer, indexBlobName(idx.Generation), strings.NewReader(string(data))); err != nil {
		return err
	}
	if _, err := r.store.Write(metaContainer, latestBlob, strings.NewReader(strconv.FormatUint(idx.Generation, 10))); err != nil {
		return err
	}
	if prev > 0 {
		if err := r.store.Delete(metaContainer, indexBlobName(prev)); err != nil {
			return err
		}
	}
	return nil
}

func indexBlobName(gen uint64) string {
	return fmt.Sprintf("%s%d", indexBlobPrefix, gen)
}

func snapBlobName(name string) string {
	return snapBlobPrefix + name + snapBlobSuffix
}
