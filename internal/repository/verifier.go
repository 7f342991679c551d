package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
)

// AnomalyKind classifies an integrity failure found by the verifier.
type AnomalyKind string

const (
	// AnomalyMissingBlob means a referenced data blob does not exist
	AnomalyMissingBlob AnomalyKind = "missing_blob"
	// AnomalySizeMismatch means a data blob's size differs from its manifest
	AnomalySizeMismatch AnomalyKind = "size_mismatch"
	// AnomalyChecksumMismatch means a data blob's contents fail checksum verification
	AnomalyChecksumMismatch AnomalyKind = "checksum_mismatch"
	// AnomalyUnreadableBlob means a data blob exists but could not be read
	AnomalyUnreadableBlob AnomalyKind = "unreadable_blob"
	// AnomalyMissingSnapshot means the repo index lists a snapshot whose metadata blob is gone
	AnomalyMissingSnapshot AnomalyKind = "missing_snapshot"
	// AnomalyCorruptSnapshot means a snapshot metadata blob failed to decode
	AnomalyCorruptSnapshot AnomalyKind = "corrupt_snapshot"
	// AnomalyDanglingSnapshot means a snapshot metadata blob exists outside the repo index
	AnomalyDanglingSnapshot AnomalyKind = "dangling_snapshot"
	// AnomalyOrphanBlob means a data blob is referenced by no snapshot
	AnomalyOrphanBlob AnomalyKind = "orphan_blob"
	// AnomalyBrokenIndex means the repo generation pointer or index blob is unusable
	AnomalyBrokenIndex AnomalyKind = "broken_index"
)

// Anomaly is one integrity failure.
type Anomaly struct {
	Kind     AnomalyKind `json:"kind"`
	Snapshot string      `json:"snapshot,omitempty"`
	Blob     string      `json:"blob,omitempty"`
	Detail   string      `json:"detail"`
}

// VerifyConfig bounds a verification run.
type VerifyConfig struct {
	// Concurrency caps how many data blobs are verified at once.
	// Zero or negative means 4.
	Concurrency int

	// MaxAnomalies caps how many anomalies are collected before the
	// result is truncated. Zero or negative means 100.
	MaxAnomalies int
}

const (
	defaultVerifyConcurrency = 4
	defaultMaxAnomalies      = 100
)

// VerifyResult summarizes a verification run.
//
// Complete is false when the run was cancelled; the anomalies gathered up
// to that point are still returned. Truncated is true when the anomaly cap
// was hit, in which case more failures may exist than are listed.
type VerifyResult struct {
	Anomalies     []Anomaly `json:"anomalies"`
	BlobsVerified int64     `json:"blobs_verified"`
	BytesVerified int64     `json:"bytes_verified"`
	Truncated     bool      `json:"truncated"`
	Complete      bool      `json:"complete"`
}

// OK reports whether the run finished and found nothing wrong.
func (r *VerifyResult) OK() bool {
	return r.Complete && !r.Truncated && len(r.Anomalies) == 0
}

// Verifier walks a repository's metadata and checks every blob it
// references. Data blob verification fans out across a bounded pool of
// workers; metadata reads stay sequential because they are few and cheap.
type Verifier struct {
	store BlobStore
	cfg   VerifyConfig

	mu        sync.Mutex
	anomalies []Anomaly
	truncated bool
}

// NewVerifier creates a verifier over a repository's blob store.
func NewVerifier(repo *Repository, cfg VerifyConfig) *Verifier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultVerifyConcurrency
	}
	if cfg.MaxAnomalies <= 0 {
		cfg.MaxAnomalies = defaultMaxAnomalies
	}
	return &Verifier{store: repo.Store(), cfg: cfg}
}

// Verify runs a full integrity check. Cancel ctx to stop early; the
// result then carries Complete=false and whatever was found so far.
func (v *Verifier) Verify(ctx context.Context) *VerifyResult {
	v.mu.Lock()
	v.anomalies = nil
	v.truncated = false
	v.mu.Unlock()

	result := &VerifyResult{}

	snapshots, indexOK := v.verifyIndex()
	if indexOK {
		referenced := v.verifySnapshots(ctx, snapshots, result)
		if ctx.Err() == nil {
			v.findOrphans(referenced)
			v.findDanglingSnapshots(snapshots)
		}
	}

	v.mu.Lock()
	result.Anomalies = v.anomalies
	result.Truncated = v.truncated
	v.mu.Unlock()
	result.Complete = ctx.Err() == nil

	log.Info().
		Int("anomalies", len(result.Anomalies)).
		Int64("blobs", result.BlobsVerified).
		Int64("bytes", result.BytesVerified).
		Bool("complete", result.Complete).
		Msg("repository verification finished")
	return result
}

// verifyIndex checks the generation pointer and index blob, returning the
// snapshot list to walk. A broken index stops the walk entirely because
// nothing else can be trusted against it.
func (v *Verifier) verifyIndex() ([]string, bool) {
	rc, err := v.store.Read(metaContainer, latestBlob)
	if err != nil {
		if errors.Is(err, ErrBlobNotFound) {
			// Fresh repository, nothing to verify.
			return nil, true
		}
		v.record(Anomaly{Kind: AnomalyBrokenIndex, Blob: latestBlob, Detail: err.Error()})
		return nil, false
	}
	rc.Close()

	repo := New(v.store)
	idx, err := repo.loadIndex()
	if err != nil {
		v.record(Anomaly{Kind: AnomalyBrokenIndex, Blob: latestBlob, Detail: err.Error()})
		return nil, false
	}
	return idx.Snapshots, true
}

// verifySnapshots loads each snapshot's metadata and fans its data blobs
// out to the worker pool. It returns the set of data blobs the surviving
// metadata references.
func (v *Verifier) verifySnapshots(ctx context.Context, snapshots []string, result *VerifyResult) map[string]bool {
	repo := New(v.store)
	referenced := make(map[string]bool)

	type task struct {
		snapshot string
		manifest ShardManifest
	}
	var tasks []task
	for _, name := range snapshots {
		meta, err := repo.GetSnapshot(name)
		if err != nil {
			kind := AnomalyCorruptSnapshot
			if errors.Is(err, ErrSnapshotNotFound) {
				kind = AnomalyMissingSnapshot
			}
			v.record(Anomaly{Kind: kind, Snapshot: name, Detail: err.Error()})
			continue
		}
		for _, m := range meta.Shards {
			referenced[m.Blob] = true
			tasks = append(tasks, task{snapshot: name, manifest: m})
		}
	}

	sem := make(chan struct{}, v.cfg.Concurrency)
	var wg sync.WaitGroup
	var statsMu sync.Mutex

	for _, t := range tasks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return referenced
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(t task) {
			defer wg.Done()
			defer func() { <-sem }()

			bytes := v.verifyDataBlob(t.snapshot, t.manifest)
			statsMu.Lock()
			result.BlobsVerified++
			result.BytesVerified += bytes
			statsMu.Unlock()
		}(t)
	}
	wg.Wait()
	return referenced
}

// verifyDataBlob checks one data blob's existence, size, and checksum
// against its manifest. Returns the number of bytes read.
func (v *Verifier) verifyDataBlob(snapshot string, m ShardManifest) int64 {
	rc, err := v.store.Read(dataContainer, m.Blob)
	if err != nil {
		kind := AnomalyUnreadableBlob
		if errors.Is(err, ErrBlobNotFound) {
			kind = AnomalyMissingBlob
		}
		v.record(Anomaly{Kind: kind, Snapshot: snapshot, Blob: m.Blob, Detail: err.Error()})
		return 0
	}
	defer rc.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, rc)
	if err != nil {
		v.record(Anomaly{Kind: AnomalyUnreadableBlob, Snapshot: snapshot, Blob: m.Blob, Detail: err.Error()})
		return n
	}

	if n != m.Size {
		v.record(Anomaly{
			Kind:     AnomalySizeMismatch,
			Snapshot: snapshot,
			Blob:     m.Blob,
			Detail:   fmt.Sprintf("expected %d bytes, found %d", m.Size, n),
		})
	}
	if got := hex.EncodeToString(hasher.Sum(nil)); got != m.SHA256 {
		v.record(Anomaly{
			Kind:     AnomalyChecksumMismatch,
			Snapshot: snapshot,
			Blob:     m.Blob,
			Detail:   fmt.Sprintf("expected sha256 %s, found %s", m.SHA256, got),
		})
	}
	return n
}

// findOrphans flags data blobs no snapshot references.
func (v *Verifier) findOrphans(referenced map[string]bool) {
	blobs, err := v.store.List(dataContainer)
	if err != nil {
		v.record(Anomaly{Kind: AnomalyBrokenIndex, Detail: fmt.Sprintf("failed to list data blobs: %v", err)})
		return
	}
	for _, b := range blobs {
		if !referenced[b.Name] {
			v.record(Anomaly{
				Kind:   AnomalyOrphanBlob,
				Blob:   b.Name,
				Detail: fmt.Sprintf("%d bytes referenced by no snapshot", b.Size),
			})
		}
	}
}

// findDanglingSnapshots flags snapshot metadata blobs the index doesn't list.
func (v *Verifier) findDanglingSnapshots(snapshots []string) {
	listed := make(map[string]bool, len(snapshots))
	for _, name := range snapshots {
		listed[snapBlobName(name)] = true
	}

	blobs, err := v.store.List(snapContainer)
	if err != nil {
		v.record(Anomaly{Kind: AnomalyBrokenIndex, Detail: fmt.Sprintf("failed to list snapshot blobs: %v", err)})
		return
	}
	for _, b := range blobs {
		if !listed[b.Name] {
			v.record(Anomaly{
				Kind:   AnomalyDanglingSnapshot,
				Blob:   b.Name,
				Detail: "snapshot metadata not listed in repo index",
			})
		}
	}
}

// record appends an anomaly, honoring the cap. Safe for concurrent use.
func (v *Verifier) record(a Anomaly) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if len(v.anomalies) >= v.cfg.MaxAnomalies {
		v.truncated = true
		return
	}
	v.anomalies = append(v.anomalies, a)
}

// MarshalJSON keeps an empty anomaly list as [] rather than null.
func (r *VerifyResult) MarshalJSON() ([]byte, error) {
	type alias VerifyResult
	out := alias(*r)
	if out.Anomalies == nil {
		out.Anomalies = []Anomaly{}
	}
	return json.Marshal(out)
}
