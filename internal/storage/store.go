package storage

import (
	"errors"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

// ErrDocNotFound is returned when a document doesn't exist in the store
var ErrDocNotFound = errors.New("document not found")

// docOverheadBytes approximates the fixed per-document bookkeeping cost
// charged against the indexing buffer in addition to id and source bytes.
const docOverheadBytes = 48

// DocStore defines the interface for per-shard document storage
// All implementations must be thread-safe for concurrent access
type DocStore interface {
	// Get retrieves a document by id, including documents that are still
	// in the indexing buffer and not yet searchable
	// Returns ErrDocNotFound if the document doesn't exist
	Get(id string) ([]byte, error)

	// GetSearchable retrieves a document from the searchable tier only,
	// ignoring anything still sitting in the indexing buffer
	GetSearchable(id string) ([]byte, error)

	// Put stages a document in the indexing buffer
	// Overwrites any existing document with the same id
	Put(id string, source []byte) error

	// Delete removes a document
	// Deletes of searchable documents are staged as tombstones until the
	// next Commit; no error if the document doesn't exist
	Delete(id string) error

	// Commit seals the indexing buffer into a new searchable segment and
	// applies staged tombstones to older segments
	Commit()

	// List returns ids of all live documents
	// Order is not guaranteed
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	BufferDocs   int   // Documents in the indexing buffer
	BufferBytes  int64 // Estimated buffer footprint in bytes
	SegmentDocs  int   // Live documents in searchable segments
	SegmentBytes int64 // Live bytes in searchable segments
	Segments     int   // Number of searchable segments
	DeletedDocs  int   // Tombstoned documents awaiting compaction
}

// segment is an immutable batch of documents sealed out of the buffer.
// Deleted documents stay in place with their slot bit set until the
// segment is compacted away.
type segment struct {
	deleted *bitset.BitSet // Slot bits for deleted documents
	slots   map[string]int // Document id -> slot
	ids     []string       // Slot -> document id
	docs    [][]byte       // Slot -> source bytes
	live    int            // Count of non-deleted documents
	bytes   int64          // Bytes of non-deleted documents
}

func (s *segment) get(id string) ([]byte, bool) {
	slot, ok := s.slots[id]
	if !ok || s.deleted.Test(uint(slot)) {
		return nil, false
	}
	return s.docs[slot], true
}

func (s *segment) markDeleted(id string) bool {
	slot, ok := s.slots[id]
	if !ok || s.deleted.Test(uint(slot)) {
		return false
	}
	s.deleted.Set(uint(slot))
	s.live--
	s.bytes -= int64(len(s.ids[slot]) + len(s.docs[slot]) + docOverheadBytes)
	return true
}

// SegmentStore implements DocStore with a mutable indexing buffer in front
// of immutable searchable segments
// Uses sync.RWMutex for thread-safe concurrent access
type SegmentStore struct {
	mu         sync.RWMutex      // Protects concurrent access
	buffer     map[string][]byte // Indexing buffer (unsearchable tier)
	tombstones map[string]bool   // Staged deletes of searchable documents
	segments   []*segment        // Searchable tier, oldest first
	bufBytes   int64             // Estimated buffer footprint
}

// NewSegmentStore creates a new empty segment store
func NewSegmentStore() *SegmentStore {
	return &SegmentStore{
		buffer:     make(map[string][]byte),
		tombstones: make(map[string]bool),
	}
}

// Get retrieves a document by id, buffer first then segments newest-first
// Returns a copy of the source to prevent external modification
func (m *SegmentStore) Get(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if source, ok := m.buffer[id]; ok {
		return copyBytes(source), nil
	}
	if m.tombstones[id] {
		return nil, ErrDocNotFound
	}
	return m.searchLocked(id)
}

// GetSearchable retrieves a document from the searchable tier only
func (m *SegmentStore) GetSearchable(id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.searchLocked(id)
}

func (m *SegmentStore) searchLocked(id string) ([]byte, error) {
	for i := len(m.segments) - 1; i >= 0; i-- {
		if source, ok := m.segments[i].get(id); ok {
			return copyBytes(source), nil
		}
	}
	return nil, ErrDocNotFound
}

// Put stages a document in the indexing buffer
// Makes a copy of the source to prevent external modification
func (m *SegmentStore) Put(id string, source []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.buffer[id]; ok {
		m.bufBytes -= int64(len(id) + len(prev) + docOverheadBytes)
	}
	m.buffer[id] = copyBytes(source)
	m.bufBytes += int64(len(id) + len(source) + docOverheadBytes)

	// A re-index of a previously tombstoned id revives it.
	delete(m.tombstones, id)
	return nil
}

// Delete removes a document
// Buffered documents are dropped immediately; searchable documents get a
// tombstone that is applied to their segment on the next Commit
func (m *SegmentStore) Delete(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prev, ok := m.buffer[id]; ok {
		m.bufBytes -= int64(len(id) + len(prev) + docOverheadBytes)
		delete(m.buffer, id)
	}

	for i := len(m.segments) - 1; i >= 0; i-- {
		if _, ok := m.segments[i].get(id); ok {
			m.tombstones[id] = true
			break
		}
	}
	return nil
}

// Commit seals the buffer into a new searchable segment, applies staged
// tombstones, and drops segments with no live documents left
func (m *SegmentStore) Commit() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id := range m.tombstones {
		for i := len(m.segments) - 1; i >= 0; i-- {
			if m.segments[i].markDeleted(id) {
				break
			}
		}
	}
	m.tombstones = make(map[string]bool)

	if len(m.buffer) > 0 {
		seg := &segment{
			slots:   make(map[string]int, len(m.buffer)),
			ids:     make([]string, 0, len(m.buffer)),
			docs:    make([][]byte, 0, len(m.buffer)),
			deleted: bitset.New(uint(len(m.buffer))),
		}
		for id, source := range m.buffer {
			// A newer copy of an id shadows any older segment's copy;
			// mark the old one deleted so live accounting stays honest.
			for i := len(m.segments) - 1; i >= 0; i-- {
				if m.segments[i].markDeleted(id) {
					break
				}
			}
			seg.slots[id] = len(seg.ids)
			seg.ids = append(seg.ids, id)
			seg.docs = append(seg.docs, source)
			seg.live++
			seg.bytes += int64(len(id) + len(source) + docOverheadBytes)
		}
		m.segments = append(m.segments, seg)
		m.buffer = make(map[string][]byte)
		m.bufBytes = 0
	}

	// Compact: drop fully-deleted segments.
	kept := m.segments[:0]
	for _, seg := range m.segments {
		if seg.live > 0 {
			kept = append(kept, seg)
		}
	}
	m.segments = kept
}

// List returns ids of all live documents across both tiers
func (m *SegmentStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]bool)
	ids := make([]string, 0, len(m.buffer))
	for id := range m.buffer {
		seen[id] = true
		ids = append(ids, id)
	}
	for i := len(m.segments) - 1; i >= 0; i-- {
		seg := m.segments[i]
		for id, slot := range seg.slots {
			if seen[id] || seg.deleted.Test(uint(slot)) || m.tombstones[id] {
				continue
			}
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// Stats returns storage statistics
func (m *SegmentStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{
		BufferDocs:  len(m.buffer),
		BufferBytes: m.bufBytes,
		Segments:    len(m.segments),
		DeletedDocs: len(m.tombstones),
	}
	for _, seg := range m.segments {
		stats.SegmentDocs += seg.live
		stats.SegmentBytes += seg.bytes
		stats.DeletedDocs += int(seg.deleted.Count())
	}
	return stats
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
