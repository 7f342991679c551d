package shard

import (
	"errors"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dreamware/kotare/internal/engine"
	"github.com/dreamware/kotare/internal/storage"
	"github.com/dreamware/kotare/internal/translog"
)

// ErrShardClosed is returned for operations on a closed shard
var ErrShardClosed = errors.New("shard is closed")

// State represents the current lifecycle state of a shard
type State string

const (
	// StateRecovering means the shard is replaying its translog
	StateRecovering State = "recovering"
	// StateActive means the shard is serving writes and holds an
	// indexing buffer that counts against the node's memory budget
	StateActive State = "active"
	// StateInactive means the shard has been idle past the inactive
	// window; its buffer was written out and it no longer counts
	// against active memory pressure
	StateInactive State = "inactive"
	// StateClosed means the shard has been shut down
	StateClosed State = "closed"
)

// IndexShard is one partition of an index: an engine (buffer + segments +
// translog) plus lifecycle state and operation statistics
type IndexShard struct {
	ID        int    // Shard identifier within the index
	IndexName string // Owning index name
	Primary   bool   // Is this the primary or a replica?

	engine *engine.Engine
	state  State
	mu     sync.RWMutex // Protects state changes

	ops OperationStats
}

// OperationStats tracks operation counts
type OperationStats struct {
	Indexes uint64 // Number of index operations
	Deletes uint64 // Number of delete operations
	Gets    uint64 // Number of get operations
}

// Info contains metadata about a shard
type Info struct {
	ID             int                `json:"id"`
	Index          string             `json:"index"`
	Primary        bool               `json:"primary"`
	State          State              `json:"state"`
	Throttled      bool               `json:"throttled"`
	DocCount       int                `json:"doc_count"`
	BufferBytes    int64              `json:"buffer_bytes"`
	SegmentBytes   int64              `json:"segment_bytes"`
	TranslogOps    int                `json:"translog_ops"`
	Ops            OperationStats     `json:"ops"`
	StoreStats     storage.StoreStats `json:"store"`
	LastWriteNanos int64              `json:"last_write_nanos"`
}

// Open creates a shard for index/id under dataDir, replaying any translog
// ops left over from a previous run. The shard starts active.
func Open(index string, id int, primary bool, dataDir string) (*IndexShard, error) {
	tlogDir := filepath.Join(dataDir, index, fmt.Sprintf("shard-%d", id), "translog")
	tlog, err := translog.Open(tlogDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open translog for %s[%d]: %w", index, id, err)
	}

	s := &IndexShard{
		ID:        id,
		IndexName: index,
		Primary:   primary,
		engine:    engine.New(storage.NewSegmentStore(), tlog),
		state:     StateRecovering,
	}

	replayed, err := s.engine.Recover()
	if err != nil {
		s.engine.Close()
		return nil, fmt.Errorf("failed to recover %s[%d]: %w", index, id, err)
	}
	if replayed > 0 {
		log.Info().
			Str("index", index).
			Int("shard", id).
			Int("ops", replayed).
			Msg("shard recovered")
	}

	s.mu.Lock()
	s.state = StateActive
	s.mu.Unlock()
	return s, nil
}

// NewWithEngine creates a shard around an existing engine. Intended for
// tests and for restore paths that build the engine separately.
func NewWithEngine(index string, id int, primary bool, e *engine.Engine) *IndexShard {
	return &IndexShard{
		ID:        id,
		IndexName: index,
		Primary:   primary,
		engine:    e,
		state:     StateActive,
	}
}

// Index writes a document to the shard
// An inactive shard is promoted back to active by the write
func (s *IndexShard) Index(docID string, source []byte) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	atomic.AddUint64(&s.ops.Indexes, 1)
	return s.engine.Index(docID, source)
}

// Delete removes a document from the shard
// An inactive shard is promoted back to active by the write
func (s *IndexShard) Delete(docID string) error {
	if err := s.ensureWritable(); err != nil {
		return err
	}
	atomic.AddUint64(&s.ops.Deletes, 1)
	return s.engine.Delete(docID)
}

// Get retrieves a document with realtime semantics
func (s *IndexShard) Get(docID string) ([]byte, error) {
	if s.CurrentState() == StateClosed {
		return nil, ErrShardClosed
	}
	atomic.AddUint64(&s.ops.Gets, 1)
	return s.engine.Get(docID)
}

// GetSearchable retrieves a document with search visibility semantics
func (s *IndexShard) GetSearchable(docID string) ([]byte, error) {
	if s.CurrentState() == StateClosed {
		return nil, ErrShardClosed
	}
	atomic.AddUint64(&s.ops.Gets, 1)
	return s.engine.GetSearchable(docID)
}

// ListDocs returns ids of all live documents in the shard
func (s *IndexShard) ListDocs() ([]string, error) {
	if s.CurrentState() == StateClosed {
		return nil, ErrShardClosed
	}
	return s.engine.List()
}

// Refresh makes buffered writes searchable
func (s *IndexShard) Refresh() error {
	if s.CurrentState() == StateClosed {
		return ErrShardClosed
	}
	return s.engine.Refresh()
}

// Flush commits the shard and trims its translog
func (s *IndexShard) Flush() error {
	if s.CurrentState() == StateClosed {
		return ErrShardClosed
	}
	return s.engine.Flush()
}

// ensureWritable rejects closed shards and promotes inactive shards back
// to active on write
func (s *IndexShard) ensureWritable() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateClosed:
		return ErrShardClosed
	case StateInactive:
		s.state = StateActive
		log.Debug().
			Str("index", s.IndexName).
			Int("shard", s.ID).
			Msg("idle shard reactivated by write")
	}
	return nil
}

// IdleSince reports whether the shard is active but has seen no writes for
// at least the inactive window ending at nowNanos
func (s *IndexShard) IdleSince(inactive time.Duration, nowNanos int64) bool {
	if s.CurrentState() != StateActive {
		return false
	}
	return nowNanos-s.engine.LastWriteNanos() >= inactive.Nanoseconds()
}

// MarkInactive demotes an idle shard: its buffer is written out, the
// translog is flushed, and the shard stops counting against active memory
// pressure. Returns true if the shard transitioned.
func (s *IndexShard) MarkInactive() (bool, error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return false, nil
	}
	s.state = StateInactive
	s.mu.Unlock()

	// Sync-flush on idle: an inactive shard holds no dirty state.
	if err := s.engine.Flush(); err != nil {
		return true, fmt.Errorf("failed to flush idle shard %s[%d]: %w", s.IndexName, s.ID, err)
	}
	log.Info().
		Str("index", s.IndexName).
		Int("shard", s.ID).
		Msg("idle shard marked inactive and flushed")
	return true, nil
}

// Key returns the shard's routing key, unique within the node
func (s *IndexShard) Key() string {
	return fmt.Sprintf("%s[%d]", s.IndexName, s.ID)
}

// Active reports whether the shard currently counts against the node's
// active indexing-memory pressure
func (s *IndexShard) Active() bool {
	return s.CurrentState() == StateActive
}

// IndexBufferRAMBytes reports the shard's indexing-buffer footprint
func (s *IndexShard) IndexBufferRAMBytes() int64 {
	return s.engine.IndexBufferRAMBytes()
}

// WriteIndexingBuffer writes the shard's buffer out, reclaiming memory
func (s *IndexShard) WriteIndexingBuffer() error {
	return s.engine.WriteIndexingBuffer()
}

// ActivateThrottling turns on write throttling for this shard
func (s *IndexShard) ActivateThrottling() {
	s.engine.ActivateThrottling()
}

// DeactivateThrottling turns write throttling off for this shard
func (s *IndexShard) DeactivateThrottling() {
	s.engine.DeactivateThrottling()
}

// IsThrottled reports whether write throttling is active
func (s *IndexShard) IsThrottled() bool {
	return s.engine.IsThrottled()
}

// CurrentState returns the shard's lifecycle state
func (s *IndexShard) CurrentState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Engine exposes the underlying engine for the memory controller
func (s *IndexShard) Engine() *engine.Engine {
	return s.engine
}

// OwnsDoc determines if this shard owns a given document id
// Uses FNV-1a hashing consistent with the coordinator's routing
func (s *IndexShard) OwnsDoc(docID string, numShards int) bool {
	if numShards <= 0 {
		return false
	}
	return RouteDoc(docID, numShards) == s.ID
}

// RouteDoc maps a document id to a shard number in [0, numShards)
func RouteDoc(docID string, numShards int) int {
	h := fnv.New32a()
	h.Write([]byte(docID))
	return int(h.Sum32()) % numShards
}

// Info returns metadata about the shard
func (s *IndexShard) Info() Info {
	es := s.engine.Stats()
	return Info{
		ID:           s.ID,
		Index:        s.IndexName,
		Primary:      s.Primary,
		State:        s.CurrentState(),
		Throttled:    es.Throttled,
		DocCount:     es.Store.BufferDocs + es.Store.SegmentDocs,
		BufferBytes:  es.Store.BufferBytes,
		SegmentBytes: es.Store.SegmentBytes,
		TranslogOps:  es.Translog.UncommittedOps,
		Ops: OperationStats{
			Indexes: atomic.LoadUint64(&s.ops.Indexes),
			Deletes: atomic.LoadUint64(&s.ops.Deletes),
			Gets:    atomic.LoadUint64(&s.ops.Gets),
		},
		StoreStats:     es.Store,
		LastWriteNanos: es.LastWriteNanos,
	}
}

// Close flushes the shard and shuts the engine down
// Further operations fail with ErrShardClosed
func (s *IndexShard) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	s.mu.Unlock()

	if err := s.engine.Flush(); err != nil && !errors.Is(err, engine.ErrEngineClosed) {
		log.Warn().
			Str("index", s.IndexName).
			Int("shard", s.ID).
			Err(err).
			Msg("flush on close failed")
	}
	return s.engine.Close()
}
