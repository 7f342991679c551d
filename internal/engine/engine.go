// Package engine implements the per-shard indexing engine that ties the
// write-ahead translog to the two-tier segment store.
//
// Every write is appended to the translog before it touches the indexing
// buffer, so recovery can rebuild the buffer by replaying the log above the
// last commit point. Refresh seals the buffer into a searchable segment
// (making writes visible, reclaiming buffer memory); Flush additionally
// rolls the translog and trims generations covered by the commit.
//
// The engine exposes the two hooks the indexing memory controller drives:
// the current buffer footprint (IndexBufferRAMBytes) and a way to write it
// out (WriteIndexingBuffer). When a shard outruns reclamation the
// controller activates throttling, which serializes writers through a
// single lock until pressure subsides.
package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dreamware/kotare/internal/storage"
	"github.com/dreamware/kotare/internal/translog"
)

// ErrEngineClosed is returned for operations on a closed engine.
var ErrEngineClosed = errors.New("engine is closed")

// Stats aggregates engine, store and translog accounting for one shard.
type Stats struct {
	Store          storage.StoreStats
	Translog       translog.Stats
	Throttled      bool
	LastWriteNanos int64
}

// Engine is the indexing engine for a single shard.
// All methods are safe for concurrent use.
type Engine struct {
	store storage.DocStore
	tlog  *translog.Translog

	lastWriteNanos atomic.Int64
	throttled      atomic.Bool
	closed         atomic.Bool

	// throttleLock serializes writers while throttling is active.
	throttleLock sync.Mutex

	// flushLock keeps Flush's commit and translog rollover atomic with
	// respect to other flushes.
	flushLock sync.Mutex

	nowNanos func() int64
}

// New creates an engine over the given store and translog.
func New(store storage.DocStore, tlog *translog.Translog) *Engine {
	e := &Engine{
		store:    store,
		tlog:     tlog,
		nowNanos: func() int64 { return time.Now().UnixNano() },
	}
	e.lastWriteNanos.Store(e.nowNanos())
	return e
}

// SetClock overrides the engine's time source. Intended for tests.
func (e *Engine) SetClock(nowNanos func() int64) {
	e.nowNanos = nowNanos
}

// Index logs and buffers a document write.
func (e *Engine) Index(docID string, source []byte) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.throttled.Load() {
		e.throttleLock.Lock()
		defer e.throttleLock.Unlock()
	}

	if _, err := e.tlog.Append(translog.Op{Type: translog.OpIndex, DocID: docID, Source: source}); err != nil {
		return fmt.Errorf("failed to log index op: %w", err)
	}
	if err := e.store.Put(docID, source); err != nil {
		return fmt.Errorf("failed to buffer document %s: %w", docID, err)
	}
	e.lastWriteNanos.Store(e.nowNanos())
	return nil
}

// Delete logs and applies a document delete.
func (e *Engine) Delete(docID string) error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	if e.throttled.Load() {
		e.throttleLock.Lock()
		defer e.throttleLock.Unlock()
	}

	if _, err := e.tlog.Append(translog.Op{Type: translog.OpDelete, DocID: docID}); err != nil {
		return fmt.Errorf("failed to log delete op: %w", err)
	}
	if err := e.store.Delete(docID); err != nil {
		return fmt.Errorf("failed to delete document %s: %w", docID, err)
	}
	e.lastWriteNanos.Store(e.nowNanos())
	return nil
}

// Get retrieves a document with realtime semantics (buffer included).
func (e *Engine) Get(docID string) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.store.Get(docID)
}

// GetSearchable retrieves a document with search visibility semantics.
func (e *Engine) GetSearchable(docID string) ([]byte, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.store.GetSearchable(docID)
}

// List returns ids of all live documents.
func (e *Engine) List() ([]string, error) {
	if e.closed.Load() {
		return nil, ErrEngineClosed
	}
	return e.store.List(), nil
}

// Refresh seals the indexing buffer into a searchable segment. Visibility
// only; durability is unchanged.
func (e *Engine) Refresh() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.store.Commit()
	return nil
}

// Flush refreshes, syncs the translog, rolls to a new generation and trims
// everything the commit now covers.
func (e *Engine) Flush() error {
	if e.closed.Load() {
		return ErrEngineClosed
	}
	e.flushLock.Lock()
	defer e.flushLock.Unlock()

	e.store.Commit()
	if err := e.tlog.Sync(); err != nil {
		return fmt.Errorf("failed to sync translog during flush: %w", err)
	}
	gen, err := e.tlog.Rollover()
	if err != nil {
		return fmt.Errorf("failed to roll translog during flush: %w", err)
	}
	if err := e.tlog.TrimBelow(gen); err != nil {
		return fmt.Errorf("failed to trim translog during flush: %w", err)
	}
	return nil
}

// Recover replays translog ops above the last commit into the buffer.
// Replayed ops are applied directly to the store, not re-logged.
func (e *Engine) Recover() (int, error) {
	if e.closed.Load() {
		return 0, ErrEngineClosed
	}

	replayed := 0
	err := e.tlog.Recover(func(op translog.Op) error {
		replayed++
		switch op.Type {
		case translog.OpIndex:
			return e.store.Put(op.DocID, op.Source)
		case translog.OpDelete:
			return e.store.Delete(op.DocID)
		default:
			return fmt.Errorf("unknown translog op type %d", op.Type)
		}
	})
	if err != nil {
		return replayed, fmt.Errorf("engine recovery failed: %w", err)
	}
	if replayed > 0 {
		log.Info().Int("ops", replayed).Msg("engine recovered from translog")
	}
	return replayed, nil
}

// IndexBufferRAMBytes reports the current indexing-buffer footprint.
func (e *Engine) IndexBufferRAMBytes() int64 {
	return e.store.Stats().BufferBytes
}

// WriteIndexingBuffer writes the buffer out to a searchable segment,
// reclaiming its memory. Called by the memory controller under pressure.
func (e *Engine) WriteIndexingBuffer() error {
	return e.Refresh()
}

// LastWriteNanos returns the timestamp of the last successful write.
func (e *Engine) LastWriteNanos() int64 {
	return e.lastWriteNanos.Load()
}

// ActivateThrottling turns on write throttling; writers serialize through
// a single lock until DeactivateThrottling.
func (e *Engine) ActivateThrottling() {
	if e.throttled.CompareAndSwap(false, true) {
		log.Warn().Msg("indexing throttled: writes now serialized")
	}
}

// DeactivateThrottling turns write throttling off.
func (e *Engine) DeactivateThrottling() {
	if e.throttled.CompareAndSwap(true, false) {
		log.Info().Msg("indexing throttle released")
	}
}

// IsThrottled reports whether write throttling is active.
func (e *Engine) IsThrottled() bool {
	return e.throttled.Load()
}

// Stats returns a point-in-time snapshot of engine accounting.
func (e *Engine) Stats() Stats {
	return Stats{
		Store:          e.store.Stats(),
		Translog:       e.tlog.Stats(),
		Throttled:      e.throttled.Load(),
		LastWriteNanos: e.lastWriteNanos.Load(),
	}
}

// Close flushes nothing, closes the translog, and fails all further ops
// with ErrEngineClosed. Callers wanting durability flush first.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.tlog.Close()
}
