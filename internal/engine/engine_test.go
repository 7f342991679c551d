// Package engine contains tests for the per-shard indexing engine.
package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kotare/internal/storage"
	"github.com/dreamware/kotare/internal/translog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	tlog, err := translog.Open(t.TempDir())
	require.NoError(t, err)
	e := New(storage.NewSegmentStore(), tlog)
	t.Cleanup(func() { e.Close() })
	return e
}

// TestEngineIndexAndGet verifies write-ahead logging plus realtime get
// semantics.
func TestEngineIndexAndGet(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Index("doc-1", []byte(`{"v":1}`)))

	// Realtime get sees the buffered document
	value, err := e.Get("doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), value)

	// Search visibility requires a refresh
	_, err = e.GetSearchable("doc-1")
	assert.ErrorIs(t, err, storage.ErrDocNotFound)

	require.NoError(t, e.Refresh())
	value, err = e.GetSearchable("doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), value)

	// The op was logged before it was buffered
	assert.Equal(t, 1, e.Stats().Translog.UncommittedOps)
}

// TestEngineDelete verifies delete visibility and logging.
func TestEngineDelete(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Index("doc-1", []byte("x")))
	require.NoError(t, e.Delete("doc-1"))

	_, err := e.Get("doc-1")
	assert.ErrorIs(t, err, storage.ErrDocNotFound)
	assert.Equal(t, 2, e.Stats().Translog.UncommittedOps)
}

// TestEngineFlushTrimsTranslog verifies that a flush rolls the translog
// generation and drops the ops the commit covers.
func TestEngineFlushTrimsTranslog(t *testing.T) {
	e := newTestEngine(t)

	require.NoError(t, e.Index("doc-1", []byte("x")))
	require.NoError(t, e.Index("doc-2", []byte("y")))
	require.NoError(t, e.Flush())

	stats := e.Stats()
	assert.Equal(t, 0, stats.Translog.UncommittedOps)
	assert.Equal(t, stats.Translog.Generation, stats.Translog.CommittedGen)
	assert.Equal(t, int64(0), stats.Store.BufferBytes)
	assert.Equal(t, 2, stats.Store.SegmentDocs)

	// Flushed documents are searchable
	value, err := e.GetSearchable("doc-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), value)
}

// TestEngineRecovery verifies that a new engine over the same translog
// replays exactly the unflushed ops.
func TestEngineRecovery(t *testing.T) {
	dir := t.TempDir()

	tlog, err := translog.Open(dir)
	require.NoError(t, err)
	e := New(storage.NewSegmentStore(), tlog)

	require.NoError(t, e.Index("flushed", []byte("a")))
	require.NoError(t, e.Flush())
	require.NoError(t, e.Index("pending-1", []byte("b")))
	require.NoError(t, e.Delete("pending-1"))
	require.NoError(t, e.Index("pending-2", []byte("c")))
	require.NoError(t, e.Close())

	// Fresh store: only translog contents survive the "crash"
	tlog, err = translog.Open(dir)
	require.NoError(t, err)
	recovered := New(storage.NewSegmentStore(), tlog)
	defer recovered.Close()

	replayed, err := recovered.Recover()
	require.NoError(t, err)
	assert.Equal(t, 3, replayed, "only ops above the commit point replay")

	_, err = recovered.Get("pending-1")
	assert.ErrorIs(t, err, storage.ErrDocNotFound, "replayed delete applies")

	value, err := recovered.Get("pending-2")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), value)
}

// TestEngineBufferAccounting verifies IndexBufferRAMBytes rises with
// writes and drops to zero after WriteIndexingBuffer.
func TestEngineBufferAccounting(t *testing.T) {
	e := newTestEngine(t)

	assert.Equal(t, int64(0), e.IndexBufferRAMBytes())
	require.NoError(t, e.Index("doc-1", []byte("0123456789")))
	assert.Greater(t, e.IndexBufferRAMBytes(), int64(0))

	require.NoError(t, e.WriteIndexingBuffer())
	assert.Equal(t, int64(0), e.IndexBufferRAMBytes())
}

// TestEngineActivityStamp verifies the last-write timestamp advances on
// writes using an injected clock.
func TestEngineActivityStamp(t *testing.T) {
	e := newTestEngine(t)

	now := int64(1000)
	e.SetClock(func() int64 { return now })

	require.NoError(t, e.Index("doc-1", []byte("x")))
	assert.Equal(t, int64(1000), e.LastWriteNanos())

	now = 2000
	require.NoError(t, e.Delete("doc-1"))
	assert.Equal(t, int64(2000), e.LastWriteNanos())

	// Reads do not count as activity
	now = 3000
	e.Get("doc-1")
	assert.Equal(t, int64(2000), e.LastWriteNanos())
}

// TestEngineThrottlingToggle verifies the throttle flag and that writes
// still succeed (serialized) while throttled.
func TestEngineThrottlingToggle(t *testing.T) {
	e := newTestEngine(t)

	assert.False(t, e.IsThrottled())
	e.ActivateThrottling()
	assert.True(t, e.IsThrottled())

	require.NoError(t, e.Index("doc-1", []byte("x")))

	e.DeactivateThrottling()
	assert.False(t, e.IsThrottled())
}

// TestEngineClosed verifies all ops fail with ErrEngineClosed after Close.
func TestEngineClosed(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Index("x", nil), ErrEngineClosed)
	assert.ErrorIs(t, e.Delete("x"), ErrEngineClosed)
	_, err := e.Get("x")
	assert.ErrorIs(t, err, ErrEngineClosed)
	assert.ErrorIs(t, e.Refresh(), ErrEngineClosed)
	assert.ErrorIs(t, e.Flush(), ErrEngineClosed)
	_, err = e.Recover()
	assert.ErrorIs(t, err, ErrEngineClosed)
}
