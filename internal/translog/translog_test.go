// Package translog contains tests for the write-ahead log.
package translog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTranslogAppendRecover verifies that appended ops replay in order
// with their assigned sequence numbers after reopening the log.
func TestTranslogAppendRecover(t *testing.T) {
	dir := t.TempDir()

	tlog, err := Open(dir)
	require.NoError(t, err)

	loc, err := tlog.Append(Op{Type: OpIndex, DocID: "doc-1", Source: []byte(`{"v":1}`)})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), loc.Generation)
	assert.Equal(t, int64(0), loc.Offset)

	_, err = tlog.Append(Op{Type: OpDelete, DocID: "doc-2"})
	require.NoError(t, err)
	require.NoError(t, tlog.Sync())
	require.NoError(t, tlog.Close())

	// Reopen and replay
	tlog, err = Open(dir)
	require.NoError(t, err)
	defer tlog.Close()

	var replayed []Op
	require.NoError(t, tlog.Recover(func(op Op) error {
		replayed = append(replayed, op)
		return nil
	}))

	require.Len(t, replayed, 2)
	assert.Equal(t, OpIndex, replayed[0].Type)
	assert.Equal(t, "doc-1", replayed[0].DocID)
	assert.Equal(t, []byte(`{"v":1}`), replayed[0].Source)
	assert.Equal(t, uint64(1), replayed[0].Seq)
	assert.Equal(t, OpDelete, replayed[1].Type)
	assert.Equal(t, "doc-2", replayed[1].DocID)
	assert.Nil(t, replayed[1].Source)
	assert.Equal(t, uint64(2), replayed[1].Seq)
}

// TestTranslogSeqContinuesAfterReopen verifies that sequence numbers do not
// restart after a reopen plus recovery.
func TestTranslogSeqContinuesAfterReopen(t *testing.T) {
	dir := t.TempDir()

	tlog, err := Open(dir)
	require.NoError(t, err)
	_, err = tlog.Append(Op{Type: OpIndex, DocID: "a", Source: []byte("1")})
	require.NoError(t, err)
	require.NoError(t, tlog.Close())

	tlog, err = Open(dir)
	require.NoError(t, err)
	defer tlog.Close()
	require.NoError(t, tlog.Recover(func(Op) error { return nil }))

	_, err = tlog.Append(Op{Type: OpIndex, DocID: "b", Source: []byte("2")})
	require.NoError(t, err)

	ops := collectOps(t, tlog)
	require.Len(t, ops, 2)
	assert.Equal(t, uint64(2), ops[1].Seq)
}

// TestTranslogRolloverAndTrim verifies that rolled generations below the
// commit point are deleted and excluded from recovery.
func TestTranslogRolloverAndTrim(t *testing.T) {
	dir := t.TempDir()

	tlog, err := Open(dir)
	require.NoError(t, err)
	defer tlog.Close()

	_, err = tlog.Append(Op{Type: OpIndex, DocID: "old", Source: []byte("x")})
	require.NoError(t, err)

	newGen, err := tlog.Rollover()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), newGen)

	_, err = tlog.Append(Op{Type: OpIndex, DocID: "new", Source: []byte("y")})
	require.NoError(t, err)

	require.NoError(t, tlog.TrimBelow(newGen))

	// Old generation file is gone
	_, statErr := os.Stat(filepath.Join(dir, "translog-1.log"))
	assert.True(t, os.IsNotExist(statErr), "trimmed generation should be deleted")

	ops := collectOps(t, tlog)
	require.Len(t, ops, 1)
	assert.Equal(t, "new", ops[0].DocID)

	stats := tlog.Stats()
	assert.Equal(t, uint64(2), stats.Generation)
	assert.Equal(t, uint64(2), stats.CommittedGen)
}

// TestTranslogTrimIsIdempotent verifies trimming at or below the committed
// generation is a no-op and trimming past the head fails.
func TestTranslogTrimIsIdempotent(t *testing.T) {
	dir := t.TempDir()

	tlog, err := Open(dir)
	require.NoError(t, err)
	defer tlog.Close()

	require.NoError(t, tlog.TrimBelow(1))
	assert.Error(t, tlog.TrimBelow(99))
}

// TestTranslogTornTailTruncated verifies that a partial record at the tail
// of the newest generation is dropped, keeping everything before it.
func TestTranslogTornTailTruncated(t *testing.T) {
	dir := t.TempDir()

	tlog, err := Open(dir)
	require.NoError(t, err)
	_, err = tlog.Append(Op{Type: OpIndex, DocID: "good", Source: []byte("data")})
	require.NoError(t, err)
	require.NoError(t, tlog.Close())

	// Simulate a crash mid-append: append half a record
	path := filepath.Join(dir, "translog-1.log")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x00, 0x00, 0x00, 0xFF, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	tlog, err = Open(dir)
	require.NoError(t, err)
	defer tlog.Close()

	ops := collectOps(t, tlog)
	require.Len(t, ops, 1)
	assert.Equal(t, "good", ops[0].DocID)

	// The torn bytes were physically truncated
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(encodeRecord(Op{Type: OpIndex, Seq: 1, DocID: "good", Source: []byte("data")}))), info.Size())
}

// TestTranslogCorruptionMidFile verifies that flipped bytes inside the log
// surface as ErrCorrupt instead of silent truncation.
func TestTranslogCorruptionMidFile(t *testing.T) {
	dir := t.TempDir()

	tlog, err := Open(dir)
	require.NoError(t, err)
	_, err = tlog.Append(Op{Type: OpIndex, DocID: "one", Source: []byte("aaaa")})
	require.NoError(t, err)
	_, err = tlog.Append(Op{Type: OpIndex, DocID: "two", Source: []byte("bbbb")})
	require.NoError(t, err)

	// Roll so the damaged file is no longer the newest generation
	_, err = tlog.Rollover()
	require.NoError(t, err)
	require.NoError(t, tlog.Close())

	// Flip a payload byte of the first record
	path := filepath.Join(dir, "translog-1.log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[6] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0o644))

	tlog, err = Open(dir)
	require.NoError(t, err)
	defer tlog.Close()

	err = tlog.Recover(func(Op) error { return nil })
	assert.ErrorIs(t, err, ErrCorrupt)
}

// TestTranslogClosedOps verifies ErrClosed after Close.
func TestTranslogClosedOps(t *testing.T) {
	dir := t.TempDir()

	tlog, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, tlog.Close())

	_, err = tlog.Append(Op{Type: OpIndex, DocID: "x"})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tlog.Sync(), ErrClosed)
	_, err = tlog.Rollover()
	assert.ErrorIs(t, err, ErrClosed)

	// Double close is fine
	assert.NoError(t, tlog.Close())
}

// TestTranslogStats verifies op and size accounting across appends and
// trims.
func TestTranslogStats(t *testing.T) {
	dir := t.TempDir()

	tlog, err := Open(dir)
	require.NoError(t, err)
	defer tlog.Close()

	_, err = tlog.Append(Op{Type: OpIndex, DocID: "a", Source: []byte("1234")})
	require.NoError(t, err)
	_, err = tlog.Append(Op{Type: OpIndex, DocID: "b", Source: []byte("5678")})
	require.NoError(t, err)

	stats := tlog.Stats()
	assert.Equal(t, 2, stats.UncommittedOps)
	assert.Greater(t, stats.SizeBytes, int64(0))

	gen, err := tlog.Rollover()
	require.NoError(t, err)
	require.NoError(t, tlog.TrimBelow(gen))

	stats = tlog.Stats()
	assert.Equal(t, 0, stats.UncommittedOps)
	assert.Equal(t, int64(0), stats.SizeBytes)
}

func collectOps(t *testing.T, tlog *Translog) []Op {
	t.Helper()
	var ops []Op
	require.NoError(t, tlog.Recover(func(op Op) error {
		ops = append(ops, op)
		return nil
	}))
	return ops
}
