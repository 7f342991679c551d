// Package translog implements the per-shard write-ahead log of indexing
// operations. Every operation is appended to the log before it is applied
// to the in-memory indexing buffer, so a crashed shard can replay the ops
// above its last commit point during recovery.
//
// The log is split into generation files (translog-1.log, translog-2.log,
// ...). A flush rolls the log to a fresh generation and trims generations
// whose operations are covered by the commit, bounding disk usage.
//
// Record framing: a big-endian uint32 payload length, the payload, and a
// big-endian uint32 CRC-32 (IEEE) of the payload. A torn write at the tail
// of the newest generation is truncated during recovery; corruption in the
// middle of the log is an error.
package translog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

// OpType distinguishes translog operation kinds.
type OpType byte

const (
	// OpIndex records a document index (create or update).
	OpIndex OpType = 1
	// OpDelete records a document delete.
	OpDelete OpType = 2
)

// ErrClosed is returned for operations on a closed translog.
var ErrClosed = errors.New("translog is closed")

// ErrCorrupt is returned when a record fails its checksum or framing in
// the middle of the log, where truncation would silently lose operations.
var ErrCorrupt = errors.New("translog corruption detected")

const (
	checkpointFile = "translog.ckp"
	filePrefix     = "translog-"
	fileSuffix     = ".log"
	maxRecordBytes = 64 << 20 // sanity bound on a single record
)

// Op is a single logged operation.
type Op struct {
	Type   OpType
	Seq    uint64
	DocID  string
	Source []byte // nil for deletes
}

// Location identifies where an op landed in the log.
type Location struct {
	Generation uint64
	Offset     int64
	Size       int
}

// checkpoint is the durable pointer to the live portion of the log.
type checkpoint struct {
	Generation   uint64 `json:"generation"`
	CommittedGen uint64 `json:"committed_generation"`
	Seq          uint64 `json:"seq"`
}

// Stats describes the current shape of the translog.
type Stats struct {
	Generation     uint64
	CommittedGen   uint64
	UncommittedOps int
	SizeBytes      int64
}

// Translog is a file-backed write-ahead log for one shard.
// All methods are safe for concurrent use.
type Translog struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	gen     uint64
	commit  uint64 // lowest generation still needed for recovery
	seq     uint64
	ops     int   // ops appended since the committed generation
	size    int64 // bytes in the current generation file
	closed  bool
	synced  bool
}

// Open opens (or creates) the translog in dir, restoring position from the
// checkpoint file when present.
func Open(dir string) (*Translog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create translog directory: %w", err)
	}

	t := &Translog{dir: dir, gen: 1, commit: 1}

	ckpPath := filepath.Join(dir, checkpointFile)
	if data, err := os.ReadFile(ckpPath); err == nil {
		var ckp checkpoint
		if err := json.Unmarshal(data, &ckp); err != nil {
			return nil, fmt.Errorf("failed to decode translog checkpoint: %w", err)
		}
		t.gen = ckp.Generation
		t.commit = ckp.CommittedGen
		t.seq = ckp.Seq
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read translog checkpoint: %w", err)
	}

	file, err := os.OpenFile(t.genPath(t.gen), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open translog generation %d: %w", t.gen, err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat translog generation %d: %w", t.gen, err)
	}
	t.file = file
	t.size = info.Size()

	if err := t.writeCheckpoint(); err != nil {
		file.Close()
		return nil, err
	}
	return t, nil
}

// Append logs an op and returns its location. The op's Seq field is
// assigned by the translog. The record is buffered by the OS; call Sync
// for durability.
func (t *Translog) Append(op Op) (Location, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return Location{}, ErrClosed
	}

	t.seq++
	op.Seq = t.seq

	record := encodeRecord(op)
	offset := t.size
	if _, err := t.file.Write(record); err != nil {
		return Location{}, fmt.Errorf("failed to append translog record: %w", err)
	}
	t.size += int64(len(record))
	t.ops++
	t.synced = false

	return Location{Generation: t.gen, Offset: offset, Size: len(record)}, nil
}

// Sync forces all appended records to stable storage.
func (t *Translog) Sync() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if t.synced {
		return nil
	}
	if err := t.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync translog: %w", err)
	}
	t.synced = true
	return nil
}

// Rollover closes the current generation and starts the next one.
// Returns the new generation number.
func (t *Translog) Rollover() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, ErrClosed
	}

	if err := t.file.Sync(); err != nil {
		return 0, fmt.Errorf("failed to sync translog before rollover: %w", err)
	}
	if err := t.file.Close(); err != nil {
		return 0, fmt.Errorf("failed to close translog generation %d: %w", t.gen, err)
	}

	t.gen++
	file, err := os.OpenFile(t.genPath(t.gen), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to open translog generation %d: %w", t.gen, err)
	}
	t.file = file
	t.size = 0
	t.synced = true

	if err := t.writeCheckpoint(); err != nil {
		return 0, err
	}
	return t.gen, nil
}

// TrimBelow deletes generation files below gen and records gen as the
// committed generation. Operations in trimmed generations are no longer
// replayed by Recover.
func (t *Translog) TrimBelow(gen uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}
	if gen > t.gen {
		return fmt.Errorf("cannot trim below generation %d: current generation is %d", gen, t.gen)
	}
	if gen <= t.commit {
		return nil
	}

	for g := t.commit; g < gen; g++ {
		if err := os.Remove(t.genPath(g)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove translog generation %d: %w", g, err)
		}
	}
	t.commit = gen
	t.ops = 0
	return t.writeCheckpoint()
}

// Recover replays every op from the committed generation through the
// current one, invoking handler for each in append order. A torn record at
// the tail of the newest generation is truncated and logged; corruption
// anywhere else returns ErrCorrupt.
func (t *Translog) Recover(handler func(Op) error) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrClosed
	}

	for g := t.commit; g <= t.gen; g++ {
		path := t.genPath(g)
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) && g < t.gen {
				continue
			}
			return fmt.Errorf("failed to read translog generation %d: %w", g, err)
		}

		offset := 0
		for offset < len(data) {
			op, n, err := decodeRecord(data[offset:])
			if err != nil {
				if g == t.gen {
					// Torn tail from a crash mid-append: truncate and move on.
					log.Warn().
						Str("path", path).
						Int("offset", offset).
						Err(err).
						Msg("truncating torn translog tail")
					if err := os.Truncate(path, int64(offset)); err != nil {
						return fmt.Errorf("failed to truncate torn translog tail: %w", err)
					}
					t.size = int64(offset)
					return nil
				}
				return fmt.Errorf("%w: generation %d offset %d: %v", ErrCorrupt, g, offset, err)
			}
			if op.Seq > t.seq {
				t.seq = op.Seq
			}
			if err := handler(op); err != nil {
				return fmt.Errorf("translog replay handler failed at seq %d: %w", op.Seq, err)
			}
			offset += n
		}
	}
	return nil
}

// Stats returns a snapshot of translog accounting.
func (t *Translog) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{
		Generation:     t.gen,
		CommittedGen:   t.commit,
		UncommittedOps: t.ops,
		SizeBytes:      t.size,
	}
}

// Close syncs and closes the translog. Further operations fail with
// ErrClosed.
func (t *Translog) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	if err := t.file.Sync(); err != nil {
		t.file.Close()
		return fmt.Errorf("failed to sync translog on close: %w", err)
	}
	return t.file.Close()
}

func (t *Translog) genPath(gen uint64) string {
	return filepath.Join(t.dir, fmt.Sprintf("%s%d%s", filePrefix, gen, fileSuffix))
}

func (t *Translog) writeCheckpoint() error {
	ckp := checkpoint{Generation: t.gen, CommittedGen: t.commit, Seq: t.seq}
	data, err := json.Marshal(ckp)
	if err != nil {
		return fmt.Errorf("failed to encode translog checkpoint: %w", err)
	}

	// Write-then-rename so a crash never leaves a half-written checkpoint.
	tmp := filepath.Join(t.dir, checkpointFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write translog checkpoint: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(t.dir, checkpointFile)); err != nil {
		return fmt.Errorf("failed to install translog checkpoint: %w", err)
	}
	return nil
}

// encodeRecord frames an op as: len(u32) | payload | crc32(u32).
// Payload: type(1) | seq(u64) | idLen(u32) | id | source.
func encodeRecord(op Op) []byte {
	payloadLen := 1 + 8 + 4 + len(op.DocID) + len(op.Source)
	record := make([]byte, 4+payloadLen+4)

	binary.BigEndian.PutUint32(record[0:4], uint32(payloadLen))
	payload := record[4 : 4+payloadLen]
	payload[0] = byte(op.Type)
	binary.BigEndian.PutUint64(payload[1:9], op.Seq)
	binary.BigEndian.PutUint32(payload[9:13], uint32(len(op.DocID)))
	copy(payload[13:], op.DocID)
	copy(payload[13+len(op.DocID):], op.Source)
	binary.BigEndian.PutUint32(record[4+payloadLen:], crc32.ChecksumIEEE(payload))

	return record
}

// decodeRecord parses one framed record, returning the op and the total
// bytes consumed.
func decodeRecord(data []byte) (Op, int, error) {
	if len(data) < 4 {
		return Op{}, 0, io.ErrUnexpectedEOF
	}
	payloadLen := int(binary.BigEndian.Uint32(data[0:4]))
	if payloadLen < 13 || payloadLen > maxRecordBytes {
		return Op{}, 0, fmt.Errorf("implausible record length %d", payloadLen)
	}
	total := 4 + payloadLen + 4
	if len(data) < total {
		return Op{}, 0, io.ErrUnexpectedEOF
	}

	payload := data[4 : 4+payloadLen]
	sum := binary.BigEndian.Uint32(data[4+payloadLen : total])
	if crc32.ChecksumIEEE(payload) != sum {
		return Op{}, 0, fmt.Errorf("checksum mismatch")
	}

	opType := OpType(payload[0])
	if opType != OpIndex && opType != OpDelete {
		return Op{}, 0, fmt.Errorf("unknown op type %d", opType)
	}
	seq := binary.BigEndian.Uint64(payload[1:9])
	idLen := int(binary.BigEndian.Uint32(payload[9:13]))
	if 13+idLen > payloadLen {
		return Op{}, 0, fmt.Errorf("implausible doc id length %d", idLen)
	}

	op := Op{
		Type:  opType,
		Seq:   seq,
		DocID: string(payload[13 : 13+idLen]),
	}
	if source := payload[13+idLen:]; len(source) > 0 {
		op.Source = append([]byte(nil), source...)
	}
	return op, total, nil
}
