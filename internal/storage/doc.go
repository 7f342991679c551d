// Package storage defines the document storage interfaces and provides the
// two-tier segment store that backs every shard, separating the mutable
// indexing buffer from immutable searchable segments.
//
// # Overview
//
// Each shard owns one DocStore. Writes land in the indexing buffer, an
// unsearchable mutable tier whose byte footprint is what the indexing memory
// controller manages. A Commit seals the buffer into an immutable segment,
// making its documents searchable and returning the buffer's memory.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          Engine / Shard             │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│         Indexing Buffer             │  ← Put/Delete, counted bytes
//	│        (mutable, unsearchable)      │
//	└─────────────────────────────────────┘
//	                 │ Commit
//	                 ▼
//	┌────────┐  ┌────────┐  ┌────────┐
//	│ Seg 0  │  │ Seg 1  │  │ Seg N  │     ← immutable, searchable
//	└────────┘  └────────┘  └────────┘
//
// # Deletes
//
// Deleting a buffered document drops it immediately. Deleting a searchable
// document stages a tombstone; the next Commit flips the document's bit in
// its segment's deletion bitset. Segments whose documents are all deleted
// are dropped during Commit.
//
// # Thread Safety
//
// SegmentStore is safe for concurrent use. Reads take a shared lock; Put,
// Delete, and Commit take the exclusive lock. Returned byte slices are
// copies.
package storage
