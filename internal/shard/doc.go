// Package shard implements the IndexShard, one partition of an index and
// the unit the indexing memory controller manages.
//
// # Overview
//
// A shard wraps an engine (indexing buffer + searchable segments + write
// ahead translog) with a lifecycle state machine and per-operation
// statistics. The controller-relevant states:
//
//	recovering → active ⇄ inactive → closed
//
//   - recovering: replaying translog ops left over from a previous run
//   - active: serving writes; its indexing buffer counts against the
//     node's memory budget
//   - inactive: idle past the inactive window; the buffer was flushed out
//     and the shard is free memory-wise until the next write promotes it
//     back to active
//   - closed: shut down; all operations fail with ErrShardClosed
//
// # Idle Detection
//
// The memory controller calls IdleSince on every tick. A shard that has
// seen no writes for the configured window is demoted with MarkInactive,
// which sync-flushes it: buffer sealed, translog rolled and trimmed. Any
// subsequent write reactivates the shard transparently.
//
// # Routing
//
// Document ids map to shards by FNV-1a hash modulo the shard count
// (RouteDoc), mirroring the coordinator's routing table so both sides
// agree on ownership without coordination.
package shard
