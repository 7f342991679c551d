// Package coordinator implements the orchestration layer for Kotare's
// distributed indexing system, managing index definitions, shard placement,
// and node health across the cluster.
//
// # Overview
//
// The coordinator is the control plane of a Kotare cluster. It owns the
// authoritative record of which indexes exist, which node each shard lives
// on, and which nodes are currently healthy. Data nodes hold the documents;
// the coordinator only holds the map.
//
// # Core Components
//
// IndexRegistry: Authoritative index and shard placement record
//   - Tracks index definitions (name, shard count)
//   - Maps each shard to its owning node
//   - Routes document IDs to shards via FNV-1a hashing
//   - Bumps a monotonic version on every mutation, feeding the
//     versioned state broadcasts nodes consume
//
// HealthMonitor: Periodic node liveness checking
//   - Probes each node's /health endpoint on a fixed interval
//   - Marks nodes unhealthy after consecutive failures
//   - Triggers shard eviction callbacks on state changes
//
// # Data Flow
//
//	Client request
//	      │
//	      ▼
//	┌─────────────┐   docID → shard    ┌──────────────┐
//	│ Coordinator │ ──────────────────▶│ IndexRegistry│
//	│   server    │    shard → node    └──────────────┘
//	└──────┬──────┘
//	       │ proxy to owning node
//	       ▼
//	┌─────────────┐
//	│  Data node  │
//	└─────────────┘
//
// # Failure Handling
//
// When the health monitor marks a node unhealthy, the registry's EvictNode
// reassigns its shards across the surviving nodes and the new routing is
// broadcast with a higher state version. Documents on the failed node are
// recovered from snapshots, not migrated live.
//
// # Concurrency Model
//
// Both components are safe for concurrent use:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
//   - No locks held during network I/O or callbacks
//
// # See Also
//
// Related packages:
//   - internal/cluster: Shared wire types and versioned state
//   - internal/shard: Per-shard indexing on data nodes
package coordinator
