// Package cluster provides the membership and communication primitives for
// Kotare, implementing node registration, versioned cluster state, and the
// HTTP/JSON transport used between the coordinator and data nodes.
//
// # Overview
//
// The cluster package is the shared vocabulary of Kotare's distributed
// layer. The coordinator and every data node import it for the types that
// cross the wire and for the helpers that move them.
//
// # Architecture
//
// The package supports a hub-and-spoke model:
//
//	              ┌──────────────┐
//	              │ Coordinator  │
//	              │              │
//	              │ - Registry   │
//	              │ - Health Mon │
//	              │ - State Ver. │
//	              └──────┬───────┘
//	                     │
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐ ┌─────▼─────┐ ┌─────▼─────┐
//	│  Node 1   │ │  Node 2   │ │  Node 3   │
//	│           │ │           │ │           │
//	│ logs[0]   │ │ logs[1]   │ │ logs[2]   │
//	│ logs[3]   │ │ metrics[0]│ │ metrics[1]│
//	└───────────┘ └───────────┘ └───────────┘
//
// # Core Components
//
// NodeInfo: Identity and address of one data node
//   - Serialized in registration and state broadcasts
//
// State: Versioned snapshot of cluster topology
//   - Nodes, index definitions, and shard routing
//   - Monotonic version; stale versions are rejected on apply
//
// StateHolder: Thread-safe container for the local State copy
//   - Apply accepts only newer versions
//   - Current returns a copy; callers may mutate it freely
//
// # Communication Protocol
//
// All inter-node communication is HTTP/JSON:
//
// Node Registration (POST /cluster/register):
//   - Nodes announce identity and address to the coordinator
//
// Health Checking (GET /health):
//   - Periodic liveness probes from coordinator to nodes
//
// State Broadcasting (POST /cluster/state):
//   - Coordinator pushes the full versioned state to all nodes
//   - Eventually consistent; version ordering resolves races
//
// # Concurrency Model
//
// StateHolder uses sync.RWMutex with copy-on-read; no locks are held
// during network I/O.
package cluster
