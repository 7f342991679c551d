// Package coordinator implements the orchestration layer for Kotare's
// distributed indexing system. See doc.go for complete package documentation.
package coordinator

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/dreamware/kotare/internal/cluster"
)

// ShardAssignment represents the assignment of one index shard to a node,
// tracking ownership for document routing.
//
// The assignment model ensures:
//   - Every shard has at most one primary at any time
//   - Assignments can be changed for rebalancing or failure recovery
//
// Thread Safety:
// ShardAssignment structs are immutable once created. The registry returns
// copies to prevent external modification.
type ShardAssignment struct {
	// Index is the logical index this shard belongs to.
	Index string

	// NodeID identifies the node that owns this shard.
	// Must match a registered node's ID in the cluster.
	NodeID string

	// IsPrimary indicates whether this is the primary or replica assignment.
	// Only primaries exist today; replicas are a planned extension.
	IsPrimary bool

	// ShardID is the shard number within the index.
	// Valid range: [0, IndexMeta.NumShards)
	ShardID int
}

// IndexRegistry is the coordinator's authoritative record of which indexes
// exist, how many shards each has, and which node owns each shard. It is
// the source of truth that versioned cluster state broadcasts are built
// from.
//
// Routing model:
//
//	┌──────────────────────────────────────────┐
//	│            IndexRegistry                 │
//	├──────────────────────────────────────────┤
//	│  indexes:     name → shard count         │
//	│  assignments: "logs[0]" → node           │
//	│  version:     bumped on every mutation   │
//	├──────────────────────────────────────────┤
//	│  DocID → FNV-1a → Shard → Node           │
//	│  "user:123" → 0x1a2b → logs[5] → "n2"    │
//	└──────────────────────────────────────────┘
//
// Concurrency Model:
//   - Read operations use RLock for parallel access
//   - Write operations use Lock for exclusive access
//   - All returned data is copied to prevent races
type IndexRegistry struct {
	indexes     map[string]cluster.IndexMeta
	assignments map[string]*ShardAssignment // shard key -> assignment
	mu          sync.RWMutex
	version     uint64 // Monotonic, advanced on every mutation
}

// NewIndexRegistry creates an empty registry at version zero.
func NewIndexRegistry() *IndexRegistry {
	return &IndexRegistry{
		indexes:     make(map[string]cluster.IndexMeta),
		assignments: make(map[string]*ShardAssignment),
	}
}

// CreateIndex registers a new logical index with a fixed shard count.
// Shards start unassigned; call Rebalance or AssignShard to place them.
//
// The shard count is fixed for the index lifetime because document routing
// hashes against it; changing it would strand existing documents.
//
// Returns an error if the name is taken, empty, or numShards < 1.
func (r *IndexRegistry) CreateIndex(name string, numShards int) error {
	if name == "" {
		return errors.New("index name cannot be empty")
	}
	if numShards < 1 {
		return fmt.Errorf("invalid shard count %d for index %s", numShards, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.indexes[name]; exists {
		return fmt.Errorf("index %s already exists", name)
	}
	r.indexes[name] = cluster.IndexMeta{Name: name, NumShards: numShards}
	r.version++
	return nil
}

// DropIndex removes an index and all its shard assignments.
// Returns an error if the index does not exist.
func (r *IndexRegistry) DropIndex(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, exists := r.indexes[name]
	if !exists {
		return fmt.Errorf("index %s does not exist", name)
	}
	delete(r.indexes, name)
	for shardID := 0; shardID < meta.NumShards; shardID++ {
		delete(r.assignments, cluster.ShardKey(name, shardID))
	}
	r.version++
	return nil
}

// GetIndex returns the metadata for one index, or false if unknown.
func (r *IndexRegistry) GetIndex(name string) (cluster.IndexMeta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	meta, ok := r.indexes[name]
	return meta, ok
}

// Indexes returns a copy of all index metadata.
func (r *IndexRegistry) Indexes() map[string]cluster.IndexMeta {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]cluster.IndexMeta, len(r.indexes))
	for k, v := range r.indexes {
		out[k] = v
	}
	return out
}

// AssignShard assigns one shard of an index to a node, establishing or
// updating the ownership used for document routing.
//
// Parameters:
//   - index: The index the shard belongs to (must exist)
//   - shardID: The shard to assign (must be in [0, NumShards))
//   - nodeID: The node to assign to (must be non-empty)
//   - isPrimary: Whether this is a primary assignment
//
// Thread Safety:
// This method is thread-safe and can be called concurrently.
func (r *IndexRegistry) AssignShard(index string, shardID int, nodeID string, isPrimary bool) error {
	if nodeID == "" {
		return errors.New("node ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	meta, exists := r.indexes[index]
	if !exists {
		return fmt.Errorf("index %s does not exist", index)
	}
	if shardID < 0 || shardID >= meta.NumShards {
		return fmt.Errorf("invalid shard ID %d for index %s, must be in range [0, %d)",
			shardID, index, meta.NumShards)
	}

	r.assignments[cluster.ShardKey(index, shardID)] = &ShardAssignment{
		Index:     index,
		ShardID:   shardID,
		NodeID:    nodeID,
		IsPrimary: isPrimary,
	}
	r.version++
	return nil
}

// RemoveShard clears a shard's assignment, making it unroutable until
// reassigned. Removing an unassigned shard is not an error.
func (r *IndexRegistry) RemoveShard(index string, shardID int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	meta, exists := r.indexes[index]
	if !exists {
		return fmt.Errorf("index %s does not exist", index)
	}
	if shardID < 0 || shardID >= meta.NumShards {
		return fmt.Errorf("invalid shard ID %d for index %s, must be in range [0, %d)",
			shardID, index, meta.NumShards)
	}

	delete(r.assignments, cluster.ShardKey(index, shardID))
	r.version++
	return nil
}

// GetAssignment returns a copy of one shard's assignment, or nil if the
// shard is unassigned.
func (r *IndexRegistry) GetAssignment(index string, shardID int) *ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assignment := r.assignments[cluster.ShardKey(index, shardID)]
	if assignment == nil {
		return nil
	}
	copied := *assignment
	return &copied
}

// GetAllAssignments returns copies of every current assignment, in no
// particular order.
func (r *IndexRegistry) GetAllAssignments() []*ShardAssignment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	assignments := make([]*ShardAssignment, 0, len(r.assignments))
	for _, assignment := range r.assignments {
		copied := *assignment
		assignments = append(assignments, &copied)
	}
	return assignments
}

// ShardForDoc determines which shard of an index owns a document ID.
//
// Uses FNV-1a so routing is deterministic and matches the hash the data
// nodes use for local ownership checks: the same document ID always maps
// to the same shard for the index lifetime.
func (r *IndexRegistry) ShardForDoc(index, docID string) (int, error) {
	r.mu.RLock()
	meta, exists := r.indexes[index]
	r.mu.RUnlock()

	if !exists {
		return 0, fmt.Errorf("index %s does not exist", index)
	}

	h := fnv.New32a()
	h.Write([]byte(docID))
	return int(h.Sum32()) % meta.NumShards, nil
}

// NodeForDoc finds the node that owns the shard for a document, providing
// direct routing for client requests.
//
// Routing process:
//   - DocID → Hash → Shard ID → Node ID
//   - Example: "user:123" → 0x1a2b3c4d → logs[5] → "node-2"
//
// Returns an error if the index is unknown or the shard is unassigned.
func (r *IndexRegistry) NodeForDoc(index, docID string) (string, error) {
	shardID, err := r.ShardForDoc(index, docID)
	if err != nil {
		return "", err
	}

	r.mu.RLock()
	assignment := r.assignments[cluster.ShardKey(index, shardID)]
	r.mu.RUnlock()

	if assignment == nil {
		return "", fmt.Errorf("shard %s is not assigned to any node", cluster.ShardKey(index, shardID))
	}
	return assignment.NodeID, nil
}

// NodeShards returns the shard keys assigned to one node, useful for
// node-level operations and monitoring.
func (r *IndexRegistry) NodeShards(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for key, assignment := range r.assignments {
		if assignment.NodeID == nodeID {
			keys = append(keys, key)
		}
	}
	return keys
}

// Rebalance redistributes every index's shards across the given nodes
// using round-robin assignment. Previous assignments are overwritten and
// all assignments are marked primary.
//
// When to rebalance:
//   - After node addition (scale out)
//   - After node removal (node failure)
//
// Current limitations:
//   - Simple round-robin (doesn't consider actual load)
//   - No data migration coordination
func (r *IndexRegistry) Rebalance(nodes []string) error {
	if len(nodes) == 0 {
		return errors.New("cannot rebalance with no nodes")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := 0
	for name, meta := range r.indexes {
		for shardID := 0; shardID < meta.NumShards; shardID++ {
			r.assignments[cluster.ShardKey(name, shardID)] = &ShardAssignment{
				Index:     name,
				ShardID:   shardID,
				NodeID:    nodes[next%len(nodes)],
				IsPrimary: true,
			}
			next++
		}
	}
	r.version++
	return nil
}

// EvictNode reassigns every shard owned by a failed node across the
// surviving nodes, round-robin. Shards stay unassigned if no survivors
// remain.
func (r *IndexRegistry) EvictNode(nodeID string, survivors []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := 0
	for key, assignment := range r.assignments {
		if assignment.NodeID != nodeID {
			continue
		}
		if len(survivors) == 0 {
			delete(r.assignments, key)
			continue
		}
		copied := *assignment
		copied.NodeID = survivors[next%len(survivors)]
		r.assignments[key] = &copied
		next++
	}
	r.version++
}

// Version returns the registry's current mutation counter.
func (r *IndexRegistry) Version() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// State builds the versioned cluster state broadcast from the registry's
// current contents plus the given node list.
func (r *IndexRegistry) State(nodes []cluster.NodeInfo) cluster.State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	state := cluster.State{
		Version: r.version,
		Nodes:   append([]cluster.NodeInfo(nil), nodes...),
		Indexes: make(map[string]cluster.IndexMeta, len(r.indexes)),
		Routing: make(map[string]string, len(r.assignments)),
	}
	for name, meta := range r.indexes {
		state.Indexes[name] = meta
	}
	for key, assignment := range r.assignments {
		state.Routing[key] = assignment.NodeID
	}
	return state
}
