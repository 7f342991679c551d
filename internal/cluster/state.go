package cluster

import (
	"fmt"
	"sync"
)

// State is a versioned snapshot of cluster topology. The coordinator owns
// the authoritative copy and broadcasts it to nodes; each node keeps the
// newest version it has seen.
type State struct {
	Version uint64               `json:"version"`
	Nodes   []NodeInfo           `json:"nodes"`
	Indexes map[string]IndexMeta `json:"indexes"`
	// Routing maps a shard key like "logs[0]" to the owning node ID.
	Routing map[string]string `json:"routing"`
}

// ShardKey formats the routing key for a shard of an index.
func ShardKey(index string, shard int) string {
	return fmt.Sprintf("%s[%d]", index, shard)
}

// clone makes a deep copy so callers can't mutate shared state.
func (s *State) clone() State {
	out := State{Version: s.Version}
	out.Nodes = append([]NodeInfo(nil), s.Nodes...)
	if s.Indexes != nil {
		out.Indexes = make(map[string]IndexMeta, len(s.Indexes))
		for k, v := range s.Indexes {
			out.Indexes[k] = v
		}
	}
	if s.Routing != nil {
		out.Routing = make(map[string]string, len(s.Routing))
		for k, v := range s.Routing {
			out.Routing[k] = v
		}
	}
	return out
}

// NodeForShard returns the node ID owning a shard, or "" if unrouted.
func (s *State) NodeForShard(index string, shard int) string {
	return s.Routing[ShardKey(index, shard)]
}

// StateHolder is the thread-safe container for a node's local view of
// cluster state. Apply rejects versions that don't advance, so delayed or
// reordered broadcasts can't roll the view backwards.
type StateHolder struct {
	mu    sync.RWMutex
	state State
}

// NewStateHolder creates a holder starting at version zero.
func NewStateHolder() *StateHolder {
	return &StateHolder{
		state: State{
			Indexes: make(map[string]IndexMeta),
			Routing: make(map[string]string),
		},
	}
}

// Apply installs a newer state. Returns true if the state was accepted,
// false if its version is not greater than the current one.
func (h *StateHolder) Apply(next State) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if next.Version <= h.state.Version {
		return false
	}
	h.state = next.clone()
	return true
}

// Current returns a copy of the newest applied state.
func (h *StateHolder) Current() State {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.clone()
}

// Version returns the version of the newest applied state.
func (h *StateHolder) Version() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state.Version
}
