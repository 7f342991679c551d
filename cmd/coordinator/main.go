// Package main implements the Kotare coordinator, the control plane that
// tracks cluster membership, owns index definitions and shard placement,
// and proxies document requests to the owning data node.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/exp/slices"

	"github.com/dreamware/kotare/internal/cluster"
	"github.com/dreamware/kotare/internal/coordinator"
)

func main() {
	addr := getenv("KOTARE_COORDINATOR_LISTEN", ":8080")
	setupLogging()

	srv := newServer(getenvInt("KOTARE_SHARDS_PER_INDEX", 4))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Health monitoring with automatic shard eviction
	monitor := coordinator.NewHealthMonitor(10 * time.Second)
	monitor.SetOnUnhealthy(srv.evictNode)
	go monitor.Start(ctx, srv.nodeList)
	defer monitor.Stop()
	srv.monitor = monitor

	mux := http.NewServeMux()
	mux.HandleFunc("/register", srv.handleRegister)
	mux.HandleFunc("/nodes", srv.handleListNodes)
	mux.HandleFunc("/broadcast", srv.handleBroadcast)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	// Index management endpoints
	mux.HandleFunc("/indexes", srv.handleListIndexes)
	mux.HandleFunc("/indexes/", srv.handleIndex)
	// Document routing endpoints
	mux.HandleFunc("/index/", srv.handleDoc)
	// Shard placement endpoints
	mux.HandleFunc("/shards", srv.handleShards)
	mux.HandleFunc("/shards/assign", srv.handleShardAssign)
	// Cluster state snapshot
	mux.HandleFunc("/state", srv.handleState)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info().Str("listen", addr).Msg("coordinator listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info().Msg("coordinator stopped")
}

func setupLogging() {
	if level, err := zerolog.ParseLevel(getenv("KOTARE_LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(level)
	}
}

type server struct {
	mu             sync.RWMutex
	nodes          []cluster.NodeInfo
	registry       *coordinator.IndexRegistry
	monitor        *coordinator.HealthMonitor
	shardsPerIndex int
}

func newServer(shardsPerIndex int) *server {
	return &server{
		registry:       coordinator.NewIndexRegistry(),
		shardsPerIndex: shardsPerIndex,
	}
}

// nodeList returns a copy of the registered nodes.
func (s *server) nodeList() []cluster.NodeInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]cluster.NodeInfo(nil), s.nodes...)
}

// nodeAddr resolves a node ID to its advertised address, or "".
func (s *server) nodeAddr(nodeID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, node := range s.nodes {
		if node.ID == nodeID {
			return node.Addr
		}
	}
	return ""
}

// nodeIDs returns the IDs of all registered nodes, optionally excluding one.
func (s *server) nodeIDs(exclude string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.nodes))
	for _, node := range s.nodes {
		if node.ID != exclude {
			ids = append(ids, node.ID)
		}
	}
	return ids
}

// evictNode moves a failed node's shards to the survivors and broadcasts
// the new routing. Invoked by the health monitor off its own goroutine.
func (s *server) evictNode(nodeID string) {
	survivors := s.nodeIDs(nodeID)
	s.registry.EvictNode(nodeID, survivors)
	log.Warn().
		Str("node", nodeID).
		Int("survivors", len(survivors)).
		Msg("evicted unhealthy node from shard routing")
	s.broadcastState(context.Background())
}

// broadcastState pushes the current versioned cluster state to every node.
// Failures are logged, not retried: the next mutation broadcasts a newer
// version anyway and nodes ignore anything stale.
func (s *server) broadcastState(ctx context.Context) {
	state := s.registry.State(s.nodeList())

	ctx, cancel := context.WithTimeout(ctx, 4*time.Second)
	defer cancel()

	for _, node := range s.nodeList() {
		if err := cluster.PostJSON(ctx, node.Addr+"/cluster/state", state, nil); err != nil {
			log.Warn().
				Str("node", node.ID).
				Uint64("version", state.Version).
				Err(err).
				Msg("failed to broadcast cluster state")
		}
	}
}

func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Node.ID == "" || req.Node.Addr == "" {
		http.Error(w, "missing id/addr", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.nodes, func(n cluster.NodeInfo) bool { return n.ID == req.Node.ID })
	isNew := idx < 0
	if isNew {
		s.nodes = append(s.nodes, req.Node)
	} else {
		s.nodes[idx] = req.Node
	}
	s.mu.Unlock()

	if isNew {
		log.Info().Str("node", req.Node.ID).Str("addr", req.Node.Addr).Msg("node registered")
		// Spread existing shards over the grown cluster
		if err := s.registry.Rebalance(s.nodeIDs("")); err == nil {
			s.broadcastState(r.Context())
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	_ = json.NewEncoder(w).Encode(struct {
		Nodes []cluster.NodeInfo `json:"nodes"`
	}{Nodes: s.nodeList()})
}

func (s *server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req cluster.BroadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if req.Path == "" || req.Path[0] != '/' {
		http.Error(w, "path must start with '/'", http.StatusBadRequest)
		return
	}

	targets := s.nodeList()

	type result struct {
		NodeID string `json:"node_id"`
		Err    string `json:"err,omitempty"`
	}
	out := make([]result, 0, len(targets))

	ctx, cancel := context.WithTimeout(r.Context(), 4*time.Second)
	defer cancel()

	for _, n := range targets {
		err := cluster.PostJSON(ctx, n.Addr+req.Path, req.Payload, nil)
		res := result{NodeID: n.ID}
		if err != nil {
			res.Err = err.Error()
		}
		out = append(out, res)
	}

	_ = json.NewEncoder(w).Encode(struct {
		SentTo  int      `json:"sent_to"`
		Results []result `json:"results"`
	}{SentTo: len(targets), Results: out})
}

// handleListIndexes returns all index definitions.
func (s *server) handleListIndexes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Indexes map[string]cluster.IndexMeta `json:"indexes"`
	}{Indexes: s.registry.Indexes()})
}

// handleIndex creates or drops an index definition.
//
// PUT /indexes/{name}?shards=N creates the index and distributes its
// shards over the registered nodes; DELETE /indexes/{name} drops it.
func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/indexes/")
	if name == "" || strings.Contains(name, "/") {
		http.Error(w, "index name required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodPut:
		numShards := s.shardsPerIndex
		if v := r.URL.Query().Get("shards"); v != "" {
			if _, err := fmt.Sscanf(v, "%d", &numShards); err != nil {
				http.Error(w, "invalid shards parameter", http.StatusBadRequest)
				return
			}
		}
		if err := s.registry.CreateIndex(name, numShards); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if nodes := s.nodeIDs(""); len(nodes) > 0 {
			if err := s.registry.Rebalance(nodes); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
		}
		s.broadcastState(r.Context())
		w.WriteHeader(http.StatusNoContent)

	case http.MethodDelete:
		if err := s.registry.DropIndex(name); err != nil {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		s.broadcastState(r.Context())
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleDoc proxies document operations to the node owning the target
// shard.
//
// Path: /index/{name}/doc/{id}
func (s *server) handleDoc(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/index/")
	index, sub, ok := strings.Cut(rest, "/")
	if !ok || !strings.HasPrefix(sub, "doc/") {
		http.Error(w, "expected /index/{name}/doc/{id}", http.StatusBadRequest)
		return
	}
	docID := strings.TrimPrefix(sub, "doc/")
	if index == "" || docID == "" {
		http.Error(w, "index and document ID required", http.StatusBadRequest)
		return
	}

	nodeID, err := s.registry.NodeForDoc(index, docID)
	if err != nil {
		http.Error(w, fmt.Sprintf("cannot route document: %v", err), http.StatusServiceUnavailable)
		return
	}
	nodeAddr := s.nodeAddr(nodeID)
	if nodeAddr == "" {
		http.Error(w, fmt.Sprintf("node %s not found", nodeID), http.StatusServiceUnavailable)
		return
	}

	targetURL := fmt.Sprintf("%s/index/%s/doc/%s", nodeAddr, index, docID)
	if r.URL.RawQuery != "" {
		targetURL += "?" + r.URL.RawQuery
	}

	switch r.Method {
	case http.MethodGet, http.MethodDelete:
		s.forward(r.Method, targetURL, nil, w, r)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		s.forward(http.MethodPut, targetURL, body, w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// forward relays one request to a data node and copies the response back.
func (s *server) forward(method, targetURL string, body []byte, w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to forward request: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// handleShards returns current shard assignments.
func (s *server) handleShards(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Shards  []*coordinator.ShardAssignment `json:"shards"`
		Version uint64                         `json:"version"`
	}{
		Shards:  s.registry.GetAllAssignments(),
		Version: s.registry.Version(),
	})
}

// handleShardAssign manually places a shard on a node (admin operation).
func (s *server) handleShardAssign(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Index     string `json:"index"`
		ShardID   int    `json:"shard_id"`
		NodeID    string `json:"node_id"`
		IsPrimary bool   `json:"is_primary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if err := s.registry.AssignShard(req.Index, req.ShardID, req.NodeID, req.IsPrimary); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.broadcastState(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleState returns the current versioned cluster state.
func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.registry.State(s.nodeList()))
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil && n > 0 {
			return n
		}
	}
	return def
}
