// Package main implements the Kotare data node, which hosts index shards,
// manages their shared indexing-buffer budget, and serves document and
// snapshot operations as part of the cluster.
//
// The node is a worker in the Kotare distributed system, responsible for:
//   - Hosting shards of one or more logical indexes
//   - Executing document operations (index, get, delete)
//   - Running the indexing memory controller over its shards
//   - Creating and restoring snapshots in the configured repository
//   - Registering with the coordinator and responding to health checks
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│                 Node                     │
//	├──────────────────────────────────────────┤
//	│  HTTP API:                               │
//	│    /health            - Health check     │
//	│    /info              - Node information │
//	│    /index/{name}/...  - Document ops     │
//	│    /_memory           - Buffer status    │
//	│    /_snapshot/...     - Snapshot ops     │
//	│    /cluster/state     - State broadcasts │
//	├──────────────────────────────────────────┤
//	│  Components:                             │
//	│    shards map     - Hosted shards        │
//	│    Controller     - Memory budget loop   │
//	│    Repository     - Snapshot blobs       │
//	│    StateHolder    - Cluster state view   │
//	└──────────────────────────────────────────┘
//
// Configuration is read from kotare.toml (or KOTARE_CONFIG), with
// KOTARE_* environment variables overriding deploy-time knobs.
//
// Example usage:
//
//	# Start node
//	KOTARE_NODE_ID=node-1 \
//	KOTARE_LISTEN=:8081 \
//	KOTARE_COORDINATOR_ADDR=http://localhost:8080 \
//	./node
//
//	# Index a document
//	curl -X PUT localhost:8081/index/logs/doc/user:123 \
//	  -d '{"name":"Alice","age":30}'
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dreamware/kotare/internal/cluster"
	"github.com/dreamware/kotare/internal/config"
	"github.com/dreamware/kotare/internal/indexmem"
	"github.com/dreamware/kotare/internal/repository"
	"github.com/dreamware/kotare/internal/shard"
	"github.com/dreamware/kotare/internal/storage"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = func(format string, v ...any) {
	log.Fatal().Msgf(format, v...)
}

// Node hosts the shards assigned to this process and the services built
// around them.
//
// Shard management:
//   - Shards are created lazily when an index is first written
//   - Each shard has an independent engine, store, and translog
//   - Thread-safe access through RWMutex
type Node struct {
	// shards maps shard keys like "logs[0]" to their runtime instances.
	shards map[string]*shard.IndexShard

	// indexes maps index names to their local shard counts.
	indexes map[string]int

	cfg   config.Config
	repo  *repository.Repository
	ctrl  *indexmem.Controller
	state *cluster.StateHolder

	mu sync.RWMutex
}

// NewNode creates a node over the given configuration and repository.
// Shards are opened on demand; call Close to flush and release them.
func NewNode(cfg config.Config, repo *repository.Repository) *Node {
	return &Node{
		shards:  make(map[string]*shard.IndexShard),
		indexes: make(map[string]int),
		cfg:     cfg,
		repo:    repo,
		state:   cluster.NewStateHolder(),
	}
}

// CreateIndex opens all local shards for a new index. Creating an index
// that already exists is not an error.
func (n *Node) CreateIndex(name string) error {
	if name == "" || strings.ContainsAny(name, "/[]") {
		return fmt.Errorf("invalid index name %q", name)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, exists := n.indexes[name]; exists {
		return nil
	}

	numShards := n.cfg.Node.ShardsPerIndex
	opened := make([]*shard.IndexShard, 0, numShards)
	for id := 0; id < numShards; id++ {
		s, err := shard.Open(name, id, true, n.cfg.Node.DataDir)
		if err != nil {
			for _, prev := range opened {
				prev.Close()
			}
			return fmt.Errorf("failed to open shard %d of index %s: %w", id, name, err)
		}
		opened = append(opened, s)
	}
	for _, s := range opened {
		n.shards[s.Key()] = s
	}
	n.indexes[name] = numShards
	log.Info().Str("index", name).Int("shards", numShards).Msg("index created")
	return nil
}

// DropIndex closes and forgets all local shards of an index.
func (n *Node) DropIndex(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	numShards, exists := n.indexes[name]
	if !exists {
		return fmt.Errorf("index %s does not exist", name)
	}
	for id := 0; id < numShards; id++ {
		key := cluster.ShardKey(name, id)
		if s := n.shards[key]; s != nil {
			if err := s.Close(); err != nil {
				log.Warn().Str("shard", key).Err(err).Msg("error closing shard")
			}
			delete(n.shards, key)
		}
	}
	delete(n.indexes, name)
	log.Info().Str("index", name).Msg("index dropped")
	return nil
}

// ShardForDoc returns the shard owning a document, or an error if the
// index does not exist locally.
func (n *Node) ShardForDoc(index, docID string) (*shard.IndexShard, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	numShards, exists := n.indexes[index]
	if !exists {
		return nil, fmt.Errorf("index %s does not exist", index)
	}
	key := cluster.ShardKey(index, shard.RouteDoc(docID, numShards))
	s := n.shards[key]
	if s == nil {
		return nil, fmt.Errorf("shard %s is not hosted on this node", key)
	}
	return s, nil
}

// IndexShards returns all local shards of one index.
func (n *Node) IndexShards(index string) []*shard.IndexShard {
	n.mu.RLock()
	defer n.mu.RUnlock()

	numShards := n.indexes[index]
	out := make([]*shard.IndexShard, 0, numShards)
	for id := 0; id < numShards; id++ {
		if s := n.shards[cluster.ShardKey(index, id)]; s != nil {
			out = append(out, s)
		}
	}
	return out
}

// AllShards returns every shard hosted by this node.
func (n *Node) AllShards() []*shard.IndexShard {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]*shard.IndexShard, 0, len(n.shards))
	for _, s := range n.shards {
		out = append(out, s)
	}
	return out
}

// managedShards adapts the hosted shards to the memory controller's view.
func (n *Node) managedShards() []indexmem.Shard {
	all := n.AllShards()
	out := make([]indexmem.Shard, 0, len(all))
	for _, s := range all {
		out = append(out, s)
	}
	return out
}

// Close flushes and closes every hosted shard.
func (n *Node) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	for key, s := range n.shards {
		if err := s.Close(); err != nil {
			log.Warn().Str("shard", key).Err(err).Msg("error closing shard")
		}
	}
	n.shards = make(map[string]*shard.IndexShard)
	n.indexes = make(map[string]int)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logFatal("config: %v", err)
	}
	setupLogging(cfg.Log)

	if cfg.Node.ID == "" {
		logFatal("missing node ID (set KOTARE_NODE_ID or node.id)")
	}

	store, err := openBlobStore(cfg.Repo)
	if err != nil {
		logFatal("repository: %v", err)
	}
	defer store.Close()
	repo := repository.New(store)

	node := NewNode(cfg, repo)
	defer node.Close()

	budget, err := cfg.IndexBufferBytes()
	if err != nil {
		logFatal("memory config: %v", err)
	}
	node.ctrl = indexmem.NewController(indexmem.Config{
		IndexBufferBytes:  budget,
		ShardInactiveTime: cfg.Memory.ShardInactive.Duration,
		CheckInterval:     cfg.Memory.CheckInterval.Duration,
		DisableThrottling: cfg.Memory.ThrottleDisabled,
	}, node.managedShards)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go node.ctrl.Start(ctx)
	defer node.ctrl.Stop()

	log.Info().
		Str("node", cfg.Node.ID).
		Str("budget", config.FormatByteSize(budget)).
		Msg("node initialized")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		handleNodeInfo(node, w, r)
	})
	mux.HandleFunc("/index/", func(w http.ResponseWriter, r *http.Request) {
		handleIndexRequest(node, w, r)
	})
	mux.HandleFunc("/_memory", func(w http.ResponseWriter, r *http.Request) {
		handleMemoryStatus(node, w, r)
	})
	mux.HandleFunc("/_snapshot", func(w http.ResponseWriter, r *http.Request) {
		handleSnapshotList(node, w, r)
	})
	mux.HandleFunc("/_snapshot/", func(w http.ResponseWriter, r *http.Request) {
		handleSnapshotRequest(node, w, r)
	})
	mux.HandleFunc("/cluster/state", func(w http.ResponseWriter, r *http.Request) {
		handleClusterState(node, w, r)
	})

	s := &http.Server{
		Addr:              cfg.Node.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second, // Prevent slowloris attacks
	}

	go func() {
		log.Info().
			Str("listen", cfg.Node.Listen).
			Str("advertise", cfg.Node.AdvertiseAddr).
			Msg("node listening")
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logFatal("listen: %v", err)
		}
	}()

	// Register with coordinator (with retries) when one is configured
	if cfg.Node.CoordinatorAddr != "" {
		register(ctx, cfg.Node.CoordinatorAddr, cfg.Node.ID, cfg.Node.AdvertiseAddr)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	log.Info().Msg("node stopped")
}

// setupLogging configures the global zerolog logger from config.
func setupLogging(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

// openBlobStore constructs the snapshot blob store for the configured
// backend.
func openBlobStore(cfg config.RepoConfig) (repository.BlobStore, error) {
	switch cfg.Backend {
	case "bolt":
		return repository.NewBoltBlobStore(filepath.Join(cfg.Dir, "repo.db"))
	default:
		return repository.NewFSBlobStore(cfg.Dir)
	}
}

// register attempts to register the node with the coordinator, retrying on
// failure to handle coordinator startup delays or temporary network issues.
// Persistent failure is fatal because the node cannot receive routing
// without registration.
func register(ctx context.Context, coord, id, addr string) {
	body := cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}}
	var lastErr error

	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, coord+"/register", body, nil)
		if lastErr == nil {
			log.Info().Str("coordinator", coord).Msg("registered with coordinator")
			return
		}
		log.Warn().Int("attempt", i+1).Err(lastErr).Msg("register retry")
		time.Sleep(400 * time.Millisecond)
	}

	logFatal("failed to register with coordinator: %v", lastErr)
}

// handleIndexRequest routes index-scoped requests.
//
// Paths:
//
//	PUT    /index/{name}              - Create index
//	DELETE /index/{name}              - Drop index
//	GET    /index/{name}/_stats       - Per-shard statistics
//	POST   /index/{name}/_refresh     - Make buffered docs searchable
//	POST   /index/{name}/_flush       - Commit and trim translogs
//	PUT    /index/{name}/doc/{id}     - Index a document
//	GET    /index/{name}/doc/{id}     - Fetch a document
//	DELETE /index/{name}/doc/{id}     - Delete a document
func handleIndexRequest(node *Node, w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/index/")
	name, sub, _ := strings.Cut(rest, "/")
	if name == "" {
		http.Error(w, "index name required", http.StatusBadRequest)
		return
	}

	if sub == "" {
		switch r.Method {
		case http.MethodPut:
			if err := node.CreateIndex(name); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		case http.MethodDelete:
			if err := node.DropIndex(name); err != nil {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	switch {
	case sub == "_stats" && r.Method == http.MethodGet:
		handleIndexStats(node, name, w)
	case sub == "_refresh" && r.Method == http.MethodPost:
		handleIndexApply(node, name, w, (*shard.IndexShard).Refresh)
	case sub == "_flush" && r.Method == http.MethodPost:
		handleIndexApply(node, name, w, (*shard.IndexShard).Flush)
	case strings.HasPrefix(sub, "doc/"):
		docID := strings.TrimPrefix(sub, "doc/")
		if docID == "" {
			http.Error(w, "document ID required", http.StatusBadRequest)
			return
		}
		handleDoc(node, name, docID, w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleDoc executes one document operation against the owning shard.
// The index is created on demand on first write, which avoids an explicit
// index creation step for the common single-node setup.
func handleDoc(node *Node, index, docID string, w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodPut {
		if err := node.CreateIndex(index); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	s, err := node.ShardForDoc(index, docID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var buf bytes.Buffer
		if _, err := buf.ReadFrom(r.Body); err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		if err := s.Index(docID, buf.Bytes()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case http.MethodGet:
		var source []byte
		var err error
		// Realtime get reads through the buffer; searchable-only reads
		// see committed segments.
		if r.URL.Query().Get("realtime") == "false" {
			source, err = s.GetSearchable(docID)
		} else {
			source, err = s.Get(docID)
		}
		if err != nil {
			if errors.Is(err, storage.ErrDocNotFound) {
				http.Error(w, "document not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(source); err != nil {
			log.Warn().Err(err).Msg("error writing response")
		}

	case http.MethodDelete:
		if err := s.Delete(docID); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleIndexApply runs one shard operation across all local shards of an
// index, failing with the first error.
func handleIndexApply(node *Node, index string, w http.ResponseWriter, op func(*shard.IndexShard) error) {
	shards := node.IndexShards(index)
	if len(shards) == 0 {
		http.Error(w, fmt.Sprintf("index %s does not exist", index), http.StatusNotFound)
		return
	}
	for _, s := range shards {
		if err := op(s); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIndexStats returns per-shard statistics for one index.
func handleIndexStats(node *Node, index string, w http.ResponseWriter) {
	shards := node.IndexShards(index)
	if len(shards) == 0 {
		http.Error(w, fmt.Sprintf("index %s does not exist", index), http.StatusNotFound)
		return
	}

	infos := make([]shard.Info, 0, len(shards))
	for _, s := range shards {
		infos = append(infos, s.Info())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Index  string       `json:"index"`
		Shards []shard.Info `json:"shards"`
	}{Index: index, Shards: infos})
}

// handleNodeInfo returns the node's identity and every hosted shard.
//
// Endpoint: GET /info
func handleNodeInfo(node *Node, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	all := node.AllShards()
	infos := make([]shard.Info, 0, len(all))
	for _, s := range all {
		infos = append(infos, s.Info())
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		NodeID       string       `json:"node_id"`
		StateVersion uint64       `json:"state_version"`
		Count        int          `json:"shard_count"`
		Shards       []shard.Info `json:"shards"`
	}{
		NodeID:       node.cfg.Node.ID,
		StateVersion: node.state.Version(),
		Count:        len(infos),
		Shards:       infos,
	})
}

// handleMemoryStatus returns the indexing memory controller's snapshot.
//
// Endpoint: GET /_memory
func handleMemoryStatus(node *Node, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(node.ctrl.Status())
}

// handleSnapshotList lists snapshots in the repository.
//
// Endpoint: GET /_snapshot
func handleSnapshotList(node *Node, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	names, err := node.repo.ListSnapshots()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if names == nil {
		names = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Snapshots []string `json:"snapshots"`
	}{Snapshots: names})
}

// handleSnapshotRequest routes snapshot-scoped requests.
//
// Paths:
//
//	PUT    /_snapshot/{name}           - Create snapshot of all shards
//	GET    /_snapshot/{name}           - Snapshot metadata
//	DELETE /_snapshot/{name}           - Delete snapshot
//	POST   /_snapshot/{name}/_restore  - Restore hosted shards
//	POST   /_snapshot/_verify          - Verify repository integrity
func handleSnapshotRequest(node *Node, w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/_snapshot/")
	name, sub, _ := strings.Cut(rest, "/")
	if name == "" {
		http.Error(w, "snapshot name required", http.StatusBadRequest)
		return
	}

	if name == "_verify" && sub == "" {
		handleVerify(node, w, r)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodPut:
		all := node.AllShards()
		sources := make([]repository.Source, 0, len(all))
		for _, s := range all {
			sources = append(sources, s)
		}
		meta, err := node.repo.Snapshot(name, sources)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, repository.ErrSnapshotExists) {
				status = http.StatusConflict
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)

	case sub == "" && r.Method == http.MethodGet:
		meta, err := node.repo.GetSnapshot(name)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, repository.ErrSnapshotNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(meta)

	case sub == "" && r.Method == http.MethodDelete:
		if err := node.repo.DeleteSnapshot(name); err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, repository.ErrSnapshotNotFound) {
				status = http.StatusNotFound
			}
			http.Error(w, err.Error(), status)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	case sub == "_restore" && r.Method == http.MethodPost:
		handleRestore(node, name, w)

	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// handleRestore replays every shard manifest in the snapshot into the
// matching hosted shard, creating indexes locally as needed.
func handleRestore(node *Node, name string, w http.ResponseWriter) {
	meta, err := node.repo.GetSnapshot(name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repository.ErrSnapshotNotFound) {
			status = http.StatusNotFound
		}
		http.Error(w, err.Error(), status)
		return
	}

	restored := make(map[string]int, len(meta.Shards))
	for _, m := range meta.Shards {
		index, _, ok := strings.Cut(m.Shard, "[")
		if !ok {
			http.Error(w, fmt.Sprintf("malformed shard key %q in snapshot", m.Shard), http.StatusInternalServerError)
			return
		}
		if err := node.CreateIndex(index); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		// Restored docs route by ID, so the restore target is the
		// whole index rather than a single shard.
		docs, err := node.repo.Restore(name, m.Shard, indexRestorer{node: node, index: index})
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		restored[m.Shard] = docs
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Snapshot string         `json:"snapshot"`
		Restored map[string]int `json:"restored"`
	}{Snapshot: name, Restored: restored})
}

// indexRestorer routes restored documents to the owning local shard.
type indexRestorer struct {
	node  *Node
	index string
}

func (r indexRestorer) Index(docID string, source []byte) error {
	s, err := r.node.ShardForDoc(r.index, docID)
	if err != nil {
		return err
	}
	return s.Index(docID, source)
}

// handleVerify runs a repository integrity check.
//
// Endpoint: POST /_snapshot/_verify
//
// Query parameters:
//   - concurrency: data blob verification parallelism (default 4)
//   - max_anomalies: anomaly cap before truncation (default 100)
func handleVerify(node *Node, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var cfg repository.VerifyConfig
	if v, err := strconv.Atoi(r.URL.Query().Get("concurrency")); err == nil {
		cfg.Concurrency = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("max_anomalies")); err == nil {
		cfg.MaxAnomalies = v
	}

	result := repository.NewVerifier(node.repo, cfg).Verify(r.Context())

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(result)
}

// handleClusterState applies a broadcast cluster state.
//
// Endpoint: POST /cluster/state
//
// Stale versions are acknowledged but ignored, so reordered broadcasts
// cannot roll the node's view backwards.
func handleClusterState(node *Node, w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var state cluster.State
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	if node.state.Apply(state) {
		log.Info().Uint64("version", state.Version).Msg("applied cluster state")
	} else {
		log.Debug().
			Uint64("version", state.Version).
			Uint64("current", node.state.Version()).
			Msg("ignored stale cluster state")
	}
	w.WriteHeader(http.StatusNoContent)
}
