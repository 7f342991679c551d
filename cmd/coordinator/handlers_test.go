package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dreamware/kotare/internal/cluster"
	"github.com/dreamware/kotare/internal/coordinator"
)

// fakeNode is a stand-in data node that records cluster state broadcasts
// and document requests forwarded by the coordinator.
type fakeNode struct {
	srv    *httptest.Server
	mu     sync.Mutex
	states []cluster.State
	docs   []string
}

func newFakeNode(t *testing.T) *fakeNode {
	t.Helper()
	n := &fakeNode{}
	n.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/cluster/state":
			var state cluster.State
			if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			n.mu.Lock()
			n.states = append(n.states, state)
			n.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		case r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case strings.HasPrefix(r.URL.Path, "/index/"):
			body, _ := io.ReadAll(r.Body)
			n.mu.Lock()
			n.docs = append(n.docs, r.Method+" "+r.URL.RequestURI()+" "+string(body))
			n.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"ok":true}`))
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	t.Cleanup(n.srv.Close)
	return n
}

func (n *fakeNode) stateCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.states)
}

func (n *fakeNode) lastState() cluster.State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.states[len(n.states)-1]
}

// registerNode registers a node with the coordinator through the handler.
func registerNode(t *testing.T, srv *server, id, addr string) {
	t.Helper()
	body, _ := json.Marshal(cluster.RegisterRequest{Node: cluster.NodeInfo{ID: id, Addr: addr}})
	w := httptest.NewRecorder()
	srv.handleRegister(w, httptest.NewRequest(http.MethodPost, "/register", bytes.NewReader(body)))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Register %s: expected 204, got %d (%s)", id, w.Code, w.Body.String())
	}
}

func TestHandleRegister(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "valid registration",
			body:       `{"node":{"id":"node-1","addr":"http://localhost:9001"}}`,
			wantStatus: http.StatusNoContent,
		},
		{
			name:       "missing node ID",
			body:       `{"node":{"addr":"http://localhost:9001"}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing node address",
			body:       `{"node":{"id":"node-1"}}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed json",
			body:       `{bad`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(4)
			w := httptest.NewRecorder()
			srv.handleRegister(w, httptest.NewRequest(http.MethodPost, "/register", strings.NewReader(tt.body)))
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
		})
	}
}

func TestHandleRegisterUpdatesAddress(t *testing.T) {
	srv := newServer(4)
	registerNode(t, srv, "node-1", "http://localhost:9001")
	registerNode(t, srv, "node-1", "http://localhost:9002")

	nodes := srv.nodeList()
	if len(nodes) != 1 {
		t.Fatalf("Expected 1 node after re-registration, got %d", len(nodes))
	}
	if nodes[0].Addr != "http://localhost:9002" {
		t.Errorf("Expected updated address, got %s", nodes[0].Addr)
	}
}

func TestHandleIndexLifecycle(t *testing.T) {
	srv := newServer(4)
	node := newFakeNode(t)
	registerNode(t, srv, "node-1", node.srv.URL)

	// Create with explicit shard count
	w := httptest.NewRecorder()
	srv.handleIndex(w, httptest.NewRequest(http.MethodPut, "/indexes/logs?shards=2", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Create index: expected 204, got %d (%s)", w.Code, w.Body.String())
	}

	// Creation broadcasts routing to the registered node
	if node.stateCount() == 0 {
		t.Fatal("Expected a cluster state broadcast after index creation")
	}
	state := node.lastState()
	if state.Version == 0 {
		t.Error("Broadcast state has version 0")
	}
	if got := len(state.Routing); got != 2 {
		t.Errorf("Expected 2 routing entries, got %d", got)
	}
	for key, nodeID := range state.Routing {
		if nodeID != "node-1" {
			t.Errorf("Shard %s routed to %s, want node-1", key, nodeID)
		}
	}

	// List includes the new index
	w = httptest.NewRecorder()
	srv.handleListIndexes(w, httptest.NewRequest(http.MethodGet, "/indexes", nil))
	var list struct {
		Indexes map[string]cluster.IndexMeta `json:"indexes"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("Failed to decode index list: %v", err)
	}
	if meta, ok := list.Indexes["logs"]; !ok || meta.NumShards != 2 {
		t.Errorf("Unexpected index list: %+v", list.Indexes)
	}

	// Duplicate creation fails
	w = httptest.NewRecorder()
	srv.handleIndex(w, httptest.NewRequest(http.MethodPut, "/indexes/logs", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Duplicate create: expected 400, got %d", w.Code)
	}

	// Drop, then drop again
	w = httptest.NewRecorder()
	srv.handleIndex(w, httptest.NewRequest(http.MethodDelete, "/indexes/logs", nil))
	if w.Code != http.StatusNoContent {
		t.Errorf("Drop index: expected 204, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	srv.handleIndex(w, httptest.NewRequest(http.MethodDelete, "/indexes/logs", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Drop missing index: expected 404, got %d", w.Code)
	}

	// Invalid shard count
	w = httptest.NewRecorder()
	srv.handleIndex(w, httptest.NewRequest(http.MethodPut, "/indexes/metrics?shards=abc", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Invalid shards param: expected 400, got %d", w.Code)
	}
}

func TestHandleDocProxy(t *testing.T) {
	srv := newServer(4)
	node := newFakeNode(t)
	registerNode(t, srv, "node-1", node.srv.URL)

	w := httptest.NewRecorder()
	srv.handleIndex(w, httptest.NewRequest(http.MethodPut, "/indexes/logs?shards=2", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Create index: got %d", w.Code)
	}

	// PUT is forwarded with its body
	w = httptest.NewRecorder()
	srv.handleDoc(w, httptest.NewRequest(http.MethodPut, "/index/logs/doc/d1", strings.NewReader(`{"msg":"hi"}`)))
	if w.Code != http.StatusOK {
		t.Fatalf("Proxy PUT: expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	// GET preserves the query string and copies the response back
	w = httptest.NewRecorder()
	srv.handleDoc(w, httptest.NewRequest(http.MethodGet, "/index/logs/doc/d1?realtime=false", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Proxy GET: expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected forwarded content type, got %q", ct)
	}
	if w.Body.String() != `{"ok":true}` {
		t.Errorf("Unexpected proxied body: %s", w.Body.String())
	}

	node.mu.Lock()
	calls := append([]string(nil), node.docs...)
	node.mu.Unlock()
	if len(calls) != 2 {
		t.Fatalf("Expected 2 forwarded calls, got %d: %v", len(calls), calls)
	}
	if !strings.Contains(calls[0], `PUT /index/logs/doc/d1 {"msg":"hi"}`) {
		t.Errorf("Unexpected forwarded PUT: %s", calls[0])
	}
	if !strings.Contains(calls[1], "realtime=false") {
		t.Errorf("Forwarded GET lost query string: %s", calls[1])
	}
}

func TestHandleDocRouting(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		setup      func(*server)
		wantStatus int
	}{
		{
			name:       "unknown index",
			path:       "/index/ghost/doc/d1",
			setup:      func(s *server) {},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "index with no assignments",
			path: "/index/logs/doc/d1",
			setup: func(s *server) {
				s.registry.CreateIndex("logs", 2)
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name: "assigned to unregistered node",
			path: "/index/logs/doc/d1",
			setup: func(s *server) {
				s.registry.CreateIndex("logs", 1)
				s.registry.AssignShard("logs", 0, "ghost-node", true)
			},
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "malformed path",
			path:       "/index/logs/d1",
			setup:      func(s *server) {},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing doc ID",
			path:       "/index/logs/doc/",
			setup:      func(s *server) {},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(4)
			tt.setup(srv)
			w := httptest.NewRecorder()
			srv.handleDoc(w, httptest.NewRequest(http.MethodGet, tt.path, nil))
			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d (%s)", tt.wantStatus, w.Code, w.Body.String())
			}
		})
	}
}

func TestHandleShardAssign(t *testing.T) {
	srv := newServer(4)
	node := newFakeNode(t)
	node2 := newFakeNode(t)
	registerNode(t, srv, "node-1", node.srv.URL)
	registerNode(t, srv, "node-2", node2.srv.URL)

	w := httptest.NewRecorder()
	srv.handleIndex(w, httptest.NewRequest(http.MethodPut, "/indexes/logs?shards=2", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Create index: got %d", w.Code)
	}

	// Move shard 0 to node-2 explicitly
	body := `{"index":"logs","shard_id":0,"node_id":"node-2","is_primary":true}`
	w = httptest.NewRecorder()
	srv.handleShardAssign(w, httptest.NewRequest(http.MethodPost, "/shards/assign", strings.NewReader(body)))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Assign shard: expected 204, got %d (%s)", w.Code, w.Body.String())
	}

	if a := srv.registry.GetAssignment("logs", 0); a == nil || a.NodeID != "node-2" {
		t.Errorf("Expected shard 0 on node-2, got %+v", a)
	}

	// Assignments are visible through /shards
	w = httptest.NewRecorder()
	srv.handleShards(w, httptest.NewRequest(http.MethodGet, "/shards", nil))
	var shards struct {
		Shards  []coordinator.ShardAssignment `json:"shards"`
		Version uint64                        `json:"version"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &shards); err != nil {
		t.Fatalf("Failed to decode shards: %v", err)
	}
	if len(shards.Shards) != 2 {
		t.Errorf("Expected 2 assignments, got %d", len(shards.Shards))
	}
	if shards.Version == 0 {
		t.Error("Expected non-zero version")
	}

	// Unknown index and bad json are rejected
	w = httptest.NewRecorder()
	srv.handleShardAssign(w, httptest.NewRequest(http.MethodPost, "/shards/assign",
		strings.NewReader(`{"index":"ghost","shard_id":0,"node_id":"node-1"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Assign to unknown index: expected 400, got %d", w.Code)
	}
	w = httptest.NewRecorder()
	srv.handleShardAssign(w, httptest.NewRequest(http.MethodPost, "/shards/assign", strings.NewReader("{bad")))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Bad json: expected 400, got %d", w.Code)
	}
}

func TestHandleState(t *testing.T) {
	srv := newServer(4)
	node := newFakeNode(t)
	registerNode(t, srv, "node-1", node.srv.URL)

	w := httptest.NewRecorder()
	srv.handleIndex(w, httptest.NewRequest(http.MethodPut, "/indexes/logs?shards=2", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Create index: got %d", w.Code)
	}

	w = httptest.NewRecorder()
	srv.handleState(w, httptest.NewRequest(http.MethodGet, "/state", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("State: expected 200, got %d", w.Code)
	}
	var state cluster.State
	if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
		t.Fatalf("Failed to decode state: %v", err)
	}
	if state.Version == 0 {
		t.Error("Expected non-zero state version")
	}
	if len(state.Nodes) != 1 || state.Nodes[0].ID != "node-1" {
		t.Errorf("Unexpected nodes: %+v", state.Nodes)
	}
	if len(state.Routing) != 2 {
		t.Errorf("Expected 2 routing entries, got %d", len(state.Routing))
	}
}

func TestEvictNode(t *testing.T) {
	srv := newServer(4)
	node1 := newFakeNode(t)
	node2 := newFakeNode(t)
	registerNode(t, srv, "node-1", node1.srv.URL)
	registerNode(t, srv, "node-2", node2.srv.URL)

	w := httptest.NewRecorder()
	srv.handleIndex(w, httptest.NewRequest(http.MethodPut, "/indexes/logs?shards=4", nil))
	if w.Code != http.StatusNoContent {
		t.Fatalf("Create index: got %d", w.Code)
	}
	before := srv.registry.Version()

	srv.evictNode("node-1")

	for _, a := range srv.registry.GetAllAssignments() {
		if a.NodeID == "node-1" {
			t.Errorf("Shard %d still assigned to evicted node", a.ShardID)
		}
	}
	if srv.registry.Version() <= before {
		t.Error("Eviction did not advance the state version")
	}
	// Survivors hear about the new routing
	if node2.stateCount() == 0 {
		t.Fatal("Expected a broadcast after eviction")
	}
	if got := node2.lastState().Version; got != srv.registry.Version() {
		t.Errorf("Broadcast version %d, registry version %d", got, srv.registry.Version())
	}
}

func TestHandleBroadcast(t *testing.T) {
	srv := newServer(4)
	node := newFakeNode(t)
	registerNode(t, srv, "node-1", node.srv.URL)

	body := `{"path":"/cluster/state","payload":{"version":99}}`
	w := httptest.NewRecorder()
	srv.handleBroadcast(w, httptest.NewRequest(http.MethodPost, "/broadcast", strings.NewReader(body)))
	if w.Code != http.StatusOK {
		t.Fatalf("Broadcast: expected 200, got %d", w.Code)
	}
	var resp struct {
		SentTo  int `json:"sent_to"`
		Results []struct {
			NodeID string `json:"node_id"`
			Err    string `json:"err"`
		} `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if resp.SentTo != 1 || len(resp.Results) != 1 || resp.Results[0].Err != "" {
		t.Errorf("Unexpected broadcast response: %+v", resp)
	}

	w = httptest.NewRecorder()
	srv.handleBroadcast(w, httptest.NewRequest(http.MethodPost, "/broadcast", strings.NewReader(`{"path":"no-slash"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("Path without slash: expected 400, got %d", w.Code)
	}
}
