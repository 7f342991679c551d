// This file contains tests for the health monitoring functionality.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/kotare/internal/cluster"
)

// TestNewHealthMonitor verifies that NewHealthMonitor creates a properly configured instance.
func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5 * time.Second)
	defer monitor.Stop()

	assert.NotNil(t, monitor)
	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.nodes)
	assert.NotNil(t, monitor.httpClient)

	// The nodes map is empty initially
	assert.Len(t, monitor.nodes, 0)
}

// TestHealthMonitorStart verifies that the health monitor starts and performs
// health checks. It uses a mock health check function to observe the
// monitoring behavior.
func TestHealthMonitorStart(t *testing.T) {
	monitor := NewHealthMonitor(100 * time.Millisecond)
	defer monitor.Stop()

	checkCalls := 0
	var mu sync.Mutex

	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		checkCalls++
		mu.Unlock()
		return nil // Always healthy
	})

	nodeProvider := func() []cluster.NodeInfo {
		return []cluster.NodeInfo{
			{ID: "node-1", Addr: "http://localhost:8081"},
			{ID: "node-2", Addr: "http://localhost:8082"},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, nodeProvider)

	// Wait for multiple check cycles
	time.Sleep(350 * time.Millisecond)

	mu.Lock()
	calls := checkCalls
	mu.Unlock()

	// Should have performed at least 3 checks per node (initial + 2 intervals)
	assert.GreaterOrEqual(t, calls, 6, "Expected at least 6 health checks")

	allHealth := monitor.GetAllNodeHealth()
	assert.Len(t, allHealth, 2)
	assert.Contains(t, allHealth, "node-1")
	assert.Contains(t, allHealth, "node-2")

	assert.True(t, monitor.IsHealthy("node-1"))
	assert.True(t, monitor.IsHealthy("node-2"))
}

// TestHealthMonitorNodeFailure verifies that nodes are marked unhealthy after
// repeated failures and that the unhealthy callback fires exactly once per
// state change.
func TestHealthMonitorNodeFailure(t *testing.T) {
	monitor := NewHealthMonitor(50 * time.Millisecond)
	defer monitor.Stop()

	failing := false
	var mu sync.Mutex

	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return fmt.Errorf("node is down")
		}
		return nil
	})

	var unhealthyCalls []string
	monitor.SetOnUnhealthy(func(nodeID string) {
		mu.Lock()
		unhealthyCalls = append(unhealthyCalls, nodeID)
		mu.Unlock()
	})

	nodeProvider := func() []cluster.NodeInfo {
		return []cluster.NodeInfo{{ID: "node-1", Addr: "http://localhost:8081"}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, nodeProvider)

	// Let the node establish a healthy baseline
	time.Sleep(120 * time.Millisecond)
	assert.True(t, monitor.IsHealthy("node-1"))

	// Start failing; three consecutive failures mark it unhealthy
	mu.Lock()
	failing = true
	mu.Unlock()

	assert.Eventually(t, func() bool {
		health := monitor.GetNodeHealth("node-1")
		return health != nil && health.Status == "unhealthy"
	}, 2*time.Second, 25*time.Millisecond, "node should become unhealthy")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(unhealthyCalls) == 1 && unhealthyCalls[0] == "node-1"
	}, time.Second, 25*time.Millisecond, "unhealthy callback should fire once")

	// Recover the node
	mu.Lock()
	failing = false
	mu.Unlock()

	assert.Eventually(t, func() bool {
		return monitor.IsHealthy("node-1")
	}, 2*time.Second, 25*time.Millisecond, "node should recover")

	health := monitor.GetNodeHealth("node-1")
	assert.Equal(t, 0, health.ConsecutiveFails)
}

// TestHealthMonitorNodeRemoval verifies that nodes dropped from the provider
// are removed from tracking.
func TestHealthMonitorNodeRemoval(t *testing.T) {
	monitor := NewHealthMonitor(50 * time.Millisecond)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(addr string) error { return nil })

	var mu sync.Mutex
	nodes := []cluster.NodeInfo{
		{ID: "node-1", Addr: "http://localhost:8081"},
		{ID: "node-2", Addr: "http://localhost:8082"},
	}
	nodeProvider := func() []cluster.NodeInfo {
		mu.Lock()
		defer mu.Unlock()
		return append([]cluster.NodeInfo(nil), nodes...)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, nodeProvider)

	assert.Eventually(t, func() bool {
		return len(monitor.GetAllNodeHealth()) == 2
	}, time.Second, 25*time.Millisecond)

	// Drop node-2 from the cluster
	mu.Lock()
	nodes = nodes[:1]
	mu.Unlock()

	assert.Eventually(t, func() bool {
		all := monitor.GetAllNodeHealth()
		_, has2 := all["node-2"]
		return len(all) == 1 && !has2
	}, time.Second, 25*time.Millisecond, "node-2 should be dropped from tracking")
}

// TestHealthMonitorCopies verifies accessors return copies, not live records.
func TestHealthMonitorCopies(t *testing.T) {
	monitor := NewHealthMonitor(time.Hour)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(addr string) error { return nil })
	monitor.checkNode(cluster.NodeInfo{ID: "node-1", Addr: "http://localhost:8081"})

	health := monitor.GetNodeHealth("node-1")
	assert.NotNil(t, health)
	health.Status = "tampered"

	assert.Equal(t, "healthy", monitor.GetNodeHealth("node-1").Status)

	assert.Nil(t, monitor.GetNodeHealth("ghost"))
	assert.False(t, monitor.IsHealthy("ghost"))
}
