package raft

import (
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/raftkv/raftkv/internal/store"
	"github.com/raftkv/raftkv/internal/transport"
)

// testCluster wires a small set of Nodes over a shared LocalTransport, each
// backed by its own temp-dir Store, mirroring spec.md §8's end-to-end
// scenarios (3-node election at fixed addresses, etc).
type testCluster struct {
	t       *testing.T
	lt      *transport.LocalTransport
	nodes   map[string]*Node
	cfg     Config
	addrs   []string
}

func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RPCTimeout = 300 * time.Millisecond
	cfg.AppendEntriesInterval = 20 * time.Millisecond
	cfg.HeartbeatTimeoutMin = 60 * time.Millisecond
	cfg.HeartbeatTimeoutMax = 120 * time.Millisecond
	cfg.WaitBeforeLeave = 50 * time.Millisecond

	addrs := make([]string, n)
	for i := 0; i < n; i++ {
		addrs[i] = fmt.Sprintf("/ip4/127.0.0.1/tcp/%d", 9101+i)
	}

	c := &testCluster{t: t, lt: transport.NewLocalTransport(), nodes: make(map[string]*Node), cfg: cfg, addrs: addrs}
	for _, a := range addrs {
		c.addNode(a, addrs)
	}
	return c
}

func (c *testCluster) addNode(id string, seedPeers []string) *Node {
	dir := c.t.TempDir()
	st, err := store.Open(dir, nil)
	if err != nil {
		c.t.Fatalf("store.Open: %v", err)
	}
	c.t.Cleanup(func() { st.Close() })

	seed := make([]string, 0, len(seedPeers))
	for _, p := range seedPeers {
		if p != id {
			seed = append(seed, p)
		}
	}
	peers := NewPeers(id, seed)
	logger := log.New(io.Discard, id+" ", 0)

	n := New(id, c.cfg, peers, st, c.lt, logger)
	c.lt.Register(id, n.Handler())
	if err := n.Start(); err != nil {
		c.t.Fatalf("node %s Start: %v", id, err)
	}
	c.t.Cleanup(n.Stop)
	c.nodes[id] = n
	return n
}

// waitForLeader polls until exactly one node reports Leader, or fails the
// test after timeout.
func (c *testCluster) waitForLeader(timeout time.Duration) *Node {
	c.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, n := range c.nodes {
			if n.Role() == Leader {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.t.Fatalf("no leader elected within %s", timeout)
	return nil
}
