package raft

import (
	"context"
	"testing"
	"time"

	"github.com/raftkv/raftkv/internal/raftlog"
)

// TestJoinAddsVotingPeer is spec.md §8 scenario 3 in miniature: a 4th node
// joins an existing 3-node cluster and becomes a full voting member.
func TestJoinAddsVotingPeer(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitForLeader(2 * time.Second)

	newAddr := "/ip4/127.0.0.1/tcp/9104"
	joining := c.addNode(newAddr, append(append([]string{}, c.addrs...), newAddr))
	c.lt.Register(newAddr, joining.Handler())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := leader.Command(ctx, raftlog.Command{Kind: raftlog.Join, Peer: newAddr}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	for _, n := range c.nodes {
		if !n.peers.Has(newAddr) && n.id != newAddr {
			t.Fatalf("node %s does not see the joined peer", n.id)
		}
	}
}

// TestJoinRollsBackOnUnreachablePeer covers spec.md §8's boundary test:
// a membership change whose joining node never becomes reachable must not
// leave the peer set (or a replicator) permanently half-added.
func TestJoinRollsBackOnUnreachablePeer(t *testing.T) {
	c := newTestCluster(t, 3)
	leader := c.waitForLeader(2 * time.Second)

	ghost := "/ip4/127.0.0.1/tcp/9199" // never registered with the transport
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := leader.Command(ctx, raftlog.Command{Kind: raftlog.Join, Peer: ghost})
	if err == nil {
		t.Fatal("expected Join of an unreachable peer to fail")
	}
	if leader.peers.Has(ghost) {
		t.Fatal("expected temporary peer addition to be rolled back on failure")
	}
}

func TestLeaveSchedulesRemovalAfterDrain(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WaitBeforeLeave = 10 * time.Millisecond
	peers := NewPeers("self", []string{"self", "other"})
	n := &Node{id: "self", cfg: cfg, peers: peers, stopCh: make(chan struct{}), replicators: make(map[string]*PeerReplicator)}

	n.scheduleLeave("other")
	deadline := time.Now().Add(200 * time.Millisecond)
	for peers.Has("other") && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if peers.Has("other") {
		t.Fatal("expected peer removed after WaitBeforeLeave elapses")
	}
}
