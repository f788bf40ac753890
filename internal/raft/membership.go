package raft

import (
	"context"

	"github.com/raftkv/raftkv/internal/raftlog"
)

// commandTopology implements spec.md §4.3's single-server membership
// change: the leader requires two consensuses in sequence, a majority over
// the CURRENT peer set followed by a majority over the PROJECTED peer set
// after the change. For Join, the leader temporarily adds the joining peer
// (creating a transport-backed replicator) so it can vote in the second
// pass, and that pass also waits for the joining peer's own confirmation;
// if either pass fails, the temporary addition is rolled back.
func (n *Node) commandTopology(ctx context.Context, cmd raftlog.Command) (interface{}, error) {
	current := n.peers.List()

	if _, err := n.seekConsensus(ctx, [][]string{current}, nil, raftlog.Command{Kind: raftlog.Read}); err != nil {
		return nil, err
	}

	switch cmd.Kind {
	case raftlog.Join:
		return n.commandJoin(ctx, cmd, current)
	case raftlog.Leave:
		return n.commandLeave(ctx, cmd, current)
	default:
		return nil, ErrMalformedMessage
	}
}

func (n *Node) commandJoin(ctx context.Context, cmd raftlog.Command, current []string) (interface{}, error) {
	alreadyPresent := n.peers.Has(cmd.Peer)
	if !alreadyPresent {
		n.peers.Add(cmd.Peer)
		n.ensureReplicator(cmd.Peer, n.CurrentTerm())
	}

	projected := append(append([]string{}, current...), cmd.Peer)
	index, err := n.seekConsensus(ctx, [][]string{projected}, []string{cmd.Peer}, cmd)
	if err != nil {
		if !alreadyPresent {
			n.peers.Remove(cmd.Peer)
			n.removeReplicator(cmd.Peer)
		}
		return nil, err
	}
	return index, nil
}

func (n *Node) commandLeave(ctx context.Context, cmd raftlog.Command, current []string) (interface{}, error) {
	projected := make([]string, 0, len(current))
	for _, p := range current {
		if p != cmd.Peer {
			projected = append(projected, p)
		}
	}

	index, err := n.seekConsensus(ctx, [][]string{projected}, nil, cmd)
	if err != nil {
		return nil, err
	}
	return index, nil
}
