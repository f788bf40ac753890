package raft

import (
	"context"
	"time"

	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/store"
	"github.com/raftkv/raftkv/internal/transport"
)

// becomeFollower implements the "any -> Follower" transition of spec.md
// §4.3: seeing a higher term, or a valid AppendEntries from the current
// term's leader.
func (n *Node) becomeFollower(term uint64, leaderID string) {
	n.mu.Lock()
	changed := n.role != Follower
	if term > n.currentTerm {
		n.currentTerm = term
		n.votedFor = ""
	}
	n.role = Follower
	if leaderID != "" {
		n.leaderID = leaderID
	}
	n.mu.Unlock()

	if changed {
		n.stopAllReplicators()
	}
	n.persistTermVote()
	n.electionTimer.Reset()
}

func (n *Node) runFollower() {
	n.electionTimer.Reset()
	for n.Role() == Follower {
		select {
		case <-n.stopCh:
			return
		case <-n.electionTimer.C():
			n.becomeCandidate()
			return
		}
	}
}

// becomeCandidate implements "Follower -> Candidate" (heartbeat timeout)
// and "Candidate -> Candidate" (re-election on split vote): increments
// the term, votes for self, persists, and starts a new election.
func (n *Node) becomeCandidate() {
	n.mu.Lock()
	n.role = Candidate
	n.currentTerm++
	n.votedFor = n.id
	n.leaderID = ""
	n.mu.Unlock()

	n.persistTermVote()
	n.electionTimer.Reset()
}

func (n *Node) runCandidate() {
	term := n.CurrentTerm()
	peers := n.peers.List()

	granted := 1 // self
	need := quorumSize(len(peers) + 1)
	if granted >= need {
		n.becomeLeader()
		return
	}

	results := make(chan bool, len(peers))
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
	defer cancel()

	stats := n.log.Stats()
	for _, p := range peers {
		peer := p
		go func() {
			reply, err := n.trans.Send(ctx, peer, transport.NewRequest(n.id, peer, transport.ActionRequestVote, transport.RequestVoteParams{
				Term:         term,
				CandidateID:  n.id,
				LastLogIndex: stats.LastAppliedIndex,
				LastLogTerm:  stats.LastAppliedTerm,
			}))
			if err != nil {
				results <- false
				return
			}
			if reply.Error != nil {
				results <- false
				return
			}
			rv := reply.Params.(transport.RequestVoteReply)
			if rv.Term > term {
				n.becomeFollower(rv.Term, "")
			}
			results <- rv.VoteGranted
		}()
	}

	electionTimer := NewRandomTimer(candidateElectionTimeoutMin, candidateElectionTimeoutMax, time.Now().UnixNano())
	electionTimer.Reset()
	defer electionTimer.Cancel()

	for i := 0; i < len(peers); i++ {
		select {
		case <-n.stopCh:
			return
		case ok := <-results:
			if ok {
				granted++
			}
			if granted >= need && n.Role() == Candidate && n.CurrentTerm() == term {
				n.becomeLeader()
				return
			}
		case <-electionTimer.C():
			if n.Role() == Candidate {
				n.becomeCandidate() // new term, retry
			}
			return
		}
	}

	if n.Role() == Candidate {
		select {
		case <-electionTimer.C():
			n.becomeCandidate()
		case <-n.stopCh:
		}
	}
}

// becomeLeader implements "Candidate -> Leader": majority of granted
// votes including self. Immediately constructs a PeerReplicator per known
// peer, then seeks a no-op consensus barrier on committedIndex to confirm
// leadership (spec.md §4.3 "Leader startup").
func (n *Node) becomeLeader() {
	n.mu.Lock()
	n.role = Leader
	n.leaderID = n.id
	term := n.currentTerm
	n.mu.Unlock()

	n.electionTimer.Stop()
	n.createReplicatorsForPeers(term)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.cfg.RPCTimeout)
		defer cancel()
		if _, err := n.seekConsensus(ctx, [][]string{n.peers.List()}, nil, raftlog.Command{Kind: raftlog.Read}); err != nil {
			n.logger.Printf("raft: %s leadership confirmation barrier failed: %v", n.id, err)
		}
	}()
}

func (n *Node) runLeader() {
	sub := n.peers.Subscribe()
	for n.Role() == Leader {
		select {
		case <-n.stopCh:
			return
		case change := <-sub:
			switch change.Event {
			case PeerAdded:
				n.ensureReplicator(change.Peer, n.CurrentTerm())
			case PeerRemoved:
				n.removeReplicator(change.Peer)
			}
		case <-time.After(50 * time.Millisecond):
			if n.Role() != Leader {
				return
			}
		}
	}
}

// weaken implements "any -> Weakened": used by tests and operators to
// simulate a node losing the ability to win or hold leadership for a
// bounded interval (spec.md §4.3, §8 scenario 5).
func (n *Node) weaken(d time.Duration) {
	n.mu.Lock()
	n.role = Weakened
	n.weakenUntil = time.Now().Add(d)
	n.mu.Unlock()
	n.stopAllReplicators()
}

func (n *Node) runWeakened() {
	for n.Role() == Weakened {
		n.mu.RLock()
		remaining := time.Until(n.weakenUntil)
		n.mu.RUnlock()
		if remaining <= 0 {
			n.becomeFollower(n.CurrentTerm(), "")
			return
		}
		select {
		case <-n.stopCh:
			return
		case <-time.After(remaining):
		}
	}
}

// isGrantableVote is spec.md §4.3's vote-granting rule.
func isGrantableVote(myTerm uint64, votedFor string, myLastTerm, myLastIndex uint64, req transport.RequestVoteParams) bool {
	if req.Term < myTerm {
		return false
	}
	if req.Term == myTerm && votedFor != "" && votedFor != req.CandidateID {
		return false
	}
	if req.LastLogTerm != myLastTerm {
		return req.LastLogTerm > myLastTerm
	}
	return req.LastLogIndex >= myLastIndex
}

func (n *Node) handleRequestVote(req transport.RequestVoteParams) transport.RequestVoteReply {
	n.mu.Lock()
	myTerm := n.currentTerm
	votedFor := n.votedFor
	n.mu.Unlock()

	stats := n.log.Stats()
	if !isGrantableVote(myTerm, votedFor, stats.LastAppliedTerm, stats.LastAppliedIndex, req) {
		return transport.RequestVoteReply{Term: n.CurrentTerm(), VoteGranted: false}
	}

	n.mu.Lock()
	n.votedFor = req.CandidateID
	n.role = Follower
	n.mu.Unlock()
	n.persistTermVote()
	n.electionTimer.Reset()

	return transport.RequestVoteReply{Term: n.CurrentTerm(), VoteGranted: true}
}

func (n *Node) handleAppendEntries(req transport.AppendEntriesParams) transport.AppendEntriesReply {
	myTerm := n.CurrentTerm()
	if req.Term < myTerm {
		return transport.AppendEntriesReply{Term: myTerm, Success: false, Reason: "stale term"}
	}

	n.becomeFollower(req.Term, req.LeaderID)
	n.electionTimer.Reset()

	newEntries := transport.FromWireEntries(req.Entries)
	err := n.log.AppendAfter(req.PrevLogIndex, req.PrevLogTerm, newEntries, req.Term)
	if err != nil {
		ce := err.(*raftlog.ContinuityError)
		return transport.AppendEntriesReply{Term: n.CurrentTerm(), Success: false, NextLogIndex: ce.NextLogIndex, Reason: ce.Reason}
	}
	if len(newEntries) > 0 {
		n.persistNewEntries(newEntries)
	}

	stats := n.log.Stats()
	if req.LeaderCommit > stats.CommittedIndex {
		n.electionTimer.Stop()
		toCommit := req.LeaderCommit
		if stats.LastIndex < toCommit {
			toCommit = stats.LastIndex
		}
		if err := n.log.Commit(toCommit); err != nil {
			n.logger.Printf("raft: %s commit on follower append failed: %v", n.id, err)
		}
		n.electionTimer.Reset()
	}

	return transport.AppendEntriesReply{Term: n.CurrentTerm(), Success: true, NextLogIndex: n.log.Stats().LastIndex + 1}
}

func (n *Node) handleInstallSnapshot(req transport.InstallSnapshotParams) transport.InstallSnapshotReply {
	if req.Term < n.CurrentTerm() {
		return transport.InstallSnapshotReply{Term: n.CurrentTerm(), Cancel: true}
	}
	n.becomeFollower(req.Term, req.LeaderID)

	if req.Offset == 0 {
		n.mu.Lock()
		n.snapshotToken = req.Token
		n.mu.Unlock()
		if err := n.store.ClearState(); err != nil {
			n.logger.Printf("raft: %s clearState during InstallSnapshot: %v", n.id, err)
			return transport.InstallSnapshotReply{Term: n.CurrentTerm(), Cancel: true}
		}
	} else {
		n.mu.RLock()
		expected := n.snapshotToken
		n.mu.RUnlock()
		if expected == "" || req.Token != expected {
			n.logger.Printf("raft: %s stale snapshot chunk (token %q, expected %q)", n.id, req.Token, expected)
			return transport.InstallSnapshotReply{Term: n.CurrentTerm(), Cancel: true}
		}
	}

	if err := n.store.ApplyCommittedCommands(snapshotEntriesToCommands(req.Data), nil); err != nil {
		n.logger.Printf("raft: %s applying snapshot chunk: %v", n.id, err)
		return transport.InstallSnapshotReply{Term: n.CurrentTerm(), Cancel: true}
	}

	if req.Done {
		n.log.SeedSnapshot(req.LastIndex, req.LastTerm)
		for _, p := range req.Peers {
			if p != n.id {
				n.peers.Add(p)
			}
		}
		n.mu.Lock()
		n.snapshotToken = ""
		n.mu.Unlock()
	}

	return transport.InstallSnapshotReply{Term: n.CurrentTerm()}
}

func snapshotEntriesToCommands(entries []transport.SnapshotEntry) []raftlog.Entry {
	out := make([]raftlog.Entry, len(entries))
	for i, e := range entries {
		out[i] = raftlog.Entry{Command: raftlog.Command{Kind: raftlog.Put, Key: e.Key, Value: e.Value}}
	}
	return out
}

func (n *Node) persistTermVote() {
	n.mu.RLock()
	term := n.currentTerm
	votedFor := n.votedFor
	n.mu.RUnlock()
	n.store.PersistNode(store.NodeSnapshot{
		CurrentTerm:    term,
		VotedFor:       votedFor,
		CommittedIndex: n.log.Stats().CommittedIndex,
	})
}

// persistNewEntries durably appends leader-pushed or follower-accepted
// log entries, alongside the scalar term/vote/committedIndex fields, and
// deletes any keys superseded by a conflict-truncation in the same round
// (spec.md §4.2 "meta+log persistence is always a single atomic batch").
func (n *Node) persistNewEntries(entries []raftlog.Entry) {
	stale := make([]string, 0, len(entries))
	for _, e := range n.log.TakeTruncated() {
		stale = append(stale, store.LogKey(e.Term, e.Index))
	}
	n.mu.RLock()
	term := n.currentTerm
	votedFor := n.votedFor
	n.mu.RUnlock()
	n.store.PersistNode(store.NodeSnapshot{
		NewEntries:     entries,
		StaleLogKeys:   stale,
		CurrentTerm:    term,
		VotedFor:       votedFor,
		CommittedIndex: n.log.Stats().CommittedIndex,
	})
}
