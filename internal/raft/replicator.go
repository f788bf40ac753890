package raft

import (
	"context"
	"log"
	"sync"

	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/store"
	"github.com/raftkv/raftkv/internal/transport"
)

// PeerReplicator is the leader-only per-follower replication actor from
// spec.md §4.5: one heartbeat timer, at most one in-flight AppendEntries,
// and a shared (never mutated) reference to the Log. Grounded on the
// teacher's replicateToFollower goroutine-per-peer pattern
// (pkg/raft/raft.go), restructured into a standalone mailbox-style actor
// per spec.md §9's translation note.
type PeerReplicator struct {
	leaderID string
	peer     string
	term     uint64
	log      *raftlog.Log
	store    *store.Store
	trans    transport.Transport
	cfg      Config
	logger   *log.Logger
	peersFn  func() []string
	onHigher func(term uint64)

	timer    *Timer
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu                 sync.Mutex
	peerLatestLogIndex uint64
	matchIndex         uint64
	installingSnapshot bool
	committedSubs      []chan uint64
}

func newPeerReplicator(leaderID, peer string, term uint64, l *raftlog.Log, st *store.Store, trans transport.Transport, cfg Config, logger *log.Logger, peersFn func() []string, onHigher func(uint64)) *PeerReplicator {
	if logger == nil {
		logger = log.Default()
	}
	return &PeerReplicator{
		leaderID:           leaderID,
		peer:               peer,
		term:               term,
		log:                l,
		store:              st,
		trans:              trans,
		cfg:                cfg,
		logger:             logger,
		peersFn:            peersFn,
		onHigher:           onHigher,
		timer:              NewFixedTimer(cfg.AppendEntriesInterval),
		stopCh:             make(chan struct{}),
		peerLatestLogIndex: l.Stats().LastIndex,
	}
}

// Start launches the replicator's own goroutine.
func (pr *PeerReplicator) Start() {
	pr.wg.Add(1)
	go pr.run()
}

// Stop halts the heartbeat timer and waits for the goroutine to exit.
func (pr *PeerReplicator) Stop() {
	pr.stopOnce.Do(func() {
		close(pr.stopCh)
		pr.timer.Cancel()
	})
	pr.wg.Wait()
}

// Subscribe registers a channel that receives peerLatestLogIndex every
// time an AppendEntries or InstallSnapshot round advances it, used by
// seekConsensus's committed(index) wait (spec.md §4.4).
func (pr *PeerReplicator) Subscribe() <-chan uint64 {
	ch := make(chan uint64, 8)
	pr.mu.Lock()
	pr.committedSubs = append(pr.committedSubs, ch)
	pr.mu.Unlock()
	return ch
}

func (pr *PeerReplicator) publishCommitted(index uint64) {
	pr.mu.Lock()
	subs := append([]chan uint64(nil), pr.committedSubs...)
	pr.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- index:
		default:
		}
	}
}

func (pr *PeerReplicator) run() {
	defer pr.wg.Done()
	pr.timer.Reset()
	for {
		select {
		case <-pr.stopCh:
			return
		case <-pr.timer.C():
			pr.tick()
			pr.timer.Reset()
		}
	}
}

// tick is one AppendEntries cycle (spec.md §4.5).
func (pr *PeerReplicator) tick() {
	pr.mu.Lock()
	nextIndex := pr.peerLatestLogIndex + 1
	pr.mu.Unlock()

	entries := pr.log.EntriesFrom(nextIndex, pr.cfg.BatchEntriesLimit)
	if entries == nil {
		pr.streamSnapshot()
		return
	}

	pr.mu.Lock()
	prevIndex := pr.peerLatestLogIndex
	pr.mu.Unlock()

	var prevTerm uint64
	if prevIndex > 0 {
		prevEntry, ok := pr.log.AtIndex(prevIndex)
		if !ok {
			pr.streamSnapshot()
			return
		}
		prevTerm = prevEntry.Term
	}

	stats := pr.log.Stats()
	ctx, cancel := context.WithTimeout(context.Background(), pr.cfg.RPCTimeout)
	reply, err := pr.trans.Send(ctx, pr.peer, transport.NewRequest(pr.leaderID, pr.peer, transport.ActionAppendEntries, transport.AppendEntriesParams{
		Term:         pr.term,
		LeaderID:     pr.leaderID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      transport.ToWireEntries(entries),
		LeaderCommit: stats.CommittedIndex,
	}))
	cancel()
	if err != nil {
		pr.logger.Printf("raft: append to %s failed: %v", pr.peer, err)
		pr.backOff()
		return
	}
	if reply.Error != nil {
		pr.logger.Printf("raft: append to %s rejected: %v", pr.peer, reply.Error)
		pr.backOff()
		return
	}

	ae := reply.Params.(transport.AppendEntriesReply)
	if ae.Term > pr.term {
		pr.onHigher(ae.Term)
		return
	}

	if ae.Success {
		pr.mu.Lock()
		if len(entries) > 0 {
			pr.peerLatestLogIndex = entries[len(entries)-1].Index
		}
		pr.matchIndex = stats.CommittedIndex
		idx := pr.peerLatestLogIndex
		pr.mu.Unlock()
		pr.publishCommitted(idx)
		return
	}

	pr.mu.Lock()
	if ae.NextLogIndex > 0 {
		pr.peerLatestLogIndex = ae.NextLogIndex - 1
	} else if pr.peerLatestLogIndex > 0 {
		pr.peerLatestLogIndex--
	}
	pr.mu.Unlock()
}

// backOff decrements peerLatestLogIndex by one so a disconnected or
// erroring peer keeps getting probed with an earlier PrevLogIndex on the
// next tick, instead of repeating the exact same rejected request.
func (pr *PeerReplicator) backOff() {
	pr.mu.Lock()
	if pr.peerLatestLogIndex > 0 {
		pr.peerLatestLogIndex--
	}
	pr.mu.Unlock()
}

// streamSnapshot implements spec.md §4.5's InstallSnapshot chunk loop.
func (pr *PeerReplicator) streamSnapshot() {
	pr.mu.Lock()
	pr.installingSnapshot = true
	pr.mu.Unlock()
	defer func() {
		pr.mu.Lock()
		pr.installingSnapshot = false
		pr.mu.Unlock()
	}()

	data := pr.store.SnapshotState()
	stats := pr.log.Stats()
	chunkSize := pr.cfg.InstallSnapshotChunkSize
	if chunkSize <= 0 {
		chunkSize = 1
	}
	token := store.NewChunkToken()

	offset := 0
	for {
		end := offset + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[offset:end]
		done := end >= len(data)

		wireChunk := make([]transport.SnapshotEntry, len(chunk))
		for i, e := range chunk {
			wireChunk[i] = transport.SnapshotEntry{Key: e.Key, Value: e.Value}
		}

		params := transport.InstallSnapshotParams{Term: pr.term, Token: token, Offset: offset, Data: wireChunk, Done: done}
		if done {
			params.LastIndex = stats.LastAppliedIndex
			params.LastTerm = stats.LastAppliedTerm
			params.LeaderID = pr.leaderID
			params.Peers = pr.peersFn()
		}

		ctx, cancel := context.WithTimeout(context.Background(), pr.cfg.RPCTimeout)
		reply, err := pr.trans.Send(ctx, pr.peer, transport.NewRequest(pr.leaderID, pr.peer, transport.ActionInstallSnapshot, params))
		cancel()
		if err != nil {
			pr.logger.Printf("raft: snapshot chunk to %s failed: %v", pr.peer, err)
			pr.backOff()
			return
		}
		if reply.Error != nil {
			pr.logger.Printf("raft: snapshot chunk to %s rejected: %v", pr.peer, reply.Error)
			pr.backOff()
			return
		}

		isr := reply.Params.(transport.InstallSnapshotReply)
		if isr.Term > pr.term {
			pr.onHigher(isr.Term)
			return
		}
		if isr.Cancel {
			return
		}

		if done {
			pr.mu.Lock()
			pr.peerLatestLogIndex = stats.LastAppliedIndex
			pr.matchIndex = stats.LastAppliedIndex
			pr.mu.Unlock()
			pr.publishCommitted(stats.LastAppliedIndex)
			return
		}
		offset = end
	}
}

func (n *Node) ensureReplicator(peer string, term uint64) *PeerReplicator {
	n.replMu.Lock()
	defer n.replMu.Unlock()
	if pr, ok := n.replicators[peer]; ok {
		return pr
	}
	pr := newPeerReplicator(n.id, peer, term, n.log, n.store, n.trans, n.cfg, n.logger, n.peers.List, func(t uint64) {
		n.becomeFollower(t, "")
	})
	pr.Start()
	n.replicators[peer] = pr
	return pr
}

func (n *Node) removeReplicator(peer string) {
	n.replMu.Lock()
	pr, ok := n.replicators[peer]
	if ok {
		delete(n.replicators, peer)
	}
	n.replMu.Unlock()
	if ok {
		pr.Stop()
	}
}

func (n *Node) stopAllReplicators() {
	n.replMu.Lock()
	reps := n.replicators
	n.replicators = make(map[string]*PeerReplicator)
	n.replMu.Unlock()
	for _, pr := range reps {
		pr.Stop()
	}
}

func (n *Node) createReplicatorsForPeers(term uint64) {
	for _, p := range n.peers.List() {
		n.ensureReplicator(p, term)
	}
}
