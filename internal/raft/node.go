// Package raft implements the Raft-based replicated log and state
// machine described in spec.md §4.3-§4.7: StateMachine role transitions,
// Node orchestration, PeerReplicator, the consensus-seek algorithm, and
// the leader-forwarding Client.
//
// Grounded on the teacher's pkg/raft/raft.go (the run loop shape:
// runFollower/runCandidate/runLeader, HandleRequestVote/HandleAppendEntries/
// HandleInstallSnapshot, stepDown) and pkg/raft/node.go (per-peer
// nextIndex/matchIndex bookkeeping), with the teacher's JointConfig
// membership change redesigned into the two-sequential-consensus scheme
// spec.md §4.3 requires (see DESIGN.md).
package raft

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/store"
	"github.com/raftkv/raftkv/internal/transport"
)

// Role is the tagged StateMachine variant from spec.md §4.3: Follower,
// Candidate, Leader, or Weakened, with exhaustive transition handling
// living on Node rather than on a per-role base type.
type Role int

const (
	Follower Role = iota
	Candidate
	Leader
	Weakened
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	case Weakened:
		return "Weakened"
	default:
		return "Unknown"
	}
}

// Node orchestrates state, dispatch, persistence and commands for one
// cluster member (spec.md §4.6). It exclusively owns its Log,
// PersistentStore handle, Peers set and current role; PeerReplicators
// borrow a reference to the Log but never mutate it.
type Node struct {
	id     string
	cfg    Config
	log    *raftlog.Log
	store  *store.Store
	peers  *Peers
	trans  transport.Transport
	logger *log.Logger

	mu            sync.RWMutex
	role          Role
	currentTerm   uint64
	votedFor      string
	leaderID      string
	weakenUntil   time.Time
	snapshotToken string // token of the InstallSnapshot run currently being received

	electionTimer *Timer

	replMu      sync.Mutex
	replicators map[string]*PeerReplicator

	commandMu sync.Mutex // serializes Command handling per spec.md §4.6/§5

	requests *dispatcher

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a stopped Node. Call Start to load persistent state and
// enter Follower (spec.md §3 lifecycle).
func New(id string, cfg Config, peers *Peers, st *store.Store, trans transport.Transport, logger *log.Logger) *Node {
	if logger == nil {
		logger = log.Default()
	}
	n := &Node{
		id:          id,
		cfg:         cfg,
		store:       st,
		peers:       peers,
		trans:       trans,
		logger:      logger,
		replicators: make(map[string]*PeerReplicator),
		requests:    newDispatcher(cfg.MaxPending),
		stopCh:      make(chan struct{}),
		electionTimer: NewRandomTimer(
			cfg.HeartbeatTimeoutMin, cfg.HeartbeatTimeoutMax,
			rand.Int63(),
		),
	}
	n.log = raftlog.New(cfg.MaxLogRetention, n.applyCommitted)
	return n
}

// Start loads persisted state, replays the log, and enters Follower.
func (n *Node) Start() error {
	entries, err := n.store.LoadedLog()
	if err != nil {
		return &StorageError{Cause: err}
	}
	for _, e := range entries {
		n.log.Push(e.Term, e.Command) // indices are dense and pre-ordered by LoadedLog
	}

	n.mu.Lock()
	n.currentTerm = n.store.CurrentTerm()
	n.votedFor = n.store.VotedFor()
	n.mu.Unlock()

	if committed := n.store.CommittedIndex(); committed > 0 {
		if err := n.log.Commit(committed); err != nil {
			return &StorageError{Cause: err}
		}
	}

	n.wg.Add(2)
	go n.run()
	go n.requestWorker()
	return nil
}

// Stop transitions to a terminal state: timers are disabled, replicators
// torn down, and the run loop and request worker exit. Requests still
// queued are not handled after Stop; each such Handler call returns a
// Cancelled error only once its own context ends.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		n.electionTimer.Cancel()
		n.stopAllReplicators()
	})
	n.wg.Wait()
}

func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}

		switch n.Role() {
		case Follower:
			n.runFollower()
		case Candidate:
			n.runCandidate()
		case Leader:
			n.runLeader()
		case Weakened:
			n.runWeakened()
		}
	}
}

// Role returns the node's current StateMachine role.
func (n *Node) Role() Role {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.role
}

// CurrentTerm returns the node's current term.
func (n *Node) CurrentTerm() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.currentTerm
}

// LeaderHint returns the last known leader id, or "" if unknown.
func (n *Node) LeaderHint() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.leaderID
}

// IsLeader reports whether the node currently believes itself Leader.
func (n *Node) IsLeader() bool { return n.Role() == Leader }

// Handler returns the transport.Handler that dispatches inbound envelopes
// through this node's bounded request queue.
func (n *Node) Handler() transport.Handler {
	return func(ctx context.Context, req transport.Envelope) transport.Envelope {
		job := &requestJob{req: req, done: make(chan transport.Envelope, 1)}
		n.requests.push(job)
		select {
		case reply, ok := <-job.done:
			if !ok {
				return req.Reply(nil, &transport.RPCError{Message: "dropped from request queue", Code: "QueueOverflow"})
			}
			return reply
		case <-ctx.Done():
			return req.Reply(nil, &transport.RPCError{Message: ctx.Err().Error(), Code: "Cancelled"})
		}
	}
}

// requestWorker drains the dispatcher one job at a time for the node's
// whole lifetime, independent of its current role, so "exactly one
// request in handling at any moment" (spec.md §4.6) holds regardless of
// which run* loop is active.
func (n *Node) requestWorker() {
	defer n.wg.Done()
	for {
		job, ok := n.requests.pop(n.stopCh)
		if !ok {
			return
		}
		n.commandMu.Lock()
		reply := n.routeRequest(job.req)
		n.commandMu.Unlock()
		job.done <- reply
		close(job.done)
	}
}

func (n *Node) routeRequest(req transport.Envelope) transport.Envelope {
	if term, ok := termOf(req.Params); ok && term > n.CurrentTerm() {
		n.becomeFollower(term, "")
	}

	switch req.Action {
	case transport.ActionRequestVote:
		return req.Reply(n.handleRequestVote(req.Params.(transport.RequestVoteParams)), nil)
	case transport.ActionAppendEntries:
		return req.Reply(n.handleAppendEntries(req.Params.(transport.AppendEntriesParams)), nil)
	case transport.ActionInstallSnapshot:
		return req.Reply(n.handleInstallSnapshot(req.Params.(transport.InstallSnapshotParams)), nil)
	case transport.ActionCommand:
		result, err := n.Command(context.Background(), req.Params.(transport.CommandParams).Command)
		if err != nil {
			return req.Reply(nil, toRPCError(err))
		}
		return req.Reply(transport.CommandReply{Result: result}, nil)
	default:
		return req.Reply(nil, &transport.RPCError{Message: "unknown action", Code: "MalformedMessage"})
	}
}

func termOf(params interface{}) (uint64, bool) {
	switch p := params.(type) {
	case transport.RequestVoteParams:
		return p.Term, true
	case transport.AppendEntriesParams:
		return p.Term, true
	case transport.InstallSnapshotParams:
		return p.Term, true
	default:
		return 0, false
	}
}

func toRPCError(err error) *transport.RPCError {
	switch e := err.(type) {
	case *NotLeaderError:
		return &transport.RPCError{Message: e.Error(), Code: "NotLeader", Leader: e.LeaderHint}
	case *StorageError:
		return &transport.RPCError{Message: e.Error(), Code: "StorageError"}
	default:
		switch err {
		case ErrNoMajority:
			return &transport.RPCError{Message: err.Error(), Code: "NoMajority"}
		case ErrTimeout:
			return &transport.RPCError{Message: err.Error(), Code: "Timeout"}
		case ErrNotConnected:
			return &transport.RPCError{Message: err.Error(), Code: "NotConnected"}
		default:
			return &transport.RPCError{Message: err.Error(), Code: "Unknown"}
		}
	}
}

// applyCommitted is the raftlog.ApplyFunc binding the Log to
// PersistentStore, and topology commands back to Peers (spec.md §4.1/§4.2).
func (n *Node) applyCommitted(entries []raftlog.Entry) error {
	err := n.store.ApplyCommittedCommands(entries, func(cmd raftlog.Command) error {
		switch cmd.Kind {
		case raftlog.Join:
			n.peers.Add(cmd.Peer)
		case raftlog.Leave:
			go n.scheduleLeave(cmd.Peer)
		}
		return nil
	})
	if err != nil {
		return &StorageError{Cause: err}
	}
	return nil
}

func (n *Node) scheduleLeave(peer string) {
	select {
	case <-time.After(n.cfg.WaitBeforeLeave):
	case <-n.stopCh:
		return
	}
	n.peers.Remove(peer)
	n.removeReplicator(peer)
}

// Command is the local entry point for applying a Command, used both by
// the dispatcher (Command RPCs received as leader) and by a Client
// forwarding to its own node (spec.md §4.7).
func (n *Node) Command(ctx context.Context, cmd raftlog.Command) (interface{}, error) {
	if n.Role() != Leader {
		return nil, &NotLeaderError{LeaderHint: n.LeaderHint()}
	}

	if cmd.Kind == raftlog.Get || cmd.Kind == raftlog.Read {
		// Linearizable read: cross the consensus barrier on the current
		// committedIndex before serving from the state namespace.
		if _, err := n.seekConsensus(ctx, [][]string{n.peers.List()}, nil, raftlog.Command{Kind: raftlog.Read}); err != nil {
			return nil, err
		}
		if cmd.Kind == raftlog.Get {
			val, ok := n.store.RunReadCommand(cmd)
			if !ok {
				return nil, nil
			}
			return val, nil
		}
		return nil, nil
	}

	if cmd.IsTopology() {
		return n.commandTopology(ctx, cmd)
	}

	index, err := n.seekConsensus(ctx, [][]string{n.peers.List()}, nil, cmd)
	if err != nil {
		return nil, err
	}
	return index, nil
}

func (n *Node) String() string {
	return fmt.Sprintf("Node{id=%s, role=%s, term=%d}", n.id, n.Role(), n.CurrentTerm())
}
