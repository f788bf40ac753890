// Package transport implements the wire contract described in spec.md §6:
// an Envelope carrying typed request/reply params over a gob-encoded
// net.Conn per peer, generalizing the teacher's per-RPC gob streams
// (pkg/rpc/client.go) into one message shape with an action tag.
package transport

import (
	"encoding/gob"

	"github.com/google/uuid"

	"github.com/raftkv/raftkv/internal/raftlog"
)

// Type tags whether an Envelope is a request awaiting a reply, or the
// reply itself.
type Type string

const (
	TypeRequest Type = "request"
	TypeReply   Type = "reply"
)

// Action names the RPC carried in an Envelope's Params.
type Action string

const (
	ActionRequestVote     Action = "RequestVote"
	ActionAppendEntries   Action = "AppendEntries"
	ActionInstallSnapshot Action = "InstallSnapshot"
	ActionCommand         Action = "Command"
)

// RPCError is the typed error carried on a reply Envelope, per spec.md §6
// Envelope.error: {message, code, leader?}.
type RPCError struct {
	Message string
	Code    string
	Leader  string // set for NotLeader replies carrying a leader hint
}

func (e *RPCError) Error() string { return e.Message }

// Envelope is the wire message described in spec.md §6.
type Envelope struct {
	From   string
	To     string
	ID     string
	Type   Type
	Action Action
	Params interface{}
	Error  *RPCError
}

// NewRequest builds a request Envelope with a fresh correlation id.
func NewRequest(from, to string, action Action, params interface{}) Envelope {
	return Envelope{
		From:   from,
		To:     to,
		ID:     uuid.NewString(),
		Type:   TypeRequest,
		Action: action,
		Params: params,
	}
}

// Reply builds the reply Envelope for a received request, preserving its
// correlation id.
func (e Envelope) Reply(params interface{}, rpcErr *RPCError) Envelope {
	return Envelope{
		From:   e.To,
		To:     e.From,
		ID:     e.ID,
		Type:   TypeReply,
		Action: e.Action,
		Params: params,
		Error:  rpcErr,
	}
}

// WireEntry is one log entry as carried on the wire: {i, t, c} per
// spec.md §6 AppendEntries params.
type WireEntry struct {
	I uint64
	T uint64
	C raftlog.Command
}

func ToWireEntries(entries []raftlog.Entry) []WireEntry {
	out := make([]WireEntry, len(entries))
	for i, e := range entries {
		out[i] = WireEntry{I: e.Index, T: e.Term, C: e.Command}
	}
	return out
}

func FromWireEntries(entries []WireEntry) []raftlog.Entry {
	out := make([]raftlog.Entry, len(entries))
	for i, e := range entries {
		out[i] = raftlog.Entry{Index: e.I, Term: e.T, Command: e.C}
	}
	return out
}

// RequestVoteParams is spec.md §6's RequestVote params.
type RequestVoteParams struct {
	Term         uint64
	CandidateID  string
	LastLogIndex uint64
	LastLogTerm  uint64
}

// RequestVoteReply is spec.md §6's RequestVote reply.
type RequestVoteReply struct {
	Term        uint64
	VoteGranted bool
}

// AppendEntriesParams is spec.md §6's AppendEntries params.
type AppendEntriesParams struct {
	Term         uint64
	LeaderID     string
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []WireEntry
	LeaderCommit uint64
}

// AppendEntriesReply is spec.md §6's AppendEntries reply.
type AppendEntriesReply struct {
	Term         uint64
	Success      bool
	NextLogIndex uint64
	Reason       string
}

// SnapshotEntry is one key/value pair inside an InstallSnapshot chunk.
type SnapshotEntry struct {
	Key   string
	Value []byte
}

// InstallSnapshotParams is spec.md §6's InstallSnapshot params.
type InstallSnapshotParams struct {
	Term      uint64
	Token     string // correlates every chunk RPC of one InstallSnapshot run
	Offset    int
	Data      []SnapshotEntry
	Done      bool
	LastIndex uint64
	LastTerm  uint64
	LeaderID  string
	Peers     []string
}

// InstallSnapshotReply is spec.md §6's InstallSnapshot reply.
type InstallSnapshotReply struct {
	Term   uint64
	Cancel bool
}

// CommandParams is spec.md §6's Command params: a raftlog.Command plus
// free-form options (e.g. linearizable read flag).
type CommandParams struct {
	Command raftlog.Command
	Options map[string]interface{}
}

// CommandReply carries the result of a Command RPC.
type CommandReply struct {
	Result interface{}
}

func init() {
	gob.Register(RequestVoteParams{})
	gob.Register(RequestVoteReply{})
	gob.Register(AppendEntriesParams{})
	gob.Register(AppendEntriesReply{})
	gob.Register(InstallSnapshotParams{})
	gob.Register(InstallSnapshotReply{})
	gob.Register(CommandParams{})
	gob.Register(CommandReply{})
}
