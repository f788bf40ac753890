package raft

import (
	"context"
	"testing"
	"time"

	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/store"
	"github.com/raftkv/raftkv/internal/transport"
)

// fakeTransport lets tests script exactly what a peer replies, without a
// full LocalTransport+Node pair.
type fakeTransport struct {
	reply func(action transport.Action, params interface{}) (transport.Envelope, error)
}

func (f *fakeTransport) Send(ctx context.Context, to string, req transport.Envelope) (transport.Envelope, error) {
	return f.reply(req.Action, req.Params)
}

func newTestReplicator(t *testing.T, trans transport.Transport) (*PeerReplicator, *raftlog.Log, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	l := raftlog.New(100, func(entries []raftlog.Entry) error {
		return st.ApplyCommittedCommands(entries, nil)
	})
	l.Push(1, raftlog.Command{Kind: raftlog.Put, Key: "a", Value: []byte("1")})

	cfg := DefaultConfig()
	pr := newPeerReplicator("leader", "peer", 1, l, st, trans, cfg, nil, func() []string { return []string{"leader", "peer"} }, func(uint64) {})
	return pr, l, st
}

func TestReplicatorAdvancesOnSuccess(t *testing.T) {
	trans := &fakeTransport{reply: func(action transport.Action, params interface{}) (transport.Envelope, error) {
		return transport.Envelope{Params: transport.AppendEntriesReply{Term: 1, Success: true, NextLogIndex: 2}}, nil
	}}
	pr, _, _ := newTestReplicator(t, trans)
	pr.peerLatestLogIndex = 0

	sub := pr.Subscribe()
	pr.tick()

	select {
	case idx := <-sub:
		if idx != 1 {
			t.Fatalf("expected committed(1), got %d", idx)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a committed notification")
	}
	if pr.peerLatestLogIndex != 1 {
		t.Fatalf("peerLatestLogIndex = %d, want 1", pr.peerLatestLogIndex)
	}
}

func TestReplicatorBacksOffOnFailure(t *testing.T) {
	trans := &fakeTransport{reply: func(action transport.Action, params interface{}) (transport.Envelope, error) {
		return transport.Envelope{Params: transport.AppendEntriesReply{Term: 1, Success: false, NextLogIndex: 1}}, nil
	}}
	pr, _, _ := newTestReplicator(t, trans)
	pr.peerLatestLogIndex = 1

	pr.tick()
	if pr.peerLatestLogIndex != 0 {
		t.Fatalf("peerLatestLogIndex = %d, want 0 after rejection", pr.peerLatestLogIndex)
	}
}

func TestReplicatorStepsDownOnHigherTerm(t *testing.T) {
	var sawHigher uint64
	trans := &fakeTransport{reply: func(action transport.Action, params interface{}) (transport.Envelope, error) {
		return transport.Envelope{Params: transport.AppendEntriesReply{Term: 9, Success: false}}, nil
	}}
	pr, _, _ := newTestReplicator(t, trans)
	pr.onHigher = func(t uint64) { sawHigher = t }

	pr.tick()
	if sawHigher != 9 {
		t.Fatalf("expected onHigher(9), got %d", sawHigher)
	}
}
