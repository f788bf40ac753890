package transport

import (
	"context"
	"testing"
	"time"
)

func echoHandler(id string) Handler {
	return func(ctx context.Context, req Envelope) Envelope {
		return req.Reply(RequestVoteReply{Term: req.Params.(RequestVoteParams).Term, VoteGranted: true}, nil)
	}
}

func TestLocalTransportDeliversToRegisteredHandler(t *testing.T) {
	lt := NewLocalTransport()
	lt.Register("/ip4/127.0.0.1/tcp/1", echoHandler("1"))

	req := NewRequest("/ip4/127.0.0.1/tcp/2", "/ip4/127.0.0.1/tcp/1", ActionRequestVote, RequestVoteParams{Term: 3})
	reply, err := lt.Send(context.Background(), "/ip4/127.0.0.1/tcp/1", req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	rv := reply.Params.(RequestVoteReply)
	if rv.Term != 3 || !rv.VoteGranted {
		t.Fatalf("unexpected reply %+v", rv)
	}
}

func TestLocalTransportUnregisteredTargetFails(t *testing.T) {
	lt := NewLocalTransport()
	req := NewRequest("a", "b", ActionRequestVote, RequestVoteParams{})
	if _, err := lt.Send(context.Background(), "b", req); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestLocalTransportDisconnectAndConnect(t *testing.T) {
	lt := NewLocalTransport()
	lt.Register("b", echoHandler("b"))

	lt.Disconnect("a", "b")
	req := NewRequest("a", "b", ActionRequestVote, RequestVoteParams{})
	if _, err := lt.Send(context.Background(), "b", req); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected after Disconnect, got %v", err)
	}

	lt.Connect("a", "b")
	if _, err := lt.Send(context.Background(), "b", req); err != nil {
		t.Fatalf("expected Send to succeed after Connect, got %v", err)
	}
}

func TestLocalTransportPartitionAndHeal(t *testing.T) {
	lt := NewLocalTransport()
	lt.Register("a", echoHandler("a"))
	lt.Register("b", echoHandler("b"))
	lt.Register("c", echoHandler("c"))

	lt.Partition("a")

	if _, err := lt.Send(context.Background(), "a", NewRequest("b", "a", ActionRequestVote, RequestVoteParams{})); err != ErrNotConnected {
		t.Fatalf("expected partitioned node unreachable, got %v", err)
	}
	if _, err := lt.Send(context.Background(), "b", NewRequest("a", "b", ActionRequestVote, RequestVoteParams{})); err != ErrNotConnected {
		t.Fatalf("expected partitioned node unable to reach others, got %v", err)
	}

	lt.Heal("a")
	if _, err := lt.Send(context.Background(), "a", NewRequest("b", "a", ActionRequestVote, RequestVoteParams{})); err != nil {
		t.Fatalf("expected Send to succeed after Heal, got %v", err)
	}
}

func TestLocalTransportLatency(t *testing.T) {
	lt := NewLocalTransport()
	lt.Register("a", echoHandler("a"))
	lt.SetLatency(20 * time.Millisecond)

	start := time.Now()
	if _, err := lt.Send(context.Background(), "a", NewRequest("b", "a", ActionRequestVote, RequestVoteParams{})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("expected Send to honor injected latency")
	}
}
