package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"
)

// nodeIDForListener converts a real "host:port" listener address into the
// "/ip4/host/tcp/port" NodeId form every production caller addresses peers
// by (cmd/raftkvd wires addresses, never bare host:port, straight into
// Client.Send).
func nodeIDForListener(t *testing.T, hostPort string) string {
	t.Helper()
	_, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	return fmt.Sprintf("/ip4/127.0.0.1/tcp/%s", port)
}

// TestClientServerRoundTrip covers the production path where every caller
// addresses peers by NodeId ("/ip4/host/tcp/port"), never a bare
// host:port, per address.Address's role as the canonical peer identity.
func TestClientServerRoundTrip(t *testing.T) {
	handler := func(ctx context.Context, req Envelope) Envelope {
		params := req.Params.(AppendEntriesParams)
		return req.Reply(AppendEntriesReply{Term: params.Term, Success: true}, nil)
	}

	srv, err := NewServer("127.0.0.1:0", handler, nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer srv.Close()
	go srv.Serve()

	nodeID := nodeIDForListener(t, srv.Addr())

	client := NewClient(2 * time.Second)
	defer client.Close()

	req := NewRequest("client", nodeID, ActionAppendEntries, AppendEntriesParams{Term: 5, LeaderID: "client"})
	reply, err := client.Send(context.Background(), nodeID, req)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	ae := reply.Params.(AppendEntriesReply)
	if ae.Term != 5 || !ae.Success {
		t.Fatalf("unexpected reply %+v", ae)
	}
	if reply.ID != req.ID {
		t.Fatalf("reply id %q does not match request id %q", reply.ID, req.ID)
	}
}

func TestClientReportsNotConnectedOnDialFailure(t *testing.T) {
	client := NewClient(100 * time.Millisecond)
	defer client.Close()

	// Port 1 is a reserved, never-listening TCP port, so this is a real
	// dial failure rather than a malformed-NodeId rejection.
	_, err := client.Send(context.Background(), "/ip4/127.0.0.1/tcp/1", NewRequest("a", "b", ActionRequestVote, RequestVoteParams{}))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected dial failure to surface ErrNotConnected, got %v", err)
	}
}

func TestClientRejectsMalformedNodeId(t *testing.T) {
	client := NewClient(100 * time.Millisecond)
	defer client.Close()

	_, err := client.Send(context.Background(), "127.0.0.1:1", NewRequest("a", "b", ActionRequestVote, RequestVoteParams{}))
	if err == nil {
		t.Fatal("expected a non-multiaddr NodeId to be rejected before dialing")
	}
}
