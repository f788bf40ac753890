package raft

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/raftkv/raftkv/internal/raftlog"
	"github.com/raftkv/raftkv/internal/transport"
)

// Client is the leader-forwarding client described in spec.md §4.7,
// generalized from the teacher's pkg/api/client.go (findLeader/Set/Get/
// Delete over in-process *raft.Node pointers) into one that forwards over
// the wire Transport, since a client is not assumed to share a process
// with every node.
type Client struct {
	selfID string
	node   *Node // non-nil if this client is attached to a local node
	trans  transport.Transport
	cfg    Config

	mu         sync.Mutex
	leaderHint string
	rng        *rand.Rand
	addrs      []string // self + every known peer, for random recipient choice
}

// NewClient builds a Client that knows about addrs (which must include
// self). node may be nil for a pure out-of-cluster client; if non-nil and
// the chosen recipient is self, Command dispatches locally instead of over
// the wire.
func NewClient(selfID string, node *Node, trans transport.Transport, cfg Config, addrs []string, seed int64) *Client {
	return &Client{
		selfID: selfID,
		node:   node,
		trans:  trans,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(seed)),
		addrs:  addrs,
	}
}

// Command submits cmd to the cluster, forwarding to the known or guessed
// leader and retrying per spec.md §4.7's error classification.
func (c *Client) Command(ctx context.Context, cmd raftlog.Command) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.ClientMaxRetries; attempt++ {
		recipient := c.pickRecipient()

		var result interface{}
		var err error
		if recipient == c.selfID && c.node != nil {
			result, err = c.node.Command(ctx, cmd)
		} else {
			result, err = c.sendRemote(ctx, recipient, cmd)
		}
		if err == nil {
			return result, nil
		}
		lastErr = err

		delay, retry := classifyClientError(err, c.cfg.ClientRetryRPCTimeout)
		if !retry {
			return nil, err
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) pickRecipient() string {
	c.mu.Lock()
	hint := c.leaderHint
	c.mu.Unlock()
	if hint != "" {
		return hint
	}
	if len(c.addrs) == 0 {
		return c.selfID
	}
	return c.addrs[c.rng.Intn(len(c.addrs))]
}

func (c *Client) setLeaderHint(addr string) {
	c.mu.Lock()
	c.leaderHint = addr
	c.mu.Unlock()
}

func (c *Client) clearLeaderHint() {
	c.mu.Lock()
	c.leaderHint = ""
	c.mu.Unlock()
}

func (c *Client) sendRemote(ctx context.Context, to string, cmd raftlog.Command) (interface{}, error) {
	rpcCtx, cancel := context.WithTimeout(ctx, c.cfg.RPCTimeout)
	defer cancel()

	reply, err := c.trans.Send(rpcCtx, to, transport.NewRequest(c.selfID, to, transport.ActionCommand, transport.CommandParams{Command: cmd}))
	if err != nil {
		c.clearLeaderHint()
		return nil, ErrNotConnected
	}
	if reply.Error != nil {
		return nil, c.handleRPCError(reply.Error)
	}

	c.setLeaderHint(to)
	cr := reply.Params.(transport.CommandReply)
	return cr.Result, nil
}

func (c *Client) handleRPCError(rpcErr *transport.RPCError) error {
	if rpcErr.Leader != "" {
		c.setLeaderHint(rpcErr.Leader)
	} else {
		c.clearLeaderHint()
	}

	switch rpcErr.Code {
	case "NotLeader":
		return &NotLeaderError{LeaderHint: rpcErr.Leader}
	case "NoMajority":
		return ErrNoMajority
	case "OutdatedTerm":
		return ErrOutdatedTerm
	case "Timeout":
		return ErrTimeout
	case "NotConnected":
		return ErrNotConnected
	default:
		return rpcErr
	}
}

// classifyClientError implements spec.md §4.7's retry policy: a NotLeader
// error retries immediately when it carries a leader hint, else after
// clientRetryRPCTimeout; NotConnected, NoMajority and OutdatedTerm carry no
// leader hint and retry after the same delay; everything else is surfaced
// to the caller unchanged.
func classifyClientError(err error, retryDelay time.Duration) (delay time.Duration, retry bool) {
	switch e := err.(type) {
	case *NotLeaderError:
		if e.LeaderHint != "" {
			return 0, true
		}
		return retryDelay, true
	default:
		switch err {
		case ErrNotConnected, ErrNoMajority, ErrOutdatedTerm:
			return retryDelay, true
		default:
			return 0, false
		}
	}
}
