package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/raftkv/raftkv/internal/address"
)

// Client is a gob-over-net.Conn RPC client: one persistent connection per
// peer, reused across calls, grounded on the teacher's pkg/rpc/client.go.
type Client struct {
	mu      sync.Mutex
	conns   map[string]net.Conn
	dialer  net.Dialer
	timeout time.Duration
}

// NewClient creates a Client with the given per-RPC reply timeout
// (spec.md §6 rpcTimeoutMS).
func NewClient(timeout time.Duration) *Client {
	return &Client{
		conns:   make(map[string]net.Conn),
		timeout: timeout,
	}
}

// Send implements Transport by encoding req on the connection to "to",
// then decoding the matching reply.
func (c *Client) Send(ctx context.Context, to string, req Envelope) (Envelope, error) {
	conn, err := c.getConn(ctx, to)
	if err != nil {
		return Envelope{}, err
	}

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	conn.SetDeadline(deadline)

	if err := gob.NewEncoder(conn).Encode(req); err != nil {
		c.removeConn(to)
		return Envelope{}, fmt.Errorf("transport: encode request: %w", err)
	}

	var reply Envelope
	if err := gob.NewDecoder(conn).Decode(&reply); err != nil {
		c.removeConn(to)
		return Envelope{}, fmt.Errorf("transport: decode reply: %w", err)
	}
	return reply, nil
}

func (c *Client) getConn(ctx context.Context, to string) (net.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if conn, ok := c.conns[to]; ok {
		return conn, nil
	}

	addr, err := address.Parse(to)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	conn, err := c.dialer.DialContext(dialCtx, "tcp", addr.HostPort())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrNotConnected, to, err)
	}
	c.conns[to] = conn
	return conn, nil
}

func (c *Client) removeConn(to string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if conn, ok := c.conns[to]; ok {
		conn.Close()
		delete(c.conns, to)
	}
}

// Close tears down every open connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for to, conn := range c.conns {
		conn.Close()
		delete(c.conns, to)
	}
	return nil
}
