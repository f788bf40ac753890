package transport

import "context"

// Handler answers an inbound request Envelope with a reply Envelope. A
// Node registers one Handler per transport to dispatch into its current
// StateMachine (spec.md §5).
type Handler func(ctx context.Context, req Envelope) Envelope

// Transport sends a request Envelope to a peer and waits for its reply.
// Both the net.Conn-backed Client and the in-memory LocalTransport used in
// tests implement it, so PeerReplicator and Client never see the
// difference (spec.md §4.5/§4.7).
type Transport interface {
	Send(ctx context.Context, to string, req Envelope) (Envelope, error)
}
