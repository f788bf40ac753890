package transport

import "errors"

// Sentinel errors a Transport implementation returns locally, distinct
// from RPCError which travels on the wire as an Envelope.Error.
var (
	ErrNotConnected = errors.New("transport: not connected")
	ErrTimeout      = errors.New("transport: rpc timed out")
	ErrClosed       = errors.New("transport: closed")
)
