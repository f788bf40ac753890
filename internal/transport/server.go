package transport

import (
	"context"
	"encoding/gob"
	"fmt"
	"log"
	"net"
	"sync"
)

// Server accepts peer connections and dispatches each inbound Envelope to
// a Handler, writing back whatever reply Envelope the Handler produces.
// Grounded on the teacher's pkg/rpc/server.go, stripped of its unused gRPC
// scaffolding (see DESIGN.md) in favor of the gob/net.Conn wire format
// Client actually uses.
type Server struct {
	listener net.Listener
	handler  Handler
	logger   *log.Logger

	mu      sync.Mutex
	wg      sync.WaitGroup
	closing bool
}

// NewServer binds addr and returns a Server ready to Serve.
func NewServer(addr string, handler Handler, logger *log.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	return &Server{listener: ln, handler: handler, logger: logger}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve accepts connections until Close is called.
func (s *Server) Serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("transport: accept: %w", err)
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	dec := gob.NewDecoder(conn)
	enc := gob.NewEncoder(conn)

	for {
		var req Envelope
		if err := dec.Decode(&req); err != nil {
			return
		}

		reply := s.handler(context.Background(), req)
		if err := enc.Encode(reply); err != nil {
			if s.logger != nil {
				s.logger.Printf("transport: encode reply to %s: %v", req.From, err)
			}
			return
		}
	}
}

// Close stops accepting new connections and waits for in-flight handlers
// to finish.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	err := s.listener.Close()
	s.wg.Wait()
	return err
}
