// Command raftkvd runs one raftkv cluster member: it binds the peer
// transport, loads persistent state, starts the Raft node, and serves the
// HTTP client API. Adapted from the teacher's cmd/server/main.go wiring
// (flag parsing, graceful SIGINT/SIGTERM shutdown), swapping the gRPC
// transport + single-blob WAL for internal/transport + internal/store.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/raftkv/raftkv/internal/address"
	"github.com/raftkv/raftkv/internal/httpapi"
	"github.com/raftkv/raftkv/internal/kv"
	"github.com/raftkv/raftkv/internal/raft"
	"github.com/raftkv/raftkv/internal/store"
	"github.com/raftkv/raftkv/internal/transport"
)

func main() {
	id := flag.String("id", "", "this node's address (/ip4/HOST/tcp/PORT)")
	peers := flag.String("peers", "", "comma-separated cluster addresses, including this node's")
	httpAddr := flag.String("http", "", "HTTP API listen address (e.g., 127.0.0.1:8000)")
	dataDir := flag.String("data", "", "durable state directory")
	flag.Parse()

	if *id == "" || *httpAddr == "" {
		flag.Usage()
		os.Exit(1)
	}

	self, err := address.Parse(*id)
	if err != nil {
		log.Fatalf("raftkvd: %v", err)
	}

	var seedAddrs []string
	if *peers != "" {
		for _, p := range strings.Split(*peers, ",") {
			if p == "" {
				continue
			}
			if _, err := address.Parse(p); err != nil {
				log.Fatalf("raftkvd: invalid peer %q: %v", p, err)
			}
			seedAddrs = append(seedAddrs, p)
		}
	}
	if !containsAddr(seedAddrs, self.String()) {
		seedAddrs = append(seedAddrs, self.String())
	}

	dir := *dataDir
	if dir == "" {
		dir = fmt.Sprintf("/tmp/raftkv-%s", sanitizeForPath(self.String()))
	}

	logger := log.New(os.Stderr, fmt.Sprintf("[%s] ", self), log.LstdFlags)
	logger.Printf("starting raftkv node, peers=%v, data=%s", seedAddrs, dir)

	backend := kv.NewMemoryBackend()
	st, err := store.Open(dir, backend)
	if err != nil {
		logger.Fatalf("store.Open: %v", err)
	}
	defer st.Close()

	peerSet := raft.NewPeers(self.String(), seedAddrs)

	trans := transport.NewClient(raft.DefaultConfig().RPCTimeout)
	defer trans.Close()

	cfg := raft.DefaultConfig()
	node := raft.New(self.String(), cfg, peerSet, st, trans, logger)

	server, err := transport.NewServer(self.HostPort(), node.Handler(), logger)
	if err != nil {
		logger.Fatalf("transport.NewServer: %v", err)
	}
	go func() {
		if err := server.Serve(); err != nil {
			logger.Printf("transport server stopped: %v", err)
		}
	}()

	if err := node.Start(); err != nil {
		logger.Fatalf("node.Start: %v", err)
	}

	client := raft.NewClient(self.String(), node, trans, cfg, seedAddrs, time.Now().UnixNano())

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: httpapi.New(node, client),
	}
	go func() {
		logger.Printf("HTTP API listening on %s", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Println("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	httpServer.Shutdown(ctx)
	server.Close()
	node.Stop()

	logger.Println("shutdown complete")
}

func containsAddr(addrs []string, a string) bool {
	for _, x := range addrs {
		if x == a {
			return true
		}
	}
	return false
}

func sanitizeForPath(addr string) string {
	return strings.NewReplacer("/", "-", ":", "-").Replace(strings.TrimPrefix(addr, "/"))
}
