// Package httpapi exposes a raftkv Client over HTTP, adapted from the
// teacher's pkg/api/http.go handler: /kv/{key} for Get/Put/Delete and
// /status for role/term/leader introspection. It is a thin outer shell
// around internal/raft.Client, not a core component (spec.md §1 keeps
// embedding shells out of scope for the consensus core itself).
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/raftkv/raftkv/internal/raft"
	"github.com/raftkv/raftkv/internal/raftlog"
)

// Handler serves the HTTP surface for one node's Client.
type Handler struct {
	node   *raft.Node
	client *raft.Client
	mux    *http.ServeMux
}

// New wires the /kv/ and /status routes against client and the local node
// (used for /status introspection, which bypasses the forwarding client).
func New(node *raft.Node, client *raft.Client) *Handler {
	h := &Handler{node: node, client: client, mux: http.NewServeMux()}
	h.mux.HandleFunc("/kv/", h.handleKV)
	h.mux.HandleFunc("/status", h.handleStatus)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) handleKV(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/kv/")
	if key == "" {
		http.Error(w, "key required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	switch r.Method {
	case http.MethodGet:
		h.respondCommand(w, h.client.Command(ctx, raftlog.Command{Kind: raftlog.Get, Key: key}))

	case http.MethodPut, http.MethodPost:
		var body struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		_, err := h.client.Command(ctx, raftlog.Command{Kind: raftlog.Put, Key: key, Value: []byte(body.Value)})
		h.respondStatus(w, err)

	case http.MethodDelete:
		_, err := h.client.Command(ctx, raftlog.Command{Kind: raftlog.Del, Key: key})
		h.respondStatus(w, err)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *Handler) respondCommand(w http.ResponseWriter, result interface{}, err error) {
	if err != nil {
		h.respondError(w, err)
		return
	}
	val, _ := result.([]byte)
	if val == nil {
		http.Error(w, "key not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"value": string(val)})
}

func (h *Handler) respondStatus(w http.ResponseWriter, err error) {
	if err != nil {
		h.respondError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if nle, ok := err.(*raft.NotLeaderError); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]interface{}{"error": "not leader", "leader": nle.LeaderHint})
		return
	}
	if err == context.DeadlineExceeded || err == raft.ErrTimeout {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"id":       h.node.String(),
		"term":     h.node.CurrentTerm(),
		"role":     h.node.Role().String(),
		"isLeader": h.node.IsLeader(),
		"leader":   h.node.LeaderHint(),
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}
