package raft

import "sync"

// PeerEvent tags whether a peer was added or removed from the set.
type PeerEvent int

const (
	PeerAdded PeerEvent = iota
	PeerRemoved
)

// PeerChange is emitted whenever the Peers set mutates, so Leader can
// create/destroy PeerReplicators in response (spec.md §3).
type PeerChange struct {
	Event PeerEvent
	Peer  string
}

// Peers is the set of known NodeIds minus the local id, mutated only by
// applying committed Join/Leave topology entries.
type Peers struct {
	mu   sync.RWMutex
	self string
	set  map[string]struct{}
	subs []chan PeerChange
}

// NewPeers returns a Peers set seeded with the given addresses, excluding
// self if present.
func NewPeers(self string, seed []string) *Peers {
	p := &Peers{self: self, set: make(map[string]struct{}, len(seed))}
	for _, s := range seed {
		if s != self {
			p.set[s] = struct{}{}
		}
	}
	return p
}

// Subscribe registers a channel that receives every future PeerChange.
func (p *Peers) Subscribe() <-chan PeerChange {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan PeerChange, 16)
	p.subs = append(p.subs, ch)
	return ch
}

// Add inserts peer, emitting PeerAdded if it was not already present.
func (p *Peers) Add(peer string) bool {
	if peer == p.self {
		return false
	}
	p.mu.Lock()
	if _, ok := p.set[peer]; ok {
		p.mu.Unlock()
		return false
	}
	p.set[peer] = struct{}{}
	subs := append([]chan PeerChange(nil), p.subs...)
	p.mu.Unlock()

	p.publish(subs, PeerChange{Event: PeerAdded, Peer: peer})
	return true
}

// Remove deletes peer, emitting PeerRemoved if it was present.
func (p *Peers) Remove(peer string) bool {
	p.mu.Lock()
	if _, ok := p.set[peer]; !ok {
		p.mu.Unlock()
		return false
	}
	delete(p.set, peer)
	subs := append([]chan PeerChange(nil), p.subs...)
	p.mu.Unlock()

	p.publish(subs, PeerChange{Event: PeerRemoved, Peer: peer})
	return true
}

func (p *Peers) publish(subs []chan PeerChange, change PeerChange) {
	for _, ch := range subs {
		select {
		case ch <- change:
		default:
		}
	}
}

// Has reports whether peer is currently a member.
func (p *Peers) Has(peer string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.set[peer]
	return ok
}

// List returns a snapshot of the current peer addresses.
func (p *Peers) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.set))
	for peer := range p.set {
		out = append(out, peer)
	}
	return out
}

// Size returns the number of peers (excluding self).
func (p *Peers) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.set)
}
