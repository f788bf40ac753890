package raft

import (
	"math/rand"
	"sync"
	"time"
)

// Timer is the randomized election/heartbeat timer described in spec.md
// §4.3/§9, generalized from the teacher's randomElectionTimeout()+
// time.NewTimer pairing into a standalone, resettable component so
// StateMachine and PeerReplicator can share the same shape.
type Timer struct {
	mu     sync.Mutex
	timer  *time.Timer
	rng    *rand.Rand
	fire   chan struct{}
	min    time.Duration
	max    time.Duration
	fixed  bool
	cancel bool
}

// NewRandomTimer draws its interval uniformly from [min, max) on every
// Reset, per spec.md §4.3's Follower/Candidate heartbeat range.
func NewRandomTimer(min, max time.Duration, seed int64) *Timer {
	return &Timer{
		rng:  rand.New(rand.NewSource(seed)),
		fire: make(chan struct{}, 1),
		min:  min,
		max:  max,
	}
}

// NewFixedTimer always fires after interval, used for the leader's
// heartbeat cadence (appendEntriesIntervalMS) and PeerReplicator's own
// per-peer timer.
func NewFixedTimer(interval time.Duration) *Timer {
	return &Timer{
		fire:  make(chan struct{}, 1),
		min:   interval,
		max:   interval,
		fixed: true,
	}
}

// C is the channel that receives a value each time the timer fires.
func (t *Timer) C() <-chan struct{} { return t.fire }

func (t *Timer) nextInterval() time.Duration {
	if t.fixed || t.max <= t.min {
		return t.min
	}
	return t.min + time.Duration(t.rng.Int63n(int64(t.max-t.min)))
}

// Reset restarts the timer with a freshly drawn interval.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel {
		return
	}

	interval := t.nextInterval()
	if t.timer == nil {
		t.timer = time.AfterFunc(interval, t.signal)
		return
	}
	t.timer.Stop()
	t.timer = time.AfterFunc(interval, t.signal)
}

func (t *Timer) signal() {
	select {
	case t.fire <- struct{}{}:
	default:
	}
}

// Stop suspends the timer without preventing future Reset calls, used
// when commit() suspends the heartbeat timer per spec.md §4.3 step 4.
func (t *Timer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.timer != nil {
		t.timer.Stop()
	}
}

// Cancel permanently disables the timer, used on Node stop() (spec.md §5).
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancel = true
	if t.timer != nil {
		t.timer.Stop()
	}
}
