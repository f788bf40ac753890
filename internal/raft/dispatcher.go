package raft

import "github.com/raftkv/raftkv/internal/transport"

// requestJob is one inbound Envelope awaiting a reply, parked in a
// dispatcher until the node's single request-handling goroutine reaches
// it (spec.md §4.6's "exactly one request in handling at any moment").
type requestJob struct {
	req  transport.Envelope
	done chan transport.Envelope
}

// dispatcher is the bounded request queue described in spec.md §4.6 and
// §5: capacity maxPending, drops the oldest entry on overflow rather than
// blocking the sender or growing without bound.
type dispatcher struct {
	items  chan *requestJob
	notify chan struct{}
}

func newDispatcher(maxPending int) *dispatcher {
	return &dispatcher{
		items:  make(chan *requestJob, maxPending),
		notify: make(chan struct{}, 1),
	}
}

// push enqueues job, dropping and cancelling the oldest queued job if the
// dispatcher is already at capacity.
func (d *dispatcher) push(job *requestJob) {
	for {
		select {
		case d.items <- job:
			return
		default:
			select {
			case dropped := <-d.items:
				close(dropped.done)
			default:
			}
		}
	}
}

// pop blocks until a job is available or stop fires.
func (d *dispatcher) pop(stop <-chan struct{}) (*requestJob, bool) {
	select {
	case job := <-d.items:
		return job, true
	case <-stop:
		return nil, false
	}
}
