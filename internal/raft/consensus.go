package raft

import (
	"context"

	"github.com/raftkv/raftkv/internal/raftlog"
)

// quorumSize is floor(total/2)+1, the number of affirmative votes needed
// out of total voters (spec.md §4.4).
func quorumSize(total int) int { return total/2 + 1 }

// seekConsensus implements spec.md §4.4: push (or, for a read barrier,
// reuse) a log index, then run one _waitForConsensus pass per element of
// consensuses in sequence. Only once every pass succeeds is the index
// committed.
func (n *Node) seekConsensus(ctx context.Context, consensuses [][]string, alsoWaitFor []string, cmd raftlog.Command) (uint64, error) {
	var index uint64
	if cmd.IsLoggable() {
		term := n.CurrentTerm()
		index = n.log.Push(term, cmd)
		n.persistNewEntries([]raftlog.Entry{{Index: index, Term: term, Command: cmd}})
	} else {
		index = n.log.Stats().CommittedIndex
	}

	for _, consensus := range consensuses {
		if err := n.waitForConsensus(ctx, consensus, alsoWaitFor, index); err != nil {
			return 0, err
		}
	}

	if err := n.log.Commit(index); err != nil {
		return 0, &StorageError{Cause: err}
	}
	return index, nil
}

// waitForConsensus runs a single pass: voters is the union of consensus and
// alsoWaitFor minus self; self counts as one vote implicitly. Success
// requires a quorum over (voters+1) AND every address named in alsoWaitFor
// to have confirmed (spec.md §4.4).
func (n *Node) waitForConsensus(ctx context.Context, consensus []string, alsoWaitFor []string, index uint64) error {
	voters := unionMinusSelf(n.id, consensus, alsoWaitFor)
	need := quorumSize(len(voters) + 1)

	mustConfirm := make(map[string]bool, len(alsoWaitFor))
	for _, a := range alsoWaitFor {
		mustConfirm[a] = true
	}

	if 1 >= need && len(mustConfirm) == 0 {
		return nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
	defer cancel()

	term := n.CurrentTerm()
	reports := make(chan string, len(voters))
	for _, v := range voters {
		peer := v
		pr := n.ensureReplicator(peer, term)
		ch := pr.Subscribe()
		go func() {
			for {
				select {
				case got, ok := <-ch:
					if !ok {
						return
					}
					if got >= index {
						select {
						case reports <- peer:
						default:
						}
						return
					}
				case <-waitCtx.Done():
					return
				}
			}
		}()
	}

	granted := 1 // self
	confirmed := make(map[string]bool, len(mustConfirm))
	for granted < need || len(confirmed) < len(mustConfirm) {
		select {
		case peer := <-reports:
			granted++
			if mustConfirm[peer] {
				confirmed[peer] = true
			}
		case <-waitCtx.Done():
			return ErrTimeout
		}
	}
	return nil
}

// unionMinusSelf returns the deduplicated union of a and b, excluding self.
func unionMinusSelf(self string, a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, group := range [2][]string{a, b} {
		for _, s := range group {
			if s == self || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
