// Package raftlog implements the in-memory replicated log described in
// spec.md §4.1: an ordered sequence of entries with derived stats,
// continuity validation on append, commit tracking and compaction.
//
// Entries are strictly increasing in index and non-decreasing in term.
// firstIndex <= lastAppliedIndex <= committedIndex <= lastIndex whenever the
// log is non-empty. Entries with index <= lastAppliedIndex are immutable.
package raftlog

import (
	"fmt"
	"sync"
)

// Entry is one entry in the Raft log (spec.md §3 LogEntry).
type Entry struct {
	Index   uint64
	Term    uint64
	Command Command
}

// ContinuityError is returned by AppendAfter when the supplied prefix does
// not line up with the local log. NextLogIndex points the leader back to
// the last known-matching entry's term so it can retry earlier.
type ContinuityError struct {
	NextLogIndex uint64
	Reason       string
}

func (e *ContinuityError) Error() string {
	return fmt.Sprintf("raftlog: continuity error, retry from index %d: %s", e.NextLogIndex, e.Reason)
}

// ApplyFunc applies a committed range of entries to the bound
// PersistentStore. It is supplied at construction time so that commit()
// can drive state-machine application as spec.md §4.1 requires.
type ApplyFunc func(entries []Entry) error

// Stats is the derived, read-only view of a Log's bookkeeping fields.
type Stats struct {
	FirstIndex       uint64
	LastIndex        uint64
	LastTerm         uint64
	CommittedIndex   uint64
	LastAppliedIndex uint64
	LastAppliedTerm  uint64
}

// Log is the in-memory Raft log. It is safe for concurrent use, though in
// the single-threaded-per-node model described in spec.md §5 it is in
// practice only ever touched by the owning Node's own goroutine.
type Log struct {
	mu      sync.RWMutex
	entries []Entry // entries[i] has Index == firstIndex+i

	firstIndex       uint64
	lastAppliedIndex uint64
	lastAppliedTerm  uint64
	committedIndex   uint64

	// post-snapshot tail stats, used when entries is empty but the log has
	// logically advanced past index 0 (spec.md §4.1 "empty but lastIndex>0").
	snapshotIndex uint64
	snapshotTerm  uint64

	maxRetention uint64
	apply        ApplyFunc

	lastTruncated []Entry // set by AppendAfter, drained by TakeTruncated
}

// New creates an empty Log. maxRetention is the number of entries kept
// above lastAppliedIndex before compact() trims further (spec.md §6
// maxLogRetention). apply binds the log to its PersistentStore.
func New(maxRetention uint64, apply ApplyFunc) *Log {
	return &Log{
		firstIndex:   1,
		maxRetention: maxRetention,
		apply:        apply,
	}
}

// Stats returns a snapshot of the log's derived bookkeeping.
func (l *Log) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statsLocked()
}

func (l *Log) statsLocked() Stats {
	return Stats{
		FirstIndex:       l.firstIndex,
		LastIndex:        l.lastIndexLocked(),
		LastTerm:         l.lastTermLocked(),
		CommittedIndex:   l.committedIndex,
		LastAppliedIndex: l.lastAppliedIndex,
		LastAppliedTerm:  l.lastAppliedTerm,
	}
}

func (l *Log) lastIndexLocked() uint64 {
	if len(l.entries) == 0 {
		return l.snapshotIndex
	}
	return l.entries[len(l.entries)-1].Index
}

func (l *Log) lastTermLocked() uint64 {
	if len(l.entries) == 0 {
		return l.snapshotTerm
	}
	return l.entries[len(l.entries)-1].Term
}

// Push appends cmd under the given term and returns its new index.
// Get/Read commands are never pushed (spec.md §3); callers must check
// Command.IsLoggable first.
func (l *Log) Push(term uint64, cmd Command) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.lastIndexLocked() + 1
	l.entries = append(l.entries, Entry{Index: index, Term: term, Command: cmd})
	l.compactLocked()
	return index
}

// AtIndex returns the entry at i, if still retained.
func (l *Log) AtIndex(i uint64) (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.atIndexLocked(i)
}

func (l *Log) atIndexLocked(i uint64) (Entry, bool) {
	if i < l.firstIndex || len(l.entries) == 0 {
		return Entry{}, false
	}
	pos := i - l.firstIndex
	if pos >= uint64(len(l.entries)) {
		return Entry{}, false
	}
	return l.entries[pos], true
}

// termAtLocked returns the term of the entry at i, consulting the
// post-snapshot tail when the in-memory log is empty (spec.md §4.1).
func (l *Log) termAtLocked(i uint64) (uint64, bool) {
	if e, ok := l.atIndexLocked(i); ok {
		return e.Term, true
	}
	if i == l.snapshotIndex && i > 0 {
		return l.snapshotTerm, true
	}
	if len(l.entries) == 0 && i == 0 && l.snapshotIndex == 0 {
		return 0, true
	}
	return 0, false
}

// AppendAfter is the follower-side append described in spec.md §4.1.
// prevIndex/prevTerm identify the entry the new entries are meant to
// follow; leaderTerm is the term carried on the AppendEntries message (new
// entries must never be older than it).
func (l *Log) AppendAfter(prevIndex, prevTerm uint64, entries []Entry, leaderTerm uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prevIndex < l.lastAppliedIndex {
		return &ContinuityError{
			NextLogIndex: l.lastAppliedIndex + 1,
			Reason:       "prevIndex precedes lastAppliedIndex",
		}
	}

	// Empty in-memory log after a snapshot: continuity is checked against
	// (lastIndex, lastTerm) alone (spec.md §4.1).
	if prevIndex > 0 {
		term, ok := l.termAtLocked(prevIndex)
		if !ok {
			return &ContinuityError{
				NextLogIndex: l.bestRetryIndexLocked(prevTerm),
				Reason:       "missing entry at prevIndex",
			}
		}
		if term != prevTerm {
			return &ContinuityError{
				NextLogIndex: l.bestRetryIndexLocked(term),
				Reason:       "term mismatch at prevIndex",
			}
		}
	}

	// Validate the supplied suffix: strictly increasing index, no gaps,
	// non-decreasing term, never older than the leader's current term.
	expect := prevIndex + 1
	prevT := prevTerm
	for _, e := range entries {
		if e.Index != expect {
			return &ContinuityError{NextLogIndex: l.lastIndexLocked() + 1, Reason: "index gap in supplied entries"}
		}
		if e.Term < prevT {
			return &ContinuityError{NextLogIndex: l.lastIndexLocked() + 1, Reason: "term regression in supplied entries"}
		}
		if e.Term > leaderTerm {
			return &ContinuityError{NextLogIndex: l.lastIndexLocked() + 1, Reason: "entry term exceeds leader term"}
		}
		expect++
		prevT = e.Term
	}

	// Overlapping entries already applied must match exactly.
	for _, e := range entries {
		if e.Index <= l.lastAppliedIndex {
			existing, ok := l.atIndexLocked(e.Index)
			if ok && (existing.Index != e.Index || existing.Term != e.Term) {
				return &ContinuityError{NextLogIndex: l.lastAppliedIndex + 1, Reason: "applied entry conflict"}
			}
		}
	}

	// Truncate local entries with index > prevIndex that conflict, then
	// append the new suffix. Supplied entries already held with the same
	// term are skipped, so a duplicate append leaves the log unchanged.
	for len(entries) > 0 {
		existing, ok := l.atIndexLocked(entries[0].Index)
		if !ok || existing.Term != entries[0].Term {
			break
		}
		entries = entries[1:]
	}
	var truncated []Entry
	if len(entries) > 0 && entries[0].Index <= l.lastIndexLocked() {
		truncated = l.truncateFromLocked(entries[0].Index)
	}
	l.entries = append(l.entries, entries...)
	l.compactLocked()
	l.lastTruncated = truncated
	return nil
}

// TakeTruncated returns and clears the entries most recently discarded by
// AppendAfter's conflict-truncation, so the caller can delete their
// superseded keys from PersistentStore (spec.md §4.2).
func (l *Log) TakeTruncated() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.lastTruncated
	l.lastTruncated = nil
	return t
}

// bestRetryIndexLocked returns the index just after the last entry whose
// term is < term (firstIndex if there is none), so the leader can retry one
// term earlier (spec.md §4.1).
func (l *Log) bestRetryIndexLocked(term uint64) uint64 {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Term < term {
			return l.entries[i].Index + 1
		}
	}
	return l.firstIndex
}

func (l *Log) truncateFromLocked(index uint64) []Entry {
	if index < l.firstIndex {
		dropped := l.entries
		l.entries = nil
		return dropped
	}
	pos := index - l.firstIndex
	if pos >= uint64(len(l.entries)) {
		return nil
	}
	dropped := append([]Entry(nil), l.entries[pos:]...)
	l.entries = l.entries[:pos]
	return dropped
}

// Commit applies entries (committedIndex, toIndex] via the bound
// PersistentStore then advances lastAppliedIndex/Term and committedIndex.
// At-most-once: an older toIndex is a no-op.
func (l *Log) Commit(toIndex uint64) error {
	l.mu.Lock()
	if toIndex <= l.committedIndex {
		l.mu.Unlock()
		return nil
	}

	from := l.committedIndex + 1
	pending := make([]Entry, 0, toIndex-from+1)
	for i := from; i <= toIndex; i++ {
		e, ok := l.atIndexLocked(i)
		if !ok {
			break
		}
		pending = append(pending, e)
	}
	apply := l.apply
	l.mu.Unlock()

	if apply != nil && len(pending) > 0 {
		if err := apply(pending); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(pending) > 0 {
		last := pending[len(pending)-1]
		l.lastAppliedIndex = last.Index
		l.lastAppliedTerm = last.Term
	}
	if toIndex > l.committedIndex {
		l.committedIndex = toIndex
	}
	l.compactLocked()
	return nil
}

// SeedSnapshot resets an empty Log to start immediately after a snapshot
// boundary at (index, term), as InstallSnapshot's final chunk requires
// (spec.md §4.5 "on done restarts its log with (lastIndex, lastTerm)").
func (l *Log) SeedSnapshot(index, term uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.firstIndex = index + 1
	l.snapshotIndex = index
	l.snapshotTerm = term
	l.committedIndex = index
	l.lastAppliedIndex = index
	l.lastAppliedTerm = term
}

// Compact retains the last maxRetention entries, [lastIndex-maxRetention+1,
// lastIndex], but never drops the entry at lastAppliedIndex or any later one.
func (l *Log) Compact() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.compactLocked()
}

func (l *Log) compactLocked() {
	if l.maxRetention == 0 || uint64(len(l.entries)) <= l.maxRetention {
		return
	}

	keepFrom := l.lastIndexLocked() - l.maxRetention + 1
	if l.lastAppliedIndex < keepFrom {
		keepFrom = l.lastAppliedIndex
	}
	if keepFrom <= l.firstIndex {
		return
	}

	pos := keepFrom - l.firstIndex
	if pos == 0 || pos > uint64(len(l.entries)) {
		return
	}

	dropped := l.entries[pos-1]
	l.entries = append([]Entry(nil), l.entries[pos:]...)
	l.firstIndex = keepFrom
	l.snapshotIndex = dropped.Index
	l.snapshotTerm = dropped.Term
}

// LastIndexForTerm scans from the tail for the last entry with term t.
// Undefined (returns false) if that term's entries fell out of the
// retention window.
func (l *Log) LastIndexForTerm(t uint64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Term == t {
			return l.entries[i].Index, true
		}
		if l.entries[i].Term < t {
			break
		}
	}
	return 0, false
}

// EntriesFrom returns up to limit entries starting at index, or nil if
// index is below the retained window (the caller should fall back to
// snapshot streaming, spec.md §4.5).
func (l *Log) EntriesFrom(index uint64, limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if index < l.firstIndex && l.lastIndexLocked() >= l.firstIndex {
		return nil
	}
	if index > l.lastIndexLocked() {
		return []Entry{}
	}
	pos := int(index - l.firstIndex)
	if pos < 0 || pos >= len(l.entries) {
		return []Entry{}
	}
	end := pos + limit
	if limit <= 0 || end > len(l.entries) {
		end = len(l.entries)
	}
	out := make([]Entry, end-pos)
	copy(out, l.entries[pos:end])
	return out
}
