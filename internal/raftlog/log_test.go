package raftlog

import "testing"

func TestPushAssignsSequentialIndexes(t *testing.T) {
	l := New(0, nil)
	i1 := l.Push(1, Command{Kind: Put, Key: "a"})
	i2 := l.Push(1, Command{Kind: Put, Key: "b"})
	if i1 != 1 || i2 != 2 {
		t.Fatalf("got indexes %d, %d want 1, 2", i1, i2)
	}
	if s := l.Stats(); s.LastIndex != 2 || s.LastTerm != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestAppendAfterExtendsOnMatch(t *testing.T) {
	l := New(0, nil)
	l.Push(1, Command{Kind: Put, Key: "a"})

	err := l.AppendAfter(1, 1, []Entry{
		{Index: 2, Term: 1, Command: Command{Kind: Put, Key: "b"}},
	}, 1)
	if err != nil {
		t.Fatalf("AppendAfter: %v", err)
	}
	if s := l.Stats(); s.LastIndex != 2 {
		t.Fatalf("expected lastIndex 2, got %d", s.LastIndex)
	}
}

func TestAppendAfterTruncatesConflictingSuffix(t *testing.T) {
	l := New(0, nil)
	l.Push(1, Command{Kind: Put, Key: "a"})
	l.Push(1, Command{Kind: Put, Key: "b"})
	l.Push(1, Command{Kind: Put, Key: "stale"})

	err := l.AppendAfter(2, 1, []Entry{
		{Index: 3, Term: 2, Command: Command{Kind: Put, Key: "fresh"}},
	}, 2)
	if err != nil {
		t.Fatalf("AppendAfter: %v", err)
	}

	e, ok := l.AtIndex(3)
	if !ok || e.Command.Key != "fresh" || e.Term != 2 {
		t.Fatalf("expected conflicting entry replaced, got %+v ok=%v", e, ok)
	}
}

func TestAppendAfterRejectsMissingPrev(t *testing.T) {
	l := New(0, nil)
	l.Push(1, Command{Kind: Put, Key: "a"})

	err := l.AppendAfter(5, 1, nil, 1)
	if err == nil {
		t.Fatal("expected ContinuityError, got nil")
	}
	ce, ok := err.(*ContinuityError)
	if !ok {
		t.Fatalf("expected *ContinuityError, got %T", err)
	}
	if ce.NextLogIndex == 0 {
		t.Fatalf("expected nonzero NextLogIndex hint")
	}
}

func TestAppendAfterRejectsTermMismatch(t *testing.T) {
	l := New(0, nil)
	l.Push(1, Command{Kind: Put, Key: "a"})
	l.Push(2, Command{Kind: Put, Key: "b"})

	err := l.AppendAfter(2, 1, nil, 2)
	if err == nil {
		t.Fatal("expected ContinuityError on term mismatch, got nil")
	}
}

func TestCommitAppliesRangeOnce(t *testing.T) {
	var applied []Entry
	l := New(0, func(entries []Entry) error {
		applied = append(applied, entries...)
		return nil
	})
	l.Push(1, Command{Kind: Put, Key: "a"})
	l.Push(1, Command{Kind: Put, Key: "b"})

	if err := l.Commit(2); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 applied entries, got %d", len(applied))
	}

	// Re-commit to an older index must be a no-op.
	if err := l.Commit(1); err != nil {
		t.Fatalf("Commit (no-op): %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("expected no additional apply, got %d entries", len(applied))
	}

	s := l.Stats()
	if s.CommittedIndex != 2 || s.LastAppliedIndex != 2 || s.LastAppliedTerm != 1 {
		t.Fatalf("unexpected post-commit stats %+v", s)
	}
}

func TestCompactRetainsWindowAboveLastApplied(t *testing.T) {
	l := New(2, nil)
	for i := 0; i < 5; i++ {
		l.Push(1, Command{Kind: Put, Key: "k"})
	}
	if err := l.Commit(5); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// maxRetention=2 with every entry applied: trims down to last 2.
	s := l.Stats()
	if s.FirstIndex != 4 || s.LastIndex != 5 {
		t.Fatalf("unexpected compaction window %+v", s)
	}
	if _, ok := l.AtIndex(1); ok {
		t.Fatal("expected index 1 to be compacted away")
	}
}

func TestCompactNeverDropsUnappliedEntries(t *testing.T) {
	applied := 0
	l := New(1, func(entries []Entry) error {
		applied += len(entries)
		return nil
	})
	l.Push(1, Command{Kind: Put, Key: "a"})
	l.Push(1, Command{Kind: Put, Key: "b"})
	l.Push(1, Command{Kind: Put, Key: "c"})

	if err := l.Commit(1); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	// lastAppliedIndex=1 must still be retained even though maxRetention=1
	// would otherwise trim it away given lastIndex=3.
	if _, ok := l.AtIndex(1); !ok {
		t.Fatal("expected applied entry at index 1 to remain retained")
	}
}

func TestLastIndexForTerm(t *testing.T) {
	l := New(0, nil)
	l.Push(1, Command{Kind: Put, Key: "a"})
	l.Push(1, Command{Kind: Put, Key: "b"})
	l.Push(2, Command{Kind: Put, Key: "c"})

	idx, ok := l.LastIndexForTerm(1)
	if !ok || idx != 2 {
		t.Fatalf("LastIndexForTerm(1) = %d, %v, want 2, true", idx, ok)
	}

	if _, ok := l.LastIndexForTerm(99); ok {
		t.Fatal("expected LastIndexForTerm(99) to report false")
	}
}

func TestEntriesFromReturnsSuffix(t *testing.T) {
	l := New(0, nil)
	l.Push(1, Command{Kind: Put, Key: "a"})
	l.Push(1, Command{Kind: Put, Key: "b"})
	l.Push(1, Command{Kind: Put, Key: "c"})

	got := l.EntriesFrom(2, 0)
	if len(got) != 2 || got[0].Index != 2 || got[1].Index != 3 {
		t.Fatalf("unexpected suffix %+v", got)
	}
}

func TestCommandIsLoggableExcludesReads(t *testing.T) {
	if (Command{Kind: Get}).IsLoggable() {
		t.Fatal("Get should not be loggable")
	}
	if (Command{Kind: Read}).IsLoggable() {
		t.Fatal("Read should not be loggable")
	}
	if !(Command{Kind: Put}).IsLoggable() {
		t.Fatal("Put should be loggable")
	}
}

func TestCommandIsTopology(t *testing.T) {
	if !(Command{Kind: Join}).IsTopology() {
		t.Fatal("Join should be topology")
	}
	if !(Command{Kind: Leave}).IsTopology() {
		t.Fatal("Leave should be topology")
	}
	if (Command{Kind: Put}).IsTopology() {
		t.Fatal("Put should not be topology")
	}
}
