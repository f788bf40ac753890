package raft

import "time"

// Config is the closed configuration record spec.md §6/§9 calls for in
// place of the teacher's ad-hoc option fields: every tunable has a
// documented default and nothing is read from globals.
type Config struct {
	RPCTimeout               time.Duration
	AppendEntriesInterval    time.Duration
	HeartbeatTimeoutMin      time.Duration
	HeartbeatTimeoutMax      time.Duration
	InstallSnapshotChunkSize int
	BatchEntriesLimit        int
	ClientRetryRPCTimeout    time.Duration
	ClientMaxRetries         int
	WaitBeforeLeave          time.Duration
	MaxLogRetention          uint64
	MaxPending               int
}

// DefaultConfig returns the configuration defaults enumerated in spec.md
// §6.
func DefaultConfig() Config {
	return Config{
		RPCTimeout:               2000 * time.Millisecond,
		AppendEntriesInterval:    100 * time.Millisecond,
		HeartbeatTimeoutMin:      300 * time.Millisecond,
		HeartbeatTimeoutMax:      600 * time.Millisecond,
		InstallSnapshotChunkSize: 10,
		BatchEntriesLimit:        10,
		ClientRetryRPCTimeout:    200 * time.Millisecond,
		ClientMaxRetries:         10,
		WaitBeforeLeave:          4000 * time.Millisecond,
		MaxLogRetention:          100,
		MaxPending:               256,
	}
}

// candidateElectionTimeoutMin/Max are the separate re-election spacing
// range spec.md §4.3 calls out for Candidate -> Candidate, distinct from
// the follower heartbeat timeout range.
const (
	candidateElectionTimeoutMin = 500 * time.Millisecond
	candidateElectionTimeoutMax = 1000 * time.Millisecond
)
