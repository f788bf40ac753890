// Package store implements PersistentStore (spec.md §4.2): the durable
// log/meta/state keyspace backing a raftkv node.
//
// Framing is CRC32 + binary length-prefixed gob, the same scheme the
// teacher's WAL used for its single blob, generalized here to an
// append-only sequence of keyed batches so that persistNode only ever
// writes the delta (new log entries, stale entries to delete, currentTerm,
// votedFor) instead of rewriting the whole file on every call.
//
// The state/ namespace is mirrored into a kv.Backend as it replays, so
// RunReadCommand/SnapshotState/ClearState all go through that collaborator
// rather than the raw on-disk keyspace directly.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/raftkv/raftkv/internal/kv"
	"github.com/raftkv/raftkv/internal/raftlog"
)

const (
	dataFileName     = "raftkv.store"
	recordHeaderSize = 8 // 4 bytes CRC + 4 bytes length

	metaCurrentTerm    = "meta/currentTerm"
	metaVotedFor       = "meta/votedFor"
	metaPeers          = "meta/peers"
	metaCommittedIndex = "meta/committedIndex"
	logPrefix          = "log/"
	statePrefix        = "state/"
)

// batch is one atomically-applied unit of change, appended to the data
// file and replayed in order on load.
type batch struct {
	Puts    map[string][]byte
	Deletes []string
}

// NodeSnapshot is what persistNode writes atomically: the in-memory log
// entries not yet durable, the log keys to delete, and the three scalar
// meta fields (currentTerm, votedFor, committedIndex).
type NodeSnapshot struct {
	NewEntries     []raftlog.Entry
	StaleLogKeys   []string // keys to delete, computed by the caller from Log.TakeTruncated
	CurrentTerm    uint64
	VotedFor       string
	CommittedIndex uint64
}

// Future is returned by the async-facing Store methods, which return at
// once; their goroutines take persistMu in turn, so a second persist is
// written only after the first has completed.
type Future chan error

// Wait blocks for the outcome of an async persist call.
func (f Future) Wait() error { return <-f }

// Store is the durable log/meta/state keyspace described in spec.md
// §4.2/§6. It is safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	persistMu sync.Mutex // single-in-flight persist, per spec.md §5

	dir  string
	file *os.File

	kv      map[string][]byte // every log/, meta/ and state/ key, replayed from disk
	backend kv.Backend        // state/ namespace, durability mirrored via kv map above
}

// Open loads (or creates) the store rooted at dir, applying state/
// operations to backend as they replay. A nil backend defaults to an
// in-memory MemoryBackend.
func Open(dir string, backend kv.Backend) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	if backend == nil {
		backend = kv.NewMemoryBackend()
	}

	s := &Store{
		dir:     dir,
		kv:      make(map[string][]byte),
		backend: backend,
	}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("store: load: %w", err)
	}
	return s, nil
}

// load replays every batch in the data file into the in-memory keyspace.
func (s *Store) load() error {
	path := filepath.Join(s.dir, dataFileName)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("open data file: %w", err)
	}
	s.file = f

	for {
		header := make([]byte, recordHeaderSize)
		if _, err := io.ReadFull(f, header); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("read record header: %w", err)
		}
		crc := binary.LittleEndian.Uint32(header[:4])
		length := binary.LittleEndian.Uint32(header[4:8])

		data := make([]byte, length)
		if _, err := io.ReadFull(f, data); err != nil {
			return fmt.Errorf("read record body: %w", err)
		}
		if crc32.ChecksumIEEE(data) != crc {
			return fmt.Errorf("CRC mismatch in store record")
		}

		var b batch
		if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
			return fmt.Errorf("decode record: %w", err)
		}
		s.applyBatchLocked(b)
	}
}

func (s *Store) applyBatchLocked(b batch) {
	for k, v := range b.Puts {
		s.kv[k] = v
		if key, ok := strings.CutPrefix(k, statePrefix); ok {
			s.backend.Put(key, v)
		}
	}
	for _, k := range b.Deletes {
		delete(s.kv, k)
		if key, ok := strings.CutPrefix(k, statePrefix); ok {
			s.backend.Delete(key)
		}
	}
}

// appendBatch writes b to the data file and applies it in memory. Callers
// must hold persistMu.
func (s *Store) appendBatch(b batch) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b); err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	data := buf.Bytes()
	crc := crc32.ChecksumIEEE(data)

	header := make([]byte, recordHeaderSize)
	binary.LittleEndian.PutUint32(header[:4], crc)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(data)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.file.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	s.applyBatchLocked(b)
	return nil
}

// LogKey formats the log/{term_10d}:{index_10d} key spec.md §6 specifies.
func LogKey(term, index uint64) string {
	return fmt.Sprintf("%s%010d:%010d", logPrefix, term, index)
}

// ParseLogKey recovers (term, index) from a log/ keyspace key.
func ParseLogKey(key string) (term, index uint64, ok bool) {
	rest := strings.TrimPrefix(key, logPrefix)
	if rest == key {
		return 0, 0, false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	t, err1 := strconv.ParseUint(parts[0], 10, 64)
	i, err2 := strconv.ParseUint(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return t, i, true
}

// PersistNode writes the atomic batch persistNode describes: new log
// entries, deletes for StaleLogKeys, and the currentTerm/votedFor/
// committedIndex scalars. Entries dropped from memory by compaction are
// not deleted from the store. Returns a Future; only one persist may be in
// flight at a time (spec.md §5).
func (s *Store) PersistNode(snap NodeSnapshot) Future {
	fut := make(Future, 1)
	go func() {
		s.persistMu.Lock()
		defer s.persistMu.Unlock()

		puts := make(map[string][]byte, len(snap.NewEntries)+2)
		for _, e := range snap.NewEntries {
			encoded, err := encodeEntry(e)
			if err != nil {
				fut <- err
				return
			}
			puts[LogKey(e.Term, e.Index)] = encoded
		}
		termBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(termBuf, snap.CurrentTerm)
		puts[metaCurrentTerm] = termBuf
		puts[metaVotedFor] = []byte(snap.VotedFor)
		committedBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(committedBuf, snap.CommittedIndex)
		puts[metaCommittedIndex] = committedBuf

		fut <- s.appendBatch(batch{Puts: puts, Deletes: snap.StaleLogKeys})
	}()
	return fut
}

// PersistPeers writes meta/peers as a gob-encoded []string.
func (s *Store) PersistPeers(peers []string) Future {
	fut := make(Future, 1)
	go func() {
		s.persistMu.Lock()
		defer s.persistMu.Unlock()

		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(peers); err != nil {
			fut <- fmt.Errorf("encode peers: %w", err)
			return
		}
		fut <- s.appendBatch(batch{Puts: map[string][]byte{metaPeers: buf.Bytes()}})
	}()
	return fut
}

// LoadedLog replays every log/ key back into an ordered []raftlog.Entry,
// for node startup (spec.md §4.2 load()).
func (s *Store) LoadedLog() ([]raftlog.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]raftlog.Entry, 0, len(s.kv))
	for k, v := range s.kv {
		if _, _, ok := ParseLogKey(k); !ok {
			continue
		}
		e, err := decodeEntry(v)
		if err != nil {
			return nil, fmt.Errorf("decode log entry %q: %w", k, err)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries, nil
}

// CurrentTerm returns the persisted meta/currentTerm value.
func (s *Store) CurrentTerm() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[metaCurrentTerm]
	if !ok || len(v) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

// VotedFor returns the persisted meta/votedFor value.
func (s *Store) VotedFor() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.kv[metaVotedFor])
}

// CommittedIndex returns the persisted meta/committedIndex value, used to
// restore Log.Commit bookkeeping on restart (spec.md §8 restart scenario).
func (s *Store) CommittedIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.kv[metaCommittedIndex]
	if !ok || len(v) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(v)
}

// Peers returns the persisted meta/peers value.
func (s *Store) Peers() ([]string, error) {
	s.mu.RLock()
	raw, ok := s.kv[metaPeers]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	var peers []string
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&peers); err != nil {
		return nil, fmt.Errorf("decode peers: %w", err)
	}
	return peers, nil
}

// ApplyCommittedCommands partitions entries into topology vs state
// commands (spec.md §4.2). Topology commands go to onTopology; state
// commands (Put/Del, and their batch forms) are applied atomically to the
// state/ namespace.
func (s *Store) ApplyCommittedCommands(entries []raftlog.Entry, onTopology func(raftlog.Command) error) error {
	puts := make(map[string][]byte)
	var deletes []string

	for _, e := range entries {
		cmd := e.Command
		if cmd.IsTopology() {
			if onTopology != nil {
				if err := onTopology(cmd); err != nil {
					return fmt.Errorf("topology callback: %w", err)
				}
			}
			continue
		}
		switch cmd.Kind {
		case raftlog.Put:
			puts[statePrefix+cmd.Key] = cmd.Value
		case raftlog.Del:
			deletes = append(deletes, statePrefix+cmd.Key)
		case raftlog.BatchPut:
			for _, kv := range cmd.Batch {
				puts[statePrefix+kv.Key] = kv.Value
			}
		case raftlog.BatchDel:
			for _, kv := range cmd.Batch {
				deletes = append(deletes, statePrefix+kv.Key)
			}
		}
	}

	if len(puts) == 0 && len(deletes) == 0 {
		return nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	return s.appendBatch(batch{Puts: puts, Deletes: deletes})
}

// RunReadCommand serves Get(k) from the state namespace. Callers must
// have already crossed the read-consensus barrier (spec.md §4.2).
func (s *Store) RunReadCommand(cmd raftlog.Command) ([]byte, bool) {
	if cmd.Kind != raftlog.Get && cmd.Kind != raftlog.Read {
		return nil, false
	}
	return s.backend.Get(cmd.Key)
}

// StateEntry is one key/value pair streamed by SnapshotState.
type StateEntry struct {
	Key   string
	Value []byte
}

// SnapshotState returns every key in the state/ namespace via the backend,
// for chunked streaming by PeerReplicator's InstallSnapshot loop.
func (s *Store) SnapshotState() []StateEntry {
	entries := s.backend.Snapshot()
	out := make([]StateEntry, len(entries))
	for i, e := range entries {
		out[i] = StateEntry{Key: e.Key, Value: e.Value}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ClearState drops every key in the state/ namespace, both on disk and in
// the backend, used when an inbound InstallSnapshot begins at offset 0
// (spec.md §4.5).
func (s *Store) ClearState() error {
	s.mu.RLock()
	var deletes []string
	for k := range s.kv {
		if strings.HasPrefix(k, statePrefix) {
			deletes = append(deletes, k)
		}
	}
	s.mu.RUnlock()

	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if len(deletes) > 0 {
		if err := s.appendBatch(batch{Deletes: deletes}); err != nil {
			return err
		}
	}
	s.backend.Clear()
	return nil
}

// NewChunkToken mints a unique identifier for a snapshot chunk sequence,
// used to correlate chunk RPCs belonging to the same InstallSnapshot run.
func NewChunkToken() string {
	return uuid.NewString()
}

// Close releases the underlying file handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

func encodeEntry(e raftlog.Entry) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeEntry(data []byte) (raftlog.Entry, error) {
	var e raftlog.Entry
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&e); err != nil {
		return raftlog.Entry{}, err
	}
	return e, nil
}
