// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"fmt"
	"math"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pingcap/kvproto/pkg/raft_serverpb"
	"github.com/pkg/errors"
)

// EntryStorage mediates all reads of one peer's raft log between the
// consensus driver and the durable engine: an in-memory cache for the hot
// suffix, a background fetch path for cold ranges, and the append path that
// stages new entries into durable write tasks.
//
// It is owned by a single peer driver and mutated from one scheduling unit
// at a time; the fetch worker never touches it directly and only delivers
// results the driver applies via UpdateAsyncFetchRes.
type EntryStorage struct {
	cfg      Config
	regionID uint64
	peerID   uint64

	engine    LogEngine
	cache     *entryCache
	scheduler FetchScheduler

	raftState   raft_serverpb.RaftLocalState
	applyState  raft_serverpb.RaftApplyState
	lastTerm    uint64
	appliedTerm uint64

	fetchStats        asyncFetchStats
	asyncFetchResults map[uint64]fetchSlot

	logger   log.Logger
	metrics  *Metrics
	memTrace MemoryTrace
}

func NewEntryStorage(
	cfg Config,
	regionID, peerID uint64,
	engine LogEngine,
	raftState raft_serverpb.RaftLocalState,
	applyState raft_serverpb.RaftApplyState,
	lastTerm, appliedTerm uint64,
	scheduler FetchScheduler,
	memTrace MemoryTrace,
	metrics *Metrics,
	logger log.Logger,
) *EntryStorage {
	if raftState.HardState == nil {
		raftState.HardState = &eraftpb.HardState{}
	}
	if applyState.TruncatedState == nil {
		applyState.TruncatedState = &raft_serverpb.RaftTruncatedState{}
	}
	return &EntryStorage{
		cfg:               cfg,
		regionID:          regionID,
		peerID:            peerID,
		engine:            engine,
		cache:             newEntryCache(memTrace, metrics),
		scheduler:         scheduler,
		raftState:         raftState,
		applyState:        applyState,
		lastTerm:          lastTerm,
		appliedTerm:       appliedTerm,
		asyncFetchResults: map[uint64]fetchSlot{},
		logger:            logger,
		metrics:           metrics,
		memTrace:          memTrace,
	}
}

func (s *EntryStorage) checkRange(low, high uint64) error {
	if low > high {
		return errors.Errorf("low: %d is greater than high: %d", low, high)
	}
	if low <= s.TruncatedIndex() {
		return ErrCompacted
	}
	if high > s.LastIndex()+1 {
		return errors.Errorf("entries' high %d is out of bound lastindex %d", high, s.LastIndex())
	}
	return nil
}

// Entries returns entries [low, high) capped at maxSize bytes. Ranges below
// the cache window are fetched from the engine, asynchronously when the
// context allows it; in that case ErrLogTemporarilyUnavailable tells the
// caller to retry once the fetch worker has delivered.
func (s *EntryStorage) Entries(low, high, maxSize uint64, context FetchContext) ([]eraftpb.Entry, error) {
	if err := s.checkRange(low, high); err != nil {
		return nil, err
	}
	ents := make([]eraftpb.Entry, 0, min(high-low, maxInitEntryCount))
	if low == high {
		return ents, nil
	}

	cacheLow := uint64(math.MaxUint64)
	if first, ok := s.cache.firstIndex(); ok {
		cacheLow = first
	}
	if high <= cacheLow {
		// The whole range is below the cache window.
		s.cache.miss++
		if context.CanAsync {
			return s.asyncFetch(s.regionID, low, high, maxSize, context, ents)
		}
		s.fetchStats.syncFetch++
		return s.engine.FetchEntriesTo(s.regionID, low, high, maxSize, ents)
	}

	beginIdx := low
	if low < cacheLow {
		// Split: engine serves [low, cacheLow), the cache the rest.
		s.cache.miss++
		var err error
		if context.CanAsync {
			ents, err = s.asyncFetch(s.regionID, low, cacheLow, maxSize, context, ents)
		} else {
			s.fetchStats.syncFetch++
			ents, err = s.engine.FetchEntriesTo(s.regionID, low, cacheLow, maxSize, ents)
		}
		if err != nil {
			return nil, err
		}
		if uint64(len(ents)) < cacheLow-low {
			// The engine stopped short under the byte cap; the budget is
			// spent, don't touch the cache.
			return ents, nil
		}
		beginIdx = cacheLow
	}

	s.cache.hit++
	fetchedSize := entriesSerializedSize(ents)
	return s.cache.fetchEntriesTo(beginIdx, high, fetchedSize, maxSize, ents), nil
}

// Term returns the term of the entry at idx.
func (s *EntryStorage) Term(idx uint64) (uint64, error) {
	if idx == s.TruncatedIndex() {
		return s.TruncatedTerm(), nil
	}
	if err := s.checkRange(idx, idx+1); err != nil {
		return 0, err
	}
	if s.TruncatedTerm() == s.lastTerm || idx == s.LastIndex() {
		// The log hasn't rolled terms since truncation, or idx is the tail.
		return s.lastTerm, nil
	}
	if e := s.cache.entry(idx); e != nil {
		return e.Term, nil
	}
	ent, err := s.engine.GetEntry(s.regionID, idx)
	if err != nil {
		return 0, err
	}
	if ent == nil {
		return 0, ErrUnavailable
	}
	return ent.Term, nil
}

// Append installs entries in the cache, truncating any diverging uncommitted
// tail, and stages them into task for the durable engine, together with the
// directive to delete entries a previous leader staged beyond the new tail.
func (s *EntryStorage) Append(entries []eraftpb.Entry, task *WriteTask) {
	if len(entries) == 0 {
		return
	}
	level.Debug(s.logger).Log(
		"msg", "append entries",
		"region_id", s.regionID,
		"peer_id", s.peerID,
		"count", len(entries),
	)
	prevLastIndex := s.raftState.GetLastIndex()
	last := &entries[len(entries)-1]
	lastIndex, lastTerm := last.Index, last.Term

	s.cache.append(s.regionID, s.peerID, entries)

	task.Entries = entries
	// Delete any previously appended log entries which never committed.
	task.CutLogs = &CutRange{From: lastIndex + 1, To: prevLastIndex + 1}

	s.raftState.LastIndex = lastIndex
	s.lastTerm = lastTerm
}

// CompactEntryCache drops cached entries below idx, as far as the persisted
// mark allows.
func (s *EntryStorage) CompactEntryCache(idx uint64) {
	s.cache.compactTo(idx)
}

func (s *EntryStorage) IsEntryCacheEmpty() bool {
	return s.cache.isEmpty()
}

// EntryCacheLen returns the number of entries currently held by the cache.
func (s *EntryStorage) EntryCacheLen() int {
	return s.cache.length()
}

// EvictEntryCache frees memory under pressure by compacting half of the
// window, or all but the last entry.
func (s *EntryStorage) EvictEntryCache(half bool) {
	if s.cache.isEmpty() {
		return
	}
	cacheLen := s.cache.length()
	var chosen uint64
	if half {
		chosen = s.cache.cache[cacheLen/2].Index
	} else {
		chosen = s.cache.cache[cacheLen-1].Index - 1
	}
	freed := s.cache.compactTo(chosen + 1)
	s.metrics.evictedBytes.Add(float64(freed))
}

// TraceCachedEntries records a committed batch dispatched to the apply
// pipeline, so bytes it keeps alive outside the cache window stay accounted.
func (s *EntryStorage) TraceCachedEntries(batch CachedEntries) {
	s.cache.traceCachedEntries(batch)
}

// UpdateCachePersisted advances the highest durably written index.
func (s *EntryStorage) UpdateCachePersisted(persisted uint64) {
	s.cache.updatePersisted(persisted)
}

// FlushEntryCacheMetrics publishes the locally accumulated fetch counters.
// Memory usage of the entry cache is published in real time.
func (s *EntryStorage) FlushEntryCacheMetrics() {
	s.cache.flushStats(s.metrics)
	s.fetchStats.flush(s.metrics)
}

// Clear replaces the cache wholesale, e.g. after restoring a snapshot. The
// old cache publishes the negation of its total so the gauge conserves.
func (s *EntryStorage) Clear() {
	s.cache.close(s.metrics)
	s.cache = newEntryCache(s.memTrace, s.metrics)
}

// Close releases the cache's accounted memory.
func (s *EntryStorage) Close() {
	s.cache.close(s.metrics)
}

func (s *EntryStorage) Engine() LogEngine {
	return s.engine
}

// FirstIndex returns the first log index available from this peer.
func (s *EntryStorage) FirstIndex() uint64 {
	return s.TruncatedIndex() + 1
}

func (s *EntryStorage) LastIndex() uint64 {
	return s.raftState.GetLastIndex()
}

func (s *EntryStorage) LastTerm() uint64 {
	return s.lastTerm
}

func (s *EntryStorage) SetLastTerm(term uint64) {
	s.lastTerm = term
}

func (s *EntryStorage) AppliedTerm() uint64 {
	return s.appliedTerm
}

func (s *EntryStorage) SetAppliedTerm(term uint64) {
	s.appliedTerm = term
}

func (s *EntryStorage) RaftState() *raft_serverpb.RaftLocalState {
	return &s.raftState
}

func (s *EntryStorage) ApplyState() *raft_serverpb.RaftApplyState {
	return &s.applyState
}

func (s *EntryStorage) SetApplyState(state raft_serverpb.RaftApplyState) {
	if state.TruncatedState == nil {
		state.TruncatedState = &raft_serverpb.RaftTruncatedState{}
	}
	s.applyState = state
}

func (s *EntryStorage) AppliedIndex() uint64 {
	return s.applyState.GetAppliedIndex()
}

func (s *EntryStorage) SetAppliedIndex(idx uint64) {
	s.applyState.AppliedIndex = idx
}

func (s *EntryStorage) CommitIndex() uint64 {
	return s.raftState.GetHardState().GetCommit()
}

func (s *EntryStorage) SetCommitIndex(commit uint64) {
	if commit < s.CommitIndex() {
		panic(fmt.Sprintf("[region %d] %d commit index regressed: %d < %d", s.regionID, s.peerID, commit, s.CommitIndex()))
	}
	s.raftState.HardState.Commit = commit
}

func (s *EntryStorage) HardState() *eraftpb.HardState {
	return s.raftState.GetHardState()
}

func (s *EntryStorage) TruncatedIndex() uint64 {
	return s.applyState.GetTruncatedState().GetIndex()
}

func (s *EntryStorage) TruncatedTerm() uint64 {
	return s.applyState.GetTruncatedState().GetTerm()
}

func (s *EntryStorage) RegionID() uint64 {
	return s.regionID
}

func (s *EntryStorage) PeerID() uint64 {
	return s.peerID
}
