// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"fmt"
	"math"
	"sync"
	"unsafe"

	"github.com/pingcap/kvproto/pkg/eraftpb"
)

// shrinkCacheCapacity is the slot count below which the cache and trace
// containers are shrunk back after having grown past it.
const shrinkCacheCapacity = 64

var (
	entrySlotSize = int64(unsafe.Sizeof(eraftpb.Entry{}))
	traceSlotSize = int64(unsafe.Sizeof(CachedEntries{}))
)

// IndexRange is a half-open run of log indexes [Start, End).
type IndexRange struct {
	Start, End uint64
}

// CachedEntries is a committed run of entries handed to the apply pipeline.
// The entries and their dangle size (bytes of entries no longer held by the
// cache window) are shared between the apply side and the cache; whichever
// side consumes them first takes them, the other side sees an empty batch.
type CachedEntries struct {
	Range IndexRange

	shared *sharedEntries
}

type sharedEntries struct {
	mu         sync.Mutex
	entries    []eraftpb.Entry
	dangleSize uint64
}

func NewCachedEntries(entries []eraftpb.Entry) CachedEntries {
	if len(entries) == 0 {
		panic("cached entries must not be empty")
	}
	return CachedEntries{
		Range: IndexRange{
			Start: entries[0].Index,
			End:   entries[len(entries)-1].Index + 1,
		},
		shared: &sharedEntries{entries: entries},
	}
}

// TakeEntries takes the entries and the dangle size accounted for them.
// Entries can be taken exactly once; later calls observe an empty batch.
func (c CachedEntries) TakeEntries() ([]eraftpb.Entry, uint64) {
	c.shared.mu.Lock()
	defer c.shared.mu.Unlock()
	entries, dangle := c.shared.entries, c.shared.dangleSize
	c.shared.entries, c.shared.dangleSize = nil, 0
	return entries, dangle
}

// entryCache holds a contiguous suffix of the raft log. Entries below the
// window that have already been dispatched to the apply pipeline are kept
// alive by the trace queue and accounted as dangling bytes until compacted.
type entryCache struct {
	// persisted is the highest index durably written to the engine. Entries
	// above it must stay in the cache because the driver may still read them.
	persisted uint64
	cache     []eraftpb.Entry
	trace     []CachedEntries

	hit, miss uint64

	acct memAccounting
}

func newEntryCache(trace MemoryTrace, metrics *Metrics) *entryCache {
	return newEntryCacheWithHook(trace, metrics, nil)
}

func newEntryCacheWithHook(trace MemoryTrace, metrics *Metrics, onChange func(int64)) *entryCache {
	c := &entryCache{
		acct: memAccounting{trace: trace, metrics: metrics, onChange: onChange},
	}
	c.acct.publish(c.totalMemSize())
	return c
}

// close publishes the negation of the current total so that cumulative gauge
// movement over the cache lifetime sums to zero.
func (c *entryCache) close(metrics *Metrics) {
	c.acct.publish(-c.totalMemSize())
	c.flushStats(metrics)
}

func (c *entryCache) firstIndex() (uint64, bool) {
	if len(c.cache) == 0 {
		return 0, false
	}
	return c.cache[0].Index, true
}

func (c *entryCache) isEmpty() bool {
	return len(c.cache) == 0
}

func (c *entryCache) length() int {
	return len(c.cache)
}

// entry returns the cached entry at idx, or nil if idx is below the window.
// Indexes above the window are a programming error.
func (c *entryCache) entry(idx uint64) *eraftpb.Entry {
	first, ok := c.firstIndex()
	if !ok || idx < first {
		return nil
	}
	return &c.cache[idx-first]
}

func (c *entryCache) append(regionID, peerID uint64, entries []eraftpb.Entry) {
	if len(entries) == 0 {
		return
	}
	var memSizeChange int64
	oldCapacity := cap(c.cache)
	memSizeChange += c.appendImpl(regionID, peerID, entries)
	memSizeChange += cacheSlotsMemSizeChange(cap(c.cache), oldCapacity)
	memSizeChange += c.shrinkIfNecessary()
	c.acct.publish(memSizeChange)
}

func (c *entryCache) appendImpl(regionID, peerID uint64, entries []eraftpb.Entry) int64 {
	var memSizeChange int64

	if last := len(c.cache); last > 0 {
		cacheLastIndex := c.cache[last-1].Index
		firstIndex := entries[0].Index
		if cacheLastIndex >= firstIndex {
			// The incoming run overlaps the uncommitted tail; drop the
			// conflicting suffix of the window.
			truncateTo := 0
			if overlap := int(cacheLastIndex - firstIndex + 1); overlap < last {
				truncateTo = last - overlap
			}
			truncToIdx := c.cache[truncateTo].Index
			for i := truncateTo; i < last; i++ {
				memSizeChange -= entryBytesCost(&c.cache[i])
				c.cache[i] = eraftpb.Entry{}
			}
			c.cache = c.cache[:truncateTo]
			if n := len(c.trace); n > 0 {
				// Only committed entries can be traced, and only uncommitted
				// entries can be truncated, so the two never overlap.
				cachedLast := c.trace[n-1].Range.End - 1
				if cachedLast >= truncToIdx {
					panic(fmt.Sprintf("[region %d] %d truncating traced entry: %d >= %d", regionID, peerID, cachedLast, truncToIdx))
				}
			}
		} else if cacheLastIndex+1 < firstIndex {
			panic(fmt.Sprintf("[region %d] %d unexpected hole: %d < %d", regionID, peerID, cacheLastIndex, firstIndex))
		}
	}

	for i := range entries {
		c.cache = append(c.cache, entries[i])
		memSizeChange += entryBytesCost(&entries[i])
	}
	// Entries must stay in the cache until persisted to the engine; the
	// driver may still need to read them (e.g. the leader replicating to
	// followers), so there is no size-based truncation here.

	return memSizeChange
}

// fetchEntriesTo appends cache entries from [begin, end) to buf, honoring the
// byte cap: the first entry counted against the whole request is always
// included, later entries only while the running total stays within maxSize.
// fetchedSize carries bytes already accumulated by the caller for the same
// request.
func (c *entryCache) fetchEntriesTo(begin, end, fetchedSize, maxSize uint64, buf []eraftpb.Entry) []eraftpb.Entry {
	if begin >= end {
		return buf
	}
	if len(c.cache) == 0 {
		panic("fetching a range from an empty entry cache")
	}
	cacheLow := c.cache[0].Index
	startIdx := int(begin - cacheLow)
	limitIdx := int(end - cacheLow)

	endIdx := startIdx
	for i := startIdx; i < limitIdx; i++ {
		e := &c.cache[i]
		if got := cacheLow + uint64(i); e.Index != got {
			panic(fmt.Sprintf("entry cache is not contiguous: %d != %d", e.Index, got))
		}
		m := uint64(e.Size())
		fetchedSize += m
		if fetchedSize == m {
			// The first counted entry is always returned.
			endIdx++
			if fetchedSize > maxSize {
				break
			}
		} else if fetchedSize <= maxSize {
			endIdx++
		} else {
			break
		}
	}
	return append(buf, c.cache[startIdx:endIdx]...)
}

// compactTo drops entries below idx from the window and drains traced batches
// the apply side has consumed up to there. idx is clamped so that no entry
// above the persisted mark is removed. Returns the number of bytes freed.
func (c *entryCache) compactTo(idx uint64) uint64 {
	if idx > c.persisted+1 {
		idx = c.persisted + 1
	}

	var memSizeChange int64

	// Drop traced batches already covered by the compaction, extending idx
	// over any batch the apply side has fully consumed. For example, with
	// batches [1, 10), [10, 20), [20, 30) traced and compactTo(15), only
	// [20, 30) stays.
	oldTraceCapacity := cap(c.trace)
	popped := 0
	for popped < len(c.trace) {
		batch := c.trace[popped]
		if batch.Range.Start >= idx {
			break
		}
		_, dangleSize := batch.TakeEntries()
		memSizeChange -= int64(dangleSize)
		if batch.Range.End > idx {
			idx = batch.Range.End
		}
		popped++
	}
	if popped > 0 {
		n := copy(c.trace, c.trace[popped:])
		for i := n; i < len(c.trace); i++ {
			c.trace[i] = CachedEntries{}
		}
		c.trace = c.trace[:n]
	}
	if len(c.trace) < shrinkCacheCapacity && cap(c.trace) > shrinkCacheCapacity {
		shrunk := make([]CachedEntries, len(c.trace), shrinkCacheCapacity)
		copy(shrunk, c.trace)
		c.trace = shrunk
	}
	memSizeChange += traceSlotsMemSizeChange(cap(c.trace), oldTraceCapacity)

	cacheFirstIdx := uint64(math.MaxUint64)
	if first, ok := c.firstIndex(); ok {
		cacheFirstIdx = first
	}
	if cacheFirstIdx >= idx {
		c.acct.publish(memSizeChange)
		return uint64(-memSizeChange)
	}

	cacheLastIdx := c.cache[len(c.cache)-1].Index
	// Use cacheLastIdx+1 so the window can be cleared completely.
	compactTo := int(min(cacheLastIdx+1, idx) - cacheFirstIdx)
	oldCacheCapacity := cap(c.cache)
	for i := 0; i < compactTo; i++ {
		memSizeChange -= entryBytesCost(&c.cache[i])
	}
	n := copy(c.cache, c.cache[compactTo:])
	for i := n; i < len(c.cache); i++ {
		c.cache[i] = eraftpb.Entry{}
	}
	c.cache = c.cache[:n]
	memSizeChange += cacheSlotsMemSizeChange(cap(c.cache), oldCacheCapacity)

	memSizeChange += c.shrinkIfNecessary()
	c.acct.publish(memSizeChange)
	return uint64(-memSizeChange)
}

// traceCachedEntries records a committed batch handed to the apply pipeline.
// Bytes of batch entries already gone from the window dangle on the batch and
// are accounted here until compactTo passes the batch end.
func (c *entryCache) traceCachedEntries(batch CachedEntries) {
	batch.shared.mu.Lock()
	entries := batch.shared.entries
	last := entries[len(entries)-1].Index
	first := entries[0].Index
	cacheFront := uint64(math.MaxUint64)
	if f, ok := c.firstIndex(); ok {
		cacheFront = f
	}

	dangleTo := 0
	switch {
	case last < cacheFront:
		dangleTo = len(entries)
	case first < cacheFront:
		dangleTo = int(cacheFront - first)
	}
	var dangleSize uint64
	for i := 0; i < dangleTo; i++ {
		dangleSize += uint64(entryBytesCost(&entries[i]))
	}
	batch.shared.dangleSize = dangleSize
	batch.shared.mu.Unlock()

	if n := len(c.trace); n > 0 && c.trace[n-1].Range.Start >= batch.Range.Start {
		panic(fmt.Sprintf("traced batches out of order: %d >= %d", c.trace[n-1].Range.Start, batch.Range.Start))
	}
	oldCapacity := cap(c.trace)
	c.trace = append(c.trace, batch)
	c.acct.publish(traceSlotsMemSizeChange(cap(c.trace), oldCapacity) + int64(dangleSize))
}

func (c *entryCache) shrinkIfNecessary() int64 {
	if len(c.cache) < shrinkCacheCapacity && cap(c.cache) > shrinkCacheCapacity {
		oldCapacity := cap(c.cache)
		shrunk := make([]eraftpb.Entry, len(c.cache))
		copy(shrunk, c.cache)
		c.cache = shrunk
		return cacheSlotsMemSizeChange(cap(c.cache), oldCapacity)
	}
	return 0
}

func (c *entryCache) updatePersisted(persisted uint64) {
	c.persisted = persisted
}

func (c *entryCache) totalMemSize() int64 {
	var dataSize int64
	for i := range c.cache {
		dataSize += entryBytesCost(&c.cache[i])
	}
	return dataSize + cacheSlotsMemSizeChange(cap(c.cache), 0) + traceSlotsMemSizeChange(cap(c.trace), 0)
}

func (c *entryCache) flushStats(metrics *Metrics) {
	metrics.entryFetches.WithLabelValues("hit").Add(float64(c.hit))
	metrics.entryFetches.WithLabelValues("miss").Add(float64(c.miss))
	c.hit, c.miss = 0, 0
}

func cacheSlotsMemSizeChange(newCapacity, oldCapacity int) int64 {
	return entrySlotSize * int64(newCapacity-oldCapacity)
}

func traceSlotsMemSizeChange(newCapacity, oldCapacity int) int64 {
	return traceSlotSize * int64(newCapacity-oldCapacity)
}
