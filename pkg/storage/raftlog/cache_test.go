// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"testing"

	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/stretchr/testify/require"
)

func newEntry(index, term uint64) eraftpb.Entry {
	return eraftpb.Entry{Index: index, Term: term}
}

func newPaddedEntry(index, term uint64, padLen int) eraftpb.Entry {
	e := newEntry(index, term)
	e.Data = make([]byte, padLen)
	return e
}

func cacheWindow(c *entryCache) []eraftpb.Entry {
	return append([]eraftpb.Entry(nil), c.cache...)
}

// accountedTotal is what the published deltas must sum to at any point: the
// container plus payload bytes of the cache, and the dangling bytes pinned by
// traced batches.
func accountedTotal(c *entryCache) int64 {
	total := c.totalMemSize()
	for i := range c.trace {
		total += int64(c.trace[i].shared.dangleSize)
	}
	return total
}

func TestEntryCacheAppendTruncatesDivergingTail(t *testing.T) {
	c := newEntryCache(NewTrackedMemoryTrace(), NewMetrics(nil))

	c.append(1, 1, []eraftpb.Entry{newEntry(3, 3), newEntry(4, 4), newEntry(5, 4), newEntry(6, 6)})
	c.append(1, 1, []eraftpb.Entry{newEntry(5, 5), newEntry(6, 5)})

	require.Equal(t, []eraftpb.Entry{newEntry(3, 3), newEntry(4, 4), newEntry(5, 5), newEntry(6, 5)}, cacheWindow(c))
}

func TestEntryCacheAppendPanicsOnHole(t *testing.T) {
	c := newEntryCache(NewTrackedMemoryTrace(), NewMetrics(nil))

	c.append(1, 1, []eraftpb.Entry{newEntry(3, 3), newEntry(4, 3)})
	require.Panics(t, func() {
		c.append(1, 1, []eraftpb.Entry{newEntry(6, 3)})
	})
}

func TestEntryCacheSizeChange(t *testing.T) {
	var total int64
	c := newEntryCacheWithHook(NewTrackedMemoryTrace(), NewMetrics(nil), func(delta int64) {
		total += delta
	})
	check := func() {
		t.Helper()
		require.Equal(t, accountedTotal(c), total)
	}

	// Empty containers carry no baseline.
	require.Zero(t, total)

	c.append(0, 0, []eraftpb.Entry{newPaddedEntry(101, 1, 1), newPaddedEntry(102, 1, 2)})
	check()

	// One overlapped entry.
	c.append(0, 0, []eraftpb.Entry{newPaddedEntry(102, 2, 3)})
	check()

	// All entries overlapped.
	c.append(0, 0, []eraftpb.Entry{newPaddedEntry(101, 3, 4), newPaddedEntry(102, 3, 5)})
	check()

	c.append(0, 0, []eraftpb.Entry{newPaddedEntry(103, 3, 6)})
	check()

	// Trace a batch fully below the window: every byte dangles.
	c.traceCachedEntries(NewCachedEntries([]eraftpb.Entry{newPaddedEntry(100, 1, 1)}))
	require.Equal(t, uint64(1), c.trace[0].shared.dangleSize)
	check()

	// Trace a batch still inside the window: nothing dangles.
	c.traceCachedEntries(NewCachedEntries([]eraftpb.Entry{newPaddedEntry(102, 3, 5)}))
	require.Equal(t, uint64(0), c.trace[1].shared.dangleSize)
	check()

	// Truncating right above the last traced batch is legal.
	c.append(0, 0, []eraftpb.Entry{newPaddedEntry(103, 4, 7)})
	check()

	// Compact one traced dangle entry and one cached entry.
	c.persisted = 101
	freed := c.compactTo(102)
	require.Equal(t, uint64(5), freed)
	check()

	// Compact the last traced batch.
	c.persisted = 102
	freed = c.compactTo(103)
	require.Equal(t, uint64(5), freed)
	check()

	// Compact everything.
	c.persisted = 103
	freed = c.compactTo(104)
	require.Equal(t, uint64(7), freed)
	require.True(t, c.isEmpty())
	check()

	c.close(NewMetrics(nil))
	require.Zero(t, total)
}

func TestEntryCacheTruncatingTracedEntriesPanics(t *testing.T) {
	c := newEntryCache(NewTrackedMemoryTrace(), NewMetrics(nil))

	c.append(1, 1, []eraftpb.Entry{newEntry(3, 3), newEntry(4, 3), newEntry(5, 3)})
	c.traceCachedEntries(NewCachedEntries([]eraftpb.Entry{newEntry(3, 3), newEntry(4, 3)}))

	// Rewriting index 4 would truncate a committed, traced entry.
	require.Panics(t, func() {
		c.append(1, 1, []eraftpb.Entry{newEntry(4, 4)})
	})
}

func TestEntryCacheEntry(t *testing.T) {
	c := newEntryCache(NewTrackedMemoryTrace(), NewMetrics(nil))
	ents := []eraftpb.Entry{newEntry(3, 3), newEntry(4, 4), newEntry(5, 4), newEntry(6, 6)}
	c.append(0, 0, ents)

	require.Nil(t, c.entry(1))
	require.Nil(t, c.entry(2))
	for i := range ents {
		require.Equal(t, &ents[i], c.entry(ents[i].Index))
	}
	// Above the window is a programming error.
	require.Panics(t, func() { c.entry(7) })
}

func TestEntryCacheCompactRespectsPersisted(t *testing.T) {
	c := newEntryCache(NewTrackedMemoryTrace(), NewMetrics(nil))
	c.append(1, 1, []eraftpb.Entry{newEntry(5, 6), newEntry(6, 7), newEntry(7, 8), newEntry(8, 7), newEntry(9, 7)})

	// Clamped to persisted+1 = 6.
	c.updatePersisted(5)
	c.compactTo(7)
	require.Equal(t, []eraftpb.Entry{newEntry(6, 7), newEntry(7, 8), newEntry(8, 7), newEntry(9, 7)}, cacheWindow(c))

	c.updatePersisted(7)
	c.compactTo(7)
	require.Equal(t, []eraftpb.Entry{newEntry(7, 8), newEntry(8, 7), newEntry(9, 7)}, cacheWindow(c))

	c.compactTo(8)
	require.Equal(t, []eraftpb.Entry{newEntry(8, 7), newEntry(9, 7)}, cacheWindow(c))

	// Clamped again: nothing above persisted may go.
	c.compactTo(9)
	require.Equal(t, []eraftpb.Entry{newEntry(8, 7), newEntry(9, 7)}, cacheWindow(c))
}

func TestEntryCacheCompactExtendsOverTracedBatches(t *testing.T) {
	c := newEntryCache(NewTrackedMemoryTrace(), NewMetrics(nil))
	var ents []eraftpb.Entry
	for idx := uint64(1); idx < 30; idx++ {
		ents = append(ents, newEntry(idx, 1))
	}
	c.append(1, 1, ents)
	c.updatePersisted(29)

	c.traceCachedEntries(NewCachedEntries(append([]eraftpb.Entry(nil), ents[0:9]...)))
	c.traceCachedEntries(NewCachedEntries(append([]eraftpb.Entry(nil), ents[9:19]...)))
	c.traceCachedEntries(NewCachedEntries(append([]eraftpb.Entry(nil), ents[19:29]...)))

	// Compacting to 15 drains the batches [1, 10) and [10, 20) and extends
	// the compaction to 20.
	c.compactTo(15)
	first, ok := c.firstIndex()
	require.True(t, ok)
	require.Equal(t, uint64(20), first)
	require.Len(t, c.trace, 1)
}

func TestEntryCacheFetchRangeHonorsByteCap(t *testing.T) {
	c := newEntryCache(NewTrackedMemoryTrace(), NewMetrics(nil))
	ents := []eraftpb.Entry{newEntry(3, 3), newEntry(4, 4), newEntry(5, 4), newEntry(6, 6)}
	c.append(0, 0, ents)

	// A zero cap still returns the first entry.
	got := c.fetchEntriesTo(3, 7, 0, 0, nil)
	require.Equal(t, ents[:1], got)

	// Bytes already fetched by the caller count against the cap.
	got = c.fetchEntriesTo(3, 7, 1, 0, nil)
	require.Empty(t, got)

	size := uint64(ents[0].Size() + ents[1].Size())
	got = c.fetchEntriesTo(3, 7, 0, size, nil)
	require.Equal(t, ents[:2], got)

	got = c.fetchEntriesTo(3, 7, 0, NoLimit, nil)
	require.Equal(t, ents, got)
}
