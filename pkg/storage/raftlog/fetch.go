// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"github.com/go-kit/log/level"
	"github.com/pingcap/kvproto/pkg/eraftpb"
)

// maxAsyncFetchTryCnt bounds the async attempts per request low bound before
// falling back to a synchronous engine read.
const maxAsyncFetchTryCnt = 3

// FetchContext travels with a range read and back with the worker's result.
type FetchContext struct {
	// CanAsync reports whether the caller can retry the read later, i.e.
	// whether it tolerates ErrLogTemporarilyUnavailable.
	CanAsync bool
}

// FetchTask is a background range read the storage schedules on the fetch
// worker.
type FetchTask struct {
	RegionID uint64
	Context  FetchContext
	Low      uint64
	High     uint64
	MaxSize  uint64
	TriedCnt int
	// Term is the hard state term at the time the task was issued.
	Term uint64
}

// FetchScheduler is the contract the storage expects of the fetch worker.
// Scheduling is infallible from the caller's perspective; the worker is free
// to batch and reorder across peers but preserves per-low identity.
type FetchScheduler interface {
	Schedule(task FetchTask)
}

// FetchResult is what the worker delivers back to the driver, which applies
// it with EntryStorage.UpdateAsyncFetchRes.
type FetchResult struct {
	Ents []eraftpb.Entry
	Err  error

	// Low is the low bound the task was issued with; Ents may not start
	// there only when Err is set.
	Low uint64
	// MaxSize is the byte cap the task was issued with.
	MaxSize uint64
	// HitSizeLimit reports that the engine stopped short because of MaxSize.
	HitSizeLimit bool
	TriedCnt     int
	Term         uint64
}

// fetchSlot is the per-low record of a pending or completed background
// fetch. res is nil while the task is still in flight.
type fetchSlot struct {
	res *FetchResult
}

type asyncFetchStats struct {
	asyncFetch    uint64
	syncFetch     uint64
	fallbackFetch uint64
	fetchInvalid  uint64
	fetchUnused   uint64
}

func (s *asyncFetchStats) flush(metrics *Metrics) {
	metrics.entryFetches.WithLabelValues("async").Add(float64(s.asyncFetch))
	metrics.entryFetches.WithLabelValues("sync").Add(float64(s.syncFetch))
	metrics.entryFetches.WithLabelValues("fallback").Add(float64(s.fallbackFetch))
	metrics.entryFetches.WithLabelValues("invalid").Add(float64(s.fetchInvalid))
	metrics.entryFetches.WithLabelValues("unused").Add(float64(s.fetchUnused))
	*s = asyncFetchStats{}
}

// CleanAsyncFetchRes drops the fetch slot for low unconditionally. Used when
// the caller knows the request shape has changed.
func (s *EntryStorage) CleanAsyncFetchRes(low uint64) {
	delete(s.asyncFetchResults, low)
}

// UpdateAsyncFetchRes applies a worker result for low. A nil res clears a
// completed slot; a still-pending slot is left alone so an outstanding task
// is never forgotten.
func (s *EntryStorage) UpdateAsyncFetchRes(low uint64, res *FetchResult) {
	if slot, ok := s.asyncFetchResults[low]; ok && slot.res == nil && res == nil {
		return
	}

	if res != nil {
		if prev, ok := s.asyncFetchResults[low]; ok && prev.res != nil {
			level.Info(s.logger).Log(
				"msg", "unconsumed async fetch result",
				"region_id", s.regionID,
				"peer_id", s.peerID,
				"low", low,
				"prev_low", prev.res.Low,
				"prev_tried_cnt", prev.res.TriedCnt,
			)
		}
		s.asyncFetchResults[low] = fetchSlot{res: res}
		return
	}
	if _, ok := s.asyncFetchResults[low]; ok {
		delete(s.asyncFetchResults, low)
		s.fetchStats.fetchUnused++
	}
}

// asyncFetch serves [low, high) from a previously delivered worker result
// when possible, otherwise schedules a background fetch. The
// maxAsyncFetchTryCnt-th try for the same low reads the engine synchronously
// instead of scheduling another task. Returns the entries appended to buf.
func (s *EntryStorage) asyncFetch(regionID, low, high, maxSize uint64, context FetchContext, buf []eraftpb.Entry) ([]eraftpb.Entry, error) {
	slot, ok := s.asyncFetchResults[low]
	if ok && slot.res == nil {
		// Already an async fetch in flight.
		return buf, ErrLogTemporarilyUnavailable
	}

	triedCnt := 1
	if ok {
		delete(s.asyncFetchResults, low)
		res := slot.res
		if res.Err != nil {
			return buf, res.Err
		}
		if len(res.Ents) > 0 {
			ents := res.Ents
			first := ents[0].Index
			if first != res.Low {
				panic("async fetch result does not start at its own low bound")
			}
			last := ents[len(ents)-1].Index

			switch {
			case last+1 >= high:
				// The result covers [low, high).
				ents = ents[:high-first]
				if maxSize < res.MaxSize {
					ents = limitEntrySize(ents, maxSize)
				}
				return append(buf, ents...), nil

			case res.HitSizeLimit && maxSize <= res.MaxSize:
				// The result stops short of high only because of the byte
				// cap, and the current cap is no looser.
				if maxSize < res.MaxSize {
					ents = limitEntrySize(ents, maxSize)
				}
				return append(buf, ents...), nil

			case last+s.cfg.MultiGetCount > high-1 && res.TriedCnt+1 == maxAsyncFetchTryCnt:
				// The gap is small and the async budget is spent; stitch the
				// tail synchronously, one entry at a time.
				fetchedSize := entriesSerializedSize(ents)
				if maxSize <= fetchedSize {
					ents = limitEntrySize(ents, maxSize)
					return append(buf, ents...), nil
				}
				for idx := last + 1; idx < high; idx++ {
					ent, err := s.engine.GetEntry(regionID, idx)
					if err != nil {
						return buf, err
					}
					if ent == nil {
						return buf, ErrUnavailable
					}
					size := uint64(ent.Size())
					if fetchedSize+size > maxSize {
						break
					}
					fetchedSize += size
					ents = append(ents, *ent)
				}
				return append(buf, ents...), nil
			}

			level.Info(s.logger).Log(
				"msg", "async fetch invalid",
				"region_id", s.regionID,
				"peer_id", s.peerID,
				"first", first,
				"last", last,
				"low", low,
				"high", high,
				"max_size", maxSize,
				"res_max_size", res.MaxSize,
			)
		}
		// The high bound or byte cap grew past what the result covers, or the
		// result was empty; it no longer fits the current range, refetch.
		s.fetchStats.fetchInvalid++
		triedCnt = res.TriedCnt + 1
	}

	if triedCnt >= maxAsyncFetchTryCnt {
		// Even the retried range came back unusable; fall back to a
		// synchronous engine read.
		s.fetchStats.fallbackFetch++
		return s.engine.FetchEntriesTo(regionID, low, high, maxSize, buf)
	}

	s.fetchStats.asyncFetch++
	s.asyncFetchResults[low] = fetchSlot{}
	s.scheduler.Schedule(FetchTask{
		RegionID: regionID,
		Context:  context,
		Low:      low,
		High:     high,
		MaxSize:  maxSize,
		TriedCnt: triedCnt,
		Term:     s.HardState().GetTerm(),
	})
	return buf, ErrLogTemporarilyUnavailable
}
