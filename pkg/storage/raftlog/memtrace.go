// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"go.uber.org/atomic"
)

// MemoryTrace receives the byte deltas of every entry cache mutation. Adds
// and subs over the lifetime of a cache sum to zero.
type MemoryTrace interface {
	Add(bytes uint64)
	Sub(bytes uint64)
}

// TrackedMemoryTrace is the default MemoryTrace: a plain atomic total, safe
// to read from other goroutines (e.g. a memory pressure monitor).
type TrackedMemoryTrace struct {
	usage atomic.Int64
}

func NewTrackedMemoryTrace() *TrackedMemoryTrace {
	return &TrackedMemoryTrace{}
}

func (t *TrackedMemoryTrace) Add(bytes uint64) {
	t.usage.Add(int64(bytes))
}

func (t *TrackedMemoryTrace) Sub(bytes uint64) {
	t.usage.Sub(int64(bytes))
}

// Used returns the bytes currently attributed to this trace.
func (t *TrackedMemoryTrace) Used() int64 {
	return t.usage.Load()
}

// memAccounting publishes signed byte deltas to the trace sink and the cache
// bytes gauge. onChange is a test hook observing every delta.
type memAccounting struct {
	trace    MemoryTrace
	metrics  *Metrics
	onChange func(delta int64)
}

func (a *memAccounting) publish(delta int64) {
	if a.onChange != nil {
		a.onChange(delta)
	}
	if delta >= 0 {
		a.trace.Add(uint64(delta))
	} else {
		a.trace.Sub(uint64(-delta))
	}
	a.metrics.cacheBytes.Add(float64(delta))
}
