// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"sync"

	"github.com/pingcap/kvproto/pkg/eraftpb"
)

// MemoryEngine is a LogEngine keeping every region's log in memory. It backs
// tests and single-node setups that don't need durability.
type MemoryEngine struct {
	mu      sync.RWMutex
	regions map[uint64][]eraftpb.Entry
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{regions: map[uint64][]eraftpb.Entry{}}
}

func (m *MemoryEngine) FetchEntriesTo(regionID, low, high, maxSize uint64, to []eraftpb.Entry) ([]eraftpb.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.regions[regionID]
	if len(log) == 0 {
		return to, ErrUnavailable
	}
	first, last := log[0].Index, log[len(log)-1].Index
	if low < first {
		return to, ErrCompacted
	}
	if high > last+1 {
		return to, ErrUnavailable
	}

	var fetchedSize uint64
	for idx := low; idx < high; idx++ {
		e := &log[idx-first]
		size := uint64(e.Size())
		if fetchedSize+size > maxSize && fetchedSize > 0 {
			break
		}
		fetchedSize += size
		to = append(to, *e)
	}
	return to, nil
}

func (m *MemoryEngine) GetEntry(regionID, idx uint64) (*eraftpb.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	log := m.regions[regionID]
	if len(log) == 0 {
		return nil, nil
	}
	first := log[0].Index
	if idx < first || idx > log[len(log)-1].Index {
		return nil, nil
	}
	e := log[idx-first]
	return &e, nil
}

// ApplyWriteTask persists the entries staged by EntryStorage.Append,
// overwriting any diverging suffix and honoring the cut-logs directive.
func (m *MemoryEngine) ApplyWriteTask(regionID uint64, task *WriteTask) {
	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.regions[regionID]
	for i := range task.Entries {
		e := task.Entries[i]
		if n := len(log); n > 0 && log[n-1].Index >= e.Index {
			if e.Index <= log[0].Index {
				log = log[:0]
			} else {
				log = log[:e.Index-log[0].Index]
			}
		}
		log = append(log, e)
	}
	if cut := task.CutLogs; cut != nil && len(log) > 0 {
		first := log[0].Index
		if cut.From >= first && cut.From <= log[len(log)-1].Index {
			log = log[:cut.From-first]
		}
	}
	m.regions[regionID] = log
}
