// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"github.com/pingcap/kvproto/pkg/eraftpb"
)

// LogEngine is the durable engine the entry storage reads from. Writes go
// through WriteTask and are applied by the engine-specific owner of the
// write path.
type LogEngine interface {
	// FetchEntriesTo appends entries [low, high) of the region's log to
	// `to`, capped by maxSize bytes. The first entry is always included;
	// short reads under the byte cap are legal. Pass NoLimit to disable the
	// cap. The grown slice is returned.
	FetchEntriesTo(regionID, low, high, maxSize uint64, to []eraftpb.Entry) ([]eraftpb.Entry, error)

	// GetEntry returns the entry at idx, or nil if the engine does not hold
	// it.
	GetEntry(regionID, idx uint64) (*eraftpb.Entry, error)
}

// CutRange directs the engine to delete entries [From, To).
type CutRange struct {
	From, To uint64
}

// WriteTask carries one append of log entries to the durable engine:
// the entries to persist and, when the new tail diverges from what a
// previous leader staged, the stale range to delete.
type WriteTask struct {
	Entries []eraftpb.Entry
	CutLogs *CutRange
}
