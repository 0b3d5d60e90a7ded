// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"math"

	"github.com/pingcap/kvproto/pkg/eraftpb"
)

// NoLimit disables the byte cap on range reads.
const NoLimit = math.MaxUint64

// maxInitEntryCount bounds the initial allocation for range reads; the range
// width can be far larger than what the byte cap will actually admit.
const maxInitEntryCount = 1024

// entryBytesCost is the accounted heap cost of one entry: the capacity of the
// payload allocations the cache retains, not their logical length.
func entryBytesCost(e *eraftpb.Entry) int64 {
	return int64(cap(e.Data) + cap(e.Context))
}

func entriesSerializedSize(entries []eraftpb.Entry) uint64 {
	var size uint64
	for i := range entries {
		size += uint64(entries[i].Size())
	}
	return size
}

// limitEntrySize truncates entries so that their cumulative serialized size
// stays within maxSize. The first entry is always kept, so a non-empty input
// never produces an empty result.
func limitEntrySize(entries []eraftpb.Entry, maxSize uint64) []eraftpb.Entry {
	if len(entries) == 0 {
		return entries
	}
	size := uint64(entries[0].Size())
	limit := 1
	for ; limit < len(entries); limit++ {
		size += uint64(entries[limit].Size())
		if size > maxSize {
			break
		}
	}
	return entries[:limit]
}
