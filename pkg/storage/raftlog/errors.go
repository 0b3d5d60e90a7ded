// SPDX-License-Identifier: AGPL-3.0-only

package raftlog

import (
	"github.com/pkg/errors"
)

var (
	// ErrCompacted is returned when a requested index is covered by the
	// latest log truncation and is no longer readable from this peer.
	ErrCompacted = errors.New("requested entry at index is unavailable due to compaction")

	// ErrUnavailable is returned when the engine does not hold a required
	// entry and the range cannot be recovered locally.
	ErrUnavailable = errors.New("requested entry at index is unavailable")

	// ErrLogTemporarilyUnavailable is returned while an async fetch for the
	// requested range is still in flight. The caller is expected to retry
	// once the fetch worker delivers its result.
	ErrLogTemporarilyUnavailable = errors.New("log is temporarily unavailable")
)
