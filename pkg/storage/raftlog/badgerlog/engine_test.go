// SPDX-License-Identifier: AGPL-3.0-only

package badgerlog

import (
	"testing"

	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/stretchr/testify/require"

	"github.com/tier-cap/raftkv/pkg/storage/raftlog"
)

func newEntry(index, term uint64, data string) eraftpb.Entry {
	return eraftpb.Entry{Index: index, Term: term, Data: []byte(data)}
}

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, engine.Close())
	})
	return engine
}

func TestEngineWriteAndFetch(t *testing.T) {
	engine := openTestEngine(t)
	ents := []eraftpb.Entry{
		newEntry(3, 3, "three"),
		newEntry(4, 4, "four"),
		newEntry(5, 4, "five"),
		newEntry(6, 5, "six"),
		newEntry(7, 5, "seven"),
	}
	require.NoError(t, engine.ApplyWriteTask(1, &raftlog.WriteTask{Entries: ents}))

	got, err := engine.FetchEntriesTo(1, 3, 8, raftlog.NoLimit, nil)
	require.NoError(t, err)
	require.Equal(t, ents, got)

	// Sub ranges.
	got, err = engine.FetchEntriesTo(1, 4, 6, raftlog.NoLimit, nil)
	require.NoError(t, err)
	require.Equal(t, ents[1:3], got)

	// The byte cap produces a legal short read, never an empty one.
	got, err = engine.FetchEntriesTo(1, 3, 8, 0, nil)
	require.NoError(t, err)
	require.Equal(t, ents[:1], got)

	maxSize := uint64(ents[0].Size() + ents[1].Size())
	got, err = engine.FetchEntriesTo(1, 3, 8, maxSize, nil)
	require.NoError(t, err)
	require.Equal(t, ents[:2], got)

	// Regions don't leak into each other.
	_, err = engine.FetchEntriesTo(2, 3, 8, raftlog.NoLimit, nil)
	require.ErrorIs(t, err, raftlog.ErrUnavailable)
}

func TestEngineGetEntry(t *testing.T) {
	engine := openTestEngine(t)
	ents := []eraftpb.Entry{newEntry(3, 3, "three"), newEntry(4, 4, "four")}
	require.NoError(t, engine.ApplyWriteTask(1, &raftlog.WriteTask{Entries: ents}))

	got, err := engine.GetEntry(1, 4)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, ents[1], *got)

	got, err = engine.GetEntry(1, 9)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestEngineCutLogs(t *testing.T) {
	engine := openTestEngine(t)
	ents := []eraftpb.Entry{
		newEntry(3, 3, "three"),
		newEntry(4, 4, "four"),
		newEntry(5, 4, "five"),
		newEntry(6, 4, "six"),
		newEntry(7, 4, "seven"),
	}
	require.NoError(t, engine.ApplyWriteTask(1, &raftlog.WriteTask{Entries: ents}))

	// A new leader rewrites index 5 and cuts the stale tail.
	rewrite := []eraftpb.Entry{newEntry(5, 6, "five again")}
	require.NoError(t, engine.ApplyWriteTask(1, &raftlog.WriteTask{
		Entries: rewrite,
		CutLogs: &raftlog.CutRange{From: 6, To: 8},
	}))

	got, err := engine.FetchEntriesTo(1, 3, 6, raftlog.NoLimit, nil)
	require.NoError(t, err)
	require.Equal(t, []eraftpb.Entry{ents[0], ents[1], rewrite[0]}, got)

	for idx := uint64(6); idx < 8; idx++ {
		got, err := engine.GetEntry(1, idx)
		require.NoError(t, err)
		require.Nil(t, got)
	}

	// The cut range is gone, so reads past it fail.
	_, err = engine.FetchEntriesTo(1, 3, 8, raftlog.NoLimit, nil)
	require.ErrorIs(t, err, raftlog.ErrUnavailable)
}

func TestEngineDeleteRange(t *testing.T) {
	engine := openTestEngine(t)
	ents := []eraftpb.Entry{newEntry(3, 3, "three"), newEntry(4, 3, "four"), newEntry(5, 3, "five")}
	require.NoError(t, engine.ApplyWriteTask(1, &raftlog.WriteTask{Entries: ents}))

	require.NoError(t, engine.DeleteRange(1, 3, 5))

	got, err := engine.GetEntry(1, 3)
	require.NoError(t, err)
	require.Nil(t, got)

	res, err := engine.FetchEntriesTo(1, 5, 6, raftlog.NoLimit, nil)
	require.NoError(t, err)
	require.Equal(t, ents[2:], res)

	// The head of the range is gone.
	_, err = engine.FetchEntriesTo(1, 3, 6, raftlog.NoLimit, nil)
	require.ErrorIs(t, err, raftlog.ErrUnavailable)
}
