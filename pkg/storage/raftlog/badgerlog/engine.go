// SPDX-License-Identifier: AGPL-3.0-only

package badgerlog

import (
	"encoding/binary"

	"github.com/dgraph-io/badger/v4"
	"github.com/pingcap/kvproto/pkg/eraftpb"
	"github.com/pkg/errors"

	"github.com/tier-cap/raftkv/pkg/storage/raftlog"
)

// keyPrefix namespaces raft log entries within the shared badger instance.
const keyPrefix = 0x01

// Engine is a durable raftlog.LogEngine backed by badger. Entries are stored
// under prefix | region_id | index, both big endian so that prefix iteration
// walks the log in index order.
type Engine struct {
	db *badger.DB
}

// Open opens (or creates) a badger-backed engine at dir.
func Open(dir string) (*Engine, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, errors.Wrap(err, "open raft log engine")
	}
	return &Engine{db: db}, nil
}

// NewWithDB wraps an already opened badger instance.
func NewWithDB(db *badger.DB) *Engine {
	return &Engine{db: db}
}

func (e *Engine) Close() error {
	return e.db.Close()
}

func entryKey(regionID, idx uint64) []byte {
	b := make([]byte, 17)
	b[0] = keyPrefix
	binary.BigEndian.PutUint64(b[1:9], regionID)
	binary.BigEndian.PutUint64(b[9:17], idx)
	return b
}

func regionPrefix(regionID uint64) []byte {
	b := make([]byte, 9)
	b[0] = keyPrefix
	binary.BigEndian.PutUint64(b[1:9], regionID)
	return b
}

func parseIndex(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[9:17])
}

// FetchEntriesTo implements raftlog.LogEngine. The values are small and
// colocated with the keys in the LSM, so value prefetching is disabled.
func (e *Engine) FetchEntriesTo(regionID, low, high, maxSize uint64, to []eraftpb.Entry) ([]eraftpb.Entry, error) {
	err := e.db.View(func(txn *badger.Txn) error {
		opt := badger.DefaultIteratorOptions
		opt.PrefetchValues = false
		opt.Prefix = regionPrefix(regionID)
		itr := txn.NewIterator(opt)
		defer itr.Close()

		var fetchedSize uint64
		next := low
		for itr.Seek(entryKey(regionID, low)); itr.Valid(); itr.Next() {
			item := itr.Item()
			idx := parseIndex(item.Key())
			if idx >= high {
				break
			}
			if idx != next {
				// The log is consecutive by index; a gap means the range is
				// not recoverable from this engine.
				return raftlog.ErrUnavailable
			}
			var ent eraftpb.Entry
			if err := item.Value(func(val []byte) error {
				return ent.Unmarshal(val)
			}); err != nil {
				return errors.Wrapf(err, "unmarshal entry %d", idx)
			}
			size := uint64(ent.Size())
			if fetchedSize+size > maxSize && fetchedSize > 0 {
				return nil
			}
			fetchedSize += size
			to = append(to, ent)
			next++
		}
		if next < high {
			return raftlog.ErrUnavailable
		}
		return nil
	})
	if err != nil {
		return to, err
	}
	return to, nil
}

// GetEntry implements raftlog.LogEngine.
func (e *Engine) GetEntry(regionID, idx uint64) (*eraftpb.Entry, error) {
	var ent *eraftpb.Entry
	err := e.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entryKey(regionID, idx))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded := &eraftpb.Entry{}
			if err := decoded.Unmarshal(val); err != nil {
				return err
			}
			ent = decoded
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get entry %d", idx)
	}
	return ent, nil
}

// ApplyWriteTask persists one append staged by EntryStorage.Append: the new
// entries, then the cut-logs deletion of any stale suffix a previous leader
// wrote.
func (e *Engine) ApplyWriteTask(regionID uint64, task *raftlog.WriteTask) error {
	wb := e.db.NewWriteBatch()
	defer wb.Cancel()

	for i := range task.Entries {
		ent := &task.Entries[i]
		val, err := ent.Marshal()
		if err != nil {
			return errors.Wrapf(err, "marshal entry %d", ent.Index)
		}
		if err := wb.Set(entryKey(regionID, ent.Index), val); err != nil {
			return err
		}
	}
	if cut := task.CutLogs; cut != nil {
		for idx := cut.From; idx < cut.To; idx++ {
			if err := wb.Delete(entryKey(regionID, idx)); err != nil {
				return err
			}
		}
	}
	return wb.Flush()
}

// DeleteRange removes entries [from, to), e.g. after a log truncation.
func (e *Engine) DeleteRange(regionID, from, to uint64) error {
	wb := e.db.NewWriteBatch()
	defer wb.Cancel()

	for idx := from; idx < to; idx++ {
		if err := wb.Delete(entryKey(regionID, idx)); err != nil {
			return err
		}
	}
	return wb.Flush()
}
