package state

import (
	"github.com/oj-run/oj/internal/snapshot"
	"github.com/oj-run/oj/internal/wal"
)

// Restore rebuilds a MaterializedState by loading the latest snapshot (if
// any) and then folding every WAL entry appended since it. This is the
// daemon's entire startup recovery path: snapshot gives the bulk of the
// state in one read, the WAL tail makes it current.
func Restore(snaps *snapshot.Store, log *wal.Reader) (*MaterializedState, uint64, error) {
	st := NewMaterializedState()

	var from, lastApplied uint64
	latest, ok, err := snaps.Latest()
	if err != nil {
		return nil, 0, err
	}
	if ok {
		if _, err := snaps.Load(latest.ID, st); err != nil {
			return nil, 0, err
		}
		from = latest.Sequence + 1
		lastApplied = latest.Sequence
	}

	err = log.EntriesFrom(from, func(e wal.Entry) error {
		st.Apply(e.Operation)
		lastApplied = e.Sequence
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	return st, lastApplied, nil
}
