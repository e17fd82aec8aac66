package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	runKeyPrefix         = "run:"
	runIndexStatusPrefix = "run-index:status:"
)

// BadgerRunStore stores run snapshots in Badger with a secondary index by status.
type BadgerRunStore struct {
	db *badger.DB
}

// NewBadgerRunStore creates a Badger-backed run store.
func NewBadgerRunStore(db *badger.DB) (*BadgerRunStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerRunStore{db: db}, nil
}

// Save writes the snapshot at "run:{runID}" and moves its status index entry.
func (s *BadgerRunStore) Save(ctx context.Context, snapshot Snapshot) error {
	if snapshot.RunID == "" {
		return fmt.Errorf("snapshot run id cannot be empty")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	key := []byte(runDataKey(snapshot.RunID))
	status := string(snapshot.Status)

	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		previous, err := getSnapshotInTxn(txn, snapshot.RunID)
		switch {
		case err == nil:
			if string(previous.Status) != status {
				if err := txn.Delete([]byte(runStatusIndexKey(string(previous.Status), snapshot.RunID))); err != nil {
					return err
				}
			}
		case errors.Is(err, ErrRunNotFound):
		default:
			return err
		}

		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set([]byte(runStatusIndexKey(status, snapshot.RunID)), []byte{})
	})
}

// Get loads the snapshot of runID.
func (s *BadgerRunStore) Get(ctx context.Context, runID string) (Snapshot, error) {
	var snapshot Snapshot
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		snapshot, err = getSnapshotInTxn(txn, runID)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// List returns snapshots ordered by creation time, optionally filtered by status
// through the index.
func (s *BadgerRunStore) List(ctx context.Context, filter RunFilter) ([]Snapshot, int, error) {
	snapshots := make([]Snapshot, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		if filter.Status != "" {
			prefix := runStatusIndexPrefix(filter.Status)
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(prefix)
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				runID := strings.TrimPrefix(string(it.Item().Key()), prefix)
				snapshot, err := getSnapshotInTxn(txn, runID)
				if err != nil {
					continue
				}
				snapshots = append(snapshots, snapshot)
			}
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(runKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var snapshot Snapshot
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &snapshot) }); err != nil {
				return fmt.Errorf("decode snapshot: %w", err)
			}
			snapshots = append(snapshots, snapshot)
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sortSnapshots(snapshots)
	paged, total := paginate(snapshots, filter)
	return paged, total, nil
}

// Delete removes a snapshot and its index entry.
func (s *BadgerRunStore) Delete(ctx context.Context, runID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		snapshot, err := getSnapshotInTxn(txn, runID)
		if err != nil {
			return err
		}
		if err := txn.Delete([]byte(runDataKey(runID))); err != nil {
			return err
		}
		return txn.Delete([]byte(runStatusIndexKey(string(snapshot.Status), runID)))
	})
}

func getSnapshotInTxn(txn *badger.Txn, runID string) (Snapshot, error) {
	var snapshot Snapshot
	item, err := txn.Get([]byte(runDataKey(runID)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return Snapshot{}, ErrRunNotFound
		}
		return Snapshot{}, err
	}
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &snapshot) }); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func runDataKey(runID string) string {
	return runKeyPrefix + runID
}

func runStatusIndexPrefix(status string) string {
	return fmt.Sprintf("%s%s:", runIndexStatusPrefix, status)
}

func runStatusIndexKey(status, runID string) string {
	return runStatusIndexPrefix(status) + runID
}

var _ RunStore = (*BadgerRunStore)(nil)
