package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// RunFilter controls RunStore list queries.
type RunFilter struct {
	Status string
	Limit  int
	Offset int
}

// RunStore keeps run snapshots beyond the lifetime of the executor's memory.
// It backs duplicate detection and queries against finished runs.
type RunStore interface {
	Save(ctx context.Context, snapshot Snapshot) error
	Get(ctx context.Context, runID string) (Snapshot, error)
	List(ctx context.Context, filter RunFilter) ([]Snapshot, int, error)
	Delete(ctx context.Context, runID string) error
}

// MemoryRunStore is an in-memory RunStore.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]Snapshot
}

// NewMemoryRunStore creates an in-memory run store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]Snapshot)}
}

// Save stores a copy of snapshot.
func (s *MemoryRunStore) Save(_ context.Context, snapshot Snapshot) error {
	if snapshot.RunID == "" {
		return fmt.Errorf("snapshot run id cannot be empty")
	}
	s.mu.Lock()
	s.runs[snapshot.RunID] = snapshot.Clone()
	s.mu.Unlock()
	return nil
}

// Get returns the stored snapshot of runID.
func (s *MemoryRunStore) Get(_ context.Context, runID string) (Snapshot, error) {
	s.mu.RLock()
	snapshot, ok := s.runs[runID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, ErrRunNotFound
	}
	return snapshot.Clone(), nil
}

// List returns snapshots ordered by creation time.
func (s *MemoryRunStore) List(_ context.Context, filter RunFilter) ([]Snapshot, int, error) {
	s.mu.RLock()
	all := make([]Snapshot, 0, len(s.runs))
	for _, snapshot := range s.runs {
		if filter.Status != "" && string(snapshot.Status) != filter.Status {
			continue
		}
		all = append(all, snapshot.Clone())
	}
	s.mu.RUnlock()

	sortSnapshots(all)
	paged, total := paginate(all, filter)
	return paged, total, nil
}

// Delete removes runID.
func (s *MemoryRunStore) Delete(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return ErrRunNotFound
	}
	delete(s.runs, runID)
	return nil
}

func sortSnapshots(snapshots []Snapshot) {
	sort.SliceStable(snapshots, func(i, j int) bool {
		if snapshots[i].CreatedAt.Equal(snapshots[j].CreatedAt) {
			return snapshots[i].RunID < snapshots[j].RunID
		}
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
}

func paginate(snapshots []Snapshot, filter RunFilter) ([]Snapshot, int) {
	total := len(snapshots)
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if filter.Limit > 0 && offset+filter.Limit < end {
		end = offset + filter.Limit
	}
	return snapshots[offset:end], total
}

var _ RunStore = (*MemoryRunStore)(nil)
