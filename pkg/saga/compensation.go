package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// IdempotencyStore tracks compensations that already succeeded.
type IdempotencyStore interface {
	Seen(key string) bool
	Mark(key string)
	Forget(key string)
}

// InMemoryIdempotencyStore is a thread-safe idempotency store.
type InMemoryIdempotencyStore struct {
	store sync.Map
}

// NewInMemoryIdempotencyStore creates a new in-memory idempotency store.
func NewInMemoryIdempotencyStore() *InMemoryIdempotencyStore {
	return &InMemoryIdempotencyStore{}
}

// Seen checks whether a key was already recorded.
func (s *InMemoryIdempotencyStore) Seen(key string) bool {
	_, ok := s.store.Load(key)
	return ok
}

// Mark records one idempotency key.
func (s *InMemoryIdempotencyStore) Mark(key string) {
	s.store.Store(key, struct{}{})
}

// Forget drops one idempotency key.
func (s *InMemoryIdempotencyStore) Forget(key string) {
	s.store.Delete(key)
}

// CompensationIdempotencyKey builds the idempotency key of one compensation.
func CompensationIdempotencyKey(runID, step string) string {
	return fmt.Sprintf("%s:%s", runID, step)
}

// CompensationFunc reverses one committed effect.
type CompensationFunc func(ctx context.Context) error

// CompensationEntry is one reversible effect. Step names the forward step that
// committed it; Name names the undo action.
type CompensationEntry struct {
	Step string
	Name string
	Undo CompensationFunc
}

func (e CompensationEntry) label() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Step
}

// UnwindResult reports the outcome of one undo action.
type UnwindResult struct {
	Step     string
	Name     string
	Attempts int
	Skipped  bool
	Err      error
}

// CompensationStack records reversible effects in commit order and reverses them
// most recent first. It is owned by a single run and is not safe for concurrent use.
type CompensationStack struct {
	runID       string
	entries     []CompensationEntry
	executor    *StepExecutor
	policy      RetryPolicy
	timeout     time.Duration
	idempotency IdempotencyStore
	marked      []string
}

// NewCompensationStack creates an empty stack for runID. Undo actions run through
// executor with policy and timeout.
func NewCompensationStack(runID string, executor *StepExecutor, policy RetryPolicy, timeout time.Duration, store IdempotencyStore) *CompensationStack {
	if executor == nil {
		executor = NewStepExecutor()
	}
	if store == nil {
		store = NewInMemoryIdempotencyStore()
	}
	return &CompensationStack{
		runID:       runID,
		executor:    executor,
		policy:      policy.orDefault(DefaultRetryPolicy()),
		timeout:     timeout,
		idempotency: store,
	}
}

// Push records a committed effect.
func (s *CompensationStack) Push(entry CompensationEntry) error {
	if entry.Step == "" {
		return fmt.Errorf("compensation entry step cannot be empty")
	}
	if entry.Undo == nil {
		return fmt.Errorf("compensation for step %q has no undo action", entry.Step)
	}
	s.entries = append(s.entries, entry)
	return nil
}

// Len returns the number of effects not yet reversed.
func (s *CompensationStack) Len() int {
	return len(s.entries)
}

// Pending returns the undo names still on the stack, oldest first.
func (s *CompensationStack) Pending() []string {
	if len(s.entries) == 0 {
		return nil
	}
	names := make([]string, 0, len(s.entries))
	for _, entry := range s.entries {
		names = append(names, entry.label())
	}
	return names
}

// UnwindAll reverses every entry, most recent first. A failed undo is reported and
// the unwind moves on; failed entries remain on the stack.
func (s *CompensationStack) UnwindAll(ctx context.Context) []UnwindResult {
	if len(s.entries) == 0 {
		return nil
	}

	results := make([]UnwindResult, 0, len(s.entries))
	var remaining []CompensationEntry
	for i := len(s.entries) - 1; i >= 0; i-- {
		entry := s.entries[i]
		key := CompensationIdempotencyKey(s.runID, entry.Step)
		if s.idempotency.Seen(key) {
			results = append(results, UnwindResult{Step: entry.Step, Name: entry.label(), Skipped: true})
			continue
		}

		undo := entry.Undo
		res := s.executor.Execute(ctx, entry.label(), s.timeout, s.policy, func(ctx context.Context) (any, error) {
			return nil, undo(ctx)
		})
		result := UnwindResult{Step: entry.Step, Name: entry.label(), Attempts: res.Attempts}
		if res.Err != nil {
			result.Err = res.Err
			remaining = append(remaining, entry)
		} else {
			s.idempotency.Mark(key)
			s.marked = append(s.marked, key)
		}
		results = append(results, result)
	}

	// remaining was collected newest first.
	for i, j := 0, len(remaining)-1; i < j; i, j = i+1, j-1 {
		remaining[i], remaining[j] = remaining[j], remaining[i]
	}
	s.entries = remaining
	return results
}

// Forget removes the idempotency keys this stack recorded, so a later run reusing
// the same run id compensates its own effects.
func (s *CompensationStack) Forget() {
	for _, key := range s.marked {
		s.idempotency.Forget(key)
	}
	s.marked = nil
}

// CompensationFailure aggregates the failed undo actions in results into one error
// of kind KindCompensation. It returns nil when every undo succeeded.
func CompensationFailure(results []UnwindResult) error {
	var errs errorList
	for _, result := range results {
		if result.Err != nil {
			errs = append(errs, result.Err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &Error{Kind: KindCompensation, Err: errs}
}
