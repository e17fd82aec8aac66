package saga

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// JournalEntryType identifies one run event.
type JournalEntryType string

const (
	EntryRunCreated            JournalEntryType = "run_created"
	EntryStatusChanged         JournalEntryType = "status_changed"
	EntryStepStarted           JournalEntryType = "step_started"
	EntryStepCompleted         JournalEntryType = "step_completed"
	EntryStepFailed            JournalEntryType = "step_failed"
	EntryCompensationStarted   JournalEntryType = "compensation_started"
	EntryCompensationCompleted JournalEntryType = "compensation_completed"
	EntryCompensationFailed    JournalEntryType = "compensation_failed"
	EntryCancelRequested       JournalEntryType = "cancel_requested"
)

// JournalEntry is one append-only record of a run.
type JournalEntry struct {
	Sequence  uint64           `json:"sequence"`
	RunID     string           `json:"run_id"`
	Step      string           `json:"step,omitempty"`
	Type      JournalEntryType `json:"type"`
	From      Status           `json:"from,omitempty"`
	Status    Status           `json:"status,omitempty"`
	Data      []byte           `json:"data,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// Journal records every status transition and step event of a run, in order.
type Journal interface {
	Append(ctx context.Context, entry JournalEntry) (uint64, error)
	List(ctx context.Context, runID string) ([]JournalEntry, error)
	DeleteRun(ctx context.Context, runID string) error
	Close() error
}

func validateJournalEntry(entry *JournalEntry) error {
	if entry.RunID == "" {
		return fmt.Errorf("journal entry run_id cannot be empty")
	}
	if entry.Type == "" {
		return fmt.Errorf("journal entry type cannot be empty")
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	return nil
}

// MemoryJournal keeps entries in process memory.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string][]JournalEntry
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string][]JournalEntry)}
}

// Append records entry and returns its per-run sequence number.
func (j *MemoryJournal) Append(_ context.Context, entry JournalEntry) (uint64, error) {
	if err := validateJournalEntry(&entry); err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	entry.Sequence = uint64(len(j.entries[entry.RunID])) + 1
	j.entries[entry.RunID] = append(j.entries[entry.RunID], entry)
	return entry.Sequence, nil
}

// List returns the entries of a run in sequence order.
func (j *MemoryJournal) List(_ context.Context, runID string) ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	entries := j.entries[runID]
	out := make([]JournalEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// DeleteRun drops every entry of a run.
func (j *MemoryJournal) DeleteRun(_ context.Context, runID string) error {
	j.mu.Lock()
	delete(j.entries, runID)
	j.mu.Unlock()
	return nil
}

// Close is a no-op.
func (j *MemoryJournal) Close() error {
	return nil
}
