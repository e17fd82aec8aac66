package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goclaw/ordersaga/pkg/logger"
)

const (
	journalKeyPrefix      = "journal:"
	journalSequencePrefix = "journal-seq:"
)

// JournalWriteMode controls whether appends reach Badger before returning.
type JournalWriteMode string

const (
	// JournalWriteModeSync commits each append before returning.
	JournalWriteModeSync JournalWriteMode = "sync"
	// JournalWriteModeAsync queues appends and commits them in the background.
	JournalWriteModeAsync JournalWriteMode = "async"
)

// BadgerJournalOptions configures a BadgerJournal.
type BadgerJournalOptions struct {
	WriteMode      JournalWriteMode
	AsyncQueueSize int
	Logger         logger.Logger
}

type journalWrite struct {
	ctx   context.Context
	entry JournalEntry
}

// BadgerJournal implements Journal on top of Badger.
type BadgerJournal struct {
	db        *badger.DB
	ownsDB    bool
	writeMode JournalWriteMode
	logger    logger.Logger

	// seqMu serialises sequence allocation so entries of a run keep their order.
	seqMu sync.Mutex

	// closeMu guards closed; Append holds it shared so Close waits for in-flight
	// appends before the writer is told to stop.
	closeMu sync.RWMutex
	closed  bool
	writeCh chan journalWrite
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// OpenBadgerJournal opens a dedicated Badger database at path.
func OpenBadgerJournal(path string, options BadgerJournalOptions) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger journal: %w", err)
	}
	journal, err := NewBadgerJournal(db, options)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	journal.ownsDB = true
	return journal, nil
}

// NewBadgerJournal creates a journal over an existing Badger database.
func NewBadgerJournal(db *badger.DB, options BadgerJournalOptions) (*BadgerJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	if options.WriteMode == "" {
		options.WriteMode = JournalWriteModeSync
	}
	if options.WriteMode != JournalWriteModeSync && options.WriteMode != JournalWriteModeAsync {
		return nil, fmt.Errorf("unsupported journal write mode: %s", options.WriteMode)
	}
	if options.AsyncQueueSize <= 0 {
		options.AsyncQueueSize = 1024
	}
	if options.Logger == nil {
		options.Logger = logger.Global()
	}

	j := &BadgerJournal{
		db:        db,
		writeMode: options.WriteMode,
		logger:    options.Logger,
		stopCh:    make(chan struct{}),
	}
	if options.WriteMode == JournalWriteModeAsync {
		j.writeCh = make(chan journalWrite, options.AsyncQueueSize)
		j.wg.Add(1)
		go j.runAsyncWriter()
	}
	return j, nil
}

// Append records entry and returns its per-run sequence number.
func (j *BadgerJournal) Append(ctx context.Context, entry JournalEntry) (uint64, error) {
	if err := validateJournalEntry(&entry); err != nil {
		return 0, err
	}
	j.closeMu.RLock()
	defer j.closeMu.RUnlock()
	if j.closed {
		return 0, fmt.Errorf("journal is closed")
	}

	sequence, err := j.nextSequence(entry.RunID)
	if err != nil {
		return 0, err
	}
	entry.Sequence = sequence

	if j.writeMode == JournalWriteModeAsync {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case j.writeCh <- journalWrite{ctx: context.WithoutCancel(ctx), entry: entry}:
			return sequence, nil
		default:
			// Queue full: write through.
		}
	}

	if err := j.writeEntry(ctx, entry); err != nil {
		return 0, err
	}
	return sequence, nil
}

// List returns the entries of a run in sequence order.
func (j *BadgerJournal) List(ctx context.Context, runID string) ([]JournalEntry, error) {
	prefix := []byte(journalPrefixForRun(runID))
	entries := make([]JournalEntry, 0)

	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var entry JournalEntry
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &entry)
			}); err != nil {
				return fmt.Errorf("decode journal entry: %w", err)
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// DeleteRun removes every entry and the sequence counter of a run.
func (j *BadgerJournal) DeleteRun(ctx context.Context, runID string) error {
	prefix := []byte(journalPrefixForRun(runID))
	var keys [][]byte

	if err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	}); err != nil {
		return err
	}

	return j.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete([]byte(journalSequenceKey(runID)))
	})
}

// Close drains queued writes and closes the database when the journal owns it.
func (j *BadgerJournal) Close() error {
	j.closeMu.Lock()
	if !j.closed {
		j.closed = true
		close(j.stopCh)
	}
	j.closeMu.Unlock()
	j.wg.Wait()
	if j.ownsDB {
		return j.db.Close()
	}
	return nil
}

func (j *BadgerJournal) runAsyncWriter() {
	defer j.wg.Done()
	for {
		select {
		case req := <-j.writeCh:
			j.writeAsync(req)
		case <-j.stopCh:
			// No append can enqueue once stopCh is closed.
			for {
				select {
				case req := <-j.writeCh:
					j.writeAsync(req)
				default:
					return
				}
			}
		}
	}
}

func (j *BadgerJournal) writeAsync(req journalWrite) {
	if err := j.writeEntry(req.ctx, req.entry); err != nil {
		j.logger.Error("journal async write failed",
			"run_id", req.entry.RunID,
			"sequence", req.entry.Sequence,
			"error", err,
		)
	}
}

func (j *BadgerJournal) writeEntry(ctx context.Context, entry JournalEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	key := []byte(journalEntryKey(entry.RunID, entry.Sequence))

	return j.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

func (j *BadgerJournal) nextSequence(runID string) (uint64, error) {
	j.seqMu.Lock()
	defer j.seqMu.Unlock()

	key := []byte(journalSequenceKey(runID))
	var next uint64
	err := j.db.Update(func(txn *badger.Txn) error {
		current := uint64(0)
		item, err := txn.Get(key)
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				parsed, parseErr := strconv.ParseUint(string(v), 10, 64)
				if parseErr != nil {
					return parseErr
				}
				current = parsed
				return nil
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
		default:
			return err
		}

		next = current + 1
		return txn.Set(key, []byte(strconv.FormatUint(next, 10)))
	})
	if err != nil {
		return 0, fmt.Errorf("next journal sequence: %w", err)
	}
	return next, nil
}

func journalPrefixForRun(runID string) string {
	return fmt.Sprintf("%s%s:", journalKeyPrefix, runID)
}

func journalSequenceKey(runID string) string {
	return journalSequencePrefix + runID
}

func journalEntryKey(runID string, sequence uint64) string {
	return fmt.Sprintf("%s%s:%020d", journalKeyPrefix, runID, sequence)
}

var _ Journal = (*BadgerJournal)(nil)
var _ Journal = (*MemoryJournal)(nil)
