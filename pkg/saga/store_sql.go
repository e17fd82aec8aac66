package saga

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// SQLRunStore persists run snapshots in Postgres through database/sql and the pgx driver.
type SQLRunStore struct {
	db *sql.DB
}

// NewSQLRunStore wraps an open database handle.
func NewSQLRunStore(db *sql.DB) *SQLRunStore {
	return &SQLRunStore{db: db}
}

// OpenSQLRunStore connects to dsn with the pgx driver and creates the schema.
func OpenSQLRunStore(ctx context.Context, dsn string, maxOpenConns int) (*SQLRunStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	store := NewSQLRunStore(db)
	if err := store.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// InitSchema creates the saga_runs table if it does not exist.
func (s *SQLRunStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS saga_runs (
			run_id TEXT PRIMARY KEY,
			saga TEXT NOT NULL,
			status TEXT NOT NULL,
			last_error TEXT,
			snapshot JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS saga_runs_status_idx ON saga_runs (status)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init saga_runs schema: %w", err)
		}
	}
	return nil
}

// Save upserts the snapshot of one run.
func (s *SQLRunStore) Save(ctx context.Context, snapshot Snapshot) error {
	if snapshot.RunID == "" {
		return fmt.Errorf("snapshot run id cannot be empty")
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_runs (run_id, saga, status, last_error, snapshot, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_error = EXCLUDED.last_error,
			snapshot = EXCLUDED.snapshot,
			updated_at = EXCLUDED.updated_at`,
		snapshot.RunID, snapshot.Saga, string(snapshot.Status), nullString(snapshot.LastError),
		string(data), snapshot.CreatedAt, snapshot.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save run %s: %w", snapshot.RunID, err)
	}
	return nil
}

// Get loads the snapshot of runID.
func (s *SQLRunStore) Get(ctx context.Context, runID string) (Snapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM saga_runs WHERE run_id = $1`, runID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, ErrRunNotFound
		}
		return Snapshot{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return decodeSnapshot(raw)
}

// List returns snapshots ordered by creation time.
func (s *SQLRunStore) List(ctx context.Context, filter RunFilter) ([]Snapshot, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM saga_runs WHERE ($1 = '' OR status = $1)`, filter.Status,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = total
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT snapshot FROM saga_runs
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at, run_id
		LIMIT $2 OFFSET $3`,
		filter.Status, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	snapshots := make([]Snapshot, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, 0, err
		}
		snapshot, err := decodeSnapshot(raw)
		if err != nil {
			return nil, 0, err
		}
		snapshots = append(snapshots, snapshot)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return snapshots, total, nil
}

// Delete removes the snapshot of runID.
func (s *SQLRunStore) Delete(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM saga_runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", runID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Close closes the database handle.
func (s *SQLRunStore) Close() error {
	return s.db.Close()
}

func decodeSnapshot(raw string) (Snapshot, error) {
	var snapshot Snapshot
	if err := json.Unmarshal([]byte(raw), &snapshot); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snapshot, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var _ RunStore = (*SQLRunStore)(nil)
