package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/hupe1980/agentplan/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    id TEXT PRIMARY KEY,
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    ts INTEGER NOT NULL,
    version INTEGER NOT NULL,
    digest TEXT NOT NULL,
    state BLOB NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoints_run_seq ON checkpoints(run_id, seq);
`

// SQLiteStore persists checkpoints in a SQLite database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ core.CheckpointStore = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and migrates the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// One connection keeps writes serialized and ":memory:" databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put inserts cp.
func (s *SQLiteStore) Put(ctx context.Context, cp *core.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (id, run_id, seq, ts, version, digest, state) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.RunID, cp.Seq, cp.Timestamp.UnixNano(), cp.Version, cp.Digest, []byte(cp.State))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicate, cp.ID)
		}
		return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
	}

	return nil
}

// Get returns the checkpoint with id, or the latest when id is empty.
func (s *SQLiteStore) Get(ctx context.Context, runID, id string) (*core.Checkpoint, error) {
	var row *sql.Row

	if id == "" {
		row = s.db.QueryRowContext(ctx,
			`SELECT id, run_id, seq, ts, version, digest, state FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID)
	} else {
		row = s.db.QueryRowContext(ctx,
			`SELECT id, run_id, seq, ts, version, digest, state FROM checkpoints WHERE run_id = ? AND id = ?`, runID, id)
	}

	cp, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	return cp, err
}

// List returns the run's checkpoints by ascending Seq.
func (s *SQLiteStore) List(ctx context.Context, runID string) ([]*core.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, seq, ts, version, digest, state FROM checkpoints WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []*core.Checkpoint

	for rows.Next() {
		cp, err := scan(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, cp)
	}

	return out, rows.Err()
}

// Prune deletes checkpoints selected by policy.
func (s *SQLiteStore) Prune(ctx context.Context, runID string, policy core.PrunePolicy) (int, error) {
	list, err := s.List(ctx, runID)
	if err != nil {
		return 0, err
	}

	drop := core.SelectPrunable(list, policy, s.now())
	if len(drop) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback() //nolint:errcheck

	for _, cp := range drop {
		if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE id = ?`, cp.ID); err != nil {
			return 0, fmt.Errorf("delete checkpoint %s: %w", cp.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return len(drop), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(r scanner) (*core.Checkpoint, error) {
	var (
		cp    core.Checkpoint
		ts    int64
		state []byte
	)

	if err := r.Scan(&cp.ID, &cp.RunID, &cp.Seq, &ts, &cp.Version, &cp.Digest, &state); err != nil {
		return nil, err
	}

	cp.Timestamp = time.Unix(0, ts).UTC()
	cp.State = state

	return &cp, nil
}
