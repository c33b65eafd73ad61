// Package store persists the run ledger: one row per finished item, so
// later runs and the status surfaces can see what happened.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stokkr/foreman/internal/core"
)

// Ledger records finished items in a SQLite database.
type Ledger struct {
	dbPath string
	db     *sql.DB
}

// Entry is one ledger row.
type Entry struct {
	ItemID     core.ItemID
	RunID      string
	Success    bool
	Attempts   int
	Reason     string
	TokensIn   int
	TokensOut  int
	DurationMS int64
	FinishedAt time.Time
}

// Open opens (or creates) the ledger database and applies migrations.
func Open(dbPath string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("creating ledger directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening ledger database: %w", err)
	}

	l := &Ledger{dbPath: dbPath, db: db}
	if err := l.migrate(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("running migrations: %w (close error: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return l, nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS run_items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	item_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	success INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	tokens_in INTEGER NOT NULL DEFAULT 0,
	tokens_out INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	finished_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_items_item ON run_items(item_id);
CREATE INDEX IF NOT EXISTS idx_run_items_run ON run_items(run_id);

INSERT INTO schema_migrations (version) VALUES (1);
`

func (l *Ledger) migrate() error {
	var version int
	if err := l.db.QueryRow(
		"SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		version = 0
	}
	if version < 1 {
		if _, err := l.db.Exec(migrationV1); err != nil {
			return fmt.Errorf("applying migration v1: %w", err)
		}
	}
	return nil
}

// Record appends one finished item to the ledger.
func (l *Ledger) Record(ctx context.Context, runID string, result core.ItemResult) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO run_items
			(item_id, run_id, success, attempts, reason, tokens_in, tokens_out, duration_ms, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(result.ItemID),
		runID,
		boolToInt(result.Success),
		result.Attempts,
		result.Reason,
		result.Stats.TokensIn,
		result.Stats.TokensOut,
		result.Stats.Duration.Milliseconds(),
		result.EndedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("recording item %s: %w", result.ItemID, err)
	}
	return nil
}

// Recent returns the most recently finished entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT item_id, run_id, success, attempts, reason,
		       tokens_in, tokens_out, duration_ms, finished_at
		FROM run_items
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ledger: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var itemID string
		var success int
		if err := rows.Scan(&itemID, &e.RunID, &success, &e.Attempts, &e.Reason,
			&e.TokensIn, &e.TokensOut, &e.DurationMS, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		e.ItemID = core.ItemID(itemID)
		e.Success = success != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// History returns every recorded outcome for one item, oldest first.
func (l *Ledger) History(ctx context.Context, id core.ItemID) ([]Entry, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT item_id, run_id, success, attempts, reason,
		       tokens_in, tokens_out, duration_ms, finished_at
		FROM run_items
		WHERE item_id = ?
		ORDER BY finished_at ASC, id ASC`, string(id))
	if err != nil {
		return nil, fmt.Errorf("querying item history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var itemID string
		var success int
		if err := rows.Scan(&itemID, &e.RunID, &success, &e.Attempts, &e.Reason,
			&e.TokensIn, &e.TokensOut, &e.DurationMS, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scanning ledger row: %w", err)
		}
		e.ItemID = core.ItemID(itemID)
		e.Success = success != 0
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
