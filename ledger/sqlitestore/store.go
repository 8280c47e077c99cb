package sqlitestore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/jrsteele09/go-ksef-monitor/ledger"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 0 - initial tables
// 1 - unique index on seen_invoices.hash
const currentSchemaVersion = 1

var _ ledger.Store = (*Store)(nil)

// Store keeps the sync state in SQLite. Save replaces the whole state in one transaction.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies pragmas and migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("[sqlitestore Open] failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("[sqlitestore Open] failed to connect to database: %w", err)
	}

	// single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("[sqlitestore] failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("[sqlitestore] failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("[sqlitestore] get user_version: %w", err)
	}
	if version < 1 {
		if _, err := db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS idx_seen_invoices_hash ON seen_invoices(hash)"); err != nil {
			return fmt.Errorf("[sqlitestore] migrate to v1: %w", err)
		}
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("[sqlitestore] set user_version: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context) (*ledger.SyncState, error) {
	state := &ledger.SyncState{}

	var lastCheck sql.NullString
	err := s.db.QueryRowContext(ctx, "SELECT last_check FROM sync_state WHERE id = 1").Scan(&lastCheck)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("[sqlitestore Load] read last_check: %w", err)
	}
	if lastCheck.Valid {
		t, err := time.Parse(time.RFC3339Nano, lastCheck.String)
		if err == nil {
			state.LastCheck = &t
		}
	}

	rows, err := s.db.QueryContext(ctx, "SELECT hash, seen_at FROM seen_invoices ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("[sqlitestore Load] query seen_invoices: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var hash, seenAt string
		if err := rows.Scan(&hash, &seenAt); err != nil {
			return nil, fmt.Errorf("[sqlitestore Load] scan: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, seenAt)
		if err != nil {
			state.Dropped++
			continue
		}
		state.Seen = append(state.Seen, ledger.Entry{Hash: hash, SeenAt: ts})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("[sqlitestore Load] rows: %w", err)
	}
	return state, nil
}

func (s *Store) Save(ctx context.Context, state *ledger.SyncState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("[sqlitestore Save] begin: %w", err)
	}
	defer tx.Rollback()

	var lastCheck interface{}
	if state.LastCheck != nil {
		lastCheck = state.LastCheck.Format(time.RFC3339Nano)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO sync_state (id, last_check) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET last_check = excluded.last_check",
		lastCheck); err != nil {
		return fmt.Errorf("[sqlitestore Save] write last_check: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM seen_invoices"); err != nil {
		return fmt.Errorf("[sqlitestore Save] clear seen_invoices: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, "INSERT OR IGNORE INTO seen_invoices (hash, seen_at) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("[sqlitestore Save] prepare: %w", err)
	}
	defer stmt.Close()
	for _, e := range state.Seen {
		if _, err := stmt.ExecContext(ctx, e.Hash, e.SeenAt.Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("[sqlitestore Save] insert: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("[sqlitestore Save] commit: %w", err)
	}
	return nil
}
