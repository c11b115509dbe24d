package transcript

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists transcripts in a local SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

const createTurnsTable = `
CREATE TABLE IF NOT EXISTS turns (
	turn_id TEXT NOT NULL PRIMARY KEY,
	session_id TEXT NOT NULL,
	account TEXT NOT NULL DEFAULT '',
	query TEXT NOT NULL,
	answer TEXT NOT NULL,
	state TEXT NOT NULL,
	actual_cost REAL NOT NULL,
	started_at DATETIME NOT NULL,
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_turns_session ON turns (session_id, started_at);
`

// NewSQLiteStore opens (and migrates) the transcript database.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript db: %w", err)
	}
	if _, err := db.Exec(createTurnsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate transcript db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append inserts one terminal turn.
func (s *SQLiteStore) Append(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO turns
		 (turn_id, session_id, account, query, answer, state, actual_cost, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.TurnID, rec.SessionID, rec.Account, rec.Query, rec.Answer, rec.State,
		rec.ActualCost, rec.StartedAt.UTC(), rec.FinishedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append transcript: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
