// Package history persists the command invocation audit trail. Every
// router dispatch — accepted or refused — lands here so operators can
// reconstruct what ran, who asked for it, and how it ended. The store
// is intentionally append-mostly: records are written once and read
// back for the /history command and the HTTP API.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Invocation is one audited command dispatch.
type Invocation struct {
	// ID is the router-assigned invocation id (UUID).
	ID string
	// Command is the bare command name, without the leading slash.
	Command string
	// Args is the space-joined argument string as received.
	Args string
	// Origin records who asked: "interactive" or "planner".
	Origin string
	// Outcome is "succeeded", "failed", or a "rejected:*" reason.
	Outcome string
	// Detail carries the error text for failed or rejected runs.
	Detail string
	// Timestamp is when the router handled the invocation.
	Timestamp time.Time
}

// Store is the SQLite-backed invocation log. All public methods are
// safe for concurrent use (SQLite serializes writes). A nil *Store is
// tolerated by the router, so hosts that run without a vault simply
// skip persistence.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the history database at the given path.
// The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection. Safe on a nil receiver.
func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS invocations (
		id         TEXT PRIMARY KEY,
		command    TEXT NOT NULL,
		args       TEXT NOT NULL DEFAULT '',
		origin     TEXT NOT NULL,
		outcome    TEXT NOT NULL,
		detail     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_invocations_created
		ON invocations (created_at DESC);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record appends one invocation. Safe on a nil receiver (no-op), so
// the router never has to branch on whether persistence is wired.
func (s *Store) Record(inv Invocation) error {
	if s == nil {
		return nil
	}
	if inv.Timestamp.IsZero() {
		inv.Timestamp = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO invocations (id, command, args, origin, outcome, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.Command, inv.Args, inv.Origin, inv.Outcome, inv.Detail,
		inv.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record invocation %s: %w", inv.ID, err)
	}
	return nil
}

// Recent returns the most recent invocations, newest first. A nil
// receiver returns an empty slice.
func (s *Store) Recent(limit int) ([]Invocation, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, command, args, origin, outcome, detail, created_at
		 FROM invocations ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent invocations: %w", err)
	}
	defer rows.Close()

	var out []Invocation
	for rows.Next() {
		var inv Invocation
		var ts string
		if err := rows.Scan(&inv.ID, &inv.Command, &inv.Args, &inv.Origin,
			&inv.Outcome, &inv.Detail, &ts); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		inv.Timestamp, _ = time.Parse(time.RFC3339, ts)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// CountByOutcome returns invocation counts grouped by outcome. Used by
// the status surfaces to summarize recent activity.
func (s *Store) CountByOutcome() (map[string]int, error) {
	if s == nil {
		return map[string]int{}, nil
	}
	rows, err := s.db.Query(
		`SELECT outcome, COUNT(*) FROM invocations GROUP BY outcome`,
	)
	if err != nil {
		return nil, fmt.Errorf("count by outcome: %w", err)
	}
	defer rows.Close()

	result := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		result[outcome] = n
	}
	return result, rows.Err()
}
