// Package journal records the lifecycle of every utterance in SQLite so
// spoken replies and their failures can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no utterance has the requested id
var ErrNotFound = errors.New("utterance not found")

// Fixed-width UTC timestamps so text ordering matches time ordering
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Entry is one utterance row
type Entry struct {
	ID            string
	CorrelationID string
	Mode          string
	Text          string
	State         string
	Detail        string    // Error message for failed utterances
	StartAt       time.Time // Clock time of the first sample
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Transition is one recorded state change
type Transition struct {
	ID          int64
	UtteranceID string
	State       string
	Detail      string
	At          time.Time
}

// Store wraps a SQLite-backed utterance journal
type Store struct {
	db    *sql.DB
	clock func() time.Time
}

// Open creates or opens the journal at path
func Open(ctx context.Context, path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS utterances (
    id TEXT PRIMARY KEY,
    correlation_id TEXT,
    mode TEXT,
    text TEXT NOT NULL,
    state TEXT NOT NULL,
    detail TEXT,
    start_at TEXT,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    utterance_id TEXT NOT NULL,
    state TEXT NOT NULL,
    detail TEXT,
    at TEXT NOT NULL,
    FOREIGN KEY(utterance_id) REFERENCES utterances(id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transitions_utterance ON transitions(utterance_id, id);
CREATE INDEX IF NOT EXISTS idx_utterances_created ON utterances(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases underlying resources
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthy pings the database
func (s *Store) Healthy(ctx context.Context) (bool, error) {
	if err := s.db.PingContext(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Begin records a new utterance
func (s *Store) Begin(ctx context.Context, e Entry) error {
	now := s.clock().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.State == "" {
		e.State = "idle"
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO utterances(id, correlation_id, mode, text, state, detail, start_at, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.CorrelationID, e.Mode, e.Text, e.State, e.Detail,
		formatTime(e.StartAt), formatTime(e.CreatedAt), formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert utterance %s: %w", e.ID, err)
	}
	return nil
}

// Transition updates an utterance's state and appends it to its history
func (s *Store) Transition(ctx context.Context, id, state, detail string, at time.Time) (err error) {
	if at.IsZero() {
		at = s.clock()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE utterances SET state = ?, detail = ?, updated_at = ? WHERE id = ?`,
		state, detail, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("update utterance %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO transitions(utterance_id, state, detail, at) VALUES(?, ?, ?, ?)`,
		id, state, detail, formatTime(at)); err != nil {
		return fmt.Errorf("insert transition for %s: %w", id, err)
	}
	return tx.Commit()
}

// Get returns one utterance
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, correlation_id, mode, text, state, detail, start_at, created_at, updated_at
		 FROM utterances WHERE id = ?`, id)

	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return e, nil
}

// Recent returns up to limit utterances, newest first
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, correlation_id, mode, text, state, detail, start_at, created_at, updated_at
		 FROM utterances ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// Transitions returns the state history of an utterance in order
func (s *Store) Transitions(ctx context.Context, id string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, utterance_id, state, detail, at FROM transitions
		 WHERE utterance_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transitions []Transition
	for rows.Next() {
		var t Transition
		var detail sql.NullString
		var at string
		if err := rows.Scan(&t.ID, &t.UtteranceID, &t.State, &detail, &at); err != nil {
			return nil, err
		}
		t.Detail = detail.String
		t.At = parseTime(at)
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// Prune deletes utterances created before cutoff. Returns the number removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM utterances WHERE created_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var correlationID, mode, detail, startAt sql.NullString
	var created, updated string
	if err := row.Scan(&e.ID, &correlationID, &mode, &e.Text, &e.State, &detail, &startAt, &created, &updated); err != nil {
		return nil, err
	}
	e.CorrelationID = correlationID.String
	e.Mode = mode.String
	e.Detail = detail.String
	e.StartAt = parseTime(startAt.String)
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return &e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return ts
}
