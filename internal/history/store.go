// Package history persists the code submitted to the kernel.
//
// Every kernel start opens a new session; entries are numbered per session
// with the execution count they were run with, which is what history_request
// replies carry.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrClosed is returned when the store has been closed.
var ErrClosed = errors.New("history store closed")

// Entry is one stored input.
type Entry struct {
	Session int       `json:"session"`
	Line    int       `json:"line"`
	Source  string    `json:"source"`
	Created time.Time `json:"created"`
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session    INTEGER NOT NULL,
	line       INTEGER NOT NULL,
	source     TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS history_session_line ON history (session, line);
`

// Store is a SQLite-backed history store. It is safe for concurrent use.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	session int
	closed  bool
}

// Open opens (or creates) the store at path. Use ":memory:" for a
// throwaway store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	// A single connection keeps ":memory:" databases alive and serializes
	// writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// NewSession starts a new session and makes it current.
func (s *Store) NewSession(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	res, err := s.db.ExecContext(ctx, `INSERT INTO sessions (started_at) VALUES (?)`, time.Now().Unix())
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("create session: %w", err)
	}
	s.session = int(id)
	return s.session, nil
}

// Session returns the current session, 0 before NewSession.
func (s *Store) Session() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// Append records source as line of the current session.
func (s *Store) Append(ctx context.Context, line int, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.session == 0 {
		return errors.New("append history: no session")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO history (session, line, source, created_at) VALUES (?, ?, ?, ?)`,
		s.session, line, source, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Tail returns the last n entries across all sessions, oldest first. With
// unique set, repeated sources keep only their latest occurrence.
func (s *Store) Tail(ctx context.Context, n int, unique bool) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	query := `SELECT session, line, source, created_at FROM history ORDER BY id DESC LIMIT ?`
	if unique {
		query = `SELECT session, line, source, created_at FROM history
			WHERE id IN (SELECT MAX(id) FROM history GROUP BY source)
			ORDER BY id DESC LIMIT ?`
	}
	entries, err := s.query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("history tail: %w", err)
	}
	reverse(entries)
	return entries, nil
}

// Range returns the entries of session with start <= line < stop. A session
// of zero or less is relative to the current one (0 is current, -1 the
// previous). A stop of zero or less means no upper bound.
func (s *Store) Range(ctx context.Context, session, start, stop int) ([]Entry, error) {
	if session <= 0 {
		session += s.Session()
	}
	if stop <= 0 {
		stop = int(^uint32(0) >> 1)
	}
	entries, err := s.query(ctx,
		`SELECT session, line, source, created_at FROM history
			WHERE session = ? AND line >= ? AND line < ?
			ORDER BY line, id`,
		session, start, stop)
	if err != nil {
		return nil, fmt.Errorf("history range: %w", err)
	}
	return entries, nil
}

// Search returns up to n entries (n <= 0 for all) whose source matches the
// glob pattern, oldest first.
func (s *Store) Search(ctx context.Context, pattern string, n int, unique bool) ([]Entry, error) {
	if pattern == "" {
		pattern = "*"
	}
	if n <= 0 {
		n = -1
	}
	query := `SELECT session, line, source, created_at FROM history
		WHERE source GLOB ? ORDER BY id DESC LIMIT ?`
	if unique {
		query = `SELECT session, line, source, created_at FROM history
			WHERE id IN (SELECT MAX(id) FROM history WHERE source GLOB ?1 GROUP BY source)
			ORDER BY id DESC LIMIT ?2`
	}
	entries, err := s.query(ctx, query, pattern, n)
	if err != nil {
		return nil, fmt.Errorf("history search: %w", err)
	}
	reverse(entries)
	return entries, nil
}

// Prune deletes all but the newest keep entries and the sessions left
// empty, except the current one. It returns the number of entries removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if keep < 0 {
		keep = 0
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM history WHERE id NOT IN (SELECT id FROM history ORDER BY id DESC LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	removed, _ := res.RowsAffected()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE id != ? AND id NOT IN (SELECT DISTINCT session FROM history)`, s.session); err != nil {
		return removed, fmt.Errorf("prune sessions: %w", err)
	}
	return removed, nil
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.Session, &e.Line, &e.Source, &created); err != nil {
			return nil, err
		}
		e.Created = time.Unix(created, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func reverse(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
