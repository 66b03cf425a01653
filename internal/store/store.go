// Package store persists the restore list: which terminals were open, with
// what shell and working directory, so the editor can bring them back after
// a restart. Settings themselves are persisted by the host application, not
// here.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS terminals (
	id         TEXT PRIMARY KEY,
	shell      TEXT NOT NULL DEFAULT '',
	cwd        TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL
);
`

// Terminal is one restorable terminal row.
type Terminal struct {
	ID        string
	Shell     string
	Cwd       string
	CreatedAt time.Time
}

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the sqlite database at path and applies
// the schema. ":memory:" works for tests.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a terminal row.
func (s *Store) Save(t Terminal) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO terminals (id, shell, cwd, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET shell = excluded.shell, cwd = excluded.cwd`,
		t.ID, t.Shell, t.Cwd, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("save terminal %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) Delete(id string) error {
	if _, err := s.db.Exec(`DELETE FROM terminals WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete terminal %s: %w", id, err)
	}
	return nil
}

// List returns all rows, oldest first, so restore order matches the order
// the terminals were opened.
func (s *Store) List() ([]Terminal, error) {
	rows, err := s.db.Query(`SELECT id, shell, cwd, created_at FROM terminals ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list terminals: %w", err)
	}
	defer rows.Close()

	var out []Terminal
	for rows.Next() {
		var t Terminal
		if err := rows.Scan(&t.ID, &t.Shell, &t.Cwd, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan terminal row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
