// Package sqlite implements kv.Store on a single SQLite table.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/becomeliminal/nim-recall/kv"
)

const schema = `CREATE TABLE IF NOT EXISTS kv (
	store TEXT NOT NULL,
	id    TEXT NOT NULL,
	value BLOB NOT NULL,
	PRIMARY KEY (store, id)
)`

// Store is a kv.Store backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ kv.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("kv sqlite: db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("kv sqlite: create dir: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("kv sqlite: open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite handles one writer at a time

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("kv sqlite: init schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, store, id string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (store, id, value) VALUES (?, ?, ?)
		 ON CONFLICT(store, id) DO UPDATE SET value = excluded.value`,
		store, id, value)
	if err != nil {
		return fmt.Errorf("kv sqlite: put %s/%s: %w", store, id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, store, id string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE store = ? AND id = ?`, store, id).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv sqlite: get %s/%s: %w", store, id, err)
	}
	return value, nil
}

func (s *Store) GetAll(ctx context.Context, store string) ([]kv.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, value FROM kv WHERE store = ? ORDER BY id`, store)
	if err != nil {
		return nil, fmt.Errorf("kv sqlite: get all %s: %w", store, err)
	}
	defer rows.Close()

	var out []kv.Entry
	for rows.Next() {
		var e kv.Entry
		if err := rows.Scan(&e.ID, &e.Value); err != nil {
			return nil, fmt.Errorf("kv sqlite: scan %s: %w", store, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Delete(ctx context.Context, store, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE store = ? AND id = ?`, store, id); err != nil {
		return fmt.Errorf("kv sqlite: delete %s/%s: %w", store, id, err)
	}
	return nil
}

func (s *Store) Clear(ctx context.Context, store string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE store = ?`, store); err != nil {
		return fmt.Errorf("kv sqlite: clear %s: %w", store, err)
	}
	return nil
}
