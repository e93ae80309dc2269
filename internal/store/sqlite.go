package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS playlist_directory (
	name        TEXT PRIMARY KEY,
	playlist_id TEXT NOT NULL,
	updated_at  DATETIME NOT NULL
)`

// SQLiteStore persists the directory in a SQLite file so it survives restarts.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path. The path can be
// ":memory:" for a throwaway database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases consistent and serializes writers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create playlist_directory table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, name string) (string, bool, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT playlist_id FROM playlist_directory WHERE name = ?`, name).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read directory entry %q: %w", name, err)
	}
	return id, true, nil
}

func (s *SQLiteStore) Put(ctx context.Context, name, id string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO playlist_directory (name, playlist_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET playlist_id = excluded.playlist_id, updated_at = excluded.updated_at`,
		name, id, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to write directory entry %q: %w", name, err)
	}
	return nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM playlist_directory`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count directory entries: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
