// Copyright (c) 2025, the postarchive contributors.
// SPDX-License-Identifier: MIT

package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the document as a single-row blob in an embedded
// sqlite database. This is the default backend for the standalone service.
type SQLiteStore struct {
	conn *sql.DB
}

func NewSQLiteStore(databasePath string) (*SQLiteStore, error) {
	// Ensure the directory exists
	dir := filepath.Dir(databasePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", databasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode and a busy timeout keep concurrent readers from erroring out
	if _, err := conn.Exec("PRAGMA journal_mode = WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout = 10000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			body BLOB NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create documents table: %w", err)
	}

	return &SQLiteStore{conn: conn}, nil
}

func (s *SQLiteStore) Load(ctx context.Context) (Document, error) {
	var body []byte
	err := s.conn.QueryRowContext(ctx, "SELECT body FROM documents WHERE id = 1").Scan(&body)
	if err == sql.ErrNoRows {
		return Document{}, nil
	}
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse stored document: %w", err)
	}

	return doc, nil
}

func (s *SQLiteStore) Save(ctx context.Context, doc Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO documents (id, body, updated_at) VALUES (1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body, updated_at = CURRENT_TIMESTAMP
	`

	_, err = s.conn.ExecContext(ctx, query, body)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}
