// Package blobstore is the shared artifact and analysis-document store.
//
// Analysis artifacts (captured samples, screenshots, pcaps, dropped files)
// are stored once and referenced by opaque ids from any number of analysis
// documents, so regenerating one analysis's report must not destroy an
// artifact another analysis still points at. Cleanup enforces that with a
// per-category reference count checked immediately before each delete.
package blobstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store is a SQLite-backed document store for analyses and their
// artifacts. Artifact bytes are copied into the store's file root on
// ingest, keyed by content hash; the analysis directories and submitted
// samples they came from are never touched by cleanup.
type Store struct {
	db        *sql.DB
	root      string
	ephemeral bool
}

// Open opens (or creates) the blob store database at dbPath, with
// artifact files kept under filesRoot.
func Open(ctx context.Context, dbPath, filesRoot string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blobstore directory: %w", err)
	}
	if err := os.MkdirAll(filesRoot, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob file root: %w", err)
	}

	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open blobstore: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s := &Store{db: db, root: filesRoot}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize blobstore schema: %w", err)
	}
	return s, nil
}

// OpenMemory creates an in-memory blob store for testing, with a
// throwaway file root that Close removes.
func OpenMemory(ctx context.Context) (*Store, error) {
	root, err := os.MkdirTemp("", "cradle-blobs-")
	if err != nil {
		return nil, fmt.Errorf("failed to create blob file root: %w", err)
	}

	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		os.RemoveAll(root)
		return nil, fmt.Errorf("failed to open memory blobstore: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		os.RemoveAll(root)
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, root: root, ephemeral: true}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		os.RemoveAll(root)
		return nil, fmt.Errorf("failed to initialize blobstore schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection and, for in-memory stores, removes
// the temporary file root.
func (s *Store) Close() error {
	err := s.db.Close()
	if s.ephemeral {
		os.RemoveAll(s.root)
	}
	return err
}

// initSchema creates the blob store tables if they don't exist.
func (s *Store) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		sha256 TEXT,
		size INTEGER NOT NULL DEFAULT 0,
		stored_path TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS analyses (
		id TEXT PRIMARY KEY,
		task_id INTEGER NOT NULL,
		target_file_id TEXT,
		pcap_id TEXT,
		sorted_pcap_id TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_analyses_task_id ON analyses(task_id);

	CREATE TABLE IF NOT EXISTS analysis_shots (
		analysis_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		PRIMARY KEY (analysis_id, file_id),
		FOREIGN KEY (analysis_id) REFERENCES analyses(id)
	);

	CREATE TABLE IF NOT EXISTS analysis_dropped (
		analysis_id TEXT NOT NULL,
		file_id TEXT NOT NULL,
		PRIMARY KEY (analysis_id, file_id),
		FOREIGN KEY (analysis_id) REFERENCES analyses(id)
	);

	CREATE TABLE IF NOT EXISTS calls (
		id TEXT PRIMARY KEY,
		analysis_id TEXT NOT NULL,
		process_index INTEGER NOT NULL DEFAULT 0,
		log TEXT,
		FOREIGN KEY (analysis_id) REFERENCES analyses(id)
	);

	CREATE INDEX IF NOT EXISTS idx_calls_analysis_id ON calls(analysis_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
