package blobstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Artifact is one stored blob, shared by reference across analyses.
type Artifact struct {
	ID         string
	SHA256     string
	Size       int64
	StoredPath string
}

// Analysis is one analysis document: the per-task record tying artifact
// references and per-process call logs together.
type Analysis struct {
	ID           string
	TaskID       int64
	TargetFileID string
	PcapID       string
	SortedPcapID string
	ShotIDs      []string
	DroppedIDs   []string
	CallIDs      []string
}

// PutArtifact stores an artifact record and returns its opaque id.
func (s *Store) PutArtifact(ctx context.Context, sha256 string, size int64, storedPath string) (string, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, sha256, size, stored_path)
		VALUES (?, ?, ?, ?)
	`, id, sha256, size, storedPath)
	if err != nil {
		return "", fmt.Errorf("failed to store artifact: %w", err)
	}
	return id, nil
}

// EnsureArtifact stores an artifact record unless one with the same
// content hash already exists, in which case the existing id is returned.
// This is what makes sharing work: two analyses of the same sample resolve
// to one artifact id, and cleanup's reference count sees both.
func (s *Store) EnsureArtifact(ctx context.Context, sha256 string, size int64, storedPath string) (string, error) {
	if sha256 != "" {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM artifacts WHERE sha256 = ? LIMIT 1`, sha256).Scan(&id)
		if err == nil {
			return id, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("failed to look up artifact by hash: %w", err)
		}
	}
	return s.PutArtifact(ctx, sha256, size, storedPath)
}

// StoreFile ingests a file into the blob store: the bytes are copied into
// the store's file root keyed by content hash and an artifact record is
// created, or the existing record's id is returned when the same content
// was ingested before. The source file is left alone.
func (s *Store) StoreFile(ctx context.Context, srcPath string) (string, error) {
	fi, err := os.Stat(srcPath)
	if err != nil {
		return "", fmt.Errorf("blob source %s: %w", srcPath, err)
	}
	sum, err := hashFile(srcPath)
	if err != nil {
		return "", fmt.Errorf("blob source %s: %w", srcPath, err)
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM artifacts WHERE sha256 = ? LIMIT 1`, sum).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("failed to look up artifact by hash: %w", err)
	}

	storedPath := filepath.Join(s.root, sum)
	if err := copyFile(srcPath, storedPath); err != nil {
		return "", fmt.Errorf("failed to store blob for %s: %w", srcPath, err)
	}
	return s.PutArtifact(ctx, sum, fi.Size(), storedPath)
}

// GetArtifact retrieves an artifact by id. Returns (nil, nil) when no such
// artifact exists.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	a := &Artifact{}
	var sha, path sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sha256, size, stored_path FROM artifacts WHERE id = ?
	`, id).Scan(&a.ID, &sha, &a.Size, &path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query artifact: %w", err)
	}
	a.SHA256 = sha.String
	a.StoredPath = path.String
	return a, nil
}

// SaveAnalysis inserts an analysis document with its artifact references
// and call-log rows in one transaction. A missing ID gets a fresh one.
func (s *Store) SaveAnalysis(ctx context.Context, a *Analysis) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO analyses (id, task_id, target_file_id, pcap_id, sorted_pcap_id)
		VALUES (?, ?, ?, ?, ?)
	`, a.ID, a.TaskID, nullable(a.TargetFileID), nullable(a.PcapID), nullable(a.SortedPcapID))
	if err != nil {
		return fmt.Errorf("failed to insert analysis: %w", err)
	}

	for _, shot := range a.ShotIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_shots (analysis_id, file_id) VALUES (?, ?)
		`, a.ID, shot); err != nil {
			return fmt.Errorf("failed to insert screenshot ref: %w", err)
		}
	}
	for _, drop := range a.DroppedIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO analysis_dropped (analysis_id, file_id) VALUES (?, ?)
		`, a.ID, drop); err != nil {
			return fmt.Errorf("failed to insert dropped ref: %w", err)
		}
	}
	for i, call := range a.CallIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO calls (id, analysis_id, process_index) VALUES (?, ?, ?)
		`, call, a.ID, i); err != nil {
			return fmt.Errorf("failed to insert call log: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit analysis: %w", err)
	}
	return nil
}

// AnalysesForTask loads every analysis document recorded for a task,
// including artifact references and call ids.
func (s *Store) AnalysesForTask(ctx context.Context, taskID int64) ([]*Analysis, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, target_file_id, pcap_id, sorted_pcap_id
		FROM analyses
		WHERE task_id = ?
		ORDER BY created_at
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query analyses: %w", err)
	}
	defer rows.Close()

	var analyses []*Analysis
	for rows.Next() {
		a := &Analysis{}
		var target, pcap, sorted sql.NullString
		if err := rows.Scan(&a.ID, &a.TaskID, &target, &pcap, &sorted); err != nil {
			return nil, fmt.Errorf("failed to scan analysis: %w", err)
		}
		a.TargetFileID = target.String
		a.PcapID = pcap.String
		a.SortedPcapID = sorted.String
		analyses = append(analyses, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating analyses: %w", err)
	}

	for _, a := range analyses {
		if a.ShotIDs, err = s.fileRefs(ctx, "analysis_shots", a.ID); err != nil {
			return nil, err
		}
		if a.DroppedIDs, err = s.fileRefs(ctx, "analysis_dropped", a.ID); err != nil {
			return nil, err
		}
		if a.CallIDs, err = s.callRefs(ctx, a.ID); err != nil {
			return nil, err
		}
	}
	return analyses, nil
}

func (s *Store) fileRefs(ctx context.Context, table, analysisID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT file_id FROM `+table+` WHERE analysis_id = ?`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan %s ref: %w", table, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) callRefs(ctx context.Context, analysisID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM calls WHERE analysis_id = ? ORDER BY process_index`, analysisID)
	if err != nil {
		return nil, fmt.Errorf("failed to query calls: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan call id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
