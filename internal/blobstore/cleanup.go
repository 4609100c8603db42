package blobstore

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Cleanup removes every analysis document recorded for the given task,
// deleting each referenced artifact only when this analysis is its sole
// referent. Call-log rows belong to exactly one analysis and are always
// removed. Runs before a report is regenerated so the new analysis
// document replaces the old one without leaking blobs.
//
// A failed artifact delete is logged and skipped: over-retaining a blob is
// acceptable, destroying one that another analysis still references is not.
func (s *Store) Cleanup(ctx context.Context, taskID int64) error {
	analyses, err := s.AnalysesForTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("cleanup: %w", err)
	}
	if len(analyses) == 0 {
		return nil
	}

	log.Printf("Deleting analysis data for task #%d", taskID)

	for _, a := range analyses {
		s.deleteIfSoleRef(ctx, a.TargetFileID,
			`SELECT COUNT(*) FROM analyses WHERE target_file_id = ?`)
		for _, shot := range a.ShotIDs {
			s.deleteIfSoleRef(ctx, shot,
				`SELECT COUNT(DISTINCT analysis_id) FROM analysis_shots WHERE file_id = ?`)
		}
		s.deleteIfSoleRef(ctx, a.PcapID,
			`SELECT COUNT(*) FROM analyses WHERE pcap_id = ?`)
		s.deleteIfSoleRef(ctx, a.SortedPcapID,
			`SELECT COUNT(*) FROM analyses WHERE sorted_pcap_id = ?`)
		for _, drop := range a.DroppedIDs {
			s.deleteIfSoleRef(ctx, drop,
				`SELECT COUNT(DISTINCT analysis_id) FROM analysis_dropped WHERE file_id = ?`)
		}

		// Call documents are never shared across analyses.
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM calls WHERE analysis_id = ?`, a.ID); err != nil {
			return fmt.Errorf("cleanup: failed to delete call logs for analysis %s: %w", a.ID, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM analysis_shots WHERE analysis_id = ?`, a.ID); err != nil {
			return fmt.Errorf("cleanup: failed to delete screenshot refs for analysis %s: %w", a.ID, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM analysis_dropped WHERE analysis_id = ?`, a.ID); err != nil {
			return fmt.Errorf("cleanup: failed to delete dropped refs for analysis %s: %w", a.ID, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM analyses WHERE id = ?`, a.ID); err != nil {
			return fmt.Errorf("cleanup: failed to delete analysis %s: %w", a.ID, err)
		}
	}
	return nil
}

// deleteIfSoleRef counts references to the artifact with countQuery and
// deletes it iff exactly one analysis references it right now. The
// read-then-delete sequence is not isolated from a concurrent
// orchestrator; single-orchestrator deployments are assumed.
func (s *Store) deleteIfSoleRef(ctx context.Context, fileID, countQuery string) {
	if fileID == "" {
		return
	}

	var refs int
	if err := s.db.QueryRowContext(ctx, countQuery, fileID).Scan(&refs); err != nil {
		log.Printf("WARNING: failed to count references for artifact %s: %v", fileID, err)
		return
	}
	if refs != 1 {
		return
	}

	if err := s.deleteArtifact(ctx, fileID); err != nil {
		log.Printf("WARNING: failed to delete artifact %s: %v", fileID, err)
	}
}

// deleteArtifact removes an artifact row and its stored file, retrying
// transient storage errors with exponential backoff.
func (s *Store) deleteArtifact(ctx context.Context, fileID string) error {
	a, err := s.GetArtifact(ctx, fileID)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 5 * time.Second

	op := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE id = ?`, fileID)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return err
	}

	if a.StoredPath != "" {
		if err := os.Remove(a.StoredPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("artifact row deleted but file remains: %w", err)
		}
	}
	return nil
}
