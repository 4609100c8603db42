package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/cradlesec/cradle/internal/blobstore"
	"github.com/cradlesec/cradle/internal/config"
	"github.com/cradlesec/cradle/internal/task"
)

// BlobDocsStage writes the analysis document for this run into the blob
// store: artifacts are deduplicated by content hash so repeat analyses of
// the same sample share blobs, and call logs get one document each.
type BlobDocsStage struct {
	Cfg   *config.Config
	Store *blobstore.Store
}

func (s *BlobDocsStage) Name() string   { return "blobdocs" }
func (s *BlobDocsStage) Deps() []string { return nil }

func (s *BlobDocsStage) Run(ctx context.Context, t *task.Task, res *Results) error {
	doc := &blobstore.Analysis{TaskID: t.ID}

	var err error
	if path, ok := resolveTargetPath(s.Cfg, t); ok {
		if doc.TargetFileID, err = s.Store.StoreFile(ctx, path); err != nil {
			return err
		}
	}
	if doc.ShotIDs, err = s.storeAll(ctx, res.Shots); err != nil {
		return err
	}
	if res.PcapPath != "" {
		if doc.PcapID, err = s.Store.StoreFile(ctx, res.PcapPath); err != nil {
			return err
		}
	}
	if res.SortedPcapPath != "" {
		if doc.SortedPcapID, err = s.Store.StoreFile(ctx, res.SortedPcapPath); err != nil {
			return err
		}
	}
	if doc.DroppedIDs, err = s.storeAll(ctx, res.Dropped); err != nil {
		return err
	}

	// One call document per process log; never shared across analyses.
	for range res.CallLogs {
		doc.CallIDs = append(doc.CallIDs, uuid.NewString())
	}

	if err := s.Store.SaveAnalysis(ctx, doc); err != nil {
		return err
	}
	res.AnalysisID = doc.ID
	return nil
}

func (s *BlobDocsStage) storeAll(ctx context.Context, paths []string) ([]string, error) {
	var ids []string
	for _, p := range paths {
		id, err := s.Store.StoreFile(ctx, p)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// JSONDumpStage writes the full accumulator as report.json under the
// analysis directory. Declared dependencies let it run after the blob
// store document exists so the dump carries the analysis id.
type JSONDumpStage struct {
	Cfg      *config.Config
	RunAfter []string
}

func (s *JSONDumpStage) Name() string   { return "jsondump" }
func (s *JSONDumpStage) Deps() []string { return s.RunAfter }

func (s *JSONDumpStage) Run(ctx context.Context, t *task.Task, res *Results) error {
	dir := filepath.Join(s.Cfg.AnalysisPath(t.ID), "reports")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating reports directory: %w", err)
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "report.json"), data, 0644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
