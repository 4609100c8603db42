package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/cradlesec/cradle/internal/config"
	"github.com/cradlesec/cradle/internal/task"
)

// TargetInfoStage records basic metadata about the analyzed sample. When
// the submitted path is gone (deleted after a prior report) it falls back
// to the stored binary copy.
type TargetInfoStage struct {
	Cfg *config.Config
}

func (s *TargetInfoStage) Name() string   { return "targetinfo" }
func (s *TargetInfoStage) Deps() []string { return nil }

func (s *TargetInfoStage) Run(ctx context.Context, t *task.Task, res *Results) error {
	path, ok := resolveTargetPath(s.Cfg, t)
	if !ok {
		// Sample no longer on disk; keep what the task record knows.
		res.Target = &TargetInfo{
			Path: t.TargetPath,
			Name: filepath.Base(t.TargetPath),
		}
		return nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat target: %w", err)
	}

	sum, err := hashFile(path)
	if err != nil {
		return fmt.Errorf("hashing target: %w", err)
	}
	res.Target = &TargetInfo{
		Path:   t.TargetPath,
		Name:   filepath.Base(t.TargetPath),
		Size:   fi.Size(),
		SHA256: sum,
	}
	return nil
}

// ScreenshotsStage collects screenshot files captured during execution.
type ScreenshotsStage struct {
	Cfg *config.Config
}

func (s *ScreenshotsStage) Name() string   { return "screenshots" }
func (s *ScreenshotsStage) Deps() []string { return nil }

func (s *ScreenshotsStage) Run(ctx context.Context, t *task.Task, res *Results) error {
	res.Shots = listFiles(filepath.Join(s.Cfg.AnalysisPath(t.ID), "shots"))
	return nil
}

// NetworkStage locates the raw and sorted capture files.
type NetworkStage struct {
	Cfg *config.Config
}

func (s *NetworkStage) Name() string   { return "network" }
func (s *NetworkStage) Deps() []string { return nil }

func (s *NetworkStage) Run(ctx context.Context, t *task.Task, res *Results) error {
	dir := s.Cfg.AnalysisPath(t.ID)
	if p := filepath.Join(dir, "dump.pcap"); fileExists(p) {
		res.PcapPath = p
	}
	if p := filepath.Join(dir, "dump_sorted.pcap"); fileExists(p) {
		res.SortedPcapPath = p
	}
	return nil
}

// DroppedStage collects files the sample dropped during execution.
type DroppedStage struct {
	Cfg *config.Config
}

func (s *DroppedStage) Name() string   { return "dropped" }
func (s *DroppedStage) Deps() []string { return nil }

func (s *DroppedStage) Run(ctx context.Context, t *task.Task, res *Results) error {
	res.Dropped = listFiles(filepath.Join(s.Cfg.AnalysisPath(t.ID), "files"))
	return nil
}

// BehaviorStage collects the per-process execution call logs.
type BehaviorStage struct {
	Cfg *config.Config
}

func (s *BehaviorStage) Name() string   { return "behavior" }
func (s *BehaviorStage) Deps() []string { return nil }

func (s *BehaviorStage) Run(ctx context.Context, t *task.Task, res *Results) error {
	res.CallLogs = listFiles(filepath.Join(s.Cfg.AnalysisPath(t.ID), "logs"))
	return nil
}

// SignatureFunc evaluates one heuristic over the accumulated results.
// Returning nil means no match.
type SignatureFunc func(res *Results) *Match

// SignaturesStage applies registered signature heuristics. The actual
// signature corpus lives outside this core; the built-ins are a minimal
// stock set.
type SignaturesStage struct {
	Sigs []SignatureFunc
}

func (s *SignaturesStage) Name() string   { return "signatures" }
func (s *SignaturesStage) Deps() []string { return nil }

func (s *SignaturesStage) Run(ctx context.Context, t *task.Task, res *Results) error {
	for _, sig := range s.Sigs {
		if m := sig(res); m != nil {
			res.Matches = append(res.Matches, *m)
		}
	}
	return nil
}

// DefaultSignatures returns the stock heuristic set.
func DefaultSignatures() []SignatureFunc {
	return []SignatureFunc{
		func(res *Results) *Match {
			if len(res.Dropped) >= 10 {
				return &Match{
					Name:        "many_dropped_files",
					Description: "sample wrote an unusual number of files to disk",
					Severity:    2,
				}
			}
			return nil
		},
		func(res *Results) *Match {
			if res.PcapPath != "" {
				return &Match{
					Name:        "network_activity",
					Description: "network traffic was captured during execution",
					Severity:    1,
				}
			}
			return nil
		},
	}
}

// resolveTargetPath locates the sample on disk: the submitted path if it
// still exists, else the stored binary copy.
func resolveTargetPath(cfg *config.Config, t *task.Task) (string, bool) {
	if fileExists(t.TargetPath) {
		return t.TargetPath, true
	}
	if t.ContentHash != "" {
		if p := cfg.BinaryPath(t.ContentHash); fileExists(p) {
			return p, true
		}
	}
	return "", false
}

func listFiles(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	sort.Strings(paths)
	return paths
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && !fi.IsDir()
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
