package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/cradlesec/cradle/internal/config"
	"github.com/cradlesec/cradle/internal/task"
)

// testConfig returns a config rooted in a throwaway storage directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.StorageRoot = t.TempDir()
	return cfg
}

// writeAnalysisFiles populates an analysis directory with artifact files.
func writeAnalysisFiles(t *testing.T, cfg *config.Config, taskID int64, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(cfg.AnalysisPath(taskID), name)
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("failed to create analysis dir: %v", err)
		}
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
}

func TestTargetInfoStage(t *testing.T) {
	cfg := testConfig(t)
	target := filepath.Join(t.TempDir(), "sample.exe")
	if err := os.WriteFile(target, []byte("content"), 0644); err != nil {
		t.Fatalf("failed to write target: %v", err)
	}

	res := NewResults(1)
	stage := &TargetInfoStage{Cfg: cfg}
	err := stage.Run(context.Background(), &task.Task{ID: 1, TargetPath: target}, res)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Target == nil {
		t.Fatal("no target info recorded")
	}
	if res.Target.Name != "sample.exe" || res.Target.Size != 7 {
		t.Errorf("target = %+v", res.Target)
	}
	if res.Target.SHA256 == "" {
		t.Error("target hash not computed")
	}
}

func TestTargetInfoStageBinaryFallback(t *testing.T) {
	cfg := testConfig(t)

	// The submitted path is gone; the stored binary copy stands in.
	binPath := cfg.BinaryPath("cafebabe")
	if err := os.MkdirAll(filepath.Dir(binPath), 0755); err != nil {
		t.Fatalf("mkdir failed: %v", err)
	}
	if err := os.WriteFile(binPath, []byte("copy"), 0644); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	res := NewResults(2)
	stage := &TargetInfoStage{Cfg: cfg}
	tsk := &task.Task{ID: 2, TargetPath: "/gone/sample.exe", ContentHash: "cafebabe"}
	if err := stage.Run(context.Background(), tsk, res); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Target == nil || res.Target.Size != 4 {
		t.Fatalf("fallback copy not used: %+v", res.Target)
	}
	// The report still names the original submission path.
	if res.Target.Path != "/gone/sample.exe" {
		t.Errorf("target path = %q", res.Target.Path)
	}
}

func TestTargetInfoStageMissingEverywhere(t *testing.T) {
	cfg := testConfig(t)

	res := NewResults(3)
	stage := &TargetInfoStage{Cfg: cfg}
	tsk := &task.Task{ID: 3, TargetPath: "/gone/sample.exe"}
	if err := stage.Run(context.Background(), tsk, res); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Target == nil || res.Target.Name != "sample.exe" {
		t.Fatalf("expected metadata-only target info, got %+v", res.Target)
	}
	if res.Target.SHA256 != "" {
		t.Error("hash recorded for a missing sample")
	}
}

func TestArtifactCollectionStages(t *testing.T) {
	cfg := testConfig(t)
	writeAnalysisFiles(t, cfg, 4, map[string]string{
		"shots/0001.jpg":   "a",
		"shots/0002.jpg":   "b",
		"dump.pcap":        "pcap",
		"dump_sorted.pcap": "sorted",
		"files/evil.dll":   "dropped",
		"logs/1234.bson":   "calls",
	})

	res := NewResults(4)
	tsk := &task.Task{ID: 4}
	ctx := context.Background()
	for _, s := range []Stage{
		&ScreenshotsStage{Cfg: cfg},
		&NetworkStage{Cfg: cfg},
		&DroppedStage{Cfg: cfg},
		&BehaviorStage{Cfg: cfg},
	} {
		if err := s.Run(ctx, tsk, res); err != nil {
			t.Fatalf("%s failed: %v", s.Name(), err)
		}
	}

	if len(res.Shots) != 2 {
		t.Errorf("collected %d shots, want 2", len(res.Shots))
	}
	if res.PcapPath == "" || res.SortedPcapPath == "" {
		t.Errorf("pcaps not located: %q / %q", res.PcapPath, res.SortedPcapPath)
	}
	if len(res.Dropped) != 1 || len(res.CallLogs) != 1 {
		t.Errorf("dropped/calls = %d/%d, want 1/1", len(res.Dropped), len(res.CallLogs))
	}
}

func TestArtifactStagesTolerateBareAnalysisDir(t *testing.T) {
	cfg := testConfig(t)

	res := NewResults(5)
	tsk := &task.Task{ID: 5}
	ctx := context.Background()
	for _, s := range []Stage{
		&ScreenshotsStage{Cfg: cfg},
		&NetworkStage{Cfg: cfg},
		&DroppedStage{Cfg: cfg},
		&BehaviorStage{Cfg: cfg},
	} {
		if err := s.Run(ctx, tsk, res); err != nil {
			t.Fatalf("%s failed on missing analysis dir: %v", s.Name(), err)
		}
	}
	if len(res.Shots) != 0 || res.PcapPath != "" || len(res.Dropped) != 0 {
		t.Errorf("artifacts invented for an empty analysis: %+v", res)
	}
}

func TestDefaultSignatures(t *testing.T) {
	res := NewResults(6)
	res.PcapPath = "/tmp/dump.pcap"
	for i := 0; i < 12; i++ {
		res.Dropped = append(res.Dropped, fmt.Sprintf("/tmp/files/f%d", i))
	}

	stage := &SignaturesStage{Sigs: DefaultSignatures()}
	if err := stage.Run(context.Background(), &task.Task{ID: 6}, res); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	names := make(map[string]bool)
	for _, m := range res.Matches {
		names[m.Name] = true
	}
	if !names["many_dropped_files"] || !names["network_activity"] {
		t.Errorf("matches = %v", res.Matches)
	}
}

func TestSignaturesNoMatches(t *testing.T) {
	res := NewResults(7)
	stage := &SignaturesStage{Sigs: DefaultSignatures()}
	if err := stage.Run(context.Background(), &task.Task{ID: 7}, res); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(res.Matches) != 0 {
		t.Errorf("matches on empty results: %v", res.Matches)
	}
}
