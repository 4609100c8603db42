package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSaveCreatesFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.StorageRoot = "/srv/cradle"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read config file: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Config file contains invalid JSON: %v", err)
	}
	if loaded.StorageRoot != "/srv/cradle" {
		t.Errorf("Expected storage root '/srv/cradle', got '%s'", loaded.StorageRoot)
	}
}

func TestSaveCreatesParentDir(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "nested", "deep", "config.json")

	if err := Save(DefaultConfig(), path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Fatalf("Config file was not created: %s", path)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.StorageRoot = "/srv/cradle"
	cfg.Processing.Parallelism = 8
	cfg.Processing.MaxAnalysisCount = 50
	cfg.Processing.DeleteOriginal = true
	cfg.BlobStore.Enabled = false
	cfg.Reporting.JSONDump = false

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.StorageRoot != cfg.StorageRoot {
		t.Errorf("storage root mismatch: got '%s'", loaded.StorageRoot)
	}
	if loaded.Processing.Parallelism != 8 {
		t.Errorf("parallelism mismatch: got %d", loaded.Processing.Parallelism)
	}
	if loaded.Processing.MaxAnalysisCount != 50 {
		t.Errorf("max_analysis_count mismatch: got %d", loaded.Processing.MaxAnalysisCount)
	}
	if !loaded.Processing.DeleteOriginal {
		t.Error("delete_original not persisted")
	}
	if loaded.BlobStore.Enabled {
		t.Error("blobstore.enabled not persisted")
	}
	if loaded.Reporting.JSONDump {
		t.Error("jsondump not persisted")
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	cfg.StorageRoot = "/first"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("First save failed: %v", err)
	}

	cfg.StorageRoot = "/second"
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Second save failed: %v", err)
	}

	loaded, err := Load(path, "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.StorageRoot != "/second" {
		t.Errorf("Expected '/second', got '%s'", loaded.StorageRoot)
	}
}
