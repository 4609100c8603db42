package config

import (
	"os"
	"path/filepath"
	"strconv"
)

// DefaultConfig returns the built-in configuration. The storage root
// defaults to ./storage relative to the working directory, matching the
// conventional sandbox layout (analyses/, binaries/, db/).
func DefaultConfig() *Config {
	root := "storage"
	if cwd, err := os.Getwd(); err == nil {
		root = filepath.Join(cwd, "storage")
	}

	return &Config{
		StorageRoot: root,
		BlobStore: BlobStoreConfig{
			Enabled: true,
		},
		Processing: ProcessingConfig{
			Parallelism:      1,
			MaxAnalysisCount: 0,
		},
		Reporting: ReportingConfig{
			JSONDump: true,
		},
	}
}

// QueueDatabasePath resolves the task queue database location.
func (c *Config) QueueDatabasePath() string {
	if c.Queue.DatabasePath != "" {
		return c.Queue.DatabasePath
	}
	return filepath.Join(c.StorageRoot, "db", "cradle.db")
}

// BlobDatabasePath resolves the blob store database location.
func (c *Config) BlobDatabasePath() string {
	if c.BlobStore.DatabasePath != "" {
		return c.BlobStore.DatabasePath
	}
	return filepath.Join(c.StorageRoot, "db", "blobs.db")
}

// BlobFilesPath resolves the directory holding stored artifact bytes.
func (c *Config) BlobFilesPath() string {
	return filepath.Join(c.StorageRoot, "blobs")
}

// AnalysisPath returns the storage directory for one analysis.
func (c *Config) AnalysisPath(taskID int64) string {
	return filepath.Join(c.StorageRoot, "analyses", strconv.FormatInt(taskID, 10))
}

// BinaryPath returns the stored-copy location for a sample hash.
func (c *Config) BinaryPath(hash string) string {
	return filepath.Join(c.StorageRoot, "binaries", hash)
}
