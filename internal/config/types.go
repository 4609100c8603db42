package config

// QueueConfig locates the task queue database.
type QueueConfig struct {
	DatabasePath string `json:"database_path,omitempty"` // Defaults to <storage root>/db/cradle.db
}

// BlobStoreConfig configures the shared artifact/document store.
type BlobStoreConfig struct {
	Enabled      bool   `json:"enabled"`
	DatabasePath string `json:"database_path,omitempty"` // Defaults to <storage root>/db/blobs.db
}

// ProcessingConfig tunes the post-processing orchestrator.
type ProcessingConfig struct {
	Parallelism      int  `json:"parallelism"`        // Worker process cap (P)
	MaxAnalysisCount int  `json:"max_analysis_count"` // Lifetime submission cap, 0 = unlimited
	DeleteOriginal   bool `json:"delete_original"`    // Remove the submitted sample after a successful report
	DeleteBinCopy    bool `json:"delete_bin_copy"`    // Remove the stored binary copy after a successful report
}

// ReportingConfig toggles reporting stages.
type ReportingConfig struct {
	JSONDump bool `json:"jsondump"` // Write report.json under the analysis directory
}

// Config is the top-level configuration, threaded explicitly through
// construction of the queue, blob store and orchestrator.
type Config struct {
	StorageRoot string           `json:"storage_root"`
	Queue       QueueConfig      `json:"queue"`
	BlobStore   BlobStoreConfig  `json:"blobstore"`
	Processing  ProcessingConfig `json:"processing"`
	Reporting   ReportingConfig  `json:"reporting"`
}
