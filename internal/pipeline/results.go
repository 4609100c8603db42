package pipeline

import (
	"time"
)

// TargetInfo describes the analyzed sample.
type TargetInfo struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256"`
}

// Match is one signature hit.
type Match struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Severity    int    `json:"severity"`
}

// StageStat records how long one stage ran.
type StageStat struct {
	Name    string        `json:"name"`
	Elapsed time.Duration `json:"time"`
}

// Statistics holds per-phase timing entries, one per executed stage.
type Statistics struct {
	Processing []StageStat `json:"processing"`
	Signatures []StageStat `json:"signatures"`
	Reporting  []StageStat `json:"reporting"`
}

// Results is the accumulator every stage reads from and writes into. It is
// built fresh per task invocation; stages within one invocation run
// sequentially, so no locking is needed.
type Results struct {
	TaskID    int64       `json:"task_id"`
	StartedOn time.Time   `json:"started_on"`
	Target    *TargetInfo `json:"target,omitempty"`

	// Artifact paths discovered by processing stages, resolved into blob
	// ids by the reporting stages.
	Shots          []string `json:"shots,omitempty"`
	PcapPath       string   `json:"pcap,omitempty"`
	SortedPcapPath string   `json:"sorted_pcap,omitempty"`
	Dropped        []string `json:"dropped,omitempty"`
	CallLogs       []string `json:"call_logs,omitempty"`

	Matches []Match `json:"signatures,omitempty"`

	// AnalysisID is the blob store document written for this run, set by
	// the reporting phase.
	AnalysisID string `json:"analysis_id,omitempty"`

	Statistics Statistics `json:"statistics"`
}

// NewResults creates an empty accumulator for one task run.
func NewResults(taskID int64) *Results {
	return &Results{
		TaskID:    taskID,
		StartedOn: time.Now().UTC(),
	}
}
