package task

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending          Status = "pending"           // Queued, waiting for execution
	StatusProcessing       Status = "processing"        // Claimed by a dispatcher
	StatusCompleted        Status = "completed"         // Execution finished, awaiting post-processing
	StatusReported         Status = "reported"          // Post-processing and reporting succeeded
	StatusFailure          Status = "failure"           // Execution failed
	StatusFailedProcessing Status = "failed_processing" // Post-processing raised
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusReported, StatusFailure, StatusFailedProcessing:
		return true
	}
	return false
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted,
		StatusReported, StatusFailure, StatusFailedProcessing:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next follows the status
// graph. Any non-terminal status may fall through to failure when the
// execution stage dies underneath it.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusFailure {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted
	case StatusCompleted:
		return next == StatusReported || next == StatusFailedProcessing
	}
	return false
}

// Task is one unit of scheduled analysis work.
//
// TargetPath, ContentHash, Timeout, Priority, Custom, Machine, Package,
// Options and Platform are fixed at submission time. Status and
// CompletedOn are the only fields the queue mutates afterwards.
type Task struct {
	ID          int64      `json:"id"`
	ContentHash string     `json:"content_hash,omitempty"`
	TargetPath  string     `json:"target_path"`
	Timeout     int        `json:"timeout"`
	Priority    int        `json:"priority"`
	Custom      string     `json:"custom,omitempty"`
	Machine     string     `json:"machine,omitempty"`
	Package     string     `json:"package,omitempty"`
	Options     string     `json:"options,omitempty"`
	Platform    string     `json:"platform,omitempty"`
	AddedOn     time.Time  `json:"added_on"`
	CompletedOn *time.Time `json:"completed_on,omitempty"`
	Status      Status     `json:"status"`
}

// Spec carries the caller-supplied fields for a new task. Zero values fall
// back to the queue defaults (priority 1, timeout 0).
type Spec struct {
	TargetPath  string
	ContentHash string
	Timeout     int
	Priority    int
	Custom      string
	Machine     string
	Package     string
	Options     string
	Platform    string
}

// JSON renders the task for the process boundary. Workers receive tasks
// serialized, never shared memory.
func (t *Task) JSON() ([]byte, error) {
	return json.Marshal(t)
}
