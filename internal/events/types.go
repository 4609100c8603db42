package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() int64
}

// Topic constants
const (
	TopicTask  = "task"
	TopicQueue = "queue"
)

// Event type constants
const (
	EventTypeTaskQueued    = "task.queued"
	EventTypeTaskSubmitted = "task.submitted"
	EventTypeTaskReported  = "task.reported"
	EventTypeTaskFailed    = "task.failed"
	EventTypeBlobCleanup   = "task.cleanup"
	EventTypeQueueProgress = "queue.progress"
)

// TaskQueuedEvent is published when a task is added to the queue.
type TaskQueuedEvent struct {
	ID         int64
	TargetPath string
	Priority   int
	Timestamp  time.Time
}

func (e TaskQueuedEvent) EventType() string { return EventTypeTaskQueued }
func (e TaskQueuedEvent) TaskID() int64     { return e.ID }

// TaskSubmittedEvent is published when post-processing for a completed
// task is handed to a worker process.
type TaskSubmittedEvent struct {
	ID        int64
	Target    string
	Timestamp time.Time
}

func (e TaskSubmittedEvent) EventType() string { return EventTypeTaskSubmitted }
func (e TaskSubmittedEvent) TaskID() int64     { return e.ID }

// TaskReportedEvent is published when report generation completes.
type TaskReportedEvent struct {
	ID        int64
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskReportedEvent) EventType() string { return EventTypeTaskReported }
func (e TaskReportedEvent) TaskID() int64     { return e.ID }

// TaskFailedEvent is published when post-processing for a task fails.
type TaskFailedEvent struct {
	ID        int64
	Err       error
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() int64     { return e.ID }

// BlobCleanupEvent is published after ref-counted artifact cleanup ran for
// a task's prior analyses.
type BlobCleanupEvent struct {
	ID        int64
	Timestamp time.Time
}

func (e BlobCleanupEvent) EventType() string { return EventTypeBlobCleanup }
func (e BlobCleanupEvent) TaskID() int64     { return e.ID }

// QueueProgressEvent summarizes the orchestrator loop state.
type QueueProgressEvent struct {
	Submitted int
	InFlight  int
	MaxCount  int
	Timestamp time.Time
}

func (e QueueProgressEvent) EventType() string { return EventTypeQueueProgress }
func (e QueueProgressEvent) TaskID() int64     { return 0 }
