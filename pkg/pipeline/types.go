package pipeline

import (
	"time"
)

// EventType discriminates events.
type EventType string

const (
	RunStarted     EventType = "RunStarted"
	StageStarted   EventType = "StageStarted"
	StageChunk     EventType = "StageChunk"
	StageCompleted EventType = "StageCompleted"
	StageFailed    EventType = "StageFailed"
	RunCompleted   EventType = "RunCompleted"
	RunFailed      EventType = "RunFailed"
)

// Terminal reports whether t ends a run.
func (t EventType) Terminal() bool {
	return t == RunCompleted || t == RunFailed
}

// Event is one step of a run.
type Event struct {
	Seq       int64
	Type      EventType
	RunID     string
	UserID    string
	SessionID string

	// Stage and Ordinal are set on stage events.
	Stage   string
	Ordinal int

	// Content is the delta for StageChunk and the full text for StageCompleted.
	Content string

	// Err is set on StageFailed and RunFailed.
	Err error

	// Aggregate is set on RunCompleted and RunFailed.
	Aggregate *Aggregate
}

// Aggregate is the outputs of the stages that completed, in order.
type Aggregate struct {
	Responses []string `json:"responses"`
	// Final is the last stage's output, empty unless every stage completed.
	Final string `json:"final"`
}

// StageStatus is a stage's progress within a run.
type StageStatus string

const (
	Pending   StageStatus = "Pending"
	Running   StageStatus = "Running"
	Succeeded StageStatus = "Succeeded"
	Failed    StageStatus = "Failed"
)

// StageResult records one stage of a run.
type StageResult struct {
	Name      string
	Ordinal   int
	OutputKey string
	Status    StageStatus
	Output    string
	Err       error
	Duration  time.Duration
}

// Status is a run's outcome.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted"
)

// Request is one query submitted to the pipeline.
type Request struct {
	Query     string
	UserID    string
	SessionID string
}

// Result is the final state of a run.
type Result struct {
	RunID     string
	UserID    string
	SessionID string
	Status    Status
	Stages    []StageResult
	Aggregate Aggregate
	Err       error
	Duration  time.Duration
}
