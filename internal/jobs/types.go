package jobs

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

// Job status values persisted in the job store.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Type is the closed set of job kinds a worker knows how to route.
type Type string

// Supported job types.
const (
	TypeCSVUpload              Type = "csv_upload"
	TypeSentimentAnalysis      Type = "sentiment_analysis"
	TypeHistoricalReprocessing Type = "historical_reprocessing"
	TypeFMSExport              Type = "fms_export"
)

// Types lists every job type in a stable order.
func Types() []Type {
	return []Type{TypeCSVUpload, TypeSentimentAnalysis, TypeHistoricalReprocessing, TypeFMSExport}
}

// Valid reports whether t is a member of the closed job type set.
func (t Type) Valid() bool {
	switch t {
	case TypeCSVUpload, TypeSentimentAnalysis, TypeHistoricalReprocessing, TypeFMSExport:
		return true
	default:
		return false
	}
}

// Counters tracks per-entity outcomes for a job.
type Counters struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
}

// Add returns the element-wise sum of c and o.
func (c Counters) Add(o Counters) Counters {
	return Counters{
		Processed: c.Processed + o.Processed,
		Succeeded: c.Succeeded + o.Succeeded,
		Failed:    c.Failed + o.Failed,
		Skipped:   c.Skipped + o.Skipped,
		Errors:    c.Errors + o.Errors,
	}
}

// Completed is the number of entities that reached any outcome.
func (c Counters) Completed() int {
	return c.Processed + c.Skipped + c.Errors
}

// Job is the durable record owned by the supervisor until claimed, then by
// exactly one worker until finalized.
type Job struct {
	ID              string          `json:"id"`
	Type            Type            `json:"type"`
	Name            string          `json:"name"`
	Status          Status          `json:"status"`
	Params          json.RawMessage `json:"params,omitempty"`
	WorkerID        string          `json:"worker_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	ProgressCurrent int             `json:"progress_current"`
	ProgressTotal   *int            `json:"progress_total,omitempty"`
	Counters        Counters        `json:"counters"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

// NewJob is the input to Enqueue.
type NewJob struct {
	ID        string
	Type      Type
	Name      string
	Params    json.RawMessage
	CreatedAt time.Time
}

// ListFilter narrows job listings.
type ListFilter struct {
	Status *Status
	Limit  int
	Offset int
}

// Level is the severity of a job log entry.
type Level string

// Supported log levels.
const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// LogEntry is an append-only message attached to a job.
type LogEntry struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// WorkerStatus is the advertised state of a worker lease.
type WorkerStatus string

// Worker lease states.
const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerLease advertises a worker process and the job it currently holds.
type WorkerLease struct {
	WorkerID        string       `json:"worker_id"`
	Hostname        string       `json:"hostname"`
	PID             int          `json:"pid"`
	Version         string       `json:"version,omitempty"`
	Status          WorkerStatus `json:"status"`
	CurrentJobID    string       `json:"current_job_id,omitempty"`
	StartedAt       time.Time    `json:"started_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
}

// ReclaimReport summarizes one stale-job reconciliation pass.
type ReclaimReport struct {
	Requeued       []string
	Cancelled      []string
	WorkersOffline int
}
