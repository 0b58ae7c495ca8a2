package models

import (
	"fmt"
	"time"
)

// JobType is the closed set of schedulable work kinds. Unknown types are a
// construction-time error, not a runtime surprise.
type JobType string

const (
	// JobTypeGraphflow delegates to the process supervisor: the fired job
	// starts and monitors the external graphflow worker.
	JobTypeGraphflow  JobType = "graphflow"
	JobTypeSingleShot JobType = "single_shot"
	JobTypeRecurring  JobType = "recurring"
)

// ParseJobType validates a string against the known job types.
func ParseJobType(s string) (JobType, error) {
	switch JobType(s) {
	case JobTypeGraphflow, JobTypeSingleShot, JobTypeRecurring:
		return JobType(s), nil
	}
	return "", fmt.Errorf("job type %q not recognized", s)
}

// ScheduleType selects how a schedule value is interpreted.
type ScheduleType string

const (
	ScheduleCron   ScheduleType = "cron"   // 5-field cron expression
	SchedulePreset ScheduleType = "preset" // named preset resolved to a cron expression
	ScheduleDate   ScheduleType = "date"   // absolute RFC 3339 timestamp, fires once
)

// JobStatus is advisory, updated by the dispatcher as the job moves through
// its lifecycle.
type JobStatus string

const (
	StatusScheduled JobStatus = "scheduled"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// JobDefinition is the durable record persisted in the registry.
type JobDefinition struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Type          JobType        `json:"type"`
	ScheduleType  ScheduleType   `json:"schedule_type"`
	ScheduleValue string         `json:"schedule_value"`
	Args          map[string]any `json:"args,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	Status        JobStatus      `json:"status"`
}

// JobSummary is one entry in a job listing: the registry record joined with
// the live trigger's resolved state.
type JobSummary struct {
	ID      string     `json:"id"`
	Name    string     `json:"name"`
	NextRun *time.Time `json:"next_run"` // nil once a one-off trigger has fired
	Trigger string     `json:"trigger"`
}

// ProcessStatus mirrors the supervised worker's persisted lifecycle state.
type ProcessStatus string

const (
	ProcessStopped  ProcessStatus = "stopped"
	ProcessStarting ProcessStatus = "starting"
	ProcessRunning  ProcessStatus = "running"
	ProcessStopping ProcessStatus = "stopping"
	ProcessError    ProcessStatus = "error"
)

// ProcessState is the read-only view served to observers. Alive is
// re-verified against the OS, not inferred from the persisted status.
type ProcessState struct {
	Status ProcessStatus `json:"status"`
	PID    *int          `json:"pid,omitempty"`
	Alive  bool          `json:"alive"`
}

// RunRecord is one row of durable execution history.
type RunRecord struct {
	ID         int64     `json:"id"`
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// ActivityEvent is a transient human-readable status line handed off to an
// external observer, which deletes it after consuming.
type ActivityEvent struct {
	ID      string    `json:"id"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}
