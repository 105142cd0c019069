package models

import (
	"time"
)

// JobState is the last observed state of a recurring job.
type JobState string

const (
	JobIdle    JobState = "idle"
	JobRunning JobState = "running"
	JobError   JobState = "error"
)

// EntryStatus enumerates queue entry lifecycle states.
type EntryStatus string

const (
	EntryPending   EntryStatus = "pending"
	EntryRunning   EntryStatus = "running"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
)

// RecurringJobDefinition is the single row kept per action for cron-driven tasks.
type RecurringJobDefinition struct {
	Action             string     `json:"action"`
	JobName            string     `json:"jobName"`
	ScheduleExpression string     `json:"scheduleExpression"`
	Enabled            bool       `json:"enabled"`
	State              JobState   `json:"state"`
	LastRunAt          *time.Time `json:"lastRunAt"`
	StartedAt          *time.Time `json:"startedAt"`
	EndedAt            *time.Time `json:"endedAt"`
	LastLog            string     `json:"lastLog"`
	PendingArgs        string     `json:"pendingArgs"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// QueueEntry is one requested execution, ad-hoc or retry-scheduled.
type QueueEntry struct {
	ID           int64       `json:"id"`
	JobName      string      `json:"jobName"`
	Action       string      `json:"action"`
	Args         Args        `json:"args"`
	Status       EntryStatus `json:"status"`
	RequestedBy  *string     `json:"requestedBy"`
	CreatedAt    time.Time   `json:"createdAt"`
	ScheduledFor *time.Time  `json:"scheduledFor"`
	StartedAt    *time.Time  `json:"startedAt"`
	CompletedAt  *time.Time  `json:"completedAt"`
	Error        *string     `json:"error"`
}

// Eligible reports whether a pending entry may be picked at now.
func (e QueueEntry) Eligible(now time.Time) bool {
	if e.Status != EntryPending {
		return false
	}
	return e.ScheduledFor == nil || !e.ScheduledFor.After(now)
}

// DefinitionPatch carries the fields a status update wants to change.
// Nil fields are left untouched.
type DefinitionPatch struct {
	JobName            *string
	ScheduleExpression *string
	Enabled            *bool
	State              *JobState
	LastRunAt          *time.Time
	StartedAt          *time.Time
	EndedAt            *time.Time
	LastLog            *string
	PendingArgs        *string
}

// Empty reports whether the patch changes nothing.
func (p DefinitionPatch) Empty() bool {
	return p.JobName == nil && p.ScheduleExpression == nil && p.Enabled == nil && p.State == nil &&
		p.LastRunAt == nil && p.StartedAt == nil && p.EndedAt == nil && p.LastLog == nil && p.PendingArgs == nil
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T { return &v }
