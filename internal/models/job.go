package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a scheduled job persisted in Postgres.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusActive    JobStatus = "active"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// ParseJobStatus validates a raw status string.
func ParseJobStatus(s string) (JobStatus, error) {
	switch JobStatus(s) {
	case StatusPending, StatusActive, StatusCompleted, StatusFailed, StatusCancelled:
		return JobStatus(s), nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}

// Terminal reports whether no further transition is allowed out of s.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition validates a state-machine edge. Retry re-attempts stay
// inside the queue's attempt counter and do not move a job back to pending,
// so there is no active->pending edge.
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusActive || next == StatusCancelled || next == StatusFailed
	case StatusActive:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Priority orders dispatch among due jobs within a queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Priorities lists all priorities from most to least urgent. Ready queues
// are drained in this order.
func Priorities() []Priority {
	return []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}
}

// ParsePriority validates a raw priority, defaulting empty to normal.
func ParsePriority(s string) (Priority, error) {
	if s == "" {
		return PriorityNormal, nil
	}
	switch Priority(s) {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return Priority(s), nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Job types routed through the queue topology.
const (
	JobTypePublish      = "publish"
	JobTypeAnalytics    = "analytics_refresh"
	JobTypeTokenRefresh = "token_refresh"
)

// ScheduledJob is a queued publication (or maintenance sweep) persisted in
// Postgres. ScheduledAt is always UTC, derived once from the user's local
// time and timezone at admission; Timezone is retained for display only.
type ScheduledJob struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	ContentID   string     `json:"content_id,omitempty"`
	UserID      string     `json:"user_id"`
	AccountIDs  []string   `json:"account_ids,omitempty"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	Timezone    string     `json:"timezone,omitempty"`
	Priority    Priority   `json:"priority"`
	Status      JobStatus  `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"max_attempts"`
	LastError   *string    `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	// IdempotencyKey dedupes admission replays. It lives in its own table,
	// not the jobs row; the field only rides the job into the insert.
	IdempotencyKey string `json:"-"`
}

// AuditLog is a simple audit event row.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
