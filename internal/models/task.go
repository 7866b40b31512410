package models

import (
	"fmt"
	"strings"
	"time"

	"upload-dispatcher/internal/apperr"
)

// TaskStatus enumerates lifecycle states persisted in Postgres.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusQueued    TaskStatus = "queued"
	StatusActive    TaskStatus = "active"
	StatusPaused    TaskStatus = "paused"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusCancelled TaskStatus = "cancelled"
)

// AllTaskStatuses lists every status in lifecycle order.
var AllTaskStatuses = []TaskStatus{
	StatusPending,
	StatusQueued,
	StatusActive,
	StatusPaused,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

func (s TaskStatus) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range AllTaskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether no further work will happen for the task without an explicit retry.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders dispatch. Lower values are served first.
type Priority int

const (
	PriorityUrgent Priority = 1
	PriorityHigh   Priority = 2
	PriorityNormal Priority = 3
	PriorityLow    Priority = 4
)

// AllPriorities lists priorities in dispatch order.
var AllPriorities = []Priority{PriorityUrgent, PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) Valid() bool { return p >= PriorityUrgent && p <= PriorityLow }

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority accepts either the name or the numeric value of a priority.
func ParsePriority(v string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "urgent", "1":
		return PriorityUrgent, nil
	case "high", "2":
		return PriorityHigh, nil
	case "", "normal", "3":
		return PriorityNormal, nil
	case "low", "4":
		return PriorityLow, nil
	}
	return 0, apperr.Validationf("unknown priority %q", v)
}

// Failure is the operator-facing description of why a task failed.
type Failure struct {
	Category  apperr.Category `json:"category"`
	Message   string          `json:"message"`
	Retryable bool            `json:"retryable"`
	At        time.Time       `json:"at"`
}

func (f Failure) String() string {
	return fmt.Sprintf("%s: %s", f.Category, f.Message)
}

// FailureFromError classifies err into a Failure.
func FailureFromError(err error, at time.Time) Failure {
	cat := apperr.CategoryOf(err)
	return Failure{
		Category:  cat,
		Message:   apperr.MessageOf(err),
		Retryable: cat.Retryable(),
		At:        at,
	}
}

// TaskResult is what the upload driver reported for the last execution.
type TaskResult struct {
	Outcome    string `json:"outcome"`
	Detail     string `json:"detail,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// Task represents a unit of dispatched automation work persisted in Postgres.
type Task struct {
	ID          string      `json:"id"`
	Kind        Kind        `json:"kind"`
	Priority    Priority    `json:"priority"`
	Status      TaskStatus  `json:"status"`
	AccountID   *string     `json:"account_id,omitempty"`
	Payload     Payload     `json:"payload"`
	ScheduledAt *time.Time  `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	LastError   *Failure    `json:"last_error,omitempty"`
	Result      *TaskResult `json:"result,omitempty"`
	WorkerID    *string     `json:"worker_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// RunAt is the earliest time the task may be dispatched.
func (t Task) RunAt() time.Time {
	if t.ScheduledAt != nil {
		return *t.ScheduledAt
	}
	return t.CreatedAt
}

// CanRetry reports whether the retry budget still has room.
func (t Task) CanRetry() bool {
	return t.Status == StatusFailed && t.Attempts < t.MaxAttempts
}

// TaskFilter narrows List queries. Zero values match everything.
type TaskFilter struct {
	Statuses      []TaskStatus
	Kind          Kind
	AccountID     string
	CreatedBefore *time.Time
	CreatedAfter  *time.Time
	UpdatedBefore *time.Time
}

// Matches reports whether t satisfies the filter.
func (f TaskFilter) Matches(t Task) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if t.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Kind != "" && t.Kind != f.Kind {
		return false
	}
	if f.AccountID != "" && (t.AccountID == nil || *t.AccountID != f.AccountID) {
		return false
	}
	if f.CreatedBefore != nil && !t.CreatedAt.Before(*f.CreatedBefore) {
		return false
	}
	if f.CreatedAfter != nil && !t.CreatedAt.After(*f.CreatedAfter) {
		return false
	}
	if f.UpdatedBefore != nil && !t.UpdatedAt.Before(*f.UpdatedBefore) {
		return false
	}
	return true
}

// TaskPatch carries the client-editable fields of a task.
type TaskPatch struct {
	Priority    *Priority `json:"priority,omitempty"`
	Payload     *Payload  `json:"payload,omitempty"`
	MaxAttempts *int      `json:"max_attempts,omitempty"`
}

// TaskStats counts tasks by status.
type TaskStats struct {
	Total    int64                `json:"total"`
	ByStatus map[TaskStatus]int64 `json:"by_status"`
}

// TaskEvent is a simple audit event row.
type TaskEvent struct {
	TaskID   string    `json:"task_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
