package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a research task as reported by the
// provider and mirrored in the local ledger.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the status is a final state.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// rank orders statuses for the monotonic transition guard.
func (s TaskStatus) rank() int {
	switch s {
	case TaskStatusQueued:
		return 0
	case TaskStatusRunning:
		return 1
	case TaskStatusCompleted, TaskStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next is a forward
// transition. Equal or backward moves are rejected so a provider that
// reports completed and later running never regresses caller-visible state.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	return next.rank() > s.rank()
}

// ParseTaskStatus normalizes a provider status string.
func ParseTaskStatus(raw string) (TaskStatus, bool) {
	switch TaskStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case TaskStatusQueued:
		return TaskStatusQueued, true
	case TaskStatusRunning:
		return TaskStatusRunning, true
	case TaskStatusCompleted:
		return TaskStatusCompleted, true
	case TaskStatusFailed:
		return TaskStatusFailed, true
	}
	return "", false
}

// Task is the locally persisted mirror of one research run. The provider
// remains the source of truth for content; this row carries ownership,
// location and lifecycle metadata.
type Task struct {
	ID             uuid.UUID  `db:"id" json:"id"`
	ProviderTaskID string     `db:"provider_task_id" json:"provider_task_id"`
	OwnerID        *uuid.UUID `db:"owner_id" json:"owner_id,omitempty"`
	AnonymousID    *string    `db:"anonymous_id" json:"-"`
	Location       string     `db:"location" json:"location"`
	Latitude       float64    `db:"latitude" json:"latitude"`
	Longitude      float64    `db:"longitude" json:"longitude"`
	Query          string     `db:"query" json:"query"`
	Status         TaskStatus `db:"status" json:"status"`
	Output         *string    `db:"output" json:"output,omitempty"`
	ErrorMessage   *string    `db:"error_message" json:"error,omitempty"`
	ShareToken     *string    `db:"share_token" json:"share_token,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at" json:"updated_at"`
	CompletedAt    *time.Time `db:"completed_at" json:"completed_at,omitempty"`
}

// Message is one transcript event emitted by the provider while a task runs.
type Message struct {
	ContentType string `json:"content_type"` // text | reasoning | tool_call | tool_result
	Role        string `json:"role,omitempty"`
	Data        string `json:"data"`
	ToolCallID  string `json:"tool_call_id,omitempty"`
}

// Source is a citation attached to the final report.
type Source struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Image is an illustration selected by the provider for the report.
type Image struct {
	URL     string `json:"url"`
	Caption string `json:"caption,omitempty"`
}

// Progress carries the provider's step counters for a running task.
type Progress struct {
	CurrentStep int    `json:"current_step"`
	TotalSteps  int    `json:"total_steps"`
	Message     string `json:"message,omitempty"`
}
