// Package domain contains core domain types for the firmdesk background task subsystem.
package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus is the lifecycle state of a background task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal returns true once the task can no longer change state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// IsActive returns true while the task occupies its owner's slot.
func (s TaskStatus) IsActive() bool {
	return s == TaskPending || s == TaskRunning
}

// CanTransitionTo reports whether moving from s to next is a forward move.
func (s TaskStatus) CanTransitionTo(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskFailed || next == TaskCancelled
	case TaskRunning:
		return next.IsTerminal()
	default:
		return false
	}
}

// Predecessors returns every status that may legally move to s.
func (s TaskStatus) Predecessors() []TaskStatus {
	var out []TaskStatus
	for _, from := range []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled} {
		if from.CanTransitionTo(s) {
			out = append(out, from)
		}
	}
	return out
}

// Complexity is a coarse estimate of how much work a goal needs.
type Complexity string

const (
	ComplexitySimple   Complexity = "simple"
	ComplexityModerate Complexity = "moderate"
	ComplexityComplex  Complexity = "complex"
)

// TaskOptions are caller-supplied knobs for a task.
type TaskOptions struct {
	MatterID string `json:"matter_id,omitempty"`
	MaxSteps int    `json:"max_steps,omitempty"`
	WorkType string `json:"work_type,omitempty"`
}

// ToolInvocation is one recorded call to a domain tool. Immutable once appended.
type ToolInvocation struct {
	Seq             int             `json:"seq"`
	Tool            string          `json:"tool"`
	Args            json.RawMessage `json:"args,omitempty"`
	Success         bool            `json:"success"`
	Output          json.RawMessage `json:"output,omitempty"`
	TimestampOffset int64           `json:"timestamp_offset_ms"`
}

// Task is a single delegated multi-step goal owned by one user.
type Task struct {
	ID             string           `json:"id"`
	FirmID         string           `json:"firm_id"`
	UserID         string           `json:"user_id"`
	Goal           string           `json:"goal"`
	Options        TaskOptions      `json:"options"`
	WorkType       string           `json:"work_type"`
	Complexity     Complexity       `json:"complexity"`
	Status         TaskStatus       `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	EndedAt        *time.Time       `json:"ended_at,omitempty"`
	Actions        []ToolInvocation `json:"actions_history"`
	Result         string           `json:"result,omitempty"`
	StructuredPlan json.RawMessage  `json:"structured_plan,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
}

// Duration returns how long the task ran, or zero if it never started.
func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	end := time.Now()
	if t.EndedAt != nil {
		end = *t.EndedAt
	}
	return end.Sub(*t.StartedAt)
}

// ToolSequence returns the tool names in execution order.
func (t *Task) ToolSequence() []string {
	seq := make([]string, 0, len(t.Actions))
	for _, a := range t.Actions {
		seq = append(seq, a.Tool)
	}
	return seq
}

// Feedback is a human review of a finished task.
type Feedback struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	FirmID     string    `json:"firm_id"`
	UserID     string    `json:"user_id"`
	Rating     int       `json:"rating"`
	Feedback   string    `json:"feedback"`
	Correction string    `json:"correction,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// IsRejection reports whether the review counts as a rejection.
func (f *Feedback) IsRejection() bool {
	return f.Rating <= 3
}
