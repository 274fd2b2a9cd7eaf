package domain

import (
	"encoding/json"
	"time"
)

// Event types published on a task stream.
const (
	EventTaskStart          = "task_start"
	EventThought            = "thought"
	EventPlanUpdate         = "plan_update"
	EventToolStart          = "tool_start"
	EventToolEnd            = "tool_end"
	EventToolError          = "tool_error"
	EventArtifactComplete   = "artifact_complete"
	EventCompletionRejected = "completion_rejected"
	EventLog                = "log"
	EventTaskComplete       = "task_complete"
	EventTaskFailed         = "task_failed"
	EventTaskCancelled      = "task_cancelled"
)

// IsTerminalEvent reports whether an event type ends a task stream.
func IsTerminalEvent(eventType string) bool {
	switch eventType {
	case EventTaskComplete, EventTaskFailed, EventTaskCancelled:
		return true
	}
	return false
}

// Event is one entry in a task's live stream.
type Event struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Progress is the latest snapshot of a task's execution.
type Progress struct {
	TaskID          string     `json:"task_id"`
	Status          TaskStatus `json:"status"`
	CurrentStep     string     `json:"current_step,omitempty"`
	StepNumber      int        `json:"step_number"`
	StepBudget      int        `json:"step_budget"`
	ProgressPercent int        `json:"progress_percent"`
	Phase           string     `json:"phase,omitempty"`
	CurrentArtifact string     `json:"current_artifact,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	ElapsedSeconds  float64    `json:"elapsed_seconds"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ToolSpec describes one callable domain operation.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Required    []string       `json:"required"`
}

// ToolResult is the outcome of a registry invocation.
type ToolResult struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
}
