// Package planner is the client for the reasoning capability that proposes
// each next step of a background task.
package planner

import (
	"context"
	"encoding/json"

	"github.com/ashureev/firmdesk/internal/domain"
)

// StepContext is everything the reasoning capability sees for one step.
type StepContext struct {
	TaskID     string                  `json:"task_id"`
	FirmID     string                  `json:"firm_id"`
	UserID     string                  `json:"user_id"`
	Goal       string                  `json:"goal"`
	WorkType   string                  `json:"work_type"`
	Complexity domain.Complexity       `json:"complexity"`
	MatterID   string                  `json:"matter_id,omitempty"`
	StepNumber int                     `json:"step_number"`
	StepBudget int                     `json:"step_budget"`
	Tools      []domain.ToolSpec       `json:"tools"`
	History    []domain.ToolInvocation `json:"history"`
	Guidance   []string                `json:"guidance,omitempty"`
	Notes      []string                `json:"notes,omitempty"`
}

// Proposal is the reasoning capability's answer: either a tool call or a
// terminal completion, optionally with a thought and an updated plan.
type Proposal struct {
	Thought  string
	Plan     json.RawMessage
	Tool     string
	Args     json.RawMessage
	Terminal bool
	Result   string
}

// Planner proposes the next step of a task.
type Planner interface {
	// ProposeNextStep asks for one step. Errors wrapping
	// domain.ErrServiceUnavailable mean the capability could not be reached.
	ProposeNextStep(ctx context.Context, sc StepContext) (Proposal, error)

	// Available reports whether the capability is currently reachable.
	Available() bool

	// Close releases resources.
	Close()
}
