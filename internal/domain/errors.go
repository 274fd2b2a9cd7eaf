package domain

import "errors"

var (
	// ErrConflict means the user already has an active task.
	ErrConflict = errors.New("conflict: a task is already running for this user")
	// ErrValidation means the request was malformed.
	ErrValidation = errors.New("validation error")
	// ErrServiceUnavailable means the reasoning or tool provider cannot be reached.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrNotFound means the referenced record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden means the caller does not own the record.
	ErrForbidden = errors.New("forbidden")
	// ErrStepBudgetExceeded is the fatal error for tasks that ran out of steps.
	ErrStepBudgetExceeded = errors.New("step budget exceeded")
	// ErrToolExecution marks a single failed tool call.
	ErrToolExecution = errors.New("tool execution failed")
	// ErrInvalidTransition means a status change would move a task backwards.
	ErrInvalidTransition = errors.New("invalid status transition")
)
