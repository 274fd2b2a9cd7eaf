// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashureev/firmdesk/internal/domain"
)

// TaskUpdate carries the fields written alongside a status transition.
type TaskUpdate struct {
	At           time.Time
	Result       string
	ErrorMessage string
}

// Repository defines the interface for persisting tasks and learning ledgers.
type Repository interface {
	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error

	// CreateTask inserts a pending task. Returns domain.ErrConflict if the
	// owner already has an active task.
	CreateTask(ctx context.Context, task *domain.Task) error

	// GetTask retrieves a task with its action history. Returns nil if absent.
	GetTask(ctx context.Context, taskID string) (*domain.Task, error)

	// ListTasks returns a user's most recent tasks without action history.
	ListTasks(ctx context.Context, firmID, userID string, limit int) ([]*domain.Task, error)

	// TransitionTask moves a task forward. Returns domain.ErrInvalidTransition
	// when the stored status cannot legally move to the target.
	TransitionTask(ctx context.Context, taskID string, to domain.TaskStatus, update TaskUpdate) error

	// AppendAction appends one tool invocation to the task's trail.
	AppendAction(ctx context.Context, taskID string, action domain.ToolInvocation) error

	// UpdateStructuredPlan replaces the latest reported plan.
	UpdateStructuredPlan(ctx context.Context, taskID string, plan json.RawMessage) error

	// FailInterruptedTasks fails every task left pending or running.
	FailInterruptedTasks(ctx context.Context, message string, at time.Time) (int64, error)

	// UpsertMatterMemory inserts an entry or merges it into the existing one
	// with the same firm, matter, type and content.
	UpsertMatterMemory(ctx context.Context, entry *domain.MatterMemoryEntry) error

	// ListMatterMemory returns unresolved, unexpired entries, most important first.
	ListMatterMemory(ctx context.Context, firmID, matterID string, now time.Time, limit int) ([]*domain.MatterMemoryEntry, error)

	// ResolveMatterMemory marks an entry resolved.
	ResolveMatterMemory(ctx context.Context, firmID, matterID, memoryID string) error

	// PurgeExpiredMatterMemory deletes entries that expired before the cutoff.
	PurgeExpiredMatterMemory(ctx context.Context, before time.Time) (int64, error)

	// UpsertQualityOverride creates an override or reactivates the existing one
	// with the same natural key. The stored ID is written back into override.
	UpsertQualityOverride(ctx context.Context, override *domain.QualityOverride) error

	// ListActiveOverrides returns active overrides that apply to the user and
	// work type, including firm-wide and "all" entries. An empty work type
	// matches every work type.
	ListActiveOverrides(ctx context.Context, firmID, userID, workType string) ([]*domain.QualityOverride, error)

	// ApplyOverrides links overrides to a task and increments their applied count.
	ApplyOverrides(ctx context.Context, taskID string, overrideIDs []string) error

	// CreditOverrideSuccess increments success_after on every override the
	// task applied that has not been credited yet.
	CreditOverrideSuccess(ctx context.Context, taskID string) (int64, error)

	// DeactivateOverride deactivates one override owned by the firm.
	DeactivateOverride(ctx context.Context, firmID, overrideID string) error

	// DeactivateIneffectiveOverrides deactivates overrides applied at least
	// minApplied times without a single subsequent success.
	DeactivateIneffectiveOverrides(ctx context.Context, minApplied int) (int64, error)

	// RecordChainSuccess upserts a chain after a successful run.
	RecordChainSuccess(ctx context.Context, chain ChainRun) error

	// RecordChainFailure upserts a chain after a failed or rejected run.
	RecordChainFailure(ctx context.Context, chain ChainRun) error

	// ProvenChain returns the highest-confidence chain at or above
	// minConfidence, or nil.
	ProvenChain(ctx context.Context, firmID, workType string, minConfidence float64) (*domain.ToolChain, error)

	// SaveConfidenceReport stores the latest report for a task.
	SaveConfidenceReport(ctx context.Context, report *domain.ConfidenceReport) error

	// GetConfidenceReport returns the stored report, or nil.
	GetConfidenceReport(ctx context.Context, taskID string) (*domain.ConfidenceReport, error)

	// SaveFeedback stores a feedback audit row.
	SaveFeedback(ctx context.Context, feedback *domain.Feedback) error
}

// ChainRun is one observation of a normalized tool sequence.
type ChainRun struct {
	FirmID          string
	WorkType        string
	Sequence        []string
	SequenceKey     string
	Quality         float64
	DurationSeconds float64
	At              time.Time
}
