// Package task runs background tasks: lifecycle, the per-user slot and the
// think, act, evaluate loop.
package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/firmdesk/internal/confidence"
	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/learning"
	"github.com/ashureev/firmdesk/internal/planner"
	"github.com/ashureev/firmdesk/internal/store"
	"github.com/ashureev/firmdesk/internal/tools"
)

// InterruptedMessage is written to tasks a previous process left active.
const InterruptedMessage = "interrupted by server restart"

// Config bounds the orchestrator's work. Zero fields take the defaults; a
// negative MaxCompletionRejections accepts every completion.
type Config struct {
	StepBudgets             map[domain.Complexity]int
	MaxGoalLength           int
	MaxStepsLimit           int
	PlannerTimeout          time.Duration
	ToolTimeout             time.Duration
	PersistTimeout          time.Duration
	MaxPlannerFailures      int
	MaxCompletionRejections int
	MinCompletionConfidence int
	MemoryLimit             int
	HistoryListLimit        int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		StepBudgets: map[domain.Complexity]int{
			domain.ComplexitySimple:   25,
			domain.ComplexityModerate: 40,
			domain.ComplexityComplex:  60,
		},
		MaxGoalLength:           8000,
		MaxStepsLimit:           200,
		PlannerTimeout:          60 * time.Second,
		ToolTimeout:             30 * time.Second,
		PersistTimeout:          10 * time.Second,
		MaxPlannerFailures:      3,
		MaxCompletionRejections: 2,
		MinCompletionConfidence: learning.DefaultMinCompletionConfidence,
		MemoryLimit:             20,
		HistoryListLimit:        100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if len(c.StepBudgets) == 0 {
		c.StepBudgets = d.StepBudgets
	}
	if c.MaxGoalLength <= 0 {
		c.MaxGoalLength = d.MaxGoalLength
	}
	if c.MaxStepsLimit <= 0 {
		c.MaxStepsLimit = d.MaxStepsLimit
	}
	if c.PlannerTimeout <= 0 {
		c.PlannerTimeout = d.PlannerTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = d.ToolTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = d.PersistTimeout
	}
	if c.MaxPlannerFailures <= 0 {
		c.MaxPlannerFailures = d.MaxPlannerFailures
	}
	if c.MaxCompletionRejections == 0 {
		c.MaxCompletionRejections = d.MaxCompletionRejections
	}
	if c.MinCompletionConfidence <= 0 {
		c.MinCompletionConfidence = d.MinCompletionConfidence
	}
	if c.MemoryLimit <= 0 {
		c.MemoryLimit = d.MemoryLimit
	}
	if c.HistoryListLimit <= 0 {
		c.HistoryListLimit = d.HistoryListLimit
	}
	return c
}

// Publisher receives a task's live events.
type Publisher interface {
	Open(taskID, owner string)
	Publish(taskID, eventType string, data any) domain.Event
	UpdateProgress(taskID string, p domain.Progress)
}

// StartRequest is the input to StartTask.
type StartRequest struct {
	FirmID  string
	UserID  string
	Goal    string
	Options domain.TaskOptions
}

// run is the in-process state of one executing task.
type run struct {
	task      *domain.Task
	slotKey   string
	specs     []domain.ToolSpec
	learned   learning.Context
	budget    int
	cancelled atomic.Bool
	done      chan struct{}
}

// Orchestrator owns task execution.
type Orchestrator struct {
	cfg      Config
	repo     store.Repository
	planner  planner.Planner
	registry tools.Registry
	events   Publisher
	ledger   *learning.ChainLedger
	logger   *slog.Logger
	now      func() time.Time

	slots sync.Map // firm/user -> *run
	runs  sync.Map // task ID -> *run

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator. p may be nil when no reasoning capability is
// configured; StartTask then reports ErrServiceUnavailable.
func New(cfg Config, repo store.Repository, p planner.Planner, registry tools.Registry, events Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg.withDefaults(),
		repo:     repo,
		planner:  p,
		registry: registry,
		events:   events,
		ledger:   learning.NewChainLedger(repo),
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func slotKey(firmID, userID string) string {
	return firmID + "\x00" + userID
}

// StartTask validates the request, claims the caller's slot, persists the
// task and starts its loop in the background.
func (o *Orchestrator) StartTask(ctx context.Context, req StartRequest) (*domain.Task, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, fmt.Errorf("%w: goal is required", domain.ErrValidation)
	}
	if len([]rune(goal)) > o.cfg.MaxGoalLength {
		return nil, fmt.Errorf("%w: goal exceeds %d characters", domain.ErrValidation, o.cfg.MaxGoalLength)
	}
	if req.FirmID == "" || req.UserID == "" {
		return nil, fmt.Errorf("%w: firm and user are required", domain.ErrValidation)
	}
	if m := req.Options.MaxSteps; m != 0 && (m < 1 || m > o.cfg.MaxStepsLimit) {
		return nil, fmt.Errorf("%w: max_steps must be between 1 and %d", domain.ErrValidation, o.cfg.MaxStepsLimit)
	}
	if req.Options.WorkType != "" && !learning.KnownWorkType(req.Options.WorkType) {
		return nil, fmt.Errorf("%w: unknown work_type %q", domain.ErrValidation, req.Options.WorkType)
	}

	if o.planner == nil || !o.planner.Available() {
		return nil, fmt.Errorf("%w: reasoning capability is not available", domain.ErrServiceUnavailable)
	}
	specs, err := o.registry.Describe(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrServiceUnavailable) {
			return nil, fmt.Errorf("describe tools: %w", err)
		}
		return nil, fmt.Errorf("%w: describe tools: %v", domain.ErrServiceUnavailable, err)
	}

	now := o.now()
	task := &domain.Task{
		ID:         uuid.NewString(),
		FirmID:     req.FirmID,
		UserID:     req.UserID,
		Goal:       goal,
		Options:    req.Options,
		WorkType:   learning.ClassifyWorkType(goal, req.Options.WorkType),
		Complexity: learning.EstimateComplexity(goal),
		Status:     domain.TaskPending,
		CreatedAt:  now,
		Actions:    []domain.ToolInvocation{},
	}
	r := &run{
		task:    task,
		slotKey: slotKey(req.FirmID, req.UserID),
		specs:   specs,
		done:    make(chan struct{}),
	}

	if _, loaded := o.slots.LoadOrStore(r.slotKey, r); loaded {
		return nil, domain.ErrConflict
	}
	// Registered before the row exists so CancelTask always finds the live run.
	o.runs.Store(task.ID, r)
	if err := o.repo.CreateTask(ctx, task); err != nil {
		o.runs.Delete(task.ID)
		o.slots.CompareAndDelete(r.slotKey, r)
		close(r.done)
		return nil, fmt.Errorf("create task: %w", err)
	}
	o.events.Open(task.ID, task.FirmID)

	r.learned = o.loadLearning(ctx, task)
	r.budget = o.stepBudget(task)

	snapshot := *task
	snapshot.Actions = []domain.ToolInvocation{}

	o.wg.Add(1)
	go o.execute(r)

	o.logger.Info("Task started",
		"task_id", snapshot.ID,
		"firm_id", snapshot.FirmID,
		"user_id", snapshot.UserID,
		"work_type", snapshot.WorkType,
		"complexity", snapshot.Complexity,
		"step_budget", r.budget,
		"overrides", len(r.learned.Overrides),
		"memory", len(r.learned.Memory),
	)
	return &snapshot, nil
}

// loadLearning gathers overrides, the proven chain and matter memory. Each
// source is best-effort.
func (o *Orchestrator) loadLearning(ctx context.Context, task *domain.Task) learning.Context {
	var lc learning.Context

	overrides, err := o.repo.ListActiveOverrides(ctx, task.FirmID, task.UserID, task.WorkType)
	if err != nil {
		o.logger.Warn("Failed to load quality overrides", "task_id", task.ID, "error", err)
	} else if len(overrides) > 0 {
		ids := make([]string, 0, len(overrides))
		for _, ov := range overrides {
			ids = append(ids, ov.ID)
		}
		if err := o.repo.ApplyOverrides(ctx, task.ID, ids); err != nil {
			o.logger.Warn("Failed to link quality overrides", "task_id", task.ID, "error", err)
		}
		lc.Overrides = overrides
	}

	chain, err := o.ledger.Proven(ctx, task.FirmID, task.WorkType)
	if err != nil {
		o.logger.Warn("Failed to load proven tool chain", "task_id", task.ID, "error", err)
	}
	lc.Chain = chain

	if matter := task.Options.MatterID; matter != "" {
		memory, err := o.repo.ListMatterMemory(ctx, task.FirmID, matter, o.now(), o.cfg.MemoryLimit)
		if err != nil {
			o.logger.Warn("Failed to load matter memory", "task_id", task.ID, "matter_id", matter, "error", err)
		}
		lc.Memory = memory
	}
	return lc
}

func (o *Orchestrator) stepBudget(task *domain.Task) int {
	if task.Options.MaxSteps > 0 {
		return task.Options.MaxSteps
	}
	if b, ok := o.cfg.StepBudgets[task.Complexity]; ok && b > 0 {
		return b
	}
	return o.cfg.StepBudgets[domain.ComplexityModerate]
}

// CancelTask requests cancellation. It reports true while the task is still
// active, including repeated requests.
func (o *Orchestrator) CancelTask(ctx context.Context, taskID, userID string) (bool, error) {
	task, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return false, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return false, domain.ErrNotFound
	}
	if task.UserID != userID {
		return false, domain.ErrForbidden
	}
	if !task.Status.IsActive() {
		return false, nil
	}

	if v, ok := o.runs.Load(taskID); ok {
		r := v.(*run)
		if !r.cancelled.Swap(true) {
			o.logger.Info("Task cancellation requested", "task_id", taskID, "user_id", userID)
		}
		return true, nil
	}

	// No loop in this process owns the task.
	err = o.repo.TransitionTask(ctx, taskID, domain.TaskCancelled, store.TaskUpdate{At: o.now()})
	if errors.Is(err, domain.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel orphaned task: %w", err)
	}
	o.events.Publish(taskID, domain.EventTaskCancelled, map[string]string{"reason": "cancelled without a running loop"})
	o.logger.Info("Orphaned task cancelled", "task_id", taskID, "user_id", userID)
	return true, nil
}

// GetTask returns a task visible to the firm.
func (o *Orchestrator) GetTask(ctx context.Context, taskID, firmID string) (*domain.Task, error) {
	task, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil || task.FirmID != firmID {
		return nil, domain.ErrNotFound
	}
	return task, nil
}

// LookupTask returns a task regardless of firm. It backs internal callers
// that are authenticated by token rather than by principal.
func (o *Orchestrator) LookupTask(ctx context.Context, taskID string) (*domain.Task, error) {
	task, err := o.repo.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, domain.ErrNotFound
	}
	return task, nil
}

// ListTasks returns the user's most recent tasks.
func (o *Orchestrator) ListTasks(ctx context.Context, firmID, userID string, limit int) ([]*domain.Task, error) {
	if limit <= 0 || limit > o.cfg.HistoryListLimit {
		limit = o.cfg.HistoryListLimit
	}
	tasks, err := o.repo.ListTasks(ctx, firmID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// GetConfidence returns the stored report, computing one when none was saved.
func (o *Orchestrator) GetConfidence(ctx context.Context, taskID, firmID string) (*domain.ConfidenceReport, error) {
	task, err := o.GetTask(ctx, taskID, firmID)
	if err != nil {
		return nil, err
	}
	report, err := o.repo.GetConfidenceReport(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load confidence report: %w", err)
	}
	if report != nil {
		return report, nil
	}
	computed := confidence.Score(task)
	return &computed, nil
}

// Recover fails tasks a previous process left pending or running.
func (o *Orchestrator) Recover(ctx context.Context) (int64, error) {
	n, err := o.repo.FailInterruptedTasks(ctx, InterruptedMessage, o.now())
	if err != nil {
		return 0, fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if n > 0 {
		o.logger.Warn("Failed tasks interrupted by restart", "count", n)
	}
	return n, nil
}

// Running reports whether a loop for the task is live in this process.
func (o *Orchestrator) Running(taskID string) bool {
	_, ok := o.runs.Load(taskID)
	return ok
}

// Wait blocks until the task's loop has finished or ctx ends. It returns
// immediately for tasks without a live loop.
func (o *Orchestrator) Wait(ctx context.Context, taskID string) error {
	v, ok := o.runs.Load(taskID)
	if !ok {
		return nil
	}
	select {
	case <-v.(*run).done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops all loops and waits for them to persist a terminal state.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for task loops: %w", ctx.Err())
	}
}
