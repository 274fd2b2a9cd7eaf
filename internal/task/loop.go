package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/ashureev/firmdesk/internal/confidence"
	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/learning"
	"github.com/ashureev/firmdesk/internal/planner"
	"github.com/ashureev/firmdesk/internal/store"
	"github.com/ashureev/firmdesk/internal/tools"
)

// execute drives one task to a terminal state. It owns r.task.
func (o *Orchestrator) execute(r *run) {
	defer o.wg.Done()
	defer close(r.done)
	defer o.runs.Delete(r.task.ID)

	task := r.task
	if r.cancelled.Load() {
		o.finishCancelled(r)
		return
	}

	started := o.now()
	if err := o.persist("start task", func(ctx context.Context) error {
		return o.repo.TransitionTask(ctx, task.ID, domain.TaskRunning, store.TaskUpdate{At: started})
	}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			o.slots.CompareAndDelete(r.slotKey, r)
			o.logger.Info("Task left pending before its loop started", "task_id", task.ID)
			return
		}
		o.finishFailed(r, fmt.Sprintf("could not start task: %v", err))
		return
	}
	task.Status = domain.TaskRunning
	task.StartedAt = &started

	guidance := learning.RenderGuidance(r.learned)
	o.events.Publish(task.ID, domain.EventTaskStart, map[string]any{
		"goal":        task.Goal,
		"work_type":   task.WorkType,
		"complexity":  task.Complexity,
		"step_budget": r.budget,
		"guidance":    len(guidance),
	})
	o.progress(r, 0, "starting", "")

	var (
		notes           []string
		plannerFailures int
		rejections      int
		step            int
	)
	for {
		if r.cancelled.Load() {
			o.finishCancelled(r)
			return
		}
		if o.ctx.Err() != nil {
			o.finishFailed(r, "interrupted by server shutdown")
			return
		}
		if step >= r.budget {
			o.finishFailed(r, fmt.Sprintf("%v: used %d of %d steps", domain.ErrStepBudgetExceeded, step, r.budget))
			return
		}
		step++
		o.progress(r, step, "thinking", "")

		sc := planner.StepContext{
			TaskID:     task.ID,
			FirmID:     task.FirmID,
			UserID:     task.UserID,
			Goal:       task.Goal,
			WorkType:   task.WorkType,
			Complexity: task.Complexity,
			MatterID:   task.Options.MatterID,
			StepNumber: step,
			StepBudget: r.budget,
			Tools:      r.specs,
			History:    task.Actions,
			Guidance:   guidance,
			Notes:      notes,
		}
		pctx, cancel := context.WithTimeout(o.ctx, o.cfg.PlannerTimeout)
		prop, err := o.planner.ProposeNextStep(pctx, sc)
		cancel()
		if err != nil {
			plannerFailures++
			o.logger.Warn("Planner step failed",
				"task_id", task.ID, "step", step, "consecutive", plannerFailures, "error", err)
			o.events.Publish(task.ID, domain.EventLog, map[string]any{
				"level":   "warn",
				"message": "reasoning step failed",
				"step":    step,
			})
			if plannerFailures >= o.cfg.MaxPlannerFailures {
				o.finishFailed(r, fmt.Sprintf("reasoning capability unavailable: %v", err))
				return
			}
			continue
		}
		plannerFailures = 0
		notes = nil

		if prop.Thought != "" {
			o.events.Publish(task.ID, domain.EventThought, map[string]any{"step": step, "thought": prop.Thought})
		}
		if len(prop.Plan) > 0 && json.Valid(prop.Plan) {
			task.StructuredPlan = prop.Plan
			if err := o.persist("update plan", func(ctx context.Context) error {
				return o.repo.UpdateStructuredPlan(ctx, task.ID, prop.Plan)
			}); err != nil {
				o.logger.Warn("Failed to store plan", "task_id", task.ID, "error", err)
			}
			o.events.Publish(task.ID, domain.EventPlanUpdate, prop.Plan)
		}

		if prop.Terminal {
			report := confidence.Score(task)
			violations := learning.CheckCompletion(r.learned.Overrides, task.Actions, &report, o.cfg.MinCompletionConfidence)
			if len(violations) > 0 && rejections < o.cfg.MaxCompletionRejections {
				rejections++
				o.events.Publish(task.ID, domain.EventCompletionRejected, map[string]any{
					"attempt":    rejections,
					"violations": violations,
					"confidence": report.Overall,
				})
				o.logger.Info("Completion rejected", "task_id", task.ID, "attempt", rejections, "violations", len(violations))
				notes = make([]string, 0, len(violations))
				for _, v := range violations {
					notes = append(notes, "Completion rejected: "+v)
				}
				continue
			}
			o.finishCompleted(r, prop.Result)
			return
		}

		o.runTool(r, step, prop)
	}
}

// runTool validates and invokes one proposed tool call. Failures are recorded
// on the trail and never end the task.
func (o *Orchestrator) runTool(r *run, step int, prop planner.Proposal) {
	task := r.task
	inv := domain.ToolInvocation{
		Seq:             len(task.Actions) + 1,
		Tool:            prop.Tool,
		Args:            prop.Args,
		TimestampOffset: o.now().Sub(*task.StartedAt).Milliseconds(),
	}
	if len(inv.Args) == 0 {
		inv.Args = json.RawMessage(`{}`)
	}

	spec, known := tools.Lookup(r.specs, prop.Tool)
	var invalid error
	switch {
	case !known:
		invalid = fmt.Errorf("%w: unknown tool %q", domain.ErrValidation, prop.Tool)
	default:
		invalid = tools.ValidateArgs(spec, inv.Args)
	}
	if invalid != nil {
		inv.Output = errorOutput(invalid.Error())
		o.record(r, inv)
		o.events.Publish(task.ID, domain.EventToolError, map[string]any{
			"seq": inv.Seq, "tool": inv.Tool, "error": invalid.Error(), "invoked": false,
		})
		o.progress(r, step, "rejected "+prop.Tool, tools.Phase(prop.Tool))
		return
	}

	o.events.Publish(task.ID, domain.EventToolStart, map[string]any{
		"seq": inv.Seq, "tool": inv.Tool, "args": inv.Args, "category": tools.CategoryOf(inv.Tool),
	})
	o.progress(r, step, "running "+inv.Tool, tools.Phase(inv.Tool))

	// Cancellation is checked between steps; an in-flight call runs to its timeout.
	tctx, cancel := context.WithTimeout(o.ctx, o.cfg.ToolTimeout)
	res, err := o.registry.Invoke(tctx, inv.Tool, inv.Args, tools.InvocationContext{
		FirmID: task.FirmID,
		UserID: task.UserID,
		TaskID: task.ID,
	})
	cancel()
	if err != nil {
		inv.Success = false
		inv.Output = errorOutput(err.Error())
	} else {
		inv.Success = res.Success
		inv.Output = res.Output
	}
	o.record(r, inv)

	if !inv.Success {
		o.logger.Info("Tool call failed", "task_id", task.ID, "tool", inv.Tool, "seq", inv.Seq, "error", err)
		o.events.Publish(task.ID, domain.EventToolError, map[string]any{
			"seq": inv.Seq, "tool": inv.Tool, "output": inv.Output, "invoked": true,
		})
		return
	}

	o.events.Publish(task.ID, domain.EventToolEnd, map[string]any{
		"seq": inv.Seq, "tool": inv.Tool, "output": inv.Output,
	})
	artifact := ""
	if tools.CategoryOf(inv.Tool) == tools.CategoryArtifact {
		artifact = confidence.ArtifactName(inv)
		o.events.Publish(task.ID, domain.EventArtifactComplete, map[string]any{
			"seq": inv.Seq, "tool": inv.Tool, "name": artifact,
		})
	}
	o.progressArtifact(r, step, "finished "+inv.Tool, tools.Phase(inv.Tool), artifact)
}

// record appends an invocation to the in-memory trail and storage.
func (o *Orchestrator) record(r *run, inv domain.ToolInvocation) {
	r.task.Actions = append(r.task.Actions, inv)
	if err := o.persist("append action", func(ctx context.Context) error {
		return o.repo.AppendAction(ctx, r.task.ID, inv)
	}); err != nil {
		o.logger.Error("Failed to store tool invocation", "task_id", r.task.ID, "seq", inv.Seq, "error", err)
	}
}

func (o *Orchestrator) progress(r *run, step int, current, phase string) {
	o.progressArtifact(r, step, current, phase, "")
}

func (o *Orchestrator) progressArtifact(r *run, step int, current, phase, artifact string) {
	o.events.UpdateProgress(r.task.ID, domain.Progress{
		Status:          r.task.Status,
		CurrentStep:     current,
		StepNumber:      step,
		StepBudget:      r.budget,
		Phase:           phase,
		CurrentArtifact: artifact,
		StartedAt:       r.task.StartedAt,
	})
}

// persist runs a storage write detached from shutdown so terminal states are
// recorded even while the orchestrator stops.
func (o *Orchestrator) persist(name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(o.ctx), o.cfg.PersistTimeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) terminate(r *run, to domain.TaskStatus, update store.TaskUpdate) bool {
	task := r.task
	if err := o.persist("finish task", func(ctx context.Context) error {
		return o.repo.TransitionTask(ctx, task.ID, to, update)
	}); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			o.logger.Info("Task already terminal", "task_id", task.ID, "status", to)
		} else {
			o.logger.Error("Failed to persist terminal state", "task_id", task.ID, "status", to, "error", err)
		}
		o.slots.CompareAndDelete(r.slotKey, r)
		return false
	}
	task.Status = to
	task.EndedAt = &update.At
	task.Result = update.Result
	task.ErrorMessage = update.ErrorMessage
	o.slots.CompareAndDelete(r.slotKey, r)
	return true
}

func (o *Orchestrator) finishCompleted(r *run, result string) {
	task := r.task
	if !o.terminate(r, domain.TaskCompleted, store.TaskUpdate{At: o.now(), Result: result}) {
		return
	}

	report := confidence.Score(task)
	if err := o.persist("save confidence report", func(ctx context.Context) error {
		return o.repo.SaveConfidenceReport(ctx, &report)
	}); err != nil {
		o.logger.Warn("Failed to store confidence report", "task_id", task.ID, "error", err)
	}

	if err := o.persist("record tool chain", func(ctx context.Context) error {
		return o.ledger.Record(ctx, task.FirmID, task.WorkType, task.ToolSequence(), float64(report.Overall), task.Duration().Seconds())
	}); err != nil {
		o.logger.Warn("Failed to record tool chain", "task_id", task.ID, "error", err)
	}

	memories := learning.ExtractMemories(task, &report, o.now())
	for i := range memories {
		m := memories[i]
		m.ID = uuid.NewString()
		if err := o.persist("upsert matter memory", func(ctx context.Context) error {
			return o.repo.UpsertMatterMemory(ctx, &m)
		}); err != nil {
			o.logger.Warn("Failed to store matter memory", "task_id", task.ID, "matter_id", m.MatterID, "error", err)
		}
	}

	o.events.Publish(task.ID, domain.EventTaskComplete, map[string]any{
		"result": result,
		"steps":  len(task.Actions),
		"confidence": map[string]any{
			"overall":                  report.Overall,
			"flagged_count":            report.FlaggedCount,
			"review_guidance":          report.ReviewGuidance,
			"estimated_review_minutes": report.EstimatedReviewMinutes,
		},
		"memories": len(memories),
	})
	o.finalProgress(r)
	o.logger.Info("Task completed",
		"task_id", task.ID,
		"user_id", task.UserID,
		"steps", len(task.Actions),
		"confidence", report.Overall,
		"duration", task.Duration(),
	)
}

func (o *Orchestrator) finishFailed(r *run, message string) {
	task := r.task
	if !o.terminate(r, domain.TaskFailed, store.TaskUpdate{At: o.now(), ErrorMessage: message}) {
		return
	}
	if err := o.persist("record tool chain failure", func(ctx context.Context) error {
		return o.ledger.RecordFailure(ctx, task.FirmID, task.WorkType, task.ToolSequence())
	}); err != nil {
		o.logger.Warn("Failed to record tool chain failure", "task_id", task.ID, "error", err)
	}
	o.events.Publish(task.ID, domain.EventTaskFailed, map[string]any{
		"error": message,
		"steps": len(task.Actions),
	})
	o.finalProgress(r)
	o.logger.Warn("Task failed", "task_id", task.ID, "user_id", task.UserID, "error", message)
}

func (o *Orchestrator) finishCancelled(r *run) {
	task := r.task
	if !o.terminate(r, domain.TaskCancelled, store.TaskUpdate{At: o.now()}) {
		return
	}
	o.events.Publish(task.ID, domain.EventTaskCancelled, map[string]any{
		"steps": len(task.Actions),
	})
	o.finalProgress(r)
	o.logger.Info("Task cancelled", "task_id", task.ID, "user_id", task.UserID)
}

func (o *Orchestrator) finalProgress(r *run) {
	o.events.UpdateProgress(r.task.ID, domain.Progress{
		Status:          r.task.Status,
		CurrentStep:     string(r.task.Status),
		StepNumber:      len(r.task.Actions),
		StepBudget:      r.budget,
		ProgressPercent: 100,
		StartedAt:       r.task.StartedAt,
	})
}

func errorOutput(msg string) json.RawMessage {
	out, err := sjson.Set(`{}`, "error", msg)
	if err != nil {
		return json.RawMessage(`{"error":"unknown"}`)
	}
	return json.RawMessage(out)
}
