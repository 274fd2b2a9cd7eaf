package task

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/learning"
)

// FeedbackRequest is a human review of a finished task.
type FeedbackRequest struct {
	TaskID     string
	FirmID     string
	UserID     string
	Rating     int
	Feedback   string
	Correction string
}

// FeedbackResult reports what the review changed.
type FeedbackResult struct {
	FeedbackID        string                    `json:"feedback_id"`
	Rejection         bool                      `json:"rejection"`
	Overrides         []*domain.QualityOverride `json:"overrides_created"`
	OverridesCredited int64                     `json:"overrides_credited"`
}

// RecordFeedback stores a review. Rejections become quality overrides for
// the task owner's future tasks of the same work type and debit the task's
// tool chain; approvals credit the overrides the task applied. Learning
// side effects are best-effort.
func (o *Orchestrator) RecordFeedback(ctx context.Context, req FeedbackRequest) (*FeedbackResult, error) {
	if req.Rating < 1 || req.Rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", domain.ErrValidation)
	}
	task, err := o.repo.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil || task.FirmID != req.FirmID {
		return nil, domain.ErrNotFound
	}
	if !task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: task is still %s", domain.ErrValidation, task.Status)
	}

	now := o.now()
	fb := &domain.Feedback{
		ID:         uuid.NewString(),
		TaskID:     task.ID,
		FirmID:     req.FirmID,
		UserID:     req.UserID,
		Rating:     req.Rating,
		Feedback:   strings.TrimSpace(req.Feedback),
		Correction: strings.TrimSpace(req.Correction),
		CreatedAt:  now,
	}
	if err := o.repo.SaveFeedback(ctx, fb); err != nil {
		o.logger.Warn("Failed to store feedback", "task_id", task.ID, "error", err)
	}

	res := &FeedbackResult{
		FeedbackID: fb.ID,
		Rejection:  fb.IsRejection(),
		Overrides:  []*domain.QualityOverride{},
	}

	if !res.Rejection {
		n, err := o.repo.CreditOverrideSuccess(ctx, task.ID)
		if err != nil {
			o.logger.Warn("Failed to credit overrides", "task_id", task.ID, "error", err)
		}
		res.OverridesCredited = n
		o.logger.Info("Feedback recorded", "task_id", task.ID, "rating", req.Rating, "credited", n)
		return res, nil
	}

	for _, rule := range learning.ClassifyFeedback(fb.Feedback, fb.Correction) {
		ov := &domain.QualityOverride{
			ID:           uuid.NewString(),
			FirmID:       task.FirmID,
			UserID:       task.UserID,
			WorkType:     task.WorkType,
			RuleType:     rule.Type,
			RuleValue:    rule.Value,
			Reason:       rule.Reason,
			SourceTaskID: task.ID,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := o.repo.UpsertQualityOverride(ctx, ov); err != nil {
			o.logger.Warn("Failed to store quality override", "task_id", task.ID, "rule_type", rule.Type, "error", err)
			continue
		}
		res.Overrides = append(res.Overrides, ov)
	}

	if err := o.ledger.RecordFailure(ctx, task.FirmID, task.WorkType, task.ToolSequence()); err != nil {
		o.logger.Warn("Failed to debit tool chain", "task_id", task.ID, "error", err)
	}

	o.logger.Info("Rejection recorded",
		"task_id", task.ID,
		"rating", req.Rating,
		"overrides", len(res.Overrides),
	)
	return res, nil
}
