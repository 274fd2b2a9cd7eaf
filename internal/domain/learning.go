package domain

import (
	"math"
	"time"
)

// MemoryType classifies a matter memory entry.
type MemoryType string

const (
	MemoryFinding       MemoryType = "finding"
	MemoryRisk          MemoryType = "risk"
	MemoryGap           MemoryType = "gap"
	MemoryDeadline      MemoryType = "deadline"
	MemoryCompletedWork MemoryType = "completed_work"
)

// ParseMemoryType maps free text onto a memory type.
func ParseMemoryType(s string) (MemoryType, bool) {
	switch MemoryType(s) {
	case MemoryFinding, MemoryRisk, MemoryGap, MemoryDeadline, MemoryCompletedWork:
		return MemoryType(s), true
	}
	return "", false
}

// Importance ranks how much a memory entry matters.
type Importance string

const (
	ImportanceLow      Importance = "low"
	ImportanceMedium   Importance = "medium"
	ImportanceHigh     Importance = "high"
	ImportanceCritical Importance = "critical"
)

// Rank orders importance levels, low = 1.
func (i Importance) Rank() int {
	switch i {
	case ImportanceCritical:
		return 4
	case ImportanceHigh:
		return 3
	case ImportanceMedium:
		return 2
	case ImportanceLow:
		return 1
	}
	return 0
}

// ParseImportance returns medium for unknown values.
func ParseImportance(s string) Importance {
	if Importance(s).Rank() == 0 {
		return ImportanceMedium
	}
	return Importance(s)
}

// MatterMemoryEntry is durable institutional knowledge about one matter.
type MatterMemoryEntry struct {
	ID           string     `json:"id"`
	FirmID       string     `json:"firm_id"`
	MatterID     string     `json:"matter_id"`
	MemoryType   MemoryType `json:"memory_type"`
	Content      string     `json:"content"`
	Importance   Importance `json:"importance"`
	Confidence   float64    `json:"confidence"`
	SourceTaskID string     `json:"source_task_id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	IsResolved   bool       `json:"is_resolved"`
}

// RuleType is the kind of adjustment a quality override applies.
type RuleType string

const (
	RulePromptModifier    RuleType = "prompt_modifier"
	RuleMinDocumentLength RuleType = "min_document_length"
	RuleMinActions        RuleType = "min_actions"
	RuleRequiredTool      RuleType = "required_tool"
	RulePhaseBudget       RuleType = "phase_budget"
)

// AllWorkTypes is the work type wildcard for overrides.
const AllWorkTypes = "all"

// OverrideRule is the classifier output before it is bound to a firm and user.
// Value is a JSON object whose shape depends on Type.
type OverrideRule struct {
	Type   RuleType `json:"rule_type"`
	Value  string   `json:"rule_value"`
	Reason string   `json:"reason"`
}

// QualityOverride is a learned adjustment derived from a human rejection.
type QualityOverride struct {
	ID           string    `json:"id"`
	FirmID       string    `json:"firm_id"`
	UserID       string    `json:"user_id,omitempty"`
	WorkType     string    `json:"work_type"`
	RuleType     RuleType  `json:"rule_type"`
	RuleValue    string    `json:"rule_value"`
	Reason       string    `json:"reason"`
	SourceTaskID string    `json:"source_task_id"`
	AppliedCount int       `json:"applied_count"`
	SuccessAfter int       `json:"success_after"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tool-chain trust policy. Trust is earned slowly and lost quickly.
const (
	ChainConfidenceCeiling       = 0.99
	ChainConfidenceMax           = 0.989
	ChainLearningRate            = 0.5
	ChainFailurePenalty          = 0.15
	ChainDeterministicConfidence = 0.85
	ChainDeterministicMinRuns    = 5
	ChainUsableConfidence        = 0.60
)

// NextChainConfidenceOnSuccess moves confidence toward the ceiling in
// proportion to the run's quality score (0-100). The result is capped at
// ChainConfidenceMax so float rounding can never land on the ceiling.
func NextChainConfidenceOnSuccess(prev, quality float64) float64 {
	q := math.Max(0, math.Min(quality, 100)) / 100
	next := ChainConfidenceCeiling - (ChainConfidenceCeiling-prev)*(1-ChainLearningRate*q)
	return math.Min(next, ChainConfidenceMax)
}

// NextChainConfidenceOnFailure drops confidence by a fixed step.
func NextChainConfidenceOnFailure(prev float64) float64 {
	return math.Max(0, prev-ChainFailurePenalty)
}

// ChainIsDeterministic reports whether a chain may be followed exactly.
func ChainIsDeterministic(confidence float64, totalCount int) bool {
	return confidence > ChainDeterministicConfidence && totalCount >= ChainDeterministicMinRuns
}

// ToolChain is a recorded sequence of tool calls proven for a work type.
type ToolChain struct {
	FirmID             string    `json:"firm_id"`
	WorkType           string    `json:"work_type"`
	ToolSequence       []string  `json:"tool_sequence"`
	SequenceKey        string    `json:"sequence_key"`
	SuccessCount       int       `json:"success_count"`
	TotalCount         int       `json:"total_count"`
	AvgQualityScore    float64   `json:"avg_quality_score"`
	AvgDurationSeconds float64   `json:"avg_duration_seconds"`
	Confidence         float64   `json:"confidence"`
	Deterministic      bool      `json:"deterministic"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// ConfidenceSection grades one part of a task's output.
type ConfidenceSection struct {
	Name        string   `json:"name"`
	Category    string   `json:"category"`
	Score       int      `json:"score"`
	NeedsReview bool     `json:"needs_review"`
	Signals     []string `json:"signals,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// ConfidenceReport is a per-section breakdown of how far a reviewer should
// trust a finished task.
type ConfidenceReport struct {
	TaskID                 string              `json:"task_id"`
	Overall                int                 `json:"overall"`
	Sections               []ConfidenceSection `json:"sections"`
	FlaggedCount           int                 `json:"flagged_count"`
	ReviewGuidance         string              `json:"review_guidance"`
	EstimatedReviewMinutes int                 `json:"estimated_review_minutes"`
}
