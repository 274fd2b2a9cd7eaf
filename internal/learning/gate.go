package learning

import (
	"fmt"

	"github.com/ashureev/firmdesk/internal/confidence"
	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/tools"
	"github.com/tidwall/gjson"
)

// DefaultMinCompletionConfidence is the overall score a task needs to finish
// without a completion rejection.
const DefaultMinCompletionConfidence = 55

// CheckCompletion lists why a proposed completion should be sent back.
// An empty result means the task may finish.
func CheckCompletion(overrides []*domain.QualityOverride, actions []domain.ToolInvocation, report *domain.ConfidenceReport, minConfidence int) []string {
	var violations []string

	for _, o := range overrides {
		value := gjson.Parse(o.RuleValue)
		switch o.RuleType {
		case domain.RuleMinDocumentLength:
			minChars := int(value.Get("min_chars").Int())
			for _, inv := range actions {
				if !inv.Success || tools.CategoryOf(inv.Tool) != tools.CategoryArtifact {
					continue
				}
				if n := len([]rune(confidence.ArtifactContent(inv.Args))); n < minChars {
					violations = append(violations, fmt.Sprintf(
						"%s is %d characters; at least %d are required", confidence.ArtifactName(inv), n, minChars))
				}
			}
		case domain.RuleMinActions:
			if need := int(value.Get("min").Int()); len(actions) < need {
				violations = append(violations, fmt.Sprintf(
					"only %d tool calls were made; at least %d are required", len(actions), need))
			}
		case domain.RuleRequiredTool:
			tool := value.Get("tool").String()
			if tool != "" && !succeeded(actions, tool) {
				violations = append(violations, fmt.Sprintf("%s must be called successfully before finishing", tool))
			}
		case domain.RulePhaseBudget:
			phase := value.Get("phase").String()
			minShare := value.Get("min_share").Float()
			if share := phaseShare(actions, phase); len(actions) > 0 && share < minShare {
				violations = append(violations, fmt.Sprintf(
					"%.0f%% of steps were spent on %s; at least %.0f%% is required", share*100, phase, minShare*100))
			}
		}
	}

	if report != nil && report.Overall < minConfidence {
		violations = append(violations, fmt.Sprintf(
			"overall confidence is %d; at least %d is required. %s", report.Overall, minConfidence, report.ReviewGuidance))
	}
	return violations
}

func succeeded(actions []domain.ToolInvocation, tool string) bool {
	for _, inv := range actions {
		if inv.Success && inv.Tool == tool {
			return true
		}
	}
	return false
}

func phaseShare(actions []domain.ToolInvocation, phase string) float64 {
	if len(actions) == 0 {
		return 0
	}
	n := 0
	for _, inv := range actions {
		if tools.Phase(inv.Tool) == phase {
			n++
		}
	}
	return float64(n) / float64(len(actions))
}
