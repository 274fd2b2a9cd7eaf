package learning

import (
	"fmt"
	"strings"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/tidwall/gjson"
)

// Context is what a task starts with from earlier runs.
type Context struct {
	Overrides []*domain.QualityOverride
	Chain     *domain.ToolChain
	Memory    []*domain.MatterMemoryEntry
}

// RenderGuidance turns learning context into notes for the planner.
func RenderGuidance(lc Context) []string {
	var notes []string

	if c := lc.Chain; c != nil && len(c.ToolSequence) > 0 {
		path := strings.Join(c.ToolSequence, " -> ")
		if c.Deterministic {
			notes = append(notes, fmt.Sprintf(
				"Proven workflow for %s (confidence %.0f%%, %d successful runs). Follow exactly: %s",
				c.WorkType, c.Confidence*100, c.SuccessCount, path))
		} else {
			notes = append(notes, fmt.Sprintf(
				"Suggested workflow for %s (confidence %.0f%%). Advisory only, adapt as needed: %s",
				c.WorkType, c.Confidence*100, path))
		}
	}

	for _, o := range lc.Overrides {
		if n := renderOverride(o); n != "" {
			notes = append(notes, n)
		}
	}

	for _, m := range lc.Memory {
		notes = append(notes, fmt.Sprintf("Matter memory [%s/%s]: %s", m.MemoryType, m.Importance, m.Content))
	}
	return notes
}

func renderOverride(o *domain.QualityOverride) string {
	v := gjson.Parse(o.RuleValue)
	switch o.RuleType {
	case domain.RulePromptModifier:
		return "Reviewer guidance: " + v.Get("text").String()
	case domain.RuleMinDocumentLength:
		return fmt.Sprintf("Documents must be at least %d characters.", v.Get("min_chars").Int())
	case domain.RuleMinActions:
		return fmt.Sprintf("Make at least %d tool calls before finishing.", v.Get("min").Int())
	case domain.RuleRequiredTool:
		return fmt.Sprintf("You must call %s successfully before finishing.", v.Get("tool").String())
	case domain.RulePhaseBudget:
		return fmt.Sprintf("Spend at least %.0f%% of steps on %s.", v.Get("min_share").Float()*100, v.Get("phase").String())
	}
	return ""
}
