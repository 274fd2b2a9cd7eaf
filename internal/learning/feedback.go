package learning

import (
	"strings"
	"unicode"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/tidwall/sjson"
)

type feedbackRule struct {
	name     string
	keywords []string
	build    func() []domain.OverrideRule
}

var feedbackRules = []feedbackRule{
	{
		name:     "generic",
		keywords: []string{"generic", "boilerplate", "could apply to any", "not specific", "vague", "template", "cookie cutter", "cookie-cutter"},
		build: func() []domain.OverrideRule {
			return []domain.OverrideRule{
				promptRule("Tailor the work product to this specific matter. Name the parties, cite the matter facts and reference the documents you read."),
				{Type: domain.RuleMinDocumentLength, Value: obj("min_chars", 800)},
			}
		},
	},
	{
		name:     "too_short",
		keywords: []string{"too short", "more detail", "not enough detail", "too brief", "incomplete", "superficial", "lacks depth"},
		build: func() []domain.OverrideRule {
			return []domain.OverrideRule{
				{Type: domain.RuleMinDocumentLength, Value: obj("min_chars", 1500)},
				{Type: domain.RuleMinActions, Value: obj("min", 8)},
			}
		},
	},
	{
		name:     "missed_deadline",
		keywords: []string{"deadline", "due date", "limitations", "calendar", "missed a date", "filing date"},
		build: func() []domain.OverrideRule {
			return []domain.OverrideRule{
				{Type: domain.RuleRequiredTool, Value: obj("tool", "get_calendar_events")},
				{Type: domain.RuleRequiredTool, Value: obj("tool", "extract_matter_deadlines")},
				promptRule("Check the matter calendar and extract every deadline before finishing. Flag anything due within 30 days."),
			}
		},
	},
	{
		name:     "missed_document_review",
		keywords: []string{"didn't read", "did not read", "didn't review", "did not review", "ignored the", "missed the document", "without reviewing", "not reviewed", "overlooked"},
		build: func() []domain.OverrideRule {
			return []domain.OverrideRule{
				{Type: domain.RuleRequiredTool, Value: obj("tool", "read_document_content")},
				{Type: domain.RulePhaseBudget, Value: phaseValue("research", 0.3)},
			}
		},
	},
	{
		name:     "citations",
		keywords: []string{"citation", "cite", "hallucinat", "made up case", "fake case", "wrong case"},
		build: func() []domain.OverrideRule {
			return []domain.OverrideRule{
				{Type: domain.RuleRequiredTool, Value: obj("tool", "search_case_law")},
				promptRule("Verify every citation with search_case_law before using it. Mark anything you could not verify as [UNVERIFIED]."),
			}
		},
	},
	{
		name:     "tone",
		keywords: []string{"tone", "too aggressive", "too casual", "informal", "harsh", "unprofessional", "condescending"},
		build: func() []domain.OverrideRule {
			return []domain.OverrideRule{
				promptRule("Use a measured, professional tone suitable for a client or court audience."),
			}
		},
	},
	{
		name:     "formatting",
		keywords: []string{"format", "headings", "structure", "layout", "bullet", "hard to read"},
		build: func() []domain.OverrideRule {
			return []domain.OverrideRule{
				promptRule("Structure documents with clear headings, numbered sections and a short summary at the top."),
			}
		},
	},
}

// ClassifyFeedback turns rejection feedback into override rules. Every
// matching rule contributes; a correction always adds a prompt modifier, and
// non-empty feedback that matches nothing becomes a generic prompt modifier.
func ClassifyFeedback(feedback, correction string) []domain.OverrideRule {
	feedback = strings.TrimSpace(feedback)
	correction = strings.TrimSpace(correction)
	normalized := normalizeWords(feedback)

	var out []domain.OverrideRule
	seen := map[string]bool{}
	add := func(reason string, rules ...domain.OverrideRule) {
		for _, r := range rules {
			key := string(r.Type) + "\x00" + r.Value
			if seen[key] {
				continue
			}
			seen[key] = true
			r.Reason = reason
			out = append(out, r)
		}
	}

	if normalized != "" {
		for _, rule := range feedbackRules {
			if matchesAnyPhrase(normalized, rule.keywords) {
				add(rule.name+": "+excerpt(feedback), rule.build()...)
			}
		}
	}
	if correction != "" {
		add("correction: "+excerpt(correction), promptRule("Apply this reviewer correction: "+correction))
	}
	if len(out) == 0 && feedback != "" {
		add("feedback: "+excerpt(feedback), promptRule("Address this prior reviewer feedback: "+feedback))
	}
	return out
}

// normalizeWords lowercases s, turns every non-alphanumeric rune into a space
// and pads the result so phrases can be matched on a leading word boundary.
func normalizeWords(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return " " + strings.Join(strings.Fields(mapped), " ") + " "
}

// matchesAnyPhrase matches keywords at the start of a word, so "cite" finds
// "cited" but not "excited".
func matchesAnyPhrase(normalized string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(normalized, " "+strings.TrimSpace(normalizeWords(k))) {
			return true
		}
	}
	return false
}

func promptRule(text string) domain.OverrideRule {
	return domain.OverrideRule{Type: domain.RulePromptModifier, Value: obj("text", text)}
}

func obj(key string, value any) string {
	out, err := sjson.Set("{}", key, value)
	if err != nil {
		return "{}"
	}
	return out
}

func phaseValue(phase string, share float64) string {
	out := obj("phase", phase)
	out, _ = sjson.Set(out, "min_share", share)
	return out
}

func excerpt(s string) string {
	const limit = 120
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
