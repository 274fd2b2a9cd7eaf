// Package confidence grades a finished task's action trail section by section
// so a reviewer knows where to look first.
package confidence

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/ashureev/firmdesk/internal/domain"
	"github.com/ashureev/firmdesk/internal/tools"
	"github.com/tidwall/gjson"
)

// ReviewThreshold is the score below which a section needs human review.
const ReviewThreshold = 70

const (
	categoryComprehension = "comprehension"
	categoryArtifact      = "artifact"
	categoryAnalysis      = "analysis"
	categoryFollowUp      = "followup"
)

var weights = map[string]float64{
	categoryArtifact:      3,
	categoryComprehension: 2,
	categoryAnalysis:      1.5,
	categoryFollowUp:      1,
}

var (
	placeholderRe = regexp.MustCompile(`(?i)\[(todo|tbd|insert[^\]]*|placeholder|client name|date|citation needed)\]|\bTBD\b|XX/XX/XXXX|lorem ipsum|\{\{[^}]*\}\}`)
	unverifiedRe  = regexp.MustCompile(`(?i)\[UNVERIFIED[^\]]*\]`)
	// Volume, reporter, first page: "123 F.3d 456", "410 U.S. 113", "5 N.Y.3d 10".
	caseCiteRe = regexp.MustCompile(`\b\d{1,4}\s+(?:U\.S\.|S\.\s?Ct\.|L\.\s?Ed\.(?:\s?2d)?|F\.\s?Supp\.(?:\s?[23]d)?|F\.(?:\s?(?:2d|3d|4th))?|` +
		`A\.(?:[23]d)?|P\.(?:[23]d)?|N\.[EW]\.(?:[23]d)?|S\.[EW]\.(?:[23]d)?|So\.(?:\s?[23]d)?|N\.Y\.(?:[23]d)?|A\.D\.(?:[23]d)?|Misc\.(?:\s?[23]d)?|Cal\.\s?Rptr\.(?:\s?[23]d)?)\s+\d{1,5}\b`)
	// "42 U.S.C. § 1983", "Cal. Civ. Code § 1542", "CPLR § 214".
	statuteCiteRe = regexp.MustCompile(`\b\d{1,3}\s+U\.S\.C\.(?:A\.)?\s*(?:§+\s*)?\d+|§+\s*\d+`)
)

// HasPlaceholders reports whether text still contains template markers.
func HasPlaceholders(text string) bool {
	return placeholderRe.MatchString(text)
}

// UnverifiedCitations counts citations a reviewer has to check: explicit
// [UNVERIFIED ...] markers or case and statute citations, whichever is more.
// A marker placed next to the citation it flags counts once.
func UnverifiedCitations(text string) int {
	markers := len(unverifiedRe.FindAllStringIndex(text, -1))
	cites := len(caseCiteRe.FindAllStringIndex(text, -1)) + len(statuteCiteRe.FindAllStringIndex(text, -1))
	return max(markers, cites)
}

// ArtifactContent returns the body text passed to an artifact tool.
func ArtifactContent(args json.RawMessage) string {
	for _, key := range []string{"content", "body", "text"} {
		if v := gjson.GetBytes(args, key); v.Type == gjson.String {
			return v.Str
		}
	}
	return ""
}

// ArtifactName returns a display name for an artifact invocation.
func ArtifactName(inv domain.ToolInvocation) string {
	for _, key := range []string{"name", "title", "document_type", "report_type"} {
		if v := gjson.GetBytes(inv.Args, key); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return inv.Tool
}

// Score grades the task's invocations. It is pure and deterministic.
func Score(task *domain.Task) domain.ConfidenceReport {
	actions := task.Actions

	sections := []domain.ConfidenceSection{scoreComprehension(actions)}
	for i, inv := range actions {
		if tools.CategoryOf(inv.Tool) == tools.CategoryArtifact {
			sections = append(sections, scoreArtifact(actions, i))
		}
	}
	if s, ok := scoreAnalysis(actions); ok {
		sections = append(sections, s)
	}
	if s, ok := scoreFollowUps(actions); ok {
		sections = append(sections, s)
	}

	var weighted, total float64
	flagged := 0
	for i := range sections {
		s := &sections[i]
		s.Score = clamp(s.Score)
		s.NeedsReview = s.Score < ReviewThreshold
		if s.NeedsReview {
			flagged++
		}
		w := weights[s.Category]
		weighted += float64(s.Score) * w
		total += w
	}

	overall := 0
	if total > 0 {
		overall = int(math.Round(weighted / total))
	}

	return domain.ConfidenceReport{
		TaskID:                 task.ID,
		Overall:                clamp(overall),
		Sections:               sections,
		FlaggedCount:           flagged,
		ReviewGuidance:         guidance(sections),
		EstimatedReviewMinutes: reviewMinutes(flagged),
	}
}

func scoreComprehension(actions []domain.ToolInvocation) domain.ConfidenceSection {
	s := domain.ConfidenceSection{Name: "Matter Comprehension", Category: categoryComprehension, Score: 35}

	distinct := map[string]bool{}
	matterRead, docRead := false, false
	for _, inv := range actions {
		if tools.CategoryOf(inv.Tool) != tools.CategoryRead {
			continue
		}
		if !inv.Success {
			s.Score -= 5
			s.Warnings = append(s.Warnings, fmt.Sprintf("%s failed", inv.Tool))
			continue
		}
		distinct[inv.Tool] = true
		matterRead = matterRead || tools.IsMatterRead(inv.Tool)
		docRead = docRead || tools.IsDocumentRead(inv.Tool)
	}

	if matterRead {
		s.Score += 30
		s.Signals = append(s.Signals, "matter details loaded")
	} else {
		s.Warnings = append(s.Warnings, "matter was never read")
	}
	if docRead {
		s.Score += 20
		s.Signals = append(s.Signals, "document content read")
	}
	if len(distinct) >= 3 {
		s.Score += 15
		s.Signals = append(s.Signals, fmt.Sprintf("%d distinct sources consulted", len(distinct)))
	}
	return s
}

func scoreArtifact(actions []domain.ToolInvocation, idx int) domain.ConfidenceSection {
	inv := actions[idx]
	s := domain.ConfidenceSection{Name: "Artifact: " + ArtifactName(inv), Category: categoryArtifact}
	if !inv.Success {
		s.Warnings = append(s.Warnings, "creation failed")
		return s
	}

	s.Score = 50
	content := ArtifactContent(inv.Args)
	switch n := len([]rune(content)); {
	case n >= 1500:
		s.Score += 25
		s.Signals = append(s.Signals, "substantial content")
	case n >= 800:
		s.Score += 15
		s.Signals = append(s.Signals, "moderate content")
	case n < 300:
		s.Score -= 15
		s.Warnings = append(s.Warnings, "content is very short")
	}

	if selfReviewed(inv, actions[idx+1:]) {
		s.Score += 15
		s.Signals = append(s.Signals, "self-reviewed")
	}
	if readBefore(actions[:idx]) {
		s.Score += 10
		s.Signals = append(s.Signals, "source material read first")
	}
	if HasPlaceholders(content) {
		s.Score -= 25
		s.Warnings = append(s.Warnings, "contains placeholder text")
	}
	if n := UnverifiedCitations(content); n > 0 {
		s.Score -= min(10*n, 30)
		s.Warnings = append(s.Warnings, fmt.Sprintf("%d unverified citation(s)", n))
	}
	return s
}

func scoreAnalysis(actions []domain.ToolInvocation) (domain.ConfidenceSection, bool) {
	s := domain.ConfidenceSection{Name: "Analysis & Notes", Category: categoryAnalysis, Score: 55}

	var text strings.Builder
	found, reviewed := false, false
	for _, inv := range actions {
		switch tools.CategoryOf(inv.Tool) {
		case tools.CategoryAnalysis:
			found = true
			if !inv.Success {
				s.Score -= 10
				s.Warnings = append(s.Warnings, fmt.Sprintf("%s failed", inv.Tool))
				continue
			}
			gjson.ParseBytes(inv.Args).ForEach(func(_, v gjson.Result) bool {
				if v.Type == gjson.String {
					text.WriteString(v.Str)
					text.WriteByte('\n')
				}
				return true
			})
		case tools.CategoryReview:
			reviewed = reviewed || inv.Success
		}
	}
	if !found {
		return s, false
	}

	switch n := len([]rune(text.String())); {
	case n >= 400:
		s.Score += 20
		s.Signals = append(s.Signals, "detailed reasoning")
	case n >= 150:
		s.Score += 10
	}
	if reviewed {
		s.Score += 10
		s.Signals = append(s.Signals, "self-critique performed")
	}
	if HasPlaceholders(text.String()) {
		s.Score -= 20
		s.Warnings = append(s.Warnings, "contains placeholder text")
	}
	return s, true
}

func scoreFollowUps(actions []domain.ToolInvocation) (domain.ConfidenceSection, bool) {
	s := domain.ConfidenceSection{Name: "Follow-up Actions", Category: categoryFollowUp, Score: 75}

	found, matterRead, deadlines := false, false, false
	for _, inv := range actions {
		if inv.Success && tools.IsMatterRead(inv.Tool) {
			matterRead = true
		}
		if tools.CategoryOf(inv.Tool) != tools.CategoryFollowUp {
			continue
		}
		found = true
		if !inv.Success {
			s.Score -= 15
			s.Warnings = append(s.Warnings, fmt.Sprintf("%s failed", inv.Tool))
			continue
		}
		deadlines = deadlines || tools.IsDeadlineWrite(inv.Tool)
	}
	if !found {
		return s, false
	}
	if deadlines && !matterRead {
		s.Score -= 10
		s.Warnings = append(s.Warnings, "deadlines set without reading the matter")
	}
	return s, true
}

func selfReviewed(inv domain.ToolInvocation, later []domain.ToolInvocation) bool {
	if gjson.GetBytes(inv.Args, "self_reviewed").Bool() {
		return true
	}
	for _, l := range later {
		if l.Success && tools.CategoryOf(l.Tool) == tools.CategoryReview {
			return true
		}
	}
	return false
}

func readBefore(earlier []domain.ToolInvocation) bool {
	for _, e := range earlier {
		if e.Success && tools.CategoryOf(e.Tool) == tools.CategoryRead {
			return true
		}
	}
	return false
}

func guidance(sections []domain.ConfidenceSection) string {
	var flagged, citations []string
	for _, s := range sections {
		if s.NeedsReview {
			flagged = append(flagged, fmt.Sprintf("%s (%d)", s.Name, s.Score))
		}
		for _, w := range s.Warnings {
			if strings.Contains(w, "unverified citation") {
				citations = append(citations, fmt.Sprintf("%s: %s", s.Name, w))
			}
		}
	}

	if len(flagged) == 0 && len(citations) == 0 {
		return "All sections meet the confidence threshold. A spot check of the final output is sufficient."
	}
	var b strings.Builder
	if len(flagged) > 0 {
		b.WriteString("Review closely: " + strings.Join(flagged, ", ") + ".")
	}
	if len(citations) > 0 {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		b.WriteString("Verify citations before relying on them: " + strings.Join(citations, "; ") + ".")
	}
	return b.String()
}

func reviewMinutes(flagged int) int {
	switch {
	case flagged == 0:
		return 2
	case flagged <= 2:
		return 5
	}
	return 10
}

func clamp(v int) int {
	return max(0, min(v, 100))
}
