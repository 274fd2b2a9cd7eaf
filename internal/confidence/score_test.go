package confidence

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ashureev/firmdesk/internal/domain"
)

func inv(seq int, tool string, success bool, args map[string]any) domain.ToolInvocation {
	raw, _ := json.Marshal(args)
	return domain.ToolInvocation{Seq: seq, Tool: tool, Success: success, Args: raw}
}

func section(t *testing.T, r domain.ConfidenceReport, prefix string) domain.ConfidenceSection {
	t.Helper()
	for _, s := range r.Sections {
		if strings.HasPrefix(s.Name, prefix) {
			return s
		}
	}
	t.Fatalf("section %q not found in %+v", prefix, r.Sections)
	return domain.ConfidenceSection{}
}

func TestScoreEmptyTrail(t *testing.T) {
	r := Score(&domain.Task{ID: "t1"})
	if len(r.Sections) != 1 {
		t.Fatalf("sections = %+v, want comprehension only", r.Sections)
	}
	for _, s := range r.Sections {
		if !s.NeedsReview {
			t.Errorf("section %s should need review with no invocations", s.Name)
		}
	}
	if r.EstimatedReviewMinutes != 5 {
		t.Errorf("review minutes = %d, want 5", r.EstimatedReviewMinutes)
	}
}

func TestScoreWellFormedArtifact(t *testing.T) {
	task := &domain.Task{ID: "t1", Actions: []domain.ToolInvocation{
		inv(1, "create_document", true, map[string]any{
			"name":          "Demand Letter",
			"content":       strings.Repeat("a", 1500),
			"self_reviewed": true,
		}),
	}}
	r := Score(task)
	s := section(t, r, "Artifact: Demand Letter")
	if s.Score < 80 || s.NeedsReview {
		t.Fatalf("artifact section = %+v, want >= 80 and no review", s)
	}
}

func TestScoreArtifactPenalties(t *testing.T) {
	content := "Dear [CLIENT NAME], see Smith v. Jones [UNVERIFIED] and Doe v. Roe [UNVERIFIED]. " +
		"Also Acme [UNVERIFIED] and Beta [UNVERIFIED]."
	task := &domain.Task{ID: "t1", Actions: []domain.ToolInvocation{
		inv(1, "get_matter", true, map[string]any{"matter_id": "m1"}),
		inv(2, "create_document", true, map[string]any{"title": "Brief", "content": content}),
	}}
	s := section(t, Score(task), "Artifact: Brief")
	// 50 - 15 (short) + 10 (read first) - 25 (placeholder) - 30 (citations, capped)
	if s.Score != 0 {
		t.Fatalf("score = %d, want 0", s.Score)
	}
	if !s.NeedsReview {
		t.Fatal("penalized artifact should need review")
	}
	found := false
	for _, w := range s.Warnings {
		if strings.Contains(w, "4 unverified citation(s)") {
			found = true
		}
	}
	if !found {
		t.Fatalf("warnings = %v, want citation warning", s.Warnings)
	}
}

func TestUnverifiedCitations(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"none", "The client signed the lease in March.", 0},
		{"short marker", "See Smith v. Jones [UNVERIFIED].", 1},
		{"marker with note", "See Smith v. Jones [UNVERIFIED - needs cite check] and Doe v. Roe [unverified].", 2},
		{"bare case citations", "Smith v. Jones, 123 F.3d 456 (9th Cir. 2020); Roe v. Wade, 410 U.S. 113 (1973).", 2},
		{"state reporters", "Matter of Doe, 5 N.Y.3d 10; Acme v. Beta, 88 A.D.3d 120.", 2},
		{"statutes", "Claims under 42 U.S.C. § 1983 and Cal. Civ. Code § 1542.", 2},
		{"marked citation counts once", "Smith v. Jones, 123 F.3d 456 [UNVERIFIED - needs cite check].", 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := UnverifiedCitations(tt.text); got != tt.want {
				t.Fatalf("UnverifiedCitations(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestScoreArtifactCitationForms(t *testing.T) {
	body := strings.Repeat("Analysis of the lease obligations. ", 50)
	tests := []struct {
		name      string
		citations string
	}{
		{"short markers", "Smith v. Jones [UNVERIFIED]. Doe v. Roe [UNVERIFIED]."},
		{"markers with note", "Smith v. Jones [UNVERIFIED - needs cite check]. Doe v. Roe [UNVERIFIED - needs cite check]."},
		{"no markers", "Smith v. Jones, 123 F.3d 456 (9th Cir. 2020). Doe v. Roe, 55 F. Supp. 3d 12 (S.D.N.Y. 2014)."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task := &domain.Task{ID: "t1", Actions: []domain.ToolInvocation{
				inv(1, "create_document", true, map[string]any{
					"name":          "Memo",
					"content":       body + tt.citations,
					"self_reviewed": true,
				}),
			}}
			r := Score(task)
			s := section(t, r, "Artifact: Memo")
			// 50 + 25 (substantial) + 15 (self-reviewed) - 20 (two citations)
			if s.Score != 70 {
				t.Fatalf("score = %d, want 70 (warnings %v)", s.Score, s.Warnings)
			}
			if !strings.Contains(strings.Join(s.Warnings, ";"), "2 unverified citation(s)") {
				t.Fatalf("warnings = %v, want citation warning", s.Warnings)
			}
			if !strings.Contains(r.ReviewGuidance, "Verify citations") {
				t.Fatalf("guidance = %q, want citation check", r.ReviewGuidance)
			}
		})
	}
}

func TestScoreFailedArtifactIsZero(t *testing.T) {
	task := &domain.Task{Actions: []domain.ToolInvocation{
		inv(1, "draft_legal_document", false, map[string]any{"name": "Motion"}),
	}}
	if s := section(t, Score(task), "Artifact: Motion"); s.Score != 0 {
		t.Fatalf("failed artifact score = %d, want 0", s.Score)
	}
}

func TestScoreComprehension(t *testing.T) {
	task := &domain.Task{Actions: []domain.ToolInvocation{
		inv(1, "get_matter", true, nil),
		inv(2, "read_document_content", true, nil),
		inv(3, "search_case_law", true, nil),
		inv(4, "list_documents", false, nil),
	}}
	s := section(t, Score(task), "Matter Comprehension")
	if s.Score != 35+30+20+15-5 {
		t.Fatalf("comprehension = %d, want 95", s.Score)
	}
}

func TestScoreFollowUpsAndAnalysis(t *testing.T) {
	task := &domain.Task{Actions: []domain.ToolInvocation{
		inv(1, "perform_legal_analysis", true, map[string]any{"analysis": strings.Repeat("b", 420)}),
		inv(2, "self_critique", true, nil),
		inv(3, "set_critical_deadline", true, nil),
		inv(4, "create_task", false, nil),
	}}
	r := Score(task)
	if s := section(t, r, "Analysis & Notes"); s.Score != 85 {
		t.Errorf("analysis = %d, want 85", s.Score)
	}
	if s := section(t, r, "Follow-up Actions"); s.Score != 50 {
		t.Errorf("follow-ups = %d, want 50", s.Score)
	}
}

func TestScoreBoundsAndDeterminism(t *testing.T) {
	var actions []domain.ToolInvocation
	for i := 0; i < 30; i++ {
		actions = append(actions, inv(i+1, "list_documents", false, nil))
	}
	task := &domain.Task{Actions: actions}
	a, b := Score(task), Score(task)
	if a.Overall != b.Overall {
		t.Fatal("Score is not deterministic")
	}
	for _, s := range a.Sections {
		if s.Score < 0 || s.Score > 100 {
			t.Fatalf("section %s out of range: %d", s.Name, s.Score)
		}
	}
}

func TestReviewMinutes(t *testing.T) {
	tests := []struct{ flagged, want int }{{0, 2}, {1, 5}, {2, 5}, {3, 10}}
	for _, tt := range tests {
		if got := reviewMinutes(tt.flagged); got != tt.want {
			t.Errorf("reviewMinutes(%d) = %d, want %d", tt.flagged, got, tt.want)
		}
	}
}
