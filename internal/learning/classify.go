// Package learning holds the rules that let background tasks improve across
// runs: work classification, rejection learning, tool-chain promotion,
// matter memory extraction and the completion gate.
package learning

import (
	"strings"

	"github.com/ashureev/firmdesk/internal/domain"
)

// Work types, in classification order.
const (
	WorkLitigationDrafting = "litigation_drafting"
	WorkDocumentDrafting   = "document_drafting"
	WorkLegalResearch      = "legal_research"
	WorkDeadlineManagement = "deadline_management"
	WorkBillingReview      = "billing_review"
	WorkCaseReview         = "case_review"
	WorkGeneral            = "general"
)

type keywordRule struct {
	name     string
	keywords []string
}

// First match wins.
var workTypeRules = []keywordRule{
	{WorkLitigationDrafting, []string{"motion", "complaint", "pleading", "petition", "brief", "discovery request", "interrogator", "subpoena", "answer to"}},
	{WorkDocumentDrafting, []string{"draft", "letter", "contract", "agreement", "memo", "write", "prepare a document", "engagement"}},
	{WorkLegalResearch, []string{"research", "case law", "precedent", "statutory", "legal authority", "jurisdiction"}},
	{WorkDeadlineManagement, []string{"deadline", "calendar", "limitations period", "due date", "schedule", "hearing date"}},
	{WorkBillingReview, []string{"invoice", "billing", "time entr", "bill ", "billable", "fees"}},
	{WorkCaseReview, []string{"review", "summarize", "summary", "analyze", "assess", "status", "overview"}},
}

// KnownWorkType reports whether s is one of the classified work types.
func KnownWorkType(s string) bool {
	if s == WorkGeneral {
		return true
	}
	for _, r := range workTypeRules {
		if r.name == s {
			return true
		}
	}
	return false
}

// ClassifyWorkType picks the work type for a goal. A known override wins.
func ClassifyWorkType(goal, override string) string {
	if override != "" && KnownWorkType(override) {
		return override
	}
	g := strings.ToLower(goal)
	for _, r := range workTypeRules {
		if containsAny(g, r.keywords) {
			return r.name
		}
	}
	return WorkGeneral
}

var (
	complexKeywords = []string{
		"comprehensive", "full review", "deep analysis", "strategic assessment",
		"draft motion", "draft brief", "legal research", "case strategy",
		"negotiation prep", "discovery plan", "trial prep",
	}
	simpleKeywords = []string{
		"simple", "quick", "check", "review", "verify", "look up",
		"find", "search", "read", "summarize brief", "check status",
	}
	moderateKeywords = []string{
		"draft", "create", "update", "summarize", "analyze", "prepare",
		"organize", "compile", "review and comment", "brief analysis",
		"memo", "letter", "email draft",
	}
)

// EstimateComplexity buckets a goal. Complex phrases are checked first so
// "draft motion" is never mistaken for a quick review.
func EstimateComplexity(goal string) domain.Complexity {
	g := strings.ToLower(goal)
	switch {
	case containsAny(g, complexKeywords):
		return domain.ComplexityComplex
	case containsAny(g, simpleKeywords):
		return domain.ComplexitySimple
	case containsAny(g, moderateKeywords):
		return domain.ComplexityModerate
	}
	return domain.ComplexityModerate
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}
