// Package tools is the client side of the tool capability registry: tool
// categories, argument validation and the HTTP invoker.
package tools

// Category groups tools by what they do to a task's output.
type Category string

const (
	CategoryRead     Category = "read"
	CategoryArtifact Category = "artifact"
	CategoryAnalysis Category = "analysis"
	CategoryReview   Category = "review"
	CategoryFollowUp Category = "followup"
	CategoryOther    Category = "other"
)

var categories = map[string]Category{
	// Reads.
	"get_matter":               CategoryRead,
	"get_matter_brief":         CategoryRead,
	"list_my_matters":          CategoryRead,
	"search_matters":           CategoryRead,
	"list_clients":             CategoryRead,
	"get_client":               CategoryRead,
	"list_documents":           CategoryRead,
	"read_document_content":    CategoryRead,
	"search_document_content":  CategoryRead,
	"smart_search_documents":   CategoryRead,
	"get_document_insights":    CategoryRead,
	"find_related_documents":   CategoryRead,
	"extract_matter_deadlines": CategoryRead,
	"get_calendar_events":      CategoryRead,
	"list_tasks":               CategoryRead,
	"list_invoices":            CategoryRead,
	"get_my_time_entries":      CategoryRead,
	"list_team_members":        CategoryRead,
	"get_firm_analytics":       CategoryRead,
	"search_case_law":          CategoryRead,
	"get_statute":              CategoryRead,
	"check_conflicts":          CategoryRead,
	"search_semantic":          CategoryRead,
	"search_hybrid":            CategoryRead,
	"find_precedent":           CategoryRead,
	"find_similar_clauses":     CategoryRead,

	// Artifacts.
	"create_document":      CategoryArtifact,
	"draft_legal_document": CategoryArtifact,
	"generate_report":      CategoryArtifact,

	// Analysis.
	"identify_legal_issue":   CategoryAnalysis,
	"state_legal_rule":       CategoryAnalysis,
	"perform_legal_analysis": CategoryAnalysis,
	"state_conclusion":       CategoryAnalysis,

	// Review.
	"self_critique": CategoryReview,

	// Follow-ups.
	"create_task":           CategoryFollowUp,
	"complete_task":         CategoryFollowUp,
	"create_calendar_event": CategoryFollowUp,
	"set_critical_deadline": CategoryFollowUp,
	"log_time":              CategoryFollowUp,
	"create_invoice":        CategoryFollowUp,
	"create_matter":         CategoryFollowUp,
	"update_matter":         CategoryFollowUp,
	"close_matter":          CategoryFollowUp,
	"create_client":         CategoryFollowUp,
}

// CategoryOf returns the tool's category, CategoryOther when unknown.
func CategoryOf(tool string) Category {
	if c, ok := categories[tool]; ok {
		return c
	}
	return CategoryOther
}

// IsMatterRead reports whether the tool loads the matter itself.
func IsMatterRead(tool string) bool {
	return tool == "get_matter" || tool == "get_matter_brief"
}

// IsDocumentRead reports whether the tool reads document content.
func IsDocumentRead(tool string) bool {
	return tool == "read_document_content" || tool == "get_document_insights"
}

// IsDeadlineWrite reports whether the tool creates a dated obligation.
func IsDeadlineWrite(tool string) bool {
	return tool == "set_critical_deadline" || tool == "create_calendar_event"
}

// Phase maps a tool onto the coarse phase used by phase budgets.
func Phase(tool string) string {
	switch CategoryOf(tool) {
	case CategoryRead:
		return "research"
	case CategoryReview:
		return "review"
	case CategoryArtifact, CategoryAnalysis:
		return "drafting"
	}
	return ""
}
