package check

import (
	"time"

	"github.com/agentnet/reconcile/schema"
)

// IssueType classifies a detected inconsistency.
type IssueType string

const (
	IssueInvalidTransition     IssueType = "invalid_status_transition"
	IssueMissingReference      IssueType = "missing_reference"
	IssueDuplicateEntry        IssueType = "duplicate_entry"
	IssueSchemaViolation       IssueType = "schema_violation"
	IssueTemporalInconsistency IssueType = "temporal_inconsistency"
	IssueReferentialIntegrity  IssueType = "referential_integrity"
)

// Severity ranks how urgently an issue needs attention.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Issue is one detected inconsistency. RepairSuggestion is always
// populated, including for issues with no automated repair, so the
// report supports manual remediation on its own.
type Issue struct {
	Type             IssueType
	Rule             string
	Collection       string
	DocumentID       string
	Description      string
	Severity         Severity
	Data             map[string]interface{}
	AutoRepairable   bool
	RepairSuggestion string
}

// Report is the outcome of one full check.
type Report struct {
	Timestamp         time.Time
	Duration          time.Duration
	TotalIssues       int
	IssuesBySeverity  map[Severity]int
	IssuesByType      map[IssueType]int
	Issues            []Issue
	RepairsPerformed  int
	AutoRepairEnabled bool
}

// reportIssueLimit bounds how many issues a persisted report carries.
const reportIssueLimit = 100

// Doc converts the report for persistence in consistency_reports.
func (r *Report) Doc() schema.Doc {
	bySeverity := map[string]interface{}{}
	for sev, n := range r.IssuesBySeverity {
		bySeverity[string(sev)] = n
	}
	byType := map[string]interface{}{}
	for typ, n := range r.IssuesByType {
		byType[string(typ)] = n
	}

	issues := r.Issues
	if len(issues) > reportIssueLimit {
		issues = issues[:reportIssueLimit]
	}
	issueDocs := make([]interface{}, len(issues))
	for i, issue := range issues {
		issueDocs[i] = map[string]interface{}{
			"type":              string(issue.Type),
			"rule":              issue.Rule,
			"collection":        issue.Collection,
			"document_id":       issue.DocumentID,
			"description":       issue.Description,
			"severity":          string(issue.Severity),
			"can_auto_repair":   issue.AutoRepairable,
			"repair_suggestion": issue.RepairSuggestion,
			"data":              issue.Data,
		}
	}

	return schema.Doc{
		"timestamp":           r.Timestamp,
		"duration_ms":         r.Duration.Milliseconds(),
		"total_issues":        r.TotalIssues,
		"issues_by_severity":  bySeverity,
		"issues_by_type":      byType,
		"issues":              issueDocs,
		"repairs_performed":   r.RepairsPerformed,
		"auto_repair_enabled": r.AutoRepairEnabled,
	}
}
