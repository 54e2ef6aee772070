package check

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/schema"
	"github.com/agentnet/reconcile/store"
	"github.com/agentnet/reconcile/txn"
)

func newChecker(st store.Store, extra ...Rule) *Checker {
	coord := txn.New(st, txn.Config{RetryDelay: time.Millisecond}, nil)
	return New(st, coord, Config{}, nil, extra...)
}

func seedTask(t *testing.T, st store.Store, task *schema.Task) {
	t.Helper()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = task.CreatedAt
	}
	if task.Priority == "" {
		task.Priority = schema.PriorityNormal
	}
	if err := st.InsertOne(context.Background(), schema.CollectionTasks, task.Doc()); err != nil {
		t.Fatalf("seeding task %s: %v", task.TaskID, err)
	}
}

func seedAgent(t *testing.T, st store.Store, agent *schema.AgentState) {
	t.Helper()
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = time.Now().UTC()
	}
	if err := st.InsertOne(context.Background(), schema.CollectionAgentStates, agent.Doc()); err != nil {
		t.Fatalf("seeding agent %s: %v", agent.AgentID, err)
	}
}

func issuesOfType(report *Report, typ IssueType) []Issue {
	var out []Issue
	for _, issue := range report.Issues {
		if issue.Type == typ {
			out = append(out, issue)
		}
	}
	return out
}

func TestCleanStoreHasNoIssues(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedAgent(t, st, &schema.AgentState{AgentID: "worker-1", Status: schema.AgentReady})

	report, err := newChecker(st).RunFullCheck(ctx, false)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	if report.TotalIssues != 0 {
		t.Errorf("issues = %d, want 0: %+v", report.TotalIssues, report.Issues)
	}
}

// A task assigned to an agent that does not exist yields one
// missing_reference issue; repairing resets the task to created with
// the assignment cleared.
func TestMissingAgentReference(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, &schema.Task{TaskID: "t-1", Status: schema.TaskAssigned, AssignedTo: "worker-1"})

	checker := newChecker(st)
	report, err := checker.RunFullCheck(ctx, false)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}

	refs := issuesOfType(report, IssueMissingReference)
	if len(refs) != 1 {
		t.Fatalf("missing_reference issues = %d, want 1", len(refs))
	}
	issue := refs[0]
	if issue.Severity != SeverityHigh || !issue.AutoRepairable {
		t.Errorf("issue = %+v, want high severity, auto-repairable", issue)
	}

	report, err = checker.RunFullCheck(ctx, true)
	if err != nil {
		t.Fatalf("RunFullCheck with repair: %v", err)
	}
	if report.RepairsPerformed == 0 {
		t.Fatal("no repairs performed")
	}

	doc, err := st.FindOne(ctx, schema.CollectionTasks, store.Filter{"task_id": "t-1"})
	if err != nil {
		t.Fatalf("task lookup: %v", err)
	}
	task := schema.TaskFromDoc(doc)
	if task.Status != schema.TaskCreated || task.AssignedTo != "" {
		t.Errorf("repaired task = %s/%q, want created with no assignee", task.Status, task.AssignedTo)
	}

	// Every automated repair leaves an audit entry.
	n, _ := st.Count(ctx, schema.CollectionActivityLogs, store.Filter{"activity_type": "consistency_repair"})
	if n == 0 {
		t.Error("repair left no activity-log entry")
	}
}

func TestAgentDanglingTaskReference(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedAgent(t, st, &schema.AgentState{AgentID: "worker-1", Status: schema.AgentWorking, CurrentTaskID: "t-gone"})

	checker := newChecker(st)
	report, err := checker.RunFullCheck(ctx, true)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	if len(issuesOfType(report, IssueMissingReference)) != 1 {
		t.Fatalf("missing_reference issues = %d, want 1", len(issuesOfType(report, IssueMissingReference)))
	}

	doc, _ := st.FindOne(ctx, schema.CollectionAgentStates, store.Filter{"agent_id": "worker-1"})
	agent := schema.AgentStateFromDoc(doc)
	if agent.Status != schema.AgentReady || agent.CurrentTaskID != "" {
		t.Errorf("repaired agent = %s/%q, want ready with no task reference", agent.Status, agent.CurrentTaskID)
	}
}

func TestBidirectionalMismatchRepair(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, &schema.Task{TaskID: "t-1", Status: schema.TaskInProgress, AssignedTo: "worker-1"})
	seedAgent(t, st, &schema.AgentState{AgentID: "worker-1", Status: schema.AgentWorking, CurrentTaskID: "t-other"})
	seedTask(t, st, &schema.Task{TaskID: "t-other", Status: schema.TaskAssigned, AssignedTo: "worker-1"})

	checker := newChecker(st)
	report, err := checker.RunFullCheck(ctx, true)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	if len(issuesOfType(report, IssueReferentialIntegrity)) == 0 {
		t.Fatal("no referential_integrity issue reported")
	}

	doc, _ := st.FindOne(ctx, schema.CollectionAgentStates, store.Filter{"agent_id": "worker-1"})
	agent := schema.AgentStateFromDoc(doc)
	// The repair trusts the task assignment.
	if agent.CurrentTaskID != "t-1" && agent.CurrentTaskID != "t-other" {
		t.Errorf("agent reference = %q after repair", agent.CurrentTaskID)
	}
}

// A status history that leaves the transition graph produces exactly
// one invalid_status_transition issue per bad step, never a repair.
func TestInvalidStatusTransitionReportOnly(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, &schema.Task{
		TaskID: "t-1",
		Status: schema.TaskCompleted,
		Metadata: map[string]interface{}{
			"status_history": []interface{}{
				map[string]interface{}{"status": "created", "timestamp": time.Now().UTC()},
				map[string]interface{}{"status": "completed", "timestamp": time.Now().UTC()},
			},
		},
	})

	checker := newChecker(st)
	report, err := checker.RunFullCheck(ctx, true)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	transitions := issuesOfType(report, IssueInvalidTransition)
	if len(transitions) != 1 {
		t.Fatalf("invalid_status_transition issues = %d, want 1", len(transitions))
	}
	issue := transitions[0]
	if issue.AutoRepairable || issue.Severity != SeverityMedium {
		t.Errorf("issue = %+v, want medium severity, report-only", issue)
	}
	if issue.RepairSuggestion == "" {
		t.Error("repair suggestion empty; must be populated even with no automated repair")
	}
}

func TestValidStatusHistoryPasses(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, &schema.Task{
		TaskID: "t-1",
		Status: schema.TaskCompleted,
		Metadata: map[string]interface{}{
			"status_history": []interface{}{
				map[string]interface{}{"status": "created"},
				map[string]interface{}{"status": "assigned"},
				map[string]interface{}{"status": "in_progress"},
				map[string]interface{}{"status": "completed"},
			},
		},
	})

	report, err := newChecker(st).RunFullCheck(ctx, false)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	if len(issuesOfType(report, IssueInvalidTransition)) != 0 {
		t.Errorf("valid history flagged: %+v", issuesOfType(report, IssueInvalidTransition))
	}
}

// completed_at an hour before created_at is flagged and repaired to
// created_at + 1h.
func TestTemporalInconsistencyRepair(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	created := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	seedTask(t, st, &schema.Task{
		TaskID:    "t-1",
		Status:    schema.TaskCompleted,
		CreatedAt: created,
		UpdatedAt: created,
		Metadata:  map[string]interface{}{"completed_at": created.Add(-time.Hour)},
	})

	checker := newChecker(st)
	report, err := checker.RunFullCheck(ctx, true)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	temporal := issuesOfType(report, IssueTemporalInconsistency)
	if len(temporal) != 1 {
		t.Fatalf("temporal_inconsistency issues = %d, want 1", len(temporal))
	}
	if temporal[0].Severity != SeverityHigh || !temporal[0].AutoRepairable {
		t.Errorf("issue = %+v, want high severity, auto-repairable", temporal[0])
	}

	doc, _ := st.FindOne(ctx, schema.CollectionTasks, store.Filter{"task_id": "t-1"})
	got := schema.AsTime(schema.TaskFromDoc(doc).Metadata["completed_at"])
	want := created.Add(time.Hour)
	if !got.Equal(want) {
		t.Errorf("completed_at = %v, want %v", got, want)
	}
}

func TestDuplicateAgentIDsCritical(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// The memory store does not enforce unique indexes, so corrupt data
	// can be seeded directly.
	seedAgent(t, st, &schema.AgentState{AgentID: "worker-1", Status: schema.AgentReady})
	seedAgent(t, st, &schema.AgentState{AgentID: "worker-1", Status: schema.AgentWorking})

	report, err := newChecker(st).RunFullCheck(ctx, true)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	dups := issuesOfType(report, IssueDuplicateEntry)
	if len(dups) != 1 {
		t.Fatalf("duplicate_entry issues = %d, want 1", len(dups))
	}
	if dups[0].Severity != SeverityCritical || dups[0].AutoRepairable {
		t.Errorf("issue = %+v, want critical, not auto-repairable", dups[0])
	}
	// Both documents must still be there: no automated touch.
	if n, _ := st.Count(ctx, schema.CollectionAgentStates, store.Filter{"agent_id": "worker-1"}); n != 2 {
		t.Errorf("agent documents = %d, want 2 untouched", n)
	}
}

func TestSchemaViolations(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	// Missing created_at, unknown status value.
	if err := st.InsertOne(ctx, schema.CollectionTasks, schema.Doc{
		"task_id": "t-bad",
		"status":  "limbo",
	}); err != nil {
		t.Fatalf("seeding: %v", err)
	}

	report, err := newChecker(st).RunFullCheck(ctx, false)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	violations := issuesOfType(report, IssueSchemaViolation)
	if len(violations) != 2 {
		t.Fatalf("schema_violation issues = %d, want 2: %+v", len(violations), violations)
	}
	for _, issue := range violations {
		if issue.RepairSuggestion == "" {
			t.Errorf("empty repair suggestion on %+v", issue)
		}
	}
}

// With a roster configured, an agent state whose agent_id is not on it
// is a schema violation. Without a roster any id passes.
func TestAgentRosterViolation(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedAgent(t, st, &schema.AgentState{AgentID: "impostor-42", Status: schema.AgentReady})

	coord := txn.New(st, txn.Config{RetryDelay: time.Millisecond}, nil)
	checker := New(st, coord, Config{AgentRoster: []string{"manager", "developer-1"}}, nil)

	report, err := checker.RunFullCheck(ctx, false)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	violations := issuesOfType(report, IssueSchemaViolation)
	if len(violations) != 1 {
		t.Fatalf("schema_violation issues = %d, want 1: %+v", len(violations), violations)
	}
	if violations[0].DocumentID != "impostor-42" {
		t.Errorf("document id = %q, want impostor-42", violations[0].DocumentID)
	}

	// No roster means the same document is accepted.
	report, err = newChecker(st).RunFullCheck(ctx, false)
	if err != nil {
		t.Fatalf("RunFullCheck without roster: %v", err)
	}
	if got := issuesOfType(report, IssueSchemaViolation); len(got) != 0 {
		t.Fatalf("schema_violation issues without roster = %d, want 0: %+v", len(got), got)
	}
}

// A rule that fails is recorded as a critical issue; the remaining
// rules still run.
func TestFailingRuleDoesNotAbortRun(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	seedTask(t, st, &schema.Task{TaskID: "t-1", Status: schema.TaskAssigned, AssignedTo: "ghost"})

	broken := Rule{
		Name:        "always_broken",
		Description: "fails every time",
		Collection:  "*",
		Severity:    SeverityLow,
		Check: func(ctx context.Context, out *[]Issue) error {
			return errors.New(errors.ErrCodeInternal, "rule exploded")
		},
	}
	panicking := Rule{
		Name:        "always_panics",
		Description: "panics every time",
		Collection:  "*",
		Severity:    SeverityLow,
		Check: func(ctx context.Context, out *[]Issue) error {
			panic("rule panicked")
		},
	}

	report, err := newChecker(st, broken, panicking).RunFullCheck(ctx, false)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}

	critical := 0
	for _, issue := range report.Issues {
		if issue.Severity == SeverityCritical {
			critical++
		}
	}
	if critical != 2 {
		t.Errorf("critical rule-failure issues = %d, want 2", critical)
	}
	// The ghost-assignment issue from a healthy rule is still present.
	if len(issuesOfType(report, IssueMissingReference)) != 1 {
		t.Errorf("healthy rules did not run alongside broken ones")
	}
}

func TestReportPersisted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()

	if _, err := newChecker(st).RunFullCheck(ctx, false); err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	n, err := st.Count(ctx, schema.CollectionConsistencyReports, store.Filter{})
	if err != nil || n != 1 {
		t.Errorf("persisted reports = %d (err %v), want 1", n, err)
	}
}

func TestRepairScript(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	created := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	seedTask(t, st, &schema.Task{TaskID: "t-1", Status: schema.TaskAssigned, AssignedTo: "ghost"})
	seedTask(t, st, &schema.Task{
		TaskID:    "t-2",
		Status:    schema.TaskCompleted,
		CreatedAt: created,
		UpdatedAt: created,
		Metadata:  map[string]interface{}{"completed_at": created.Add(-2 * time.Hour)},
	})

	report, err := newChecker(st).RunFullCheck(ctx, false)
	if err != nil {
		t.Fatalf("RunFullCheck: %v", err)
	}
	script := RepairScript(report)

	if !strings.Contains(script, `db.tasks.updateOne({task_id: "t-1"}`) {
		t.Errorf("script missing task reference repair:\n%s", script)
	}
	if !strings.Contains(script, "metadata.completed_at") {
		t.Errorf("script missing temporal repair:\n%s", script)
	}
	if !strings.Contains(script, "use agent_network;") {
		t.Errorf("script missing database selector:\n%s", script)
	}
}
