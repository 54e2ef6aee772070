package check

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentnet/reconcile/schema"
	"github.com/agentnet/reconcile/store"
	"github.com/agentnet/reconcile/txn"
)

// repairLog builds the audit entry that accompanies every automated
// repair transaction.
func repairLog(issue Issue, action string) schema.Doc {
	return (&schema.ActivityLogEntry{
		Timestamp:    time.Now().UTC(),
		AgentID:      schema.SystemAgentID,
		ActivityType: "consistency_repair",
		Details: map[string]interface{}{
			"issue_type": string(issue.Type),
			"rule":       issue.Rule,
			"document":   issue.DocumentID,
			"repair":     action,
		},
	}).Doc()
}

// repairTaskAgentReference resets the orphaned task to created with the
// invalid assignment cleared.
func (c *Checker) repairTaskAgentReference(ctx context.Context, issue Issue) error {
	return c.coord.WithTransaction(ctx, "repair task agent reference", func(tx *txn.Tx) error {
		tx.Update(schema.CollectionTasks,
			store.Filter{"task_id": issue.DocumentID},
			store.Update{
				Set:   map[string]interface{}{"status": string(schema.TaskCreated), "updated_at": time.Now().UTC()},
				Unset: []string{"assigned_to"},
			})
		tx.Insert(schema.CollectionActivityLogs, repairLog(issue, "cleared invalid agent assignment"))
		return nil
	})
}

// repairAgentTaskReference clears the agent's dangling task reference.
func (c *Checker) repairAgentTaskReference(ctx context.Context, issue Issue) error {
	return c.coord.WithTransaction(ctx, "repair agent task reference", func(tx *txn.Tx) error {
		tx.Update(schema.CollectionAgentStates,
			store.Filter{"agent_id": issue.DocumentID},
			store.Update{
				Set:   map[string]interface{}{"status": string(schema.AgentReady)},
				Unset: []string{"current_task_id"},
			})
		tx.Insert(schema.CollectionActivityLogs, repairLog(issue, "cleared invalid task reference"))
		return nil
	})
}

// repairBidirectionalReference trusts the task assignment and rewrites
// the agent back-reference to match it.
func (c *Checker) repairBidirectionalReference(ctx context.Context, issue Issue) error {
	agentID, _ := issue.Data["task_assigned_to"].(string)
	taskID, _ := issue.Data["task_id"].(string)
	if agentID == "" || taskID == "" {
		return nil
	}
	return c.coord.WithTransaction(ctx, "repair bidirectional reference", func(tx *txn.Tx) error {
		tx.Update(schema.CollectionAgentStates,
			store.Filter{"agent_id": agentID},
			store.Update{Set: map[string]interface{}{"current_task_id": taskID}})
		tx.Insert(schema.CollectionActivityLogs, repairLog(issue, "synchronized agent back-reference with task assignment"))
		return nil
	})
}

// repairTemporalConsistency moves completed_at to created_at + 1h. The
// offset is a conservative placeholder, not a recovered true time.
func (c *Checker) repairTemporalConsistency(ctx context.Context, issue Issue) error {
	createdAt := schema.AsTime(issue.Data["created_at"])
	if createdAt.IsZero() {
		return nil
	}
	return c.coord.WithTransaction(ctx, "repair temporal inconsistency", func(tx *txn.Tx) error {
		tx.Update(schema.CollectionTasks,
			store.Filter{"task_id": issue.DocumentID},
			store.Update{Set: map[string]interface{}{
				"metadata.completed_at": createdAt.Add(time.Hour),
			}})
		tx.Insert(schema.CollectionActivityLogs, repairLog(issue, "adjusted completed_at to follow created_at"))
		return nil
	})
}

// RepairScript renders the auto-repairable issues of a report as a
// mongo shell script, for operators who prefer to review and apply
// repairs by hand.
func RepairScript(report *Report) string {
	var b strings.Builder
	b.WriteString("// consistency repair script\n")
	fmt.Fprintf(&b, "// generated: %s\n", report.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "// issues found: %d\n\n", report.TotalIssues)
	b.WriteString("use agent_network;\n\n")

	n := 0
	for _, issue := range report.Issues {
		if !issue.AutoRepairable {
			continue
		}
		n++
		fmt.Fprintf(&b, "// issue %d: %s\n", n, issue.Description)
		fmt.Fprintf(&b, "// suggestion: %s\n", issue.RepairSuggestion)

		switch issue.Type {
		case IssueMissingReference:
			switch issue.Collection {
			case schema.CollectionTasks:
				fmt.Fprintf(&b,
					"db.tasks.updateOne({task_id: %q}, {$set: {status: \"created\"}, $unset: {assigned_to: \"\"}});\n",
					issue.DocumentID)
			case schema.CollectionAgentStates:
				fmt.Fprintf(&b,
					"db.agent_states.updateOne({agent_id: %q}, {$set: {status: \"ready\"}, $unset: {current_task_id: \"\"}});\n",
					issue.DocumentID)
			}
		case IssueReferentialIntegrity:
			if agentID, ok := issue.Data["task_assigned_to"].(string); ok {
				if taskID, ok := issue.Data["task_id"].(string); ok {
					fmt.Fprintf(&b,
						"db.agent_states.updateOne({agent_id: %q}, {$set: {current_task_id: %q}});\n",
						agentID, taskID)
				}
			}
		case IssueTemporalInconsistency:
			createdAt := schema.AsTime(issue.Data["created_at"])
			if !createdAt.IsZero() {
				fmt.Fprintf(&b,
					"db.tasks.updateOne({task_id: %q}, {$set: {\"metadata.completed_at\": ISODate(%q)}});\n",
					issue.DocumentID, createdAt.Add(time.Hour).Format(time.RFC3339))
			}
		}
		b.WriteString("\n")
	}
	if n == 0 {
		b.WriteString("// no auto-repairable issues\n")
	}
	return b.String()
}
