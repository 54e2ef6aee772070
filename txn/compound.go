package txn

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/schema"
	"github.com/agentnet/reconcile/store"
)

// CreateTaskWithAssignment atomically inserts the task, moves the agent
// to working with the task referenced, and appends an assignment log
// entry. Either all three land or none do.
//
// The task's id is generated when empty; status is forced to assigned
// and assigned_to to agentID regardless of what the caller set.
func (c *Coordinator) CreateTaskWithAssignment(ctx context.Context, task *schema.Task, agentID string) error {
	if task == nil {
		return errors.New(errors.ErrCodeInvalidInput, "task is nil")
	}
	if agentID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "agent id is empty")
	}

	now := time.Now().UTC()
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	if task.Priority == "" {
		task.Priority = schema.PriorityNormal
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	task.Status = schema.TaskAssigned
	task.AssignedTo = agentID

	logEntry := &schema.ActivityLogEntry{
		Timestamp:    now,
		AgentID:      schema.SystemAgentID,
		ActivityType: "task_assigned",
		TaskID:       task.TaskID,
		Details: map[string]interface{}{
			"task_id":     task.TaskID,
			"assigned_to": agentID,
		},
	}

	ops := []store.Operation{
		store.InsertOp(schema.CollectionTasks, task.Doc()),
		store.UpdateOp(schema.CollectionAgentStates,
			store.Filter{"agent_id": agentID},
			store.Update{
				Set: map[string]interface{}{
					"status":          string(schema.AgentWorking),
					"current_task_id": task.TaskID,
					"last_assignment": now,
				},
				Inc: map[string]int64{"tasks_assigned": 1},
			}),
		store.InsertOp(schema.CollectionActivityLogs, logEntry.Doc()),
	}
	return c.Execute(ctx, ops, "create and assign task "+task.TaskID)
}

// CompleteTaskAtomic atomically marks the task completed, resets the
// agent to ready with the task reference cleared, inserts an archival
// copy, and appends a completion log entry.
func (c *Coordinator) CompleteTaskAtomic(ctx context.Context, taskID, agentID string, completion *schema.CompletionPayload) error {
	if taskID == "" || agentID == "" {
		return errors.New(errors.ErrCodeInvalidInput, "task id and agent id are required")
	}

	now := time.Now().UTC()
	completionDoc := map[string]interface{}{}
	if completion != nil {
		if completion.Summary != "" {
			completionDoc["summary"] = completion.Summary
		}
		if len(completion.FilesCreated) > 0 {
			completionDoc["files_created"] = completion.FilesCreated
		}
		if len(completion.DeliverablesStatus) > 0 {
			status := map[string]interface{}{}
			for k, v := range completion.DeliverablesStatus {
				status[k] = v
			}
			completionDoc["deliverables_status"] = status
		}
	}

	logEntry := &schema.ActivityLogEntry{
		Timestamp:    now,
		AgentID:      agentID,
		ActivityType: "task_completed",
		TaskID:       taskID,
		Details:      map[string]interface{}{"task_id": taskID},
	}

	ops := []store.Operation{
		store.UpdateOp(schema.CollectionTasks,
			store.Filter{"task_id": taskID},
			store.Update{
				Set: map[string]interface{}{
					"status":                string(schema.TaskCompleted),
					"updated_at":            now,
					"metadata.completed_at": now,
					"metadata.completion":   completionDoc,
				},
				Unset: []string{"assigned_to"},
			}),
		store.UpdateOp(schema.CollectionAgentStates,
			store.Filter{"agent_id": agentID},
			store.Update{
				Set: map[string]interface{}{
					"status":          string(schema.AgentReady),
					"last_completion": now,
				},
				Unset: []string{"current_task_id"},
				Inc:   map[string]int64{"tasks_completed": 1},
			}),
		store.InsertOp(schema.CollectionArchivedTasks, schema.Doc{
			"task_id":     taskID,
			"archived_at": now,
			"completion":  completionDoc,
		}),
		store.InsertOp(schema.CollectionActivityLogs, logEntry.Doc()),
	}
	return c.Execute(ctx, ops, "complete task "+taskID)
}

// SweepReport summarizes one EnsureConsistency pass.
type SweepReport struct {
	Timestamp   time.Time
	IssuesFound int
	IssuesFixed int
	Errors      []string
}

// EnsureConsistency is a quick orphan sweep, cheaper than a full
// consistency check: tasks assigned to a missing or mismatched agent
// are reset to created, and agents referencing a missing or finished
// task get the reference cleared. All fixes commit as one transaction.
func (c *Coordinator) EnsureConsistency(ctx context.Context) *SweepReport {
	report := &SweepReport{Timestamp: time.Now().UTC()}

	err := c.WithTransaction(ctx, "consistency sweep", func(tx *Tx) error {
		tasks, err := c.store.Find(ctx, schema.CollectionTasks, store.Filter{
			"status":      string(schema.TaskAssigned),
			"assigned_to": store.Exists(true),
		})
		if err != nil {
			return err
		}
		for _, doc := range tasks {
			task := schema.TaskFromDoc(doc)
			agentDoc, err := c.store.FindOne(ctx, schema.CollectionAgentStates,
				store.Filter{"agent_id": task.AssignedTo})
			if err != nil && !store.IsNotFound(err) {
				return err
			}
			broken := store.IsNotFound(err)
			if !broken {
				agent := schema.AgentStateFromDoc(agentDoc)
				broken = agent.CurrentTaskID != task.TaskID
			}
			if broken {
				report.IssuesFound++
				tx.Update(schema.CollectionTasks,
					store.Filter{"task_id": task.TaskID},
					store.Update{
						Set:   map[string]interface{}{"status": string(schema.TaskCreated), "updated_at": report.Timestamp},
						Unset: []string{"assigned_to"},
					})
				report.IssuesFixed++
			}
		}

		agents, err := c.store.Find(ctx, schema.CollectionAgentStates,
			store.Filter{"current_task_id": store.Exists(true)})
		if err != nil {
			return err
		}
		for _, doc := range agents {
			agent := schema.AgentStateFromDoc(doc)
			taskDoc, err := c.store.FindOne(ctx, schema.CollectionTasks,
				store.Filter{"task_id": agent.CurrentTaskID})
			if err != nil && !store.IsNotFound(err) {
				return err
			}
			broken := store.IsNotFound(err)
			if !broken {
				status := schema.TaskFromDoc(taskDoc).Status
				broken = status != schema.TaskAssigned && status != schema.TaskInProgress
			}
			if broken {
				report.IssuesFound++
				tx.Update(schema.CollectionAgentStates,
					store.Filter{"agent_id": agent.AgentID},
					store.Update{
						Set:   map[string]interface{}{"status": string(schema.AgentReady)},
						Unset: []string{"current_task_id"},
					})
				report.IssuesFixed++
			}
		}
		return nil
	})
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		report.IssuesFixed = 0
	}
	return report
}
