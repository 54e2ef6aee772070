package check

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentnet/reconcile/schema"
	"github.com/agentnet/reconcile/store"
)

// fieldKind is the declared type of a schema field.
type fieldKind int

const (
	kindString fieldKind = iota
	kindTime
	kindList
)

// collectionSchema declares the expected document shape for one
// collection.
type collectionSchema struct {
	idField     string
	required    []string
	fieldTypes  map[string]fieldKind
	validValues map[string][]string
	sampled     bool
}

func (c *Checker) collectionSchemas() map[string]collectionSchema {
	taskStatuses := make([]string, len(schema.TaskStatuses))
	for i, s := range schema.TaskStatuses {
		taskStatuses[i] = string(s)
	}
	agentStatuses := make([]string, len(schema.AgentStatuses))
	for i, s := range schema.AgentStatuses {
		agentStatuses[i] = string(s)
	}
	priorities := make([]string, len(schema.Priorities))
	for i, p := range schema.Priorities {
		priorities[i] = string(p)
	}

	agentStateValues := map[string][]string{
		"status": agentStatuses,
	}
	// agent_id is a closed set only when a roster is configured.
	if len(c.cfg.AgentRoster) > 0 {
		agentStateValues["agent_id"] = c.cfg.AgentRoster
	}

	return map[string]collectionSchema{
		schema.CollectionTasks: {
			idField:  "task_id",
			required: []string{"task_id", "status", "created_at"},
			fieldTypes: map[string]fieldKind{
				"task_id":    kindString,
				"status":     kindString,
				"created_at": kindTime,
				"priority":   kindString,
			},
			validValues: map[string][]string{
				"status":   taskStatuses,
				"priority": priorities,
			},
		},
		schema.CollectionAgentStates: {
			idField:  "agent_id",
			required: []string{"agent_id", "status"},
			fieldTypes: map[string]fieldKind{
				"agent_id":     kindString,
				"status":       kindString,
				"capabilities": kindList,
			},
			validValues: agentStateValues,
		},
		schema.CollectionActivityLogs: {
			idField:  "agent_id",
			required: []string{"timestamp", "agent_id", "activity_type"},
			fieldTypes: map[string]fieldKind{
				"timestamp":     kindTime,
				"agent_id":      kindString,
				"activity_type": kindString,
			},
			sampled: true,
		},
	}
}

// checkSchemas validates document shape per collection: exhaustive for
// tasks and agent states, sampled for the unbounded log collection.
func (c *Checker) checkSchemas(ctx context.Context, out *[]Issue) error {
	for collection, cs := range c.collectionSchemas() {
		var opts []store.FindOption
		if cs.sampled {
			opts = append(opts, store.WithLimit(int64(c.cfg.SampleLimit)), store.WithSortDesc("timestamp"))
		}
		docs, err := c.store.Find(ctx, collection, store.Filter{}, opts...)
		if err != nil {
			return err
		}
		for _, doc := range docs {
			c.validateDoc(collection, cs, doc, out)
		}
	}
	return nil
}

func (c *Checker) validateDoc(collection string, cs collectionSchema, doc schema.Doc, out *[]Issue) {
	docID := doc.String(cs.idField)

	for _, field := range cs.required {
		if !doc.Has(field) {
			*out = append(*out, Issue{
				Type:             IssueSchemaViolation,
				Rule:             "schema_validation",
				Collection:       collection,
				DocumentID:       docID,
				Description:      "missing required field: " + field,
				Severity:         SeverityHigh,
				Data:             map[string]interface{}{"missing_field": field},
				AutoRepairable:   false,
				RepairSuggestion: fmt.Sprintf("add missing field %q with an appropriate value", field),
			})
		}
	}

	for field, kind := range cs.fieldTypes {
		v, ok := doc[field]
		if !ok || v == nil {
			continue
		}
		if !matchesKind(v, kind) {
			*out = append(*out, Issue{
				Type:             IssueSchemaViolation,
				Rule:             "schema_validation",
				Collection:       collection,
				DocumentID:       docID,
				Description:      "invalid type for field " + field,
				Severity:         SeverityMedium,
				Data:             map[string]interface{}{"field": field, "actual_type": fmt.Sprintf("%T", v)},
				AutoRepairable:   false,
				RepairSuggestion: fmt.Sprintf("convert %s to its declared type", field),
			})
		}
	}

	for field, valid := range cs.validValues {
		v, ok := doc[field].(string)
		if !ok {
			continue
		}
		if !contains(valid, v) {
			*out = append(*out, Issue{
				Type:             IssueSchemaViolation,
				Rule:             "schema_validation",
				Collection:       collection,
				DocumentID:       docID,
				Description:      fmt.Sprintf("invalid value %q for field %s", v, field),
				Severity:         SeverityMedium,
				Data:             map[string]interface{}{"field": field, "value": v, "valid_values": valid},
				AutoRepairable:   false,
				RepairSuggestion: fmt.Sprintf("set %s to one of: %s", field, strings.Join(valid, ", ")),
			})
		}
	}
}

func matchesKind(v interface{}, kind fieldKind) bool {
	switch kind {
	case kindString:
		_, ok := v.(string)
		return ok
	case kindTime:
		return !schema.AsTime(v).IsZero()
	case kindList:
		switch v.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	}
	return false
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// checkTaskAgentReferences flags tasks assigned to agents that do not
// exist.
func (c *Checker) checkTaskAgentReferences(ctx context.Context, out *[]Issue) error {
	tasks, err := c.store.Find(ctx, schema.CollectionTasks,
		store.Filter{"assigned_to": store.Exists(true)})
	if err != nil {
		return err
	}
	for _, doc := range tasks {
		task := schema.TaskFromDoc(doc)
		_, err := c.store.FindOne(ctx, schema.CollectionAgentStates,
			store.Filter{"agent_id": task.AssignedTo})
		if err == nil {
			continue
		}
		if !store.IsNotFound(err) {
			return err
		}
		*out = append(*out, Issue{
			Type:             IssueMissingReference,
			Rule:             "task_assigned_agent_exists",
			Collection:       schema.CollectionTasks,
			DocumentID:       task.TaskID,
			Description:      "task assigned to non-existent agent: " + task.AssignedTo,
			Severity:         SeverityHigh,
			Data:             map[string]interface{}{"task_id": task.TaskID, "agent_id": task.AssignedTo},
			AutoRepairable:   true,
			RepairSuggestion: "clear assigned_to and reset status to created",
		})
	}
	return nil
}

// checkAgentTaskReferences flags agents whose current_task_id points at
// a missing task or at a task assigned to someone else.
func (c *Checker) checkAgentTaskReferences(ctx context.Context, out *[]Issue) error {
	agents, err := c.store.Find(ctx, schema.CollectionAgentStates,
		store.Filter{"current_task_id": store.Exists(true)})
	if err != nil {
		return err
	}
	for _, doc := range agents {
		agent := schema.AgentStateFromDoc(doc)
		taskDoc, err := c.store.FindOne(ctx, schema.CollectionTasks,
			store.Filter{"task_id": agent.CurrentTaskID})
		if err != nil {
			if !store.IsNotFound(err) {
				return err
			}
			*out = append(*out, Issue{
				Type:             IssueMissingReference,
				Rule:             "agent_current_task_exists",
				Collection:       schema.CollectionAgentStates,
				DocumentID:       agent.AgentID,
				Description:      "agent references non-existent task: " + agent.CurrentTaskID,
				Severity:         SeverityHigh,
				Data:             map[string]interface{}{"agent_id": agent.AgentID, "task_id": agent.CurrentTaskID},
				AutoRepairable:   true,
				RepairSuggestion: "clear current_task_id and set status to ready",
			})
			continue
		}
		task := schema.TaskFromDoc(taskDoc)
		if task.AssignedTo != agent.AgentID {
			*out = append(*out, Issue{
				Type:        IssueReferentialIntegrity,
				Rule:        "agent_current_task_exists",
				Collection:  schema.CollectionAgentStates,
				DocumentID:  agent.AgentID,
				Description: "agent holds a task not assigned to it",
				Severity:    SeverityHigh,
				Data: map[string]interface{}{
					"agent_id":         agent.AgentID,
					"task_id":          agent.CurrentTaskID,
					"task_assigned_to": task.AssignedTo,
				},
				AutoRepairable:   true,
				RepairSuggestion: "clear the incorrect task reference",
			})
		}
	}
	return nil
}

// checkBidirectionalReferences flags active assignments where the agent
// exists but its back-reference disagrees with the task.
func (c *Checker) checkBidirectionalReferences(ctx context.Context, out *[]Issue) error {
	tasks, err := c.store.Find(ctx, schema.CollectionTasks, store.Filter{
		"status":      store.In{string(schema.TaskAssigned), string(schema.TaskInProgress)},
		"assigned_to": store.Exists(true),
	})
	if err != nil {
		return err
	}
	for _, doc := range tasks {
		task := schema.TaskFromDoc(doc)
		agentDoc, err := c.store.FindOne(ctx, schema.CollectionAgentStates,
			store.Filter{"agent_id": task.AssignedTo})
		if err != nil {
			if store.IsNotFound(err) {
				continue // task_assigned_agent_exists already covers it
			}
			return err
		}
		agent := schema.AgentStateFromDoc(agentDoc)
		if agent.CurrentTaskID != task.TaskID {
			*out = append(*out, Issue{
				Type:        IssueReferentialIntegrity,
				Rule:        "bidirectional_references",
				Collection:  "*",
				DocumentID:  task.TaskID,
				Description: "task assignment and agent back-reference disagree",
				Severity:    SeverityHigh,
				Data: map[string]interface{}{
					"task_id":            task.TaskID,
					"task_assigned_to":   task.AssignedTo,
					"agent_current_task": agent.CurrentTaskID,
				},
				AutoRepairable:   true,
				RepairSuggestion: "synchronize the agent back-reference with the task assignment",
			})
		}
	}
	return nil
}

// checkStatusTransitions walks each task's recorded status history
// pairwise against the transition graph.
func (c *Checker) checkStatusTransitions(ctx context.Context, out *[]Issue) error {
	tasks, err := c.store.Find(ctx, schema.CollectionTasks, store.Filter{})
	if err != nil {
		return err
	}
	for _, doc := range tasks {
		task := schema.TaskFromDoc(doc)
		history := task.StatusHistory()
		for i := 1; i < len(history); i++ {
			prev, curr := history[i-1].Status, history[i].Status
			if schema.ValidTransition(prev, curr) {
				continue
			}
			*out = append(*out, Issue{
				Type:        IssueInvalidTransition,
				Rule:        "task_status_consistency",
				Collection:  schema.CollectionTasks,
				DocumentID:  task.TaskID,
				Description: fmt.Sprintf("invalid status transition: %s -> %s", prev, curr),
				Severity:    SeverityMedium,
				Data: map[string]interface{}{
					"task_id":    task.TaskID,
					"transition": fmt.Sprintf("%s -> %s", prev, curr),
				},
				AutoRepairable:   false,
				RepairSuggestion: "review the task history and correct the invalid step manually",
			})
		}
	}
	return nil
}

// checkTemporalConsistency flags tasks whose recorded completion
// precedes their creation.
func (c *Checker) checkTemporalConsistency(ctx context.Context, out *[]Issue) error {
	tasks, err := c.store.Find(ctx, schema.CollectionTasks, store.Filter{})
	if err != nil {
		return err
	}
	for _, doc := range tasks {
		task := schema.TaskFromDoc(doc)
		if task.Metadata == nil || task.CreatedAt.IsZero() {
			continue
		}
		completedAt := schema.AsTime(task.Metadata["completed_at"])
		if completedAt.IsZero() || !completedAt.Before(task.CreatedAt) {
			continue
		}
		*out = append(*out, Issue{
			Type:        IssueTemporalInconsistency,
			Rule:        "task_temporal_consistency",
			Collection:  schema.CollectionTasks,
			DocumentID:  task.TaskID,
			Description: "task completed before it was created",
			Severity:    SeverityHigh,
			Data: map[string]interface{}{
				"task_id":      task.TaskID,
				"created_at":   task.CreatedAt,
				"completed_at": completedAt,
			},
			AutoRepairable:   true,
			RepairSuggestion: "set completed_at to created_at + 1h (placeholder, not a recovered true time)",
		})
	}
	return nil
}

// checkAgentUniqueness flags duplicated agent identifiers.
func (c *Checker) checkAgentUniqueness(ctx context.Context, out *[]Issue) error {
	agents, err := c.store.Find(ctx, schema.CollectionAgentStates, store.Filter{})
	if err != nil {
		return err
	}
	counts := map[string]int{}
	for _, doc := range agents {
		counts[doc.String("agent_id")]++
	}
	for agentID, n := range counts {
		if n <= 1 {
			continue
		}
		*out = append(*out, Issue{
			Type:             IssueDuplicateEntry,
			Rule:             "agent_unique_ids",
			Collection:       schema.CollectionAgentStates,
			DocumentID:       agentID,
			Description:      fmt.Sprintf("duplicate agent_id %q (%d documents)", agentID, n),
			Severity:         SeverityCritical,
			Data:             map[string]interface{}{"agent_id": agentID, "count": n},
			AutoRepairable:   false,
			RepairSuggestion: "manual intervention required: duplicate identity is structural corruption",
		})
	}
	return nil
}

// checkActivityAgentReferences samples recent activity entries and
// flags authors outside the known agent set.
func (c *Checker) checkActivityAgentReferences(ctx context.Context, out *[]Issue) error {
	agents, err := c.store.Find(ctx, schema.CollectionAgentStates, store.Filter{})
	if err != nil {
		return err
	}
	known := map[string]bool{schema.SystemAgentID: true}
	for _, doc := range agents {
		known[doc.String("agent_id")] = true
	}

	activities, err := c.store.Find(ctx, schema.CollectionActivityLogs, store.Filter{},
		store.WithLimit(int64(c.cfg.SampleLimit)), store.WithSortDesc("timestamp"))
	if err != nil {
		return err
	}
	for _, doc := range activities {
		entry := schema.ActivityLogEntryFromDoc(doc)
		if known[entry.AgentID] {
			continue
		}
		*out = append(*out, Issue{
			Type:       IssueMissingReference,
			Rule:       "activity_agent_exists",
			Collection: schema.CollectionActivityLogs,
			DocumentID: entry.AgentID + "@" + entry.Timestamp.Format(time.RFC3339),
			Description: fmt.Sprintf("activity at %s references unknown agent: %s",
				entry.Timestamp.Format(time.RFC3339), entry.AgentID),
			Severity:         SeverityLow,
			Data:             map[string]interface{}{"agent_id": entry.AgentID},
			AutoRepairable:   false,
			RepairSuggestion: "historical data; no repair needed",
		})
	}
	return nil
}
