package statesync

import (
	"context"
	"time"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/schema"
	"github.com/agentnet/reconcile/store"
	"github.com/agentnet/reconcile/txn"
)

// detectQueueStoreDrift compares queued assignment messages against
// active tasks and flags both directions of disagreement.
func (s *Service) detectQueueStoreDrift(ctx context.Context) ([]Drift, error) {
	queued := map[string]schema.Message{}
	for _, name := range s.cfg.Queues {
		msgs, err := s.queue.Peek(ctx, name, s.cfg.PeekLimit)
		if err != nil {
			return nil, errors.Wrapf(err, "peeking queue %s", name)
		}
		for _, msg := range msgs {
			if msg.MessageType == schema.MessageTaskAssignment && msg.TaskID != "" {
				queued[msg.TaskID] = msg
			}
		}
	}

	activeDocs, err := s.store.Find(ctx, schema.CollectionTasks, store.Filter{
		"status": store.In{
			string(schema.TaskCreated),
			string(schema.TaskAssigned),
			string(schema.TaskInProgress),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "loading active tasks")
	}
	active := map[string]*schema.Task{}
	for _, doc := range activeDocs {
		task := schema.TaskFromDoc(doc)
		active[task.TaskID] = task
	}

	now := time.Now().UTC()
	var drifts []Drift

	for taskID, msg := range queued {
		if _, ok := active[taskID]; ok {
			continue
		}
		drifts = append(drifts, Drift{
			Type:       DriftOrphanedMessage,
			TaskID:     taskID,
			AgentID:    msg.ToAgent,
			Severity:   "high",
			Details:    map[string]interface{}{"message": msg},
			DetectedAt: now,
		})
	}

	for taskID, task := range active {
		if task.Status != schema.TaskAssigned {
			continue
		}
		if _, ok := queued[taskID]; ok {
			continue
		}
		drifts = append(drifts, Drift{
			Type:       DriftMissingMessage,
			TaskID:     taskID,
			AgentID:    task.AssignedTo,
			Severity:   "medium",
			Details:    map[string]interface{}{"task": task},
			DetectedAt: now,
		})
	}
	return drifts, nil
}

// detectStalledTasks flags tasks in_progress past the stall threshold,
// measured from metadata.started_at.
func (s *Service) detectStalledTasks(ctx context.Context) ([]Drift, error) {
	threshold := time.Now().UTC().Add(-s.cfg.StallTimeout)
	docs, err := s.store.Find(ctx, schema.CollectionTasks, store.Filter{
		"status":              string(schema.TaskInProgress),
		"metadata.started_at": store.Lt{Value: threshold},
	})
	if err != nil {
		return nil, errors.Wrap(err, "loading stalled tasks")
	}

	now := time.Now().UTC()
	var drifts []Drift
	for _, doc := range docs {
		task := schema.TaskFromDoc(doc)
		startedAt := schema.AsTime(task.Metadata["started_at"])
		drifts = append(drifts, Drift{
			Type:     DriftStalledTask,
			TaskID:   task.TaskID,
			AgentID:  task.AssignedTo,
			Severity: "high",
			Details: map[string]interface{}{
				"started_at":       startedAt,
				"duration_seconds": now.Sub(startedAt).Seconds(),
			},
			DetectedAt: now,
		})
	}
	return drifts, nil
}

// detectUnresponsiveAgents flags agents whose heartbeat age exceeds the
// timeout. Agents already marked error are skipped: their tasks were
// reassigned when they were flagged, and re-flagging every pass would
// just churn.
func (s *Service) detectUnresponsiveAgents(ctx context.Context) ([]Drift, error) {
	threshold := time.Now().UTC().Add(-s.cfg.HeartbeatTimeout)
	docs, err := s.store.Find(ctx, schema.CollectionAgentStates, store.Filter{
		"status":         store.Ne{Value: string(schema.AgentError)},
		"last_heartbeat": store.Lt{Value: threshold},
	})
	if err != nil {
		return nil, errors.Wrap(err, "loading agent heartbeats")
	}

	now := time.Now().UTC()
	var drifts []Drift
	for _, doc := range docs {
		agent := schema.AgentStateFromDoc(doc)
		if agent.LastHeartbeat.IsZero() {
			continue
		}
		drifts = append(drifts, Drift{
			Type:     DriftUnresponsiveAgent,
			AgentID:  agent.AgentID,
			Severity: "critical",
			Details: map[string]interface{}{
				"last_heartbeat":          agent.LastHeartbeat,
				"status":                  string(agent.Status),
				"seconds_since_heartbeat": now.Sub(agent.LastHeartbeat).Seconds(),
			},
			DetectedAt: now,
		})
	}
	return drifts, nil
}

// resolve dispatches a drift to its resolver and records the outcome.
func (s *Service) resolve(ctx context.Context, d *Drift) error {
	var err error
	switch d.Type {
	case DriftOrphanedMessage:
		err = s.resolveOrphanedMessage(ctx, d)
	case DriftMissingMessage:
		err = s.resolveMissingMessage(ctx, d)
	case DriftStalledTask:
		err = s.resolveStalledTask(ctx, d)
	case DriftUnresponsiveAgent:
		err = s.resolveUnresponsiveAgent(ctx, d)
	default:
		err = errors.Newf(errors.ErrCodeUnsupported, "unknown drift type %q", d.Type)
	}
	if err == nil {
		d.Resolved = true
	}
	return err
}

// resolveOrphanedMessage materializes a task from the queued message.
// If the task appeared since detection, the insert collides on the
// unique task_id index and the drift counts as already resolved.
func (s *Service) resolveOrphanedMessage(ctx context.Context, d *Drift) error {
	msg, ok := d.Details["message"].(schema.Message)
	if !ok {
		return errors.New(errors.ErrCodeInvalidInput, "drift carries no message")
	}

	now := time.Now().UTC()
	task := &schema.Task{
		TaskID:     d.TaskID,
		Title:      "Recovered Task",
		Status:     schema.TaskAssigned,
		AssignedTo: msg.ToAgent,
		AssignedBy: msg.FromAgent,
		Priority:   msg.Priority,
		Metadata: map[string]interface{}{
			"recovered":       true,
			"recovery_reason": string(DriftOrphanedMessage),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if msg.Task != nil {
		if msg.Task.Title != "" {
			task.Title = msg.Task.Title
		}
		task.Description = msg.Task.Description
		task.Requirements = msg.Task.Requirements
	}
	if task.Priority == "" {
		task.Priority = schema.PriorityNormal
	}

	err := s.store.InsertOne(ctx, schema.CollectionTasks, task.Doc())
	if errors.Is(err, errors.ErrCodeAlreadyExists) {
		d.Resolution = "task already present"
		return nil
	}
	if err != nil {
		return err
	}
	d.Resolution = "created store entry from queued message"
	s.log.Info("materialized task from orphaned message", map[string]interface{}{
		"task_id": d.TaskID, "assigned_to": task.AssignedTo,
	})
	return nil
}

// resolveMissingMessage re-publishes an assignment built from the
// task's current fields.
func (s *Service) resolveMissingMessage(ctx context.Context, d *Drift) error {
	task, ok := d.Details["task"].(*schema.Task)
	if !ok {
		return errors.New(errors.ErrCodeInvalidInput, "drift carries no task")
	}

	msg := schema.AssignmentMessage(task)
	msg.Recovered = true
	msg.RecoveryReason = string(DriftMissingMessage)
	if err := s.queue.Publish(ctx, s.cfg.WorkerQueue, msg); err != nil {
		return err
	}
	d.Resolution = "re-published assignment message"
	s.log.Info("re-published missing assignment", map[string]interface{}{
		"task_id": d.TaskID, "queue": s.cfg.WorkerQueue,
	})
	return nil
}

// resolveStalledTask resets the task to assigned with escalated
// priority and re-publishes it. The prior run's duration is kept in
// metadata for diagnostics.
func (s *Service) resolveStalledTask(ctx context.Context, d *Drift) error {
	now := time.Now().UTC()
	err := s.store.UpdateOne(ctx, schema.CollectionTasks,
		store.Filter{"task_id": d.TaskID},
		store.Update{Set: map[string]interface{}{
			"status":                     string(schema.TaskAssigned),
			"priority":                   string(schema.PriorityHigh),
			"updated_at":                 now,
			"metadata.stalled_at":        now,
			"metadata.reassigned":        true,
			"metadata.previous_duration": d.Details["duration_seconds"],
		}})
	if err != nil {
		return err
	}

	doc, err := s.store.FindOne(ctx, schema.CollectionTasks, store.Filter{"task_id": d.TaskID})
	if err != nil {
		return err
	}
	msg := schema.AssignmentMessage(schema.TaskFromDoc(doc))
	msg.Priority = schema.PriorityHigh
	msg.Recovered = true
	msg.RecoveryReason = string(DriftStalledTask)
	if err := s.queue.Publish(ctx, s.cfg.WorkerQueue, msg); err != nil {
		return err
	}

	d.Resolution = "task reset to assigned and re-published"
	s.log.Warn("reassigned stalled task", map[string]interface{}{
		"task_id": d.TaskID, "stalled_seconds": d.Details["duration_seconds"],
	})
	return nil
}

// resolveUnresponsiveAgent marks the agent error and returns every task
// it held to created, as one transaction: either the agent and all its
// tasks change together or nothing does.
func (s *Service) resolveUnresponsiveAgent(ctx context.Context, d *Drift) error {
	now := time.Now().UTC()
	err := s.coord.WithTransaction(ctx, "quarantine unresponsive agent "+d.AgentID, func(tx *txn.Tx) error {
		tx.Update(schema.CollectionAgentStates,
			store.Filter{"agent_id": d.AgentID},
			store.Update{
				Set: map[string]interface{}{
					"status":                          string(schema.AgentError),
					"metadata.error":                  "unresponsive",
					"metadata.marked_unresponsive_at": now,
				},
				Unset: []string{"current_task_id"},
			})
		tx.UpdateMany(schema.CollectionTasks,
			store.Filter{
				"assigned_to": d.AgentID,
				"status": store.In{
					string(schema.TaskAssigned),
					string(schema.TaskInProgress),
				},
			},
			store.Update{
				Set: map[string]interface{}{
					"status":                       string(schema.TaskCreated),
					"updated_at":                   now,
					"metadata.previous_assignee":   d.AgentID,
					"metadata.reassignment_reason": string(DriftUnresponsiveAgent),
				},
				Unset: []string{"assigned_to"},
			})
		tx.Insert(schema.CollectionActivityLogs, (&schema.ActivityLogEntry{
			Timestamp:    now,
			AgentID:      schema.SystemAgentID,
			ActivityType: "agent_quarantined",
			Details: map[string]interface{}{
				"agent_id":       d.AgentID,
				"last_heartbeat": d.Details["last_heartbeat"],
			},
		}).Doc())
		return nil
	})
	if err != nil {
		return err
	}
	d.Resolution = "agent marked error, active tasks returned to created"
	s.log.Warn("quarantined unresponsive agent", map[string]interface{}{
		"agent_id": d.AgentID,
	})
	return nil
}
