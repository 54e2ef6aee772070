package statesync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/agentnet/reconcile/errors"
	"github.com/agentnet/reconcile/queue"
	"github.com/agentnet/reconcile/schema"
	"github.com/agentnet/reconcile/store"
	"github.com/agentnet/reconcile/txn"
)

var errTest = errors.New(errors.ErrCodeUnavailable, "broker down")

func newService(st store.Store, q queue.Queue) *Service {
	coord := txn.New(st, txn.Config{RetryDelay: time.Millisecond}, nil)
	return New(st, q, coord, Config{}, nil)
}

func seedTask(t *testing.T, st store.Store, task *schema.Task) {
	t.Helper()
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() {
		task.UpdatedAt = now
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
	if err := st.InsertOne(context.Background(), schema.CollectionAgentStates, agent.Doc()); err != nil {
		t.Fatalf("seeding agent %s: %v", agent.AgentID, err)
	}
}

func TestNoDriftOnConsistentState(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := newService(st, q)

	seedAgent(t, st, &schema.AgentState{AgentID: "worker-1", Status: schema.AgentReady, LastHeartbeat: time.Now().UTC()})
	seedTask(t, st, &schema.Task{TaskID: "t-1", Status: schema.TaskAssigned, AssignedTo: "worker-1"})
	msg := schema.AssignmentMessage(&schema.Task{TaskID: "t-1", AssignedTo: "worker-1", Priority: schema.PriorityNormal})
	if err := q.Publish(ctx, schema.DefaultWorkerQueue, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	result := s.PerformSync(ctx)
	if result.Found != 0 {
		t.Errorf("found = %d, want 0", result.Found)
	}
}

// A queued assignment for a task the store has never seen materializes
// the task, tagged recovered.
func TestOrphanedMessageMaterializesTask(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := newService(st, q)

	msg := &schema.Message{
		MessageType: schema.MessageTaskAssignment,
		TaskID:      "T1",
		FromAgent:   "coordinator",
		ToAgent:     "worker-1",
		Timestamp:   time.Now().UTC(),
		Priority:    schema.PriorityNormal,
		Task:        &schema.TaskPayload{Title: "lost work", Description: "queued but never stored"},
	}
	if err := q.Publish(ctx, schema.DefaultWorkerQueue, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	result := s.PerformSync(ctx)
	if result.Found != 1 || result.Resolved != 1 {
		t.Fatalf("result = %+v, want 1 found, 1 resolved", result)
	}

	doc, err := st.FindOne(ctx, schema.CollectionTasks, store.Filter{"task_id": "T1"})
	if err != nil {
		t.Fatalf("materialized task missing: %v", err)
	}
	task := schema.TaskFromDoc(doc)
	if task.Status != schema.TaskAssigned {
		t.Errorf("status = %s, want assigned", task.Status)
	}
	if task.AssignedTo != "worker-1" || task.Title != "lost work" {
		t.Errorf("task fields not taken from message: %+v", task)
	}
	if recovered, _ := task.Metadata["recovered"].(bool); !recovered {
		t.Errorf("task not tagged recovered: %v", task.Metadata)
	}
}

// An assigned task with no queue message gets its assignment
// re-published.
func TestMissingMessageRepublished(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := newService(st, q)

	seedTask(t, st, &schema.Task{
		TaskID:     "t-1",
		Title:      "quiet task",
		Status:     schema.TaskAssigned,
		AssignedTo: "worker-1",
		AssignedBy: "coordinator",
	})

	result := s.PerformSync(ctx)
	if result.Found != 1 || result.Resolved != 1 {
		t.Fatalf("result = %+v, want 1 found, 1 resolved", result)
	}

	msgs, err := q.Peek(ctx, schema.DefaultWorkerQueue, 10)
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("republished messages = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.TaskID != "t-1" || msg.MessageType != schema.MessageTaskAssignment {
		t.Errorf("message = %+v", msg)
	}
	if !msg.Recovered || msg.RecoveryReason != string(DriftMissingMessage) {
		t.Errorf("message not tagged recovered: %+v", msg)
	}

	// Second pass: the message now exists, nothing further to do.
	again := s.PerformSync(ctx)
	if again.Found != 0 {
		t.Errorf("second pass found = %d, want 0", again.Found)
	}
	if n, _ := q.Depth(ctx, schema.DefaultWorkerQueue); n != 1 {
		t.Errorf("queue depth = %d, want 1 (no duplicate publish)", n)
	}
}

func TestStalledTaskReassigned(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := newService(st, q)

	started := time.Now().UTC().Add(-2 * time.Hour)
	seedTask(t, st, &schema.Task{
		TaskID:     "t-slow",
		Title:      "stuck",
		Status:     schema.TaskInProgress,
		AssignedTo: "worker-1",
		Metadata:   map[string]interface{}{"started_at": started},
	})

	result := s.PerformSync(ctx)
	if result.Found != 1 || result.Resolved != 1 {
		t.Fatalf("result = %+v, want 1 found, 1 resolved", result)
	}

	doc, _ := st.FindOne(ctx, schema.CollectionTasks, store.Filter{"task_id": "t-slow"})
	task := schema.TaskFromDoc(doc)
	if task.Status != schema.TaskAssigned {
		t.Errorf("status = %s, want assigned", task.Status)
	}
	if task.Priority != schema.PriorityHigh {
		t.Errorf("priority = %s, want high after escalation", task.Priority)
	}
	if _, ok := task.Metadata["previous_duration"]; !ok {
		t.Errorf("prior duration not recorded: %v", task.Metadata)
	}

	msgs, _ := q.Peek(ctx, schema.DefaultWorkerQueue, 10)
	if len(msgs) != 1 || msgs[0].Priority != schema.PriorityHigh {
		t.Errorf("republished message = %+v, want one high-priority assignment", msgs)
	}

	// The task left in_progress, so a second pass is a no-op... except
	// the re-published assignment now matches the assigned task, which
	// is exactly the consistent state.
	again := s.PerformSync(ctx)
	if again.Found != 0 {
		t.Errorf("second pass found = %d, want 0", again.Found)
	}
}

// An agent 400s silent (timeout 300s) is marked error and every task it
// held returns to created with the assignment cleared.
func TestUnresponsiveAgentQuarantined(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := newService(st, q)

	stale := time.Now().UTC().Add(-400 * time.Second)
	seedAgent(t, st, &schema.AgentState{
		AgentID:       "worker-1",
		Status:        schema.AgentWorking,
		CurrentTaskID: "t-1",
		LastHeartbeat: stale,
	})
	seedTask(t, st, &schema.Task{TaskID: "t-1", Status: schema.TaskInProgress, AssignedTo: "worker-1",
		Metadata: map[string]interface{}{"started_at": time.Now().UTC()}})
	seedTask(t, st, &schema.Task{TaskID: "t-2", Status: schema.TaskAssigned, AssignedTo: "worker-1"})

	result := s.PerformSync(ctx)
	resolved := false
	for _, d := range s.Report().Recent {
		if d.Type == DriftUnresponsiveAgent && d.Resolved {
			resolved = true
		}
	}
	if !resolved {
		t.Fatalf("agent drift not resolved; result = %+v", result)
	}

	agentDoc, _ := st.FindOne(ctx, schema.CollectionAgentStates, store.Filter{"agent_id": "worker-1"})
	agent := schema.AgentStateFromDoc(agentDoc)
	if agent.Status != schema.AgentError {
		t.Errorf("agent status = %s, want error", agent.Status)
	}

	for _, id := range []string{"t-1", "t-2"} {
		doc, _ := st.FindOne(ctx, schema.CollectionTasks, store.Filter{"task_id": id})
		task := schema.TaskFromDoc(doc)
		if task.Status != schema.TaskCreated || task.AssignedTo != "" {
			t.Errorf("task %s = %s/%q, want created with no assignee", id, task.Status, task.AssignedTo)
		}
	}

	// Idempotence: the agent is now in error status, so a second pass
	// does not flag it again.
	again := s.PerformSync(ctx)
	for _, e := range again.Errors {
		t.Errorf("second pass error: %s", e)
	}
	for _, d := range s.Report().Recent[len(s.Report().Recent)-again.Found:] {
		if d.Type == DriftUnresponsiveAgent {
			t.Errorf("agent re-flagged on second pass")
		}
	}
}

func TestSyncStatusPersisted(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := newService(st, q)

	s.PerformSync(ctx)
	s.PerformSync(ctx)

	// Singleton: repeated passes replace, never accumulate.
	n, err := st.Count(ctx, schema.CollectionSyncStatus, store.Filter{"component": "state_sync"})
	if err != nil || n != 1 {
		t.Fatalf("sync_status documents = %d (err %v), want 1", n, err)
	}
	doc, _ := st.FindOne(ctx, schema.CollectionSyncStatus, store.Filter{"component": "state_sync"})
	if doc.String("status") != "healthy" {
		t.Errorf("status = %q, want healthy", doc.String("status"))
	}
	if doc.Time("last_sync").IsZero() {
		t.Errorf("last_sync not recorded")
	}
}

func TestSyncStatusDegradedOnQueueOutage(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := newService(st, q)

	q.SetError(errTest)
	result := s.PerformSync(ctx)
	if len(result.Errors) == 0 {
		t.Fatal("queue outage produced no errors")
	}

	doc, err := st.FindOne(ctx, schema.CollectionSyncStatus, store.Filter{"component": "state_sync"})
	if err != nil {
		t.Fatalf("sync_status missing: %v", err)
	}
	if doc.String("status") != "degraded" {
		t.Errorf("status = %q, want degraded", doc.String("status"))
	}
}

// panickyQueue blows up on Peek, standing in for a broker client bug.
type panickyQueue struct {
	*queue.Memory
}

func (q *panickyQueue) Peek(ctx context.Context, name string, limit int) ([]schema.Message, error) {
	panic("broker client bug")
}

// A detector that panics degrades the pass like any other detection
// error; the remaining detectors still run and the status is persisted.
func TestDetectorPanicDegradesPass(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := &panickyQueue{Memory: queue.NewMemory()}
	coord := txn.New(st, txn.Config{RetryDelay: time.Millisecond}, nil)
	s := New(st, q, coord, Config{}, nil)

	stale := time.Now().UTC().Add(-400 * time.Second)
	seedAgent(t, st, &schema.AgentState{AgentID: "worker-1", Status: schema.AgentWorking, LastHeartbeat: stale})

	result := s.PerformSync(ctx)
	found := false
	for _, e := range result.Errors {
		if strings.HasPrefix(e, "queue_store_consistency:") {
			found = true
		}
	}
	if !found {
		t.Fatalf("panicking detector not reported in errors: %v", result.Errors)
	}
	if result.Found != 1 {
		t.Errorf("found = %d, want 1 from the surviving agent detector", result.Found)
	}

	doc, err := st.FindOne(ctx, schema.CollectionSyncStatus, store.Filter{"component": "state_sync"})
	if err != nil {
		t.Fatalf("sync_status missing: %v", err)
	}
	if doc.String("status") != "degraded" {
		t.Errorf("status = %q, want degraded", doc.String("status"))
	}
}

func TestStartStop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	coord := txn.New(st, txn.Config{RetryDelay: time.Millisecond}, nil)
	s := New(st, q, coord, Config{SyncInterval: 10 * time.Millisecond}, nil)

	s.Start(ctx)
	if !s.Running() {
		t.Fatal("service not running after Start")
	}
	time.Sleep(50 * time.Millisecond)
	s.Stop()
	if s.Running() {
		t.Fatal("service still running after Stop")
	}
	if s.Report().LastSync.IsZero() {
		t.Errorf("loop never synced")
	}
}

func TestReportSummarizesHistory(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	q := queue.NewMemory()
	s := newService(st, q)

	seedTask(t, st, &schema.Task{TaskID: "t-1", Status: schema.TaskAssigned, AssignedTo: "worker-1"})
	s.PerformSync(ctx)

	report := s.Report()
	if report.ServiceStatus != "stopped" {
		t.Errorf("service status = %q, want stopped", report.ServiceStatus)
	}
	if report.Summary[string(DriftMissingMessage)] != 1 || report.Summary["resolved"] != 1 {
		t.Errorf("summary = %v", report.Summary)
	}
}
