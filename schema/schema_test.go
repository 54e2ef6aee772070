package schema

import (
	"errors"
	"testing"
	"time"
)

func TestValidTransition(t *testing.T) {
	valid := []struct{ from, to TaskStatus }{
		{TaskCreated, TaskAssigned},
		{TaskCreated, TaskCancelled},
		{TaskAssigned, TaskInProgress},
		{TaskAssigned, TaskCreated},
		{TaskInProgress, TaskCompleted},
		{TaskInProgress, TaskFailed},
		{TaskInProgress, TaskAssigned},
		{TaskFailed, TaskCreated},
		{TaskFailed, TaskAssigned},
	}
	for _, tc := range valid {
		if !ValidTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be valid", tc.from, tc.to)
		}
	}

	invalid := []struct{ from, to TaskStatus }{
		{TaskCreated, TaskCompleted},
		{TaskCreated, TaskInProgress},
		{TaskCompleted, TaskCreated},
		{TaskCompleted, TaskAssigned},
		{TaskCancelled, TaskAssigned},
		{TaskAssigned, TaskCompleted},
	}
	for _, tc := range invalid {
		if ValidTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be invalid", tc.from, tc.to)
		}
	}
}

func TestTerminalStatuses(t *testing.T) {
	for _, s := range TaskStatuses {
		terminal := len(Transitions(s)) == 0
		if s.IsTerminal() != terminal {
			t.Errorf("IsTerminal(%s)=%v disagrees with transition graph", s, s.IsTerminal())
		}
	}
}

func TestTaskDocRoundTrip(t *testing.T) {
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	task := &Task{
		TaskID:       "task-7",
		Title:        "Build ingest pipeline",
		Status:       TaskAssigned,
		AssignedTo:   "worker",
		AssignedBy:   "coordinator",
		Priority:     PriorityHigh,
		Requirements: []string{"go", "amqp"},
		Metadata:     map[string]interface{}{"started_at": created.Add(time.Minute)},
		CreatedAt:    created,
		UpdatedAt:    created,
	}

	got := TaskFromDoc(task.Doc())
	if got.TaskID != task.TaskID || got.Status != task.Status || got.AssignedTo != task.AssignedTo {
		t.Errorf("core fields lost in round trip: %+v", got)
	}
	if len(got.Requirements) != 2 || got.Requirements[1] != "amqp" {
		t.Errorf("requirements lost: %v", got.Requirements)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("created_at mismatch: %v", got.CreatedAt)
	}
	if AsTime(got.Metadata["started_at"]).IsZero() {
		t.Error("metadata started_at lost")
	}
}

func TestAsTimeToleratesStrings(t *testing.T) {
	want := time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC)
	got := AsTime("2025-06-02T08:30:00Z")
	if !got.Equal(want) {
		t.Errorf("RFC 3339 string not parsed: %v", got)
	}
	if !AsTime(42).IsZero() {
		t.Error("non-time value should yield zero time")
	}
}

func TestDecodeMessageUnknownType(t *testing.T) {
	raw := []byte(`{"message_type":"telemetry_blob","task_id":"t1"}`)
	m, err := DecodeMessage(raw)
	if !errors.Is(err, ErrUnknownMessageType) {
		t.Fatalf("expected ErrUnknownMessageType, got %v", err)
	}
	if m == nil || m.TaskID != "t1" {
		t.Error("decoded envelope should still be returned for logging")
	}
}

func TestDecodeMessageValid(t *testing.T) {
	msg := &Message{
		MessageType: MessageTaskAssignment,
		TaskID:      "T1",
		FromAgent:   "coordinator",
		ToAgent:     "worker",
		Timestamp:   time.Now().UTC(),
		Priority:    PriorityNormal,
		Task:        &TaskPayload{Title: "title"},
	}
	data, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := DecodeMessage(data)
	if err != nil {
		t.Fatalf("DecodeMessage failed: %v", err)
	}
	if got.MessageType != MessageTaskAssignment || got.Task.Title != "title" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestStatusHistory(t *testing.T) {
	task := &Task{
		Metadata: map[string]interface{}{
			"status_history": []interface{}{
				map[string]interface{}{"status": "created", "timestamp": "2025-01-01T00:00:00Z"},
				map[string]interface{}{"status": "assigned", "timestamp": "2025-01-01T01:00:00Z"},
			},
		},
	}
	history := task.StatusHistory()
	if len(history) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(history))
	}
	if history[0].Status != TaskCreated || history[1].Status != TaskAssigned {
		t.Errorf("history statuses wrong: %+v", history)
	}
	if history[0].Timestamp.IsZero() {
		t.Error("timestamp not parsed")
	}
}
