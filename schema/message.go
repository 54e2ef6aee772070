package schema

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrUnknownMessageType marks a decoded message whose message_type is
// outside the known set. Consumers log and skip these; they must never
// crash the consumer.
var ErrUnknownMessageType = errors.New("unknown message type")

// MessageType identifies the kind of a queue message.
type MessageType string

const (
	MessageTaskAssignment   MessageType = "task_assignment"
	MessageTaskCompletion   MessageType = "task_completion"
	MessageTaskStatusUpdate MessageType = "task_status_update"

	// MessageControlStop instructs an agent process to stop. Published by
	// the recovery manager when the system enters safe mode.
	MessageControlStop MessageType = "control_stop"
)

// Known reports whether the message type is part of the protocol.
func (t MessageType) Known() bool {
	switch t {
	case MessageTaskAssignment, MessageTaskCompletion, MessageTaskStatusUpdate, MessageControlStop:
		return true
	}
	return false
}

// Default queue names. Deployments override these through configuration.
const (
	DefaultCoordinatorQueue = "coordinator-queue"
	DefaultWorkerQueue      = "worker-queue"
	DefaultWorkRequestQueue = "work-request-queue"
)

// TaskPayload carries the task description inside an assignment message.
type TaskPayload struct {
	Title        string   `json:"title,omitempty"`
	Description  string   `json:"description,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
}

// CompletionPayload carries the outcome of a finished task.
type CompletionPayload struct {
	Summary            string            `json:"summary,omitempty"`
	FilesCreated       []string          `json:"files_created,omitempty"`
	DeliverablesStatus map[string]string `json:"deliverables_status,omitempty"`
}

// Message is the JSON envelope exchanged over the queues.
type Message struct {
	MessageType    MessageType            `json:"message_type"`
	TaskID         string                 `json:"task_id,omitempty"`
	FromAgent      string                 `json:"from_agent,omitempty"`
	ToAgent        string                 `json:"to_agent,omitempty"`
	Timestamp      time.Time              `json:"timestamp"`
	Priority       Priority               `json:"priority,omitempty"`
	Task           *TaskPayload           `json:"task,omitempty"`
	Completion     *CompletionPayload     `json:"completion,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	Recovered      bool                   `json:"recovered,omitempty"`
	RecoveryReason string                 `json:"recovery_reason,omitempty"`
}

// Encode serializes the message to JSON.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage deserializes a message from JSON. A syntactically valid
// message with an unknown message_type is returned alongside
// ErrUnknownMessageType so the caller can log it and move on.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if !m.MessageType.Known() {
		return &m, ErrUnknownMessageType
	}
	return &m, nil
}

// AssignmentMessage builds a task_assignment message from a task's
// current fields. Used for initial publication and for re-publication
// when the synchronizer detects a missing or stalled assignment.
func AssignmentMessage(t *Task) *Message {
	from := t.AssignedBy
	if from == "" {
		from = SystemAgentID
	}
	priority := t.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	return &Message{
		MessageType: MessageTaskAssignment,
		TaskID:      t.TaskID,
		FromAgent:   from,
		ToAgent:     t.AssignedTo,
		Timestamp:   time.Now().UTC(),
		Priority:    priority,
		Task: &TaskPayload{
			Title:        t.Title,
			Description:  t.Description,
			Requirements: t.Requirements,
		},
	}
}
