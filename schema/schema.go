package schema

import (
	"time"
)

// Collection names in the document store.
const (
	CollectionTasks              = "tasks"
	CollectionAgentStates        = "agent_states"
	CollectionActivityLogs       = "activity_logs"
	CollectionWorkRequests       = "work_requests"
	CollectionArchivedTasks      = "archived_tasks"
	CollectionSyncStatus         = "sync_status"
	CollectionConsistencyReports = "consistency_reports"
)

// SystemAgentID is the reserved agent identifier for automated actions
// (repairs, recoveries). It is always a valid activity-log author.
const SystemAgentID = "system"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskCreated    TaskStatus = "created"
	TaskAssigned   TaskStatus = "assigned"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

// String returns the string representation of the status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true for statuses with no outgoing transitions.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskCancelled
}

// TaskStatuses is the closed set of valid task statuses.
var TaskStatuses = []TaskStatus{
	TaskCreated, TaskAssigned, TaskInProgress,
	TaskCompleted, TaskFailed, TaskCancelled,
}

// ValidTaskStatus reports whether s names a known task status.
func ValidTaskStatus(s string) bool {
	for _, v := range TaskStatuses {
		if string(v) == s {
			return true
		}
	}
	return false
}

// taskTransitions is the valid task status transition graph.
var taskTransitions = map[TaskStatus][]TaskStatus{
	TaskCreated:    {TaskAssigned, TaskCancelled},
	TaskAssigned:   {TaskInProgress, TaskCreated, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskAssigned},
	TaskCompleted:  {},
	TaskFailed:     {TaskCreated, TaskAssigned},
	TaskCancelled:  {},
}

// ValidTransition reports whether from -> to is an edge of the task
// status transition graph.
func ValidTransition(from, to TaskStatus) bool {
	for _, next := range taskTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transitions returns the allowed successor statuses of from.
func Transitions(from TaskStatus) []TaskStatus {
	next := taskTransitions[from]
	out := make([]TaskStatus, len(next))
	copy(out, next)
	return out
}

// AgentStatus is the lifecycle state of an agent process.
type AgentStatus string

const (
	AgentActive    AgentStatus = "active"
	AgentReady     AgentStatus = "ready"
	AgentWorking   AgentStatus = "working"
	AgentError     AgentStatus = "error"
	AgentStopped   AgentStatus = "stopped"
	AgentListening AgentStatus = "listening"
)

// AgentStatuses is the closed set of valid agent statuses.
var AgentStatuses = []AgentStatus{
	AgentActive, AgentReady, AgentWorking,
	AgentError, AgentStopped, AgentListening,
}

// ValidAgentStatus reports whether s names a known agent status.
func ValidAgentStatus(s string) bool {
	for _, v := range AgentStatuses {
		if string(v) == s {
			return true
		}
	}
	return false
}

// Priority of a task or message.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Priorities is the closed set of valid priorities.
var Priorities = []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical}

// ValidPriority reports whether s names a known priority.
func ValidPriority(s string) bool {
	for _, v := range Priorities {
		if string(v) == s {
			return true
		}
	}
	return false
}

// Task is a unit of work tracked in the store. TaskID is immutable and
// unique; AssignedTo is set exactly when the status is assigned or
// in_progress. Tasks are never physically deleted, only archived.
type Task struct {
	TaskID       string
	Title        string
	Description  string
	Status       TaskStatus
	AssignedTo   string
	AssignedBy   string
	Priority     Priority
	Requirements []string
	Metadata     map[string]interface{}
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AgentState is the persisted state of one agent process. CurrentTaskID
// is a weak reference: lookup only, ownership of the task stays with the
// store.
type AgentState struct {
	AgentID       string
	Status        AgentStatus
	CurrentTaskID string
	Capabilities  []string
	LastHeartbeat time.Time
	Metadata      map[string]interface{}
}

// ActivityLogEntry is an append-only audit record. Entries are immutable
// once written.
type ActivityLogEntry struct {
	Timestamp    time.Time
	AgentID      string
	ActivityType string
	TaskID       string
	Details      map[string]interface{}
}

// WorkRequest statuses.
const (
	RequestPending  = "pending"
	RequestInReview = "in_review"
	RequestApproved = "approved"
	RequestRejected = "rejected"
	RequestDone     = "done"
)

// WorkRequest is an inter-agent request with an independent lifecycle,
// loosely referencing agents and tasks by identifier.
type WorkRequest struct {
	RequestID string
	FromAgent string
	ToAgent   string
	Status    string
	Details   map[string]interface{}
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StatusHistoryEntry is one step of the status trail a task may carry in
// metadata under the "status_history" key.
type StatusHistoryEntry struct {
	Status    TaskStatus
	Timestamp time.Time
}
