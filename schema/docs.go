package schema

import (
	"time"
)

// Doc is the document representation exchanged with the store gateway.
// Values hold native Go types; time fields may also arrive as RFC 3339
// strings written by older producers, so use the tolerant accessors.
type Doc map[string]interface{}

// String returns the string value of key, or "" when absent or not a string.
func (d Doc) String(key string) string {
	if v, ok := d[key].(string); ok {
		return v
	}
	return ""
}

// Has reports whether key is present and non-nil.
func (d Doc) Has(key string) bool {
	v, ok := d[key]
	return ok && v != nil
}

// Time returns the time value of key, accepting time.Time or RFC 3339
// strings. The zero time signals absence or an unparseable value.
func (d Doc) Time(key string) time.Time {
	return AsTime(d[key])
}

// StringSlice returns the value of key as a string slice, converting
// []interface{} element-wise.
func (d Doc) StringSlice(key string) []string {
	switch v := d[key].(type) {
	case []string:
		out := make([]string, len(v))
		copy(out, v)
		return out
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Map returns the value of key as a nested map, or nil.
func (d Doc) Map(key string) map[string]interface{} {
	switch v := d[key].(type) {
	case map[string]interface{}:
		return v
	case Doc:
		return v
	}
	return nil
}

// Clone returns a deep copy of the document. Nested maps and slices are
// copied; all other values are assumed immutable.
func (d Doc) Clone() Doc {
	return cloneMap(d)
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return cloneMap(t)
	case Doc:
		return Doc(cloneMap(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

// AsTime coerces a document value into a time.Time. Accepts time.Time
// and RFC 3339 strings (with or without fractional seconds). Returns the
// zero time when the value cannot be interpreted.
func AsTime(v interface{}) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case *time.Time:
		if t != nil {
			return *t
		}
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

// Doc converts the task into its document representation.
func (t *Task) Doc() Doc {
	d := Doc{
		"task_id":    t.TaskID,
		"status":     string(t.Status),
		"created_at": t.CreatedAt,
		"updated_at": t.UpdatedAt,
	}
	if t.Title != "" {
		d["title"] = t.Title
	}
	if t.Description != "" {
		d["description"] = t.Description
	}
	if t.AssignedTo != "" {
		d["assigned_to"] = t.AssignedTo
	}
	if t.AssignedBy != "" {
		d["assigned_by"] = t.AssignedBy
	}
	if t.Priority != "" {
		d["priority"] = string(t.Priority)
	}
	if len(t.Requirements) > 0 {
		d["requirements"] = t.Requirements
	}
	if t.Metadata != nil {
		d["metadata"] = cloneMap(t.Metadata)
	}
	return d
}

// TaskFromDoc decodes a task document. Missing or malformed fields
// decode to zero values; the consistency checker, not the decoder, is
// responsible for flagging them.
func TaskFromDoc(d Doc) *Task {
	return &Task{
		TaskID:       d.String("task_id"),
		Title:        d.String("title"),
		Description:  d.String("description"),
		Status:       TaskStatus(d.String("status")),
		AssignedTo:   d.String("assigned_to"),
		AssignedBy:   d.String("assigned_by"),
		Priority:     Priority(d.String("priority")),
		Requirements: d.StringSlice("requirements"),
		Metadata:     d.Map("metadata"),
		CreatedAt:    d.Time("created_at"),
		UpdatedAt:    d.Time("updated_at"),
	}
}

// Doc converts the agent state into its document representation.
func (a *AgentState) Doc() Doc {
	d := Doc{
		"agent_id": a.AgentID,
		"status":   string(a.Status),
	}
	if a.CurrentTaskID != "" {
		d["current_task_id"] = a.CurrentTaskID
	}
	if len(a.Capabilities) > 0 {
		d["capabilities"] = a.Capabilities
	}
	if !a.LastHeartbeat.IsZero() {
		d["last_heartbeat"] = a.LastHeartbeat
	}
	if a.Metadata != nil {
		d["metadata"] = cloneMap(a.Metadata)
	}
	return d
}

// AgentStateFromDoc decodes an agent state document.
func AgentStateFromDoc(d Doc) *AgentState {
	return &AgentState{
		AgentID:       d.String("agent_id"),
		Status:        AgentStatus(d.String("status")),
		CurrentTaskID: d.String("current_task_id"),
		Capabilities:  d.StringSlice("capabilities"),
		LastHeartbeat: d.Time("last_heartbeat"),
		Metadata:      d.Map("metadata"),
	}
}

// Doc converts the log entry into its document representation.
func (e *ActivityLogEntry) Doc() Doc {
	d := Doc{
		"timestamp":     e.Timestamp,
		"agent_id":      e.AgentID,
		"activity_type": e.ActivityType,
	}
	if e.TaskID != "" {
		d["task_id"] = e.TaskID
	}
	if e.Details != nil {
		d["details"] = cloneMap(e.Details)
	}
	return d
}

// ActivityLogEntryFromDoc decodes an activity-log document.
func ActivityLogEntryFromDoc(d Doc) *ActivityLogEntry {
	return &ActivityLogEntry{
		Timestamp:    d.Time("timestamp"),
		AgentID:      d.String("agent_id"),
		ActivityType: d.String("activity_type"),
		TaskID:       d.String("task_id"),
		Details:      d.Map("details"),
	}
}

// Doc converts the work request into its document representation.
func (r *WorkRequest) Doc() Doc {
	d := Doc{
		"request_id": r.RequestID,
		"from_agent": r.FromAgent,
		"to_agent":   r.ToAgent,
		"status":     r.Status,
		"created_at": r.CreatedAt,
		"updated_at": r.UpdatedAt,
	}
	if r.Details != nil {
		d["details"] = cloneMap(r.Details)
	}
	return d
}

// WorkRequestFromDoc decodes a work-request document.
func WorkRequestFromDoc(d Doc) *WorkRequest {
	return &WorkRequest{
		RequestID: d.String("request_id"),
		FromAgent: d.String("from_agent"),
		ToAgent:   d.String("to_agent"),
		Status:    d.String("status"),
		Details:   d.Map("details"),
		CreatedAt: d.Time("created_at"),
		UpdatedAt: d.Time("updated_at"),
	}
}

// StatusHistory extracts the status trail from a task's metadata, if
// present. Entries with unknown shapes are skipped.
func (t *Task) StatusHistory() []StatusHistoryEntry {
	if t.Metadata == nil {
		return nil
	}
	raw, ok := t.Metadata["status_history"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]StatusHistoryEntry, 0, len(raw))
	for _, e := range raw {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		entry := StatusHistoryEntry{
			Timestamp: AsTime(m["timestamp"]),
		}
		if s, ok := m["status"].(string); ok {
			entry.Status = TaskStatus(s)
		}
		out = append(out, entry)
	}
	return out
}
