// Package statesync reconciles the message queue against the store.
//
// A periodic loop detects four drift patterns (an assignment message
// with no task behind it, an assigned task with no message, a task
// stalled in progress past a threshold, and an agent whose heartbeat
// has gone silent) and resolves each independently. Resolutions are
// idempotent: once applied, the entity's new state removes it from the
// detection query, so re-running the same pass repairs nothing twice.
//
// Outcome counts persist to the sync_status singleton for external
// observability.
package statesync
