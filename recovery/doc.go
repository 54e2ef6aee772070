// Package recovery monitors the system's components and brings them
// back when they fail.
//
// A monitor loop runs every component's health check on a fixed
// interval and enqueues a restart action for each unhealthy one,
// deduplicated by component and action. A separate worker drains the
// action queue strictly by ascending priority, so a critical store or
// broker failure is always handled before an agent restart. Failed
// actions re-enqueue with exponential backoff until their retry budget
// runs out; a permanent failure of a critical component puts the whole
// system into safe mode (every agent is told to stop and a critical
// alert is raised) while a non-critical component is simply disabled.
package recovery
