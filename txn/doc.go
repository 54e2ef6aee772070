// Package txn is the transaction coordinator: every multi-entity
// mutation in the system goes through it as one atomic operation list.
//
// The coordinator retries the two retryable store conditions (transient
// write conflict and unknown commit outcome) with linear backoff up to
// a fixed attempt budget; any other error is terminal and surfaces to
// the caller with no partial state committed.
//
// The compound operations CreateTaskWithAssignment and
// CompleteTaskAtomic exist because partial application of either (a
// task updated but its agent left working forever, or the reverse) is
// the most common source of store/queue drift. Callers that use them
// cannot produce that drift.
package txn
