// Package errors provides the structured error taxonomy shared by the
// transaction coordinator, consistency checker, synchronization service
// and recovery manager.
//
// # Categories
//
// Errors are classified into four categories:
//
//   - Transient: retry may succeed (write-write conflicts, ambiguous commits,
//     short network outages)
//   - Permanent: retry will not help (invalid operations, missing documents)
//   - Resource: exhaustion (connection pools, queue capacity)
//   - Internal: bugs or corrupted state
//
// The category drives every retry decision in the repository: the
// transaction coordinator retries only transient store errors, the
// recovery manager retries only retryable health failures.
//
// # Usage
//
// Create a new error:
//
//	err := errors.New(errors.ErrCodeTransientConflict, "write conflict on tasks")
//
// Wrap an error with context:
//
//	wrapped := errors.Wrap(err, "committing transaction")
//
// Check retryability:
//
//	if errors.IsRetryable(err) {
//	    // retry logic
//	}
package errors
