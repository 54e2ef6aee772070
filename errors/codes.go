package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: write-write conflicts under snapshot isolation, ambiguous
	// commit acknowledgements, short network outages.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: invalid operations, missing documents, schema violations.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion.
	// Examples: connection pool exhausted, queue at capacity.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or corrupted state.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the failure scenarios this system handles.
const (
	// Transient errors.
	ErrCodeTransientConflict ErrorCode = "TRANSIENT_CONFLICT" // Write-write race under snapshot isolation
	ErrCodeUnknownCommit     ErrorCode = "UNKNOWN_COMMIT"     // Commit acknowledgement ambiguous
	ErrCodeTimeout           ErrorCode = "TIMEOUT"            // Operation timed out
	ErrCodeUnavailable       ErrorCode = "UNAVAILABLE"        // Store or queue unreachable
	ErrCodeNetworkErr        ErrorCode = "NETWORK_ERR"        // Network connectivity issue

	// Permanent errors.
	ErrCodeNotFound      ErrorCode = "NOT_FOUND"      // Document does not exist
	ErrCodeInvalidInput  ErrorCode = "INVALID_INPUT"  // Malformed operation or filter
	ErrCodeAlreadyExists ErrorCode = "ALREADY_EXISTS" // Unique index violation
	ErrCodeTxnFailed     ErrorCode = "TXN_FAILED"     // Terminal transaction failure, nothing committed
	ErrCodeCanceled      ErrorCode = "CANCELED"       // Operation was canceled
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"    // Operation kind not supported

	// Resource errors.
	ErrCodeCapacity     ErrorCode = "CAPACITY"      // System at capacity
	ErrCodeResourceBusy ErrorCode = "RESOURCE_BUSY" // Resource is busy or locked

	// Internal errors.
	ErrCodeInternal   ErrorCode = "INTERNAL"   // Unexpected internal error
	ErrCodeCorruption ErrorCode = "CORRUPTION" // Data corruption detected
	ErrCodePanic      ErrorCode = "PANIC"      // Recovered from panic

	// Coordination errors.
	ErrCodeAgentOffline     ErrorCode = "AGENT_OFFLINE"     // Agent stopped heartbeating
	ErrCodeComponentDown    ErrorCode = "COMPONENT_DOWN"    // Monitored component unhealthy
	ErrCodePermanentFailure ErrorCode = "PERMANENT_FAILURE" // Recovery retries exhausted
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeTransientConflict, ErrCodeUnknownCommit, ErrCodeTimeout,
		ErrCodeUnavailable, ErrCodeNetworkErr, ErrCodeAgentOffline,
		ErrCodeComponentDown:
		return CategoryTransient

	case ErrCodeNotFound, ErrCodeInvalidInput, ErrCodeAlreadyExists,
		ErrCodeTxnFailed, ErrCodeCanceled, ErrCodeUnsupported,
		ErrCodePermanentFailure:
		return CategoryPermanent

	case ErrCodeCapacity, ErrCodeResourceBusy:
		return CategoryResource

	case ErrCodeInternal, ErrCodeCorruption, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}
