package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
)

func TestNewDefaultsCategory(t *testing.T) {
	err := New(ErrCodeTransientConflict, "write conflict")
	if err.Category() != CategoryTransient {
		t.Errorf("expected transient category, got %s", err.Category())
	}
	if !err.Retryable() {
		t.Error("transient conflict should be retryable by default")
	}

	err = New(ErrCodeTxnFailed, "nothing committed")
	if err.Category() != CategoryPermanent {
		t.Errorf("expected permanent category, got %s", err.Category())
	}
	if err.Retryable() {
		t.Error("terminal transaction failure must not be retryable")
	}
}

func TestRetryableOverride(t *testing.T) {
	err := New(ErrCodeUnavailable, "store down", WithRetryable(false))
	if err.Retryable() {
		t.Error("explicit override should win over category default")
	}
}

func TestWrapPreservesCode(t *testing.T) {
	inner := New(ErrCodeUnknownCommit, "ack lost", WithTaskID("task-1"))
	outer := Wrap(inner, "committing transaction")

	if Code(outer) != ErrCodeUnknownCommit {
		t.Errorf("expected UNKNOWN_COMMIT, got %s", Code(outer))
	}
	if !IsRetryable(outer) {
		t.Error("wrapped transient error should stay retryable")
	}
	if outer.TaskID() != "task-1" {
		t.Errorf("task ID lost through wrap: %q", outer.TaskID())
	}
	if !stderrors.Is(outer, inner) {
		t.Error("wrapped error should satisfy errors.Is against inner")
	}
}

func TestWrapContextErrors(t *testing.T) {
	err := Wrap(context.DeadlineExceeded, "health check")
	if Code(err) != ErrCodeTimeout {
		t.Errorf("expected TIMEOUT, got %s", Code(err))
	}

	err = Wrap(context.Canceled, "sync loop")
	if Code(err) != ErrCodeCanceled {
		t.Errorf("expected CANCELED, got %s", Code(err))
	}
}

func TestWrapPlainError(t *testing.T) {
	err := Wrap(fmt.Errorf("boom"), "applying operation")
	if Code(err) != ErrCodeInternal {
		t.Errorf("plain errors default to INTERNAL, got %s", Code(err))
	}
	if IsRetryable(err) {
		t.Error("internal errors are not retryable")
	}
}

func TestWrapWithCode(t *testing.T) {
	err := WrapWithCode(fmt.Errorf("dial tcp: refused"), ErrCodeUnavailable, "connecting to store")
	if !Is(err, ErrCodeUnavailable) {
		t.Errorf("expected UNAVAILABLE, got %s", Code(err))
	}
	if !IsTransient(err) {
		t.Error("UNAVAILABLE should be transient")
	}
}

func TestCause(t *testing.T) {
	root := fmt.Errorf("root")
	err := Wrap(Wrap(root, "middle"), "outer")
	if Cause(err) != root {
		t.Errorf("expected root cause, got %v", Cause(err))
	}
}

func TestRecoverPanic(t *testing.T) {
	err := RecoverPanic("exploded")
	if Code(err) != ErrCodePanic {
		t.Errorf("expected PANIC, got %s", Code(err))
	}
	if RecoverPanic(nil) != nil {
		t.Error("nil recovered value should yield nil error")
	}
}
