package service

import (
	"errors"
	"fmt"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/store"
)

var (
	// ErrOperationInProgress indicates that another caller holds the
	// idempotency key and has not finished yet.
	ErrOperationInProgress = errors.New("operation already in progress")

	// ErrLeaseBusy indicates that another worker holds the task lease.
	ErrLeaseBusy = errors.New("task lease held by another worker")
)

// passthrough lists the sentinels returned to callers unwrapped.
var passthrough = []error{
	domain.ErrValidation,
	domain.ErrUnknownTaskType,
	domain.ErrInvalidStateTransition,
	domain.ErrLockLost,
	domain.ErrCircularDependency,
	domain.ErrRetryExhausted,
	domain.ErrNonRecoverable,
	store.ErrNotFound,
	store.ErrDuplicate,
	ErrOperationInProgress,
	ErrLeaseBusy,
}

// ServiceError wraps unexpected failures with the operation that hit them.
type ServiceError struct {
	// Operation is the operation that failed (e.g., "submit", "claim")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s operation failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("%s operation failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// NewServiceError wraps err for operation. Known sentinels are returned as is,
// and so are errors that are already a *ServiceError.
func NewServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return err
	}
	for _, sentinel := range passthrough {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return &ServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
