package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	// This is a generic version of the entity-specific not found errors
	// (e.g., ErrTaskNotFound, ErrLockNotFound).
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific "not found" errors

	// ErrTaskNotFound indicates that the requested task does not exist in the store.
	ErrTaskNotFound = fmt.Errorf("%w: task", ErrNotFound)

	// ErrLockNotFound indicates that no lease row exists for the key.
	ErrLockNotFound = fmt.Errorf("%w: lock", ErrNotFound)

	// ErrExecutionNotFound indicates that the requested execution log entry does not exist.
	ErrExecutionNotFound = fmt.Errorf("%w: execution log", ErrNotFound)

	// ErrIdempotencyRecordNotFound indicates that no record exists for the idempotency key.
	ErrIdempotencyRecordNotFound = fmt.Errorf("%w: idempotency record", ErrNotFound)

	// ErrStatsBucketNotFound indicates that no statistics bucket exists for the queue and hour.
	ErrStatsBucketNotFound = fmt.Errorf("%w: queue stats bucket", ErrNotFound)

	// Entity-specific "duplicate" errors

	// ErrDependencyExists indicates that an edge between the two tasks already exists.
	ErrDependencyExists = fmt.Errorf("%w: dependency", ErrDuplicate)

	// ErrIdempotencyKeyExists indicates that a live task already uses the idempotency key.
	ErrIdempotencyKeyExists = fmt.Errorf("%w: idempotency key", ErrDuplicate)
)

// IsDuplicateError checks if the error is any kind of "duplicate" error.
func IsDuplicateError(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

// StoreError is a custom error type for store-specific errors with additional context.
type StoreError struct {
	Entity    string // The entity type (e.g., "task", "lock")
	Operation string // The operation that failed (e.g., "create", "acquire")
	Message   string // Error message
	Err       error  // Original error
}

// Error implements the error interface for StoreError.
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf(
			"%s operation on %s failed: %s: %v",
			e.Operation,
			e.Entity,
			e.Message,
			e.Err,
		)
	}
	return fmt.Sprintf("%s operation on %s failed: %s", e.Operation, e.Entity, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new StoreError with the given entity, operation, message, and wrapped error.
func NewStoreError(entity, operation, message string, err error) *StoreError {
	return &StoreError{
		Entity:    entity,
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}
