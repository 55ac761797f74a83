// Package domain defines the core orchestration entities and errors.
package domain

import "errors"

// Common domain errors used across the application.
var (
	// ErrValidation is returned when a submission or entity fails validation.
	// It is usually wrapped with a more specific message. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrUnknownTaskType is returned when a task type is not registered.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrInvalidStateTransition is returned when a caller attempts an illegal
	// lifecycle move, such as completing a cancelled task.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrLockLost is returned when a lease has expired or was taken over by
	// another holder. The current attempt must stop immediately.
	ErrLockLost = errors.New("lock lost")

	// ErrCircularDependency is returned when adding an edge would create a cycle.
	ErrCircularDependency = errors.New("circular dependency")

	// ErrRetryExhausted is returned when a failure is recoverable but the task
	// has no retry budget left.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrNonRecoverable is returned when a failure was classified as not worth retrying.
	ErrNonRecoverable = errors.New("non-recoverable failure")

	// ErrCancelRequested signals that an operator asked a running task to stop.
	ErrCancelRequested = errors.New("cancellation requested")
)
