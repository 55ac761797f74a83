// Package service implements the orchestration use cases on top of the store
// interfaces: task lifecycle, dependency graph, execution log, queue
// statistics, idempotent side effects and maintenance sweeps.
//
// Services receive a store.Backend and run every multi-row change inside
// WithinTx, so the same code drives the PostgreSQL and in-memory backends.
// Lifecycle events are emitted only after the owning transaction commits.
//
// Error handling:
//   - Domain and store sentinels (domain.ErrInvalidStateTransition,
//     store.ErrTaskNotFound, ...) are returned so callers can use errors.Is.
//   - Anything else is wrapped in a *ServiceError naming the operation.
package service
