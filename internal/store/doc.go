// Package store defines interfaces for data persistence operations.
// These interfaces abstract the underlying data storage mechanism from
// the orchestration logic, so the same services run against Postgres in
// production and the in-memory store in tests.
//
// All coordination state lives behind these interfaces: there is no
// process-wide lock holder or scheduler state outside the store.
package store
