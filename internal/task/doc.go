// Package task is the worker runtime. A Runner claims tasks from the store
// under a lease, hands them to the Handler registered for their type on a
// bounded pool of workers, keeps the lease alive while they run and reports
// completion, failure or cancellation back through the task service. The
// Sweeper runs the periodic maintenance jobs on cron schedules.
package task
