// Package events carries task lifecycle notifications from the services to
// the components that react to them.
//
// The primary components are:
// - TaskEvent: a single lifecycle transition of a task
// - EventHandler: interface for components that consume events
// - EventEmitter: interface for components that publish events
//
// Services emit after the transition has been committed, so handlers never
// observe a state that was later rolled back.
package events
