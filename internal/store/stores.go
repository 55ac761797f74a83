package store

import "context"

// Stores groups the store implementations that share one connection or
// transaction.
type Stores struct {
	Tasks        TaskStore
	Locks        LockStore
	Dependencies DependencyStore
	Executions   ExecutionLogStore
	Stats        QueueStatsStore
	Idempotency  IdempotencyStore

	// DB is the underlying handle for application SQL that must share the
	// transaction. It is nil for the in-memory backend.
	DB DBTX
}

// StoresFn runs against stores bound to a single transaction.
type StoresFn func(ctx context.Context, tx Stores) error

// TxRunner runs a function atomically: every write made through the Stores
// it receives is committed together or not at all.
type TxRunner interface {
	WithinTx(ctx context.Context, fn StoresFn) error
}

// Backend is a storage backend: non-transactional stores plus a TxRunner.
type Backend interface {
	TxRunner
	Stores() Stores
}
