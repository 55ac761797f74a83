package postgres

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/phrazzld/conductor/internal/store"
)

// NewStores binds every PostgreSQL store to the same connection or transaction.
func NewStores(db store.DBTX, logger *slog.Logger) store.Stores {
	return store.Stores{
		Tasks:        NewPostgresTaskStore(db, logger),
		Locks:        NewPostgresLockStore(db, logger),
		Dependencies: NewPostgresDependencyStore(db, logger),
		Executions:   NewPostgresExecutionLogStore(db, logger),
		Stats:        NewPostgresQueueStatsStore(db, logger),
		Idempotency:  NewPostgresIdempotencyStore(db, logger),
		DB:           db,
	}
}

// Transactions aborted by a serialization failure or deadlock are rerun up
// to this many times.
const (
	txConflictRetries = 3
	txConflictBase    = 5 * time.Millisecond
)

// TxRunner implements store.TxRunner with store.RunInTransaction.
type TxRunner struct {
	db     *sql.DB
	logger *slog.Logger
	retry  store.TxRetry
}

// NewTxRunner creates a TxRunner over db.
func NewTxRunner(db *sql.DB, logger *slog.Logger) *TxRunner {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TxRunner{
		db:     db,
		logger: logger,
		retry: store.TxRetry{
			Conflict:   IsTxConflict,
			MaxRetries: txConflictRetries,
			Base:       txConflictBase,
		},
	}
}

var _ store.TxRunner = (*TxRunner)(nil)

// Stores returns stores bound to the pool rather than a transaction.
func (r *TxRunner) Stores() store.Stores {
	return NewStores(r.db, r.logger)
}

// WithinTx implements store.TxRunner.WithinTx
func (r *TxRunner) WithinTx(ctx context.Context, fn store.StoresFn) error {
	return store.RunInTransaction(ctx, r.db, r.retry, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, NewStores(tx, r.logger))
	})
}
