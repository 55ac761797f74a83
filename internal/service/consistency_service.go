package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/phrazzld/conductor/internal/platform/clock"
	"github.com/phrazzld/conductor/internal/store"
)

// ConsistentFunc applies a side effect through the transactional stores it
// receives. Its result is cached under the idempotency key.
type ConsistentFunc func(ctx context.Context, tx store.Stores) (json.RawMessage, error)

// PreStateFunc captures the state a side effect is about to change.
type PreStateFunc func(ctx context.Context, tx store.Stores) (json.RawMessage, error)

// ConsistencyOption configures one ExecuteWithConsistency call.
type ConsistencyOption func(*consistencyOptions)

type consistencyOptions struct {
	preState PreStateFunc
}

// WithPreState records the output of fn on the idempotency record before the
// side effect runs.
func WithPreState(fn PreStateFunc) ConsistencyOption {
	return func(o *consistencyOptions) {
		o.preState = fn
	}
}

// ConsistencyResult is the outcome of a guarded side effect.
type ConsistencyResult struct {
	Result json.RawMessage `json:"result,omitempty"`
	// Replayed is set when the result came from an earlier execution.
	Replayed bool `json:"replayed"`
}

// ConsistencyService applies side effects at most once per idempotency key.
type ConsistencyService interface {
	// ExecuteWithConsistency runs fn inside a transaction unless key already
	// completed, in which case the cached result is returned and fn is not
	// invoked. A failing fn rolls back and leaves no record behind.
	ExecuteWithConsistency(ctx context.Context, key string, fn ConsistentFunc, opts ...ConsistencyOption) (*ConsistencyResult, error)
}

type consistencyServiceImpl struct {
	backend store.Backend
	clock   clock.Clock
	logger  *slog.Logger
}

// NewConsistencyService creates a ConsistencyService.
func NewConsistencyService(backend store.Backend, clk clock.Clock, logger *slog.Logger) (ConsistencyService, error) {
	if backend == nil {
		return nil, &ServiceError{Operation: "create_service", Message: "backend cannot be nil"}
	}
	if clk == nil {
		clk = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &consistencyServiceImpl{
		backend: backend,
		clock:   clk,
		logger:  logger.With("component", "consistency_service"),
	}, nil
}

// ExecuteWithConsistency implements ConsistencyService.ExecuteWithConsistency
func (s *consistencyServiceImpl) ExecuteWithConsistency(
	ctx context.Context,
	key string,
	fn ConsistentFunc,
	opts ...ConsistencyOption,
) (*ConsistencyResult, error) {
	if err := domain.ValidateIdempotencyKey(key); err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, fmt.Errorf("%w: consistent func cannot be nil", domain.ErrValidation)
	}
	var o consistencyOptions
	for _, opt := range opts {
		opt(&o)
	}

	// fast path without opening a transaction
	rec, err := s.backend.Stores().Idempotency.Get(ctx, key)
	switch {
	case err == nil && rec.Status == domain.IdempotencyCompleted:
		s.logger.Debug("replaying idempotent result", "idempotency_key", key)
		return &ConsistencyResult{Result: rec.Result, Replayed: true}, nil
	case err != nil && !errors.Is(err, store.ErrIdempotencyRecordNotFound):
		return nil, NewServiceError("execute_with_consistency", "failed to read idempotency record", err)
	}

	var res *ConsistencyResult
	err = s.backend.WithinTx(ctx, func(ctx context.Context, tx store.Stores) error {
		res = nil
		var pre json.RawMessage
		if o.preState != nil {
			p, err := o.preState(ctx, tx)
			if err != nil {
				return fmt.Errorf("capture pre-state: %w", err)
			}
			pre = p
		}

		rec, created, err := tx.Idempotency.Begin(ctx, key, pre, s.clock.Now())
		if err != nil {
			return err
		}
		if !created {
			if rec.Status == domain.IdempotencyCompleted {
				res = &ConsistencyResult{Result: rec.Result, Replayed: true}
				return nil
			}
			return fmt.Errorf("%w: idempotency key %q", ErrOperationInProgress, key)
		}

		out, err := fn(ctx, tx)
		if err != nil {
			return err
		}
		if len(out) > 0 && !json.Valid(out) {
			return fmt.Errorf("%w: result must be valid JSON", domain.ErrValidation)
		}
		if err := tx.Idempotency.Complete(ctx, key, out, s.clock.Now()); err != nil {
			return err
		}
		res = &ConsistencyResult{Result: out}
		return nil
	})
	if err != nil {
		s.logger.Warn("guarded side effect rolled back",
			"idempotency_key", key,
			"error", err)
		return nil, NewServiceError("execute_with_consistency", "side effect failed", err)
	}

	if !res.Replayed {
		s.logger.Info("guarded side effect applied", "idempotency_key", key)
	}
	return res, nil
}
