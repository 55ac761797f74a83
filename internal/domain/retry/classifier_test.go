package retry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"

	"github.com/phrazzld/conductor/internal/domain"
)

func TestClassifier_Classify(t *testing.T) {
	c := NewClassifier(nil)

	var syntaxErr *json.SyntaxError
	jsonErr := json.Unmarshal([]byte(`{`), &struct{}{})
	if !errors.As(jsonErr, &syntaxErr) {
		t.Fatalf("expected json syntax error, got %T", jsonErr)
	}

	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"connection refused errno", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), CategoryNetwork},
		{"net op error", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("boom")}, CategoryNetwork},
		{"dns error", &net.DNSError{Err: "no such host", Name: "mp.example"}, CategoryNetwork},
		{"deadline", context.DeadlineExceeded, CategoryNetwork},
		{"connection refused message", errors.New("Post https://api: connection refused"), CategoryNetwork},
		{"gateway timeout message", errors.New("upstream returned 504"), CategoryNetwork},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, CategoryDatabase},
		{"pg connection", &pgconn.PgError{Code: "08006"}, CategoryDatabase},
		{"pg auth", &pgconn.PgError{Code: "28P01"}, CategoryAuthentication},
		{"pg unique", &pgconn.PgError{Code: "23505"}, CategoryBusinessLogic},
		{"sql conn done", sql.ErrConnDone, CategoryDatabase},
		{"deadlock message", errors.New("deadlock detected"), CategoryDatabase},
		{"domain validation", fmt.Errorf("%w: missing account", domain.ErrValidation), CategoryValidation},
		{"json syntax", jsonErr, CategoryValidation},
		{"invalid message", errors.New("invalid article url"), CategoryValidation},
		{"unauthorized", errors.New("401 Unauthorized"), CategoryAuthentication},
		{"expired token", errors.New("access_token expired"), CategoryAuthentication},
		{"rate limited", errors.New("429 Too Many Requests"), CategoryRateLimit},
		{"throttled", errors.New("request throttled by upstream"), CategoryRateLimit},
		{"business", errors.New("article already processed"), CategoryBusinessLogic},
		{"tagged", Tag(CategoryBusinessLogic, errors.New("connection refused")), CategoryBusinessLogic},
		{"permanent", Permanent(errors.New("timeout")), CategoryBusinessLogic},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.err)
			assert.Equal(t, tt.want, got.Category)
			assert.False(t, got.Fallback)
			assert.NotEmpty(t, got.Rule)
			assert.Equal(t, c.Policies().For(tt.want), got.Policy)
		})
	}
}

func TestClassifier_Fallback(t *testing.T) {
	c := NewClassifier(nil)

	got := c.Classify(errors.New("something odd happened"))
	assert.Equal(t, CategorySystem, got.Category)
	assert.True(t, got.Fallback)
	assert.Empty(t, got.Rule)
	assert.Equal(t, StrategyLinear, got.Policy.Strategy)

	assert.Equal(t, CategorySystem, c.Classify(nil).Category)
	assert.Equal(t, CategorySystem, c.ClassifyMessage("  ").Category)
}

func TestClassifier_ClassifyMessage(t *testing.T) {
	c := NewClassifier(nil)
	assert.Equal(t, CategoryNetwork, c.ClassifyMessage("dial tcp 10.0.0.1:443: i/o timeout").Category)
	assert.Equal(t, CategoryRateLimit, c.ClassifyMessage("quota exceeded for today").Category)
}

func TestClassifier_RetryAfterHint(t *testing.T) {
	c := NewClassifier(nil)
	got := c.Classify(fmt.Errorf("fetch: %w", Throttled(errors.New("slow down"), 90*time.Second)))
	assert.Equal(t, CategoryRateLimit, got.Category)
	assert.Equal(t, 90*time.Second, got.RetryAfter)
}

func TestClassifier_CustomRules(t *testing.T) {
	sentinel := errors.New("mp: account banned")
	c := NewClassifier(nil, Rule{
		Name:     "banned",
		Category: CategoryBusinessLogic,
		Match:    func(err error) bool { return errors.Is(err, sentinel) },
	})

	assert.Equal(t, CategoryBusinessLogic, c.Classify(fmt.Errorf("sync: %w", sentinel)).Category)
	// custom lists replace the defaults entirely
	assert.True(t, c.Classify(errors.New("connection refused")).Fallback)
}
