package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// IdempotencyStatus is the state of an idempotency record.
type IdempotencyStatus string

// Possible idempotency status values
const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
)

// IdempotencyRecord remembers the result of a side effect applied under a key.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	Status      IdempotencyStatus `json:"status"`
	PreState    json.RawMessage   `json:"pre_state,omitempty"`
	Result      json.RawMessage   `json:"result,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// ValidateIdempotencyKey rejects empty or oversized keys.
func ValidateIdempotencyKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: idempotency key cannot be empty", ErrValidation)
	}
	if len(key) > 255 {
		return fmt.Errorf("%w: idempotency key longer than 255 bytes", ErrValidation)
	}
	return nil
}
