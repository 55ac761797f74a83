package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/phrazzld/conductor/internal/domain"
)

// ErrDuplicateHandler is returned when a task type is registered twice.
var ErrDuplicateHandler = errors.New("handler already registered")

// Registry maps task types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to taskType.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("%w: task type cannot be empty", domain.ErrValidation)
	}
	if h == nil {
		return fmt.Errorf("%w: handler for %q cannot be nil", domain.ErrValidation, taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[taskType]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Lookup returns the handler of taskType.
func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types lists the registered task types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Missing returns the types of known that have no handler.
func (r *Registry) Missing(known []string) []string {
	var out []string
	for _, t := range known {
		if _, ok := r.Lookup(t); !ok {
			out = append(out, t)
		}
	}
	return out
}

// EchoHandler completes every task with its own payload as the result.
var EchoHandler = HandlerFunc(func(_ context.Context, job *Job) (json.RawMessage, error) {
	job.AddProcessed(1)
	return job.Payload(), nil
})
