package retry

import (
	"fmt"
	"time"

	"github.com/phrazzld/conductor/internal/domain"
)

// Action is the outcome of a retry decision.
type Action string

// Decision actions
const (
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
)

// Decision describes what happens to a failed task.
type Decision struct {
	Action         Action
	Classification Classification
	// Budget is the effective retry limit: the smaller of the task's and the
	// policy's max retries.
	Budget    int
	Delay     time.Duration
	NotBefore time.Time
	// Reason is ErrNonRecoverable or ErrRetryExhausted for dead-letter decisions.
	Reason error
}

// WillRetry reports whether the task is scheduled for another attempt.
func (d Decision) WillRetry() bool {
	return d.Action == ActionRetry
}

// Engine decides between retry and dead-letter for failed tasks.
type Engine struct {
	classifier *Classifier
}

// NewEngine creates an Engine using the given classifier.
func NewEngine(classifier *Classifier) *Engine {
	if classifier == nil {
		classifier = NewClassifier(nil)
	}
	return &Engine{classifier: classifier}
}

// Classifier returns the classifier consulted by the engine.
func (e *Engine) Classifier() *Classifier {
	return e.classifier
}

// Decide classifies cause and computes the next attempt for task.
func (e *Engine) Decide(task *domain.Task, cause error, now time.Time) Decision {
	return e.ComputeNextAttempt(task, e.classifier.Classify(cause), now)
}

// ComputeNextAttempt routes task to dead-letter when the classification is not
// recoverable or the budget is spent; otherwise it computes the backoff from
// the task's current retry count.
func (e *Engine) ComputeNextAttempt(task *domain.Task, cls Classification, now time.Time) Decision {
	budget := task.MaxRetries
	if cls.Policy.MaxRetries < budget {
		budget = cls.Policy.MaxRetries
	}
	d := Decision{Classification: cls, Budget: budget}

	if !cls.Policy.Recoverable {
		d.Action = ActionDeadLetter
		d.Reason = fmt.Errorf("%w: %s failure", domain.ErrNonRecoverable, cls.Category)
		return d
	}
	if task.RetryCount >= budget {
		d.Action = ActionDeadLetter
		d.Reason = fmt.Errorf("%w: %d of %d retries used", domain.ErrRetryExhausted, task.RetryCount, budget)
		return d
	}

	d.Action = ActionRetry
	d.Delay = cls.Policy.Delay(task.RetryCount)
	if cls.RetryAfter > d.Delay {
		d.Delay = cls.RetryAfter
	}
	d.NotBefore = now.Add(d.Delay).UTC()
	return d
}

// Apply moves a failed task to retrying when the decision says so. Dead-letter
// decisions leave the task failed.
func (d Decision) Apply(task *domain.Task, now time.Time) error {
	if d.Action != ActionRetry {
		return nil
	}
	return task.ScheduleRetry(d.NotBefore, now)
}
