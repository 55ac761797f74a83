package events

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/conductor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	events []*TaskEvent
	err    error
}

func (h *recordingHandler) HandleEvent(ctx context.Context, event *TaskEvent) error {
	h.events = append(h.events, event)
	return h.err
}

var eventTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func runningTask(t *testing.T) *domain.Task {
	t.Helper()
	task, err := domain.NewTask(domain.NewTaskParams{Type: "sync_articles", QueueName: "sync", MaxRetries: 2}, eventTime)
	require.NoError(t, err)
	require.NoError(t, task.MarkRunning(eventTime.Add(3*time.Second)))
	return task
}

func TestNewTaskEvent(t *testing.T) {
	t.Run("dequeued carries queue wait", func(t *testing.T) {
		task := runningTask(t)
		e := NewTaskEvent(TaskDequeued, task, eventTime.Add(3*time.Second))

		assert.NotEqual(t, uuid.Nil, e.ID)
		assert.Equal(t, task.ID, e.TaskID)
		assert.Equal(t, "sync", e.QueueName)
		assert.Equal(t, domain.TaskStatusRunning, e.Status)
		assert.Equal(t, 3*time.Second, e.QueueWait)
		assert.Nil(t, e.DurationMs)
	})

	t.Run("completed carries duration", func(t *testing.T) {
		task := runningTask(t)
		require.NoError(t, task.MarkCompleted(nil, eventTime.Add(3500*time.Millisecond)))

		e := NewTaskEvent(TaskCompleted, task, eventTime.Add(3500*time.Millisecond))
		require.NotNil(t, e.DurationMs)
		assert.Equal(t, int64(500), *e.DurationMs)
	})

	t.Run("failed carries error and category", func(t *testing.T) {
		task := runningTask(t)
		require.NoError(t, task.MarkFailed("connection refused", "network", eventTime.Add(4*time.Second)))

		e := NewTaskEvent(TaskFailed, task, eventTime.Add(4*time.Second))
		assert.Equal(t, "connection refused", e.Error)
		assert.Equal(t, "network", e.Category)
		require.NotNil(t, e.DurationMs)
		assert.Equal(t, int64(1000), *e.DurationMs)
	})
}

func TestInMemoryEventEmitter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	event := NewTaskEvent(TaskSubmitted, runningTask(t), eventTime)

	t.Run("emit event with no handlers", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		assert.NoError(t, emitter.EmitEvent(context.Background(), event))
	})

	t.Run("every handler receives the event", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		h1, h2 := &recordingHandler{}, &recordingHandler{}
		emitter.RegisterHandler(h1)
		emitter.RegisterHandler(h2)

		require.NoError(t, emitter.EmitEvent(context.Background(), event))
		assert.Equal(t, []*TaskEvent{event}, h1.events)
		assert.Equal(t, []*TaskEvent{event}, h2.events)
	})

	t.Run("failing handler does not stop delivery", func(t *testing.T) {
		emitter := NewInMemoryEventEmitter(logger)
		failing := &recordingHandler{err: errors.New("handler error")}
		ok := &recordingHandler{}
		emitter.RegisterHandler(failing)
		emitter.RegisterHandler(ok)

		var calls int
		emitter.RegisterHandler(HandlerFunc(func(ctx context.Context, e *TaskEvent) error {
			calls++
			return nil
		}))

		err := emitter.EmitEvent(context.Background(), event)
		assert.EqualError(t, err, "handler error")
		assert.Len(t, ok.events, 1)
		assert.Equal(t, 1, calls)
	})
}
