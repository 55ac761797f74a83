package task

import (
	"io"
	"log/slog"
	"testing"

	"github.com/phrazzld/conductor/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testJob(t *testing.T, taskType string) *Job {
	t.Helper()
	task, err := domain.NewTask(domain.NewTaskParams{Type: taskType, QueueName: "work"}, testEpoch)
	require.NoError(t, err)
	return NewJob(task)
}

func TestTaskQueue(t *testing.T) {
	t.Run("enqueue until full", func(t *testing.T) {
		q := NewTaskQueue(2, setupTestLogger())
		assert.Equal(t, 2, q.Free())

		require.NoError(t, q.Enqueue(testJob(t, "echo")))
		require.NoError(t, q.Enqueue(testJob(t, "echo")))
		assert.Zero(t, q.Free())

		err := q.Enqueue(testJob(t, "echo"))
		assert.ErrorIs(t, err, ErrQueueFull)

		<-q.GetChannel()
		assert.Equal(t, 1, q.Free())
	})

	t.Run("closed queue rejects and drains", func(t *testing.T) {
		q := NewTaskQueue(2, setupTestLogger())
		job := testJob(t, "echo")
		require.NoError(t, q.Enqueue(job))

		q.Close()
		q.Close()
		assert.ErrorIs(t, q.Enqueue(testJob(t, "echo")), ErrQueueClosed)
		assert.Zero(t, q.Free())

		got, ok := <-q.GetChannel()
		require.True(t, ok)
		assert.Same(t, job, got)
		_, ok = <-q.GetChannel()
		assert.False(t, ok)
	})

	t.Run("non-positive size", func(t *testing.T) {
		q := NewTaskQueue(0, nil)
		assert.Equal(t, 1, q.Free())
	})
}

func TestJob_Progress(t *testing.T) {
	job := testJob(t, "echo")
	assert.Zero(t, job.Attempt())

	job.AddProcessed(3)
	job.AddProcessed(2)
	job.SetMetadata("source", "feed")

	out := job.outcome()
	assert.Equal(t, 5, out.ProcessedItems)
	assert.Equal(t, "feed", out.Metadata["source"])

	// snapshots do not alias the job's metadata
	out.Metadata["source"] = "changed"
	assert.Equal(t, "feed", job.outcome().Metadata["source"])
}
