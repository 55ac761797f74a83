package task

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWorkerPool(t *testing.T) {
	q := NewTaskQueue(1, setupTestLogger())
	noop := func(context.Context, int, *Job) {}

	pool := NewWorkerPool(q, WorkerPoolConfig{WorkerCount: 5}, noop, setupTestLogger())
	assert.Equal(t, 5, pool.workerCount)

	for _, n := range []int{0, -5} {
		pool = NewWorkerPool(q, WorkerPoolConfig{WorkerCount: n}, noop, setupTestLogger())
		assert.Equal(t, 1, pool.workerCount)
	}
	assert.Equal(t, 2, DefaultWorkerPoolConfig().WorkerCount)
}

func TestWorkerPool_DrainsQueue(t *testing.T) {
	q := NewTaskQueue(10, setupTestLogger())
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(testJob(t, "echo")))
	}
	q.Close()

	var (
		mu      sync.Mutex
		seen    = map[*Job]bool{}
		running atomic.Int32
		peak    atomic.Int32
	)
	process := func(_ context.Context, _ int, job *Job) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen[job] = true
		mu.Unlock()
		running.Add(-1)
	}

	pool := NewWorkerPool(q, WorkerPoolConfig{WorkerCount: 3}, process, setupTestLogger())
	require.NoError(t, pool.Run(context.Background()))

	assert.Len(t, seen, 10)
	assert.LessOrEqual(t, peak.Load(), int32(3))
}
