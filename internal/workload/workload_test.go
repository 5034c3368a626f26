package workload

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillframe/quillexec/pkg/parallel"
	"github.com/quillframe/quillexec/pkg/sched"
)

func TestSequentialFib(t *testing.T) {
	assert.Equal(t, uint64(0), SequentialFib(0))
	assert.Equal(t, uint64(1), SequentialFib(1))
	assert.Equal(t, uint64(1), SequentialFib(2))
	assert.Equal(t, uint64(233), SequentialFib(13))
	assert.Equal(t, uint64(102334155), SequentialFib(40))
}

func TestFibTask_SplitConservesWork(t *testing.T) {
	task := NewFibTask(13, 3)
	require.True(t, task.WorthToSplit())

	right := task.Split().(*FibTask)
	assert.Equal(t, 12, task.N)
	assert.Equal(t, 11, right.N)
}

func TestFibTask_Parallel(t *testing.T) {
	e, err := sched.New(sched.Config{Workers: 4, QueueCapacity: 1024})
	require.NoError(t, err)
	e.StartWorkersIfNeeded()
	defer e.Shutdown()

	p, err := parallel.New(e, 4, 0)
	require.NoError(t, err)

	task := NewFibTask(20, 5)
	p.Execute(context.Background(), task)
	assert.Equal(t, SequentialFib(20), task.Result)
}

func TestRangeSumTask_Sequential(t *testing.T) {
	task := NewRangeSumTask(0, 100, 1000)
	assert.False(t, task.WorthToSplit())
	task.Run(context.Background())
	assert.Equal(t, int64(4950), task.Sum)
}

func TestRangeSumTask_Parallel(t *testing.T) {
	e, err := sched.New(sched.Config{Workers: 4, QueueCapacity: 1024})
	require.NoError(t, err)
	e.StartWorkersIfNeeded()
	defer e.Shutdown()

	p, err := parallel.New(e, 4, 0)
	require.NoError(t, err)

	const hi = int64(100_000)
	task := NewRangeSumTask(0, hi, 1_000)
	p.Execute(context.Background(), task)
	assert.Equal(t, hi*(hi-1)/2, task.Sum)
}
