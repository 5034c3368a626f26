package sched

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestExecutor(t *testing.T, workers, capacity int) *Executor {
	t.Helper()
	e, err := New(Config{
		NamePrefix:    "test",
		Workers:       workers,
		QueueCapacity: capacity,
	})
	require.NoError(t, err)
	return e
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Workers: -1, QueueCapacity: 1})
	assert.Error(t, err)

	_, err = New(Config{Workers: 1, QueueCapacity: 0})
	assert.Error(t, err)

	_, err = New(Config{Workers: 1, QueueCapacity: 1, MaxWorkersForBasicQueue: -1})
	assert.Error(t, err)

	e, err := New(Config{Workers: 0, QueueCapacity: 1})
	require.NoError(t, err)
	assert.Equal(t, 0, e.WorkerCount())
}

func TestNew_GeneratesName(t *testing.T) {
	e, err := New(Config{Workers: 1, QueueCapacity: 1})
	require.NoError(t, err)
	assert.NotEmpty(t, e.Name())
}

func TestNew_QueueFlavorSelection(t *testing.T) {
	e, err := New(Config{Workers: 2, QueueCapacity: 8, MaxWorkersForBasicQueue: 4})
	require.NoError(t, err)
	_, isBasic := e.queue.(*basicQueue)
	assert.True(t, isBasic)

	e, err = New(Config{Workers: 8, QueueCapacity: 8, MaxWorkersForBasicQueue: 4})
	require.NoError(t, err)
	_, isTwoLock := e.queue.(*twoLockQueue)
	assert.True(t, isTwoLock)
}

func TestExecute_NilTask(t *testing.T) {
	e := newTestExecutor(t, 1, 4)
	assert.ErrorIs(t, e.Execute(nil), ErrNilTask)
}

// Single worker processes tasks in submission order.
func TestExecute_FIFOSingleWorker(t *testing.T) {
	const n = 1000
	e := newTestExecutor(t, 1, n)

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < n; i++ {
		tag := i
		err := e.Execute(RunnableFunc(func(context.Context) {
			mu.Lock()
			order = append(order, tag)
			last := len(order)
			mu.Unlock()
			if last == n {
				close(done)
			}
		}))
		require.NoError(t, err)
	}

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for tasks")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i, tag := range order {
		require.Equal(t, i, tag)
	}
	assert.Eventually(t, func() bool { return e.PendingCount() == 0 }, time.Second, 10*time.Millisecond)

	e.Shutdown()
	ok, err := e.WaitForNoRunningWorkers(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

// Capacity saturation: with processing off, overflow cancellables receive
// Cancel and the first Q submissions stay pending.
func TestExecute_CapacitySaturation(t *testing.T) {
	e := newTestExecutor(t, 3, 2)
	e.StopProcessing()

	ran := atomic.Int32{}
	cancelled := atomic.Int32{}
	task := func() Cancellable {
		return NewCancellable(
			func(context.Context) { ran.Add(1) },
			func() { cancelled.Add(1) },
		)
	}

	require.NoError(t, e.Execute(task()))
	require.NoError(t, e.Execute(task()))
	require.NoError(t, e.Execute(task())) // rejected-full, cancelled inline

	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, int32(1), cancelled.Load())
	assert.Equal(t, 2, e.PendingCount())
}

func TestExecute_PlainRunnableRejection(t *testing.T) {
	e := newTestExecutor(t, 1, 1)
	e.StopProcessing()

	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {})))
	assert.ErrorIs(t, e.Execute(RunnableFunc(func(context.Context) {})), ErrQueueFull)

	e.StopAccepting()
	assert.ErrorIs(t, e.Execute(RunnableFunc(func(context.Context) {})), ErrNotAccepting)

	e.Shutdown()
	assert.ErrorIs(t, e.Execute(RunnableFunc(func(context.Context) {})), ErrShutdown)
}

// Every accepted cancellable sees exactly one of Run or Cancel.
func TestExecute_ExactlyOnce(t *testing.T) {
	const n = 200
	e := newTestExecutor(t, 4, n)

	var ran, cancelled atomic.Int32
	for i := 0; i < n; i++ {
		_ = e.Execute(NewCancellable(
			func(context.Context) { ran.Add(1) },
			func() { cancelled.Add(1) },
		))
	}
	e.ShutdownNow(false)
	ok, err := e.WaitForNoRunningWorkers(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, int32(n), ran.Load()+cancelled.Load())
}

func TestLifecycleFlags(t *testing.T) {
	e := newTestExecutor(t, 1, 4)
	assert.True(t, e.IsAccepting())
	assert.True(t, e.IsProcessing())
	assert.False(t, e.IsShutdown())

	e.Stop()
	assert.False(t, e.IsAccepting())
	assert.False(t, e.IsProcessing())

	e.Start()
	assert.True(t, e.IsAccepting())
	assert.True(t, e.IsProcessing())

	e.Shutdown()
	assert.True(t, e.IsShutdown())
	assert.False(t, e.IsAccepting())

	// Shutdown latches accepting off permanently.
	e.StartAccepting()
	assert.False(t, e.IsAccepting())
}

func TestStartWorkersIfNeeded_Idempotent(t *testing.T) {
	e := newTestExecutor(t, 3, 4)
	assert.Equal(t, 0, e.RunningCount())

	e.StartWorkersIfNeeded()
	assert.Eventually(t, func() bool { return e.RunningCount() == 3 }, time.Second, 5*time.Millisecond)

	e.StartWorkersIfNeeded()
	assert.Equal(t, 3, e.RunningCount())

	e.Shutdown()
	ok, err := e.WaitForNoRunningWorkers(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Dead workers are not resurrected.
	e.StartWorkersIfNeeded()
	assert.Equal(t, 0, e.RunningCount())
}

func TestCounters(t *testing.T) {
	e := newTestExecutor(t, 2, 8)
	e.StartWorkersIfNeeded()
	require.Eventually(t, func() bool { return e.RunningCount() == 2 }, time.Second, 5*time.Millisecond)

	block := make(chan struct{})
	started := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {
			started <- struct{}{}
			<-block
		})))
	}
	<-started
	<-started

	assert.Equal(t, 2, e.WorkingCount())
	assert.Equal(t, 0, e.IdleCount())

	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {})))
	assert.Equal(t, 1, e.PendingCount())

	close(block)
	assert.Eventually(t, func() bool {
		return e.WorkingCount() == 0 && e.PendingCount() == 0 && e.IdleCount() == 2
	}, time.Second, 5*time.Millisecond)

	e.Shutdown()
}

func TestWorkerStates(t *testing.T) {
	e := newTestExecutor(t, 2, 4)
	for _, s := range e.WorkerStates() {
		assert.Equal(t, WorkerNotStarted, s)
	}
	e.StartWorkersIfNeeded()
	assert.Eventually(t, func() bool {
		for _, s := range e.WorkerStates() {
			if s != WorkerIdle {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond)
	e.Shutdown()
}

// Workers survive task panics; the panic handler sees them and may even
// re-panic without killing the worker.
func TestWorker_SurvivesPanics(t *testing.T) {
	var handled atomic.Int32
	e, err := New(Config{
		Workers:       1,
		QueueCapacity: 8,
		PanicHandler: func(workerID string, recovered interface{}) {
			handled.Add(1)
			panic(recovered) // rethrow
		},
	})
	require.NoError(t, err)

	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) { panic("boom") })))

	done := make(chan struct{})
	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) { close(done) })))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	assert.Equal(t, int32(1), handled.Load())
	assert.Equal(t, 1, e.RunningCount())
	e.Shutdown()
}

// Interrupting workers with no task running changes nothing.
func TestInterruptWorkers_IdleNoOp(t *testing.T) {
	e := newTestExecutor(t, 2, 4)
	e.StartWorkersIfNeeded()
	require.Eventually(t, func() bool { return e.RunningCount() == 2 }, time.Second, 5*time.Millisecond)

	e.InterruptWorkers()

	assert.Equal(t, 2, e.RunningCount())
	assert.Equal(t, 0, e.PendingCount())
	assert.Equal(t, 0, e.WorkingCount())
	e.Shutdown()
}

func TestInterruptWorkers_CancelsRunningTask(t *testing.T) {
	e := newTestExecutor(t, 1, 4)

	interrupted := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, e.Execute(RunnableFunc(func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		close(interrupted)
	})))

	<-started
	e.InterruptWorkers()

	select {
	case <-interrupted:
	case <-time.After(2 * time.Second):
		t.Fatal("running task did not observe the interrupt")
	}
	e.Shutdown()
}

func TestShutdown_DrainsPending(t *testing.T) {
	e := newTestExecutor(t, 1, 16)
	e.StopProcessing()

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Execute(RunnableFunc(func(context.Context) { ran.Add(1) })))
	}
	require.Equal(t, 5, e.PendingCount())

	// Shutdown drains queued tasks even with processing off.
	e.Shutdown()
	ok, err := e.WaitForNoRunningWorkers(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int32(5), ran.Load())
}

func TestShutdownNow_CancelsPending(t *testing.T) {
	e := newTestExecutor(t, 1, 16)
	e.StopProcessing()

	var ran, cancelled atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, e.Execute(NewCancellable(
			func(context.Context) { ran.Add(1) },
			func() { cancelled.Add(1) },
		)))
	}

	e.ShutdownNow(false)
	ok, err := e.WaitForNoRunningWorkers(context.Background(), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, int32(0), ran.Load())
	assert.Equal(t, int32(5), cancelled.Load())
}

func TestDrainPendingTo(t *testing.T) {
	e := newTestExecutor(t, 1, 16)
	e.StopProcessing()

	for i := 0; i < 3; i++ {
		require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {})))
	}
	var drained []Runnable
	e.DrainPendingTo(func(r Runnable) { drained = append(drained, r) })
	assert.Len(t, drained, 3)
	assert.Equal(t, 0, e.PendingCount())
}

func TestWaitForNoRunningWorkers(t *testing.T) {
	e := newTestExecutor(t, 1, 4)

	// Fresh executor: nothing running.
	ok, err := e.WaitForNoRunningWorkers(context.Background(), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	e.StartWorkersIfNeeded()
	require.Eventually(t, func() bool { return e.RunningCount() == 1 }, time.Second, 5*time.Millisecond)

	// Negative timeout probes immediately.
	ok, err = e.WaitForNoRunningWorkers(context.Background(), -1)
	require.NoError(t, err)
	assert.False(t, ok)

	// Timeout while workers stay up.
	ok, err = e.WaitForNoRunningWorkers(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)

	// Context cancellation.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.WaitForNoRunningWorkers(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	e.Shutdown()
	ok, err = e.WaitForNoRunningWorkers(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitForNoRunningWorkers_FromWorkerPanics(t *testing.T) {
	e := newTestExecutor(t, 1, 4)

	result := make(chan interface{}, 1)
	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {
		defer func() { result <- recover() }()
		_, _ = e.WaitForNoRunningWorkers(context.Background(), 0)
	})))

	rec := <-result
	require.NotNil(t, rec)
	err, ok := rec.(error)
	require.True(t, ok)
	assert.ErrorIs(t, err, ErrConcurrencyViolation)
	e.Shutdown()
}

func TestWorkerAwareness(t *testing.T) {
	e := newTestExecutor(t, 1, 4)
	other := newTestExecutor(t, 1, 4)

	assert.False(t, e.IsWorkerGoroutine())
	assert.Panics(t, e.CheckIsWorkerGoroutine)
	assert.NotPanics(t, e.CheckIsNotWorkerGoroutine)

	inWorker := make(chan bool, 2)
	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {
		inWorker <- e.IsWorkerGoroutine()
		inWorker <- other.IsWorkerGoroutine()
	})))

	assert.True(t, <-inWorker)
	assert.False(t, <-inWorker)

	panicked := make(chan bool, 1)
	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {
		defer func() { panicked <- recover() != nil }()
		e.CheckIsNotWorkerGoroutine()
	})))
	assert.True(t, <-panicked)

	e.Shutdown()
	other.Shutdown()
}

// Threadless mode: the caller becomes the sole worker, a task panic
// propagates and the executor stays re-enterable.
func TestStartAndWorkInCaller_ResumeAfterPanic(t *testing.T) {
	e := newTestExecutor(t, 0, 16)

	var got []string
	appendTask := func(s string) Runnable {
		return RunnableFunc(func(context.Context) { got = append(got, s) })
	}

	require.NoError(t, e.Execute(appendTask("1")))
	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {
		got = append(got, "2")
		panic("after 2")
	})))

	assert.PanicsWithValue(t, "after 2", func() {
		_ = e.StartAndWorkInCaller(context.Background())
	})
	assert.Equal(t, []string{"1", "2"}, got)

	require.NoError(t, e.Execute(appendTask("3")))
	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {
		got = append(got, "4")
		e.Shutdown()
	})))

	require.NoError(t, e.StartAndWorkInCaller(context.Background()))
	assert.Equal(t, []string{"1", "2", "3", "4"}, got)
	assert.Equal(t, 0, e.PendingCount())
}

func TestStartAndWorkInCaller_RequiresThreadless(t *testing.T) {
	e := newTestExecutor(t, 1, 4)
	assert.ErrorIs(t, e.StartAndWorkInCaller(context.Background()), ErrNotThreadless)
	e.Shutdown()
}

func TestStartAndWorkInCaller_WorkerAwareness(t *testing.T) {
	e := newTestExecutor(t, 0, 4)

	inside := make(chan bool, 1)
	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {
		inside <- e.IsWorkerGoroutine()
		e.Shutdown()
	})))

	require.NoError(t, e.StartAndWorkInCaller(context.Background()))
	assert.True(t, <-inside)
	assert.False(t, e.IsWorkerGoroutine())
}

func TestStartAndWorkInCaller_ContextCancel(t *testing.T) {
	e := newTestExecutor(t, 0, 4)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) { cancel() })))
	err := e.StartAndWorkInCaller(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunOnePending(t *testing.T) {
	e := newTestExecutor(t, 0, 4)

	var ran atomic.Int32
	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) { ran.Add(1) })))

	assert.True(t, e.RunOnePending())
	assert.Equal(t, int32(1), ran.Load())
	assert.False(t, e.RunOnePending())
}

func TestSpawnHook(t *testing.T) {
	var spawned atomic.Int32
	e, err := New(Config{
		Workers:       2,
		QueueCapacity: 4,
		Spawn: func(name string, loop func()) {
			spawned.Add(1)
			go loop()
		},
	})
	require.NoError(t, err)

	e.StartWorkersIfNeeded()
	assert.Equal(t, int32(2), spawned.Load())
	e.Shutdown()
	ok, err := e.WaitForNoRunningWorkers(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestObserver(t *testing.T) {
	obs := &countingObserver{}
	e, err := New(Config{
		Workers:       1,
		QueueCapacity: 1,
		Observer:      obs,
	})
	require.NoError(t, err)
	e.StopProcessing()

	require.NoError(t, e.Execute(RunnableFunc(func(context.Context) {})))
	_ = e.Execute(RunnableFunc(func(context.Context) {})) // full, plain: rejected
	require.NoError(t, e.Execute(NewCancellable(func(context.Context) {}, nil)))

	assert.Equal(t, int32(1), obs.submitted.Load())
	assert.Equal(t, int32(2), obs.rejected.Load())
	assert.Equal(t, int32(1), obs.cancelled.Load())

	e.StartProcessing()
	assert.Eventually(t, func() bool { return obs.completed.Load() == 1 }, time.Second, 5*time.Millisecond)
	e.Shutdown()
}

type countingObserver struct {
	submitted atomic.Int32
	rejected  atomic.Int32
	cancelled atomic.Int32
	completed atomic.Int32
}

func (o *countingObserver) TaskSubmitted()        { o.submitted.Add(1) }
func (o *countingObserver) TaskRejected()         { o.rejected.Add(1) }
func (o *countingObserver) TaskCancelled()        { o.cancelled.Add(1) }
func (o *countingObserver) TaskCompleted(ok bool) { o.completed.Add(1) }
