package sched

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/petermattis/goid"
)

// WorkerState represents a worker's position in its lifecycle.
type WorkerState int32

const (
	WorkerNotStarted WorkerState = iota // Never started
	WorkerIdle                          // Between tasks, possibly blocked on dequeue
	WorkerWorking                       // Running a task
	WorkerDying                         // Received the shutdown signal
	WorkerDead                          // Exited the run loop
)

func (s WorkerState) String() string {
	switch s {
	case WorkerNotStarted:
		return "not_started"
	case WorkerIdle:
		return "idle"
	case WorkerWorking:
		return "working"
	case WorkerDying:
		return "dying"
	case WorkerDead:
		return "dead"
	default:
		return "unknown"
	}
}

// worker drains the pending queue on its own goroutine. Workers survive any
// task panic; only the run loop exiting (shutdown signal or runtime.Goexit)
// kills one, and dead workers are never resurrected.
type worker struct {
	id    string
	num   int
	e     *Executor
	state atomic.Int32

	// cancelMu guards taskCancel and taskCtx, the interrupt channel of the
	// in-flight task.
	cancelMu   sync.Mutex
	taskCancel context.CancelFunc
	taskCtx    context.Context
}

func newWorker(e *Executor, num int) *worker {
	return &worker{
		id:  fmt.Sprintf("%s-%d", e.name, num),
		num: num,
		e:   e,
	}
}

// State returns the worker's current state.
func (w *worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

func (w *worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

// interrupt cancels the in-flight task's context, if any. Interrupting an
// idle worker is a no-op.
func (w *worker) interrupt() {
	w.cancelMu.Lock()
	cancel := w.taskCancel
	w.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (w *worker) setTask(ctx context.Context, cancel context.CancelFunc) {
	w.cancelMu.Lock()
	w.taskCtx = ctx
	w.taskCancel = cancel
	w.cancelMu.Unlock()
}

// currentTaskContext returns the interrupt context of the in-flight task,
// used when the worker steals nested work mid-task.
func (w *worker) currentTaskContext() context.Context {
	w.cancelMu.Lock()
	defer w.cancelMu.Unlock()
	return w.taskCtx
}

// run is the worker run loop: dequeue, run, repeat until the shutdown
// signal. The deferred bookkeeping also fires on runtime.Goexit from a task.
func (w *worker) run() {
	gid := goid.Get()
	w.e.registerWorker(gid, w)
	w.setState(WorkerIdle)
	w.e.log.Debug().Str("worker_id", w.id).Msg("worker started")

	defer func() {
		w.setState(WorkerDead)
		w.e.unregisterWorker(gid)
		w.e.running.Add(-1)
		w.e.wakeWaiters()
		w.e.log.Debug().Str("worker_id", w.id).Msg("worker stopped")
	}()

	for {
		r, ok := w.e.queue.blockingDequeue()
		if !ok {
			w.setState(WorkerDying)
			return
		}
		w.runOne(r)
	}
}

// runOne runs a single task with the panic guard. The panic handler may
// itself panic; the outer guard keeps the run loop alive regardless.
func (w *worker) runOne(r Runnable) {
	w.setState(WorkerWorking)
	w.e.working.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	w.setTask(ctx, cancel)

	ok := runGuarded(w.e, w.id, ctx, r)

	w.setTask(nil, nil)
	cancel()
	w.e.working.Add(-1)
	w.setState(WorkerIdle)
	w.e.observeCompleted(ok)
}

// runGuarded invokes r.Run, recovering panics into the executor's panic
// handler. Returns false when the task panicked.
func runGuarded(e *Executor, workerID string, ctx context.Context, r Runnable) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			ok = false
			e.reportPanic(workerID, rec)
		}
	}()
	r.Run(ctx)
	return true
}

// reportPanic forwards a recovered task panic to the configured handler.
// The handler is allowed to re-panic; the inner guard absorbs that so the
// calling worker survives.
func (e *Executor) reportPanic(workerID string, rec interface{}) {
	handler := e.cfg.PanicHandler
	if handler == nil {
		e.log.Error().
			Str("worker_id", workerID).
			Interface("panic", rec).
			Str("stack", string(debug.Stack())).
			Msg("task panicked")
		return
	}
	defer func() {
		if rr := recover(); rr != nil {
			e.log.Error().
				Str("worker_id", workerID).
				Interface("panic", rr).
				Msg("panic handler panicked")
		}
	}()
	handler(workerID, rec)
}
