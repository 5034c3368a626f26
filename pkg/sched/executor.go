package sched

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"github.com/rs/zerolog"
)

// Error definitions
var (
	ErrNilTask       = errors.New("sched: nil task")
	ErrNotAccepting  = errors.New("sched: task rejected, executor not accepting")
	ErrQueueFull     = errors.New("sched: task rejected, pending queue full")
	ErrShutdown      = errors.New("sched: executor has been shut down")
	ErrNotThreadless = errors.New("sched: executor has background workers")
	ErrAlreadyWorker = errors.New("sched: goroutine is already a worker of this executor")

	// ErrConcurrencyViolation wraps the panics raised by the worker
	// awareness checks.
	ErrConcurrencyViolation = errors.New("sched: concurrency violation")
)

// Config contains options to build an Executor.
type Config struct {
	// NamePrefix is prepended to worker names in logs and events. When
	// empty a random name is generated.
	NamePrefix string

	// Workers is the fixed pool size. Zero selects threadless mode, where
	// the executor spawns no goroutines and StartAndWorkInCaller drives the
	// queue. Negative values are rejected.
	Workers int

	// QueueCapacity bounds the pending queue. Must be at least 1.
	QueueCapacity int

	// MaxWorkersForBasicQueue selects the queue flavor: the basic
	// mutex-and-cond queue is used while Workers stays at or below this
	// threshold, the two-lock queue above it.
	MaxWorkersForBasicQueue int

	// Spawn starts a worker goroutine. Nil falls back to plain go. Tests
	// use it to intercept goroutine creation.
	Spawn func(name string, loop func())

	// PanicHandler receives panics recovered from tasks. It may re-panic
	// without destabilizing the worker. Nil logs the panic instead.
	PanicHandler func(workerID string, recovered interface{})

	// Observer receives task lifecycle notifications. Optional.
	Observer Observer

	// Logger for worker lifecycle and task failures. Nil disables logging.
	Logger *zerolog.Logger
}

// Executor runs submitted tasks on a fixed pool of workers draining a
// bounded FIFO queue. Accepting, processing and shutdown are three
// independently controlled flags: accepting gates Execute, processing gates
// worker dequeue, and shutdown latches accepting off permanently.
type Executor struct {
	name  string
	cfg   Config
	queue pendingQueue
	st    execState

	startMu sync.Mutex
	started bool
	workers []*worker

	running atomic.Int32 // workers alive (includes a caller inside StartAndWorkInCaller)
	working atomic.Int32 // workers currently inside a task

	// workersByGID maps goroutine ids to workers for the awareness
	// predicates and the steal path.
	workersByGID sync.Map // int64 -> *worker

	waitMu         sync.Mutex
	runningChanged chan struct{}

	log zerolog.Logger
}

// New creates an Executor from the given config.
func New(cfg Config) (*Executor, error) {
	if cfg.Workers < 0 {
		return nil, fmt.Errorf("sched: Workers must not be negative, got %d", cfg.Workers)
	}
	if cfg.QueueCapacity < 1 {
		return nil, fmt.Errorf("sched: QueueCapacity must be at least 1, got %d", cfg.QueueCapacity)
	}
	if cfg.MaxWorkersForBasicQueue < 0 {
		return nil, fmt.Errorf("sched: MaxWorkersForBasicQueue must not be negative, got %d", cfg.MaxWorkersForBasicQueue)
	}

	name := cfg.NamePrefix
	if name == "" {
		name = fmt.Sprintf("executor-%s", uuid.New().String()[:8])
	}

	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = cfg.Logger.With().Str("executor", name).Logger()
	}

	e := &Executor{
		name:           name,
		cfg:            cfg,
		runningChanged: make(chan struct{}),
		log:            log,
	}
	if cfg.Workers <= cfg.MaxWorkersForBasicQueue {
		e.queue = newBasicQueue(cfg.QueueCapacity, &e.st)
	} else {
		e.queue = newTwoLockQueue(cfg.QueueCapacity, &e.st)
	}
	e.workers = make([]*worker, cfg.Workers)
	for i := range e.workers {
		e.workers[i] = newWorker(e, i)
	}
	e.st.accepting.Store(true)
	e.st.processing.Store(true)
	return e, nil
}

// Name returns the executor's name.
func (e *Executor) Name() string { return e.name }

// WorkerCount returns the configured pool size (0 in threadless mode).
func (e *Executor) WorkerCount() int { return e.cfg.Workers }

// Execute submits a task. Accepted tasks are enqueued and eventually run by
// a worker. Rejected Cancellables get Cancel invoked on the calling
// goroutine and a nil error; rejected plain runnables get the rejection
// reason back.
func (e *Executor) Execute(r Runnable) error {
	if r == nil {
		return ErrNilTask
	}
	if e.st.death.Load() {
		return e.reject(r, ErrShutdown)
	}
	if !e.st.accepting.Load() {
		return e.reject(r, ErrNotAccepting)
	}
	switch e.queue.tryEnqueue(r) {
	case enqueueAccepted:
		if obs := e.cfg.Observer; obs != nil {
			obs.TaskSubmitted()
		}
		e.StartWorkersIfNeeded()
		return nil
	case enqueueRejectedFull:
		return e.reject(r, ErrQueueFull)
	default:
		return e.reject(r, ErrShutdown)
	}
}

func (e *Executor) reject(r Runnable, reason error) error {
	if obs := e.cfg.Observer; obs != nil {
		obs.TaskRejected()
	}
	if c, ok := r.(Cancellable); ok {
		c.Cancel()
		if obs := e.cfg.Observer; obs != nil {
			obs.TaskCancelled()
		}
		return nil
	}
	return reason
}

// StartAccepting allows new submissions, unless shut down.
func (e *Executor) StartAccepting() {
	if e.st.death.Load() {
		return
	}
	e.st.accepting.Store(true)
}

// StopAccepting makes Execute reject or cancel new submissions.
func (e *Executor) StopAccepting() {
	e.st.accepting.Store(false)
}

// StartProcessing lets workers dequeue, waking any that are blocked.
func (e *Executor) StartProcessing() {
	e.st.processing.Store(true)
	e.queue.wakeAll()
}

// StopProcessing keeps queued tasks pending. Tasks already running finish.
func (e *Executor) StopProcessing() {
	e.st.processing.Store(false)
}

// Start sets both accepting and processing.
func (e *Executor) Start() {
	e.StartAccepting()
	e.StartProcessing()
}

// Stop clears both accepting and processing.
func (e *Executor) Stop() {
	e.StopAccepting()
	e.StopProcessing()
}

// IsAccepting reports whether new submissions are enqueued.
func (e *Executor) IsAccepting() bool { return e.st.accepting.Load() }

// IsProcessing reports whether workers may dequeue.
func (e *Executor) IsProcessing() bool { return e.st.processing.Load() }

// IsShutdown reports whether workers death has been requested.
func (e *Executor) IsShutdown() bool { return e.st.death.Load() }

// StartWorkersIfNeeded creates the pool goroutines. Idempotent; dead
// workers are not resurrected within the executor's lifetime. A no-op in
// threadless mode.
func (e *Executor) StartWorkersIfNeeded() {
	if e.cfg.Workers == 0 {
		return
	}
	e.startMu.Lock()
	defer e.startMu.Unlock()
	if e.started {
		return
	}
	e.started = true
	spawn := e.cfg.Spawn
	for _, w := range e.workers {
		e.running.Add(1)
		if spawn != nil {
			spawn(w.id, w.run)
		} else {
			go w.run()
		}
	}
	e.log.Debug().Int("workers", len(e.workers)).Msg("worker pool started")
}

// CancelPending cancels all queued tasks front-first. If a Cancel panics
// the panic propagates with the remaining tasks still queued; the caller
// may retry.
func (e *Executor) CancelPending() {
	e.queue.cancelAll()
}

// DrainPendingTo moves all queued tasks into fn in FIFO order without
// running or cancelling them.
func (e *Executor) DrainPendingTo(fn func(Runnable)) {
	e.queue.drainTo(fn)
}

// InterruptWorkers cancels the context of every in-flight task. Idle
// workers only see a harmless wakeup.
func (e *Executor) InterruptWorkers() {
	e.workersByGID.Range(func(_, v interface{}) bool {
		v.(*worker).interrupt()
		return true
	})
	e.queue.wakeAll()
}

// Shutdown requests workers death: accepting latches off and idle workers
// exit once the queue drains. Queued tasks still run.
func (e *Executor) Shutdown() {
	e.st.accepting.Store(false)
	e.st.death.Store(true)
	e.queue.close()
	e.queue.wakeAll()
	e.log.Debug().Msg("shutdown requested")
}

// ShutdownNow shuts down, cancels all pending tasks and, when interrupt is
// set, cancels the contexts of in-flight tasks as well.
func (e *Executor) ShutdownNow(interrupt bool) {
	// Cancel the queue before requesting death: death lifts the processing
	// gate, and woken workers would otherwise run pending tasks first.
	e.st.accepting.Store(false)
	e.queue.close()
	func() {
		defer e.Shutdown()
		e.CancelPending()
	}()
	if interrupt {
		e.InterruptWorkers()
	}
}

// RunningCount returns the number of live workers.
func (e *Executor) RunningCount() int { return int(e.running.Load()) }

// WorkingCount returns the number of workers currently inside a task.
func (e *Executor) WorkingCount() int { return int(e.working.Load()) }

// IdleCount returns the number of live workers not inside a task.
func (e *Executor) IdleCount() int {
	n := int(e.running.Load()) - int(e.working.Load())
	if n < 0 {
		n = 0
	}
	return n
}

// PendingCount returns the number of queued tasks.
func (e *Executor) PendingCount() int { return e.queue.size() }

// WorkerStates returns a snapshot of every pool worker's state.
func (e *Executor) WorkerStates() []WorkerState {
	states := make([]WorkerState, len(e.workers))
	for i, w := range e.workers {
		states[i] = w.State()
	}
	return states
}

func (e *Executor) wakeWaiters() {
	e.waitMu.Lock()
	close(e.runningChanged)
	e.runningChanged = make(chan struct{})
	e.waitMu.Unlock()
}

// WaitForNoRunningWorkers blocks until the live worker count reaches zero,
// the timeout elapses, or ctx is cancelled. Negative timeouts probe
// immediately. Calling it from one of this executor's own workers panics
// with ErrConcurrencyViolation: the wait could never complete.
func (e *Executor) WaitForNoRunningWorkers(ctx context.Context, timeout time.Duration) (bool, error) {
	if _, ok := e.workersByGID.Load(goid.Get()); ok {
		panic(fmt.Errorf("%w: WaitForNoRunningWorkers called from a worker of this executor", ErrConcurrencyViolation))
	}
	if e.running.Load() == 0 {
		return true, nil
	}
	if timeout < 0 {
		return false, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		e.waitMu.Lock()
		if e.running.Load() == 0 {
			e.waitMu.Unlock()
			return true, nil
		}
		changed := e.runningChanged
		e.waitMu.Unlock()
		select {
		case <-changed:
		case <-timer.C:
			return e.running.Load() == 0, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// StartAndWorkInCaller turns the calling goroutine into the executor's sole
// worker. It returns nil once the executor is shut down and the queue has
// drained, or ctx's error if ctx is cancelled between tasks. A task panic
// propagates to the caller and leaves the executor re-enterable: calling
// StartAndWorkInCaller again resumes processing.
//
// Only valid in threadless mode (Workers == 0).
func (e *Executor) StartAndWorkInCaller(ctx context.Context) error {
	if e.cfg.Workers != 0 {
		return ErrNotThreadless
	}
	gid := goid.Get()
	w := &worker{id: e.name + "-caller", e: e}
	if _, loaded := e.workersByGID.LoadOrStore(gid, w); loaded {
		return ErrAlreadyWorker
	}
	w.setState(WorkerIdle)
	e.running.Add(1)
	defer func() {
		w.setState(WorkerDead)
		e.workersByGID.Delete(gid)
		e.running.Add(-1)
		e.wakeWaiters()
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		r, ok := e.queue.blockingDequeue()
		if !ok {
			return nil
		}
		e.runInCaller(w, ctx, r)
	}
}

// runInCaller runs one task without the panic guard: the panic propagates
// to the caller while the deferred bookkeeping keeps the executor
// consistent.
func (e *Executor) runInCaller(w *worker, ctx context.Context, r Runnable) {
	w.setState(WorkerWorking)
	e.working.Add(1)
	taskCtx, cancel := context.WithCancel(ctx)
	w.setTask(taskCtx, cancel)
	done := false
	defer func() {
		w.setTask(nil, nil)
		cancel()
		e.working.Add(-1)
		w.setState(WorkerIdle)
		e.observeCompleted(done)
	}()
	r.Run(taskCtx)
	done = true
}

// RunOnePending dequeues and runs a single queued task on the calling
// goroutine, honoring the processing gate. It reports whether a task was
// run. Used by cooperating waiters to make progress instead of blocking.
func (e *Executor) RunOnePending() bool {
	r, ok := e.queue.tryDequeue()
	if !ok {
		return false
	}
	ctx := context.Background()
	workerID := e.name + "-steal"
	if v, found := e.workersByGID.Load(goid.Get()); found {
		w := v.(*worker)
		workerID = w.id
		if tctx := w.currentTaskContext(); tctx != nil {
			ctx = tctx
		}
	}
	ok = runGuarded(e, workerID, ctx, r)
	e.observeCompleted(ok)
	return true
}

func (e *Executor) observeCompleted(ok bool) {
	if obs := e.cfg.Observer; obs != nil {
		obs.TaskCompleted(ok)
	}
}

func (e *Executor) registerWorker(gid int64, w *worker) {
	e.workersByGID.Store(gid, w)
}

func (e *Executor) unregisterWorker(gid int64) {
	e.workersByGID.Delete(gid)
}

// IsWorkerGoroutine reports whether the calling goroutine is one of this
// executor's workers, including a caller inside StartAndWorkInCaller.
func (e *Executor) IsWorkerGoroutine() bool {
	_, ok := e.workersByGID.Load(goid.Get())
	return ok
}

// CheckIsWorkerGoroutine panics with ErrConcurrencyViolation when called
// from a goroutine that is not a worker of this executor. Clients use it to
// assert that UI state is only touched from the UI worker.
func (e *Executor) CheckIsWorkerGoroutine() {
	if !e.IsWorkerGoroutine() {
		panic(fmt.Errorf("%w: expected a worker goroutine of executor %s", ErrConcurrencyViolation, e.name))
	}
}

// CheckIsNotWorkerGoroutine panics with ErrConcurrencyViolation when called
// from one of this executor's workers.
func (e *Executor) CheckIsNotWorkerGoroutine() {
	if e.IsWorkerGoroutine() {
		panic(fmt.Errorf("%w: unexpected worker goroutine of executor %s", ErrConcurrencyViolation, e.name))
	}
}
