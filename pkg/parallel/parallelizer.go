package parallel

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/quillframe/quillexec/pkg/sched"
)

// Parallelizer runs splittable tasks as a recursive divide-and-conquer tree
// over an executor. Each split hands the new sibling to the executor and
// recurses locally on the remaining half; the local side then waits for the
// sibling and, for SplitMergables, merges the results.
//
// Execute may be called from within one of the executor's own workers: the
// wait then cooperates by stealing queued tasks (typically its own
// descendants) instead of blocking, so a pool whose workers are all awaiting
// inner parallelizations still makes progress.
type Parallelizer struct {
	exec        *sched.Executor
	parallelism int
	maxDepth    int
	obs         Observer
	suppressed  func(recovered interface{})
	log         zerolog.Logger
}

// New creates a Parallelizer over exec. parallelism must be at least 1; a
// parallelism of 1 runs everything sequentially. maxDepth bounds the split
// recursion; 0 derives it from parallelism.
func New(exec *sched.Executor, parallelism, maxDepth int, opts ...Option) (*Parallelizer, error) {
	if exec == nil {
		return nil, errors.New("parallel: nil executor")
	}
	if parallelism < 1 {
		return nil, fmt.Errorf("parallel: parallelism must be at least 1, got %d", parallelism)
	}
	if maxDepth < 0 {
		return nil, fmt.Errorf("parallel: maxDepth must not be negative, got %d", maxDepth)
	}
	if maxDepth == 0 {
		maxDepth = ceilLog2(parallelism) + 2
	}
	p := &Parallelizer{
		exec:        exec,
		parallelism: parallelism,
		maxDepth:    maxDepth,
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

func ceilLog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n - 1))
}

// Parallelism returns the configured parallelism.
func (p *Parallelizer) Parallelism() int { return p.parallelism }

// MaxDepth returns the effective split depth limit.
func (p *Parallelizer) MaxDepth() int { return p.maxDepth }

// Execute runs r to completion on the calling goroutine, splitting it over
// the executor when r is Splittable and parallelism allows. Plain runnables
// run inline.
//
// If any WorthToSplit, Split, Run or Merge in the tree panics, the first
// captured value is re-raised here once every already-dispatched subtask has
// completed; later panics go to the suppressed-panic handler. ctx is passed
// through (wrapped, never replaced), so cancellation observed by the caller
// before Execute still holds after it returns.
func (p *Parallelizer) Execute(ctx context.Context, r sched.Runnable) {
	s, ok := r.(Splittable)
	if !ok || p.parallelism <= 1 {
		r.Run(ctx)
		return
	}
	tree := &treeState{suppressed: p.reportSuppressed}
	p.process(ctx, s, 0, tree)
	if rec := tree.firstFailure(); rec != nil {
		panic(rec)
	}
}

func (p *Parallelizer) reportSuppressed(rec interface{}) {
	p.log.Error().Interface("panic", rec).Msg("suppressed subtask failure")
	if p.suppressed != nil {
		p.suppressed(rec)
	}
}

// treeState is shared by every frame of one Execute call: the abort latch
// and the first captured failure.
type treeState struct {
	aborted    atomic.Bool
	mu         sync.Mutex
	first      interface{}
	suppressed func(recovered interface{})
}

func (t *treeState) isAborted() bool {
	return t.aborted.Load()
}

func (t *treeState) capture(rec interface{}) {
	t.mu.Lock()
	if t.first == nil {
		t.first = rec
		t.mu.Unlock()
		t.aborted.Store(true)
		return
	}
	t.mu.Unlock()
	if t.suppressed != nil {
		t.suppressed(rec)
	}
}

func (t *treeState) firstFailure() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first
}

// frame tracks one dispatched sibling task until it completes.
type frame struct {
	done chan struct{}
	once sync.Once
}

func newFrame() *frame {
	return &frame{done: make(chan struct{})}
}

func (fr *frame) complete() {
	fr.once.Do(func() { close(fr.done) })
}

func (fr *frame) completed() bool {
	select {
	case <-fr.done:
		return true
	default:
		return false
	}
}

// frameTask is the executor-facing wrapper around a dispatched sibling. It
// is Cancellable so an executor rejection or queue cancel-all releases its
// waiter instead of leaving it blocked forever; the dispatcher then runs
// the sibling inline, keeping the exactly-once run guarantee.
type frameTask struct {
	p      *Parallelizer
	fr     *frame
	tree   *treeState
	task   Splittable
	depth  int
	inline atomic.Bool
	// rootCtx is the context handed down from the root caller (or from the
	// dispatching parent).
	rootCtx context.Context
}

var _ sched.Cancellable = (*frameTask)(nil)

// Run executes the dispatched subtree. workerCtx is the interrupt context
// of the goroutine running us; its cancellation is folded into the subtree
// context without touching the root caller's.
func (ft *frameTask) Run(workerCtx context.Context) {
	defer ft.fr.complete()
	if ft.tree.isAborted() {
		return
	}
	runCtx, cancel := context.WithCancel(ft.rootCtx)
	defer cancel()
	stop := context.AfterFunc(workerCtx, cancel)
	defer stop()
	ft.p.process(runCtx, ft.task, ft.depth, ft.tree)
}

// Cancel marks the sibling for inline execution by its dispatcher and
// releases the waiter. The executor popped (or refused) the task, so no
// worker will run it.
func (ft *frameTask) Cancel() {
	ft.inline.Store(true)
	ft.fr.complete()
}

// guard runs fn, capturing a panic into the tree. Reports whether fn
// completed normally.
func (p *Parallelizer) guard(tree *treeState, fn func()) (ok bool) {
	defer func() {
		if rec := recover(); rec != nil {
			tree.capture(rec)
			ok = false
		}
	}()
	fn()
	return true
}

// process runs t, splitting while depth allows and the task agrees.
func (p *Parallelizer) process(ctx context.Context, t Splittable, depth int, tree *treeState) {
	if tree.isAborted() {
		return
	}
	if depth >= p.maxDepth {
		p.runLeaf(ctx, t, tree)
		return
	}
	worth := false
	if !p.guard(tree, func() { worth = t.WorthToSplit() }) {
		return
	}
	if !worth {
		p.runLeaf(ctx, t, tree)
		return
	}

	var right Splittable
	if !p.guard(tree, func() { right = t.Split() }) {
		return
	}
	if right == nil {
		tree.capture(errors.New("parallel: Split returned nil"))
		return
	}

	if !p.exec.IsAccepting() {
		// The executor cannot take the sibling; keep both halves local.
		p.process(ctx, right, depth+1, tree)
		p.process(ctx, t, depth+1, tree)
	} else {
		fr := newFrame()
		ft := &frameTask{p: p, fr: fr, tree: tree, task: right, depth: depth + 1, rootCtx: ctx}
		if err := p.exec.Execute(ft); err != nil {
			ft.Cancel()
		}
		if p.obs != nil {
			p.obs.Split()
		}
		p.process(ctx, t, depth+1, tree)
		p.await(fr)
		if ft.inline.Load() {
			// The executor shed the sibling before running it; the work
			// moves back to this side.
			p.process(ctx, right, depth+1, tree)
		}
	}

	if tree.isAborted() {
		return
	}
	if lm, ok := t.(SplitMergable); ok {
		if rm, ok2 := right.(SplitMergable); ok2 {
			p.guard(tree, func() { lm.Merge(lm, rm) })
		}
	}
}

func (p *Parallelizer) runLeaf(ctx context.Context, t Splittable, tree *treeState) {
	if p.obs != nil {
		p.obs.SequentialRun()
	}
	p.guard(tree, func() { t.Run(ctx) })
}

// await blocks until fr completes. When the calling goroutine is a worker
// of the executor (or the executor is threadless), it cooperates: queued
// tasks are stolen and run here until the frame completes, so the pool
// cannot starve on reentrant parallelization.
func (p *Parallelizer) await(fr *frame) {
	if !p.exec.IsWorkerGoroutine() && p.exec.WorkerCount() > 0 {
		<-fr.done
		return
	}
	for !fr.completed() {
		if p.exec.RunOnePending() {
			if p.obs != nil {
				p.obs.Steal()
			}
			continue
		}
		// Nothing to steal: the awaited subtree is running elsewhere.
		// Every queued task's dispatcher can steal it back, so blocking
		// here cannot deadlock the pool.
		<-fr.done
	}
}
