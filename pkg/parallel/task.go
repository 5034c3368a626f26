package parallel

import (
	"context"

	"github.com/rs/zerolog"
)

// Splittable is a task that can shed part of its work into a sibling task.
// The parallelizer may consult WorthToSplit repeatedly, decline to split
// regardless of its answer, and split the same node again after a
// descendant completes; implementations must tolerate all of that.
type Splittable interface {
	// WorthToSplit hints whether splitting still pays off.
	WorthToSplit() bool
	// Split sheds part of the receiver's work into a new sibling task and
	// returns it. Must not return nil.
	Split() Splittable
	// Run performs the receiver's (remaining) work sequentially.
	Run(ctx context.Context)
}

// SplitMergable is a Splittable whose sibling results are combined after
// both sides ran. Merge is invoked exactly once per split, in reverse split
// order, with the receiver as left; neither argument is ever nil.
type SplitMergable interface {
	Splittable
	Merge(left, right SplitMergable)
}

// Observer receives parallelizer notifications. Methods must be safe for
// concurrent use and must not block.
type Observer interface {
	// Split is called when a sibling task is handed to the executor.
	Split()
	// Steal is called when a cooperating waiter runs a queued task instead
	// of blocking.
	Steal()
	// SequentialRun is called when a (sub)task runs without splitting.
	SequentialRun()
}

// Option configures a Parallelizer.
type Option func(*Parallelizer)

// WithObserver attaches an Observer.
func WithObserver(obs Observer) Option {
	return func(p *Parallelizer) {
		p.obs = obs
	}
}

// WithLogger attaches a logger for suppressed failures.
func WithLogger(log *zerolog.Logger) Option {
	return func(p *Parallelizer) {
		p.log = log.With().Str("component", "parallelizer").Logger()
	}
}

// WithSuppressedPanicHandler receives panics that lost the race to be the
// tree's first failure. The first one is re-raised at the root instead.
func WithSuppressedPanicHandler(fn func(recovered interface{})) Option {
	return func(p *Parallelizer) {
		p.suppressed = fn
	}
}
